package ecs

import (
	"context"
	"errors"
	"strings"

	"agent-orchestrator/core/models"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ecr"
	ecrtypes "github.com/aws/aws-sdk-go-v2/service/ecr/types"
	"github.com/aws/smithy-go"
)

// verifyImage checks that the job's execution artifact exists in ECR. The
// image itself is produced by the external build pipeline; a missing image is
// a build failure from the scheduler's point of view.
func verifyImage(ctx context.Context, cfg aws.Config, imageURI string) error {
	if imageURI == "" {
		return models.NewExecError(models.ErrKindBuild, "build", "job has no container image artifact")
	}

	repo, tag, err := parseImageURI(imageURI)
	if err != nil {
		return err
	}

	client := ecr.NewFromConfig(cfg)
	_, err = client.DescribeImages(ctx, &ecr.DescribeImagesInput{
		RepositoryName: aws.String(repo),
		ImageIds: []ecrtypes.ImageIdentifier{
			{ImageTag: aws.String(tag)},
		},
	})
	if err != nil {
		var ae smithy.APIError
		if errors.As(err, &ae) {
			switch ae.ErrorCode() {
			case "ImageNotFoundException", "RepositoryNotFoundException":
				return models.NewExecError(models.ErrKindBuild, "build",
					"image %s not found in registry", imageURI)
			}
		}
		return models.WrapExecError(models.ErrKindInfra, "build", err)
	}
	return nil
}

// parseImageURI splits "registry/repo:tag" into repository name and tag
func parseImageURI(uri string) (repo, tag string, err error) {
	ref := uri
	if i := strings.Index(ref, "/"); i >= 0 && strings.Contains(ref[:i], ".") {
		ref = ref[i+1:] // strip registry host
	}

	tag = "latest"
	if i := strings.LastIndex(ref, ":"); i >= 0 {
		repo, tag = ref[:i], ref[i+1:]
	} else {
		repo = ref
	}
	if repo == "" || tag == "" {
		return "", "", models.NewExecError(models.ErrKindBuild, "build", "malformed image reference %q", uri)
	}
	return repo, tag, nil
}
