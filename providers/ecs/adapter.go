// Package ecs implements the container backend: agent images run as Fargate
// tasks, logs drain from CloudWatch Logs.
package ecs

import (
	"context"
	"fmt"
	"strings"

	"agent-orchestrator/core/backend"
	"agent-orchestrator/core/models"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatchlogs"
	"github.com/aws/aws-sdk-go-v2/service/ecs"
	ecstypes "github.com/aws/aws-sdk-go-v2/service/ecs/types"
)

const (
	containerName   = "agent"
	logStreamPrefix = "agent-tests"
)

// Adapter is the container execution backend
type Adapter struct{}

// NewAdapter creates a container adapter
func NewAdapter() *Adapter {
	return &Adapter{}
}

// Submit verifies the execution artifact and launches a Fargate task with the
// network and role configuration carried by the route.
func (a *Adapter) Submit(ctx context.Context, job *models.Job, route *backend.Route) (*backend.Handle, error) {
	if err := verifyImage(ctx, route.AWS, job.Artifact.ImageURI); err != nil {
		return nil, err
	}

	subnets, groups := route.Subnets, route.SecurityGroups
	if len(subnets) == 0 {
		var err error
		subnets, groups, err = resolveNetwork(ctx, route.AWS)
		if err != nil {
			return nil, err
		}
	}

	client := ecs.NewFromConfig(route.AWS)
	out, err := client.RunTask(ctx, &ecs.RunTaskInput{
		Cluster:        aws.String(route.ClusterARN),
		TaskDefinition: aws.String(route.TaskDefinition),
		LaunchType:     ecstypes.LaunchTypeFargate,
		Count:          aws.Int32(1),
		NetworkConfiguration: &ecstypes.NetworkConfiguration{
			AwsvpcConfiguration: &ecstypes.AwsVpcConfiguration{
				Subnets:        subnets,
				SecurityGroups: groups,
				AssignPublicIp: ecstypes.AssignPublicIpEnabled,
			},
		},
		Overrides: &ecstypes.TaskOverride{
			ContainerOverrides: []ecstypes.ContainerOverride{
				{
					Name: aws.String(containerName),
					Environment: []ecstypes.KeyValuePair{
						{Name: aws.String("AGENT_QUERY"), Value: aws.String(job.Query)},
						{Name: aws.String("MODEL_ID"), Value: aws.String(job.Config.ModelID)},
						{Name: aws.String("MODEL_ENDPOINT"), Value: aws.String(job.Config.Endpoint)},
					},
				},
			},
		},
		Tags: []ecstypes.Tag{
			{Key: aws.String("JobID"), Value: aws.String(job.ID)},
			{Key: aws.String("ManagedBy"), Value: aws.String("agent-orchestrator")},
		},
	})
	if err != nil {
		return nil, models.WrapExecError(models.ErrKindInfra, "submit", err)
	}

	if len(out.Failures) > 0 {
		reason := aws.ToString(out.Failures[0].Reason)
		kind := models.ErrKindInfra
		if strings.Contains(reason, "RESOURCE") || strings.Contains(reason, "limit") {
			kind = models.ErrKindQuota
		}
		return nil, models.NewExecError(kind, "submit", "task launch rejected: %s", reason)
	}
	if len(out.Tasks) == 0 {
		return nil, models.NewExecError(models.ErrKindInfra, "submit", "RunTask returned no tasks")
	}

	taskARN := aws.ToString(out.Tasks[0].TaskArn)
	return &backend.Handle{
		Provider:  models.ProviderContainer,
		TaskARN:   taskARN,
		LogGroup:  route.LogGroup,
		LogStream: fmt.Sprintf("%s/%s/%s", logStreamPrefix, containerName, taskID(taskARN)),
	}, nil
}

// Poll inspects the task's last status
func (a *Adapter) Poll(ctx context.Context, handle *backend.Handle, route *backend.Route) (*backend.PollResult, error) {
	client := ecs.NewFromConfig(route.AWS)
	out, err := client.DescribeTasks(ctx, &ecs.DescribeTasksInput{
		Cluster: aws.String(route.ClusterARN),
		Tasks:   []string{handle.TaskARN},
	})
	if err != nil {
		return nil, models.WrapExecError(models.ErrKindInfra, "execution", err)
	}
	if len(out.Tasks) == 0 {
		return nil, models.NewExecError(models.ErrKindNotFound, "execution", "task %s not found", handle.TaskARN)
	}

	task := out.Tasks[0]
	switch aws.ToString(task.LastStatus) {
	case "PROVISIONING", "PENDING", "ACTIVATING":
		return &backend.PollResult{Status: backend.StatusPending}, nil
	case "RUNNING", "DEACTIVATING", "STOPPING", "DEPROVISIONING":
		return &backend.PollResult{Status: backend.StatusRunning}, nil
	case "STOPPED":
		return stoppedResult(task), nil
	default:
		return &backend.PollResult{Status: backend.StatusPending}, nil
	}
}

// Cancel stops the task. Best-effort: the watchdog remains authoritative.
func (a *Adapter) Cancel(ctx context.Context, handle *backend.Handle, route *backend.Route) error {
	client := ecs.NewFromConfig(route.AWS)
	_, err := client.StopTask(ctx, &ecs.StopTaskInput{
		Cluster: aws.String(route.ClusterARN),
		Task:    aws.String(handle.TaskARN),
		Reason:  aws.String("cancelled by scheduler"),
	})
	if err != nil {
		return models.WrapExecError(models.ErrKindInfra, "cancel", err)
	}
	return nil
}

// FetchLogs pages task output from CloudWatch Logs. The forward token is the
// idempotent cursor: resending an unchanged token yields no duplicate lines.
func (a *Adapter) FetchLogs(ctx context.Context, handle *backend.Handle, route *backend.Route, cursor string) (*backend.LogBatch, error) {
	client := cloudwatchlogs.NewFromConfig(route.AWS)

	input := &cloudwatchlogs.GetLogEventsInput{
		LogGroupName:  aws.String(handle.LogGroup),
		LogStreamName: aws.String(handle.LogStream),
		StartFromHead: aws.Bool(true),
	}
	if cursor != "" {
		input.NextToken = aws.String(cursor)
	}

	out, err := client.GetLogEvents(ctx, input)
	if err != nil {
		// The stream appears only once the task emits its first line.
		if strings.Contains(err.Error(), "ResourceNotFoundException") {
			return &backend.LogBatch{NextCursor: cursor}, nil
		}
		return nil, models.WrapExecError(models.ErrKindInfra, "logs", err)
	}

	batch := &backend.LogBatch{NextCursor: aws.ToString(out.NextForwardToken)}
	for _, event := range out.Events {
		batch.Lines = append(batch.Lines, aws.ToString(event.Message))
	}
	return batch, nil
}

func stoppedResult(task ecstypes.Task) *backend.PollResult {
	result := &backend.PollResult{Status: backend.StatusFailed, Error: aws.ToString(task.StoppedReason)}
	for _, c := range task.Containers {
		if aws.ToString(c.Name) != containerName {
			continue
		}
		if c.ExitCode != nil {
			code := int(*c.ExitCode)
			result.ExitCode = &code
			if code == 0 {
				result.Status = backend.StatusSucceeded
				result.Error = ""
			} else {
				result.Error = fmt.Sprintf("container exited with code %d", code)
			}
		}
	}
	return result
}

func taskID(taskARN string) string {
	parts := strings.Split(taskARN, "/")
	return parts[len(parts)-1]
}
