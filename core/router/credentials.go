package router

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"

	"agent-orchestrator/core/models"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/sts"
	"github.com/aws/smithy-go"
)

// TokenExchanger exchanges a trust record for short-lived credentials
type TokenExchanger interface {
	Exchange(ctx context.Context, roleARN, externalID, region string) (aws.Credentials, error)
}

// STSExchanger exchanges via sts:AssumeRole. The external id must match the
// trust policy exactly; a mismatch denies the call and is never retried.
type STSExchanger struct {
	client *sts.Client
}

// NewSTSExchanger creates an exchanger on the platform's own credentials
func NewSTSExchanger(cfg aws.Config) *STSExchanger {
	return &STSExchanger{client: sts.NewFromConfig(cfg)}
}

// Exchange assumes the user's role with the stored external id
func (e *STSExchanger) Exchange(ctx context.Context, roleARN, externalID, region string) (aws.Credentials, error) {
	out, err := e.client.AssumeRole(ctx, &sts.AssumeRoleInput{
		RoleArn:         aws.String(roleARN),
		RoleSessionName: aws.String("agent-test-dispatch"),
		ExternalId:      aws.String(externalID),
		DurationSeconds: aws.Int32(3600),
	})
	if err != nil {
		var ae smithy.APIError
		if errors.As(err, &ae) && ae.ErrorCode() == "AccessDenied" {
			return aws.Credentials{}, models.WrapExecError(models.ErrKindTrust, "routing", err)
		}
		return aws.Credentials{}, models.WrapExecError(models.ErrKindInfra, "routing", err)
	}

	c := out.Credentials
	return aws.Credentials{
		AccessKeyID:     aws.ToString(c.AccessKeyId),
		SecretAccessKey: aws.ToString(c.SecretAccessKey),
		SessionToken:    aws.ToString(c.SessionToken),
		CanExpire:       true,
		Expires:         aws.ToTime(c.Expiration),
	}, nil
}

// CredentialCache caches assumed-role credentials per user for the session
// lifetime. Entries are dropped on account disconnect.
type CredentialCache struct {
	exchanger TokenExchanger
	mu        sync.Mutex
	entries   map[string]cachedCreds
}

type cachedCreds struct {
	creds   aws.Credentials
	expires time.Time
}

// NewCredentialCache creates a credential cache over an exchanger
func NewCredentialCache(exchanger TokenExchanger) *CredentialCache {
	return &CredentialCache{
		exchanger: exchanger,
		entries:   make(map[string]cachedCreds),
	}
}

// Assume returns an aws.Config scoped to the user's account, reusing cached
// credentials while they have at least five minutes of life left.
func (c *CredentialCache) Assume(ctx context.Context, account *models.AWSAccount) (aws.Config, error) {
	c.mu.Lock()
	entry, ok := c.entries[account.UserID]
	c.mu.Unlock()

	if ok && time.Until(entry.expires) > 5*time.Minute {
		return configFor(entry.creds, account.Region), nil
	}

	creds, err := c.exchanger.Exchange(ctx, account.RoleARN, account.ExternalID, account.Region)
	if err != nil {
		return aws.Config{}, err
	}

	expires := creds.Expires
	if !creds.CanExpire || expires.IsZero() {
		expires = time.Now().Add(time.Hour)
	}

	c.mu.Lock()
	c.entries[account.UserID] = cachedCreds{creds: creds, expires: expires}
	c.mu.Unlock()

	return configFor(creds, account.Region), nil
}

// Invalidate drops a user's cached credentials, called on account disconnect
func (c *CredentialCache) Invalidate(userID string) {
	c.mu.Lock()
	if _, ok := c.entries[userID]; ok {
		delete(c.entries, userID)
		log.Printf("Invalidated cached credentials for user %s", userID)
	}
	c.mu.Unlock()
}

func configFor(creds aws.Credentials, region string) aws.Config {
	return aws.Config{
		Region: region,
		Credentials: credentials.NewStaticCredentialsProvider(
			creds.AccessKeyID, creds.SecretAccessKey, creds.SessionToken),
	}
}
