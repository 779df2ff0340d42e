// Package router resolves which adapter and credential context a job must
// use, from agent provider, user tier and cross-account trust state.
package router

import (
	"context"

	"agent-orchestrator/core/backend"
	"agent-orchestrator/core/models"

	"github.com/aws/aws-sdk-go-v2/aws"
)

// DeploymentStore is the subset of the deployment repository the router needs
type DeploymentStore interface {
	GetByAgentID(ctx context.Context, agentID string) (*models.Deployment, error)
}

// AccountStore is the subset of the trust-record repository the router needs
type AccountStore interface {
	Get(ctx context.Context, userID string) (*models.AWSAccount, error)
}

// UsageStore is the subset of the usage repository the router needs
type UsageStore interface {
	Get(ctx context.Context, userID string) (*models.Usage, error)
	Increment(ctx context.Context, userID string, cap int) error
}

// Router is the deployment router: the tier decision table plus credential
// resolution
type Router struct {
	deployments DeploymentStore
	accounts    AccountStore
	usage       UsageStore
	creds       *CredentialCache
	platform    aws.Config // platform-owned credentials for freemium dispatch
	monthlyCap  int

	// platform defaults used when a deployment record leaves them unset
	defaultCluster string
	defaultTaskDef string
	defaultLogs    string
}

// NewRouter creates a deployment router
func NewRouter(
	deployments DeploymentStore,
	accounts AccountStore,
	usage UsageStore,
	creds *CredentialCache,
	platform aws.Config,
	monthlyCap int,
	defaultCluster, defaultTaskDef, defaultLogGroup string,
) *Router {
	return &Router{
		deployments:    deployments,
		accounts:       accounts,
		usage:          usage,
		creds:          creds,
		platform:       platform,
		monthlyCap:     monthlyCap,
		defaultCluster: defaultCluster,
		defaultTaskDef: defaultTaskDef,
		defaultLogs:    defaultLogGroup,
	}
}

// ValidateSubmission enforces tier policy before a queue slot is consumed:
// the freemium cap and the connected-account requirement both fail fast here,
// so a rejected submit never creates a QueueEntry.
func (r *Router) ValidateSubmission(ctx context.Context, dep *models.Deployment, userID string, provider models.Provider) error {
	switch dep.Tier {
	case models.TierFreemium:
		if provider != models.ProviderManagedRuntime {
			return models.NewExecError(models.ErrKindValidation, "routing",
				"freemium tier supports only the managed-runtime provider")
		}
		usage, err := r.usage.Get(ctx, userID)
		if err != nil {
			return models.WrapExecError(models.ErrKindInfra, "routing", err)
		}
		if usage.TestsThisMonth >= r.monthlyCap {
			return models.NewExecError(models.ErrKindUsageLimit, "routing",
				"monthly test limit of %d reached", r.monthlyCap)
		}
		return nil

	case models.TierPersonal, models.TierEnterprise:
		if provider != models.ProviderContainer {
			return models.NewExecError(models.ErrKindValidation, "routing",
				"%s tier supports only the container provider", dep.Tier)
		}
		account, err := r.accounts.Get(ctx, userID)
		if err != nil {
			return models.WrapExecError(models.ErrKindInfra, "routing", err)
		}
		if account == nil || account.Status != models.AccountConnected {
			return models.NewExecError(models.ErrKindNoAWSAccount, "routing",
				"connect an AWS account before running container tests")
		}
		return nil
	}

	return models.NewExecError(models.ErrKindValidation, "routing", "unknown tier %q", dep.Tier)
}

// Resolve produces the dispatch route for a job. It has no side effects, so
// the log collector may call it freely; the usage increment happens in
// RecordDispatch.
func (r *Router) Resolve(ctx context.Context, job *models.Job) (*backend.Route, error) {
	dep, err := r.deployments.GetByAgentID(ctx, job.AgentID)
	if err != nil {
		return nil, err
	}

	switch dep.Tier {
	case models.TierFreemium:
		return &backend.Route{
			Kind:         backend.KindManagedRuntime,
			Tier:         dep.Tier,
			Region:       r.regionFor(dep, job),
			AWS:          r.platform,
			RuntimeID:    dep.RuntimeID,
			RuntimeAlias: dep.RuntimeAlias,
		}, nil

	case models.TierPersonal, models.TierEnterprise:
		account, err := r.accounts.Get(ctx, job.UserID)
		if err != nil {
			return nil, models.WrapExecError(models.ErrKindInfra, "routing", err)
		}
		if account == nil || account.Status != models.AccountConnected {
			return nil, models.NewExecError(models.ErrKindNoAWSAccount, "routing",
				"no connected AWS account for user %s", job.UserID)
		}
		awsCfg, err := r.creds.Assume(ctx, account)
		if err != nil {
			return nil, err
		}
		route := &backend.Route{
			Kind:           backend.KindContainer,
			Tier:           dep.Tier,
			Region:         r.regionFor(dep, job),
			AWS:            awsCfg,
			ClusterARN:     dep.ClusterARN,
			TaskDefinition: dep.TaskDefinition,
			LogGroup:       dep.LogGroup,
		}
		if route.ClusterARN == "" {
			route.ClusterARN = r.defaultCluster
		}
		if route.TaskDefinition == "" {
			route.TaskDefinition = r.defaultTaskDef
		}
		if route.LogGroup == "" {
			route.LogGroup = r.defaultLogs
		}
		return route, nil
	}

	return nil, models.NewExecError(models.ErrKindValidation, "routing", "unknown tier %q", dep.Tier)
}

// RecordDispatch commits the dispatch against tier accounting. For freemium
// jobs the usage counter increments here, transactionally with dispatch, so
// concurrent submissions from one user never double-count.
func (r *Router) RecordDispatch(ctx context.Context, job *models.Job, route *backend.Route) error {
	if route.Tier != models.TierFreemium {
		return nil
	}
	return r.usage.Increment(ctx, job.UserID, r.monthlyCap)
}

// InvalidateCredentials drops cached credentials for a user
func (r *Router) InvalidateCredentials(userID string) {
	r.creds.Invalidate(userID)
}

func (r *Router) regionFor(dep *models.Deployment, job *models.Job) string {
	if job.Config.Region != "" {
		return job.Config.Region
	}
	return dep.Region
}
