// Package agentcore implements the managed-runtime backend: agents execute
// in a hosted sandbox invoked by runtime id, no image build involved.
package agentcore

import (
	"context"
	"errors"
	"strings"
	"sync"

	"agent-orchestrator/core/backend"
	"agent-orchestrator/core/models"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/bedrockagentruntime"
	runtimetypes "github.com/aws/aws-sdk-go-v2/service/bedrockagentruntime/types"
	"github.com/aws/smithy-go"
)

// Adapter is the managed-runtime execution backend. The sandbox invoke is
// synchronous, so Submit captures the terminal result and Poll replays it,
// giving the scheduler the same callback shape as the container adapter.
type Adapter struct {
	mu      sync.Mutex
	results map[string]*invokeResult // keyed by session id
}

type invokeResult struct {
	response string
	lines    []string
	err      string
}

// NewAdapter creates a managed-runtime adapter
func NewAdapter() *Adapter {
	return &Adapter{results: make(map[string]*invokeResult)}
}

// Submit invokes the sandbox, blocking up to the caller's deadline, and
// stores the terminal result for Poll.
func (a *Adapter) Submit(ctx context.Context, job *models.Job, route *backend.Route) (*backend.Handle, error) {
	if route.RuntimeID == "" {
		return nil, models.NewExecError(models.ErrKindValidation, "submit",
			"deployment for agent %s has no managed runtime id", job.AgentID)
	}

	client := bedrockagentruntime.NewFromConfig(route.AWS)
	sessionID := job.ID

	out, err := client.InvokeAgent(ctx, &bedrockagentruntime.InvokeAgentInput{
		AgentId:      aws.String(route.RuntimeID),
		AgentAliasId: aws.String(route.RuntimeAlias),
		SessionId:    aws.String(sessionID),
		InputText:    aws.String(job.Query),
	})
	if err != nil {
		return nil, classifyInvokeError(err)
	}

	var sb strings.Builder
	var lines []string
	stream := out.GetStream()
	defer stream.Close()

	for event := range stream.Events() {
		switch v := event.(type) {
		case *runtimetypes.ResponseStreamMemberChunk:
			if v.Value.Bytes != nil {
				chunk := string(v.Value.Bytes)
				sb.WriteString(chunk)
				lines = append(lines, chunk)
			}
		case *runtimetypes.ResponseStreamMemberTrace:
			// trace parts are diagnostic, not response content
		}
	}
	result := &invokeResult{response: sb.String(), lines: lines}
	if err := stream.Err(); err != nil {
		// The invoke was accepted but its stream died mid-flight: report it as
		// a backend failure through Poll, the same shape the container adapter
		// produces for a stopped task.
		result = &invokeResult{lines: lines, err: classifyInvokeError(err).Error()}
	}

	a.mu.Lock()
	a.results[sessionID] = result
	a.mu.Unlock()

	return &backend.Handle{
		Provider:  models.ProviderManagedRuntime,
		SessionID: sessionID,
	}, nil
}

// Poll replays the result captured by the synchronous invoke
func (a *Adapter) Poll(ctx context.Context, handle *backend.Handle, route *backend.Route) (*backend.PollResult, error) {
	a.mu.Lock()
	result, ok := a.results[handle.SessionID]
	a.mu.Unlock()

	if !ok {
		return nil, models.NewExecError(models.ErrKindNotFound, "execution",
			"no invocation recorded for session %s", handle.SessionID)
	}
	if result.err != "" {
		return &backend.PollResult{Status: backend.StatusFailed, Error: result.err}, nil
	}
	return &backend.PollResult{Status: backend.StatusSucceeded, Response: result.response}, nil
}

// Cancel is a no-op: the invoke either finished or died with its context
func (a *Adapter) Cancel(ctx context.Context, handle *backend.Handle, route *backend.Route) error {
	return nil
}

// FetchLogs returns the invocation chunks once; the "eof" cursor marks the
// stream drained so repeated calls never duplicate lines.
func (a *Adapter) FetchLogs(ctx context.Context, handle *backend.Handle, route *backend.Route, cursor string) (*backend.LogBatch, error) {
	if cursor == "eof" {
		return &backend.LogBatch{NextCursor: "eof"}, nil
	}

	a.mu.Lock()
	result, ok := a.results[handle.SessionID]
	a.mu.Unlock()

	if !ok {
		return &backend.LogBatch{NextCursor: cursor}, nil
	}
	return &backend.LogBatch{Lines: result.lines, NextCursor: "eof"}, nil
}

// Forget drops the stored result once the scheduler records the terminal
// state, keeping the replay map from growing without bound.
func (a *Adapter) Forget(sessionID string) {
	a.mu.Lock()
	delete(a.results, sessionID)
	a.mu.Unlock()
}

func classifyInvokeError(err error) error {
	var ae smithy.APIError
	if errors.As(err, &ae) {
		switch ae.ErrorCode() {
		case "ThrottlingException", "ServiceQuotaExceededException":
			return models.WrapExecError(models.ErrKindQuota, "submit", err)
		case "ResourceNotFoundException":
			return models.WrapExecError(models.ErrKindNotFound, "submit", err)
		}
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return models.WrapExecError(models.ErrKindTimeout, "timeout", err)
	}
	return models.WrapExecError(models.ErrKindInfra, "submit", err)
}
