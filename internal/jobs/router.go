package jobs

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/glfleet/backend/internal/clock"
	"github.com/glfleet/backend/internal/protocol"
	"github.com/glfleet/backend/internal/store"
)

// Responder sends a protocol message back to a specific worker connection.
// *protocol.Handler satisfies it.
type Responder interface {
	SendMessage(ctx context.Context, connID string, msg protocol.Message) error
}

// Router is the protocol sink that turns routed worker messages into job
// state changes. It runs on the hub goroutine, decoupled from the read path.
type Router struct {
	manager *Manager
	tracker *Tracker
	jobs    store.JobStore
	tokens  store.TokenStore
	send    Responder
	clock   clock.Clock
	logger  *zap.Logger
}

// NewRouter builds a Router.
func NewRouter(manager *Manager, tracker *Tracker, jobs store.JobStore, tokens store.TokenStore, send Responder, clk clock.Clock, logger *zap.Logger) *Router {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Router{
		manager: manager,
		tracker: tracker,
		jobs:    jobs,
		tokens:  tokens,
		send:    send,
		clock:   clk,
		logger:  logger,
	}
}

// Consume handles one batch of protocol events. Per-message failures are
// collected and joined; one bad message never stops the rest of the batch.
func (r *Router) Consume(ctx context.Context, batch []protocol.Event) error {
	var errs []error
	for _, evt := range batch {
		if evt.Kind != protocol.EventMessageRouted || evt.Message == nil {
			continue
		}
		if err := r.handle(ctx, evt.ConnID, *evt.Message); err != nil {
			errs = append(errs, fmt.Errorf("%s (conn %s): %w", evt.Message.Type, evt.ConnID, err))
		}
	}
	return errors.Join(errs...)
}

// Close satisfies protocol.Sink. The router holds no buffered state.
func (r *Router) Close(context.Context) error {
	return nil
}

func (r *Router) handle(ctx context.Context, connID string, msg protocol.Message) error {
	switch msg.Type {
	case protocol.TypeJobStarted:
		return r.manager.MarkRunning(ctx, msg.JobID, msg.Timestamp)
	case protocol.TypeJobProgress:
		return r.handleProgress(ctx, msg)
	case protocol.TypeJobCompleted:
		return r.handleCompleted(ctx, msg)
	case protocol.TypeJobFailed:
		return r.handleFailed(ctx, msg)
	case protocol.TypeTokenRefreshRequest:
		return r.handleTokenRefresh(ctx, connID, msg)
	default:
		return nil
	}
}

func (r *Router) handleProgress(ctx context.Context, msg protocol.Message) error {
	var data protocol.JobProgressData
	if err := msg.DecodeData(&data); err != nil {
		return fmt.Errorf("decode progress payload: %w", err)
	}
	_, err := r.tracker.Apply(ctx, msg.JobID, data.Progress, data.ResumeState)
	return err
}

func (r *Router) handleCompleted(ctx context.Context, msg protocol.Message) error {
	var data protocol.JobCompletedData
	if err := msg.DecodeData(&data); err != nil {
		return fmt.Errorf("decode completion payload: %w", err)
	}
	job, err := r.jobs.GetJob(ctx, msg.JobID)
	if err != nil {
		return fmt.Errorf("load job: %w", err)
	}
	if err := r.manager.MarkFinished(ctx, msg.JobID, msg.Timestamp, &data.Progress, data.ResumeState); err != nil {
		return err
	}
	if job.Command == store.CommandGroupDiscovery {
		areas := make([]store.Area, 0, len(data.DiscoveredAreas))
		for _, a := range data.DiscoveredAreas {
			areas = append(areas, store.Area{
				FullPath: a.FullPath,
				GitLabID: a.GitLabID,
				Name:     a.Name,
				Type:     store.AreaType(a.Type),
			})
		}
		job.Status = store.JobFinished
		r.manager.HandleDiscoveryCompleted(ctx, job, areas)
	}
	return nil
}

func (r *Router) handleFailed(ctx context.Context, msg protocol.Message) error {
	var data protocol.JobFailedData
	if err := msg.DecodeData(&data); err != nil {
		return fmt.Errorf("decode failure payload: %w", err)
	}
	return r.manager.MarkFailed(ctx, msg.JobID, msg.Timestamp, data.Error, data.Retryable, &data.Progress, data.ResumeState)
}

// handleTokenRefresh answers a worker's token refresh request. A missing
// token still produces a response so the worker can fail its job cleanly
// instead of waiting.
func (r *Router) handleTokenRefresh(ctx context.Context, connID string, msg protocol.Message) error {
	resp := protocol.TokenRefreshResponseData{}
	accountID := ""
	if msg.JobID != "" {
		job, err := r.jobs.GetJob(ctx, msg.JobID)
		if err != nil {
			r.logger.Warn("token refresh for unknown job",
				zap.String("job_id", msg.JobID),
				zap.Error(err))
		} else {
			accountID = job.AccountID
		}
	}
	if accountID != "" {
		token, err := r.tokens.AccountToken(ctx, accountID)
		switch {
		case err == nil:
			resp.RefreshSuccessful = true
			resp.AccessToken = token
		case errors.Is(err, store.ErrNotFound):
			r.logger.Warn("no token on file for account", zap.String("account_id", accountID))
		default:
			return fmt.Errorf("token lookup: %w", err)
		}
	}
	out, err := protocol.NewMessage(protocol.TypeTokenRefreshResponse, r.clock.Now(), msg.JobID, resp)
	if err != nil {
		return fmt.Errorf("build token response: %w", err)
	}
	return r.send.SendMessage(ctx, connID, out)
}
