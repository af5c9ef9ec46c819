// Package controlplane provides the HTTP front door and the service layer that
// records chain progress.
package controlplane

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/fentz26/quizpilot/internal/audit"
	"github.com/fentz26/quizpilot/internal/events"
	"github.com/fentz26/quizpilot/internal/models"
	"github.com/fentz26/quizpilot/internal/scheduler"
	"github.com/fentz26/quizpilot/internal/store"
	"go.uber.org/zap"
)

// Queue accepts chains for background execution.
type Queue interface {
	Submit(job scheduler.Job) error
}

// Service provides the control plane business logic. It also implements
// pipeline.Recorder and scheduler.Tracker.
type Service struct {
	store  *store.Store
	audit  *audit.Writer
	events events.Publisher
	queue  Queue
	secret string
	logger *zap.Logger
}

// NewService creates a new control plane service. pub may be nil.
func NewService(s *store.Store, aw *audit.Writer, pub events.Publisher, secret string, logger *zap.Logger) *Service {
	if pub == nil {
		pub = events.Nop{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		store:  s,
		audit:  aw,
		events: pub,
		secret: secret,
		logger: logger.Named("service"),
	}
}

// AttachQueue sets the queue chains are submitted to. The scheduler needs the
// service as its tracker, so it is attached after construction.
func (s *Service) AttachQueue(q Queue) {
	s.queue = q
}

// Authorize reports whether secret matches the configured one. An unset
// secret rejects everything.
func (s *Service) Authorize(secret string) bool {
	if s.secret == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(secret), []byte(s.secret)) == 1
}

// --- Chain Operations ---

// Submit validates task, records a pending chain and enqueues it.
func (s *Service) Submit(ctx context.Context, task models.Task) (*models.Chain, error) {
	if err := validateTask(task); err != nil {
		return nil, err
	}
	if s.queue == nil {
		return nil, ErrNoQueue
	}

	chain, err := s.store.CreateChain(ctx, task.Email, task.URL)
	if err != nil {
		return nil, err
	}
	inputs := map[string]string{"email": task.Email, "url": task.URL}

	if err := s.queue.Submit(scheduler.Job{ChainID: chain.ID, Task: task}); err != nil {
		chain.State = models.StateFailed
		chain.Failure = models.FailureRejected
		chain.Error = err.Error()
		if uerr := s.store.UpdateChain(ctx, chain); uerr != nil {
			s.logger.Warn("failed to mark rejected chain", zap.String("chain_id", chain.ID), zap.Error(uerr))
		}
		s.record(ctx, "chain.submit", inputs, "rejected", chain.ID, err.Error())
		if errors.Is(err, scheduler.ErrQueueFull) || errors.Is(err, scheduler.ErrStopped) {
			return nil, fmt.Errorf("%w: %v", ErrBusy, err)
		}
		return nil, err
	}

	s.record(ctx, "chain.submit", inputs, "accepted", chain.ID, "")
	s.logger.Info("chain queued", zap.String("chain_id", chain.ID), zap.String("email", task.Email), zap.String("url", task.URL))
	return chain, nil
}

// GetChain returns a chain with its attempt history.
func (s *Service) GetChain(ctx context.Context, id string) (*models.Chain, error) {
	chain, err := s.store.GetChain(ctx, id)
	if err != nil {
		return nil, err
	}
	if chain == nil {
		return nil, ErrChainNotFound
	}
	history, err := s.store.AttemptsForChain(ctx, id)
	if err != nil {
		return nil, err
	}
	chain.History = history
	return chain, nil
}

// ListChains returns chains matching filter.
func (s *Service) ListChains(ctx context.Context, filter store.ChainFilter) ([]models.Chain, error) {
	return s.store.ListChains(ctx, filter)
}

// ChainAudit returns the decision records of a chain.
func (s *Service) ChainAudit(ctx context.Context, id string) ([]models.AuditEntry, error) {
	chain, err := s.store.GetChain(ctx, id)
	if err != nil {
		return nil, err
	}
	if chain == nil {
		return nil, ErrChainNotFound
	}
	return s.store.AuditForChain(ctx, id)
}

// RecoverStale fails chains a previous process left running.
func (s *Service) RecoverStale(ctx context.Context) (int64, error) {
	n, err := s.store.FailStale(ctx)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		s.record(ctx, "chain.recover", map[string]int64{"count": n}, "failed", "", fmt.Sprintf("%d chain(s) marked interrupted", n))
	}
	return n, nil
}

// Counts returns the number of chains per state.
func (s *Service) Counts(ctx context.Context) (map[string]int, error) {
	return s.store.CountByState(ctx)
}

// Ping checks the store.
func (s *Service) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}

// --- Recorder ---

// Transition persists a state change.
func (s *Service) Transition(ctx context.Context, chain *models.Chain) error {
	return s.store.UpdateChain(ctx, chain)
}

// RecordAttempt persists a finished attempt.
func (s *Service) RecordAttempt(ctx context.Context, attempt *models.Attempt) error {
	return s.store.SaveAttempt(ctx, attempt)
}

// FinishChain persists the terminal state, audits it and publishes an event.
func (s *Service) FinishChain(ctx context.Context, chain *models.Chain) error {
	if err := s.store.UpdateChain(ctx, chain); err != nil {
		return err
	}
	s.record(ctx, "chain.finish", map[string]interface{}{
		"chain_id": chain.ID,
		"state":    chain.State,
		"attempts": chain.Attempts,
	}, string(chain.State), chain.ID, chain.Error)

	if err := s.events.Publish(ctx, events.FromChain(chain)); err != nil {
		s.logger.Warn("failed to publish chain event", zap.String("chain_id", chain.ID), zap.Error(err))
	}
	return nil
}

// --- Tracker ---

// SetWorker records the worker running a chain.
func (s *Service) SetWorker(ctx context.Context, chainID, workerID string) error {
	return s.store.SetWorker(ctx, chainID, workerID)
}

func (s *Service) record(ctx context.Context, action string, inputs interface{}, outcome, chainID, details string) {
	if s.audit == nil {
		return
	}
	if _, err := s.audit.Record(ctx, action, inputs, outcome, chainID, details); err != nil {
		s.logger.Warn("failed to write audit record", zap.String("action", action), zap.Error(err))
	}
}

func validateTask(task models.Task) error {
	if strings.TrimSpace(task.URL) == "" {
		return fmt.Errorf("%w: url is required", ErrInvalidTask)
	}
	u, err := url.Parse(task.URL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("%w: url must be an absolute http(s) URL", ErrInvalidTask)
	}
	return nil
}
