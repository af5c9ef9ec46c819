// Package pipeline drives one task through generate, extract, repair and
// execute, following follow-up targets up to a bounded number of attempts.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/fentz26/quizpilot/internal/extract"
	"github.com/fentz26/quizpilot/internal/llm"
	"github.com/fentz26/quizpilot/internal/logging"
	"github.com/fentz26/quizpilot/internal/models"
	"github.com/fentz26/quizpilot/internal/pysrc"
	"github.com/fentz26/quizpilot/internal/repair"
	"github.com/fentz26/quizpilot/internal/sandbox"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Config bounds a chain.
type Config struct {
	MaxAttempts  int
	MaxResubmits int
	// System is the system instruction sent with every prompt.
	System string
	// Validator judges fragments and repaired programs. Nil means the
	// grammar alone.
	Validator pysrc.Validator
}

// Recorder receives every state change of a chain. Errors are logged and
// never stop the chain.
type Recorder interface {
	Transition(ctx context.Context, chain *models.Chain) error
	RecordAttempt(ctx context.Context, attempt *models.Attempt) error
	FinishChain(ctx context.Context, chain *models.Chain) error
}

// NopRecorder discards everything.
type NopRecorder struct{}

func (NopRecorder) Transition(context.Context, *models.Chain) error      { return nil }
func (NopRecorder) RecordAttempt(context.Context, *models.Attempt) error { return nil }
func (NopRecorder) FinishChain(context.Context, *models.Chain) error     { return nil }

// Runner executes attempt chains. It is safe for concurrent use as long as its
// collaborators are.
type Runner struct {
	cfg      Config
	client   llm.Client
	repairer *repair.Repairer
	sandbox  sandbox.Sandbox
	recorder Recorder
	logger   *zap.Logger
	now      func() time.Time
}

// NewRunner wires a runner. A nil recorder or logger is replaced by a no-op.
func NewRunner(cfg Config, client llm.Client, repairer *repair.Repairer, sb sandbox.Sandbox, recorder Recorder, logger *zap.Logger) *Runner {
	if cfg.MaxAttempts < 1 {
		cfg.MaxAttempts = 1
	}
	if cfg.Validator == nil {
		cfg.Validator = pysrc.Grammar{}
	}
	if recorder == nil {
		recorder = NopRecorder{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Runner{
		cfg:      cfg,
		client:   client,
		repairer: repairer,
		sandbox:  sb,
		recorder: recorder,
		logger:   logger.Named("pipeline"),
		now:      time.Now,
	}
}

// Run starts a new chain for task under a fresh id.
func (r *Runner) Run(ctx context.Context, task models.Task) *models.Chain {
	return r.RunChain(ctx, uuid.NewString(), task)
}

// RunChain drives the chain with the given id to a terminal state and returns
// it. Failures are recorded on the chain, never returned.
func (r *Runner) RunChain(ctx context.Context, id string, task models.Task) *models.Chain {
	now := r.now()
	chain := &models.Chain{
		ID:        id,
		Email:     task.Email,
		URL:       task.URL,
		State:     models.StatePending,
		CreatedAt: now,
		UpdatedAt: now,
	}
	log := r.logger.With(zap.String("chain_id", id), zap.String("email", task.Email))
	log.Info("chain started", zap.String("url", task.URL))

	current := task
	prompt := GeneratePrompt(current)
	resubmits := 0

	for {
		att := r.attempt(ctx, chain, current, prompt, log)
		chain.History = append(chain.History, *att)

		if att.Failure != models.FailureNone {
			r.finish(ctx, chain, models.StateFailed, att.Failure, att.Error, log)
			return chain
		}

		out := att.Outcome
		exhausted := chain.Attempts >= r.cfg.MaxAttempts
		switch {
		case out.FollowUp != "" && !exhausted:
			log.Info("following up", zap.Int("attempt", att.Seq), zap.String("next", out.FollowUp))
			current = current.WithURL(out.FollowUp)
			prompt = GeneratePrompt(current)
			resubmits = 0

		case out.FollowUp == "" && out.Wrong() && resubmits < r.cfg.MaxResubmits && !exhausted:
			resubmits++
			log.Info("answer rejected, resubmitting",
				zap.Int("attempt", att.Seq),
				zap.Int("resubmit", resubmits),
				zap.String("reason", out.Reason))
			prompt = ImprovePrompt(current, att.Program, out.Reason)

		default:
			if exhausted && out.FollowUp != "" {
				log.Warn("attempt limit reached with follow-up pending",
					zap.Int("max_attempts", r.cfg.MaxAttempts),
					zap.String("next", out.FollowUp))
			}
			r.finish(ctx, chain, models.StateDone, models.FailureNone, "", log)
			return chain
		}
		r.transition(ctx, chain, att, models.StateRecurse)
	}
}

// attempt runs one generate/extract/repair/execute cycle.
func (r *Runner) attempt(ctx context.Context, chain *models.Chain, task models.Task, prompt string, log *zap.Logger) *models.Attempt {
	chain.Attempts++
	att := &models.Attempt{
		ID:        uuid.NewString(),
		ChainID:   chain.ID,
		Seq:       chain.Attempts,
		URL:       task.URL,
		StartedAt: r.now(),
	}
	log = log.With(zap.Int("attempt", att.Seq))
	defer r.endAttempt(ctx, att, log)

	r.transition(ctx, chain, att, models.StateDispatched)

	raw, err := r.client.Complete(ctx, r.cfg.System, prompt)
	if err != nil {
		r.fail(ctx, att, models.FailureGeneration, err)
		return att
	}
	att.Raw = raw
	r.transition(ctx, chain, att, models.StateGenerated)

	fragments := extract.ExtractWith(ctx, raw, r.cfg.Validator)
	valid := extract.Valid(fragments)
	if len(valid) == 0 {
		att.Failure = models.FailureExtraction
		att.Error = fmt.Sprintf("no valid program among %d fragment(s)", len(fragments))
		return att
	}
	r.transition(ctx, chain, att, models.StateExtracted)

	prog, diag := r.repairFirst(ctx, valid, task.URL)
	if prog == nil {
		att.Failure = models.FailureRepairInvariant
		att.Error = fmt.Sprintf("repaired program does not parse: line %d: %s", diag.Line, diag.Message)
		return att
	}
	att.Program = prog.Source
	log.Debug("program repaired", zap.Strings("rules", prog.Applied), zap.String("preview", logging.Preview(prog.Source, 120)))
	r.transition(ctx, chain, att, models.StateRepaired)

	out, err := r.sandbox.Run(ctx, *prog, task)
	if err != nil {
		r.fail(ctx, att, models.FailureExecutionException, err)
		return att
	}
	att.Outcome = out
	r.transition(ctx, chain, att, models.StateExecuted)

	switch out.Kind {
	case models.OutcomeException:
		att.Failure = models.FailureExecutionException
		att.Error = out.Error
	case models.OutcomeTimeout:
		att.Failure = models.FailureExecutionTimeout
		att.Error = out.Error
	}
	return att
}

// repairFirst returns the first fragment whose repaired form still parses.
func (r *Runner) repairFirst(ctx context.Context, fragments []models.Fragment, target string) (*models.Program, *models.Diagnostic) {
	var last *models.Diagnostic
	for _, f := range fragments {
		prog := r.repairer.Repair(f.Source, target)
		diag := r.cfg.Validator.Validate(ctx, prog.Source)
		if diag == nil {
			return &prog, nil
		}
		last = diag
	}
	return nil, last
}

func (r *Runner) fail(ctx context.Context, att *models.Attempt, kind models.FailureKind, err error) {
	if ctx.Err() != nil || errors.Is(err, context.Canceled) {
		kind = models.FailureInterrupted
	}
	att.Failure = kind
	att.Error = err.Error()
}

func (r *Runner) transition(ctx context.Context, chain *models.Chain, att *models.Attempt, state models.ChainState) {
	chain.State = state
	chain.UpdatedAt = r.now()
	att.State = state
	if err := r.recorder.Transition(context.WithoutCancel(ctx), chain); err != nil {
		r.logger.Warn("failed to record transition", zap.String("chain_id", chain.ID), zap.String("state", string(state)), zap.Error(err))
	}
}

func (r *Runner) endAttempt(ctx context.Context, att *models.Attempt, log *zap.Logger) {
	att.EndedAt = r.now()
	fields := []zap.Field{zap.String("state", string(att.State)), zap.Duration("took", att.EndedAt.Sub(att.StartedAt))}
	if att.Failure != models.FailureNone {
		fields = append(fields, zap.String("failure", string(att.Failure)), zap.String("error", att.Error))
		log.Warn("attempt failed", fields...)
	} else {
		log.Info("attempt executed", fields...)
	}
	if err := r.recorder.RecordAttempt(context.WithoutCancel(ctx), att); err != nil {
		log.Warn("failed to record attempt", zap.Error(err))
	}
}

func (r *Runner) finish(ctx context.Context, chain *models.Chain, state models.ChainState, failure models.FailureKind, msg string, log *zap.Logger) {
	chain.State = state
	chain.Failure = failure
	chain.Error = msg
	chain.UpdatedAt = r.now()
	if err := r.recorder.FinishChain(context.WithoutCancel(ctx), chain); err != nil {
		log.Warn("failed to record chain result", zap.Error(err))
	}
	log.Info("chain finished",
		zap.String("state", string(state)),
		zap.String("failure", string(failure)),
		zap.Int("attempts", chain.Attempts))
}
