package scheduler

import (
	"context"
	"errors"
	"sync"

	"github.com/fentz26/quizpilot/internal/models"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"
)

var (
	// ErrQueueFull is returned by Submit when no queue slot is free.
	ErrQueueFull = errors.New("scheduler queue is full")
	// ErrStopped is returned by Submit after Stop.
	ErrStopped = errors.New("scheduler stopped")
)

// Job is one chain waiting to run.
type Job struct {
	ChainID string
	Task    models.Task
}

// Runner drives a chain to completion.
type Runner interface {
	RunChain(ctx context.Context, id string, task models.Task) *models.Chain
}

// Tracker is told which worker picked up a chain.
type Tracker interface {
	SetWorker(ctx context.Context, chainID, workerID string) error
}

// Scheduler manages job dispatching and the worker pool.
type Scheduler struct {
	runner  Runner
	tracker Tracker
	config  *Config
	logger  *zap.Logger

	queue chan Job
	sem   *semaphore.Weighted

	// Worker pool state
	mu            sync.Mutex
	activeWorkers int
	workers       map[string]string // worker id -> chain id
	dispatched    int
	completed     int
	stopped       bool

	// Control
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a new scheduler. tracker may be nil.
func New(runner Runner, tracker Tracker, cfg *Config, logger *zap.Logger) *Scheduler {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	cfg.normalize()
	if logger == nil {
		logger = zap.NewNop()
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Scheduler{
		runner:  runner,
		tracker: tracker,
		config:  cfg,
		logger:  logger.Named("scheduler"),
		queue:   make(chan Job, cfg.QueueSize),
		sem:     semaphore.NewWeighted(int64(cfg.GlobalMax)),
		workers: make(map[string]string),
		ctx:     ctx,
		cancel:  cancel,
	}
}

// Submit enqueues a job without blocking.
func (sch *Scheduler) Submit(job Job) error {
	sch.mu.Lock()
	defer sch.mu.Unlock()
	if sch.stopped {
		return ErrStopped
	}

	select {
	case sch.queue <- job:
		return nil
	default:
		return ErrQueueFull
	}
}

// Start begins the dispatch loop.
func (sch *Scheduler) Start() {
	sch.wg.Add(1)
	go sch.dispatchLoop()
	sch.logger.Info("scheduler started", zap.Int("global_max", sch.config.GlobalMax), zap.Int("queue_size", sch.config.QueueSize))
}

// Stop cancels running chains and waits for every worker to return. Jobs still
// queued are dropped; their chains stay pending until the next startup sweep.
func (sch *Scheduler) Stop() {
	sch.mu.Lock()
	sch.stopped = true
	sch.mu.Unlock()

	sch.cancel()
	sch.wg.Wait()
	sch.logger.Info("scheduler stopped", zap.Int("dropped", len(sch.queue)))
}

// dispatchLoop hands queued jobs to workers as capacity frees up.
func (sch *Scheduler) dispatchLoop() {
	defer sch.wg.Done()

	for {
		select {
		case <-sch.ctx.Done():
			return
		case job := <-sch.queue:
			if err := sch.sem.Acquire(sch.ctx, 1); err != nil {
				return
			}
			workerID := uuid.New().String()

			sch.mu.Lock()
			sch.activeWorkers++
			sch.dispatched++
			sch.workers[workerID] = job.ChainID
			sch.mu.Unlock()

			sch.wg.Add(1)
			go sch.runWorker(job, workerID)
		}
	}
}

// runWorker runs one chain.
func (sch *Scheduler) runWorker(job Job, workerID string) {
	defer sch.wg.Done()
	defer sch.sem.Release(1)
	defer func() {
		sch.mu.Lock()
		sch.activeWorkers--
		sch.completed++
		delete(sch.workers, workerID)
		sch.mu.Unlock()
	}()

	log := sch.logger.With(zap.String("worker_id", workerID), zap.String("chain_id", job.ChainID))
	if sch.tracker != nil {
		if err := sch.tracker.SetWorker(sch.ctx, job.ChainID, workerID); err != nil {
			log.Warn("failed to record worker", zap.Error(err))
		}
	}

	log.Debug("worker picked up chain")
	chain := sch.runner.RunChain(sch.ctx, job.ChainID, job.Task)
	log.Debug("worker finished chain", zap.String("state", string(chain.State)))
}

// GetStats returns current scheduler statistics.
func (sch *Scheduler) GetStats() map[string]interface{} {
	sch.mu.Lock()
	defer sch.mu.Unlock()

	workers := make(map[string]string, len(sch.workers))
	for k, v := range sch.workers {
		workers[k] = v
	}

	return map[string]interface{}{
		"active_workers": sch.activeWorkers,
		"global_max":     sch.config.GlobalMax,
		"queued":         len(sch.queue),
		"queue_size":     sch.config.QueueSize,
		"dispatched":     sch.dispatched,
		"completed":      sch.completed,
		"workers":        workers,
	}
}
