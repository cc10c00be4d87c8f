package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ignite/email-verifier/internal/domain"
	"github.com/ignite/email-verifier/internal/pkg/logger"
)

// =============================================================================
// EMAIL VERIFIER - Budgeted SMTP Verification Pool
// =============================================================================
// A fixed pool of workers drains the backlog under a wall-clock budget.
// Each worker loops:
//
//	check budget → refill if low → dequeue → probe → commit
//
// Every dequeued task is committed exactly once, as done(valid) or failed.
// Budget expiry is the only thing that stops a worker; an in-flight probe
// and its commit always run to completion, bounded by their own timeouts.

// ErrAlreadyRunning is returned when Run is called on a running verifier.
var ErrAlreadyRunning = errors.New("verifier already running")

// Prober decides deliverability for one address.
type Prober interface {
	Probe(ctx context.Context, email string) (bool, error)
}

// Refill policies
const (
	RefillBelowLowWater = "below_low_water"
	RefillWhenEmpty     = "when_empty"
)

// Config holds the Run Controller inputs.
type Config struct {
	RunID          string
	Workers        int
	LowWater       int
	BatchSize      int
	RefillPolicy   string
	MaxRuntime     time.Duration
	LaunchStagger  time.Duration
	DequeueTimeout time.Duration
	ShutdownGrace  time.Duration
}

// DefaultConfig returns the nightly job defaults.
func DefaultConfig() Config {
	return Config{
		Workers:        3,
		LowWater:       20,
		BatchSize:      500,
		RefillPolicy:   RefillBelowLowWater,
		MaxRuntime:     5 * time.Hour,
		LaunchStagger:  2 * time.Second,
		DequeueTimeout: 5 * time.Second,
		ShutdownGrace:  15 * time.Second,
	}
}

// Summary is a snapshot of run counters.
type Summary struct {
	RunID        string    `json:"run_id"`
	Running      bool      `json:"running"`
	StartedAt    time.Time `json:"started_at"`
	Deadline     time.Time `json:"deadline"`
	Queued       int       `json:"queued"`
	Fetched      int64     `json:"fetched"`
	Processed    int64     `json:"processed"`
	Valid        int64     `json:"valid"`
	Invalid      int64     `json:"invalid"`
	Failed       int64     `json:"failed"`
	CommitErrors int64     `json:"commit_errors"`
	Abandoned    int       `json:"abandoned_workers"`
}

// EmailVerifier is the Run Controller. It owns the queue, the fetch slot
// and the counters, and hands them to each worker it starts.
type EmailVerifier struct {
	cfg       Config
	queue     *Queue
	fetcher   *Fetcher
	committer *Committer
	prober    Prober
	log       *logger.Logger
	now       func() time.Time

	processed    int64
	valid        int64
	invalid      int64
	failed       int64
	commitErrors int64
	active       int64

	mu        sync.RWMutex
	running   bool
	startedAt time.Time
	deadline  time.Time
	abandoned int
	wg        sync.WaitGroup
}

// NewEmailVerifier wires a verifier. Zero config fields take DefaultConfig values.
func NewEmailVerifier(cfg Config, queue *Queue, fetcher *Fetcher, committer *Committer, prober Prober) *EmailVerifier {
	def := DefaultConfig()
	if cfg.Workers <= 0 {
		cfg.Workers = def.Workers
	}
	if cfg.LowWater <= 0 {
		cfg.LowWater = def.LowWater
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = def.BatchSize
	}
	if cfg.RefillPolicy == "" {
		cfg.RefillPolicy = def.RefillPolicy
	}
	if cfg.MaxRuntime <= 0 {
		cfg.MaxRuntime = def.MaxRuntime
	}
	if cfg.DequeueTimeout <= 0 {
		cfg.DequeueTimeout = def.DequeueTimeout
	}
	if cfg.ShutdownGrace <= 0 {
		cfg.ShutdownGrace = def.ShutdownGrace
	}
	if cfg.LaunchStagger < 0 {
		cfg.LaunchStagger = 0
	}

	return &EmailVerifier{
		cfg:       cfg,
		queue:     queue,
		fetcher:   fetcher,
		committer: committer,
		prober:    prober,
		log:       logger.With("component", "verifier", "run_id", cfg.RunID),
		now:       time.Now,
	}
}

// Run starts the workers with a staggered launch, blocks until the budget
// elapses or ctx is cancelled, then joins the workers for at most
// ShutdownGrace. Workers still busy after the grace period are abandoned
// and counted in the summary.
func (v *EmailVerifier) Run(ctx context.Context) (Summary, error) {
	v.mu.Lock()
	if v.running {
		v.mu.Unlock()
		return Summary{}, ErrAlreadyRunning
	}
	v.running = true
	v.startedAt = v.now()
	v.deadline = v.startedAt.Add(v.cfg.MaxRuntime)
	v.abandoned = 0
	deadline := v.deadline
	v.mu.Unlock()

	runCtx, cancel := context.WithDeadline(ctx, deadline)
	defer cancel()

	v.log.Info("starting workers",
		"workers", v.cfg.Workers, "max_runtime", v.cfg.MaxRuntime,
		"low_water", v.cfg.LowWater, "batch_size", v.cfg.BatchSize,
		"refill_policy", v.cfg.RefillPolicy)

launch:
	for i := 1; i <= v.cfg.Workers; i++ {
		v.wg.Add(1)
		atomic.AddInt64(&v.active, 1)
		go v.worker(runCtx, i)

		if i == v.cfg.Workers || v.cfg.LaunchStagger == 0 {
			continue
		}
		timer := time.NewTimer(v.cfg.LaunchStagger)
		select {
		case <-timer.C:
		case <-runCtx.Done():
			timer.Stop()
			break launch
		}
	}

	<-runCtx.Done()
	v.log.Info("stopping workers", "reason", stopReason(runCtx))

	done := make(chan struct{})
	go func() {
		v.wg.Wait()
		close(done)
	}()

	grace := time.NewTimer(v.cfg.ShutdownGrace)
	defer grace.Stop()
	select {
	case <-done:
	case <-grace.C:
		n := int(atomic.LoadInt64(&v.active))
		v.mu.Lock()
		v.abandoned = n
		v.mu.Unlock()
		v.log.Warn("shutdown grace elapsed, abandoning workers", "workers", n)
	}

	v.mu.Lock()
	v.running = false
	v.mu.Unlock()

	summary := v.Stats()
	v.log.Info("job finished",
		"processed", summary.Processed, "valid", summary.Valid, "invalid", summary.Invalid,
		"failed", summary.Failed, "commit_errors", summary.CommitErrors, "fetched", summary.Fetched)
	return summary, nil
}

func stopReason(ctx context.Context) string {
	if errors.Is(ctx.Err(), context.Canceled) {
		return "cancelled"
	}
	return "time limit"
}

// Stats returns a snapshot of the run counters.
func (v *EmailVerifier) Stats() Summary {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return Summary{
		RunID:        v.cfg.RunID,
		Running:      v.running,
		StartedAt:    v.startedAt,
		Deadline:     v.deadline,
		Queued:       v.queue.Len(),
		Fetched:      v.fetcher.Fetched(),
		Processed:    atomic.LoadInt64(&v.processed),
		Valid:        atomic.LoadInt64(&v.valid),
		Invalid:      atomic.LoadInt64(&v.invalid),
		Failed:       atomic.LoadInt64(&v.failed),
		CommitErrors: atomic.LoadInt64(&v.commitErrors),
		Abandoned:    v.abandoned,
	}
}

// budgetExpired reports whether the wall-clock budget is spent.
func (v *EmailVerifier) budgetExpired() bool {
	v.mu.RLock()
	start := v.startedAt
	v.mu.RUnlock()
	return v.now().Sub(start) > v.cfg.MaxRuntime
}

func (v *EmailVerifier) needsRefill() bool {
	n := v.queue.Len()
	if v.cfg.RefillPolicy == RefillWhenEmpty {
		return n == 0
	}
	return n < v.cfg.LowWater
}

// worker is the main processing loop for a single worker.
func (v *EmailVerifier) worker(ctx context.Context, id int) {
	defer v.wg.Done()
	defer atomic.AddInt64(&v.active, -1)

	log := v.log.With("worker", id)
	log.Info("worker started")

	// Fetches, probes and commits are not interrupted by budget expiry;
	// each is bounded by its own timeout.
	workCtx := context.WithoutCancel(ctx)

	for {
		if v.budgetExpired() || ctx.Err() != nil {
			log.Info("worker stopping", "reason", stopReason(ctx))
			return
		}

		if v.needsRefill() {
			v.fetcher.Fetch(workCtx, v.cfg.BatchSize)
		}

		task, ok := v.queue.Pop(ctx, v.cfg.DequeueTimeout)
		if !ok {
			continue
		}
		v.process(workCtx, log, task)
	}
}

// process probes one task and commits its verdict. The commit runs in a
// deferred call so a probe error or panic still ends in exactly one commit.
func (v *EmailVerifier) process(ctx context.Context, log *logger.Logger, task domain.Task) {
	verdict := domain.VerdictFailed

	defer func() {
		if r := recover(); r != nil {
			log.Error("probe panicked", "id", task.ID, "email", task.Email, "panic", fmt.Sprint(r))
			verdict = domain.VerdictFailed
		}
		v.record(verdict)
		if err := v.committer.Commit(ctx, task.ID, verdict); err != nil {
			atomic.AddInt64(&v.commitErrors, 1)
		}
	}()

	deliverable, err := v.prober.Probe(ctx, task.Email)
	if err != nil {
		log.Error("probe error", "id", task.ID, "email", task.Email, "error", err)
		return
	}
	verdict = domain.VerdictFor(deliverable)
	if deliverable {
		log.Info("verified", "id", task.ID, "email", task.Email, "verdict", "YES")
	} else {
		log.Info("verified", "id", task.ID, "email", task.Email, "verdict", "NO")
	}
}

func (v *EmailVerifier) record(verdict domain.Verdict) {
	atomic.AddInt64(&v.processed, 1)
	switch verdict {
	case domain.VerdictValid:
		atomic.AddInt64(&v.valid, 1)
	case domain.VerdictInvalid:
		atomic.AddInt64(&v.invalid, 1)
	default:
		atomic.AddInt64(&v.failed, 1)
	}
}
