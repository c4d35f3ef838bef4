// Package worker runs the recovery sweep: it finds journaled executions
// that stopped making progress and resumes them.
package worker

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/zhouzirui/turnflow/internal/journal"
	"github.com/zhouzirui/turnflow/internal/metrics"
)

// Resumer continues a journaled execution.
type Resumer interface {
	Resume(ctx context.Context, idempotencyKey string) error
}

// Lister lists open journal records last updated before a cutoff.
type Lister interface {
	ListOpen(staleBefore time.Time) ([]*journal.Record, error)
}

// Config contains recovery pool configuration.
type Config struct {
	WorkerCount int
	// Interval between sweeps.
	Interval time.Duration
	// StaleAfter is how long a record must be idle before it is resumed.
	StaleAfter time.Duration
	// TaskTimeout bounds one resume.
	TaskTimeout time.Duration
	// MaxAttempts stops resuming records that keep failing. Zero means 20.
	MaxAttempts int
}

// Summary counts the outcome of one sweep.
type Summary struct {
	Resumed   int
	Failed    int
	Abandoned int
}

// Pool manages the recovery workers.
type Pool struct {
	lister  Lister
	resumer Resumer
	cfg     Config
	now     func() time.Time
	log     zerolog.Logger

	wg       sync.WaitGroup
	stopOnce sync.Once
	stopChan chan struct{}
}

// NewPool creates a recovery pool.
func NewPool(lister Lister, resumer Resumer, cfg Config, log zerolog.Logger) *Pool {
	if cfg.WorkerCount <= 0 {
		cfg.WorkerCount = 1
	}
	if cfg.Interval <= 0 {
		cfg.Interval = 30 * time.Second
	}
	if cfg.TaskTimeout <= 0 {
		cfg.TaskTimeout = 5 * time.Minute
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 20
	}
	return &Pool{
		lister:   lister,
		resumer:  resumer,
		cfg:      cfg,
		now:      time.Now,
		log:      log.With().Str("component", "recovery-pool").Logger(),
		stopChan: make(chan struct{}),
	}
}

// Start runs a sweep every interval until ctx is done or Stop is called.
func (p *Pool) Start(ctx context.Context) {
	p.log.Info().
		Int("worker_count", p.cfg.WorkerCount).
		Dur("interval", p.cfg.Interval).
		Dur("stale_after", p.cfg.StaleAfter).
		Msg("starting recovery pool")

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		ticker := time.NewTicker(p.cfg.Interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				p.log.Info().Msg("recovery pool stopped by context")
				return
			case <-p.stopChan:
				p.log.Info().Msg("recovery pool stopped")
				return
			case <-ticker.C:
				p.RunOnce(ctx)
			}
		}
	}()
}

// Stop gracefully shuts down the pool.
func (p *Pool) Stop() {
	p.stopOnce.Do(func() { close(p.stopChan) })

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		p.log.Info().Msg("recovery workers stopped gracefully")
	case <-time.After(30 * time.Second):
		p.log.Warn().Msg("recovery pool shutdown timed out")
	}
}

// RunOnce performs one sweep, fanning the stale records out to the
// workers, and waits for it to finish.
func (p *Pool) RunOnce(ctx context.Context) Summary {
	records, err := p.lister.ListOpen(p.now().Add(-p.cfg.StaleAfter))
	if err != nil {
		p.log.Error().Err(err).Msg("failed to list open executions")
		return Summary{}
	}
	if len(records) == 0 {
		return Summary{}
	}

	tasks := make(chan *journal.Record)
	results := make(chan string, len(records))
	var wg sync.WaitGroup
	for i := 0; i < p.cfg.WorkerCount; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			log := p.log.With().Int("worker_id", id).Logger()
			for rec := range tasks {
				results <- p.process(ctx, rec, log)
			}
		}(i + 1)
	}

	for _, rec := range records {
		select {
		case tasks <- rec:
		case <-ctx.Done():
		}
		if ctx.Err() != nil {
			break
		}
	}
	close(tasks)
	wg.Wait()
	close(results)

	var sum Summary
	for r := range results {
		switch r {
		case "resumed":
			sum.Resumed++
		case "failed":
			sum.Failed++
		case "abandoned":
			sum.Abandoned++
		}
	}
	p.log.Info().Int("resumed", sum.Resumed).Int("failed", sum.Failed).Int("abandoned", sum.Abandoned).Msg("recovery sweep finished")
	return sum
}

func (p *Pool) process(ctx context.Context, rec *journal.Record, log zerolog.Logger) string {
	log = log.With().
		Str("idempotency_key", rec.IdempotencyKey).
		Str("execution_id", rec.ExecutionID).
		Str("chat_id", rec.ChatID).
		Str("state", string(rec.State)).
		Logger()

	result := "resumed"
	if rec.Attempts >= p.cfg.MaxAttempts {
		result = "abandoned"
		log.Warn().Int("attempts", rec.Attempts).Msg("execution keeps failing, not resuming")
		metrics.RecoveryRuns.WithLabelValues(result).Inc()
		return result
	}

	taskCtx, cancel := context.WithTimeout(ctx, p.cfg.TaskTimeout)
	defer cancel()
	if err := p.resumer.Resume(taskCtx, rec.IdempotencyKey); err != nil {
		result = "failed"
		log.Error().Err(err).Msg("resume failed")
	} else {
		log.Info().Msg("execution resumed")
	}
	metrics.RecoveryRuns.WithLabelValues(result).Inc()
	return result
}
