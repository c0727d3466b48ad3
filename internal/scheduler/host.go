package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/go-co-op/gocron"
)

// ErrHostStopped is returned for requests made after Stop.
var ErrHostStopped = errors.New("background host stopped")

// Task is the work done during one granted opportunity. ctx carries the
// host's deadline and is cancelled when the host revokes the opportunity.
type Task func(ctx context.Context)

// Host grants time-boxed execution opportunities. A request replaces any
// pending one; the host may grant it later than earliest but never earlier.
type Host interface {
	Request(earliest time.Time, task Task) error
	Stop()
}

const opportunityTag = "background-opportunity"

// GocronHost grants opportunities as one-shot gocron jobs with a fixed budget.
type GocronHost struct {
	cron   *gocron.Scheduler
	budget time.Duration
	logger *slog.Logger
	now    func() time.Time

	ctx    context.Context
	cancel context.CancelFunc

	mu sync.Mutex
}

// NewGocronHost creates and starts a host whose opportunities last at most budget.
func NewGocronHost(budget time.Duration, logger *slog.Logger) *GocronHost {
	if logger == nil {
		logger = slog.Default()
	}
	if budget <= 0 {
		budget = 30 * time.Second
	}
	ctx, cancel := context.WithCancel(context.Background())
	cron := gocron.NewScheduler(time.UTC)
	cron.StartAsync()

	return &GocronHost{
		cron:   cron,
		budget: budget,
		logger: logger.With("component", "background-host"),
		now:    func() time.Time { return time.Now().UTC() },
		ctx:    ctx,
		cancel: cancel,
	}
}

// Request schedules task to run once at or after earliest.
func (h *GocronHost) Request(earliest time.Time, task Task) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.ctx.Err() != nil {
		return ErrHostStopped
	}
	// Only one pending opportunity at a time; a missing job is fine.
	_ = h.cron.RemoveByTag(opportunityTag)

	run := func() {
		ctx, cancel := context.WithTimeout(h.ctx, h.budget)
		defer cancel()
		task(ctx)
	}

	delay := earliest.Sub(h.now())
	var err error
	if delay <= 0 {
		_, err = h.cron.Every(time.Second).LimitRunsTo(1).Tag(opportunityTag).Do(run)
	} else {
		_, err = h.cron.Every(delay).WaitForSchedule().LimitRunsTo(1).Tag(opportunityTag).Do(run)
	}
	if err != nil {
		return fmt.Errorf("schedule opportunity: %w", err)
	}
	h.logger.Debug("opportunity scheduled", "earliest", earliest)
	return nil
}

// Stop revokes the running opportunity, if any, and drops pending ones.
func (h *GocronHost) Stop() {
	h.cancel()
	// Not under mu: a revoked task may still be calling Request.
	h.cron.Stop()
}
