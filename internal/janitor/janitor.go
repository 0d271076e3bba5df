// Package janitor deletes expired conversations from stores that do not expire
// entries on their own.
package janitor

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/comigor/jarvis-chat/internal/history"
	"github.com/comigor/jarvis-chat/internal/logger"
	"github.com/comigor/jarvis-chat/internal/metrics"
)

// Janitor runs Sweeper.Sweep on a cron schedule. A tick is skipped while the
// previous sweep is still running.
type Janitor struct {
	mu       sync.Mutex
	sweeper  history.Sweeper
	schedule string
	metrics  *metrics.Metrics
	now      func() time.Time

	running sync.Mutex
	cron    *cron.Cron
	cancel  context.CancelFunc
}

// New creates a janitor. metrics may be nil.
func New(sweeper history.Sweeper, schedule string, mt *metrics.Metrics) *Janitor {
	return &Janitor{
		sweeper:  sweeper,
		schedule: schedule,
		metrics:  mt,
		now:      time.Now,
	}
}

// RunOnce performs a single sweep and returns the number of deleted conversations.
func (j *Janitor) RunOnce(ctx context.Context) (int, error) {
	n, err := j.sweeper.Sweep(ctx, j.now())
	if err != nil {
		return 0, err
	}
	j.metrics.RecordSwept(n)
	if n > 0 {
		logger.L.Info("janitor: expired conversations removed", "count", n)
	}
	return n, nil
}

func (j *Janitor) tick(ctx context.Context) {
	if !j.running.TryLock() {
		logger.L.Warn("janitor: sweep still running, skipping tick")
		return
	}
	defer j.running.Unlock()

	if _, err := j.RunOnce(ctx); err != nil {
		logger.L.Error("janitor: sweep failed", "error", err)
	}
}

// Start schedules the sweep. It returns an error for an invalid schedule.
func (j *Janitor) Start() error {
	j.mu.Lock()
	defer j.mu.Unlock()

	ctx, cancel := context.WithCancel(context.Background())

	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	c := cron.New(cron.WithParser(parser))
	if _, err := c.AddFunc(j.schedule, func() { j.tick(ctx) }); err != nil {
		cancel()
		return fmt.Errorf("janitor: invalid schedule %q: %w", j.schedule, err)
	}

	j.cron = c
	j.cancel = cancel
	c.Start()
	logger.L.Info("janitor: started", "schedule", j.schedule)
	return nil
}

// Stop cancels a running sweep and waits for it to return.
func (j *Janitor) Stop() {
	j.mu.Lock()
	defer j.mu.Unlock()

	if j.cancel != nil {
		j.cancel()
	}
	if j.cron != nil {
		<-j.cron.Stop().Done()
		logger.L.Info("janitor: stopped")
	}
}
