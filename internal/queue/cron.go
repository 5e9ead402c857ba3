package queue

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// Cron enqueues the daily analysis trigger at a configured wall-clock
// time. The trigger job's dedup key makes firing idempotent: restarts
// or clock oddities cannot produce two triggers for the same day.
type Cron struct {
	store    *Store
	dailyAt  string // "HH:MM"
	location *time.Location
	logger   *slog.Logger

	mu      sync.Mutex
	running bool
	stopCh  chan struct{}
	wg      sync.WaitGroup
}

// NewCron creates the daily trigger. dailyAt is "HH:MM"; timezone is an
// IANA name, empty meaning local time.
func NewCron(store *Store, dailyAt, timezone string, logger *slog.Logger) (*Cron, error) {
	if logger == nil {
		logger = slog.Default()
	}

	loc := time.Local
	if timezone != "" {
		var err error
		loc, err = time.LoadLocation(timezone)
		if err != nil {
			return nil, fmt.Errorf("load timezone %q: %w", timezone, err)
		}
	}

	if _, err := time.Parse("15:04", dailyAt); err != nil {
		return nil, fmt.Errorf("parse daily_at %q: %w", dailyAt, err)
	}

	return &Cron{
		store:    store,
		dailyAt:  dailyAt,
		location: loc,
		logger:   logger,
		stopCh:   make(chan struct{}),
	}, nil
}

// Start begins waiting for the next firing time.
func (c *Cron) Start(ctx context.Context) {
	c.mu.Lock()
	if c.running {
		c.mu.Unlock()
		return
	}
	c.running = true
	c.mu.Unlock()

	c.wg.Add(1)
	go c.loop(ctx)

	c.logger.Debug("daily trigger scheduled", "at", c.dailyAt, "tz", c.location.String())
}

// Stop halts the trigger loop.
func (c *Cron) Stop() {
	c.mu.Lock()
	if !c.running {
		c.mu.Unlock()
		return
	}
	c.running = false
	close(c.stopCh)
	c.mu.Unlock()

	c.wg.Wait()
}

func (c *Cron) loop(ctx context.Context) {
	defer c.wg.Done()

	for {
		next := c.nextFiring(time.Now().In(c.location))
		timer := time.NewTimer(time.Until(next))

		select {
		case <-c.stopCh:
			timer.Stop()
			return
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
			c.fire(ctx, next)
		}
	}
}

// nextFiring returns the next occurrence of dailyAt strictly after now.
func (c *Cron) nextFiring(now time.Time) time.Time {
	at, _ := time.Parse("15:04", c.dailyAt)
	next := time.Date(now.Year(), now.Month(), now.Day(), at.Hour(), at.Minute(), 0, 0, c.location)
	if !next.After(now) {
		next = next.AddDate(0, 0, 1)
	}
	return next
}

func (c *Cron) fire(ctx context.Context, at time.Time) {
	date := at.In(c.location).Format("2006-01-02")
	id, err := c.store.Enqueue(ctx, KindDailyTrigger, TriggerPayload{Date: date}, "trigger/"+date)
	if err != nil {
		c.logger.Error("enqueue daily trigger", "date", date, "error", err)
		return
	}
	if id == "" {
		c.logger.Debug("daily trigger already enqueued", "date", date)
		return
	}
	c.logger.Info("daily analysis trigger enqueued", "date", date, "job", id)
}
