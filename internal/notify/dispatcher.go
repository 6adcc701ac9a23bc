package notify

import (
	"context"
	"log"
	"math/rand/v2"
	"time"

	"github.com/kestrelhome/unifimon/internal/store"
	"github.com/kestrelhome/unifimon/internal/wake"
)

const (
	defaultSweepInterval = 30 * time.Second
	defaultBatchSize     = 50
	defaultRetryBase     = 1 * time.Second
	defaultRetryCap      = 60 * time.Second
)

// Dispatcher is the single long-running notification worker. It reads
// the pending set on startup, whenever
// woken by the classifier, and on a fixed sweep timer, and delivers each
// event at-least-once: mark_notified only happens after a confirmed
// send, so a crash between send and mark redelivers rather than losing
// the notification.
type Dispatcher struct {
	Store  *store.Store
	Sender Sender
	Wake   *wake.Signal

	SweepInterval time.Duration
	BatchSize     int
	RetryBase     time.Duration
	RetryCap      time.Duration
}

// Run drains the pending set until ctx is cancelled. Graceful shutdown
// lets any in-flight send finish (bounded by the sender's own timeout)
// before returning; no explicit drain step is needed beyond that because
// the outbox is the event table itself; nothing is lost by stopping
// between sweeps.
func (d *Dispatcher) Run(ctx context.Context) error {
	interval := d.SweepInterval
	if interval == 0 {
		interval = defaultSweepInterval
	}
	batch := d.BatchSize
	if batch == 0 {
		batch = defaultBatchSize
	}

	d.sweep(ctx, batch)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-d.Wake.C():
			d.sweep(ctx, batch)
		case <-ticker.C:
			d.sweep(ctx, batch)
		}
	}
}

// sweep reads the pending set and delivers each event in order, retrying
// an individual event in place, before moving on to the next, until it
// succeeds, exhausts its attempt budget, or ctx is cancelled.
func (d *Dispatcher) sweep(ctx context.Context, batch int) {
	events, err := d.Store.PendingNotifications(ctx, batch)
	if err != nil {
		log.Printf("notify: pending notifications: %v", err)
		return
	}

	for _, ev := range events {
		if ctx.Err() != nil {
			return
		}
		d.deliver(ctx, ev)
	}
}

func (d *Dispatcher) deliver(ctx context.Context, ev store.Event) {
	attempts := ev.NotifyAttempts
	maxAttempts := d.Store.MaxAttempts()
	// A send that has started is not cut short by shutdown: it runs under
	// the sender's own timeout and its outcome is still recorded.
	sendCtx := context.WithoutCancel(ctx)

	for {
		if ctx.Err() != nil {
			return
		}

		err := d.Sender.Send(sendCtx, eventToMessage(ev))
		if err == nil {
			if err := d.Store.MarkNotified(sendCtx, ev.ID); err != nil {
				log.Printf("notify: mark notified %s: %v", ev.ID, err)
			}
			return
		}

		if bumpErr := d.Store.BumpNotifyAttempts(sendCtx, ev.ID); bumpErr != nil {
			log.Printf("notify: bump attempts %s: %v", ev.ID, bumpErr)
			return
		}
		attempts++

		if attempts >= maxAttempts {
			log.Printf("notify: event %s dead-lettered after %d attempts: %v", ev.ID, attempts, err)
			return
		}

		delay := d.retryDelay(attempts)
		log.Printf("notify: event %s send failed (attempt %d/%d), retrying in %s: %v", ev.ID, attempts, maxAttempts, delay, err)
		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}
	}
}

// retryDelay computes min(cap, base*2^(attempt-1)) with ±25% jitter.
func (d *Dispatcher) retryDelay(attempt int) time.Duration {
	base, retryCap := d.RetryBase, d.RetryCap
	if base == 0 {
		base = defaultRetryBase
	}
	if retryCap == 0 {
		retryCap = defaultRetryCap
	}
	delay := base
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= retryCap {
			delay = retryCap
			break
		}
	}
	spread := float64(delay) * 0.25
	offset := (rand.Float64()*2 - 1) * spread
	return delay + time.Duration(offset)
}
