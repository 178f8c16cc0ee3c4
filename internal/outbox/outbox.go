// Package outbox implements durable at-least-once delivery of domain events
// to the backend. Events are enqueued synchronously to the store and drained
// by a single-flight background pass whenever connectivity allows.
package outbox

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/trailcrew/fieldsync/internal/backend"
	"github.com/trailcrew/fieldsync/internal/models"
	"github.com/trailcrew/fieldsync/internal/store"
	"github.com/trailcrew/fieldsync/pkg/infra"
	"github.com/trailcrew/fieldsync/pkg/metrics"
)

// State is the coarse sync status surfaced to the UI layer
type State string

const (
	StateIdle    State = "idle"
	StateSyncing State = "syncing"
	StateSynced  State = "synced"
	StateOffline State = "offline"
	StateError   State = "error"
)

// Status is an immutable snapshot of the outbox for observers
type Status struct {
	State         State
	Reason        string
	PendingCount  int
	LastSuccessAt *time.Time
}

type Options struct {
	BatchSize    int
	BackoffFloor time.Duration
	BackoffCap   time.Duration
}

func (o Options) withDefaults() Options {
	if o.BatchSize <= 0 {
		o.BatchSize = 100
	}
	if o.BackoffFloor <= 0 {
		o.BackoffFloor = time.Second
	}
	if o.BackoffCap <= 0 {
		o.BackoffCap = 60 * time.Second
	}
	return o
}

// Outbox owns the durable entry store and the drain state machine.
// Trigger coalesces into at most one active drain, and a failing entry never
// blocks the rest of the queue.
type Outbox struct {
	store     *store.Store
	submitter backend.Submitter
	logger    *slog.Logger
	opts      Options

	online   atomic.Bool
	draining atomic.Bool
	dirty    atomic.Bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu            sync.Mutex
	state         State
	reason        string
	lastSuccessAt *time.Time
}

func New(st *store.Store, submitter backend.Submitter, logger *slog.Logger, opts Options) *Outbox {
	ctx, cancel := context.WithCancel(context.Background())
	return &Outbox{
		store:     st,
		submitter: submitter,
		logger:    logger,
		opts:      opts.withDefaults(),
		ctx:       ctx,
		cancel:    cancel,
		state:     StateIdle,
	}
}

// Recover returns entries stranded in-flight by a previous crash to pending.
// Call once on startup, before the first Trigger.
func (o *Outbox) Recover(ctx context.Context) error {
	rescued, err := o.store.ResetInFlight(ctx)
	if err != nil {
		return fmt.Errorf("failed to reset in-flight entries: %w", err)
	}
	if rescued > 0 {
		o.logger.Warn("Rescued entries stranded by a previous run", "count", rescued)
	}
	return nil
}

// Enqueue durably records the event and, when online, kicks off a drain.
// A persistence failure is returned to the caller: the event was NOT recorded
// and the caller must surface that instead of silently losing it.
func (o *Outbox) Enqueue(ctx context.Context, event models.DomainEvent) error {
	if err := o.store.Enqueue(ctx, event); err != nil {
		return err
	}
	metrics.EventsEnqueued.WithLabelValues(string(event.Kind)).Inc()
	if n, err := o.store.PendingCount(ctx); err == nil {
		metrics.OutboxBacklog.Set(float64(n))
	}

	if o.online.Load() {
		o.Trigger()
	}
	return nil
}

// SetOnline is the connectivity observer push point. The transition to online
// triggers a drain; going offline only changes the reported state, an active
// drain notices on its next entry.
func (o *Outbox) SetOnline(online bool) {
	was := o.online.Swap(online)
	if online && !was {
		o.logger.Info("Connectivity restored, draining outbox")
		o.Trigger()
	}
	if !online {
		o.setState(StateOffline, "")
	}
}

// Online reports the last pushed connectivity state
func (o *Outbox) Online() bool {
	return o.online.Load()
}

// Trigger starts a drain unless one is already running, in which case the
// running drain re-scans before exiting so no enqueue is missed. Offline it
// short-circuits without any backend call. Safe from any goroutine.
func (o *Outbox) Trigger() {
	if !o.online.Load() {
		o.setState(StateOffline, "")
		return
	}

	o.dirty.Store(true)
	if !o.draining.CompareAndSwap(false, true) {
		return
	}

	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		for {
			for o.dirty.CompareAndSwap(true, false) {
				if o.ctx.Err() != nil {
					o.draining.Store(false)
					return
				}
				o.drainOnce(o.ctx)
			}
			o.draining.Store(false)
			// Trigger may have set dirty between the inner loop and the
			// store above; reclaim the drain slot instead of dropping it
			if o.dirty.Load() && o.draining.CompareAndSwap(false, true) {
				continue
			}
			return
		}
	}()
}

// Close stops background drains and waits for the active one to return
func (o *Outbox) Close() {
	o.cancel()
	o.wg.Wait()
}

// Snapshot returns the observable state for the UI layer
func (o *Outbox) Snapshot(ctx context.Context) Status {
	pending, err := o.store.PendingCount(ctx)
	if err != nil {
		pending = -1
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	return Status{
		State:         o.state,
		Reason:        o.reason,
		PendingCount:  pending,
		LastSuccessAt: o.lastSuccessAt,
	}
}

func (o *Outbox) setState(s State, reason string) {
	o.mu.Lock()
	o.state = s
	o.reason = reason
	o.mu.Unlock()
}

func (o *Outbox) markSuccess() {
	now := time.Now().UTC()
	o.mu.Lock()
	o.lastSuccessAt = &now
	o.mu.Unlock()
}

// drainOnce walks the due entries in FIFO order, submitting each one.
// Failures back the entry off and move on; they never abort the pass.
func (o *Outbox) drainOnce(ctx context.Context) {
	start := time.Now()
	o.setState(StateSyncing, "")

	var lastErr error
	for {
		if !o.online.Load() {
			o.setState(StateOffline, "")
			return
		}

		entries, err := o.store.FetchDue(ctx, time.Now(), o.opts.BatchSize)
		if err != nil {
			o.logger.Error("Failed to fetch due outbox entries", "error", err)
			o.setState(StateError, err.Error())
			return
		}
		if len(entries) == 0 {
			break
		}

		for _, entry := range entries {
			select {
			case <-ctx.Done():
				return
			default:
			}
			if !o.online.Load() {
				o.setState(StateOffline, "")
				return
			}

			if err := o.submitEntry(ctx, entry); err != nil {
				lastErr = err
			}
		}

		if len(entries) < o.opts.BatchSize {
			break
		}
	}

	metrics.DrainDuration.Observe(time.Since(start).Seconds())

	pending, err := o.store.PendingCount(ctx)
	if err != nil {
		o.setState(StateError, err.Error())
		return
	}
	metrics.OutboxBacklog.Set(float64(pending))

	switch {
	case lastErr != nil:
		o.setState(StateError, lastErr.Error())
	case pending == 0:
		o.setState(StateSynced, "")
	default:
		// Entries remain but are backed off into the future
		o.setState(StateIdle, "")
	}
}

func (o *Outbox) submitEntry(ctx context.Context, entry models.OutboxEntry) error {
	event := entry.Event
	l := o.logger.With("event_id", event.ID, "kind", event.Kind, "attempts", entry.Attempts)

	if err := o.store.MarkInFlight(ctx, event.ID); err != nil {
		l.Error("Failed to claim entry", "error", err)
		return err
	}

	if err := o.submitter.Submit(ctx, event); err != nil {
		attempts := entry.Attempts + 1
		now := time.Now().UTC()
		delay := infra.DelayFor(attempts, o.opts.BackoffFloor, o.opts.BackoffCap, 2.0)

		if mErr := o.store.MarkFailed(ctx, event.ID, attempts, now, now.Add(delay)); mErr != nil {
			l.Error("CRITICAL: Failed to record submission failure", "error", mErr)
		}
		metrics.EventsSubmitted.WithLabelValues("error", string(event.Kind)).Inc()
		l.Warn("Backend submission failed, backing off", "retry_in", delay, "error", err)
		return err
	}

	if err := o.store.Delete(ctx, event.ID); err != nil {
		// The backend has the event; leaving the row risks a duplicate
		// submission, which at-least-once permits
		l.Error("Event acknowledged but failed to delete entry", "error", err)
		return err
	}

	metrics.EventsSubmitted.WithLabelValues("ok", string(event.Kind)).Inc()
	o.markSuccess()
	l.Debug("Event acknowledged by backend")
	return nil
}
