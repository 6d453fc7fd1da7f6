package escrow

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"
)

// Timer periodically re-evaluates escrows whose deadlines have passed
// and funded escrows whose conditions may have become satisfied (a
// timelock reaching its release bound needs no API call to trigger).
// It also retries decisions whose ledger submission previously failed.
type Timer struct {
	engine   *Engine
	store    Store
	interval time.Duration
	logger   *slog.Logger
	stop     chan struct{}
	running  atomic.Bool
}

// NewTimer creates a new escrow evaluation timer.
func NewTimer(engine *Engine, store Store, logger *slog.Logger) *Timer {
	return &Timer{
		engine:   engine,
		store:    store,
		interval: 30 * time.Second,
		logger:   logger,
		stop:     make(chan struct{}),
	}
}

// WithInterval overrides the sweep interval. Call before Start.
func (t *Timer) WithInterval(d time.Duration) *Timer {
	if d > 0 {
		t.interval = d
	}
	return t
}

// Running reports whether the timer loop is actively running.
func (t *Timer) Running() bool {
	return t.running.Load()
}

// Start begins the evaluation loop. Call in a goroutine.
func (t *Timer) Start(ctx context.Context) {
	t.running.Store(true)
	defer t.running.Store(false)

	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-t.stop:
			return
		case <-ticker.C:
			t.safeSweep(ctx)
		}
	}
}

// Stop signals the timer to stop.
func (t *Timer) Stop() {
	select {
	case t.stop <- struct{}{}:
	default:
	}
}

func (t *Timer) safeSweep(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			t.logger.Error("panic in escrow timer", "panic", fmt.Sprint(r))
		}
	}()
	t.sweep(ctx)
}

func (t *Timer) sweep(ctx context.Context) {
	now := time.Now()

	// 1. Escrows past a deadline: pending ones expire, funded ones get
	// their recovery refund submitted.
	expiring, err := t.store.ListExpiring(ctx, now, 100)
	if err != nil {
		t.logger.Warn("failed to list expiring escrows", "error", err)
	} else {
		for _, e := range expiring {
			t.tick(ctx, e.ID, now)
		}
	}

	// 2. Funded escrows: re-evaluate conditions. Covers timelocks that
	// just opened and retries failed submissions.
	funded, err := t.store.ListByStatus(ctx, StatusFunded, 200)
	if err != nil {
		t.logger.Warn("failed to list funded escrows", "error", err)
		return
	}
	for _, e := range funded {
		t.tick(ctx, e.ID, now)
	}
}

func (t *Timer) tick(ctx context.Context, id string, now time.Time) {
	if _, err := t.engine.Tick(ctx, id, now); err != nil {
		t.logger.Warn("escrow evaluation failed", "escrowId", id, "error", err)
	}
}
