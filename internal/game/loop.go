package game

import (
	"context"
	"fmt"
	"time"
)

func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.TickEvery <= 0 {
		c.TickEvery = def.TickEvery
	}
	if c.PlayerHistory <= 0 {
		c.PlayerHistory = def.PlayerHistory
	}
	if c.GlobalHistory <= 0 {
		c.GlobalHistory = def.GlobalHistory
	}
	if c.CollaboratorTimeout <= 0 {
		c.CollaboratorTimeout = def.CollaboratorTimeout
	}
	return c
}

// Start launches the tick loop. The next tick is armed TickEvery after the
// previous one completes, so ticks never overlap. Calling Start on a running
// engine is a no-op.
func (e *Engine) Start(ctx context.Context) error {
	e.loopMu.Lock()
	defer e.loopMu.Unlock()
	if e.disposed {
		return ErrDisposed
	}
	if e.done != nil {
		return nil
	}
	ctx, cancel := context.WithCancel(ctx)
	e.cancel = cancel
	e.done = make(chan struct{})
	go e.loop(ctx, e.done)
	e.log.Info("engine started", "tick", e.Tick(), "tick_every", e.cfg.TickEvery.String())
	return nil
}

func (e *Engine) loop(ctx context.Context, done chan<- struct{}) {
	defer close(done)
	timer := time.NewTimer(e.cfg.TickEvery)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		}
		// a tick in flight always finishes; cancellation only stops re-arming
		e.RunTick(context.WithoutCancel(ctx))
		e.maybePersist(ctx)
		timer.Reset(e.cfg.TickEvery)
	}
}

func (e *Engine) maybePersist(ctx context.Context) {
	if e.cfg.PersistEvery <= 0 {
		return
	}
	e.mu.Lock()
	due := e.sincePersist >= e.cfg.PersistEvery
	e.mu.Unlock()
	if due {
		_ = e.Flush(context.WithoutCancel(ctx))
	}
}

// Flush saves a snapshot through the store. Errors are logged and returned;
// they never stop the engine.
func (e *Engine) Flush(ctx context.Context) error {
	if e.store == nil {
		return nil
	}
	e.flushMu.Lock()
	defer e.flushMu.Unlock()

	snap := e.Snapshot()
	e.mu.Lock()
	e.sincePersist = 0
	e.mu.Unlock()

	ctx, cancel := context.WithTimeout(ctx, e.cfg.CollaboratorTimeout)
	defer cancel()
	if err := e.store.Save(ctx, snap); err != nil {
		persistFailures.Inc()
		e.log.Warn("persist failed", "tick", snap.Tick, "err", err)
		return fmt.Errorf("save snapshot: %w", err)
	}
	e.log.Debug("state persisted", "tick", snap.Tick, "accounts", len(snap.Accounts))
	return nil
}

// Dispose stops the loop, waits for an in-flight tick, saves a final snapshot
// and closes every sandbox. It is safe to call more than once.
func (e *Engine) Dispose(ctx context.Context) error {
	e.loopMu.Lock()
	if e.disposed {
		e.loopMu.Unlock()
		return nil
	}
	e.disposed = true
	cancel, done := e.cancel, e.done
	e.loopMu.Unlock()

	if cancel != nil {
		cancel()
		<-done
	}
	err := e.Flush(ctx)

	e.mu.Lock()
	e.closed = true
	for _, p := range e.participants {
		e.closeParticipant(p)
	}
	e.mu.Unlock()
	e.log.Info("engine disposed", "tick", e.Tick())
	return err
}
