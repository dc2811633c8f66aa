// Package idle supplies the idle-supervision contract the bidirectional
// REQMOD engine consults between reads: how often to check for lack of
// progress, when accumulated idle ticks should abort a transfer, and how an
// operator-triggered shutdown should interrupt an in-flight adaptation.
package idle

import (
	"context"
	"time"
)

// Ticker is a single idle-interval firing. Count lets a supervisor that
// coalesces missed ticks (e.g. under scheduler pressure) report more than
// one tick per observed firing; implementations that never coalesce always
// report 1.
type Ticker interface {
	// Wait blocks until the next tick or ctx is done.
	Wait(ctx context.Context) (count uint64, err error)

	// Stop releases the ticker's underlying resources. Safe to call more
	// than once and safe to call concurrently with Wait.
	Stop()
}

// Supervisor is the capability contract reqmod.BidirectionalResponseWaiter
// and reqmod.BidirectionalAdapter consult to decide when a lack of progress
// should end an adaptation.
type Supervisor interface {
	// IntervalTimer returns a fresh ticker for one adaptation's lifetime.
	IntervalTimer() Ticker

	// CheckQuit reports whether accumulated idle ticks warrant aborting.
	CheckQuit(accumulated uint64) bool

	// CheckForceQuit reports an externally triggered abort, e.g. the
	// gateway process entering graceful shutdown. The returned string
	// explains why, and is carried on reqmod's ErrIdleForceQuit.
	CheckForceQuit() (reason string, quit bool)
}

// tickerWrapper adapts a time.Ticker to the Ticker interface.
type tickerWrapper struct {
	t *time.Ticker
}

func (w *tickerWrapper) Wait(ctx context.Context) (uint64, error) {
	select {
	case <-w.t.C:
		return 1, nil
	case <-ctx.Done():
		return 0, ctx.Err()
	}
}

func (w *tickerWrapper) Stop() { w.t.Stop() }

// TickerSupervisor is the default Supervisor implementation, backed by
// time.Ticker for interval generation and a context for force-quit.
type TickerSupervisor struct {
	interval time.Duration
	maxIdle  uint64
	forceCtx context.Context
	reason   func() string
}

// NewTickerSupervisor builds a Supervisor that fires every interval and
// quits once maxIdle consecutive idle ticks accumulate. forceCtx, when
// cancelled, makes CheckForceQuit report true with the given reason.
func NewTickerSupervisor(interval time.Duration, maxIdle uint64, forceCtx context.Context, reason string) *TickerSupervisor {
	if forceCtx == nil {
		forceCtx = context.Background()
	}
	return &TickerSupervisor{
		interval: interval,
		maxIdle:  maxIdle,
		forceCtx: forceCtx,
		reason:   func() string { return reason },
	}
}

func (s *TickerSupervisor) IntervalTimer() Ticker {
	return &tickerWrapper{t: time.NewTicker(s.interval)}
}

func (s *TickerSupervisor) CheckQuit(accumulated uint64) bool {
	return accumulated >= s.maxIdle
}

func (s *TickerSupervisor) CheckForceQuit() (string, bool) {
	select {
	case <-s.forceCtx.Done():
		return s.reason(), true
	default:
		return "", false
	}
}
