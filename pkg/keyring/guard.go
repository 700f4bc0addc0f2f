package keyring

import (
	"context"
	"fmt"
	"sync"
)

// Guard runs device operations one at a time. Callers arriving while an
// operation is in flight wait for their turn until their context ends.
// The operation in flight can be rejected from outside with Reject, which
// resolves its caller with ErrUserRejected without waiting for the device.
type Guard struct {
	slot chan struct{}

	mu     sync.Mutex
	cancel context.CancelCauseFunc
}

func NewGuard() *Guard {
	return &Guard{slot: make(chan struct{}, 1)}
}

// Do runs fn once the guard is free. fn receives a context that is cancelled
// when the caller gives up or the operation is rejected, and should abort
// its device conversation when that happens. The next operation starts only
// after fn has returned, even if its caller was already resolved.
func (g *Guard) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	select {
	case g.slot <- struct{}{}:
	case <-ctx.Done():
		return context.Cause(ctx)
	}

	opCtx, cancel := context.WithCancelCause(ctx)
	g.mu.Lock()
	g.cancel = cancel
	g.mu.Unlock()

	done := make(chan error, 1)
	go func() {
		err := fn(opCtx)

		g.mu.Lock()
		g.cancel = nil
		g.mu.Unlock()
		<-g.slot

		done <- err
	}()

	var err error
	select {
	case err = <-done:
	case <-opCtx.Done():
		select {
		case err = <-done:
		default:
			err = context.Cause(opCtx)
		}
	}
	cancel(nil)
	return err
}

// Reject resolves the operation in flight with ErrUserRejected. It reports
// whether there was one.
func (g *Guard) Reject(reason string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.cancel == nil {
		return false
	}
	if reason == "" {
		g.cancel(ErrUserRejected)
	} else {
		g.cancel(fmt.Errorf("%w: %s", ErrUserRejected, reason))
	}
	return true
}

// Busy reports whether an operation is in flight.
func (g *Guard) Busy() bool {
	return len(g.slot) > 0
}
