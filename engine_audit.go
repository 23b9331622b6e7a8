package authguard

import (
	"context"

	"github.com/MrEthical07/authguard/audit"
)

// emit records an engine-originated event. Recording never fails the
// operation that produced it.
func (e *Engine) emit(ctx context.Context, event audit.Event) {
	if e == nil || e.audit == nil {
		return
	}
	e.audit.LogEvent(ctx, event)
}

// LogEvent records an event produced outside the engine, such as a login
// attempt handled by the caller's credential check.
func (e *Engine) LogEvent(ctx context.Context, event audit.Event) audit.Event {
	if e == nil || e.audit == nil {
		return event
	}
	return e.audit.LogEvent(ctx, event)
}

// GetEvents returns up to limit events newest first, from userID's log or
// from the global log when userID is empty.
func (e *Engine) GetEvents(ctx context.Context, userID string, limit int) ([]audit.Event, error) {
	const op = "get_events"
	if e == nil || e.audit == nil {
		return nil, newError(KindInternal, op, ErrEngineNotReady)
	}
	sctx, cancel := e.storeCtx(ctx)
	defer cancel()
	events, err := e.audit.GetEvents(sctx, userID, limit)
	if err != nil {
		return nil, wrap(op, err)
	}
	return events, nil
}
