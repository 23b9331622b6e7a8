package audit

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// dispatcher forwards alerts to an Alerter on a single background goroutine.
type dispatcher struct {
	alerter Alerter
	logger  *zap.Logger
	timeout time.Duration
	ch      chan Event
	done    chan struct{}
	wg      sync.WaitGroup
	dropped atomic.Uint64
	failed  atomic.Uint64

	// mu orders enqueue against close: once close holds it, no send can
	// land in ch after the drain.
	mu     sync.RWMutex
	closed bool
}

func newDispatcher(alerter Alerter, buffer int, timeout time.Duration, logger *zap.Logger) *dispatcher {
	if buffer <= 0 {
		buffer = 1
	}
	d := &dispatcher{
		alerter: alerter,
		logger:  logger,
		timeout: timeout,
		ch:      make(chan Event, buffer),
		done:    make(chan struct{}),
	}

	d.wg.Add(1)
	go d.run()

	return d
}

func (d *dispatcher) run() {
	defer d.wg.Done()

	for {
		select {
		case event := <-d.ch:
			d.deliver(event)
		case <-d.done:
			for {
				select {
				case event := <-d.ch:
					d.deliver(event)
				default:
					return
				}
			}
		}
	}
}

func (d *dispatcher) deliver(event Event) {
	ctx, cancel := context.WithTimeout(context.Background(), d.timeout)
	defer cancel()
	if err := d.alerter.Alert(ctx, event); err != nil {
		d.failed.Add(1)
		d.logger.Warn("audit alert delivery failed",
			zap.String("event_id", event.ID),
			zap.String("event_type", string(event.Type)),
			zap.Error(err),
		)
	}
}

// enqueue never blocks the caller.
func (d *dispatcher) enqueue(event Event) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		d.dropped.Add(1)
		return
	}
	select {
	case d.ch <- event:
	default:
		d.dropped.Add(1)
	}
}

func (d *dispatcher) close() {
	d.mu.Lock()
	if !d.closed {
		d.closed = true
		close(d.done)
	}
	d.mu.Unlock()
	d.wg.Wait()
}
