package audit

import (
	"context"
	"encoding/json"
	"io"
	"sync"
)

// Alerter receives high and critical events.
type Alerter interface {
	Alert(ctx context.Context, event Event) error
}

// AlertFunc adapts a function to [Alerter].
type AlertFunc func(ctx context.Context, event Event) error

// Alert calls f.
func (f AlertFunc) Alert(ctx context.Context, event Event) error {
	return f(ctx, event)
}

// NoOpAlerter drops alerts.
type NoOpAlerter struct{}

func (NoOpAlerter) Alert(context.Context, Event) error { return nil }

// ChannelAlerter writes alerts into a buffered channel.
type ChannelAlerter struct {
	events chan Event
}

func NewChannelAlerter(buffer int) *ChannelAlerter {
	if buffer <= 0 {
		buffer = 1
	}
	return &ChannelAlerter{
		events: make(chan Event, buffer),
	}
}

func (a *ChannelAlerter) Alert(ctx context.Context, event Event) error {
	select {
	case a.events <- event:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (a *ChannelAlerter) Events() <-chan Event {
	return a.events
}

// JSONWriterAlerter writes one JSON object per line.
type JSONWriterAlerter struct {
	writer io.Writer
	mu     sync.Mutex
}

func NewJSONWriterAlerter(w io.Writer) *JSONWriterAlerter {
	return &JSONWriterAlerter{
		writer: w,
	}
}

func (a *JSONWriterAlerter) Alert(_ context.Context, event Event) error {
	data, err := json.Marshal(event)
	if err != nil {
		return err
	}
	data = append(data, '\n')

	a.mu.Lock()
	defer a.mu.Unlock()
	_, err = a.writer.Write(data)
	return err
}
