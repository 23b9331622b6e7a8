// Package kafkaalert publishes high and critical audit events to a Kafka
// topic. It plugs into [audit.New] as an [audit.Alerter].
package kafkaalert

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/MrEthical07/authguard/audit"
)

// messageWriter is the subset of *kafka.Writer used by the alerter.
type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Alerter writes each alert as a JSON message keyed by user id.
type Alerter struct {
	writer messageWriter
	topic  string
}

// New returns an Alerter producing to topic on brokers. Call Close on shutdown.
func New(brokers []string, topic string) (*Alerter, error) {
	if len(brokers) == 0 || topic == "" {
		return nil, errors.New("kafkaalert: brokers and topic are required")
	}
	writer := &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		BatchTimeout: 50 * time.Millisecond,
		RequiredAcks: kafka.RequireOne,
	}
	return &Alerter{writer: writer, topic: topic}, nil
}

// Alert implements [audit.Alerter].
func (a *Alerter) Alert(ctx context.Context, event audit.Event) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return err
	}
	msg := kafka.Message{
		Value: payload,
		Time:  event.Timestamp,
		Headers: []kafka.Header{
			{Key: "severity", Value: []byte(event.Severity)},
			{Key: "type", Value: []byte(event.Type)},
		},
	}
	if event.UserID != "" {
		msg.Key = []byte(event.UserID)
	}
	return a.writer.WriteMessages(ctx, msg)
}

// Close flushes and closes the underlying writer.
func (a *Alerter) Close() error {
	return a.writer.Close()
}
