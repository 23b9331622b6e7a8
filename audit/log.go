package audit

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Config controls persistence and alert delivery.
type Config struct {
	// AppendTimeout bounds a single Store.Append. The append is detached from
	// the caller's cancellation but never outlives this timeout.
	AppendTimeout time.Duration
	// AlertBuffer bounds the number of alerts waiting for delivery.
	AlertBuffer int
	// AlertTimeout bounds a single Alerter call.
	AlertTimeout time.Duration
}

// DefaultConfig returns a 250ms append timeout, a 256-entry alert buffer and
// a 5s delivery timeout.
func DefaultConfig() Config {
	return Config{AppendTimeout: 250 * time.Millisecond, AlertBuffer: 256, AlertTimeout: 5 * time.Second}
}

// Log records security events. Methods are safe for concurrent use.
type Log struct {
	store         Store
	logger        *zap.Logger
	alerts        *dispatcher
	now           func() time.Time
	appendTimeout time.Duration

	storeFailures atomic.Uint64
	bySeverity    [len(severities)]atomic.Uint64
}

var severities = [...]Severity{SeverityLow, SeverityMedium, SeverityHigh, SeverityCritical}

// Stats is a point-in-time view of the log's counters.
type Stats struct {
	// Events counts recorded events per severity. Every severity is present.
	Events        map[Severity]uint64
	StoreFailures uint64
	AlertFailures uint64
	AlertsDropped uint64
}

// New builds a Log. A nil logger logs nowhere; a nil alerter disables alerts.
func New(store Store, logger *zap.Logger, alerter Alerter, cfg Config) *Log {
	if store == nil {
		store = NewMemoryStore()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.AppendTimeout <= 0 {
		cfg.AppendTimeout = DefaultConfig().AppendTimeout
	}
	if cfg.AlertTimeout <= 0 {
		cfg.AlertTimeout = DefaultConfig().AlertTimeout
	}
	if cfg.AlertBuffer <= 0 {
		cfg.AlertBuffer = DefaultConfig().AlertBuffer
	}
	l := &Log{
		store:         store,
		logger:        logger.Named("audit"),
		now:           time.Now,
		appendTimeout: cfg.AppendTimeout,
	}
	if alerter != nil {
		l.alerts = newDispatcher(alerter, cfg.AlertBuffer, cfg.AlertTimeout, l.logger)
	}
	return l
}

// LogEvent stamps event with an id and timestamp when absent, records it and
// returns the stored form. Unknown severities are recorded as low. IP and
// UserAgent default to the values attached to ctx.
func (l *Log) LogEvent(ctx context.Context, event Event) Event {
	if event.ID == "" {
		event.ID = uuid.NewString()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = l.now().UTC()
	}
	if !event.Severity.Valid() {
		event.Severity = SeverityLow
	}
	l.countSeverity(event.Severity)
	if event.IP == "" {
		event.IP = ClientIP(ctx)
	}
	if event.UserAgent == "" {
		event.UserAgent = UserAgent(ctx)
	}

	fields := []zap.Field{
		zap.String("event_id", event.ID),
		zap.String("event_type", string(event.Type)),
		zap.String("severity", string(event.Severity)),
		zap.Bool("success", event.Success),
	}
	if event.UserID != "" {
		fields = append(fields, zap.String("user_id", event.UserID))
	}
	if event.IP != "" {
		fields = append(fields, zap.String("ip", event.IP))
	}
	if event.UserAgent != "" {
		fields = append(fields, zap.String("user_agent", event.UserAgent))
	}
	if len(event.Details) > 0 {
		fields = append(fields, zap.Any("details", event.Details))
	}
	l.logger.Log(event.Severity.Level(), "security event", fields...)

	actx, cancel := context.WithTimeout(context.WithoutCancel(ctx), l.appendTimeout)
	err := l.store.Append(actx, event)
	cancel()
	if err != nil {
		l.storeFailures.Add(1)
		l.logger.Error("audit store append failed", zap.String("event_id", event.ID), zap.Error(err))
	}

	if l.alerts != nil && event.Severity.Alerting() {
		l.alerts.enqueue(event)
	}
	return event
}

// GetEvents returns up to limit events newest first. An empty userID reads
// the global log. A non-positive or oversized limit returns the whole log.
func (l *Log) GetEvents(ctx context.Context, userID string, limit int) ([]Event, error) {
	return l.store.Events(ctx, userID, limit)
}

// Dropped reports alerts discarded because the buffer was full or closed.
func (l *Log) Dropped() uint64 {
	if l.alerts == nil {
		return 0
	}
	return l.alerts.dropped.Load()
}

// AlertFailures reports alerts the Alerter returned an error for.
func (l *Log) AlertFailures() uint64 {
	if l.alerts == nil {
		return 0
	}
	return l.alerts.failed.Load()
}

// StoreFailures reports events that could not be persisted.
func (l *Log) StoreFailures() uint64 {
	return l.storeFailures.Load()
}

// Stats reports per-severity event counts and delivery failures.
func (l *Log) Stats() Stats {
	s := Stats{
		Events:        make(map[Severity]uint64, len(severities)),
		StoreFailures: l.StoreFailures(),
		AlertFailures: l.AlertFailures(),
		AlertsDropped: l.Dropped(),
	}
	for i, sev := range severities {
		s.Events[sev] = l.bySeverity[i].Load()
	}
	return s
}

func (l *Log) countSeverity(sev Severity) {
	for i, known := range severities {
		if known == sev {
			l.bySeverity[i].Add(1)
			return
		}
	}
}

// Close drains pending alerts and stops the dispatcher.
func (l *Log) Close() {
	if l.alerts != nil {
		l.alerts.close()
	}
}
