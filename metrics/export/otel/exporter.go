package otel

import (
	"context"
	"errors"
	"fmt"

	"github.com/MrEthical07/authguard"
	"github.com/MrEthical07/authguard/audit"
	"github.com/MrEthical07/authguard/metrics/export/internaldefs"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

var (
	ErrNilMeter  = errors.New("nil meter")
	ErrNilSource = errors.New("nil metrics source")
)

type metricsSource interface {
	MetricsSnapshot() authguard.MetricsSnapshot
	AuditStats() audit.Stats
}

type observedSeries struct {
	id   authguard.MetricID
	opts metric.ObserveOption
}

type observedFamily struct {
	instrument metric.Int64ObservableCounter
	series     []observedSeries
}

type observedHistogram struct {
	id      authguard.MetricID
	buckets [8]metric.Int64ObservableGauge
	count   metric.Int64ObservableGauge
}

// OTelExporter publishes engine counter families and audit stats through
// one registered callback.
type OTelExporter struct {
	source        metricsSource
	registration  metric.Registration
	families      []observedFamily
	histograms    []observedHistogram
	auditEvents   metric.Int64ObservableCounter
	auditFailures metric.Int64ObservableCounter
}

func NewOTelExporter(meter metric.Meter, engine *authguard.Engine) (*OTelExporter, error) {
	return NewOTelExporterFromSource(meter, engine)
}

func NewOTelExporterFromSource(meter metric.Meter, source metricsSource) (*OTelExporter, error) {
	if meter == nil {
		return nil, ErrNilMeter
	}
	if source == nil {
		return nil, ErrNilSource
	}

	exporter := &OTelExporter{
		source:     source,
		families:   make([]observedFamily, 0, len(internaldefs.Families)),
		histograms: make([]observedHistogram, 0, len(internaldefs.HistogramDefs)),
	}
	observables := make([]metric.Observable, 0, len(internaldefs.Families)+len(internaldefs.HistogramDefs)*9+2)

	for _, fam := range internaldefs.Families {
		ins, err := meter.Int64ObservableCounter(fam.Name, metric.WithDescription(fam.Help))
		if err != nil {
			return nil, fmt.Errorf("create observable counter %s: %w", fam.Name, err)
		}
		of := observedFamily{instrument: ins, series: make([]observedSeries, 0, len(fam.Series))}
		for _, s := range fam.Series {
			var opts metric.ObserveOption
			if fam.Label != "" {
				opts = metric.WithAttributes(attribute.String(fam.Label, s.Value))
			}
			of.series = append(of.series, observedSeries{id: s.ID, opts: opts})
		}
		exporter.families = append(exporter.families, of)
		observables = append(observables, ins)
	}

	for _, def := range internaldefs.HistogramDefs {
		h := observedHistogram{id: def.ID}
		for i := 0; i < len(internaldefs.HistogramBoundSuffix); i++ {
			name := def.Name + "_bucket_le_" + internaldefs.HistogramBoundSuffix[i]
			ins, err := meter.Int64ObservableGauge(name, metric.WithDescription("Cumulative histogram bucket count."))
			if err != nil {
				return nil, fmt.Errorf("create histogram bucket gauge %s: %w", name, err)
			}
			h.buckets[i] = ins
			observables = append(observables, ins)
		}
		countName := def.Name + "_count"
		countIns, err := meter.Int64ObservableGauge(countName, metric.WithDescription("Histogram total sample count."))
		if err != nil {
			return nil, fmt.Errorf("create histogram count gauge %s: %w", countName, err)
		}
		h.count = countIns
		observables = append(observables, countIns)
		exporter.histograms = append(exporter.histograms, h)
	}

	var err error
	exporter.auditEvents, err = meter.Int64ObservableCounter(internaldefs.AuditEventsName,
		metric.WithDescription("Security events recorded by severity."))
	if err != nil {
		return nil, fmt.Errorf("create audit events counter: %w", err)
	}
	exporter.auditFailures, err = meter.Int64ObservableCounter(internaldefs.AuditFailuresName,
		metric.WithDescription("Security events that were not persisted or alerted."))
	if err != nil {
		return nil, fmt.Errorf("create audit failures counter: %w", err)
	}
	observables = append(observables, exporter.auditEvents, exporter.auditFailures)

	registration, err := meter.RegisterCallback(exporter.observe, observables...)
	if err != nil {
		return nil, fmt.Errorf("register callback: %w", err)
	}
	exporter.registration = registration
	return exporter, nil
}

func (e *OTelExporter) observe(_ context.Context, observer metric.Observer) error {
	snapshot := e.source.MetricsSnapshot()
	if len(snapshot.Counters) > 0 {
		for _, fam := range e.families {
			for _, s := range fam.series {
				if s.opts == nil {
					observer.ObserveInt64(fam.instrument, int64(snapshot.Counters[s.id]))
					continue
				}
				observer.ObserveInt64(fam.instrument, int64(snapshot.Counters[s.id]), s.opts)
			}
		}
	}
	for _, h := range e.histograms {
		raw, ok := snapshot.Histograms[h.id]
		if !ok {
			continue
		}
		cumulative := internaldefs.CumulativeBuckets(internaldefs.NormalizeBuckets(raw))
		for i := 0; i < len(cumulative); i++ {
			observer.ObserveInt64(h.buckets[i], int64(cumulative[i]))
		}
		observer.ObserveInt64(h.count, int64(cumulative[len(cumulative)-1]))
	}

	stats := e.source.AuditStats()
	for _, sev := range internaldefs.AuditSeverities {
		observer.ObserveInt64(e.auditEvents, int64(stats.Events[sev]),
			metric.WithAttributes(attribute.String("severity", string(sev))))
	}
	for _, f := range internaldefs.AuditFailures {
		observer.ObserveInt64(e.auditFailures, int64(f.Value(stats)),
			metric.WithAttributes(attribute.String("reason", f.Reason)))
	}
	return nil
}

func (e *OTelExporter) Close() error {
	if e == nil || e.registration == nil {
		return nil
	}
	return e.registration.Unregister()
}
