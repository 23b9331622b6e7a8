package prometheus

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/MrEthical07/authguard"
	"github.com/MrEthical07/authguard/audit"
	"github.com/MrEthical07/authguard/metrics/export/internaldefs"
)

type metricsSource interface {
	MetricsSnapshot() authguard.MetricsSnapshot
	AuditStats() audit.Stats
}

// PrometheusExporter renders engine and audit counters in the Prometheus
// text format.
type PrometheusExporter struct {
	source metricsSource
}

// NewPrometheusExporter reads from engine on every scrape.
func NewPrometheusExporter(engine *authguard.Engine) *PrometheusExporter {
	return &PrometheusExporter{source: engine}
}

// NewPrometheusExporterFromSource reads from any snapshot source.
func NewPrometheusExporterFromSource(source metricsSource) *PrometheusExporter {
	return &PrometheusExporter{source: source}
}

// Handler serves [PrometheusExporter.Render] for a scrape endpoint.
func (p *PrometheusExporter) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")
		_, _ = w.Write([]byte(p.Render()))
	})
}

// Render returns the current metrics, or "" when neither engine metrics nor
// audit activity are present.
func (p *PrometheusExporter) Render() string {
	if p == nil || p.source == nil {
		return ""
	}

	snapshot := p.source.MetricsSnapshot()
	stats := p.source.AuditStats()
	engineOn := len(snapshot.Counters) > 0 || len(snapshot.Histograms) > 0
	if !engineOn && internaldefs.AuditEmpty(stats) {
		return ""
	}

	var b strings.Builder
	b.Grow(4096)

	if engineOn {
		for _, fam := range internaldefs.Families {
			writeHeader(&b, fam.Name, fam.Help, "counter")
			for _, s := range fam.Series {
				writeSample(&b, fam.Name, fam.Label, s.Value, snapshot.Counters[s.ID])
			}
		}
		for _, def := range internaldefs.HistogramDefs {
			raw, ok := snapshot.Histograms[def.ID]
			if !ok {
				continue
			}
			writeHistogram(&b, def.Name, def.Help, internaldefs.CumulativeBuckets(internaldefs.NormalizeBuckets(raw)))
		}
	}

	writeHeader(&b, internaldefs.AuditEventsName, "Security events recorded by severity.", "counter")
	for _, sev := range internaldefs.AuditSeverities {
		writeSample(&b, internaldefs.AuditEventsName, "severity", string(sev), stats.Events[sev])
	}
	writeHeader(&b, internaldefs.AuditFailuresName, "Security events that were not persisted or alerted.", "counter")
	for _, f := range internaldefs.AuditFailures {
		writeSample(&b, internaldefs.AuditFailuresName, "reason", f.Reason, f.Value(stats))
	}

	return b.String()
}

func writeHeader(b *strings.Builder, name, help, kind string) {
	b.WriteString("# HELP ")
	b.WriteString(name)
	b.WriteByte(' ')
	b.WriteString(escapeHelp(help))
	b.WriteString("\n# TYPE ")
	b.WriteString(name)
	b.WriteByte(' ')
	b.WriteString(kind)
	b.WriteByte('\n')
}

func writeSample(b *strings.Builder, name, label, value string, n uint64) {
	b.WriteString(name)
	if label != "" {
		b.WriteByte('{')
		b.WriteString(label)
		b.WriteString("=\"")
		b.WriteString(escapeLabel(value))
		b.WriteString("\"}")
	}
	b.WriteByte(' ')
	b.WriteString(strconv.FormatUint(n, 10))
	b.WriteByte('\n')
}

func writeHistogram(b *strings.Builder, name, help string, cumulative [8]uint64) {
	writeHeader(b, name, help, "histogram")
	for i, le := range internaldefs.HistogramBounds {
		writeSample(b, name+"_bucket", "le", le, cumulative[i])
	}
	writeSample(b, name+"_count", "", "", cumulative[len(cumulative)-1])
	// Snapshots carry bucket counts only.
	b.WriteString(name)
	b.WriteString("_sum 0\n")
}

func escapeHelp(help string) string {
	help = strings.ReplaceAll(help, "\\", "\\\\")
	return strings.ReplaceAll(help, "\n", "\\n")
}

func escapeLabel(v string) string {
	v = strings.ReplaceAll(v, "\\", "\\\\")
	v = strings.ReplaceAll(v, "\"", "\\\"")
	return strings.ReplaceAll(v, "\n", "\\n")
}
