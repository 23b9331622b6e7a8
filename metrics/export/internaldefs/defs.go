package internaldefs

import (
	"github.com/MrEthical07/authguard"
	"github.com/MrEthical07/authguard/audit"
)

// Series is one labelled member of a counter family.
type Series struct {
	ID    authguard.MetricID
	Value string
}

// Family groups engine counters that partition one outcome under a single
// label. An empty Label marks an unlabelled family with one series.
type Family struct {
	Name   string
	Help   string
	Label  string
	Series []Series
}

// HistogramDef names one engine histogram for export.
type HistogramDef struct {
	ID   authguard.MetricID
	Name string
	Help string
}

// Families lists every engine counter family in a stable order.
var Families = []Family{
	{
		Name: "authguard_sessions_total", Help: "Session lifecycle events.", Label: "event",
		Series: []Series{
			{authguard.MetricSessionCreated, "created"},
			{authguard.MetricSessionRevoked, "revoked"},
			{authguard.MetricSessionRevokedAll, "revoked_all"},
		},
	},
	{
		Name: "authguard_token_verifications_total", Help: "Access token verifications by outcome.", Label: "result",
		Series: []Series{
			{authguard.MetricVerifySuccess, "valid"},
			{authguard.MetricVerifyFailure, "invalid"},
			{authguard.MetricVerifyStoreUnavailable, "store_unavailable"},
		},
	},
	{
		Name: "authguard_refresh_total", Help: "Refresh token rotations by outcome.", Label: "result",
		Series: []Series{
			{authguard.MetricRefreshSuccess, "rotated"},
			{authguard.MetricRefreshFailure, "rejected"},
			{authguard.MetricRefreshReuseDetected, "reuse_detected"},
		},
	},
	{
		Name: "authguard_mfa_enrollments_total", Help: "MFA enrollments.",
		Series: []Series{{authguard.MetricMFAEnrolled, ""}},
	},
	{
		Name: "authguard_totp_verifications_total", Help: "TOTP code checks by outcome.", Label: "result",
		Series: []Series{
			{authguard.MetricTOTPSuccess, "accepted"},
			{authguard.MetricTOTPFailure, "rejected"},
			{authguard.MetricTOTPReplayRejected, "replayed"},
			{authguard.MetricTOTPRateLimited, "rate_limited"},
		},
	},
	{
		Name: "authguard_backup_codes_total", Help: "Backup code checks by outcome.", Label: "result",
		Series: []Series{
			{authguard.MetricBackupCodeUsed, "consumed"},
			{authguard.MetricBackupCodeFailed, "rejected"},
			{authguard.MetricBackupCodeRateLimited, "rate_limited"},
		},
	},
	{
		Name: "authguard_decrypt_failures_total", Help: "Field decryptions that failed authentication.",
		Series: []Series{{authguard.MetricDecryptFailure, ""}},
	},
	{
		Name: "authguard_abuse_decisions_total", Help: "Calls refused or delayed by abuse rules.", Label: "action",
		Series: []Series{
			{authguard.MetricRateLimitHit, "rejected"},
			{authguard.MetricSlowDownApplied, "delayed"},
		},
	},
}

// AuditEventsName counts recorded audit events under a severity label.
const AuditEventsName = "authguard_audit_events_total"

// AuditFailuresName counts audit persistence and alert delivery failures
// under a reason label.
const AuditFailuresName = "authguard_audit_failures_total"

// AuditSeverities is the stable label order for AuditEventsName.
var AuditSeverities = []audit.Severity{
	audit.SeverityLow,
	audit.SeverityMedium,
	audit.SeverityHigh,
	audit.SeverityCritical,
}

// AuditFailure is one reason series of AuditFailuresName.
type AuditFailure struct {
	Reason string
	Value  func(audit.Stats) uint64
}

// AuditFailures lists the failure reasons in a stable order.
var AuditFailures = []AuditFailure{
	{"store", func(s audit.Stats) uint64 { return s.StoreFailures }},
	{"alert", func(s audit.Stats) uint64 { return s.AlertFailures }},
	{"alert_dropped", func(s audit.Stats) uint64 { return s.AlertsDropped }},
}

// AuditEmpty reports whether stats carries no recorded activity.
func AuditEmpty(s audit.Stats) bool {
	for _, n := range s.Events {
		if n != 0 {
			return false
		}
	}
	return s.StoreFailures == 0 && s.AlertFailures == 0 && s.AlertsDropped == 0
}

// HistogramDefs lists every exported histogram.
var HistogramDefs = []HistogramDef{
	{ID: authguard.MetricVerifyLatency, Name: "authguard_verify_latency_seconds", Help: "Token verification latency."},
}

// HistogramBounds are the upper bounds of the engine's latency buckets.
var HistogramBounds = []string{
	"0.005",
	"0.01",
	"0.025",
	"0.05",
	"0.1",
	"0.25",
	"0.5",
	"+Inf",
}

// HistogramBoundSuffix renders HistogramBounds for instrument names.
var HistogramBoundSuffix = []string{
	"0_005",
	"0_01",
	"0_025",
	"0_05",
	"0_1",
	"0_25",
	"0_5",
	"inf",
}

// NormalizeBuckets copies raw into a fixed-size array, padding with zeros.
func NormalizeBuckets(raw []uint64) [8]uint64 {
	var out [8]uint64
	for i := 0; i < len(out) && i < len(raw); i++ {
		out[i] = raw[i]
	}
	return out
}

// CumulativeBuckets converts per-bucket counts into running totals.
func CumulativeBuckets(raw [8]uint64) [8]uint64 {
	var out [8]uint64
	var running uint64
	for i := 0; i < len(raw); i++ {
		running += raw[i]
		out[i] = running
	}
	return out
}
