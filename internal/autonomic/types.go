// Package autonomic runs the self-healing identity loop: a MAPE-K
// cycle (monitor, analyze, plan, execute, knowledge) on top of the
// controller. Each phase is a function of the previous phase's output
// plus controller state; the loop itself survives any single cycle
// failing.
package autonomic

import "time"

// AnomalyType classifies what a monitor observation means.
type AnomalyType string

const (
	AnomalyExpirationWarning AnomalyType = "expiration_warning"
	AnomalyRevocation        AnomalyType = "revocation"
	AnomalyTrustViolation    AnomalyType = "trust_violation"
)

// Severity grades an alert.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// Alert is one detected identity anomaly. History is append-only and
// logically unbounded; only the display window is pruned.
type Alert struct {
	ID                string      `json:"id"`
	Type              AnomalyType `json:"anomaly_type"`
	WorkloadID        string      `json:"workload_id"`
	SPIFFEID          string      `json:"spiffe_id"`
	Severity          Severity    `json:"severity"`
	Message           string      `json:"message"`
	Timestamp         time.Time   `json:"timestamp"`
	RecommendedAction string      `json:"recommended_action"`
}

// Remediation action tags produced by the analyze phase.
const (
	ActionRenewSVID        = "renew_svid"
	ActionRevokeAndReattest = "revoke_and_re_attest"
)

// MonitorReport is the output of the monitor phase.
type MonitorReport struct {
	HasIdentity     bool
	SPIFFEID        string
	TTLRemaining    time.Duration
	BaselinePercent float64
	BundleVersion   string
	BundleChanged   bool
	Alerts          []Alert
}

// RiskLevel is the analyze phase's classification.
type RiskLevel string

const (
	RiskLow      RiskLevel = "low"
	RiskMedium   RiskLevel = "medium"
	RiskCritical RiskLevel = "critical"
)

// Analysis is the output of the analyze phase.
type Analysis struct {
	Risk    RiskLevel
	Actions []string
	Alerts  []Alert
}

// PlannedAction is one numbered step with its timeout budget.
type PlannedAction struct {
	Seq     int
	Name    string
	Timeout time.Duration
}

// Priority orders plans.
type Priority string

const (
	PriorityNormal    Priority = "normal"
	PriorityHigh      Priority = "high"
	PriorityEmergency Priority = "emergency"
)

// Plan is the ordered action list for one cycle.
type Plan struct {
	Actions           []PlannedAction
	Priority          Priority
	EstimatedDuration time.Duration
}

// ActionOutcome captures one executed action independently of the
// others.
type ActionOutcome struct {
	Name    string
	Success bool
	Error   string
}

// ExecutionResult aggregates a cycle's action outcomes.
type ExecutionResult struct {
	Outcomes  []ActionOutcome
	Succeeded int
	Failed    int
}

// KnowledgeSnapshot is the folded state the loop retains across
// cycles.
type KnowledgeSnapshot struct {
	TotalAlerts        int       `json:"total_alerts"`
	ActiveIdentities   int       `json:"active_identities"`
	TrustBundleVersion string    `json:"trust_bundle_version"`
	CyclesRun          int       `json:"cycles_run"`
	CyclesFailed       int       `json:"cycles_failed"`
	LastCycle          time.Time `json:"last_cycle"`
	RecentAlerts       []Alert   `json:"recent_alerts"`
}
