package autonomic

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/x0tta6bl4-ai/mesh-identity/internal/controller"
	"github.com/x0tta6bl4-ai/mesh-identity/internal/notify"
	"github.com/x0tta6bl4-ai/mesh-identity/pkg/config"
	"github.com/x0tta6bl4-ai/mesh-identity/pkg/telemetry"
)

// recentAlertWindow bounds the inspection window; the full history
// stays append-only for audit.
const recentAlertWindow = 10

// Loop is the autonomic renewal driver.
type Loop struct {
	controller *controller.Controller
	bundle     *config.TrustBundle
	sink       notify.Sink
	log        *slog.Logger
	metrics    *telemetry.Metrics

	threshold     float64
	baselineTTL   time.Duration
	checkInterval time.Duration
	attestParams  map[string]string
	now           func() time.Time

	mu                sync.Mutex
	history           []Alert
	knowledge         KnowledgeSnapshot
	lastBundleVersion string
}

// NewLoop wires the loop. The bundle and sink may be nil; metrics may
// be nil.
func NewLoop(ctrl *controller.Controller, bundle *config.TrustBundle, sink notify.Sink, cfg config.RenewalConfig, attestParams map[string]string, log *slog.Logger, metrics *telemetry.Metrics) *Loop {
	if log == nil {
		log = slog.Default()
	}
	if sink == nil {
		sink = notify.NopSink{}
	}
	threshold := cfg.Threshold
	if threshold <= 0 || threshold >= 1 {
		threshold = 0.5
	}
	baseline := cfg.BaselineTTL
	if baseline <= 0 {
		baseline = time.Hour
	}
	interval := cfg.CheckInterval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &Loop{
		controller:    ctrl,
		bundle:        bundle,
		sink:          sink,
		log:           log,
		metrics:       metrics,
		threshold:     threshold,
		baselineTTL:   baseline,
		checkInterval: interval,
		attestParams:  attestParams,
		now:           time.Now,
	}
}

// Monitor reads identity TTL and trust-bundle state and raises alerts
// for anything below the renewal threshold.
func (l *Loop) Monitor(ctx context.Context) MonitorReport {
	report := MonitorReport{}

	if identity := l.controller.CurrentIdentity(); identity != nil {
		report.HasIdentity = true
		report.SPIFFEID = identity.ID.String()
		report.TTLRemaining = identity.TTLRemaining(l.now())
		report.BaselinePercent = float64(report.TTLRemaining) / float64(l.baselineTTL)

		if report.BaselinePercent < l.threshold {
			severity := SeverityWarning
			if report.TTLRemaining <= 0 {
				severity = SeverityCritical
			}
			report.Alerts = append(report.Alerts, Alert{
				Type:     AnomalyExpirationWarning,
				SPIFFEID: report.SPIFFEID,
				Severity: severity,
				Message: fmt.Sprintf("identity TTL at %.0f%% of baseline (%s remaining)",
					report.BaselinePercent*100, report.TTLRemaining.Round(time.Second)),
				Timestamp:         l.now(),
				RecommendedAction: ActionRenewSVID,
			})
		}
	}

	if l.bundle != nil {
		version, err := l.bundle.Version()
		if err != nil {
			l.log.Warn("trust bundle version unavailable", "error", err)
		} else {
			report.BundleVersion = version
			l.mu.Lock()
			previous := l.lastBundleVersion
			l.lastBundleVersion = version
			l.mu.Unlock()

			if previous != "" && previous != version {
				report.BundleChanged = true
				report.Alerts = append(report.Alerts, Alert{
					Type:              AnomalyTrustViolation,
					SPIFFEID:          report.SPIFFEID,
					Severity:          SeverityCritical,
					Message:           fmt.Sprintf("trust bundle changed from %s to %s", previous, version),
					Timestamp:         l.now(),
					RecommendedAction: ActionRevokeAndReattest,
				})
				if l.metrics != nil {
					l.metrics.RecordTrustBundleChange()
				}
			}
		}
	}

	return report
}

// Analyze classifies the monitor output into a risk level and a set of
// recommended actions, and appends every alert to the history.
func (l *Loop) Analyze(report MonitorReport) Analysis {
	analysis := Analysis{Risk: RiskLow, Alerts: report.Alerts}

	seen := map[string]bool{}
	for _, alert := range report.Alerts {
		l.appendAlert(alert)
		if !seen[alert.RecommendedAction] && alert.RecommendedAction != "" {
			seen[alert.RecommendedAction] = true
			analysis.Actions = append(analysis.Actions, alert.RecommendedAction)
		}
		switch alert.Severity {
		case SeverityCritical:
			analysis.Risk = RiskCritical
		case SeverityWarning:
			if analysis.Risk != RiskCritical {
				analysis.Risk = RiskMedium
			}
		}
	}
	return analysis
}

// BuildPlan converts recommended actions into an ordered action list
// with timeout budgets and an overall priority.
func (l *Loop) BuildPlan(analysis Analysis) Plan {
	plan := Plan{Priority: PriorityNormal}
	switch analysis.Risk {
	case RiskMedium:
		plan.Priority = PriorityHigh
	case RiskCritical:
		plan.Priority = PriorityEmergency
	}

	for _, action := range analysis.Actions {
		budget := 30 * time.Second
		if action == ActionRevokeAndReattest {
			budget = 2 * time.Minute
		}
		plan.Actions = append(plan.Actions, PlannedAction{
			Seq:     len(plan.Actions) + 1,
			Name:    action,
			Timeout: budget,
		})
		plan.EstimatedDuration += budget
	}
	return plan
}

// Execute runs the plan's actions in order. Each outcome is captured
// independently; a failed action does not abort the rest.
func (l *Loop) Execute(ctx context.Context, plan Plan) ExecutionResult {
	result := ExecutionResult{}
	for _, action := range plan.Actions {
		actionCtx, cancel := context.WithTimeout(ctx, action.Timeout)
		err := l.runAction(actionCtx, action.Name)
		cancel()

		outcome := ActionOutcome{Name: action.Name, Success: err == nil}
		if err != nil {
			outcome.Error = err.Error()
			result.Failed++
			l.log.Warn("remediation action failed", "action", action.Name, "error", err)
		} else {
			result.Succeeded++
			l.log.Info("remediation action succeeded", "action", action.Name)
		}
		result.Outcomes = append(result.Outcomes, outcome)
	}
	return result
}

func (l *Loop) runAction(ctx context.Context, name string) error {
	switch name {
	case ActionRenewSVID:
		return l.controller.ForceRenew(ctx)
	case ActionRevokeAndReattest:
		return l.controller.ReAttest(ctx, l.attestParams)
	default:
		return fmt.Errorf("unknown remediation action %q", name)
	}
}

// UpdateKnowledge folds one cycle's results into the running counters.
func (l *Loop) UpdateKnowledge(report MonitorReport, result ExecutionResult, cycleErr error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.knowledge.CyclesRun++
	if cycleErr != nil || result.Failed > 0 {
		l.knowledge.CyclesFailed++
	}
	l.knowledge.TotalAlerts = len(l.history)
	if report.HasIdentity {
		l.knowledge.ActiveIdentities = 1
	} else {
		l.knowledge.ActiveIdentities = 0
	}
	if report.BundleVersion != "" {
		l.knowledge.TrustBundleVersion = report.BundleVersion
	}
	l.knowledge.LastCycle = l.now()
}

// Knowledge returns a copy of the current snapshot including the
// recent-alert window.
func (l *Loop) Knowledge() KnowledgeSnapshot {
	l.mu.Lock()
	defer l.mu.Unlock()

	snapshot := l.knowledge
	start := len(l.history) - recentAlertWindow
	if start < 0 {
		start = 0
	}
	snapshot.RecentAlerts = append([]Alert(nil), l.history[start:]...)
	return snapshot
}

// AlertHistory returns the full append-only alert history.
func (l *Loop) AlertHistory() []Alert {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]Alert(nil), l.history...)
}

// ExecuteCycle runs one full MAPE-K pass.
func (l *Loop) ExecuteCycle(ctx context.Context) error {
	report := l.Monitor(ctx)
	analysis := l.Analyze(report)
	plan := l.BuildPlan(analysis)
	result := l.Execute(ctx, plan)
	l.UpdateKnowledge(report, result, nil)

	if l.metrics != nil {
		outcome := "success"
		if result.Failed > 0 {
			outcome = "partial_failure"
		}
		l.metrics.RecordCycle(outcome)
	}
	if result.Failed > 0 {
		return fmt.Errorf("%d of %d remediation actions failed",
			result.Failed, result.Failed+result.Succeeded)
	}
	return nil
}

// RunContinuous drives cycles until the context is cancelled. A
// failing or panicking cycle is logged and the loop continues on the
// same interval.
func (l *Loop) RunContinuous(ctx context.Context) {
	l.log.Info("autonomic loop starting",
		"check_interval", l.checkInterval,
		"renewal_threshold", l.threshold)

	ticker := time.NewTicker(l.checkInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			l.log.Info("autonomic loop stopped")
			return
		case <-ticker.C:
			l.safeCycle(ctx)
		}
	}
}

func (l *Loop) safeCycle(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			l.log.Error("autonomic cycle panicked", "panic", r)
			l.UpdateKnowledge(MonitorReport{}, ExecutionResult{}, fmt.Errorf("panic: %v", r))
			if l.metrics != nil {
				l.metrics.RecordCycle("panic")
			}
		}
	}()
	if err := l.ExecuteCycle(ctx); err != nil {
		l.log.Warn("autonomic cycle completed with failures", "error", err)
	}
}

func (l *Loop) appendAlert(alert Alert) {
	if alert.ID == "" {
		alert.ID = uuid.NewString()
	}
	l.mu.Lock()
	l.history = append(l.history, alert)
	l.mu.Unlock()

	if l.metrics != nil {
		l.metrics.RecordAlert(string(alert.Type), string(alert.Severity))
	}
	if alert.Severity == SeverityCritical || alert.Severity == SeverityWarning {
		l.sink.Notify(context.Background(), notify.Notification{
			Title: fmt.Sprintf("identity anomaly: %s", alert.Type),
			Body:  notify.FormatAlertBody(string(alert.Type), alert.SPIFFEID, alert.Message),
			Color: notify.SeverityColor(string(alert.Severity)),
		})
	}
}
