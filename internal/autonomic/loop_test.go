package autonomic

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spiffe/go-spiffe/v2/spiffeid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/x0tta6bl4-ai/mesh-identity/internal/agent"
	"github.com/x0tta6bl4-ai/mesh-identity/internal/controller"
	"github.com/x0tta6bl4-ai/mesh-identity/internal/mtls"
	"github.com/x0tta6bl4-ai/mesh-identity/internal/notify"
	"github.com/x0tta6bl4-ai/mesh-identity/internal/svid"
	"github.com/x0tta6bl4-ai/mesh-identity/internal/testpki"
	"github.com/x0tta6bl4-ai/mesh-identity/pkg/config"
	"github.com/x0tta6bl4-ai/mesh-identity/pkg/workloadapi"
)

type captureSink struct {
	notifications []notify.Notification
}

func (c *captureSink) Notify(_ context.Context, n notify.Notification) {
	c.notifications = append(c.notifications, n)
}

func discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func agedIdentity(t *testing.T, ttl time.Duration) *svid.X509SVID {
	t.Helper()
	ca, err := testpki.NewCA()
	require.NoError(t, err)
	leaf, err := ca.IssueSVID("spiffe://x0tta6bl4.mesh/workload/api",
		time.Now().Add(-time.Minute), time.Now().Add(ttl))
	require.NoError(t, err)

	id, err := spiffeid.FromString("spiffe://x0tta6bl4.mesh/workload/api")
	require.NoError(t, err)
	return &svid.X509SVID{
		ID:         id,
		CertChain:  [][]byte{leaf.DER},
		PrivateKey: leaf.Key,
		Expiry:     time.Now().Add(ttl),
	}
}

// newTestLoop builds a loop over a mock-agent controller. initialTTL
// controls how much lifetime the first installed identity has against
// the 1h baseline.
func newTestLoop(t *testing.T, initialTTL time.Duration, bundle *config.TrustBundle, sink notify.Sink) (*Loop, *controller.Controller, *workloadapi.FakeClient) {
	t.Helper()
	log := discard()
	td, err := spiffeid.TrustDomainFromString("x0tta6bl4.mesh")
	require.NoError(t, err)

	fake := workloadapi.NewFakeClient(td, "/workload/api", "", time.Hour)
	manager := agent.NewManager(
		agent.NewMockAgentProcess(filepath.Join(t.TempDir(), "api.sock"), log), log, nil)
	validator, err := svid.NewValidator("x0tta6bl4.mesh",
		config.ValidationConfig{MaxCertAge: time.Hour}, nil, log, nil)
	require.NoError(t, err)
	builder := mtls.NewContextBuilder(td, config.ValidationConfig{EnforceTLS13: true}, log)

	ctrl := controller.New(manager, fake, validator, builder,
		config.RenewalConfig{Threshold: 0.5}, log, nil)

	fake.SetNextSVID(agedIdentity(t, initialTTL))
	require.True(t, ctrl.Initialize(context.Background(), svid.AttestJoinToken,
		map[string]string{"join_token": "tok"}))

	loop := NewLoop(ctrl, bundle, sink, config.RenewalConfig{
		Threshold:     0.5,
		BaselineTTL:   time.Hour,
		CheckInterval: 10 * time.Millisecond,
	}, map[string]string{"join_token": "tok"}, log, nil)
	return loop, ctrl, fake
}

func TestMonitor_RaisesExpirationWarning(t *testing.T) {
	loop, _, _ := newTestLoop(t, 10*time.Minute, nil, nil)

	report := loop.Monitor(context.Background())
	assert.True(t, report.HasIdentity)
	assert.InDelta(t, 10.0/60.0, report.BaselinePercent, 0.02)
	require.Len(t, report.Alerts, 1)
	assert.Equal(t, AnomalyExpirationWarning, report.Alerts[0].Type)
	assert.Equal(t, SeverityWarning, report.Alerts[0].Severity)
	assert.Equal(t, ActionRenewSVID, report.Alerts[0].RecommendedAction)
}

func TestMonitor_QuietAboveThreshold(t *testing.T) {
	loop, _, _ := newTestLoop(t, 55*time.Minute, nil, nil)

	report := loop.Monitor(context.Background())
	assert.True(t, report.HasIdentity)
	assert.Empty(t, report.Alerts)
}

func TestMonitor_DetectsTrustBundleChange(t *testing.T) {
	ca1, err := testpki.NewCA()
	require.NoError(t, err)
	ca2, err := testpki.NewCA()
	require.NoError(t, err)

	bundle := &config.TrustBundle{Name: "mesh", Inline: string(ca1.CertPEM())}
	loop, _, _ := newTestLoop(t, 55*time.Minute, bundle, nil)

	report := loop.Monitor(context.Background())
	assert.False(t, report.BundleChanged)
	firstVersion := report.BundleVersion
	require.NotEmpty(t, firstVersion)

	bundle.Inline = string(ca2.CertPEM())
	bundle.Invalidate()

	report = loop.Monitor(context.Background())
	assert.True(t, report.BundleChanged)
	assert.NotEqual(t, firstVersion, report.BundleVersion)
	require.NotEmpty(t, report.Alerts)
	assert.Equal(t, AnomalyTrustViolation, report.Alerts[0].Type)
	assert.Equal(t, ActionRevokeAndReattest, report.Alerts[0].RecommendedAction)
}

func TestMonitor_ObservesBundleFileDrift(t *testing.T) {
	ca1, err := testpki.NewCA()
	require.NoError(t, err)
	ca2, err := testpki.NewCA()
	require.NoError(t, err)

	path := filepath.Join(t.TempDir(), "bundle.pem")
	require.NoError(t, os.WriteFile(path, ca1.CertPEM(), 0o600))

	bundle := &config.TrustBundle{Name: "mesh", Path: path}
	loop, _, _ := newTestLoop(t, 55*time.Minute, bundle, nil)

	report := loop.Monitor(context.Background())
	require.False(t, report.BundleChanged)

	// The watcher is the piece that invalidates the cached bundle; no
	// manual invalidation here.
	watcher, err := config.NewBundleWatcher(bundle, discard())
	require.NoError(t, err)
	defer watcher.Close()

	require.NoError(t, os.WriteFile(path, ca2.CertPEM(), 0o600))

	require.Eventually(t, func() bool {
		return loop.Monitor(context.Background()).BundleChanged
	}, 3*time.Second, 50*time.Millisecond, "bundle rewrite never surfaced as drift")
}

func TestAnalyze_ClassifiesRiskAndNotifies(t *testing.T) {
	sink := &captureSink{}
	loop, _, _ := newTestLoop(t, 55*time.Minute, nil, sink)

	analysis := loop.Analyze(MonitorReport{})
	assert.Equal(t, RiskLow, analysis.Risk)
	assert.Empty(t, analysis.Actions)

	analysis = loop.Analyze(MonitorReport{Alerts: []Alert{
		{Type: AnomalyExpirationWarning, Severity: SeverityWarning, RecommendedAction: ActionRenewSVID},
	}})
	assert.Equal(t, RiskMedium, analysis.Risk)
	assert.Equal(t, []string{ActionRenewSVID}, analysis.Actions)

	analysis = loop.Analyze(MonitorReport{Alerts: []Alert{
		{Type: AnomalyExpirationWarning, Severity: SeverityWarning, RecommendedAction: ActionRenewSVID},
		{Type: AnomalyTrustViolation, Severity: SeverityCritical, RecommendedAction: ActionRevokeAndReattest},
	}})
	assert.Equal(t, RiskCritical, analysis.Risk)
	assert.Equal(t, []string{ActionRenewSVID, ActionRevokeAndReattest}, analysis.Actions)

	// Every alert went to history and to the sink.
	assert.Len(t, loop.AlertHistory(), 3)
	assert.Len(t, sink.notifications, 3)
}

func TestBuildPlan(t *testing.T) {
	loop, _, _ := newTestLoop(t, 55*time.Minute, nil, nil)

	plan := loop.BuildPlan(Analysis{Risk: RiskLow})
	assert.Equal(t, PriorityNormal, plan.Priority)
	assert.Empty(t, plan.Actions)

	plan = loop.BuildPlan(Analysis{
		Risk:    RiskCritical,
		Actions: []string{ActionRenewSVID, ActionRevokeAndReattest},
	})
	assert.Equal(t, PriorityEmergency, plan.Priority)
	require.Len(t, plan.Actions, 2)
	assert.Equal(t, 1, plan.Actions[0].Seq)
	assert.Equal(t, ActionRenewSVID, plan.Actions[0].Name)
	assert.Equal(t, 2, plan.Actions[1].Seq)
	assert.Equal(t, ActionRevokeAndReattest, plan.Actions[1].Name)
	assert.Equal(t, plan.Actions[0].Timeout+plan.Actions[1].Timeout, plan.EstimatedDuration)
}

func TestExecute_IndependentOutcomes(t *testing.T) {
	loop, _, _ := newTestLoop(t, 55*time.Minute, nil, nil)

	plan := Plan{Actions: []PlannedAction{
		{Seq: 1, Name: "no_such_action", Timeout: time.Second},
		{Seq: 2, Name: ActionRenewSVID, Timeout: 5 * time.Second},
	}}

	result := loop.Execute(context.Background(), plan)
	require.Len(t, result.Outcomes, 2)
	assert.False(t, result.Outcomes[0].Success)
	assert.NotEmpty(t, result.Outcomes[0].Error)
	// The failure above did not stop the renewal from running.
	assert.True(t, result.Outcomes[1].Success)
	assert.Equal(t, 1, result.Succeeded)
	assert.Equal(t, 1, result.Failed)
}

func TestExecuteCycle_RenewsExpiringIdentity(t *testing.T) {
	loop, ctrl, fake := newTestLoop(t, 10*time.Minute, nil, nil)
	before := ctrl.CurrentIdentity()
	fetchesBefore := fake.FetchCount()

	require.NoError(t, loop.ExecuteCycle(context.Background()))

	assert.Greater(t, fake.FetchCount(), fetchesBefore)
	assert.NotSame(t, before, ctrl.CurrentIdentity())

	snapshot := loop.Knowledge()
	assert.Equal(t, 1, snapshot.CyclesRun)
	assert.Equal(t, 0, snapshot.CyclesFailed)
	assert.Equal(t, 1, snapshot.TotalAlerts)
	assert.Equal(t, 1, snapshot.ActiveIdentities)
}

func TestKnowledge_RecentAlertWindow(t *testing.T) {
	loop, _, _ := newTestLoop(t, 55*time.Minute, nil, nil)

	for i := 0; i < 25; i++ {
		loop.Analyze(MonitorReport{Alerts: []Alert{{
			Type:     AnomalyExpirationWarning,
			Severity: SeverityInfo,
			Message:  fmt.Sprintf("alert %d", i),
		}}})
	}

	assert.Len(t, loop.AlertHistory(), 25)

	loop.UpdateKnowledge(MonitorReport{}, ExecutionResult{}, nil)
	snapshot := loop.Knowledge()
	assert.Equal(t, 25, snapshot.TotalAlerts)
	require.Len(t, snapshot.RecentAlerts, recentAlertWindow)
	assert.Equal(t, "alert 24", snapshot.RecentAlerts[len(snapshot.RecentAlerts)-1].Message)
	assert.Equal(t, "alert 15", snapshot.RecentAlerts[0].Message)
}

func TestRunContinuous_StopsOnContextAndSurvivesFailures(t *testing.T) {
	loop, _, fake := newTestLoop(t, 10*time.Minute, nil, nil)

	// Renewal attempts will fail every cycle; the loop must keep
	// going anyway.
	fake.SetError(fmt.Errorf("agent down"))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		loop.RunContinuous(ctx)
		close(done)
	}()

	require.Eventually(t, func() bool {
		return loop.Knowledge().CyclesRun >= 3
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("loop did not stop after context cancellation")
	}

	snapshot := loop.Knowledge()
	assert.GreaterOrEqual(t, snapshot.CyclesFailed, 1)
}
