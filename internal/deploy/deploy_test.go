package deploy

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"github.com/x0tta6bl4-ai/mesh-identity/pkg/config"
)

type fakeRegistrar struct {
	mu         sync.Mutex
	inFlight   int32
	maxSeen    int32
	delay      time.Duration
	failIDs    map[string]bool
	registered []string
}

func (f *fakeRegistrar) RegisterWorkload(_ context.Context, spiffeID string, _ []string, _ int) bool {
	current := atomic.AddInt32(&f.inFlight, 1)
	defer atomic.AddInt32(&f.inFlight, -1)
	for {
		seen := atomic.LoadInt32(&f.maxSeen)
		if current <= seen || atomic.CompareAndSwapInt32(&f.maxSeen, seen, current) {
			break
		}
	}
	if f.delay > 0 {
		time.Sleep(f.delay)
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failIDs[spiffeID] {
		return false
	}
	f.registered = append(f.registered, spiffeID)
	return true
}

func testNodes(n int) []Node {
	nodes := make([]Node, n)
	for i := range nodes {
		nodes[i] = Node{
			Name:     fmt.Sprintf("node-%d", i),
			SPIFFEID: fmt.Sprintf("spiffe://x0tta6bl4.mesh/node/%d", i),
			TTL:      3600,
		}
	}
	return nodes
}

func newTestDeployer(registrar Registrar, concurrency int) *Deployer {
	return NewDeployer(registrar, config.DeployConfig{
		MaxConcurrent: concurrency,
		NodeTimeout:   5 * time.Second,
	}, slog.New(slog.NewTextHandler(io.Discard, nil)), nil)
}

func TestDeploy_AllSucceed(t *testing.T) {
	registrar := &fakeRegistrar{}
	summary := newTestDeployer(registrar, 5).Deploy(context.Background(), testNodes(12))

	assert.Equal(t, 12, summary.Deployed)
	assert.Equal(t, 0, summary.Failed)
	assert.Len(t, summary.Results, 12)
	assert.Len(t, registrar.registered, 12)
}

func TestDeploy_MixedOutcomes(t *testing.T) {
	registrar := &fakeRegistrar{failIDs: map[string]bool{
		"spiffe://x0tta6bl4.mesh/node/1": true,
		"spiffe://x0tta6bl4.mesh/node/4": true,
	}}
	nodes := testNodes(6)
	nodes = append(nodes, Node{Name: "broken"}) // no SPIFFE ID

	summary := newTestDeployer(registrar, 3).Deploy(context.Background(), nodes)
	assert.Equal(t, 4, summary.Deployed)
	assert.Equal(t, 3, summary.Failed)

	byNode := map[string]NodeResult{}
	for _, result := range summary.Results {
		byNode[result.Node] = result
	}
	assert.False(t, byNode["node-1"].Deployed)
	assert.Contains(t, byNode["node-1"].Error, "registration failed")
	assert.False(t, byNode["broken"].Deployed)
	assert.Contains(t, byNode["broken"].Error, "no SPIFFE ID")
	assert.True(t, byNode["node-0"].Deployed)
}

func TestDeploy_BoundsConcurrency(t *testing.T) {
	registrar := &fakeRegistrar{delay: 20 * time.Millisecond}
	newTestDeployer(registrar, 5).Deploy(context.Background(), testNodes(25))

	assert.LessOrEqual(t, registrar.maxSeen, int32(5))
	assert.GreaterOrEqual(t, registrar.maxSeen, int32(2), "pool never ran nodes in parallel")
}

func TestDeploy_EveryNodeCountedExactlyOnce(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		nodeCount := rapid.IntRange(0, 40).Draw(t, "nodes")
		concurrency := rapid.IntRange(1, 8).Draw(t, "concurrency")
		failEvery := rapid.IntRange(2, 5).Draw(t, "failEvery")

		registrar := &fakeRegistrar{failIDs: map[string]bool{}}
		nodes := testNodes(nodeCount)
		for i := range nodes {
			if i%failEvery == 0 {
				registrar.failIDs[nodes[i].SPIFFEID] = true
			}
		}

		summary := newTestDeployer(registrar, concurrency).Deploy(context.Background(), nodes)
		if summary.Deployed+summary.Failed != nodeCount {
			t.Fatalf("deployed %d + failed %d != %d nodes",
				summary.Deployed, summary.Failed, nodeCount)
		}
		if len(summary.Results) != nodeCount {
			t.Fatalf("got %d results for %d nodes", len(summary.Results), nodeCount)
		}
		for _, result := range summary.Results {
			if !strings.HasPrefix(result.Node, "node-") {
				t.Fatalf("unexpected node name %q", result.Node)
			}
		}
	})
}

func TestDeploy_CancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	registrar := &fakeRegistrar{}
	summary := newTestDeployer(registrar, 2).Deploy(ctx, testNodes(10))

	// Every node still appears exactly once in the summary.
	require.Len(t, summary.Results, 10)
	assert.Equal(t, 10, summary.Deployed+summary.Failed)
}
