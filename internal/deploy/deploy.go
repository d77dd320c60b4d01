// Package deploy pushes workload identities to batches of mesh nodes
// through a bounded worker pool, so a large node set cannot overwhelm
// the attestation backend.
package deploy

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"github.com/x0tta6bl4-ai/mesh-identity/pkg/config"
	"github.com/x0tta6bl4-ai/mesh-identity/pkg/telemetry"
)

// Node is one deployment target.
type Node struct {
	Name      string   `json:"name" yaml:"name"`
	SPIFFEID  string   `json:"spiffe_id" yaml:"spiffe_id"`
	Selectors []string `json:"selectors" yaml:"selectors"`
	TTL       int      `json:"ttl" yaml:"ttl"`
}

// NodeResult is the outcome for a single node.
type NodeResult struct {
	Node     string        `json:"node"`
	Deployed bool          `json:"deployed"`
	Error    string        `json:"error,omitempty"`
	Duration time.Duration `json:"duration"`
}

// Summary aggregates a batch. Deployed plus Failed always equals the
// number of nodes submitted.
type Summary struct {
	BatchID  string       `json:"batch_id"`
	Deployed int          `json:"deployed"`
	Failed   int          `json:"failed"`
	Results  []NodeResult `json:"results"`
}

// Registrar registers a workload identity. The controller satisfies
// this.
type Registrar interface {
	RegisterWorkload(ctx context.Context, spiffeID string, selectors []string, ttl int) bool
}

// Deployer runs batches against a registrar.
type Deployer struct {
	registrar   Registrar
	concurrency int64
	nodeTimeout time.Duration
	log         *slog.Logger
	metrics     *telemetry.Metrics
}

// NewDeployer builds a deployer. Metrics may be nil.
func NewDeployer(registrar Registrar, cfg config.DeployConfig, log *slog.Logger, metrics *telemetry.Metrics) *Deployer {
	if log == nil {
		log = slog.Default()
	}
	concurrency := int64(cfg.MaxConcurrent)
	if concurrency <= 0 {
		concurrency = 5
	}
	nodeTimeout := cfg.NodeTimeout
	if nodeTimeout <= 0 {
		nodeTimeout = 30 * time.Second
	}
	return &Deployer{
		registrar:   registrar,
		concurrency: concurrency,
		nodeTimeout: nodeTimeout,
		log:         log,
		metrics:     metrics,
	}
}

// Deploy registers every node's identity with bounded concurrency.
// Per-node results are independent; no ordering is guaranteed between
// nodes, but every node is counted exactly once.
func (d *Deployer) Deploy(ctx context.Context, nodes []Node) Summary {
	results := make([]NodeResult, len(nodes))
	sem := semaphore.NewWeighted(d.concurrency)
	var wg sync.WaitGroup

	for i, node := range nodes {
		if err := sem.Acquire(ctx, 1); err != nil {
			// Context cancelled: remaining nodes fail without running.
			results[i] = NodeResult{Node: node.Name, Error: err.Error()}
			continue
		}

		wg.Add(1)
		go func(i int, node Node) {
			defer wg.Done()
			defer sem.Release(1)
			results[i] = d.deployOne(ctx, node)
		}(i, node)
	}
	wg.Wait()

	summary := Summary{BatchID: uuid.NewString(), Results: results}
	for _, result := range results {
		if result.Deployed {
			summary.Deployed++
		} else {
			summary.Failed++
		}
		if d.metrics != nil {
			d.metrics.RecordDeployment(result.Deployed)
		}
	}

	d.log.Info("batch deployment finished",
		"nodes", len(nodes),
		"deployed", summary.Deployed,
		"failed", summary.Failed)
	return summary
}

func (d *Deployer) deployOne(ctx context.Context, node Node) NodeResult {
	start := time.Now()
	result := NodeResult{Node: node.Name}

	if node.SPIFFEID == "" {
		result.Error = "node has no SPIFFE ID"
		result.Duration = time.Since(start)
		return result
	}

	nodeCtx, cancel := context.WithTimeout(ctx, d.nodeTimeout)
	defer cancel()

	if d.registrar.RegisterWorkload(nodeCtx, node.SPIFFEID, node.Selectors, node.TTL) {
		result.Deployed = true
	} else {
		result.Error = fmt.Sprintf("registration failed for %s", node.SPIFFEID)
		d.log.Warn("node deployment failed", "node", node.Name, "spiffe_id", node.SPIFFEID)
	}
	result.Duration = time.Since(start)
	return result
}
