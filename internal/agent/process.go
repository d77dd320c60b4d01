package agent

import (
	"context"

	"github.com/x0tta6bl4-ai/mesh-identity/internal/svid"
)

// State is a lifecycle phase of the supervised agent.
type State string

const (
	StateStopped  State = "STOPPED"
	StateStarting State = "STARTING"
	StateRunning  State = "RUNNING"
	StateStopping State = "STOPPING"
)

// Mode identifies the process strategy in use.
type Mode string

const (
	ModeReal Mode = "real"
	ModeMock Mode = "mock"
)

// AgentProcess is the strategy behind the manager: a real detached
// subprocess or an in-filesystem mock. Implementations are not safe
// for concurrent use; the manager serializes access.
type AgentProcess interface {
	// Start brings the agent up and blocks until its Workload API
	// socket is usable or the bounded wait runs out. A failed start
	// must not leave a dangling subprocess.
	Start(ctx context.Context) error

	// Stop terminates the agent. Calling Stop on a stopped process
	// is a no-op success.
	Stop(ctx context.Context) error

	// Alive reports whether the underlying process (or mock socket)
	// still exists.
	Alive() bool

	// SocketPath is the Workload API endpoint the agent serves.
	SocketPath() string

	// SetJoinToken records the join token applied on the next Start.
	SetJoinToken(token string)

	// RegisterWorkload submits a registration entry to the
	// attestation backend. Backend failures return false, never an
	// error.
	RegisterWorkload(ctx context.Context, entry svid.WorkloadEntry) bool

	// Healthy runs the strategy's health probe.
	Healthy(ctx context.Context) bool

	// Mode reports which strategy this is.
	Mode() Mode
}
