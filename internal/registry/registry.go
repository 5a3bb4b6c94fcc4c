// Package registry implements the Worker Registry: the ephemeral
// directory of currently-connected worker processes. A worker's entry
// expires if it stops heartbeating, so the registry never needs an
// explicit "worker crashed" signal — absence IS the signal.
package registry

import (
	"context"
	"time"

	"github.com/forgefleet/conductor/internal/taskmodel"
)

// DefaultTTL is how long a worker's registration survives without a
// heartbeat before it is considered gone.
const DefaultTTL = 60 * time.Second

// TokenTTL is how long an issued auth token remains valid.
const TokenTTL = 24 * time.Hour

// Registration is what Register returns: the freshly assigned auth
// token alongside the stored worker record.
type Registration struct {
	Worker taskmodel.Worker
	Token  string
}

// Registry tracks the live worker fleet. Implementations must treat a
// missing or expired entry identically: Get returns taskmodel.ErrNotFound.
type Registry interface {
	// Register creates a new worker entry with a fresh auth token and
	// starts its TTL clock.
	Register(ctx context.Context, name, platform, executorType string, capabilities map[string]bool) (*Registration, error)

	// Heartbeat renews a worker's TTL. Returns taskmodel.ErrNotFound if
	// the worker has already expired or was never registered.
	Heartbeat(ctx context.Context, workerID string) error

	// Get returns the current record for workerID.
	Get(ctx context.Context, workerID string) (*taskmodel.Worker, error)

	// List returns every currently live worker.
	List(ctx context.Context) ([]taskmodel.Worker, error)

	// SetBusy marks a worker busy on a task.
	SetBusy(ctx context.Context, workerID, taskID string) error

	// SetIdle marks a worker idle and clears its current task.
	SetIdle(ctx context.Context, workerID string) error

	// Deregister removes a worker and invalidates its token.
	Deregister(ctx context.Context, workerID string) error

	// ResolveToken maps an auth token back to a worker id. Returns
	// taskmodel.ErrNotFound if the token is invalid or expired.
	ResolveToken(ctx context.Context, token string) (string, error)
}
