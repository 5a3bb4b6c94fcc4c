package registry

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/forgefleet/conductor/internal/taskmodel"
)

// MemoryRegistry is an in-process Registry for tests and embedded mode.
// It reproduces TTL expiry with a wall-clock deadline per entry instead
// of relying on a Redis key expiry.
type MemoryRegistry struct {
	mu      sync.Mutex
	ttl     time.Duration
	workers map[string]*memEntry
	tokens  map[string]string // token -> worker id
	now     func() time.Time
}

type memEntry struct {
	worker   taskmodel.Worker
	token    string
	deadline time.Time
}

// NewMemoryRegistry returns an empty registry with the given TTL.
func NewMemoryRegistry(ttl time.Duration) *MemoryRegistry {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &MemoryRegistry{
		ttl:     ttl,
		workers: make(map[string]*memEntry),
		tokens:  make(map[string]string),
		now:     time.Now,
	}
}

func (r *MemoryRegistry) Register(_ context.Context, name, platform, executorType string, capabilities map[string]bool) (*Registration, error) {
	token, err := newToken()
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	w := taskmodel.Worker{
		ID:           uuid.NewString(),
		Name:         name,
		Platform:     platform,
		Capabilities: capabilities,
		ExecutorType: executorType,
		Status:       taskmodel.WorkerIdle,
		Token:        token,
	}

	r.workers[w.ID] = &memEntry{worker: w, token: token, deadline: r.now().Add(r.ttl)}
	r.tokens[token] = w.ID

	return &Registration{Worker: w, Token: token}, nil
}

func (r *MemoryRegistry) Heartbeat(_ context.Context, workerID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.workers[workerID]
	if !ok || r.expired(e) {
		return taskmodel.ErrNotFound
	}
	e.deadline = r.now().Add(r.ttl)
	return nil
}

func (r *MemoryRegistry) Get(_ context.Context, workerID string) (*taskmodel.Worker, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.workers[workerID]
	if !ok || r.expired(e) {
		return nil, taskmodel.ErrNotFound
	}
	w := e.worker
	return &w, nil
}

func (r *MemoryRegistry) List(_ context.Context) ([]taskmodel.Worker, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []taskmodel.Worker
	for _, e := range r.workers {
		if !r.expired(e) {
			out = append(out, e.worker)
		}
	}
	return out, nil
}

func (r *MemoryRegistry) SetBusy(_ context.Context, workerID, taskID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.workers[workerID]
	if !ok || r.expired(e) {
		return taskmodel.ErrNotFound
	}
	e.worker.Status = taskmodel.WorkerBusy
	e.worker.CurrentTaskID = taskID
	return nil
}

func (r *MemoryRegistry) SetIdle(_ context.Context, workerID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.workers[workerID]
	if !ok || r.expired(e) {
		return taskmodel.ErrNotFound
	}
	e.worker.Status = taskmodel.WorkerIdle
	e.worker.CurrentTaskID = ""
	return nil
}

func (r *MemoryRegistry) Deregister(_ context.Context, workerID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.workers[workerID]
	if !ok {
		return nil
	}
	delete(r.tokens, e.token)
	delete(r.workers, workerID)
	return nil
}

func (r *MemoryRegistry) ResolveToken(_ context.Context, token string) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	id, ok := r.tokens[token]
	if !ok {
		return "", taskmodel.ErrNotFound
	}
	if e, ok := r.workers[id]; !ok || r.expired(e) {
		return "", taskmodel.ErrNotFound
	}
	return id, nil
}

func (r *MemoryRegistry) expired(e *memEntry) bool {
	return r.now().After(e.deadline)
}
