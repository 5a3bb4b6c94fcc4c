// Package supervisor owns the live set of per-project PM Orchestrators.
// It replaces a bare global map keyed by project id with a single
// component that is the only mutator of that map, following the
// teacher's internal/orchestration/controlplane.ControlPlane: a
// dedicated owner in front of a concurrent registry, rather than
// scattering map access across every caller that needs an
// orchestrator.
package supervisor

import (
	"context"
	"fmt"
	"sync"

	"github.com/forgefleet/conductor/internal/broker"
	"github.com/forgefleet/conductor/internal/logx"
	"github.com/forgefleet/conductor/internal/pmorchestrator"
	"github.com/forgefleet/conductor/internal/registry"
	"github.com/forgefleet/conductor/internal/statemachine"
	"github.com/forgefleet/conductor/internal/taskrepo"
)

// ErrAlreadyRunning is returned by Start when a project already has a
// running orchestrator.
var ErrAlreadyRunning = fmt.Errorf("supervisor: project already running")

// ErrNotRunning is returned by Stop when a project has no running
// orchestrator.
var ErrNotRunning = fmt.Errorf("supervisor: project not running")

type entry struct {
	orch   *pmorchestrator.Orchestrator
	cancel context.CancelFunc
}

// Supervisor owns every running project's PM Orchestrator. Spec §9's
// design note calls for "a supervisor component owning a concurrent
// map guarded by a mutex" in place of a global mutable orchestrators
// map; this is that component. All reads and writes to the underlying
// map go through Supervisor's own mutex — nothing outside this package
// touches it directly.
type Supervisor struct {
	repo *taskrepo.Repository
	reg  registry.Registry
	sm   *statemachine.Machine
	brk  broker.Broker

	mu       sync.Mutex
	projects map[string]*entry
}

// New builds a Supervisor sharing the given repository, registry,
// state machine, and broker across every project it starts.
func New(repo *taskrepo.Repository, reg registry.Registry, sm *statemachine.Machine, brk broker.Broker) *Supervisor {
	return &Supervisor{
		repo:     repo,
		reg:      reg,
		sm:       sm,
		brk:      brk,
		projects: make(map[string]*entry),
	}
}

// Start launches a PM Orchestrator for projectID if one is not already
// running. consumer is the orchestrator's fixed broker consumer name.
func (s *Supervisor) Start(projectID, consumer string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.projects[projectID]; ok {
		return ErrAlreadyRunning
	}

	orch := pmorchestrator.New(projectID, s.repo, s.reg, s.sm, s.brk, consumer)
	ctx, cancel := context.WithCancel(context.Background())
	s.projects[projectID] = &entry{orch: orch, cancel: cancel}

	go func() {
		orch.Run(ctx)
		s.mu.Lock()
		delete(s.projects, projectID)
		s.mu.Unlock()
	}()

	logx.Info(logx.CatPM, "project orchestrator started", "project_id", projectID)
	return nil
}

// Stop signals projectID's orchestrator to shut down and waits for it
// to finish its current iteration of both loops.
func (s *Supervisor) Stop(projectID string) error {
	s.mu.Lock()
	e, ok := s.projects[projectID]
	s.mu.Unlock()
	if !ok {
		return ErrNotRunning
	}

	e.orch.Stop()
	e.cancel()
	<-e.orch.Done()

	s.mu.Lock()
	if s.projects[projectID] == e {
		delete(s.projects, projectID)
	}
	s.mu.Unlock()

	logx.Info(logx.CatPM, "project orchestrator stopped", "project_id", projectID)
	return nil
}

// Orchestrator returns the live orchestrator for projectID, if any.
func (s *Supervisor) Orchestrator(projectID string) (*pmorchestrator.Orchestrator, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.projects[projectID]
	if !ok {
		return nil, false
	}
	return e.orch, true
}

// Running reports whether projectID currently has a live orchestrator.
func (s *Supervisor) Running(projectID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.projects[projectID]
	return ok
}

// RunningProjects returns the ids of every project with a live
// orchestrator, in no particular order.
func (s *Supervisor) RunningProjects() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]string, 0, len(s.projects))
	for id := range s.projects {
		ids = append(ids, id)
	}
	return ids
}

// Shutdown stops every running project's orchestrator, waiting for
// each to finish before returning.
func (s *Supervisor) Shutdown() {
	for _, id := range s.RunningProjects() {
		if err := s.Stop(id); err != nil {
			logx.ErrorErr(logx.CatPM, "stop project during shutdown", err, "project_id", id)
		}
	}
}
