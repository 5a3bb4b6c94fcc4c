package pmorchestrator

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/forgefleet/conductor/internal/boardevents"
	"github.com/forgefleet/conductor/internal/broker"
	"github.com/forgefleet/conductor/internal/envelope"
	"github.com/forgefleet/conductor/internal/gitvcs"
	"github.com/forgefleet/conductor/internal/registry"
	"github.com/forgefleet/conductor/internal/statemachine"
	"github.com/forgefleet/conductor/internal/taskmodel"
	"github.com/forgefleet/conductor/internal/taskrepo"
)

type fixture struct {
	repo *taskrepo.Repository
	reg  *registry.MemoryRegistry
	brk  *broker.MemoryBroker
	sm   *statemachine.Machine
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	db, err := taskrepo.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	repo := taskrepo.New(db)
	brk := broker.NewMemoryBroker()
	reg := registry.NewMemoryRegistry(0)
	board := boardevents.NewPublisher(brk)
	sm := statemachine.New(repo, brk, envelope.NewSigner("s"), gitvcs.NewMockCollaborator(), board)

	return &fixture{repo: repo, reg: reg, brk: brk, sm: sm}
}

func (f *fixture) seedProjectAndPhase(t *testing.T) (string, string) {
	t.Helper()
	ctx := context.Background()

	p := &taskmodel.Project{Name: "demo"}
	require.NoError(t, f.repo.CreateProject(ctx, p))

	ph := &taskmodel.Phase{ProjectID: p.ID, Name: "phase-1"}
	require.NoError(t, f.repo.CreatePhase(ctx, ph))

	return p.ID, ph.ID
}

func TestOrchestrator_ScheduleOnce_PairsReadyTasksWithIdleWorkers(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	projectID, phaseID := f.seedProjectAndPhase(t)

	a := &taskmodel.Task{ProjectID: projectID, PhaseID: phaseID, Title: "a", Priority: taskmodel.PriorityCritical}
	require.NoError(t, f.repo.CreateTask(ctx, a, nil))
	b := &taskmodel.Task{ProjectID: projectID, PhaseID: phaseID, Title: "b", Priority: taskmodel.PriorityLow}
	require.NoError(t, f.repo.CreateTask(ctx, b, nil))

	reg1, err := f.reg.Register(ctx, "w1", "linux", "claude-code", nil)
	require.NoError(t, err)

	o := New(projectID, f.repo, f.reg, f.sm, f.brk, "pm-0")
	o.scheduleOnce(ctx)

	got, err := f.repo.GetTask(ctx, a.ID)
	require.NoError(t, err)
	require.Equal(t, taskmodel.TaskQueued, got.Status, "only one idle worker; the higher-priority task should be scheduled")

	stillReady, err := f.repo.GetTask(ctx, b.ID)
	require.NoError(t, err)
	require.Equal(t, taskmodel.TaskReady, stillReady.Status)

	worker, err := f.reg.Get(ctx, reg1.Worker.ID)
	require.NoError(t, err)
	require.Equal(t, taskmodel.WorkerBusy, worker.Status)
	require.Equal(t, a.ID, worker.CurrentTaskID)
}

func TestOrchestrator_ProcessExecutionSuccess_AssignsReviewer(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	projectID, phaseID := f.seedProjectAndPhase(t)

	task := &taskmodel.Task{ProjectID: projectID, PhaseID: phaseID, Title: "t"}
	require.NoError(t, f.repo.CreateTask(ctx, task, nil))
	_, err := f.sm.Transition(ctx, task.ID, taskmodel.TaskQueued, "pm", "", statemachine.Extra{})
	require.NoError(t, err)
	_, err = f.sm.Transition(ctx, task.ID, taskmodel.TaskInProgress, "w1", "", statemachine.Extra{WorkerID: "w1"})
	require.NoError(t, err)

	executorReg, err := f.reg.Register(ctx, "w1", "linux", "claude-code", nil)
	require.NoError(t, err)
	require.NoError(t, f.reg.SetBusy(ctx, executorReg.Worker.ID, task.ID))

	reviewerReg, err := f.reg.Register(ctx, "w2", "linux", "claude-code", nil)
	require.NoError(t, err)

	o := New(projectID, f.repo, f.reg, f.sm, f.brk, "pm-0")
	err = o.processResult(ctx, map[string]string{
		"task_id": task.ID, "worker_id": executorReg.Worker.ID, "type": "execution", "success": "true",
	})
	require.NoError(t, err)

	got, err := f.repo.GetTask(ctx, task.ID)
	require.NoError(t, err)
	require.Equal(t, taskmodel.TaskReview, got.Status)
	require.Equal(t, reviewerReg.Worker.ID, got.ReviewerID)

	reviewer, err := f.reg.Get(ctx, reviewerReg.Worker.ID)
	require.NoError(t, err)
	require.Equal(t, taskmodel.WorkerBusy, reviewer.Status)
}

func TestOrchestrator_ProcessExecutionFailure_RejectsAndFreesWorker(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	projectID, phaseID := f.seedProjectAndPhase(t)

	task := &taskmodel.Task{ProjectID: projectID, PhaseID: phaseID, Title: "t"}
	require.NoError(t, f.repo.CreateTask(ctx, task, nil))
	_, err := f.sm.Transition(ctx, task.ID, taskmodel.TaskQueued, "pm", "", statemachine.Extra{})
	require.NoError(t, err)
	_, err = f.sm.Transition(ctx, task.ID, taskmodel.TaskInProgress, "w1", "", statemachine.Extra{WorkerID: "w1"})
	require.NoError(t, err)

	workerReg, err := f.reg.Register(ctx, "w1", "linux", "claude-code", nil)
	require.NoError(t, err)
	require.NoError(t, f.reg.SetBusy(ctx, workerReg.Worker.ID, task.ID))

	o := New(projectID, f.repo, f.reg, f.sm, f.brk, "pm-0")
	err = o.processResult(ctx, map[string]string{
		"task_id": task.ID, "worker_id": workerReg.Worker.ID, "type": "execution",
		"success": "false", "error_message": "compile error",
	})
	require.NoError(t, err)

	got, err := f.repo.GetTask(ctx, task.ID)
	require.NoError(t, err)
	require.Equal(t, taskmodel.TaskRejected, got.Status)
	require.Equal(t, "Execution failed: compile error", got.ErrorMessage)

	worker, err := f.reg.Get(ctx, workerReg.Worker.ID)
	require.NoError(t, err)
	require.Equal(t, taskmodel.WorkerIdle, worker.Status)
}

func TestOrchestrator_ProcessQAPassed_MarksDone(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	projectID, phaseID := f.seedProjectAndPhase(t)

	task := &taskmodel.Task{ProjectID: projectID, PhaseID: phaseID, Title: "t"}
	require.NoError(t, f.repo.CreateTask(ctx, task, nil))
	_, err := f.sm.Transition(ctx, task.ID, taskmodel.TaskQueued, "pm", "", statemachine.Extra{})
	require.NoError(t, err)
	_, err = f.sm.Transition(ctx, task.ID, taskmodel.TaskInProgress, "w1", "", statemachine.Extra{WorkerID: "w1"})
	require.NoError(t, err)
	_, err = f.sm.Transition(ctx, task.ID, taskmodel.TaskReview, "w1", "", statemachine.Extra{ReviewerID: "w2"})
	require.NoError(t, err)

	reviewerReg, err := f.reg.Register(ctx, "w2", "linux", "claude-code", nil)
	require.NoError(t, err)
	require.NoError(t, f.reg.SetBusy(ctx, reviewerReg.Worker.ID, task.ID))

	o := New(projectID, f.repo, f.reg, f.sm, f.brk, "pm-0")
	err = o.processResult(ctx, map[string]string{
		"task_id": task.ID, "worker_id": reviewerReg.Worker.ID, "type": "qa", "passed": "true",
	})
	require.NoError(t, err)

	got, err := f.repo.GetTask(ctx, task.ID)
	require.NoError(t, err)
	require.Equal(t, taskmodel.TaskDone, got.Status)

	reviewer, err := f.reg.Get(ctx, reviewerReg.Worker.ID)
	require.NoError(t, err)
	require.Equal(t, taskmodel.WorkerIdle, reviewer.Status)
}

func TestOrchestrator_ProcessQAFailed_Rejects(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	projectID, phaseID := f.seedProjectAndPhase(t)

	task := &taskmodel.Task{ProjectID: projectID, PhaseID: phaseID, Title: "t"}
	require.NoError(t, f.repo.CreateTask(ctx, task, nil))
	_, err := f.sm.Transition(ctx, task.ID, taskmodel.TaskQueued, "pm", "", statemachine.Extra{})
	require.NoError(t, err)
	_, err = f.sm.Transition(ctx, task.ID, taskmodel.TaskInProgress, "w1", "", statemachine.Extra{WorkerID: "w1"})
	require.NoError(t, err)
	_, err = f.sm.Transition(ctx, task.ID, taskmodel.TaskReview, "w1", "", statemachine.Extra{ReviewerID: "w2"})
	require.NoError(t, err)

	o := New(projectID, f.repo, f.reg, f.sm, f.brk, "pm-0")
	err = o.processResult(ctx, map[string]string{
		"task_id": task.ID, "worker_id": "w2", "type": "qa", "passed": "false", "feedback": "missing tests",
	})
	require.NoError(t, err)

	got, err := f.repo.GetTask(ctx, task.ID)
	require.NoError(t, err)
	require.Equal(t, taskmodel.TaskRejected, got.Status)
	require.Equal(t, "QA failed: missing tests", got.ErrorMessage)
}

func TestOrchestrator_PromoteWaitingOnce_AdvancesMetDependencies(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	projectID, phaseID := f.seedProjectAndPhase(t)

	dep := &taskmodel.Task{ProjectID: projectID, PhaseID: phaseID, Title: "dep"}
	require.NoError(t, f.repo.CreateTask(ctx, dep, nil))
	dep.Status = taskmodel.TaskDone
	require.NoError(t, f.repo.UpdateTaskCAS(ctx, dep, 1))

	waiter := &taskmodel.Task{ProjectID: projectID, PhaseID: phaseID, Title: "waiter"}
	require.NoError(t, f.repo.CreateTask(ctx, waiter, []string{dep.ID}))
	require.Equal(t, taskmodel.TaskWaiting, waiter.Status)

	o := New(projectID, f.repo, f.reg, f.sm, f.brk, "pm-0")
	o.promoteWaitingOnce(ctx)

	got, err := f.repo.GetTask(ctx, waiter.ID)
	require.NoError(t, err)
	require.Equal(t, taskmodel.TaskReady, got.Status)
}

func TestOrchestrator_RunAndStop_ExitsPromptly(t *testing.T) {
	f := newFixture(t)
	projectID, _ := f.seedProjectAndPhase(t)

	o := New(projectID, f.repo, f.reg, f.sm, f.brk, "pm-0")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go o.Run(ctx)

	time.Sleep(20 * time.Millisecond)
	o.Stop()
	cancel()

	select {
	case <-o.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("orchestrator did not stop in time")
	}
}
