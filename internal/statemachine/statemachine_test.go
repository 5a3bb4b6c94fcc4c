package statemachine

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/forgefleet/conductor/internal/boardevents"
	"github.com/forgefleet/conductor/internal/broker"
	"github.com/forgefleet/conductor/internal/envelope"
	"github.com/forgefleet/conductor/internal/gitvcs"
	"github.com/forgefleet/conductor/internal/taskmodel"
	"github.com/forgefleet/conductor/internal/taskrepo"
)

type fixture struct {
	repo   *taskrepo.Repository
	brk    *broker.MemoryBroker
	collab *gitvcs.MockCollaborator
	board  *boardevents.Publisher
	m      *Machine
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	db, err := taskrepo.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	repo := taskrepo.New(db)
	brk := broker.NewMemoryBroker()
	collab := gitvcs.NewMockCollaborator()
	board := boardevents.NewPublisher(brk)
	signer := envelope.NewSigner("test-secret")

	return &fixture{
		repo: repo, brk: brk, collab: collab, board: board,
		m: New(repo, brk, signer, collab, board),
	}
}

func (f *fixture) seedProjectAndPhase(t *testing.T) (string, string) {
	t.Helper()
	ctx := context.Background()

	p := &taskmodel.Project{Name: "demo"}
	require.NoError(t, f.repo.CreateProject(ctx, p))

	ph := &taskmodel.Phase{ProjectID: p.ID, Name: "phase-1", BranchName: "phase-1"}
	require.NoError(t, f.repo.CreatePhase(ctx, ph))

	return p.ID, ph.ID
}

func TestMachine_FullHappyPath(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	projectID, phaseID := f.seedProjectAndPhase(t)

	task := &taskmodel.Task{ProjectID: projectID, PhaseID: phaseID, Title: "build it", BranchName: "phase-1"}
	require.NoError(t, f.repo.CreateTask(ctx, task, nil))
	require.Equal(t, taskmodel.TaskReady, task.Status)

	got, err := f.m.Transition(ctx, task.ID, taskmodel.TaskQueued, "pm", "scheduled", Extra{})
	require.NoError(t, err)
	require.Equal(t, taskmodel.TaskQueued, got.Status)
	require.Equal(t, 2, got.Version)

	got, err = f.m.Transition(ctx, task.ID, taskmodel.TaskInProgress, "worker-1", "picked up", Extra{WorkerID: "worker-1"})
	require.NoError(t, err)
	require.Equal(t, "worker-1", got.WorkerID)
	require.NotNil(t, got.StartedAt)

	got, err = f.m.Transition(ctx, task.ID, taskmodel.TaskReview, "worker-1", "execution done", Extra{ReviewerID: "worker-2"})
	require.NoError(t, err)
	require.Equal(t, "worker-2", got.ReviewerID)

	got, err = f.m.Transition(ctx, task.ID, taskmodel.TaskDone, "worker-2", "qa passed", Extra{})
	require.NoError(t, err)
	require.NotNil(t, got.CompletedAt)
	require.Len(t, f.collab.Commits, 1)
	require.Equal(t, task.ID, f.collab.Commits[0].TaskID)

	hist, err := f.repo.ListHistory(ctx, task.ID)
	require.NoError(t, err)
	require.Len(t, hist, 4)
}

func TestMachine_RejectsInvalidTransition(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	projectID, phaseID := f.seedProjectAndPhase(t)

	task := &taskmodel.Task{ProjectID: projectID, PhaseID: phaseID, Title: "t"}
	require.NoError(t, f.repo.CreateTask(ctx, task, nil))

	_, err := f.m.Transition(ctx, task.ID, taskmodel.TaskDone, "pm", "", Extra{})
	require.Error(t, err)

	var invalid *taskmodel.InvalidTransitionError
	require.ErrorAs(t, err, &invalid)
	require.Equal(t, taskmodel.TaskReady, invalid.From)
	require.Equal(t, taskmodel.TaskDone, invalid.To)
}

func TestMachine_RejectedCascadesBlockedToWaitingDependents(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	projectID, phaseID := f.seedProjectAndPhase(t)

	upstream := &taskmodel.Task{ProjectID: projectID, PhaseID: phaseID, Title: "upstream"}
	require.NoError(t, f.repo.CreateTask(ctx, upstream, nil))

	downstream := &taskmodel.Task{ProjectID: projectID, PhaseID: phaseID, Title: "downstream"}
	require.NoError(t, f.repo.CreateTask(ctx, downstream, []string{upstream.ID}))
	require.Equal(t, taskmodel.TaskWaiting, downstream.Status)

	_, err := f.m.Transition(ctx, upstream.ID, taskmodel.TaskQueued, "pm", "scheduled", Extra{})
	require.NoError(t, err)
	_, err = f.m.Transition(ctx, upstream.ID, taskmodel.TaskInProgress, "worker-1", "", Extra{WorkerID: "worker-1"})
	require.NoError(t, err)
	_, err = f.m.Transition(ctx, upstream.ID, taskmodel.TaskRejected, "worker-1", "execution failed", Extra{})
	require.NoError(t, err)

	got, err := f.repo.GetTask(ctx, downstream.ID)
	require.NoError(t, err)
	require.Equal(t, taskmodel.TaskBlocked, got.Status)

	hist, err := f.repo.ListHistory(ctx, downstream.ID)
	require.NoError(t, err)
	require.Equal(t, "dependency rejected", hist[len(hist)-1].Reason)
}

func TestMachine_DoneCascadesReadyToDependentsWithMetDependencies(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	projectID, phaseID := f.seedProjectAndPhase(t)

	a := &taskmodel.Task{ProjectID: projectID, PhaseID: phaseID, Title: "a"}
	require.NoError(t, f.repo.CreateTask(ctx, a, nil))
	b := &taskmodel.Task{ProjectID: projectID, PhaseID: phaseID, Title: "b"}
	require.NoError(t, f.repo.CreateTask(ctx, b, nil))

	downstream := &taskmodel.Task{ProjectID: projectID, PhaseID: phaseID, Title: "downstream"}
	require.NoError(t, f.repo.CreateTask(ctx, downstream, []string{a.ID, b.ID}))

	advance := func(id string) {
		_, err := f.m.Transition(ctx, id, taskmodel.TaskQueued, "pm", "", Extra{})
		require.NoError(t, err)
		_, err = f.m.Transition(ctx, id, taskmodel.TaskInProgress, "w", "", Extra{WorkerID: "w"})
		require.NoError(t, err)
		_, err = f.m.Transition(ctx, id, taskmodel.TaskReview, "w", "", Extra{ReviewerID: "w2"})
		require.NoError(t, err)
	}

	advance(a.ID)
	_, err := f.m.Transition(ctx, a.ID, taskmodel.TaskDone, "w2", "", Extra{})
	require.NoError(t, err)

	stillWaiting, err := f.repo.GetTask(ctx, downstream.ID)
	require.NoError(t, err)
	require.Equal(t, taskmodel.TaskWaiting, stillWaiting.Status, "one of two dependencies still not done")

	advance(b.ID)
	_, err = f.m.Transition(ctx, b.ID, taskmodel.TaskDone, "w2", "", Extra{})
	require.NoError(t, err)

	nowReady, err := f.repo.GetTask(ctx, downstream.ID)
	require.NoError(t, err)
	require.Equal(t, taskmodel.TaskReady, nowReady.Status, "both dependencies done, should promote to ready")
}

func TestMachine_TransitionFromStaleViewIsRejected(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	projectID, phaseID := f.seedProjectAndPhase(t)

	task := &taskmodel.Task{ProjectID: projectID, PhaseID: phaseID, Title: "t"}
	require.NoError(t, f.repo.CreateTask(ctx, task, nil))

	// Concurrent writer bumps the version out from under us.
	stale := *task
	stale.Status = taskmodel.TaskQueued
	require.NoError(t, f.repo.UpdateTaskCAS(ctx, &stale, task.Version))

	_, err := f.m.Transition(ctx, task.ID, taskmodel.TaskQueued, "pm", "", Extra{})
	require.Error(t, err, "task is already queued; this is now an invalid transition attempt from the caller's stale view")
}

func TestMachine_QueuedPublishesSignedPromptToTaskQueueStream(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	projectID, phaseID := f.seedProjectAndPhase(t)

	task := &taskmodel.Task{
		ProjectID: projectID, PhaseID: phaseID, Title: "t",
		WorkerPrompt: &taskmodel.PromptPayload{Prompt: "build the widget"},
	}
	require.NoError(t, f.repo.CreateTask(ctx, task, nil))

	_, err := f.m.Transition(ctx, task.ID, taskmodel.TaskQueued, "pm", "", Extra{})
	require.NoError(t, err)

	msgs, err := f.brk.Consume(ctx, broker.StreamTasksQueue, "test-group", "test-consumer", 10, 0)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	require.Equal(t, task.ID, msgs[0].Fields["task_id"])
	require.Contains(t, msgs[0].Fields["signed_worker_prompt"], "build the widget")
}

func TestMachine_RejectedRevertsCommitWhenPresent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	projectID, phaseID := f.seedProjectAndPhase(t)

	task := &taskmodel.Task{ProjectID: projectID, PhaseID: phaseID, Title: "t", BranchName: "phase-1"}
	require.NoError(t, f.repo.CreateTask(ctx, task, nil))

	_, err := f.m.Transition(ctx, task.ID, taskmodel.TaskQueued, "pm", "", Extra{})
	require.NoError(t, err)
	_, err = f.m.Transition(ctx, task.ID, taskmodel.TaskInProgress, "w", "", Extra{WorkerID: "w"})
	require.NoError(t, err)
	_, err = f.m.Transition(ctx, task.ID, taskmodel.TaskReview, "w", "", Extra{ReviewerID: "w2"})
	require.NoError(t, err)

	got, err := f.m.Transition(ctx, task.ID, taskmodel.TaskDone, "w2", "", Extra{})
	require.NoError(t, err)
	require.NotEmpty(t, got.CommitHash)

	got, err = f.m.Transition(ctx, task.ID, taskmodel.TaskRejected, "pm", "regression found", Extra{})
	require.NoError(t, err)
	require.Empty(t, got.CommitHash)
	require.Equal(t, "regression found", got.ErrorMessage)
	require.Len(t, f.collab.Reverts, 1)
}
