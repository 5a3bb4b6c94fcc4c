// Package statemachine implements the task state machine: the single
// place allowed to change a Task's status. Every transition is
// validated against a fixed table, recorded in the history ledger,
// applied under optimistic concurrency control, and followed by a
// status-specific side effect and a board event.
package statemachine

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/forgefleet/conductor/internal/boardevents"
	"github.com/forgefleet/conductor/internal/broker"
	"github.com/forgefleet/conductor/internal/envelope"
	"github.com/forgefleet/conductor/internal/gitvcs"
	"github.com/forgefleet/conductor/internal/logx"
	"github.com/forgefleet/conductor/internal/orchestration/tracing"
	"github.com/forgefleet/conductor/internal/taskmodel"
	"github.com/forgefleet/conductor/internal/taskrepo"
)

// tracer emits one span per Transition call. It is a no-op until
// cmd/serve.go or cmd/worker.go installs a real TracerProvider via
// tracing.NewProvider, since otel.Tracer falls back to a no-op
// implementation with no provider set.
var tracer = otel.Tracer("github.com/forgefleet/conductor/internal/statemachine")

// transitions is the closed set of allowed (from, to) pairs. Anything
// not listed here is rejected.
var transitions = map[taskmodel.TaskStatus]map[taskmodel.TaskStatus]struct{}{
	taskmodel.TaskWaiting:    {taskmodel.TaskReady: {}, taskmodel.TaskBlocked: {}},
	taskmodel.TaskReady:      {taskmodel.TaskQueued: {}},
	taskmodel.TaskQueued:     {taskmodel.TaskInProgress: {}},
	taskmodel.TaskInProgress: {taskmodel.TaskReview: {}, taskmodel.TaskRejected: {}},
	taskmodel.TaskReview:     {taskmodel.TaskDone: {}, taskmodel.TaskRejected: {}},
	taskmodel.TaskDone:       {taskmodel.TaskRejected: {}},
	taskmodel.TaskRejected:   {taskmodel.TaskReady: {}},
	taskmodel.TaskBlocked:    {taskmodel.TaskReady: {}},
}

// CanTransition reports whether (from, to) is in the transition table.
func CanTransition(from, to taskmodel.TaskStatus) bool {
	allowed, ok := transitions[from]
	if !ok {
		return false
	}
	_, ok = allowed[to]
	return ok
}

// Extra carries transition-specific side-effect inputs: the assigned
// worker or reviewer id for in_progress/review. The rejection reason
// surfaced as error_message comes from Transition's reason argument.
type Extra struct {
	WorkerID   string
	ReviewerID string
}

// Machine applies transitions. Broker, Signer, Collaborator, and Board
// are all optional: a nil broker/signer/collaborator degrades that one
// side effect to a no-op, matching the "interface only, VCS failure is
// non-blocking" contract in the component design.
type Machine struct {
	repo   *taskrepo.Repository
	brk    broker.Broker
	signer *envelope.Signer
	collab gitvcs.Collaborator
	board  *boardevents.Publisher
	clock  func() time.Time
}

// New builds a Machine. brk, signer, collab, and board may all be nil.
func New(repo *taskrepo.Repository, brk broker.Broker, signer *envelope.Signer, collab gitvcs.Collaborator, board *boardevents.Publisher) *Machine {
	return &Machine{repo: repo, brk: brk, signer: signer, collab: collab, board: board, clock: time.Now}
}

// Transition applies (task.status -> to) for taskID, enforcing
// expectedVersion via optimistic concurrency, then runs to's side
// effect and publishes a board event. It runs inside its own
// transaction: either the whole transition (history + status update +
// side effect's repository writes) commits, or none of it does.
func (m *Machine) Transition(ctx context.Context, taskID string, to taskmodel.TaskStatus, actor, reason string, extra Extra) (_ *taskmodel.Task, err error) {
	ctx, span := tracer.Start(ctx, tracing.SpanPrefixTransition+string(to), trace.WithAttributes(
		attribute.String(tracing.AttrTaskID, taskID),
		attribute.String(tracing.AttrTransitionTo, string(to)),
		attribute.String(tracing.AttrTransitionActor, actor),
	))
	defer func() {
		if err != nil {
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	tx, err := m.repo.BeginTx(ctx)
	if err != nil {
		return nil, err
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()

	task, err := tx.GetTask(ctx, taskID)
	if err != nil {
		return nil, err
	}

	from := task.Status
	span.SetAttributes(attribute.String(tracing.AttrTransitionFrom, string(from)))
	if !CanTransition(from, to) {
		return nil, &taskmodel.InvalidTransitionError{TaskID: taskID, From: from, To: to}
	}

	if err := tx.AppendHistory(ctx, &taskmodel.TaskHistory{
		TaskID: taskID, From: from, To: to, Actor: actor, Reason: reason,
	}); err != nil {
		return nil, err
	}

	expectedVersion := task.Version
	task.Status = to

	// Side effects that mutate this task's own fields (commit hash,
	// started/completed timestamps, assignee) run before the CAS
	// persist below. Cascades that re-evaluate other tasks' dependency
	// sets (done -> promote dependents) must run after: they read this
	// task back through the same transaction, so its new status has to
	// already be written or the dependency check sees stale data.
	if err := m.applyOwnFieldEffect(ctx, task, reason, extra); err != nil {
		return nil, err
	}

	if err := tx.UpdateTaskCAS(ctx, task, expectedVersion); err != nil {
		return nil, err
	}

	if err := m.applyCascadeEffect(ctx, tx.Repository, task); err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	committed = true

	if m.board != nil {
		m.board.Publish(ctx, boardevents.BoardEvent{
			Event: "task_transition", TaskID: taskID, ProjectID: task.ProjectID,
			From: string(from), To: string(to), Actor: actor,
		})
	}

	return task, nil
}

// applyOwnFieldEffect runs the part of to's side effect that only
// mutates task's own fields (or publishes externally) and never needs
// to read another task's freshly-committed status back.
func (m *Machine) applyOwnFieldEffect(ctx context.Context, task *taskmodel.Task, reason string, extra Extra) error {
	switch task.Status {
	case taskmodel.TaskQueued:
		return m.onQueued(ctx, task)
	case taskmodel.TaskInProgress:
		return m.onInProgress(task, extra)
	case taskmodel.TaskReview:
		return m.onReview(ctx, task, extra)
	case taskmodel.TaskDone:
		return m.commitOnDone(ctx, task)
	case taskmodel.TaskRejected:
		return m.revertOnRejected(ctx, task, reason)
	default:
		return nil
	}
}

// applyCascadeEffect runs the part of to's side effect that touches
// other tasks. It must run after task's own CAS update has been written
// in the transaction, since cascadeFromDone re-reads task's status
// through that transaction.
func (m *Machine) applyCascadeEffect(ctx context.Context, repo taskrepo.Repository, task *taskmodel.Task) error {
	switch task.Status {
	case taskmodel.TaskDone:
		return m.cascadeFromDone(ctx, &repo, task.ID)
	case taskmodel.TaskRejected:
		return m.cascadeBlockFromRejected(ctx, &repo, task)
	default:
		return nil
	}
}

func (m *Machine) onQueued(ctx context.Context, task *taskmodel.Task) error {
	if m.brk == nil {
		return nil
	}

	fields := map[string]string{
		"task_id":    task.ID,
		"project_id": task.ProjectID,
		"priority":   string(task.Priority),
		"title":      task.Title,
	}
	if m.signer != nil && task.WorkerPrompt != nil && task.WorkerPrompt.Prompt != "" {
		env, err := m.signer.Sign(task.WorkerPrompt.Prompt)
		if err != nil {
			logx.ErrorErr(logx.CatStateM, "sign worker prompt", err, "task_id", task.ID)
		} else {
			fields["signed_worker_prompt"] = envelopeJSON(env)
		}
	}

	_, err := m.brk.Publish(ctx, broker.StreamTasksQueue, fields)
	return err
}

func (m *Machine) onInProgress(task *taskmodel.Task, extra Extra) error {
	if extra.WorkerID != "" {
		task.WorkerID = extra.WorkerID
	}
	now := m.clock().UTC()
	task.StartedAt = &now
	return nil
}

func (m *Machine) onReview(ctx context.Context, task *taskmodel.Task, extra Extra) error {
	if extra.ReviewerID != "" {
		task.ReviewerID = extra.ReviewerID
	}

	if m.brk == nil {
		return nil
	}

	fields := map[string]string{
		"task_id":    task.ID,
		"project_id": task.ProjectID,
		"title":      task.Title,
	}
	if m.signer != nil && task.QAPrompt != nil && task.QAPrompt.Prompt != "" {
		env, err := m.signer.Sign(task.QAPrompt.Prompt)
		if err != nil {
			logx.ErrorErr(logx.CatStateM, "sign qa prompt", err, "task_id", task.ID)
		} else {
			fields["signed_qa_prompt"] = envelopeJSON(env)
		}
	}

	_, err := m.brk.Publish(ctx, broker.StreamTasksQA, fields)
	return err
}

func (m *Machine) commitOnDone(ctx context.Context, task *taskmodel.Task) error {
	now := m.clock().UTC()
	task.CompletedAt = &now

	if m.collab != nil && task.BranchName != "" {
		hash, err := m.collab.CommitTask(ctx, task.ID, task.Title, task.BranchName)
		if err != nil {
			logx.ErrorErr(logx.CatGit, "commit task", err, "task_id", task.ID)
		} else {
			task.CommitHash = hash
		}
	}
	return nil
}

// cascadeFromDone promotes waiting and blocked dependents of taskID to
// ready once their dependencies are all met. It does not cascade into
// already-done descendants: a later done -> rejected on this task does
// not unwind work built on top of it (see design notes).
func (m *Machine) cascadeFromDone(ctx context.Context, repo *taskrepo.Repository, taskID string) error {
	waiting, err := repo.FindWaitingDependents(ctx, taskID)
	if err != nil {
		return err
	}
	blocked, err := repo.FindBlockedDependents(ctx, taskID)
	if err != nil {
		return err
	}

	for _, dependent := range append(waiting, blocked...) {
		met, err := repo.CheckDependenciesMet(ctx, dependent.ID)
		if err != nil {
			return err
		}
		if !met {
			continue
		}

		if err := repo.AppendHistory(ctx, &taskmodel.TaskHistory{
			TaskID: dependent.ID, From: dependent.Status, To: taskmodel.TaskReady, Actor: "system", Reason: "all dependencies met",
		}); err != nil {
			return err
		}

		d := dependent
		d.Status = taskmodel.TaskReady
		if err := repo.UpdateTaskCAS(ctx, &d, dependent.Version); err != nil {
			return err
		}

		if m.board != nil {
			m.board.Publish(ctx, boardevents.BoardEvent{
				Event: "task_transition", TaskID: dependent.ID, ProjectID: dependent.ProjectID,
				From: string(dependent.Status), To: string(taskmodel.TaskReady), Actor: "system",
			})
		}
	}
	return nil
}

func (m *Machine) revertOnRejected(ctx context.Context, task *taskmodel.Task, reason string) error {
	if reason != "" {
		task.ErrorMessage = reason
	}

	if m.collab != nil && task.CommitHash != "" {
		if err := m.collab.Revert(ctx, task.CommitHash); err != nil {
			logx.ErrorErr(logx.CatGit, "revert task commit", err, "task_id", task.ID)
		} else {
			task.CommitHash = ""
		}
	}
	return nil
}

// cascadeBlockFromRejected marks every waiting dependent of task as
// blocked. Unlike cascadeFromDone, this does not depend on reading
// task's own row back: it unconditionally blocks, regardless of
// whether task's other dependencies (if any) are also met.
func (m *Machine) cascadeBlockFromRejected(ctx context.Context, repo *taskrepo.Repository, task *taskmodel.Task) error {
	waiting, err := repo.FindWaitingDependents(ctx, task.ID)
	if err != nil {
		return err
	}

	for _, dependent := range waiting {
		if err := repo.AppendHistory(ctx, &taskmodel.TaskHistory{
			TaskID: dependent.ID, From: dependent.Status, To: taskmodel.TaskBlocked,
			Actor: "system", Reason: "dependency rejected",
		}); err != nil {
			return err
		}

		d := dependent
		d.Status = taskmodel.TaskBlocked
		if err := repo.UpdateTaskCAS(ctx, &d, dependent.Version); err != nil {
			return err
		}

		if m.board != nil {
			m.board.Publish(ctx, boardevents.BoardEvent{
				Event: "task_transition", TaskID: dependent.ID, ProjectID: dependent.ProjectID,
				From: string(dependent.Status), To: string(taskmodel.TaskBlocked), Actor: "system",
			})
		}
	}
	return nil
}

func envelopeJSON(e *envelope.Envelope) string {
	return fmt.Sprintf(`{"prompt":%q,"signature":%q,"nonce":%q,"timestamp":%d}`,
		e.Prompt, e.Signature, e.Nonce, e.Timestamp)
}
