// Package pmorchestrator implements the PM Orchestrator: the per-project
// loop that schedules ready tasks onto idle workers and processes the
// execution/QA results they report back.
//
// Grounded on original_source/backend/src/core/orchestrator.py's
// PMOrchestrator, with one deliberate addition: the scheduling loop
// marks a worker busy as soon as it pairs a task to it (see
// scheduleOnce), rather than leaving every worker "idle" until a
// result arrives. The Python original never calls set_busy at
// schedule time, only on reviewer assignment — which lets the same
// still-idle-looking worker be handed several ready tasks in a single
// 5-second window before any of them reports back. Marking busy here
// closes that gap without changing the scheduling contract: it still
// queues at most len(idle workers) tasks per tick.
package pmorchestrator

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/forgefleet/conductor/internal/broker"
	"github.com/forgefleet/conductor/internal/logx"
	"github.com/forgefleet/conductor/internal/orchestration/tracing"
	"github.com/forgefleet/conductor/internal/registry"
	"github.com/forgefleet/conductor/internal/statemachine"
	"github.com/forgefleet/conductor/internal/taskmodel"
	"github.com/forgefleet/conductor/internal/taskrepo"
)

// tracer emits one span per scheduling tick and per processed result.
// It is a no-op until cmd/serve.go installs a real TracerProvider via
// tracing.NewProvider.
var tracer = otel.Tracer("github.com/forgefleet/conductor/internal/pmorchestrator")

// SchedulingInterval is how often the scheduling loop looks for ready
// tasks and idle workers to pair up.
const SchedulingInterval = 5 * time.Second

// ResultsBlock is how long the results loop blocks waiting for a
// message before looping back to check the stop flag.
const ResultsBlock = 5 * time.Second

// Orchestrator runs the scheduling and results loops for one project.
type Orchestrator struct {
	projectID string
	repo      *taskrepo.Repository
	reg       registry.Registry
	sm        *statemachine.Machine
	brk       broker.Broker
	consumer  string
	stopped   atomic.Bool
	done      chan struct{}
}

// New builds an Orchestrator for projectID. brk is the broker.Broker
// carrying tasks:results; consumer is this orchestrator's fixed
// consumer name within the "pm" group (spec §4.6 uses "pm-0").
func New(projectID string, repo *taskrepo.Repository, reg registry.Registry, sm *statemachine.Machine, brk broker.Broker, consumer string) *Orchestrator {
	return &Orchestrator{
		projectID: projectID, repo: repo, reg: reg, sm: sm, brk: brk, consumer: consumer,
		done: make(chan struct{}),
	}
}

// Run starts the startup promotion pass, then the scheduling and
// results loops, blocking until ctx is cancelled or Stop is called.
// Both loops finish their current iteration before exiting.
func (o *Orchestrator) Run(ctx context.Context) {
	o.promoteWaitingOnce(ctx)

	resultsDone := make(chan struct{})
	go func() {
		defer close(resultsDone)
		o.resultsLoop(ctx)
	}()

	o.schedulingLoop(ctx)
	<-resultsDone
	close(o.done)
}

// Stop signals both loops to exit after their current iteration. It
// does not block; callers that need confirmation should select on
// Done().
func (o *Orchestrator) Stop() {
	o.stopped.Store(true)
}

// Done closes once Run has returned after a Stop or ctx cancellation.
func (o *Orchestrator) Done() <-chan struct{} {
	return o.done
}

// promoteWaitingOnce advances every waiting task whose dependencies
// are already met to ready. Run once at startup: a project can be
// resumed after a restart with tasks that became unblocked while no
// orchestrator was watching.
func (o *Orchestrator) promoteWaitingOnce(ctx context.Context) {
	waiting, err := o.repo.ListWaiting(ctx, o.projectID)
	if err != nil {
		logx.ErrorErr(logx.CatPM, "list waiting tasks at startup", err, "project_id", o.projectID)
		return
	}

	for _, task := range waiting {
		met, err := o.repo.CheckDependenciesMet(ctx, task.ID)
		if err != nil {
			logx.ErrorErr(logx.CatPM, "check dependencies met", err, "task_id", task.ID)
			continue
		}
		if !met {
			continue
		}
		if _, err := o.sm.Transition(ctx, task.ID, taskmodel.TaskReady, "system", "all dependencies met", statemachine.Extra{}); err != nil {
			logx.ErrorErr(logx.CatPM, "promote waiting task", err, "task_id", task.ID)
		}
	}
}

// ScheduleNow runs one scheduling pass immediately, outside the regular
// tick, for the PM API's queueNext operation (spec §6).
func (o *Orchestrator) ScheduleNow(ctx context.Context) {
	o.scheduleOnce(ctx)
}

// PromoteWaitingNow runs one promote-waiting pass immediately, for the
// PM API's promoteWaiting operation (spec §6).
func (o *Orchestrator) PromoteWaitingNow(ctx context.Context) {
	o.promoteWaitingOnce(ctx)
}

func (o *Orchestrator) schedulingLoop(ctx context.Context) {
	ticker := time.NewTicker(SchedulingInterval)
	defer ticker.Stop()

	for {
		if o.stopped.Load() {
			return
		}

		o.scheduleOnce(ctx)

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (o *Orchestrator) scheduleOnce(ctx context.Context) {
	ctx, span := tracer.Start(ctx, tracing.SpanPrefixScheduling+"tick", trace.WithAttributes(
		attribute.String(tracing.AttrProjectID, o.projectID),
	))
	defer span.End()

	ready, err := o.repo.ListReadyByPriority(ctx, o.projectID)
	if err != nil {
		logx.ErrorErr(logx.CatPM, "list ready tasks", err, "project_id", o.projectID)
		return
	}
	if len(ready) == 0 {
		return
	}

	workers, err := o.reg.List(ctx)
	if err != nil {
		logx.ErrorErr(logx.CatPM, "list workers", err, "project_id", o.projectID)
		return
	}

	var idle []taskmodel.Worker
	for _, w := range workers {
		if w.Status == taskmodel.WorkerIdle {
			idle = append(idle, w)
		}
	}

	n := len(ready)
	if len(idle) < n {
		n = len(idle)
	}

	for i := 0; i < n; i++ {
		task, worker := ready[i], idle[i]
		if _, err := o.sm.Transition(ctx, task.ID, taskmodel.TaskQueued, "pm", "scheduled by pm", statemachine.Extra{}); err != nil {
			logx.ErrorErr(logx.CatPM, "transition task to queued", err, "task_id", task.ID)
			continue
		}
		if err := o.reg.SetBusy(ctx, worker.ID, task.ID); err != nil {
			logx.ErrorErr(logx.CatPM, "mark worker busy", err, "worker_id", worker.ID)
		}
	}

	span.SetAttributes(
		attribute.Int(tracing.AttrReadyCount, len(ready)),
		attribute.Int(tracing.AttrIdleCount, len(idle)),
		attribute.Int(tracing.AttrPairedCount, n),
	)
}

func (o *Orchestrator) resultsLoop(ctx context.Context) {
	for {
		if o.stopped.Load() {
			return
		}
		select {
		case <-ctx.Done():
			return
		default:
		}

		msgs, err := o.brk.Consume(ctx, broker.StreamTasksResults, broker.GroupPM, o.consumer, 10, ResultsBlock)
		if err != nil {
			logx.ErrorErr(logx.CatPM, "consume results", err, "project_id", o.projectID)
			continue
		}

		for _, msg := range msgs {
			if err := o.processResult(ctx, msg.Fields); err != nil {
				logx.ErrorErr(logx.CatPM, "process result", err, "message_id", msg.ID)
				continue // do not ack: state-machine transitions are idempotent-safe to retry
			}
			if err := o.brk.Ack(ctx, broker.StreamTasksResults, broker.GroupPM, msg.ID); err != nil {
				logx.ErrorErr(logx.CatPM, "ack result message", err, "message_id", msg.ID)
			}
		}
	}
}

func (o *Orchestrator) processResult(ctx context.Context, fields map[string]string) (err error) {
	taskID := fields["task_id"]
	workerID := fields["worker_id"]
	resultType := fields["type"]
	if resultType == "" {
		resultType = "execution"
	}

	ctx, span := tracer.Start(ctx, tracing.SpanPrefixScheduling+"process_result", trace.WithAttributes(
		attribute.String(tracing.AttrTaskID, taskID),
		attribute.String(tracing.AttrWorkerID, workerID),
		attribute.String(tracing.AttrResultType, resultType),
	))
	defer func() {
		if err != nil {
			span.RecordError(err)
		}
		span.End()
	}()

	switch resultType {
	case "execution":
		return o.processExecutionResult(ctx, taskID, workerID, fields)
	case "qa":
		return o.processQAResult(ctx, taskID, workerID, fields)
	default:
		return fmt.Errorf("pmorchestrator: unknown result type %q", resultType)
	}
}

func (o *Orchestrator) processExecutionResult(ctx context.Context, taskID, workerID string, fields map[string]string) error {
	if fields["success"] == "true" {
		return o.assignReviewer(ctx, taskID, workerID)
	}

	reason := "Execution failed: " + fields["error_message"]
	if _, err := o.sm.Transition(ctx, taskID, taskmodel.TaskRejected, "pm", reason, statemachine.Extra{}); err != nil {
		return err
	}
	if workerID != "" {
		if err := o.reg.SetIdle(ctx, workerID); err != nil {
			logx.ErrorErr(logx.CatPM, "set worker idle", err, "worker_id", workerID)
		}
	}
	return nil
}

func (o *Orchestrator) processQAResult(ctx context.Context, taskID, workerID string, fields map[string]string) error {
	if fields["passed"] == "true" {
		if _, err := o.sm.Transition(ctx, taskID, taskmodel.TaskDone, "pm", "QA passed", statemachine.Extra{}); err != nil {
			return err
		}
	} else {
		reason := "QA failed: " + fields["feedback"]
		if _, err := o.sm.Transition(ctx, taskID, taskmodel.TaskRejected, "pm", reason, statemachine.Extra{}); err != nil {
			return err
		}
	}
	if workerID != "" {
		if err := o.reg.SetIdle(ctx, workerID); err != nil {
			logx.ErrorErr(logx.CatPM, "set worker idle", err, "worker_id", workerID)
		}
	}
	return nil
}

// assignReviewer picks the first idle worker other than executorID and
// transitions the task to review. If none are available it returns nil,
// so the result message is acked and the task stays in_progress. No
// later pass assigns a reviewer to such a task: the scheduling loop only
// looks at ready tasks, and this path runs only for a new execution
// result.
func (o *Orchestrator) assignReviewer(ctx context.Context, taskID, executorID string) error {
	workers, err := o.reg.List(ctx)
	if err != nil {
		return err
	}

	var reviewer *taskmodel.Worker
	for i := range workers {
		w := workers[i]
		if w.ID != executorID && w.Status == taskmodel.WorkerIdle {
			reviewer = &w
			break
		}
	}
	if reviewer == nil {
		return nil
	}

	if _, err := o.sm.Transition(ctx, taskID, taskmodel.TaskReview, "pm", "assigned reviewer", statemachine.Extra{ReviewerID: reviewer.ID}); err != nil {
		return err
	}
	return o.reg.SetBusy(ctx, reviewer.ID, taskID)
}
