// Package workeragent implements the Worker Agent: the process that
// registers itself with the Worker Registry, consumes task and QA
// assignments off the Stream Broker, drives an executor.Executor to
// produce results, and reports them back.
//
// Grounded on original_source/worker/src/{consumer,agent}.py: two
// consume loops (task execution, QA review) each pulling one message
// at a time for this worker's own consumer name, a heartbeat loop that
// renews the registry TTL, and always-ack semantics — a message is
// acknowledged whether processing succeeded or failed, since a failed
// execution still produces a valid "failed" result for the PM
// orchestrator to act on. A message whose signed prompt is missing,
// malformed or unverifiable is acked too, after a "prompt signature
// invalid" result is published; only a broker error on consume makes
// a loop try again.
package workeragent

import (
	"context"
	"encoding/json"
	"strconv"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/forgefleet/conductor/internal/broker"
	"github.com/forgefleet/conductor/internal/envelope"
	"github.com/forgefleet/conductor/internal/executor"
	"github.com/forgefleet/conductor/internal/logx"
	"github.com/forgefleet/conductor/internal/orchestration/tracing"
	"github.com/forgefleet/conductor/internal/registry"
)

// tracer emits one span per executed task and per QA review. It is a
// no-op until cmd/worker.go installs a real TracerProvider via
// tracing.NewProvider.
var tracer = otel.Tracer("github.com/forgefleet/conductor/internal/workeragent")

// HeartbeatInterval is how often the agent renews its registry TTL.
// Kept well under registry.DefaultTTL so a single missed beat does not
// cost the worker its registration.
const HeartbeatInterval = 20 * time.Second

// ConsumeBlock is how long each loop blocks waiting for a message
// before looping back to check the stop flag.
const ConsumeBlock = 5 * time.Second

// Agent is one worker process's view of the pipeline: its registry
// identity, the broker it consumes from and publishes results to, the
// executor it drives, and the signer it uses to verify prompts it is
// handed.
type Agent struct {
	WorkerID string
	WorkDir  string

	reg    registry.Registry
	brk    broker.Broker
	exec   executor.Executor
	signer *envelope.Signer

	stopped atomic.Bool
	done    chan struct{}
}

// New builds an Agent identified as workerID.
func New(workerID string, reg registry.Registry, brk broker.Broker, exec executor.Executor, signer *envelope.Signer) *Agent {
	return &Agent{
		WorkerID: workerID,
		reg:      reg,
		brk:      brk,
		exec:     exec,
		signer:   signer,
		done:     make(chan struct{}),
	}
}

// Run starts the task loop, QA loop, and heartbeat loop, blocking
// until ctx is cancelled or Stop is called and all three have exited.
func (a *Agent) Run(ctx context.Context) {
	taskDone := make(chan struct{})
	qaDone := make(chan struct{})
	heartbeatDone := make(chan struct{})

	go func() { defer close(taskDone); a.taskLoop(ctx) }()
	go func() { defer close(qaDone); a.qaLoop(ctx) }()
	go func() { defer close(heartbeatDone); a.heartbeatLoop(ctx) }()

	<-taskDone
	<-qaDone
	<-heartbeatDone

	a.deregister(context.Background())
	close(a.done)
}

// Stop signals all loops to exit after their current iteration.
func (a *Agent) Stop() { a.stopped.Store(true) }

// Done closes once Run has returned.
func (a *Agent) Done() <-chan struct{} { return a.done }

func (a *Agent) deregister(ctx context.Context) {
	if err := a.reg.Deregister(ctx, a.WorkerID); err != nil {
		logx.ErrorErr(logx.CatWorker, "deregister on shutdown", err, "worker_id", a.WorkerID)
	}
}

func (a *Agent) heartbeatLoop(ctx context.Context) {
	ticker := time.NewTicker(HeartbeatInterval)
	defer ticker.Stop()

	for {
		if a.stopped.Load() {
			return
		}
		if err := a.reg.Heartbeat(ctx, a.WorkerID); err != nil {
			logx.ErrorErr(logx.CatWorker, "heartbeat", err, "worker_id", a.WorkerID)
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (a *Agent) taskLoop(ctx context.Context) {
	for {
		if a.stopped.Load() {
			return
		}
		select {
		case <-ctx.Done():
			return
		default:
		}

		msgs, err := a.brk.Consume(ctx, broker.StreamTasksQueue, broker.GroupWorkers, a.WorkerID, 1, ConsumeBlock)
		if err != nil {
			logx.ErrorErr(logx.CatWorker, "consume task queue", err, "worker_id", a.WorkerID)
			continue
		}
		for _, msg := range msgs {
			a.processExecution(ctx, msg)
		}
	}
}

func (a *Agent) qaLoop(ctx context.Context) {
	for {
		if a.stopped.Load() {
			return
		}
		select {
		case <-ctx.Done():
			return
		default:
		}

		msgs, err := a.brk.Consume(ctx, broker.StreamTasksQA, broker.GroupReviewers, a.WorkerID, 1, ConsumeBlock)
		if err != nil {
			logx.ErrorErr(logx.CatWorker, "consume QA queue", err, "worker_id", a.WorkerID)
			continue
		}
		for _, msg := range msgs {
			a.processReview(ctx, msg)
		}
	}
}

func (a *Agent) processExecution(ctx context.Context, msg broker.Message) {
	taskID := msg.Fields["task_id"]

	ctx, span := tracer.Start(ctx, tracing.SpanPrefixWorker+"execute", trace.WithAttributes(
		attribute.String(tracing.AttrTaskID, taskID),
		attribute.String(tracing.AttrWorkerID, a.WorkerID),
	))
	defer span.End()

	prompt, err := a.extractPrompt(msg.Fields["signed_worker_prompt"])
	if err != nil {
		a.publishExecutionResult(ctx, taskID, &executor.ExecutionResult{
			Success:      false,
			ErrorMessage: "prompt signature invalid",
		})
		a.ack(ctx, broker.StreamTasksQueue, broker.GroupWorkers, msg.ID)
		return
	}

	result, err := a.exec.Execute(ctx, prompt, taskID)
	if err != nil {
		logx.ErrorErr(logx.CatWorker, "execute task", err, "task_id", taskID)
		result = &executor.ExecutionResult{Success: false, ErrorMessage: err.Error()}
		span.RecordError(err)
	}
	span.SetAttributes(attribute.Bool(tracing.AttrSuccess, result.Success))

	a.publishExecutionResult(ctx, taskID, result)
	a.ack(ctx, broker.StreamTasksQueue, broker.GroupWorkers, msg.ID)
}

func (a *Agent) processReview(ctx context.Context, msg broker.Message) {
	taskID := msg.Fields["task_id"]

	ctx, span := tracer.Start(ctx, tracing.SpanPrefixWorker+"review", trace.WithAttributes(
		attribute.String(tracing.AttrTaskID, taskID),
		attribute.String(tracing.AttrReviewerID, a.WorkerID),
	))
	defer span.End()

	prompt, err := a.extractPrompt(msg.Fields["signed_qa_prompt"])
	if err != nil {
		a.publishReviewResult(ctx, taskID, &executor.ReviewResult{
			Passed:       false,
			ErrorMessage: "prompt signature invalid",
		})
		a.ack(ctx, broker.StreamTasksQA, broker.GroupReviewers, msg.ID)
		return
	}

	result, err := a.exec.Review(ctx, prompt, taskID)
	if err != nil {
		logx.ErrorErr(logx.CatWorker, "review task", err, "task_id", taskID)
		result = &executor.ReviewResult{Passed: false, ErrorMessage: err.Error()}
		span.RecordError(err)
	}
	span.SetAttributes(attribute.Bool(tracing.AttrSuccess, result.Passed))

	a.publishReviewResult(ctx, taskID, result)
	a.ack(ctx, broker.StreamTasksQA, broker.GroupReviewers, msg.ID)
}

// extractPrompt parses raw as a signed envelope and verifies it. An
// empty field or a signature that does not check out is surfaced as a
// single error so the caller always reports "prompt signature invalid"
// back to the PM rather than leaking which specific check failed.
func (a *Agent) extractPrompt(raw string) (string, error) {
	if raw == "" {
		return "", envelope.ErrMalformed
	}
	var e envelope.Envelope
	if err := json.Unmarshal([]byte(raw), &e); err != nil {
		return "", envelope.ErrMalformed
	}
	return a.signer.ExtractPrompt(&e)
}

func (a *Agent) publishExecutionResult(ctx context.Context, taskID string, result *executor.ExecutionResult) {
	fields := map[string]string{
		"task_id":   taskID,
		"worker_id": a.WorkerID,
		"type":      "execution",
		"success":   strconv.FormatBool(result.Success),
		"stdout":    result.Stdout,
		"stderr":    result.Stderr,
	}
	if result.ErrorMessage != "" {
		fields["error_message"] = result.ErrorMessage
	}
	if result.OutputPath != "" {
		fields["output_path"] = result.OutputPath
	}
	if _, err := a.brk.Publish(ctx, broker.StreamTasksResults, fields); err != nil {
		logx.ErrorErr(logx.CatWorker, "publish execution result", err, "task_id", taskID)
	}
}

func (a *Agent) publishReviewResult(ctx context.Context, taskID string, result *executor.ReviewResult) {
	fields := map[string]string{
		"task_id":   taskID,
		"worker_id": a.WorkerID,
		"type":      "qa",
		"passed":    strconv.FormatBool(result.Passed),
		"feedback":  result.Feedback,
	}
	if result.ErrorMessage != "" {
		fields["error_message"] = result.ErrorMessage
	}
	if _, err := a.brk.Publish(ctx, broker.StreamTasksResults, fields); err != nil {
		logx.ErrorErr(logx.CatWorker, "publish review result", err, "task_id", taskID)
	}
}

func (a *Agent) ack(ctx context.Context, stream, group, messageID string) {
	if err := a.brk.Ack(ctx, stream, group, messageID); err != nil {
		logx.ErrorErr(logx.CatWorker, "ack message", err, "message_id", messageID)
	}
}
