// Package executor implements the Worker Agent's interface to the
// agent-coder CLI process: the thing that actually turns a prompt
// into code changes or a review verdict. Grounded on
// original_source/worker/src/executors/{base,claude_code}.py's
// execute/review contract, with process lifecycle handled the way
// the teacher's SpawnBuilder handles its own subprocess spawn/cleanup
// (internal/orchestration/client/spawn.go) — context-scoped timeout,
// captured stdout/stderr, prompt passed as a CLI argument — simplified to a
// synchronous run-to-completion call since, unlike the teacher's
// interactive session processes, a task execution or review is a
// single request/response round trip with no event stream to parse.
package executor

import (
	"context"
	"time"
)

// DefaultTimeout bounds a single execute or review call, mirroring the
// original's asyncio.wait_for(..., timeout=3600).
const DefaultTimeout = time.Hour

// ExecutionResult is what a coding task run produced.
type ExecutionResult struct {
	Success      bool
	OutputPath   string
	ErrorMessage string
	Stdout       string
	Stderr       string
}

// ReviewResult is a reviewer's verdict on a task's output.
type ReviewResult struct {
	Passed       bool
	Feedback     string
	ErrorMessage string
}

// Executor is the agent-coder CLI invocation contract a worker agent
// drives for its two loops: task execution and QA review.
type Executor interface {
	// Execute runs prompt as a coding task for taskID, returning once
	// the underlying process exits or the executor's timeout elapses.
	Execute(ctx context.Context, prompt, taskID string) (*ExecutionResult, error)

	// Review runs prompt as a code review for taskID.
	Review(ctx context.Context, prompt, taskID string) (*ReviewResult, error)
}
