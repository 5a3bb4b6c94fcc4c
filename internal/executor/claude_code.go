package executor

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"github.com/forgefleet/conductor/internal/logx"
)

// CommandFactoryFunc builds the *exec.Cmd to run, mirroring the
// teacher's client.CommandFactoryFunc injection point so tests can
// substitute a fake binary instead of shelling out to the real
// agent-coder CLI.
type CommandFactoryFunc func(ctx context.Context, name string, args ...string) *exec.Cmd

func defaultCommandFactory(ctx context.Context, name string, args ...string) *exec.Cmd {
	return exec.CommandContext(ctx, name, args...)
}

// reviewPromptTemplate mirrors claude_code.py's ClaudeCodeExecutor.review
// wrapper: it asks the same underlying CLI invocation used for
// execution to render a verdict instead of making changes.
const reviewPromptTemplate = `Please review the following code changes for task completion:

%s

Response format:
- Start your response with PASS or FAIL
- Explain the reason
`

// ClaudeCodeExecutor drives the Claude Code CLI as the agent-coder
// backing a worker agent. Grounded on
// original_source/worker/src/executors/claude_code.py's
// ClaudeCodeExecutor: same flags, same one-hour timeout, same
// exit-code-is-success rule, same PASS/FAIL review convention.
type ClaudeCodeExecutor struct {
	// Executable is the CLI binary to invoke. Defaults to "claude".
	Executable string
	// WorkspaceDir is the working directory the CLI runs in. It is set
	// once for the executor; every task run by it uses the same directory.
	WorkspaceDir string
	// Timeout bounds a single execute or review call. Defaults to
	// DefaultTimeout.
	Timeout time.Duration
	// NewCommand builds the process to run. Defaults to
	// defaultCommandFactory (a real exec.CommandContext).
	NewCommand CommandFactoryFunc
}

// NewClaudeCodeExecutor builds a ClaudeCodeExecutor rooted at workspaceDir.
func NewClaudeCodeExecutor(workspaceDir string) *ClaudeCodeExecutor {
	return &ClaudeCodeExecutor{
		Executable:   "claude",
		WorkspaceDir: workspaceDir,
		Timeout:      DefaultTimeout,
		NewCommand:   defaultCommandFactory,
	}
}

func (c *ClaudeCodeExecutor) factory() CommandFactoryFunc {
	if c.NewCommand != nil {
		return c.NewCommand
	}
	return defaultCommandFactory
}

func (c *ClaudeCodeExecutor) timeout() time.Duration {
	if c.Timeout > 0 {
		return c.Timeout
	}
	return DefaultTimeout
}

// Execute runs prompt through the CLI with --print
// --dangerously-skip-permissions, the same flags claude_code.py uses
// for a non-interactive, unattended run.
func (c *ClaudeCodeExecutor) Execute(ctx context.Context, prompt, taskID string) (*ExecutionResult, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout())
	defer cancel()

	cmd := c.factory()(ctx, c.Executable, "--print", "--dangerously-skip-permissions", "-p", prompt)
	cmd.Dir = c.WorkspaceDir

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	runErr := cmd.Run()

	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		logx.Warn(logx.CatWorker, "execution timed out", "task_id", taskID)
		return &ExecutionResult{
			Success:      false,
			ErrorMessage: "Execution timed out after 1 hour",
			Stdout:       stdout.String(),
			Stderr:       stderr.String(),
		}, nil
	}

	result := &ExecutionResult{
		Success: runErr == nil,
		Stdout:  stdout.String(),
		Stderr:  stderr.String(),
	}
	if runErr != nil {
		result.ErrorMessage = stderr.String()
		if result.ErrorMessage == "" {
			result.ErrorMessage = runErr.Error()
		}
	}
	return result, nil
}

// Review asks the CLI to judge task output against prompt, deriving
// Passed from whether the trimmed, case-folded response starts with
// "PASS" — exactly claude_code.py's
// `output.strip().upper().startswith("PASS")`.
func (c *ClaudeCodeExecutor) Review(ctx context.Context, prompt, taskID string) (*ReviewResult, error) {
	wrapped := fmt.Sprintf(reviewPromptTemplate, prompt)

	execResult, err := c.Execute(ctx, wrapped, taskID)
	if err != nil {
		return nil, err
	}

	if !execResult.Success {
		return &ReviewResult{
			Passed:       false,
			ErrorMessage: execResult.ErrorMessage,
			Feedback:     execResult.Stdout,
		}, nil
	}

	trimmed := strings.ToUpper(strings.TrimSpace(execResult.Stdout))
	return &ReviewResult{
		Passed:   strings.HasPrefix(trimmed, "PASS"),
		Feedback: execResult.Stdout,
	}, nil
}
