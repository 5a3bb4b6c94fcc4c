package executor

import (
	"context"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// fakeCommand builds a shell invocation standing in for the real CLI,
// echoing a fixed response to stdout and exiting with exitCode.
func fakeCommand(stdout string, exitCode int) CommandFactoryFunc {
	return func(ctx context.Context, name string, args ...string) *exec.Cmd {
		script := fmt.Sprintf("printf %s; exit %s", shellQuote(stdout), strconv.Itoa(exitCode))
		return exec.CommandContext(ctx, "sh", "-c", script)
	}
}

func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

func TestClaudeCodeExecutor_Execute_SuccessCapturesStdout(t *testing.T) {
	e := NewClaudeCodeExecutor(t.TempDir())
	e.NewCommand = fakeCommand("changes applied", 0)

	result, err := e.Execute(context.Background(), "do the thing", "task-1")
	require.NoError(t, err)
	require.True(t, result.Success)
	require.Equal(t, "changes applied", result.Stdout)
	require.Empty(t, result.ErrorMessage)
}

func TestClaudeCodeExecutor_Execute_NonZeroExitIsFailure(t *testing.T) {
	e := NewClaudeCodeExecutor(t.TempDir())
	e.NewCommand = func(ctx context.Context, name string, args ...string) *exec.Cmd {
		return exec.CommandContext(ctx, "sh", "-c", "echo boom 1>&2; exit 1")
	}

	result, err := e.Execute(context.Background(), "do the thing", "task-1")
	require.NoError(t, err)
	require.False(t, result.Success)
	require.Contains(t, result.ErrorMessage, "boom")
}

func TestClaudeCodeExecutor_Execute_TimeoutProducesTimeoutMessage(t *testing.T) {
	e := NewClaudeCodeExecutor(t.TempDir())
	e.Timeout = 20 * time.Millisecond
	e.NewCommand = func(ctx context.Context, name string, args ...string) *exec.Cmd {
		return exec.CommandContext(ctx, "sleep", "5")
	}

	result, err := e.Execute(context.Background(), "do the thing", "task-1")
	require.NoError(t, err)
	require.False(t, result.Success)
	require.Equal(t, "Execution timed out after 1 hour", result.ErrorMessage)
}

func TestClaudeCodeExecutor_Review_PassVerdict(t *testing.T) {
	e := NewClaudeCodeExecutor(t.TempDir())
	e.NewCommand = fakeCommand("PASS\nlooks good", 0)

	result, err := e.Review(context.Background(), "review this diff", "task-1")
	require.NoError(t, err)
	require.True(t, result.Passed)
	require.Contains(t, result.Feedback, "looks good")
}

func TestClaudeCodeExecutor_Review_FailVerdict(t *testing.T) {
	e := NewClaudeCodeExecutor(t.TempDir())
	e.NewCommand = fakeCommand("FAIL\nmissing error handling", 0)

	result, err := e.Review(context.Background(), "review this diff", "task-1")
	require.NoError(t, err)
	require.False(t, result.Passed)
	require.Contains(t, result.Feedback, "missing error handling")
}

func TestClaudeCodeExecutor_Review_ExecutionFailureIsNotAPass(t *testing.T) {
	e := NewClaudeCodeExecutor(t.TempDir())
	e.NewCommand = func(ctx context.Context, name string, args ...string) *exec.Cmd {
		return exec.CommandContext(ctx, "sh", "-c", "echo crashed 1>&2; exit 1")
	}

	result, err := e.Review(context.Background(), "review this diff", "task-1")
	require.NoError(t, err)
	require.False(t, result.Passed)
	require.Contains(t, result.ErrorMessage, "crashed")
}
