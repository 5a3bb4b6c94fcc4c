// Package gitvcs implements the Git Collaborator: the thin
// phase-branch / task-commit mapping the state machine's side effects
// call into. VCS failures are never fatal to task-state progression —
// callers log and continue; see ErrVcs's doc comment.
package gitvcs

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
)

// ErrVcs wraps every failure a Collaborator call can produce. Callers
// in the state machine's side-effect layer treat it as non-blocking:
// they log and continue rather than aborting the transition.
var ErrVcs = errors.New("vcs error")

// Collaborator is the git automation surface the task state machine
// drives: a Phase maps to a branch, a Task maps to a commit.
type Collaborator interface {
	// CreateBranch creates and checks out a new branch for a phase.
	CreateBranch(ctx context.Context, name string) error

	// CommitTask checks out branch, stages all changes, and commits
	// them with a message derived from taskID and title. Returns the
	// new commit hash.
	CommitTask(ctx context.Context, taskID, title, branch string) (string, error)

	// Revert reverts hash with a new commit (--no-edit), used when a
	// task is rejected after already being committed.
	Revert(ctx context.Context, hash string) error

	// MergePhase merges branch into target with --no-ff, used when a
	// phase completes.
	MergePhase(ctx context.Context, branch, target string) error
}

// RealCollaborator shells out to the system git binary against a
// fixed repository path, mirroring the original git_ops automation:
// checkout -b for phase branches, checkout+add+commit for tasks,
// revert --no-edit for rejections, merge --no-ff for phase completion.
type RealCollaborator struct {
	repoPath string
}

var _ Collaborator = (*RealCollaborator)(nil)

// NewRealCollaborator returns a Collaborator operating against repoPath.
func NewRealCollaborator(repoPath string) *RealCollaborator {
	return &RealCollaborator{repoPath: repoPath}
}

func (c *RealCollaborator) CreateBranch(ctx context.Context, name string) error {
	_, err := c.run(ctx, "checkout", "-b", name)
	return err
}

func (c *RealCollaborator) CommitTask(ctx context.Context, taskID, title, branch string) (string, error) {
	if _, err := c.run(ctx, "checkout", branch); err != nil {
		return "", err
	}
	if _, err := c.run(ctx, "add", "."); err != nil {
		return "", err
	}

	message := fmt.Sprintf("feat(task-%s): %s", taskID, title)
	if _, err := c.run(ctx, "commit", "-m", message, "--allow-empty"); err != nil {
		return "", err
	}

	hash, err := c.run(ctx, "rev-parse", "HEAD")
	if err != nil {
		return "", err
	}
	return hash, nil
}

func (c *RealCollaborator) Revert(ctx context.Context, hash string) error {
	if hash == "" {
		return nil
	}
	_, err := c.run(ctx, "revert", "--no-edit", hash)
	return err
}

func (c *RealCollaborator) MergePhase(ctx context.Context, branch, target string) error {
	if _, err := c.run(ctx, "checkout", target); err != nil {
		return err
	}
	_, err := c.run(ctx, "merge", branch, "--no-ff")
	return err
}

func (c *RealCollaborator) run(ctx context.Context, args ...string) (string, error) {
	fullArgs := append([]string{"-C", c.repoPath}, args...)
	//nolint:gosec // G204: args are fixed subcommands with caller-controlled refs, not shell input
	cmd := exec.CommandContext(ctx, "git", fullArgs...)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		msg := strings.TrimSpace(stderr.String())
		if msg == "" {
			msg = err.Error()
		}
		return "", fmt.Errorf("%w: git %s: %s", ErrVcs, strings.Join(args, " "), msg)
	}
	return strings.TrimSpace(stdout.String()), nil
}
