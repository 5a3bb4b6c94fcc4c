// Package taskrepo is the typed data-access layer over the SQLite
// schema: projects, phases, tasks, their dependency DAG, and the
// append-only task history ledger.
//
// Every write-then-read sequence that the state machine needs to be
// atomic (load task, append history, update status+version) runs
// inside a Tx obtained from BeginTx; the caller commits or rolls back.
package taskrepo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/forgefleet/conductor/internal/taskmodel"
)

// priorityOrderCase mirrors taskmodel.TaskPriority.Rank but is kept local
// so SQL ORDER BY can reference an explicit CASE expression.
const priorityOrderCase = `CASE priority
	WHEN 'critical' THEN 0
	WHEN 'high' THEN 1
	WHEN 'medium' THEN 2
	WHEN 'low' THEN 3
	ELSE 99 END`

// DBTX is satisfied by both *sql.DB and *sql.Tx, letting every
// Repository method run against either.
type DBTX interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Repository is the typed data-access layer described above.
type Repository struct {
	db  DBTX
	raw *sql.DB
}

// New wraps an opened, migrated *sql.DB.
func New(db *sql.DB) *Repository {
	return &Repository{db: db, raw: db}
}

// Tx is a Repository bound to a single transaction.
type Tx struct {
	Repository
	tx *sql.Tx
}

// BeginTx starts a transaction. The caller must Commit or Rollback.
func (r *Repository) BeginTx(ctx context.Context) (*Tx, error) {
	if r.raw == nil {
		return nil, errors.New("taskrepo: BeginTx called on a Repository that is already a transaction")
	}
	tx, err := r.raw.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("taskrepo: begin tx: %w", err)
	}
	return &Tx{Repository: Repository{db: tx}, tx: tx}, nil
}

func (t *Tx) Commit() error   { return t.tx.Commit() }
func (t *Tx) Rollback() error { return t.tx.Rollback() }

// --- Projects ---------------------------------------------------------

func (r *Repository) CreateProject(ctx context.Context, p *taskmodel.Project) error {
	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	p.CreatedAt, p.UpdatedAt = now, now
	if p.Status == "" {
		p.Status = taskmodel.ProjectDesign
	}

	_, err := r.db.ExecContext(ctx, `
		INSERT INTO projects (id, name, description, design_doc_path, repo_path, status, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		p.ID, p.Name, p.Description, p.DesignDocPath, p.RepoPath, string(p.Status), p.CreatedAt, p.UpdatedAt)
	if err != nil {
		return fmt.Errorf("taskrepo: create project: %w", err)
	}
	return nil
}

func (r *Repository) GetProject(ctx context.Context, id string) (*taskmodel.Project, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT id, name, description, design_doc_path, repo_path, status, created_at, updated_at
		FROM projects WHERE id = ?`, id)

	var p taskmodel.Project
	var status string
	err := row.Scan(&p.ID, &p.Name, &p.Description, &p.DesignDocPath, &p.RepoPath, &status, &p.CreatedAt, &p.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, taskmodel.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("taskrepo: get project: %w", err)
	}
	p.Status = taskmodel.ProjectStatus(status)
	return &p, nil
}

// --- Phases ------------------------------------------------------------

func (r *Repository) CreatePhase(ctx context.Context, ph *taskmodel.Phase) error {
	if ph.ID == "" {
		ph.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	ph.CreatedAt, ph.UpdatedAt = now, now
	if ph.Status == "" {
		ph.Status = taskmodel.PhasePending
	}

	_, err := r.db.ExecContext(ctx, `
		INSERT INTO phases (id, project_id, name, description, branch_name, order_index, status, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		ph.ID, ph.ProjectID, ph.Name, ph.Description, ph.BranchName, ph.Order, string(ph.Status), ph.CreatedAt, ph.UpdatedAt)
	if err != nil {
		return fmt.Errorf("taskrepo: create phase: %w", err)
	}
	return nil
}

func (r *Repository) GetPhase(ctx context.Context, id string) (*taskmodel.Phase, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT id, project_id, name, description, branch_name, order_index, status, created_at, updated_at
		FROM phases WHERE id = ?`, id)

	var ph taskmodel.Phase
	var status string
	err := row.Scan(&ph.ID, &ph.ProjectID, &ph.Name, &ph.Description, &ph.BranchName, &ph.Order, &status, &ph.CreatedAt, &ph.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, taskmodel.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("taskrepo: get phase: %w", err)
	}
	ph.Status = taskmodel.PhaseStatus(status)
	return &ph, nil
}

// SetPhaseStatus updates a phase's status.
func (r *Repository) SetPhaseStatus(ctx context.Context, id string, status taskmodel.PhaseStatus) error {
	res, err := r.db.ExecContext(ctx, `UPDATE phases SET status = ?, updated_at = ? WHERE id = ?`,
		string(status), time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("taskrepo: set phase status: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return taskmodel.ErrNotFound
	}
	return nil
}

// --- Tasks ---------------------------------------------------------------

// taskColumns is the fixed select list shared by every task query.
const taskColumns = `id, project_id, phase_id, title, description, status, priority, order_index,
	worker_prompt, qa_prompt, worker_id, reviewer_id, branch_name, commit_hash, version,
	error_message, qa_result, output_path, created_at, updated_at, started_at, completed_at`

func scanTask(scanner interface{ Scan(...any) error }) (*taskmodel.Task, error) {
	var t taskmodel.Task
	var status, priority string
	var workerPromptJSON, qaPromptJSON, qaResultJSON sql.NullString

	err := scanner.Scan(
		&t.ID, &t.ProjectID, &t.PhaseID, &t.Title, &t.Description, &status, &priority, &t.OrderIndex,
		&workerPromptJSON, &qaPromptJSON, &t.WorkerID, &t.ReviewerID, &t.BranchName, &t.CommitHash, &t.Version,
		&t.ErrorMessage, &qaResultJSON, &t.OutputPath, &t.CreatedAt, &t.UpdatedAt, &t.StartedAt, &t.CompletedAt,
	)
	if err != nil {
		return nil, err
	}

	t.Status = taskmodel.TaskStatus(status)
	t.Priority = taskmodel.TaskPriority(priority)

	if workerPromptJSON.Valid {
		var p taskmodel.PromptPayload
		if jerr := json.Unmarshal([]byte(workerPromptJSON.String), &p); jerr == nil {
			t.WorkerPrompt = &p
		}
	}
	if qaPromptJSON.Valid {
		var p taskmodel.PromptPayload
		if jerr := json.Unmarshal([]byte(qaPromptJSON.String), &p); jerr == nil {
			t.QAPrompt = &p
		}
	}
	if qaResultJSON.Valid {
		var qr taskmodel.QAResult
		if jerr := json.Unmarshal([]byte(qaResultJSON.String), &qr); jerr == nil {
			t.QAResult = &qr
		}
	}

	return &t, nil
}

// CreateTask inserts task (assigning an id and InitialStatus if unset)
// and its dependency edges. Callers should have already validated
// dependency existence and acyclicity; CreateTask does not re-check.
func (r *Repository) CreateTask(ctx context.Context, t *taskmodel.Task, dependsOn []string) error {
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	if t.Status == "" {
		t.Status = taskmodel.InitialStatus(dependsOn)
	}
	if t.Priority == "" {
		t.Priority = taskmodel.PriorityMedium
	}
	if t.Version == 0 {
		t.Version = 1
	}
	now := time.Now().UTC()
	t.CreatedAt, t.UpdatedAt = now, now
	t.DependsOn = dependsOn

	workerPromptJSON, err := marshalPtr(t.WorkerPrompt)
	if err != nil {
		return err
	}
	qaPromptJSON, err := marshalPtr(t.QAPrompt)
	if err != nil {
		return err
	}

	_, err = r.db.ExecContext(ctx, `
		INSERT INTO tasks (id, project_id, phase_id, title, description, status, priority, order_index,
			worker_prompt, qa_prompt, worker_id, reviewer_id, branch_name, commit_hash, version,
			error_message, qa_result, output_path, created_at, updated_at, started_at, completed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.ID, t.ProjectID, t.PhaseID, t.Title, t.Description, string(t.Status), string(t.Priority), t.OrderIndex,
		workerPromptJSON, qaPromptJSON, t.WorkerID, t.ReviewerID, t.BranchName, t.CommitHash, t.Version,
		t.ErrorMessage, nil, t.OutputPath, t.CreatedAt, t.UpdatedAt, t.StartedAt, t.CompletedAt)
	if err != nil {
		return fmt.Errorf("taskrepo: create task: %w", err)
	}

	for _, dep := range dependsOn {
		if _, err := r.db.ExecContext(ctx,
			`INSERT INTO task_dependencies (task_id, dependency_id) VALUES (?, ?)`, t.ID, dep); err != nil {
			return fmt.Errorf("taskrepo: insert dependency: %w", err)
		}
	}
	return nil
}

func marshalPtr[T any](v *T) (any, error) {
	if v == nil {
		return nil, nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("taskrepo: marshal: %w", err)
	}
	return string(b), nil
}

// GetTask loads a task by id, including its dependency id list.
func (r *Repository) GetTask(ctx context.Context, id string) (*taskmodel.Task, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = ?`, id)
	t, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, taskmodel.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("taskrepo: get task: %w", err)
	}

	deps, err := r.GetDependencyIDs(ctx, id)
	if err != nil {
		return nil, err
	}
	t.DependsOn = deps
	return t, nil
}

// UpdateTaskCAS persists t's mutable fields, requiring the row's
// current version to equal expectedVersion, then increments version.
// Returns a *taskmodel.VersionConflictError if the check fails.
func (r *Repository) UpdateTaskCAS(ctx context.Context, t *taskmodel.Task, expectedVersion int) error {
	qaResultJSON, err := marshalPtr(t.QAResult)
	if err != nil {
		return err
	}

	t.UpdatedAt = time.Now().UTC()
	newVersion := expectedVersion + 1

	res, err := r.db.ExecContext(ctx, `
		UPDATE tasks SET status = ?, worker_id = ?, reviewer_id = ?, branch_name = ?, commit_hash = ?,
			error_message = ?, qa_result = ?, output_path = ?, updated_at = ?, started_at = ?, completed_at = ?,
			version = ?
		WHERE id = ? AND version = ?`,
		string(t.Status), t.WorkerID, t.ReviewerID, t.BranchName, t.CommitHash,
		t.ErrorMessage, qaResultJSON, t.OutputPath, t.UpdatedAt, t.StartedAt, t.CompletedAt,
		newVersion, t.ID, expectedVersion)
	if err != nil {
		return fmt.Errorf("taskrepo: update task: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("taskrepo: update task rows affected: %w", err)
	}
	if n == 0 {
		current, getErr := r.GetTask(ctx, t.ID)
		actual := -1
		if getErr == nil {
			actual = current.Version
		}
		return &taskmodel.VersionConflictError{TaskID: t.ID, Expected: expectedVersion, Actual: actual}
	}

	t.Version = newVersion
	return nil
}

// AppendHistory inserts one append-only transition record.
func (r *Repository) AppendHistory(ctx context.Context, h *taskmodel.TaskHistory) error {
	extraJSON, err := marshalPtr(&h.Extra)
	if err != nil {
		return err
	}
	if h.Timestamp.IsZero() {
		h.Timestamp = time.Now().UTC()
	}

	_, err = r.db.ExecContext(ctx, `
		INSERT INTO task_history (task_id, from_status, to_status, actor, reason, extra, timestamp)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		h.TaskID, string(h.From), string(h.To), h.Actor, h.Reason, extraJSON, h.Timestamp)
	if err != nil {
		return fmt.Errorf("taskrepo: append history: %w", err)
	}
	return nil
}

// ListHistory returns every history row for taskID, oldest first.
func (r *Repository) ListHistory(ctx context.Context, taskID string) ([]taskmodel.TaskHistory, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, task_id, from_status, to_status, actor, reason, extra, timestamp
		FROM task_history WHERE task_id = ? ORDER BY id ASC`, taskID)
	if err != nil {
		return nil, fmt.Errorf("taskrepo: list history: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []taskmodel.TaskHistory
	for rows.Next() {
		var h taskmodel.TaskHistory
		var from, to string
		var extraJSON sql.NullString
		if err := rows.Scan(&h.ID, &h.TaskID, &from, &to, &h.Actor, &h.Reason, &extraJSON, &h.Timestamp); err != nil {
			return nil, fmt.Errorf("taskrepo: scan history: %w", err)
		}
		h.From, h.To = taskmodel.TaskStatus(from), taskmodel.TaskStatus(to)
		if extraJSON.Valid {
			_ = json.Unmarshal([]byte(extraJSON.String), &h.Extra)
		}
		out = append(out, h)
	}
	return out, rows.Err()
}

// --- Dependency graph ----------------------------------------------------

// ValidateDependenciesExist returns the subset of ids that do not
// correspond to an existing task.
func (r *Repository) ValidateDependenciesExist(ctx context.Context, ids []string) ([]string, error) {
	if len(ids) == 0 {
		return nil, nil
	}

	found := make(map[string]bool, len(ids))
	for _, id := range ids {
		row := r.db.QueryRowContext(ctx, `SELECT id FROM tasks WHERE id = ?`, id)
		var got string
		if err := row.Scan(&got); err == nil {
			found[got] = true
		} else if !errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("taskrepo: validate dependencies: %w", err)
		}
	}

	var missing []string
	for _, id := range ids {
		if !found[id] {
			missing = append(missing, id)
		}
	}
	return missing, nil
}

// GetDependencyIDs returns the dependency ids of taskID.
func (r *Repository) GetDependencyIDs(ctx context.Context, taskID string) ([]string, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT dependency_id FROM task_dependencies WHERE task_id = ?`, taskID)
	if err != nil {
		return nil, fmt.Errorf("taskrepo: get dependency ids: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("taskrepo: scan dependency id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// DetectCycle reports whether adding depends_on edges from newTaskID
// to each of depends_on would introduce a cycle, via iterative DFS
// over the existing dependency graph with newTaskID as the sentinel
// target: any proposed dependency that can reach newTaskID closes a
// loop.
func (r *Repository) DetectCycle(ctx context.Context, newTaskID string, dependsOn []string) (bool, error) {
	for _, start := range dependsOn {
		if start == newTaskID {
			return true, nil
		}

		visited := map[string]bool{}
		stack := []string{start}
		for len(stack) > 0 {
			current := stack[len(stack)-1]
			stack = stack[:len(stack)-1]

			if current == newTaskID {
				return true, nil
			}
			if visited[current] {
				continue
			}
			visited[current] = true

			deps, err := r.GetDependencyIDs(ctx, current)
			if err != nil {
				return false, err
			}
			stack = append(stack, deps...)
		}
	}
	return false, nil
}

// CheckDependenciesMet reports whether every dependency of taskID is done.
func (r *Repository) CheckDependenciesMet(ctx context.Context, taskID string) (bool, error) {
	deps, err := r.GetDependencyIDs(ctx, taskID)
	if err != nil {
		return false, err
	}
	if len(deps) == 0 {
		return true, nil
	}

	for _, dep := range deps {
		t, err := r.GetTask(ctx, dep)
		if err != nil {
			return false, err
		}
		if t.Status != taskmodel.TaskDone {
			return false, nil
		}
	}
	return true, nil
}

// findDependents returns tasks with the given status that list
// taskID among their dependencies.
func (r *Repository) findDependents(ctx context.Context, taskID string, status taskmodel.TaskStatus) ([]taskmodel.Task, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT `+taskColumns+` FROM tasks
		WHERE status = ? AND id IN (
			SELECT task_id FROM task_dependencies WHERE dependency_id = ?
		)`, string(status), taskID)
	if err != nil {
		return nil, fmt.Errorf("taskrepo: find dependents: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []taskmodel.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("taskrepo: scan dependent: %w", err)
		}
		out = append(out, *t)
	}
	return out, rows.Err()
}

// FindWaitingDependents returns waiting tasks that depend on taskID.
func (r *Repository) FindWaitingDependents(ctx context.Context, taskID string) ([]taskmodel.Task, error) {
	return r.findDependents(ctx, taskID, taskmodel.TaskWaiting)
}

// FindBlockedDependents returns blocked tasks that depend on taskID.
func (r *Repository) FindBlockedDependents(ctx context.Context, taskID string) ([]taskmodel.Task, error) {
	return r.findDependents(ctx, taskID, taskmodel.TaskBlocked)
}

// --- Listing & aggregates --------------------------------------------------

// ListReadyByPriority returns every ready task for projectID, ordered
// critical-first then by creation time ascending.
func (r *Repository) ListReadyByPriority(ctx context.Context, projectID string) ([]taskmodel.Task, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT `+taskColumns+` FROM tasks
		WHERE project_id = ? AND status = ?
		ORDER BY `+priorityOrderCase+` ASC, created_at ASC`,
		projectID, string(taskmodel.TaskReady))
	if err != nil {
		return nil, fmt.Errorf("taskrepo: list ready: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []taskmodel.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("taskrepo: scan ready task: %w", err)
		}
		out = append(out, *t)
	}
	return out, rows.Err()
}

// ListWaiting returns every waiting task for projectID, used by the
// orchestrator's startup promote-waiting pass.
func (r *Repository) ListWaiting(ctx context.Context, projectID string) ([]taskmodel.Task, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT `+taskColumns+` FROM tasks WHERE project_id = ? AND status = ?`,
		projectID, string(taskmodel.TaskWaiting))
	if err != nil {
		return nil, fmt.Errorf("taskrepo: list waiting: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []taskmodel.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("taskrepo: scan waiting task: %w", err)
		}
		out = append(out, *t)
	}
	return out, rows.Err()
}

// TaskFilter narrows ListProjectTasks to a subset of a project's tasks.
// Zero-value fields mean "no filter on this dimension".
type TaskFilter struct {
	Status   taskmodel.TaskStatus
	PhaseID  string
	Priority taskmodel.TaskPriority
	Limit    int
	Offset   int
}

// ListProjectTasks returns projectID's tasks matching filter, newest
// first, for the listProjectTasks API operation (spec §6).
func (r *Repository) ListProjectTasks(ctx context.Context, projectID string, filter TaskFilter) ([]taskmodel.Task, error) {
	query := `SELECT ` + taskColumns + ` FROM tasks WHERE project_id = ?`
	args := []any{projectID}

	if filter.Status != "" {
		query += ` AND status = ?`
		args = append(args, string(filter.Status))
	}
	if filter.PhaseID != "" {
		query += ` AND phase_id = ?`
		args = append(args, filter.PhaseID)
	}
	if filter.Priority != "" {
		query += ` AND priority = ?`
		args = append(args, string(filter.Priority))
	}

	query += ` ORDER BY created_at DESC`

	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	query += ` LIMIT ? OFFSET ?`
	args = append(args, limit, filter.Offset)

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("taskrepo: list project tasks: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []taskmodel.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("taskrepo: scan project task: %w", err)
		}
		out = append(out, *t)
	}
	return out, rows.Err()
}

// CountByStatus aggregates task counts by status for a project.
func (r *Repository) CountByStatus(ctx context.Context, projectID string) (map[taskmodel.TaskStatus]int, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT status, COUNT(*) FROM tasks WHERE project_id = ? GROUP BY status`, projectID)
	if err != nil {
		return nil, fmt.Errorf("taskrepo: count by status: %w", err)
	}
	defer func() { _ = rows.Close() }()

	counts := make(map[taskmodel.TaskStatus]int)
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("taskrepo: scan status count: %w", err)
		}
		counts[taskmodel.TaskStatus(status)] = n
	}
	return counts, rows.Err()
}
