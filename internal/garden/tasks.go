package garden

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// --- Tasks ---

const taskCols = `id, garden_id, zone_id, target_type, target_id, action_type, priority, status,
	label, suggested_date, context, recurrence, photo_requested, completed_via, care_log_id,
	created_at, updated_at`

func scanTask(scanner interface{ Scan(...any) error }) (*Task, error) {
	var t Task
	var photoRequested int
	var createdAt, updatedAt string

	err := scanner.Scan(&t.ID, &t.GardenID, &t.ZoneID, &t.TargetType, &t.TargetID,
		&t.ActionType, &t.Priority, &t.Status, &t.Label, &t.SuggestedDate,
		&t.Context, &t.Recurrence, &photoRequested, &t.CompletedVia, &t.CareLogID,
		&createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}
	t.PhotoRequested = photoRequested == 1
	t.CreatedAt = parseTime(createdAt)
	t.UpdatedAt = parseTime(updatedAt)
	return &t, nil
}

// CreateTask inserts a new pending task.
func (s *Store) CreateTask(ctx context.Context, t *Task) error {
	if t.ID == "" {
		t.ID = NewID()
	}
	if t.Status == "" {
		t.Status = TaskPending
	}
	now := time.Now()
	if t.CreatedAt.IsZero() {
		t.CreatedAt = now
	}
	t.UpdatedAt = now

	photoRequested := 0
	if t.PhotoRequested {
		photoRequested = 1
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO tasks (id, garden_id, zone_id, target_type, target_id, action_type,
			priority, status, label, suggested_date, context, recurrence, photo_requested,
			completed_via, care_log_id, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, t.ID, t.GardenID, t.ZoneID, t.TargetType, t.TargetID, t.ActionType,
		t.Priority, t.Status, t.Label, t.SuggestedDate, t.Context, t.Recurrence, photoRequested,
		t.CompletedVia, t.CareLogID, fmtTime(t.CreatedAt), fmtTime(t.UpdatedAt))
	if err != nil {
		return fmt.Errorf("insert task: %w", err)
	}
	return nil
}

// GetTask retrieves a task scoped to a garden. Returns ErrNotFound when
// the task does not exist in that garden.
func (s *Store) GetTask(ctx context.Context, gardenID, taskID string) (*Task, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+taskCols+` FROM tasks WHERE id = ? AND garden_id = ?
	`, taskID, gardenID)
	t, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("task %s: %w", taskID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get task: %w", err)
	}
	return t, nil
}

// ListTasks returns a garden's tasks, optionally filtered by status,
// newest first.
func (s *Store) ListTasks(ctx context.Context, gardenID string, status TaskStatus) ([]*Task, error) {
	query := `SELECT ` + taskCols + ` FROM tasks WHERE garden_id = ?`
	args := []any{gardenID}
	if status != "" {
		query += ` AND status = ?`
		args = append(args, status)
	}
	query += ` ORDER BY created_at DESC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	defer rows.Close()

	var tasks []*Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		tasks = append(tasks, t)
	}
	return tasks, rows.Err()
}

// CompleteTask transitions a pending task to completed and records
// exactly one care log for it. Both writes happen in a single
// transaction so a crash cannot leave a completed task without its care
// log or an orphaned care log.
//
// Returns ErrNotFound when the task is not in the garden, ErrNotPending
// when it has already reached a terminal state. When reason is empty the
// care log's notes default to "Completed: {label}".
func (s *Store) CompleteTask(ctx context.Context, gardenID, taskID, reason, via string) (*Task, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	row := tx.QueryRowContext(ctx, `
		SELECT `+taskCols+` FROM tasks WHERE id = ? AND garden_id = ?
	`, taskID, gardenID)
	t, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("task %s: %w", taskID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get task: %w", err)
	}
	if t.Status != TaskPending {
		return nil, fmt.Errorf("task %s is %s: %w", taskID, t.Status, ErrNotPending)
	}

	notes := reason
	if notes == "" {
		notes = "Completed: " + t.Label
	}

	log := &CareLog{
		ID:         NewID(),
		GardenID:   gardenID,
		TargetType: t.TargetType,
		TargetID:   t.TargetID,
		ActionType: t.ActionType,
		Notes:      notes,
		LoggedAt:   time.Now(),
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO care_logs (id, garden_id, target_type, target_id, action_type, notes, photo_key, logged_at)
		VALUES (?, ?, ?, ?, ?, ?, '', ?)
	`, log.ID, log.GardenID, log.TargetType, log.TargetID, log.ActionType, log.Notes, fmtTime(log.LoggedAt))
	if err != nil {
		return nil, fmt.Errorf("insert care log: %w", err)
	}

	t.Status = TaskCompleted
	t.CompletedVia = via
	t.CareLogID = log.ID
	t.UpdatedAt = time.Now()

	// The status guard in the WHERE clause makes the terminal transition
	// race-safe even across concurrent callers.
	res, err := tx.ExecContext(ctx, `
		UPDATE tasks SET status = ?, completed_via = ?, care_log_id = ?, updated_at = ?
		WHERE id = ? AND garden_id = ? AND status = ?
	`, TaskCompleted, via, log.ID, fmtTime(t.UpdatedAt), taskID, gardenID, TaskPending)
	if err != nil {
		return nil, fmt.Errorf("update task: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		return nil, fmt.Errorf("task %s: %w", taskID, ErrNotPending)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}
	return t, nil
}

// CancelTask transitions a pending task to cancelled. No care log is
// created. Returns ErrNotFound or ErrNotPending like CompleteTask.
func (s *Store) CancelTask(ctx context.Context, gardenID, taskID string) (*Task, error) {
	t, err := s.GetTask(ctx, gardenID, taskID)
	if err != nil {
		return nil, err
	}
	if t.Status != TaskPending {
		return nil, fmt.Errorf("task %s is %s: %w", taskID, t.Status, ErrNotPending)
	}

	t.Status = TaskCancelled
	t.UpdatedAt = time.Now()

	res, err := s.db.ExecContext(ctx, `
		UPDATE tasks SET status = ?, updated_at = ?
		WHERE id = ? AND garden_id = ? AND status = ?
	`, TaskCancelled, fmtTime(t.UpdatedAt), taskID, gardenID, TaskPending)
	if err != nil {
		return nil, fmt.Errorf("update task: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		return nil, fmt.Errorf("task %s: %w", taskID, ErrNotPending)
	}
	return t, nil
}

// --- Care logs ---

// CreateCareLog inserts a care log, assigning an ID when absent. Care
// logs are never updated after insertion.
func (s *Store) CreateCareLog(ctx context.Context, log *CareLog) error {
	if log.ID == "" {
		log.ID = NewID()
	}
	if log.LoggedAt.IsZero() {
		log.LoggedAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO care_logs (id, garden_id, target_type, target_id, action_type, notes, photo_key, logged_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, log.ID, log.GardenID, log.TargetType, log.TargetID, log.ActionType, log.Notes, log.PhotoKey, fmtTime(log.LoggedAt))
	if err != nil {
		return fmt.Errorf("insert care log: %w", err)
	}
	return nil
}

// ListZoneCareLogsSince returns care logs for a zone and all of its
// plants logged at or after since, newest first.
func (s *Store) ListZoneCareLogsSince(ctx context.Context, zoneID string, since time.Time) ([]*CareLog, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, garden_id, target_type, target_id, action_type, notes, photo_key, logged_at
		FROM care_logs
		WHERE (target_id = ? OR target_id IN (SELECT id FROM plants WHERE zone_id = ?))
		  AND logged_at >= ?
		ORDER BY logged_at DESC
	`, zoneID, zoneID, fmtTime(since))
	if err != nil {
		return nil, fmt.Errorf("list care logs: %w", err)
	}
	defer rows.Close()

	var logs []*CareLog
	for rows.Next() {
		var l CareLog
		var loggedAt string
		if err := rows.Scan(&l.ID, &l.GardenID, &l.TargetType, &l.TargetID, &l.ActionType,
			&l.Notes, &l.PhotoKey, &loggedAt); err != nil {
			return nil, fmt.Errorf("scan care log: %w", err)
		}
		l.LoggedAt = parseTime(loggedAt)
		logs = append(logs, &l)
	}
	return logs, rows.Err()
}

// CountCareLogs returns the number of care logs in a garden. Used by
// tests and the task-completion invariant checks.
func (s *Store) CountCareLogs(ctx context.Context, gardenID string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM care_logs WHERE garden_id = ?`, gardenID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count care logs: %w", err)
	}
	return n, nil
}

// --- Analysis results ---

// CreateAnalysis appends a new analysis result row. Rows are immutable;
// each analysis run inserts its own row.
func (s *Store) CreateAnalysis(ctx context.Context, a *AnalysisResult) error {
	if a.ID == "" {
		a.ID = NewID()
	}
	if a.GeneratedAt.IsZero() {
		a.GeneratedAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO analysis_results (id, garden_id, scope, target_id, result_json, model,
			input_tokens, output_tokens, generated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, a.ID, a.GardenID, a.Scope, a.TargetID, a.ResultJSON, a.Model,
		a.InputTokens, a.OutputTokens, fmtTime(a.GeneratedAt))
	if err != nil {
		return fmt.Errorf("insert analysis result: %w", err)
	}
	return nil
}

// ListAnalyses returns a garden's analysis results, newest first.
func (s *Store) ListAnalyses(ctx context.Context, gardenID string, limit int) ([]*AnalysisResult, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, garden_id, scope, target_id, result_json, model, input_tokens, output_tokens, generated_at
		FROM analysis_results WHERE garden_id = ?
		ORDER BY generated_at DESC LIMIT ?
	`, gardenID, limit)
	if err != nil {
		return nil, fmt.Errorf("list analysis results: %w", err)
	}
	defer rows.Close()

	var results []*AnalysisResult
	for rows.Next() {
		var a AnalysisResult
		var generatedAt string
		if err := rows.Scan(&a.ID, &a.GardenID, &a.Scope, &a.TargetID, &a.ResultJSON,
			&a.Model, &a.InputTokens, &a.OutputTokens, &generatedAt); err != nil {
			return nil, fmt.Errorf("scan analysis result: %w", err)
		}
		a.GeneratedAt = parseTime(generatedAt)
		results = append(results, &a)
	}
	return results, rows.Err()
}
