package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"mandato/internal/domain"
)

// Repo provides project and execution-record persistence over database/sql.
// Every status change is an atomic conditional update ("set status=X where
// status=Y") so concurrent transitions apply at most once.
type Repo struct {
	DB *sql.DB
}

var ErrNotFound = errors.New("not found")

const projectColumns = `id,owner_id,state_id,original_idea,refined_project,analysis_data,population_reaction,status,refinement_attempts,rejection_reason,created_at,approved_at,started_at,completed_at,estimated_completion`

func (r Repo) InsertProject(ctx context.Context, tx *sql.Tx, p domain.Project) error {
	refined, err := marshalNullable(p.RefinedProject)
	if err != nil {
		return err
	}
	analysis, err := marshalNullable(p.AnalysisData)
	if err != nil {
		return err
	}
	reaction, err := marshalNullable(p.PopulationReaction)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO projects(`+projectColumns+`) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		p.ID, p.OwnerID, p.StateID, p.OriginalIdea, refined, analysis, reaction,
		string(p.Status), p.RefinementAttempts, nullableStringPtr(p.RejectionReason), p.CreatedAt,
		nullableStringPtr(p.ApprovedAt), nullableStringPtr(p.StartedAt), nullableStringPtr(p.CompletedAt),
		nullableStringPtr(p.EstimatedCompletion))
	return err
}

func (r Repo) GetProject(ctx context.Context, id string) (domain.Project, error) {
	return scanProject(r.DB.QueryRowContext(ctx, `SELECT `+projectColumns+` FROM projects WHERE id=?`, id))
}

// GetProjectWithLogs loads the project together with its processing log.
func (r Repo) GetProjectWithLogs(ctx context.Context, id string) (domain.Project, error) {
	p, err := r.GetProject(ctx, id)
	if err != nil {
		return p, err
	}
	logs, err := r.ListProcessingLogs(ctx, id)
	if err != nil {
		return p, err
	}
	p.ProcessingLogs = logs
	return p, nil
}

func (r Repo) ListProjectsByOwner(ctx context.Context, ownerID string) ([]domain.Project, error) {
	return r.queryProjects(ctx, `SELECT `+projectColumns+` FROM projects WHERE owner_id=? ORDER BY created_at DESC, id DESC`, ownerID)
}

func (r Repo) ListProjectsByStatus(ctx context.Context, status domain.ProjectStatus) ([]domain.Project, error) {
	return r.queryProjects(ctx, `SELECT `+projectColumns+` FROM projects WHERE status=? ORDER BY created_at DESC, id DESC`, string(status))
}

// CountActiveProjects counts an owner's projects in any non-terminal status.
func (r Repo) CountActiveProjects(ctx context.Context, ownerID string) (int, error) {
	placeholders := make([]string, len(domain.ActiveStatuses))
	args := []any{ownerID}
	for i, s := range domain.ActiveStatuses {
		placeholders[i] = "?"
		args = append(args, string(s))
	}
	query := fmt.Sprintf(`SELECT count(*) FROM projects WHERE owner_id=? AND status IN (%s)`, strings.Join(placeholders, ","))
	var n int
	err := r.DB.QueryRowContext(ctx, query, args...).Scan(&n)
	return n, err
}

// IncrementRefinementAttempts bumps the attempt counter. Called exactly once
// per refinement attempt, before the outcome is known.
func (r Repo) IncrementRefinementAttempts(ctx context.Context, id string) error {
	res, err := r.DB.ExecContext(ctx, `UPDATE projects SET refinement_attempts=refinement_attempts+1 WHERE id=?`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// SetRefinedProject stores the refinement payload while the project is still
// a draft. Returns false if the project left draft in the meantime.
func (r Repo) SetRefinedProject(ctx context.Context, tx *sql.Tx, id string, refined *domain.RefinedProject) (bool, error) {
	payload, err := marshalNullable(refined)
	if err != nil {
		return false, err
	}
	res, err := tx.ExecContext(ctx, `UPDATE projects SET refined_project=? WHERE id=? AND status=?`,
		payload, id, string(domain.StatusDraft))
	if err != nil {
		return false, err
	}
	n, _ := res.RowsAffected()
	return n == 1, nil
}

// CompleteAnalysis stores the analysis payload and moves the project
// draft -> pending_approval in one guarded update.
func (r Repo) CompleteAnalysis(ctx context.Context, tx *sql.Tx, id string, analysis *domain.AnalysisData) (bool, error) {
	payload, err := marshalNullable(analysis)
	if err != nil {
		return false, err
	}
	res, err := tx.ExecContext(ctx, `UPDATE projects SET analysis_data=?, status=? WHERE id=? AND status=? AND refined_project IS NOT NULL`,
		payload, string(domain.StatusPendingApproval), id, string(domain.StatusDraft))
	if err != nil {
		return false, err
	}
	n, _ := res.RowsAffected()
	return n == 1, nil
}

// MarkRejected moves the project to rejected with a reason, only if its
// current status is one of from.
func (r Repo) MarkRejected(ctx context.Context, id, reason string, from ...domain.ProjectStatus) (bool, error) {
	if len(from) == 0 {
		return false, errors.New("rejection requires at least one source status")
	}
	placeholders := make([]string, len(from))
	args := []any{string(domain.StatusRejected), reason, id}
	for i, s := range from {
		placeholders[i] = "?"
		args = append(args, string(s))
	}
	query := fmt.Sprintf(`UPDATE projects SET status=?, rejection_reason=? WHERE id=? AND status IN (%s)`, strings.Join(placeholders, ","))
	res, err := r.DB.ExecContext(ctx, query, args...)
	if err != nil {
		return false, err
	}
	n, _ := res.RowsAffected()
	return n == 1, nil
}

// ApproveProject moves pending_approval -> approved, requiring both pipeline
// payloads to be present. The SQL guard makes concurrent approvals apply once.
func (r Repo) ApproveProject(ctx context.Context, tx *sql.Tx, id, approvedAt string) (bool, error) {
	res, err := tx.ExecContext(ctx, `UPDATE projects SET status=?, approved_at=?
WHERE id=? AND status=? AND refined_project IS NOT NULL AND analysis_data IS NOT NULL`,
		string(domain.StatusApproved), approvedAt, id, string(domain.StatusPendingApproval))
	if err != nil {
		return false, err
	}
	n, _ := res.RowsAffected()
	return n == 1, nil
}

// StartExecution moves approved -> in_execution.
func (r Repo) StartExecution(ctx context.Context, tx *sql.Tx, id, startedAt, estimatedCompletion string) (bool, error) {
	res, err := tx.ExecContext(ctx, `UPDATE projects SET status=?, started_at=?, estimated_completion=? WHERE id=? AND status=?`,
		string(domain.StatusInExecution), startedAt, estimatedCompletion, id, string(domain.StatusApproved))
	if err != nil {
		return false, err
	}
	n, _ := res.RowsAffected()
	return n == 1, nil
}

// CompleteProject moves in_execution -> completed.
func (r Repo) CompleteProject(ctx context.Context, tx *sql.Tx, id, completedAt string) (bool, error) {
	res, err := tx.ExecContext(ctx, `UPDATE projects SET status=?, completed_at=? WHERE id=? AND status=?`,
		string(domain.StatusCompleted), completedAt, id, string(domain.StatusInExecution))
	if err != nil {
		return false, err
	}
	n, _ := res.RowsAffected()
	return n == 1, nil
}

// CancelProject moves any status except completed/cancelled -> cancelled.
func (r Repo) CancelProject(ctx context.Context, tx *sql.Tx, id string) (bool, error) {
	res, err := tx.ExecContext(ctx, `UPDATE projects SET status=? WHERE id=? AND status NOT IN (?,?)`,
		string(domain.StatusCancelled), id,
		string(domain.StatusCompleted), string(domain.StatusCancelled))
	if err != nil {
		return false, err
	}
	n, _ := res.RowsAffected()
	return n == 1, nil
}

// SetPopulationReaction stores the reaction payload. Best-effort data, so no
// status guard beyond project existence.
func (r Repo) SetPopulationReaction(ctx context.Context, id string, reaction *domain.PopulationReaction) error {
	payload, err := marshalNullable(reaction)
	if err != nil {
		return err
	}
	res, err := r.DB.ExecContext(ctx, `UPDATE projects SET population_reaction=? WHERE id=?`, payload, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) ListProcessingLogs(ctx context.Context, projectID string) ([]domain.ProcessingLog, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT ts,message FROM processing_logs WHERE project_id=? ORDER BY id ASC`, projectID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var logs []domain.ProcessingLog
	for rows.Next() {
		var l domain.ProcessingLog
		if err := rows.Scan(&l.TS, &l.Message); err != nil {
			return nil, err
		}
		logs = append(logs, l)
	}
	return logs, rows.Err()
}

func (r Repo) queryProjects(ctx context.Context, query string, args ...any) ([]domain.Project, error) {
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Project
	for rows.Next() {
		p, err := scanProjectRows(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, p)
	}
	return res, rows.Err()
}

func scanProject(row *sql.Row) (domain.Project, error) {
	var p domain.Project
	var refined, analysis, reaction, rejection, approvedAt, startedAt, completedAt, estimated sql.NullString
	var status string
	err := row.Scan(&p.ID, &p.OwnerID, &p.StateID, &p.OriginalIdea, &refined, &analysis, &reaction,
		&status, &p.RefinementAttempts, &rejection, &p.CreatedAt, &approvedAt, &startedAt, &completedAt, &estimated)
	if err == sql.ErrNoRows {
		return p, ErrNotFound
	}
	if err != nil {
		return p, err
	}
	return fillProject(p, status, refined, analysis, reaction, rejection, approvedAt, startedAt, completedAt, estimated)
}

func scanProjectRows(rows *sql.Rows) (domain.Project, error) {
	var p domain.Project
	var refined, analysis, reaction, rejection, approvedAt, startedAt, completedAt, estimated sql.NullString
	var status string
	err := rows.Scan(&p.ID, &p.OwnerID, &p.StateID, &p.OriginalIdea, &refined, &analysis, &reaction,
		&status, &p.RefinementAttempts, &rejection, &p.CreatedAt, &approvedAt, &startedAt, &completedAt, &estimated)
	if err != nil {
		return p, err
	}
	return fillProject(p, status, refined, analysis, reaction, rejection, approvedAt, startedAt, completedAt, estimated)
}

func fillProject(p domain.Project, status string, refined, analysis, reaction, rejection, approvedAt, startedAt, completedAt, estimated sql.NullString) (domain.Project, error) {
	p.Status = domain.ProjectStatus(status)
	if refined.Valid {
		p.RefinedProject = new(domain.RefinedProject)
		if err := json.Unmarshal([]byte(refined.String), p.RefinedProject); err != nil {
			return p, fmt.Errorf("decode refined_project: %w", err)
		}
	}
	if analysis.Valid {
		p.AnalysisData = new(domain.AnalysisData)
		if err := json.Unmarshal([]byte(analysis.String), p.AnalysisData); err != nil {
			return p, fmt.Errorf("decode analysis_data: %w", err)
		}
	}
	if reaction.Valid {
		p.PopulationReaction = new(domain.PopulationReaction)
		if err := json.Unmarshal([]byte(reaction.String), p.PopulationReaction); err != nil {
			return p, fmt.Errorf("decode population_reaction: %w", err)
		}
	}
	if rejection.Valid {
		p.RejectionReason = &rejection.String
	}
	if approvedAt.Valid {
		p.ApprovedAt = &approvedAt.String
	}
	if startedAt.Valid {
		p.StartedAt = &startedAt.String
	}
	if completedAt.Valid {
		p.CompletedAt = &completedAt.String
	}
	if estimated.Valid {
		p.EstimatedCompletion = &estimated.String
	}
	return p, nil
}

func marshalNullable(v any) (any, error) {
	switch t := v.(type) {
	case *domain.RefinedProject:
		if t == nil {
			return nil, nil
		}
	case *domain.AnalysisData:
		if t == nil {
			return nil, nil
		}
	case *domain.PopulationReaction:
		if t == nil {
			return nil, nil
		}
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

func nullableStringPtr(v *string) any {
	if v == nil {
		return nil
	}
	if *v == "" {
		return nil
	}
	return *v
}
