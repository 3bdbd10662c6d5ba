package repo

import (
	"context"
	"database/sql"

	"mandato/internal/domain"
)

const recordColumns = `id,project_id,execution_type,scheduled_for,executed_at,payment_amount,installment_number,total_installments,status,error_message`

func (r Repo) InsertExecutionRecord(ctx context.Context, tx *sql.Tx, rec domain.ExecutionRecord) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO execution_records(`+recordColumns+`) VALUES (?,?,?,?,?,?,?,?,?,?)`,
		rec.ID, rec.ProjectID, string(rec.ExecutionType), rec.ScheduledFor, nullableStringPtr(rec.ExecutedAt),
		rec.PaymentAmount, rec.InstallmentNumber, rec.TotalInstallments, string(rec.Status),
		nullableStringPtr(rec.ErrorMessage))
	return err
}

func (r Repo) GetExecutionRecord(ctx context.Context, id string) (domain.ExecutionRecord, error) {
	var rec domain.ExecutionRecord
	var execType, status string
	var executedAt, errMsg sql.NullString
	err := r.DB.QueryRowContext(ctx, `SELECT `+recordColumns+` FROM execution_records WHERE id=?`, id).
		Scan(&rec.ID, &rec.ProjectID, &execType, &rec.ScheduledFor, &executedAt, &rec.PaymentAmount,
			&rec.InstallmentNumber, &rec.TotalInstallments, &status, &errMsg)
	if err == sql.ErrNoRows {
		return rec, ErrNotFound
	}
	if err != nil {
		return rec, err
	}
	rec.ExecutionType = domain.ExecutionType(execType)
	rec.Status = domain.ExecutionStatus(status)
	if executedAt.Valid {
		rec.ExecutedAt = &executedAt.String
	}
	if errMsg.Valid {
		rec.ErrorMessage = &errMsg.String
	}
	return rec, nil
}

// ListDueExecutionRecords returns pending records due at or before now,
// strictly ordered ascending by due time so per-project debits stay ordered.
func (r Repo) ListDueExecutionRecords(ctx context.Context, now string, limit int) ([]domain.ExecutionRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	return r.queryRecords(ctx,
		`SELECT `+recordColumns+` FROM execution_records WHERE status=? AND scheduled_for<=? ORDER BY scheduled_for ASC, id ASC LIMIT ?`,
		string(domain.ExecPending), now, limit)
}

func (r Repo) ListExecutionRecords(ctx context.Context, projectID string) ([]domain.ExecutionRecord, error) {
	return r.queryRecords(ctx,
		`SELECT `+recordColumns+` FROM execution_records WHERE project_id=? ORDER BY scheduled_for ASC, id ASC`, projectID)
}

// MarkRecordExecuted moves pending -> executed. Returns false when the record
// was cancelled or already processed, which the sweep treats as "skip".
func (r Repo) MarkRecordExecuted(ctx context.Context, tx *sql.Tx, id, executedAt string) (bool, error) {
	res, err := tx.ExecContext(ctx, `UPDATE execution_records SET status=?, executed_at=? WHERE id=? AND status=?`,
		string(domain.ExecExecuted), executedAt, id, string(domain.ExecPending))
	if err != nil {
		return false, err
	}
	n, _ := res.RowsAffected()
	return n == 1, nil
}

// MarkRecordFailed moves pending -> failed with the error message. Failed
// records are terminal and never retried.
func (r Repo) MarkRecordFailed(ctx context.Context, id, executedAt, errMsg string) (bool, error) {
	res, err := r.DB.ExecContext(ctx, `UPDATE execution_records SET status=?, executed_at=?, error_message=? WHERE id=? AND status=?`,
		string(domain.ExecFailed), executedAt, errMsg, id, string(domain.ExecPending))
	if err != nil {
		return false, err
	}
	n, _ := res.RowsAffected()
	return n == 1, nil
}

// CancelPendingRecords cancels all still-pending records of a project and
// returns how many were cancelled. Records already claimed by a sweep are
// untouched.
func (r Repo) CancelPendingRecords(ctx context.Context, tx *sql.Tx, projectID string) (int64, error) {
	res, err := tx.ExecContext(ctx, `UPDATE execution_records SET status=? WHERE project_id=? AND status=?`,
		string(domain.ExecCancelled), projectID, string(domain.ExecPending))
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (r Repo) queryRecords(ctx context.Context, query string, args ...any) ([]domain.ExecutionRecord, error) {
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.ExecutionRecord
	for rows.Next() {
		var rec domain.ExecutionRecord
		var execType, status string
		var executedAt, errMsg sql.NullString
		if err := rows.Scan(&rec.ID, &rec.ProjectID, &execType, &rec.ScheduledFor, &executedAt, &rec.PaymentAmount,
			&rec.InstallmentNumber, &rec.TotalInstallments, &status, &errMsg); err != nil {
			return nil, err
		}
		rec.ExecutionType = domain.ExecutionType(execType)
		rec.Status = domain.ExecutionStatus(status)
		if executedAt.Valid {
			rec.ExecutedAt = &executedAt.String
		}
		if errMsg.Valid {
			rec.ErrorMessage = &errMsg.String
		}
		res = append(res, rec)
	}
	return res, rows.Err()
}
