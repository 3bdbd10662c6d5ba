// Package journal appends to the per-project processing log, the audit trail
// of everything the pipeline and scheduler did to a project. Entries are only
// ever appended, never rewritten.
package journal

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

type Writer struct {
	DB  *sql.DB
	Now func() time.Time
}

func (w Writer) now() time.Time {
	if w.Now != nil {
		return w.Now()
	}
	return time.Now()
}

// Append writes one log line for the project inside the given transaction.
func (w Writer) Append(ctx context.Context, tx *sql.Tx, projectID, format string, args ...any) error {
	ts := w.now().UTC().Format(time.RFC3339)
	_, err := tx.ExecContext(ctx, `INSERT INTO processing_logs(project_id,ts,message) VALUES (?,?,?)`,
		projectID, ts, fmt.Sprintf(format, args...))
	return err
}

// AppendDirect writes one log line outside any transaction. Used by
// background stages where the log append itself must not abort the stage.
func (w Writer) AppendDirect(ctx context.Context, projectID, format string, args ...any) error {
	ts := w.now().UTC().Format(time.RFC3339)
	_, err := w.DB.ExecContext(ctx, `INSERT INTO processing_logs(project_id,ts,message) VALUES (?,?,?)`,
		projectID, ts, fmt.Sprintf(format, args...))
	return err
}
