// Package scheduler owns deferred execution: it creates the execution records
// a project's start schedules and sweeps due records against the state ledger.
package scheduler

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"mandato/internal/domain"
	"mandato/internal/journal"
	"mandato/internal/ledger"
	"mandato/internal/repo"
)

// Scheduler sweeps pending execution records whose scheduled_for has passed.
// A mutex serializes runs so the ticker and a manually triggered sweep never
// process the same record twice.
type Scheduler struct {
	DB            *sql.DB
	Repo          repo.Repo
	Journal       journal.Writer
	Ledger        ledger.Ledger
	SweepInterval time.Duration
	SweepLimit    int
	Now           func() time.Time

	mu sync.Mutex
}

func (s *Scheduler) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}

// ScheduleInstallments creates one pending payment record per installment,
// due at monthly offsets from start.
func (s *Scheduler) ScheduleInstallments(ctx context.Context, tx *sql.Tx, projectID string, cfg domain.InstallmentsConfig, start time.Time) error {
	freq := cfg.FrequencyMonths
	if freq < 1 {
		freq = 1
	}
	for i := 1; i <= cfg.Count; i++ {
		rec := domain.ExecutionRecord{
			ID:                uuid.New().String(),
			ProjectID:         projectID,
			ExecutionType:     domain.ExecPayment,
			ScheduledFor:      start.AddDate(0, i*freq, 0).UTC().Format(time.RFC3339),
			PaymentAmount:     cfg.Amount,
			InstallmentNumber: i,
			TotalInstallments: cfg.Count,
			Status:            domain.ExecPending,
		}
		if err := s.Repo.InsertExecutionRecord(ctx, tx, rec); err != nil {
			return fmt.Errorf("schedule installment %d/%d: %w", i, cfg.Count, err)
		}
	}
	return nil
}

// ScheduleEffect creates the single effect record, due when the project's
// estimated duration elapses.
func (s *Scheduler) ScheduleEffect(ctx context.Context, tx *sql.Tx, projectID string, durationMonths int, start time.Time) error {
	rec := domain.ExecutionRecord{
		ID:            uuid.New().String(),
		ProjectID:     projectID,
		ExecutionType: domain.ExecEffect,
		ScheduledFor:  start.AddDate(0, durationMonths, 0).UTC().Format(time.RFC3339),
		Status:        domain.ExecPending,
	}
	if err := s.Repo.InsertExecutionRecord(ctx, tx, rec); err != nil {
		return fmt.Errorf("schedule effect: %w", err)
	}
	return nil
}

// ScheduleCompletion creates the completion record, due seven days after the
// effect so the effect has landed before the project closes.
func (s *Scheduler) ScheduleCompletion(ctx context.Context, tx *sql.Tx, projectID string, durationMonths int, start time.Time) error {
	rec := domain.ExecutionRecord{
		ID:            uuid.New().String(),
		ProjectID:     projectID,
		ExecutionType: domain.ExecCompletion,
		ScheduledFor:  start.AddDate(0, durationMonths, 7).UTC().Format(time.RFC3339),
		Status:        domain.ExecPending,
	}
	if err := s.Repo.InsertExecutionRecord(ctx, tx, rec); err != nil {
		return fmt.Errorf("schedule completion: %w", err)
	}
	return nil
}

// SweepResult summarizes one ProcessPending run.
type SweepResult struct {
	Processed int `json:"processed"`
	Executed  int `json:"executed"`
	Failed    int `json:"failed"`
	Skipped   int `json:"skipped"`
}

// ProcessPending executes every due pending record, oldest first, up to
// limit. Records are processed independently: one failure is recorded on that
// record and the sweep moves on.
func (s *Scheduler) ProcessPending(ctx context.Context, limit int) (SweepResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var res SweepResult
	now := s.now().UTC().Format(time.RFC3339)
	records, err := s.Repo.ListDueExecutionRecords(ctx, now, limit)
	if err != nil {
		return res, fmt.Errorf("list due records: %w", err)
	}
	for _, rec := range records {
		res.Processed++
		claimed, err := s.executeRecord(ctx, rec, now)
		switch {
		case err != nil:
			res.Failed++
			if applied, ferr := s.Repo.MarkRecordFailed(ctx, rec.ID, now, err.Error()); ferr != nil {
				log.Printf("sweep: mark record %s failed: %v", rec.ID, ferr)
			} else if !applied {
				log.Printf("sweep: record %s no longer pending, failure not recorded", rec.ID)
			}
			if jerr := s.Journal.AppendDirect(ctx, rec.ProjectID, "Execution of %s record failed: %v", rec.ExecutionType, err); jerr != nil {
				log.Printf("sweep: journal append for %s: %v", rec.ProjectID, jerr)
			}
		case !claimed:
			res.Skipped++
		default:
			res.Executed++
		}
	}
	return res, nil
}

// executeRecord runs one record. claimed is false when the record was no
// longer pending by the time the sweep reached it (cancelled underneath us).
func (s *Scheduler) executeRecord(ctx context.Context, rec domain.ExecutionRecord, now string) (claimed bool, err error) {
	switch rec.ExecutionType {
	case domain.ExecPayment:
		return s.executePayment(ctx, rec, now)
	case domain.ExecEffect:
		return s.executeEffect(ctx, rec, now)
	case domain.ExecCompletion:
		return s.executeCompletion(ctx, rec, now)
	}
	return false, fmt.Errorf("unknown execution type %q", rec.ExecutionType)
}

func (s *Scheduler) executePayment(ctx context.Context, rec domain.ExecutionRecord, now string) (bool, error) {
	p, err := s.Repo.GetProject(ctx, rec.ProjectID)
	if err != nil {
		return false, fmt.Errorf("load project: %w", err)
	}
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return false, err
	}
	defer tx.Rollback()

	claimed, err := s.Repo.MarkRecordExecuted(ctx, tx, rec.ID, now)
	if err != nil {
		return false, err
	}
	if !claimed {
		return false, nil
	}
	// The debit and the claim commit together: an insufficient balance rolls
	// the claim back and the record is marked failed instead.
	if err := s.Ledger.DebitTreasuryTx(ctx, tx, p.StateID, rec.PaymentAmount); err != nil {
		return false, fmt.Errorf("installment %d/%d: %w", rec.InstallmentNumber, rec.TotalInstallments, err)
	}
	if err := s.Journal.Append(ctx, tx, rec.ProjectID, "Installment %d/%d of %.2f debited from treasury", rec.InstallmentNumber, rec.TotalInstallments, rec.PaymentAmount); err != nil {
		return false, err
	}
	return true, tx.Commit()
}

func (s *Scheduler) executeEffect(ctx context.Context, rec domain.ExecutionRecord, now string) (bool, error) {
	p, err := s.Repo.GetProject(ctx, rec.ProjectID)
	if err != nil {
		return false, fmt.Errorf("load project: %w", err)
	}
	if p.AnalysisData == nil {
		return false, fmt.Errorf("project %s has no analysis data", p.ID)
	}
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return false, err
	}
	defer tx.Rollback()

	claimed, err := s.Repo.MarkRecordExecuted(ctx, tx, rec.ID, now)
	if err != nil {
		return false, err
	}
	if !claimed {
		return false, nil
	}
	if err := s.Journal.Append(ctx, tx, rec.ProjectID, "Project effects applied to the nation state"); err != nil {
		return false, err
	}
	if err := tx.Commit(); err != nil {
		return false, err
	}

	// The two ledger bumps are best effort and independent of each other.
	// Cost savings stay a projection; only the revenue increase is booked.
	econ := p.AnalysisData.EconomicReturnProjection
	if monthly := econ.RevenueIncreaseMonthly; monthly != 0 {
		if err := s.Ledger.AdjustMonthlyRevenue(ctx, p.StateID, monthly); err != nil {
			log.Printf("sweep: revenue bump for %s: %v", p.ID, err)
		}
	}
	if delta := approvalDelta(p.AnalysisData.SocialImpactProjection.QualityOfLifeImprovement); delta > 0 {
		if err := s.Ledger.AdjustApproval(ctx, p.StateID, delta); err != nil {
			log.Printf("sweep: approval bump for %s: %v", p.ID, err)
		}
	}
	return true, nil
}

func (s *Scheduler) executeCompletion(ctx context.Context, rec domain.ExecutionRecord, now string) (bool, error) {
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return false, err
	}
	defer tx.Rollback()

	claimed, err := s.Repo.MarkRecordExecuted(ctx, tx, rec.ID, now)
	if err != nil {
		return false, err
	}
	if !claimed {
		return false, nil
	}
	completed, err := s.Repo.CompleteProject(ctx, tx, rec.ProjectID, now)
	if err != nil {
		return false, err
	}
	if completed {
		if err := s.Journal.Append(ctx, tx, rec.ProjectID, "Project completed"); err != nil {
			return false, err
		}
	} else {
		log.Printf("sweep: completion record %s: project %s not in execution", rec.ID, rec.ProjectID)
	}
	return true, tx.Commit()
}

func approvalDelta(level domain.ImprovementLevel) float64 {
	switch level {
	case domain.ImprovementHigh:
		return 5
	case domain.ImprovementMedium:
		return 3
	case domain.ImprovementLow:
		return 1
	}
	return 0
}

// Run sweeps on a fixed interval until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context) error {
	interval := s.SweepInterval
	if interval <= 0 {
		interval = time.Hour
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			res, err := s.ProcessPending(ctx, s.SweepLimit)
			if err != nil {
				log.Printf("sweep: %v", err)
				continue
			}
			if res.Processed > 0 {
				log.Printf("sweep: processed=%d executed=%d failed=%d skipped=%d", res.Processed, res.Executed, res.Failed, res.Skipped)
			}
		}
	}
}
