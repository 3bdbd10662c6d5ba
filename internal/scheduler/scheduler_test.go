package scheduler_test

import (
	"context"
	"database/sql"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"

	"mandato/internal/db"
	"mandato/internal/domain"
	"mandato/internal/journal"
	"mandato/internal/ledger"
	"mandato/internal/migrate"
	"mandato/internal/repo"
	"mandato/internal/scheduler"
)

type clock struct{ now time.Time }

func (c *clock) fn() func() time.Time {
	return func() time.Time { return c.now }
}

type testEnv struct {
	ctx    context.Context
	db     *sql.DB
	repo   repo.Repo
	ledger ledger.Store
	clock  *clock
	sched  *scheduler.Scheduler
}

var start = time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)

func newTestEnv(t *testing.T, treasury float64) *testEnv {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	ck := &clock{now: start}
	r := repo.Repo{DB: conn}
	led := ledger.Store{DB: conn, Now: ck.fn()}
	env := &testEnv{
		ctx: context.Background(), db: conn, repo: r, ledger: led, clock: ck,
		sched: &scheduler.Scheduler{
			DB: conn, Repo: r,
			Journal:    journal.Writer{DB: conn, Now: ck.fn()},
			Ledger:     led,
			SweepLimit: 50,
			Now:        ck.fn(),
		},
	}
	now := start.Format(time.RFC3339)
	if err := led.CreateState(env.ctx, domain.NationState{
		ID: "state-1", OwnerID: "owner-1", Name: "Testland",
		TreasuryBalance: treasury, GDP: 100_000_000, MonthlyRevenue: 100_000,
		Population: 1_000_000, ApprovalRating: 50, GovernanceStability: 50,
		CreatedAt: now, UpdatedAt: now,
	}); err != nil {
		t.Fatalf("seed state: %v", err)
	}
	return env
}

// executingProject inserts an in_execution project and schedules its records
// the way the pipeline would at execution start.
func (e *testEnv) executingProject(t *testing.T, analysis domain.AnalysisData) string {
	t.Helper()
	id := uuid.New().String()
	now := start.Format(time.RFC3339)
	estimated := start.AddDate(0, analysis.EstimatedDurationMonths, 0).Format(time.RFC3339)
	p := domain.Project{
		ID: id, OwnerID: "owner-1", StateID: "state-1",
		OriginalIdea: "construir escolas tecnicas nos bairros perifericos",
		RefinedProject: &domain.RefinedProject{
			Name: "Technical Schools", Objective: "o", Description: "d",
			Justification: "j", TargetPopulation: "students",
			ExpectedImpacts: domain.ExpectedImpacts{Social: []string{"education"}},
			ProjectType:     domain.TypeEducation, RefinedAt: now,
		},
		AnalysisData:        &analysis,
		Status:              domain.StatusInExecution,
		RefinementAttempts:  1,
		CreatedAt:           now,
		ApprovedAt:          &now,
		StartedAt:           &now,
		EstimatedCompletion: &estimated,
	}
	tx, err := e.db.BeginTx(e.ctx, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer tx.Rollback()
	if err := e.repo.InsertProject(e.ctx, tx, p); err != nil {
		t.Fatalf("insert project: %v", err)
	}
	if analysis.ExecutionMethod == domain.MethodInstallments {
		if err := e.sched.ScheduleInstallments(e.ctx, tx, id, *analysis.InstallmentsConfig, start); err != nil {
			t.Fatalf("schedule installments: %v", err)
		}
	}
	if err := e.sched.ScheduleEffect(e.ctx, tx, id, analysis.EstimatedDurationMonths, start); err != nil {
		t.Fatalf("schedule effect: %v", err)
	}
	if err := e.sched.ScheduleCompletion(e.ctx, tx, id, analysis.EstimatedDurationMonths, start); err != nil {
		t.Fatalf("schedule completion: %v", err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatal(err)
	}
	return id
}

func installmentsAnalysis(count int, amount float64, months int) domain.AnalysisData {
	return domain.AnalysisData{
		ImplementationCost:      float64(count) * amount,
		ExecutionMethod:         domain.MethodInstallments,
		InstallmentsConfig:      &domain.InstallmentsConfig{Count: count, Amount: amount, FrequencyMonths: 1},
		EstimatedDurationMonths: months,
		TechnicalFeasibility:    domain.FeasibilityMedium,
		PotentialRisks:          []domain.Risk{{Risk: "delays", Probability: "medium", Impact: "medium"}},
		EconomicReturnProjection: domain.EconomicReturn{
			RevenueIncreaseMonthly: 1_000,
			CostSavingsMonthly:     500,
			PaybackPeriodMonths:    24,
		},
		SocialImpactProjection: domain.SocialImpact{
			PopulationDirectlyImpacted: 10_000,
			QualityOfLifeImprovement:   domain.ImprovementMedium,
			EmploymentGeneration:       50,
		},
		AnalyzedAt: start.Format(time.RFC3339),
	}
}

func TestScheduleLayout(t *testing.T) {
	env := newTestEnv(t, 500_000)
	id := env.executingProject(t, installmentsAnalysis(2, 100_000, 6))

	records, err := env.repo.ListExecutionRecords(env.ctx, id)
	if err != nil {
		t.Fatal(err)
	}
	if len(records) != 4 {
		t.Fatalf("records = %d, want 2 payments + effect + completion", len(records))
	}
	want := []struct {
		typ domain.ExecutionType
		due string
	}{
		{domain.ExecPayment, start.AddDate(0, 1, 0).Format(time.RFC3339)},
		{domain.ExecPayment, start.AddDate(0, 2, 0).Format(time.RFC3339)},
		{domain.ExecEffect, start.AddDate(0, 6, 0).Format(time.RFC3339)},
		{domain.ExecCompletion, start.AddDate(0, 6, 7).Format(time.RFC3339)},
	}
	for i, w := range want {
		if records[i].ExecutionType != w.typ || records[i].ScheduledFor != w.due {
			t.Fatalf("record %d = %s at %s, want %s at %s", i, records[i].ExecutionType, records[i].ScheduledFor, w.typ, w.due)
		}
		if records[i].Status != domain.ExecPending {
			t.Fatalf("record %d status = %s, want pending", i, records[i].Status)
		}
	}
}

func TestSweepExecutesDuePayments(t *testing.T) {
	env := newTestEnv(t, 500_000)
	id := env.executingProject(t, installmentsAnalysis(3, 100_000, 6))

	env.clock.now = start.AddDate(0, 2, 1)
	res, err := env.sched.ProcessPending(env.ctx, 50)
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if res.Processed != 2 || res.Executed != 2 || res.Failed != 0 {
		t.Fatalf("result = %+v, want 2 executed", res)
	}
	state, err := env.ledger.GetState(env.ctx, "state-1")
	if err != nil {
		t.Fatal(err)
	}
	if state.TreasuryBalance != 300_000 {
		t.Fatalf("treasury = %.2f, want 300000", state.TreasuryBalance)
	}
	records, err := env.repo.ListExecutionRecords(env.ctx, id)
	if err != nil {
		t.Fatal(err)
	}
	for i, r := range records[:2] {
		if r.Status != domain.ExecExecuted || r.ExecutedAt == nil {
			t.Fatalf("payment %d = %s, want executed", i, r.Status)
		}
	}
	if records[2].Status != domain.ExecPending {
		t.Fatalf("third payment = %s, want still pending", records[2].Status)
	}
}

func TestSweepPaymentInsufficientFunds(t *testing.T) {
	env := newTestEnv(t, 50_000)
	id := env.executingProject(t, installmentsAnalysis(1, 100_000, 6))

	env.clock.now = start.AddDate(0, 1, 1)
	res, err := env.sched.ProcessPending(env.ctx, 50)
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if res.Failed != 1 || res.Executed != 0 {
		t.Fatalf("result = %+v, want 1 failed", res)
	}
	records, err := env.repo.ListExecutionRecords(env.ctx, id)
	if err != nil {
		t.Fatal(err)
	}
	rec := records[0]
	if rec.Status != domain.ExecFailed || rec.ExecutedAt == nil {
		t.Fatalf("record = %+v, want failed with executed_at", rec)
	}
	if rec.ErrorMessage == nil || !strings.Contains(*rec.ErrorMessage, "insufficient") {
		t.Fatalf("error message = %v", rec.ErrorMessage)
	}
	state, err := env.ledger.GetState(env.ctx, "state-1")
	if err != nil {
		t.Fatal(err)
	}
	if state.TreasuryBalance != 50_000 {
		t.Fatalf("treasury = %.2f, want no partial debit", state.TreasuryBalance)
	}
}

func TestSweepFailureDoesNotBlockOthers(t *testing.T) {
	env := newTestEnv(t, 120_000)
	broke := env.executingProject(t, installmentsAnalysis(1, 200_000, 6))
	funded := env.executingProject(t, installmentsAnalysis(1, 100_000, 6))

	env.clock.now = start.AddDate(0, 1, 1)
	res, err := env.sched.ProcessPending(env.ctx, 50)
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if res.Executed != 1 || res.Failed != 1 {
		t.Fatalf("result = %+v, want one of each", res)
	}
	brokeRecs, _ := env.repo.ListExecutionRecords(env.ctx, broke)
	fundedRecs, _ := env.repo.ListExecutionRecords(env.ctx, funded)
	if brokeRecs[0].Status != domain.ExecFailed {
		t.Fatalf("underfunded payment = %s, want failed", brokeRecs[0].Status)
	}
	if fundedRecs[0].Status != domain.ExecExecuted {
		t.Fatalf("funded payment = %s, want executed", fundedRecs[0].Status)
	}
}

func TestSweepEffectThenCompletion(t *testing.T) {
	env := newTestEnv(t, 500_000)
	analysis := installmentsAnalysis(1, 100_000, 6)
	analysis.ExecutionMethod = domain.MethodImmediate
	analysis.InstallmentsConfig = nil
	id := env.executingProject(t, analysis)

	env.clock.now = start.AddDate(0, 6, 1)
	if _, err := env.sched.ProcessPending(env.ctx, 50); err != nil {
		t.Fatalf("effect sweep: %v", err)
	}
	state, err := env.ledger.GetState(env.ctx, "state-1")
	if err != nil {
		t.Fatal(err)
	}
	if state.MonthlyRevenue != 101_000 {
		t.Fatalf("monthly revenue = %.2f, want the revenue increase booked", state.MonthlyRevenue)
	}
	if state.ApprovalRating != 53 {
		t.Fatalf("approval = %.1f, want +3 for medium improvement", state.ApprovalRating)
	}
	p, err := env.repo.GetProject(env.ctx, id)
	if err != nil {
		t.Fatal(err)
	}
	if p.Status != domain.StatusInExecution {
		t.Fatalf("status = %s, completion should not have run yet", p.Status)
	}

	env.clock.now = start.AddDate(0, 6, 8)
	if _, err := env.sched.ProcessPending(env.ctx, 50); err != nil {
		t.Fatalf("completion sweep: %v", err)
	}
	p, err = env.repo.GetProject(env.ctx, id)
	if err != nil {
		t.Fatal(err)
	}
	if p.Status != domain.StatusCompleted || p.CompletedAt == nil {
		t.Fatalf("status = %s, want completed", p.Status)
	}
}

func TestSweepHonorsLimit(t *testing.T) {
	env := newTestEnv(t, 500_000)
	id := env.executingProject(t, installmentsAnalysis(3, 100_000, 6))

	env.clock.now = start.AddDate(0, 3, 1)
	res, err := env.sched.ProcessPending(env.ctx, 1)
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if res.Processed != 1 {
		t.Fatalf("processed = %d, want 1", res.Processed)
	}
	records, err := env.repo.ListExecutionRecords(env.ctx, id)
	if err != nil {
		t.Fatal(err)
	}
	if records[0].Status != domain.ExecExecuted {
		t.Fatalf("oldest record = %s, want executed first", records[0].Status)
	}
	if records[1].Status != domain.ExecPending || records[2].Status != domain.ExecPending {
		t.Fatalf("later records should stay pending")
	}
}

func TestSweepIgnoresCancelledRecords(t *testing.T) {
	env := newTestEnv(t, 500_000)
	id := env.executingProject(t, installmentsAnalysis(2, 100_000, 6))

	tx, err := env.db.BeginTx(env.ctx, nil)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := env.repo.CancelPendingRecords(env.ctx, tx, id); err != nil {
		t.Fatal(err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatal(err)
	}

	env.clock.now = start.AddDate(1, 0, 0)
	res, err := env.sched.ProcessPending(env.ctx, 50)
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if res.Processed != 0 {
		t.Fatalf("processed = %d, want 0", res.Processed)
	}
	state, err := env.ledger.GetState(env.ctx, "state-1")
	if err != nil {
		t.Fatal(err)
	}
	if state.TreasuryBalance != 500_000 {
		t.Fatalf("treasury = %.2f, want untouched", state.TreasuryBalance)
	}
}
