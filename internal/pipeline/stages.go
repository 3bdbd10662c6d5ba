package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log"
	"math"
	"strings"
	"time"

	"mandato/internal/agent"
	"mandato/internal/domain"
	"mandato/internal/gate"
)

// runRefinement is stage one: the content gate, then the refinement agent.
// Gate violations and agent-declared rejections end the run as a rejection,
// not an error.
func (p *Pipeline) runRefinement(ctx context.Context, projectID string) error {
	proj, err := p.Repo.GetProject(ctx, projectID)
	if err != nil {
		return fmt.Errorf("load project: %w", err)
	}
	if proj.Status != domain.StatusDraft {
		return nil
	}
	if err := p.Repo.IncrementRefinementAttempts(ctx, projectID); err != nil {
		return fmt.Errorf("count attempt: %w", err)
	}

	if err := p.Gate.Check(proj.OriginalIdea); err != nil {
		var v *gate.Violation
		reason := err.Error()
		if errors.As(err, &v) {
			reason = v.Reason
		}
		return p.reject(ctx, projectID, reason, domain.StatusDraft)
	}

	snap, err := p.Ledger.Snapshot(ctx, proj.StateID)
	if err != nil {
		return fmt.Errorf("state snapshot: %w", err)
	}
	outcome, err := p.Agents.Refiner.Refine(ctx, proj.OriginalIdea, snap)
	if err != nil {
		return fmt.Errorf("refinement agent: %w", err)
	}
	if !outcome.Approved {
		reason := outcome.RejectionReason
		if reason == "" {
			reason = "refinement agent rejected the idea"
		}
		return p.reject(ctx, projectID, reason, domain.StatusDraft)
	}
	refined := outcome.Refined
	if err := validateRefined(refined); err != nil {
		return fmt.Errorf("refinement agent returned malformed approval: %w", err)
	}
	if refined.RefinedAt == "" {
		refined.RefinedAt = p.timestamp()
	}

	tx, err := p.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	applied, err := p.Repo.SetRefinedProject(ctx, tx, projectID, refined)
	if err != nil {
		return err
	}
	if !applied {
		// Cancelled while queued; nothing to do.
		return nil
	}
	if err := p.Journal.Append(ctx, tx, projectID, "Idea refined into %q; queued for analysis", refined.Name); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}

	p.dispatch(ctx, Job{ProjectID: projectID, Stage: StageAnalysis})
	return nil
}

// runAnalysis is stage two: the analysis agent plus clamping. The project
// only reaches pending approval with a fully bounded analysis attached.
func (p *Pipeline) runAnalysis(ctx context.Context, projectID string) error {
	proj, err := p.Repo.GetProject(ctx, projectID)
	if err != nil {
		return fmt.Errorf("load project: %w", err)
	}
	if proj.Status != domain.StatusDraft || proj.RefinedProject == nil {
		return nil
	}
	snap, err := p.Ledger.Snapshot(ctx, proj.StateID)
	if err != nil {
		return fmt.Errorf("state snapshot: %w", err)
	}
	analysis, err := p.Agents.Analyst.Analyze(ctx, *proj.RefinedProject, snap)
	if err != nil {
		return fmt.Errorf("analysis agent: %w", err)
	}
	p.clampAnalysis(&analysis, snap)
	if analysis.AnalyzedAt == "" {
		analysis.AnalyzedAt = p.timestamp()
	}

	tx, err := p.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	applied, err := p.Repo.CompleteAnalysis(ctx, tx, projectID, &analysis)
	if err != nil {
		return err
	}
	if !applied {
		return nil
	}
	if err := p.Journal.Append(ctx, tx, projectID,
		"Analysis complete: cost %.2f over %d months via %s; awaiting approval",
		analysis.ImplementationCost, analysis.EstimatedDurationMonths, analysis.ExecutionMethod); err != nil {
		return err
	}
	return tx.Commit()
}

// runExecutionStart is stage three: fund the project and schedule its
// deferred work. Everything that must be consistent commits in one
// transaction: the status flip, the execution records and the journal line.
func (p *Pipeline) runExecutionStart(ctx context.Context, projectID string) error {
	proj, err := p.Repo.GetProject(ctx, projectID)
	if err != nil {
		return fmt.Errorf("load project: %w", err)
	}
	if proj.Status != domain.StatusApproved {
		return nil
	}
	analysis := proj.AnalysisData
	if analysis == nil {
		return fmt.Errorf("project %s has no analysis data", projectID)
	}

	start := p.now().UTC()
	months := analysis.EstimatedDurationMonths
	estimated := start.AddDate(0, months, 0).Format(time.RFC3339)
	tx, err := p.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	applied, err := p.Repo.StartExecution(ctx, tx, projectID, start.Format(time.RFC3339), estimated)
	if err != nil {
		return err
	}
	if !applied {
		log.Printf("pipeline: project %s no longer approved, execution not started", projectID)
		return nil
	}
	// The debit commits with the status flip: a cancel that beats the guard
	// must not leave the treasury short for a project that never started.
	if analysis.ExecutionMethod == domain.MethodImmediate {
		if err := p.Ledger.DebitTreasuryTx(ctx, tx, proj.StateID, analysis.ImplementationCost); err != nil {
			return fmt.Errorf("immediate funding: %w", err)
		}
	}
	if analysis.ExecutionMethod == domain.MethodInstallments {
		if analysis.InstallmentsConfig == nil {
			return fmt.Errorf("project %s has no installments config", projectID)
		}
		if err := p.Scheduler.ScheduleInstallments(ctx, tx, projectID, *analysis.InstallmentsConfig, start); err != nil {
			return err
		}
	}
	if err := p.Scheduler.ScheduleEffect(ctx, tx, projectID, months, start); err != nil {
		return err
	}
	if err := p.Scheduler.ScheduleCompletion(ctx, tx, projectID, months, start); err != nil {
		return err
	}
	if err := p.Journal.Append(ctx, tx, projectID, "Execution started; estimated completion %s", estimated); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}

	p.applyReaction(ctx, proj, agent.ReactionLaunch)
	return nil
}

// clampAnalysis bounds everything the analysis agent returned. Agents are
// untrusted: whatever they produce, the stored analysis stays inside the
// configured limits and the state's actual capacity.
func (p *Pipeline) clampAnalysis(a *domain.AnalysisData, snap domain.StateSnapshot) {
	cfg := p.Config.Pipeline

	minCost := cfg.MinCostGDPFraction * snap.GDP
	maxCost := cfg.MaxCostGDPFraction * snap.GDP
	if a.ImplementationCost < minCost {
		a.ImplementationCost = minCost
	}
	if a.ImplementationCost > maxCost {
		a.ImplementationCost = maxCost
	}

	if a.EstimatedDurationMonths < cfg.MinDurationMonths {
		a.EstimatedDurationMonths = cfg.MinDurationMonths
	}
	if a.EstimatedDurationMonths > cfg.MaxDurationMonths {
		a.EstimatedDurationMonths = cfg.MaxDurationMonths
	}

	if !domain.KnownFeasibility(a.TechnicalFeasibility) {
		a.TechnicalFeasibility = domain.FeasibilityMedium
	}
	if len(a.PotentialRisks) == 0 {
		a.PotentialRisks = []domain.Risk{{
			Risk:        "execution delays",
			Probability: "medium",
			Impact:      "medium",
		}}
	}

	econ := &a.EconomicReturnProjection
	if econ.RevenueIncreaseMonthly < 0 {
		econ.RevenueIncreaseMonthly = 0
	}
	if econ.CostSavingsMonthly < 0 {
		econ.CostSavingsMonthly = 0
	}
	if econ.PaybackPeriodMonths < 0 {
		econ.PaybackPeriodMonths = 0
	}
	if econ.PaybackPeriodMonths > cfg.MaxPaybackMonths {
		econ.PaybackPeriodMonths = cfg.MaxPaybackMonths
	}

	soc := &a.SocialImpactProjection
	if soc.PopulationDirectlyImpacted < 0 {
		soc.PopulationDirectlyImpacted = 0
	}
	if maxPop := int64(cfg.MaxPopulationShare * float64(snap.Population)); soc.PopulationDirectlyImpacted > maxPop {
		soc.PopulationDirectlyImpacted = maxPop
	}
	if soc.EmploymentGeneration < 0 {
		soc.EmploymentGeneration = 0
	}
	switch soc.QualityOfLifeImprovement {
	case domain.ImprovementLow, domain.ImprovementMedium, domain.ImprovementHigh:
	default:
		soc.QualityOfLifeImprovement = domain.ImprovementMedium
	}

	if a.ExecutionMethod != domain.MethodImmediate && a.ExecutionMethod != domain.MethodInstallments {
		a.ExecutionMethod = domain.MethodImmediate
	}
	// A cost the treasury cannot cover outright is forced into installments.
	if a.ImplementationCost > snap.TreasuryBalance {
		a.ExecutionMethod = domain.MethodInstallments
	}
	if a.ExecutionMethod == domain.MethodInstallments {
		a.InstallmentsConfig = p.installmentsFor(a.ImplementationCost, snap)
	} else {
		a.InstallmentsConfig = nil
	}
}

// installmentsFor sizes the installment plan so each payment stays within
// the configured share of the state's monthly revenue.
func (p *Pipeline) installmentsFor(cost float64, snap domain.StateSnapshot) *domain.InstallmentsConfig {
	cfg := p.Config.Pipeline
	count := cfg.MaxInstallments
	if perMonth := cfg.InstallmentRevenueShare * snap.MonthlyRevenue; perMonth > 0 {
		count = int(math.Ceil(cost / perMonth))
	}
	if count < 1 {
		count = 1
	}
	if count > cfg.MaxInstallments {
		count = cfg.MaxInstallments
	}
	return &domain.InstallmentsConfig{
		Count:           count,
		Amount:          math.Round(cost / float64(count)),
		FrequencyMonths: 1,
	}
}

func validateRefined(r *domain.RefinedProject) error {
	if r == nil {
		return errors.New("no refined project attached")
	}
	for field, value := range map[string]string{
		"name":              r.Name,
		"objective":         r.Objective,
		"description":       r.Description,
		"justification":     r.Justification,
		"target_population": r.TargetPopulation,
		"project_type":      string(r.ProjectType),
	} {
		if strings.TrimSpace(value) == "" {
			return fmt.Errorf("missing %s", field)
		}
	}
	if len(r.ExpectedImpacts.Economic)+len(r.ExpectedImpacts.Social) == 0 {
		return errors.New("missing expected impacts")
	}
	return nil
}
