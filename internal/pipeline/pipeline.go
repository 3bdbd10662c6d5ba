// Package pipeline orchestrates a project's lifecycle: intake through the
// content gate, the background refinement and analysis stages, the owner's
// approve/reject/cancel decisions and the hand-off to execution.
package pipeline

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"mandato/internal/agent"
	"mandato/internal/config"
	"mandato/internal/domain"
	"mandato/internal/gate"
	"mandato/internal/journal"
	"mandato/internal/ledger"
	"mandato/internal/repo"
	"mandato/internal/scheduler"
)

// Pipeline wires the stores, the gate, the agents and the scheduler together.
// Now is injectable for tests.
type Pipeline struct {
	DB        *sql.DB
	Repo      repo.Repo
	Journal   journal.Writer
	Ledger    ledger.Ledger
	Gate      *gate.Gate
	Agents    agent.Suite
	Scheduler *scheduler.Scheduler
	Config    *config.Config
	Now       func() time.Time
	Dispatch  Dispatcher
}

func (p *Pipeline) now() time.Time {
	if p.Now != nil {
		return p.Now()
	}
	return time.Now()
}

func (p *Pipeline) timestamp() string {
	return p.now().UTC().Format(time.RFC3339)
}

func (p *Pipeline) dispatch(ctx context.Context, job Job) {
	if p.Dispatch == nil {
		p.RunStage(ctx, job)
		return
	}
	p.Dispatch.Dispatch(job)
}

// CreateProjectIdea registers a raw idea as a draft project and queues
// refinement. The owner's active-project cap is enforced here, before
// anything is persisted.
func (p *Pipeline) CreateProjectIdea(ctx context.Context, ownerID, idea string) (domain.Project, error) {
	state, err := p.Ledger.GetStateByOwner(ctx, ownerID)
	if err != nil {
		return domain.Project{}, fmt.Errorf("load nation state: %w", err)
	}
	active, err := p.Repo.CountActiveProjects(ctx, ownerID)
	if err != nil {
		return domain.Project{}, fmt.Errorf("count active projects: %w", err)
	}
	if limit := p.Config.Pipeline.MaxActiveProjects; active >= limit {
		return domain.Project{}, businessErr(CodeCapacityExceeded, "active project limit of %d reached", limit)
	}

	proj := domain.Project{
		ID:           uuid.New().String(),
		OwnerID:      ownerID,
		StateID:      state.ID,
		OriginalIdea: idea,
		Status:       domain.StatusDraft,
		CreatedAt:    p.timestamp(),
	}
	tx, err := p.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Project{}, err
	}
	defer tx.Rollback()
	if err := p.Repo.InsertProject(ctx, tx, proj); err != nil {
		return domain.Project{}, fmt.Errorf("insert project: %w", err)
	}
	if err := p.Journal.Append(ctx, tx, proj.ID, "Idea received; queued for refinement"); err != nil {
		return domain.Project{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Project{}, err
	}

	p.dispatch(ctx, Job{ProjectID: proj.ID, Stage: StageRefinement})
	return p.Repo.GetProject(ctx, proj.ID)
}

// ApproveProject moves a pending project to approved and queues execution
// start. Immediately funded projects are checked against the treasury first,
// so approval never creates a project the state cannot pay for.
func (p *Pipeline) ApproveProject(ctx context.Context, ownerID, projectID string) (domain.Project, error) {
	proj, err := p.ownedProject(ctx, ownerID, projectID)
	if err != nil {
		return domain.Project{}, err
	}
	if !domain.ValidTransition(proj.Status, domain.StatusApproved) {
		return domain.Project{}, businessErr(CodeInvalidStatus, "project is %s, not pending approval", proj.Status)
	}
	if proj.RefinedProject == nil || proj.AnalysisData == nil {
		return domain.Project{}, businessErr(CodeInvalidStatus, "project is missing its analysis")
	}
	if proj.AnalysisData.ExecutionMethod == domain.MethodImmediate {
		snap, err := p.Ledger.Snapshot(ctx, proj.StateID)
		if err != nil {
			return domain.Project{}, fmt.Errorf("state snapshot: %w", err)
		}
		if snap.TreasuryBalance < proj.AnalysisData.ImplementationCost {
			return domain.Project{}, businessErr(CodeInsufficientFunds,
				"treasury balance %.2f cannot cover implementation cost %.2f",
				snap.TreasuryBalance, proj.AnalysisData.ImplementationCost)
		}
	}

	tx, err := p.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Project{}, err
	}
	defer tx.Rollback()
	applied, err := p.Repo.ApproveProject(ctx, tx, projectID, p.timestamp())
	if err != nil {
		return domain.Project{}, err
	}
	if !applied {
		return domain.Project{}, businessErr(CodeInvalidStatus, "project is no longer pending approval")
	}
	if err := p.Journal.Append(ctx, tx, projectID, "Project approved; execution starting"); err != nil {
		return domain.Project{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Project{}, err
	}

	p.dispatch(ctx, Job{ProjectID: projectID, Stage: StageExecution})
	return p.Repo.GetProject(ctx, projectID)
}

// RejectProject records the owner's rejection of a pending project.
func (p *Pipeline) RejectProject(ctx context.Context, ownerID, projectID, reason string) (domain.Project, error) {
	proj, err := p.ownedProject(ctx, ownerID, projectID)
	if err != nil {
		return domain.Project{}, err
	}
	if proj.Status != domain.StatusPendingApproval {
		return domain.Project{}, businessErr(CodeInvalidStatus, "project is %s, not pending approval", proj.Status)
	}
	if reason == "" {
		reason = "rejected by owner"
	}
	applied, err := p.Repo.MarkRejected(ctx, projectID, reason, domain.StatusPendingApproval)
	if err != nil {
		return domain.Project{}, err
	}
	if !applied {
		return domain.Project{}, businessErr(CodeInvalidStatus, "project is no longer pending approval")
	}
	if err := p.Journal.AppendDirect(ctx, projectID, "Project rejected by owner: %s", reason); err != nil {
		log.Printf("pipeline: journal append for %s: %v", projectID, err)
	}
	return p.Repo.GetProject(ctx, projectID)
}

// CancelProject cancels a project in any non-terminal state. For a project
// in execution its pending records are cancelled with it and a population
// reaction is generated best effort.
func (p *Pipeline) CancelProject(ctx context.Context, ownerID, projectID, reason string) (domain.Project, error) {
	proj, err := p.ownedProject(ctx, ownerID, projectID)
	if err != nil {
		return domain.Project{}, err
	}
	if !domain.ValidTransition(proj.Status, domain.StatusCancelled) {
		return domain.Project{}, businessErr(CodeInvalidStatus, "project is already %s", proj.Status)
	}
	wasExecuting := proj.Status == domain.StatusInExecution

	tx, err := p.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Project{}, err
	}
	defer tx.Rollback()
	applied, err := p.Repo.CancelProject(ctx, tx, projectID)
	if err != nil {
		return domain.Project{}, err
	}
	if !applied {
		return domain.Project{}, businessErr(CodeInvalidStatus, "project is already finished")
	}
	// Records are swept regardless of the status read above: execution start
	// may have committed between that read and this transaction, and a
	// cancelled project must never leave records for the sweep to execute.
	dropped, err := p.Repo.CancelPendingRecords(ctx, tx, projectID)
	if err != nil {
		return domain.Project{}, err
	}
	msg := "Project cancelled by owner"
	if reason != "" {
		msg = fmt.Sprintf("Project cancelled by owner: %s", reason)
	}
	if dropped > 0 {
		msg = fmt.Sprintf("%s (%d pending executions cancelled)", msg, dropped)
	}
	if err := p.Journal.Append(ctx, tx, projectID, "%s", msg); err != nil {
		return domain.Project{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Project{}, err
	}

	if wasExecuting || dropped > 0 {
		p.applyReaction(ctx, proj, agent.ReactionCancellation)
	}
	return p.Repo.GetProject(ctx, projectID)
}

func (p *Pipeline) ownedProject(ctx context.Context, ownerID, projectID string) (domain.Project, error) {
	proj, err := p.Repo.GetProject(ctx, projectID)
	if err != nil {
		return domain.Project{}, err
	}
	if proj.OwnerID != ownerID {
		return domain.Project{}, businessErr(CodeOwnershipMismatch, "project belongs to a different owner")
	}
	return proj, nil
}

// applyReaction asks the reactor how the population takes a launch or a
// cancellation and applies the result. Failures are logged, never surfaced:
// a reaction must not change a project's fate.
func (p *Pipeline) applyReaction(ctx context.Context, proj domain.Project, kind agent.ReactionKind) {
	snap, err := p.Ledger.Snapshot(ctx, proj.StateID)
	if err != nil {
		log.Printf("pipeline: reaction snapshot for %s: %v", proj.ID, err)
		return
	}
	reaction, err := p.Agents.Reactor.React(ctx, proj, snap, kind)
	if err != nil {
		log.Printf("pipeline: %s reaction for %s: %v", kind, proj.ID, err)
		return
	}
	if err := p.Repo.SetPopulationReaction(ctx, proj.ID, &reaction); err != nil {
		log.Printf("pipeline: store reaction for %s: %v", proj.ID, err)
	}
	if reaction.ApprovalImpact != 0 {
		if err := p.Ledger.AdjustApproval(ctx, proj.StateID, reaction.ApprovalImpact); err != nil {
			log.Printf("pipeline: approval impact for %s: %v", proj.ID, err)
		}
	}
}

// RunStage executes one queued stage. Failures never propagate to the
// worker: an error rejects the project with a wrapped reason and the
// pipeline moves on.
func (p *Pipeline) RunStage(ctx context.Context, job Job) {
	defer func() {
		if r := recover(); r != nil {
			p.failStage(ctx, job, fmt.Errorf("panic: %v", r))
		}
	}()
	var err error
	switch job.Stage {
	case StageRefinement:
		err = p.runRefinement(ctx, job.ProjectID)
	case StageAnalysis:
		err = p.runAnalysis(ctx, job.ProjectID)
	case StageExecution:
		err = p.runExecutionStart(ctx, job.ProjectID)
	default:
		err = fmt.Errorf("unknown stage %q", job.Stage)
	}
	if err != nil {
		p.failStage(ctx, job, err)
	}
}

func (p *Pipeline) failStage(ctx context.Context, job Job, cause error) {
	log.Printf("pipeline: %s stage for %s: %v", job.Stage, job.ProjectID, cause)
	reason := fmt.Sprintf("%s stage failed: %v", job.Stage, cause)
	applied, err := p.Repo.MarkRejected(ctx, job.ProjectID, reason,
		domain.StatusDraft, domain.StatusPendingApproval, domain.StatusApproved)
	if err != nil {
		log.Printf("pipeline: reject %s after failure: %v", job.ProjectID, err)
		return
	}
	if applied {
		if err := p.Journal.AppendDirect(ctx, job.ProjectID, "Project rejected: %s", reason); err != nil {
			log.Printf("pipeline: journal append for %s: %v", job.ProjectID, err)
		}
	}
}

// reject moves a project to rejected from one of the given statuses and
// journals the reason. A lost race (the guard not applying) is not an error.
func (p *Pipeline) reject(ctx context.Context, projectID, reason string, from ...domain.ProjectStatus) error {
	applied, err := p.Repo.MarkRejected(ctx, projectID, reason, from...)
	if err != nil {
		return err
	}
	if !applied {
		return nil
	}
	if err := p.Journal.AppendDirect(ctx, projectID, "Project rejected: %s", reason); err != nil {
		log.Printf("pipeline: journal append for %s: %v", projectID, err)
	}
	return nil
}

// IsBusiness reports whether err is a rule violation and returns it typed.
func IsBusiness(err error) (*BusinessError, bool) {
	var be *BusinessError
	if errors.As(err, &be) {
		return be, true
	}
	return nil, false
}
