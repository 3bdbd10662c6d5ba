// Package agent defines the capability-agent contracts the pipeline consumes.
// Agents are black boxes: structured input plus a state snapshot in,
// structured output or an error out. They may fail or return malformed data;
// validating and clamping their output is the pipeline's job.
package agent

import (
	"context"

	"mandato/internal/domain"
)

// RefinementOutcome is either an approval carrying a refined project or a
// rejection carrying a reason.
type RefinementOutcome struct {
	Approved        bool
	RejectionReason string
	Refined         *domain.RefinedProject
}

// Refiner turns a raw idea into a structured initiative, or rejects it.
type Refiner interface {
	Refine(ctx context.Context, idea string, snap domain.StateSnapshot) (RefinementOutcome, error)
}

// Analyst produces a costed feasibility study for a refined project.
type Analyst interface {
	Analyze(ctx context.Context, refined domain.RefinedProject, snap domain.StateSnapshot) (domain.AnalysisData, error)
}

// ReactionKind distinguishes the event a reaction is generated for.
type ReactionKind string

const (
	ReactionLaunch       ReactionKind = "launch"
	ReactionCancellation ReactionKind = "cancellation"
)

// Reactor generates the population's reaction to a project event.
type Reactor interface {
	React(ctx context.Context, p domain.Project, snap domain.StateSnapshot, kind ReactionKind) (domain.PopulationReaction, error)
}

// Suite bundles the three capabilities for constructor injection.
type Suite struct {
	Refiner Refiner
	Analyst Analyst
	Reactor Reactor
}
