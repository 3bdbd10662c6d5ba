package domain

// ProjectStatus is the lifecycle state of a government project.
type ProjectStatus string

const (
	StatusDraft           ProjectStatus = "draft"
	StatusPendingApproval ProjectStatus = "pending_approval"
	StatusApproved        ProjectStatus = "approved"
	StatusRejected        ProjectStatus = "rejected"
	StatusInExecution     ProjectStatus = "in_execution"
	StatusCompleted       ProjectStatus = "completed"
	StatusCancelled       ProjectStatus = "cancelled"
)

// Terminal reports whether a project in this status no longer progresses.
// A rejected project may still be cancelled as cleanup, but it never
// re-enters the pipeline.
func (s ProjectStatus) Terminal() bool {
	switch s {
	case StatusRejected, StatusCompleted, StatusCancelled:
		return true
	}
	return false
}

var allStatuses = []ProjectStatus{
	StatusDraft, StatusPendingApproval, StatusApproved, StatusRejected,
	StatusInExecution, StatusCompleted, StatusCancelled,
}

// ActiveStatuses are the non-terminal statuses counted against the
// per-owner concurrent project cap.
var ActiveStatuses = func() []ProjectStatus {
	var active []ProjectStatus
	for _, s := range allStatuses {
		if !s.Terminal() {
			active = append(active, s)
		}
	}
	return active
}()

// ValidTransition reports whether from -> to is an edge of the lifecycle graph.
// Cancellation is legal from every status except completed and cancelled.
func ValidTransition(from, to ProjectStatus) bool {
	if to == StatusCancelled {
		return from != StatusCompleted && from != StatusCancelled
	}
	switch from {
	case StatusDraft:
		return to == StatusPendingApproval || to == StatusRejected
	case StatusPendingApproval:
		return to == StatusApproved || to == StatusRejected
	case StatusApproved:
		return to == StatusInExecution || to == StatusRejected
	case StatusInExecution:
		return to == StatusCompleted
	}
	return false
}

type ProjectType string

const (
	TypeInfrastructure ProjectType = "infrastructure"
	TypeSocial         ProjectType = "social"
	TypeEconomic       ProjectType = "economic"
	TypeSecurity       ProjectType = "security"
	TypeHealth         ProjectType = "health"
	TypeEducation      ProjectType = "education"
	TypeEnvironment    ProjectType = "environment"
)

type ExecutionMethod string

const (
	MethodImmediate    ExecutionMethod = "immediate"
	MethodInstallments ExecutionMethod = "installments"
)

type FeasibilityLevel string

const (
	FeasibilityLow      FeasibilityLevel = "low"
	FeasibilityMedium   FeasibilityLevel = "medium"
	FeasibilityHigh     FeasibilityLevel = "high"
	FeasibilityCritical FeasibilityLevel = "critical"
)

// KnownFeasibility reports whether l is one of the recognized levels.
func KnownFeasibility(l FeasibilityLevel) bool {
	switch l {
	case FeasibilityLow, FeasibilityMedium, FeasibilityHigh, FeasibilityCritical:
		return true
	}
	return false
}

type ImprovementLevel string

const (
	ImprovementLow    ImprovementLevel = "low"
	ImprovementMedium ImprovementLevel = "medium"
	ImprovementHigh   ImprovementLevel = "high"
)

type ExpectedImpacts struct {
	Economic []string `json:"economic"`
	Social   []string `json:"social"`
}

// RefinedProject is the structured initiative produced by the refinement agent
// from the owner's raw idea.
type RefinedProject struct {
	Name             string          `json:"name"`
	Objective        string          `json:"objective"`
	Description      string          `json:"description"`
	Justification    string          `json:"justification"`
	TargetPopulation string          `json:"target_population"`
	ExpectedImpacts  ExpectedImpacts `json:"expected_impacts"`
	ProjectType      ProjectType     `json:"project_type"`
	RefinedAt        string          `json:"refined_at" format:"date-time"`
}

type InstallmentsConfig struct {
	Count           int     `json:"count"`
	Amount          float64 `json:"amount"`
	FrequencyMonths int     `json:"frequency_months"`
}

type Risk struct {
	Risk        string `json:"risk"`
	Probability string `json:"probability"`
	Impact      string `json:"impact"`
}

type EconomicReturn struct {
	RevenueIncreaseMonthly float64 `json:"revenue_increase_monthly"`
	CostSavingsMonthly     float64 `json:"cost_savings_monthly"`
	PaybackPeriodMonths    int     `json:"payback_period_months"`
}

type SocialImpact struct {
	PopulationDirectlyImpacted int64            `json:"population_directly_impacted"`
	QualityOfLifeImprovement   ImprovementLevel `json:"quality_of_life_improvement" enum:"low,medium,high"`
	EmploymentGeneration       int              `json:"employment_generation"`
}

// AnalysisData is the costed feasibility study produced by the analysis agent,
// after clamping by the pipeline.
type AnalysisData struct {
	ImplementationCost       float64             `json:"implementation_cost"`
	ExecutionMethod          ExecutionMethod     `json:"execution_method" enum:"immediate,installments"`
	InstallmentsConfig       *InstallmentsConfig `json:"installments_config,omitempty"`
	EstimatedDurationMonths  int                 `json:"estimated_duration_months"`
	TechnicalFeasibility     FeasibilityLevel    `json:"technical_feasibility" enum:"low,medium,high,critical"`
	RequiredResources        []string            `json:"required_resources"`
	PotentialRisks           []Risk              `json:"potential_risks"`
	EconomicReturnProjection EconomicReturn      `json:"economic_return_projection"`
	SocialImpactProjection   SocialImpact        `json:"social_impact_projection"`
	AnalyzedAt               string              `json:"analyzed_at" format:"date-time"`
}

type PopulationReaction struct {
	PublicOpinion   string            `json:"public_opinion"`
	SectorReactions map[string]string `json:"sector_reactions,omitempty"`
	ApprovalImpact  float64           `json:"approval_impact"`
	ProtestLevel    string            `json:"protest_level"`
	MediaCoverage   string            `json:"media_coverage"`
}

// ProcessingLog is one append-only audit line on a project.
type ProcessingLog struct {
	TS      string `json:"ts" format:"date-time"`
	Message string `json:"message"`
}

// Project is a government initiative progressing from raw idea to executed
// policy. Nullable sub-structs are set exactly once by their pipeline stage.
type Project struct {
	ID                  string              `json:"id"`
	OwnerID             string              `json:"owner_id"`
	StateID             string              `json:"state_id"`
	OriginalIdea        string              `json:"original_idea"`
	RefinedProject      *RefinedProject     `json:"refined_project,omitempty"`
	AnalysisData        *AnalysisData       `json:"analysis_data,omitempty"`
	PopulationReaction  *PopulationReaction `json:"population_reaction,omitempty"`
	Status              ProjectStatus       `json:"status" enum:"draft,pending_approval,approved,rejected,in_execution,completed,cancelled"`
	RefinementAttempts  int                 `json:"refinement_attempts"`
	RejectionReason     *string             `json:"rejection_reason,omitempty"`
	CreatedAt           string              `json:"created_at" format:"date-time"`
	ApprovedAt          *string             `json:"approved_at,omitempty" format:"date-time"`
	StartedAt           *string             `json:"started_at,omitempty" format:"date-time"`
	CompletedAt         *string             `json:"completed_at,omitempty" format:"date-time"`
	EstimatedCompletion *string             `json:"estimated_completion,omitempty" format:"date-time"`
	ProcessingLogs      []ProcessingLog     `json:"processing_logs,omitempty"`
}

// ExecutionType is the kind of deferred work an ExecutionRecord carries.
type ExecutionType string

const (
	ExecPayment    ExecutionType = "payment"
	ExecEffect     ExecutionType = "effect"
	ExecCompletion ExecutionType = "completion"
)

type ExecutionStatus string

const (
	ExecPending   ExecutionStatus = "pending"
	ExecExecuted  ExecutionStatus = "executed"
	ExecFailed    ExecutionStatus = "failed"
	ExecCancelled ExecutionStatus = "cancelled"
)

// ExecutionRecord is a scheduled unit of deferred work tied to one project.
// Records are created at execution start and only ever move
// pending -> executed/failed (by the sweep) or pending -> cancelled.
type ExecutionRecord struct {
	ID                string          `json:"id"`
	ProjectID         string          `json:"project_id"`
	ExecutionType     ExecutionType   `json:"execution_type" enum:"payment,effect,completion"`
	ScheduledFor      string          `json:"scheduled_for" format:"date-time"`
	ExecutedAt        *string         `json:"executed_at,omitempty" format:"date-time"`
	PaymentAmount     float64         `json:"payment_amount,omitempty"`
	InstallmentNumber int             `json:"installment_number,omitempty"`
	TotalInstallments int             `json:"total_installments,omitempty"`
	Status            ExecutionStatus `json:"status" enum:"pending,executed,failed,cancelled"`
	ErrorMessage      *string         `json:"error_message,omitempty"`
}

// NationState is the ledger row holding an owner's treasury, economy and
// governance figures. Mutated only through the ledger package.
type NationState struct {
	ID                  string  `json:"id"`
	OwnerID             string  `json:"owner_id"`
	Name                string  `json:"name"`
	TreasuryBalance     float64 `json:"treasury_balance"`
	GDP                 float64 `json:"gdp"`
	MonthlyRevenue      float64 `json:"monthly_revenue"`
	Population          int64   `json:"population"`
	ApprovalRating      float64 `json:"approval_rating"`
	GovernanceStability float64 `json:"governance_stability"`
	CreatedAt           string  `json:"created_at" format:"date-time"`
	UpdatedAt           string  `json:"updated_at" format:"date-time"`
}

// Snapshot returns the read-only view of the state handed to agents.
func (n NationState) Snapshot() StateSnapshot {
	return StateSnapshot{
		StateID:         n.ID,
		Name:            n.Name,
		TreasuryBalance: n.TreasuryBalance,
		GDP:             n.GDP,
		MonthlyRevenue:  n.MonthlyRevenue,
		Population:      n.Population,
		ApprovalRating:  n.ApprovalRating,
	}
}

// StateSnapshot is the read-only view of a NationState handed to agents.
type StateSnapshot struct {
	StateID         string  `json:"state_id"`
	Name            string  `json:"name"`
	TreasuryBalance float64 `json:"treasury_balance"`
	GDP             float64 `json:"gdp"`
	MonthlyRevenue  float64 `json:"monthly_revenue"`
	Population      int64   `json:"population"`
	ApprovalRating  float64 `json:"approval_rating"`
}
