package agent

import (
	"context"
	"fmt"
	"hash/fnv"
	"math"
	"strings"
	"time"

	"mandato/internal/domain"
)

// StaticSuite returns the built-in rule-based agents. They are deterministic
// for a given idea, which keeps the binary self-contained and its behavior
// reproducible; a real deployment swaps in narrative-generation clients.
func StaticSuite(now func() time.Time) Suite {
	if now == nil {
		now = time.Now
	}
	return Suite{
		Refiner: &StaticRefiner{Now: now},
		Analyst: &StaticAnalyst{Now: now},
		Reactor: &StaticReactor{},
	}
}

type StaticRefiner struct {
	Now func() time.Time
}

var typeKeywords = []struct {
	words []string
	typ   domain.ProjectType
}{
	{[]string{"hospital", "saude", "saúde", "health", "clinic", "maternal"}, domain.TypeHealth},
	{[]string{"escola", "school", "education", "educacao", "educação", "universidade"}, domain.TypeEducation},
	{[]string{"estrada", "road", "bridge", "ponte", "rail", "metro", "porto", "airport"}, domain.TypeInfrastructure},
	{[]string{"policia", "polícia", "police", "security", "seguranca", "segurança", "defesa"}, domain.TypeSecurity},
	{[]string{"floresta", "forest", "river", "rio", "climate", "clima", "ambiental", "environment"}, domain.TypeEnvironment},
	{[]string{"imposto", "tax", "industria", "indústria", "trade", "export", "credito", "crédito"}, domain.TypeEconomic},
}

func capitalize(s string) string {
	if s == "" {
		return s
	}
	return strings.ToUpper(s[:1]) + s[1:]
}

func classify(idea string) domain.ProjectType {
	lowered := strings.ToLower(idea)
	for _, k := range typeKeywords {
		for _, w := range k.words {
			if strings.Contains(lowered, w) {
				return k.typ
			}
		}
	}
	return domain.TypeSocial
}

func (r *StaticRefiner) Refine(_ context.Context, idea string, _ domain.StateSnapshot) (RefinementOutcome, error) {
	trimmed := strings.TrimSpace(idea)
	projectType := classify(trimmed)
	name := trimmed
	if len(name) > 60 {
		name = strings.TrimSpace(name[:60])
	}
	refined := &domain.RefinedProject{
		Name:             capitalize(name),
		Objective:        fmt.Sprintf("Deliver the initiative: %s", trimmed),
		Description:      fmt.Sprintf("A national %s program derived from the submitted proposal. %s", projectType, trimmed),
		Justification:    fmt.Sprintf("Addresses a %s need raised directly by the administration.", projectType),
		TargetPopulation: "Citizens in the affected regions",
		ExpectedImpacts: domain.ExpectedImpacts{
			Economic: []string{"Public investment directed to local suppliers", "Jobs created during implementation"},
			Social:   []string{"Improved access to public services", "Higher confidence in the administration"},
		},
		ProjectType: projectType,
		RefinedAt:   r.Now().UTC().Format(time.RFC3339),
	}
	return RefinementOutcome{Approved: true, Refined: refined}, nil
}

type StaticAnalyst struct {
	Now func() time.Time
}

func (a *StaticAnalyst) Analyze(_ context.Context, refined domain.RefinedProject, snap domain.StateSnapshot) (domain.AnalysisData, error) {
	seed := fnv.New64a()
	seed.Write([]byte(refined.Name))
	h := seed.Sum64()

	// Deterministic figures in plausible bands derived from the state economy.
	costFraction := 0.002 + float64(h%80)/10000.0 // 0.2% to ~1% of GDP
	cost := math.Round(snap.GDP * costFraction)
	duration := 6 + int(h%19) // 6..24 months
	method := domain.MethodImmediate
	if cost > snap.TreasuryBalance*0.5 {
		method = domain.MethodInstallments
	}
	feasibility := domain.FeasibilityMedium
	if h%3 == 0 {
		feasibility = domain.FeasibilityHigh
	}
	qol := domain.ImprovementMedium
	switch refined.ProjectType {
	case domain.TypeHealth, domain.TypeEducation:
		qol = domain.ImprovementHigh
	case domain.TypeEconomic, domain.TypeSecurity:
		qol = domain.ImprovementLow
	}
	monthlyReturn := cost / float64(60+int(h%60))
	return domain.AnalysisData{
		ImplementationCost:      cost,
		ExecutionMethod:         method,
		EstimatedDurationMonths: duration,
		TechnicalFeasibility:    feasibility,
		RequiredResources: []string{
			"Engineering and planning staff",
			"Procurement of materials and services",
			"Regional coordination offices",
		},
		PotentialRisks: Risks(refined.ProjectType),
		EconomicReturnProjection: domain.EconomicReturn{
			RevenueIncreaseMonthly: math.Round(monthlyReturn),
			CostSavingsMonthly:     math.Round(monthlyReturn / 3),
			PaybackPeriodMonths:    60 + int(h%60),
		},
		SocialImpactProjection: domain.SocialImpact{
			PopulationDirectlyImpacted: int64(float64(snap.Population) * (0.01 + float64(h%20)/100.0)),
			QualityOfLifeImprovement:   qol,
			EmploymentGeneration:       int(cost / 250000),
		},
		AnalyzedAt: a.Now().UTC().Format(time.RFC3339),
	}, nil
}

// Risks returns the stock risk list for a project type.
func Risks(t domain.ProjectType) []domain.Risk {
	base := []domain.Risk{
		{Risk: "Budget overrun during execution", Probability: "medium", Impact: "high"},
		{Risk: "Delays in procurement and licensing", Probability: "high", Impact: "medium"},
	}
	if t == domain.TypeInfrastructure {
		base = append(base, domain.Risk{Risk: "Land expropriation disputes", Probability: "medium", Impact: "high"})
	}
	return base
}

type StaticReactor struct{}

func (s *StaticReactor) React(_ context.Context, p domain.Project, snap domain.StateSnapshot, kind ReactionKind) (domain.PopulationReaction, error) {
	name := p.OriginalIdea
	if p.RefinedProject != nil {
		name = p.RefinedProject.Name
	}
	if kind == ReactionCancellation {
		return domain.PopulationReaction{
			PublicOpinion: fmt.Sprintf("Frustration over the cancellation of %q after public expectations were raised.", name),
			SectorReactions: map[string]string{
				"press":      "Editorials question the administration's planning capacity.",
				"opposition": "Opposition calls the reversal a sign of improvisation.",
			},
			ApprovalImpact: -3,
			ProtestLevel:   "localized",
			MediaCoverage:  "critical",
		}, nil
	}
	impact := 2.0
	if snap.ApprovalRating < 40 {
		impact = 1.0
	}
	return domain.PopulationReaction{
		PublicOpinion: fmt.Sprintf("Cautious optimism about %q; citizens await visible results.", name),
		SectorReactions: map[string]string{
			"business": "Suppliers welcome the new public investment.",
			"unions":   "Unions demand local hiring commitments.",
		},
		ApprovalImpact: impact,
		ProtestLevel:   "none",
		MediaCoverage:  "neutral",
	}, nil
}
