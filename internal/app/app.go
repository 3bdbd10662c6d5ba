// Package app wires the stores, the gate, the agents, the pipeline and the
// scheduler into one unit shared by the CLI and the server.
package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"mandato/internal/agent"
	"mandato/internal/config"
	"mandato/internal/domain"
	"mandato/internal/gate"
	"mandato/internal/journal"
	"mandato/internal/ledger"
	"mandato/internal/pipeline"
	"mandato/internal/repo"
	"mandato/internal/scheduler"
)

type App struct {
	DB        *sql.DB
	Config    *config.Config
	Repo      repo.Repo
	Journal   journal.Writer
	Ledger    ledger.Store
	Pipeline  *pipeline.Pipeline
	Scheduler *scheduler.Scheduler
}

// New assembles an App on an open database. The pipeline starts with no
// dispatcher, so stages run inline; the server swaps in a queue.
func New(db *sql.DB, cfg *config.Config) (*App, error) {
	g, err := gate.New(cfg)
	if err != nil {
		return nil, fmt.Errorf("content gate: %w", err)
	}
	now := time.Now
	r := repo.Repo{DB: db}
	j := journal.Writer{DB: db, Now: now}
	led := ledger.Store{DB: db, Now: now}
	sched := &scheduler.Scheduler{
		DB:            db,
		Repo:          r,
		Journal:       j,
		Ledger:        led,
		SweepInterval: cfg.Scheduler.SweepInterval.Std(),
		SweepLimit:    cfg.Scheduler.SweepLimit,
		Now:           now,
	}
	pipe := &pipeline.Pipeline{
		DB:        db,
		Repo:      r,
		Journal:   j,
		Ledger:    led,
		Gate:      g,
		Agents:    agent.StaticSuite(now),
		Scheduler: sched,
		Config:    cfg,
		Now:       now,
	}
	return &App{
		DB:        db,
		Config:    cfg,
		Repo:      r,
		Journal:   j,
		Ledger:    led,
		Pipeline:  pipe,
		Scheduler: sched,
	}, nil
}

// Seed values for a nation state created on first contact with an owner.
const (
	seedTreasury       = 5_000_000
	seedGDP            = 100_000_000
	seedMonthlyRevenue = 1_000_000
	seedPopulation     = 1_000_000
	seedApproval       = 50
	seedStability      = 50
)

// EnsureState returns the owner's nation state, creating a default one when
// none exists yet.
func (a *App) EnsureState(ctx context.Context, ownerID, name string) (domain.NationState, error) {
	state, err := a.Ledger.GetStateByOwner(ctx, ownerID)
	if err == nil {
		return state, nil
	}
	if !errors.Is(err, ledger.ErrNotFound) {
		return domain.NationState{}, err
	}
	if name == "" {
		name = "Republic of " + ownerID
	}
	now := time.Now().UTC().Format(time.RFC3339)
	state = domain.NationState{
		ID:                  uuid.New().String(),
		OwnerID:             ownerID,
		Name:                name,
		TreasuryBalance:     seedTreasury,
		GDP:                 seedGDP,
		MonthlyRevenue:      seedMonthlyRevenue,
		Population:          seedPopulation,
		ApprovalRating:      seedApproval,
		GovernanceStability: seedStability,
		CreatedAt:           now,
		UpdatedAt:           now,
	}
	if err := a.Ledger.CreateState(ctx, state); err != nil {
		return domain.NationState{}, fmt.Errorf("seed nation state: %w", err)
	}
	return state, nil
}
