package app

import (
	"fmt"
	"log/slog"

	"github.com/odyssey-erp/condo-ledger/internal/allocation"
	"github.com/odyssey-erp/condo-ledger/internal/billing"
	"github.com/odyssey-erp/condo-ledger/internal/buckets"
	"github.com/odyssey-erp/condo-ledger/internal/payments"
	"github.com/odyssey-erp/condo-ledger/internal/periods"
	"github.com/odyssey-erp/condo-ledger/internal/shared"
	"github.com/odyssey-erp/condo-ledger/internal/statements"
)

// ServiceDeps are the collaborators shared by both binaries.
type ServiceDeps struct {
	Store  billing.Store
	Meters billing.MeterReader
	Audit  shared.AuditRecorder
	Gate   periods.TemplateGate
	Logger *slog.Logger
	// BucketRulesFile, when set, replaces the stored bucket rules and programs.
	BucketRulesFile string
}

// Services bundles the ledger services over one store.
type Services struct {
	Allocation *allocation.Service
	Periods    *periods.Service
	Payments   *payments.Service
	Statements *statements.Service
}

// NewServices builds the engines once and shares them between services.
func NewServices(d ServiceDeps) (*Services, error) {
	logger := d.Logger
	if logger == nil {
		logger = slog.Default()
	}
	var config buckets.ConfigSource = buckets.StoreConfig{}
	if d.BucketRulesFile != "" {
		rs, err := buckets.LoadRuleSetFile(d.BucketRulesFile)
		if err != nil {
			return nil, fmt.Errorf("app: bucket rules: %w", err)
		}
		config = rs
	}

	allocEngine := allocation.NewEngine(d.Meters, d.Audit, logger)
	payEngine := payments.NewEngine(d.Audit, logger)
	computer := statements.NewComputer(logger)

	return &Services{
		Allocation: allocation.NewService(d.Store, allocEngine, logger),
		Periods: periods.NewService(periods.Deps{
			Store:      d.Store,
			Gate:       d.Gate,
			Allocation: allocEngine,
			Poster:     buckets.NewPoster(config, logger),
			Statements: computer,
			Payments:   payEngine,
			Audit:      d.Audit,
			Logger:     logger,
		}),
		Payments:   payments.NewService(d.Store, payEngine),
		Statements: statements.NewService(d.Store, computer),
	}, nil
}
