package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/odyssey-erp/condo-ledger/internal/billing"
)

// Capabilities lists optional features present in the database.
type Capabilities struct {
	Meters bool
}

// DetectCapabilities inspects the schema once at startup.
func DetectCapabilities(ctx context.Context, pool *pgxpool.Pool) (Capabilities, error) {
	var meters bool
	if err := pool.QueryRow(ctx, `SELECT to_regclass('ledger_meter_readings') IS NOT NULL`).Scan(&meters); err != nil {
		return Capabilities{}, fmt.Errorf("store/postgres: detect capabilities: %w", err)
	}
	return Capabilities{Meters: meters}, nil
}

// MeterReader returns the meter reader when the capability is present, else nil.
func (c Capabilities) MeterReader(pool *pgxpool.Pool) billing.MeterReader {
	if !c.Meters {
		return nil
	}
	return &Meters{pool: pool}
}

// Meters reads meter values per period.
type Meters struct {
	pool *pgxpool.Pool
}

// MeterReading implements billing.MeterReader.
func (m *Meters) MeterReading(ctx context.Context, meterID, periodID int64) (float64, error) {
	var v float64
	err := m.pool.QueryRow(ctx, `SELECT value FROM ledger_meter_readings WHERE meter_id = $1 AND period_id = $2`, meterID, periodID).Scan(&v)
	if err != nil {
		return 0, notFound(err, "meter reading", fmt.Sprintf("meter %d period %d", meterID, periodID))
	}
	return v, nil
}
