package memory

import (
	"context"
	"errors"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/odyssey-erp/condo-ledger/internal/billing"
)

func charge(period billing.Period, be int64, bucket, amount string) billing.LedgerEntry {
	return billing.LedgerEntry{
		CommunityID:     period.CommunityID,
		PeriodID:        period.ID,
		BillingEntityID: be,
		Kind:            billing.KindCharge,
		Bucket:          bucket,
		RefType:         billing.StageClosePrep,
		RefID:           period.Code,
		Amount:          decimal.RequireFromString(amount),
	}
}

func TestWithTxRollsBackOnError(t *testing.T) {
	store := New()
	period := store.AddPeriod(billing.Period{CommunityID: 1, Code: "2026-01", Seq: 1})
	boom := errors.New("boom")

	err := store.WithTx(context.Background(), func(ctx context.Context, tx billing.Tx) error {
		_, err := tx.UpsertLedgerEntry(ctx, charge(period, 1, "UTILITIES", "10"))
		require.NoError(t, err)
		return boom
	})
	require.ErrorIs(t, err, boom)

	require.NoError(t, store.WithTx(context.Background(), func(ctx context.Context, tx billing.Tx) error {
		entries, err := tx.ListLedgerEntries(ctx, billing.LedgerFilter{PeriodID: period.ID})
		require.NoError(t, err)
		require.Empty(t, entries)
		return nil
	}))
}

func TestUpsertLedgerEntryKeepsIdentity(t *testing.T) {
	store := New()
	period := store.AddPeriod(billing.Period{CommunityID: 1, Code: "2026-01", Seq: 1})

	require.NoError(t, store.WithTx(context.Background(), func(ctx context.Context, tx billing.Tx) error {
		first, err := tx.UpsertLedgerEntry(ctx, charge(period, 1, "UTILITIES", "10"))
		require.NoError(t, err)
		second, err := tx.UpsertLedgerEntry(ctx, charge(period, 1, "UTILITIES", "25"))
		require.NoError(t, err)
		require.Equal(t, first.ID, second.ID)
		require.True(t, decimal.NewFromInt(25).Equal(second.Amount))

		other, err := tx.UpsertLedgerEntry(ctx, charge(period, 1, "ROOF", "5"))
		require.NoError(t, err)
		require.NotEqual(t, first.ID, other.ID)
		return nil
	}))
}

func TestDetailsWithApplicationsCannotBeReplaced(t *testing.T) {
	store := New()
	period := store.AddPeriod(billing.Period{CommunityID: 1, Code: "2026-01", Seq: 1})
	unit := int64(7)

	err := store.WithTx(context.Background(), func(ctx context.Context, tx billing.Tx) error {
		entry, err := tx.UpsertLedgerEntry(ctx, charge(period, 1, "UTILITIES", "10"))
		require.NoError(t, err)
		details, err := tx.ReplaceEntryDetails(ctx, entry.ID, []billing.LedgerEntryDetail{{UnitID: &unit, Amount: entry.Amount}})
		require.NoError(t, err)
		require.Len(t, details, 1)

		require.ErrorIs(t, tx.InsertPaymentApplication(ctx, billing.PaymentApplication{
			PaymentID: 1, ChargeEntryID: entry.ID + 100, ChargeDetailID: details[0].ID, Amount: entry.Amount,
		}), billing.ErrValidation)
		require.NoError(t, tx.InsertPaymentApplication(ctx, billing.PaymentApplication{
			PaymentID: 1, ChargeEntryID: entry.ID, ChargeDetailID: details[0].ID, Amount: entry.Amount,
		}))

		_, err = tx.ReplaceEntryDetails(ctx, entry.ID, nil)
		require.ErrorIs(t, err, billing.ErrConsistency)
		require.ErrorIs(t, tx.DeleteLedgerEntries(ctx, []int64{entry.ID}), billing.ErrConsistency)

		require.NoError(t, tx.DeletePaymentApplications(ctx, 1))
		return tx.DeleteLedgerEntries(ctx, []int64{entry.ID})
	})
	require.NoError(t, err)
}

func TestPromoteStageDetectsClash(t *testing.T) {
	store := New()
	period := store.AddPeriod(billing.Period{CommunityID: 1, Code: "2026-01", Seq: 1})

	err := store.WithTx(context.Background(), func(ctx context.Context, tx billing.Tx) error {
		_, err := tx.UpsertLedgerEntry(ctx, charge(period, 1, "UTILITIES", "10"))
		require.NoError(t, err)
		require.NoError(t, tx.PromoteStage(ctx, period.ID, billing.StageClosePrep, billing.StageCloseFinal))

		_, err = tx.UpsertLedgerEntry(ctx, charge(period, 1, "UTILITIES", "12"))
		require.NoError(t, err)
		return tx.PromoteStage(ctx, period.ID, billing.StageClosePrep, billing.StageCloseFinal)
	})
	require.ErrorIs(t, err, billing.ErrConsistency)
}

func TestInsertPeriodEnforcesOrdering(t *testing.T) {
	store := New()
	store.AddPeriod(billing.Period{CommunityID: 1, Code: "2026-02", Seq: 2})

	cases := []struct {
		name   string
		period billing.Period
	}{
		{"duplicate code", billing.Period{CommunityID: 1, Code: "2026-02", Seq: 3}},
		{"seq not after latest", billing.Period{CommunityID: 1, Code: "2026-01", Seq: 1}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := store.WithTx(context.Background(), func(ctx context.Context, tx billing.Tx) error {
				_, err := tx.InsertPeriod(ctx, tc.period)
				return err
			})
			require.ErrorIs(t, err, billing.ErrConsistency)
		})
	}
}

func TestWithTxHonoursCancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	called := false
	err := New().WithTx(ctx, func(context.Context, billing.Tx) error {
		called = true
		return nil
	})
	require.ErrorIs(t, err, context.Canceled)
	require.False(t, called)
}
