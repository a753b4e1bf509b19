package payments

import (
	"cmp"
	"context"
	"fmt"
	"log/slog"
	"slices"
	"strconv"
	"time"

	"github.com/shopspring/decimal"

	"github.com/odyssey-erp/condo-ledger/internal/billing"
	"github.com/odyssey-erp/condo-ledger/internal/shared"
)

// Tx is the transactional surface the engine reads and writes.
type Tx interface {
	billing.PaymentTx
	ListBillingEntities(ctx context.Context, communityID int64) ([]billing.BillingEntity, error)
	ListLedgerEntries(ctx context.Context, f billing.LedgerFilter) ([]billing.LedgerEntry, error)
	UpsertLedgerEntry(ctx context.Context, e billing.LedgerEntry) (billing.LedgerEntry, error)
	ReplaceEntryDetails(ctx context.Context, entryID int64, details []billing.LedgerEntryDetail) ([]billing.LedgerEntryDetail, error)
	DeleteLedgerEntries(ctx context.Context, ids []int64) error
}

// Engine matches payments against open charges.
type Engine struct {
	audit  shared.AuditRecorder
	logger *slog.Logger
	now    func() time.Time
}

// NewEngine constructs an Engine.
func NewEngine(audit shared.AuditRecorder, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{audit: audit, logger: logger, now: time.Now}
}

// WithNow overrides the clock for deterministic tests.
func (e *Engine) WithNow(now func() time.Time) {
	if now != nil {
		e.now = now
	}
}

// ApplyInput carries the payment terms supplied on apply.
type ApplyInput struct {
	PaymentID       int64
	Amount          decimal.Decimal
	BillingEntityID int64
	Spec            []billing.AllocationHint
}

// Result describes the applications written for one payment.
type Result struct {
	PaymentID    int64
	Status       billing.PaymentStatus
	Applications []Application
	Unallocated  decimal.Decimal
}

// Apply stores the payment terms, posts the payment and allocates it.
func (e *Engine) Apply(ctx context.Context, tx Tx, in ApplyInput) (Result, error) {
	if !in.Amount.IsPositive() {
		return Result{}, billing.Invalid("amount", "payment amount must be positive")
	}
	if in.BillingEntityID <= 0 {
		return Result{}, billing.Invalid("billing_entity_id", "billing entity is required")
	}
	p, err := tx.GetPayment(ctx, in.PaymentID)
	if err != nil {
		return Result{}, err
	}
	if p.Status == billing.PaymentCanceled {
		return Result{}, billing.Inconsistent("apply payment", "payment %d is canceled", p.ID)
	}
	p.Amount = in.Amount
	p.BillingEntityID = in.BillingEntityID
	p.Spec = slices.Clone(in.Spec)
	if err := checkTerms(ctx, tx, p); err != nil {
		return Result{}, err
	}
	e.post(&p)
	if err := tx.UpdatePayment(ctx, p); err != nil {
		return Result{}, err
	}
	res, err := e.allocate(ctx, tx, p)
	if err != nil {
		return Result{}, err
	}
	e.record(ctx, "payment.apply", p, res)
	return res, nil
}

// Confirm posts a pending payment with its stored terms. Confirming a
// posted payment changes nothing.
func (e *Engine) Confirm(ctx context.Context, tx Tx, paymentID int64) (Result, error) {
	p, err := tx.GetPayment(ctx, paymentID)
	if err != nil {
		return Result{}, err
	}
	switch p.Status {
	case billing.PaymentCanceled:
		return Result{}, billing.Inconsistent("confirm payment", "payment %d is canceled", p.ID)
	case billing.PaymentPosted:
		return e.current(ctx, tx, p)
	}
	if !p.Amount.IsPositive() || p.BillingEntityID <= 0 {
		return Result{}, billing.Invalid("payment", "payment %d has no amount or billing entity", p.ID)
	}
	if err := checkTerms(ctx, tx, p); err != nil {
		return Result{}, err
	}
	e.post(&p)
	if err := tx.UpdatePayment(ctx, p); err != nil {
		return Result{}, err
	}
	res, err := e.allocate(ctx, tx, p)
	if err != nil {
		return Result{}, err
	}
	e.record(ctx, "payment.confirm", p, res)
	return res, nil
}

// Reapply rebuilds the applications of a posted payment.
func (e *Engine) Reapply(ctx context.Context, tx Tx, paymentID int64) (Result, error) {
	p, err := tx.GetPayment(ctx, paymentID)
	if err != nil {
		return Result{}, err
	}
	if p.Status != billing.PaymentPosted {
		return Result{}, billing.Inconsistent("reapply payment", "payment %d is %s", p.ID, p.Status)
	}
	return e.allocate(ctx, tx, p)
}

// Cancel removes the payment's applications and ledger entry and marks it
// canceled.
func (e *Engine) Cancel(ctx context.Context, tx Tx, paymentID int64) (Result, error) {
	p, err := tx.GetPayment(ctx, paymentID)
	if err != nil {
		return Result{}, err
	}
	if p.Status == billing.PaymentCanceled {
		return Result{}, billing.Inconsistent("cancel payment", "payment %d is already canceled", p.ID)
	}
	if err := tx.DeletePaymentApplications(ctx, p.ID); err != nil {
		return Result{}, err
	}
	entries, err := tx.ListLedgerEntries(ctx, paymentFilter(p.ID))
	if err != nil {
		return Result{}, err
	}
	if ids := entryIDs(entries); len(ids) > 0 {
		if err := tx.DeleteLedgerEntries(ctx, ids); err != nil {
			return Result{}, err
		}
	}
	now := e.now()
	p.Status = billing.PaymentCanceled
	p.CanceledAt = &now
	if err := tx.UpdatePayment(ctx, p); err != nil {
		return Result{}, err
	}
	res := Result{PaymentID: p.ID, Status: p.Status, Unallocated: decimal.Zero}
	e.record(ctx, "payment.cancel", p, res)
	return res, nil
}

// PeriodResult summarises a period-wide replay.
type PeriodResult struct {
	PeriodID int64
	Entities []int64
	Payments int
}

// ReapplyForPeriod drops the applications on the period's charges and
// replays the posted payments of every billing entity involved.
func (e *Engine) ReapplyForPeriod(ctx context.Context, tx Tx, periodID int64) (PeriodResult, error) {
	charges, err := tx.ListLedgerEntries(ctx, billing.LedgerFilter{PeriodID: periodID, Kind: billing.KindCharge})
	if err != nil {
		return PeriodResult{}, err
	}
	ids := entryIDs(charges)
	entities := map[int64]bool{}
	for _, c := range charges {
		entities[c.BillingEntityID] = true
	}
	apps, err := tx.ApplicationsForEntries(ctx, ids)
	if err != nil {
		return PeriodResult{}, err
	}
	for _, a := range apps {
		p, err := tx.GetPayment(ctx, a.PaymentID)
		if err != nil {
			return PeriodResult{}, err
		}
		entities[p.BillingEntityID] = true
	}
	if len(ids) > 0 {
		if err := tx.DeleteApplicationsForEntries(ctx, ids); err != nil {
			return PeriodResult{}, err
		}
	}
	list := make([]int64, 0, len(entities))
	for id := range entities {
		list = append(list, id)
	}
	slices.Sort(list)
	n, err := e.ReplayEntities(ctx, tx, list)
	if err != nil {
		return PeriodResult{}, err
	}
	return PeriodResult{PeriodID: periodID, Entities: list, Payments: n}, nil
}

// ReplayEntities deletes the applications of every posted payment of the
// billing entities, then reallocates them oldest first.
func (e *Engine) ReplayEntities(ctx context.Context, tx Tx, entityIDs []int64) (int, error) {
	var posted []billing.Payment
	for _, id := range entityIDs {
		ps, err := tx.ListPostedPayments(ctx, id)
		if err != nil {
			return 0, err
		}
		posted = append(posted, ps...)
	}
	slices.SortFunc(posted, func(a, b billing.Payment) int {
		if c := a.ReceivedAt.Compare(b.ReceivedAt); c != 0 {
			return c
		}
		return cmp.Compare(a.ID, b.ID)
	})
	for _, p := range posted {
		if err := tx.DeletePaymentApplications(ctx, p.ID); err != nil {
			return 0, err
		}
	}
	for _, p := range posted {
		if _, err := e.allocate(ctx, tx, p); err != nil {
			return 0, fmt.Errorf("payments: replay %d: %w", p.ID, err)
		}
	}
	if len(posted) > 0 {
		e.logger.Info("payments replayed",
			slog.Int("entities", len(entityIDs)),
			slog.Int("payments", len(posted)))
	}
	return len(posted), nil
}

// checkTerms keeps a payment inside its community: the billing entity must
// belong to it, and a hint may only narrow to that same entity.
func checkTerms(ctx context.Context, tx Tx, p billing.Payment) error {
	entities, err := tx.ListBillingEntities(ctx, p.CommunityID)
	if err != nil {
		return err
	}
	if !slices.ContainsFunc(entities, func(be billing.BillingEntity) bool { return be.ID == p.BillingEntityID }) {
		return billing.NotFound("billing entity", p.BillingEntityID)
	}
	for i, h := range p.Spec {
		if h.BillingEntityID != nil && *h.BillingEntityID != p.BillingEntityID {
			return billing.Invalid("spec", "line %d names billing entity %d, payment belongs to %d", i, *h.BillingEntityID, p.BillingEntityID)
		}
	}
	return nil
}

func (e *Engine) post(p *billing.Payment) {
	p.Status = billing.PaymentPosted
	if p.PostedAt == nil {
		now := e.now()
		p.PostedAt = &now
	}
}

// allocate is the idempotent core: it forgets the payment's applications,
// matches it again and rewrites its ledger entry.
func (e *Engine) allocate(ctx context.Context, tx Tx, p billing.Payment) (Result, error) {
	if err := tx.DeletePaymentApplications(ctx, p.ID); err != nil {
		return Result{}, err
	}
	details, err := tx.ListChargeDetails(ctx, p.BillingEntityID)
	if err != nil {
		return Result{}, err
	}
	var open []billing.ChargeDetail
	for _, d := range details {
		if d.Remaining().IsPositive() {
			open = append(open, d)
		}
	}
	var plan Plan
	if len(p.Spec) > 0 {
		plan, err = MatchSpec(p.Amount, open, p.Spec)
		if err != nil {
			return Result{}, err
		}
	} else {
		plan = Match(p.Amount, open)
	}
	for _, a := range plan.Applications {
		if err := tx.InsertPaymentApplication(ctx, billing.PaymentApplication{
			PaymentID:      p.ID,
			ChargeEntryID:  a.EntryID,
			ChargeDetailID: a.DetailID,
			Amount:         a.Amount,
		}); err != nil {
			return Result{}, fmt.Errorf("payments: apply %d to detail %d: %w", p.ID, a.DetailID, err)
		}
	}
	if err := e.writeEntry(ctx, tx, p, plan); err != nil {
		return Result{}, err
	}
	return Result{PaymentID: p.ID, Status: p.Status, Applications: plan.Applications, Unallocated: plan.Unallocated}, nil
}

func (e *Engine) writeEntry(ctx context.Context, tx Tx, p billing.Payment, plan Plan) error {
	existing, err := tx.ListLedgerEntries(ctx, paymentFilter(p.ID))
	if err != nil {
		return err
	}
	var stale []int64
	for _, entry := range existing {
		if entry.BillingEntityID != p.BillingEntityID || entry.PeriodID != p.PeriodID {
			stale = append(stale, entry.ID)
		}
	}
	if len(stale) > 0 {
		if err := tx.DeleteLedgerEntries(ctx, stale); err != nil {
			return err
		}
	}
	entry, err := tx.UpsertLedgerEntry(ctx, billing.LedgerEntry{
		CommunityID:     p.CommunityID,
		PeriodID:        p.PeriodID,
		BillingEntityID: p.BillingEntityID,
		Kind:            billing.KindPayment,
		Bucket:          billing.BucketPayment,
		RefType:         billing.RefTypePayment,
		RefID:           strconv.FormatInt(p.ID, 10),
		Amount:          p.Amount,
	})
	if err != nil {
		return fmt.Errorf("payments: ledger entry %d: %w", p.ID, err)
	}
	details := make([]billing.LedgerEntryDetail, 0, len(plan.Applications)+1)
	for _, a := range plan.Applications {
		detailID := a.DetailID
		details = append(details, billing.LedgerEntryDetail{UnitID: a.UnitID, Amount: a.Amount, ChargeDetailID: &detailID})
	}
	if plan.Unallocated.IsPositive() {
		details = append(details, billing.LedgerEntryDetail{Amount: plan.Unallocated, Unallocated: true})
	}
	_, err = tx.ReplaceEntryDetails(ctx, entry.ID, details)
	return err
}

func (e *Engine) current(ctx context.Context, tx Tx, p billing.Payment) (Result, error) {
	apps, err := tx.ListPaymentApplications(ctx, p.ID)
	if err != nil {
		return Result{}, err
	}
	res := Result{PaymentID: p.ID, Status: p.Status, Unallocated: p.Amount}
	for _, a := range apps {
		res.Applications = append(res.Applications, Application{EntryID: a.ChargeEntryID, DetailID: a.ChargeDetailID, Amount: a.Amount})
		res.Unallocated = res.Unallocated.Sub(a.Amount)
	}
	return res, nil
}

func (e *Engine) record(ctx context.Context, action string, p billing.Payment, res Result) {
	if e.audit == nil {
		return
	}
	if err := e.audit.Record(ctx, shared.AuditLog{
		Action:   action,
		Entity:   "payment",
		EntityID: strconv.FormatInt(p.ID, 10),
		Meta: map[string]any{
			"billing_entity_id": p.BillingEntityID,
			"amount":            p.Amount.String(),
			"applications":      len(res.Applications),
			"unallocated":       res.Unallocated.String(),
		},
		At: e.now(),
	}); err != nil {
		e.logger.Warn("audit record failed", slog.String("action", action), slog.Any("error", err))
	}
}

func paymentFilter(paymentID int64) billing.LedgerFilter {
	return billing.LedgerFilter{Kind: billing.KindPayment, RefType: billing.RefTypePayment, RefID: strconv.FormatInt(paymentID, 10)}
}

func entryIDs(entries []billing.LedgerEntry) []int64 {
	ids := make([]int64, 0, len(entries))
	for _, e := range entries {
		ids = append(ids, e.ID)
	}
	return ids
}
