package jobs

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/hibiken/asynq"

	"github.com/odyssey-erp/condo-ledger/internal/billing"
)

const (
	// QueueDefault is the default queue name for background jobs.
	QueueDefault = "default"
	// TaskRecomputePeriod recomputes every expense of a period.
	TaskRecomputePeriod = "ledger:allocation:recompute-period"
	// TaskReapplyPeriod replays payment application on a period's charges.
	TaskReapplyPeriod = "ledger:payments:reapply-period"
)

// PeriodPayload scopes a period job. A zero PeriodID targets the latest
// period of the community.
type PeriodPayload struct {
	CommunityID int64 `json:"community_id"`
	PeriodID    int64 `json:"period_id,omitempty"`
}

func (p PeriodPayload) validate() error {
	if p.CommunityID <= 0 {
		return errors.New("jobs: payload missing community_id")
	}
	if p.PeriodID < 0 {
		return errors.New("jobs: negative period_id")
	}
	return nil
}

// Authorization is the scope a task runs under: every permission, but only
// within the payload's community.
func (p PeriodPayload) Authorization() billing.AuthorizationContext {
	return billing.AuthorizationContext{CommunityID: p.CommunityID, Permissions: []string{billing.PermAll}}
}

func newPeriodTask(typ string, payload PeriodPayload, opts ...asynq.Option) (*asynq.Task, error) {
	if err := payload.validate(); err != nil {
		return nil, err
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	opts = append([]asynq.Option{asynq.Queue(QueueDefault)}, opts...)
	return asynq.NewTask(typ, body, opts...), nil
}

// NewRecomputePeriodTask builds a recompute task.
func NewRecomputePeriodTask(payload PeriodPayload) (*asynq.Task, error) {
	return newPeriodTask(TaskRecomputePeriod, payload)
}

// NewReapplyPeriodTask builds a reapply task with a fresh task id.
func NewReapplyPeriodTask(payload PeriodPayload) (*asynq.Task, error) {
	return newPeriodTask(TaskReapplyPeriod, payload, asynq.TaskID(uuid.NewString()))
}

func decodePeriodPayload(t *asynq.Task) (PeriodPayload, error) {
	var payload PeriodPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return PeriodPayload{}, fmt.Errorf("%w: decode %s: %v", asynq.SkipRetry, t.Type(), err)
	}
	if err := payload.validate(); err != nil {
		return PeriodPayload{}, fmt.Errorf("%w: %v", asynq.SkipRetry, err)
	}
	return payload, nil
}

// permanent marks domain failures that a retry cannot fix.
func permanent(err error) error {
	var ce *billing.ConsistencyError
	switch {
	case err == nil:
		return nil
	case errors.As(err, &ce) && ce.Op == "serialization":
		return err
	case errors.Is(err, billing.ErrValidation),
		errors.Is(err, billing.ErrNotFound),
		errors.Is(err, billing.ErrForbidden),
		errors.Is(err, billing.ErrConsistency):
		return fmt.Errorf("%w: %v", asynq.SkipRetry, err)
	}
	return err
}
