package buckets

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"

	"github.com/odyssey-erp/condo-ledger/internal/billing"
)

// ConfigReader is the store surface holding classification config.
type ConfigReader interface {
	ListBucketRules(ctx context.Context, communityID int64) ([]billing.BucketRule, error)
	ListPrograms(ctx context.Context, communityID int64) ([]billing.Program, error)
}

// ConfigSource supplies bucket rules and programs for a community.
type ConfigSource interface {
	Rules(ctx context.Context, tx ConfigReader, communityID int64) ([]billing.BucketRule, error)
	Programs(ctx context.Context, tx ConfigReader, communityID int64) ([]billing.Program, error)
}

// StoreConfig reads configuration from the ledger store.
type StoreConfig struct{}

// Rules implements ConfigSource.
func (StoreConfig) Rules(ctx context.Context, tx ConfigReader, communityID int64) ([]billing.BucketRule, error) {
	return tx.ListBucketRules(ctx, communityID)
}

// Programs implements ConfigSource.
func (StoreConfig) Programs(ctx context.Context, tx ConfigReader, communityID int64) ([]billing.Program, error) {
	return tx.ListPrograms(ctx, communityID)
}

// RuleSet is classification config loaded from a YAML file. It replaces
// the store's rules and programs for the communities it lists.
type RuleSet struct {
	rules    map[int64][]billing.BucketRule
	programs map[int64][]billing.Program
}

type ruleSetFile struct {
	Rules    []billing.BucketRule `yaml:"rules"`
	Programs []programFile        `yaml:"programs"`
}

type programFile struct {
	ID              int64              `yaml:"id"`
	CommunityID     int64              `yaml:"community_id"`
	Code            string             `yaml:"code"`
	Bucket          string             `yaml:"bucket"`
	StartPeriodSeq  int                `yaml:"start_period_seq"`
	PeriodCount     int                `yaml:"period_count"`
	PerPeriodAmount string             `yaml:"per_period_amount"`
	Schedule        []scheduleFile     `yaml:"schedule"`
	Method          string             `yaml:"method"`
	MeasureType     string             `yaml:"measure_type"`
	Weights         map[string]float64 `yaml:"weights"`
	Basis           string             `yaml:"basis"`
	BasisCode       string             `yaml:"basis_code"`
}

type scheduleFile struct {
	Offset int    `yaml:"offset"`
	Amount string `yaml:"amount"`
}

// LoadRuleSetFile reads a rule set from path.
func LoadRuleSetFile(path string) (*RuleSet, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("buckets: open rule set: %w", err)
	}
	defer f.Close()
	return LoadRuleSet(f)
}

// LoadRuleSet decodes and validates a YAML rule set.
func LoadRuleSet(r io.Reader) (*RuleSet, error) {
	var raw ruleSetFile
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&raw); err != nil && err != io.EOF {
		return nil, fmt.Errorf("buckets: decode rule set: %w", err)
	}
	set := &RuleSet{rules: map[int64][]billing.BucketRule{}, programs: map[int64][]billing.Program{}}
	for i, rule := range raw.Rules {
		if rule.Bucket == "" {
			return nil, billing.Invalid(fmt.Sprintf("rules[%d].bucket", i), "bucket is required")
		}
		if rule.CommunityID == 0 {
			return nil, billing.Invalid(fmt.Sprintf("rules[%d].community_id", i), "community is required")
		}
		set.rules[rule.CommunityID] = append(set.rules[rule.CommunityID], rule)
	}
	for i, pf := range raw.Programs {
		p, err := pf.program()
		if err != nil {
			return nil, fmt.Errorf("buckets: programs[%d]: %w", i, err)
		}
		set.programs[p.CommunityID] = append(set.programs[p.CommunityID], p)
	}
	return set, nil
}

func (pf programFile) program() (billing.Program, error) {
	if pf.ID == 0 || pf.CommunityID == 0 || pf.Code == "" {
		return billing.Program{}, billing.Invalid("program", "id, community_id and code are required")
	}
	p := billing.Program{
		ID:             pf.ID,
		CommunityID:    pf.CommunityID,
		Code:           pf.Code,
		Bucket:         pf.Bucket,
		StartPeriodSeq: pf.StartPeriodSeq,
		PeriodCount:    pf.PeriodCount,
		Method:         billing.ProgramMethod(pf.Method),
		MeasureType:    pf.MeasureType,
		Weights:        pf.Weights,
		Basis:          billing.BasisType(pf.Basis),
		BasisCode:      pf.BasisCode,
	}
	if pf.PerPeriodAmount != "" {
		amount, err := decimal.NewFromString(pf.PerPeriodAmount)
		if err != nil {
			return billing.Program{}, billing.Invalid("per_period_amount", "%v", err)
		}
		p.PerPeriodAmount = amount
	}
	for _, item := range pf.Schedule {
		amount, err := decimal.NewFromString(item.Amount)
		if err != nil {
			return billing.Program{}, billing.Invalid("schedule.amount", "%v", err)
		}
		p.Schedule = append(p.Schedule, billing.ProgramScheduleItem{Offset: item.Offset, Amount: amount})
	}
	return p, nil
}

// Rules implements ConfigSource, falling back to the store for
// communities the file does not list.
func (s *RuleSet) Rules(ctx context.Context, tx ConfigReader, communityID int64) ([]billing.BucketRule, error) {
	if rules, ok := s.rules[communityID]; ok {
		return rules, nil
	}
	return tx.ListBucketRules(ctx, communityID)
}

// Programs implements ConfigSource with the same fallback as Rules.
func (s *RuleSet) Programs(ctx context.Context, tx ConfigReader, communityID int64) ([]billing.Program, error) {
	if programs, ok := s.programs[communityID]; ok {
		return programs, nil
	}
	return tx.ListPrograms(ctx, communityID)
}
