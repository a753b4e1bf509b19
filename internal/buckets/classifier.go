// Package buckets classifies allocations and program contributions into
// ledger buckets and posts them as staged charges.
package buckets

import (
	"cmp"
	"slices"
	"strconv"

	"github.com/odyssey-erp/condo-ledger/internal/billing"
)

// LineRef identifies what an allocation line is classified by.
type LineRef struct {
	ExpenseTypeCode string
	SplitID         *int64
}

// Classifier applies bucket rules in ascending priority.
type Classifier struct {
	rules       []billing.BucketRule
	splitGroups map[int64][]string
}

// NewClassifier sorts the rules by priority, ties by id.
func NewClassifier(rules []billing.BucketRule, members []billing.SplitGroupMember) *Classifier {
	sorted := slices.Clone(rules)
	slices.SortStableFunc(sorted, func(a, b billing.BucketRule) int {
		if a.Priority != b.Priority {
			return cmp.Compare(a.Priority, b.Priority)
		}
		return cmp.Compare(a.ID, b.ID)
	})
	groups := make(map[int64][]string, len(members))
	for _, m := range members {
		groups[m.SplitID] = append(groups[m.SplitID], m.GroupCode)
	}
	return &Classifier{rules: sorted, splitGroups: groups}
}

// Classify returns the bucket of the first matching rule, or ALLOCATED_EXPENSE.
func (c *Classifier) Classify(ref LineRef) string {
	for _, r := range c.rules {
		if matches(r, ref, c.splitGroups) {
			return r.Bucket
		}
	}
	return billing.BucketAllocatedExpense
}

func matches(r billing.BucketRule, ref LineRef, groups map[int64][]string) bool {
	if ref.ExpenseTypeCode != "" && slices.Contains(r.ExpenseTypeCodes, ref.ExpenseTypeCode) {
		return true
	}
	if ref.SplitID == nil {
		return false
	}
	if slices.Contains(r.SplitNodeIDs, *ref.SplitID) {
		return true
	}
	for _, code := range groups[*ref.SplitID] {
		if slices.Contains(r.SplitGroupCodes, code) {
			return true
		}
	}
	return false
}

// ProgramBucket returns the program's bucket or PROGRAM:<id>.
func ProgramBucket(p billing.Program) string {
	if p.Bucket != "" {
		return p.Bucket
	}
	return "PROGRAM:" + strconv.FormatInt(p.ID, 10)
}
