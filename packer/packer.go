// Package packer implements the bundle packer from spec.md §4.7: a pure,
// deterministic bin-packer with no corpus library to ground it on (no
// bin-packing package exists anywhere in the retrieval pack — see
// DESIGN.md), so this is new domain logic written in the teacher's plain,
// mostly-comment-free style.
package packer

import (
	"sort"
	"time"

	"github.com/shopspring/decimal"
)

// Item is one candidate for bundling.
type Item struct {
	DataItemID     string
	ByteCount      int64
	UploadedDate   time.Time
}

// Plan is one planned bundle.
type Plan struct {
	IDs                     []string
	TotalByteCount          int64
	ContainsOverdueDataItems bool

	// FillPercent is TotalByteCount against MaxTotalDataItemsByteCount,
	// reported the same way the teacher's uploader tracked percent-complete
	// for a chunked upload: exact decimal arithmetic, no float rounding.
	FillPercent decimal.Decimal
}

// Params bounds a packing run.
type Params struct {
	MaxTotalDataItemsByteCount int64
	MaxSingleDataItemByteCount int64
	MaxDataItemsCount          int
	OverdueThreshold           time.Duration
}

// Result is the packer's output: the plans formed, plus the ids of items
// discarded for exceeding MaxSingleDataItemByteCount.
type Result struct {
	Plans    []*Plan
	Discarded []string
}

// Pack runs the first-fit packing algorithm in spec.md §4.7, in input
// order, with no randomness: same items and params always produce the
// same plans.
func Pack(items []Item, params Params, now time.Time) Result {
	result := Result{}

	for _, it := range items {
		if it.ByteCount > params.MaxSingleDataItemByteCount {
			result.Discarded = append(result.Discarded, it.DataItemID)
			continue
		}

		if it.ByteCount > params.MaxTotalDataItemsByteCount {
			// cannot ever share a bundle with anything else; dedicated plan.
			plan := newPlanWith(it)
			markOverdue(plan, it, params.OverdueThreshold, now)
			result.Plans = append(result.Plans, plan)
			continue
		}

		placed := false
		for _, plan := range result.Plans {
			if fits(plan, it, params) {
				plan.IDs = append(plan.IDs, it.DataItemID)
				plan.TotalByteCount += it.ByteCount
				markOverdue(plan, it, params.OverdueThreshold, now)
				placed = true
				break
			}
		}
		if !placed {
			plan := newPlanWith(it)
			markOverdue(plan, it, params.OverdueThreshold, now)
			result.Plans = append(result.Plans, plan)
		}
	}

	byID := make(map[string]int64, len(items))
	for _, it := range items {
		byID[it.DataItemID] = it.ByteCount
	}
	for _, plan := range result.Plans {
		sortPlanByID(plan, byID)
		plan.FillPercent = fillPercent(plan.TotalByteCount, params.MaxTotalDataItemsByteCount)
	}

	return result
}

// fillPercent reports how full a plan is against the bundle size cap, as
// an exact decimal rather than a float to avoid rounding drift across
// many plans in one packing run.
func fillPercent(used, max int64) decimal.Decimal {
	if max <= 0 {
		return decimal.Zero
	}
	return decimal.NewFromInt(used).Mul(decimal.NewFromInt(100)).DivRound(decimal.NewFromInt(max), 2)
}

func fits(plan *Plan, it Item, params Params) bool {
	if it.ByteCount > params.MaxTotalDataItemsByteCount-plan.TotalByteCount {
		return false
	}
	if len(plan.IDs)+1 > params.MaxDataItemsCount {
		return false
	}
	return true
}

func newPlanWith(it Item) *Plan {
	return &Plan{IDs: []string{it.DataItemID}, TotalByteCount: it.ByteCount}
}

func markOverdue(plan *Plan, it Item, threshold time.Duration, now time.Time) {
	if now.Sub(it.UploadedDate) > threshold {
		plan.ContainsOverdueDataItems = true
	}
}

// sortPlanByID orders a plan's ids ascending by size, stable, using the
// full item byte-count map so re-sorting after every append is unneeded.
func sortPlanByID(plan *Plan, byID map[string]int64) {
	sort.SliceStable(plan.IDs, func(i, j int) bool {
		return byID[plan.IDs[i]] < byID[plan.IDs[j]]
	})
}
