package scheduler

import (
	"fmt"
	"sort"
	"time"
)

// Entry maps a backlog threshold to the delay used while the pending count
// is at or above it.
type Entry struct {
	Threshold int64
	Delay     time.Duration
}

// ThresholdTable is an adaptive delay table ordered by descending
// threshold. DelayFor picks the first entry whose threshold the backlog
// meets; a deeper backlog never yields a longer delay.
type ThresholdTable struct {
	entries      []Entry
	defaultDelay time.Duration
}

// NewThresholdTable builds a table from entries (any order) and the delay
// used when the backlog is below every threshold.
func NewThresholdTable(entries []Entry, defaultDelay time.Duration) (ThresholdTable, error) {
	if defaultDelay <= 0 {
		return ThresholdTable{}, fmt.Errorf("default delay must be positive, got %v", defaultDelay)
	}
	sorted := make([]Entry, len(entries))
	copy(sorted, entries)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Threshold > sorted[j].Threshold })

	prevDelay := time.Duration(0)
	for i, e := range sorted {
		if e.Threshold <= 0 {
			return ThresholdTable{}, fmt.Errorf("threshold must be positive, got %d", e.Threshold)
		}
		if e.Delay <= 0 {
			return ThresholdTable{}, fmt.Errorf("delay must be positive, got %v", e.Delay)
		}
		if i > 0 {
			if e.Threshold == sorted[i-1].Threshold {
				return ThresholdTable{}, fmt.Errorf("duplicate threshold %d", e.Threshold)
			}
			if e.Delay < prevDelay {
				return ThresholdTable{}, fmt.Errorf(
					"delay at threshold %d is shorter than at threshold %d", sorted[i-1].Threshold, e.Threshold)
			}
		}
		prevDelay = e.Delay
	}
	if len(sorted) > 0 && defaultDelay < prevDelay {
		return ThresholdTable{}, fmt.Errorf("default delay %v undercuts lowest threshold delay %v", defaultDelay, prevDelay)
	}
	return ThresholdTable{entries: sorted, defaultDelay: defaultDelay}, nil
}

// DefaultTable returns the stock delay table.
func DefaultTable() ThresholdTable {
	t, err := NewThresholdTable([]Entry{
		{Threshold: 50, Delay: 5 * time.Second},
		{Threshold: 20, Delay: 15 * time.Second},
		{Threshold: 10, Delay: 30 * time.Second},
		{Threshold: 5, Delay: 45 * time.Second},
	}, 60*time.Second)
	if err != nil {
		panic(err)
	}
	return t
}

// DelayFor returns the re-arm delay for the given backlog depth.
func (t ThresholdTable) DelayFor(pending int64) time.Duration {
	for _, e := range t.entries {
		if pending >= e.Threshold {
			return e.Delay
		}
	}
	return t.defaultDelay
}
