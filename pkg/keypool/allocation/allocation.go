// Package allocation holds the storage-independent half of key acquisition:
// deciding which candidate gets charged, given each candidate's usage in the
// current minute window. Storage implementations read candidates inside their
// transaction, ask this package for a decision, and write the result back in
// the same transaction.
package allocation

import (
	"container/heap"
	"time"
)

// MinuteStart returns the start of the wall-clock minute containing now.
func MinuteStart(now time.Time) time.Time {
	return now.UTC().Truncate(time.Minute)
}

// NextMinute returns the start of the minute after now.
func NextMinute(now time.Time) time.Time {
	return MinuteStart(now).Add(time.Minute)
}

// NextDay returns the next UTC midnight after now.
func NextDay(now time.Time) time.Time {
	y, m, d := now.UTC().Date()
	return time.Date(y, m, d+1, 0, 0, 0, 0, time.UTC)
}

// EffectiveUsage is the stored counter if the key was last used in the
// current minute, and zero otherwise.
func EffectiveUsage(uses int, lastUsed, now time.Time) int {
	if lastUsed.Before(MinuteStart(now)) {
		return 0
	}
	return uses
}

// CoolingDown reports whether a cooldown expiry is still in the future.
func CoolingDown(until *time.Time, now time.Time) bool {
	return until != nil && until.After(now)
}

// PickOne returns the index of the least-used candidate with capacity left
// under limit. Ties go to the earlier index, so callers must pass candidates
// in storage order.
func PickOne(usages []int, limit int) (int, bool) {
	best := -1
	for i, u := range usages {
		if u >= limit {
			continue
		}
		if best == -1 || u < usages[best] {
			best = i
		}
	}
	return best, best != -1
}

// Plan assigns up to n slots across candidates by repeatedly charging the
// least-used candidate that still has capacity. After planning, no two
// candidates that received a slot differ in usage by more than one unless a
// candidate started above the final level. A candidate may fill several slots.
//
// slots holds one candidate index per assigned slot, in assignment order, and
// may be shorter than n when total capacity runs out. final holds every
// candidate's usage after the plan is applied.
func Plan(usages []int, limit, n int) (slots []int, final []int) {
	final = make([]int, len(usages))
	copy(final, usages)
	if n <= 0 {
		return nil, final
	}

	h := make(usageHeap, 0, len(usages))
	for i, u := range usages {
		if u < limit {
			h = append(h, entry{index: i, usage: u})
		}
	}
	heap.Init(&h)

	slots = make([]int, 0, n)
	for len(slots) < n && h.Len() > 0 {
		e := heap.Pop(&h).(entry)
		slots = append(slots, e.index)
		e.usage++
		final[e.index] = e.usage
		if e.usage < limit {
			heap.Push(&h, e)
		}
	}

	return slots, final
}

// Capacity is the number of slots still available across all candidates.
func Capacity(usages []int, limit int) int {
	total := 0
	for _, u := range usages {
		if u < limit {
			total += limit - u
		}
	}
	return total
}

type entry struct {
	index int
	usage int
}

type usageHeap []entry

func (h usageHeap) Len() int { return len(h) }

func (h usageHeap) Less(i, j int) bool {
	if h[i].usage != h[j].usage {
		return h[i].usage < h[j].usage
	}
	return h[i].index < h[j].index
}

func (h usageHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *usageHeap) Push(x any) { *h = append(*h, x.(entry)) }

func (h *usageHeap) Pop() any {
	old := *h
	n := len(old)
	e := old[n-1]
	*h = old[:n-1]
	return e
}
