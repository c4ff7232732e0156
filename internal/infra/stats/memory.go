package stats

import (
	"context"
	"maps"
	"sync"

	"github.com/spounge-ai/keypool/pkg/keypool"
)

// MemoryRecorder keeps counters in process. It never expires anything and
// suits tests and single-run CLI invocations.
type MemoryRecorder struct {
	mu    sync.Mutex
	total Counters
	byKey map[keypool.KeyID]Counters
}

func NewMemoryRecorder() *MemoryRecorder {
	return &MemoryRecorder{
		total: make(Counters),
		byKey: make(map[keypool.KeyID]Counters),
	}
}

var _ keypool.Recorder = (*MemoryRecorder)(nil)

func (r *MemoryRecorder) Record(_ context.Context, ev keypool.Event) error {
	n := weight(ev)

	r.mu.Lock()
	defer r.mu.Unlock()

	for _, f := range fields(ev) {
		r.total[f] += n
		if !ev.KeyID.IsZero() {
			c, ok := r.byKey[ev.KeyID]
			if !ok {
				c = make(Counters)
				r.byKey[ev.KeyID] = c
			}
			c[f] += n
		}
	}
	return nil
}

func (r *MemoryRecorder) Total() Counters {
	r.mu.Lock()
	defer r.mu.Unlock()
	return maps.Clone(r.total)
}

func (r *MemoryRecorder) ForKey(id keypool.KeyID) Counters {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := maps.Clone(r.byKey[id])
	if out == nil {
		out = make(Counters)
	}
	return out
}
