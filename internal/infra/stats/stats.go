// Package stats records key pool events as counters.
package stats

import (
	"strconv"

	"github.com/spounge-ai/keypool/pkg/keypool"
)

// Counters maps a counter field to its value. Fields are the event kind,
// and for upstream errors also "upstream_error:<code>".
type Counters map[string]int64

func weight(ev keypool.Event) int64 {
	if ev.Count > 0 {
		return int64(ev.Count)
	}
	return 1
}

func fields(ev keypool.Event) []string {
	out := []string{string(ev.Kind)}
	if ev.Kind == keypool.EventUpstreamError {
		out = append(out, string(ev.Kind)+":"+strconv.Itoa(ev.Code))
	}
	return out
}
