package ctxz

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/zoobzio/clockz"
)

// interval is the merged (earliest start, latest end) pair for one span name.
type interval struct {
	start time.Time
	end   time.Time
}

// SpanSet merges named timing observations into per-name intervals.
// Safe for concurrent use by multiple goroutines.
//
// Repeated observations of the same name widen the name's interval via
// min(start) / max(end). The interval therefore models total wall time
// covering all occurrences, not the sum of occurrences: three disjoint
// observations collapse into one interval from the earliest start to
// the latest end. Entries are never removed.
//
//nolint:govet // Field order groups each lock with the state it guards
type SpanSet struct {
	clock clockz.Clock

	spansMu sync.Mutex
	spans   map[string]interval

	timersMu sync.Mutex
	timers   []*Timer
}

func newSpanSet(clock clockz.Clock) *SpanSet {
	return &SpanSet{
		clock: clock,
		spans: make(map[string]interval),
	}
}

// NewRecorder creates a Timer whose observation merges into name's
// interval. The SpanSet tracks the Timer so a later Report can finalize
// it if the caller never ended it.
func (s *SpanSet) NewRecorder(name string) *Timer {
	t := newTimer(name, s.clock, s.merge)

	s.timersMu.Lock()
	s.timers = append(s.timers, t)
	s.timersMu.Unlock()

	return t
}

// merge is the emission callback shared by all of this SpanSet's timers.
func (s *SpanSet) merge(name string, start, end time.Time) {
	s.spansMu.Lock()
	defer s.spansMu.Unlock()

	iv, ok := s.spans[name]
	if !ok {
		s.spans[name] = interval{start: start, end: end}
		return
	}
	if start.Before(iv.start) {
		iv.start = start
	}
	if end.After(iv.end) {
		iv.end = end
	}
	s.spans[name] = iv
}

// Report finalizes every tracked timer that has not yet emitted, then
// renders all merged spans ascending by name, space-joined:
//
//	[name: 1.234(ms)] [other: 0.100(ms)]
//
// Elapsed time is the merged interval's width in milliseconds with
// three fractional digits. An empty SpanSet renders an empty string.
func (s *SpanSet) Report() string {
	s.timersMu.Lock()
	for _, t := range s.timers {
		if t.done() {
			continue
		}
		t.finalize()
	}
	// Every tracked timer has emitted now; a later End on one the
	// caller still holds is a no-op. Drop the tracking list.
	s.timers = nil
	s.timersMu.Unlock()

	s.spansMu.Lock()
	defer s.spansMu.Unlock()

	if len(s.spans) == 0 {
		return ""
	}

	names := make([]string, 0, len(s.spans))
	for name := range s.spans {
		names = append(names, name)
	}
	sort.Strings(names)

	var b strings.Builder
	for i, name := range names {
		if i > 0 {
			b.WriteByte(' ')
		}
		iv := s.spans[name]
		elapsed := float64(iv.end.Sub(iv.start).Microseconds()) / 1000.0
		fmt.Fprintf(&b, "[%s: %.3f(ms)]", name, elapsed)
	}
	return b.String()
}
