// Package schedule turns a tenant's day plan and an instant into the display
// state: which period or break is running, what comes next and how soon the
// terminal should poll again. Nothing here reads the clock.
package schedule

import (
	"errors"
	"fmt"
	"sort"
	"time"
)

type Kind string

const (
	KindPeriod Kind = "period"
	KindBreak  Kind = "break"
)

var (
	ErrMalformedSchedule = errors.New("malformed schedule")
	ErrUnknownKind       = fmt.Errorf("%w: unknown interval kind", ErrMalformedSchedule)
	ErrInvalidInterval   = fmt.Errorf("%w: interval must end after it starts", ErrMalformedSchedule)
	ErrOverlap           = fmt.Errorf("%w: intervals overlap", ErrMalformedSchedule)
	ErrWholeDayConflict  = fmt.Errorf("%w: whole-day interval shares the day", ErrMalformedSchedule)
)

// Interval is one period or break on a concrete day. Start is inclusive and
// End exclusive.
type Interval struct {
	Kind     Kind      `json:"kind"`
	Index    int       `json:"index,omitempty"`
	Label    string    `json:"label"`
	Start    time.Time `json:"from"`
	End      time.Time `json:"to"`
	WholeDay bool      `json:"whole_day,omitempty"`
}

func (iv Interval) contains(t time.Time) bool {
	return !t.Before(iv.Start) && t.Before(iv.End)
}

// Timeline is a validated, start-ordered set of disjoint intervals.
type Timeline struct {
	intervals []Interval
}

// NewTimeline validates and sorts the intervals of a single day. Malformed
// input is rejected, never repaired.
func NewTimeline(intervals []Interval) (Timeline, error) {
	sorted := make([]Interval, len(intervals))
	copy(sorted, intervals)

	wholeDay := 0
	for _, iv := range sorted {
		if iv.Kind != KindPeriod && iv.Kind != KindBreak {
			return Timeline{}, fmt.Errorf("%w %q", ErrUnknownKind, iv.Kind)
		}
		if !iv.End.After(iv.Start) {
			return Timeline{}, fmt.Errorf("%w (%s)", ErrInvalidInterval, iv.Label)
		}
		if iv.WholeDay {
			wholeDay++
		}
	}
	if wholeDay > 0 && len(sorted) > 1 {
		return Timeline{}, ErrWholeDayConflict
	}

	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Start.Before(sorted[j].Start)
	})
	for i := 1; i < len(sorted); i++ {
		if sorted[i].Start.Before(sorted[i-1].End) {
			return Timeline{}, fmt.Errorf("%w (%s, %s)", ErrOverlap, sorted[i-1].Label, sorted[i].Label)
		}
	}
	return Timeline{intervals: sorted}, nil
}

func (tl Timeline) Intervals() []Interval {
	out := make([]Interval, len(tl.intervals))
	copy(out, tl.intervals)
	return out
}

func (tl Timeline) Empty() bool {
	return len(tl.intervals) == 0
}

// Window is the span around the school day during which terminals poll at
// the active rate.
type Window struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

func (w Window) Contains(t time.Time) bool {
	return !t.Before(w.Start) && t.Before(w.End)
}

// Window pads the first start and last end. The zero Window is returned for
// an empty timeline.
func (tl Timeline) Window(padding time.Duration) Window {
	if tl.Empty() {
		return Window{}
	}
	return Window{
		Start: tl.intervals[0].Start.Add(-padding),
		End:   tl.intervals[len(tl.intervals)-1].End.Add(padding),
	}
}

// At places a wall-clock offset (time since midnight) on the given day in the
// day's location. Hours and minutes go through time.Date so DST days keep
// their wall-clock meaning.
func At(day time.Time, offset time.Duration) time.Time {
	y, m, d := day.Date()
	total := int(offset / time.Second)
	return time.Date(y, m, d, total/3600, (total%3600)/60, total%60, 0, day.Location())
}

// WholeDay returns the interval covering the whole calendar day.
func WholeDay(day time.Time, kind Kind, label string) Interval {
	y, m, d := day.Date()
	start := time.Date(y, m, d, 0, 0, 0, 0, day.Location())
	return Interval{
		Kind:     kind,
		Label:    label,
		Start:    start,
		End:      start.AddDate(0, 0, 1),
		WholeDay: true,
	}
}
