package schedule

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

var testDay = time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC)

func clock(h, m int) time.Time {
	return At(testDay, time.Duration(h)*time.Hour+time.Duration(m)*time.Minute)
}

func morning(t *testing.T) Timeline {
	t.Helper()
	tl, err := NewTimeline([]Interval{
		{Kind: KindPeriod, Index: 2, Label: "Period 2", Start: clock(8, 0), End: clock(8, 45)},
		{Kind: KindPeriod, Index: 1, Label: "Period 1", Start: clock(7, 0), End: clock(7, 45)},
		{Kind: KindBreak, Label: "Break", Start: clock(7, 45), End: clock(8, 0)},
	})
	require.NoError(t, err)
	return tl
}

func TestEvaluateBreak(t *testing.T) {
	state := Evaluate(morning(t), clock(7, 50), DefaultOptions())

	require.Equal(t, StateBreak, state.Type)
	require.Equal(t, int64(600), state.RemainingSeconds)
	require.NotNil(t, state.Current)
	require.Equal(t, "Break", state.Current.Label)
	require.NotNil(t, state.Next)
	require.Equal(t, "Period 2", state.Next.Label)
	require.True(t, state.InWindow)
}

func TestEvaluatePeriodBoundaryIsClosedOpen(t *testing.T) {
	tl := morning(t)

	state := Evaluate(tl, clock(7, 45), DefaultOptions())
	require.Equal(t, StateBreak, state.Type)

	state = Evaluate(tl, clock(7, 0), DefaultOptions())
	require.Equal(t, StatePeriod, state.Type)
	require.Equal(t, 1, state.Current.Index)
	require.Equal(t, int64(45*60), state.RemainingSeconds)
}

func TestEvaluateBeforeAndAfter(t *testing.T) {
	tl := morning(t)

	state := Evaluate(tl, clock(6, 40), DefaultOptions())
	require.Equal(t, StateBefore, state.Type)
	require.Nil(t, state.Current)
	require.Equal(t, "Period 1", state.Next.Label)
	require.Equal(t, int64(20*60), state.RemainingSeconds)
	require.Equal(t, "Period 1", state.Label())

	state = Evaluate(tl, clock(9, 0), DefaultOptions())
	require.Equal(t, StateAfter, state.Type)
	require.Nil(t, state.Current)
	require.Nil(t, state.Next)
	require.True(t, state.InWindow)
}

func TestEvaluateGapIsBeforeNext(t *testing.T) {
	tl, err := NewTimeline([]Interval{
		{Kind: KindPeriod, Label: "P1", Start: clock(7, 0), End: clock(7, 45)},
		{Kind: KindPeriod, Label: "P2", Start: clock(8, 0), End: clock(8, 45)},
	})
	require.NoError(t, err)

	state := Evaluate(tl, clock(7, 55), DefaultOptions())
	require.Equal(t, StateBefore, state.Type)
	require.Equal(t, "P2", state.Next.Label)
	require.Equal(t, int64(300), state.RemainingSeconds)
}

func TestEvaluateOutsideWindow(t *testing.T) {
	tl := morning(t)
	opts := DefaultOptions()

	// Window opens at 06:30; two hours before that the cap applies.
	state := Evaluate(tl, clock(4, 0), opts)
	require.Equal(t, StateOff, state.Type)
	require.Equal(t, ReasonOutsideWindow, state.Reason)
	require.False(t, state.InWindow)
	require.Equal(t, 15*time.Minute, state.PollInterval)

	state = Evaluate(tl, clock(6, 25), opts)
	require.Equal(t, StateOff, state.Type)
	require.Equal(t, 5*time.Minute, state.PollInterval)

	state = Evaluate(tl, clock(9, 15), opts)
	require.Equal(t, StateOff, state.Type)
	require.Equal(t, opts.MaxIdlePoll, state.PollInterval)
}

func TestEvaluateNoSchedule(t *testing.T) {
	tl, err := NewTimeline(nil)
	require.NoError(t, err)

	state := Evaluate(tl, clock(10, 0), DefaultOptions())
	require.Equal(t, StateOff, state.Type)
	require.Equal(t, ReasonNoSchedule, state.Reason)
	require.Equal(t, 15*time.Minute, state.PollInterval)
}

func TestEvaluateActivePollShortensNearBoundary(t *testing.T) {
	state := Evaluate(morning(t), At(testDay, 7*time.Hour+44*time.Minute+50*time.Second), DefaultOptions())
	require.Equal(t, StatePeriod, state.Type)
	require.Equal(t, 10*time.Second, state.PollInterval)

	state = Evaluate(morning(t), clock(7, 10), DefaultOptions())
	require.Equal(t, 20*time.Second, state.PollInterval)
}

func TestEvaluateStableUnderTimeAdvance(t *testing.T) {
	tl := morning(t)
	opts := DefaultOptions()
	var previous *State
	for now := clock(6, 30); now.Before(clock(9, 15)); now = now.Add(time.Minute) {
		state := Evaluate(tl, now, opts)
		require.Equal(t, tl.Window(opts.WindowPadding), state.Window)
		if state.Current != nil {
			require.True(t, state.Current.contains(now))
		}
		if state.Next != nil {
			require.True(t, state.Next.Start.After(now))
		}
		if previous != nil && previous.Current != nil && state.Current != nil && previous.Current.Label == state.Current.Label {
			require.Less(t, state.RemainingSeconds, previous.RemainingSeconds)
		}
		previous = &state
	}
}

func TestNewTimelineRejectsMalformed(t *testing.T) {
	cases := map[string]struct {
		intervals []Interval
		want      error
	}{
		"overlap": {
			intervals: []Interval{
				{Kind: KindPeriod, Label: "P1", Start: clock(7, 0), End: clock(7, 50)},
				{Kind: KindBreak, Label: "B", Start: clock(7, 45), End: clock(8, 0)},
			},
			want: ErrOverlap,
		},
		"zero length": {
			intervals: []Interval{{Kind: KindPeriod, Label: "P1", Start: clock(7, 0), End: clock(7, 0)}},
			want:      ErrInvalidInterval,
		},
		"inverted": {
			intervals: []Interval{{Kind: KindPeriod, Label: "P1", Start: clock(8, 0), End: clock(7, 0)}},
			want:      ErrInvalidInterval,
		},
		"unknown kind": {
			intervals: []Interval{{Kind: "lunch", Label: "L", Start: clock(8, 0), End: clock(9, 0)}},
			want:      ErrUnknownKind,
		},
		"whole day with period": {
			intervals: []Interval{
				WholeDay(testDay, KindPeriod, "Sports day"),
				{Kind: KindPeriod, Label: "P1", Start: clock(7, 0), End: clock(7, 45)},
			},
			want: ErrWholeDayConflict,
		},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := NewTimeline(tc.intervals)
			require.Error(t, err)
			require.True(t, errors.Is(err, tc.want), "got %v", err)
			require.True(t, errors.Is(err, ErrMalformedSchedule))
		})
	}
}

func TestWholeDayTimeline(t *testing.T) {
	tl, err := NewTimeline([]Interval{WholeDay(testDay, KindPeriod, "Exams")})
	require.NoError(t, err)

	state := Evaluate(tl, clock(11, 0), DefaultOptions())
	require.Equal(t, StatePeriod, state.Type)
	require.Equal(t, "Exams", state.Label())
	require.Equal(t, int64(13*3600), state.RemainingSeconds)
}

func TestNewTimelineDoesNotAliasInput(t *testing.T) {
	input := []Interval{{Kind: KindPeriod, Label: "P1", Start: clock(7, 0), End: clock(7, 45)}}
	tl, err := NewTimeline(input)
	require.NoError(t, err)
	input[0].Label = "changed"
	require.Equal(t, "P1", tl.Intervals()[0].Label)
}
