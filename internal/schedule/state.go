package schedule

import "time"

type StateType string

const (
	StateBefore StateType = "before"
	StatePeriod StateType = "period"
	StateBreak  StateType = "break"
	StateAfter  StateType = "after"
	StateOff    StateType = "off"
)

type OffReason string

const (
	ReasonNone          OffReason = ""
	ReasonNoSchedule    OffReason = "no_schedule"
	ReasonOutsideWindow OffReason = "outside_window"
)

type Options struct {
	WindowPadding time.Duration
	// MaxIdlePoll caps the poll interval outside the active window.
	MaxIdlePoll time.Duration
	// ActivePoll is the regular poll interval inside the window.
	ActivePoll time.Duration
	MinPoll    time.Duration
}

func DefaultOptions() Options {
	return Options{
		WindowPadding: 30 * time.Minute,
		MaxIdlePoll:   15 * time.Minute,
		ActivePoll:    20 * time.Second,
		MinPoll:       5 * time.Second,
	}
}

func (o Options) withDefaults() Options {
	def := DefaultOptions()
	if o.WindowPadding <= 0 {
		o.WindowPadding = def.WindowPadding
	}
	if o.MaxIdlePoll <= 0 {
		o.MaxIdlePoll = def.MaxIdlePoll
	}
	if o.ActivePoll <= 0 {
		o.ActivePoll = def.ActivePoll
	}
	if o.MinPoll <= 0 {
		o.MinPoll = def.MinPoll
	}
	if o.ActivePoll < o.MinPoll {
		o.ActivePoll = o.MinPoll
	}
	if o.MaxIdlePoll < o.ActivePoll {
		o.MaxIdlePoll = o.ActivePoll
	}
	return o
}

type State struct {
	Type             StateType
	Reason           OffReason
	Current          *Interval
	Next             *Interval
	RemainingSeconds int64
	Window           Window
	InWindow         bool
	PollInterval     time.Duration
}

// Label is the human label for the state: the running interval, or the one
// being waited for.
func (s State) Label() string {
	if s.Current != nil {
		return s.Current.Label
	}
	if s.Next != nil && s.Type == StateBefore {
		return s.Next.Label
	}
	return ""
}

// Evaluate computes the display state of the timeline at now.
func Evaluate(tl Timeline, now time.Time, opts Options) State {
	opts = opts.withDefaults()
	if tl.Empty() {
		return State{Type: StateOff, Reason: ReasonNoSchedule, PollInterval: opts.MaxIdlePoll}
	}

	intervals := tl.intervals
	window := tl.Window(opts.WindowPadding)
	state := State{Window: window}

	if now.Before(window.Start) {
		first := intervals[0]
		state.Type = StateOff
		state.Reason = ReasonOutsideWindow
		state.Next = &first
		state.RemainingSeconds = ceilSeconds(first.Start.Sub(now))
		state.PollInterval = clamp(window.Start.Sub(now), opts.MinPoll, opts.MaxIdlePoll)
		return state
	}
	if !now.Before(window.End) {
		// Tomorrow's window is not known from a single day.
		state.Type = StateOff
		state.Reason = ReasonOutsideWindow
		state.PollInterval = opts.MaxIdlePoll
		return state
	}

	state.InWindow = true
	state.Type = StateAfter
	boundary := window.End
	for i := range intervals {
		iv := intervals[i]
		if iv.contains(now) {
			state.Type = stateForKind(iv.Kind)
			state.Current = &iv
			if i+1 < len(intervals) {
				next := intervals[i+1]
				state.Next = &next
			}
			state.RemainingSeconds = ceilSeconds(iv.End.Sub(now))
			boundary = iv.End
			break
		}
		if now.Before(iv.Start) {
			state.Type = StateBefore
			state.Next = &iv
			state.RemainingSeconds = ceilSeconds(iv.Start.Sub(now))
			boundary = iv.Start
			break
		}
	}
	state.PollInterval = clamp(boundary.Sub(now), opts.MinPoll, opts.ActivePoll)
	return state
}

func stateForKind(kind Kind) StateType {
	if kind == KindBreak {
		return StateBreak
	}
	return StatePeriod
}

func ceilSeconds(d time.Duration) int64 {
	if d <= 0 {
		return 0
	}
	return int64((d + time.Second - 1) / time.Second)
}

func clamp(d, lo, hi time.Duration) time.Duration {
	if d < lo {
		return lo
	}
	if d > hi {
		return hi
	}
	return d
}
