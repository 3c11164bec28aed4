package snapshot

import (
	"encoding/json"
	"time"

	"semaphore/display/internal/model"
	"semaphore/display/internal/schedule"
)

// Document is everything a terminal needs to render. The revision-scoped part
// is built once per (tenant, revision, day); the time-dependent fields are
// refreshed by Present on every response.
type Document struct {
	Now           time.Time                   `json:"now"`
	BuiltAt       time.Time                   `json:"built_at"`
	Revision      int64                       `json:"revision"`
	Meta          Meta                        `json:"meta"`
	Settings      Settings                    `json:"settings"`
	State         StateView                   `json:"state"`
	CurrentPeriod *schedule.Interval          `json:"current_period"`
	NextPeriod    *schedule.Interval          `json:"next_period"`
	DayPath       []schedule.Interval         `json:"day_path"`
	PeriodClasses []model.PeriodClass         `json:"period_classes"`
	Standby       Block[model.StandbyItem]    `json:"standby"`
	Duty          Block[model.DutyItem]       `json:"duty"`
	Excellence    Block[model.ExcellenceItem] `json:"excellence"`
	Announcements []model.Announcement        `json:"announcements"`
}

type Meta struct {
	Date           string           `json:"date"`
	Weekday        string           `json:"weekday"`
	IsSchoolDay    bool             `json:"is_school_day"`
	Holiday        string           `json:"holiday,omitempty"`
	IsActiveWindow bool             `json:"is_active_window"`
	ActiveWindow   *schedule.Window `json:"active_window"`
	Timezone       string           `json:"timezone"`
	NextPollSec    int64            `json:"next_poll_sec"`
}

type StateView struct {
	Type             schedule.StateType `json:"type"`
	Reason           schedule.OffReason `json:"reason,omitempty"`
	Label            string             `json:"label"`
	From             *time.Time         `json:"from"`
	To               *time.Time         `json:"to"`
	RemainingSeconds int64              `json:"remaining_seconds"`
}

type Block[T any] struct {
	Items []T `json:"items"`
}

// Settings are the tenant display settings. Known keys are typed; anything
// else the tenant stored is passed through untouched.
type Settings struct {
	Theme              string
	RefreshIntervalSec int
	SchoolName         string
	Extra              map[string]any
}

func (s Settings) MarshalJSON() ([]byte, error) {
	out := make(map[string]any, len(s.Extra)+3)
	for k, v := range s.Extra {
		out[k] = v
	}
	out["theme"] = s.Theme
	out["refresh_interval_sec"] = s.RefreshIntervalSec
	out["school_name"] = s.SchoolName
	return json.Marshal(out)
}

func (s *Settings) UnmarshalJSON(data []byte) error {
	var raw map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	*s = Settings{}
	if v, ok := raw["theme"].(string); ok {
		s.Theme = v
	}
	if v, ok := raw["refresh_interval_sec"].(float64); ok {
		s.RefreshIntervalSec = int(v)
	}
	if v, ok := raw["school_name"].(string); ok {
		s.SchoolName = v
	}
	delete(raw, "theme")
	delete(raw, "refresh_interval_sec")
	delete(raw, "school_name")
	if len(raw) > 0 {
		s.Extra = raw
	}
	return nil
}

// Present returns a copy of doc as seen at now: schedule state, countdown,
// poll hint and visible announcements are recomputed from the day path.
func Present(doc Document, now time.Time, opts schedule.Options) (Document, error) {
	loc := time.UTC
	if doc.Meta.Timezone != "" {
		if tz, err := time.LoadLocation(doc.Meta.Timezone); err == nil {
			loc = tz
		}
	}
	now = now.In(loc)

	tl, err := schedule.NewTimeline(doc.DayPath)
	if err != nil {
		return Document{}, err
	}
	if doc.Settings.RefreshIntervalSec > 0 {
		opts.ActivePoll = time.Duration(doc.Settings.RefreshIntervalSec) * time.Second
	}
	state := schedule.Evaluate(tl, now, opts)

	out := doc
	out.Now = now
	out.State = StateView{
		Type:             state.Type,
		Reason:           state.Reason,
		Label:            state.Label(),
		RemainingSeconds: state.RemainingSeconds,
	}
	if state.Current != nil {
		from, to := state.Current.Start, state.Current.End
		out.State.From, out.State.To = &from, &to
	} else if state.Type == schedule.StateBefore && state.Next != nil {
		from, to := now, state.Next.Start
		out.State.From, out.State.To = &from, &to
	}
	out.CurrentPeriod = state.Current
	out.NextPeriod = state.Next
	out.Meta.IsActiveWindow = state.InWindow
	out.Meta.NextPollSec = int64(state.PollInterval / time.Second)
	if !tl.Empty() {
		window := state.Window
		out.Meta.ActiveWindow = &window
	} else {
		out.Meta.ActiveWindow = nil
	}

	visible := make([]model.Announcement, 0, len(doc.Announcements))
	for _, a := range doc.Announcements {
		if a.VisibleAt(now) {
			visible = append(visible, a)
		}
	}
	out.Announcements = visible
	return out, nil
}
