package model

import (
	"encoding/json"
	"time"
)

type Tenant struct {
	ID               string
	Name             string
	Timezone         string
	ScreenLimit      *int
	Theme            string
	RefreshInterval  int
	AllowMultiDevice bool
	DisplaySettings  json.RawMessage
}

// Screen is a display terminal identity. Token is a capability credential;
// it is generated once and never changes.
type Screen struct {
	ID                  string     `json:"id"`
	TenantID            string     `json:"tenant_id"`
	Name                string     `json:"name"`
	Token               string     `json:"token"`
	IsActive            bool       `json:"is_active"`
	AutoDisabledByQuota bool       `json:"auto_disabled_by_quota"`
	BoundDeviceID       *string    `json:"bound_device_id,omitempty"`
	BoundAt             *time.Time `json:"bound_at,omitempty"`
	LastSeenAt          *time.Time `json:"last_seen_at,omitempty"`
	CreatedAt           time.Time  `json:"created_at"`

	TenantTimezone   string `json:"tenant_timezone"`
	AllowMultiDevice bool   `json:"allow_multi_device"`
}

func (s Screen) BoundTo() string {
	if s.BoundDeviceID == nil {
		return ""
	}
	return *s.BoundDeviceID
}

// ManuallyDisabled is a screen a person switched off; quota enforcement never
// touches it.
func (s Screen) ManuallyDisabled() bool {
	return !s.IsActive && !s.AutoDisabledByQuota
}

// PlanEntry is one row of a tenant's weekly plan, offsets measured from local
// midnight.
type PlanEntry struct {
	ID       string
	Kind     string
	Index    int
	Label    string
	Starts   time.Duration
	Ends     time.Duration
	WholeDay bool
}

// DayPlan is everything the store knows about one tenant day's timeline.
type DayPlan struct {
	IsSchoolDay  bool
	HolidayLabel string
	Entries      []PlanEntry
}

type PeriodClass struct {
	PeriodIndex int    `json:"period_index"`
	ClassName   string `json:"class_name"`
	Subject     string `json:"subject"`
	Teacher     string `json:"teacher"`
	Room        string `json:"room,omitempty"`
}

type Announcement struct {
	ID       string     `json:"id"`
	Title    string     `json:"title"`
	Body     string     `json:"body"`
	Level    string     `json:"level"`
	StartsAt *time.Time `json:"starts_at,omitempty"`
	EndsAt   *time.Time `json:"ends_at,omitempty"`
}

// VisibleAt reports whether the announcement window covers t.
func (a Announcement) VisibleAt(t time.Time) bool {
	if a.StartsAt != nil && t.Before(*a.StartsAt) {
		return false
	}
	if a.EndsAt != nil && !t.Before(*a.EndsAt) {
		return false
	}
	return true
}

type StandbyItem struct {
	PeriodIndex int    `json:"period_index"`
	ClassName   string `json:"class_name"`
	Absent      string `json:"absent_teacher"`
	Substitute  string `json:"substitute_teacher"`
	Note        string `json:"note,omitempty"`
}

type DutyItem struct {
	DutyType string `json:"duty_type"`
	Teacher  string `json:"teacher"`
	Location string `json:"location,omitempty"`
	Note     string `json:"note,omitempty"`
}

type ExcellenceItem struct {
	Name     string `json:"name"`
	Reason   string `json:"reason"`
	ImageURL string `json:"image_url,omitempty"`
}

// QuotaScreen is the slice of a screen the quota policy looks at.
type QuotaScreen struct {
	ID                  string
	Token               string
	IsActive            bool
	AutoDisabledByQuota bool
	CreatedAt           time.Time
}
