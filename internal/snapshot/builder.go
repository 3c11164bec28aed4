package snapshot

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"semaphore/display/internal/model"
	"semaphore/display/internal/schedule"
)

// Source is the read side of the school data store.
type Source interface {
	Tenant(ctx context.Context, tenantID string) (model.Tenant, error)
	DayPlan(ctx context.Context, tenantID string, day time.Time) (model.DayPlan, error)
	PeriodClasses(ctx context.Context, tenantID string, day time.Time) ([]model.PeriodClass, error)
	Announcements(ctx context.Context, tenantID string, day time.Time) ([]model.Announcement, error)
}

// Extras are the optional boards. Deployments without them use NoExtras.
type Extras interface {
	Standby(ctx context.Context, tenantID string, day time.Time) ([]model.StandbyItem, error)
	Duty(ctx context.Context, tenantID string, day time.Time) ([]model.DutyItem, error)
	Excellence(ctx context.Context, tenantID string, day time.Time) ([]model.ExcellenceItem, error)
}

type NoExtras struct{}

func (NoExtras) Standby(context.Context, string, time.Time) ([]model.StandbyItem, error) {
	return nil, nil
}

func (NoExtras) Duty(context.Context, string, time.Time) ([]model.DutyItem, error) {
	return nil, nil
}

func (NoExtras) Excellence(context.Context, string, time.Time) ([]model.ExcellenceItem, error) {
	return nil, nil
}

const DayKeyLayout = "2006-01-02"

type Builder struct {
	source    Source
	extras    Extras
	opts      schedule.Options
	defaultTZ *time.Location
	now       func() time.Time
}

func NewBuilder(source Source, extras Extras, opts schedule.Options, defaultTZ *time.Location) *Builder {
	if extras == nil {
		extras = NoExtras{}
	}
	if defaultTZ == nil {
		defaultTZ = time.UTC
	}
	return &Builder{source: source, extras: extras, opts: opts, defaultTZ: defaultTZ, now: time.Now}
}

// Location resolves a tenant timezone name, falling back to the default.
func (b *Builder) Location(name string) *time.Location {
	if name == "" {
		return b.defaultTZ
	}
	loc, err := time.LoadLocation(name)
	if err != nil {
		log.Printf("unknown tenant timezone %q, using %s", name, b.defaultTZ)
		return b.defaultTZ
	}
	return loc
}

// DayKey is the tenant-local calendar day of t.
func (b *Builder) DayKey(timezone string, t time.Time) string {
	return t.In(b.Location(timezone)).Format(DayKeyLayout)
}

// Build assembles the document for one tenant day at the given revision.
// A malformed timeline fails the build.
func (b *Builder) Build(ctx context.Context, tenantID, dayKey string, revision int64) (*Document, error) {
	tenant, err := b.source.Tenant(ctx, tenantID)
	if err != nil {
		return nil, fmt.Errorf("load tenant: %w", err)
	}
	loc := b.Location(tenant.Timezone)
	day, err := time.ParseInLocation(DayKeyLayout, dayKey, loc)
	if err != nil {
		return nil, fmt.Errorf("parse day key %q: %w", dayKey, err)
	}

	plan, err := b.source.DayPlan(ctx, tenantID, day)
	if err != nil {
		return nil, fmt.Errorf("load day plan: %w", err)
	}
	tl, err := timelineFor(day, plan)
	if err != nil {
		return nil, fmt.Errorf("tenant %s day %s: %w", tenantID, dayKey, err)
	}

	doc := Document{
		BuiltAt:  b.now().UTC(),
		Revision: revision,
		Meta: Meta{
			Date:        dayKey,
			Weekday:     day.Weekday().String(),
			IsSchoolDay: plan.IsSchoolDay,
			Holiday:     plan.HolidayLabel,
			Timezone:    loc.String(),
		},
		Settings:      settingsFor(tenant),
		DayPath:       tl.Intervals(),
		PeriodClasses: []model.PeriodClass{},
		Standby:       Block[model.StandbyItem]{Items: []model.StandbyItem{}},
		Duty:          Block[model.DutyItem]{Items: []model.DutyItem{}},
		Excellence:    Block[model.ExcellenceItem]{Items: []model.ExcellenceItem{}},
		Announcements: []model.Announcement{},
	}

	if plan.IsSchoolDay {
		classes, err := b.source.PeriodClasses(ctx, tenantID, day)
		if err != nil {
			return nil, fmt.Errorf("load period classes: %w", err)
		}
		doc.PeriodClasses = append(doc.PeriodClasses, classes...)

		standby, err := b.extras.Standby(ctx, tenantID, day)
		if err != nil {
			return nil, fmt.Errorf("load standby: %w", err)
		}
		doc.Standby.Items = append(doc.Standby.Items, standby...)

		duty, err := b.extras.Duty(ctx, tenantID, day)
		if err != nil {
			return nil, fmt.Errorf("load duty roster: %w", err)
		}
		doc.Duty.Items = append(doc.Duty.Items, duty...)
	}

	excellence, err := b.extras.Excellence(ctx, tenantID, day)
	if err != nil {
		return nil, fmt.Errorf("load excellence: %w", err)
	}
	doc.Excellence.Items = append(doc.Excellence.Items, excellence...)

	announcements, err := b.source.Announcements(ctx, tenantID, day)
	if err != nil {
		return nil, fmt.Errorf("load announcements: %w", err)
	}
	doc.Announcements = append(doc.Announcements, announcements...)

	presented, err := Present(doc, b.now(), b.opts)
	if err != nil {
		return nil, err
	}
	// The stored document outlives the build instant. Present filters
	// announcements again at serve time, so keep the whole day's list.
	presented.Announcements = doc.Announcements
	return &presented, nil
}

func timelineFor(day time.Time, plan model.DayPlan) (schedule.Timeline, error) {
	if !plan.IsSchoolDay {
		return schedule.NewTimeline(nil)
	}
	intervals := make([]schedule.Interval, 0, len(plan.Entries))
	for _, entry := range plan.Entries {
		kind := schedule.Kind(entry.Kind)
		if entry.WholeDay {
			iv := schedule.WholeDay(day, kind, entry.Label)
			iv.Index = entry.Index
			intervals = append(intervals, iv)
			continue
		}
		intervals = append(intervals, schedule.Interval{
			Kind:  kind,
			Index: entry.Index,
			Label: entry.Label,
			Start: schedule.At(day, entry.Starts),
			End:   schedule.At(day, entry.Ends),
		})
	}
	return schedule.NewTimeline(intervals)
}

func settingsFor(tenant model.Tenant) Settings {
	settings := Settings{
		Theme:              tenant.Theme,
		RefreshIntervalSec: tenant.RefreshInterval,
		SchoolName:         tenant.Name,
	}
	if len(tenant.DisplaySettings) > 0 {
		var extra map[string]any
		if err := json.Unmarshal(tenant.DisplaySettings, &extra); err == nil && len(extra) > 0 {
			delete(extra, "theme")
			delete(extra, "refresh_interval_sec")
			delete(extra, "school_name")
			settings.Extra = extra
		}
	}
	return settings
}
