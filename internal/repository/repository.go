package repository

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"semaphore/display/internal/db"
	"semaphore/display/internal/model"
)

var (
	// ErrNotFound is returned when a requested row doesn't exist
	ErrNotFound = errors.New("not found")
)

type Store struct {
	pool *pgxpool.Pool
	db   *db.Store
}

func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool, db: db.NewStore(pool)}
}

func notFound(err error) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	return err
}

const screenColumns = `
    s.id, s.tenant_id, s.name, s.token, s.is_active, s.auto_disabled_by_quota,
    s.bound_device_id, s.bound_at, s.last_seen_at, s.created_at,
    t.timezone, t.allow_multi_device`

func scanScreen(row pgx.Row) (model.Screen, error) {
	var screen model.Screen
	err := row.Scan(
		&screen.ID,
		&screen.TenantID,
		&screen.Name,
		&screen.Token,
		&screen.IsActive,
		&screen.AutoDisabledByQuota,
		&screen.BoundDeviceID,
		&screen.BoundAt,
		&screen.LastSeenAt,
		&screen.CreatedAt,
		&screen.TenantTimezone,
		&screen.AllowMultiDevice,
	)
	return screen, notFound(err)
}

// Screens

func (s *Store) ScreenByToken(ctx context.Context, token string) (model.Screen, error) {
	row := s.pool.QueryRow(ctx, `
    SELECT`+screenColumns+`
    FROM screens s
    JOIN tenants t ON t.id = s.tenant_id
    WHERE s.token = $1
  `, token)
	return scanScreen(row)
}

func (s *Store) ScreenByID(ctx context.Context, screenID string) (model.Screen, error) {
	row := s.pool.QueryRow(ctx, `
    SELECT`+screenColumns+`
    FROM screens s
    JOIN tenants t ON t.id = s.tenant_id
    WHERE s.id = $1
  `, screenID)
	return scanScreen(row)
}

// BindDevice sets the bound device only while the field is still empty. The
// condition lives in the UPDATE so concurrent binders cannot both win.
func (s *Store) BindDevice(ctx context.Context, screenID, deviceID string, at time.Time) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
    UPDATE screens
    SET bound_device_id = $2, bound_at = $3, last_seen_at = $3
    WHERE id = $1 AND is_active = true AND (bound_device_id IS NULL OR bound_device_id = '')
  `, screenID, deviceID, at)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

func (s *Store) UnbindScreen(ctx context.Context, screenID string) (model.Screen, error) {
	row := s.pool.QueryRow(ctx, `
    WITH updated AS (
      UPDATE screens SET bound_device_id = NULL, bound_at = NULL
      WHERE id = $1
      RETURNING *
    )
    SELECT`+screenColumns+`
    FROM updated s
    JOIN tenants t ON t.id = s.tenant_id
  `, screenID)
	return scanScreen(row)
}

func (s *Store) TouchScreen(ctx context.Context, screenID string, at time.Time) error {
	_, err := s.pool.Exec(ctx, `UPDATE screens SET last_seen_at = $2 WHERE id = $1`, screenID, at)
	return err
}

// Revisions

func (s *Store) IncrementRevision(ctx context.Context, tenantID string) (int64, error) {
	var revision int64
	err := s.pool.QueryRow(ctx, `
    UPDATE tenants SET display_revision = display_revision + 1
    WHERE id = $1
    RETURNING display_revision
  `, tenantID).Scan(&revision)
	return revision, notFound(err)
}

func (s *Store) Revision(ctx context.Context, tenantID string) (int64, error) {
	var revision int64
	err := s.pool.QueryRow(ctx, `SELECT display_revision FROM tenants WHERE id = $1`, tenantID).Scan(&revision)
	return revision, notFound(err)
}

// Quota

func (s *Store) ScreenLimit(ctx context.Context, tenantID string) (*int, error) {
	var limit *int
	err := s.pool.QueryRow(ctx, `SELECT screen_limit FROM tenants WHERE id = $1`, tenantID).Scan(&limit)
	return limit, notFound(err)
}

func (s *Store) QuotaScreens(ctx context.Context, tenantID string) ([]model.QuotaScreen, error) {
	rows, err := s.pool.Query(ctx, `
    SELECT id, token, is_active, auto_disabled_by_quota, created_at
    FROM screens
    WHERE tenant_id = $1
    ORDER BY created_at, id
  `, tenantID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var screens []model.QuotaScreen
	for rows.Next() {
		var screen model.QuotaScreen
		if err := rows.Scan(&screen.ID, &screen.Token, &screen.IsActive, &screen.AutoDisabledByQuota, &screen.CreatedAt); err != nil {
			return nil, err
		}
		screens = append(screens, screen)
	}
	return screens, rows.Err()
}

// ApplyQuota flips the quota flags in one transaction. The guards keep a
// screen disabled by hand from being re-enabled by a racing admin edit.
func (s *Store) ApplyQuota(ctx context.Context, tenantID string, enable, disable []string) error {
	return s.db.WithTx(ctx, func(tx pgx.Tx) error {
		if len(disable) > 0 {
			if _, err := tx.Exec(ctx, `
        UPDATE screens SET is_active = false, auto_disabled_by_quota = true
        WHERE tenant_id = $1 AND id = ANY($2::uuid[]) AND is_active = true
      `, tenantID, disable); err != nil {
				return err
			}
		}
		if len(enable) > 0 {
			if _, err := tx.Exec(ctx, `
        UPDATE screens SET is_active = true, auto_disabled_by_quota = false
        WHERE tenant_id = $1 AND id = ANY($2::uuid[]) AND auto_disabled_by_quota = true
      `, tenantID, enable); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *Store) TenantsWithScreens(ctx context.Context) ([]string, error) {
	rows, err := s.pool.Query(ctx, `SELECT DISTINCT tenant_id FROM screens ORDER BY tenant_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var tenants []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		tenants = append(tenants, id)
	}
	return tenants, rows.Err()
}

// Snapshot sources

func (s *Store) Tenant(ctx context.Context, tenantID string) (model.Tenant, error) {
	var tenant model.Tenant
	var settings []byte
	err := s.pool.QueryRow(ctx, `
    SELECT id, name, timezone, screen_limit, theme, refresh_interval_sec, allow_multi_device, display_settings
    FROM tenants
    WHERE id = $1
  `, tenantID).Scan(
		&tenant.ID,
		&tenant.Name,
		&tenant.Timezone,
		&tenant.ScreenLimit,
		&tenant.Theme,
		&tenant.RefreshInterval,
		&tenant.AllowMultiDevice,
		&settings,
	)
	if err != nil {
		return model.Tenant{}, notFound(err)
	}
	if len(settings) > 0 {
		tenant.DisplaySettings = json.RawMessage(settings)
	}
	return tenant, nil
}

func (s *Store) DayPlan(ctx context.Context, tenantID string, day time.Time) (model.DayPlan, error) {
	plan := model.DayPlan{IsSchoolDay: true}
	weekday := int(day.Weekday())
	date := pgDate(day)

	var holiday string
	err := s.pool.QueryRow(ctx, `SELECT label FROM calendar_holidays WHERE tenant_id = $1 AND day = $2`, tenantID, date).Scan(&holiday)
	if err == nil {
		return model.DayPlan{IsSchoolDay: false, HolidayLabel: holiday}, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return plan, err
	}

	var active bool
	err = s.pool.QueryRow(ctx, `SELECT is_active FROM school_days WHERE tenant_id = $1 AND weekday = $2`, tenantID, weekday).Scan(&active)
	if err == nil && !active {
		return model.DayPlan{IsSchoolDay: false}, nil
	}
	if err != nil && !errors.Is(err, pgx.ErrNoRows) {
		return plan, err
	}

	rows, err := s.pool.Query(ctx, `
    SELECT id, kind, period_index, label, starts_at, ends_at, whole_day
    FROM plan_entries
    WHERE tenant_id = $1 AND weekday = $2
    ORDER BY starts_at, period_index
  `, tenantID, weekday)
	if err != nil {
		return plan, err
	}
	defer rows.Close()
	for rows.Next() {
		var entry model.PlanEntry
		var starts, ends pgtype.Time
		if err := rows.Scan(&entry.ID, &entry.Kind, &entry.Index, &entry.Label, &starts, &ends, &entry.WholeDay); err != nil {
			return plan, err
		}
		entry.Starts = time.Duration(starts.Microseconds) * time.Microsecond
		entry.Ends = time.Duration(ends.Microseconds) * time.Microsecond
		plan.Entries = append(plan.Entries, entry)
	}
	return plan, rows.Err()
}

func (s *Store) PeriodClasses(ctx context.Context, tenantID string, day time.Time) ([]model.PeriodClass, error) {
	rows, err := s.pool.Query(ctx, `
    SELECT period_index, class_name, subject, teacher, room
    FROM period_classes
    WHERE tenant_id = $1 AND weekday = $2
    ORDER BY period_index, class_name
  `, tenantID, int(day.Weekday()))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var classes []model.PeriodClass
	for rows.Next() {
		var pc model.PeriodClass
		if err := rows.Scan(&pc.PeriodIndex, &pc.ClassName, &pc.Subject, &pc.Teacher, &pc.Room); err != nil {
			return nil, err
		}
		classes = append(classes, pc)
	}
	return classes, rows.Err()
}

// Announcements returns active announcements whose window touches the day.
func (s *Store) Announcements(ctx context.Context, tenantID string, day time.Time) ([]model.Announcement, error) {
	start := time.Date(day.Year(), day.Month(), day.Day(), 0, 0, 0, 0, day.Location())
	end := start.AddDate(0, 0, 1)
	rows, err := s.pool.Query(ctx, `
    SELECT id, title, body, level, starts_at, ends_at
    FROM announcements
    WHERE tenant_id = $1 AND is_active = true
      AND (starts_at IS NULL OR starts_at < $3)
      AND (ends_at IS NULL OR ends_at > $2)
    ORDER BY created_at DESC
  `, tenantID, start, end)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var announcements []model.Announcement
	for rows.Next() {
		var a model.Announcement
		if err := rows.Scan(&a.ID, &a.Title, &a.Body, &a.Level, &a.StartsAt, &a.EndsAt); err != nil {
			return nil, err
		}
		announcements = append(announcements, a)
	}
	return announcements, rows.Err()
}

func (s *Store) Standby(ctx context.Context, tenantID string, day time.Time) ([]model.StandbyItem, error) {
	rows, err := s.pool.Query(ctx, `
    SELECT period_index, class_name, absent_teacher, substitute_teacher, note
    FROM standby_assignments
    WHERE tenant_id = $1 AND day = $2
    ORDER BY period_index, class_name
  `, tenantID, pgDate(day))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var items []model.StandbyItem
	for rows.Next() {
		var item model.StandbyItem
		if err := rows.Scan(&item.PeriodIndex, &item.ClassName, &item.Absent, &item.Substitute, &item.Note); err != nil {
			return nil, err
		}
		items = append(items, item)
	}
	return items, rows.Err()
}

func (s *Store) Duty(ctx context.Context, tenantID string, day time.Time) ([]model.DutyItem, error) {
	rows, err := s.pool.Query(ctx, `
    SELECT duty_type, teacher, location, note
    FROM duty_assignments
    WHERE tenant_id = $1 AND day = $2
    ORDER BY duty_type, teacher
  `, tenantID, pgDate(day))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var items []model.DutyItem
	for rows.Next() {
		var item model.DutyItem
		if err := rows.Scan(&item.DutyType, &item.Teacher, &item.Location, &item.Note); err != nil {
			return nil, err
		}
		items = append(items, item)
	}
	return items, rows.Err()
}

func (s *Store) Excellence(ctx context.Context, tenantID string, day time.Time) ([]model.ExcellenceItem, error) {
	rows, err := s.pool.Query(ctx, `
    SELECT name, reason, image_url
    FROM excellence_entries
    WHERE tenant_id = $1
      AND (starts_on IS NULL OR starts_on <= $2)
      AND (ends_on IS NULL OR ends_on >= $2)
    ORDER BY sort, name
  `, tenantID, pgDate(day))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var items []model.ExcellenceItem
	for rows.Next() {
		var item model.ExcellenceItem
		if err := rows.Scan(&item.Name, &item.Reason, &item.ImageURL); err != nil {
			return nil, err
		}
		items = append(items, item)
	}
	return items, rows.Err()
}

func pgDate(day time.Time) pgtype.Date {
	return pgtype.Date{Time: time.Date(day.Year(), day.Month(), day.Day(), 0, 0, 0, 0, time.UTC), Valid: true}
}
