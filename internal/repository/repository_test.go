package repository

import (
	"context"
	"errors"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"semaphore/display/internal/db"
)

func openTestDB(t *testing.T) *pgxpool.Pool {
	url := os.Getenv("DISPLAY_TEST_DB")
	if url == "" {
		t.Skip("DISPLAY_TEST_DB not set")
		return nil
	}
	pool, err := db.NewPool(context.Background(), url)
	if err != nil {
		t.Skipf("db unavailable: %v", err)
		return nil
	}
	if err := db.Migrate(context.Background(), pool); err != nil {
		pool.Close()
		t.Fatalf("migrate: %v", err)
	}
	t.Cleanup(pool.Close)
	return pool
}

func seedTenant(t *testing.T, pool *pgxpool.Pool, limit *int) string {
	t.Helper()
	id := uuid.NewString()
	if _, err := pool.Exec(context.Background(), `
    INSERT INTO tenants (id, name, timezone, screen_limit) VALUES ($1, 'Test school', 'Europe/Paris', $2)
  `, id, limit); err != nil {
		t.Fatalf("seed tenant: %v", err)
	}
	t.Cleanup(func() {
		_, _ = pool.Exec(context.Background(), `DELETE FROM tenants WHERE id = $1`, id)
	})
	return id
}

func seedScreen(t *testing.T, pool *pgxpool.Pool, tenantID string, createdAt time.Time) (string, string) {
	t.Helper()
	id := uuid.NewString()
	token := uuid.NewString()
	if _, err := pool.Exec(context.Background(), `
    INSERT INTO screens (id, tenant_id, name, token, created_at) VALUES ($1, $2, 'Hall', $3, $4)
  `, id, tenantID, token, createdAt); err != nil {
		t.Fatalf("seed screen: %v", err)
	}
	return id, token
}

func TestBindDeviceOnlyOneWinner(t *testing.T) {
	pool := openTestDB(t)
	store := NewStore(pool)
	ctx := context.Background()
	tenantID := seedTenant(t, pool, nil)
	screenID, token := seedScreen(t, pool, tenantID, time.Now())

	var wg sync.WaitGroup
	wins := make(chan string, 10)
	for i := 0; i < 10; i++ {
		device := "device-" + string(rune('a'+i))
		wg.Add(1)
		go func() {
			defer wg.Done()
			won, err := store.BindDevice(ctx, screenID, device, time.Now())
			if err != nil {
				t.Errorf("bind: %v", err)
				return
			}
			if won {
				wins <- device
			}
		}()
	}
	wg.Wait()
	close(wins)
	if len(wins) != 1 {
		t.Fatalf("expected exactly one winner got %d", len(wins))
	}
	winner := <-wins

	screen, err := store.ScreenByToken(ctx, token)
	if err != nil {
		t.Fatalf("screen by token: %v", err)
	}
	if screen.BoundTo() != winner || screen.TenantTimezone != "Europe/Paris" {
		t.Fatalf("unexpected screen: %+v", screen)
	}

	screen, err = store.UnbindScreen(ctx, screenID)
	if err != nil {
		t.Fatalf("unbind: %v", err)
	}
	if screen.BoundTo() != "" {
		t.Fatalf("expected unbound screen")
	}
	if _, err := store.ScreenByToken(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound got %v", err)
	}
}

func TestIncrementRevisionIsMonotonic(t *testing.T) {
	pool := openTestDB(t)
	store := NewStore(pool)
	ctx := context.Background()
	tenantID := seedTenant(t, pool, nil)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := store.IncrementRevision(ctx, tenantID); err != nil {
				t.Errorf("increment: %v", err)
			}
		}()
	}
	wg.Wait()
	revision, err := store.Revision(ctx, tenantID)
	if err != nil {
		t.Fatalf("revision: %v", err)
	}
	if revision != 20 {
		t.Fatalf("expected revision 20 got %d", revision)
	}
	if _, err := store.IncrementRevision(ctx, uuid.NewString()); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound got %v", err)
	}
}

func TestApplyQuotaKeepsManualDisables(t *testing.T) {
	pool := openTestDB(t)
	store := NewStore(pool)
	ctx := context.Background()
	limit := 1
	tenantID := seedTenant(t, pool, &limit)
	base := time.Date(2026, 1, 1, 8, 0, 0, 0, time.UTC)
	first, _ := seedScreen(t, pool, tenantID, base)
	second, _ := seedScreen(t, pool, tenantID, base.Add(time.Minute))
	manual, _ := seedScreen(t, pool, tenantID, base.Add(2*time.Minute))
	if _, err := pool.Exec(ctx, `UPDATE screens SET is_active = false WHERE id = $1`, manual); err != nil {
		t.Fatalf("disable: %v", err)
	}

	if err := store.ApplyQuota(ctx, tenantID, []string{manual}, []string{second}); err != nil {
		t.Fatalf("apply quota: %v", err)
	}
	screens, err := store.QuotaScreens(ctx, tenantID)
	if err != nil {
		t.Fatalf("quota screens: %v", err)
	}
	if len(screens) != 3 || screens[0].ID != first {
		t.Fatalf("unexpected order: %+v", screens)
	}
	if !screens[0].IsActive {
		t.Fatalf("first screen must stay active")
	}
	if screens[1].IsActive || !screens[1].AutoDisabledByQuota {
		t.Fatalf("second screen must be auto disabled: %+v", screens[1])
	}
	if screens[2].IsActive || screens[2].AutoDisabledByQuota {
		t.Fatalf("manual disable must be left alone: %+v", screens[2])
	}

	got, err := store.ScreenLimit(ctx, tenantID)
	if err != nil || got == nil || *got != 1 {
		t.Fatalf("unexpected limit %v err %v", got, err)
	}
}

func TestDayPlanHolidayAndEntries(t *testing.T) {
	pool := openTestDB(t)
	store := NewStore(pool)
	ctx := context.Background()
	tenantID := seedTenant(t, pool, nil)
	monday := time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC)

	if _, err := pool.Exec(ctx, `
    INSERT INTO plan_entries (id, tenant_id, weekday, kind, period_index, label, starts_at, ends_at)
    VALUES ($1, $2, 1, 'period', 1, 'P1', '08:00', '08:45'), ($3, $2, 1, 'break', 0, 'Recess', '08:45', '09:00')
  `, uuid.NewString(), tenantID, uuid.NewString()); err != nil {
		t.Fatalf("seed plan: %v", err)
	}

	plan, err := store.DayPlan(ctx, tenantID, monday)
	if err != nil {
		t.Fatalf("day plan: %v", err)
	}
	if !plan.IsSchoolDay || len(plan.Entries) != 2 {
		t.Fatalf("unexpected plan: %+v", plan)
	}
	if plan.Entries[0].Starts != 8*time.Hour || plan.Entries[1].Ends != 9*time.Hour {
		t.Fatalf("unexpected offsets: %+v", plan.Entries)
	}

	if _, err := pool.Exec(ctx, `INSERT INTO calendar_holidays (tenant_id, day, label) VALUES ($1, $2, 'Spring break')`, tenantID, monday); err != nil {
		t.Fatalf("seed holiday: %v", err)
	}
	plan, err = store.DayPlan(ctx, tenantID, monday)
	if err != nil {
		t.Fatalf("day plan: %v", err)
	}
	if plan.IsSchoolDay || plan.HolidayLabel != "Spring break" || len(plan.Entries) != 0 {
		t.Fatalf("expected holiday plan: %+v", plan)
	}
}
