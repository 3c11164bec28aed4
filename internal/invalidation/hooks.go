// Package invalidation turns committed writes into revision bumps.
//
// Writers report each committed mutation by kind. Kinds listed in the Table
// as affecting displays schedule a debounced bump for the tenant; everything
// else is ignored.
package invalidation

import (
	"context"
	"errors"
	"log"
)

var ErrMissingTenant = errors.New("missing tenant id")

// Table maps a mutation kind to whether it changes what screens show.
type Table map[string]bool

func DefaultTable() Table {
	return Table{
		"timetable":        true,
		"plan_entry":       true,
		"school_day":       true,
		"holiday":          true,
		"period_class":     true,
		"announcement":     true,
		"standby":          true,
		"duty":             true,
		"excellence":       true,
		"display_settings": true,
		"screen":           true,
		"tenant":           true,
		"attendance":       false,
		"grade":            false,
	}
}

func (t Table) Affects(kind string) bool {
	return t[kind]
}

// Debouncer schedules a collapsed bump. Satisfied by *revision.Store.
type Debouncer interface {
	BumpDebounced(ctx context.Context, tenantID string) (bool, error)
}

type Hooks struct {
	table     Table
	revisions Debouncer
}

func NewHooks(table Table, revisions Debouncer) *Hooks {
	if table == nil {
		table = DefaultTable()
	}
	return &Hooks{table: table, revisions: revisions}
}

// AfterCommit must run after the writer's transaction commits. It reports
// whether the kind affects displays.
func (h *Hooks) AfterCommit(ctx context.Context, tenantID, kind string) (bool, error) {
	if tenantID == "" {
		return false, ErrMissingTenant
	}
	if !h.table.Affects(kind) {
		if _, known := h.table[kind]; !known {
			log.Printf("invalidation: unknown mutation kind %q for tenant %s", kind, tenantID)
		}
		return false, nil
	}
	if _, err := h.revisions.BumpDebounced(ctx, tenantID); err != nil {
		return true, err
	}
	return true, nil
}
