// Package quota keeps a tenant's enabled screens within its screen limit.
package quota

import (
	"context"
	"fmt"
	"log"
	"sort"

	"semaphore/display/internal/model"
)

// Limit is an effective screen limit. The zero value is a limit of zero.
type Limit struct {
	Max       int
	Unlimited bool
}

func Unlimited() Limit { return Limit{Unlimited: true} }

func Max(n int) Limit {
	if n < 0 {
		n = 0
	}
	return Limit{Max: n}
}

func (l Limit) String() string {
	if l.Unlimited {
		return "unlimited"
	}
	return fmt.Sprintf("%d", l.Max)
}

// Decision lists the screens whose flags must flip.
type Decision struct {
	Enable  []string `json:"enable"`
	Disable []string `json:"disable"`
}

func (d Decision) Empty() bool {
	return len(d.Enable) == 0 && len(d.Disable) == 0
}

// Plan ranks eligible screens oldest first, creation time then id, and keeps
// the first limit of them enabled. Screens disabled by hand are not eligible
// and never appear in the decision.
func Plan(screens []model.QuotaScreen, limit Limit) Decision {
	eligible := make([]model.QuotaScreen, 0, len(screens))
	for _, s := range screens {
		if s.IsActive || s.AutoDisabledByQuota {
			eligible = append(eligible, s)
		}
	}
	sort.SliceStable(eligible, func(i, j int) bool {
		if !eligible[i].CreatedAt.Equal(eligible[j].CreatedAt) {
			return eligible[i].CreatedAt.Before(eligible[j].CreatedAt)
		}
		return eligible[i].ID < eligible[j].ID
	})

	var d Decision
	for i, s := range eligible {
		keep := limit.Unlimited || i < limit.Max
		switch {
		case keep && !s.IsActive:
			d.Enable = append(d.Enable, s.ID)
		case !keep && s.IsActive:
			d.Disable = append(d.Disable, s.ID)
		}
	}
	return d
}

type Repository interface {
	QuotaScreens(ctx context.Context, tenantID string) ([]model.QuotaScreen, error)
	ApplyQuota(ctx context.Context, tenantID string, enable, disable []string) error
}

// LimitSource supplies the effective limit for a tenant.
type LimitSource interface {
	ScreenLimit(ctx context.Context, tenantID string) (Limit, error)
}

// TokenEvictor drops cached token lookups. Satisfied by *binding.Service.
type TokenEvictor interface {
	Evict(ctx context.Context, tokens ...string)
}

type Bumper interface {
	Bump(ctx context.Context, tenantID string) (int64, error)
}

type Enforcer struct {
	repo    Repository
	limits  LimitSource
	evictor TokenEvictor
	bumper  Bumper
}

func NewEnforcer(repo Repository, limits LimitSource, evictor TokenEvictor, bumper Bumper) *Enforcer {
	return &Enforcer{repo: repo, limits: limits, evictor: evictor, bumper: bumper}
}

type Result struct {
	TenantID string   `json:"tenant_id"`
	Limit    string   `json:"limit"`
	Decision Decision `json:"decision"`
	Revision int64    `json:"revision,omitempty"`
}

// Enforce applies the plan for one tenant. Running it twice with the same
// limit changes nothing the second time.
func (e *Enforcer) Enforce(ctx context.Context, tenantID string) (Result, error) {
	limit, err := e.limits.ScreenLimit(ctx, tenantID)
	if err != nil {
		return Result{}, fmt.Errorf("load screen limit: %w", err)
	}
	screens, err := e.repo.QuotaScreens(ctx, tenantID)
	if err != nil {
		return Result{}, fmt.Errorf("load screens: %w", err)
	}

	decision := Plan(screens, limit)
	result := Result{TenantID: tenantID, Limit: limit.String(), Decision: decision}
	if decision.Empty() {
		return result, nil
	}
	if err := e.repo.ApplyQuota(ctx, tenantID, decision.Enable, decision.Disable); err != nil {
		return Result{}, fmt.Errorf("apply quota: %w", err)
	}
	log.Printf("quota applied for tenant %s (limit %s): enabled=%d disabled=%d",
		tenantID, limit, len(decision.Enable), len(decision.Disable))

	if e.evictor != nil {
		changed := make(map[string]bool, len(decision.Enable)+len(decision.Disable))
		for _, id := range decision.Enable {
			changed[id] = true
		}
		for _, id := range decision.Disable {
			changed[id] = true
		}
		var tokens []string
		for _, s := range screens {
			if changed[s.ID] {
				tokens = append(tokens, s.Token)
			}
		}
		e.evictor.Evict(ctx, tokens...)
	}
	if e.bumper != nil {
		revision, err := e.bumper.Bump(ctx, tenantID)
		if err != nil {
			log.Printf("revision bump after quota change for %s failed: %v", tenantID, err)
		}
		result.Revision = revision
	}
	return result, nil
}

// ScreenLimits reads the limit stored on the tenant row. Satisfied by
// *repository.Store.
type ScreenLimits interface {
	ScreenLimit(ctx context.Context, tenantID string) (*int, error)
}

// StoredLimits is the default LimitSource: a NULL limit means unlimited.
type StoredLimits struct {
	Store ScreenLimits
}

func (s StoredLimits) ScreenLimit(ctx context.Context, tenantID string) (Limit, error) {
	limit, err := s.Store.ScreenLimit(ctx, tenantID)
	if err != nil {
		return Limit{}, err
	}
	if limit == nil {
		return Unlimited(), nil
	}
	return Max(*limit), nil
}
