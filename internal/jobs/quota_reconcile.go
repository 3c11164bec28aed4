package jobs

import (
	"context"
	"log"
	"time"

	"semaphore/display/internal/config"
	"semaphore/display/internal/quota"
)

type TenantLister interface {
	TenantsWithScreens(ctx context.Context) ([]string, error)
}

type QuotaEnforcer interface {
	Enforce(ctx context.Context, tenantID string) (quota.Result, error)
}

// StartQuotaReconcileJob periodically re-applies screen quotas, picking up
// limit changes that arrived without a direct enforce call.
func StartQuotaReconcileJob(ctx context.Context, cfg config.Config, tenants TenantLister, enforcer QuotaEnforcer) {
	if !cfg.QuotaReconcileEnabled {
		return
	}
	if tenants == nil || enforcer == nil {
		log.Printf("quota reconcile job disabled: store not configured")
		return
	}
	interval := cfg.QuotaReconcileInterval
	if interval <= 0 {
		interval = 10 * time.Minute
	}
	timeout := cfg.QuotaReconcileTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				tickCtx, cancel := context.WithTimeout(ctx, timeout)
				changed, err := ReconcileQuotas(tickCtx, tenants, enforcer)
				cancel()
				if err != nil {
					log.Printf("quota reconcile job error: %v", err)
					continue
				}
				if changed > 0 {
					log.Printf("quota reconcile job updated %d tenants", changed)
				}
			}
		}
	}()
}

// ReconcileQuotas runs one pass and returns how many tenants changed. A
// failing tenant is logged and skipped.
func ReconcileQuotas(ctx context.Context, tenants TenantLister, enforcer QuotaEnforcer) (int, error) {
	ids, err := tenants.TenantsWithScreens(ctx)
	if err != nil {
		return 0, err
	}
	changed := 0
	for _, tenantID := range ids {
		if ctx.Err() != nil {
			return changed, ctx.Err()
		}
		result, err := enforcer.Enforce(ctx, tenantID)
		if err != nil {
			log.Printf("quota reconcile for tenant %s failed: %v", tenantID, err)
			continue
		}
		if !result.Decision.Empty() {
			changed++
		}
	}
	return changed, nil
}
