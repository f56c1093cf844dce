// Package admission implements fail-fast concurrency gating for uploads.
// Rejected requests are surfaced immediately; nothing is ever queued.
//
// The counters are plain in-process state: correctness depends on exactly
// one serving process. Multi-instance deployments need this state moved to a
// shared coordination store.
package admission

import (
	"context"
	"strings"
	"sync"

	"github.com/settld/go-settle/core"
)

const (
	ScopeTenant = "tenant"
	ScopeGlobal = "global"
)

type Config struct {
	// Zero means uncapped.
	GlobalMaxActive int
	TenantMaxActive int
}

// Controller owns the admission counters. Create one at process start and
// Close it on shutdown.
type Controller struct {
	mu        sync.Mutex
	cfg       Config
	global    int
	perTenant map[string]int
	closed    bool
	metrics   core.MetricsRecorder
}

func NewController(cfg Config, metrics core.MetricsRecorder) *Controller {
	if metrics == nil {
		metrics = core.NopMetricsRecorder{}
	}
	return &Controller{
		cfg:       cfg,
		perTenant: map[string]int{},
		metrics:   metrics,
	}
}

// TryAcquire attempts to take one slot for the tenant. The per-tenant cap is
// checked before the global cap. The returned release is idempotent: calling
// it more than once releases the slot exactly once.
func (c *Controller) TryAcquire(tenantID string) core.AdmissionDecision {
	if c == nil {
		return core.AdmissionDecision{OK: true, Release: func() {}}
	}
	tenantID = strings.TrimSpace(tenantID)

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return c.rejected(tenantID, ScopeGlobal)
	}
	if c.cfg.TenantMaxActive > 0 && c.perTenant[tenantID] >= c.cfg.TenantMaxActive {
		return c.rejected(tenantID, ScopeTenant)
	}
	if c.cfg.GlobalMaxActive > 0 && c.global >= c.cfg.GlobalMaxActive {
		return c.rejected(tenantID, ScopeGlobal)
	}

	c.perTenant[tenantID]++
	c.global++
	c.publishGauges(tenantID)

	released := false
	release := func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		if released {
			return
		}
		released = true
		if c.perTenant[tenantID] > 0 {
			c.perTenant[tenantID]--
		}
		if c.perTenant[tenantID] == 0 {
			delete(c.perTenant, tenantID)
		}
		if c.global > 0 {
			c.global--
		}
		c.publishGauges(tenantID)
	}
	return core.AdmissionDecision{OK: true, Release: release}
}

// ActiveCounts returns the current global count and the tenant's count.
func (c *Controller) ActiveCounts(tenantID string) (global int, tenant int) {
	if c == nil {
		return 0, 0
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.global, c.perTenant[strings.TrimSpace(tenantID)]
}

// Close rejects all further acquisitions. Held slots can still be released.
func (c *Controller) Close() {
	if c == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
}

func (c *Controller) rejected(tenantID string, scope string) core.AdmissionDecision {
	c.metrics.IncCounter(context.Background(), "settle.admission_rejected.total", 1, map[string]string{
		"tenant_id": tenantID,
		"scope":     scope,
	})
	return core.AdmissionDecision{OK: false, Scope: scope, Release: func() {}}
}

// publishGauges is called with the mutex held.
func (c *Controller) publishGauges(tenantID string) {
	ctx := context.Background()
	c.metrics.ObserveHistogram(ctx, "settle.admission_active.global", float64(c.global), nil)
	c.metrics.ObserveHistogram(ctx, "settle.admission_active.tenant", float64(c.perTenant[tenantID]), map[string]string{
		"tenant_id": tenantID,
	})
}

var _ core.AdmissionGate = (*Controller)(nil)
