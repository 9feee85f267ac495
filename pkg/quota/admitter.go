package quota

import (
	"math"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/toolchainlabs/remexec/pkg/auth"
	"github.com/toolchainlabs/remexec/pkg/clock"

	"golang.org/x/time/rate"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

var (
	admitterPrometheusMetrics sync.Once

	admitterExecuteRequestsThrottledTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "remexec",
			Subsystem: "quota",
			Name:      "execute_requests_throttled_total",
			Help:      "Number of Execute() calls rejected because a tenant exceeded its request rate.",
		},
		[]string{"tenant"})
	admitterExecutingOperations = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "remexec",
			Subsystem: "quota",
			Name:      "executing_operations",
			Help:      "Number of operations currently occupying an execution slot, per tenant.",
		},
		[]string{"tenant"})
)

// Admitter enforces per-tenant admission limits. Two independent limits
// exist: a token bucket on the rate of incoming Execute() calls, and a
// cap on the number of operations a tenant may have executing at the
// same time. Exceeding the former rejects the call; exceeding the
// latter never fails requests, it merely delays the point at which
// queued operations are handed to workers.
type Admitter struct {
	clock          clock.Clock
	tenantRegistry *auth.TenantRegistry

	lock    sync.Mutex
	tenants map[string]*tenantState
}

type tenantState struct {
	limiter             *rate.Limiter
	executingOperations int
}

// NewAdmitter creates an Admitter that obtains its per-tenant limits
// from a TenantRegistry.
func NewAdmitter(clock clock.Clock, tenantRegistry *auth.TenantRegistry) *Admitter {
	admitterPrometheusMetrics.Do(func() {
		prometheus.MustRegister(admitterExecuteRequestsThrottledTotal)
		prometheus.MustRegister(admitterExecutingOperations)
	})

	return &Admitter{
		clock:          clock,
		tenantRegistry: tenantRegistry,
		tenants:        map[string]*tenantState{},
	}
}

func (a *Admitter) getTenantStateLocked(tenant *auth.Tenant) *tenantState {
	ts, ok := a.tenants[tenant.Name]
	if !ok {
		ts = &tenantState{}
		if rps := tenant.ExecuteRequestsPerSecond; rps > 0 {
			// Allow short bursts at twice the sustained rate.
			burst := int(math.Ceil(2 * rps))
			if burst < 1 {
				burst = 1
			}
			ts.limiter = rate.NewLimiter(rate.Limit(rps), burst)
		}
		a.tenants[tenant.Name] = ts
	}
	return ts
}

// AdmitExecute checks whether a tenant is permitted to issue one more
// Execute() call right now. Unknown and disabled tenants are rejected
// with PERMISSION_DENIED; tenants exceeding their request rate with
// RESOURCE_EXHAUSTED.
func (a *Admitter) AdmitExecute(tenantName string) error {
	tenant, err := a.tenantRegistry.GetTenant(tenantName)
	if err != nil {
		return err
	}

	a.lock.Lock()
	defer a.lock.Unlock()

	ts := a.getTenantStateLocked(tenant)
	if ts.limiter != nil && !ts.limiter.AllowN(a.clock.Now(), 1) {
		admitterExecuteRequestsThrottledTotal.WithLabelValues(tenant.Name).Inc()
		return status.Errorf(codes.ResourceExhausted, "Tenant %#v exceeded its rate of %g execute requests per second", tenant.Name, tenant.ExecuteRequestsPerSecond)
	}
	return nil
}

// TryAcquireExecutionSlot attempts to reserve an execution slot for one
// operation of a tenant. It returns false if the tenant is already at
// its concurrency cap, in which case the operation must remain queued
// and the acquisition be retried after ReleaseExecutionSlot() is called
// for the tenant. Every successful acquisition must be paired with
// exactly one ReleaseExecutionSlot().
func (a *Admitter) TryAcquireExecutionSlot(tenantName string) bool {
	// Queued operations of a tenant that got disabled or removed
	// after admission are still allowed to drain.
	maximum := 0
	if tenant, err := a.tenantRegistry.GetTenant(tenantName); err == nil {
		maximum = tenant.MaximumInFlightOperations
	}

	a.lock.Lock()
	defer a.lock.Unlock()

	ts, ok := a.tenants[tenantName]
	if !ok {
		ts = &tenantState{}
		a.tenants[tenantName] = ts
	}
	if maximum > 0 && ts.executingOperations >= maximum {
		return false
	}
	ts.executingOperations++
	admitterExecutingOperations.WithLabelValues(tenantName).Inc()
	return true
}

// ReleaseExecutionSlot returns an execution slot that was previously
// acquired through TryAcquireExecutionSlot().
func (a *Admitter) ReleaseExecutionSlot(tenantName string) {
	a.lock.Lock()
	defer a.lock.Unlock()

	ts := a.tenants[tenantName]
	if ts == nil || ts.executingOperations <= 0 {
		panic("Attempted to release an execution slot that was not acquired")
	}
	ts.executingOperations--
	admitterExecutingOperations.WithLabelValues(tenantName).Dec()
}
