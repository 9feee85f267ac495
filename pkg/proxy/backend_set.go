package proxy

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/toolchainlabs/remexec/pkg/clock"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

var (
	backendSetPrometheusMetrics sync.Once

	backendSetInFlightRPCs = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "remexec",
			Subsystem: "proxy",
			Name:      "backend_in_flight_rpcs",
			Help:      "Number of RPCs currently pinned to each backend.",
		},
		[]string{"backend"})
	backendSetEjectionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "remexec",
			Subsystem: "proxy",
			Name:      "backend_ejections_total",
			Help:      "Number of times each backend was ejected after consecutive failures.",
		},
		[]string{"backend"})
)

// Backend is a single upstream gRPC connection managed by a BackendSet,
// together with the health accounting needed for load balancing.
type Backend struct {
	set     *BackendSet
	address string
	conn    grpc.ClientConnInterface

	// Protected by set.lock.
	inFlightRPCs        int
	consecutiveFailures int
	ejectedUntil        time.Time
}

// Connection returns the gRPC client connection of this backend.
func (b *Backend) Connection() grpc.ClientConnInterface {
	return b.conn
}

// BackendSet tracks the health and load of a group of upstream
// backends, dispatching each new stream to the healthy backend with the
// fewest RPCs in flight. A backend that fails too many times in a row
// is ejected for a cool-down period, after which a single stream is
// allowed through to probe whether it recovered.
type BackendSet struct {
	clock                      clock.Clock
	maximumConsecutiveFailures int
	ejectionCooldown           time.Duration

	lock     sync.Mutex
	backends []*Backend
}

// NewBackendSet creates a BackendSet without any backends.
func NewBackendSet(clock clock.Clock, maximumConsecutiveFailures int, ejectionCooldown time.Duration) *BackendSet {
	backendSetPrometheusMetrics.Do(func() {
		prometheus.MustRegister(backendSetInFlightRPCs)
		prometheus.MustRegister(backendSetEjectionsTotal)
	})

	return &BackendSet{
		clock:                      clock,
		maximumConsecutiveFailures: maximumConsecutiveFailures,
		ejectionCooldown:           ejectionCooldown,
	}
}

// AddBackend registers an upstream connection. The address is only used
// for error messages and metrics labels; resolution of "dns:///" and
// "kubernetes:///" targets happens inside the connection itself.
func (bs *BackendSet) AddBackend(address string, conn grpc.ClientConnInterface) {
	bs.lock.Lock()
	defer bs.lock.Unlock()
	bs.backends = append(bs.backends, &Backend{
		set:     bs,
		address: address,
		conn:    conn,
	})
}

// Pick returns the healthy backend with the fewest in-flight RPCs and
// pins one RPC to it. Finish() must be called when the RPC completes.
// If all backends are ejected, an UNAVAILABLE error is returned.
func (bs *BackendSet) Pick() (*Backend, error) {
	now := bs.clock.Now()

	bs.lock.Lock()
	defer bs.lock.Unlock()

	var picked *Backend
	for _, backend := range bs.backends {
		if now.Before(backend.ejectedUntil) {
			continue
		}
		if picked == nil || backend.inFlightRPCs < picked.inFlightRPCs {
			picked = backend
		}
	}
	if picked == nil {
		return nil, status.Error(codes.Unavailable, "No healthy backends available")
	}
	picked.inFlightRPCs++
	backendSetInFlightRPCs.WithLabelValues(picked.address).Inc()
	return picked, nil
}

// Finish reports the outcome of an RPC that was previously pinned to
// this backend through Pick(). Only UNAVAILABLE errors count against
// the backend's health, as other error codes are produced by the
// application rather than the transport.
func (b *Backend) Finish(err error) {
	bs := b.set
	now := bs.clock.Now()

	bs.lock.Lock()
	defer bs.lock.Unlock()

	b.inFlightRPCs--
	backendSetInFlightRPCs.WithLabelValues(b.address).Dec()

	if status.Code(err) == codes.Unavailable {
		// Leave the failure count saturated, so that a backend
		// being probed after its cool-down is ejected again on
		// its first failure.
		if b.consecutiveFailures < bs.maximumConsecutiveFailures {
			b.consecutiveFailures++
		}
		if b.consecutiveFailures >= bs.maximumConsecutiveFailures {
			b.ejectedUntil = now.Add(bs.ejectionCooldown)
			backendSetEjectionsTotal.WithLabelValues(b.address).Inc()
		}
	} else {
		b.consecutiveFailures = 0
	}
}
