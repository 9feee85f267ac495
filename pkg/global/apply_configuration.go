package global

import (
	"context"
	"net/http"
	"sync"

	// The pprof package does not provide a function for registering
	// its endpoints against an arbitrary mux. Load it to force
	// registration against the default mux, so we can forward
	// traffic to that mux instead.
	_ "net/http/pprof"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	bb_grpc "github.com/toolchainlabs/remexec/pkg/grpc"
	"github.com/toolchainlabs/remexec/pkg/program"
	"github.com/toolchainlabs/remexec/pkg/util"
)

// DiagnosticsHTTPServerConfiguration holds the options of the HTTP
// server that exposes Prometheus metrics, health probes and pprof.
type DiagnosticsHTTPServerConfiguration struct {
	// Address on which to listen, such as ":9980".
	ListenAddress string `json:"listenAddress"`
	// Whether to expose Prometheus metrics on /metrics.
	EnablePrometheus bool `json:"enablePrometheus,omitempty"`
	// Whether to expose profiling endpoints under /debug/pprof/.
	EnablePprof bool `json:"enablePprof,omitempty"`
}

// Configuration holds the process-wide options that are shared by all
// binaries in this repository.
type Configuration struct {
	// Optional: diagnostics HTTP server. No server is started if
	// unset.
	DiagnosticsHTTPServer *DiagnosticsHTTPServerConfiguration `json:"diagnosticsHttpServer,omitempty"`
}

// LifecycleState is returned by ApplyConfiguration. The caller must
// invoke MarkReadyAndWait() once all of its services have been
// instantiated, so that the readiness probe starts reporting success.
type LifecycleState struct {
	configuration *DiagnosticsHTTPServerConfiguration

	lock            sync.Mutex
	ready           bool
	readinessChecks []func() bool
}

// ApplyConfiguration applies process-wide options and constructs the
// gRPC client factory that all outgoing connections must use, so that
// they share instrumentation.
func ApplyConfiguration(configuration *Configuration) (*LifecycleState, bb_grpc.ClientFactory, error) {
	clientFactory := bb_grpc.NewDeduplicatingClientFactory(
		bb_grpc.NewBaseClientFactory(
			bb_grpc.NewLazyClientDialer(bb_grpc.BaseClientDialer)))
	return &LifecycleState{
		configuration: configuration.GetDiagnosticsHTTPServer(),
	}, clientFactory, nil
}

// GetDiagnosticsHTTPServer returns the diagnostics server options, or
// nil if the configuration as a whole is absent.
func (configuration *Configuration) GetDiagnosticsHTTPServer() *DiagnosticsHTTPServerConfiguration {
	if configuration == nil {
		return nil
	}
	return configuration.DiagnosticsHTTPServer
}

// AddReadinessCheck registers a predicate that must hold before the
// readiness probe reports success. Checks can be added up until
// MarkReadyAndWait() is called.
func (ls *LifecycleState) AddReadinessCheck(check func() bool) {
	ls.lock.Lock()
	ls.readinessChecks = append(ls.readinessChecks, check)
	ls.lock.Unlock()
}

func (ls *LifecycleState) isReady() bool {
	ls.lock.Lock()
	defer ls.lock.Unlock()
	if !ls.ready {
		return false
	}
	for _, check := range ls.readinessChecks {
		if !check() {
			return false
		}
	}
	return true
}

// MarkReadyAndWait reports that the program has started successfully.
// The diagnostics HTTP server, if configured, is spawned as part of the
// provided group and reports readiness from this point on.
func (ls *LifecycleState) MarkReadyAndWait(group program.Group) {
	ls.lock.Lock()
	ls.ready = true
	ls.lock.Unlock()

	if configuration := ls.configuration; configuration != nil {
		router := mux.NewRouter()
		router.HandleFunc("/-/healthy", func(http.ResponseWriter, *http.Request) {})
		router.HandleFunc("/-/ready", func(w http.ResponseWriter, _ *http.Request) {
			if !ls.isReady() {
				http.Error(w, http.StatusText(http.StatusServiceUnavailable), http.StatusServiceUnavailable)
			}
		})
		if configuration.EnablePrometheus {
			router.Handle("/metrics", promhttp.Handler())
		}
		if configuration.EnablePprof {
			router.PathPrefix("/debug/pprof/").Handler(http.DefaultServeMux)
		}
		server := &http.Server{
			Addr:    configuration.ListenAddress,
			Handler: router,
		}
		group.Go(func(ctx context.Context, siblingsGroup, dependenciesGroup program.Group) error {
			go func() {
				<-ctx.Done()
				server.Shutdown(context.Background())
			}()
			if err := server.ListenAndServe(); err != http.ErrServerClosed {
				return util.StatusWrap(err, "Diagnostics HTTP server failure")
			}
			return nil
		})
	}
}
