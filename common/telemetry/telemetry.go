// Package telemetry serves the node's observability endpoints: pprof for
// profiling and the Prometheus scrape target. Both bind loopback only; the
// admin API is the surface meant for remote operators.
package telemetry

import (
	"context"
	"fmt"
	"net/http"
	_ "net/http/pprof"

	"github.com/praxisworks/meshflow/common/logger"
	"github.com/praxisworks/meshflow/common/metrics"
)

// Telemetry holds the endpoint configuration.
type Telemetry struct {
	log           *logger.Logger
	pprofAddr     string
	metricsAddr   string
	enablePprof   bool
	enableMetrics bool
}

func New(pprofPort, metricsPort int, enablePprof, enableMetrics bool, log *logger.Logger) *Telemetry {
	return &Telemetry{
		log:           log,
		pprofAddr:     fmt.Sprintf("localhost:%d", pprofPort),
		metricsAddr:   fmt.Sprintf("localhost:%d", metricsPort),
		enablePprof:   enablePprof,
		enableMetrics: enableMetrics,
	}
}

// Start brings up the enabled endpoints. Each runs in its own goroutine
// for the life of the process; ctx is accepted for interface symmetry with
// the other components.
func (t *Telemetry) Start(ctx context.Context) error {
	if t.enablePprof {
		// pprof registers on DefaultServeMux via its import side effect.
		t.serve("pprof", t.pprofAddr, nil)
	}
	if t.enableMetrics {
		mux := http.NewServeMux()
		mux.Handle("/metrics", metrics.Handler())
		t.serve("metrics", t.metricsAddr, mux)
	}
	return nil
}

func (t *Telemetry) serve(name, addr string, handler http.Handler) {
	go func() {
		t.log.Info("telemetry endpoint up", "endpoint", name, "addr", addr)
		if err := http.ListenAndServe(addr, handler); err != nil {
			t.log.Error("telemetry endpoint failed", "endpoint", name, "error", err)
		}
	}()
}
