package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/praxisworks/meshflow/cmd/meshnode/admin"
	"github.com/praxisworks/meshflow/cmd/meshnode/distribution"
	"github.com/praxisworks/meshflow/cmd/meshnode/executor"
	"github.com/praxisworks/meshflow/cmd/meshnode/invoker"
	"github.com/praxisworks/meshflow/cmd/meshnode/joiner"
	"github.com/praxisworks/meshflow/cmd/meshnode/publisher"
	"github.com/praxisworks/meshflow/cmd/meshnode/reactor"
	"github.com/praxisworks/meshflow/cmd/meshnode/scheduler"
	"github.com/praxisworks/meshflow/common/bootstrap"
	"github.com/praxisworks/meshflow/common/config"
	"github.com/praxisworks/meshflow/common/logger"
	"github.com/praxisworks/meshflow/common/rulebase"
	"github.com/praxisworks/meshflow/common/transport"
)

func main() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Bootstrap shared components (config, logger, capture journal, telemetry)
	components, err := bootstrap.Setup(ctx, "meshnode")
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to setup control node: %v\n", err)
		os.Exit(1)
	}
	defer components.Shutdown(ctx)

	components.Logger.Info("control node starting", "node", components.Config.NodeID())

	// Build the node components around the shared rule base store
	nc, err := createNodeComponents(components)
	if err != nil {
		components.Logger.Error("failed to build node components", "error", err)
		os.Exit(1)
	}

	// Start all components
	errChan := startComponents(ctx, nc, components)

	components.Logger.Info("control node started",
		"node", components.Config.NodeID(),
		"token_ingress", nc.ingress.Addr().String(),
		"rule_ingress", nc.agent.Addr().String(),
	)

	// Wait for shutdown signal or component error
	waitForShutdown(ctx, cancel, errChan, nc, components)

	components.Logger.Info("control node shut down")
}

// nodeComponents holds the pieces of one control node
type nodeComponents struct {
	store   *rulebase.Store
	engine  *rulebase.Engine
	sched   *scheduler.Scheduler
	joins   *joiner.Coordinator
	exec    *executor.Executor
	ingress *reactor.Reactor
	agent   *distribution.Agent
	admin   *admin.Server
}

// createNodeComponents wires reactor, scheduler, joiner, executor, publisher
// and the rule distribution agent around one store and one capture sink.
func createNodeComponents(components *bootstrap.Components) (*nodeComponents, error) {
	cfg := components.Config
	log := components.Logger

	store := rulebase.NewStore()
	engine := rulebase.NewEngine(store)
	sched := scheduler.New(cfg.Scheduler.QueueHighWatermark, log.WithComponent("scheduler"))
	joins := joiner.New(cfg.Node.ServiceName, cfg.Node.Operation, cfg.Join.DeadlineSkewTolerance, sched, components.Capture, log.WithComponent("joiner"))

	send := transport.NewUDPSender(log.WithComponent("transport"))
	pub := publisher.New(cfg.Node.ServiceName, cfg.Node.Operation, engine, send, components.Capture, log.WithComponent("publisher"))

	inv, err := createInvoker(cfg, log.WithComponent("invoker"))
	if err != nil {
		return nil, fmt.Errorf("failed to create service invoker: %w", err)
	}

	exec := executor.New(sched, engine, inv, pub, components.Capture, executor.Config{
		RetryCap:   cfg.Worker.RetryCap,
		RetryDelay: cfg.Worker.RetryBaseDelay,
	}, log.WithComponent("executor"))

	ingress, err := reactor.New(fmt.Sprintf(":%d", cfg.Node.IngressPort), reactor.Config{
		Service:    cfg.Node.ServiceName,
		Operation:  cfg.Node.Operation,
		Grace:      cfg.Node.ActivationGrace,
		SweepEvery: cfg.Scheduler.SweepInterval,
	}, store, engine, sched, joins, components.Capture, log.WithComponent("reactor"))
	if err != nil {
		return nil, fmt.Errorf("failed to bind token ingress: %w", err)
	}

	// Rule base activations lift the parking brake on waiting tokens
	agent, err := distribution.New(fmt.Sprintf(":%d", cfg.RulePort()), cfg.NodeID(), cfg.Node.CommitmentEndpoint, store, send, ingress.NotifyActivation, log.WithComponent("distribution"))
	if err != nil {
		return nil, fmt.Errorf("failed to bind rule ingress: %w", err)
	}

	nc := &nodeComponents{
		store:   store,
		engine:  engine,
		sched:   sched,
		joins:   joins,
		exec:    exec,
		ingress: ingress,
		agent:   agent,
	}
	if cfg.Admin.Enabled {
		nc.admin = admin.New(admin.Components{
			Node:    cfg.NodeID(),
			Store:   store,
			Engine:  engine,
			Sched:   sched,
			Joins:   joins,
			Ingress: ingress,
			Sink:    components.Capture,
		}, log.WithComponent("admin"))
	}
	return nc, nil
}

// createInvoker picks the service adapter. Nodes without a backing service
// act as pure routing elements.
func createInvoker(cfg *config.Config, log *logger.Logger) (invoker.Invoker, error) {
	if cfg.Worker.ServiceEndpoint == "" {
		log.Info("no service endpoint configured, operating as routing node")
		return invoker.Pass{}, nil
	}
	return invoker.NewHTTP(cfg.Worker.ServiceEndpoint, cfg.Worker.ServiceTimeout, log)
}

// startComponents starts every long-running component in its own goroutine
func startComponents(ctx context.Context, nc *nodeComponents, components *bootstrap.Components) chan error {
	errChan := make(chan error, 4)

	go func() {
		if err := nc.ingress.Run(ctx); err != nil && err != context.Canceled {
			errChan <- fmt.Errorf("token ingress error: %w", err)
		}
	}()

	go func() {
		if err := nc.agent.Run(ctx); err != nil && err != context.Canceled {
			errChan <- fmt.Errorf("rule ingress error: %w", err)
		}
	}()

	go func() {
		if err := nc.exec.Run(ctx); err != nil && err != context.Canceled {
			errChan <- fmt.Errorf("executor error: %w", err)
		}
	}()

	if nc.admin != nil {
		go func() {
			if err := nc.admin.Start(components.Config.Admin.Port); err != nil {
				errChan <- fmt.Errorf("admin api error: %w", err)
			}
		}()
	}

	return errChan
}

// waitForShutdown waits for either a component error or a shutdown signal
func waitForShutdown(ctx context.Context, cancel context.CancelFunc, errChan chan error, nc *nodeComponents, components *bootstrap.Components) {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-errChan:
		components.Logger.Error("component failed", "error", err)
		components.Shutdown(ctx)
		os.Exit(1)
	case sig := <-sigChan:
		components.Logger.Info("received shutdown signal", "signal", sig)
		cancel()
	}

	if nc.admin != nil {
		shutdownCtx, release := context.WithTimeout(context.Background(), 5*time.Second)
		defer release()
		if err := nc.admin.Shutdown(shutdownCtx); err != nil {
			components.Logger.Warn("admin api shutdown", "error", err)
		}
	}
}
