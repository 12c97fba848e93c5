package bootstrap

import (
	"context"
	"errors"
	"fmt"

	"github.com/praxisworks/meshflow/common/capture"
	"github.com/praxisworks/meshflow/common/config"
	"github.com/praxisworks/meshflow/common/db"
	"github.com/praxisworks/meshflow/common/logger"
	"github.com/praxisworks/meshflow/common/redis"
	"github.com/praxisworks/meshflow/common/telemetry"
)

// Components holds the initialized control-node dependencies. DB and Redis
// are nil unless the capture backend needs them.
type Components struct {
	Config    *config.Config
	Logger    *logger.Logger
	DB        *db.DB
	Redis     *redis.Client
	Capture   *capture.Sink
	Telemetry *telemetry.Telemetry

	cleanupFuncs []func() error
}

// Shutdown runs the registered cleanups in reverse setup order, so the
// capture sink drains into its backend before the backend closes. Call
// with defer after Setup.
func (c *Components) Shutdown(ctx context.Context) error {
	c.Logger.Info("shutting down components")

	var errs []error
	for i := len(c.cleanupFuncs) - 1; i >= 0; i-- {
		if err := c.cleanupFuncs[i](); err != nil {
			c.Logger.Error("cleanup error", "error", err)
			errs = append(errs, err)
		}
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("shutdown incomplete: %w", err)
	}

	c.Logger.Info("shutdown complete")
	return nil
}

// Health reports the first unhealthy backing store. The in-memory
// components have no failure mode to probe.
func (c *Components) Health(ctx context.Context) error {
	if c.DB != nil {
		if err := c.DB.Health(ctx); err != nil {
			return fmt.Errorf("journal database unhealthy: %w", err)
		}
	}
	if c.Redis != nil {
		if err := c.Redis.Health(ctx); err != nil {
			return fmt.Errorf("journal redis unhealthy: %w", err)
		}
	}
	return nil
}

func (c *Components) addCleanup(fn func() error) {
	c.cleanupFuncs = append(c.cleanupFuncs, fn)
}
