package bootstrap

import (
	"context"
	"fmt"

	goredis "github.com/redis/go-redis/v9"

	"github.com/praxisworks/meshflow/common/capture"
	"github.com/praxisworks/meshflow/common/config"
	"github.com/praxisworks/meshflow/common/db"
	"github.com/praxisworks/meshflow/common/logger"
	"github.com/praxisworks/meshflow/common/redis"
	"github.com/praxisworks/meshflow/common/telemetry"
)

// Setup initializes all control-node components
// This is the main entry point for every binary
func Setup(ctx context.Context, serviceName string, opts ...Option) (*Components, error) {
	// Apply options
	options := defaultOptions()
	for _, opt := range opts {
		opt(options)
	}

	components := &Components{
		cleanupFuncs: make([]func() error, 0),
	}

	// 1. Load configuration
	var err error
	if options.customConfig != nil {
		components.Config = options.customConfig
	} else {
		components.Config, err = config.Load(serviceName)
		if err != nil {
			return nil, fmt.Errorf("failed to load config: %w", err)
		}
	}

	// 2. Initialize logger
	if options.customLogger != nil {
		components.Logger = options.customLogger
	} else {
		components.Logger = logger.New(
			components.Config.Node.LogLevel,
			components.Config.Node.LogFormat,
		)
	}

	components.Logger.Info("initializing control node",
		"node", components.Config.NodeID(),
		"environment", components.Config.Node.Environment,
	)

	// 3. Initialize the capture journal and whatever backing store it needs
	if !options.skipCapture {
		appender, err := setupAppender(ctx, components, options)
		if err != nil {
			components.Shutdown(ctx)
			return nil, err
		}
		components.Capture = capture.NewSink(
			appender,
			components.Config.Capture.BufferSize,
			components.Logger,
		)
		components.addCleanup(func() error {
			components.Logger.Info("closing capture journal")
			return components.Capture.Close()
		})
	}

	// 4. Initialize telemetry (if not skipped)
	if !options.skipTelemetry {
		tcfg := components.Config.Telemetry
		if tcfg.EnablePprof || tcfg.EnableMetrics {
			components.Telemetry = telemetry.New(
				tcfg.PprofPort,
				tcfg.MetricsPort,
				tcfg.EnablePprof,
				tcfg.EnableMetrics,
				components.Logger,
			)
			if err := components.Telemetry.Start(ctx); err != nil {
				components.Logger.Warn("failed to start telemetry", "error", err)
				// Don't fail startup if telemetry fails
			}
		}
	}

	components.Logger.Info("control node initialization complete",
		"node", components.Config.NodeID(),
		"capture", components.Config.Capture.Backend,
		"db", components.DB != nil,
		"redis", components.Redis != nil,
	)

	return components, nil
}

// setupAppender resolves the configured capture backend, bringing up the
// database or Redis connection it depends on.
func setupAppender(ctx context.Context, components *Components, options *options) (capture.Appender, error) {
	if options.customAppender != nil {
		return options.customAppender, nil
	}

	cfg := components.Config
	switch cfg.Capture.Backend {
	case "none":
		return capture.Nop{}, nil

	case "bolt":
		store, err := capture.NewBoltStore(cfg.Capture.Path)
		if err != nil {
			return nil, fmt.Errorf("failed to open capture journal: %w", err)
		}
		return store, nil

	case "postgres":
		components.Logger.Info("connecting to database")
		database, err := db.New(ctx, cfg.Database, components.Logger)
		if err != nil {
			return nil, fmt.Errorf("failed to connect to database: %w", err)
		}
		components.DB = database
		components.addCleanup(func() error {
			components.Logger.Info("closing database connection")
			database.Close()
			return nil
		})
		if options.dbInitHook != nil {
			if err := options.dbInitHook(database); err != nil {
				return nil, fmt.Errorf("database init hook failed: %w", err)
			}
		}
		store := capture.NewPostgresStore(database)
		if err := store.EnsureSchema(ctx); err != nil {
			return nil, err
		}
		return store, nil

	case "redis":
		components.Logger.Info("connecting to redis")
		rdb := goredis.NewClient(&goredis.Options{
			Addr:     cfg.RedisAddr(),
			Password: cfg.Redis.Password,
			DB:       0,
		})
		if err := rdb.Ping(ctx).Err(); err != nil {
			return nil, fmt.Errorf("failed to ping redis: %w", err)
		}
		client := redis.NewClient(rdb, components.Logger)
		components.Redis = client
		components.addCleanup(func() error {
			components.Logger.Info("closing redis connection")
			return client.Close()
		})
		return capture.NewStreamStore(client, cfg.Capture.Stream), nil

	default:
		return nil, fmt.Errorf("unknown capture backend: %s", cfg.Capture.Backend)
	}
}

// MustSetup is like Setup but panics on error
// Useful for binaries that can't recover from initialization failure
func MustSetup(ctx context.Context, serviceName string, opts ...Option) *Components {
	components, err := Setup(ctx, serviceName, opts...)
	if err != nil {
		panic(fmt.Sprintf("failed to setup %s: %v", serviceName, err))
	}
	return components
}
