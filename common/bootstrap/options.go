package bootstrap

import (
	"github.com/praxisworks/meshflow/common/capture"
	"github.com/praxisworks/meshflow/common/config"
	"github.com/praxisworks/meshflow/common/db"
	"github.com/praxisworks/meshflow/common/logger"
)

// Option configures the bootstrap process
type Option func(*options)

type options struct {
	skipCapture    bool
	skipTelemetry  bool
	customLogger   *logger.Logger
	customConfig   *config.Config
	customAppender capture.Appender
	dbInitHook     func(*db.DB) error
}

// WithoutCapture skips journal initialization
func WithoutCapture() Option {
	return func(o *options) {
		o.skipCapture = true
	}
}

// WithoutTelemetry skips telemetry initialization
func WithoutTelemetry() Option {
	return func(o *options) {
		o.skipTelemetry = true
	}
}

// WithCustomLogger uses a custom logger instead of creating one
func WithCustomLogger(log *logger.Logger) Option {
	return func(o *options) {
		o.customLogger = log
	}
}

// WithCustomConfig uses a custom config instead of loading from env
func WithCustomConfig(cfg *config.Config) Option {
	return func(o *options) {
		o.customConfig = cfg
	}
}

// WithCaptureAppender journals into the given backend instead of the
// configured one. Tests use this to capture into memory.
func WithCaptureAppender(app capture.Appender) Option {
	return func(o *options) {
		o.customAppender = app
	}
}

// WithDBInitHook runs a custom function after DB initialization
// Useful for ensuring schema, seeding data, etc.
func WithDBInitHook(hook func(*db.DB) error) Option {
	return func(o *options) {
		o.dbInitHook = hook
	}
}

func defaultOptions() *options {
	return &options{}
}
