// Package klog builds the kernel's per-subsystem loggers. Call New once at
// boot and pull a logr.Logger per subsystem with For; every subsystem
// package (sched, mm, mfs, proc, ...) takes a logr.Logger at construction
// time rather than reaching for a package-global, mirroring how
// jra3-system-agent threads logr.Logger through its controllers instead of
// calling a global logger from deep inside business logic.
package klog

import (
	"github.com/go-logr/logr"
	"github.com/go-logr/zapr"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Root is a boot-time structured logger. Development builds use
// zap.NewDevelopment (human-readable, colorized level names); a release
// build would swap in zap.NewProduction without touching any call site.
type Root struct {
	base *zap.Logger
}

// New constructs a Root at the given minimum level ("debug", "info",
// "warn", "error"; unrecognized values fall back to "info").
func New(level string) (*Root, error) {
	cfg := zap.NewDevelopmentConfig()
	var lv zapcore.Level
	if err := lv.UnmarshalText([]byte(level)); err == nil {
		cfg.Level = zap.NewAtomicLevelAt(lv)
	}
	z, err := cfg.Build()
	if err != nil {
		return nil, err
	}
	return &Root{base: z}, nil
}

// For returns a subsystem-tagged logger, e.g. klog.For("sched") produces
// log lines prefixed with subsystem=sched.
func (r *Root) For(subsystem string) logr.Logger {
	return zapr.NewLogger(r.base).WithValues("subsystem", subsystem)
}

// Sync flushes any buffered log entries; call on kernel panic/halt paths
// so the last diagnostic lines aren't lost.
func (r *Root) Sync() error {
	return r.base.Sync()
}

// Discard is a no-op logger for tests and tools that don't want kernel
// log noise.
func Discard() logr.Logger {
	return logr.Discard()
}
