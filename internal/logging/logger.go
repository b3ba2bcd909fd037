// Package logging sets up the zap-backed logr logger used across the controller.
package logging

import (
	"context"

	"github.com/go-logr/logr"
	uberzap "go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	ctrl "sigs.k8s.io/controller-runtime"
	"sigs.k8s.io/controller-runtime/pkg/log"
	"sigs.k8s.io/controller-runtime/pkg/log/zap"
)

// Verbosity levels for logger.V().
const (
	DEFAULT = 0
	VERBOSE = 1
	DEBUG   = 2
	TRACE   = 3
)

// atomicLevel lets Init adjust verbosity after the delegating logger was installed.
var atomicLevel = uberzap.NewAtomicLevelAt(zapcore.InfoLevel)

// Init installs the controller-runtime logger built from opts. opts.Level, when set,
// is applied through the shared atomic level so SetLevel keeps working afterwards.
func Init(opts *zap.Options) {
	if opts.Level != nil {
		switch lvl := opts.Level.(type) {
		case uberzap.AtomicLevel:
			atomicLevel.SetLevel(lvl.Level())
		case zapcore.Level:
			atomicLevel.SetLevel(lvl)
		}
	}
	opts.Level = atomicLevel
	ctrl.SetLogger(zap.New(zap.UseFlagOptions(opts), zap.RawZapOpts(uberzap.AddCaller())))
}

// SetLevel changes verbosity at runtime; higher v logs more.
func SetLevel(v int) {
	atomicLevel.SetLevel(zapcore.Level(-v))
}

// NewTestLogger creates a development logger that logs everything up to TRACE.
func NewTestLogger() logr.Logger {
	return zap.New(
		zap.UseDevMode(true),
		zap.Level(uberzap.NewAtomicLevelAt(zapcore.Level(-1*TRACE))),
		zap.RawZapOpts(uberzap.AddCaller()),
	)
}

// NewTestLoggerIntoContext inserts a test logger into ctx.
func NewTestLoggerIntoContext(ctx context.Context) context.Context {
	return log.IntoContext(ctx, NewTestLogger())
}
