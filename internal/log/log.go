// Package log is the application logger. Library packages log through hclog, the binary logs through this package.
package log

import (
	"context"
	"os"
	"strings"

	"github.com/pbinitiative/zenflow/internal/appcontext"
	"github.com/pbinitiative/zenflow/internal/profile"
	"go.uber.org/zap"
)

var logger = zap.NewNop().Sugar()

// Init builds the logger for the current profile, LOG_LEVEL=debug enables debug entries in every profile
func Init() {
	cfg := zap.NewDevelopmentConfig()
	if profile.Current == profile.PROD {
		cfg = zap.NewProductionConfig()
	}
	if strings.EqualFold(os.Getenv("LOG_LEVEL"), "debug") {
		cfg.Level = zap.NewAtomicLevelAt(zap.DebugLevel)
	}
	l, err := cfg.Build(zap.AddCallerSkip(1))
	if err != nil {
		panic(err)
	}
	logger = l.Sugar()
}

// SetLogger replaces the logger, Init is not needed afterwards
func SetLogger(l *zap.Logger) {
	logger = l.WithOptions(zap.AddCallerSkip(1)).Sugar()
}

func Sync() {
	_ = logger.Sync()
}

func Info(format string, args ...any) {
	logger.Infof(format, args...)
}

func Error(format string, args ...any) {
	logger.Errorf(format, args...)
}

func Debug(format string, args ...any) {
	logger.Debugf(format, args...)
}

func Infof(ctx context.Context, format string, args ...any) {
	fromContext(ctx).Infof(format, args...)
}

func Errorf(ctx context.Context, format string, args ...any) {
	fromContext(ctx).Errorf(format, args...)
}

func Debugf(ctx context.Context, format string, args ...any) {
	fromContext(ctx).Debugf(format, args...)
}

func Warnf(ctx context.Context, format string, args ...any) {
	fromContext(ctx).Warnf(format, args...)
}

func fromContext(ctx context.Context) *zap.SugaredLogger {
	l := logger
	if key, ok := appcontext.GetExecutionKey(ctx); ok {
		l = l.With("executionKey", key)
	}
	if batchId, ok := appcontext.GetBatchId(ctx); ok {
		l = l.With("batchId", batchId)
	}
	return l
}
