package concurrency

import "go.uber.org/zap"

// Logger is the subset of core.Logger used here; declared locally to avoid an import cycle.
// *zap.SugaredLogger satisfies it.
type Logger interface {
	Warnf(format string, args ...interface{})
	Errorf(format string, args ...interface{})
}

func nopLogger() Logger {
	return zap.NewNop().Sugar()
}
