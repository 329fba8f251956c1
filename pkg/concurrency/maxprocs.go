package concurrency

import (
	"runtime"

	"go.uber.org/automaxprocs/maxprocs"
	"go.uber.org/zap"
)

// InitializeForContainers sets GOMAXPROCS from the cgroup CPU quota. Call it at the start
// of main, before the worker pools are sized. The returned function restores the previous value.
func InitializeForContainers(logger *zap.Logger) func() {
	if logger == nil {
		logger = zap.NewNop()
	}
	undo, err := maxprocs.Set(maxprocs.Logger(logger.Sugar().Debugf))
	if err != nil {
		logger.Warn("Failed to set maxprocs", zap.Error(err))
		return func() {}
	}

	logger.Info("Concurrency initialized", zap.Int("gomaxprocs", runtime.GOMAXPROCS(0)))
	return undo
}

// OptimalWorkers returns GOMAXPROCS times multiplier, with a multiplier of 2 when unset.
func OptimalWorkers(multiplier int) int {
	if multiplier <= 0 {
		multiplier = 2
	}
	return runtime.GOMAXPROCS(0) * multiplier
}
