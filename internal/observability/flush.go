package observability

import (
	"context"
	"errors"
	"fmt"
	"syscall"

	"go.uber.org/zap"
)

// FlushTelemetry flushes buffered logs before process exit. Prometheus is pull-based,
// so there is nothing to push. Sync errors from non-syncable outputs (a terminal
// or pipe on stderr) are ignored.
func FlushTelemetry(ctx context.Context, logger *zap.Logger) error {
	if logger == nil {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := logger.Sync(); err != nil && !isIgnorableSyncError(err) {
		return fmt.Errorf("flush logs: %w", err)
	}
	return nil
}

func isIgnorableSyncError(err error) bool {
	return errors.Is(err, syscall.EINVAL) || errors.Is(err, syscall.ENOTTY) || errors.Is(err, syscall.EBADF)
}
