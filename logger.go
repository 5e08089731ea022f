package loadbalancing

import (
	"context"

	"go.uber.org/zap"
)

// ErrorTracker receives errors that cannot be returned to a caller, e.g.
// failures of a background discovery loop.
type ErrorTracker interface {
	TrackException(ctx context.Context, err error, fields ...zap.Field)
}

// ErrorTrackerFunc adapts a function to ErrorTracker.
type ErrorTrackerFunc func(ctx context.Context, err error, fields ...zap.Field)

// TrackException calls f.
func (f ErrorTrackerFunc) TrackException(ctx context.Context, err error, fields ...zap.Field) {
	f(ctx, err, fields...)
}

// LogErrorTracker reports errors to a zap logger at error level.
type LogErrorTracker struct {
	logger *zap.Logger
}

// NewLogErrorTracker returns a tracker that logs to logger. A nil logger
// uses zap.L().
func NewLogErrorTracker(logger *zap.Logger) LogErrorTracker {
	if logger == nil {
		logger = zap.L()
	}
	return LogErrorTracker{logger: logger}
}

// TrackException logs err.
func (t LogErrorTracker) TrackException(_ context.Context, err error, fields ...zap.Field) {
	t.logger.Error("tracked exception", append(fields, zap.Error(err))...)
}
