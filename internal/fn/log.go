package fn

import (
	"context"
	"log/slog"
	"time"
)

// LoggedTap wraps a stage with entry/exit logging and duration, matching the
// ingestion pipeline's observability idiom. name identifies the stage in
// logs; extra fields may be attached per call via the context logger.
func LoggedTap[In, Out any](log *slog.Logger, name string, stage Stage[In, Out]) Stage[In, Out] {
	return func(ctx context.Context, in In) Result[Out] {
		start := time.Now()
		log.DebugContext(ctx, "stage starting", "stage", name)
		r := stage(ctx, in)
		dur := time.Since(start)
		if r.IsErr() {
			_, err := r.Unwrap()
			log.WarnContext(ctx, "stage failed", "stage", name, "duration_ms", dur.Milliseconds(), "error", err)
		} else {
			log.DebugContext(ctx, "stage finished", "stage", name, "duration_ms", dur.Milliseconds())
		}
		return r
	}
}
