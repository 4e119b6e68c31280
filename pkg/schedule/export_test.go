package schedule

import (
	"context"
	"time"
)

// Tick exposes the internal tick for tests.
func (s *Scheduler) Tick(ctx context.Context, now time.Time) {
	s.tick(ctx, now)
}
