package worker

import (
	"context"
	"fmt"
	"time"

	"github.com/ignite/newsletter-dispatch/internal/domain"
	"github.com/ignite/newsletter-dispatch/internal/metrics"
	"github.com/ignite/newsletter-dispatch/internal/service/campaign"
)

// OutcomeCounter is the slice of the store the quota needs.
type OutcomeCounter interface {
	CountOutcomes(ctx context.Context, f campaign.OutcomeFilter) (int, error)
}

// QuotaTracker derives a server's hourly budget from the outcome log. All
// campaigns on a server draw from the same rolling hour, and the count is
// re-read on every call, so concurrent dispatchers converge on the budget
// rather than share it exactly.
type QuotaTracker struct {
	counter   OutcomeCounter
	hardLimit int
	now       func() time.Time
}

func NewQuotaTracker(counter OutcomeCounter, hardLimit int) *QuotaTracker {
	return &QuotaTracker{counter: counter, hardLimit: hardLimit, now: time.Now}
}

// Credits returns how many messages srv may still send in the trailing
// hour. The value goes negative when the server is over budget; callers
// clamp it.
func (q *QuotaTracker) Credits(ctx context.Context, srv *domain.Server) (int, error) {
	if srv.Unlimited() {
		return q.hardLimit, nil
	}
	n, err := q.counter.CountOutcomes(ctx, campaign.OutcomeFilter{
		ServerID: srv.ID,
		Kinds:    domain.QuotaKinds,
		Since:    q.now().Add(-time.Hour),
	})
	if err != nil {
		return 0, fmt.Errorf("count sent in last hour for server %s: %w", srv.ID, err)
	}
	credits := srv.MessagesPerHour - n
	metrics.Credits.WithLabelValues(srv.ID).Set(float64(credits))
	return credits, nil
}

// Delay is the spacing between two messages on srv.
func (q *QuotaTracker) Delay(srv *domain.Server) time.Duration {
	return srv.Delay()
}
