// Package delivery performs delivery attempts: the sinks that carry one
// event to one subscriber, and the worker pool that drives them.
package delivery

import (
	"context"
	"fmt"
	"net/http"

	"github.com/xraph/herald/audit"
	"github.com/xraph/herald/event"
	"github.com/xraph/herald/subscription"
)

// Result is the classified outcome of one delivery attempt.
type Result struct {
	Outcome    audit.Outcome
	StatusCode int
	Detail     string
	LatencyMs  int
}

// Sink carries one event to one subscription. Deliver never returns an
// error: every failure is classified into the Result.
type Sink interface {
	Deliver(ctx context.Context, evt *event.Event, sub *subscription.Subscription) Result
}

// ClassifyStatus maps an HTTP status code to an outcome. 2xx is sent;
// 429 and 5xx are worth retrying; any other code is permanent.
func ClassifyStatus(code int) audit.Outcome {
	switch {
	case code >= 200 && code < 300:
		return audit.OutcomeSent
	case code == http.StatusTooManyRequests, code >= 500:
		return audit.OutcomeTransientFailure
	default:
		return audit.OutcomePermanentFailure
	}
}

func statusDetail(code int) string {
	return fmt.Sprintf("%d %s", code, http.StatusText(code))
}
