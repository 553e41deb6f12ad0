package esbulk

import (
	"context"
	"time"

	log "github.com/sirupsen/logrus"
)

// RetryPolicy names how SendWithRetries decides when a submission is done.
type RetryPolicy struct {
	// UntilDelivered retries transport failures indefinitely and accepts the
	// first response that reaches the server, even if individual items
	// failed. It is the policy of the initial batch submission.
	UntilDelivered bool
	// MaxAttempts bounds total submissions when UntilDelivered is false.
	// In that mode an attempt succeeds only when it reaches the server with
	// zero per-item errors; once attempts are exhausted the last response is
	// returned as-is, not as an error.
	MaxAttempts int
}

// SendWithRetries posts body until policy is satisfied. Cancellation is the
// only error it returns; every server outcome is reported via the Response.
func (s *Submitter) SendWithRetries(ctx context.Context, body []byte, policy RetryPolicy) (*Response, error) {
	for attempt := 0; ; attempt++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		var resp = s.Submit(ctx, body)

		if policy.UntilDelivered {
			if resp.TransportErr == nil {
				return resp, nil
			}
		} else {
			if resp.Bulk != nil && !resp.Bulk.Errors {
				return resp, nil
			}
			if attempt+1 >= policy.MaxAttempts {
				return resp, nil
			}
		}

		if resp.TransportErr != nil && ctx.Err() != nil {
			// The transport failure was induced by cancellation.
			return nil, ctx.Err()
		}
		if attempt > 0 && attempt%10 == 0 {
			log.WithFields(log.Fields{
				"attempt": attempt,
				"status":  resp.StatusCode,
				"err":     resp.TransportErr,
			}).Warn("bulk submission still failing")
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(retryBackoff(attempt)):
		}
	}
}

// retryBackoff starts at 100ms and doubles only every tenth retry, capped
// at five seconds.
func retryBackoff(retry int) time.Duration {
	var steps = retry / 10
	if steps > 6 {
		steps = 6
	}
	var d = 100 * time.Millisecond << uint(steps)
	if d > 5*time.Second {
		return 5 * time.Second
	}
	return d
}
