package webhook

import (
	"bytes"
	"context"
	"fmt"
	"net/http"

	"github.com/hashicorp/go-retryablehttp"

	"chatvault/pkg/logging"
)

// httpDeliverer is the production Deliverer: a retryablehttp client handles
// the exponential backoff on 429/5xx (spec.md §4.8, "retry with exponential
// backoff, up to N attempts"), classifying the final result into an
// Outcome the worker can act on.
type httpDeliverer struct {
	client *retryablehttp.Client
}

func NewHTTPDeliverer(attempts int, logger logging.Logger) *httpDeliverer {
	if attempts <= 0 {
		attempts = DefaultAttempts
	}
	client := retryablehttp.NewClient()
	client.RetryMax = attempts - 1
	client.Logger = nil // logrus fields go through our own logger, not retryablehttp's
	client.CheckRetry = checkRetry
	return &httpDeliverer{client: client}
}

func (d *httpDeliverer) Deliver(ctx context.Context, url string, body []byte) (Outcome, error) {
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return OutcomePermanentFailure, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := d.client.Do(req)
	if err != nil {
		return OutcomeRetryableFailure, err
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return OutcomeSuccess, nil
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return OutcomeRetryableFailure, fmt.Errorf("destination returned %d after exhausting retries", resp.StatusCode)
	default:
		return OutcomePermanentFailure, fmt.Errorf("destination returned %d", resp.StatusCode)
	}
}

// checkRetry retries only on 429/5xx (or a transport error), matching
// spec.md §4.8's "on 4xx other than 429: treat as permanent delivery
// failure (do not retry this event)".
func checkRetry(ctx context.Context, resp *http.Response, err error) (bool, error) {
	if ctx.Err() != nil {
		return false, ctx.Err()
	}
	if err != nil {
		return true, nil
	}
	if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
		return true, nil
	}
	return false, nil
}
