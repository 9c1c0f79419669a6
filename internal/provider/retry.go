package provider

import (
	"context"
	"io"
	"net/http"
	"time"
)

// requestWithRetry executes an HTTP request with the shared retry
// policy: a response is retried only on transport failure or a 5xx
// status; 2xx and 4xx are terminal. Backoff is linear, 2s * attempt.
// The request is rebuilt for every attempt so the body can be re-read.
//
// On a terminal response the status and body are returned with a nil
// error; classifying a 4xx/5xx into an *APIError is the caller's job.
// A non-nil error means every attempt failed at the transport level.
func requestWithRetry(
	ctx context.Context,
	client *http.Client,
	build func(ctx context.Context) (*http.Request, error),
	sleep func(time.Duration),
) (int, []byte, error) {
	if sleep == nil {
		sleep = time.Sleep
	}

	var lastErr error
	var lastStatus int
	var lastBody []byte

	for attempt := 0; attempt <= maxRetries; attempt++ {
		if attempt > 0 {
			sleep(retryBackoffUnit * time.Duration(attempt))
			if ctx.Err() != nil {
				break
			}
		}

		req, err := build(ctx)
		if err != nil {
			return 0, nil, err
		}

		resp, err := client.Do(req)
		if err != nil {
			lastErr = err
			continue
		}

		body, readErr := io.ReadAll(resp.Body)
		resp.Body.Close()
		if readErr != nil {
			lastErr = readErr
			continue
		}

		lastErr = nil
		lastStatus = resp.StatusCode
		lastBody = body

		// 2xx and 4xx are terminal; only 5xx earns another attempt.
		if resp.StatusCode < 500 {
			return resp.StatusCode, body, nil
		}
	}

	if lastErr != nil {
		return 0, nil, lastErr
	}
	return lastStatus, lastBody, nil
}
