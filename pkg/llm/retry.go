package llm

import (
	"context"
	"fmt"
	"time"

	"prloop/pkg/faults"
	"prloop/pkg/logx"
)

// RetryableClient wraps a Client with fault-classified retry. Transient and
// unknown failures are retried with exponential backoff; content and
// integration failures surface immediately.
type RetryableClient struct {
	client Client
	logger *logx.Logger
}

// NewRetryableClient wraps client with retry behavior.
func NewRetryableClient(client Client) *RetryableClient {
	return &RetryableClient{
		client: client,
		logger: logx.NewLogger("llm"),
	}
}

// Complete implements Client with retry logic.
//
//nolint:gocritic // request size acceptable for interface consistency
func (r *RetryableClient) Complete(ctx context.Context, req CompletionRequest) (CompletionResponse, error) {
	var lastErr error

	for attempt := 0; ; attempt++ {
		if attempt > 0 {
			kind := faults.KindOf(lastErr)
			cfg := faults.DefaultRetryConfigs[kind]
			if attempt > cfg.MaxRetries {
				break
			}

			delay := faults.Backoff(kind, attempt)
			r.logger.Warn("Completion attempt %d failed (%s), retrying in %s: %v", attempt, kind, delay, lastErr)
			select {
			case <-ctx.Done():
				return CompletionResponse{}, fmt.Errorf("completion cancelled: %w", ctx.Err())
			case <-time.After(delay):
			}
		}

		resp, err := r.client.Complete(ctx, req)
		if err == nil {
			return resp, nil
		}
		lastErr = err

		if !faults.IsRetryable(err) {
			break
		}
	}

	return CompletionResponse{}, fmt.Errorf("completion failed after retries: %w", lastErr)
}
