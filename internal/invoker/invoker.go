// Package invoker executes single workflow steps against participant
// services, with retry, per-attempt timeouts and idempotency keys.
package invoker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"time"

	"github.com/stackplane/orchestrator/internal/metrics"
	"github.com/stackplane/orchestrator/internal/repository"
	"github.com/stackplane/orchestrator/internal/types"
	ocerrors "github.com/stackplane/orchestrator/pkg/errors"
	"github.com/stackplane/orchestrator/pkg/logger"
	"github.com/stackplane/orchestrator/pkg/tracing"
)

// Result is the outcome of a (possibly retried) step invocation.
type Result struct {
	// Async means the participant accepted the work and will confirm later
	// via the step completion endpoint. The saga yields until then.
	Async bool

	// Output is the participant's response body, passed to the saga payload
	// consumers untouched.
	Output json.RawMessage

	// Attempts is how many attempts were made.
	Attempts int
}

// Invoker executes one step in one direction.
type Invoker interface {
	Invoke(ctx context.Context, saga *types.SagaInstance, step *types.StepDefinition, direction types.Direction) (*Result, error)
}

// stepRequest is the envelope POSTed to participant services.
type stepRequest struct {
	IdempotencyKey string          `json:"idempotencyKey"`
	SagaID         string          `json:"sagaId"`
	StepID         string          `json:"stepId"`
	Action         string          `json:"action"`
	Payload        json.RawMessage `json:"payload"`
}

// stepResponse is what participants answer with. Accepted marks an async
// step that will complete out of band.
type stepResponse struct {
	Success  bool            `json:"success"`
	Accepted bool            `json:"accepted,omitempty"`
	Output   json.RawMessage `json:"output,omitempty"`
	Error    string          `json:"error,omitempty"`
}

// HTTPInvoker calls participant services over HTTP. Each attempt is one
// append-only row in the step execution log; the idempotency key is stable
// across attempts so participants can deduplicate.
type HTTPInvoker struct {
	endpoints map[string]string
	store     repository.SagaStore
	client    *http.Client
	log       *logger.Logger
	metrics   *metrics.Metrics
	sleep     func(ctx context.Context, d time.Duration) error
}

func NewHTTPInvoker(endpoints map[string]string, store repository.SagaStore, log *logger.Logger, m *metrics.Metrics) *HTTPInvoker {
	return &HTTPInvoker{
		endpoints: endpoints,
		store:     store,
		client:    &http.Client{},
		log:       log,
		metrics:   m,
		sleep:     sleepCtx,
	}
}

// IdempotencyKey is stable per (saga, step, direction): retries of the same
// logical operation carry the same key, attempts are not part of it.
func IdempotencyKey(sagaID, stepID string, direction types.Direction) string {
	return sagaID + ":" + stepID + ":" + string(direction)
}

func (i *HTTPInvoker) Invoke(ctx context.Context, saga *types.SagaInstance, step *types.StepDefinition, direction types.Direction) (*Result, error) {
	action := step.Target.Action
	if direction == types.DirectionCompensate {
		action = step.CompensatingAction
		if action == "" {
			return nil, ocerrors.Newf(ocerrors.CodeInternal,
				"step %s has no compensating action", step.StepID)
		}
	}

	baseURL, ok := i.endpoints[step.Target.Service]
	if !ok {
		return nil, ocerrors.Newf(ocerrors.CodeInternal,
			"no endpoint configured for service %s", step.Target.Service)
	}

	policy := step.Retry
	if policy.MaxAttempts <= 0 {
		policy = types.DefaultRetryPolicy
	}

	log := i.log.WithStep(saga.SagaID, step.StepID).WithField("direction", direction)

	var lastErr error
	for attempt := 1; attempt <= policy.MaxAttempts; attempt++ {
		if attempt > 1 {
			if err := i.sleep(ctx, Backoff(policy, attempt-1)); err != nil {
				return nil, err
			}
		}

		logID, err := i.store.AppendLog(ctx, &types.StepExecutionLog{
			SagaID:    saga.SagaID,
			StepID:    step.StepID,
			Direction: direction,
			Attempt:   attempt,
		})
		if err != nil {
			return nil, err
		}

		started := time.Now()
		resp, err := i.attempt(ctx, baseURL, action, saga, step, direction)
		elapsed := time.Since(started)

		if err == nil {
			outcome := types.StepSucceeded
			if resp.Accepted {
				outcome = types.StepAccepted
			}
			if ferr := i.store.FinishLog(ctx, logID, outcome, ""); ferr != nil {
				return nil, ferr
			}
			if i.metrics != nil {
				i.metrics.ObserveStep(direction, "success", elapsed)
			}
			return &Result{Async: resp.Accepted, Output: resp.Output, Attempts: attempt}, nil
		}

		lastErr = err
		if ferr := i.store.FinishLog(ctx, logID, types.StepFailed, err.Error()); ferr != nil {
			return nil, ferr
		}
		if i.metrics != nil {
			i.metrics.ObserveStep(direction, "failure", elapsed)
		}
		log.WithError(err).Warnf("step attempt failed", map[string]interface{}{
			"attempt": attempt,
			"max":     policy.MaxAttempts,
		})

		if !retryable(err) {
			break
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
	}

	code := ocerrors.CodeStepFailed
	if direction == types.DirectionCompensate {
		code = ocerrors.CodeCompensationFailed
	}
	return nil, ocerrors.Newf(code, "step %s %s exhausted retries: %v",
		step.StepID, direction, lastErr)
}

func (i *HTTPInvoker) attempt(ctx context.Context, baseURL, action string, saga *types.SagaInstance, step *types.StepDefinition, direction types.Direction) (*stepResponse, error) {
	timeout := step.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	body, err := json.Marshal(&stepRequest{
		IdempotencyKey: IdempotencyKey(saga.SagaID, step.StepID, direction),
		SagaID:         saga.SagaID,
		StepID:         step.StepID,
		Action:         action,
		Payload:        saga.Payload,
	})
	if err != nil {
		return nil, ocerrors.Newf(ocerrors.CodeInternal, "marshal step request: %v", err)
	}

	url := fmt.Sprintf("%s/actions/%s", baseURL, action)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, ocerrors.Newf(ocerrors.CodeInternal, "create step request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Idempotency-Key", IdempotencyKey(saga.SagaID, step.StepID, direction))
	tracing.InjectHTTP(ctx, req)

	resp, err := i.client.Do(req)
	if err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			return nil, ocerrors.Newf(ocerrors.CodeTimeout, "step timed out after %s", timeout)
		}
		return nil, ocerrors.Newf(ocerrors.CodeUnavailable, "call %s: %v", url, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, ocerrors.Newf(ocerrors.CodeUnavailable, "read response: %v", err)
	}

	switch {
	case resp.StatusCode >= 500:
		return nil, ocerrors.Newf(ocerrors.CodeUnavailable,
			"service returned %d: %s", resp.StatusCode, truncate(respBody))
	case resp.StatusCode >= 400:
		return nil, ocerrors.Newf(ocerrors.CodeStepFailed,
			"service rejected step with %d: %s", resp.StatusCode, truncate(respBody))
	}

	var parsed stepResponse
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		return nil, ocerrors.Newf(ocerrors.CodeUnavailable, "decode response: %v", err)
	}
	if !parsed.Success && !parsed.Accepted {
		return nil, ocerrors.Newf(ocerrors.CodeStepFailed, "service reported failure: %s", parsed.Error)
	}
	return &parsed, nil
}

// Backoff returns the delay before retry number n (1-based), exponential
// with a cap and optional full jitter.
func Backoff(policy types.RetryPolicy, n int) time.Duration {
	base := policy.BaseDelay
	if base <= 0 {
		base = types.DefaultRetryPolicy.BaseDelay
	}
	max := policy.MaxDelay
	if max <= 0 {
		max = types.DefaultRetryPolicy.MaxDelay
	}

	delay := base << uint(n-1)
	if delay > max || delay <= 0 {
		delay = max
	}
	if policy.Jitter {
		delay = time.Duration(rand.Int63n(int64(delay)) + 1)
	}
	return delay
}

func retryable(err error) bool {
	switch ocerrors.CodeOf(err) {
	case ocerrors.CodeTimeout, ocerrors.CodeUnavailable:
		return true
	}
	return false
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func truncate(body []byte) string {
	const limit = 256
	if len(body) > limit {
		return string(body[:limit]) + "..."
	}
	return string(body)
}

var _ Invoker = (*HTTPInvoker)(nil)
