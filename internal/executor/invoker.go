package executor

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/sony/gobreaker"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"

	"github.com/astralisone/astralis-nextjs-sub001/internal/errs"
	"github.com/astralisone/astralis-nextjs-sub001/internal/types"
)

var _ types.WorkflowInvoker = (*HTTPInvoker)(nil)

const maxResponseBytes = 1 << 20

// HTTPInvoker posts JSON payloads to an external workflow engine. A ref
// is an absolute http(s) URL, a name in the registry, or a path under the
// base URL. Calls go through a circuit breaker shared by every ref.
type HTTPInvoker struct {
	baseURL  string
	registry map[string]string
	client   *http.Client
	breaker  *gobreaker.CircuitBreaker
	tracer   trace.Tracer
}

type httpResponse struct {
	status     int
	body       []byte
	retryAfter time.Duration
}

// NewHTTPInvoker creates an invoker. timeout bounds each HTTP call.
func NewHTTPInvoker(baseURL string, registry map[string]string, timeout time.Duration) *HTTPInvoker {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	settings := gobreaker.Settings{
		Name:        "workflow-engine",
		MaxRequests: 3,
		Interval:    60 * time.Second,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures > 5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			slog.Warn("circuit breaker state changed", "breaker", name, "from", from.String(), "to", to.String())
		},
	}
	return &HTTPInvoker{
		baseURL:  strings.TrimRight(baseURL, "/"),
		registry: registry,
		client:   &http.Client{Timeout: timeout},
		breaker:  gobreaker.NewCircuitBreaker(settings),
		tracer:   otel.Tracer("astralis/workflow"),
	}
}

// Resolve maps a workflow ref to the URL it is posted to.
func (h *HTTPInvoker) Resolve(ref string) (string, error) {
	const op = "workflow.resolve"
	if ref == "" {
		return "", errs.Validation(op, "workflow ref is required")
	}
	if strings.HasPrefix(ref, "http://") || strings.HasPrefix(ref, "https://") {
		if _, err := url.ParseRequestURI(ref); err != nil {
			return "", errs.Validation(op, "invalid url %q: %v", ref, err)
		}
		return ref, nil
	}
	if u, ok := h.registry[ref]; ok {
		return u, nil
	}
	if h.baseURL != "" {
		return h.baseURL + "/" + url.PathEscape(ref), nil
	}
	return "", errs.E(errs.KindWorkflowNotFound, op, "workflow %q is not registered", ref)
}

// BreakerState reports the circuit breaker state, e.g. "closed" or "open".
func (h *HTTPInvoker) BreakerState() string { return h.breaker.State().String() }

// Invoke posts payload to ref. Any HTTP response, including 4xx and 5xx,
// is returned as a status code with a nil error, except 429, which also
// returns a rate-limit error carrying the server's Retry-After. Otherwise
// err is set only when no response arrived.
func (h *HTTPInvoker) Invoke(ctx context.Context, ref string, payload any) (int, []byte, error) {
	const op = "workflow.invoke"
	target, err := h.Resolve(ref)
	if err != nil {
		return 0, nil, err
	}

	ctx, span := h.tracer.Start(ctx, "workflow.invoke")
	defer span.End()
	span.SetAttributes(attribute.String("workflow.ref", ref))

	body, err := json.Marshal(payload)
	if err != nil {
		return 0, nil, errs.Validation(op, "encode payload: %v", err)
	}

	result, err := h.breaker.Execute(func() (interface{}, error) {
		return h.post(ctx, target, body)
	})
	if resp, ok := result.(*httpResponse); ok && resp != nil {
		span.SetAttributes(attribute.Int("http.status_code", resp.status))
		if resp.status >= 500 {
			span.SetStatus(codes.Error, http.StatusText(resp.status))
		}
		if resp.status == http.StatusTooManyRequests {
			return resp.status, resp.body, errs.FromStatus(op, resp.status, resp.retryAfter, "")
		}
		return resp.status, resp.body, nil
	}

	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	switch {
	case errors.Is(err, gobreaker.ErrOpenState), errors.Is(err, gobreaker.ErrTooManyRequests):
		return 0, nil, errs.Wrap(errs.KindTransientDelivery, op, err)
	case errors.Is(err, context.DeadlineExceeded) && ctx.Err() != nil:
		return 0, nil, errs.Wrap(errs.KindExecutionTimeout, op, err)
	case errors.Is(err, context.Canceled):
		return 0, nil, err
	default:
		return 0, nil, errs.Wrap(errs.KindTransientDelivery, op, err)
	}
}

// post returns a non-nil response whenever the server answered. 5xx also
// returns an error so the breaker counts it as a failure.
func (h *HTTPInvoker) post(ctx context.Context, target string, body []byte) (*httpResponse, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	otel.GetTextMapPropagator().Inject(ctx, propagation.HeaderCarrier(req.Header))

	resp, err := h.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	out := &httpResponse{
		status:     resp.StatusCode,
		body:       data,
		retryAfter: errs.ParseRetryAfter(resp.Header.Get("Retry-After"), time.Now()),
	}
	if resp.StatusCode >= 500 {
		return out, fmt.Errorf("upstream status %d", resp.StatusCode)
	}
	return out, nil
}
