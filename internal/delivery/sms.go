package delivery

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/astralisone/astralis-nextjs-sub001/internal/errs"
	"github.com/astralisone/astralis-nextjs-sub001/internal/types"
)

// HTTPSMSSender posts messages to an SMS gateway as JSON
// {"to": ..., "body": ...} and expects {"id": ...} back.
type HTTPSMSSender struct {
	url    string
	client *http.Client

	Now func() time.Time
}

func NewHTTPSMSSender(url string, client *http.Client) *HTTPSMSSender {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &HTTPSMSSender{url: url, client: client, Now: time.Now}
}

func (s *HTTPSMSSender) Send(ctx context.Context, recipient string, msg types.Message) (types.DeliveryResult, error) {
	const op = "delivery.sms"
	if recipient == "" {
		return types.DeliveryResult{}, errs.Validation(op, "recipient is required")
	}
	payload, err := json.Marshal(map[string]string{"to": recipient, "body": msg.Body})
	if err != nil {
		return types.DeliveryResult{}, errs.Validation(op, "encode: %v", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(payload))
	if err != nil {
		return types.DeliveryResult{}, errs.Validation(op, "build request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return types.DeliveryResult{}, errs.Wrap(errs.KindTransientDelivery, op, err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))

	retryAfter := errs.ParseRetryAfter(resp.Header.Get("Retry-After"), s.Now())
	if err := errs.FromStatus(op, resp.StatusCode, retryAfter, string(body)); err != nil {
		return types.DeliveryResult{StatusCode: resp.StatusCode}, err
	}

	var out struct {
		ID string `json:"id"`
	}
	if len(body) > 0 {
		if err := json.Unmarshal(body, &out); err != nil {
			return types.DeliveryResult{StatusCode: resp.StatusCode}, fmt.Errorf("%s: decode response: %w", op, err)
		}
	}
	return types.DeliveryResult{MessageID: out.ID, StatusCode: resp.StatusCode}, nil
}
