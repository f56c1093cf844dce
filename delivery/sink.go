package delivery

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/settld/go-settle/core"
)

// WebhookSink posts delivery payloads to per-target HTTP endpoints. A non-2xx
// response is an ordinary failed attempt, not an error: the queue owns the
// retry decision.
type WebhookSink struct {
	client    *http.Client
	endpoints map[string]string
	headers   map[string]string
}

func NewWebhookSink(endpoints map[string]string, headers map[string]string, timeout time.Duration) (*WebhookSink, error) {
	if len(endpoints) == 0 {
		return nil, fmt.Errorf("delivery: at least one webhook endpoint is required")
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	normalized := make(map[string]string, len(endpoints))
	for target, url := range endpoints {
		target = strings.TrimSpace(target)
		url = strings.TrimSpace(url)
		if target == "" || url == "" {
			return nil, fmt.Errorf("delivery: webhook endpoint target and url are required")
		}
		normalized[target] = url
	}
	return &WebhookSink{
		client:    &http.Client{Timeout: timeout},
		endpoints: normalized,
		headers:   headers,
	}, nil
}

func (s *WebhookSink) Deliver(ctx context.Context, target string, job core.DeliveryJob) core.DeliveryResult {
	if s == nil {
		return core.DeliveryResult{Error: "sink is nil"}
	}
	url, ok := s.endpoints[strings.TrimSpace(target)]
	if !ok {
		return core.DeliveryResult{Error: fmt.Sprintf("no endpoint configured for target %q", target)}
	}

	body, err := json.Marshal(map[string]any{
		"schema_version":  job.SchemaVersion,
		"idempotency_key": job.IdempotencyKey,
		"event":           job.Event,
		"token":           job.Token,
		"tenant_id":       job.TenantID,
		"payload":         job.Payload,
		"attempt":         job.AttemptCount + 1,
		"created_at":      job.CreatedAt.UTC().Format(time.RFC3339),
	})
	if err != nil {
		return core.DeliveryResult{Error: fmt.Sprintf("encode payload: %v", err)}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return core.DeliveryResult{Error: fmt.Sprintf("build request: %v", err)}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Settle-Event", job.Event)
	req.Header.Set("X-Settle-Idempotency-Key", job.IdempotencyKey)
	for name, value := range s.headers {
		req.Header.Set(name, value)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return core.DeliveryResult{Error: err.Error()}
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 4*1024))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return core.DeliveryResult{
			StatusCode: resp.StatusCode,
			Error:      fmt.Sprintf("endpoint returned status %d", resp.StatusCode),
		}
	}
	return core.DeliveryResult{OK: true, StatusCode: resp.StatusCode}
}

var _ core.DeliverySink = (*WebhookSink)(nil)
