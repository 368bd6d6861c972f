package fanout

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"pulseline/internal/config"
)

const defaultWebhookTimeout = 5 * time.Second

type webhookSignal struct {
	ID            string         `json:"id"`
	Tenant        string         `json:"tenant"`
	Name          string         `json:"name"`
	Payload       map[string]any `json:"payload"`
	Metadata      map[string]any `json:"metadata,omitempty"`
	OccurredAt    string         `json:"occurred_at"`
	CorrelationID string         `json:"correlation_id,omitempty"`
	CausationID   string         `json:"causation_id,omitempty"`
	Source        string         `json:"source,omitempty"`
}

// WebhookHandler posts each signal to the configured endpoints. A
// failed delivery returns an error so the whole fanout job retries;
// endpoints must dedupe on the delivery id.
func WebhookHandler(hooks []config.WebhookConfig) Handler {
	client := &http.Client{Timeout: defaultWebhookTimeout}
	return HandlerFunc{
		HandlerName: "webhooks",
		Fn: func(ctx context.Context, fc Context) error {
			for _, hook := range hooks {
				if hook.Enabled != nil && !*hook.Enabled {
					continue
				}
				if strings.TrimSpace(hook.URL) == "" {
					continue
				}
				if !matchSignal(hook.Signals, fc.SignalName) {
					continue
				}
				if err := postSignal(ctx, client, hook, fc); err != nil {
					return fmt.Errorf("deliver to %s: %w", hook.URL, err)
				}
			}
			return nil
		},
	}
}

func matchSignal(patterns []string, name string) bool {
	if len(patterns) == 0 {
		return true
	}
	for _, p := range patterns {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		if p == name {
			return true
		}
		// "package.*" matches every signal under the namespace.
		if strings.HasSuffix(p, ".*") && strings.HasPrefix(name, strings.TrimSuffix(p, "*")) {
			return true
		}
	}
	return false
}

func postSignal(ctx context.Context, client *http.Client, hook config.WebhookConfig, fc Context) error {
	body := webhookSignal{
		ID:            fc.SignalID,
		Tenant:        fc.Tenant,
		Name:          fc.SignalName,
		Payload:       fc.Payload,
		Metadata:      fc.Metadata,
		OccurredAt:    fc.OccurredAt,
		CorrelationID: fc.CorrelationID,
		CausationID:   fc.CausationID,
		Source:        fc.Source,
	}
	data, err := json.Marshal(body)
	if err != nil {
		return err
	}
	if hook.TimeoutSeconds > 0 {
		timeout := time.Duration(hook.TimeoutSeconds) * time.Second
		if timeout != client.Timeout {
			client = &http.Client{Timeout: timeout}
		}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, hook.URL, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Pulseline-Signal", fc.SignalName)
	req.Header.Set("X-Pulseline-Delivery", fc.SignalID)
	req.Header.Set("X-Pulseline-Tenant", fc.Tenant)
	if strings.TrimSpace(hook.Secret) != "" {
		req.Header.Set("X-Pulseline-Secret", hook.Secret)
	}
	res, err := client.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		bodyBytes, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
		return fmt.Errorf("status %d: %s", res.StatusCode, strings.TrimSpace(string(bodyBytes)))
	}
	return nil
}
