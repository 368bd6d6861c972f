package fanout

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"pulseline/internal/config"
)

func TestMatchSignal(t *testing.T) {
	cases := []struct {
		patterns []string
		name     string
		want     bool
	}{
		{nil, "order.created", true},
		{[]string{"order.created"}, "order.created", true},
		{[]string{"order.created"}, "order.canceled", false},
		{[]string{"package.*"}, "package.installation.installed", true},
		{[]string{"package.*"}, "order.created", false},
		{[]string{" ", "order.*"}, "order.created", true},
	}
	for _, tc := range cases {
		if got := matchSignal(tc.patterns, tc.name); got != tc.want {
			t.Errorf("matchSignal(%v, %q) = %v, want %v", tc.patterns, tc.name, got, tc.want)
		}
	}
}

func TestWebhookHandlerDelivers(t *testing.T) {
	var received webhookSignal
	var headers http.Header
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		headers = r.Header.Clone()
		if err := json.NewDecoder(r.Body).Decode(&received); err != nil {
			t.Errorf("decode: %v", err)
		}
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	h := WebhookHandler([]config.WebhookConfig{{URL: srv.URL, Secret: "hush", Signals: []string{"order.*"}}})
	fc := Context{
		Tenant:     "t1",
		SignalID:   "sig-1",
		SignalName: "order.created",
		Payload:    map[string]any{"order_id": "o-1"},
		OccurredAt: "2024-01-01T00:00:00Z",
		Source:     "api",
	}
	if err := h.Handle(context.Background(), fc); err != nil {
		t.Fatalf("handle: %v", err)
	}
	if received.ID != "sig-1" || received.Name != "order.created" || received.Tenant != "t1" {
		t.Fatalf("delivered body %+v", received)
	}
	if headers.Get("X-Pulseline-Delivery") != "sig-1" || headers.Get("X-Pulseline-Secret") != "hush" {
		t.Fatalf("delivery headers %v", headers)
	}
}

func TestWebhookHandlerSkipsNonMatching(t *testing.T) {
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
	}))
	defer srv.Close()
	h := WebhookHandler([]config.WebhookConfig{{URL: srv.URL, Signals: []string{"package.*"}}})
	if err := h.Handle(context.Background(), Context{SignalName: "order.created"}); err != nil {
		t.Fatalf("handle: %v", err)
	}
	if calls != 0 {
		t.Fatalf("non-matching signal delivered %d times", calls)
	}
}

func TestWebhookHandlerErrorOnBadStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusBadGateway)
	}))
	defer srv.Close()
	h := WebhookHandler([]config.WebhookConfig{{URL: srv.URL}})
	if err := h.Handle(context.Background(), Context{SignalName: "order.created"}); err == nil {
		t.Fatalf("expected delivery error")
	}
}

func TestWebhookHandlerHonorsDisabled(t *testing.T) {
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
	}))
	defer srv.Close()
	off := false
	h := WebhookHandler([]config.WebhookConfig{{URL: srv.URL, Enabled: &off}})
	if err := h.Handle(context.Background(), Context{SignalName: "order.created"}); err != nil {
		t.Fatalf("handle: %v", err)
	}
	if calls != 0 {
		t.Fatalf("disabled hook delivered %d times", calls)
	}
}
