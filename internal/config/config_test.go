package config

import (
	"strings"
	"testing"
)

func TestDefaultIsValid(t *testing.T) {
	cfg := Default("t1")
	if cfg.Tenant.ID != "t1" {
		t.Fatalf("tenant id %q", cfg.Tenant.ID)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
	if cfg.Jobs.MaxAttempts != 10 || cfg.Jobs.PollIntervalSeconds != 2 {
		t.Fatalf("job defaults not parsed: %+v", cfg.Jobs)
	}
	if len(cfg.Fanout.Handlers) != 2 {
		t.Fatalf("fanout defaults not parsed: %v", cfg.Fanout.Handlers)
	}
}

func TestFromYAML(t *testing.T) {
	cfg, err := FromYAML([]byte(`
tenant:
  id: acme
jobs:
  max_attempts: 3
signals:
  denied_keys: [internal_note]
fanout:
  handlers: [stats]
webhooks:
  - url: https://example.com/hook
    signals: ["package.*"]
`))
	if err != nil {
		t.Fatalf("from yaml: %v", err)
	}
	if cfg.Tenant.ID != "acme" || cfg.Jobs.MaxAttempts != 3 {
		t.Fatalf("parsed %+v", cfg)
	}
	if len(cfg.Webhooks) != 1 || cfg.Webhooks[0].URL != "https://example.com/hook" {
		t.Fatalf("webhooks %+v", cfg.Webhooks)
	}
}

func TestValidateRejections(t *testing.T) {
	cases := map[string]string{
		"missing tenant": `jobs: {max_attempts: 1}`,
		"unknown handler": `
tenant: {id: t1}
fanout:
  handlers: [metrics]
`,
		"webhook without url": `
tenant: {id: t1}
webhooks:
  - secret: x
`,
		"empty denied key": `
tenant: {id: t1}
signals:
  denied_keys: [""]
`,
		"backoff base over max": `
tenant: {id: t1}
jobs:
  backoff: {base_seconds: 10, max_seconds: 5}
`,
	}
	for name, raw := range cases {
		if _, err := FromYAML([]byte(raw)); err == nil {
			t.Errorf("%s: expected validation error", name)
		}
	}
}

func TestGenerateDefaultRoundTrips(t *testing.T) {
	raw := GenerateDefault("acme")
	if !strings.Contains(raw, "id: acme") {
		t.Fatalf("template missing tenant id:\n%s", raw)
	}
	if _, err := FromYAML([]byte(raw)); err != nil {
		t.Fatalf("generated template invalid: %v", err)
	}
}
