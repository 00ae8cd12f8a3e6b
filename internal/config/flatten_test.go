package config

import (
	"testing"
)

func TestFlatten_Nested(t *testing.T) {
	m := map[string]any{
		"rate_limit": map[string]any{
			"per_window": 10,
			"per_hour":   100,
		},
		"log_level": "info",
	}
	got := Flatten(m)
	if got["rate_limit.per_window"] != 10 {
		t.Errorf("expected rate_limit.per_window=10, got %v", got["rate_limit.per_window"])
	}
	if got["log_level"] != "info" {
		t.Errorf("expected log_level=info, got %v", got["log_level"])
	}
	if len(got) != 3 {
		t.Errorf("expected 3 keys, got %d", len(got))
	}
}

func TestFlatten_DeeplyNested(t *testing.T) {
	m := map[string]any{
		"delivery": map[string]any{
			"smtp": map[string]any{
				"host": "smtp.example.com",
			},
		},
	}
	got := Flatten(m)
	if got["delivery.smtp.host"] != "smtp.example.com" {
		t.Errorf("expected delivery.smtp.host, got %v", got["delivery.smtp.host"])
	}
	if len(got) != 1 {
		t.Errorf("expected 1 key, got %d", len(got))
	}
}

func TestFlatten_EmptyNestedMap(t *testing.T) {
	got := Flatten(map[string]any{"workflow": map[string]any{}})
	if len(got) != 0 {
		t.Errorf("expected 0 keys (empty nested map produces nothing), got %d", len(got))
	}
}

func TestUnflatten_Nested(t *testing.T) {
	flat := map[string]any{
		"agent.auto_execute_threshold":     0.85,
		"agent.require_approval_threshold": 0.6,
		"log_level":                        "info",
	}
	got := Unflatten(flat)
	agent, ok := got["agent"].(map[string]any)
	if !ok {
		t.Fatalf("expected agent to be map, got %T", got["agent"])
	}
	if agent["auto_execute_threshold"] != 0.85 {
		t.Errorf("expected auto_execute_threshold=0.85, got %v", agent["auto_execute_threshold"])
	}
	if got["log_level"] != "info" {
		t.Errorf("expected log_level=info, got %v", got["log_level"])
	}
}

func TestRoundTrip_FlattenUnflatten(t *testing.T) {
	original := map[string]any{
		"data_dir": "/home/test/.astralis",
		"dedup": map[string]any{
			"window_seconds": 300,
		},
		"delivery": map[string]any{
			"smtp": map[string]any{"password": "hunter2"},
		},
	}

	restored := Unflatten(Flatten(original))

	if restored["data_dir"] != original["data_dir"] {
		t.Errorf("data_dir mismatch: %v != %v", restored["data_dir"], original["data_dir"])
	}
	dedup := restored["dedup"].(map[string]any)
	if dedup["window_seconds"] != 300 {
		t.Errorf("dedup.window_seconds mismatch: %v", dedup["window_seconds"])
	}
	smtp := restored["delivery"].(map[string]any)["smtp"].(map[string]any)
	if smtp["password"] != "hunter2" {
		t.Errorf("delivery.smtp.password mismatch: %v", smtp["password"])
	}
}

func TestMaskSecrets(t *testing.T) {
	tests := []struct {
		name  string
		key   string
		value any
		want  any
	}{
		{"api key", "llm.api_key", "sk-test123456", "***3456"},
		{"webhook secret", "http.webhook_secret", "whsec_abcdef", "***cdef"},
		{"telegram token", "delivery.telegram_token", "123456:ABCdefGHIjkl", "***Ijkl"},
		{"short", "llm.api_key", "ab", "***"},
		{"below twelve", "llm.api_key", "abcdefghijk", "***"},
		{"redis url with password", "store.redis_url", "redis://:hunter2@cache:6379/0", "redis://:xxxxx@cache:6379/0"},
		{"dsn url", "db_trigger.dsn", "postgres://app:pw@db:5432/astralis?sslmode=disable", "postgres://app:xxxxx@db:5432/astralis"},
		{"url without user", "store.redis_url", "redis://cache:6379/0", "redis://cache:6379"},
		{"keyword dsn", "db_trigger.dsn", "host=db user=app password=pw", "***"},
		{"empty", "llm.api_key", "", ""},
		{"not secret", "llm.model", "gpt-4o", "gpt-4o"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := MaskSecrets(map[string]any{tt.key: tt.value})
			if got[tt.key] != tt.want {
				t.Errorf("MaskSecrets(%s=%v) = %v, want %v", tt.key, tt.value, got[tt.key], tt.want)
			}
		})
	}
}

func TestIsSecretKey(t *testing.T) {
	if !IsSecretKey("store.redis_url") {
		t.Error("expected store.redis_url to be secret")
	}
	if IsSecretKey("store.backend") {
		t.Error("expected store.backend not to be secret")
	}
}
