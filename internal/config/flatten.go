package config

import (
	"net/url"
	"strings"
)

// secretKeys are masked by `config list` and `config get`. The value
// says whether the secret is a connection URL.
var secretKeys = map[string]bool{
	"llm.api_key":             false,
	"http.webhook_secret":     false,
	"delivery.telegram_token": false,
	"delivery.smtp.password":  false,
	"store.redis_url":         true,
	"db_trigger.dsn":          true,
}

func IsSecretKey(key string) bool {
	_, ok := secretKeys[key]
	return ok
}

// Flatten turns {"rate_limit": {"per_window": 10}} into
// {"rate_limit.per_window": 10}.
func Flatten(m map[string]any) map[string]any {
	out := make(map[string]any)
	flatten("", m, out)
	return out
}

func flatten(prefix string, m map[string]any, out map[string]any) {
	for k, v := range m {
		key := k
		if prefix != "" {
			key = prefix + "." + k
		}
		if child, ok := v.(map[string]any); ok {
			flatten(key, child, out)
			continue
		}
		out[key] = v
	}
}

// Unflatten is the inverse of Flatten. A scalar sitting where a section
// is needed is replaced by the section.
func Unflatten(flat map[string]any) map[string]any {
	out := make(map[string]any)
	for k, v := range flat {
		parts := strings.Split(k, ".")
		current := out
		for _, part := range parts[:len(parts)-1] {
			next, ok := current[part].(map[string]any)
			if !ok {
				next = make(map[string]any)
				current[part] = next
			}
			current = next
		}
		current[parts[len(parts)-1]] = v
	}
	return out
}

// MaskSecrets returns a copy of flat with secret values masked.
func MaskSecrets(flat map[string]any) map[string]any {
	out := make(map[string]any, len(flat))
	for k, v := range flat {
		isURL, secret := secretKeys[k]
		s, ok := v.(string)
		if !secret || !ok || s == "" {
			out[k] = v
			continue
		}
		out[k] = maskSecret(s, isURL)
	}
	return out
}

// maskSecret keeps the last four characters of long tokens. Connection
// URLs keep scheme, user, host and path; keyword DSNs are fully hidden.
func maskSecret(s string, isURL bool) string {
	if isURL {
		u, err := url.Parse(s)
		if err != nil || u.Scheme == "" || u.Host == "" {
			return "***"
		}
		if u.User == nil {
			return u.Scheme + "://" + u.Host
		}
		u.RawQuery = ""
		return u.Redacted()
	}
	if len(s) < 12 {
		return "***"
	}
	return "***" + s[len(s)-4:]
}
