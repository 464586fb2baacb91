package graph

import "strings"

// RedactedValue replaces secret values in stored inputs.
const RedactedValue = "[REDACTED]"

var defaultRedactKeys = []string{
	"password", "passwd", "secret", "token", "apikey", "api_key",
	"authorization", "accesstoken", "access_token", "refreshtoken",
	"refresh_token", "clientsecret", "client_secret", "privatekey",
	"private_key", "credential", "credentials",
}

// Redact returns a copy of v with the values of secret-looking keys
// replaced by RedactedValue. Keys match case-insensitively, either against
// the defaults or against extra. v is not modified.
func Redact(v any, extra []string) any {
	keys := make(map[string]bool, len(defaultRedactKeys)+len(extra))
	for _, k := range defaultRedactKeys {
		keys[k] = true
	}
	for _, k := range extra {
		keys[strings.ToLower(k)] = true
	}
	return redact(toJSONValue(v), keys)
}

func redact(v any, keys map[string]bool) any {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, item := range t {
			if keys[strings.ToLower(k)] {
				out[k] = RedactedValue
				continue
			}
			out[k] = redact(item, keys)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, item := range t {
			out[i] = redact(item, keys)
		}
		return out
	}
	return v
}
