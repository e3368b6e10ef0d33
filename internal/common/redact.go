package common

import (
	"regexp"
	"strings"
)

// redactionPattern pairs a compiled expression with its replacement
type redactionPattern struct {
	re          *regexp.Regexp
	replacement string
}

// Compiled once at package init. Order matters: token prefixes before
// key=value pairs so a "token=hf_xxx" collapses the secret first.
var redactionPatterns = []redactionPattern{
	{regexp.MustCompile(`hf_[A-Za-z0-9]+`), "hf_***REDACTED***"},
	{regexp.MustCompile(`sk-[A-Za-z0-9-]+`), "sk-***REDACTED***"},
	{regexp.MustCompile(`ghp_[A-Za-z0-9]+`), "ghp_***REDACTED***"},
	{regexp.MustCompile(`rpa_[A-Za-z0-9]+`), "rpa_***REDACTED***"},
	{regexp.MustCompile(`(?i)Bearer [A-Za-z0-9._-]+`), "Bearer ***REDACTED***"},
	{regexp.MustCompile(`(?i)token=[^&\s]+`), "token=***"},
	{regexp.MustCompile(`(?i)password=[^\s&]+`), "password=***"},
	{regexp.MustCompile(`(?i)api[_-]?key=[^&\s]+`), "api_key=***"},
	{regexp.MustCompile(`"password"\s*:\s*"[^"]+"`), `"password": "***"`},
	{regexp.MustCompile(`"token"\s*:\s*"[^"]+"`), `"token": "***"`},
	{regexp.MustCompile(`"api_key"\s*:\s*"[^"]+"`), `"api_key": "***"`},
	{regexp.MustCompile(`/Users/[^/]+/`), "/[HOME]/"},
	{regexp.MustCompile(`/home/[^/]+/`), "/[HOME]/"},
}

// Keys whose values are replaced whole during recursive redaction.
// Matching is substring on the lowercased key.
var sensitiveKeys = []string{
	"authorization",
	"cookie",
	"set-cookie",
	"x-api-key",
	"api_key",
	"apikey",
	"token",
	"password",
	"secret",
	"credential",
	"auth",
	"bearer",
	"hf_token",
	"runpod_api_key",
	"github_token",
	"cloudflare_api_token",
}

// maxRedactDepth caps recursion through nested maps and slices
const maxRedactDepth = 10

// RedactString applies all redaction patterns to text
func RedactString(text string) string {
	for _, p := range redactionPatterns {
		text = p.re.ReplaceAllString(text, p.replacement)
	}
	return text
}

// IsSensitiveKey reports whether a map key should have its value masked
func IsSensitiveKey(key string) bool {
	lower := strings.ToLower(key)
	for _, sensitive := range sensitiveKeys {
		if strings.Contains(lower, sensitive) {
			return true
		}
	}
	return false
}

// RedactMap recursively redacts a map: sensitive keys are masked whole,
// string values run through the pattern set, nested maps and slices recurse.
func RedactMap(data map[string]interface{}) map[string]interface{} {
	return redactMap(data, 0)
}

// RedactValue redacts any value the same way RedactMap treats map values
func RedactValue(value interface{}) interface{} {
	return redactValue(value, 0)
}

func redactMap(data map[string]interface{}, depth int) map[string]interface{} {
	if data == nil {
		return nil
	}
	if depth > maxRedactDepth {
		return map[string]interface{}{"_truncated": true}
	}

	result := make(map[string]interface{}, len(data))
	for key, value := range data {
		if IsSensitiveKey(key) {
			result[key] = "***REDACTED***"
			continue
		}
		result[key] = redactValue(value, depth+1)
	}
	return result
}

func redactValue(value interface{}, depth int) interface{} {
	switch v := value.(type) {
	case string:
		return RedactString(v)
	case map[string]interface{}:
		return redactMap(v, depth)
	case []interface{}:
		if depth > maxRedactDepth {
			return []interface{}{}
		}
		out := make([]interface{}, len(v))
		for i, item := range v {
			out[i] = redactValue(item, depth+1)
		}
		return out
	default:
		return value
	}
}
