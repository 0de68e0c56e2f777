package shared

import (
	"regexp"
	"strings"
)

const redactedPlaceholder = "[REDACTED]"

// redaction pairs a secret-bearing pattern with its replacement. A
// replacement that starts with ${1} keeps the label in front of the value.
type redaction struct {
	re   *regexp.Regexp
	repl string
}

var redactions = []redaction{
	// key=value and key: value assignments with a long value.
	{regexp.MustCompile(`(?i)((?:api[_-]?key|apikey|secret[_-]?key|auth[_-]?token|bearer)\s*[:=]\s*)"?[A-Za-z0-9_\-./+=]{16,}"?`), "${1}" + redactedPlaceholder},
	// Authorization header values.
	{regexp.MustCompile(`(?i)(Bearer\s+)[A-Za-z0-9_\-./+=]{16,}`), "${1}" + redactedPlaceholder},
	// Worker credentials issued by dispatchd.
	{regexp.MustCompile(`gdw_[A-Za-z0-9]{16,}`), redactedPlaceholder},
	// UUID-shaped tokens after a token or secret label.
	{regexp.MustCompile(`(?i)((?:token|secret)\s*[:=]\s*)"?[0-9a-f]{8}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{12}"?`), "${1}" + redactedPlaceholder},
}

// Redact masks credentials in log, event and error strings.
func Redact(input string) string {
	if input == "" {
		return input
	}
	for _, r := range redactions {
		input = r.re.ReplaceAllString(input, r.repl)
	}
	return input
}

// IsSensitiveKey reports whether a field or env name looks secret-bearing.
func IsSensitiveKey(key string) bool {
	keyLower := strings.ToLower(key)
	for _, sensitive := range []string{"api_key", "apikey", "secret", "token", "password", "credential", "authorization", "bearer"} {
		if strings.Contains(keyLower, sensitive) {
			return true
		}
	}
	return false
}

// RedactEnvValue checks if a key name looks secret and returns redacted value if so.
func RedactEnvValue(key, value string) string {
	if IsSensitiveKey(key) {
		return redactedPlaceholder
	}
	return value
}

// RedactSecrets returns a copy of a secrets map safe for logging.
func RedactSecrets(secrets map[string]string) map[string]string {
	if len(secrets) == 0 {
		return nil
	}
	out := make(map[string]string, len(secrets))
	for k := range secrets {
		out[k] = redactedPlaceholder
	}
	return out
}
