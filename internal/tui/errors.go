package tui

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// StatusError is a non-200 answer from the gateway.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("fetch fleet: %d %s: %s", e.Code, http.StatusText(e.Code), e.Body)
}

// humanError turns a fetch failure into one dashboard line. Auth failures and
// timeouts get a hint; anything else shows the last segment of the chain,
// so "fetch fleet: dial tcp: connection refused" reads "Connection refused".
func humanError(err error) string {
	if err == nil {
		return ""
	}
	var se *StatusError
	switch {
	case errors.As(err, &se) && (se.Code == http.StatusUnauthorized || se.Code == http.StatusForbidden):
		return "Unauthorized: set GODISPATCH_SERVICE_TOKEN or service_tokens"
	case errors.Is(err, context.DeadlineExceeded):
		return "Gateway did not answer in time"
	}
	msg := err.Error()
	_, last, found := cutLast(msg, ": ")
	if !found || last == "" {
		return msg
	}
	return strings.ToUpper(last[:1]) + last[1:]
}

func cutLast(s, sep string) (before, after string, found bool) {
	i := strings.LastIndex(s, sep)
	if i < 0 {
		return s, "", false
	}
	return s[:i], s[i+len(sep):], true
}
