package cloud

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"
)

// Kind classifies a failed upstream call.
type Kind int

const (
	KindUnknown Kind = iota
	// KindTransport is a network, DNS, TLS or timeout failure.
	KindTransport
	// KindAuth is a 401. It is never retried automatically.
	KindAuth
	// KindValidation is a 400/404/409/422. On control operations it's a
	// terminal no-op.
	KindValidation
	// KindRateLimited is a 429.
	KindRateLimited
	// KindServerFault is a 5xx, including the 550-552 custom codes, or a body
	// that couldn't be understood.
	KindServerFault
	// KindClient is any other 4xx.
	KindClient
	// KindExhausted means every endpoint variant for an operation failed.
	KindExhausted
)

func (k Kind) String() string {
	switch k {
	case KindTransport:
		return "transport"
	case KindAuth:
		return "auth"
	case KindValidation:
		return "validation"
	case KindRateLimited:
		return "rate_limited"
	case KindServerFault:
		return "server_fault"
	case KindClient:
		return "client"
	case KindExhausted:
		return "all_variants_exhausted"
	}
	return "unknown"
}

// Retryable returns true for kinds the backoff controller retries.
func (k Kind) Retryable() bool {
	switch k {
	case KindTransport, KindRateLimited, KindServerFault:
		return true
	}
	return false
}

// Error is a failed upstream call.
type Error struct {
	Kind       Kind
	Op         string
	Status     int
	RetryAfter time.Duration
	Message    string
	Err        error
}

func (e *Error) Error() string {
	var sb strings.Builder
	if e.Op != "" {
		sb.WriteString(e.Op)
		sb.WriteString(": ")
	}
	sb.WriteString(e.Kind.String())
	if e.Status != 0 {
		fmt.Fprintf(&sb, " (status %d)", e.Status)
	}
	if e.Message != "" {
		sb.WriteString(": ")
		sb.WriteString(e.Message)
	} else if e.Err != nil {
		sb.WriteString(": ")
		sb.WriteString(e.Err.Error())
	}
	return sb.String()
}

func (e *Error) Unwrap() error {
	return e.Err
}

// ExhaustedError is returned when every endpoint variant of an operation
// failed. Failures holds one error per attempted variant, in order.
type ExhaustedError struct {
	Op       Operation
	Serial   string
	Failures []error
}

func (e *ExhaustedError) Error() string {
	msgs := make([]string, len(e.Failures))
	for i, f := range e.Failures {
		msgs[i] = f.Error()
	}
	return fmt.Sprintf("%s %s: all %d variants exhausted: [%s]", e.Op, e.Serial, len(e.Failures), strings.Join(msgs, "; "))
}

// AllValidation returns true if every attempted variant failed with a
// validation-class status.
func (e *ExhaustedError) AllValidation() bool {
	if len(e.Failures) == 0 {
		return false
	}
	for _, f := range e.Failures {
		if KindOf(f) != KindValidation {
			return false
		}
	}
	return true
}

// KindOf returns the kind of a cloud error or KindUnknown.
func KindOf(err error) Kind {
	var ex *ExhaustedError
	if errors.As(err, &ex) {
		return KindExhausted
	}
	var ce *Error
	if errors.As(err, &ce) {
		return ce.Kind
	}
	return KindUnknown
}

// StatusOf returns the HTTP status attached to err, or 0.
func StatusOf(err error) int {
	var ce *Error
	if errors.As(err, &ce) {
		return ce.Status
	}
	return 0
}

// RetryAfterOf returns the Retry-After attached to err, or 0.
func RetryAfterOf(err error) time.Duration {
	var ce *Error
	if errors.As(err, &ce) {
		return ce.RetryAfter
	}
	return 0
}

// classifyStatus maps an HTTP status code to a Kind. 2xx statuses return
// KindUnknown.
func classifyStatus(status int) Kind {
	switch {
	case status >= 200 && status < 300:
		return KindUnknown
	case status == http.StatusUnauthorized:
		return KindAuth
	case status == http.StatusTooManyRequests:
		return KindRateLimited
	case status == http.StatusBadRequest, status == http.StatusNotFound,
		status == http.StatusConflict, status == http.StatusUnprocessableEntity:
		return KindValidation
	case status >= 500:
		return KindServerFault
	case status >= 400:
		return KindClient
	}
	// 1xx and 3xx are not expected from the API
	return KindServerFault
}

// statusError builds an Error from a non-2xx response.
func statusError(op string, resp Response, now time.Time) *Error {
	return &Error{
		Kind:       classifyStatus(resp.Status),
		Op:         op,
		Status:     resp.Status,
		RetryAfter: parseRetryAfter(resp.Header.Get("Retry-After"), now),
		Message:    errorMessage(resp.Body),
	}
}

// parseRetryAfter accepts delta-seconds or an HTTP date.
func parseRetryAfter(v string, now time.Time) time.Duration {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil {
		if secs < 0 {
			return 0
		}
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(v); err == nil {
		if d := t.Sub(now); d > 0 {
			return d
		}
	}
	return 0
}

const maxMessageBytes = 200

// truncate cuts s to at most n bytes without splitting a rune.
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}

// errorMessage extracts a message from the error envelope shapes the API
// uses: {"error":{"message":..}}, {"error":"..."}, {"message":..}.
func errorMessage(body []byte) string {
	if len(body) == 0 {
		return ""
	}
	var env struct {
		Error   json.RawMessage `json:"error"`
		Message string          `json:"message"`
		Reason  string          `json:"reason"`
	}
	if err := json.Unmarshal(body, &env); err != nil {
		return truncate(strings.TrimSpace(string(body)), maxMessageBytes)
	}
	if len(env.Error) > 0 {
		var nested struct {
			Message     string `json:"message"`
			Description string `json:"description"`
		}
		if err := json.Unmarshal(env.Error, &nested); err == nil {
			if nested.Message != "" {
				return nested.Message
			}
			if nested.Description != "" {
				return nested.Description
			}
		}
		var s string
		if err := json.Unmarshal(env.Error, &s); err == nil && s != "" {
			return s
		}
	}
	if env.Message != "" {
		return env.Message
	}
	return env.Reason
}
