package gateway

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strings"
)

var (
	ErrAuthenticationRequired = errors.New("authentication required")
	ErrInvalidCredentials     = errors.New("invalid username or password")
	ErrSessionExpired         = errors.New("session expired")
	ErrValidation             = errors.New("validation failed")
	ErrTransient              = errors.New("temporary failure")
	ErrNotAuthorized          = errors.New("not authorized")
)

// GenericFailure is shown when the server gives no usable message
const GenericFailure = "Something went wrong"

// APIError is a non-2xx response or a transport failure (StatusCode 0)
type APIError struct {
	StatusCode int
	Method     string
	Path       string
	// Message is the server's message, detail or error field
	Message string
	// Fields holds per-field validation messages
	Fields map[string][]string
	Err    error
}

func (e *APIError) Error() string {
	if e.StatusCode == 0 {
		return fmt.Sprintf("gateway: %s %s: %v", e.Method, e.Path, e.Err)
	}
	msg := e.Message
	if msg == "" {
		msg = e.fieldSummary()
	}
	if msg == "" {
		msg = http.StatusText(e.StatusCode)
	}
	return fmt.Sprintf("gateway: %s %s: %d: %s", e.Method, e.Path, e.StatusCode, msg)
}

func (e *APIError) Unwrap() error {
	return e.Err
}

// Is maps the status code onto the error taxonomy
func (e *APIError) Is(target error) bool {
	switch target {
	case ErrValidation:
		return e.StatusCode == http.StatusBadRequest ||
			e.StatusCode == http.StatusConflict ||
			e.StatusCode == http.StatusUnprocessableEntity
	case ErrNotAuthorized:
		return e.StatusCode == http.StatusUnauthorized || e.StatusCode == http.StatusForbidden
	case ErrTransient:
		return e.StatusCode == 0 || e.StatusCode >= 500 || e.StatusCode == http.StatusTooManyRequests
	}
	return false
}

// UserMessage is what a person should see for this failure
func (e *APIError) UserMessage() string {
	if e.Message != "" {
		return e.Message
	}
	if s := e.fieldSummary(); s != "" {
		return s
	}
	return ""
}

func (e *APIError) fieldSummary() string {
	if len(e.Fields) == 0 {
		return ""
	}
	names := make([]string, 0, len(e.Fields))
	for name := range e.Fields {
		names = append(names, name)
	}
	sort.Strings(names)

	parts := make([]string, 0, len(names))
	for _, name := range names {
		msgs := strings.Join(e.Fields[name], " ")
		if name == "non_field_errors" {
			parts = append(parts, msgs)
			continue
		}
		parts = append(parts, name+": "+msgs)
	}
	return strings.Join(parts, "; ")
}

// MessageOr returns the server-supplied message carried by err, or fallback
func MessageOr(err error, fallback string) string {
	var apiErr *APIError
	if errors.As(err, &apiErr) && apiErr.StatusCode != 0 {
		if msg := apiErr.UserMessage(); msg != "" {
			return msg
		}
	}
	return fallback
}

// parseErrorBody pulls the message and field errors out of an error payload.
// Accepts {"message"|"detail"|"error": "..."} and DRF's {"field": ["..."]}.
func parseErrorBody(body []byte) (string, map[string][]string) {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(body, &raw); err != nil {
		return "", nil
	}

	var message string
	for _, key := range []string{"message", "detail", "error"} {
		if v, ok := raw[key]; ok {
			var s string
			if json.Unmarshal(v, &s) == nil && s != "" {
				message = s
				break
			}
		}
	}

	fields := make(map[string][]string)
	for key, v := range raw {
		switch key {
		case "message", "detail", "error":
			continue
		}
		var list []string
		if json.Unmarshal(v, &list) == nil && len(list) > 0 {
			fields[key] = list
			continue
		}
		var s string
		if json.Unmarshal(v, &s) == nil && s != "" {
			fields[key] = []string{s}
		}
	}
	if len(fields) == 0 {
		fields = nil
	}
	return message, fields
}
