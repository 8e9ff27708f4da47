package api

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	hostErrors "github.com/codementor/host/internal/errors"
)

// GenericFailure is the message used when a failed response carries no usable body.
const GenericFailure = "request failed"

// Error is a non-2xx response from the backend.
// Body holds the response body verbatim so callers can pass it through.
type Error struct {
	Endpoint string
	Status   int
	Body     []byte
	Message  string
}

func newError(endpoint string, status int, body []byte) *Error {
	return &Error{
		Endpoint: endpoint,
		Status:   status,
		Body:     body,
		Message:  extractMessage(body),
	}
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s returned %d: %s", e.Endpoint, e.Status, e.Message)
}

// Unwrap exposes a coded form of the failure so errors.ToCodeAndMessage
// reports auth.invalid for a 401 and network.status otherwise.
func (e *Error) Unwrap() error {
	code := hostErrors.CodeNetworkStatus
	if e.Status == http.StatusUnauthorized || e.Status == http.StatusForbidden {
		code = hostErrors.CodeAuthInvalid
	}
	return hostErrors.New(code, e.Message)
}

// JSONBody returns the body if it is valid JSON, else nil.
func (e *Error) JSONBody() json.RawMessage {
	trimmed := bytes.TrimSpace(e.Body)
	if len(trimmed) == 0 || !json.Valid(trimmed) {
		return nil
	}
	return json.RawMessage(trimmed)
}

// IsUnauthorized reports whether err is a 401 from the backend.
func IsUnauthorized(err error) bool {
	var apiErr *Error
	return errors.As(err, &apiErr) && apiErr.Status == http.StatusUnauthorized
}

// extractMessage pulls a human-readable message out of an error body.
// FastAPI puts it in "detail"; the backend's envelope puts it in "error".
func extractMessage(body []byte) string {
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) == 0 {
		return GenericFailure
	}

	var parsed struct {
		Detail json.RawMessage `json:"detail"`
		Error  json.RawMessage `json:"error"`
	}
	if err := json.Unmarshal(trimmed, &parsed); err != nil {
		// Plain-text bodies are surfaced as-is.
		return string(trimmed)
	}

	if s := rawString(parsed.Error); s != "" {
		return s
	}
	if s := rawString(parsed.Detail); s != "" {
		return s
	}
	if len(parsed.Detail) > 0 && string(parsed.Detail) != "null" {
		return string(parsed.Detail)
	}
	if s := rawString(json.RawMessage(trimmed)); s != "" {
		return s
	}
	return GenericFailure
}

// rawString decodes raw as a JSON string, returning "" if it is not one.
func rawString(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return ""
	}
	return strings.TrimSpace(s)
}
