// Package errors provides standardized error codes for the host application.
//
// Error codes follow the format {domain}.{error} where:
//   - domain: The subsystem that generated the error (auth, network, artifact, protocol, server, storage)
//   - error: The specific error type within that domain
//
// These codes are stable and can be used by the IDE surface for programmatic
// error handling. Human-readable messages are provided alongside codes.
package errors

import (
	"errors"
	"fmt"
)

// Error codes by domain.
const (
	// Auth domain - bad credentials, invalid or expired sessions
	CodeAuthRequired = "auth.required" // No credential available for the request
	CodeAuthInvalid  = "auth.invalid"  // Rejected credentials or token
	CodeAuthExpired  = "auth.expired"  // Token expired and could not be refreshed

	// Network domain - transport and HTTP status failures
	CodeNetworkFailed = "network.failed" // Request could not be delivered
	CodeNetworkStatus = "network.status" // Backend answered with a non-2xx status

	// Artifact domain - chunking collaborator failures
	CodeArtifactFailed  = "artifact.failed"  // Chunker exited with an error
	CodeArtifactMissing = "artifact.missing" // Chunker finished but produced no artifact

	// Protocol domain - unexpected backend response shapes
	CodeProtocolUnexpected = "protocol.unexpected_response" // Body did not match the expected shape

	// Editor domain - active file resolution
	CodeEditorNoActiveFile = "editor.no_active_file" // No file is open
	CodeEditorReadFailed   = "editor.read_failed"    // Active file could not be read

	// Server domain - WebSocket command channel
	CodeServerUpgradeFailed  = "server.upgrade_failed"  // WebSocket upgrade failed
	CodeServerInvalidMessage = "server.invalid_message" // Malformed or invalid message
	CodeServerRateLimited    = "server.rate_limited"    // Too many commands per second

	// Storage domain - credential persistence
	CodeStorageOpenFailed  = "storage.open_failed"  // Database open failed
	CodeStorageQueryFailed = "storage.query_failed" // Database query failed
	CodeStorageSaveFailed  = "storage.save_failed"  // Failed to save data

	// General domain - catch-all errors
	CodeUnknown  = "error.unknown"  // Unknown error
	CodeInternal = "error.internal" // Internal error
)

// nextActions maps each code to the single primary recovery action for the user.
var nextActions = map[string]string{
	CodeAuthRequired:         "Sign in to continue.",
	CodeAuthInvalid:          "Check your email and password, then sign in again.",
	CodeAuthExpired:          "Your session expired. Sign in again.",
	CodeNetworkFailed:        "Check that the backend is reachable and retry.",
	CodeNetworkStatus:        "Retry the request; if it keeps failing, check the backend logs.",
	CodeArtifactFailed:       "Check the chunker command output and retry indexing.",
	CodeArtifactMissing:      "Check the chunker output path and retry indexing.",
	CodeProtocolUnexpected:   "Update the host or backend so their versions match.",
	CodeEditorNoActiveFile:   "Open a file in the editor and retry.",
	CodeEditorReadFailed:     "Check that the file exists and is readable.",
	CodeServerInvalidMessage: "Update the IDE extension so its messages match the host.",
	CodeServerRateLimited:    "Slow down and retry in a moment.",
	CodeStorageOpenFailed:    "Check permissions on the token store path.",
	CodeStorageQueryFailed:   "Restart the host; delete the token store if it is corrupt.",
	CodeStorageSaveFailed:    "Check free disk space and permissions on the token store.",
}

// CodedError wraps an error with a stable error code.
// This allows errors to carry both a code for programmatic handling
// and a message for human consumption.
type CodedError struct {
	Code    string // Stable error code (e.g., "auth.invalid")
	Message string // Human-readable error message
	Cause   error  // Underlying error (may be nil)
}

// Error implements the error interface.
func (e *CodedError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s (%v)", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying cause for errors.Is/As support.
func (e *CodedError) Unwrap() error {
	return e.Cause
}

// New creates a new CodedError with the given code and message.
func New(code, message string) *CodedError {
	return &CodedError{
		Code:    code,
		Message: message,
	}
}

// Wrap creates a new CodedError wrapping an existing error.
func Wrap(code, message string, cause error) *CodedError {
	return &CodedError{
		Code:    code,
		Message: message,
		Cause:   cause,
	}
}

// GetCode extracts the error code from an error.
// Falls back to CodeUnknown for errors that carry no code.
func GetCode(err error) string {
	if err == nil {
		return ""
	}

	var coded *CodedError
	if errors.As(err, &coded) {
		return coded.Code
	}

	return CodeUnknown
}

// GetMessage extracts a human-readable message from an error.
// If the error is a CodedError, returns its message.
// Otherwise, returns the error's Error() string.
func GetMessage(err error) string {
	if err == nil {
		return ""
	}

	var coded *CodedError
	if errors.As(err, &coded) {
		return coded.Message
	}

	return err.Error()
}

// ToCodeAndMessage extracts both code and message from an error.
// This is the primary function for converting errors to client responses.
func ToCodeAndMessage(err error) (code, message string) {
	if err == nil {
		return "", ""
	}

	var coded *CodedError
	if errors.As(err, &coded) {
		return coded.Code, coded.Message
	}

	return CodeUnknown, err.Error()
}

// IsCode checks if an error has a specific error code.
func IsCode(err error, code string) bool {
	return GetCode(err) == code
}

// GetNextAction returns the recovery hint for a code, or "" when none is registered.
func GetNextAction(code string) string {
	return nextActions[code]
}

// Common error constructors for frequently used error types.

// AuthInvalid creates an "auth.invalid" error.
func AuthInvalid(message string) *CodedError {
	if message == "" {
		message = "authentication failed"
	}
	return New(CodeAuthInvalid, message)
}

// AuthRequired creates an "auth.required" error for a request made while
// signed out.
func AuthRequired() *CodedError {
	return New(CodeAuthRequired, "not signed in")
}

// AuthExpired creates an "auth.expired" error.
// The session could not be revalidated even after a refresh attempt.
func AuthExpired() *CodedError {
	return New(CodeAuthExpired, "session expired or invalid")
}

// NetworkFailed creates a "network.failed" error for a transport failure.
func NetworkFailed(endpoint string, cause error) *CodedError {
	return Wrap(CodeNetworkFailed, fmt.Sprintf("request to %s failed", endpoint), cause)
}

// ArtifactFailed creates an "artifact.failed" error.
// The output contains whatever the chunker wrote to stderr.
func ArtifactFailed(output string, cause error) *CodedError {
	msg := "indexing failed"
	if output != "" {
		msg = fmt.Sprintf("indexing failed: %s", output)
	}
	return Wrap(CodeArtifactFailed, msg, cause)
}

// ProtocolUnexpected creates a "protocol.unexpected_response" error.
func ProtocolUnexpected(endpoint, reason string) *CodedError {
	return New(CodeProtocolUnexpected, fmt.Sprintf("unexpected response from %s: %s", endpoint, reason))
}

// InvalidMessage creates a "server.invalid_message" error.
func InvalidMessage(reason string) *CodedError {
	return New(CodeServerInvalidMessage, reason)
}

// Internal creates an "error.internal" error.
func Internal(message string, cause error) *CodedError {
	return Wrap(CodeInternal, message, cause)
}
