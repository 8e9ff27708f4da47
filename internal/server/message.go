package server

import (
	"encoding/json"

	"github.com/codementor/host/internal/diff"
	hostErrors "github.com/codementor/host/internal/errors"
)

// Command names a message on the command channel.
type Command string

// Commands sent by the IDE surface.
const (
	CommandCheckSession         Command = "checkSession"
	CommandLogin                Command = "login"
	CommandRegister             Command = "register"
	CommandLogout               Command = "logout"
	CommandIndexCodebase        Command = "indexCodebase"
	CommandGetActiveFileDetails Command = "getActiveFileDetails"
)

// Responses sent back to the IDE surface.
const (
	CommandSessionRestored  Command = "sessionRestored"
	CommandAuthResult       Command = "authResult"
	CommandIndexingComplete Command = "indexingComplete"
	CommandAnswerResult     Command = "answerResult"
	CommandError            Command = "error"
)

// User-facing failure texts.
const (
	msgSessionInvalid   = "Session expired or invalid"
	msgRestoreFailed    = "Failed to restore session"
	msgAuthFailed       = "Authentication failed"
	msgIndexingFailed   = "Indexing failed"
	msgProcessingFailed = "Failed to process file"
)

// Request is one command from the IDE surface. Which fields are used
// depends on Command.
type Request struct {
	Command Command `json:"command"`

	// ID is echoed on the response when set.
	ID string `json:"id,omitempty"`

	Email    string `json:"email,omitempty"`
	Password string `json:"password,omitempty"`

	// Text is the user's question for getActiveFileDetails.
	Text string `json:"text,omitempty"`

	// FirstFlag marks the first index upload for a workspace. When absent
	// it is derived from the sync history.
	FirstFlag *bool `json:"firstFlag,omitempty"`

	// FilePath and FileContent describe the active editor buffer.
	FilePath    string  `json:"filePath,omitempty"`
	FileContent *string `json:"fileContent,omitempty"`

	// Workspace overrides the configured workspace root.
	Workspace string `json:"workspace,omitempty"`
}

// Response is the single reply to a Request.
type Response struct {
	Command Command `json:"command"`
	ID      string  `json:"id,omitempty"`

	Success *bool `json:"success,omitempty"`

	// Data is the backend's response body, passed through verbatim.
	Data json.RawMessage `json:"data,omitempty"`

	Error      string `json:"error,omitempty"`
	ErrorCode  string `json:"errorCode,omitempty"`
	NextAction string `json:"nextAction,omitempty"`

	// Answer is the backend's reply to the user's question.
	Answer *string `json:"answer,omitempty"`

	// Message is the text of an error response.
	Message string `json:"message,omitempty"`

	// Path, Diff and Stats describe the suggested rewrite of the active file.
	Path  string      `json:"path,omitempty"`
	Diff  []diff.Hunk `json:"diff,omitempty"`
	Stats *diff.Stats `json:"stats,omitempty"`
}

func boolPtr(b bool) *bool { return &b }

// withID sets the correlation id on r and returns it.
func (r *Response) withID(id string) *Response {
	if r != nil {
		r.ID = id
	}
	return r
}

// withError fills the error fields from err. fallback is used when err
// carries no message of its own.
func (r *Response) withError(err error, fallback string) *Response {
	code, msg := hostErrors.ToCodeAndMessage(err)
	if msg == "" {
		msg = fallback
	}
	r.Error = msg
	r.ErrorCode = code
	r.NextAction = hostErrors.GetNextAction(code)
	return r
}

// NewSessionRestoredMessage reports the outcome of a session restore.
func NewSessionRestoredMessage(success bool, errMsg string) *Response {
	return &Response{Command: CommandSessionRestored, Success: boolPtr(success), Error: errMsg}
}

// NewAuthResultMessage reports a successful login or registration.
func NewAuthResultMessage(data json.RawMessage) *Response {
	return &Response{Command: CommandAuthResult, Success: boolPtr(true), Data: data}
}

// NewAuthFailedMessage reports a failed login or registration.
// data is the backend's error body when it is JSON.
func NewAuthFailedMessage(err error, data json.RawMessage) *Response {
	r := &Response{Command: CommandAuthResult, Success: boolPtr(false), Data: data}
	return r.withError(err, msgAuthFailed)
}

// NewIndexingCompleteMessage reports the outcome of an indexing run.
func NewIndexingCompleteMessage(err error) *Response {
	r := &Response{Command: CommandIndexingComplete, Success: boolPtr(err == nil)}
	if err != nil {
		r.withError(err, msgIndexingFailed)
	}
	return r
}

// NewAnswerResultMessage carries the answer and the diff of the suggested rewrite.
func NewAnswerResultMessage(answer, path string, result diff.Result) *Response {
	stats := result.Stats()
	return &Response{
		Command: CommandAnswerResult,
		Answer:  &answer,
		Path:    path,
		Diff:    result.Hunks,
		Stats:   &stats,
	}
}

// NewErrorMessage reports a failure that has no command-specific response.
func NewErrorMessage(code, message string) *Response {
	return &Response{
		Command:    CommandError,
		Message:    message,
		ErrorCode:  code,
		NextAction: hostErrors.GetNextAction(code),
	}
}
