package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"strconv"

	hostErrors "github.com/codementor/host/internal/errors"
)

// Assistant endpoints, relative to the base URL.
const (
	EndpointResync  = "/resync-index"
	EndpointQuery   = "/query"
	EndpointRewrite = "/llm-rewrite"
)

// artifactFilename is the upload name the backend expects for the chunks file.
const artifactFilename = "chunks.json"

// ResyncRequest describes one upload of a workspace's chunk artifact.
type ResyncRequest struct {
	ArtifactPath string
	IsFirstSync  bool
	Email        string
	WorkspaceID  string
}

// QueryRequest is the body of a question about the active file.
type QueryRequest struct {
	UserQuestion       string `json:"user_query"`
	CurrentFileContent string `json:"current_file_content"`
	CurrentFilePath    string `json:"current_file_path"`
	Email              string `json:"email"`
	WorkspaceID        string `json:"workspace_name"`
}

// rewriteRequest is the body sent to the rewrite endpoint.
// The backend's field name is misspelled; it must be sent as-is.
type rewriteRequest struct {
	OriginalFile  string `json:"orignal_file"`
	RewrittenCode string `json:"rewritten_code"`
}

// ResyncIndex uploads a previously produced chunk artifact as a multipart
// body with the scalar fields alongside it. It returns the response body.
func (c *Client) ResyncIndex(ctx context.Context, r ResyncRequest) (json.RawMessage, error) {
	f, err := os.Open(r.ArtifactPath)
	if err != nil {
		return nil, hostErrors.Wrap(hostErrors.CodeArtifactMissing, fmt.Sprintf("open artifact %s", r.ArtifactPath), err)
	}
	defer f.Close()

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)

	part, err := mw.CreateFormFile("file", artifactFilename)
	if err != nil {
		return nil, hostErrors.Internal("build multipart body", err)
	}
	if _, err := io.Copy(part, f); err != nil {
		return nil, hostErrors.Wrap(hostErrors.CodeArtifactMissing, "read artifact", err)
	}

	fields := []struct{ name, value string }{
		{"is_first_time", strconv.FormatBool(r.IsFirstSync)},
		{"email", r.Email},
		{"filepath", r.WorkspaceID},
	}
	for _, field := range fields {
		if err := mw.WriteField(field.name, field.value); err != nil {
			return nil, hostErrors.Internal("build multipart body", err)
		}
	}
	if err := mw.Close(); err != nil {
		return nil, hostErrors.Internal("build multipart body", err)
	}

	data, err := c.do(ctx, http.MethodPost, EndpointResync, &buf, mw.FormDataContentType(), c.requestTimeout)
	if err != nil {
		return nil, err
	}
	return json.RawMessage(data), nil
}

// Query asks the backend a question about the active file and returns its answer.
func (c *Client) Query(ctx context.Context, q QueryRequest) (string, error) {
	data, err := c.postJSON(ctx, EndpointQuery, q, c.requestTimeout)
	if err != nil {
		return "", err
	}

	var body struct {
		Response *string         `json:"response"`
		Data     json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(data, &body); err != nil {
		return "", hostErrors.ProtocolUnexpected(EndpointQuery, "body is not a JSON object")
	}
	if body.Response != nil {
		return *body.Response, nil
	}

	var inner struct {
		Response *string `json:"response"`
	}
	if len(body.Data) > 0 && json.Unmarshal(body.Data, &inner) == nil && inner.Response != nil {
		return *inner.Response, nil
	}
	return "", hostErrors.ProtocolUnexpected(EndpointQuery, "missing response field")
}

// RewriteFile asks the backend to reconcile a suggestion into a complete
// replacement for original. It returns the backend's text verbatim.
func (c *Client) RewriteFile(ctx context.Context, original, suggested string) (string, error) {
	data, err := c.postJSON(ctx, EndpointRewrite, rewriteRequest{OriginalFile: original, RewrittenCode: suggested}, c.requestTimeout)
	if err != nil {
		return "", err
	}
	return parseRewrite(data)
}

// parseRewrite accepts the envelope {"data": "..."}, a bare JSON string,
// a structured body carrying the code under a known key, or plain text.
func parseRewrite(data []byte) (string, error) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 {
		return "", hostErrors.ProtocolUnexpected(EndpointRewrite, "empty body")
	}
	if !json.Valid(trimmed) {
		return string(data), nil
	}

	if s, ok := rewriteText(trimmed); ok {
		return s, nil
	}

	var envelope struct {
		Data json.RawMessage `json:"data"`
	}
	if json.Unmarshal(trimmed, &envelope) == nil && len(envelope.Data) > 0 {
		if s, ok := rewriteText(envelope.Data); ok {
			return s, nil
		}
	}
	return "", hostErrors.ProtocolUnexpected(EndpointRewrite, "no rewritten text in body")
}

// rewriteText reads raw as a JSON string or an object with a code field.
func rewriteText(raw json.RawMessage) (string, bool) {
	var s string
	if json.Unmarshal(raw, &s) == nil {
		return s, true
	}

	var obj map[string]json.RawMessage
	if json.Unmarshal(raw, &obj) != nil {
		return "", false
	}
	for _, key := range []string{"rewritten_code", "code", "content", "response"} {
		if v, ok := obj[key]; ok && json.Unmarshal(v, &s) == nil {
			return s, true
		}
	}
	return "", false
}
