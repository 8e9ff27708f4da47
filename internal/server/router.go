package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/codementor/host/internal/api"
	"github.com/codementor/host/internal/chunker"
	"github.com/codementor/host/internal/diff"
	"github.com/codementor/host/internal/editor"
	hostErrors "github.com/codementor/host/internal/errors"
	"github.com/codementor/host/internal/session"
	"github.com/codementor/host/internal/storage"
)

// emptyFilePlaceholder is sent as the file content when the active file is
// empty; the backend rejects an empty current_file_content.
const emptyFilePlaceholder = "Null"

// defaultWorkspaceName is used when the workspace root has no usable name.
const defaultWorkspaceName = "default"

// codeBlockRe matches <code>...</code> blocks, non-greedy and across lines.
var codeBlockRe = regexp.MustCompile(`(?s)<code>(.*?)</code>`)

// Session is the credential state the router drives.
type Session interface {
	Restore(ctx context.Context) (bool, error)
	Refresh(ctx context.Context) (bool, error)
	Login(ctx context.Context, email, password string) (*api.AuthResult, error)
	Register(ctx context.Context, email, password string) (*api.AuthResult, error)
	Logout(ctx context.Context) error
	Status() session.Status
}

// Backend is the assistant part of the gateway.
type Backend interface {
	ResyncIndex(ctx context.Context, r api.ResyncRequest) (json.RawMessage, error)
	Query(ctx context.Context, q api.QueryRequest) (string, error)
	RewriteFile(ctx context.Context, original, suggested string) (string, error)
}

// Chunker produces the index artifact for a workspace.
type Chunker interface {
	Chunk(ctx context.Context, workspace string) (string, error)
}

// SyncHistory remembers which workspaces have been indexed.
type SyncHistory interface {
	RecordSync(ctx context.Context, sync storage.IndexSync) error
	LastSync(ctx context.Context, workspace, email string) (*storage.IndexSync, error)
}

// RouterConfig holds the collaborators of a Router.
// Syncs and Renderer are optional.
type RouterConfig struct {
	Session   Session
	Backend   Backend
	Chunker   Chunker
	Editor    editor.Editor
	Renderer  diff.Renderer
	Syncs     SyncHistory
	Workspace string
	Logger    *zap.Logger
}

// Router maps each command to its handler and builds the single response.
type Router struct {
	session   Session
	backend   Backend
	chunker   Chunker
	editor    editor.Editor
	renderer  diff.Renderer
	syncs     SyncHistory
	workspace string
	logger    *zap.Logger
	now       func() time.Time
}

// NewRouter creates a Router from cfg.
func NewRouter(cfg RouterConfig) *Router {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	workspace := cfg.Workspace
	if workspace == "" {
		workspace = "."
	}
	return &Router{
		session:   cfg.Session,
		backend:   cfg.Backend,
		chunker:   cfg.Chunker,
		editor:    cfg.Editor,
		renderer:  cfg.Renderer,
		syncs:     cfg.Syncs,
		workspace: workspace,
		logger:    logger.Named("router"),
		now:       time.Now,
	}
}

// SessionStatus reports the current session state.
func (r *Router) SessionStatus() session.Status {
	return r.session.Status()
}

// Handle runs req and returns its response. It returns nil for commands
// that have no response: logout and unknown commands.
func (r *Router) Handle(ctx context.Context, req Request) *Response {
	var resp *Response
	switch req.Command {
	case CommandCheckSession:
		resp = r.handleCheckSession(ctx)
	case CommandLogin:
		resp = r.handleAuth(ctx, req, r.session.Login)
	case CommandRegister:
		resp = r.handleAuth(ctx, req, r.session.Register)
	case CommandLogout:
		r.handleLogout(ctx)
		return nil
	case CommandIndexCodebase:
		resp = r.handleIndexCodebase(ctx, req)
	case CommandGetActiveFileDetails:
		resp = r.handleActiveFileDetails(ctx, req)
	default:
		r.logger.Warn("ignoring unknown command", zap.String("command", string(req.Command)))
		return nil
	}
	return resp.withID(req.ID)
}

func (r *Router) handleCheckSession(ctx context.Context) *Response {
	ok, err := r.session.Restore(ctx)
	if err != nil {
		r.logger.Error("restore session", zap.Error(err))
		return NewSessionRestoredMessage(false, msgRestoreFailed)
	}
	if !ok {
		return NewSessionRestoredMessage(false, msgSessionInvalid)
	}
	return NewSessionRestoredMessage(true, "")
}

type authCall func(ctx context.Context, email, password string) (*api.AuthResult, error)

// handleAuth passes the credentials through as given; the backend
// validates them and its error body reaches the UI.
func (r *Router) handleAuth(ctx context.Context, req Request, call authCall) *Response {
	res, err := call(ctx, req.Email, req.Password)
	if err != nil {
		var apiErr *api.Error
		var body json.RawMessage
		if errors.As(err, &apiErr) {
			body = apiErr.JSONBody()
		}
		return NewAuthFailedMessage(err, body)
	}
	return NewAuthResultMessage(res.Body)
}

func (r *Router) handleLogout(ctx context.Context) {
	if err := r.session.Logout(ctx); err != nil {
		r.logger.Error("logout", zap.Error(err))
	}
}

func (r *Router) workspaceFor(req Request) string {
	if req.Workspace != "" {
		return req.Workspace
	}
	return r.workspace
}

func workspaceName(workspace string) string {
	name := chunker.WorkspaceID(workspace)
	if name == "" || name == "." || name == "/" {
		return defaultWorkspaceName
	}
	return name
}

func (r *Router) handleIndexCodebase(ctx context.Context, req Request) *Response {
	workspace := r.workspaceFor(req)
	name := workspaceName(workspace)

	artifact, err := r.chunker.Chunk(ctx, workspace)
	if err != nil {
		r.logger.Warn("chunking failed", zap.String("workspace", name), zap.Error(err))
		return NewIndexingCompleteMessage(err)
	}

	first := r.firstSync(ctx, req, name)
	err = r.withRefresh(ctx, func() error {
		_, err := r.backend.ResyncIndex(ctx, api.ResyncRequest{
			ArtifactPath: artifact,
			IsFirstSync:  first,
			Email:        req.Email,
			WorkspaceID:  name,
		})
		return err
	})
	if err != nil {
		r.logger.Warn("resync failed", zap.String("workspace", name), zap.Error(err))
		return NewIndexingCompleteMessage(err)
	}

	if r.syncs != nil {
		sync := storage.IndexSync{Workspace: name, Email: req.Email, FirstSync: first, SyncedAt: r.now()}
		if err := r.syncs.RecordSync(ctx, sync); err != nil {
			r.logger.Warn("record sync", zap.Error(err))
		}
	}
	r.logger.Info("workspace indexed", zap.String("workspace", name), zap.Bool("first", first))
	return NewIndexingCompleteMessage(nil)
}

// firstSync uses the client's flag if given, else checks the sync history.
// With no history available every sync counts as a first sync.
func (r *Router) firstSync(ctx context.Context, req Request, name string) bool {
	if req.FirstFlag != nil {
		return *req.FirstFlag
	}
	if r.syncs == nil {
		return true
	}
	last, err := r.syncs.LastSync(ctx, name, req.Email)
	if err != nil {
		r.logger.Warn("read sync history", zap.Error(err))
		return true
	}
	return last == nil
}

func (r *Router) handleActiveFileDetails(ctx context.Context, req Request) *Response {
	file, err := r.editor.ActiveFile(ctx, editor.Request{FilePath: req.FilePath, FileContent: req.FileContent})
	if err != nil {
		return r.processingError(err)
	}

	content := file.Content
	if content == "" {
		content = emptyFilePlaceholder
	}
	query := api.QueryRequest{
		UserQuestion:       req.Text,
		CurrentFileContent: content,
		CurrentFilePath:    file.Path,
		Email:              req.Email,
		WorkspaceID:        workspaceName(r.workspaceFor(req)),
	}

	var answer string
	err = r.withRefresh(ctx, func() error {
		var err error
		answer, err = r.backend.Query(ctx, query)
		return err
	})
	if err != nil {
		return r.processingError(err)
	}

	var rewritten string
	err = r.withRefresh(ctx, func() error {
		var err error
		rewritten, err = r.backend.RewriteFile(ctx, file.Content, answer)
		return err
	})
	if err != nil {
		return r.processingError(err)
	}

	suggested := ExtractCode(rewritten)
	result := diff.Compute(file.Content, suggested)

	if r.renderer != nil {
		view := diff.View{Path: file.Path, Original: file.Content, Modified: suggested, Result: result}
		if err := r.renderer.Render(ctx, view); err != nil {
			// The answer is still useful without the rendered view.
			r.logger.Warn("render diff", zap.String("path", file.Path), zap.Error(err))
		}
	}

	return NewAnswerResultMessage(answer, file.Path, result)
}

func (r *Router) processingError(err error) *Response {
	r.logger.Warn("active file request failed", zap.Error(err))
	code, detail := hostErrors.ToCodeAndMessage(err)
	resp := NewErrorMessage(code, msgProcessingFailed)
	resp.Error = detail
	return resp
}

// withRefresh runs call and, if the backend answers 401, refreshes the
// session once and runs call again. A signed-out session is never
// refreshed.
func (r *Router) withRefresh(ctx context.Context, call func() error) error {
	err := call()
	if !api.IsUnauthorized(err) {
		return err
	}
	if r.session.Status() == session.StatusEmpty {
		return hostErrors.AuthRequired()
	}

	ok, refreshErr := r.session.Refresh(ctx)
	if refreshErr != nil {
		return fmt.Errorf("refresh after 401: %w", refreshErr)
	}
	if !ok {
		return hostErrors.AuthExpired()
	}
	r.logger.Debug("retrying after refresh")
	return call()
}

// ExtractCode joins the contents of every <code>...</code> block in s with
// "\n". When there are none, s is returned unchanged.
func ExtractCode(s string) string {
	matches := codeBlockRe.FindAllStringSubmatch(s, -1)
	if len(matches) == 0 {
		return s
	}
	parts := make([]string, len(matches))
	for i, m := range matches {
		parts[i] = m[1]
	}
	return strings.Join(parts, "\n")
}
