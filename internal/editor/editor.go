// Package editor resolves the file the user has active in the IDE.
//
// The IDE usually sends the live buffer with a command. When it only sends
// a path, the file is read from disk, confined to the workspace root.
package editor

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"unicode/utf8"

	hostErrors "github.com/codementor/host/internal/errors"
)

// DefaultSizeCapBytes is the largest file read from disk.
const DefaultSizeCapBytes = 2 * 1024 * 1024

// Request identifies the active file as reported by the IDE.
type Request struct {
	FilePath    string
	FileContent *string
}

// File is the resolved active file.
type File struct {
	// Path is the workspace-relative path when the file is inside the
	// workspace, else the path as reported.
	Path string

	Content    string
	LineEnding string

	// Version is a content hash, "sha256:<hex>".
	Version string
}

// Editor resolves the active file for a command.
type Editor interface {
	ActiveFile(ctx context.Context, req Request) (*File, error)
}

// Workspace resolves active files against a workspace root on disk.
type Workspace struct {
	Root         string
	SizeCapBytes int64
}

// NewWorkspace creates an Editor rooted at root.
func NewWorkspace(root string) *Workspace {
	return &Workspace{Root: root, SizeCapBytes: DefaultSizeCapBytes}
}

// ActiveFile returns the buffer sent by the IDE if there is one,
// otherwise reads FilePath from disk.
func (w *Workspace) ActiveFile(_ context.Context, req Request) (*File, error) {
	if req.FileContent != nil {
		if req.FilePath == "" && *req.FileContent == "" {
			return nil, hostErrors.New(hostErrors.CodeEditorNoActiveFile, "no active file")
		}
		content := *req.FileContent
		return &File{
			Path:       w.displayPath(req.FilePath),
			Content:    content,
			LineEnding: detectLineEnding([]byte(content)),
			Version:    computeVersion([]byte(content)),
		}, nil
	}

	if req.FilePath == "" {
		return nil, hostErrors.New(hostErrors.CodeEditorNoActiveFile, "no active file")
	}

	resolved, err := w.resolve(req.FilePath)
	if err != nil {
		return nil, err
	}

	info, err := os.Stat(resolved)
	if err != nil {
		return nil, hostErrors.Wrap(hostErrors.CodeEditorReadFailed, fmt.Sprintf("file not found: %s", req.FilePath), err)
	}
	if info.IsDir() {
		return nil, hostErrors.New(hostErrors.CodeEditorReadFailed, fmt.Sprintf("path is a directory: %s", req.FilePath))
	}
	if limit := w.sizeCap(); info.Size() > limit {
		return nil, hostErrors.New(hostErrors.CodeEditorReadFailed, fmt.Sprintf("file is larger than %d bytes: %s", limit, req.FilePath))
	}

	content, err := os.ReadFile(resolved)
	if err != nil {
		return nil, hostErrors.Wrap(hostErrors.CodeEditorReadFailed, "failed to read file", err)
	}
	if bytes.Contains(content, []byte{0}) || !utf8.Valid(content) {
		return nil, hostErrors.New(hostErrors.CodeEditorReadFailed, fmt.Sprintf("binary file: %s", req.FilePath))
	}

	return &File{
		Path:       w.displayPath(req.FilePath),
		Content:    string(content),
		LineEnding: detectLineEnding(content),
		Version:    computeVersion(content),
	}, nil
}

func (w *Workspace) sizeCap() int64 {
	if w.SizeCapBytes <= 0 {
		return DefaultSizeCapBytes
	}
	return w.SizeCapBytes
}

// resolve maps a reported path to a real path inside the root.
// Relative paths are taken from the root; symlinks may not escape it.
func (w *Workspace) resolve(reqPath string) (string, error) {
	root, err := filepath.EvalSymlinks(w.Root)
	if err != nil {
		return "", hostErrors.Wrap(hostErrors.CodeEditorReadFailed, "failed to resolve workspace root", err)
	}

	abs := reqPath
	if !filepath.IsAbs(abs) {
		abs = filepath.Join(root, filepath.Clean(reqPath))
	}

	resolved, err := filepath.EvalSymlinks(abs)
	if err != nil {
		if os.IsNotExist(err) {
			return "", hostErrors.New(hostErrors.CodeEditorReadFailed, fmt.Sprintf("file not found: %s", reqPath))
		}
		return "", hostErrors.Wrap(hostErrors.CodeEditorReadFailed, "failed to resolve path", err)
	}

	if !isWithinPath(resolved, root) {
		return "", hostErrors.New(hostErrors.CodeEditorReadFailed, "path escapes workspace boundary")
	}
	return resolved, nil
}

// displayPath makes path workspace-relative when it lies under the root.
func (w *Workspace) displayPath(path string) string {
	if path == "" || !filepath.IsAbs(path) {
		return path
	}
	root, err := filepath.Abs(w.Root)
	if err != nil {
		return path
	}
	rel, err := filepath.Rel(root, path)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return path
	}
	return rel
}

// isWithinPath reports whether candidate equals parent or is a descendant of it.
func isWithinPath(candidate, parent string) bool {
	return candidate == parent || strings.HasPrefix(candidate, parent+string(filepath.Separator))
}

// detectLineEnding returns "crlf" if every \n is preceded by \r, otherwise "lf".
func detectLineEnding(data []byte) string {
	lfCount := bytes.Count(data, []byte{'\n'})
	if lfCount == 0 {
		return "lf"
	}
	if bytes.Count(data, []byte{'\r', '\n'}) == lfCount {
		return "crlf"
	}
	return "lf"
}

// computeVersion returns a sha256 version token for content.
func computeVersion(content []byte) string {
	h := sha256.Sum256(content)
	return "sha256:" + hex.EncodeToString(h[:])
}
