package diff

import (
	"bytes"
	"context"
	"fmt"
	"html"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"

	"go.uber.org/zap"
)

// View is one diff to display: the file it belongs to, both texts and
// the hunks computed from them.
type View struct {
	Path     string
	Original string
	Modified string
	Result   Result
}

// Renderer displays a diff to the user.
type Renderer interface {
	Render(ctx context.Context, v View) error
}

// Placeholders substituted in NativeRenderer.Command.
const (
	PlaceholderOriginal = "{original}"
	PlaceholderModified = "{modified}"
	PlaceholderTitle    = "{title}"
)

// NativeRenderer writes both texts to transient documents and hands them
// to the editor's own compare view.
type NativeRenderer struct {
	// Command is the compare command with placeholders,
	// e.g. code --diff {original} {modified}.
	Command []string

	// Dir is where transient documents are created. Empty means os.TempDir.
	Dir string

	Logger *zap.Logger

	mu   sync.Mutex
	dirs []string
}

// Render materializes the two documents and runs the compare command.
// The documents stay on disk until Close, since editors usually read them
// after the command has returned.
func (n *NativeRenderer) Render(ctx context.Context, v View) error {
	if len(n.Command) == 0 {
		return fmt.Errorf("diff: no compare command configured")
	}

	dir, err := os.MkdirTemp(n.Dir, "codementor-diff-")
	if err != nil {
		return fmt.Errorf("diff: create temp dir: %w", err)
	}
	n.mu.Lock()
	n.dirs = append(n.dirs, dir)
	n.mu.Unlock()

	base := filepath.Base(v.Path)
	if base == "." || base == string(filepath.Separator) || base == "" {
		base = "untitled"
	}
	originalPath := filepath.Join(dir, "original-"+base)
	modifiedPath := filepath.Join(dir, "suggested-"+base)

	if err := os.WriteFile(originalPath, []byte(v.Original), 0o600); err != nil {
		return fmt.Errorf("diff: write original: %w", err)
	}
	if err := os.WriteFile(modifiedPath, []byte(v.Modified), 0o600); err != nil {
		return fmt.Errorf("diff: write suggestion: %w", err)
	}

	replacer := strings.NewReplacer(
		PlaceholderOriginal, originalPath,
		PlaceholderModified, modifiedPath,
		PlaceholderTitle, base+" (original ↔ suggested)",
	)
	args := make([]string, len(n.Command))
	for i, arg := range n.Command {
		args[i] = replacer.Replace(arg)
	}

	cmd := exec.CommandContext(ctx, args[0], args[1:]...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("diff: %s: %w: %s", args[0], err, strings.TrimSpace(stderr.String()))
	}

	if n.Logger != nil {
		n.Logger.Debug("opened native diff",
			zap.String("path", v.Path),
			zap.String("original", originalPath),
			zap.String("modified", modifiedPath))
	}
	return nil
}

// Close removes every transient document created so far.
func (n *NativeRenderer) Close() error {
	n.mu.Lock()
	dirs := n.dirs
	n.dirs = nil
	n.mu.Unlock()

	var firstErr error
	for _, dir := range dirs {
		if err := os.RemoveAll(dir); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Format selects the AnnotatedRenderer output.
type Format string

const (
	FormatText Format = "text"
	FormatHTML Format = "html"
)

// FormatForPath picks HTML for .html and .htm outputs, text otherwise.
func FormatForPath(path string) Format {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".html", ".htm":
		return FormatHTML
	}
	return FormatText
}

// AnnotatedRenderer writes a self-contained view with each hunk tagged
// as added, removed or unchanged.
type AnnotatedRenderer struct {
	Format Format

	// Out receives the view. When nil the view is written to Path instead.
	Out  io.Writer
	Path string
}

// Render writes v in the configured format.
func (a *AnnotatedRenderer) Render(_ context.Context, v View) error {
	var buf bytes.Buffer
	switch a.Format {
	case FormatHTML:
		WriteHTML(&buf, v)
	default:
		WriteText(&buf, v)
	}

	if a.Out != nil {
		_, err := a.Out.Write(buf.Bytes())
		return err
	}
	if a.Path == "" {
		return fmt.Errorf("diff: annotated renderer has no output")
	}
	if err := os.MkdirAll(filepath.Dir(a.Path), 0o700); err != nil {
		return fmt.Errorf("diff: create output dir: %w", err)
	}
	return os.WriteFile(a.Path, buf.Bytes(), 0o600)
}

var textPrefix = map[Kind]string{
	Added:     "+ ",
	Removed:   "- ",
	Unchanged: "  ",
}

// WriteText writes v with one marker prefix per line.
func WriteText(w io.Writer, v View) {
	stats := v.Result.Stats()
	fmt.Fprintf(w, "--- %s (original)\n+++ %s (suggested)\n", displayPath(v.Path), displayPath(v.Path))
	fmt.Fprintf(w, "# %d added, %d removed, %d unchanged\n", stats.AddedLines, stats.RemovedLines, stats.UnchangedLines)

	for _, h := range v.Result.Hunks {
		prefix := textPrefix[h.Kind]
		for _, line := range SplitLines(h.Text) {
			io.WriteString(w, prefix)
			io.WriteString(w, line)
			if !strings.HasSuffix(line, "\n") {
				io.WriteString(w, "\n")
			}
		}
	}
}

const htmlHead = `<!DOCTYPE html>
<html>
<head>
<meta charset="utf-8">
<title>%s</title>
<style>
body { font-family: monospace; margin: 0; }
header { padding: 8px 12px; border-bottom: 1px solid #ccc; }
pre { margin: 0; padding: 0 12px; white-space: pre-wrap; }
.added { background: #e6ffed; }
.removed { background: #ffeef0; text-decoration: line-through; }
.unchanged { color: #555; }
</style>
</head>
<body>
<header>%s: %d added, %d removed</header>
`

// WriteHTML writes v as a standalone HTML page, escaping all content.
func WriteHTML(w io.Writer, v View) {
	stats := v.Result.Stats()
	title := html.EscapeString(displayPath(v.Path))
	fmt.Fprintf(w, htmlHead, title, title, stats.AddedLines, stats.RemovedLines)

	for _, h := range v.Result.Hunks {
		fmt.Fprintf(w, "<pre class=\"%s\">%s</pre>\n", h.Kind, html.EscapeString(h.Text))
	}
	io.WriteString(w, "</body>\n</html>\n")
}

func displayPath(path string) string {
	if path == "" {
		return "untitled"
	}
	return path
}
