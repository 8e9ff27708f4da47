// Package chunker runs the external script that splits a workspace into
// index chunks and locates the artifact it produces.
package chunker

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"

	hostErrors "github.com/codementor/host/internal/errors"
)

// maxOutputInError caps how much chunker stderr is surfaced in an error.
const maxOutputInError = 2048

// waitDelay bounds how long a killed chunker's children may hold its pipes.
const waitDelay = 2 * time.Second

// ScriptChunker runs Command with the workspace path and the artifact
// path appended, e.g. python3 code_chunker.py <workspace> <artifact>.
type ScriptChunker struct {
	Command []string

	// OutputDir holds artifacts, one per workspace.
	OutputDir string

	// Timeout bounds a single run. Zero means no limit beyond ctx.
	Timeout time.Duration

	Logger *zap.Logger
}

// WorkspaceID is the identifier the backend indexes a workspace under:
// the base name of its absolute path.
func WorkspaceID(workspace string) string {
	abs, err := filepath.Abs(workspace)
	if err != nil {
		abs = workspace
	}
	return filepath.Base(abs)
}

// ArtifactPath returns where the artifact for workspace is written.
func (s *ScriptChunker) ArtifactPath(workspace string) string {
	return filepath.Join(s.OutputDir, WorkspaceID(workspace)+"_chunks.json")
}

// Chunk runs the chunker over workspace and returns the artifact path.
// A stale artifact from an earlier run is removed first so a run that
// writes nothing is reported as artifact.missing.
func (s *ScriptChunker) Chunk(ctx context.Context, workspace string) (string, error) {
	if len(s.Command) == 0 {
		return "", hostErrors.New(hostErrors.CodeArtifactFailed, "no chunker command configured")
	}
	if info, err := os.Stat(workspace); err != nil || !info.IsDir() {
		return "", hostErrors.Wrap(hostErrors.CodeArtifactFailed, fmt.Sprintf("workspace %s is not a directory", workspace), err)
	}

	if err := os.MkdirAll(s.OutputDir, 0o700); err != nil {
		return "", hostErrors.Wrap(hostErrors.CodeArtifactFailed, "create chunks dir", err)
	}
	artifact := s.ArtifactPath(workspace)
	if err := os.Remove(artifact); err != nil && !os.IsNotExist(err) {
		return "", hostErrors.Wrap(hostErrors.CodeArtifactFailed, "remove stale artifact", err)
	}

	if s.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.Timeout)
		defer cancel()
	}

	args := append(append([]string{}, s.Command[1:]...), workspace, artifact)
	cmd := exec.CommandContext(ctx, s.Command[0], args...)
	cmd.Dir = workspace
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	cmd.WaitDelay = waitDelay

	start := time.Now()
	if err := cmd.Run(); err != nil {
		out := strings.TrimSpace(stderr.String())
		if len(out) > maxOutputInError {
			out = out[len(out)-maxOutputInError:]
		}
		s.logger().Warn("chunker failed", zap.String("workspace", workspace), zap.Error(err))
		return "", hostErrors.ArtifactFailed(out, err)
	}

	info, err := os.Stat(artifact)
	if err != nil || info.IsDir() {
		return "", hostErrors.Wrap(hostErrors.CodeArtifactMissing, fmt.Sprintf("chunker produced no artifact at %s", artifact), err)
	}

	s.logger().Info("chunker finished",
		zap.String("workspace", workspace),
		zap.Int64("bytes", info.Size()),
		zap.Duration("elapsed", time.Since(start)))
	return artifact, nil
}

func (s *ScriptChunker) logger() *zap.Logger {
	if s.Logger == nil {
		return zap.NewNop()
	}
	return s.Logger
}
