// Package diff computes line-level differences between a file and a
// suggested rewrite of it, and renders them for review.
//
// Hunks keep the line terminators of their source text, so concatenating
// every Unchanged and Removed hunk yields the original text exactly, and
// every Unchanged and Added hunk yields the modified text.
package diff

import (
	"strings"

	"github.com/pmezard/go-difflib/difflib"
)

// Kind tags a hunk with how it relates the two texts.
type Kind string

const (
	Added     Kind = "added"
	Removed   Kind = "removed"
	Unchanged Kind = "unchanged"
)

// Hunk is a run of consecutive lines that share a Kind.
type Hunk struct {
	// Kind says whether the lines were added, removed or kept.
	Kind Kind `json:"kind"`

	// Text is the lines themselves, terminators included.
	Text string `json:"text"`

	// OldStart is the 1-based line in the original where the hunk starts,
	// or where it would be inserted for an Added hunk.
	OldStart int `json:"old_start"`

	// NewStart is the 1-based line in the modified text where the hunk starts,
	// or where it was removed from for a Removed hunk.
	NewStart int `json:"new_start"`

	// Lines is the number of lines in Text.
	Lines int `json:"lines"`
}

// Result is an ordered list of hunks covering both texts.
type Result struct {
	Hunks []Hunk `json:"hunks"`
}

// Compute diffs original against modified line by line.
// A replaced region becomes a Removed hunk followed by an Added hunk.
func Compute(original, modified string) Result {
	a := SplitLines(original)
	b := SplitLines(modified)

	// Autojunk would treat frequent lines such as "}" as noise and give
	// different answers for large files than for small ones.
	m := difflib.NewMatcherWithJunk(a, b, false, nil)

	var res Result
	for _, op := range m.GetOpCodes() {
		switch op.Tag {
		case 'e':
			res.add(Unchanged, a[op.I1:op.I2], op.I1, op.J1)
		case 'd':
			res.add(Removed, a[op.I1:op.I2], op.I1, op.J1)
		case 'i':
			res.add(Added, b[op.J1:op.J2], op.I1, op.J1)
		case 'r':
			res.add(Removed, a[op.I1:op.I2], op.I1, op.J1)
			res.add(Added, b[op.J1:op.J2], op.I2, op.J1)
		}
	}
	return res
}

func (r *Result) add(kind Kind, lines []string, oldIdx, newIdx int) {
	if len(lines) == 0 {
		return
	}
	text := strings.Join(lines, "")
	if n := len(r.Hunks); n > 0 && r.Hunks[n-1].Kind == kind {
		r.Hunks[n-1].Text += text
		r.Hunks[n-1].Lines += len(lines)
		return
	}
	r.Hunks = append(r.Hunks, Hunk{
		Kind:     kind,
		Text:     text,
		OldStart: oldIdx + 1,
		NewStart: newIdx + 1,
		Lines:    len(lines),
	})
}

// SplitLines splits s after each "\n". The last line has no terminator
// when s does not end with one. An empty string has no lines.
func SplitLines(s string) []string {
	if s == "" {
		return nil
	}
	lines := strings.SplitAfter(s, "\n")
	if lines[len(lines)-1] == "" {
		lines = lines[:len(lines)-1]
	}
	return lines
}

// Original reassembles the original text from the Unchanged and Removed hunks.
func (r Result) Original() string {
	return r.join(Unchanged, Removed)
}

// Modified reassembles the modified text from the Unchanged and Added hunks.
func (r Result) Modified() string {
	return r.join(Unchanged, Added)
}

func (r Result) join(kinds ...Kind) string {
	var b strings.Builder
	for _, h := range r.Hunks {
		for _, k := range kinds {
			if h.Kind == k {
				b.WriteString(h.Text)
				break
			}
		}
	}
	return b.String()
}

// Identical reports whether the diff has no Added or Removed hunks.
func (r Result) Identical() bool {
	for _, h := range r.Hunks {
		if h.Kind != Unchanged {
			return false
		}
	}
	return true
}

// Stats contains size metrics for a diff.
type Stats struct {
	AddedLines     int `json:"added_lines"`
	RemovedLines   int `json:"removed_lines"`
	UnchangedLines int `json:"unchanged_lines"`
	ByteSize       int `json:"byte_size"`
}

// Large diff thresholds for UI warnings.
const (
	// LargeDiffByteThreshold is 1MB; diffs larger than this trigger a warning.
	LargeDiffByteThreshold = 1 * 1024 * 1024

	// LargeDiffLineThreshold is 2000 changed lines.
	LargeDiffLineThreshold = 2000
)

// Stats counts lines per kind and the total bytes across hunks.
func (r Result) Stats() Stats {
	var s Stats
	for _, h := range r.Hunks {
		s.ByteSize += len(h.Text)
		switch h.Kind {
		case Added:
			s.AddedLines += h.Lines
		case Removed:
			s.RemovedLines += h.Lines
		case Unchanged:
			s.UnchangedLines += h.Lines
		}
	}
	return s
}

// IsLarge reports whether the diff exceeds either warning threshold.
func (s Stats) IsLarge() bool {
	return s.ByteSize > LargeDiffByteThreshold || s.AddedLines+s.RemovedLines > LargeDiffLineThreshold
}

// Unified formats the changes as a unified diff with three lines of context.
func Unified(original, modified, fromName, toName string) (string, error) {
	return difflib.GetUnifiedDiffString(difflib.UnifiedDiff{
		A:        SplitLines(original),
		B:        SplitLines(modified),
		FromFile: fromName,
		ToFile:   toName,
		Context:  3,
	})
}
