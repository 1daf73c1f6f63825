// Package patch represents candidate source patches (a unified diff plus the
// proposer's rationale) and applies them to revision trees in memory.
package patch

import (
	"errors"
	"fmt"
	"strings"

	"github.com/sourcegraph/go-diff/diff"
)

// ErrDoesNotApply reports a syntactically valid diff whose hunks do not
// match the target revision. It is an ordinary rejected attempt, not an
// infrastructure fault.
var ErrDoesNotApply = errors.New("patch does not apply cleanly")

// Candidate is one proposed patch as returned by the proposer.
type Candidate struct {
	// Rationale is the proposer's natural-language explanation.
	Rationale string

	// DiffText is the unified diff exactly as proposed.
	DiffText string

	fileDiffs []*diff.FileDiff
}

// Parse validates diffText as a unified diff and returns a Candidate.
func Parse(diffText string, rationale string) (*Candidate, error) {
	diffText = strings.TrimSpace(diffText)
	if diffText == "" {
		return nil, errors.New("empty diff")
	}
	if !strings.HasSuffix(diffText, "\n") {
		diffText += "\n"
	}

	fds, err := diff.ParseMultiFileDiff([]byte(diffText))
	if err != nil {
		return nil, fmt.Errorf("invalid unified diff: %w", err)
	}
	if len(fds) == 0 {
		return nil, errors.New("diff contains no files")
	}
	for _, fd := range fds {
		if len(fd.Hunks) == 0 {
			return nil, fmt.Errorf("diff for %s contains no hunks", fd.NewName)
		}
	}
	return &Candidate{
		Rationale: strings.TrimSpace(rationale),
		DiffText:  diffText,
		fileDiffs: fds,
	}, nil
}

// Files returns the slash-separated paths the candidate touches.
func (c *Candidate) Files() []string {
	if c == nil {
		return nil
	}
	out := make([]string, 0, len(c.fileDiffs))
	for _, fd := range c.fileDiffs {
		out = append(out, targetPath(fd))
	}
	return out
}

// ReadFunc reads one file of the base tree by relative path. ok=false means
// the file does not exist.
type ReadFunc func(rel string) (content []byte, ok bool)

// Apply applies the candidate against a base tree accessed through read and
// returns the full new content of every touched file. A hunk that does not
// match its context fails the whole application with ErrDoesNotApply.
func (c *Candidate) Apply(read ReadFunc) (map[string][]byte, error) {
	if c == nil || len(c.fileDiffs) == 0 {
		return nil, errors.New("empty candidate")
	}
	if read == nil {
		return nil, errors.New("nil read func")
	}

	out := make(map[string][]byte, len(c.fileDiffs))
	for _, fd := range c.fileDiffs {
		path := targetPath(fd)
		if path == "" {
			return nil, fmt.Errorf("%w: diff entry has no usable path", ErrDoesNotApply)
		}

		var orig []byte
		if !isNullPath(fd.OrigName) {
			b, ok := read(path)
			if !ok {
				return nil, fmt.Errorf("%w: %s does not exist in base revision", ErrDoesNotApply, path)
			}
			orig = b
		}

		patched, err := applyFileDiff(orig, fd)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", path, err)
		}
		out[path] = patched
	}
	return out, nil
}

func targetPath(fd *diff.FileDiff) string {
	name := fd.NewName
	if isNullPath(name) {
		name = fd.OrigName
	}
	name = strings.TrimSpace(name)
	for _, prefix := range []string{"a/", "b/"} {
		if strings.HasPrefix(name, prefix) {
			name = name[len(prefix):]
			break
		}
	}
	return strings.TrimSpace(name)
}

func isNullPath(name string) bool {
	name = strings.TrimSpace(name)
	return name == "" || name == "/dev/null"
}

// applyFileDiff applies all hunks of fd to orig. Hunk offsets are taken at
// face value; a context or deletion line that disagrees with the base file
// fails the application.
func applyFileDiff(orig []byte, fd *diff.FileDiff) ([]byte, error) {
	origLines := splitLines(string(orig))

	var out []string
	cursor := 0 // index into origLines of the next unconsumed line

	for _, hunk := range fd.Hunks {
		start := int(hunk.OrigStartLine) - 1
		if start < 0 {
			start = 0
		}
		if start < cursor || start > len(origLines) {
			return nil, fmt.Errorf("%w: hunk start %d out of range", ErrDoesNotApply, hunk.OrigStartLine)
		}
		out = append(out, origLines[cursor:start]...)
		cursor = start

		for _, line := range splitLines(string(hunk.Body)) {
			if line == "" {
				continue
			}
			op, text := line[0], line[1:]
			switch op {
			case ' ':
				if cursor >= len(origLines) || origLines[cursor] != text {
					return nil, fmt.Errorf("%w: context mismatch at line %d", ErrDoesNotApply, cursor+1)
				}
				out = append(out, text)
				cursor++
			case '-':
				if cursor >= len(origLines) || origLines[cursor] != text {
					return nil, fmt.Errorf("%w: deletion mismatch at line %d", ErrDoesNotApply, cursor+1)
				}
				cursor++
			case '+':
				out = append(out, text)
			case '\\':
				// "\ No newline at end of file" markers carry no content.
			default:
				return nil, fmt.Errorf("%w: invalid hunk line %q", ErrDoesNotApply, line)
			}
		}
	}
	out = append(out, origLines[cursor:]...)

	if len(out) == 0 {
		return []byte{}, nil
	}
	return []byte(strings.Join(out, "\n") + "\n"), nil
}

// splitLines splits on '\n' and drops a single trailing empty element so a
// trailing newline does not produce a phantom line.
func splitLines(s string) []string {
	if s == "" {
		return nil
	}
	lines := strings.Split(s, "\n")
	if len(lines) > 0 && lines[len(lines)-1] == "" {
		lines = lines[:len(lines)-1]
	}
	return lines
}
