// Package triage deduplicates raw crashes into fault groups by normalized
// failure signature and extracts the localized source context a repair
// session starts from.
//
// The signature is deliberately approximate: the crash site plus a
// bounded-depth stack fingerprint. Two crashes with the same underlying root
// cause but different stack depths land in different groups, and two
// distinct bugs can collide into one. Neither case is corrected here.
package triage

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/nocodenolife3742/afixl/internal/source"
)

// CrashInput is one crash-triggering input discovered by the fuzzer.
// Immutable once recorded.
type CrashInput struct {
	ID         string
	Data       []byte
	RevisionID string
	// Origin is the fuzzer's artifact name ("id:000003,sig:06,...").
	Origin  string
	FoundAt time.Time
}

// signatureDepth bounds the stack fingerprint.
const signatureDepth = 3

// Signature is the normalized deduplication key for a crash class.
type Signature struct {
	Kind   string
	Site   string // "<base file>:<line>"
	Frames []string
}

// Key renders the signature as a stable map key.
func (s Signature) Key() string {
	return s.Kind + "|" + s.Site + "|" + strings.Join(s.Frames, ">")
}

// SignatureOf computes the signature of a parsed report: failure kind, crash
// site (file base name and line, so build paths do not leak in), and the top
// frames' function names.
func SignatureOf(rep *Report) Signature {
	sig := Signature{
		Kind: strings.TrimSpace(rep.Kind),
		Site: fmt.Sprintf("%s:%d", path.Base(strings.TrimSpace(rep.Site.File)), rep.Site.Line),
	}
	for _, f := range rep.Frames {
		if len(sig.Frames) >= signatureDepth {
			break
		}
		fn := strings.TrimSpace(f.Function)
		if fn == "" {
			fn = fmt.Sprintf("%s:%d", path.Base(f.File), f.Line)
		}
		sig.Frames = append(sig.Frames, fn)
	}
	return sig
}

// Context is the source window implicated by a fault group.
type Context struct {
	// File is the revision-relative path of the implicated file.
	File string
	// StartLine is the 1-based line number of the first line in Window.
	StartLine int
	// Window is the extracted region, without line numbering.
	Window []string
	// FaultLine is the 1-based line the report points at.
	FaultLine int
}

// Render formats the window with line numbers for prompt embedding.
func (c Context) Render() string {
	var b strings.Builder
	for i, line := range c.Window {
		fmt.Fprintf(&b, "line %4d : %s\n", c.StartLine+i, line)
	}
	return b.String()
}

// Group is a set of crash inputs sharing a signature. The representative
// input is fixed at creation and never replaced; MinInputSize may shrink as
// corroborating inputs arrive and only affects ranking.
type Group struct {
	Key string
	Sig Signature

	Inputs         []*CrashInput
	Representative *CrashInput
	Report         *Report
	Context        Context

	MinInputSize int
	FirstSeen    time.Time
}

// contextRadius is the half-height of the extracted source window.
const contextRadius = 30

type Options struct {
	Logger *slog.Logger
}

// Registry owns all fault groups of a campaign.
type Registry struct {
	log *slog.Logger

	mu     sync.Mutex
	groups map[string]*Group
	seq    int
}

func NewRegistry(opts Options) *Registry {
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}
	return &Registry{log: logger, groups: map[string]*Group{}}
}

// Classify files crash under the group keyed by the report's signature,
// creating the group (with extracted source context from rev) on first
// sight. It returns the group and whether it was newly created.
func (r *Registry) Classify(crash *CrashInput, rep *Report, rev *source.Revision) (*Group, bool, error) {
	if r == nil {
		return nil, false, errors.New("registry not initialized")
	}
	if crash == nil || rep == nil {
		return nil, false, errors.New("nil crash or report")
	}

	sig := SignatureOf(rep)
	key := sig.Key()

	r.mu.Lock()
	defer r.mu.Unlock()

	if g, ok := r.groups[key]; ok {
		g.Inputs = append(g.Inputs, crash)
		if len(crash.Data) < g.MinInputSize {
			g.MinInputSize = len(crash.Data)
		}
		r.log.Debug("crash joined existing group", "component", "triage", "group", key, "inputs", len(g.Inputs))
		return g, false, nil
	}

	g := &Group{
		Key:            key,
		Sig:            sig,
		Inputs:         []*CrashInput{crash},
		Representative: crash,
		Report:         rep,
		MinInputSize:   len(crash.Data),
		FirstSeen:      crash.FoundAt,
	}
	if rev != nil {
		if cctx, err := extractContext(rev, rep); err == nil {
			g.Context = cctx
		} else {
			r.log.Warn("source context extraction failed", "component", "triage", "group", key, "error", err)
		}
	}
	r.seq++
	r.groups[key] = g
	r.log.Info("new fault group", "component", "triage", "group", key, "kind", sig.Kind, "site", sig.Site)
	return g, true, nil
}

// Ranked returns all groups ordered for repair: more corroborating inputs
// first, then smaller minimal input, then first seen.
func (r *Registry) Ranked() []*Group {
	if r == nil {
		return nil
	}
	r.mu.Lock()
	out := make([]*Group, 0, len(r.groups))
	for _, g := range r.groups {
		out = append(out, g)
	}
	r.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if len(out[i].Inputs) != len(out[j].Inputs) {
			return len(out[i].Inputs) > len(out[j].Inputs)
		}
		if out[i].MinInputSize != out[j].MinInputSize {
			return out[i].MinInputSize < out[j].MinInputSize
		}
		if !out[i].FirstSeen.Equal(out[j].FirstSeen) {
			return out[i].FirstSeen.Before(out[j].FirstSeen)
		}
		return out[i].Key < out[j].Key
	})
	return out
}

// Len returns the number of distinct fault groups.
func (r *Registry) Len() int {
	if r == nil {
		return 0
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.groups)
}

// extractContext maps the report's fault site into rev and cuts a window of
// contextRadius lines on each side.
func extractContext(rev *source.Revision, rep *Report) (Context, error) {
	rel, ok := resolveSourcePath(rev, rep.Site.File)
	if !ok {
		// Fall back to outer frames; the innermost site may be in a header
		// or a path the build mangled.
		for _, f := range rep.Frames {
			if r, ok2 := resolveSourcePath(rev, f.File); ok2 {
				rel = r
				rep = &Report{Site: f, Frames: rep.Frames, Kind: rep.Kind, Raw: rep.Raw}
				ok = true
				break
			}
		}
	}
	if !ok {
		return Context{}, fmt.Errorf("fault site %s not found in revision %s", rep.Site.File, rev.ID)
	}

	b, err := os.ReadFile(rev.Dir + "/" + rel)
	if err != nil {
		return Context{}, err
	}
	lines := strings.Split(strings.ReplaceAll(string(b), "\r\n", "\n"), "\n")

	fault := rep.Site.Line
	start := fault - contextRadius
	if start < 1 {
		start = 1
	}
	end := fault + contextRadius
	if end > len(lines) {
		end = len(lines)
	}
	if start > len(lines) {
		start = len(lines)
	}
	return Context{
		File:      rel,
		StartLine: start,
		Window:    lines[start-1 : end],
		FaultLine: fault,
	}, nil
}

// resolveSourcePath matches a (possibly absolute, build-directory) report
// path against the revision manifest by longest suffix.
func resolveSourcePath(rev *source.Revision, reported string) (string, bool) {
	reported = strings.TrimSpace(reported)
	if reported == "" {
		return "", false
	}
	norm := strings.ReplaceAll(reported, "\\", "/")

	if _, ok := rev.Files[norm]; ok {
		return norm, true
	}

	base := path.Base(norm)
	best := ""
	for rel := range rev.Files {
		if path.Base(rel) != base {
			continue
		}
		if strings.HasSuffix(norm, rel) || strings.HasSuffix(rel, norm) {
			return rel, true
		}
		if best == "" || rel < best {
			best = rel
		}
	}
	if best != "" {
		return best, true
	}
	return "", false
}
