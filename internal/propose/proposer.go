// Package propose wraps the opaque LLM service behind a typed boundary:
// given the crash evidence and the session's turn history, it returns either
// a parsed patch candidate or a malformed-proposal verdict. Downstream code
// never inspects raw model text.
package propose

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"regexp"
	"strings"
	"time"

	"github.com/nocodenolife3742/afixl/internal/fault"
	"github.com/nocodenolife3742/afixl/internal/patch"
)

const systemPrompt = `You are repairing a crashing C/C++ program. You are given a sanitizer
crash report and the implicated source region, with line numbers.

Respond with:
1. A short explanation of the root cause and your fix.
2. Exactly one unified diff inside a fenced code block starting with ` + "```diff" + `.
   The diff must use --- / +++ headers with paths relative to the source
   root and must apply cleanly to the shown code.

Do not include more than one diff block. Do not modify files you have not
been shown. Fix the root cause, not the symptom.`

// Exchange is one completed prior turn: the feedback (or initial evidence)
// that was sent, and the raw response that came back.
type Exchange struct {
	Feedback string
	Response string
}

// Evidence is the turn-0 material of a repair session.
type Evidence struct {
	// Kind and Site identify the failure class ("heap-buffer-overflow" at
	// "parser.c:42").
	Kind string
	Site string
	// Report is the raw sanitizer report.
	Report string
	// Context is the rendered source window with line numbers.
	Context string
	// InputSize is the representative crash input size in bytes.
	InputSize int
}

// Proposal is the typed outcome of one proposer call. Exactly one of
// Candidate or Malformed is meaningful: a nil Candidate with Malformed set
// consumes a turn with distinct feedback, it never aborts the session.
type Proposal struct {
	Raw             string
	Candidate       *patch.Candidate
	Malformed       bool
	MalformedReason string
}

type Options struct {
	Logger   *slog.Logger
	Provider Provider

	// RequestTimeout bounds one completion call. Zero means a safe default.
	RequestTimeout time.Duration

	// MaxContextBytes bounds the rendered conversation. Oldest exchanges
	// are visibly truncated (never silently rewritten) once the budget is
	// exceeded. Zero means a safe default.
	MaxContextBytes int
}

const (
	defaultRequestTimeout  = 2 * time.Minute
	defaultMaxContextBytes = 256 << 10

	// truncKeepRecent is how many most-recent exchanges are always kept in
	// full when the context budget forces truncation.
	truncKeepRecent = 2
)

type Proposer struct {
	log      *slog.Logger
	provider Provider
	timeout  time.Duration
	maxBytes int
}

func NewProposer(opts Options) (*Proposer, error) {
	if opts.Provider == nil {
		return nil, errors.New("missing Provider")
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}
	timeout := opts.RequestTimeout
	if timeout <= 0 {
		timeout = defaultRequestTimeout
	}
	maxBytes := opts.MaxContextBytes
	if maxBytes <= 0 {
		maxBytes = defaultMaxContextBytes
	}
	return &Proposer{log: logger, provider: opts.Provider, timeout: timeout, maxBytes: maxBytes}, nil
}

// Propose asks the backend for the next patch given the full turn history.
// A service failure is an infrastructure fault; unusable model output is an
// ordinary Malformed proposal.
func (p *Proposer) Propose(ctx context.Context, ev Evidence, history []Exchange) (*Proposal, error) {
	if p == nil {
		return nil, errors.New("proposer not initialized")
	}

	msgs := p.renderMessages(ev, history)

	callCtx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	raw, err := p.provider.Complete(callCtx, systemPrompt, msgs)
	if err != nil {
		return nil, fault.Infra("llm completion", err)
	}
	return parseProposal(raw), nil
}

// renderMessages lays the conversation out as alternating user/assistant
// messages: evidence first, then each prior exchange, truncated from the
// oldest end when over budget.
func (p *Proposer) renderMessages(ev Evidence, history []Exchange) []Message {
	build := func(hist []Exchange) []Message {
		msgs := make([]Message, 0, 1+2*len(hist))
		msgs = append(msgs, Message{Role: "user", Text: renderEvidence(ev)})
		for _, ex := range hist {
			msgs = append(msgs, Message{Role: "assistant", Text: ex.Response})
			msgs = append(msgs, Message{Role: "user", Text: ex.Feedback})
		}
		return msgs
	}

	msgs := build(history)
	if totalBytes(msgs) <= p.maxBytes {
		return msgs
	}

	// Over budget: truncate the oldest responses down to their first line
	// plus an explicit omission marker, keeping the most recent exchanges
	// intact. The feedback lines survive so the proposer still sees every
	// verdict it has received.
	truncated := make([]Exchange, len(history))
	copy(truncated, history)
	for i := 0; i < len(truncated)-truncKeepRecent; i++ {
		truncated[i].Response = firstLine(truncated[i].Response) +
			"\n[earlier response truncated to fit the context budget]"
		msgs = build(truncated)
		if totalBytes(msgs) <= p.maxBytes {
			return msgs
		}
	}
	p.log.Warn("conversation exceeds context budget even after truncation",
		"component", "propose", "bytes", totalBytes(msgs), "budget", p.maxBytes)
	return msgs
}

func renderEvidence(ev Evidence) string {
	var b strings.Builder
	fmt.Fprintf(&b, "A fuzzing campaign found a crash: %s at %s (triggering input: %d bytes).\n\n",
		strings.TrimSpace(ev.Kind), strings.TrimSpace(ev.Site), ev.InputSize)
	b.WriteString("Sanitizer report:\n```\n")
	b.WriteString(strings.TrimSpace(ev.Report))
	b.WriteString("\n```\n\n")
	if ctx := strings.TrimSpace(ev.Context); ctx != "" {
		b.WriteString("Implicated source region:\n```\n")
		b.WriteString(ctx)
		b.WriteString("\n```\n\n")
	}
	b.WriteString("Propose a fix.")
	return b.String()
}

func totalBytes(msgs []Message) int {
	n := 0
	for _, m := range msgs {
		n += len(m.Text)
	}
	return n
}

func firstLine(s string) string {
	s = strings.TrimSpace(s)
	if idx := strings.IndexByte(s, '\n'); idx >= 0 {
		return s[:idx]
	}
	return s
}

var diffFenceRe = regexp.MustCompile("(?s)```(?:diff|patch)?\n(.*?)```")

// parseProposal decides ValidDiff vs Malformed at the adapter boundary.
func parseProposal(raw string) *Proposal {
	prop := &Proposal{Raw: raw}

	matches := diffFenceRe.FindAllStringSubmatch(raw, -1)
	var diffs []string
	for _, m := range matches {
		body := strings.TrimSpace(m[1])
		if strings.Contains(body, "--- ") && strings.Contains(body, "+++ ") {
			diffs = append(diffs, body)
		}
	}

	switch len(diffs) {
	case 0:
		prop.Malformed = true
		prop.MalformedReason = "response contains no unified diff block"
		return prop
	case 1:
	default:
		prop.Malformed = true
		prop.MalformedReason = fmt.Sprintf("response contains %d diff blocks, expected exactly one", len(diffs))
		return prop
	}

	rationale := diffFenceRe.ReplaceAllString(raw, "")
	cand, err := patch.Parse(diffs[0], rationale)
	if err != nil {
		prop.Malformed = true
		prop.MalformedReason = fmt.Sprintf("diff block does not parse: %v", err)
		return prop
	}
	prop.Candidate = cand
	return prop
}
