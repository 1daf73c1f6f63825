package session

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/nocodenolife3742/afixl/internal/corpus"
	"github.com/nocodenolife3742/afixl/internal/fault"
	"github.com/nocodenolife3742/afixl/internal/patch"
	"github.com/nocodenolife3742/afixl/internal/propose"
	"github.com/nocodenolife3742/afixl/internal/source"
	"github.com/nocodenolife3742/afixl/internal/triage"
	"github.com/nocodenolife3742/afixl/internal/validate"
)

type fakeProposer struct {
	calls     int
	feedbacks []string
	script    []*propose.Proposal
	errAt     int
	err       error
}

func (f *fakeProposer) Propose(_ context.Context, _ propose.Evidence, history []propose.Exchange) (*propose.Proposal, error) {
	idx := f.calls
	f.calls++
	if len(history) > 0 {
		f.feedbacks = append(f.feedbacks, history[len(history)-1].Feedback)
	}
	if f.err != nil && idx == f.errAt {
		return nil, f.err
	}
	if idx >= len(f.script) {
		return f.script[len(f.script)-1], nil
	}
	return f.script[idx], nil
}

type fakeValidator struct {
	calls  int
	script []validate.Outcome
	errAt  int
	err    error
}

func (f *fakeValidator) Validate(_ context.Context, _ *source.Revision, _ *patch.Candidate, _ *triage.CrashInput, _ []corpus.Entry) (validate.Outcome, error) {
	idx := f.calls
	f.calls++
	if f.err != nil && idx == f.errAt {
		return validate.Outcome{}, f.err
	}
	if idx >= len(f.script) {
		return f.script[len(f.script)-1], nil
	}
	return f.script[idx], nil
}

func testGroup() *triage.Group {
	return &triage.Group{
		Key: "heap-buffer-overflow|main.c:3|parse",
		Sig: triage.Signature{Kind: "heap-buffer-overflow", Site: "main.c:3", Frames: []string{"parse"}},
		Representative: &triage.CrashInput{
			ID:   "crash1",
			Data: []byte("BOOM"),
		},
		Report:  &triage.Report{Kind: "heap-buffer-overflow", Raw: []byte("ERROR: AddressSanitizer: heap-buffer-overflow")},
		Context: triage.Context{File: "main.c", StartLine: 1, Window: []string{"int main(void) {"}, FaultLine: 3},
	}
}

func validCandidate(t *testing.T) *propose.Proposal {
	t.Helper()

	c, err := patch.Parse("--- a/main.c\n+++ b/main.c\n@@ -1,1 +1,1 @@\n-old\n+new\n", "bounds check")
	if err != nil {
		t.Fatal(err)
	}
	return &propose.Proposal{Raw: "```diff\n" + c.DiffText + "```", Candidate: c}
}

func newTestController(t *testing.T, p Proposer, v Validator, limit int) *Controller {
	t.Helper()

	c, err := NewController(Options{Proposer: p, Validator: v, TurnLimit: limit})
	if err != nil {
		t.Fatal(err)
	}
	return c
}

// The first candidate does not apply, the second does not build, the third
// is accepted. The session must close as Succeeded on turn 3 with the
// rejection reasons folded into the intervening feedback.
func TestRun_SucceedsAfterRejectedTurns(t *testing.T) {
	t.Parallel()

	prop := &fakeProposer{script: []*propose.Proposal{validCandidate(t), validCandidate(t), validCandidate(t)}}
	val := &fakeValidator{script: []validate.Outcome{
		{Kind: validate.BuildFailed, Reason: "patch rejected: hunk context mismatch"},
		{Kind: validate.BuildFailed, Reason: "main.c:3: error: expected ';'"},
		{Kind: validate.Accepted, Revision: &source.Revision{ID: "rev2", ParentID: "base"}},
	}}
	ctl := newTestController(t, prop, val, 15)

	s, err := ctl.Open(testGroup(), &source.Revision{ID: "base"}, nil)
	if err != nil {
		t.Fatal(err)
	}
	if err := ctl.Run(context.Background(), s, testGroup(), nil); err != nil {
		t.Fatal(err)
	}

	if s.Status != StatusSucceeded {
		t.Fatalf("status = %s", s.Status)
	}
	if len(s.Turns) != 3 {
		t.Fatalf("turns = %d", len(s.Turns))
	}
	if s.Accepted == nil || s.Accepted.Revision.ID != "rev2" {
		t.Fatal("accepted revision not recorded")
	}
	for _, fb := range prop.feedbacks {
		if !strings.Contains(fb, "did not build") {
			t.Fatalf("feedback missing build diagnostics: %q", fb)
		}
	}
	if !strings.Contains(prop.feedbacks[0], "hunk context mismatch") {
		t.Fatalf("turn 1 feedback missing turn 0 reason: %q", prop.feedbacks[0])
	}
}

func TestRun_ExhaustsAtTurnLimit(t *testing.T) {
	t.Parallel()

	prop := &fakeProposer{script: []*propose.Proposal{validCandidate(t)}}
	val := &fakeValidator{script: []validate.Outcome{{Kind: validate.CrashPersists, Reason: "still crashes"}}}
	ctl := newTestController(t, prop, val, 2)

	s, err := ctl.Open(testGroup(), &source.Revision{ID: "base"}, nil)
	if err != nil {
		t.Fatal(err)
	}
	if err := ctl.Run(context.Background(), s, testGroup(), nil); err != nil {
		t.Fatal(err)
	}

	if s.Status != StatusExhausted {
		t.Fatalf("status = %s", s.Status)
	}
	if len(s.Turns) != 2 || prop.calls != 2 || val.calls != 2 {
		t.Fatalf("turns=%d proposer=%d validator=%d, want 2 each", len(s.Turns), prop.calls, val.calls)
	}
}

// The stop check fires only between turns: the in-flight turn completes,
// then the session closes as Exhausted rather than Aborted.
func TestRun_StopExhaustsBetweenTurns(t *testing.T) {
	t.Parallel()

	prop := &fakeProposer{script: []*propose.Proposal{validCandidate(t)}}
	val := &fakeValidator{script: []validate.Outcome{{Kind: validate.CrashPersists, Reason: "still crashes"}}}
	ctl := newTestController(t, prop, val, 15)

	s, err := ctl.Open(testGroup(), &source.Revision{ID: "base"}, nil)
	if err != nil {
		t.Fatal(err)
	}
	stop := func() bool { return len(s.Turns) > 0 }
	if err := ctl.Run(context.Background(), s, testGroup(), stop); err != nil {
		t.Fatal(err)
	}
	if s.Status != StatusExhausted {
		t.Fatalf("status = %s", s.Status)
	}
	if len(s.Turns) != 1 || prop.calls != 1 {
		t.Fatalf("turns=%d proposer=%d, want the in-flight turn to finish", len(s.Turns), prop.calls)
	}
}

func TestRun_AbortsOnInfrastructureFault(t *testing.T) {
	t.Parallel()

	infraErr := fault.Infra("llm completion", errors.New("connection refused"))
	prop := &fakeProposer{script: []*propose.Proposal{validCandidate(t)}, err: infraErr, errAt: 1}
	val := &fakeValidator{script: []validate.Outcome{{Kind: validate.CrashPersists, Reason: "still crashes"}}}
	ctl := newTestController(t, prop, val, 15)

	s, err := ctl.Open(testGroup(), &source.Revision{ID: "base"}, nil)
	if err != nil {
		t.Fatal(err)
	}
	err = ctl.Run(context.Background(), s, testGroup(), nil)
	if err == nil || !fault.IsInfra(err) {
		t.Fatalf("err = %v, want infrastructure fault", err)
	}
	if s.Status != StatusAborted {
		t.Fatalf("status = %s", s.Status)
	}
	if s.AbortReason == "" {
		t.Fatal("abort reason not recorded")
	}
	// The failing call never became a turn.
	if len(s.Turns) != 1 {
		t.Fatalf("turns = %d", len(s.Turns))
	}
}

func TestRun_MalformedProposalConsumesTurn(t *testing.T) {
	t.Parallel()

	prop := &fakeProposer{script: []*propose.Proposal{
		{Raw: "I cannot produce a diff.", Malformed: true, MalformedReason: "no fenced diff block found"},
		validCandidate(t),
	}}
	val := &fakeValidator{script: []validate.Outcome{{Kind: validate.Accepted, Revision: &source.Revision{ID: "rev1", ParentID: "base"}}}}
	ctl := newTestController(t, prop, val, 15)

	s, err := ctl.Open(testGroup(), &source.Revision{ID: "base"}, nil)
	if err != nil {
		t.Fatal(err)
	}
	if err := ctl.Run(context.Background(), s, testGroup(), nil); err != nil {
		t.Fatal(err)
	}

	if s.Status != StatusSucceeded || len(s.Turns) != 2 {
		t.Fatalf("status=%s turns=%d", s.Status, len(s.Turns))
	}
	if !s.Turns[0].Malformed {
		t.Fatal("turn 0 not recorded as malformed")
	}
	if val.calls != 1 {
		t.Fatalf("validator called %d times for a malformed proposal", val.calls)
	}
	if !strings.Contains(prop.feedbacks[0], "no fenced diff block") {
		t.Fatalf("malformed feedback = %q", prop.feedbacks[0])
	}
}

// A terminal session never triggers another proposer or validator call.
func TestRun_TerminalIsIdempotent(t *testing.T) {
	t.Parallel()

	prop := &fakeProposer{script: []*propose.Proposal{validCandidate(t)}}
	val := &fakeValidator{script: []validate.Outcome{{Kind: validate.Accepted, Revision: &source.Revision{ID: "rev1", ParentID: "base"}}}}
	ctl := newTestController(t, prop, val, 15)

	s, err := ctl.Open(testGroup(), &source.Revision{ID: "base"}, nil)
	if err != nil {
		t.Fatal(err)
	}
	if err := ctl.Run(context.Background(), s, testGroup(), nil); err != nil {
		t.Fatal(err)
	}
	if s.Status != StatusSucceeded {
		t.Fatalf("status = %s", s.Status)
	}

	for i := 0; i < 3; i++ {
		if err := ctl.Run(context.Background(), s, testGroup(), nil); err != nil {
			t.Fatal(err)
		}
	}
	if prop.calls != 1 || val.calls != 1 {
		t.Fatalf("proposer=%d validator=%d calls after terminal reruns", prop.calls, val.calls)
	}
	if len(s.Turns) != 1 {
		t.Fatalf("turns grew after terminal state: %d", len(s.Turns))
	}
}

func TestRun_CancelledContextAborts(t *testing.T) {
	t.Parallel()

	prop := &fakeProposer{script: []*propose.Proposal{validCandidate(t)}}
	val := &fakeValidator{script: []validate.Outcome{{Kind: validate.CrashPersists}}}
	ctl := newTestController(t, prop, val, 15)

	s, err := ctl.Open(testGroup(), &source.Revision{ID: "base"}, nil)
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := ctl.Run(ctx, s, testGroup(), nil); err == nil {
		t.Fatal("expected error from cancelled context")
	}
	if s.Status != StatusAborted {
		t.Fatalf("status = %s", s.Status)
	}
}
