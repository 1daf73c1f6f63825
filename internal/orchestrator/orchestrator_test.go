//go:build !windows

package orchestrator

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/nocodenolife3742/afixl/internal/auditlog"
	"github.com/nocodenolife3742/afixl/internal/buildrun"
	"github.com/nocodenolife3742/afixl/internal/config"
	"github.com/nocodenolife3742/afixl/internal/corpus"
	"github.com/nocodenolife3742/afixl/internal/fault"
	"github.com/nocodenolife3742/afixl/internal/fuzz"
	"github.com/nocodenolife3742/afixl/internal/patch"
	"github.com/nocodenolife3742/afixl/internal/propose"
	"github.com/nocodenolife3742/afixl/internal/session"
	"github.com/nocodenolife3742/afixl/internal/source"
	"github.com/nocodenolife3742/afixl/internal/store"
	"github.com/nocodenolife3742/afixl/internal/triage"
	"github.com/nocodenolife3742/afixl/internal/validate"
)

type fakeFuzzer struct {
	emit []*triage.CrashInput
	ch   chan *triage.CrashInput
	// hold keeps the stream open until the budget expires instead of
	// closing right after the scripted crashes.
	hold bool
}

func (f *fakeFuzzer) Crashes() <-chan *triage.CrashInput { return f.ch }

func (f *fakeFuzzer) Run(ctx context.Context) error {
	defer close(f.ch)
	for _, ci := range f.emit {
		select {
		case f.ch <- ci:
		case <-ctx.Done():
			return nil
		}
	}
	if f.hold {
		<-ctx.Done()
	}
	return nil
}

type fakeConfirmer struct {
	report []byte
	err    error
}

func (f *fakeConfirmer) Confirm(_ context.Context, _ *source.Revision, _ *triage.CrashInput) (*triage.Report, bool, error) {
	if f.err != nil {
		return nil, false, f.err
	}
	rep, ok := triage.ParseReport(f.report)
	if !ok {
		return nil, false, nil
	}
	return rep, true, nil
}

type scriptedProposer struct{}

func (scriptedProposer) Propose(_ context.Context, _ propose.Evidence, _ []propose.Exchange) (*propose.Proposal, error) {
	c, err := patch.Parse("--- a/main.sh\n+++ b/main.sh\n@@ -1,1 +1,1 @@\n-old\n+new\n", "test patch")
	if err != nil {
		return nil, err
	}
	return &propose.Proposal{Raw: "```diff\n" + c.DiffText + "```", Candidate: c}, nil
}

type scriptedValidator struct {
	outcome validate.Outcome
	delay   time.Duration
}

func (v *scriptedValidator) Validate(_ context.Context, rev *source.Revision, _ *patch.Candidate, _ *triage.CrashInput, _ []corpus.Entry) (validate.Outcome, error) {
	if v.delay > 0 {
		time.Sleep(v.delay)
	}
	out := v.outcome
	if out.Kind == validate.Accepted && out.Revision == nil {
		out.Revision = &source.Revision{ID: "rev_fixed", ParentID: rev.ID}
	}
	return out, nil
}

const sanReport = `==7==ERROR: AddressSanitizer: heap-buffer-overflow on address 0x602000000011
    #0 0x000000000123 in parse main.sh:2
    #1 0x000000000456 in main main.sh:5
`

func crashArtifact(origin string, data string) *triage.CrashInput {
	return &triage.CrashInput{
		ID:      "fuzz:" + origin,
		Data:    []byte(data),
		Origin:  origin,
		FoundAt: time.Now().UTC(),
	}
}

type testEnv struct {
	cfg      *config.Target
	sources  *source.Store
	builder  *buildrun.Runner
	sessions *store.Store
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "config.yaml"),
		[]byte("project:\n  name: demo\n  executable: demo\n  standard: c11\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "build.sh"), []byte("#!/bin/sh\ncp main.sh demo\nchmod +x demo\n"), 0o700); err != nil {
		t.Fatal(err)
	}
	for _, sub := range []string{"src", "eval"} {
		if err := os.MkdirAll(filepath.Join(dir, sub), 0o700); err != nil {
			t.Fatal(err)
		}
	}
	if err := os.WriteFile(filepath.Join(dir, "src", "main.sh"), []byte("#!/bin/sh\nexit 0\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "eval", "s1"), []byte("SEED\n"), 0o600); err != nil {
		t.Fatal(err)
	}

	cfg, err := config.Load(dir)
	if err != nil {
		t.Fatal(err)
	}
	sources, err := source.NewStore(source.Options{StateDir: cfg.StateDir()})
	if err != nil {
		t.Fatal(err)
	}
	builder, err := buildrun.NewRunner(buildrun.Options{StateDir: cfg.StateDir()})
	if err != nil {
		t.Fatal(err)
	}
	sessions, err := store.Open(filepath.Join(cfg.StateDir(), "sessions.sqlite"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = sessions.Close() })
	return &testEnv{cfg: cfg, sources: sources, builder: builder, sessions: sessions}
}

func newTestOrchestrator(t *testing.T, env *testEnv, fz *fakeFuzzer, cf Confirmer, val session.Validator, budget time.Duration) *Orchestrator {
	t.Helper()

	ctl, err := session.NewController(session.Options{Proposer: scriptedProposer{}, Validator: val, TurnLimit: 5})
	if err != nil {
		t.Fatal(err)
	}
	audit, err := auditlog.New(auditlog.Options{StateDir: env.cfg.StateDir()})
	if err != nil {
		t.Fatal(err)
	}
	o, err := New(Options{
		Config:     env.cfg,
		Sources:    env.sources,
		Builder:    env.builder,
		Controller: ctl,
		Sessions:   env.sessions,
		Audit:      audit,
		Budget:     budget,
		Confirmer:  cf,
		NewFuzzer:  func(fuzz.Options) (FuzzSource, error) { return fz, nil },
	})
	if err != nil {
		t.Fatal(err)
	}
	return o
}

func TestRun_AcceptedPatchAdvancesBaseline(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	fz := &fakeFuzzer{
		ch: make(chan *triage.CrashInput),
		emit: []*triage.CrashInput{
			crashArtifact("id:000000,sig:06", "BOOM"),
			crashArtifact("id:000001,sig:06", "BOOMBOOM"), // same signature, joins the group
		},
	}
	o := newTestOrchestrator(t, env, fz, &fakeConfirmer{report: []byte(sanReport)},
		&scriptedValidator{outcome: validate.Outcome{Kind: validate.Accepted}}, time.Minute)

	report, err := o.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	if len(report.Groups) != 1 {
		t.Fatalf("groups = %d", len(report.Groups))
	}
	grp := report.Groups[0]
	if grp.Inputs != 2 || grp.Kind != "heap-buffer-overflow" {
		t.Fatalf("group = %+v", grp)
	}
	if grp.Session == nil || grp.Session.Status != session.StatusSucceeded {
		t.Fatalf("session = %+v", grp.Session)
	}
	if report.Accepted != 1 || report.Unresolved != 0 {
		t.Fatalf("accepted=%d unresolved=%d", report.Accepted, report.Unresolved)
	}
	if report.FinalRevision != "rev_fixed" || report.FinalRevision == report.BaselineRevision {
		t.Fatalf("final revision = %q (baseline %q)", report.FinalRevision, report.BaselineRevision)
	}

	// Terminal session persisted.
	rows, err := env.sessions.ListSessions(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(rows) != 1 || rows[0].Status != "succeeded" || rows[0].AcceptedRev != "rev_fixed" {
		t.Fatalf("persisted rows = %+v", rows)
	}

	// Accepted patch exported for offline inspection.
	recordPath := filepath.Join(env.cfg.StateDir(), "records", grp.Session.SessionID+".json")
	if _, err := os.Stat(recordPath); err != nil {
		t.Fatalf("missing record file: %v", err)
	}
	patchPath := filepath.Join(env.cfg.StateDir(), "patches", grp.Session.SessionID+".diff")
	if _, err := os.Stat(patchPath); err != nil {
		t.Fatalf("missing patch file: %v", err)
	}

	// The fixed group's representative joins the regression corpus through
	// the single-writer updater.
	if o.corpus.Len() != 2 {
		t.Fatalf("corpus len = %d, want seed plus fixed input", o.corpus.Len())
	}
	fixed := false
	for _, ent := range o.corpus.Snapshot() {
		if strings.HasPrefix(ent.ID, "fixed:") {
			fixed = true
		}
	}
	if !fixed {
		t.Fatal("no fixed input in regression corpus")
	}

	// The report carries the audit-trail tail, newest first.
	if len(report.Events) == 0 {
		t.Fatal("no audit events attached to report")
	}
	if report.Events[0].Action != auditlog.ActionCampaignFinished {
		t.Fatalf("newest event = %s", report.Events[0].Action)
	}
	seen := make(map[string]bool, len(report.Events))
	for _, ev := range report.Events {
		seen[ev.Action] = true
	}
	for _, action := range []string{auditlog.ActionCampaignStarted, auditlog.ActionPatchAccepted, auditlog.ActionBaselineAdvanced} {
		if !seen[action] {
			t.Fatalf("audit trail missing %s: %+v", action, seen)
		}
	}
}

// Budget expiry lets the in-flight turn finish, then closes the session as
// Exhausted rather than Aborted.
func TestRun_BudgetExpiryDrainsAndExhausts(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	fz := &fakeFuzzer{
		ch:   make(chan *triage.CrashInput),
		emit: []*triage.CrashInput{crashArtifact("id:000000,sig:06", "BOOM")},
		hold: true,
	}
	o := newTestOrchestrator(t, env, fz, &fakeConfirmer{report: []byte(sanReport)},
		&scriptedValidator{outcome: validate.Outcome{Kind: validate.CrashPersists, Reason: "still crashes"}, delay: 400 * time.Millisecond},
		150*time.Millisecond)

	report, err := o.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(report.Groups) != 1 || report.Groups[0].Session == nil {
		t.Fatalf("report = %+v", report)
	}
	res := report.Groups[0].Session
	if res.Status != session.StatusExhausted {
		t.Fatalf("status = %s", res.Status)
	}
	if res.Turns != 1 {
		t.Fatalf("turns = %d, want the in-flight turn to complete", res.Turns)
	}
	if report.Accepted != 0 || report.Unresolved != 1 {
		t.Fatalf("accepted=%d unresolved=%d", report.Accepted, report.Unresolved)
	}
}

func TestRun_ConfirmInfraFaultIsFatal(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	fz := &fakeFuzzer{
		ch:   make(chan *triage.CrashInput),
		emit: []*triage.CrashInput{crashArtifact("id:000000,sig:06", "BOOM")},
		hold: true,
	}
	infraErr := fault.Infra("replay build", errors.New("toolchain missing"))
	o := newTestOrchestrator(t, env, fz, &fakeConfirmer{err: infraErr},
		&scriptedValidator{outcome: validate.Outcome{Kind: validate.Accepted}}, time.Minute)

	report, err := o.Run(context.Background())
	if err == nil || !fault.IsInfra(err) {
		t.Fatalf("err = %v, want infrastructure fault", err)
	}
	if report == nil {
		t.Fatal("report must be produced even on a fatal campaign")
	}
	if len(report.Groups) != 0 {
		t.Fatalf("groups = %d, want none without confirmation", len(report.Groups))
	}
}
