// Package orchestrator composes the campaign: fuzz the baseline build,
// confirm and triage incoming crashes, and run bounded repair sessions
// against ranked fault groups until the wall-clock budget runs out.
//
// Shared campaign state is limited to the baseline revision and the
// regression corpus. Both advance only on an accepted patch, and both are
// written by a single updater goroutine; sessions read snapshots at open
// time.
package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/nocodenolife3742/afixl/internal/auditlog"
	"github.com/nocodenolife3742/afixl/internal/buildrun"
	"github.com/nocodenolife3742/afixl/internal/config"
	"github.com/nocodenolife3742/afixl/internal/corpus"
	"github.com/nocodenolife3742/afixl/internal/fault"
	"github.com/nocodenolife3742/afixl/internal/fuzz"
	"github.com/nocodenolife3742/afixl/internal/session"
	"github.com/nocodenolife3742/afixl/internal/source"
	"github.com/nocodenolife3742/afixl/internal/store"
	"github.com/nocodenolife3742/afixl/internal/triage"
)

const (
	DefaultBudget        = 360 * time.Minute
	DefaultMaxConcurrent = 2

	// reportEventLimit caps the audit-trail tail attached to the report.
	reportEventLimit = 50
)

// FuzzSource is the crash stream; *fuzz.Manager satisfies it, tests
// substitute a scripted source.
type FuzzSource interface {
	Run(ctx context.Context) error
	Crashes() <-chan *triage.CrashInput
}

type Options struct {
	Logger     *slog.Logger
	Config     *config.Target
	Sources    *source.Store
	Builder    *buildrun.Runner
	Controller *session.Controller

	// Sessions persists terminal sessions; nil disables persistence.
	Sessions *store.Store
	// Audit records campaign events; nil disables the audit trail.
	Audit *auditlog.Store

	// MaxConcurrent bounds simultaneously running repair sessions. Zero
	// means DefaultMaxConcurrent.
	MaxConcurrent int
	// Budget is the campaign wall-clock bound. Zero means DefaultBudget.
	Budget time.Duration
	// RunTimeout bounds one target execution during replay.
	RunTimeout time.Duration

	// FuzzerPath and MaxFuzzerRSS pass through to the fuzz manager.
	FuzzerPath   string
	MaxFuzzerRSS uint64

	// NewFuzzer and Confirmer are swap points for tests. Nil selects the
	// production implementations.
	NewFuzzer func(fuzz.Options) (FuzzSource, error)
	Confirmer Confirmer
}

// SessionResult summarizes one terminal repair session.
type SessionResult struct {
	SessionID string         `json:"session_id"`
	GroupKey  string         `json:"group_key"`
	Status    session.Status `json:"status"`
	Turns     int            `json:"turns"`
	// LastReason is the final turn's rejection diagnostics, or the abort
	// reason. Empty on success.
	LastReason       string `json:"last_reason,omitempty"`
	AcceptedRevision string `json:"accepted_revision,omitempty"`
}

// GroupOutcome pairs a fault group with its repair attempt, if any.
type GroupOutcome struct {
	Key          string `json:"key"`
	Kind         string `json:"kind"`
	Site         string `json:"site"`
	Inputs       int    `json:"inputs"`
	MinInputSize int    `json:"min_input_size"`

	Session *SessionResult `json:"session,omitempty"`
}

// Report is the final campaign summary.
type Report struct {
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`

	BaselineRevision string `json:"baseline_revision"`
	FinalRevision    string `json:"final_revision"`

	Groups     []GroupOutcome `json:"groups"`
	Accepted   int            `json:"accepted"`
	Unresolved int            `json:"unresolved"`

	// Events is the tail of the campaign audit trail, newest first.
	Events []auditlog.Entry `json:"events,omitempty"`
}

type acceptMsg struct {
	sess  *session.Session
	group *triage.Group
}

type Orchestrator struct {
	log        *slog.Logger
	cfg        *config.Target
	sources    *source.Store
	builder    *buildrun.Runner
	controller *session.Controller
	sessions   *store.Store
	audit      *auditlog.Store

	registry *triage.Registry
	corpus   *corpus.Corpus

	maxConcurrent int
	budget        time.Duration
	runTimeout    time.Duration
	fuzzerPath    string
	maxFuzzerRSS  uint64

	newFuzzer func(fuzz.Options) (FuzzSource, error)
	confirmer Confirmer

	// baseline is written only by the updater goroutine.
	mu       sync.RWMutex
	baseline *source.Revision

	resMu   sync.Mutex
	results []SessionResult

	fatalMu  sync.Mutex
	fatalErr error

	updates chan acceptMsg
}

func New(opts Options) (*Orchestrator, error) {
	if opts.Config == nil || opts.Sources == nil || opts.Builder == nil || opts.Controller == nil {
		return nil, errors.New("missing Config, Sources, Builder or Controller")
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}
	maxConcurrent := opts.MaxConcurrent
	if maxConcurrent <= 0 {
		maxConcurrent = DefaultMaxConcurrent
	}
	budget := opts.Budget
	if budget <= 0 {
		budget = DefaultBudget
	}
	newFuzzer := opts.NewFuzzer
	if newFuzzer == nil {
		newFuzzer = func(fo fuzz.Options) (FuzzSource, error) { return fuzz.NewManager(fo) }
	}

	o := &Orchestrator{
		log:           logger.With("component", "orchestrator"),
		cfg:           opts.Config,
		sources:       opts.Sources,
		builder:       opts.Builder,
		controller:    opts.Controller,
		sessions:      opts.Sessions,
		audit:         opts.Audit,
		registry:      triage.NewRegistry(triage.Options{Logger: logger}),
		corpus:        corpus.New(corpus.Options{Logger: logger}),
		maxConcurrent: maxConcurrent,
		budget:        budget,
		runTimeout:    opts.RunTimeout,
		fuzzerPath:    opts.FuzzerPath,
		maxFuzzerRSS:  opts.MaxFuzzerRSS,
		newFuzzer:     newFuzzer,
		confirmer:     opts.Confirmer,
		updates:       make(chan acceptMsg),
	}
	if o.confirmer == nil {
		rc := newReplayConfirmer(o.log, opts.Builder, opts.Config, opts.RunTimeout)
		o.confirmer = rc
	}
	return o, nil
}

// Run executes the whole campaign and always returns a report, alongside
// the fatal error if the campaign was cut short.
func (o *Orchestrator) Run(ctx context.Context) (*Report, error) {
	if o == nil {
		return nil, errors.New("orchestrator not initialized")
	}
	startedAt := time.Now().UTC()

	baseline, err := o.sources.Snapshot(o.cfg.SourceDir())
	if err != nil {
		return nil, fault.Infra("snapshot baseline", err)
	}
	o.baseline = baseline
	o.log.Info("campaign baseline", "revision", baseline.ID)

	if err := o.corpus.SeedFromDir(o.cfg.SeedDir()); err != nil {
		return nil, fault.Infra("seed regression corpus", err)
	}

	o.record(auditlog.Entry{Action: auditlog.ActionCampaignStarted, RevisionID: baseline.ID, Detail: map[string]any{
		"project": o.cfg.Project.Name,
		"seeds":   o.corpus.Len(),
		"budget":  o.budget.String(),
	}})

	fuzzBuild, fuzzCleanup, err := o.builder.Build(ctx, baseline, o.cfg, buildrun.ProfileFuzz)
	if err != nil {
		if fuzzCleanup != nil {
			fuzzCleanup()
		}
		var compileErr *buildrun.CompileError
		if errors.As(err, &compileErr) {
			return nil, fault.Infra("fuzz build", fmt.Errorf("target does not build: %s", compileErr.Log))
		}
		return nil, err
	}
	defer fuzzCleanup()

	if closer, ok := o.confirmer.(interface{ Close() }); ok {
		defer closer.Close()
	}

	fz, err := o.newFuzzer(fuzz.Options{
		Logger:     o.log,
		Binary:     fuzzBuild.Executable,
		SeedDir:    o.cfg.SeedDir(),
		OutDir:     filepath.Join(o.cfg.StateDir(), "fuzz-out"),
		WorkDir:    fuzzBuild.WorkDir,
		Env:        o.runtimeEnv(),
		RevisionID: baseline.ID,
		FuzzerPath: o.fuzzerPath,
		MaxRSS:     o.maxFuzzerRSS,
		OnRestart: func(attempt int) {
			o.record(auditlog.Entry{Action: auditlog.ActionFuzzerRestarted, Status: "failure",
				RevisionID: baseline.ID, Detail: map[string]any{"attempt": attempt}})
		},
	})
	if err != nil {
		return nil, err
	}

	campCtx, campCancel := context.WithCancel(ctx)
	defer campCancel()

	g, gctx := errgroup.WithContext(campCtx)
	budgetCtx, budgetCancel := context.WithTimeout(gctx, o.budget)
	defer budgetCancel()

	g.Go(func() error { return fz.Run(budgetCtx) })
	g.Go(func() error { return o.consume(gctx, budgetCtx, campCancel, fz) })
	g.Go(func() error { return o.applyUpdates(gctx) })

	waitErr := g.Wait()

	report := o.buildReport(startedAt, baseline.ID)
	fatal := o.fatal()
	if fatal == nil {
		fatal = waitErr
	}

	status := "success"
	var errText string
	if fatal != nil {
		status = "failure"
		errText = fatal.Error()
	}
	o.record(auditlog.Entry{Action: auditlog.ActionCampaignFinished, Status: status, Error: errText,
		RevisionID: report.FinalRevision, Detail: map[string]any{
			"groups":     len(report.Groups),
			"accepted":   report.Accepted,
			"unresolved": report.Unresolved,
		}})
	if o.audit != nil {
		if events, err := o.audit.List(reportEventLimit); err == nil {
			report.Events = events
		} else {
			o.log.Warn("audit trail unreadable", "error", err)
		}
	}
	return report, fatal
}

// consume drains the crash stream: confirm, classify, and schedule one
// repair session per newly created fault group. It returns only after the
// stream closes and every scheduled session is terminal, so the updater's
// input can be closed safely.
func (o *Orchestrator) consume(ctx, budgetCtx context.Context, campCancel context.CancelFunc, fz FuzzSource) error {
	sg := &errgroup.Group{}
	sg.SetLimit(o.maxConcurrent)

	for crash := range fz.Crashes() {
		o.record(auditlog.Entry{Action: auditlog.ActionCrashDiscovered, Artifact: crash.Origin, Detail: map[string]any{"bytes": len(crash.Data)}})

		if ctx.Err() != nil {
			continue // fatal already in flight, keep draining
		}

		rep, confirmed, err := o.confirmer.Confirm(ctx, o.currentBaseline(), crash)
		if err != nil {
			o.setFatal(err)
			campCancel()
			continue
		}
		if !confirmed {
			o.record(auditlog.Entry{Action: auditlog.ActionCrashRejected, Artifact: crash.Origin})
			continue
		}

		group, created, err := o.registry.Classify(crash, rep, o.currentBaseline())
		if err != nil {
			o.log.Warn("triage failed", "crash", crash.ID, "error", err)
			continue
		}
		o.record(auditlog.Entry{Action: auditlog.ActionCrashConfirmed, Artifact: crash.Origin, GroupKey: group.Key})
		if !created {
			continue
		}

		grp := group
		sg.Go(func() error {
			o.runSession(ctx, budgetCtx, grp)
			return nil
		})
	}

	if err := sg.Wait(); err != nil {
		o.setFatal(err)
	}
	close(o.updates)
	return nil
}

// runSession drives one repair session to a terminal state and records the
// result. Only an accepted patch touches shared campaign state, via the
// updater. Session-level failures never take the campaign down.
func (o *Orchestrator) runSession(ctx, budgetCtx context.Context, grp *triage.Group) {
	sess, err := o.controller.Open(grp, o.currentBaseline(), o.corpus.Snapshot())
	if err != nil {
		o.log.Error("session open failed", "group", grp.Key, "error", err)
		return
	}
	o.record(auditlog.Entry{Action: auditlog.ActionSessionOpened, SessionID: sess.ID, GroupKey: grp.Key, RevisionID: sess.Baseline.ID})

	stop := func() bool { return budgetCtx.Err() != nil }
	runErr := o.controller.Run(ctx, sess, grp, stop)
	if runErr != nil && !fault.IsInfra(runErr) {
		o.log.Error("session failed", "session", sess.ID, "error", runErr)
	}

	res := SessionResult{
		SessionID: sess.ID,
		GroupKey:  sess.GroupKey,
		Status:    sess.Status,
		Turns:     len(sess.Turns),
	}
	switch {
	case sess.Status == session.StatusSucceeded && sess.Accepted != nil:
		res.AcceptedRevision = sess.Accepted.Revision.ID
	case sess.Status == session.StatusAborted:
		res.LastReason = sess.AbortReason
	case len(sess.Turns) > 0:
		res.LastReason = sess.Turns[len(sess.Turns)-1].Reason
	}
	o.resMu.Lock()
	o.results = append(o.results, res)
	o.resMu.Unlock()

	o.persistSession(sess)
	o.record(auditlog.Entry{Action: auditlog.ActionSessionClosed, SessionID: sess.ID, GroupKey: grp.Key,
		Status: closeStatus(sess.Status), Error: sess.AbortReason, Detail: map[string]any{"turns": len(sess.Turns)}})

	if sess.Status != session.StatusSucceeded {
		return
	}
	o.record(auditlog.Entry{Action: auditlog.ActionPatchAccepted, SessionID: sess.ID, GroupKey: grp.Key, RevisionID: sess.Accepted.Revision.ID})
	o.exportAccepted(sess)

	select {
	case o.updates <- acceptMsg{sess: sess, group: grp}:
	case <-ctx.Done():
	}
}

// applyUpdates is the single writer for the baseline revision and the
// regression corpus.
func (o *Orchestrator) applyUpdates(ctx context.Context) error {
	for {
		select {
		case msg, ok := <-o.updates:
			if !ok {
				return nil
			}
			o.mu.Lock()
			o.baseline = msg.sess.Accepted.Revision
			o.mu.Unlock()
			o.corpus.Add(corpus.Entry{ID: "fixed:" + msg.group.Representative.ID, Data: msg.group.Representative.Data})
			o.log.Info("baseline advanced", "revision", msg.sess.Accepted.Revision.ID, "session", msg.sess.ID)
			o.record(auditlog.Entry{Action: auditlog.ActionBaselineAdvanced, SessionID: msg.sess.ID, RevisionID: msg.sess.Accepted.Revision.ID})
		case <-ctx.Done():
			return nil
		}
	}
}

func (o *Orchestrator) currentBaseline() *source.Revision {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.baseline
}

func (o *Orchestrator) setFatal(err error) {
	if err == nil {
		return
	}
	o.fatalMu.Lock()
	defer o.fatalMu.Unlock()
	if o.fatalErr == nil {
		o.fatalErr = err
	}
}

func (o *Orchestrator) fatal() error {
	o.fatalMu.Lock()
	defer o.fatalMu.Unlock()
	return o.fatalErr
}

func (o *Orchestrator) record(e auditlog.Entry) {
	if o.audit != nil {
		o.audit.Append(e)
	}
}

func (o *Orchestrator) persistSession(sess *session.Session) {
	if o.sessions == nil {
		return
	}
	if err := o.sessions.RecordSession(context.Background(), sess); err != nil {
		o.log.Warn("session persist failed", "session", sess.ID, "error", err)
	}
}

// exportAccepted writes the accepted patch and its session record to the
// state directory for offline inspection.
func (o *Orchestrator) exportAccepted(sess *session.Session) {
	recordsDir := filepath.Join(o.cfg.StateDir(), "records")
	patchesDir := filepath.Join(o.cfg.StateDir(), "patches")
	for _, dir := range []string{recordsDir, patchesDir} {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			o.log.Warn("record export failed", "error", err)
			return
		}
	}

	record := map[string]any{
		"session_id": sess.ID,
		"group_key":  sess.GroupKey,
		"fault_kind": sess.Evidence.Kind,
		"fault_site": sess.Evidence.Site,
		"revision":   sess.Accepted.Revision.ID,
		"parent":     sess.Accepted.Revision.ParentID,
		"rationale":  sess.Accepted.Rationale,
		"turns":      len(sess.Turns),
		"closed_at":  sess.ClosedAt.Format(time.RFC3339),
	}
	buf, err := json.MarshalIndent(record, "", "  ")
	if err != nil {
		o.log.Warn("record encode failed", "session", sess.ID, "error", err)
		return
	}
	if err := writeFileAtomic(filepath.Join(recordsDir, sess.ID+".json"), append(buf, '\n')); err != nil {
		o.log.Warn("record write failed", "session", sess.ID, "error", err)
	}
	if err := writeFileAtomic(filepath.Join(patchesDir, sess.ID+".diff"), []byte(sess.Accepted.DiffText)); err != nil {
		o.log.Warn("patch write failed", "session", sess.ID, "error", err)
	}
}

func (o *Orchestrator) runtimeEnv() []string {
	env := make([]string, 0, len(o.cfg.Environment.Runtime))
	for k, v := range o.cfg.Environment.Runtime {
		env = append(env, k+"="+v)
	}
	return env
}

func (o *Orchestrator) buildReport(startedAt time.Time, baselineID string) *Report {
	o.resMu.Lock()
	byGroup := make(map[string]*SessionResult, len(o.results))
	for i := range o.results {
		byGroup[o.results[i].GroupKey] = &o.results[i]
	}
	o.resMu.Unlock()

	report := &Report{
		StartedAt:        startedAt,
		FinishedAt:       time.Now().UTC(),
		BaselineRevision: baselineID,
		FinalRevision:    o.currentBaseline().ID,
	}
	for _, grp := range o.registry.Ranked() {
		out := GroupOutcome{
			Key:          grp.Key,
			Kind:         grp.Sig.Kind,
			Site:         grp.Sig.Site,
			Inputs:       len(grp.Inputs),
			MinInputSize: grp.MinInputSize,
		}
		if res, ok := byGroup[grp.Key]; ok {
			out.Session = res
			if res.Status == session.StatusSucceeded {
				report.Accepted++
			} else {
				report.Unresolved++
			}
		} else {
			report.Unresolved++
		}
		report.Groups = append(report.Groups, out)
	}
	return report
}

func closeStatus(s session.Status) string {
	if s == session.StatusSucceeded {
		return "success"
	}
	return "failure"
}

func writeFileAtomic(path string, data []byte) error {
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}
