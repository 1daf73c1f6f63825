// Package session drives one bounded repair conversation for one fault
// group: propose a patch, validate it, fold the outcome into the next
// turn's feedback, until the patch is accepted or the turn limit is hit.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/nocodenolife3742/afixl/internal/corpus"
	"github.com/nocodenolife3742/afixl/internal/patch"
	"github.com/nocodenolife3742/afixl/internal/propose"
	"github.com/nocodenolife3742/afixl/internal/source"
	"github.com/nocodenolife3742/afixl/internal/triage"
	"github.com/nocodenolife3742/afixl/internal/validate"
)

type Status string

const (
	StatusOpen      Status = "open"
	StatusSucceeded Status = "succeeded"
	StatusExhausted Status = "exhausted"
	StatusAborted   Status = "aborted"
)

// Terminal reports whether no further turns may be generated.
func (s Status) Terminal() bool { return s != StatusOpen }

// Turn is one completed round of the conversation. Turns are append-only;
// a recorded turn is never rewritten.
type Turn struct {
	Index int

	// Feedback is the outcome of the previous turn as shown to the model.
	// Empty on turn 0, where the evidence alone seeds the conversation.
	Feedback string

	// Response is the raw model output for this turn.
	Response string

	// Malformed is set when no usable diff could be extracted from
	// Response. Outcome and Reason describe the validation result
	// otherwise.
	Malformed bool
	Outcome   validate.Kind
	Reason    string

	At time.Time
}

// Accept captures the terminal state of a succeeded session.
type Accept struct {
	// Revision is the patched source tree, the new campaign baseline.
	Revision *source.Revision
	// DiffText and Rationale come from the winning candidate.
	DiffText  string
	Rationale string
}

// Session is one attempt to fix one fault group. The zero value is not
// usable; sessions are created by Controller.Open.
type Session struct {
	ID       string
	GroupKey string
	Status   Status

	Evidence propose.Evidence
	Baseline *source.Revision

	// Regression is the corpus snapshot taken at open time. It does not
	// grow mid-session; later sessions see a larger snapshot.
	Regression []corpus.Entry

	Turns []Turn

	Accepted    *Accept
	AbortReason string

	TurnLimit int
	OpenedAt  time.Time
	ClosedAt  time.Time
}

// Proposer is the patch-generation swap point; *propose.Proposer satisfies
// it, tests substitute a scripted fake.
type Proposer interface {
	Propose(ctx context.Context, ev propose.Evidence, history []propose.Exchange) (*propose.Proposal, error)
}

// Validator is the patch-checking swap point; *validate.Validator
// satisfies it.
type Validator interface {
	Validate(ctx context.Context, rev *source.Revision, cand *patch.Candidate, crash *triage.CrashInput, regression []corpus.Entry) (validate.Outcome, error)
}

type Options struct {
	Logger    *slog.Logger
	Proposer  Proposer
	Validator Validator

	// TurnLimit bounds one session. Zero means DefaultTurnLimit.
	TurnLimit int
}

const DefaultTurnLimit = 15

type Controller struct {
	log       *slog.Logger
	proposer  Proposer
	validator Validator
	turnLimit int
}

func NewController(opts Options) (*Controller, error) {
	if opts.Proposer == nil || opts.Validator == nil {
		return nil, errors.New("missing Proposer or Validator")
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}
	limit := opts.TurnLimit
	if limit <= 0 {
		limit = DefaultTurnLimit
	}
	return &Controller{log: logger, proposer: opts.Proposer, validator: opts.Validator, turnLimit: limit}, nil
}

// Open builds a fresh session for one fault group against the given
// baseline and regression snapshot.
func (c *Controller) Open(group *triage.Group, baseline *source.Revision, regression []corpus.Entry) (*Session, error) {
	if c == nil {
		return nil, errors.New("controller not initialized")
	}
	if group == nil || group.Representative == nil || group.Report == nil || baseline == nil {
		return nil, errors.New("nil group, representative, report or baseline")
	}
	return &Session{
		ID:       uuid.NewString(),
		GroupKey: group.Key,
		Status:   StatusOpen,
		Evidence: propose.Evidence{
			Kind:      group.Sig.Kind,
			Site:      group.Sig.Site,
			Report:    string(group.Report.Raw),
			Context:   group.Context.Render(),
			InputSize: len(group.Representative.Data),
		},
		Baseline:   baseline,
		Regression: regression,
		TurnLimit:  c.turnLimit,
		OpenedAt:   time.Now().UTC(),
	}, nil
}

// Run drives the session to a terminal status. Calling Run on a session
// that is already terminal is a no-op: no proposer or validator call is
// made. An infrastructure fault closes the session as Aborted and is also
// returned so the orchestrator can decide campaign-level consequences.
//
// stop is checked between turns; once it reports true the session closes
// as Exhausted after the in-flight turn, never mid-turn. A nil stop never
// fires. Cancelling ctx is the hard path and closes the session as
// Aborted.
func (c *Controller) Run(ctx context.Context, s *Session, group *triage.Group, stop func() bool) error {
	if c == nil || s == nil {
		return errors.New("controller or session not initialized")
	}
	if s.Status.Terminal() {
		return nil
	}
	if group == nil || group.Representative == nil {
		return errors.New("nil group or representative")
	}

	log := c.log.With("session", s.ID, "group", s.GroupKey)

	feedback := ""
	for len(s.Turns) < s.TurnLimit {
		if err := ctx.Err(); err != nil {
			return c.abort(s, fmt.Errorf("session interrupted: %w", err))
		}
		if stop != nil && stop() {
			s.Status = StatusExhausted
			s.ClosedAt = time.Now().UTC()
			log.Info("session exhausted by campaign budget", "turns", len(s.Turns))
			return nil
		}

		turn := Turn{Index: len(s.Turns), Feedback: feedback, At: time.Now().UTC()}

		prop, err := c.proposer.Propose(ctx, s.Evidence, history(s.Turns))
		if err != nil {
			return c.abort(s, err)
		}
		turn.Response = prop.Raw

		if prop.Malformed {
			turn.Malformed = true
			turn.Reason = prop.MalformedReason
			s.Turns = append(s.Turns, turn)
			feedback = malformedFeedback(prop.MalformedReason)
			log.Warn("proposal unusable", "turn", turn.Index, "reason", prop.MalformedReason)
			continue
		}

		out, err := c.validator.Validate(ctx, s.Baseline, prop.Candidate, group.Representative, s.Regression)
		if err != nil {
			return c.abort(s, err)
		}
		turn.Outcome = out.Kind
		turn.Reason = out.Reason
		s.Turns = append(s.Turns, turn)

		if out.Kind == validate.Accepted {
			s.Status = StatusSucceeded
			s.Accepted = &Accept{
				Revision:  out.Revision,
				DiffText:  prop.Candidate.DiffText,
				Rationale: prop.Candidate.Rationale,
			}
			s.ClosedAt = time.Now().UTC()
			log.Info("patch accepted", "turn", turn.Index, "revision", out.Revision.ID)
			return nil
		}

		feedback = outcomeFeedback(out)
		log.Info("patch rejected", "turn", turn.Index, "outcome", out.Kind)
	}

	s.Status = StatusExhausted
	s.ClosedAt = time.Now().UTC()
	log.Info("session exhausted", "turns", len(s.Turns))
	return nil
}

func (c *Controller) abort(s *Session, err error) error {
	s.Status = StatusAborted
	s.AbortReason = err.Error()
	s.ClosedAt = time.Now().UTC()
	c.log.Error("session aborted", "session", s.ID, "error", err)
	return err
}

// history renders the recorded turns as proposer exchanges. Rebuilding
// from the turn log keeps the conversation replayable from persisted state.
func history(turns []Turn) []propose.Exchange {
	out := make([]propose.Exchange, 0, len(turns))
	for _, t := range turns {
		out = append(out, propose.Exchange{Feedback: t.Feedback, Response: t.Response})
	}
	return out
}

func malformedFeedback(reason string) string {
	return fmt.Sprintf("Your previous reply could not be used: %s.\nReply with exactly one fenced code block containing a unified diff.", strings.TrimSpace(reason))
}

func outcomeFeedback(out validate.Outcome) string {
	switch out.Kind {
	case validate.BuildFailed:
		return "The patch did not build:\n" + out.Reason + "\nPropose a corrected patch against the original source shown above."
	case validate.CrashPersists:
		return "The patched program still crashes on the original input:\n" + out.Reason + "\nThe fix is incomplete. Propose a different patch."
	case validate.RegressionBroken:
		return fmt.Sprintf("The patch breaks previously passing inputs (%s). It must preserve existing behavior. Propose a different patch.", strings.Join(out.FailedInputIDs, ", "))
	default:
		return "The patch was rejected: " + out.Reason
	}
}
