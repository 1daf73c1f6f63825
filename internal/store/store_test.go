package store

import (
	"context"
	"path/filepath"
	"reflect"
	"testing"
	"time"

	"github.com/nocodenolife3742/afixl/internal/propose"
	"github.com/nocodenolife3742/afixl/internal/session"
	"github.com/nocodenolife3742/afixl/internal/source"
	"github.com/nocodenolife3742/afixl/internal/validate"
)

func terminalSession() *session.Session {
	opened := time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)
	return &session.Session{
		ID:       "sess_1",
		GroupKey: "heap-buffer-overflow|main.c:3|parse",
		Status:   session.StatusSucceeded,
		Evidence: propose.Evidence{
			Kind:      "heap-buffer-overflow",
			Site:      "main.c:3",
			Report:    "ERROR: AddressSanitizer: heap-buffer-overflow",
			Context:   "line    3 : buf[i] = c;\n",
			InputSize: 42,
		},
		Baseline: &source.Revision{ID: "rev_base"},
		Turns: []session.Turn{
			{Index: 0, Response: "no diff here", Malformed: true, Reason: "no fenced diff block found", At: opened.Add(time.Minute)},
			{Index: 1, Feedback: "Your previous reply could not be used.", Response: "```diff\n--- a/main.c\n```", Outcome: validate.CrashPersists, Reason: "still crashes", At: opened.Add(2 * time.Minute)},
			{Index: 2, Feedback: "The patched program still crashes.", Response: "```diff\n--- a/main.c fixed\n```", Outcome: validate.Accepted, At: opened.Add(3 * time.Minute)},
		},
		Accepted: &session.Accept{
			Revision:  &source.Revision{ID: "rev_fix", ParentID: "rev_base"},
			DiffText:  "--- a/main.c\n+++ b/main.c\n",
			Rationale: "bounds check before write",
		},
		TurnLimit: 15,
		OpenedAt:  opened,
		ClosedAt:  opened.Add(3 * time.Minute),
	}
}

func TestStore_RecordAndGet(t *testing.T) {
	t.Parallel()

	s, err := Open(filepath.Join(t.TempDir(), "sessions.sqlite"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer func() { _ = s.Close() }()

	ctx := context.Background()
	sess := terminalSession()
	if err := s.RecordSession(ctx, sess); err != nil {
		t.Fatalf("RecordSession: %v", err)
	}

	row, err := s.GetSession(ctx, "sess_1")
	if err != nil {
		t.Fatalf("GetSession: %v", err)
	}
	if row.Status != "succeeded" || row.GroupKey != sess.GroupKey {
		t.Fatalf("row = %+v", row)
	}
	if row.AcceptedRev != "rev_fix" || row.BaselineRev != "rev_base" {
		t.Fatalf("revisions: accepted=%q baseline=%q", row.AcceptedRev, row.BaselineRev)
	}
	if row.AcceptedRationale != "bounds check before write" {
		t.Fatalf("rationale = %q", row.AcceptedRationale)
	}
	if row.OpenedAtUnixMs != sess.OpenedAt.UnixMilli() {
		t.Fatalf("opened_at = %d", row.OpenedAtUnixMs)
	}

	turns, err := s.ListTurns(ctx, "sess_1")
	if err != nil {
		t.Fatalf("ListTurns: %v", err)
	}
	if len(turns) != 3 {
		t.Fatalf("turns = %d", len(turns))
	}
	if !turns[0].Malformed || turns[0].Reason != "no fenced diff block found" {
		t.Fatalf("turn 0 = %+v", turns[0])
	}
	if turns[2].Outcome != string(validate.Accepted) {
		t.Fatalf("turn 2 outcome = %q", turns[2].Outcome)
	}
}

func TestStore_RejectsOpenSession(t *testing.T) {
	t.Parallel()

	s, err := Open(filepath.Join(t.TempDir(), "sessions.sqlite"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer func() { _ = s.Close() }()

	sess := terminalSession()
	sess.Status = session.StatusOpen
	if err := s.RecordSession(context.Background(), sess); err == nil {
		t.Fatal("expected error for non-terminal session")
	}
}

func TestStore_DuplicateSessionIDFails(t *testing.T) {
	t.Parallel()

	s, err := Open(filepath.Join(t.TempDir(), "sessions.sqlite"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer func() { _ = s.Close() }()

	ctx := context.Background()
	if err := s.RecordSession(ctx, terminalSession()); err != nil {
		t.Fatalf("first RecordSession: %v", err)
	}
	if err := s.RecordSession(ctx, terminalSession()); err == nil {
		t.Fatal("expected duplicate session_id to fail")
	}
}

// A persisted session must reconstruct the exact conversation the live
// session rendered, from the rows alone.
func TestStore_ReplayReconstruction(t *testing.T) {
	t.Parallel()

	s, err := Open(filepath.Join(t.TempDir(), "sessions.sqlite"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer func() { _ = s.Close() }()

	ctx := context.Background()
	live := terminalSession()
	if err := s.RecordSession(ctx, live); err != nil {
		t.Fatalf("RecordSession: %v", err)
	}

	row, err := s.GetSession(ctx, live.ID)
	if err != nil {
		t.Fatalf("GetSession: %v", err)
	}
	turns, err := s.ListTurns(ctx, live.ID)
	if err != nil {
		t.Fatalf("ListTurns: %v", err)
	}

	if got := Evidence(row); !reflect.DeepEqual(got, live.Evidence) {
		t.Fatalf("evidence mismatch:\n got %+v\nwant %+v", got, live.Evidence)
	}

	want := make([]propose.Exchange, 0, len(live.Turns))
	for _, turn := range live.Turns {
		want = append(want, propose.Exchange{Feedback: turn.Feedback, Response: turn.Response})
	}
	if got := Conversation(turns); !reflect.DeepEqual(got, want) {
		t.Fatalf("conversation mismatch:\n got %+v\nwant %+v", got, want)
	}
}

func TestStore_ListSessionsOrderedByOpen(t *testing.T) {
	t.Parallel()

	s, err := Open(filepath.Join(t.TempDir(), "sessions.sqlite"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer func() { _ = s.Close() }()

	ctx := context.Background()
	first := terminalSession()
	second := terminalSession()
	second.ID = "sess_2"
	second.OpenedAt = first.OpenedAt.Add(time.Hour)
	second.Turns = nil
	second.Status = session.StatusExhausted
	second.Accepted = nil

	// Insert out of order.
	if err := s.RecordSession(ctx, second); err != nil {
		t.Fatalf("RecordSession second: %v", err)
	}
	if err := s.RecordSession(ctx, first); err != nil {
		t.Fatalf("RecordSession first: %v", err)
	}

	rows, err := s.ListSessions(ctx)
	if err != nil {
		t.Fatalf("ListSessions: %v", err)
	}
	if len(rows) != 2 || rows[0].SessionID != "sess_1" || rows[1].SessionID != "sess_2" {
		t.Fatalf("rows = %+v", rows)
	}
	if rows[1].Status != "exhausted" || rows[1].AcceptedRev != "" {
		t.Fatalf("second row = %+v", rows[1])
	}
}
