// Command afixl-replay reconstructs a persisted repair session from the
// campaign database and checks that the stored conversation is coherent.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"strings"

	"github.com/nocodenolife3742/afixl/internal/store"
)

type replayReport struct {
	SessionID    string   `json:"session_id"`
	GroupKey     string   `json:"group_key"`
	SessionState string   `json:"session_state"`
	Turns        int      `json:"turns"`
	Malformed    int      `json:"malformed"`
	EvidenceOK   bool     `json:"evidence_ok"`
	Status       string   `json:"status"`
	Reasons      []string `json:"reasons,omitempty"`
}

func main() {
	dbPath := flag.String("db", "", "sessions.sqlite path")
	sessionID := flag.String("session", "", "session id to replay (empty: replay every session)")
	expect := flag.String("expect", "", "optional expectation: pass|fail")
	flag.Parse()

	if strings.TrimSpace(*dbPath) == "" {
		fatalf("--db is required")
	}

	st, err := store.Open(strings.TrimSpace(*dbPath))
	if err != nil {
		fatalf("open db: %v", err)
	}
	defer func() { _ = st.Close() }()

	ctx := context.Background()
	reports, err := runReplay(ctx, st, strings.TrimSpace(*sessionID))
	if err != nil {
		fatalf("replay failed: %v", err)
	}

	b, _ := json.MarshalIndent(reports, "", "  ")
	fmt.Println(string(b))

	status := "pass"
	for _, r := range reports {
		if r.Status != "pass" {
			status = "fail"
			break
		}
	}

	expected := strings.TrimSpace(strings.ToLower(*expect))
	if expected == "" {
		if status != "pass" {
			os.Exit(2)
		}
		return
	}
	if expected != "pass" && expected != "fail" {
		fatalf("invalid --expect: %s", expected)
	}
	if status != expected {
		os.Exit(3)
	}
}

func runReplay(ctx context.Context, st *store.Store, sessionID string) ([]replayReport, error) {
	var rows []store.Session
	if sessionID != "" {
		row, err := st.GetSession(ctx, sessionID)
		if err != nil {
			return nil, err
		}
		rows = append(rows, *row)
	} else {
		var err error
		rows, err = st.ListSessions(ctx)
		if err != nil {
			return nil, err
		}
		if len(rows) == 0 {
			return nil, fmt.Errorf("no sessions recorded")
		}
	}

	out := make([]replayReport, 0, len(rows))
	for i := range rows {
		turns, err := st.ListTurns(ctx, rows[i].SessionID)
		if err != nil {
			return nil, err
		}
		out = append(out, evaluate(&rows[i], turns))
	}
	return out, nil
}

// evaluate replays a stored session and flags inconsistencies that would make
// the conversation impossible to have happened as recorded.
func evaluate(row *store.Session, turns []store.Turn) replayReport {
	reasons := make([]string, 0, 4)

	switch row.Status {
	case "succeeded", "exhausted", "aborted":
	default:
		reasons = append(reasons, "non_terminal_status:"+row.Status)
	}

	if len(turns) == 0 && row.Status != "aborted" {
		reasons = append(reasons, "no_turns")
	}
	malformed := 0
	for i, t := range turns {
		if t.TurnIndex != i {
			reasons = append(reasons, fmt.Sprintf("turn_gap_at:%d", i))
			break
		}
		if t.Malformed {
			malformed++
		}
	}
	if len(turns) > 0 && strings.TrimSpace(turns[0].Feedback) != "" {
		// Turn zero carries only the evidence; feedback starts at turn one.
		reasons = append(reasons, "feedback_before_first_response")
	}
	if row.TurnLimit > 0 && len(turns) > row.TurnLimit {
		reasons = append(reasons, "turns_exceed_limit")
	}

	switch row.Status {
	case "succeeded":
		if row.AcceptedRev == "" || strings.TrimSpace(row.AcceptedDiff) == "" {
			reasons = append(reasons, "succeeded_without_accepted_patch")
		}
		if n := len(turns); n > 0 && turns[n-1].Outcome != "accepted" {
			reasons = append(reasons, "succeeded_but_last_turn_rejected")
		}
	case "aborted":
		if strings.TrimSpace(row.AbortReason) == "" {
			reasons = append(reasons, "aborted_without_reason")
		}
	}

	ev := store.Evidence(row)
	conv := store.Conversation(turns)
	evidenceOK := strings.TrimSpace(ev.Report) != ""
	if !evidenceOK {
		reasons = append(reasons, "empty_crash_report")
	}
	if len(conv) != len(turns) {
		reasons = append(reasons, "conversation_length_mismatch")
	}

	report := replayReport{
		SessionID:    row.SessionID,
		GroupKey:     row.GroupKey,
		SessionState: row.Status,
		Turns:        len(turns),
		Malformed:    malformed,
		EvidenceOK:   evidenceOK,
		Status:       "pass",
	}
	if len(reasons) > 0 {
		report.Status = "fail"
		report.Reasons = reasons
	}
	return report
}

func fatalf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "[afixl-replay] "+format+"\n", args...)
	os.Exit(1)
}
