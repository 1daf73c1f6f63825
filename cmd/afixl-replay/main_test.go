package main

import (
	"testing"

	"github.com/nocodenolife3742/afixl/internal/store"
)

func TestEvaluate_CoherentSucceededSessionPasses(t *testing.T) {
	t.Parallel()
	row := &store.Session{
		SessionID:    "s1",
		GroupKey:     "heap-buffer-overflow@parse.c:42",
		Status:       "succeeded",
		Report:       "ERROR: AddressSanitizer: heap-buffer-overflow",
		AcceptedRev:  "rev_2",
		AcceptedDiff: "--- a/src/parse.c\n+++ b/src/parse.c\n",
		TurnLimit:    15,
	}
	turns := []store.Turn{
		{TurnIndex: 0, Response: "first attempt", Outcome: "crash_persists"},
		{TurnIndex: 1, Feedback: "The patched program still crashes on the original input:", Response: "second attempt", Outcome: "accepted"},
	}
	r := evaluate(row, turns)
	if r.Status != "pass" {
		t.Fatalf("unexpected reasons: %v", r.Reasons)
	}
	if r.Turns != 2 || r.Malformed != 0 {
		t.Fatalf("unexpected counters: %+v", r)
	}
}

func TestEvaluate_TurnGapFails(t *testing.T) {
	t.Parallel()
	row := &store.Session{SessionID: "s2", Status: "exhausted", Report: "runtime error: index out of range", TurnLimit: 15}
	turns := []store.Turn{
		{TurnIndex: 0, Response: "a", Outcome: "build_failed"},
		{TurnIndex: 2, Feedback: "The patch did not build:", Response: "b", Outcome: "build_failed"},
	}
	r := evaluate(row, turns)
	if r.Status != "fail" {
		t.Fatalf("expected failure")
	}
}

func TestEvaluate_SucceededWithoutPatchFails(t *testing.T) {
	t.Parallel()
	row := &store.Session{SessionID: "s3", Status: "succeeded", Report: "ERROR: UndefinedBehaviorSanitizer"}
	turns := []store.Turn{{TurnIndex: 0, Response: "x", Outcome: "accepted"}}
	r := evaluate(row, turns)
	if r.Status != "fail" {
		t.Fatalf("expected failure")
	}
}
