package main

import (
	"errors"
	"testing"

	"github.com/nocodenolife3742/afixl/internal/orchestrator"
)

func TestExitCode(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name   string
		report *orchestrator.Report
		err    error
		want   int
	}{
		{name: "all groups fixed", report: &orchestrator.Report{Accepted: 2}, want: 0},
		{name: "no crashes found", report: &orchestrator.Report{}, want: 0},
		{name: "unresolved group after clean budget expiry", report: &orchestrator.Report{Accepted: 1, Unresolved: 1}, want: 2},
		{name: "campaign failure", report: &orchestrator.Report{Unresolved: 1}, err: errors.New("fuzzer subordinate failed"), want: 1},
		{name: "failure without report", err: errors.New("target does not build"), want: 1},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			if got := exitCode(tc.report, tc.err); got != tc.want {
				t.Fatalf("exitCode = %d, want %d", got, tc.want)
			}
		})
	}
}
