package store

import (
	"github.com/nocodenolife3742/afixl/internal/propose"
)

// Conversation rebuilds the proposer-visible exchange history from stored
// turns. Given the same rows, the result is byte-identical to what the live
// session rendered, which is what makes persisted sessions replayable.
func Conversation(turns []Turn) []propose.Exchange {
	out := make([]propose.Exchange, 0, len(turns))
	for _, t := range turns {
		out = append(out, propose.Exchange{Feedback: t.Feedback, Response: t.Response})
	}
	return out
}

// Evidence rebuilds the turn-0 evidence block from a stored session row.
func Evidence(row *Session) propose.Evidence {
	if row == nil {
		return propose.Evidence{}
	}
	return propose.Evidence{
		Kind:      row.FaultKind,
		Site:      row.FaultSite,
		Report:    row.Report,
		Context:   row.SourceView,
		InputSize: row.InputSize,
	}
}
