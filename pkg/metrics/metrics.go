// Package metrics exposes the engine's diagnostic counters. Invariant
// violations (duplicate ids, cursor regressions) are no-op'd by the engine
// instead of crashing; these counters are how a breach of the upstream
// contract stays observable.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

type Metrics struct {
	DuplicateMessages prometheus.Counter
	CursorRegressions prometheus.Counter
	DedupedEvents     prometheus.Counter
	DecryptFailures   prometheus.Counter
	BackfillFailures  prometheus.Counter
	Reconnects        prometheus.Counter
	DroppedSends      prometheus.Counter
}

// New registers all counters on reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		DuplicateMessages: counter("messenger_duplicate_messages_total",
			"Inbound messages discarded because their id was already present in the room."),
		CursorRegressions: counter("messenger_cursor_regressions_total",
			"Read events ignored because they would move a cursor backwards."),
		DedupedEvents: counter("messenger_deduped_events_total",
			"Events suppressed by the dedup ledger within its window."),
		DecryptFailures: counter("messenger_decrypt_failures_total",
			"Message bodies that failed to decrypt and were replaced by a placeholder."),
		BackfillFailures: counter("messenger_backfill_failures_total",
			"Backfill queries that failed; retried on the next opportunity."),
		Reconnects: counter("messenger_reconnects_total",
			"Successful reconnections of the push transport."),
		DroppedSends: counter("messenger_dropped_sends_total",
			"Outbound commands refused because the connection was down."),
	}
	reg.MustRegister(
		m.DuplicateMessages, m.CursorRegressions, m.DedupedEvents,
		m.DecryptFailures, m.BackfillFailures, m.Reconnects, m.DroppedSends,
	)
	return m
}

// NewNop returns counters backed by a throwaway registry, for tests and for
// callers that don't scrape.
func NewNop() *Metrics {
	return New(prometheus.NewRegistry())
}

func counter(name, help string) prometheus.Counter {
	return prometheus.NewCounter(prometheus.CounterOpts{Name: name, Help: help})
}
