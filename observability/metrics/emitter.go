package metrics

import (
	"escrowd/core/events"
	"escrowd/escrow"
)

// Emitter observes escrow events and keeps the transition counters and the
// open-ledger gauge current. It composes with other emitters through
// events.MultiEmitter.
type Emitter struct {
	metrics *EscrowMetrics
}

// NewEmitter returns an emitter feeding the process-wide escrow metrics.
func NewEmitter() *Emitter {
	return &Emitter{metrics: Escrow()}
}

// Emit implements the events.Emitter interface.
func (e *Emitter) Emit(evt events.Event) {
	if e == nil || evt == nil {
		return
	}
	kind := evt.EventType()
	e.metrics.ObserveTransition(kind)
	switch kind {
	case escrow.EventTypeDeposited:
		e.metrics.LedgerOpened()
	case escrow.EventTypeApproved, escrow.EventTypeResolved, escrow.EventTypeRefunded:
		e.metrics.LedgerResolved()
	}
}
