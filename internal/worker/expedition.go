package worker

import (
	"github.com/ignite/newsletter-dispatch/internal/domain"
)

// Expedition is the resumable progress of one campaign inside a
// round-robin dispatcher: the recipients resolved when it was admitted and
// the index of the next one. The order never changes once created.
type Expedition struct {
	Campaign   *domain.Campaign
	recipients []domain.Contact
	next       int
	halted     bool
	summary    RunSummary
}

func newExpedition(c *domain.Campaign, recipients []domain.Contact, test bool) *Expedition {
	return &Expedition{
		Campaign:   c,
		recipients: recipients,
		summary:    RunSummary{CampaignID: c.ID, ServerID: c.ServerID, Test: test},
	}
}

// Current returns the recipient the next step targets, or nil when done.
func (e *Expedition) Current() *domain.Contact {
	if e.Done() {
		return nil
	}
	return &e.recipients[e.next]
}

// Advance records the outcome of the current recipient and moves on.
func (e *Expedition) Advance(kind domain.OutcomeKind) {
	e.summary.count(kind)
	e.next++
}

// Halt stops the expedition early; remaining recipients are left for a
// later run.
func (e *Expedition) Halt(err error) {
	e.halted = true
	e.summary.halt(err)
}

func (e *Expedition) Done() bool {
	return e.halted || e.next >= len(e.recipients)
}

func (e *Expedition) Remaining() int {
	if e.halted {
		return 0
	}
	return len(e.recipients) - e.next
}

func (e *Expedition) Summary() RunSummary {
	return e.summary
}
