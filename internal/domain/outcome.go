package domain

import "time"

// OutcomeKind enumerates what happened to one message for one recipient.
type OutcomeKind string

const (
	OutcomeSentTest     OutcomeKind = "sent_test"
	OutcomeSent         OutcomeKind = "sent"
	OutcomeError        OutcomeKind = "error"
	OutcomeInvalid      OutcomeKind = "invalid"
	OutcomeOpened       OutcomeKind = "opened"
	OutcomeOpenedOnSite OutcomeKind = "opened_on_site"
	OutcomeLinkOpened   OutcomeKind = "link_opened"
	OutcomeUnsubscribed OutcomeKind = "unsubscribed"
)

// QuotaKinds are the outcomes that consume a server's hourly budget.
var QuotaKinds = []OutcomeKind{OutcomeSent, OutcomeSentTest}

// DeliveryOutcome is one immutable entry in the outcome log.
type DeliveryOutcome struct {
	ID         string      `json:"id" db:"id"`
	CampaignID string      `json:"campaign_id" db:"campaign_id"`
	ContactID  string      `json:"contact_id" db:"contact_id"`
	Kind       OutcomeKind `json:"kind" db:"kind"`
	CreatedAt  time.Time   `json:"created_at" db:"created_at"`
}
