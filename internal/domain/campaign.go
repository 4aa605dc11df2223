package domain

import (
	"time"
)

// CampaignStatus enumerates the lifecycle states of a campaign.
type CampaignStatus string

const (
	CampaignDraft    CampaignStatus = "draft"
	CampaignWaiting  CampaignStatus = "waiting"
	CampaignSending  CampaignStatus = "sending"
	CampaignSent     CampaignStatus = "sent"
	CampaignCanceled CampaignStatus = "canceled"
)

// campaignTransitions lists the forward moves allowed for each status.
// Sent and Canceled are terminal.
var campaignTransitions = map[CampaignStatus][]CampaignStatus{
	CampaignDraft:   {CampaignWaiting},
	CampaignWaiting: {CampaignSending, CampaignCanceled},
	CampaignSending: {CampaignSent, CampaignCanceled},
}

// Valid reports whether s is a known status.
func (s CampaignStatus) Valid() bool {
	switch s {
	case CampaignDraft, CampaignWaiting, CampaignSending, CampaignSent, CampaignCanceled:
		return true
	}
	return false
}

// CanTransition reports whether a campaign may move from s to next.
func (s CampaignStatus) CanTransition(next CampaignStatus) bool {
	for _, allowed := range campaignTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// Dispatchable reports whether a dispatcher may send for a campaign in this status.
func (s CampaignStatus) Dispatchable() bool {
	return s == CampaignWaiting || s == CampaignSending
}

// Campaign is one newsletter send job. Title and Content are templates
// rendered per recipient.
type Campaign struct {
	ID             string         `json:"id" db:"id"`
	Title          string         `json:"title" db:"title"`
	Content        string         `json:"content" db:"content"`
	Slug           string         `json:"slug" db:"slug"`
	ListIDs        []string       `json:"list_ids" db:"-"`
	TestContactIDs []string       `json:"test_contact_ids" db:"-"`
	ServerID       string         `json:"server_id" db:"server_id"`
	HeaderSender   string         `json:"header_sender" db:"header_sender"`
	HeaderReply    string         `json:"header_reply" db:"header_reply"`
	Status         CampaignStatus `json:"status" db:"status"`
	SendingDate    time.Time      `json:"sending_date" db:"sending_date"`
	CreatedAt      time.Time      `json:"created_at" db:"created_at"`
	UpdatedAt      time.Time      `json:"updated_at" db:"updated_at"`
}

// IsTerminal returns true if the campaign is in a final state.
func (c *Campaign) IsTerminal() bool {
	return c.Status == CampaignSent || c.Status == CampaignCanceled
}

// Due reports whether the campaign's sending date has been reached at now.
func (c *Campaign) Due(now time.Time) bool {
	return !c.SendingDate.After(now)
}
