package campaign

import (
	"context"
	"time"

	"github.com/ignite/newsletter-dispatch/internal/domain"
)

// Repository defines the data access contract for the dispatch engine.
// Implementations must be safe for concurrent use; the outcome log is the
// only state written by more than one dispatcher.
type Repository interface {
	// GetCampaign returns a single campaign with its list and test-contact
	// bindings. Returns ErrNotFound if it doesn't exist.
	GetCampaign(ctx context.Context, id string) (*domain.Campaign, error)

	// ListCampaignsByServer returns every campaign bound to the server.
	ListCampaignsByServer(ctx context.Context, serverID string) ([]domain.Campaign, error)

	// ListDispatchableCampaigns returns campaigns in waiting or sending status.
	ListDispatchableCampaigns(ctx context.Context) ([]domain.Campaign, error)

	// GetServer returns a server. Returns ErrNotFound if it doesn't exist.
	GetServer(ctx context.Context, id string) (*domain.Server, error)

	// ResolveSubscribers returns the list's subscribers, unfiltered.
	ResolveSubscribers(ctx context.Context, listID string) ([]domain.Contact, error)

	// ResolveUnsubscribers returns the contacts who opted out of the list.
	ResolveUnsubscribers(ctx context.Context, listID string) ([]domain.Contact, error)

	// ResolveTestContacts returns the campaign's test recipients.
	ResolveTestContacts(ctx context.Context, campaignID string) ([]domain.Contact, error)

	// SentContactIDs returns the IDs of contacts holding a sent outcome for
	// the campaign.
	SentContactIDs(ctx context.Context, campaignID string) ([]string, error)

	// CountOutcomes counts outcome log entries matching the filter.
	CountOutcomes(ctx context.Context, f OutcomeFilter) (int, error)

	// AppendOutcome adds one entry to the outcome log.
	AppendOutcome(ctx context.Context, o *domain.DeliveryOutcome) error

	// UpdateCampaignStatus moves a campaign from one status to another.
	// Returns ErrStatusConflict if the stored status is no longer from.
	UpdateCampaignStatus(ctx context.Context, id string, from, to domain.CampaignStatus) error

	// UpdateContactValidity flips a contact's validEmail flag.
	UpdateContactValidity(ctx context.Context, contactID string, valid bool) error
}

// OutcomeFilter selects outcome log entries. Exactly one of ServerID or
// CampaignID is normally set. A zero Since means no lower time bound.
type OutcomeFilter struct {
	ServerID   string
	CampaignID string
	Kinds      []domain.OutcomeKind
	Since      time.Time
}
