package campaign

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"
	"github.com/ignite/newsletter-dispatch/internal/domain"
	"github.com/ignite/newsletter-dispatch/internal/pkg/logger"
	"github.com/ignite/newsletter-dispatch/internal/service/sending"
)

// Service implements campaign business logic for the dispatchers: recipient
// resolution, outcome recording and status transitions. All public methods
// are safe for concurrent use if the underlying repository is.
type Service struct {
	repo Repository
	now  func() time.Time
}

// NewService creates a campaign service backed by the given repository.
func NewService(repo Repository) *Service {
	return &Service{repo: repo, now: time.Now}
}

// SetClock overrides the time source. Used by tests.
func (s *Service) SetClock(now func() time.Time) {
	s.now = now
}

// Repository returns the underlying repository.
func (s *Service) Repository() Repository {
	return s.repo
}

// Get returns a single campaign.
func (s *Service) Get(ctx context.Context, id string) (*domain.Campaign, error) {
	return s.repo.GetCampaign(ctx, id)
}

// ExpeditionSet returns the union of the expedition sets of every list bound
// to the campaign, ignoring delivery history.
func (s *Service) ExpeditionSet(ctx context.Context, c *domain.Campaign) ([]domain.Contact, error) {
	seen := make(map[string]struct{})
	var out []domain.Contact
	for _, listID := range c.ListIDs {
		subs, err := s.repo.ResolveSubscribers(ctx, listID)
		if err != nil {
			return nil, fmt.Errorf("resolve subscribers of list %s: %w", listID, err)
		}
		unsubs, err := s.repo.ResolveUnsubscribers(ctx, listID)
		if err != nil {
			return nil, fmt.Errorf("resolve unsubscribers of list %s: %w", listID, err)
		}
		for _, contact := range domain.ExpeditionSet(subs, unsubs) {
			if _, ok := seen[contact.ID]; ok {
				continue
			}
			seen[contact.ID] = struct{}{}
			out = append(out, contact)
		}
	}
	domain.SortContacts(out)
	return out, nil
}

// ExpeditionList returns the contacts still owed a message, in the stable
// order dispatchers walk them. Test runs always return the test contacts.
func (s *Service) ExpeditionList(ctx context.Context, c *domain.Campaign, test bool) ([]domain.Contact, error) {
	if test {
		contacts, err := s.repo.ResolveTestContacts(ctx, c.ID)
		if err != nil {
			return nil, fmt.Errorf("resolve test contacts: %w", err)
		}
		return contacts, nil
	}

	all, err := s.ExpeditionSet(ctx, c)
	if err != nil {
		return nil, err
	}
	sentIDs, err := s.repo.SentContactIDs(ctx, c.ID)
	if err != nil {
		return nil, fmt.Errorf("load sent contacts: %w", err)
	}
	sent := make(map[string]struct{}, len(sentIDs))
	for _, id := range sentIDs {
		sent[id] = struct{}{}
	}

	out := make([]domain.Contact, 0, len(all))
	for _, contact := range all {
		if _, ok := sent[contact.ID]; !ok {
			out = append(out, contact)
		}
	}
	return out, nil
}

// Classify maps the result of a delivery attempt to an outcome kind.
func Classify(sendErr error, test bool) domain.OutcomeKind {
	switch {
	case sendErr == nil && test:
		return domain.OutcomeSentTest
	case sendErr == nil:
		return domain.OutcomeSent
	case sending.IsRecipientFault(sendErr):
		return domain.OutcomeInvalid
	default:
		return domain.OutcomeError
	}
}

// RecordOutcome classifies a delivery attempt, marks the contact invalid
// when the recipient itself is at fault, and appends the outcome.
func (s *Service) RecordOutcome(ctx context.Context, c *domain.Campaign, contact *domain.Contact, sendErr error, test bool) (domain.OutcomeKind, error) {
	kind := Classify(sendErr, test)

	switch kind {
	case domain.OutcomeInvalid:
		if err := s.repo.UpdateContactValidity(ctx, contact.ID, false); err != nil {
			return kind, fmt.Errorf("invalidate contact %s: %w", contact.ID, err)
		}
		contact.ValidEmail = false
		logger.Warn("recipient invalid", "campaign_id", c.ID, "email", contact.Email, "error", sendErr)
	case domain.OutcomeError:
		logger.Error("delivery failed", "campaign_id", c.ID, "email", contact.Email, "error", sendErr)
	}

	o := &domain.DeliveryOutcome{
		ID:         uuid.New().String(),
		CampaignID: c.ID,
		ContactID:  contact.ID,
		Kind:       kind,
		CreatedAt:  s.now().UTC(),
	}
	if err := s.repo.AppendOutcome(ctx, o); err != nil {
		return kind, fmt.Errorf("append outcome: %w", err)
	}
	return kind, nil
}

// MailsSent counts the sent outcomes of a campaign. Test sends are excluded.
func (s *Service) MailsSent(ctx context.Context, campaignID string) (int, error) {
	return s.repo.CountOutcomes(ctx, OutcomeFilter{
		CampaignID: campaignID,
		Kinds:      []domain.OutcomeKind{domain.OutcomeSent},
	})
}

// MarkSending moves a waiting campaign to sending. Other statuses are left
// alone. c is updated in place. If the stored status moved on since c was
// read (an operator cancel, say), c takes the stored status and the error
// wraps ErrStatusConflict unless the campaign is already sending.
func (s *Service) MarkSending(ctx context.Context, c *domain.Campaign) error {
	if c.Status != domain.CampaignWaiting {
		return nil
	}
	err := s.repo.UpdateCampaignStatus(ctx, c.ID, domain.CampaignWaiting, domain.CampaignSending)
	if errors.Is(err, ErrStatusConflict) {
		fresh, gerr := s.repo.GetCampaign(ctx, c.ID)
		if gerr != nil {
			return gerr
		}
		c.Status = fresh.Status
		if c.Status == domain.CampaignSending {
			return nil
		}
		return fmt.Errorf("transition to sending: %w", err)
	}
	if err != nil {
		return fmt.Errorf("transition to sending: %w", err)
	}
	c.Status = domain.CampaignSending
	log.Printf("[campaign.Service] Campaign %s: waiting -> sending", c.ID)
	return nil
}

// RefreshStatus recomputes a campaign's status from the outcome log. A
// campaign is sent once its sent count reaches the size of its current
// expedition set; the set is recomputed each time, so contacts joining a
// bound list after sending began keep the campaign in sending until they
// are mailed too. Test runs never change status.
func (s *Service) RefreshStatus(ctx context.Context, campaignID string, test bool) (domain.CampaignStatus, error) {
	c, err := s.repo.GetCampaign(ctx, campaignID)
	if err != nil {
		return "", err
	}
	if test {
		return c.Status, nil
	}

	if err := s.MarkSending(ctx, c); err != nil {
		return c.Status, err
	}
	if c.Status != domain.CampaignSending {
		return c.Status, nil
	}

	owed, err := s.ExpeditionSet(ctx, c)
	if err != nil {
		return c.Status, err
	}
	sent, err := s.MailsSent(ctx, c.ID)
	if err != nil {
		return c.Status, fmt.Errorf("count sent: %w", err)
	}
	if sent >= len(owed) {
		err := s.repo.UpdateCampaignStatus(ctx, c.ID, domain.CampaignSending, domain.CampaignSent)
		if errors.Is(err, ErrStatusConflict) {
			fresh, gerr := s.repo.GetCampaign(ctx, c.ID)
			if gerr != nil {
				return c.Status, gerr
			}
			log.Printf("[campaign.Service] Campaign %s: became %s while counting, left as is", c.ID, fresh.Status)
			return fresh.Status, nil
		}
		if err != nil {
			return c.Status, fmt.Errorf("transition to sent: %w", err)
		}
		c.Status = domain.CampaignSent
		log.Printf("[campaign.Service] Campaign %s: sent (%d/%d)", c.ID, sent, len(owed))
	}
	return c.Status, nil
}

// MarkWaiting is the operator action that readies a draft for dispatch.
func (s *Service) MarkWaiting(ctx context.Context, id string) error {
	return s.transition(ctx, id, domain.CampaignWaiting)
}

// Cancel is the operator action that stops a waiting or sending campaign.
func (s *Service) Cancel(ctx context.Context, id string) error {
	return s.transition(ctx, id, domain.CampaignCanceled)
}

// transitionAttempts bounds retries when a dispatcher moves the campaign
// between the read and the write.
const transitionAttempts = 3

func (s *Service) transition(ctx context.Context, id string, next domain.CampaignStatus) error {
	var err error
	for attempt := 0; attempt < transitionAttempts; attempt++ {
		var c *domain.Campaign
		if c, err = s.repo.GetCampaign(ctx, id); err != nil {
			return err
		}
		if !c.Status.CanTransition(next) {
			return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, c.Status, next)
		}
		err = s.repo.UpdateCampaignStatus(ctx, id, c.Status, next)
		if errors.Is(err, ErrStatusConflict) {
			continue
		}
		if err != nil {
			return err
		}
		log.Printf("[campaign.Service] Campaign %s: %s -> %s", id, c.Status, next)
		return nil
	}
	return err
}

// IsNotFound reports whether err is a missing-record error.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}
