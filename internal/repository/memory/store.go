// Package memory is an in-process implementation of campaign.Repository.
// It backs the unit tests of the campaign service, the dispatch workers and
// the ops API.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/ignite/newsletter-dispatch/internal/domain"
	"github.com/ignite/newsletter-dispatch/internal/service/campaign"
)

// Store keeps every record in maps guarded by a single mutex. Returned
// values are copies.
type Store struct {
	mu            sync.Mutex
	contacts      map[string]*domain.Contact
	lists         map[string]*domain.MailingList
	subscribers   map[string][]string // list id -> contact ids
	unsubscribers map[string][]string // list id -> contact ids
	servers       map[string]*domain.Server
	campaigns     map[string]*domain.Campaign
	outcomes      []domain.DeliveryOutcome
}

// NewStore returns an empty store.
func NewStore() *Store {
	return &Store{
		contacts:      make(map[string]*domain.Contact),
		lists:         make(map[string]*domain.MailingList),
		subscribers:   make(map[string][]string),
		unsubscribers: make(map[string][]string),
		servers:       make(map[string]*domain.Server),
		campaigns:     make(map[string]*domain.Campaign),
	}
}

// PutContact inserts or replaces a contact.
func (s *Store) PutContact(c domain.Contact) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.contacts[c.ID] = &c
}

// Contact returns a copy of a stored contact.
func (s *Store) Contact(id string) (domain.Contact, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.contacts[id]
	if !ok {
		return domain.Contact{}, false
	}
	return *c, true
}

// PutList inserts or replaces a mailing list.
func (s *Store) PutList(l domain.MailingList) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lists[l.ID] = &l
}

// Subscribe adds contacts to a list's subscribers.
func (s *Store) Subscribe(listID string, contactIDs ...string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.subscribers[listID] = append(s.subscribers[listID], contactIDs...)
}

// Unsubscribe adds contacts to a list's unsubscribers.
func (s *Store) Unsubscribe(listID string, contactIDs ...string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.unsubscribers[listID] = append(s.unsubscribers[listID], contactIDs...)
}

// PutServer inserts or replaces a server.
func (s *Store) PutServer(srv domain.Server) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.servers[srv.ID] = &srv
}

// PutCampaign inserts or replaces a campaign.
func (s *Store) PutCampaign(c domain.Campaign) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.campaigns[c.ID] = &c
}

// Outcomes returns a copy of the outcome log in insertion order.
func (s *Store) Outcomes() []domain.DeliveryOutcome {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.DeliveryOutcome, len(s.outcomes))
	copy(out, s.outcomes)
	return out
}

func (s *Store) GetCampaign(_ context.Context, id string) (*domain.Campaign, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.campaigns[id]
	if !ok {
		return nil, campaign.ErrNotFound
	}
	cp := *c
	return &cp, nil
}

func (s *Store) ListCampaignsByServer(_ context.Context, serverID string) ([]domain.Campaign, error) {
	return s.filterCampaigns(func(c *domain.Campaign) bool { return c.ServerID == serverID }), nil
}

func (s *Store) ListDispatchableCampaigns(_ context.Context) ([]domain.Campaign, error) {
	return s.filterCampaigns(func(c *domain.Campaign) bool { return c.Status.Dispatchable() }), nil
}

func (s *Store) filterCampaigns(keep func(*domain.Campaign) bool) []domain.Campaign {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.Campaign
	for _, c := range s.campaigns {
		if keep(c) {
			out = append(out, *c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (s *Store) GetServer(_ context.Context, id string) (*domain.Server, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	srv, ok := s.servers[id]
	if !ok {
		return nil, campaign.ErrNotFound
	}
	cp := *srv
	return &cp, nil
}

func (s *Store) ResolveSubscribers(_ context.Context, listID string) ([]domain.Contact, error) {
	return s.resolve(s.subscribers, listID), nil
}

func (s *Store) ResolveUnsubscribers(_ context.Context, listID string) ([]domain.Contact, error) {
	return s.resolve(s.unsubscribers, listID), nil
}

func (s *Store) resolve(members map[string][]string, listID string) []domain.Contact {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.contactsByID(members[listID])
}

func (s *Store) contactsByID(ids []string) []domain.Contact {
	out := make([]domain.Contact, 0, len(ids))
	for _, id := range ids {
		if c, ok := s.contacts[id]; ok {
			out = append(out, *c)
		}
	}
	return out
}

func (s *Store) ResolveTestContacts(_ context.Context, campaignID string) ([]domain.Contact, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.campaigns[campaignID]
	if !ok {
		return nil, campaign.ErrNotFound
	}
	return s.contactsByID(c.TestContactIDs), nil
}

func (s *Store) SentContactIDs(_ context.Context, campaignID string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	seen := make(map[string]struct{})
	var out []string
	for _, o := range s.outcomes {
		if o.CampaignID != campaignID || o.Kind != domain.OutcomeSent {
			continue
		}
		if _, ok := seen[o.ContactID]; ok {
			continue
		}
		seen[o.ContactID] = struct{}{}
		out = append(out, o.ContactID)
	}
	return out, nil
}

func (s *Store) CountOutcomes(_ context.Context, f campaign.OutcomeFilter) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, o := range s.outcomes {
		if f.CampaignID != "" && o.CampaignID != f.CampaignID {
			continue
		}
		if f.ServerID != "" {
			c, ok := s.campaigns[o.CampaignID]
			if !ok || c.ServerID != f.ServerID {
				continue
			}
		}
		if len(f.Kinds) > 0 && !hasKind(f.Kinds, o.Kind) {
			continue
		}
		if !f.Since.IsZero() && o.CreatedAt.Before(f.Since) {
			continue
		}
		n++
	}
	return n, nil
}

func hasKind(kinds []domain.OutcomeKind, k domain.OutcomeKind) bool {
	for _, kind := range kinds {
		if kind == k {
			return true
		}
	}
	return false
}

func (s *Store) AppendOutcome(_ context.Context, o *domain.DeliveryOutcome) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.outcomes = append(s.outcomes, *o)
	return nil
}

func (s *Store) UpdateCampaignStatus(_ context.Context, id string, from, to domain.CampaignStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.campaigns[id]
	if !ok {
		return campaign.ErrNotFound
	}
	if c.Status != from {
		return fmt.Errorf("%w: %s is %s, not %s", campaign.ErrStatusConflict, id, c.Status, from)
	}
	c.Status = to
	return nil
}

func (s *Store) UpdateContactValidity(_ context.Context, contactID string, valid bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.contacts[contactID]
	if !ok {
		return campaign.ErrNotFound
	}
	c.ValidEmail = valid
	return nil
}

var _ campaign.Repository = (*Store)(nil)
