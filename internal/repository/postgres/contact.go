package postgres

import (
	"context"
	"fmt"

	"github.com/lib/pq"

	"github.com/ignite/newsletter-dispatch/internal/domain"
	"github.com/ignite/newsletter-dispatch/internal/service/campaign"
)

const contactColumns = `
	ct.id, ct.email, COALESCE(ct.first_name,''), COALESCE(ct.last_name,''),
	ct.subscribed, ct.valid_email, ct.tester, COALESCE(ct.tags, '{}'), ct.created_at`

func (s *Store) ResolveSubscribers(ctx context.Context, listID string) ([]domain.Contact, error) {
	return s.queryContacts(ctx, `
		SELECT `+contactColumns+`
		FROM newsletter_list_subscribers m
		JOIN newsletter_contacts ct ON ct.id = m.contact_id
		WHERE m.list_id = $1
		ORDER BY ct.id`, listID)
}

func (s *Store) ResolveUnsubscribers(ctx context.Context, listID string) ([]domain.Contact, error) {
	return s.queryContacts(ctx, `
		SELECT `+contactColumns+`
		FROM newsletter_list_unsubscribers m
		JOIN newsletter_contacts ct ON ct.id = m.contact_id
		WHERE m.list_id = $1
		ORDER BY ct.id`, listID)
}

// ResolveTestContacts keeps the order the operator entered them in.
func (s *Store) ResolveTestContacts(ctx context.Context, campaignID string) ([]domain.Contact, error) {
	var exists bool
	if err := s.db.QueryRowContext(ctx,
		`SELECT EXISTS(SELECT 1 FROM newsletter_campaigns WHERE id = $1)`, campaignID,
	).Scan(&exists); err != nil {
		return nil, fmt.Errorf("check campaign: %w", err)
	}
	if !exists {
		return nil, campaign.ErrNotFound
	}
	return s.queryContacts(ctx, `
		SELECT `+contactColumns+`
		FROM newsletter_campaign_test_contacts t
		JOIN newsletter_contacts ct ON ct.id = t.contact_id
		WHERE t.campaign_id = $1
		ORDER BY t.position`, campaignID)
}

func (s *Store) queryContacts(ctx context.Context, q string, args ...interface{}) ([]domain.Contact, error) {
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("query contacts: %w", err)
	}
	defer rows.Close()

	out := []domain.Contact{}
	for rows.Next() {
		var c domain.Contact
		var tags pq.StringArray
		if err := rows.Scan(
			&c.ID, &c.Email, &c.FirstName, &c.LastName,
			&c.Subscribed, &c.ValidEmail, &c.Tester, &tags, &c.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan contact: %w", err)
		}
		c.Tags = []string(tags)
		out = append(out, c)
	}
	return out, rows.Err()
}

func (s *Store) UpdateContactValidity(ctx context.Context, contactID string, valid bool) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE newsletter_contacts SET valid_email = $1 WHERE id = $2`,
		valid, contactID,
	)
	if err != nil {
		return fmt.Errorf("update contact validity: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return campaign.ErrNotFound
	}
	return nil
}
