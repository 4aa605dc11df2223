package postgres

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/ignite/newsletter-dispatch/internal/domain"
	"github.com/ignite/newsletter-dispatch/internal/service/campaign"
)

func (s *Store) SentContactIDs(ctx context.Context, campaignID string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT DISTINCT contact_id
		FROM newsletter_outcomes
		WHERE campaign_id = $1 AND kind = $2
	`, campaignID, domain.OutcomeSent)
	if err != nil {
		return nil, fmt.Errorf("sent contacts: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan contact id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// CountOutcomes attributes outcomes to a server through their campaign.
func (s *Store) CountOutcomes(ctx context.Context, f campaign.OutcomeFilter) (int, error) {
	q := `SELECT COUNT(*) FROM newsletter_outcomes o`
	var where []string
	var args []interface{}
	arg := func(v interface{}) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}

	if f.ServerID != "" {
		q += ` JOIN newsletter_campaigns c ON c.id = o.campaign_id`
		where = append(where, "c.server_id = "+arg(f.ServerID))
	}
	if f.CampaignID != "" {
		where = append(where, "o.campaign_id = "+arg(f.CampaignID))
	}
	if len(f.Kinds) > 0 {
		kinds := make([]string, len(f.Kinds))
		for i, k := range f.Kinds {
			kinds[i] = string(k)
		}
		where = append(where, "o.kind = ANY("+arg(pq.Array(kinds))+")")
	}
	if !f.Since.IsZero() {
		where = append(where, "o.created_at >= "+arg(f.Since))
	}
	if len(where) > 0 {
		q += " WHERE " + strings.Join(where, " AND ")
	}

	var n int
	if err := s.db.QueryRowContext(ctx, q, args...).Scan(&n); err != nil {
		return 0, fmt.Errorf("count outcomes: %w", err)
	}
	return n, nil
}

func (s *Store) AppendOutcome(ctx context.Context, o *domain.DeliveryOutcome) error {
	if o.ID == "" {
		o.ID = uuid.New().String()
	}
	if o.CreatedAt.IsZero() {
		o.CreatedAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO newsletter_outcomes (id, campaign_id, contact_id, kind, created_at)
		VALUES ($1, $2, $3, $4, $5)
	`, o.ID, o.CampaignID, o.ContactID, o.Kind, o.CreatedAt)
	if err != nil {
		return fmt.Errorf("append outcome: %w", err)
	}
	return nil
}
