package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/lib/pq"

	"github.com/ignite/newsletter-dispatch/internal/domain"
	"github.com/ignite/newsletter-dispatch/internal/service/campaign"
)

// Store implements campaign.Repository against PostgreSQL.
type Store struct{ db *sql.DB }

// NewStore creates a Postgres-backed dispatch store.
func NewStore(db *sql.DB) *Store { return &Store{db: db} }

var _ campaign.Repository = (*Store)(nil)

const campaignColumns = `
	c.id, c.title, c.content, COALESCE(c.slug,''), c.server_id,
	COALESCE(c.header_sender,''), COALESCE(c.header_reply,''), c.status,
	c.sending_date, c.created_at, c.updated_at,
	ARRAY(SELECT list_id FROM newsletter_campaign_lists WHERE campaign_id = c.id ORDER BY list_id),
	ARRAY(SELECT contact_id FROM newsletter_campaign_test_contacts WHERE campaign_id = c.id ORDER BY position)`

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanCampaign(row rowScanner) (*domain.Campaign, error) {
	c := &domain.Campaign{}
	var sendingDate sql.NullTime
	var lists, testers pq.StringArray
	if err := row.Scan(
		&c.ID, &c.Title, &c.Content, &c.Slug, &c.ServerID,
		&c.HeaderSender, &c.HeaderReply, &c.Status,
		&sendingDate, &c.CreatedAt, &c.UpdatedAt,
		&lists, &testers,
	); err != nil {
		return nil, err
	}
	// A campaign without a sending date is due immediately.
	if sendingDate.Valid {
		c.SendingDate = sendingDate.Time
	}
	c.ListIDs = []string(lists)
	c.TestContactIDs = []string(testers)
	return c, nil
}

func (s *Store) GetCampaign(ctx context.Context, id string) (*domain.Campaign, error) {
	c, err := scanCampaign(s.db.QueryRowContext(ctx,
		`SELECT `+campaignColumns+` FROM newsletter_campaigns c WHERE c.id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, campaign.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get campaign: %w", err)
	}
	return c, nil
}

func (s *Store) ListCampaignsByServer(ctx context.Context, serverID string) ([]domain.Campaign, error) {
	return s.listCampaigns(ctx,
		`SELECT `+campaignColumns+` FROM newsletter_campaigns c WHERE c.server_id = $1 ORDER BY c.id`, serverID)
}

func (s *Store) ListDispatchableCampaigns(ctx context.Context) ([]domain.Campaign, error) {
	return s.listCampaigns(ctx,
		`SELECT `+campaignColumns+` FROM newsletter_campaigns c WHERE c.status = ANY($1) ORDER BY c.id`,
		pq.Array([]string{string(domain.CampaignWaiting), string(domain.CampaignSending)}))
}

func (s *Store) listCampaigns(ctx context.Context, q string, args ...interface{}) ([]domain.Campaign, error) {
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("list campaigns: %w", err)
	}
	defer rows.Close()

	var out []domain.Campaign
	for rows.Next() {
		c, err := scanCampaign(rows)
		if err != nil {
			return nil, fmt.Errorf("scan campaign: %w", err)
		}
		out = append(out, *c)
	}
	return out, rows.Err()
}

func (s *Store) UpdateCampaignStatus(ctx context.Context, id string, from, to domain.CampaignStatus) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE newsletter_campaigns SET status = $1, updated_at = NOW() WHERE id = $2 AND status = $3`,
		to, id, from,
	)
	if err != nil {
		return fmt.Errorf("update campaign status: %w", err)
	}
	if n, _ := res.RowsAffected(); n > 0 {
		return nil
	}

	var current domain.CampaignStatus
	err = s.db.QueryRowContext(ctx, `SELECT status FROM newsletter_campaigns WHERE id = $1`, id).Scan(&current)
	if errors.Is(err, sql.ErrNoRows) {
		return campaign.ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("read campaign status: %w", err)
	}
	return fmt.Errorf("%w: %s is %s, not %s", campaign.ErrStatusConflict, id, current, from)
}

func (s *Store) GetServer(ctx context.Context, id string) (*domain.Server, error) {
	srv := &domain.Server{}
	err := s.db.QueryRowContext(ctx, `
		SELECT id, name, host, port, COALESCE(username,''), COALESCE(password,''),
		       tls, transport, COALESCE(headers,''), messages_per_hour
		FROM newsletter_servers
		WHERE id = $1
	`, id).Scan(
		&srv.ID, &srv.Name, &srv.Host, &srv.Port, &srv.Username, &srv.Password,
		&srv.TLS, &srv.Transport, &srv.Headers, &srv.MessagesPerHour,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, campaign.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get server: %w", err)
	}
	return srv, nil
}
