package postgres

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ignite/newsletter-dispatch/internal/domain"
	"github.com/ignite/newsletter-dispatch/internal/service/campaign"
)

func setupTestDB(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() {
		assert.NoError(t, mock.ExpectationsWereMet())
		db.Close()
	})
	return NewStore(db), mock
}

var campaignCols = []string{
	"id", "title", "content", "slug", "server_id", "header_sender", "header_reply", "status",
	"sending_date", "created_at", "updated_at", "lists", "testers",
}

func TestGetCampaign(t *testing.T) {
	store, mock := setupTestDB(t)
	created := time.Date(2024, 5, 1, 8, 0, 0, 0, time.UTC)

	mock.ExpectQuery("SELECT .+ FROM newsletter_campaigns c WHERE c.id = \\$1").
		WithArgs("c1").
		WillReturnRows(sqlmock.NewRows(campaignCols).AddRow(
			"c1", "Issue 1", "<p>hi</p>", "issue-1", "srv", "", "", "waiting",
			nil, created, created, []byte("{l1,l2}"), []byte("{qa}"),
		))

	c, err := store.GetCampaign(context.Background(), "c1")
	require.NoError(t, err)
	assert.Equal(t, domain.CampaignWaiting, c.Status)
	assert.Equal(t, []string{"l1", "l2"}, c.ListIDs)
	assert.Equal(t, []string{"qa"}, c.TestContactIDs)
	assert.True(t, c.SendingDate.IsZero())
	assert.True(t, c.Due(created))
}

func TestGetCampaignNotFound(t *testing.T) {
	store, mock := setupTestDB(t)
	mock.ExpectQuery("FROM newsletter_campaigns").WithArgs("missing").WillReturnError(sql.ErrNoRows)

	_, err := store.GetCampaign(context.Background(), "missing")
	assert.ErrorIs(t, err, campaign.ErrNotFound)
}

func TestListDispatchableCampaigns(t *testing.T) {
	store, mock := setupTestDB(t)
	now := time.Now()

	mock.ExpectQuery("WHERE c.status = ANY\\(\\$1\\)").
		WithArgs(pq.Array([]string{"waiting", "sending"})).
		WillReturnRows(sqlmock.NewRows(campaignCols).
			AddRow("a", "A", "", "", "srv", "", "", "waiting", now, now, now, []byte("{}"), []byte("{}")).
			AddRow("b", "B", "", "", "srv", "", "", "sending", now, now, now, []byte("{l1}"), []byte("{}")))

	list, err := store.ListDispatchableCampaigns(context.Background())
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "b", list[1].ID)
	assert.Equal(t, now, list[1].SendingDate)
	assert.Empty(t, list[0].ListIDs)
}

func TestGetServer(t *testing.T) {
	store, mock := setupTestDB(t)
	mock.ExpectQuery("FROM newsletter_servers").
		WithArgs("srv").
		WillReturnRows(sqlmock.NewRows([]string{
			"id", "name", "host", "port", "username", "password", "tls", "transport", "headers", "messages_per_hour",
		}).AddRow("srv", "relay", "smtp.example.com", 587, "u", "p", true, "smtp", "X-Campaign: weekly", 500))

	srv, err := store.GetServer(context.Background(), "srv")
	require.NoError(t, err)
	assert.Equal(t, domain.TransportSMTP, srv.Transport)
	assert.Equal(t, 500, srv.MessagesPerHour)
	assert.Equal(t, "weekly", srv.CustomHeaders()["X-Campaign"])
}

func TestResolveSubscribers(t *testing.T) {
	store, mock := setupTestDB(t)
	mock.ExpectQuery("FROM newsletter_list_subscribers").
		WithArgs("l1").
		WillReturnRows(sqlmock.NewRows([]string{
			"id", "email", "first_name", "last_name", "subscribed", "valid_email", "tester", "tags", "created_at",
		}).
			AddRow("c1", "a@example.org", "Ada", "Lovelace", true, true, false, []byte("{vip}"), time.Now()).
			AddRow("c2", "b@example.org", "", "", true, false, false, []byte("{}"), time.Now()))

	contacts, err := store.ResolveSubscribers(context.Background(), "l1")
	require.NoError(t, err)
	require.Len(t, contacts, 2)
	assert.Equal(t, []string{"vip"}, contacts[0].Tags)
	assert.False(t, contacts[1].ValidEmail)
}

func TestResolveTestContactsUnknownCampaign(t *testing.T) {
	store, mock := setupTestDB(t)
	mock.ExpectQuery("SELECT EXISTS").WithArgs("nope").
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(false))

	_, err := store.ResolveTestContacts(context.Background(), "nope")
	assert.ErrorIs(t, err, campaign.ErrNotFound)
}

func TestSentContactIDs(t *testing.T) {
	store, mock := setupTestDB(t)
	mock.ExpectQuery("SELECT DISTINCT contact_id").
		WithArgs("c1", domain.OutcomeSent).
		WillReturnRows(sqlmock.NewRows([]string{"contact_id"}).AddRow("k1").AddRow("k2"))

	ids, err := store.SentContactIDs(context.Background(), "c1")
	require.NoError(t, err)
	assert.Equal(t, []string{"k1", "k2"}, ids)
}

func TestCountOutcomesByServer(t *testing.T) {
	store, mock := setupTestDB(t)
	since := time.Now().Add(-time.Hour)

	mock.ExpectQuery("JOIN newsletter_campaigns c ON c.id = o.campaign_id WHERE c.server_id = \\$1 AND o.kind = ANY\\(\\$2\\) AND o.created_at >= \\$3").
		WithArgs("srv", pq.Array([]string{"sent", "sent_test"}), since).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(7))

	n, err := store.CountOutcomes(context.Background(), campaign.OutcomeFilter{
		ServerID: "srv",
		Kinds:    domain.QuotaKinds,
		Since:    since,
	})
	require.NoError(t, err)
	assert.Equal(t, 7, n)
}

func TestCountOutcomesByCampaign(t *testing.T) {
	store, mock := setupTestDB(t)
	mock.ExpectQuery("FROM newsletter_outcomes o WHERE o.campaign_id = \\$1$").
		WithArgs("c1").
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(3))

	n, err := store.CountOutcomes(context.Background(), campaign.OutcomeFilter{CampaignID: "c1"})
	require.NoError(t, err)
	assert.Equal(t, 3, n)
}

func TestAppendOutcome(t *testing.T) {
	store, mock := setupTestDB(t)
	mock.ExpectExec("INSERT INTO newsletter_outcomes").
		WithArgs(sqlmock.AnyArg(), "c1", "k1", domain.OutcomeInvalid, sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))

	o := &domain.DeliveryOutcome{CampaignID: "c1", ContactID: "k1", Kind: domain.OutcomeInvalid}
	require.NoError(t, store.AppendOutcome(context.Background(), o))
	assert.NotEmpty(t, o.ID)
	assert.False(t, o.CreatedAt.IsZero())
}

func TestAppendOutcomeError(t *testing.T) {
	store, mock := setupTestDB(t)
	mock.ExpectExec("INSERT INTO newsletter_outcomes").WillReturnError(errors.New("connection reset"))

	err := store.AppendOutcome(context.Background(), &domain.DeliveryOutcome{ID: "x", CampaignID: "c1", ContactID: "k1", Kind: domain.OutcomeSent})
	assert.ErrorContains(t, err, "append outcome")
}

func TestUpdateCampaignStatus(t *testing.T) {
	store, mock := setupTestDB(t)
	mock.ExpectExec("UPDATE newsletter_campaigns SET status").
		WithArgs(domain.CampaignSending, "c1", domain.CampaignWaiting).
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, store.UpdateCampaignStatus(context.Background(), "c1", domain.CampaignWaiting, domain.CampaignSending))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestUpdateCampaignStatusConflict(t *testing.T) {
	store, mock := setupTestDB(t)
	mock.ExpectExec("UPDATE newsletter_campaigns SET status").
		WithArgs(domain.CampaignSent, "c1", domain.CampaignSending).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("SELECT status FROM newsletter_campaigns").
		WithArgs("c1").
		WillReturnRows(sqlmock.NewRows([]string{"status"}).AddRow("canceled"))

	err := store.UpdateCampaignStatus(context.Background(), "c1", domain.CampaignSending, domain.CampaignSent)
	assert.ErrorIs(t, err, campaign.ErrStatusConflict)
	assert.ErrorContains(t, err, "canceled")
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestUpdateCampaignStatusNotFound(t *testing.T) {
	store, mock := setupTestDB(t)
	mock.ExpectExec("UPDATE newsletter_campaigns SET status").
		WithArgs(domain.CampaignSent, "gone", domain.CampaignSending).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("SELECT status FROM newsletter_campaigns").
		WithArgs("gone").
		WillReturnError(sql.ErrNoRows)

	err := store.UpdateCampaignStatus(context.Background(), "gone", domain.CampaignSending, domain.CampaignSent)
	assert.ErrorIs(t, err, campaign.ErrNotFound)
}

func TestUpdateContactValidity(t *testing.T) {
	store, mock := setupTestDB(t)
	mock.ExpectExec("UPDATE newsletter_contacts SET valid_email").
		WithArgs(false, "k1").
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, store.UpdateContactValidity(context.Background(), "k1", false))
}
