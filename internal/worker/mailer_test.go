package worker

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ignite/newsletter-dispatch/internal/domain"
	"github.com/ignite/newsletter-dispatch/internal/service/sending"
)

func newTestMailer(env *testEnv, opts Options) *Mailer {
	return NewMailer(env.campaigns, env.builder, env.transport, opts)
}

func runCampaign(t *testing.T, m *Mailer, env *testEnv, id string) *RunSummary {
	t.Helper()
	c, err := env.campaigns.Get(context.Background(), id)
	require.NoError(t, err)
	summary, err := m.Run(context.Background(), c)
	require.NoError(t, err)
	return summary
}

func TestMailerFailureIsolation(t *testing.T) {
	env := newTestEnv(t)
	env.addServer("srv", 0)
	env.addCampaign("A", "srv", 4)
	env.transport.failures["A2@example.org"] = fmt.Errorf("550 5.1.1 user unknown: %w", sending.ErrRecipientRejected)

	summary := runCampaign(t, newTestMailer(env, Options{}), env, "A")

	assert.Equal(t, []domain.OutcomeKind{
		domain.OutcomeSent, domain.OutcomeInvalid, domain.OutcomeSent, domain.OutcomeSent,
	}, env.outcomeKinds("A"))
	assert.Equal(t, 4, summary.Attempted)
	assert.Equal(t, 3, summary.Sent)
	assert.Equal(t, 1, summary.Invalid)

	contact, _ := env.store.Contact("A2")
	assert.False(t, contact.ValidEmail)

	// The invalid contact leaves the expedition set, so three sends complete it.
	assert.Equal(t, domain.CampaignSent, summary.Status)
	assert.Equal(t, domain.CampaignSent, env.status(t, "A"))

	_, closes := env.transport.counts()
	assert.Equal(t, 1, closes)
}

func TestMailerTransientErrorRetriedNextRun(t *testing.T) {
	env := newTestEnv(t)
	env.addServer("srv", 0)
	env.addCampaign("A", "srv", 4)
	env.transport.failures["A2@example.org"] = errors.New("451 4.3.0 try again later")

	m := newTestMailer(env, Options{})
	summary := runCampaign(t, m, env, "A")
	assert.Equal(t, []domain.OutcomeKind{
		domain.OutcomeSent, domain.OutcomeError, domain.OutcomeSent, domain.OutcomeSent,
	}, env.outcomeKinds("A"))
	assert.Equal(t, 1, summary.Errors)
	assert.Equal(t, domain.CampaignSending, env.status(t, "A"))

	contact, _ := env.store.Contact("A2")
	assert.True(t, contact.ValidEmail)

	delete(env.transport.failures, "A2@example.org")
	summary = runCampaign(t, m, env, "A")
	assert.Equal(t, 1, summary.Attempted)
	assert.Equal(t, domain.CampaignSent, summary.Status)
	assert.Equal(t, []string{"A1@example.org", "A3@example.org", "A4@example.org", "A2@example.org"}, env.transport.Sent())
}

func TestMailerTruncatesToCredits(t *testing.T) {
	env := newTestEnv(t)
	env.addServer("srv", 2)
	env.addCampaign("A", "srv", 4)

	m := newTestMailer(env, Options{})
	summary := runCampaign(t, m, env, "A")
	assert.Equal(t, 2, summary.Attempted)
	assert.Equal(t, domain.CampaignSending, summary.Status)

	// The hour is used up.
	summary = runCampaign(t, m, env, "A")
	assert.True(t, summary.Skipped)
	assert.Len(t, env.transport.Sent(), 2)
}

func TestMailerCanSend(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	env.addServer("srv", 10)
	srv, _ := env.store.GetServer(ctx, "srv")
	clock := newFakeClock()

	m := newTestMailer(env, Options{})
	m.now = clock.Now

	cases := []struct {
		name string
		c    domain.Campaign
		want bool
	}{
		{"waiting and due", domain.Campaign{Status: domain.CampaignWaiting, SendingDate: clock.Now()}, true},
		{"sending", domain.Campaign{Status: domain.CampaignSending}, true},
		{"not yet due", domain.Campaign{Status: domain.CampaignWaiting, SendingDate: clock.Now().Add(time.Minute)}, false},
		{"draft", domain.Campaign{Status: domain.CampaignDraft}, false},
		{"sent", domain.Campaign{Status: domain.CampaignSent}, false},
		{"canceled", domain.Campaign{Status: domain.CampaignCanceled}, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			ok, err := m.CanSend(ctx, &tc.c, srv)
			require.NoError(t, err)
			assert.Equal(t, tc.want, ok)
		})
	}

	test := newTestMailer(env, Options{Test: true})
	ok, err := test.CanSend(ctx, &domain.Campaign{Status: domain.CampaignDraft}, srv)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestMailerCanSendNoCredits(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	env.addServer("srv", 1)
	env.addCampaign("A", "srv", 1)
	require.NoError(t, env.store.AppendOutcome(ctx, &domain.DeliveryOutcome{
		ID: "o", CampaignID: "A", ContactID: "A1", Kind: domain.OutcomeSentTest, CreatedAt: time.Now(),
	}))
	srv, _ := env.store.GetServer(ctx, "srv")
	c, _ := env.campaigns.Get(ctx, "A")

	ok, err := newTestMailer(env, Options{}).CanSend(ctx, c, srv)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestMailerTestMode(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	env.addServer("srv", 0)
	env.addCampaign("A", "srv", 3)
	env.store.PutContact(domain.Contact{ID: "qa", Email: "qa@example.com", Tester: true})
	c, _ := env.campaigns.Get(ctx, "A")
	c.TestContactIDs = []string{"qa", "A1"}
	c.Status = domain.CampaignDraft
	env.store.PutCampaign(*c)
	require.NoError(t, env.store.AppendOutcome(ctx, &domain.DeliveryOutcome{
		ID: "o", CampaignID: "A", ContactID: "A1", Kind: domain.OutcomeSent, CreatedAt: time.Now(),
	}))

	m := newTestMailer(env, Options{Test: true})
	for run := 0; run < 2; run++ {
		summary := runCampaign(t, m, env, "A")
		assert.Equal(t, 2, summary.Sent)
		assert.Equal(t, domain.CampaignDraft, summary.Status)
	}

	assert.Equal(t, []string{"qa@example.com", "A1@example.org", "qa@example.com", "A1@example.org"}, env.transport.Sent())
	assert.Equal(t, domain.CampaignDraft, env.status(t, "A"))
	kinds := env.outcomeKinds("A")
	assert.Len(t, kinds, 5)
	for _, k := range kinds[1:] {
		assert.Equal(t, domain.OutcomeSentTest, k)
	}
}

func TestMailerConnectionFailure(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	env.addServer("srv", 0)
	env.addCampaign("A", "srv", 2)
	env.transport.connectErr = errors.New("connection refused")

	c, _ := env.campaigns.Get(ctx, "A")
	_, err := newTestMailer(env, Options{}).Run(ctx, c)
	require.Error(t, err)
	assert.ErrorIs(t, err, sending.ErrConnection)
	assert.Empty(t, env.store.Outcomes())
	assert.Equal(t, domain.CampaignWaiting, env.status(t, "A"))
}

func TestMailerReconnectsAfterSessionLoss(t *testing.T) {
	env := newTestEnv(t)
	env.addServer("srv", 0)
	env.addCampaign("A", "srv", 3)
	env.transport.failures["A1@example.org"] = fmt.Errorf("DATA: %w", sending.ErrSessionLost)

	summary := runCampaign(t, newTestMailer(env, Options{}), env, "A")
	assert.Equal(t, []domain.OutcomeKind{domain.OutcomeError, domain.OutcomeSent, domain.OutcomeSent}, env.outcomeKinds("A"))
	assert.Equal(t, 2, summary.Sent)

	connects, closes := env.transport.counts()
	assert.Equal(t, 2, connects)
	assert.Equal(t, 2, closes)
}

func TestMailerReconnectFailureIsFatal(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	env.addServer("srv", 0)
	env.addCampaign("A", "srv", 3)
	env.transport.connectErr = errors.New("connection refused")
	env.transport.connectOK = 1

	c, _ := env.campaigns.Get(ctx, "A")
	summary, err := newTestMailer(env, Options{RestartConnection: true}).Run(ctx, c)
	assert.ErrorIs(t, err, sending.ErrConnection)
	assert.Equal(t, 1, summary.Attempted)
	assert.Equal(t, []domain.OutcomeKind{domain.OutcomeSent}, env.outcomeKinds("A"))
}

func TestMailerRestartAndSleepBetweenSending(t *testing.T) {
	env := newTestEnv(t)
	env.addServer("srv", 0)
	env.addCampaign("A", "srv", 3)
	clock := newFakeClock()

	m := newTestMailer(env, Options{RestartConnection: true, SleepBetweenSending: 250 * time.Millisecond})
	m.sleep = clock.Sleep
	runCampaign(t, m, env, "A")

	connects, closes := env.transport.counts()
	assert.Equal(t, 4, connects)
	assert.Equal(t, 4, closes)
	assert.Equal(t, []time.Duration{250 * time.Millisecond, 250 * time.Millisecond, 250 * time.Millisecond}, clock.Sleeps())
}

func TestMailerPermanentContentHaltsCampaign(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	env.addServer("srv", 0)
	env.addCampaign("A", "srv", 3)
	c, _ := env.campaigns.Get(ctx, "A")
	c.Content = "{% if contact.email %}unterminated"
	env.store.PutCampaign(*c)

	summary := runCampaign(t, newTestMailer(env, Options{}), env, "A")
	assert.True(t, summary.Halted)
	assert.NotEmpty(t, summary.HaltReason)
	assert.Equal(t, 1, summary.Attempted)
	assert.Equal(t, []domain.OutcomeKind{domain.OutcomeError}, env.outcomeKinds("A"))
	assert.Empty(t, env.transport.Sent())
	assert.Equal(t, domain.CampaignSending, env.status(t, "A"))
}

func TestMailerRunAll(t *testing.T) {
	env := newTestEnv(t)
	env.addServer("srv", 0)
	env.addCampaign("A", "srv", 2)
	env.addCampaign("B", "srv", 1)
	env.addCampaign("C", "srv", 1)
	env.store.PutCampaign(domain.Campaign{ID: "D", ServerID: "srv", Status: domain.CampaignDraft})
	c, _ := env.campaigns.Get(context.Background(), "C")
	c.SendingDate = time.Now().Add(time.Hour)
	env.store.PutCampaign(*c)

	summaries, err := newTestMailer(env, Options{}).RunAll(context.Background())
	require.NoError(t, err)
	require.Len(t, summaries, 3)

	assert.Equal(t, "A", summaries[0].CampaignID)
	assert.Equal(t, domain.CampaignSent, summaries[0].Status)
	assert.Equal(t, domain.CampaignSent, summaries[1].Status)
	assert.True(t, summaries[2].Skipped)
	assert.Len(t, env.transport.Sent(), 3)
}

func TestMailerRunAllJoinsErrors(t *testing.T) {
	env := newTestEnv(t)
	env.addServer("srv", 0)
	env.addCampaign("A", "srv", 1)
	env.addCampaign("B", "srv", 1)
	env.transport.connectErr = errors.New("no route to host")

	summaries, err := newTestMailer(env, Options{}).RunAll(context.Background())
	require.Error(t, err)
	assert.Len(t, summaries, 2)
	assert.ErrorIs(t, err, sending.ErrConnection)
	assert.Contains(t, err.Error(), "campaign A")
	assert.Contains(t, err.Error(), "campaign B")
}

func TestMailerStopsWhenCanceledMidRun(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	env.addServer("srv", 0)
	env.addCampaign("A", "srv", 5)
	env.transport.onSend = func(to string) {
		if to == "A1@example.org" {
			require.NoError(t, env.campaigns.Cancel(ctx, "A"))
		}
	}

	summary := runCampaign(t, newTestMailer(env, Options{StatusCheckEvery: 2}), env, "A")

	assert.Equal(t, []string{"A1@example.org", "A2@example.org"}, env.transport.Sent())
	assert.Equal(t, 2, summary.Attempted)
	assert.Equal(t, domain.CampaignCanceled, summary.Status)
	assert.Equal(t, domain.CampaignCanceled, env.status(t, "A"))
}

func TestMailerSkipsCampaignCanceledBeforeStart(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	env.addServer("srv", 0)
	env.addCampaign("A", "srv", 2)
	stale, err := env.campaigns.Get(ctx, "A")
	require.NoError(t, err)
	require.NoError(t, env.campaigns.Cancel(ctx, "A"))

	summary, err := newTestMailer(env, Options{}).Run(ctx, stale)
	require.NoError(t, err)

	assert.True(t, summary.Skipped)
	assert.Equal(t, domain.CampaignCanceled, summary.Status)
	assert.Empty(t, env.transport.Sent())
	assert.Equal(t, domain.CampaignCanceled, env.status(t, "A"))
	connects, closes := env.transport.counts()
	assert.Equal(t, connects, closes)
}
