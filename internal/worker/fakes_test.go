package worker

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/ignite/newsletter-dispatch/internal/domain"
	"github.com/ignite/newsletter-dispatch/internal/mailing"
	"github.com/ignite/newsletter-dispatch/internal/repository/memory"
	"github.com/ignite/newsletter-dispatch/internal/service/campaign"
	"github.com/ignite/newsletter-dispatch/internal/service/sending"
)

// fakeTransport records every envelope recipient in send order.
type fakeTransport struct {
	mu         sync.Mutex
	sent       []string
	failures   map[string]error
	connectErr error
	// connectOK is the number of successful connects allowed before
	// connectErr applies. Zero means connectErr applies immediately.
	connectOK int
	connects  int
	closes    int
	onSend    func(to string)
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{failures: make(map[string]error)}
}

func (t *fakeTransport) Connect(_ context.Context, srv *domain.Server) (sending.Session, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.connectErr != nil && t.connects >= t.connectOK {
		return nil, fmt.Errorf("%w: %w", sending.ErrConnection, t.connectErr)
	}
	t.connects++
	return &fakeSession{t: t}, nil
}

func (t *fakeTransport) Sent() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]string(nil), t.sent...)
}

func (t *fakeTransport) counts() (connects, closes int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.connects, t.closes
}

type fakeSession struct {
	t *fakeTransport
}

func (s *fakeSession) Send(_ context.Context, _, to string, raw []byte) error {
	s.t.mu.Lock()
	hook := s.t.onSend
	err, fail := s.t.failures[to]
	if !fail {
		s.t.sent = append(s.t.sent, to)
	}
	s.t.mu.Unlock()
	if hook != nil {
		hook(to)
	}
	if fail {
		return err
	}
	if len(raw) == 0 {
		return fmt.Errorf("empty message")
	}
	return nil
}

func (s *fakeSession) Close() error {
	s.t.mu.Lock()
	defer s.t.mu.Unlock()
	s.t.closes++
	return nil
}

// fakeClock advances only when slept on.
type fakeClock struct {
	mu      sync.Mutex
	now     time.Time
	sleeps  []time.Duration
	onSleep func(d time.Duration) error
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 5, 1, 8, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func (c *fakeClock) Sleep(ctx context.Context, d time.Duration) error {
	c.mu.Lock()
	c.sleeps = append(c.sleeps, d)
	c.now = c.now.Add(d)
	hook := c.onSleep
	c.mu.Unlock()
	if hook != nil {
		if err := hook(d); err != nil {
			return err
		}
	}
	return ctx.Err()
}

func (c *fakeClock) Sleeps() []time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]time.Duration(nil), c.sleeps...)
}

type testEnv struct {
	store     *memory.Store
	campaigns *campaign.Service
	builder   *mailing.Builder
	transport *fakeTransport
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	store := memory.NewStore()
	return &testEnv{
		store:     store,
		campaigns: campaign.NewService(store),
		builder: mailing.NewBuilder(mailing.BuilderConfig{
			DefaultHeaderSender: "Newsletter <news@example.com>",
			SiteDomain:          "example.com",
			SigningKey:          "test",
			UniqueKeyLength:     4,
			UniqueKeyCharset:    "ABCD",
		}, nil),
		transport: newFakeTransport(),
	}
}

func (e *testEnv) addServer(id string, perHour int) {
	e.store.PutServer(domain.Server{ID: id, Name: "smtp-" + id, Host: "smtp.example.com", MessagesPerHour: perHour})
}

// addCampaign creates a waiting campaign on serverID whose single list holds
// n contacts named <id>1..<id>n, all due now.
func (e *testEnv) addCampaign(id, serverID string, n int) {
	listID := "list-" + id
	e.store.PutList(domain.MailingList{ID: listID, Name: listID})
	for i := 1; i <= n; i++ {
		cid := fmt.Sprintf("%s%d", id, i)
		e.store.PutContact(domain.Contact{ID: cid, Email: cid + "@example.org", Subscribed: true, ValidEmail: true})
		e.store.Subscribe(listID, cid)
	}
	e.store.PutCampaign(domain.Campaign{
		ID:       id,
		Title:    "Issue {{ UNIQUE_KEY }}",
		Content:  "<p>Hello {{ contact.email }}</p>",
		ListIDs:  []string{listID},
		ServerID: serverID,
		Status:   domain.CampaignWaiting,
	})
}

func (e *testEnv) outcomeKinds(campaignID string) []domain.OutcomeKind {
	var out []domain.OutcomeKind
	for _, o := range e.store.Outcomes() {
		if o.CampaignID == campaignID {
			out = append(out, o.Kind)
		}
	}
	return out
}

func (e *testEnv) status(t *testing.T, campaignID string) domain.CampaignStatus {
	t.Helper()
	c, err := e.campaigns.Get(context.Background(), campaignID)
	require.NoError(t, err)
	return c.Status
}
