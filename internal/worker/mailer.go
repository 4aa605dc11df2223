package worker

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/ignite/newsletter-dispatch/internal/domain"
	"github.com/ignite/newsletter-dispatch/internal/service/campaign"
	"github.com/ignite/newsletter-dispatch/internal/service/sending"
)

// Mailer sends one campaign's queue end to end over a single session. It
// serves the cron/CLI trigger and test sends. A Mailer is not safe for
// concurrent use.
type Mailer struct {
	campaigns *campaign.Service
	transport sending.Transport
	quota     *QuotaTracker
	deliver   *deliverer
	opts      Options

	sess  sending.Session
	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

func NewMailer(campaigns *campaign.Service, builder sending.MessageBuilder, transport sending.Transport, opts Options) *Mailer {
	opts = opts.withDefaults()
	return &Mailer{
		campaigns: campaigns,
		transport: transport,
		quota:     NewQuotaTracker(campaigns.Repository(), opts.HardLimit),
		deliver:   &deliverer{campaigns: campaigns, builder: builder},
		opts:      opts,
		now:       time.Now,
		sleep:     sleepCtx,
	}
}

// CanSend reports whether c may be dispatched now. Test runs always may.
func (m *Mailer) CanSend(ctx context.Context, c *domain.Campaign, srv *domain.Server) (bool, error) {
	if m.opts.Test {
		return true, nil
	}
	credits, err := m.quota.Credits(ctx, srv)
	if err != nil {
		return false, err
	}
	return canSend(c, credits, m.now()), nil
}

func canSend(c *domain.Campaign, credits int, now time.Time) bool {
	return credits > 0 && c.Due(now) && c.Status.Dispatchable()
}

// Run sends c to every recipient still owed a message, up to the server's
// remaining credits. Per-recipient failures are recorded and never abort
// the run; a connection failure does, and is returned. Outcomes recorded
// before the failure stay recorded.
func (m *Mailer) Run(ctx context.Context, c *domain.Campaign) (*RunSummary, error) {
	summary := &RunSummary{CampaignID: c.ID, ServerID: c.ServerID, Test: m.opts.Test, StartedAt: m.now()}
	defer func() { summary.FinishedAt = m.now() }()

	srv, err := m.campaigns.Repository().GetServer(ctx, c.ServerID)
	if err != nil {
		return summary, fmt.Errorf("load server %s: %w", c.ServerID, err)
	}

	ok, err := m.CanSend(ctx, c, srv)
	if err != nil {
		return summary, err
	}
	if !ok {
		summary.Skipped = true
		summary.Status = c.Status
		return summary, nil
	}

	credits, err := m.quota.Credits(ctx, srv)
	if err != nil {
		return summary, err
	}
	recipients, err := m.campaigns.ExpeditionList(ctx, c, m.opts.Test)
	if err != nil {
		return summary, err
	}
	if credits < 0 {
		credits = 0
	}
	if len(recipients) > credits {
		recipients = recipients[:credits]
	}

	if m.sess == nil {
		if m.sess, err = connect(ctx, m.transport, srv); err != nil {
			return summary, err
		}
	}
	if !m.opts.Test {
		if err := m.campaigns.MarkSending(ctx, c); err != nil {
			m.closeSession()
			if errors.Is(err, campaign.ErrStatusConflict) {
				log.Printf("[Mailer] Campaign %s: now %s, skipped", c.ID, c.Status)
				summary.Skipped = true
				summary.Status = c.Status
				return summary, nil
			}
			return summary, err
		}
	}
	log.Printf("[Mailer] Campaign %s: %d emails will be sent via %s", c.ID, len(recipients), srv.Name)

	// Stop only between recipients; an in-flight step runs to completion.
	stepCtx := context.WithoutCancel(ctx)

	for i := range recipients {
		if ctx.Err() != nil {
			break
		}
		if !m.opts.Test && i > 0 && i%m.opts.StatusCheckEvery == 0 && m.canceled(stepCtx, c.ID) {
			break
		}
		contact := &recipients[i]
		res, err := m.deliver.deliver(stepCtx, m.sess, c, srv, contact, m.opts.Test)
		if err != nil {
			m.closeSession()
			return summary, err
		}
		summary.count(res.kind)
		if res.halt != nil {
			summary.halt(res.halt)
			log.Printf("[Mailer] Campaign %s halted: %v", c.ID, res.halt)
			break
		}

		if m.opts.SleepBetweenSending > 0 {
			if err := m.sleep(ctx, m.opts.SleepBetweenSending); err != nil {
				break
			}
		}
		if res.sessionLost || m.opts.RestartConnection {
			m.closeSession()
			if m.sess, err = connect(stepCtx, m.transport, srv); err != nil {
				return summary, err
			}
		}
	}

	m.closeSession()

	status, err := m.campaigns.RefreshStatus(stepCtx, c.ID, m.opts.Test)
	if err != nil {
		return summary, fmt.Errorf("refresh status of campaign %s: %w", c.ID, err)
	}
	summary.Status = status
	log.Printf("[Mailer] %s", summary)
	return summary, nil
}

// RunAll runs every dispatchable campaign in turn, as the scheduled trigger
// does. A connection failure on one campaign's server does not stop the
// others; all failures are joined into the returned error.
func (m *Mailer) RunAll(ctx context.Context) ([]*RunSummary, error) {
	list, err := m.campaigns.Repository().ListDispatchableCampaigns(ctx)
	if err != nil {
		return nil, fmt.Errorf("list dispatchable campaigns: %w", err)
	}

	var (
		summaries []*RunSummary
		errs      []error
	)
	for i := range list {
		if ctx.Err() != nil {
			break
		}
		summary, err := m.Run(ctx, &list[i])
		summaries = append(summaries, summary)
		if err != nil {
			log.Printf("[Mailer] Campaign %s failed: %v", list[i].ID, err)
			errs = append(errs, fmt.Errorf("campaign %s: %w", list[i].ID, err))
		}
	}
	return summaries, errors.Join(errs...)
}

// canceled reports whether the campaign left the dispatchable statuses
// since the run started. A failed read counts as still dispatchable.
func (m *Mailer) canceled(ctx context.Context, id string) bool {
	fresh, err := m.campaigns.Get(ctx, id)
	if err != nil {
		log.Printf("[Mailer] Campaign %s: status check: %v", id, err)
		return false
	}
	if fresh.Status.Dispatchable() {
		return false
	}
	log.Printf("[Mailer] Campaign %s: now %s, stopping", id, fresh.Status)
	return true
}

func (m *Mailer) closeSession() {
	if m.sess == nil {
		return
	}
	if err := m.sess.Close(); err != nil {
		log.Printf("[Mailer] Close session: %v", err)
	}
	m.sess = nil
}
