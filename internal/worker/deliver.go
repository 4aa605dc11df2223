package worker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ignite/newsletter-dispatch/internal/domain"
	"github.com/ignite/newsletter-dispatch/internal/metrics"
	"github.com/ignite/newsletter-dispatch/internal/service/campaign"
	"github.com/ignite/newsletter-dispatch/internal/service/sending"
)

// RunSummary reports what one dispatch run did for one campaign.
type RunSummary struct {
	CampaignID string                `json:"campaign_id"`
	ServerID   string                `json:"server_id"`
	Test       bool                  `json:"test"`
	Skipped    bool                  `json:"skipped,omitempty"`
	Attempted  int                   `json:"attempted"`
	Sent       int                   `json:"sent"`
	Invalid    int                   `json:"invalid"`
	Errors     int                   `json:"errors"`
	Halted     bool                  `json:"halted,omitempty"`
	HaltReason string                `json:"halt_reason,omitempty"`
	Status     domain.CampaignStatus `json:"status,omitempty"`
	StartedAt  time.Time             `json:"started_at"`
	FinishedAt time.Time             `json:"finished_at"`
}

func (s *RunSummary) count(kind domain.OutcomeKind) {
	s.Attempted++
	switch kind {
	case domain.OutcomeSent, domain.OutcomeSentTest:
		s.Sent++
	case domain.OutcomeInvalid:
		s.Invalid++
	default:
		s.Errors++
	}
}

func (s *RunSummary) halt(err error) {
	s.Halted = true
	s.HaltReason = err.Error()
	metrics.CampaignsHalted.Inc()
}

func (s *RunSummary) String() string {
	return fmt.Sprintf("campaign %s: attempted=%d sent=%d invalid=%d errors=%d halted=%t status=%s",
		s.CampaignID, s.Attempted, s.Sent, s.Invalid, s.Errors, s.Halted, s.Status)
}

// stepResult is the outcome of delivering to one recipient.
type stepResult struct {
	kind        domain.OutcomeKind
	sessionLost bool
	// halt is set when the content can never render; the campaign's run
	// must stop.
	halt error
}

// deliverer performs the per-recipient step shared by both dispatchers:
// build, transmit, classify, record.
type deliverer struct {
	campaigns *campaign.Service
	builder   sending.MessageBuilder
}

// deliver never returns a per-recipient failure as an error; those become
// outcomes. The error return is reserved for a failure to record.
func (d *deliverer) deliver(ctx context.Context, sess sending.Session, c *domain.Campaign, srv *domain.Server, contact *domain.Contact, test bool) (stepResult, error) {
	var res stepResult
	start := time.Now()

	msg, err := d.builder.Build(c, srv, contact)
	if err == nil {
		err = sess.Send(ctx, msg.EnvelopeFrom, msg.EnvelopeTo, msg.Raw)
	} else if sending.IsPermanentContent(err) {
		res.halt = err
	}
	metrics.SendDuration.WithLabelValues(srv.ID).Observe(time.Since(start).Seconds())
	res.sessionLost = errors.Is(err, sending.ErrSessionLost)

	kind, rerr := d.campaigns.RecordOutcome(ctx, c, contact, err, test)
	res.kind = kind
	if rerr != nil {
		return res, fmt.Errorf("record outcome for campaign %s: %w", c.ID, rerr)
	}
	metrics.Outcomes.WithLabelValues(srv.ID, string(kind)).Inc()
	return res, nil
}

// connect opens a session and counts the attempt.
func connect(ctx context.Context, t sending.Transport, srv *domain.Server) (sending.Session, error) {
	sess, err := t.Connect(ctx, srv)
	if err != nil {
		metrics.Connections.WithLabelValues(srv.ID, "error").Inc()
		if !errors.Is(err, sending.ErrConnection) {
			err = fmt.Errorf("%w: %w", sending.ErrConnection, err)
		}
		return nil, err
	}
	metrics.Connections.WithLabelValues(srv.ID, "ok").Inc()
	return sess, nil
}
