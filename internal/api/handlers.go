package api

import (
	"context"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/ignite/newsletter-dispatch/internal/domain"
	"github.com/ignite/newsletter-dispatch/internal/pkg/httputil"
	"github.com/ignite/newsletter-dispatch/internal/service/campaign"
	"github.com/ignite/newsletter-dispatch/internal/service/sending"
	"github.com/ignite/newsletter-dispatch/internal/worker"
)

// Handlers holds the services behind the /api routes.
type Handlers struct {
	campaigns   *campaign.Service
	tester      TestSender
	dispatchers []StatusProvider
}

// StatusResponse lists every dispatcher this process runs.
type StatusResponse struct {
	Dispatchers []worker.Snapshot `json:"dispatchers"`
}

// Status reports each dispatcher's snapshot.
//
//	GET /api/status
func (h *Handlers) Status(w http.ResponseWriter, r *http.Request) {
	resp := StatusResponse{Dispatchers: make([]worker.Snapshot, 0, len(h.dispatchers))}
	for _, d := range h.dispatchers {
		resp.Dispatchers = append(resp.Dispatchers, d.Snapshot())
	}
	httputil.OK(w, resp)
}

// CampaignResponse is a campaign with its delivered count.
type CampaignResponse struct {
	*domain.Campaign
	MailsSent int `json:"mails_sent"`
}

// GetCampaign returns the campaign and how many recipients it reached.
//
//	GET /api/campaigns/{id}
func (h *Handlers) GetCampaign(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	c, err := h.campaigns.Get(r.Context(), id)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	sent, err := h.campaigns.MailsSent(r.Context(), id)
	if err != nil {
		httputil.InternalError(w, err)
		return
	}
	httputil.OK(w, CampaignResponse{Campaign: c, MailsSent: sent})
}

// MarkWaiting readies a draft for the dispatchers.
//
//	POST /api/campaigns/{id}/waiting
func (h *Handlers) MarkWaiting(w http.ResponseWriter, r *http.Request) {
	h.transition(w, r, h.campaigns.MarkWaiting)
}

// Cancel stops a waiting or sending campaign.
//
//	POST /api/campaigns/{id}/cancel
func (h *Handlers) Cancel(w http.ResponseWriter, r *http.Request) {
	h.transition(w, r, h.campaigns.Cancel)
}

func (h *Handlers) transition(w http.ResponseWriter, r *http.Request, apply func(ctx context.Context, id string) error) {
	id := chi.URLParam(r, "id")
	if err := apply(r.Context(), id); err != nil {
		h.writeServiceError(w, err)
		return
	}
	c, err := h.campaigns.Get(r.Context(), id)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	httputil.OK(w, c)
}

// SendTest delivers the campaign to its test contacts without touching its
// status. The response carries the run summary.
//
//	POST /api/campaigns/{id}/test
func (h *Handlers) SendTest(w http.ResponseWriter, r *http.Request) {
	if h.tester == nil {
		httputil.Error(w, http.StatusServiceUnavailable, "test sending is not configured")
		return
	}
	c, err := h.campaigns.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	if len(c.TestContactIDs) == 0 {
		httputil.BadRequest(w, "campaign has no test contacts")
		return
	}
	summary, err := h.tester.Run(r.Context(), c)
	if err != nil {
		if errors.Is(err, sending.ErrConnection) {
			httputil.ErrorCode(w, http.StatusBadGateway, "connection_failed", err.Error(), summary)
			return
		}
		h.writeServiceError(w, err)
		return
	}
	httputil.OK(w, summary)
}

func (h *Handlers) writeServiceError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, campaign.ErrNotFound):
		httputil.NotFound(w, "campaign not found")
	case errors.Is(err, campaign.ErrInvalidTransition), errors.Is(err, campaign.ErrStatusConflict):
		httputil.ErrorCode(w, http.StatusConflict, "invalid_transition", err.Error(), nil)
	default:
		httputil.InternalError(w, err)
	}
}
