package worker

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"
	"sync"
	"time"

	"github.com/ignite/newsletter-dispatch/internal/domain"
	"github.com/ignite/newsletter-dispatch/internal/metrics"
	"github.com/ignite/newsletter-dispatch/internal/service/campaign"
	"github.com/ignite/newsletter-dispatch/internal/service/sending"
)

// ErrAlreadyRunning is returned when Run is called on a running dispatcher.
var ErrAlreadyRunning = errors.New("dispatcher already running")

// RoundRobinDispatcher owns one server's connection and interleaves every
// eligible campaign bound to that server, one recipient per turn. Pacing
// applies to the combined traffic, so campaigns share the server's hourly
// budget instead of each getting their own.
type RoundRobinDispatcher struct {
	serverID  string
	campaigns *campaign.Service
	transport sending.Transport
	quota     *QuotaTracker
	deliver   *deliverer
	opts      Options

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error

	mu          sync.Mutex
	cancel      context.CancelFunc
	running     bool
	stopPending bool
	expeditions map[string]*Expedition
	ring        []string
	retired     map[string]time.Time
	lastRefresh time.Time
	steps       int
	finished    []RunSummary
}

func NewRoundRobinDispatcher(serverID string, campaigns *campaign.Service, builder sending.MessageBuilder, transport sending.Transport, opts Options) *RoundRobinDispatcher {
	opts = opts.withDefaults()
	return &RoundRobinDispatcher{
		serverID:    serverID,
		campaigns:   campaigns,
		transport:   transport,
		quota:       NewQuotaTracker(campaigns.Repository(), opts.HardLimit),
		deliver:     &deliverer{campaigns: campaigns, builder: builder},
		opts:        opts,
		now:         time.Now,
		sleep:       sleepCtx,
		expeditions: make(map[string]*Expedition),
		retired:     make(map[string]time.Time),
	}
}

// Stop asks Run to return. The in-flight step completes first. A Stop
// issued before Run starts makes that Run return at once.
func (d *RoundRobinDispatcher) Stop() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.stopPending = true
	if d.cancel != nil {
		d.cancel()
	}
}

// Run dispatches until ctx is canceled or Stop is called, which returns
// nil. Failing to open or reopen the server connection returns an error
// wrapping sending.ErrConnection.
func (d *RoundRobinDispatcher) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	d.mu.Lock()
	if d.running {
		d.mu.Unlock()
		return ErrAlreadyRunning
	}
	if d.stopPending {
		d.stopPending = false
		d.mu.Unlock()
		return nil
	}
	d.running = true
	d.cancel = cancel
	d.mu.Unlock()
	defer func() {
		d.mu.Lock()
		d.running = false
		d.cancel = nil
		d.stopPending = false
		d.mu.Unlock()
	}()

	// Steps and bookkeeping outlive a stop request so outcomes still land.
	stepCtx := context.WithoutCancel(ctx)

	srv, err := d.campaigns.Repository().GetServer(ctx, d.serverID)
	if err != nil {
		return fmt.Errorf("load server %s: %w", d.serverID, err)
	}
	sess, err := connect(ctx, d.transport, srv)
	if err != nil {
		return err
	}
	defer func() {
		if sess != nil {
			if err := sess.Close(); err != nil {
				log.Printf("[RoundRobin] Server %s: close session: %v", srv.ID, err)
			}
		}
	}()
	log.Printf("[RoundRobin] Server %s (%s): started, delay %s", srv.ID, srv.Name, d.quota.Delay(srv))

	epoch := d.now()
	i := 0
	for ctx.Err() == nil {
		if d.ringLen() == 0 || d.now().Sub(d.lastRefresh) >= d.opts.RefreshInterval {
			if err := d.refresh(stepCtx, srv); err != nil {
				log.Printf("[RoundRobin] Server %s: refresh failed: %v", srv.ID, err)
			}
		}

		id, exp := d.pop()
		if exp == nil {
			i = 0
			if err := d.sleep(ctx, d.opts.IdleInterval); err != nil {
				break
			}
			epoch = d.now()
			continue
		}

		if wait := d.quota.Delay(srv)*time.Duration(i) - d.now().Sub(epoch); wait > 0 {
			if err := d.sleep(ctx, wait); err != nil {
				d.pushBack(id)
				break
			}
		}
		i++

		res, err := d.deliver.deliver(stepCtx, sess, exp.Campaign, srv, exp.Current(), d.opts.Test)
		if err != nil {
			// The store is unreachable; leave the recipient for the next run.
			d.pushBack(id)
			return err
		}
		d.mu.Lock()
		exp.Advance(res.kind)
		if res.halt != nil {
			exp.Halt(res.halt)
		}
		d.steps++
		d.mu.Unlock()
		if res.halt != nil {
			log.Printf("[RoundRobin] Campaign %s halted: %v", exp.Campaign.ID, res.halt)
		}

		if exp.Done() {
			d.finalize(stepCtx, id, exp)
		} else {
			d.pushBack(id)
		}

		if res.sessionLost || d.opts.RestartConnection {
			if err := sess.Close(); err != nil {
				log.Printf("[RoundRobin] Server %s: close session: %v", srv.ID, err)
			}
			sess = nil
			if sess, err = connect(stepCtx, d.transport, srv); err != nil {
				return err
			}
		}
		if d.opts.SleepBetweenSending > 0 {
			if err := d.sleep(ctx, d.opts.SleepBetweenSending); err != nil {
				break
			}
		}
	}

	log.Printf("[RoundRobin] Server %s: stopped after %d steps", srv.ID, d.Steps())
	return nil
}

// refresh admits sendable campaigns not yet tracked and drops tracked ones
// that are no longer dispatchable (canceled by an operator, for instance).
func (d *RoundRobinDispatcher) refresh(ctx context.Context, srv *domain.Server) error {
	now := d.now()
	d.mu.Lock()
	d.lastRefresh = now
	d.mu.Unlock()

	list, err := d.campaigns.Repository().ListCampaignsByServer(ctx, srv.ID)
	if err != nil {
		return fmt.Errorf("list campaigns: %w", err)
	}
	credits, err := d.quota.Credits(ctx, srv)
	if err != nil {
		return err
	}

	for i := range list {
		c := &list[i]
		d.mu.Lock()
		_, tracked := d.expeditions[c.ID]
		retiredAt, retired := d.retired[c.ID]
		d.mu.Unlock()

		if tracked {
			if !d.opts.Test && !c.Status.Dispatchable() {
				d.drop(c.ID)
				log.Printf("[RoundRobin] Campaign %s: %s, dropped", c.ID, c.Status)
			}
			continue
		}
		// A finished campaign that is still owed recipients (transient
		// errors) waits one refresh interval before its retry pass. Test
		// sends go out once per dispatcher.
		if retired && (d.opts.Test || now.Sub(retiredAt) < d.opts.RefreshInterval) {
			continue
		}
		if !d.opts.Test && !canSend(c, credits, now) {
			continue
		}

		recipients, err := d.campaigns.ExpeditionList(ctx, c, d.opts.Test)
		if err != nil {
			log.Printf("[RoundRobin] Campaign %s: resolve recipients: %v", c.ID, err)
			continue
		}
		if !d.opts.Test {
			if err := d.campaigns.MarkSending(ctx, c); err != nil {
				log.Printf("[RoundRobin] Campaign %s: %v", c.ID, err)
				continue
			}
		}
		exp := newExpedition(c, recipients, d.opts.Test)
		exp.summary.StartedAt = now
		log.Printf("[RoundRobin] Server %s, campaign %s: %d emails will be sent", srv.ID, c.ID, len(recipients))

		if exp.Done() {
			d.mu.Lock()
			d.expeditions[c.ID] = exp
			d.mu.Unlock()
			d.finalize(ctx, c.ID, exp)
			continue
		}
		d.mu.Lock()
		d.expeditions[c.ID] = exp
		d.ring = append(d.ring, c.ID)
		delete(d.retired, c.ID)
		d.mu.Unlock()
	}

	d.mu.Lock()
	metrics.ActiveExpeditions.WithLabelValues(srv.ID).Set(float64(len(d.expeditions)))
	d.mu.Unlock()
	return nil
}

// finalize recomputes the campaign's status and forgets its expedition.
func (d *RoundRobinDispatcher) finalize(ctx context.Context, id string, exp *Expedition) {
	status, err := d.campaigns.RefreshStatus(ctx, id, d.opts.Test)
	if err != nil {
		log.Printf("[RoundRobin] Campaign %s: refresh status: %v", id, err)
	}
	d.mu.Lock()
	exp.summary.Status = status
	exp.summary.FinishedAt = d.now()
	summary := exp.summary
	delete(d.expeditions, id)
	d.retired[id] = summary.FinishedAt
	d.finished = append(d.finished, summary)
	d.mu.Unlock()

	log.Printf("[RoundRobin] %s", &summary)
}

func (d *RoundRobinDispatcher) drop(id string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.expeditions, id)
	for i, rid := range d.ring {
		if rid == id {
			d.ring = append(d.ring[:i], d.ring[i+1:]...)
			break
		}
	}
}

// pop takes the front of the ring.
func (d *RoundRobinDispatcher) pop() (string, *Expedition) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for len(d.ring) > 0 {
		id := d.ring[0]
		d.ring = d.ring[1:]
		if exp, ok := d.expeditions[id]; ok && !exp.Done() {
			return id, exp
		}
	}
	return "", nil
}

func (d *RoundRobinDispatcher) pushBack(id string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.expeditions[id]; ok {
		d.ring = append(d.ring, id)
	}
}

func (d *RoundRobinDispatcher) ringLen() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.ring)
}

// Steps returns the number of recipients attempted since construction.
func (d *RoundRobinDispatcher) Steps() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.steps
}

// ExpeditionStatus is a point-in-time view of one expedition.
type ExpeditionStatus struct {
	CampaignID string `json:"campaign_id"`
	Attempted  int    `json:"attempted"`
	Sent       int    `json:"sent"`
	Invalid    int    `json:"invalid"`
	Errors     int    `json:"errors"`
	Remaining  int    `json:"remaining"`
}

// Snapshot describes a dispatcher for the ops API.
type Snapshot struct {
	ServerID    string             `json:"server_id"`
	Running     bool               `json:"running"`
	Steps       int                `json:"steps"`
	Queue       []string           `json:"queue"`
	Expeditions []ExpeditionStatus `json:"expeditions"`
	Finished    []RunSummary       `json:"finished"`
}

func (d *RoundRobinDispatcher) Snapshot() Snapshot {
	d.mu.Lock()
	defer d.mu.Unlock()
	s := Snapshot{
		ServerID: d.serverID,
		Running:  d.running,
		Steps:    d.steps,
		Queue:    append([]string(nil), d.ring...),
		Finished: append([]RunSummary(nil), d.finished...),
	}
	for id, exp := range d.expeditions {
		s.Expeditions = append(s.Expeditions, ExpeditionStatus{
			CampaignID: id,
			Attempted:  exp.summary.Attempted,
			Sent:       exp.summary.Sent,
			Invalid:    exp.summary.Invalid,
			Errors:     exp.summary.Errors,
			Remaining:  exp.Remaining(),
		})
	}
	sort.Slice(s.Expeditions, func(i, j int) bool { return s.Expeditions[i].CampaignID < s.Expeditions[j].CampaignID })
	return s
}
