// Package client implements the device-side half of telemetry sync: a
// durable outbox of gameplay events and a dispatcher that flushes it to the
// ingestion endpoint with retry, plus a fire-and-forget teardown path for
// page exit.
package client

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/bytedance/sonic"
	log "github.com/sirupsen/logrus"

	"lexiquest-sync/domain"
)

const (
	syncPath     = "/api/sync"
	syncFastPath = "/api/sync-fast"
)

var (
	// ErrAuthRequired is returned when the server rejected the credential.
	// The dispatcher suspends automatic flushing until SetCredential is
	// called with a fresh token; re-authentication is the session layer's
	// job, not a sync retry.
	ErrAuthRequired = errors.New("authentication required")

	errTransientDelivery = errors.New("transient delivery failure")
)

// DispatcherConfig tunes a Dispatcher. Zero values pick defaults.
type DispatcherConfig struct {
	// BaseURL of the ingestion endpoint, without trailing slash.
	BaseURL string
	// FlushInterval is the periodic flush cadence while running.
	FlushInterval time.Duration
	// BatchSize caps how many events one flush carries.
	BatchSize int
	// RequestTimeout bounds a normal flush request.
	RequestTimeout time.Duration
	// TeardownTimeout bounds the fire-and-forget teardown request.
	TeardownTimeout time.Duration
	// Backoff paces retries after transient failures.
	Backoff BackoffPolicy
	// ReconcileTolerance is the accepted absolute gap between the local
	// optimistic XP counter and the server-confirmed total before a drift
	// warning is logged. In-flight events legitimately put the local
	// counter ahead, so this is a deliberate tolerance, not a bug margin.
	ReconcileTolerance int64
	// HTTPClient is the shared transport, injected so callers keep one
	// pooled client per process instead of a hidden global.
	HTTPClient *http.Client
	Logger     *log.Logger
}

// Dispatcher owns an Outbox and decides when to attempt a flush. All outbox
// access funnels through it; there is one dispatcher per outbox.
type Dispatcher struct {
	cfg    DispatcherConfig
	outbox *Outbox
	client *http.Client
	logger *log.Logger

	mu        sync.Mutex
	token     string
	suspended bool
	localXP   int64
	delivered uint64
	lastFlush time.Time

	flushCh chan struct{}
	stopCh  chan struct{}
	runWG   sync.WaitGroup
	started bool
}

// NewDispatcher creates a Dispatcher around an opened outbox.
func NewDispatcher(outbox *Outbox, cfg DispatcherConfig) *Dispatcher {
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = 10 * time.Second
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 32
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 10 * time.Second
	}
	if cfg.TeardownTimeout <= 0 {
		cfg.TeardownTimeout = 2 * time.Second
	}
	if cfg.Backoff == (BackoffPolicy{}) {
		cfg.Backoff = DefaultBackoff
	}
	if cfg.ReconcileTolerance <= 0 {
		cfg.ReconcileTolerance = 100
	}
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: cfg.RequestTimeout}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = log.New()
	}
	return &Dispatcher{
		cfg:     cfg,
		outbox:  outbox,
		client:  client,
		logger:  logger,
		flushCh: make(chan struct{}, 1),
		stopCh:  make(chan struct{}),
	}
}

// SetCredential installs the bearer token and lifts any auth suspension.
func (d *Dispatcher) SetCredential(token string) {
	d.mu.Lock()
	d.token = token
	d.suspended = false
	d.mu.Unlock()
}

// RecordLocalXP advances the optimistic local counter the game UI renders
// before the server confirms anything.
func (d *Dispatcher) RecordLocalXP(delta int64) {
	d.mu.Lock()
	d.localXP += delta
	d.mu.Unlock()
}

// Start launches the flush loop. It is a no-op when already running.
func (d *Dispatcher) Start() {
	d.mu.Lock()
	if d.started {
		d.mu.Unlock()
		return
	}
	d.started = true
	d.mu.Unlock()

	d.runWG.Add(1)
	go d.run()
}

// Stop halts the flush loop. Pending events stay in the outbox.
func (d *Dispatcher) Stop() {
	d.mu.Lock()
	if !d.started {
		d.mu.Unlock()
		return
	}
	d.started = false
	d.mu.Unlock()

	close(d.stopCh)
	d.runWG.Wait()
}

// NotifyHidden requests an immediate flush, typically on a visibility
// transition to hidden. It never blocks.
func (d *Dispatcher) NotifyHidden() {
	select {
	case d.flushCh <- struct{}{}:
	default:
	}
}

func (d *Dispatcher) run() {
	defer d.runWG.Done()

	attempts := 0
	timer := time.NewTimer(d.cfg.FlushInterval)
	defer timer.Stop()
	for {
		select {
		case <-d.stopCh:
			return
		case <-d.flushCh:
			// The timer keeps running across an out-of-band flush; stop it
			// and drain any tick that already fired so the Reset below does
			// not schedule a spurious immediate flush.
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
		case <-timer.C:
		}

		err := d.flushOnce()
		switch {
		case err == nil:
			attempts = 0
			timer.Reset(d.cfg.FlushInterval)
		case errors.Is(err, errTransientDelivery):
			attempts++
			delay := d.cfg.Backoff.Delay(attempts)
			d.logger.WithError(err).WithField("attempt", attempts).Warn("sync flush failed, backing off")
			timer.Reset(delay)
		default:
			// Permanent failures are not retried automatically.
			attempts = 0
			d.logger.WithError(err).Error("sync flush failed permanently")
			timer.Reset(d.cfg.FlushInterval)
		}
	}
}

func (d *Dispatcher) flushOnce() error {
	ctx, cancel := context.WithTimeout(context.Background(), d.cfg.RequestTimeout)
	defer cancel()
	return d.Flush(ctx)
}

type flushRequest struct {
	Events []domain.Event `json:"events"`
}

type flushResponse struct {
	Results     []domain.Result `json:"results"`
	AcceptedIDs []string        `json:"accepted_ids"`
	Totals      domain.Totals   `json:"totals"`
}

// Flush performs one delivery attempt for the oldest pending batch. Nil is
// returned when the batch settled (or nothing was pending); transient
// failures wrap errTransientDelivery and leave the batch queued; auth
// failures suspend the dispatcher and surface ErrAuthRequired.
func (d *Dispatcher) Flush(ctx context.Context) error {
	d.mu.Lock()
	token := d.token
	suspended := d.suspended
	d.mu.Unlock()
	if suspended {
		return ErrAuthRequired
	}

	events := d.outbox.PeekBatch(d.cfg.BatchSize)
	if len(events) == 0 {
		return nil
	}

	resp, err := d.post(ctx, d.cfg.BaseURL+syncPath, token, events)
	if err != nil {
		return fmt.Errorf("%w: %v", errTransientDelivery, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusOK:
		var fr flushResponse
		if err := sonic.ConfigStd.NewDecoder(resp.Body).Decode(&fr); err != nil {
			return fmt.Errorf("%w: decode response: %v", errTransientDelivery, err)
		}
		return d.settle(fr)
	case resp.StatusCode == http.StatusUnauthorized:
		d.mu.Lock()
		d.suspended = true
		d.mu.Unlock()
		return ErrAuthRequired
	case resp.StatusCode == http.StatusForbidden, resp.StatusCode == http.StatusBadRequest:
		// Programming error on our side; retrying the same batch verbatim
		// can never succeed. Drop it rather than wedge the queue.
		d.logger.WithFields(log.Fields{"status": resp.StatusCode, "events": len(events)}).
			Error("sync batch rejected, dropping")
		return d.outbox.Acknowledge(eventIDs(events))
	default:
		return fmt.Errorf("%w: status %d", errTransientDelivery, resp.StatusCode)
	}
}

func (d *Dispatcher) post(ctx context.Context, url, token string, events []domain.Event) (*http.Response, error) {
	body, err := sonic.ConfigStd.Marshal(flushRequest{Events: events})
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	return d.client.Do(req)
}

// settle acknowledges every id the server confirmed, plus events the server
// rejected permanently (those would otherwise be retried forever), then
// reconciles local counters against the returned totals.
func (d *Dispatcher) settle(fr flushResponse) error {
	ack := append([]string(nil), fr.AcceptedIDs...)
	for _, res := range fr.Results {
		if res.Status == domain.StatusError && res.Permanent {
			d.logger.WithFields(log.Fields{"event_id": res.ID, "error": res.Error}).
				Warn("event rejected by server, dropping")
			ack = append(ack, res.ID)
		}
	}
	if err := d.outbox.Acknowledge(ack); err != nil {
		return err
	}

	d.mu.Lock()
	d.delivered += uint64(len(fr.AcceptedIDs))
	d.lastFlush = time.Now()
	drift := d.localXP - fr.Totals.TotalXP
	if drift < 0 {
		drift = -drift
	}
	tolerance := d.cfg.ReconcileTolerance
	d.localXP = fr.Totals.TotalXP
	d.mu.Unlock()

	if drift > tolerance {
		d.logger.WithFields(log.Fields{"drift": drift, "tolerance": tolerance}).
			Warn("local XP counter drifted beyond tolerance")
	}
	return nil
}

// TeardownFlush sends the current outbox contents to the relaxed endpoint
// without waiting for a response. It returns immediately; nothing is
// acknowledged on this path, so the same batch may be retransmitted by the
// next normal flush after restart and deduplicated server-side.
func (d *Dispatcher) TeardownFlush() {
	events := d.outbox.PeekBatch(d.cfg.BatchSize)
	if len(events) == 0 {
		return
	}
	d.mu.Lock()
	token := d.token
	d.mu.Unlock()

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), d.cfg.TeardownTimeout)
		defer cancel()
		resp, err := d.post(ctx, d.cfg.BaseURL+syncFastPath, token, events)
		if err != nil {
			d.logger.WithError(err).Debug("teardown flush not delivered")
			return
		}
		resp.Body.Close()
	}()
}

// Stats is a diagnostics snapshot of the dispatcher and its outbox.
type Stats struct {
	QueueDepth int           `json:"queueDepth"`
	OldestAge  time.Duration `json:"oldestAge"`
	Delivered  uint64        `json:"delivered"`
	LastFlush  time.Time     `json:"lastFlush"`
	Suspended  bool          `json:"suspended"`
}

// Stats reports the current snapshot.
func (d *Dispatcher) Stats() Stats {
	d.mu.Lock()
	defer d.mu.Unlock()
	return Stats{
		QueueDepth: d.outbox.Size(),
		OldestAge:  d.outbox.OldestAge(),
		Delivered:  d.delivered,
		LastFlush:  d.lastFlush,
		Suspended:  d.suspended,
	}
}

func eventIDs(events []domain.Event) []string {
	ids := make([]string, len(events))
	for i := range events {
		ids[i] = events[i].ID
	}
	return ids
}
