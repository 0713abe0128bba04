// Package poller runs the background collect loops for orders whose callers
// registered a webhook instead of waiting. One loop per orderRef, never
// stacked: starting an order that is already polled replaces the old loop.
package poller

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"bankid-gateway/internal/bankid/client"
	"bankid-gateway/internal/bankid/models"
	"bankid-gateway/internal/bankid/webhook"
	"bankid-gateway/internal/platform/metrics"
)

// Collector is the slice of the remote client the poller needs.
type Collector interface {
	Collect(ctx context.Context, orderRef string) (*client.CollectResponse, error)
	Cancel(ctx context.Context, orderRef string) error
}

// Sessions is the slice of the session store the poller needs.
type Sessions interface {
	FindByOrderRef(ctx context.Context, orderRef string) (models.Session, error)
	UpdateStatusByOrderRef(ctx context.Context, orderRef string, status models.Status, hintCode string) (models.Session, error)
	CompleteByOrderRef(ctx context.Context, orderRef string, data *models.CompletionData) (models.Session, error)
}

// ResolutionFunc receives the webhook payload for a resolved order. The
// return value reports delivery success; the poller ignores it beyond
// metrics, per the delivery contract.
type ResolutionFunc func(ctx context.Context, callbackURL string, payload webhook.Payload) bool

// Stats describes the currently active loops.
type Stats struct {
	ActivePollers int      `json:"activePollers"`
	OrderRefs     []string `json:"orderRefs"`
}

type loop struct {
	cancel context.CancelFunc
	done   chan struct{}
}

// Poller supervises the per-order polling loops. All state is explicit and
// constructed at process start; there is no package-level registry.
type Poller struct {
	client   Collector
	sessions Sessions
	logger   *slog.Logger
	metrics  *metrics.Metrics

	root     context.Context
	shutdown context.CancelFunc

	mu     sync.Mutex
	active map[string]*loop
}

// Option configures a Poller.
type Option func(*Poller)

// WithMetrics attaches gateway metrics.
func WithMetrics(m *metrics.Metrics) Option {
	return func(p *Poller) { p.metrics = m }
}

// New constructs a Poller. Call Shutdown to stop every loop.
func New(c Collector, sessions Sessions, logger *slog.Logger, opts ...Option) *Poller {
	root, cancel := context.WithCancel(context.Background())
	p := &Poller{
		client:   c,
		sessions: sessions,
		logger:   logger.With("component", "poller"),
		root:     root,
		shutdown: cancel,
		active:   make(map[string]*loop),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// StartPolling begins (or restarts) the background loop for orderRef. The
// loop is registered before its first tick, so IsPolling is accurate as soon
// as this returns. If a loop already exists it is cancelled and fully drained
// before the replacement takes over polling: restart semantics, never two
// concurrent loops for one order.
func (p *Poller) StartPolling(orderRef string, maxWait, interval time.Duration, onResolution ResolutionFunc) {
	l := &loop{done: make(chan struct{})}
	ctx, cancel := context.WithCancel(p.root)
	l.cancel = cancel

	p.mu.Lock()
	prev := p.active[orderRef]
	p.active[orderRef] = l
	p.mu.Unlock()

	if prev != nil {
		prev.cancel()
		<-prev.done
		p.logger.Info("restarting auto polling", "order_ref", orderRef)
	} else {
		p.logger.Info("starting auto polling", "order_ref", orderRef)
	}

	p.metrics.PollerStarted()
	go p.run(ctx, l, orderRef, maxWait, interval, onResolution)
}

// StopPolling cancels the loop for orderRef. When it returns true, no
// further tick will execute and no webhook will fire for this loop.
func (p *Poller) StopPolling(orderRef string) bool {
	p.mu.Lock()
	l, ok := p.active[orderRef]
	if ok {
		delete(p.active, orderRef)
	}
	p.mu.Unlock()
	if !ok {
		return false
	}

	l.cancel()
	<-l.done
	p.logger.Info("auto polling stopped", "order_ref", orderRef)
	return true
}

// IsPolling reports whether a loop is registered for orderRef.
func (p *Poller) IsPolling(orderRef string) bool {
	p.mu.Lock()
	_, ok := p.active[orderRef]
	p.mu.Unlock()
	return ok
}

// Stats returns the active loop count and their orderRefs.
func (p *Poller) Stats() Stats {
	p.mu.Lock()
	refs := make([]string, 0, len(p.active))
	for ref := range p.active {
		refs = append(refs, ref)
	}
	p.mu.Unlock()
	return Stats{ActivePollers: len(refs), OrderRefs: refs}
}

// Shutdown cancels every loop and waits for them to drain.
func (p *Poller) Shutdown() {
	p.shutdown()

	p.mu.Lock()
	loops := make([]*loop, 0, len(p.active))
	for ref, l := range p.active {
		loops = append(loops, l)
		delete(p.active, ref)
	}
	p.mu.Unlock()

	for _, l := range loops {
		<-l.done
	}
}

func (p *Poller) run(ctx context.Context, l *loop, orderRef string, maxWait, interval time.Duration, onResolution ResolutionFunc) {
	defer close(l.done)
	defer p.metrics.PollerStopped()
	defer func() {
		p.mu.Lock()
		if p.active[orderRef] == l {
			delete(p.active, orderRef)
		}
		p.mu.Unlock()
	}()

	start := time.Now()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		if p.tick(ctx, orderRef, start, maxWait, onResolution) {
			return
		}
	}
}

// tick runs one poll cycle. Returns true when the loop must stop.
func (p *Poller) tick(ctx context.Context, orderRef string, start time.Time, maxWait time.Duration, onResolution ResolutionFunc) bool {
	// Cheap local read first: the synchronous wait primitive may have
	// resolved this order already, in which case there is nothing left to
	// poll remotely.
	session, err := p.sessions.FindByOrderRef(ctx, orderRef)
	if err != nil {
		p.logger.Warn("auto polling stopped, session missing", "order_ref", orderRef)
		return true
	}
	if session.Status.Terminal() {
		p.logger.Info("auto polling stopped, session already terminal",
			"order_ref", orderRef, "status", string(session.Status))
		return true
	}

	p.metrics.IncCollectPolls()
	res, err := p.client.Collect(ctx, orderRef)
	if err != nil {
		return p.tickError(ctx, session, start, maxWait, err, onResolution)
	}

	switch res.Status {
	case client.StatusComplete:
		if _, err := p.sessions.CompleteByOrderRef(ctx, orderRef, res.CompletionData); err != nil {
			p.logger.Error("persisting completed order failed", "order_ref", orderRef, "error", err)
		}
		p.metrics.IncOrdersResolved("complete")
		p.logger.Info("order completed", "order_ref", orderRef)
		if session.CallbackURL != "" {
			payload := webhook.NewPayload("complete", orderRef)
			payload.CompletionData = res.CompletionData
			p.notify(ctx, onResolution, session.CallbackURL, payload)
		}
		return true

	case client.StatusFailed:
		if _, err := p.sessions.UpdateStatusByOrderRef(ctx, orderRef, models.StatusFailed, res.HintCode); err != nil {
			p.logger.Error("persisting failed order failed", "order_ref", orderRef, "error", err)
		}
		p.metrics.IncOrdersResolved("failed")
		p.logger.Warn("order failed", "order_ref", orderRef, "hint_code", res.HintCode)
		if session.CallbackURL != "" {
			payload := webhook.NewPayload("failed", orderRef)
			payload.HintCode = res.HintCode
			p.notify(ctx, onResolution, session.CallbackURL, payload)
		}
		return true

	default:
		if _, err := p.sessions.UpdateStatusByOrderRef(ctx, orderRef, models.StatusPending, res.HintCode); err != nil {
			p.logger.Error("persisting pending status failed", "order_ref", orderRef, "error", err)
		}
	}

	if time.Since(start) >= maxWait {
		p.timeout(ctx, session, onResolution)
		return true
	}
	return false
}

// timeout handles a loop that exhausted maxWait while still pending: cancel
// the remote order best-effort, mark the session failed, notify.
func (p *Poller) timeout(ctx context.Context, session models.Session, onResolution ResolutionFunc) {
	orderRef := session.OrderRef
	p.logger.Warn("auto polling timed out", "order_ref", orderRef)

	if err := p.client.Cancel(ctx, orderRef); err != nil {
		p.logger.Warn("best-effort cancel after timeout failed", "order_ref", orderRef, "error", err)
	}

	if _, err := p.sessions.UpdateStatusByOrderRef(ctx, orderRef, models.StatusFailed, "expiredTransaction"); err != nil {
		p.logger.Error("persisting timeout failed", "order_ref", orderRef, "error", err)
	}
	p.metrics.IncOrdersResolved("timeout")

	if session.CallbackURL != "" {
		p.notify(ctx, onResolution, session.CallbackURL, webhook.NewPayload("timeout", orderRef))
	}
}

// tickError classifies a collect failure: soft errors keep the loop alive on
// its normal interval; 5xx-class answers or any error at the deadline end it.
func (p *Poller) tickError(ctx context.Context, session models.Session, start time.Time, maxWait time.Duration, err error, onResolution ResolutionFunc) bool {
	if ctx.Err() != nil {
		return true
	}

	orderRef := session.OrderRef
	var apiErr *client.APIError
	hard := errors.As(err, &apiErr) && !apiErr.Retryable()

	if !hard && time.Since(start) < maxWait {
		p.logger.Warn("auto polling error, retrying", "order_ref", orderRef, "error", err)
		return false
	}

	hint := "internalError"
	detail := err.Error()
	if apiErr != nil {
		hint = apiErr.ErrorCode
		detail = apiErr.Details
	}

	if _, err := p.sessions.UpdateStatusByOrderRef(ctx, orderRef, models.StatusFailed, hint); err != nil {
		p.logger.Error("persisting errored order failed", "order_ref", orderRef, "error", err)
	}
	p.metrics.IncOrdersResolved("error")
	p.logger.Error("auto polling aborted", "order_ref", orderRef, "error", err)

	if session.CallbackURL != "" {
		payload := webhook.NewPayload("error", orderRef)
		payload.ErrorMessage = detail
		p.notify(ctx, onResolution, session.CallbackURL, payload)
	}
	return true
}

func (p *Poller) notify(ctx context.Context, onResolution ResolutionFunc, callbackURL string, payload webhook.Payload) {
	if onResolution == nil {
		return
	}
	ok := onResolution(ctx, callbackURL, payload)
	p.metrics.IncWebhookDelivery(ok)
}
