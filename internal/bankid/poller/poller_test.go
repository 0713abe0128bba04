package poller

import (
	"bytes"
	"context"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"bankid-gateway/internal/bankid/client"
	"bankid-gateway/internal/bankid/models"
	"bankid-gateway/internal/bankid/store"
	"bankid-gateway/internal/bankid/webhook"
)

const (
	testOrderRef = "a1b2c3d4-0000-0000-0000-000000000000"
	testCallback = "https://example.com/hook"
	tick         = 5 * time.Millisecond
)

type collectResult struct {
	res *client.CollectResponse
	err error
}

// stubCollector plays back scripted collect answers; the last entry repeats.
type stubCollector struct {
	mu        sync.Mutex
	script    []collectResult
	collects  int
	cancels   int
	cancelErr error
}

func (c *stubCollector) Collect(_ context.Context, orderRef string) (*client.CollectResponse, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	i := c.collects
	c.collects++
	if i >= len(c.script) {
		i = len(c.script) - 1
	}
	r := c.script[i]
	if r.res != nil {
		res := *r.res
		res.OrderRef = orderRef
		return &res, r.err
	}
	return nil, r.err
}

func (c *stubCollector) Cancel(context.Context, string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cancels++
	return c.cancelErr
}

func (c *stubCollector) collectCalls() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.collects
}

func (c *stubCollector) cancelCalls() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cancels
}

// hookRecorder captures webhook payloads instead of delivering them.
type hookRecorder struct {
	mu       sync.Mutex
	payloads []webhook.Payload
	urls     []string
}

func (h *hookRecorder) deliver(_ context.Context, url string, payload webhook.Payload) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.urls = append(h.urls, url)
	h.payloads = append(h.payloads, payload)
	return true
}

func (h *hookRecorder) recorded() []webhook.Payload {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]webhook.Payload, len(h.payloads))
	copy(out, h.payloads)
	return out
}

func pending(hint string) collectResult {
	return collectResult{res: &client.CollectResponse{Status: client.StatusPending, HintCode: hint}}
}

func complete(personalNumber string) collectResult {
	return collectResult{res: &client.CollectResponse{
		Status: client.StatusComplete,
		CompletionData: &models.CompletionData{
			User: models.CompletionUser{PersonalNumber: personalNumber},
		},
	}}
}

func newTestPoller(t *testing.T, c *stubCollector) (*Poller, *store.InMemorySessionStore) {
	t.Helper()
	sessions := store.NewInMemorySessionStore()
	logger := slog.New(slog.NewTextHandler(&bytes.Buffer{}, nil))
	p := New(c, sessions, logger)
	t.Cleanup(p.Shutdown)
	return p, sessions
}

func seedSession(t *testing.T, sessions *store.InMemorySessionStore, status models.Status) {
	t.Helper()
	_, err := sessions.Create(context.Background(), models.Session{
		Operation:   models.OperationAuth,
		Status:      status,
		OrderRef:    testOrderRef,
		CallbackURL: testCallback,
	})
	require.NoError(t, err)
}

func TestStartPollingResolvesCompletedOrder(t *testing.T) {
	collector := &stubCollector{script: []collectResult{
		pending("outstandingTransaction"),
		pending("userSign"),
		complete("198001019876"),
	}}
	p, sessions := newTestPoller(t, collector)
	seedSession(t, sessions, models.StatusPending)

	hooks := &hookRecorder{}
	p.StartPolling(testOrderRef, time.Minute, tick, hooks.deliver)

	require.Eventually(t, func() bool { return !p.IsPolling(testOrderRef) },
		2*time.Second, tick, "loop should stop once the order resolves")

	payloads := hooks.recorded()
	require.Len(t, payloads, 1)
	assert.Equal(t, "complete", payloads[0].Status)
	assert.Equal(t, testOrderRef, payloads[0].OrderRef)
	require.NotNil(t, payloads[0].CompletionData)
	assert.Equal(t, "198001019876", payloads[0].CompletionData.User.PersonalNumber)

	hooks.mu.Lock()
	assert.Equal(t, []string{testCallback}, hooks.urls)
	hooks.mu.Unlock()

	final, err := sessions.FindByOrderRef(context.Background(), testOrderRef)
	require.NoError(t, err)
	assert.Equal(t, models.StatusComplete, final.Status)
}

func TestStartPollingTwiceKeepsSingleLoop(t *testing.T) {
	collector := &stubCollector{script: []collectResult{
		pending("outstandingTransaction"),
		pending("outstandingTransaction"),
		pending("outstandingTransaction"),
		complete("198001019876"),
	}}
	p, sessions := newTestPoller(t, collector)
	seedSession(t, sessions, models.StatusPending)

	hooks := &hookRecorder{}
	p.StartPolling(testOrderRef, time.Minute, tick, hooks.deliver)
	p.StartPolling(testOrderRef, time.Minute, tick, hooks.deliver)

	stats := p.Stats()
	assert.Equal(t, 1, stats.ActivePollers)
	assert.Equal(t, []string{testOrderRef}, stats.OrderRefs)

	require.Eventually(t, func() bool { return !p.IsPolling(testOrderRef) },
		2*time.Second, tick)

	// Exactly one resolution despite the restart.
	payloads := hooks.recorded()
	require.Len(t, payloads, 1)
	assert.Equal(t, "complete", payloads[0].Status)
}

func TestPollingTimeout(t *testing.T) {
	collector := &stubCollector{script: []collectResult{pending("outstandingTransaction")}}
	p, sessions := newTestPoller(t, collector)
	seedSession(t, sessions, models.StatusPending)

	hooks := &hookRecorder{}
	p.StartPolling(testOrderRef, 3*tick, tick, hooks.deliver)

	require.Eventually(t, func() bool { return !p.IsPolling(testOrderRef) },
		2*time.Second, tick)

	payloads := hooks.recorded()
	require.Len(t, payloads, 1)
	assert.Equal(t, "timeout", payloads[0].Status)
	assert.Nil(t, payloads[0].CompletionData)

	assert.Equal(t, 1, collector.cancelCalls(), "timeout must attempt a remote cancel")

	final, err := sessions.FindByOrderRef(context.Background(), testOrderRef)
	require.NoError(t, err)
	assert.Equal(t, models.StatusFailed, final.Status)
	assert.Equal(t, "expiredTransaction", final.HintCode)
}

func TestStopPollingPreventsFurtherTicks(t *testing.T) {
	collector := &stubCollector{script: []collectResult{pending("outstandingTransaction")}}
	p, sessions := newTestPoller(t, collector)
	seedSession(t, sessions, models.StatusPending)

	hooks := &hookRecorder{}
	p.StartPolling(testOrderRef, time.Minute, tick, hooks.deliver)

	require.Eventually(t, func() bool { return collector.collectCalls() >= 1 },
		2*time.Second, tick)

	require.True(t, p.StopPolling(testOrderRef))
	assert.False(t, p.IsPolling(testOrderRef))

	calls := collector.collectCalls()
	time.Sleep(10 * tick)
	assert.Equal(t, calls, collector.collectCalls(), "no tick may run after StopPolling returns")
	assert.Empty(t, hooks.recorded())

	assert.False(t, p.StopPolling(testOrderRef), "second stop finds nothing")
}

func TestPollingStopsOnLocallyTerminalSession(t *testing.T) {
	collector := &stubCollector{script: []collectResult{pending("")}}
	p, sessions := newTestPoller(t, collector)
	seedSession(t, sessions, models.StatusComplete)

	hooks := &hookRecorder{}
	p.StartPolling(testOrderRef, time.Minute, tick, hooks.deliver)

	require.Eventually(t, func() bool { return !p.IsPolling(testOrderRef) },
		2*time.Second, tick)

	assert.Zero(t, collector.collectCalls(), "terminal sessions need no remote traffic")
	assert.Empty(t, hooks.recorded())
}

func TestPollingAbortsOnHardError(t *testing.T) {
	collector := &stubCollector{script: []collectResult{
		{err: &client.APIError{ErrorCode: "internalError", Details: "Internal technical error", HTTPStatus: 500}},
	}}
	p, sessions := newTestPoller(t, collector)
	seedSession(t, sessions, models.StatusPending)

	hooks := &hookRecorder{}
	p.StartPolling(testOrderRef, time.Minute, tick, hooks.deliver)

	require.Eventually(t, func() bool { return !p.IsPolling(testOrderRef) },
		2*time.Second, tick)

	payloads := hooks.recorded()
	require.Len(t, payloads, 1)
	assert.Equal(t, "error", payloads[0].Status)
	assert.Equal(t, "Internal technical error", payloads[0].ErrorMessage)

	final, err := sessions.FindByOrderRef(context.Background(), testOrderRef)
	require.NoError(t, err)
	assert.Equal(t, models.StatusFailed, final.Status)
	assert.Equal(t, "internalError", final.HintCode)
}

func TestPollingRetriesSoftErrors(t *testing.T) {
	collector := &stubCollector{script: []collectResult{
		{err: &client.APIError{ErrorCode: "requestTimeout", Details: "slow down", HTTPStatus: 408}},
		pending("outstandingTransaction"),
		complete("198001019876"),
	}}
	p, sessions := newTestPoller(t, collector)
	seedSession(t, sessions, models.StatusPending)

	hooks := &hookRecorder{}
	p.StartPolling(testOrderRef, time.Minute, tick, hooks.deliver)

	require.Eventually(t, func() bool { return !p.IsPolling(testOrderRef) },
		2*time.Second, tick)

	payloads := hooks.recorded()
	require.Len(t, payloads, 1)
	assert.Equal(t, "complete", payloads[0].Status)
}

func TestShutdownDrainsAllLoops(t *testing.T) {
	collector := &stubCollector{script: []collectResult{pending("outstandingTransaction")}}
	sessions := store.NewInMemorySessionStore()
	logger := slog.New(slog.NewTextHandler(&bytes.Buffer{}, nil))
	p := New(collector, sessions, logger)

	refs := []string{
		"a1b2c3d4-0000-0000-0000-000000000001",
		"a1b2c3d4-0000-0000-0000-000000000002",
	}
	for _, ref := range refs {
		_, err := sessions.Create(context.Background(), models.Session{
			Status: models.StatusPending, OrderRef: ref,
		})
		require.NoError(t, err)
		p.StartPolling(ref, time.Minute, tick, nil)
	}
	require.Equal(t, 2, p.Stats().ActivePollers)

	p.Shutdown()
	assert.Zero(t, p.Stats().ActivePollers)
	for _, ref := range refs {
		assert.False(t, p.IsPolling(ref))
	}
}
