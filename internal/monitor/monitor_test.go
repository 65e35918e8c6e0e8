package monitor

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vdavid/mailguard/internal/config"
	"github.com/vdavid/mailguard/internal/dedup"
	"github.com/vdavid/mailguard/internal/imap"
	"github.com/vdavid/mailguard/internal/models"
	"github.com/vdavid/mailguard/internal/notify"
	"github.com/vdavid/mailguard/internal/scan"
	"github.com/vdavid/mailguard/internal/testutil"
	"go.uber.org/zap/zaptest"
)

const (
	testMailbox = "alice@example.com"
	testUser    = "user-1"
)

type harness struct {
	monitor  *Monitor
	dialer   *fakeDialer
	store    *fakeStore
	records  *testutil.MemoryRecordStore
	notifier *testutil.RecordingNotifier
	ledger   *dedup.Ledger
}

func newHarness(t *testing.T, opts Options, results ...dialResult) *harness {
	t.Helper()
	logger := zaptest.NewLogger(t)

	h := &harness{
		dialer:   &fakeDialer{results: results},
		store:    &fakeStore{},
		records:  testutil.NewMemoryRecordStore(),
		notifier: &testutil.RecordingNotifier{},
		ledger:   dedup.NewLedger(time.Hour),
	}
	events := notify.NewEvents(h.notifier, logger)
	pipeline := scan.NewPipeline(h.records, events, nil, scan.NewScanner(nil, nil, 1, logger), scan.Options{Workers: 2, QueueSize: 10}, logger)

	if opts.ReconnectInitialDelay == 0 {
		opts.ReconnectInitialDelay = 10 * time.Millisecond
		opts.ReconnectMaxDelay = 50 * time.Millisecond
	}
	if opts.IdleTimeout == 0 {
		opts.IdleTimeout = 200 * time.Millisecond
	}
	opts.CloseTimeout = time.Second
	h.monitor = NewMonitor(h.store, h.dialer, h.ledger, pipeline, events, opts, logger)

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = h.monitor.Shutdown(ctx)
		_ = pipeline.Shutdown(ctx)
		h.ledger.Close()
	})
	return h
}

func (h *harness) waitLive(t *testing.T) {
	t.Helper()
	require.Eventually(t, func() bool {
		return h.monitor.GetConnectionStates(testUser)[testMailbox]
	}, 2*time.Second, 5*time.Millisecond)
}

func (h *harness) connectEvents() []notify.ConnectionEvent {
	var events []notify.ConnectionEvent
	for _, msg := range h.notifier.WithPrefix("connect/") {
		events = append(events, msg.Payload.(notify.ConnectionEvent))
	}
	return events
}

func TestStartMonitoring_Idempotent(t *testing.T) {
	session := newFakeSession(true)
	h := newHarness(t, Options{}, dialResult{session: session})

	require.NoError(t, h.monitor.StartMonitoring(context.Background(), testMailbox, testUser))
	require.NoError(t, h.monitor.StartMonitoring(context.Background(), testMailbox, testUser))
	h.waitLive(t)

	assert.Equal(t, 1, h.dialer.Calls())
	assert.Len(t, h.monitor.GetConnectionStates(testUser), 1)

	state, ok := h.monitor.Snapshot(testMailbox, testUser)
	require.True(t, ok)
	assert.Equal(t, StateMonitoring, state.State)
	assert.Equal(t, "idle", state.Strategy)
	assert.True(t, state.Connected)

	events := h.connectEvents()
	require.Len(t, events, 1)
	assert.Equal(t, "success", events[0].Status)
	assert.Equal(t, "connect/alice@example.com/user-1", h.notifier.WithPrefix("connect/")[0].Topic)
}

func TestStartMonitoring_InvalidCredentials(t *testing.T) {
	authErr := &imap.AuthenticationError{Username: testMailbox, Err: assert.AnError}
	h := newHarness(t, Options{}, dialResult{err: authErr})

	err := h.monitor.StartMonitoring(context.Background(), testMailbox, testUser)

	var target *imap.AuthenticationError
	require.ErrorAs(t, err, &target)
	assert.Equal(t, []string{testMailbox}, h.store.Deactivated())

	events := h.connectEvents()
	require.Len(t, events, 1)
	assert.Equal(t, "error", events[0].Status)
	assert.Equal(t, "Invalid credentials", events[0].Cause)

	assert.Empty(t, h.monitor.GetConnectionStates(testUser))
	_, ok := h.monitor.Snapshot(testMailbox, testUser)
	assert.False(t, ok)

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 1, h.dialer.Calls(), "credential failures are not retried")
}

func TestStartMonitoring_MailboxNotFound(t *testing.T) {
	h := newHarness(t, Options{}, dialResult{session: newFakeSession(true)})
	h.store.missing = true

	err := h.monitor.StartMonitoring(context.Background(), testMailbox, testUser)

	var target *MailboxNotFoundError
	require.ErrorAs(t, err, &target)
	assert.Equal(t, testMailbox, target.Mailbox)
	assert.Equal(t, 0, h.dialer.Calls())
	assert.Empty(t, h.monitor.GetConnectionStates(""))
}

func TestStartMonitoring_TransientFailureRetries(t *testing.T) {
	session := newFakeSession(true)
	h := newHarness(t, Options{}, dialResult{err: transportError()}, dialResult{session: session})

	require.NoError(t, h.monitor.StartMonitoring(context.Background(), testMailbox, testUser))
	h.waitLive(t)

	assert.Equal(t, 2, h.dialer.Calls())
	assert.Empty(t, h.store.Deactivated())
	state, _ := h.monitor.Snapshot(testMailbox, testUser)
	assert.Equal(t, 0, state.Attempts)
	assert.Empty(t, state.LastError)
}

func TestSupervisor_ReconnectsAfterConnectionLoss(t *testing.T) {
	first := newFakeSession(true)
	second := newFakeSession(true)
	h := newHarness(t, Options{}, dialResult{session: first}, dialResult{session: second})

	require.NoError(t, h.monitor.StartMonitoring(context.Background(), testMailbox, testUser))
	h.waitLive(t)

	first.failures <- transportError()

	require.Eventually(t, func() bool { return h.dialer.Calls() == 2 }, 2*time.Second, 5*time.Millisecond)
	h.waitLive(t)

	assert.Equal(t, int32(1), first.closes.Load())
	var statuses []string
	for _, e := range h.connectEvents() {
		statuses = append(statuses, e.Status+":"+e.Cause)
	}
	assert.Equal(t, []string{"success:", "error:Connection dropped by server", "success:"}, statuses)
}

func TestStopMonitoring_MidWait(t *testing.T) {
	session := newFakeSession(true)
	h := newHarness(t, Options{IdleTimeout: 500 * time.Millisecond}, dialResult{session: session})

	require.NoError(t, h.monitor.StartMonitoring(context.Background(), testMailbox, testUser))
	h.waitLive(t)
	require.True(t, h.ledger.TryClaim(models.MailboxKey(testMailbox, testUser), "seen"))

	start := time.Now()
	require.NoError(t, h.monitor.StopMonitoring(context.Background(), testMailbox, testUser))

	assert.Less(t, time.Since(start), 500*time.Millisecond)
	assert.Equal(t, int32(1), session.closes.Load())
	assert.False(t, session.IsValid())
	assert.Empty(t, h.monitor.GetConnectionStates(testUser))
	assert.Equal(t, 0, h.ledger.Len(models.MailboxKey(testMailbox, testUser)))

	require.NoError(t, h.monitor.StopMonitoring(context.Background(), testMailbox, testUser), "stopping twice is a no-op")
}

func TestStopAllMonitoring(t *testing.T) {
	h := newHarness(t, Options{}, dialResult{session: newFakeSession(true)})
	h.dialer.results = []dialResult{{session: newFakeSession(true)}, {session: newFakeSession(true)}, {session: newFakeSession(true)}}

	require.NoError(t, h.monitor.StartMonitoring(context.Background(), "a@example.com", testUser))
	require.NoError(t, h.monitor.StartMonitoring(context.Background(), "b@example.com", testUser))
	require.NoError(t, h.monitor.StartMonitoring(context.Background(), "c@example.com", "user-2"))

	require.NoError(t, h.monitor.StopAllMonitoring(context.Background(), testUser))

	assert.Empty(t, h.monitor.GetConnectionStates(testUser))
	assert.Len(t, h.monitor.GetConnectionStates(""), 1)
	assert.Contains(t, h.monitor.GetConnectionStates(""), "c@example.com")
}

func TestMonitor_StartWhileStopping(t *testing.T) {
	h := newHarness(t, Options{}, dialResult{session: newFakeSession(true)})
	gate := make(chan struct{})
	h.dialer.gate = gate
	ctx := context.Background()

	first := make(chan error, 1)
	go func() { first <- h.monitor.StartMonitoring(ctx, testMailbox, testUser) }()
	require.Eventually(t, func() bool { return h.dialer.Calls() == 1 }, 2*time.Second, 5*time.Millisecond)

	stopped := make(chan error, 1)
	go func() { stopped <- h.monitor.StopMonitoring(ctx, testMailbox, testUser) }()
	require.Eventually(t, func() bool {
		h.monitor.mu.Lock()
		defer h.monitor.mu.Unlock()
		sup := h.monitor.supervisors[models.MailboxKey(testMailbox, testUser)]
		return sup != nil && sup.ctx.Err() != nil
	}, 2*time.Second, 5*time.Millisecond)

	second := make(chan error, 1)
	go func() { second <- h.monitor.StartMonitoring(ctx, testMailbox, testUser) }()
	select {
	case err := <-second:
		t.Fatalf("start returned while the old supervisor was still stopping: %v", err)
	case <-time.After(50 * time.Millisecond):
	}

	close(gate)
	assert.ErrorIs(t, <-first, ErrStopped)
	assert.NoError(t, <-stopped)
	require.NoError(t, <-second)

	h.waitLive(t)
	assert.Equal(t, 2, h.dialer.Calls())
}

func TestMonitor_PollWindow(t *testing.T) {
	now := time.Now()
	session := newFakeSession(false, []models.InboundMessage{
		inbound("<old-1@example.com>", now.Add(-2*time.Hour)),
		inbound("<old-2@example.com>", now.Add(-90*time.Minute)),
		inbound("<new@example.com>", now.Add(-time.Minute)),
	})
	h := newHarness(t, Options{Strategy: config.StrategyPoll, PollInterval: time.Hour}, dialResult{session: session})

	require.NoError(t, h.monitor.StartMonitoring(context.Background(), testMailbox, testUser))
	require.Eventually(t, func() bool { return h.records.CountTerminal() == 1 }, 2*time.Second, 5*time.Millisecond)

	time.Sleep(50 * time.Millisecond)
	records := h.records.Latest()
	require.Len(t, records, 1)
	assert.Equal(t, "alice@example.com_<new@example.com>", records[0].MessageIdentity)
	assert.Equal(t, models.ScanCompleted, records[0].Status)

	state, _ := h.monitor.Snapshot(testMailbox, testUser)
	assert.Equal(t, "poll", state.Strategy)
}

func TestMonitor_DedupAcrossIdleAndPoll(t *testing.T) {
	msg := inbound("<once@example.com>", time.Now())
	idleSession := newFakeSession(true)
	pollSession := newFakeSession(false, []models.InboundMessage{msg})
	h := newHarness(t, Options{PollInterval: time.Hour}, dialResult{session: idleSession}, dialResult{session: pollSession})

	require.NoError(t, h.monitor.StartMonitoring(context.Background(), testMailbox, testUser))
	h.waitLive(t)

	idleSession.changes <- []models.InboundMessage{msg}
	require.Eventually(t, func() bool { return h.records.CountTerminal() == 1 }, 2*time.Second, 5*time.Millisecond)

	idleSession.failures <- transportError()
	require.Eventually(t, func() bool {
		state, _ := h.monitor.Snapshot(testMailbox, testUser)
		return state.Strategy == "poll" && state.State == StateMonitoring
	}, 2*time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool {
		pollSession.mu.Lock()
		defer pollSession.mu.Unlock()
		return len(pollSession.fetchSince) > 0
	}, 2*time.Second, 5*time.Millisecond)

	time.Sleep(50 * time.Millisecond)
	assert.Len(t, h.records.Latest(), 1)
}

func TestMonitor_Shutdown(t *testing.T) {
	h := newHarness(t, Options{}, dialResult{session: newFakeSession(true)})
	require.NoError(t, h.monitor.StartMonitoring(context.Background(), testMailbox, testUser))
	h.waitLive(t)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, h.monitor.Shutdown(ctx))

	assert.Empty(t, h.monitor.GetConnectionStates(""))
	err := h.monitor.StartMonitoring(context.Background(), testMailbox, testUser)
	assert.ErrorIs(t, err, ErrMonitorClosed)
}
