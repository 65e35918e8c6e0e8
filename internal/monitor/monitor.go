// Package monitor keeps one supervisor goroutine per monitored mailbox. A supervisor
// connects, watches INBOX with IDLE or polling, reconnects with backoff after a
// failure, and hands every new message to the scan pipeline exactly once.
package monitor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/vdavid/mailguard/internal/config"
	"github.com/vdavid/mailguard/internal/db"
	"github.com/vdavid/mailguard/internal/dedup"
	"github.com/vdavid/mailguard/internal/imap"
	"github.com/vdavid/mailguard/internal/models"
	"github.com/vdavid/mailguard/internal/notify"
	"github.com/vdavid/mailguard/internal/scan"
	"go.uber.org/zap"
)

// CredentialStore resolves and deactivates mailboxes.
type CredentialStore interface {
	FindCredential(ctx context.Context, mailbox, userID string) (models.Credential, error)
	DeactivateMailbox(ctx context.Context, mailbox, userID string) error
}

// Submitter accepts deduplicated messages for scanning. It must not block on a full queue.
type Submitter interface {
	Submit(ctx context.Context, job scan.Job) error
}

// Options tunes the supervisors.
type Options struct {
	// Strategy is one of config.StrategyAuto, config.StrategyIdle or config.StrategyPoll.
	Strategy              string
	PollInterval          time.Duration
	IdleTimeout           time.Duration
	KeepaliveThreshold    time.Duration
	ReconnectInitialDelay time.Duration
	ReconnectMaxDelay     time.Duration
	CloseTimeout          time.Duration
}

// OptionsFromConfig copies the monitor settings out of cfg.
func OptionsFromConfig(cfg *config.Config) Options {
	return Options{
		Strategy:              cfg.MonitorStrategy,
		PollInterval:          cfg.PollInterval,
		IdleTimeout:           cfg.IdleTimeout,
		KeepaliveThreshold:    cfg.KeepaliveThreshold,
		ReconnectInitialDelay: cfg.ReconnectInitialDelay,
		ReconnectMaxDelay:     cfg.ReconnectMaxDelay,
	}
}

func (o Options) withDefaults() Options {
	if o.Strategy == "" {
		o.Strategy = config.StrategyAuto
	}
	if o.PollInterval <= 0 {
		o.PollInterval = 60 * time.Second
	}
	if o.IdleTimeout <= 0 {
		o.IdleTimeout = 5 * time.Minute
	}
	if o.KeepaliveThreshold <= 0 {
		o.KeepaliveThreshold = time.Minute
	}
	if o.ReconnectInitialDelay <= 0 {
		o.ReconnectInitialDelay = 5 * time.Second
	}
	if o.ReconnectMaxDelay < o.ReconnectInitialDelay {
		o.ReconnectMaxDelay = 5 * time.Minute
		if o.ReconnectMaxDelay < o.ReconnectInitialDelay {
			o.ReconnectMaxDelay = o.ReconnectInitialDelay
		}
	}
	if o.CloseTimeout <= 0 {
		o.CloseTimeout = 5 * time.Second
	}
	return o
}

// Monitor is the registry of mailbox supervisors. At most one supervisor exists per
// (mailbox, user).
type Monitor struct {
	store     CredentialStore
	dialer    imap.SessionDialer
	ledger    *dedup.Ledger
	submitter Submitter
	events    *notify.Events
	opts      Options
	logger    *zap.Logger

	baseCtx   context.Context
	cancelAll context.CancelFunc
	wg        sync.WaitGroup

	mu          sync.Mutex
	supervisors map[string]*supervisor
	closed      bool
}

// NewMonitor creates a Monitor. Nothing is monitored until StartMonitoring.
func NewMonitor(store CredentialStore, dialer imap.SessionDialer, ledger *dedup.Ledger, submitter Submitter, events *notify.Events, opts Options, logger *zap.Logger) *Monitor {
	if logger == nil {
		logger = zap.NewNop()
	}
	if events == nil {
		events = notify.NewEvents(nil, logger)
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Monitor{
		store:       store,
		dialer:      dialer,
		ledger:      ledger,
		submitter:   submitter,
		events:      events,
		opts:        opts.withDefaults(),
		logger:      logger,
		baseCtx:     ctx,
		cancelAll:   cancel,
		supervisors: make(map[string]*supervisor),
	}
}

// StartMonitoring begins watching a mailbox. It is a no-op when the mailbox is already
// monitored. Credentials are resolved and the first connection is made before it returns:
// a missing mailbox or rejected credentials are returned as errors, while a transient
// connection failure leaves the supervisor retrying in the background and returns nil.
// A mailbox that is being stopped is started again once the old supervisor is gone.
func (m *Monitor) StartMonitoring(ctx context.Context, mailbox, userID string) error {
	sup, err := m.reserve(ctx, mailbox, userID)
	if err != nil || sup == nil {
		return err
	}

	// Requests and StopMonitoring can both abort the first connect.
	connectCtx, cancel := context.WithCancel(sup.ctx)
	defer cancel()
	stopAfter := context.AfterFunc(ctx, cancel)
	defer stopAfter()

	cred, err := m.store.FindCredential(connectCtx, mailbox, userID)
	if err != nil {
		m.abandon(sup)
		if errors.Is(err, db.ErrMailboxNotFound) || errors.Is(err, db.ErrMailboxInactive) {
			return &MailboxNotFoundError{Mailbox: mailbox, UserID: userID, Err: err}
		}
		return fmt.Errorf("failed to look up mailbox %s: %w", mailbox, err)
	}
	sup.setCredential(cred)

	sup.transition(StateConnecting)
	session, err := sup.connect(connectCtx)
	if err != nil {
		switch {
		case sup.ctx.Err() != nil:
			m.abandon(sup)
			return ErrStopped
		case ctx.Err() != nil:
			m.abandon(sup)
			return ctx.Err()
		case imap.Classify(err) == imap.OutcomeFatal:
			sup.rejectCredentials(err)
			m.abandon(sup)
			return err
		}
		sup.logger.Warn("Initial connection failed, retrying in background", zap.Error(err))
		sup.transition(StateRecovering)
		session = nil
	}

	go sup.run(session)
	return nil
}

// reserve registers a new supervisor for the mailbox. It returns nil, nil when a live
// supervisor already exists.
func (m *Monitor) reserve(ctx context.Context, mailbox, userID string) (*supervisor, error) {
	key := models.MailboxKey(mailbox, userID)
	for {
		m.mu.Lock()
		if m.closed {
			m.mu.Unlock()
			return nil, ErrMonitorClosed
		}
		existing := m.supervisors[key]
		if existing == nil {
			sup := newSupervisor(m, mailbox, userID)
			m.supervisors[key] = sup
			m.wg.Add(1)
			m.mu.Unlock()
			return sup, nil
		}
		m.mu.Unlock()

		if existing.ctx.Err() == nil {
			return nil, nil
		}
		select {
		case <-existing.released:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// abandon drops a supervisor whose goroutine never started.
func (m *Monitor) abandon(sup *supervisor) {
	m.release(sup)
	sup.finish()
	m.wg.Done()
}

// release removes the supervisor from the registry and forgets its dedup scope.
func (m *Monitor) release(sup *supervisor) {
	sup.releaseOnce.Do(func() {
		sup.cancel()
		sup.transition(StateStopped)
		m.mu.Lock()
		if m.supervisors[sup.key] == sup {
			delete(m.supervisors, sup.key)
		}
		m.mu.Unlock()
		m.ledger.Forget(sup.key)
		mailboxStates.WithLabelValues(string(sup.currentState())).Dec()
		close(sup.released)
	})
}

func (m *Monitor) strategyFor(session imap.MailSession) Strategy {
	switch m.opts.Strategy {
	case config.StrategyPoll:
		return NewPollStrategy(m.opts.PollInterval)
	case config.StrategyIdle:
		return NewIdleStrategy(m.opts.IdleTimeout, m.opts.KeepaliveThreshold)
	default:
		if session.SupportsIdle() {
			return NewIdleStrategy(m.opts.IdleTimeout, m.opts.KeepaliveThreshold)
		}
		return NewPollStrategy(m.opts.PollInterval)
	}
}

// StopMonitoring stops the mailbox's supervisor and waits for it to close its session.
// It is a no-op when the mailbox is not monitored.
func (m *Monitor) StopMonitoring(ctx context.Context, mailbox, userID string) error {
	m.mu.Lock()
	sup := m.supervisors[models.MailboxKey(mailbox, userID)]
	m.mu.Unlock()
	if sup == nil {
		return nil
	}
	return m.stop(ctx, sup)
}

func (m *Monitor) stop(ctx context.Context, sup *supervisor) error {
	sup.cancel()

	timer := time.NewTimer(m.opts.IdleTimeout + m.opts.CloseTimeout)
	defer timer.Stop()

	var err error
	select {
	case <-sup.done:
	case <-ctx.Done():
		err = ctx.Err()
	case <-timer.C:
		sup.logger.Warn("Supervisor did not stop in time")
		err = fmt.Errorf("timed out stopping %s", sup.mailbox)
	}
	m.release(sup)
	return err
}

// StopAllMonitoring stops every mailbox of the user.
func (m *Monitor) StopAllMonitoring(ctx context.Context, userID string) error {
	var errs []error
	for _, sup := range m.supervisorsOf(userID) {
		if err := m.stop(ctx, sup); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (m *Monitor) supervisorsOf(userID string) []*supervisor {
	m.mu.Lock()
	defer m.mu.Unlock()

	result := make([]*supervisor, 0, len(m.supervisors))
	for _, sup := range m.supervisors {
		if userID == "" || sup.userID == userID {
			result = append(result, sup)
		}
	}
	return result
}

// GetConnectionStates reports, per mailbox address, whether the mailbox is live:
// connected, INBOX selected and monitoring. An empty userID covers every user.
func (m *Monitor) GetConnectionStates(userID string) map[string]bool {
	sups := m.supervisorsOf(userID)
	states := make(map[string]bool, len(sups))
	for _, sup := range sups {
		states[sup.mailbox] = sup.live()
	}
	return states
}

// Snapshot returns the state of one monitored mailbox.
func (m *Monitor) Snapshot(mailbox, userID string) (ConnectionState, bool) {
	m.mu.Lock()
	sup := m.supervisors[models.MailboxKey(mailbox, userID)]
	m.mu.Unlock()
	if sup == nil {
		return ConnectionState{}, false
	}
	return sup.snapshot(), true
}

// Snapshots returns the state of every mailbox of the user, or of all users when userID is empty.
func (m *Monitor) Snapshots(userID string) []ConnectionState {
	sups := m.supervisorsOf(userID)
	result := make([]ConnectionState, 0, len(sups))
	for _, sup := range sups {
		result = append(result, sup.snapshot())
	}
	return result
}

// Shutdown stops accepting mailboxes, signals every supervisor and waits for them
// until ctx ends.
func (m *Monitor) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()

	m.cancelAll()

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		m.logger.Warn("Monitor shutdown deadline reached with supervisors still running")
		return ctx.Err()
	}
}
