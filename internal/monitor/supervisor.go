package monitor

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/vdavid/mailguard/internal/extract"
	"github.com/vdavid/mailguard/internal/imap"
	applog "github.com/vdavid/mailguard/internal/logger"
	"github.com/vdavid/mailguard/internal/models"
	"github.com/vdavid/mailguard/internal/notify"
	"github.com/vdavid/mailguard/internal/scan"
	"go.uber.org/zap"
)

// newReconnectBackOff doubles the delay from initial up to max, without jitter, forever.
func newReconnectBackOff(initial, max time.Duration) backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = initial
	b.MaxInterval = max
	b.Multiplier = 2
	b.RandomizationFactor = 0
	b.MaxElapsedTime = 0
	b.Reset()
	return b
}

// supervisor owns the session of one mailbox. Only its goroutine touches the session;
// other goroutines read state through mu.
type supervisor struct {
	monitor *Monitor
	key     string
	mailbox string
	userID  string
	logger  *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
	// released is closed once the supervisor has left the registry.
	released chan struct{}

	doneOnce    sync.Once
	releaseOnce sync.Once

	mu           sync.Mutex
	cred         models.Credential
	state        State
	strategy     string
	attempts     int
	lastError    string
	session      imap.MailSession
	lastActivity time.Time
}

func newSupervisor(m *Monitor, mailbox, userID string) *supervisor {
	ctx, cancel := context.WithCancel(m.baseCtx)
	mailboxStates.WithLabelValues(string(StateNotStarted)).Inc()
	return &supervisor{
		monitor:  m,
		key:      models.MailboxKey(mailbox, userID),
		mailbox:  mailbox,
		userID:   userID,
		logger:   applog.ForMailbox(m.logger, mailbox, userID),
		ctx:      ctx,
		cancel:   cancel,
		done:     make(chan struct{}),
		released: make(chan struct{}),
		cred:     models.Credential{Endpoint: models.MailboxEndpoint{Address: mailbox, UserID: userID}},
		state:    StateNotStarted,
	}
}

func (s *supervisor) setCredential(cred models.Credential) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cred = cred
}

func (s *supervisor) credential() models.Credential {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cred
}

func (s *supervisor) endpoint() models.MailboxEndpoint {
	return s.credential().Endpoint
}

// transition moves to the next state, rejecting edges the state machine does not allow.
func (s *supervisor) transition(to State) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	from := s.state
	if from == to {
		return true
	}
	if !canTransition(from, to) {
		illegalTransitions.Inc()
		s.logger.Warn("Rejected supervisor state transition",
			zap.String("from", string(from)),
			zap.String("to", string(to)),
		)
		return false
	}
	s.state = to
	mailboxStates.WithLabelValues(string(from)).Dec()
	mailboxStates.WithLabelValues(string(to)).Inc()
	return true
}

func (s *supervisor) currentState() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *supervisor) setSession(session imap.MailSession) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.session != nil {
		s.lastActivity = s.session.LastActivity()
	}
	s.session = session
}

func (s *supervisor) recordFailure(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.attempts++
	s.lastError = err.Error()
}

func (s *supervisor) recordSuccess(strategy string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.attempts = 0
	s.lastError = ""
	s.strategy = strategy
}

// live reports whether the session is up, INBOX is selected, and the supervisor is monitoring.
func (s *supervisor) live() bool {
	s.mu.Lock()
	state, session := s.state, s.session
	s.mu.Unlock()
	return state == StateMonitoring && session != nil && session.IsValid()
}

func (s *supervisor) snapshot() ConnectionState {
	s.mu.Lock()
	state := ConnectionState{
		Mailbox:      s.mailbox,
		UserID:       s.userID,
		State:        s.state,
		Strategy:     s.strategy,
		Attempts:     s.attempts,
		LastActivity: s.lastActivity,
		LastError:    s.lastError,
	}
	session := s.session
	s.mu.Unlock()

	if session != nil {
		state.LastActivity = session.LastActivity()
		state.Connected = state.State == StateMonitoring && session.IsValid()
	}
	return state
}

func (s *supervisor) finish() {
	s.doneOnce.Do(func() { close(s.done) })
}

// connect dials the mailbox and announces the connection on success.
func (s *supervisor) connect(ctx context.Context) (imap.MailSession, error) {
	session, err := s.monitor.dialer.Dial(ctx, s.credential())
	if err != nil {
		s.recordFailure(err)
		return nil, err
	}
	s.setSession(session)
	s.monitor.events.ConnectionSucceeded(ctx, s.endpoint())
	return session, nil
}

// closeSession releases the session once, bounded by the close timeout.
func (s *supervisor) closeSession(session imap.MailSession) {
	s.setSession(nil)

	closed := make(chan error, 1)
	go func() { closed <- session.Close() }()

	select {
	case err := <-closed:
		if err != nil {
			s.logger.Debug("Error while closing IMAP session", zap.Error(err))
		}
	case <-time.After(s.monitor.opts.CloseTimeout):
		s.logger.Warn("Timed out closing IMAP session")
	}
}

// rejectCredentials handles an authentication failure: no retry, mailbox deactivated.
func (s *supervisor) rejectCredentials(err error) {
	s.logger.Warn("Mailbox credentials rejected, deactivating mailbox", zap.Error(err))
	s.recordFailure(err)

	ctx, cancel := context.WithTimeout(context.WithoutCancel(s.ctx), s.monitor.opts.CloseTimeout)
	defer cancel()

	s.monitor.events.ConnectionFailed(ctx, s.endpoint(), notify.CauseInvalidCredentials)
	if derr := s.monitor.store.DeactivateMailbox(ctx, s.mailbox, s.userID); derr != nil {
		s.logger.Error("Failed to deactivate mailbox", zap.Error(derr))
	}
	s.transition(StateStopped)
}

// wait sleeps for d unless the supervisor is stopped first.
func (s *supervisor) wait(d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-s.ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

// run is the supervisor goroutine. session is nil when the first connect failed.
func (s *supervisor) run(session imap.MailSession) {
	defer s.monitor.wg.Done()
	defer s.finish()
	defer s.monitor.release(s)

	bo := newReconnectBackOff(s.monitor.opts.ReconnectInitialDelay, s.monitor.opts.ReconnectMaxDelay)
	var catchUpSince time.Time

	for {
		if session == nil {
			if !s.wait(bo.NextBackOff()) {
				break
			}
			reconnects.Inc()
			s.transition(StateConnecting)

			var err error
			session, err = s.connect(s.ctx)
			if err != nil {
				if s.ctx.Err() != nil {
					break
				}
				if imap.Classify(err) == imap.OutcomeFatal {
					s.rejectCredentials(err)
					return
				}
				s.logger.Warn("Reconnect failed", zap.Error(err))
				s.transition(StateRecovering)
				continue
			}
		}

		bo.Reset()
		strategy := s.monitor.strategyFor(session)
		s.recordSuccess(strategy.Name())
		s.transition(StateMonitoring)
		s.logger.Info("Monitoring mailbox", zap.String("strategy", strategy.Name()))

		err := strategy.Run(s.ctx, session, catchUpSince, s.ingest)

		catchUpSince = session.LastActivity()
		s.closeSession(session)
		session = nil

		if s.ctx.Err() != nil {
			break
		}
		if err == nil {
			err = errors.New("strategy ended")
		}
		s.recordFailure(err)
		if imap.Classify(err) == imap.OutcomeFatal {
			s.rejectCredentials(err)
			return
		}

		s.logger.Warn("Lost connection to mailbox, reconnecting", zap.Error(err))
		s.monitor.events.ConnectionFailed(s.ctx, s.endpoint(), notify.CauseConnectionDropped)
		s.transition(StateRecovering)
	}

	s.transition(StateStopped)
	s.logger.Info("Stopped monitoring mailbox")
}

// ingest hands new messages to the pipeline after the dedup check.
// It runs in the supervisor goroutine, so messages of one mailbox keep their order.
func (s *supervisor) ingest(ctx context.Context, msgs []models.InboundMessage) {
	endpoint := s.endpoint()
	scope := endpoint.Key()

	for _, msg := range msgs {
		identity, err := extract.Identity(endpoint.Address, msg)
		if err != nil {
			messagesIngested.WithLabelValues("no_identity").Inc()
			s.logger.Warn("Skipping message without usable headers",
				zap.Uint32("uid", msg.UID),
				zap.Error(err),
			)
			continue
		}

		if !s.monitor.ledger.TryClaim(scope, identity) {
			messagesIngested.WithLabelValues("duplicate").Inc()
			continue
		}

		err = s.monitor.submitter.Submit(ctx, scan.Job{Endpoint: endpoint, Identity: identity, Message: msg})
		switch {
		case err == nil:
			messagesIngested.WithLabelValues("accepted").Inc()
		case errors.Is(err, scan.ErrNotAccepted):
			// Nothing was stored, so a later poll may try again.
			s.monitor.ledger.Release(scope, identity)
			messagesIngested.WithLabelValues("not_accepted").Inc()
			s.logger.Error("Failed to submit message for scanning",
				zap.String("identity", identity),
				zap.Error(err),
			)
		default:
			messagesIngested.WithLabelValues("dropped").Inc()
			s.logger.Warn("Message not scanned",
				zap.String("identity", identity),
				zap.Error(err),
			)
		}
	}
}
