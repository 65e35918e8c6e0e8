// Package scan runs accepted messages through content extraction and the
// risk-check providers on a fixed pool of workers.
package scan

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/vdavid/mailguard/internal/extract"
	"github.com/vdavid/mailguard/internal/models"
	"github.com/vdavid/mailguard/internal/notify"
	"go.uber.org/zap"
)

const (
	pendingComment = "URL scan in progress"
	noSubject      = "No subject"
	// saveTimeout bounds record writes, which must still happen while shutting down.
	saveTimeout = 10 * time.Second
)

// RecordStore persists scan records. A pending record is inserted; a terminal one
// updates the stored pending row.
type RecordStore interface {
	SaveScanRecord(ctx context.Context, record *models.ScanRecord) error
}

// Job is one deduplicated message handed over by a mailbox supervisor.
type Job struct {
	Endpoint models.MailboxEndpoint
	Identity string
	Message  models.InboundMessage
}

type task struct {
	job    Job
	record *models.ScanRecord
}

// Options configures a Pipeline.
type Options struct {
	Workers   int
	QueueSize int
}

// Pipeline is a bounded queue drained by a fixed set of workers.
// Submit never blocks on a full queue.
type Pipeline struct {
	store     RecordStore
	events    *notify.Events
	extractor *extract.Extractor
	scanner   RiskScanner
	logger    *zap.Logger
	now       func() time.Time

	mu     sync.RWMutex
	closed bool
	queue  chan *task

	workerCtx     context.Context
	cancelWorkers context.CancelFunc
	wg            sync.WaitGroup
}

// NewPipeline creates a pipeline and starts its workers.
func NewPipeline(store RecordStore, events *notify.Events, extractor *extract.Extractor, scanner RiskScanner, opts Options, logger *zap.Logger) *Pipeline {
	if opts.Workers < 1 {
		opts.Workers = 5
	}
	if opts.QueueSize < 1 {
		opts.QueueSize = 100
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if events == nil {
		events = notify.NewEvents(nil, logger)
	}
	if extractor == nil {
		extractor = extract.NewExtractor(logger)
	}

	ctx, cancel := context.WithCancel(context.Background())
	p := &Pipeline{
		store:         store,
		events:        events,
		extractor:     extractor,
		scanner:       scanner,
		logger:        logger,
		now:           time.Now,
		queue:         make(chan *task, opts.QueueSize),
		workerCtx:     ctx,
		cancelWorkers: cancel,
	}

	for i := 0; i < opts.Workers; i++ {
		p.wg.Add(1)
		go p.worker()
	}

	return p
}

// Submit records a Pending scan for the job and enqueues it.
// ErrQueueFull and ErrPipelineClosed mean the record was created and then aborted.
// ErrAlreadyScanned means the store already had a record for the message.
// Errors wrapping ErrNotAccepted mean nothing was stored.
func (p *Pipeline) Submit(ctx context.Context, job Job) error {
	record := p.newPendingRecord(job)

	if err := p.store.SaveScanRecord(ctx, record); err != nil {
		if errors.Is(err, models.ErrScanRecordExists) {
			jobsDropped.WithLabelValues("duplicate").Inc()
			return ErrAlreadyScanned
		}
		jobsDropped.WithLabelValues("store_error").Inc()
		return fmt.Errorf("%w: failed to save pending record: %w", ErrNotAccepted, err)
	}
	p.events.ScanRecordUpdated(ctx, snapshot(record))

	t := &task{job: job, record: record}

	p.mu.RLock()
	if p.closed {
		p.mu.RUnlock()
		jobsDropped.WithLabelValues("closed").Inc()
		p.abort(t, "scanner shutting down")
		return ErrPipelineClosed
	}
	queueDepth.Inc()
	select {
	case p.queue <- t:
		p.mu.RUnlock()
		jobsSubmitted.Inc()
		return nil
	default:
		p.mu.RUnlock()
		queueDepth.Dec()
		jobsDropped.WithLabelValues("queue_full").Inc()
		p.logger.Warn("Scan queue full, dropping message",
			zap.String("mailbox", job.Endpoint.Address),
			zap.String("identity", job.Identity),
		)
		p.abort(t, "scan queue full")
		return ErrQueueFull
	}
}

// Shutdown stops accepting jobs and lets the workers drain the queue. When ctx ends
// first, in-flight and queued records are aborted as interrupted.
func (p *Pipeline) Shutdown(ctx context.Context) error {
	p.mu.Lock()
	if !p.closed {
		p.closed = true
		close(p.queue)
	}
	p.mu.Unlock()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		p.cancelWorkers()
		return nil
	case <-ctx.Done():
		p.logger.Warn("Scan pipeline drain deadline reached, interrupting workers")
		p.cancelWorkers()
		<-done
		return ctx.Err()
	}
}

func (p *Pipeline) worker() {
	defer p.wg.Done()
	for t := range p.queue {
		queueDepth.Dec()
		if p.workerCtx.Err() != nil {
			p.abort(t, "scan interrupted")
			continue
		}
		p.process(t)
	}
}

// process runs one job to a terminal record. A panic aborts the record instead of
// killing the worker.
func (p *Pipeline) process(t *task) {
	start := p.now()
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("Scan worker panicked",
				zap.String("identity", t.job.Identity),
				zap.Any("panic", r),
			)
			p.abort(t, "internal error")
		}
		scanDuration.Observe(p.now().Sub(start).Seconds())
	}()

	msg, err := p.extractor.Extract(t.job.Endpoint, t.job.Identity, t.job.Message)
	if err != nil {
		p.logger.Warn("Content extraction failed",
			zap.String("identity", t.job.Identity),
			zap.Error(err),
		)
		p.abort(t, "content extraction failed")
		return
	}

	result, err := p.scanner.Scan(p.workerCtx, msg)
	if err != nil {
		reason := "scan failed"
		if p.workerCtx.Err() != nil {
			reason = "scan interrupted"
		}
		p.logger.Warn("Scan did not complete",
			zap.String("identity", t.job.Identity),
			zap.Error(err),
		)
		p.abort(t, reason)
		return
	}

	if err := t.record.Complete(result.Score, result.Threats, p.now()); err != nil {
		p.logger.Error("Scan record already finalized", zap.String("record_id", t.record.ID))
		return
	}
	p.finish(t)
}

// abort moves a pending record to Aborted and persists it.
func (p *Pipeline) abort(t *task, reason string) {
	if err := t.record.Abort(reason, p.now()); err != nil {
		return
	}
	p.finish(t)
}

// finish saves a terminal record and publishes it.
func (p *Pipeline) finish(t *task) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(p.workerCtx), saveTimeout)
	defer cancel()

	record := t.record
	jobsFinished.WithLabelValues(string(record.Status), string(record.RiskLevel)).Inc()

	if err := p.store.SaveScanRecord(ctx, record); err != nil {
		p.logger.Error("Failed to save scan record",
			zap.String("record_id", record.ID),
			zap.String("identity", record.MessageIdentity),
			zap.Error(err),
		)
	}

	p.events.ScanRecordUpdated(ctx, snapshot(record))
	if record.Status == models.ScanCompleted && record.RiskLevel != models.RiskNone {
		p.events.ThreatDetected(ctx, snapshot(record))
	}

	p.logger.Info("Scan finished",
		zap.String("record_id", record.ID),
		zap.String("mailbox", record.MailboxAddress),
		zap.String("status", string(record.Status)),
		zap.String("risk_level", string(record.RiskLevel)),
		zap.Int("risk_score", record.RiskScore),
	)
}

func (p *Pipeline) newPendingRecord(job Job) *models.ScanRecord {
	now := p.now()
	subject := strings.TrimSpace(job.Message.Subject)
	if subject == "" {
		subject = noSubject
	}
	sender := ""
	if len(job.Message.From) > 0 {
		sender = extract.CleanSender(job.Message.From[0])
	}

	return &models.ScanRecord{
		ID:              uuid.NewString(),
		MailboxID:       job.Endpoint.MailboxID,
		MailboxAddress:  job.Endpoint.Address,
		UserID:          job.Endpoint.UserID,
		MessageIdentity: job.Identity,
		Sender:          sender,
		Subject:         subject,
		Status:          models.ScanPending,
		RiskLevel:       models.RiskNone,
		Threats:         []string{},
		Comment:         pendingComment,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
}

// snapshot copies a record so subscribers never observe later mutations.
func snapshot(record *models.ScanRecord) *models.ScanRecord {
	c := *record
	c.Threats = append([]string{}, record.Threats...)
	return &c
}
