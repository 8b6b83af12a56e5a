// Package scheduler orchestrates vendor crawls.
//
// Each crawl is a durable job record: queued → running → succeeded | failed.
// A worker may only run a job after winning its lease in the store, and the
// store grants at most one running lease per vendor, so exclusivity holds
// across processes. Workers heartbeat the lease while crawling; a job whose
// lease expires is requeued by the periodic sweep.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/ShalakaSonawane1/vendorscope/internal/apperr"
	"github.com/ShalakaSonawane1/vendorscope/internal/config"
	"github.com/ShalakaSonawane1/vendorscope/internal/crawler"
	"github.com/ShalakaSonawane1/vendorscope/internal/dispatch"
	"github.com/ShalakaSonawane1/vendorscope/internal/pipeline"
	"github.com/ShalakaSonawane1/vendorscope/internal/store"
)

const (
	instrumentationName = "github.com/ShalakaSonawane1/vendorscope/internal/scheduler"
	sweepLimit          = 100
)

// Store is the persistence the scheduler needs. Crawls write through the
// same store.
type Store interface {
	crawler.Sink
	GetVendor(ctx context.Context, id string) (*store.Vendor, error)
	DueVendors(ctx context.Context, now time.Time, limit int) ([]store.Vendor, error)
	SetCrawlSchedule(ctx context.Context, id string, last *time.Time, next time.Time) error
	CreateJob(ctx context.Context, vendorID string, trigger store.Trigger, attempt int, notBefore *time.Time) (*store.CrawlJob, bool, error)
	GetJob(ctx context.Context, id string) (*store.CrawlJob, error)
	AcquireLease(ctx context.Context, jobID, owner string, ttl time.Duration) (bool, error)
	RenewLease(ctx context.Context, jobID, owner string, ttl time.Duration) error
	FinishJob(ctx context.Context, jobID, owner string, state store.JobState, counters store.JobCounters, errMsg string) error
	ExpiredLeases(ctx context.Context, now time.Time) ([]store.CrawlJob, error)
	RecoverExpiredJob(ctx context.Context, jobID string, now time.Time, maxAttempts int) (store.JobState, error)
	DueJobs(ctx context.Context, now time.Time, limit int) ([]store.CrawlJob, error)
	CountRunning(ctx context.Context) (int, error)
}

// Crawler fetches a vendor's trust pages into the store.
type Crawler interface {
	Crawl(ctx context.Context, t crawler.Target, sink crawler.Sink) (*crawler.Result, error)
}

// Indexer chunks and embeds freshly stored documents.
type Indexer interface {
	ProcessAll(ctx context.Context, ids []string) (pipeline.Stats, error)
	Resume(ctx context.Context) error
}

// Config controls scheduling and retries.
type Config struct {
	Tick             time.Duration
	Workers          int
	NormalInterval   time.Duration
	CriticalInterval time.Duration
	LeaseTTL         time.Duration
	MaxRetries       int
	RetryBackoff     time.Duration
}

// ConfigFromSettings converts the loaded configuration section.
func ConfigFromSettings(c config.SchedulerConfig) Config {
	return Config{
		Tick:             c.Tick.Duration(),
		Workers:          c.Workers,
		NormalInterval:   c.NormalInterval.Duration(),
		CriticalInterval: c.CriticalInterval.Duration(),
		LeaseTTL:         c.LeaseTTL.Duration(),
		MaxRetries:       c.MaxRetries,
		RetryBackoff:     c.RetryBackoff.Duration(),
	}
}

func (c *Config) applyDefaults() {
	if c.Tick <= 0 {
		c.Tick = time.Minute
	}
	if c.Workers <= 0 {
		c.Workers = 2
	}
	if c.NormalInterval <= 0 {
		c.NormalInterval = 30 * 24 * time.Hour
	}
	if c.CriticalInterval <= 0 {
		c.CriticalInterval = 7 * 24 * time.Hour
	}
	if c.LeaseTTL <= 0 {
		c.LeaseTTL = 10 * time.Minute
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = 3
	}
	if c.RetryBackoff <= 0 {
		c.RetryBackoff = 5 * time.Minute
	}
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(s *Scheduler) { s.now = now }
}

// WithOwner sets the lease owner identity.
func WithOwner(owner string) Option {
	return func(s *Scheduler) { s.owner = owner }
}

// Scheduler creates crawl jobs, runs them under a lease and retries failures.
type Scheduler struct {
	store      Store
	crawler    Crawler
	indexer    Indexer
	dispatcher dispatch.Dispatcher
	cfg        Config
	logger     *zap.Logger
	tracer     trace.Tracer
	now        func() time.Time
	owner      string

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	// dispatched remembers recently dispatched job ids so the sweep does not
	// flood the dispatcher with jobs that are already on their way.
	dispatchedMu sync.Mutex
	dispatched   map[string]time.Time
}

// New creates a scheduler. Call Start to run the sweep and the workers.
func New(st Store, c Crawler, idx Indexer, d dispatch.Dispatcher, cfg Config, logger *zap.Logger, opts ...Option) *Scheduler {
	if logger == nil {
		logger = zap.NewNop()
	}
	cfg.applyDefaults()
	s := &Scheduler{
		store:      st,
		crawler:    c,
		indexer:    idx,
		dispatcher: d,
		cfg:        cfg,
		logger:     logger,
		tracer:     otel.Tracer(instrumentationName),
		now:        time.Now,
		dispatched: make(map[string]time.Time),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.owner == "" {
		s.owner = defaultOwner()
	}
	return s
}

func defaultOwner() string {
	host, err := os.Hostname()
	if err != nil {
		host = "vendorscope"
	}
	return fmt.Sprintf("%s-%d-%s", host, os.Getpid(), uuid.New().String()[:8])
}

// Owner returns the lease owner identity of this scheduler.
func (s *Scheduler) Owner() string { return s.owner }

// Start launches the workers and the periodic sweep. The first sweep runs
// immediately and recovers work left behind by a previous process.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return errors.New("scheduler is already running")
	}

	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.running = true

	for i := range s.cfg.Workers {
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.work(ctx, i)
		}()
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.loop(ctx)
	}()

	s.logger.Info("crawl scheduler started",
		zap.String("owner", s.owner),
		zap.Int("workers", s.cfg.Workers),
		zap.Duration("tick", s.cfg.Tick),
		zap.Duration("lease_ttl", s.cfg.LeaseTTL))
	return nil
}

// Stop cancels in-flight work and waits for every goroutine to return.
// Jobs interrupted mid-crawl keep their lease until it expires and are then
// requeued.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	s.cancel()
	s.mu.Unlock()

	s.wg.Wait()
	s.logger.Info("crawl scheduler stopped")
}

func (s *Scheduler) work(ctx context.Context, id int) {
	for {
		err := s.dispatcher.Run(ctx, s.RunJob)
		if ctx.Err() != nil || errors.Is(err, dispatch.ErrClosed) {
			return
		}
		s.logger.Warn("dispatch worker stopped, restarting", zap.Int("worker", id), zap.Error(err))
		select {
		case <-ctx.Done():
			return
		case <-time.After(time.Second):
		}
	}
}

func (s *Scheduler) loop(ctx context.Context) {
	if s.indexer != nil {
		s.safely("pipeline resume", func() {
			if err := s.indexer.Resume(ctx); err != nil {
				s.logger.Warn("resuming unfinished documents", zap.Error(err))
			}
		})
	}
	s.safely("sweep", func() { s.Sweep(ctx) })

	ticker := time.NewTicker(s.cfg.Tick)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.safely("sweep", func() { s.Sweep(ctx) })
		}
	}
}

// safely runs fn, logging instead of propagating a panic.
func (s *Scheduler) safely(what string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			PanicsTotal.Inc()
			s.logger.Error(what+" panicked, continuing",
				zap.Any("panic", r),
				zap.Stack("stack"))
		}
	}()
	fn()
}

// Trigger queues a crawl for the vendor and dispatches it. If the vendor
// already has a queued or running job, that job is returned with
// created=false and nothing new is queued.
func (s *Scheduler) Trigger(ctx context.Context, vendorID string, trigger store.Trigger) (*store.CrawlJob, bool, error) {
	const op = "scheduler.Trigger"

	v, err := s.store.GetVendor(ctx, vendorID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, false, apperr.NotFound(op, "vendor %s not found", vendorID)
	}
	if err != nil {
		return nil, false, err
	}
	if !v.IsActive {
		return nil, false, apperr.Precondition(op, "vendor %s is inactive", vendorID)
	}

	job, created, err := s.store.CreateJob(ctx, vendorID, trigger, 1, nil)
	if err != nil {
		return nil, false, fmt.Errorf("queueing crawl for %s: %w", vendorID, err)
	}
	if !created {
		TriggersTotal.WithLabelValues(string(trigger), "already_active").Inc()
		s.logger.Info("crawl already active",
			zap.String("vendor_id", vendorID),
			zap.String("job_id", job.ID),
			zap.String("state", string(job.State)))
		return job, false, nil
	}

	TriggersTotal.WithLabelValues(string(trigger), "queued").Inc()
	s.dispatch(ctx, job)
	return job, true, nil
}

// Sweep performs one scheduling pass: requeue jobs whose lease expired,
// queue crawls for vendors whose periodic slot arrived, and dispatch every
// queued job that is due.
func (s *Scheduler) Sweep(ctx context.Context) {
	ctx, span := s.tracer.Start(ctx, "scheduler.sweep")
	defer span.End()
	now := s.now()

	expired, err := s.store.ExpiredLeases(ctx, now)
	if err != nil {
		s.logger.Warn("listing expired leases", zap.Error(err))
	}
	for i := range expired {
		job := &expired[i]
		log := s.logger.With(zap.String("job_id", job.ID), zap.String("vendor_id", job.VendorID))
		state, err := s.store.RecoverExpiredJob(ctx, job.ID, now, s.cfg.MaxRetries)
		if err != nil {
			log.Warn("recovering expired job", zap.Error(err))
			continue
		}
		switch state {
		case store.JobQueued:
			RecoveredTotal.Inc()
			log.Warn("requeued crawl with expired lease", zap.String("previous_owner", job.LeaseOwner))
		case store.JobFailed:
			JobsTotal.WithLabelValues(string(store.JobFailed)).Inc()
			log.Warn("crawl lease expired on its last attempt", zap.Int("attempt", job.Attempt))
			s.reschedule(ctx, job, false, log)
		}
	}

	vendors, err := s.store.DueVendors(ctx, now, sweepLimit)
	if err != nil {
		s.logger.Warn("listing due vendors", zap.Error(err))
	}
	for _, v := range vendors {
		if _, created, err := s.store.CreateJob(ctx, v.ID, store.TriggerScheduled, 1, nil); err != nil {
			s.logger.Warn("queueing scheduled crawl", zap.String("vendor_id", v.ID), zap.Error(err))
		} else if created {
			TriggersTotal.WithLabelValues(string(store.TriggerScheduled), "queued").Inc()
		}
	}

	due, err := s.store.DueJobs(ctx, now, sweepLimit)
	if err != nil {
		s.logger.Warn("listing due jobs", zap.Error(err))
	}
	for i := range due {
		if s.recentlyDispatched(due[i].ID, now) {
			continue
		}
		s.dispatch(ctx, &due[i])
	}

	if n, err := s.store.CountRunning(ctx); err == nil {
		RunningJobs.Set(float64(n))
	}
	span.SetAttributes(
		attribute.Int("expired", len(expired)),
		attribute.Int("due_vendors", len(vendors)),
		attribute.Int("due_jobs", len(due)))
}

func (s *Scheduler) dispatch(ctx context.Context, job *store.CrawlJob) {
	req := dispatch.Request{JobID: job.ID, VendorID: job.VendorID, Trigger: job.Trigger, Attempt: job.Attempt}
	if err := s.dispatcher.Dispatch(ctx, req); err != nil {
		// The job stays queued; the next sweep dispatches it again.
		s.logger.Warn("dispatching crawl", zap.String("job_id", job.ID), zap.Error(err))
		return
	}
	s.dispatchedMu.Lock()
	s.dispatched[job.ID] = s.now()
	s.dispatchedMu.Unlock()
}

func (s *Scheduler) recentlyDispatched(jobID string, now time.Time) bool {
	s.dispatchedMu.Lock()
	defer s.dispatchedMu.Unlock()
	for id, at := range s.dispatched {
		if now.Sub(at) >= s.cfg.LeaseTTL {
			delete(s.dispatched, id)
		}
	}
	_, ok := s.dispatched[jobID]
	return ok
}

func (s *Scheduler) forget(jobID string) {
	s.dispatchedMu.Lock()
	delete(s.dispatched, jobID)
	s.dispatchedMu.Unlock()
}

// RunJob runs one dispatched crawl if this worker wins the job's lease.
// Losing the lease is not an error: another worker owns the vendor.
func (s *Scheduler) RunJob(ctx context.Context, req dispatch.Request) {
	defer s.forget(req.JobID)

	log := s.logger.With(zap.String("job_id", req.JobID), zap.String("vendor_id", req.VendorID))

	acquired, err := s.store.AcquireLease(ctx, req.JobID, s.owner, s.cfg.LeaseTTL)
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			log.Warn("acquiring lease", zap.Error(err))
		}
		return
	}
	if !acquired {
		LeaseConflictsTotal.Inc()
		log.Debug("lease not acquired")
		return
	}

	job, err := s.store.GetJob(ctx, req.JobID)
	if err != nil {
		log.Error("loading leased job", zap.Error(err))
		return
	}
	s.execute(ctx, job, log)
}

func (s *Scheduler) execute(ctx context.Context, job *store.CrawlJob, log *zap.Logger) {
	ctx, span := s.tracer.Start(ctx, "scheduler.job")
	defer span.End()
	span.SetAttributes(
		attribute.String("job.id", job.ID),
		attribute.String("vendor.id", job.VendorID),
		attribute.String("trigger", string(job.Trigger)),
		attribute.Int("attempt", job.Attempt))

	start := time.Now()
	jobCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var hb sync.WaitGroup
	hb.Add(1)
	go func() {
		defer hb.Done()
		s.heartbeat(jobCtx, cancel, job.ID, log)
	}()

	log.Info("crawl started", zap.String("trigger", string(job.Trigger)), zap.Int("attempt", job.Attempt))
	counters, crawlErr := s.crawl(jobCtx, job)
	cancel()
	hb.Wait()

	if ctx.Err() != nil {
		// Shutting down: leave the lease to expire so the job is requeued.
		log.Warn("crawl interrupted by shutdown")
		return
	}

	state, errMsg := store.JobSucceeded, ""
	if crawlErr != nil {
		state, errMsg = store.JobFailed, crawlErr.Error()
		span.RecordError(crawlErr)
		span.SetStatus(codes.Error, "crawl failed")
	}

	if err := s.store.FinishJob(ctx, job.ID, s.owner, state, counters, errMsg); err != nil {
		if errors.Is(err, store.ErrLeaseLost) {
			LeaseLostTotal.Inc()
			log.Warn("lease lost before finishing; result discarded")
			return
		}
		log.Error("finishing job", zap.Error(err))
		return
	}
	JobsTotal.WithLabelValues(string(state)).Inc()
	JobDuration.Observe(time.Since(start).Seconds())

	if crawlErr == nil {
		log.Info("crawl succeeded",
			zap.Int("pages_fetched", counters.PagesFetched),
			zap.Int("documents_created", counters.DocumentsCreated),
			zap.Duration("duration", time.Since(start)))
	} else {
		log.Warn("crawl failed", zap.Int("attempt", job.Attempt), zap.Error(crawlErr))
	}
	s.reschedule(ctx, job, crawlErr == nil, log)
}

// crawl runs the crawler and indexes what it stored. A panic is turned into
// a job failure.
func (s *Scheduler) crawl(ctx context.Context, job *store.CrawlJob) (counters store.JobCounters, err error) {
	defer func() {
		if r := recover(); r != nil {
			PanicsTotal.Inc()
			s.logger.Error("crawl panicked",
				zap.String("job_id", job.ID),
				zap.Any("panic", r),
				zap.Stack("stack"))
			err = fmt.Errorf("crawl panicked: %v", r)
		}
	}()

	v, err := s.store.GetVendor(ctx, job.VendorID)
	if err != nil {
		return counters, fmt.Errorf("loading vendor: %w", err)
	}

	res, err := s.crawler.Crawl(ctx, crawler.Target{VendorID: v.ID, Domain: v.Domain, SeedURLs: v.SeedURLs}, s.store)
	if res != nil {
		counters = res.JobCounters
	}
	if err != nil {
		return counters, err
	}

	if s.indexer != nil && len(res.DocumentIDs) > 0 {
		// Indexing failures leave documents resumable and do not fail the crawl.
		if _, err := s.indexer.ProcessAll(ctx, res.DocumentIDs); err != nil {
			s.logger.Warn("indexing crawled documents",
				zap.String("job_id", job.ID),
				zap.Error(err))
		}
	}
	return counters, nil
}

func (s *Scheduler) heartbeat(ctx context.Context, cancel context.CancelFunc, jobID string, log *zap.Logger) {
	ticker := time.NewTicker(max(s.cfg.LeaseTTL/3, 10*time.Millisecond))
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			err := s.store.RenewLease(ctx, jobID, s.owner, s.cfg.LeaseTTL)
			if errors.Is(err, store.ErrLeaseLost) {
				LeaseLostTotal.Inc()
				log.Warn("lease lost, abandoning crawl")
				cancel()
				return
			}
			if err != nil && ctx.Err() == nil {
				log.Warn("renewing lease", zap.Error(err))
			}
		}
	}
}

// reschedule sets the vendor's next crawl after a finished job. Failures are
// retried with exponential backoff until MaxRetries attempts were made;
// after that the vendor waits for its next periodic slot.
func (s *Scheduler) reschedule(ctx context.Context, job *store.CrawlJob, succeeded bool, log *zap.Logger) {
	v, err := s.store.GetVendor(ctx, job.VendorID)
	if err != nil {
		log.Warn("loading vendor for rescheduling", zap.Error(err))
		return
	}
	now := s.now()
	next := now.Add(s.Interval(v))

	if succeeded {
		if err := s.store.SetCrawlSchedule(ctx, v.ID, &now, next); err != nil {
			log.Warn("setting crawl schedule", zap.Error(err))
		}
		return
	}

	if job.Attempt < s.cfg.MaxRetries {
		notBefore := now.Add(s.Backoff(job.Attempt))
		retry, created, err := s.store.CreateJob(ctx, v.ID, store.TriggerRetry, job.Attempt+1, &notBefore)
		if err != nil {
			log.Warn("queueing retry", zap.Error(err))
			return
		}
		if created {
			RetriesTotal.Inc()
			log.Info("crawl retry queued",
				zap.String("retry_job_id", retry.ID),
				zap.Int("attempt", retry.Attempt),
				zap.Time("not_before", notBefore))
		}
		return
	}

	log.Warn("crawl retries exhausted, waiting for next periodic slot",
		zap.Int("attempts", job.Attempt),
		zap.Time("next_crawl", next))
	if err := s.store.SetCrawlSchedule(ctx, v.ID, nil, next); err != nil {
		log.Warn("setting crawl schedule", zap.Error(err))
	}
}

// Interval returns the periodic crawl interval for v. Critical vendors are
// never crawled less often than the critical interval.
func (s *Scheduler) Interval(v *store.Vendor) time.Duration {
	interval := s.cfg.NormalInterval
	if v.CrawlFrequencyDays > 0 {
		interval = time.Duration(v.CrawlFrequencyDays) * 24 * time.Hour
	}
	if v.IsCritical {
		interval = min(interval, s.cfg.CriticalInterval)
	}
	return interval
}

// Backoff returns the delay before retrying a job that failed on attempt.
func (s *Scheduler) Backoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	return s.cfg.RetryBackoff << (attempt - 1)
}
