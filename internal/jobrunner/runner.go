// Package jobrunner schedules page fetches: a priority queue feeds a bounded
// set of workers, same-host requests are spaced out, and recent results are
// served from cache.
package jobrunner

import (
	"container/heap"
	"context"
	"errors"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"horse.fit/scout/internal/apperr"
	"horse.fit/scout/internal/cache"
	"horse.fit/scout/internal/globaltime"
	"horse.fit/scout/internal/reader"
)

const (
	DefaultMaxConcurrent = 3
	DefaultJobTimeout    = 30 * time.Second
	DefaultCacheTTL      = 5 * time.Minute
)

type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

var errRunnerNotInitialized = errors.New("job runner is not initialized")

type Fetcher interface {
	Fetch(ctx context.Context, rawURL string) (*reader.Page, error)
}

// PageHandler receives every freshly fetched page. Its output is stored on
// the job result and cached with the page.
type PageHandler func(ctx context.Context, job JobConfig, page *reader.Page) (any, error)

type Config struct {
	MaxConcurrent int
	// DefaultTimeout bounds every job that does not set its own.
	DefaultTimeout time.Duration
	// CacheTTL of zero uses DefaultCacheTTL; negative disables the cache.
	CacheTTL time.Duration
	// DomainDelay is the minimum gap between request starts to one host.
	DomainDelay time.Duration
	Handler     PageHandler
	Now         globaltime.Func
}

func (c *Config) defaults() {
	if c.MaxConcurrent <= 0 {
		c.MaxConcurrent = DefaultMaxConcurrent
	}
	if c.DefaultTimeout <= 0 {
		c.DefaultTimeout = DefaultJobTimeout
	}
	if c.CacheTTL == 0 {
		c.CacheTTL = DefaultCacheTTL
	}
	c.Now = globaltime.Or(c.Now)
}

type JobConfig struct {
	JobID           string        `json:"job_id"`
	OrganizationID  string        `json:"organization_id"`
	URL             string        `json:"url"`
	Platform        string        `json:"platform"`
	Priority        Priority      `json:"priority"`
	RelatedRecordID string        `json:"related_record_id,omitempty"`
	IndustryID      string        `json:"industry_id,omitempty"`
	Timeout         time.Duration `json:"timeout,omitempty"`
}

type JobResult struct {
	JobID           string       `json:"job_id"`
	OrganizationID  string       `json:"organization_id"`
	URL             string       `json:"url"`
	Platform        string       `json:"platform"`
	Priority        Priority     `json:"priority"`
	RelatedRecordID string       `json:"related_record_id,omitempty"`
	Status          Status       `json:"status"`
	Cached          bool         `json:"cached"`
	Page            *reader.Page `json:"page,omitempty"`
	Output          any          `json:"output,omitempty"`
	Error           string       `json:"error,omitempty"`
	Err             error        `json:"-"`
	SubmittedAt     time.Time    `json:"submitted_at"`
	StartedAt       *time.Time   `json:"started_at,omitempty"`
	CompletedAt     *time.Time   `json:"completed_at,omitempty"`
}

type CacheStats struct {
	Size   int   `json:"size"`
	Hits   int64 `json:"hits"`
	Misses int64 `json:"misses"`
}

type Stats struct {
	ActiveJobs    int        `json:"active_jobs"`
	QueuedJobs    int        `json:"queued_jobs"`
	CompletedJobs int        `json:"completed_jobs"`
	FailedJobs    int        `json:"failed_jobs"`
	CancelledJobs int        `json:"cancelled_jobs"`
	Cache         CacheStats `json:"cache"`
}

type BatchFailure struct {
	Index int    `json:"index"`
	JobID string `json:"job_id"`
	Error string `json:"error"`
}

type job struct {
	cfg      JobConfig
	result   JobResult
	seq      uint64
	index    int
	done     chan struct{}
	cancel   context.CancelFunc
	aborting bool
}

type cacheKey struct {
	organizationID string
	url            string
	platform       string
}

type cachedPage struct {
	page   *reader.Page
	output any
}

type Runner struct {
	fetcher Fetcher
	logger  zerolog.Logger
	cfg     Config

	baseCtx    context.Context
	cancelBase context.CancelFunc

	mu        sync.Mutex
	queue     jobQueue
	jobs      map[string]*job
	domains   map[string]*rate.Limiter
	seq       uint64
	active    int
	completed int
	failed    int
	cancelled int
	closed    bool

	cache *cache.Cache[cacheKey, cachedPage]

	kick     chan struct{}
	stop     chan struct{}
	stopOnce sync.Once
	loopDone chan struct{}
	workers  sync.WaitGroup
}

// NewRunner starts the dispatch loop. Call Shutdown to stop it.
func NewRunner(fetcher Fetcher, logger zerolog.Logger, cfg Config) *Runner {
	cfg.defaults()
	baseCtx, cancel := context.WithCancel(context.Background())
	r := &Runner{
		fetcher:    fetcher,
		logger:     logger,
		cfg:        cfg,
		baseCtx:    baseCtx,
		cancelBase: cancel,
		jobs:       make(map[string]*job),
		domains:    make(map[string]*rate.Limiter),
		kick:       make(chan struct{}, 1),
		stop:       make(chan struct{}),
		loopDone:   make(chan struct{}),
	}
	if cfg.CacheTTL > 0 {
		r.cache = cache.New[cacheKey, cachedPage](cfg.CacheTTL, cfg.Now)
	}
	go r.loop()
	return r
}

// Submit queues a job, or completes it at once from cache when the same page
// was fetched for the organization within the cache TTL.
func (r *Runner) Submit(cfg JobConfig) (JobResult, error) {
	if r == nil || r.fetcher == nil {
		return JobResult{}, errRunnerNotInitialized
	}
	cfg, err := normalizeJob(cfg)
	if err != nil {
		return JobResult{}, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return JobResult{}, apperr.New(apperr.KindUnavailable, "job runner is shut down")
	}
	if _, exists := r.jobs[cfg.JobID]; exists {
		return JobResult{}, apperr.New(apperr.KindValidation, "Job %s already exists", cfg.JobID)
	}

	now := r.cfg.Now().UTC()
	r.seq++
	j := &job{
		cfg:   cfg,
		seq:   r.seq,
		index: -1,
		done:  make(chan struct{}),
		result: JobResult{
			JobID:           cfg.JobID,
			OrganizationID:  cfg.OrganizationID,
			URL:             cfg.URL,
			Platform:        cfg.Platform,
			Priority:        cfg.Priority,
			RelatedRecordID: cfg.RelatedRecordID,
			Status:          StatusPending,
			SubmittedAt:     now,
		},
	}
	r.jobs[cfg.JobID] = j

	if r.cache != nil {
		if hit, ok := r.cache.Get(keyFor(cfg)); ok {
			j.result.Cached = true
			j.result.Page = hit.page
			j.result.Output = hit.output
			j.result.StartedAt = &now
			r.finishLocked(j, StatusCompleted, nil)
			r.logger.Debug().Str("job_id", cfg.JobID).Str("url", cfg.URL).Msg("job served from cache")
			return j.result, nil
		}
	}

	heap.Push(&r.queue, j)
	r.signal()
	return j.result, nil
}

// SubmitBatch submits in order; a rejected config does not stop the rest.
func (r *Runner) SubmitBatch(cfgs []JobConfig) ([]JobResult, []BatchFailure) {
	results := make([]JobResult, 0, len(cfgs))
	var failures []BatchFailure
	for i, cfg := range cfgs {
		res, err := r.Submit(cfg)
		if err != nil {
			r.logger.Warn().Err(err).Int("index", i).Str("job_id", cfg.JobID).Msg("batch job rejected")
			failures = append(failures, BatchFailure{Index: i, JobID: cfg.JobID, Error: err.Error()})
			continue
		}
		results = append(results, res)
	}
	return results, failures
}

// WaitForJob blocks until the job reaches a terminal state. timeout bounds
// only the wait, never the job.
func (r *Runner) WaitForJob(ctx context.Context, id string, timeout time.Duration) (JobResult, error) {
	if r == nil {
		return JobResult{}, errRunnerNotInitialized
	}
	r.mu.Lock()
	j, ok := r.jobs[strings.TrimSpace(id)]
	r.mu.Unlock()
	if !ok {
		return JobResult{}, apperr.New(apperr.KindNotFound, "Job not found: %s", id)
	}

	var expired <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		expired = timer.C
	}

	select {
	case <-j.done:
		return r.snapshot(j), nil
	case <-expired:
		return JobResult{}, apperr.New(apperr.KindTimeout, "timed out after %s waiting for job %s", timeout, id)
	case <-ctx.Done():
		return JobResult{}, ctx.Err()
	}
}

func (r *Runner) GetJobResult(id string) (JobResult, bool) {
	if r == nil {
		return JobResult{}, false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	j, ok := r.jobs[strings.TrimSpace(id)]
	if !ok {
		return JobResult{}, false
	}
	return j.result, true
}

// CancelJob cancels a pending job outright. A running job has its context
// cancelled; it ends as cancelled unless its fetch had already succeeded.
// Finished and unknown jobs report false.
func (r *Runner) CancelJob(id string) bool {
	if r == nil {
		return false
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	j, ok := r.jobs[strings.TrimSpace(id)]
	if !ok {
		return false
	}
	switch j.result.Status {
	case StatusPending:
		if j.index >= 0 {
			heap.Remove(&r.queue, j.index)
		}
		r.finishLocked(j, StatusCancelled, errors.New("cancelled before start"))
		return true
	case StatusRunning:
		j.aborting = true
		if j.cancel != nil {
			j.cancel()
		}
		return true
	default:
		return false
	}
}

func (r *Runner) Stats() Stats {
	if r == nil {
		return Stats{}
	}
	r.mu.Lock()
	out := Stats{
		ActiveJobs:    r.active,
		QueuedJobs:    r.queue.Len(),
		CompletedJobs: r.completed,
		FailedJobs:    r.failed,
		CancelledJobs: r.cancelled,
	}
	r.mu.Unlock()
	if r.cache != nil {
		s := r.cache.Stats()
		out.Cache = CacheStats{Size: s.Size, Hits: s.Hits, Misses: s.Misses}
	}
	return out
}

func (r *Runner) ClearCache() {
	if r == nil || r.cache == nil {
		return
	}
	r.cache.InvalidateAll()
}

// Shutdown stops accepting jobs, cancels queued ones and waits for running
// jobs to finish. If ctx ends first the running jobs are cancelled too.
func (r *Runner) Shutdown(ctx context.Context) error {
	if r == nil {
		return errRunnerNotInitialized
	}

	r.mu.Lock()
	r.closed = true
	for r.queue.Len() > 0 {
		j := heap.Pop(&r.queue).(*job)
		r.finishLocked(j, StatusCancelled, apperr.New(apperr.KindUnavailable, "job runner is shut down"))
	}
	r.mu.Unlock()

	drained := make(chan struct{})
	go func() {
		r.workers.Wait()
		close(drained)
	}()

	var err error
	select {
	case <-drained:
	case <-ctx.Done():
		err = ctx.Err()
		r.cancelBase()
		<-drained
	}

	r.stopOnce.Do(func() { close(r.stop) })
	<-r.loopDone
	r.cancelBase()

	r.logger.Info().Interface("stats", r.Stats()).Msg("job runner stopped")
	return err
}

func (r *Runner) loop() {
	defer close(r.loopDone)
	for {
		select {
		case <-r.stop:
			return
		case <-r.kick:
			r.dispatch()
		}
	}
}

func (r *Runner) signal() {
	select {
	case r.kick <- struct{}{}:
	default:
	}
}

func (r *Runner) dispatch() {
	r.mu.Lock()
	defer r.mu.Unlock()

	for r.active < r.cfg.MaxConcurrent && r.queue.Len() > 0 {
		j := heap.Pop(&r.queue).(*job)
		timeout := j.cfg.Timeout
		if timeout <= 0 {
			timeout = r.cfg.DefaultTimeout
		}
		ctx, cancel := context.WithTimeout(r.baseCtx, timeout)
		j.cancel = cancel

		started := r.cfg.Now().UTC()
		j.result.Status = StatusRunning
		j.result.StartedAt = &started
		r.active++

		r.workers.Add(1)
		go r.run(ctx, j, timeout)
	}
}

func (r *Runner) run(ctx context.Context, j *job, timeout time.Duration) {
	defer r.workers.Done()
	defer j.cancel()

	page, output, err := r.execute(ctx, j.cfg)

	r.mu.Lock()
	r.active--
	switch {
	case err == nil:
		j.result.Page = page
		j.result.Output = output
		if r.cache != nil {
			r.cache.Set(keyFor(j.cfg), cachedPage{page: page, output: output})
		}
		r.finishLocked(j, StatusCompleted, nil)
	case j.aborting && errors.Is(ctx.Err(), context.Canceled):
		r.finishLocked(j, StatusCancelled, err)
	case errors.Is(ctx.Err(), context.DeadlineExceeded):
		r.finishLocked(j, StatusFailed, apperr.Wrap(apperr.KindTimeout, err, "Job %s timed out after %s", j.cfg.JobID, timeout))
	default:
		r.finishLocked(j, StatusFailed, err)
	}
	status := j.result.Status
	r.mu.Unlock()

	event := r.logger.Debug()
	if status == StatusFailed {
		event = r.logger.Warn().Err(err)
	}
	event.Str("job_id", j.cfg.JobID).Str("url", j.cfg.URL).Str("status", string(status)).Msg("job finished")

	r.signal()
}

func (r *Runner) execute(ctx context.Context, cfg JobConfig) (*reader.Page, any, error) {
	if limiter := r.domainLimiter(cfg.URL); limiter != nil {
		if err := limiter.Wait(ctx); err != nil {
			return nil, nil, err
		}
	}
	page, err := r.fetcher.Fetch(ctx, cfg.URL)
	if err != nil {
		return nil, nil, err
	}
	if r.cfg.Handler == nil {
		return page, nil, nil
	}
	output, err := r.cfg.Handler(ctx, cfg, page)
	if err != nil {
		return nil, nil, err
	}
	return page, output, nil
}

func (r *Runner) domainLimiter(rawURL string) *rate.Limiter {
	if r.cfg.DomainDelay <= 0 {
		return nil
	}
	host := hostOf(rawURL)
	r.mu.Lock()
	defer r.mu.Unlock()
	limiter, ok := r.domains[host]
	if !ok {
		limiter = rate.NewLimiter(rate.Every(r.cfg.DomainDelay), 1)
		r.domains[host] = limiter
	}
	return limiter
}

func (r *Runner) finishLocked(j *job, status Status, err error) {
	now := r.cfg.Now().UTC()
	j.result.Status = status
	j.result.CompletedAt = &now
	if err != nil {
		j.result.Err = err
		j.result.Error = err.Error()
	}
	switch status {
	case StatusCompleted:
		r.completed++
	case StatusFailed:
		r.failed++
	case StatusCancelled:
		r.cancelled++
	}
	close(j.done)
}

func (r *Runner) snapshot(j *job) JobResult {
	r.mu.Lock()
	defer r.mu.Unlock()
	return j.result
}

func normalizeJob(cfg JobConfig) (JobConfig, error) {
	cfg.JobID = strings.TrimSpace(cfg.JobID)
	cfg.OrganizationID = strings.TrimSpace(cfg.OrganizationID)
	cfg.URL = strings.TrimSpace(cfg.URL)
	cfg.Platform = strings.TrimSpace(cfg.Platform)

	if cfg.JobID == "" {
		return JobConfig{}, apperr.New(apperr.KindValidation, "Job ID is required")
	}
	if cfg.OrganizationID == "" {
		return JobConfig{}, apperr.New(apperr.KindValidation, "Organization ID is required")
	}
	parsed, err := url.Parse(cfg.URL)
	if err != nil || (parsed.Scheme != "http" && parsed.Scheme != "https") || parsed.Host == "" {
		return JobConfig{}, apperr.New(apperr.KindValidation, "url must be an absolute http(s) URL, got %q", cfg.URL)
	}
	priority, err := ParsePriority(string(cfg.Priority))
	if err != nil {
		return JobConfig{}, apperr.Wrap(apperr.KindValidation, err, "invalid job priority")
	}
	cfg.Priority = priority
	if cfg.Timeout < 0 {
		cfg.Timeout = 0
	}
	return cfg, nil
}

func keyFor(cfg JobConfig) cacheKey {
	return cacheKey{organizationID: cfg.OrganizationID, url: cfg.URL, platform: cfg.Platform}
}

func hostOf(rawURL string) string {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return rawURL
	}
	return strings.ToLower(parsed.Hostname())
}
