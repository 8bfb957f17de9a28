package jobrunner

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"go.uber.org/goleak"

	"horse.fit/scout/internal/apperr"
	"horse.fit/scout/internal/reader"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type fakeFetcher struct {
	mu       sync.Mutex
	calls    []string
	startsAt []time.Time

	started chan string
	gate    chan struct{}
	once    sync.Once

	running atomic.Int32
	peak    atomic.Int32
}

func newFakeFetcher(gated bool) *fakeFetcher {
	f := &fakeFetcher{started: make(chan string, 64)}
	if gated {
		f.gate = make(chan struct{})
	}
	return f
}

func (f *fakeFetcher) release() {
	if f.gate == nil {
		return
	}
	f.once.Do(func() { close(f.gate) })
}

func (f *fakeFetcher) Fetch(ctx context.Context, rawURL string) (*reader.Page, error) {
	f.mu.Lock()
	f.calls = append(f.calls, rawURL)
	f.startsAt = append(f.startsAt, time.Now())
	f.mu.Unlock()

	n := f.running.Add(1)
	defer f.running.Add(-1)
	for {
		p := f.peak.Load()
		if n <= p || f.peak.CompareAndSwap(p, n) {
			break
		}
	}

	f.started <- rawURL
	if f.gate != nil {
		select {
		case <-f.gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return &reader.Page{URL: rawURL, StatusCode: 200, CleanedContent: "content of " + rawURL}, nil
}

func (f *fakeFetcher) callOrder() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

func newTestRunner(t *testing.T, f *fakeFetcher, cfg Config) *Runner {
	t.Helper()
	r := NewRunner(f, zerolog.Nop(), cfg)
	t.Cleanup(func() {
		f.release()
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = r.Shutdown(ctx)
	})
	return r
}

func awaitStart(t *testing.T, f *fakeFetcher) string {
	t.Helper()
	select {
	case u := <-f.started:
		return u
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for a fetch to start")
		return ""
	}
}

func jobFor(id, rawURL string, p Priority) JobConfig {
	return JobConfig{JobID: id, OrganizationID: "org-1", URL: rawURL, Platform: "website", Priority: p}
}

func mustSubmit(t *testing.T, r *Runner, cfg JobConfig) JobResult {
	t.Helper()
	res, err := r.Submit(cfg)
	if err != nil {
		t.Fatalf("submit %s: %v", cfg.JobID, err)
	}
	return res
}

func mustWait(t *testing.T, r *Runner, id string) JobResult {
	t.Helper()
	res, err := r.WaitForJob(context.Background(), id, 2*time.Second)
	if err != nil {
		t.Fatalf("wait %s: %v", id, err)
	}
	return res
}

func TestRunnerRespectsMaxConcurrent(t *testing.T) {
	t.Parallel()

	f := newFakeFetcher(true)
	r := newTestRunner(t, f, Config{MaxConcurrent: 2})

	for i := 0; i < 5; i++ {
		mustSubmit(t, r, jobFor(fmt.Sprintf("job-%d", i), fmt.Sprintf("https://site%d.test/", i), PriorityNormal))
	}

	awaitStart(t, f)
	awaitStart(t, f)
	select {
	case u := <-f.started:
		t.Fatalf("third job started while two were running: %s", u)
	case <-time.After(50 * time.Millisecond):
	}

	stats := r.Stats()
	if stats.ActiveJobs != 2 || stats.QueuedJobs != 3 {
		t.Fatalf("unexpected stats while saturated: %+v", stats)
	}

	f.release()
	for i := 0; i < 5; i++ {
		res := mustWait(t, r, fmt.Sprintf("job-%d", i))
		if res.Status != StatusCompleted {
			t.Fatalf("unexpected status for job-%d: %s", i, res.Status)
		}
	}
	if peak := f.peak.Load(); peak > 2 {
		t.Fatalf("unexpected peak concurrency: got %d want <= 2", peak)
	}
	if got := r.Stats().CompletedJobs; got != 5 {
		t.Fatalf("unexpected completed jobs: got %d want 5", got)
	}
}

func TestRunnerDispatchesByPriorityThenFIFO(t *testing.T) {
	t.Parallel()

	f := newFakeFetcher(true)
	r := newTestRunner(t, f, Config{MaxConcurrent: 1})

	mustSubmit(t, r, jobFor("blocker", "https://blocker.test/", PriorityLow))
	awaitStart(t, f)

	mustSubmit(t, r, jobFor("low", "https://low.test/", PriorityLow))
	mustSubmit(t, r, jobFor("normal-a", "https://normal-a.test/", PriorityNormal))
	mustSubmit(t, r, jobFor("urgent", "https://urgent.test/", PriorityUrgent))
	mustSubmit(t, r, jobFor("high", "https://high.test/", PriorityHigh))
	mustSubmit(t, r, jobFor("normal-b", "https://normal-b.test/", ""))

	f.release()
	for _, id := range []string{"blocker", "low", "normal-a", "urgent", "high", "normal-b"} {
		mustWait(t, r, id)
	}

	want := []string{
		"https://blocker.test/",
		"https://urgent.test/",
		"https://high.test/",
		"https://normal-a.test/",
		"https://normal-b.test/",
		"https://low.test/",
	}
	got := f.callOrder()
	if strings.Join(got, ",") != strings.Join(want, ",") {
		t.Fatalf("unexpected dispatch order:\n got %v\nwant %v", got, want)
	}
}

func TestRunnerServesRepeatFromCache(t *testing.T) {
	t.Parallel()

	f := newFakeFetcher(false)
	r := newTestRunner(t, f, Config{})

	mustSubmit(t, r, jobFor("first", "https://acme.test/careers", PriorityNormal))
	first := mustWait(t, r, "first")
	if first.Cached || first.Page == nil {
		t.Fatalf("unexpected first result: %+v", first)
	}

	second := mustSubmit(t, r, jobFor("second", "https://acme.test/careers", PriorityNormal))
	if !second.Cached || second.Status != StatusCompleted {
		t.Fatalf("expected cached completion, got %+v", second)
	}
	if second.Page != first.Page {
		t.Fatalf("expected cached page to be reused")
	}

	other := jobFor("other-platform", "https://acme.test/careers", PriorityNormal)
	other.Platform = "linkedin"
	mustSubmit(t, r, other)
	if res := mustWait(t, r, "other-platform"); res.Cached {
		t.Fatalf("different platform must not hit the cache")
	}

	if calls := len(f.callOrder()); calls != 2 {
		t.Fatalf("unexpected fetch count: got %d want 2", calls)
	}
	stats := r.Stats()
	if stats.Cache.Hits != 1 {
		t.Fatalf("unexpected cache hits: got %d want 1", stats.Cache.Hits)
	}
	if stats.Cache.Misses != 2 {
		t.Fatalf("unexpected cache misses: got %d want 2", stats.Cache.Misses)
	}

	r.ClearCache()
	if size := r.Stats().Cache.Size; size != 0 {
		t.Fatalf("unexpected cache size after clear: got %d want 0", size)
	}
	mustSubmit(t, r, jobFor("third", "https://acme.test/careers", PriorityNormal))
	if res := mustWait(t, r, "third"); res.Cached {
		t.Fatalf("cleared cache must not serve the page")
	}
	if calls := len(f.callOrder()); calls != 3 {
		t.Fatalf("unexpected fetch count after clear: got %d want 3", calls)
	}
}

func TestRunnerHandsPagesToHandler(t *testing.T) {
	t.Parallel()

	f := newFakeFetcher(false)
	r := newTestRunner(t, f, Config{Handler: func(_ context.Context, job JobConfig, page *reader.Page) (any, error) {
		if job.IndustryID == "broken" {
			return nil, errors.New("no ruleset")
		}
		return job.IndustryID + ":" + page.CleanedContent, nil
	}})

	ok := jobFor("ok", "https://acme.test/", PriorityNormal)
	ok.IndustryID = "saas"
	mustSubmit(t, r, ok)
	res := mustWait(t, r, "ok")
	if res.Output != "saas:content of https://acme.test/" {
		t.Fatalf("unexpected output: %v", res.Output)
	}

	bad := jobFor("bad", "https://other.test/", PriorityNormal)
	bad.IndustryID = "broken"
	mustSubmit(t, r, bad)
	res = mustWait(t, r, "bad")
	if res.Status != StatusFailed || res.Error != "no ruleset" {
		t.Fatalf("unexpected failed result: %+v", res)
	}
}

func TestRunnerJobTimeout(t *testing.T) {
	t.Parallel()

	f := newFakeFetcher(true)
	r := newTestRunner(t, f, Config{})

	cfg := jobFor("slow", "https://slow.test/", PriorityNormal)
	cfg.Timeout = 20 * time.Millisecond
	mustSubmit(t, r, cfg)

	res := mustWait(t, r, "slow")
	if res.Status != StatusFailed {
		t.Fatalf("unexpected status: got %s want failed", res.Status)
	}
	if !errors.Is(res.Err, apperr.Timeout) {
		t.Fatalf("unexpected error: got %v want TIMEOUT", res.Err)
	}
}

func TestRunnerCancel(t *testing.T) {
	t.Parallel()

	f := newFakeFetcher(true)
	r := newTestRunner(t, f, Config{MaxConcurrent: 1})

	mustSubmit(t, r, jobFor("running", "https://a.test/", PriorityNormal))
	awaitStart(t, f)
	mustSubmit(t, r, jobFor("queued", "https://b.test/", PriorityNormal))

	if !r.CancelJob("queued") {
		t.Fatalf("expected pending cancel to succeed")
	}
	if res := mustWait(t, r, "queued"); res.Status != StatusCancelled {
		t.Fatalf("unexpected queued status: %s", res.Status)
	}

	if !r.CancelJob("running") {
		t.Fatalf("expected running cancel to be accepted")
	}
	if res := mustWait(t, r, "running"); res.Status != StatusCancelled {
		t.Fatalf("unexpected running status: %s", res.Status)
	}

	if r.CancelJob("running") {
		t.Fatalf("cancel of a finished job must report false")
	}
	if r.CancelJob("missing") {
		t.Fatalf("cancel of an unknown job must report false")
	}
	if calls := len(f.callOrder()); calls != 1 {
		t.Fatalf("cancelled pending job was fetched")
	}
}

func TestWaitForJobErrors(t *testing.T) {
	t.Parallel()

	f := newFakeFetcher(true)
	r := newTestRunner(t, f, Config{})

	_, err := r.WaitForJob(context.Background(), "nope", time.Second)
	if !errors.Is(err, apperr.NotFound) || !strings.Contains(err.Error(), "Job not found") {
		t.Fatalf("unexpected error: %v", err)
	}

	mustSubmit(t, r, jobFor("blocked", "https://a.test/", PriorityNormal))
	_, err = r.WaitForJob(context.Background(), "blocked", 20*time.Millisecond)
	if !errors.Is(err, apperr.Timeout) {
		t.Fatalf("unexpected error: got %v want TIMEOUT", err)
	}
	if res, ok := r.GetJobResult("blocked"); !ok || res.Status.Terminal() {
		t.Fatalf("waiting must not affect the job: %+v", res)
	}
}

func TestSubmitValidation(t *testing.T) {
	t.Parallel()

	f := newFakeFetcher(false)
	r := newTestRunner(t, f, Config{})

	cases := []struct {
		name string
		cfg  JobConfig
		msg  string
	}{
		{name: "missing org", cfg: JobConfig{JobID: "a", URL: "https://a.test/"}, msg: "Organization ID is required"},
		{name: "missing id", cfg: JobConfig{OrganizationID: "org", URL: "https://a.test/"}, msg: "Job ID is required"},
		{name: "bad url", cfg: JobConfig{JobID: "a", OrganizationID: "org", URL: "ftp://a.test/"}, msg: "url must be"},
		{name: "bad priority", cfg: JobConfig{JobID: "a", OrganizationID: "org", URL: "https://a.test/", Priority: "asap"}, msg: "priority"},
	}
	for _, tc := range cases {
		_, err := r.Submit(tc.cfg)
		if !errors.Is(err, apperr.Validation) || !strings.Contains(err.Error(), tc.msg) {
			t.Fatalf("%s: unexpected error: %v", tc.name, err)
		}
	}

	mustSubmit(t, r, jobFor("dup", "https://a.test/", PriorityNormal))
	if _, err := r.Submit(jobFor("dup", "https://b.test/", PriorityNormal)); !errors.Is(err, apperr.Validation) {
		t.Fatalf("unexpected duplicate error: %v", err)
	}
}

func TestSubmitBatchKeepsOrder(t *testing.T) {
	t.Parallel()

	f := newFakeFetcher(false)
	r := newTestRunner(t, f, Config{})

	results, failures := r.SubmitBatch([]JobConfig{
		jobFor("b1", "https://a.test/", PriorityNormal),
		{JobID: "b2", URL: "https://b.test/"},
		jobFor("b3", "https://c.test/", PriorityNormal),
	})
	if len(results) != 2 || results[0].JobID != "b1" || results[1].JobID != "b3" {
		t.Fatalf("unexpected results: %+v", results)
	}
	if len(failures) != 1 || failures[0].Index != 1 {
		t.Fatalf("unexpected failures: %+v", failures)
	}
	mustWait(t, r, "b1")
	mustWait(t, r, "b3")
}

func TestRunnerSpacesSameHostRequests(t *testing.T) {
	t.Parallel()

	f := newFakeFetcher(false)
	r := newTestRunner(t, f, Config{MaxConcurrent: 2, DomainDelay: 80 * time.Millisecond})

	mustSubmit(t, r, jobFor("p1", "https://same.test/one", PriorityNormal))
	mustSubmit(t, r, jobFor("p2", "https://same.test/two", PriorityNormal))
	mustWait(t, r, "p1")
	mustWait(t, r, "p2")

	f.mu.Lock()
	starts := append([]time.Time(nil), f.startsAt...)
	f.mu.Unlock()
	if len(starts) != 2 {
		t.Fatalf("unexpected fetch count: %d", len(starts))
	}
	if gap := starts[1].Sub(starts[0]); gap < 60*time.Millisecond {
		t.Fatalf("same-host requests too close together: %s", gap)
	}
}

func TestShutdownDrainsRunningAndRejectsNewJobs(t *testing.T) {
	t.Parallel()

	f := newFakeFetcher(true)
	r := NewRunner(f, zerolog.Nop(), Config{MaxConcurrent: 1})

	mustSubmit(t, r, jobFor("running", "https://a.test/", PriorityNormal))
	awaitStart(t, f)
	mustSubmit(t, r, jobFor("queued", "https://b.test/", PriorityNormal))

	done := make(chan error, 1)
	go func() { done <- r.Shutdown(context.Background()) }()

	select {
	case err := <-done:
		t.Fatalf("shutdown returned before the running job finished: %v", err)
	case <-time.After(50 * time.Millisecond):
	}

	f.release()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("shutdown: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("shutdown did not return")
	}

	if res, _ := r.GetJobResult("running"); res.Status != StatusCompleted {
		t.Fatalf("unexpected running status: %s", res.Status)
	}
	if res, _ := r.GetJobResult("queued"); res.Status != StatusCancelled {
		t.Fatalf("unexpected queued status: %s", res.Status)
	}
	if r.Stats().ActiveJobs != 0 {
		t.Fatalf("active jobs remain after shutdown")
	}
	if _, err := r.Submit(jobFor("late", "https://c.test/", PriorityNormal)); !errors.Is(err, apperr.Unavailable) {
		t.Fatalf("unexpected error after shutdown: got %v want UNAVAILABLE", err)
	}
}

func TestShutdownDeadlineCancelsRunningJobs(t *testing.T) {
	t.Parallel()

	f := newFakeFetcher(true)
	r := NewRunner(f, zerolog.Nop(), Config{})

	mustSubmit(t, r, jobFor("stuck", "https://a.test/", PriorityNormal))
	awaitStart(t, f)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := r.Shutdown(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("unexpected shutdown error: %v", err)
	}
	if res, _ := r.GetJobResult("stuck"); !res.Status.Terminal() {
		t.Fatalf("running job not finished after shutdown: %s", res.Status)
	}
}

func TestParsePriority(t *testing.T) {
	t.Parallel()

	for raw, want := range map[string]Priority{"": PriorityNormal, "URGENT": PriorityUrgent, " low ": PriorityLow} {
		got, err := ParsePriority(raw)
		if err != nil || got != want {
			t.Fatalf("ParsePriority(%q): got %q, %v want %q", raw, got, err, want)
		}
	}
	if _, err := ParsePriority("later"); err == nil {
		t.Fatalf("expected error for unknown priority")
	}
}
