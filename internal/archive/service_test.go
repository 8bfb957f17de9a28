package archive

import (
	"context"
	"errors"
	"math"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"horse.fit/scout/internal/apperr"
	"horse.fit/scout/internal/db"
	"horse.fit/scout/internal/globaltime"
	"horse.fit/scout/internal/memstore"
)

func newTestService(t *testing.T) (*Service, *globaltime.Manual) {
	t.Helper()
	clock := globaltime.NewManual(time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC))
	return NewService(memstore.New(), zerolog.Nop(), Options{Now: clock.Now}), clock
}

func TestSaveIdenticalContentIncrementsScrapeCount(t *testing.T) {
	t.Parallel()

	svc, clock := newTestService(t)
	ctx := context.Background()
	in := SaveInput{OrganizationID: "org-1", URL: "https://acme.test/careers", RawHTML: "<html>hiring</html>"}

	first, err := svc.Save(ctx, in)
	if err != nil {
		t.Fatalf("first save: %v", err)
	}
	if !first.IsNew || first.Scrape.ScrapeCount != 1 {
		t.Fatalf("unexpected first save: isNew=%v count=%d", first.IsNew, first.Scrape.ScrapeCount)
	}

	clock.Advance(time.Minute)
	second, err := svc.Save(ctx, in)
	if err != nil {
		t.Fatalf("second save: %v", err)
	}
	if second.IsNew {
		t.Fatalf("expected duplicate content to reuse the entry")
	}
	if second.Scrape.ID != first.Scrape.ID {
		t.Fatalf("unexpected id: got %s want %s", second.Scrape.ID, first.Scrape.ID)
	}
	if second.Scrape.ScrapeCount != 2 {
		t.Fatalf("unexpected scrape count: got %d want 2", second.Scrape.ScrapeCount)
	}
	if !second.Scrape.LastSeen.Equal(clock.Now()) {
		t.Fatalf("unexpected lastSeen: got %v want %v", second.Scrape.LastSeen, clock.Now())
	}
}

func TestSaveChangedContentCreatesNewEntry(t *testing.T) {
	t.Parallel()

	svc, clock := newTestService(t)
	ctx := context.Background()

	first, err := svc.Save(ctx, SaveInput{OrganizationID: "org-1", URL: "https://acme.test", RawHTML: "<p>v1</p>"})
	if err != nil {
		t.Fatalf("save v1: %v", err)
	}
	clock.Advance(time.Second)
	second, err := svc.Save(ctx, SaveInput{OrganizationID: "org-1", URL: "https://acme.test", RawHTML: "<p>v2</p>"})
	if err != nil {
		t.Fatalf("save v2: %v", err)
	}
	if !second.IsNew || second.Scrape.ID == first.Scrape.ID {
		t.Fatalf("expected a new entry for changed content")
	}

	rows, err := svc.ListByURL(ctx, "org-1", "https://acme.test")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(rows) != 2 {
		t.Fatalf("unexpected entry count: got %d want 2", len(rows))
	}
	if rows[0].ID != second.Scrape.ID {
		t.Fatalf("expected newest entry first")
	}
}

func TestSaveSetsTTLSizeAndHash(t *testing.T) {
	t.Parallel()

	svc, clock := newTestService(t)
	raw := "<html><body>size me</body></html>"
	res, err := svc.Save(context.Background(), SaveInput{OrganizationID: "org-1", URL: "https://acme.test", RawHTML: raw})
	if err != nil {
		t.Fatalf("save: %v", err)
	}

	ttl := res.Scrape.ExpiresAt.Sub(res.Scrape.CreatedAt)
	if math.Abs(ttl.Hours()-7*24) > 0.01 {
		t.Fatalf("unexpected ttl: got %v want ~168h", ttl)
	}
	if !res.Scrape.CreatedAt.Equal(clock.Now()) {
		t.Fatalf("unexpected createdAt: %v", res.Scrape.CreatedAt)
	}
	if res.Scrape.SizeBytes != int64(len(raw)) {
		t.Fatalf("unexpected size: got %d want %d", res.Scrape.SizeBytes, len(raw))
	}
	if res.Scrape.ContentHash != ContentHash(raw) || len(res.Scrape.ContentHash) != 64 {
		t.Fatalf("unexpected content hash: %q", res.Scrape.ContentHash)
	}
}

func TestSaveRequiresOrganization(t *testing.T) {
	t.Parallel()

	svc, _ := newTestService(t)
	_, err := svc.Save(context.Background(), SaveInput{URL: "https://acme.test", RawHTML: "x"})
	if !errors.Is(err, apperr.Validation) {
		t.Fatalf("unexpected error: got %v want VALIDATION", err)
	}
}

func TestFlagAndExpireSweepsAreIndependent(t *testing.T) {
	t.Parallel()

	svc, clock := newTestService(t)
	ctx := context.Background()

	flagged, err := svc.Save(ctx, SaveInput{OrganizationID: "org-1", URL: "https://a.test", RawHTML: "a"})
	if err != nil {
		t.Fatalf("save a: %v", err)
	}
	clock.Advance(6 * 24 * time.Hour)
	fresh, err := svc.Save(ctx, SaveInput{OrganizationID: "org-1", URL: "https://b.test", RawHTML: "b"})
	if err != nil {
		t.Fatalf("save b: %v", err)
	}
	if err := svc.Flag(ctx, flagged.Scrape.ID); err != nil {
		t.Fatalf("flag: %v", err)
	}
	if err := svc.Flag(ctx, flagged.Scrape.ID); err != nil {
		t.Fatalf("second flag: %v", err)
	}
	if err := svc.Flag(ctx, "missing-id"); err != nil {
		t.Fatalf("flag missing id: %v", err)
	}

	got, found, err := svc.Get(ctx, flagged.Scrape.ID)
	if err != nil || !found {
		t.Fatalf("get flagged: found=%v err=%v", found, err)
	}
	if !got.FlaggedForDeletion || !got.Verified || got.VerifiedAt == nil {
		t.Fatalf("unexpected flag state: %+v", got)
	}

	// Nothing expired yet, so the expired sweep must not touch the flagged row.
	expired, err := svc.DeleteExpired(ctx, "org-1")
	if err != nil {
		t.Fatalf("delete expired: %v", err)
	}
	if expired != 0 {
		t.Fatalf("unexpected expired count: got %d want 0", expired)
	}

	deleted, err := svc.DeleteFlagged(ctx, "org-1")
	if err != nil {
		t.Fatalf("delete flagged: %v", err)
	}
	if deleted != 1 {
		t.Fatalf("unexpected flagged count: got %d want 1", deleted)
	}

	clock.Advance(7*24*time.Hour + time.Minute)
	expired, err = svc.DeleteExpired(ctx, "org-1")
	if err != nil {
		t.Fatalf("delete expired: %v", err)
	}
	if expired != 1 {
		t.Fatalf("unexpected expired count: got %d want 1", expired)
	}
	if _, found, _ := svc.Get(ctx, fresh.Scrape.ID); found {
		t.Fatalf("expected expired scrape to be gone")
	}
}

func TestSweepsAreOrganizationScoped(t *testing.T) {
	t.Parallel()

	svc, _ := newTestService(t)
	ctx := context.Background()

	a, _ := svc.Save(ctx, SaveInput{OrganizationID: "org-a", URL: "https://x.test", RawHTML: "x"})
	b, _ := svc.Save(ctx, SaveInput{OrganizationID: "org-b", URL: "https://x.test", RawHTML: "x"})
	_ = svc.Flag(ctx, a.Scrape.ID)
	_ = svc.Flag(ctx, b.Scrape.ID)

	deleted, err := svc.DeleteFlagged(ctx, "org-a")
	if err != nil {
		t.Fatalf("delete flagged: %v", err)
	}
	if deleted != 1 {
		t.Fatalf("unexpected deleted count: got %d want 1", deleted)
	}
	if _, found, _ := svc.Get(ctx, b.Scrape.ID); !found {
		t.Fatalf("expected org-b scrape to survive an org-a sweep")
	}
}

func TestStatsAndStorageCost(t *testing.T) {
	t.Parallel()

	svc, _ := newTestService(t)
	ctx := context.Background()
	raw := make([]byte, 1024)
	for i := range raw {
		raw[i] = 'a'
	}
	if _, err := svc.Save(ctx, SaveInput{OrganizationID: "org-1", URL: "https://acme.test", RawHTML: string(raw)}); err != nil {
		t.Fatalf("save: %v", err)
	}

	stats, err := svc.Stats(ctx, "org-1")
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if stats.TotalScrapes != 1 || stats.TotalBytes != 1024 || stats.AverageSizeBytes != 1024 {
		t.Fatalf("unexpected stats: %+v", stats)
	}

	cost, err := svc.StorageCost(ctx, "org-1")
	if err != nil {
		t.Fatalf("storage cost: %v", err)
	}
	want := 1024.0 / (1024 * 1024 * 1024) * StorageCostPerGBMonth
	if math.Abs(cost.MonthlyCostUSD-want) > 1e-12 {
		t.Fatalf("unexpected cost: got %v want %v", cost.MonthlyCostUSD, want)
	}

	if _, err := svc.Save(ctx, SaveInput{OrganizationID: "org-1", URL: "https://acme.test/about", RawHTML: string(raw[:512])}); err != nil {
		t.Fatalf("save: %v", err)
	}
	stats, err = svc.Stats(ctx, "org-1")
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if stats.TotalScrapes != 2 || stats.AverageSizeBytes != 768 {
		t.Fatalf("unexpected average size: got %v want 768 (%+v)", stats.AverageSizeBytes, stats)
	}

	empty, err := svc.Stats(ctx, "org-empty")
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if empty.TotalScrapes != 0 || empty.AverageSizeBytes != 0 {
		t.Fatalf("unexpected empty stats: %+v", empty)
	}
}

type failingStore struct {
	Store
}

func (failingStore) UpsertTemporaryScrape(context.Context, db.TemporaryScrape) (db.TemporaryScrape, bool, error) {
	return db.TemporaryScrape{}, false, errors.New("connection reset")
}

func TestSaveStoreFailureIsRetryable(t *testing.T) {
	t.Parallel()

	svc := NewService(failingStore{}, zerolog.Nop(), Options{})
	_, err := svc.Save(context.Background(), SaveInput{OrganizationID: "org-1", URL: "https://acme.test", RawHTML: "x"})
	if !errors.Is(err, apperr.TransientStore) {
		t.Fatalf("unexpected error: got %v want TRANSIENT_STORE_ERROR", err)
	}
	if !apperr.Retryable(err) {
		t.Fatalf("expected store failure to be retryable")
	}
}

func TestSweeperRunsImmediatelyAndStopsOnCancel(t *testing.T) {
	t.Parallel()

	svc, _ := newTestService(t)
	ctx, cancel := context.WithCancel(context.Background())

	saved, err := svc.Save(ctx, SaveInput{OrganizationID: "org-1", URL: "https://acme.test", RawHTML: "x"})
	if err != nil {
		t.Fatalf("save: %v", err)
	}
	if err := svc.Flag(ctx, saved.Scrape.ID); err != nil {
		t.Fatalf("flag: %v", err)
	}

	done := make(chan struct{})
	go func() {
		NewSweeper(svc, SweeperConfig{Interval: time.Hour}, zerolog.Nop()).Run(ctx)
		close(done)
	}()

	deadline := time.After(2 * time.Second)
	for {
		if _, found, _ := svc.Get(context.Background(), saved.Scrape.ID); !found {
			break
		}
		select {
		case <-deadline:
			t.Fatalf("sweeper did not delete the flagged scrape")
		case <-time.After(5 * time.Millisecond):
		}
	}

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("sweeper did not stop after cancel")
	}
}
