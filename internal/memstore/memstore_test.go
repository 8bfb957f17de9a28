package memstore

import (
	"context"
	"sync"
	"testing"
	"time"

	"horse.fit/scout/internal/db"
)

func TestUpsertTemporaryScrapeIsAtomicUnderConcurrency(t *testing.T) {
	t.Parallel()

	store := New()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	const writers = 16
	var wg sync.WaitGroup
	inserted := make(chan bool, writers)
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, isNew, err := store.UpsertTemporaryScrape(context.Background(), db.TemporaryScrape{
				OrganizationID: "org-1",
				URL:            "https://acme.test/jobs",
				ContentHash:    "abc",
				RawHTML:        "<p>x</p>",
				CreatedAt:      now,
				ExpiresAt:      now.Add(time.Hour),
			})
			if err != nil {
				t.Errorf("upsert: %v", err)
				return
			}
			inserted <- isNew
		}()
	}
	wg.Wait()
	close(inserted)

	newCount := 0
	for isNew := range inserted {
		if isNew {
			newCount++
		}
	}
	if newCount != 1 {
		t.Fatalf("unexpected inserted count: got %d want 1", newCount)
	}

	rows, err := store.ListTemporaryScrapesByURL(context.Background(), "org-1", "https://acme.test/jobs", 10)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(rows) != 1 {
		t.Fatalf("unexpected row count: got %d want 1", len(rows))
	}
	if rows[0].ScrapeCount != writers {
		t.Fatalf("unexpected scrape count: got %d want %d", rows[0].ScrapeCount, writers)
	}
}

func TestUpsertTrainingPatternVersionsAndHistory(t *testing.T) {
	t.Parallel()

	store := New()
	ctx := context.Background()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	key := db.TrainingPatternKey{OrganizationID: "org-1", SignalID: "hiring", Pattern: "we are hiring"}

	bump := func(row *db.TrainingData, created bool) (db.TrainingHistory, error) {
		row.PositiveCount++
		changeType := "updated"
		if created {
			changeType = "created"
		}
		return db.TrainingHistory{ChangeType: changeType}, nil
	}

	first, err := store.UpsertTrainingPattern(ctx, key, now, bump)
	if err != nil {
		t.Fatalf("first upsert: %v", err)
	}
	second, err := store.UpsertTrainingPattern(ctx, key, now.Add(time.Minute), bump)
	if err != nil {
		t.Fatalf("second upsert: %v", err)
	}
	if first.ID != second.ID {
		t.Fatalf("expected the same row, got %s and %s", first.ID, second.ID)
	}
	if second.Version != 2 || second.PositiveCount != 2 {
		t.Fatalf("unexpected row: version=%d positive=%d", second.Version, second.PositiveCount)
	}

	history, err := store.ListTrainingHistory(ctx, first.ID)
	if err != nil {
		t.Fatalf("list history: %v", err)
	}
	if len(history) != 2 {
		t.Fatalf("unexpected history length: got %d want 2", len(history))
	}
	if history[0].ChangeType != "created" || history[1].ChangeType != "updated" {
		t.Fatalf("unexpected change types: %q, %q", history[0].ChangeType, history[1].ChangeType)
	}
	if history[0].PositiveCount != 1 || history[1].PositiveCount != 2 {
		t.Fatalf("unexpected snapshots: %d, %d", history[0].PositiveCount, history[1].PositiveCount)
	}
}

func TestUpdateTrainingDataMissingRow(t *testing.T) {
	t.Parallel()

	store := New()
	_, err := store.UpdateTrainingData(context.Background(), "nope", time.Now(), func(row *db.TrainingData) (db.TrainingHistory, error) {
		return db.TrainingHistory{}, nil
	})
	if !db.IsNoRows(err) {
		t.Fatalf("unexpected error: got %v want no rows", err)
	}
}
