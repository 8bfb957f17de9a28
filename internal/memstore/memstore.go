// Package memstore keeps every scout table in process memory. It backs the
// SCOUT_STORE=memory mode and the service tests, and gives the same atomicity
// as the Postgres queries by running each read-modify-write under one lock.
package memstore

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"horse.fit/scout/internal/db"
)

type Store struct {
	mu sync.Mutex

	scrapes   map[string]db.TemporaryScrape
	signals   []db.ExtractedSignal
	research  map[string]db.ResearchDocument
	feedback  map[string]db.TrainingFeedback
	training  map[string]db.TrainingData
	history   map[string][]db.TrainingHistory
	pingError error
}

func New() *Store {
	return &Store{
		scrapes:  make(map[string]db.TemporaryScrape),
		research: make(map[string]db.ResearchDocument),
		feedback: make(map[string]db.TrainingFeedback),
		training: make(map[string]db.TrainingData),
		history:  make(map[string][]db.TrainingHistory),
	}
}

// SetPingError makes Ping fail with err until it is reset with nil.
func (s *Store) SetPingError(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pingError = err
}

func (s *Store) Ping(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pingError
}

func (s *Store) Close() error { return nil }

func (s *Store) UpsertTemporaryScrape(ctx context.Context, row db.TemporaryScrape) (db.TemporaryScrape, bool, error) {
	if err := ctx.Err(); err != nil {
		return db.TemporaryScrape{}, false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	for id, existing := range s.scrapes {
		if existing.OrganizationID == row.OrganizationID && existing.URL == row.URL && existing.ContentHash == row.ContentHash {
			existing.ScrapeCount++
			existing.LastSeen = row.CreatedAt
			s.scrapes[id] = existing
			return existing, false, nil
		}
	}

	if row.ID == "" {
		row.ID = uuid.NewString()
	}
	row.ScrapeCount = 1
	row.LastSeen = row.CreatedAt
	row.Verified = false
	row.FlaggedForDeletion = false
	row.VerifiedAt = nil
	s.scrapes[row.ID] = row
	return row, true, nil
}

func (s *Store) GetTemporaryScrape(ctx context.Context, id string) (db.TemporaryScrape, error) {
	if err := ctx.Err(); err != nil {
		return db.TemporaryScrape{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	row, ok := s.scrapes[id]
	if !ok {
		return db.TemporaryScrape{}, db.ErrNoRows
	}
	return row, nil
}

func (s *Store) ListTemporaryScrapesByURL(ctx context.Context, organizationID, url string, limit int) ([]db.TemporaryScrape, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]db.TemporaryScrape, 0, 4)
	for _, row := range s.scrapes {
		if row.URL != url {
			continue
		}
		if organizationID != "" && row.OrganizationID != organizationID {
			continue
		}
		out = append(out, row)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID > out[j].ID
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *Store) FlagTemporaryScrape(ctx context.Context, id string, at time.Time) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	row, ok := s.scrapes[id]
	if !ok {
		return false, nil
	}
	row.FlaggedForDeletion = true
	row.Verified = true
	verifiedAt := at
	row.VerifiedAt = &verifiedAt
	s.scrapes[id] = row
	return true, nil
}

func (s *Store) DeleteFlaggedTemporaryScrapes(ctx context.Context, organizationID string) (int64, error) {
	return s.deleteScrapes(ctx, organizationID, func(row db.TemporaryScrape) bool {
		return row.FlaggedForDeletion
	})
}

func (s *Store) DeleteExpiredTemporaryScrapes(ctx context.Context, organizationID string, now time.Time) (int64, error) {
	return s.deleteScrapes(ctx, organizationID, func(row db.TemporaryScrape) bool {
		return row.ExpiresAt.Before(now)
	})
}

func (s *Store) deleteScrapes(ctx context.Context, organizationID string, match func(db.TemporaryScrape) bool) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	var deleted int64
	for id, row := range s.scrapes {
		if organizationID != "" && row.OrganizationID != organizationID {
			continue
		}
		if match(row) {
			delete(s.scrapes, id)
			deleted++
		}
	}
	return deleted, nil
}

func (s *Store) QueryScrapeStorageStats(ctx context.Context, organizationID string, now time.Time) (db.ScrapeStorageStats, error) {
	if err := ctx.Err(); err != nil {
		return db.ScrapeStorageStats{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	var stats db.ScrapeStorageStats
	for _, row := range s.scrapes {
		if organizationID != "" && row.OrganizationID != organizationID {
			continue
		}
		stats.TotalScrapes++
		stats.TotalBytes += row.SizeBytes
		if row.FlaggedForDeletion {
			stats.FlaggedCount++
		}
		if row.Verified {
			stats.VerifiedCount++
		}
		if row.ExpiresAt.Before(now) {
			stats.ExpiredCount++
		}
		createdAt := row.CreatedAt
		if stats.OldestScrape == nil || createdAt.Before(*stats.OldestScrape) {
			stats.OldestScrape = &createdAt
		}
		if stats.NewestScrape == nil || createdAt.After(*stats.NewestScrape) {
			newest := createdAt
			stats.NewestScrape = &newest
		}
	}
	return stats, nil
}
