// Package archive is the discovery content store: a content-addressed cache of
// scraped pages with scrape counting, TTL expiry, and a flag-for-deletion
// lifecycle.
package archive

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"horse.fit/scout/internal/apperr"
	"horse.fit/scout/internal/db"
	"horse.fit/scout/internal/globaltime"
)

const (
	DefaultTTL = 7 * 24 * time.Hour

	// MaxByURL caps ListByURL.
	MaxByURL = 10

	// StorageCostPerGBMonth is the list price used by StorageCost, in USD.
	StorageCostPerGBMonth = 0.18
)

var errServiceNotInitialized = errors.New("archive service is not initialized")

type Store interface {
	UpsertTemporaryScrape(ctx context.Context, row db.TemporaryScrape) (db.TemporaryScrape, bool, error)
	GetTemporaryScrape(ctx context.Context, id string) (db.TemporaryScrape, error)
	ListTemporaryScrapesByURL(ctx context.Context, organizationID, url string, limit int) ([]db.TemporaryScrape, error)
	FlagTemporaryScrape(ctx context.Context, id string, at time.Time) (bool, error)
	DeleteFlaggedTemporaryScrapes(ctx context.Context, organizationID string) (int64, error)
	DeleteExpiredTemporaryScrapes(ctx context.Context, organizationID string, now time.Time) (int64, error)
	QueryScrapeStorageStats(ctx context.Context, organizationID string, now time.Time) (db.ScrapeStorageStats, error)
}

type Options struct {
	TTL time.Duration
	Now globaltime.Func
}

type Service struct {
	store  Store
	logger zerolog.Logger
	ttl    time.Duration
	now    globaltime.Func
}

// SaveInput is one scraped page to archive.
type SaveInput struct {
	OrganizationID string
	URL            string
	RawHTML        string
	CleanedContent string
	Metadata       db.ScrapeMetadata
}

type SaveResult struct {
	Scrape db.TemporaryScrape
	IsNew  bool
}

type StorageCost struct {
	TotalBytes     int64   `json:"total_bytes"`
	TotalGB        float64 `json:"total_gb"`
	MonthlyCostUSD float64 `json:"monthly_cost_usd"`
	TotalScrapes   int64   `json:"total_scrapes"`
}

func NewService(store Store, logger zerolog.Logger, opts Options) *Service {
	ttl := opts.TTL
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Service{
		store:  store,
		logger: logger,
		ttl:    ttl,
		now:    globaltime.Or(opts.Now),
	}
}

// ContentHash is the hex SHA-256 of raw page content, the dedup key of the
// archive.
func ContentHash(raw string) string {
	sum := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:])
}

// Save archives a page. An identical page already stored for the same
// organization and URL is counted again instead of stored twice; IsNew reports
// which happened. Store failures surface as TRANSIENT_STORE_ERROR.
func (s *Service) Save(ctx context.Context, in SaveInput) (SaveResult, error) {
	if s == nil || s.store == nil {
		return SaveResult{}, errServiceNotInitialized
	}
	organizationID := strings.TrimSpace(in.OrganizationID)
	if organizationID == "" {
		return SaveResult{}, apperr.New(apperr.KindValidation, "Organization ID is required")
	}
	url := strings.TrimSpace(in.URL)
	if url == "" {
		return SaveResult{}, apperr.New(apperr.KindValidation, "URL is required")
	}

	now := s.now().UTC()
	row := db.TemporaryScrape{
		ID:             uuid.NewString(),
		OrganizationID: organizationID,
		URL:            url,
		ContentHash:    ContentHash(in.RawHTML),
		RawHTML:        in.RawHTML,
		CleanedContent: in.CleanedContent,
		Metadata:       in.Metadata,
		SizeBytes:      int64(len(in.RawHTML)),
		ScrapeCount:    1,
		CreatedAt:      now,
		LastSeen:       now,
		ExpiresAt:      now.Add(s.ttl),
	}

	stored, inserted, err := s.store.UpsertTemporaryScrape(ctx, row)
	if err != nil {
		return SaveResult{}, apperr.Store(err, "save temporary scrape")
	}

	s.logger.Debug().
		Str("scrape_id", stored.ID).
		Str("url", stored.URL).
		Bool("is_new", inserted).
		Int("scrape_count", stored.ScrapeCount).
		Msg("temporary scrape saved")

	return SaveResult{Scrape: stored, IsNew: inserted}, nil
}

// Get returns the scrape with id. found is false when no scrape has the id.
func (s *Service) Get(ctx context.Context, id string) (db.TemporaryScrape, bool, error) {
	if s == nil || s.store == nil {
		return db.TemporaryScrape{}, false, errServiceNotInitialized
	}
	row, err := s.store.GetTemporaryScrape(ctx, strings.TrimSpace(id))
	if err != nil {
		if db.IsNoRows(err) {
			return db.TemporaryScrape{}, false, nil
		}
		return db.TemporaryScrape{}, false, apperr.Store(err, "get temporary scrape")
	}
	return row, true, nil
}

// ListByURL returns up to MaxByURL scrapes of url, newest first.
func (s *Service) ListByURL(ctx context.Context, organizationID, url string) ([]db.TemporaryScrape, error) {
	if s == nil || s.store == nil {
		return nil, errServiceNotInitialized
	}
	rows, err := s.store.ListTemporaryScrapesByURL(ctx, strings.TrimSpace(organizationID), strings.TrimSpace(url), MaxByURL)
	if err != nil {
		return nil, apperr.Store(err, "list temporary scrapes by url")
	}
	return rows, nil
}

// Flag marks a scrape verified and due for the flagged sweep. Flagging twice
// or flagging an unknown id changes nothing.
func (s *Service) Flag(ctx context.Context, id string) error {
	if s == nil || s.store == nil {
		return errServiceNotInitialized
	}
	found, err := s.store.FlagTemporaryScrape(ctx, strings.TrimSpace(id), s.now().UTC())
	if err != nil {
		return apperr.Store(err, "flag temporary scrape")
	}
	if !found {
		s.logger.Debug().Str("scrape_id", id).Msg("flag skipped: scrape not found")
	}
	return nil
}

// DeleteFlagged removes flagged scrapes. An empty organizationID sweeps every
// organization.
func (s *Service) DeleteFlagged(ctx context.Context, organizationID string) (int64, error) {
	if s == nil || s.store == nil {
		return 0, errServiceNotInitialized
	}
	deleted, err := s.store.DeleteFlaggedTemporaryScrapes(ctx, strings.TrimSpace(organizationID))
	if err != nil {
		return 0, apperr.Store(err, "delete flagged scrapes")
	}
	return deleted, nil
}

// DeleteExpired removes scrapes past expiresAt regardless of their flag. An
// empty organizationID sweeps every organization.
func (s *Service) DeleteExpired(ctx context.Context, organizationID string) (int64, error) {
	if s == nil || s.store == nil {
		return 0, errServiceNotInitialized
	}
	deleted, err := s.store.DeleteExpiredTemporaryScrapes(ctx, strings.TrimSpace(organizationID), s.now().UTC())
	if err != nil {
		return 0, apperr.Store(err, "delete expired scrapes")
	}
	return deleted, nil
}

func (s *Service) Stats(ctx context.Context, organizationID string) (db.ScrapeStorageStats, error) {
	if s == nil || s.store == nil {
		return db.ScrapeStorageStats{}, errServiceNotInitialized
	}
	stats, err := s.store.QueryScrapeStorageStats(ctx, strings.TrimSpace(organizationID), s.now().UTC())
	if err != nil {
		return db.ScrapeStorageStats{}, apperr.Store(err, "query storage stats")
	}
	if stats.TotalScrapes > 0 {
		stats.AverageSizeBytes = float64(stats.TotalBytes) / float64(stats.TotalScrapes)
	}
	return stats, nil
}

func (s *Service) StorageCost(ctx context.Context, organizationID string) (StorageCost, error) {
	stats, err := s.Stats(ctx, organizationID)
	if err != nil {
		return StorageCost{}, err
	}
	gb := float64(stats.TotalBytes) / (1024 * 1024 * 1024)
	return StorageCost{
		TotalBytes:     stats.TotalBytes,
		TotalGB:        gb,
		MonthlyCostUSD: gb * StorageCostPerGBMonth,
		TotalScrapes:   stats.TotalScrapes,
	}, nil
}

// SweepResult counts what one Sweep removed.
type SweepResult struct {
	Flagged int64 `json:"flagged"`
	Expired int64 `json:"expired"`
}

// Sweep runs both deletion passes. They are independent: a failure of the
// first does not skip the second.
func (s *Service) Sweep(ctx context.Context, organizationID string) (SweepResult, error) {
	var out SweepResult
	flagged, flaggedErr := s.DeleteFlagged(ctx, organizationID)
	out.Flagged = flagged
	expired, expiredErr := s.DeleteExpired(ctx, organizationID)
	out.Expired = expired
	if err := errors.Join(flaggedErr, expiredErr); err != nil {
		return out, fmt.Errorf("sweep temporary scrapes: %w", err)
	}
	return out, nil
}
