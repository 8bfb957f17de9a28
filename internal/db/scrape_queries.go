package db

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"gorm.io/gorm"
)

// UpsertTemporaryScrape inserts row, or when (organization_id, url,
// content_hash) already exists increments scrape_count and advances
// last_seen. The insert-or-increment is one statement, so concurrent saves of
// identical content can never produce two rows. inserted reports which path
// was taken.
func (p *Pool) UpsertTemporaryScrape(ctx context.Context, row TemporaryScrape) (TemporaryScrape, bool, error) {
	if err := p.ready(); err != nil {
		return TemporaryScrape{}, false, err
	}

	metadata, err := json.Marshal(row.Metadata)
	if err != nil {
		return TemporaryScrape{}, false, fmt.Errorf("encode scrape metadata: %w", err)
	}

	const q = `
INSERT INTO discovery.temporary_scrapes (
	id,
	organization_id,
	url,
	content_hash,
	raw_html,
	cleaned_content,
	metadata,
	size_bytes,
	scrape_count,
	created_at,
	last_seen,
	expires_at,
	verified,
	flagged_for_deletion
)
VALUES ($1, $2, $3, $4, $5, $6, $7::jsonb, $8, 1, $9, $9, $10, false, false)
ON CONFLICT (organization_id, url, content_hash) DO UPDATE
SET
	scrape_count = discovery.temporary_scrapes.scrape_count + 1,
	last_seen = EXCLUDED.last_seen
RETURNING id, (xmax = 0) AS inserted
`

	var stored TemporaryScrape
	var inserted bool
	err = p.gdb.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var ret struct {
			ID       string
			Inserted bool
		}
		if err := tx.Raw(
			q,
			row.ID,
			row.OrganizationID,
			row.URL,
			row.ContentHash,
			row.RawHTML,
			row.CleanedContent,
			string(metadata),
			row.SizeBytes,
			row.CreatedAt,
			row.ExpiresAt,
		).Scan(&ret).Error; err != nil {
			return fmt.Errorf("upsert temporary_scrapes: %w", err)
		}
		inserted = ret.Inserted
		if err := tx.Where("id = ?", ret.ID).Take(&stored).Error; err != nil {
			return fmt.Errorf("load temporary_scrapes row: %w", err)
		}
		return nil
	})
	if err != nil {
		return TemporaryScrape{}, false, err
	}
	return stored, inserted, nil
}

func (p *Pool) GetTemporaryScrape(ctx context.Context, id string) (TemporaryScrape, error) {
	if err := p.ready(); err != nil {
		return TemporaryScrape{}, err
	}
	var row TemporaryScrape
	err := p.gdb.WithContext(ctx).Where("id = ?", strings.TrimSpace(id)).Take(&row).Error
	if err != nil {
		if IsNoRows(err) {
			return TemporaryScrape{}, ErrNoRows
		}
		return TemporaryScrape{}, fmt.Errorf("query temporary scrape: %w", err)
	}
	return row, nil
}

// ListTemporaryScrapesByURL returns the newest entries for url first. An empty
// organizationID matches every organization.
func (p *Pool) ListTemporaryScrapesByURL(ctx context.Context, organizationID, url string, limit int) ([]TemporaryScrape, error) {
	if err := p.ready(); err != nil {
		return nil, err
	}
	q := p.gdb.WithContext(ctx).Where("url = ?", url)
	if organizationID != "" {
		q = q.Where("organization_id = ?", organizationID)
	}
	if limit > 0 {
		q = q.Limit(limit)
	}

	rows := make([]TemporaryScrape, 0, max(limit, 0))
	if err := q.Order("created_at DESC").Order("id DESC").Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("query temporary scrapes by url: %w", err)
	}
	return rows, nil
}

// FlagTemporaryScrape marks a scrape verified and due for deletion. It reports
// false when no row has the id.
func (p *Pool) FlagTemporaryScrape(ctx context.Context, id string, at time.Time) (bool, error) {
	if err := p.ready(); err != nil {
		return false, err
	}
	res := p.gdb.WithContext(ctx).
		Model(&TemporaryScrape{}).
		Where("id = ?", strings.TrimSpace(id)).
		Updates(map[string]any{
			"flagged_for_deletion": true,
			"verified":             true,
			"verified_at":          at,
		})
	if res.Error != nil {
		return false, fmt.Errorf("flag temporary scrape: %w", res.Error)
	}
	return res.RowsAffected > 0, nil
}

func (p *Pool) DeleteFlaggedTemporaryScrapes(ctx context.Context, organizationID string) (int64, error) {
	if err := p.ready(); err != nil {
		return 0, err
	}
	q := p.gdb.WithContext(ctx).Where("flagged_for_deletion = ?", true)
	if organizationID != "" {
		q = q.Where("organization_id = ?", organizationID)
	}
	res := q.Delete(&TemporaryScrape{})
	if res.Error != nil {
		return 0, fmt.Errorf("delete flagged temporary scrapes: %w", res.Error)
	}
	return res.RowsAffected, nil
}

func (p *Pool) DeleteExpiredTemporaryScrapes(ctx context.Context, organizationID string, now time.Time) (int64, error) {
	if err := p.ready(); err != nil {
		return 0, err
	}
	q := p.gdb.WithContext(ctx).Where("expires_at < ?", now)
	if organizationID != "" {
		q = q.Where("organization_id = ?", organizationID)
	}
	res := q.Delete(&TemporaryScrape{})
	if res.Error != nil {
		return 0, fmt.Errorf("delete expired temporary scrapes: %w", res.Error)
	}
	return res.RowsAffected, nil
}

func (p *Pool) QueryScrapeStorageStats(ctx context.Context, organizationID string, now time.Time) (ScrapeStorageStats, error) {
	if err := p.ready(); err != nil {
		return ScrapeStorageStats{}, err
	}

	const q = `
SELECT
	COUNT(*) AS total_scrapes,
	COALESCE(SUM(size_bytes), 0) AS total_bytes,
	COUNT(*) FILTER (WHERE flagged_for_deletion) AS flagged_count,
	COUNT(*) FILTER (WHERE verified) AS verified_count,
	COUNT(*) FILTER (WHERE expires_at < $2) AS expired_count,
	MIN(created_at) AS oldest_scrape,
	MAX(created_at) AS newest_scrape
FROM discovery.temporary_scrapes
WHERE ($1 = '' OR organization_id = $1)
`

	var stats ScrapeStorageStats
	row := p.gdb.WithContext(ctx).Raw(q, organizationID, now).Row()
	if err := row.Scan(
		&stats.TotalScrapes,
		&stats.TotalBytes,
		&stats.FlaggedCount,
		&stats.VerifiedCount,
		&stats.ExpiredCount,
		&stats.OldestScrape,
		&stats.NewestScrape,
	); err != nil {
		return ScrapeStorageStats{}, fmt.Errorf("query scrape storage stats: %w", err)
	}
	return stats, nil
}
