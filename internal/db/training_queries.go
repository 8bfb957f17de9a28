package db

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

func (p *Pool) InsertTrainingFeedback(ctx context.Context, row TrainingFeedback) error {
	if err := p.ready(); err != nil {
		return err
	}
	if err := p.gdb.WithContext(ctx).Create(&row).Error; err != nil {
		return fmt.Errorf("insert training feedback: %w", err)
	}
	return nil
}

func (p *Pool) GetTrainingFeedback(ctx context.Context, id string) (TrainingFeedback, error) {
	if err := p.ready(); err != nil {
		return TrainingFeedback{}, err
	}
	var row TrainingFeedback
	err := p.gdb.WithContext(ctx).Where("id = ?", strings.TrimSpace(id)).Take(&row).Error
	if err != nil {
		if IsNoRows(err) {
			return TrainingFeedback{}, ErrNoRows
		}
		return TrainingFeedback{}, fmt.Errorf("query training feedback: %w", err)
	}
	return row, nil
}

func (p *Pool) MarkTrainingFeedbackProcessed(ctx context.Context, id, trainingDataID string, at time.Time) error {
	if err := p.ready(); err != nil {
		return err
	}
	updates := map[string]any{
		"processed":    true,
		"processed_at": at,
	}
	if trainingDataID != "" {
		updates["training_data_id"] = trainingDataID
	}
	res := p.gdb.WithContext(ctx).
		Model(&TrainingFeedback{}).
		Where("id = ?", strings.TrimSpace(id)).
		Updates(updates)
	if res.Error != nil {
		return fmt.Errorf("mark training feedback processed: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrNoRows
	}
	return nil
}

// UpsertTrainingPattern applies fn to the pattern identified by key under a
// row lock, creating the row first when it does not exist. The history entry
// fn returns is appended in the same transaction, so counts and versions stay
// consistent under concurrent feedback for the same pattern.
func (p *Pool) UpsertTrainingPattern(ctx context.Context, key TrainingPatternKey, now time.Time, fn TrainingMutation) (TrainingData, error) {
	if err := p.ready(); err != nil {
		return TrainingData{}, err
	}
	if fn == nil {
		return TrainingData{}, fmt.Errorf("training mutation is nil")
	}

	const insertQ = `
INSERT INTO discovery.training_data (
	id,
	organization_id,
	signal_id,
	pattern,
	positive_count,
	negative_count,
	confidence,
	active,
	version,
	created_at,
	updated_at
)
VALUES ($1, $2, $3, $4, 0, 0, 50, true, 0, $5, $5)
ON CONFLICT (organization_id, signal_id, pattern) DO NOTHING
`

	var out TrainingData
	err := p.gdb.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Exec(insertQ, uuid.NewString(), key.OrganizationID, key.SignalID, key.Pattern, now).Error; err != nil {
			return fmt.Errorf("insert training_data placeholder: %w", err)
		}

		var row TrainingData
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("organization_id = ? AND signal_id = ? AND pattern = ?", key.OrganizationID, key.SignalID, key.Pattern).
			Take(&row).Error; err != nil {
			return fmt.Errorf("lock training_data row: %w", err)
		}

		created := row.Version == 0
		entry, err := fn(&row, created)
		if err != nil {
			return err
		}
		if err := saveTrainingChange(tx, &row, entry, now); err != nil {
			return err
		}
		out = row
		return nil
	})
	if err != nil {
		return TrainingData{}, err
	}
	return out, nil
}

// UpdateTrainingData applies fn to the row with id under a row lock and
// appends the returned history entry. ErrNoRows is returned when id is unknown.
func (p *Pool) UpdateTrainingData(ctx context.Context, id string, now time.Time, fn func(row *TrainingData) (TrainingHistory, error)) (TrainingData, error) {
	if err := p.ready(); err != nil {
		return TrainingData{}, err
	}
	if fn == nil {
		return TrainingData{}, fmt.Errorf("training mutation is nil")
	}

	var out TrainingData
	err := p.gdb.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var row TrainingData
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("id = ?", strings.TrimSpace(id)).
			Take(&row).Error; err != nil {
			if IsNoRows(err) {
				return ErrNoRows
			}
			return fmt.Errorf("lock training_data row: %w", err)
		}

		entry, err := fn(&row)
		if err != nil {
			return err
		}
		if err := saveTrainingChange(tx, &row, entry, now); err != nil {
			return err
		}
		out = row
		return nil
	})
	if err != nil {
		return TrainingData{}, err
	}
	return out, nil
}

// saveTrainingChange bumps the version, persists row and appends entry with
// its snapshot fields filled from row.
func saveTrainingChange(tx *gorm.DB, row *TrainingData, entry TrainingHistory, now time.Time) error {
	row.Version++
	row.UpdatedAt = now
	if err := tx.Save(row).Error; err != nil {
		return fmt.Errorf("save training_data: %w", err)
	}

	entry.ID = uuid.NewString()
	entry.TrainingDataID = row.ID
	entry.Version = row.Version
	entry.Pattern = row.Pattern
	entry.PositiveCount = row.PositiveCount
	entry.NegativeCount = row.NegativeCount
	entry.Confidence = row.Confidence
	entry.Active = row.Active
	entry.CreatedAt = now
	if err := tx.Create(&entry).Error; err != nil {
		return fmt.Errorf("insert training_history: %w", err)
	}
	return nil
}

func (p *Pool) GetTrainingData(ctx context.Context, id string) (TrainingData, error) {
	if err := p.ready(); err != nil {
		return TrainingData{}, err
	}
	var row TrainingData
	err := p.gdb.WithContext(ctx).Where("id = ?", strings.TrimSpace(id)).Take(&row).Error
	if err != nil {
		if IsNoRows(err) {
			return TrainingData{}, ErrNoRows
		}
		return TrainingData{}, fmt.Errorf("query training data: %w", err)
	}
	return row, nil
}

func (p *Pool) GetTrainingHistoryVersion(ctx context.Context, trainingDataID string, version int) (TrainingHistory, error) {
	if err := p.ready(); err != nil {
		return TrainingHistory{}, err
	}
	var row TrainingHistory
	err := p.gdb.WithContext(ctx).
		Where("training_data_id = ? AND version = ?", strings.TrimSpace(trainingDataID), version).
		Take(&row).Error
	if err != nil {
		if IsNoRows(err) {
			return TrainingHistory{}, ErrNoRows
		}
		return TrainingHistory{}, fmt.Errorf("query training history version: %w", err)
	}
	return row, nil
}

func (p *Pool) ListTrainingHistory(ctx context.Context, trainingDataID string) ([]TrainingHistory, error) {
	if err := p.ready(); err != nil {
		return nil, err
	}
	rows := make([]TrainingHistory, 0, 8)
	err := p.gdb.WithContext(ctx).
		Where("training_data_id = ?", strings.TrimSpace(trainingDataID)).
		Order("version ASC").
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("query training history: %w", err)
	}
	return rows, nil
}

// ListActiveTrainingPatterns returns the active patterns of an organization,
// strongest first.
func (p *Pool) ListActiveTrainingPatterns(ctx context.Context, organizationID string) ([]TrainingData, error) {
	if err := p.ready(); err != nil {
		return nil, err
	}
	rows := make([]TrainingData, 0, 32)
	err := p.gdb.WithContext(ctx).
		Where("organization_id = ? AND active = ?", organizationID, true).
		Order("confidence DESC").
		Order("pattern ASC").
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("query active training patterns: %w", err)
	}
	return rows, nil
}

func (p *Pool) QueryTrainingAnalytics(ctx context.Context, organizationID string) (TrainingAnalytics, error) {
	if err := p.ready(); err != nil {
		return TrainingAnalytics{}, err
	}

	out := TrainingAnalytics{FeedbackByType: map[string]int64{}}

	const feedbackQ = `
SELECT feedback_type, COUNT(*) AS total, COUNT(*) FILTER (WHERE processed) AS processed
FROM discovery.training_feedback
WHERE organization_id = $1
GROUP BY feedback_type
`
	rows, err := p.gdb.WithContext(ctx).Raw(feedbackQ, organizationID).Rows()
	if err != nil {
		return TrainingAnalytics{}, fmt.Errorf("query feedback totals: %w", err)
	}
	for rows.Next() {
		var (
			feedbackType string
			total        int64
			processed    int64
		)
		if err := rows.Scan(&feedbackType, &total, &processed); err != nil {
			rows.Close()
			return TrainingAnalytics{}, fmt.Errorf("scan feedback totals row: %w", err)
		}
		out.FeedbackByType[feedbackType] = total
		out.TotalFeedback += total
		out.ProcessedFeedback += processed
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return TrainingAnalytics{}, fmt.Errorf("iterate feedback totals: %w", err)
	}
	rows.Close()

	const patternsQ = `
SELECT
	COUNT(*) AS total_patterns,
	COUNT(*) FILTER (WHERE active) AS active_patterns,
	COALESCE(AVG(confidence) FILTER (WHERE active), 0) AS average_confidence
FROM discovery.training_data
WHERE organization_id = $1
`
	if err := p.gdb.WithContext(ctx).Raw(patternsQ, organizationID).Row().Scan(
		&out.TotalPatterns,
		&out.ActivePatterns,
		&out.AverageConfidence,
	); err != nil {
		return TrainingAnalytics{}, fmt.Errorf("query pattern totals: %w", err)
	}
	return out, nil
}
