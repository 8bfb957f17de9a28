package memstore

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"

	"horse.fit/scout/internal/db"
)

func (s *Store) InsertTrainingFeedback(ctx context.Context, row db.TrainingFeedback) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if row.ID == "" {
		row.ID = uuid.NewString()
	}
	if _, exists := s.feedback[row.ID]; exists {
		return fmt.Errorf("training feedback %s already exists", row.ID)
	}
	s.feedback[row.ID] = row
	return nil
}

func (s *Store) GetTrainingFeedback(ctx context.Context, id string) (db.TrainingFeedback, error) {
	if err := ctx.Err(); err != nil {
		return db.TrainingFeedback{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	row, ok := s.feedback[id]
	if !ok {
		return db.TrainingFeedback{}, db.ErrNoRows
	}
	return row, nil
}

func (s *Store) MarkTrainingFeedbackProcessed(ctx context.Context, id, trainingDataID string, at time.Time) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	row, ok := s.feedback[id]
	if !ok {
		return db.ErrNoRows
	}
	row.Processed = true
	processedAt := at
	row.ProcessedAt = &processedAt
	if trainingDataID != "" {
		tdID := trainingDataID
		row.TrainingDataID = &tdID
	}
	s.feedback[id] = row
	return nil
}

func (s *Store) UpsertTrainingPattern(ctx context.Context, key db.TrainingPatternKey, now time.Time, fn db.TrainingMutation) (db.TrainingData, error) {
	if err := ctx.Err(); err != nil {
		return db.TrainingData{}, err
	}
	if fn == nil {
		return db.TrainingData{}, fmt.Errorf("training mutation is nil")
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	var (
		row     db.TrainingData
		created = true
	)
	for _, existing := range s.training {
		if existing.OrganizationID == key.OrganizationID && existing.SignalID == key.SignalID && existing.Pattern == key.Pattern {
			row = existing
			created = false
			break
		}
	}
	if created {
		row = db.TrainingData{
			ID:             uuid.NewString(),
			OrganizationID: key.OrganizationID,
			SignalID:       key.SignalID,
			Pattern:        key.Pattern,
			Confidence:     50,
			Active:         true,
			CreatedAt:      now,
			UpdatedAt:      now,
		}
	}

	entry, err := fn(&row, created)
	if err != nil {
		return db.TrainingData{}, err
	}
	s.commitTrainingChangeLocked(&row, entry, now)
	return row, nil
}

func (s *Store) UpdateTrainingData(ctx context.Context, id string, now time.Time, fn func(row *db.TrainingData) (db.TrainingHistory, error)) (db.TrainingData, error) {
	if err := ctx.Err(); err != nil {
		return db.TrainingData{}, err
	}
	if fn == nil {
		return db.TrainingData{}, fmt.Errorf("training mutation is nil")
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	row, ok := s.training[id]
	if !ok {
		return db.TrainingData{}, db.ErrNoRows
	}
	entry, err := fn(&row)
	if err != nil {
		return db.TrainingData{}, err
	}
	s.commitTrainingChangeLocked(&row, entry, now)
	return row, nil
}

func (s *Store) commitTrainingChangeLocked(row *db.TrainingData, entry db.TrainingHistory, now time.Time) {
	row.Version++
	row.UpdatedAt = now
	s.training[row.ID] = *row

	entry.ID = uuid.NewString()
	entry.TrainingDataID = row.ID
	entry.Version = row.Version
	entry.Pattern = row.Pattern
	entry.PositiveCount = row.PositiveCount
	entry.NegativeCount = row.NegativeCount
	entry.Confidence = row.Confidence
	entry.Active = row.Active
	entry.CreatedAt = now
	s.history[row.ID] = append(s.history[row.ID], entry)
}

func (s *Store) GetTrainingData(ctx context.Context, id string) (db.TrainingData, error) {
	if err := ctx.Err(); err != nil {
		return db.TrainingData{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	row, ok := s.training[id]
	if !ok {
		return db.TrainingData{}, db.ErrNoRows
	}
	return row, nil
}

func (s *Store) GetTrainingHistoryVersion(ctx context.Context, trainingDataID string, version int) (db.TrainingHistory, error) {
	if err := ctx.Err(); err != nil {
		return db.TrainingHistory{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, entry := range s.history[trainingDataID] {
		if entry.Version == version {
			return entry, nil
		}
	}
	return db.TrainingHistory{}, db.ErrNoRows
}

func (s *Store) ListTrainingHistory(ctx context.Context, trainingDataID string) ([]db.TrainingHistory, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	entries := s.history[trainingDataID]
	out := make([]db.TrainingHistory, len(entries))
	copy(out, entries)
	return out, nil
}

func (s *Store) ListActiveTrainingPatterns(ctx context.Context, organizationID string) ([]db.TrainingData, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]db.TrainingData, 0, 8)
	for _, row := range s.training {
		if row.OrganizationID == organizationID && row.Active {
			out = append(out, row)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Confidence != out[j].Confidence {
			return out[i].Confidence > out[j].Confidence
		}
		return out[i].Pattern < out[j].Pattern
	})
	return out, nil
}

func (s *Store) QueryTrainingAnalytics(ctx context.Context, organizationID string) (db.TrainingAnalytics, error) {
	if err := ctx.Err(); err != nil {
		return db.TrainingAnalytics{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	out := db.TrainingAnalytics{FeedbackByType: map[string]int64{}}
	for _, row := range s.feedback {
		if row.OrganizationID != organizationID {
			continue
		}
		out.TotalFeedback++
		out.FeedbackByType[row.FeedbackType]++
		if row.Processed {
			out.ProcessedFeedback++
		}
	}

	var activeSum float64
	for _, row := range s.training {
		if row.OrganizationID != organizationID {
			continue
		}
		out.TotalPatterns++
		if row.Active {
			out.ActivePatterns++
			activeSum += row.Confidence
		}
	}
	if out.ActivePatterns > 0 {
		out.AverageConfidence = activeSum / float64(out.ActivePatterns)
	}
	return out, nil
}
