// Package training turns user feedback on extracted signals into versioned,
// confidence-scored patterns that later distillation passes consult.
package training

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"horse.fit/scout/internal/apperr"
	"horse.fit/scout/internal/db"
	"horse.fit/scout/internal/globaltime"
	"horse.fit/scout/internal/ratelimit"
)

type FeedbackType string

const (
	FeedbackCorrect   FeedbackType = "correct"
	FeedbackIncorrect FeedbackType = "incorrect"
	FeedbackMissing   FeedbackType = "missing"
)

func (t FeedbackType) Valid() bool {
	switch t {
	case FeedbackCorrect, FeedbackIncorrect, FeedbackMissing:
		return true
	default:
		return false
	}
}

// History change types.
const (
	ChangeCreated     = "created"
	ChangeUpdated     = "updated"
	ChangeDeactivated = "deactivated"
	ChangeActivated   = "activated"
	ChangeRolledBack  = "rolledback"
)

const (
	DefaultRateLimit  = 10
	DefaultRateWindow = time.Minute

	maxPatternRunes = 200
)

var errManagerNotInitialized = errors.New("training manager is not initialized")

type Store interface {
	InsertTrainingFeedback(ctx context.Context, row db.TrainingFeedback) error
	GetTrainingFeedback(ctx context.Context, id string) (db.TrainingFeedback, error)
	MarkTrainingFeedbackProcessed(ctx context.Context, id, trainingDataID string, at time.Time) error
	UpsertTrainingPattern(ctx context.Context, key db.TrainingPatternKey, now time.Time, fn db.TrainingMutation) (db.TrainingData, error)
	UpdateTrainingData(ctx context.Context, id string, now time.Time, fn func(row *db.TrainingData) (db.TrainingHistory, error)) (db.TrainingData, error)
	GetTrainingData(ctx context.Context, id string) (db.TrainingData, error)
	GetTrainingHistoryVersion(ctx context.Context, trainingDataID string, version int) (db.TrainingHistory, error)
	ListTrainingHistory(ctx context.Context, trainingDataID string) ([]db.TrainingHistory, error)
	ListActiveTrainingPatterns(ctx context.Context, organizationID string) ([]db.TrainingData, error)
	QueryTrainingAnalytics(ctx context.Context, organizationID string) (db.TrainingAnalytics, error)
}

// Scrapes is the slice of the archive feedback needs.
type Scrapes interface {
	Get(ctx context.Context, id string) (db.TemporaryScrape, bool, error)
	Flag(ctx context.Context, id string) error
}

type Options struct {
	RateLimit  int
	RateWindow time.Duration
	Now        globaltime.Func
}

type Manager struct {
	store   Store
	scrapes Scrapes
	limiter *ratelimit.Limiter
	limit   int
	logger  zerolog.Logger
	now     globaltime.Func

	inflight sync.WaitGroup
}

type FeedbackInput struct {
	OrganizationID string
	UserID         string
	FeedbackType   FeedbackType
	SignalID       string
	SourceScrapeID string
	SourceText     string
	CorrectedValue *string
}

func NewManager(store Store, scrapes Scrapes, logger zerolog.Logger, opts Options) *Manager {
	if opts.RateLimit <= 0 {
		opts.RateLimit = DefaultRateLimit
	}
	if opts.RateWindow <= 0 {
		opts.RateWindow = DefaultRateWindow
	}
	now := globaltime.Or(opts.Now)
	return &Manager{
		store:   store,
		scrapes: scrapes,
		limiter: ratelimit.New(ratelimit.Config{MaxRequests: opts.RateLimit, Window: opts.RateWindow, Now: now}),
		limit:   opts.RateLimit,
		logger:  logger,
		now:     now,
	}
}

// SubmitFeedback records feedback on a signal and starts learning from it in
// the background; Wait blocks until that has finished. "correct" feedback also
// flags the referenced scrape for deletion. Unknown scrapes are rejected
// before the submission counts against the user's rate limit.
func (m *Manager) SubmitFeedback(ctx context.Context, in FeedbackInput) (db.TrainingFeedback, error) {
	if m == nil || m.store == nil || m.scrapes == nil {
		return db.TrainingFeedback{}, errManagerNotInitialized
	}
	if err := validateFeedback(in); err != nil {
		return db.TrainingFeedback{}, err
	}

	if _, found, err := m.scrapes.Get(ctx, in.SourceScrapeID); err != nil {
		return db.TrainingFeedback{}, err
	} else if !found {
		return db.TrainingFeedback{}, apperr.New(apperr.KindScrapeNotFound, "Scrape %s not found", in.SourceScrapeID)
	}

	if !m.limiter.Allow(in.UserID) {
		return db.TrainingFeedback{}, apperr.New(
			apperr.KindRateLimitExceeded,
			"Rate limit exceeded: at most %d feedback submissions per window",
			m.limit,
		)
	}

	// Flag before the insert: a failed flag must not leave unprocessed
	// feedback behind.
	if in.FeedbackType == FeedbackCorrect {
		if err := m.scrapes.Flag(ctx, in.SourceScrapeID); err != nil {
			return db.TrainingFeedback{}, err
		}
	}

	row := db.TrainingFeedback{
		ID:             uuid.NewString(),
		OrganizationID: in.OrganizationID,
		UserID:         in.UserID,
		FeedbackType:   string(in.FeedbackType),
		SignalID:       in.SignalID,
		SourceScrapeID: in.SourceScrapeID,
		SourceText:     in.SourceText,
		CorrectedValue: in.CorrectedValue,
		CreatedAt:      m.now().UTC(),
	}
	if err := m.store.InsertTrainingFeedback(ctx, row); err != nil {
		return db.TrainingFeedback{}, apperr.Store(err, "insert training feedback")
	}

	m.inflight.Add(1)
	go func(ctx context.Context, row db.TrainingFeedback) {
		defer m.inflight.Done()
		if err := m.processFeedback(ctx, row); err != nil {
			m.logger.Error().Err(err).Str("feedback_id", row.ID).Msg("feedback processing failed")
		}
	}(context.WithoutCancel(ctx), row)

	m.logger.Debug().
		Str("feedback_id", row.ID).
		Str("feedback_type", row.FeedbackType).
		Str("signal_id", row.SignalID).
		Msg("feedback accepted")

	return row, nil
}

// Wait blocks until all accepted feedback has been processed.
func (m *Manager) Wait() {
	if m == nil {
		return
	}
	m.inflight.Wait()
}

func (m *Manager) processFeedback(ctx context.Context, row db.TrainingFeedback) error {
	text := row.SourceText
	if FeedbackType(row.FeedbackType) == FeedbackMissing && row.CorrectedValue != nil && strings.TrimSpace(*row.CorrectedValue) != "" {
		text = *row.CorrectedValue
	}
	pattern := NormalizePattern(text)

	trainingDataID := ""
	if pattern != "" {
		key := db.TrainingPatternKey{
			OrganizationID: row.OrganizationID,
			SignalID:       row.SignalID,
			Pattern:        pattern,
		}
		positive := FeedbackType(row.FeedbackType) != FeedbackIncorrect
		updated, err := m.store.UpsertTrainingPattern(ctx, key, m.now().UTC(), func(td *db.TrainingData, created bool) (db.TrainingHistory, error) {
			if positive {
				td.PositiveCount++
			} else {
				td.NegativeCount++
			}
			td.Confidence = Confidence(td.PositiveCount, td.NegativeCount)
			changeType := ChangeUpdated
			if created {
				changeType = ChangeCreated
			}
			return db.TrainingHistory{
				ChangeType: changeType,
				Reason:     "feedback:" + row.FeedbackType,
				Actor:      row.UserID,
			}, nil
		})
		if err != nil {
			return fmt.Errorf("apply feedback %s: %w", row.ID, err)
		}
		trainingDataID = updated.ID
	}

	if err := m.store.MarkTrainingFeedbackProcessed(ctx, row.ID, trainingDataID, m.now().UTC()); err != nil {
		return fmt.Errorf("mark feedback %s processed: %w", row.ID, err)
	}
	return nil
}

func (m *Manager) Deactivate(ctx context.Context, id, actor, reason string) (db.TrainingData, error) {
	return m.setActive(ctx, id, actor, reason, false)
}

func (m *Manager) Activate(ctx context.Context, id, actor, reason string) (db.TrainingData, error) {
	return m.setActive(ctx, id, actor, reason, true)
}

func (m *Manager) setActive(ctx context.Context, id, actor, reason string, active bool) (db.TrainingData, error) {
	if m == nil || m.store == nil {
		return db.TrainingData{}, errManagerNotInitialized
	}
	changeType := ChangeDeactivated
	if active {
		changeType = ChangeActivated
	}
	row, err := m.store.UpdateTrainingData(ctx, strings.TrimSpace(id), m.now().UTC(), func(td *db.TrainingData) (db.TrainingHistory, error) {
		td.Active = active
		return db.TrainingHistory{ChangeType: changeType, Reason: reason, Actor: actor}, nil
	})
	if err != nil {
		if db.IsNoRows(err) {
			return db.TrainingData{}, apperr.New(apperr.KindNotFound, "Training data %s not found", id)
		}
		return db.TrainingData{}, apperr.Store(err, "update training data")
	}
	return row, nil
}

// Rollback restores the values the pattern held at toVersion. The restore is
// itself a new version, so history only ever grows.
func (m *Manager) Rollback(ctx context.Context, id string, toVersion int, actor, reason string) (db.TrainingData, error) {
	if m == nil || m.store == nil {
		return db.TrainingData{}, errManagerNotInitialized
	}
	id = strings.TrimSpace(id)

	if _, err := m.store.GetTrainingData(ctx, id); err != nil {
		if db.IsNoRows(err) {
			return db.TrainingData{}, apperr.New(apperr.KindNotFound, "Training data %s not found", id)
		}
		return db.TrainingData{}, apperr.Store(err, "get training data")
	}

	target, err := m.store.GetTrainingHistoryVersion(ctx, id, toVersion)
	if err != nil {
		if db.IsNoRows(err) {
			return db.TrainingData{}, apperr.New(apperr.KindVersionNotFound, "Version %d not found for training data %s", toVersion, id)
		}
		return db.TrainingData{}, apperr.Store(err, "get training history version")
	}

	message := fmt.Sprintf("Rolled back to version %d", toVersion)
	if reason = strings.TrimSpace(reason); reason != "" {
		message += ": " + reason
	}

	row, err := m.store.UpdateTrainingData(ctx, id, m.now().UTC(), func(td *db.TrainingData) (db.TrainingHistory, error) {
		td.PositiveCount = target.PositiveCount
		td.NegativeCount = target.NegativeCount
		td.Confidence = target.Confidence
		td.Active = target.Active
		return db.TrainingHistory{ChangeType: ChangeRolledBack, Reason: message, Actor: actor}, nil
	})
	if err != nil {
		if db.IsNoRows(err) {
			return db.TrainingData{}, apperr.New(apperr.KindNotFound, "Training data %s not found", id)
		}
		return db.TrainingData{}, apperr.Store(err, "rollback training data")
	}
	return row, nil
}

func (m *Manager) Get(ctx context.Context, id string) (db.TrainingData, error) {
	if m == nil || m.store == nil {
		return db.TrainingData{}, errManagerNotInitialized
	}
	row, err := m.store.GetTrainingData(ctx, strings.TrimSpace(id))
	if err != nil {
		if db.IsNoRows(err) {
			return db.TrainingData{}, apperr.New(apperr.KindNotFound, "Training data %s not found", id)
		}
		return db.TrainingData{}, apperr.Store(err, "get training data")
	}
	return row, nil
}

func (m *Manager) GetFeedback(ctx context.Context, id string) (db.TrainingFeedback, error) {
	if m == nil || m.store == nil {
		return db.TrainingFeedback{}, errManagerNotInitialized
	}
	row, err := m.store.GetTrainingFeedback(ctx, strings.TrimSpace(id))
	if err != nil {
		if db.IsNoRows(err) {
			return db.TrainingFeedback{}, apperr.New(apperr.KindNotFound, "Feedback %s not found", id)
		}
		return db.TrainingFeedback{}, apperr.Store(err, "get training feedback")
	}
	return row, nil
}

func (m *Manager) ListHistory(ctx context.Context, id string) ([]db.TrainingHistory, error) {
	if _, err := m.Get(ctx, id); err != nil {
		return nil, err
	}
	rows, err := m.store.ListTrainingHistory(ctx, strings.TrimSpace(id))
	if err != nil {
		return nil, apperr.Store(err, "list training history")
	}
	return rows, nil
}

// ActivePatterns returns the organization's active patterns, strongest first.
func (m *Manager) ActivePatterns(ctx context.Context, organizationID string) ([]db.TrainingData, error) {
	if m == nil || m.store == nil {
		return nil, errManagerNotInitialized
	}
	rows, err := m.store.ListActiveTrainingPatterns(ctx, organizationID)
	if err != nil {
		return nil, apperr.Store(err, "list active training patterns")
	}
	return rows, nil
}

func (m *Manager) Analytics(ctx context.Context, organizationID string) (db.TrainingAnalytics, error) {
	if m == nil || m.store == nil {
		return db.TrainingAnalytics{}, errManagerNotInitialized
	}
	out, err := m.store.QueryTrainingAnalytics(ctx, organizationID)
	if err != nil {
		return db.TrainingAnalytics{}, apperr.Store(err, "query training analytics")
	}
	return out, nil
}

func validateFeedback(in FeedbackInput) error {
	switch {
	case strings.TrimSpace(in.OrganizationID) == "":
		return apperr.New(apperr.KindValidation, "Organization ID is required")
	case strings.TrimSpace(in.UserID) == "":
		return apperr.New(apperr.KindValidation, "User ID is required")
	case !in.FeedbackType.Valid():
		return apperr.New(apperr.KindValidation, "feedback type must be correct, incorrect or missing, got %q", in.FeedbackType)
	case strings.TrimSpace(in.SignalID) == "":
		return apperr.New(apperr.KindValidation, "signal ID is required")
	case strings.TrimSpace(in.SourceScrapeID) == "":
		return apperr.New(apperr.KindValidation, "source scrape ID is required")
	}
	return nil
}
