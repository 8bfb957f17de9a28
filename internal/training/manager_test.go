package training

import (
	"context"
	"errors"
	"fmt"
	"math"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"horse.fit/scout/internal/apperr"
	"horse.fit/scout/internal/archive"
	"horse.fit/scout/internal/db"
	"horse.fit/scout/internal/globaltime"
	"horse.fit/scout/internal/memstore"
)

type testEnv struct {
	store   *memstore.Store
	archive *archive.Service
	manager *Manager
	clock   *globaltime.Manual
}

func newTestEnv(t *testing.T) testEnv {
	t.Helper()
	clock := globaltime.NewManual(time.Date(2026, 5, 4, 8, 0, 0, 0, time.UTC))
	store := memstore.New()
	arch := archive.NewService(store, zerolog.Nop(), archive.Options{Now: clock.Now})
	return testEnv{
		store:   store,
		archive: arch,
		manager: NewManager(store, arch, zerolog.Nop(), Options{Now: clock.Now}),
		clock:   clock,
	}
}

func (env testEnv) saveScrape(t *testing.T, raw string) string {
	t.Helper()
	res, err := env.archive.Save(context.Background(), archive.SaveInput{
		OrganizationID: "org-1",
		URL:            "https://acme.test/" + raw,
		RawHTML:        raw,
	})
	if err != nil {
		t.Fatalf("save scrape: %v", err)
	}
	return res.Scrape.ID
}

func feedback(scrapeID string, kind FeedbackType, text string) FeedbackInput {
	return FeedbackInput{
		OrganizationID: "org-1",
		UserID:         "user-1",
		FeedbackType:   kind,
		SignalID:       "hiring",
		SourceScrapeID: scrapeID,
		SourceText:     text,
	}
}

func TestConfidenceIsMonotonic(t *testing.T) {
	t.Parallel()

	if got := Confidence(0, 0); got != 50 {
		t.Fatalf("unexpected neutral confidence: %v", got)
	}
	for pos := 0; pos < 20; pos++ {
		for neg := 0; neg < 20; neg++ {
			base := Confidence(pos, neg)
			if Confidence(pos+1, neg) <= base {
				t.Fatalf("positive evidence did not raise confidence at pos=%d neg=%d", pos, neg)
			}
			if Confidence(pos, neg+1) >= base {
				t.Fatalf("negative evidence did not lower confidence at pos=%d neg=%d", pos, neg)
			}
		}
	}
}

func TestNormalizePattern(t *testing.T) {
	t.Parallel()

	if got := NormalizePattern("  We're   HIRING\nnow "); got != "we're hiring now" {
		t.Fatalf("unexpected pattern: %q", got)
	}
	long := make([]rune, 300)
	for i := range long {
		long[i] = 'a'
	}
	if got := NormalizePattern(string(long)); len([]rune(got)) != maxPatternRunes {
		t.Fatalf("unexpected truncated length: %d", len([]rune(got)))
	}
}

func TestCorrectFeedbackRaisesConfidenceAndFlagsScrape(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	ctx := context.Background()
	scrapeID := env.saveScrape(t, "careers")

	row, err := env.manager.SubmitFeedback(ctx, feedback(scrapeID, FeedbackCorrect, "We're hiring"))
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	env.manager.Wait()

	scrape, _, err := env.archive.Get(ctx, scrapeID)
	if err != nil {
		t.Fatalf("get scrape: %v", err)
	}
	if !scrape.FlaggedForDeletion || !scrape.Verified {
		t.Fatalf("expected correct feedback to flag the scrape")
	}

	stored, err := env.manager.GetFeedback(ctx, row.ID)
	if err != nil {
		t.Fatalf("get feedback: %v", err)
	}
	if !stored.Processed || stored.ProcessedAt == nil || stored.TrainingDataID == nil {
		t.Fatalf("expected processed feedback, got %+v", stored)
	}

	td, err := env.manager.Get(ctx, *stored.TrainingDataID)
	if err != nil {
		t.Fatalf("get training data: %v", err)
	}
	if td.Confidence <= 50 || td.PositiveCount != 1 || td.Version != 1 {
		t.Fatalf("unexpected training data: %+v", td)
	}
	if td.Pattern != "we're hiring" {
		t.Fatalf("unexpected pattern: %q", td.Pattern)
	}
}

func TestIncorrectFeedbackLowersConfidenceWithoutFlag(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	ctx := context.Background()
	scrapeID := env.saveScrape(t, "about")

	row, err := env.manager.SubmitFeedback(ctx, feedback(scrapeID, FeedbackIncorrect, "hiring freeze"))
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	env.manager.Wait()

	scrape, _, _ := env.archive.Get(ctx, scrapeID)
	if scrape.FlaggedForDeletion {
		t.Fatalf("incorrect feedback must not flag the scrape")
	}

	stored, _ := env.manager.GetFeedback(ctx, row.ID)
	td, err := env.manager.Get(ctx, *stored.TrainingDataID)
	if err != nil {
		t.Fatalf("get training data: %v", err)
	}
	if td.Confidence >= 50 || td.NegativeCount != 1 {
		t.Fatalf("unexpected training data: %+v", td)
	}
}

func TestMissingFeedbackUsesCorrectedValue(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	ctx := context.Background()
	scrapeID := env.saveScrape(t, "jobs")

	corrected := "Join Our Team"
	in := feedback(scrapeID, FeedbackMissing, "whole page text")
	in.CorrectedValue = &corrected

	row, err := env.manager.SubmitFeedback(ctx, in)
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	env.manager.Wait()

	scrape, _, _ := env.archive.Get(ctx, scrapeID)
	if scrape.FlaggedForDeletion {
		t.Fatalf("missing feedback must not flag the scrape")
	}
	stored, _ := env.manager.GetFeedback(ctx, row.ID)
	td, err := env.manager.Get(ctx, *stored.TrainingDataID)
	if err != nil {
		t.Fatalf("get training data: %v", err)
	}
	if td.Pattern != "join our team" || td.PositiveCount != 1 {
		t.Fatalf("unexpected training data: %+v", td)
	}
}

func TestRepeatedFeedbackBumpsVersionOnSamePattern(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	ctx := context.Background()
	scrapeID := env.saveScrape(t, "careers")

	var last float64
	for i, text := range []string{"We're hiring", "we're   HIRING", "We're hiring"} {
		if _, err := env.manager.SubmitFeedback(ctx, feedback(scrapeID, FeedbackCorrect, text)); err != nil {
			t.Fatalf("submit %d: %v", i, err)
		}
		env.manager.Wait()

		patterns, err := env.manager.ActivePatterns(ctx, "org-1")
		if err != nil {
			t.Fatalf("active patterns: %v", err)
		}
		if len(patterns) != 1 {
			t.Fatalf("expected one deduplicated pattern, got %d", len(patterns))
		}
		if patterns[0].Version != i+1 {
			t.Fatalf("unexpected version: got %d want %d", patterns[0].Version, i+1)
		}
		if patterns[0].Confidence <= last {
			t.Fatalf("confidence did not rise: %v after %v", patterns[0].Confidence, last)
		}
		last = patterns[0].Confidence
	}
}

func TestFeedbackRateLimitTripsOnEleventhCall(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	ctx := context.Background()
	scrapeID := env.saveScrape(t, "careers")

	for i := 1; i <= 10; i++ {
		if _, err := env.manager.SubmitFeedback(ctx, feedback(scrapeID, FeedbackIncorrect, fmt.Sprintf("text %d", i))); err != nil {
			t.Fatalf("call %d: %v", i, err)
		}
	}
	_, err := env.manager.SubmitFeedback(ctx, feedback(scrapeID, FeedbackIncorrect, "text 11"))
	if !errors.Is(err, apperr.RateLimitExceeded) {
		t.Fatalf("unexpected error on call 11: got %v want RATE_LIMIT_EXCEEDED", err)
	}

	other := feedback(scrapeID, FeedbackIncorrect, "other user")
	other.UserID = "user-2"
	if _, err := env.manager.SubmitFeedback(ctx, other); err != nil {
		t.Fatalf("other user should not be limited: %v", err)
	}

	env.clock.Advance(DefaultRateWindow)
	if _, err := env.manager.SubmitFeedback(ctx, feedback(scrapeID, FeedbackIncorrect, "next window")); err != nil {
		t.Fatalf("call after window: %v", err)
	}
	env.manager.Wait()
}

func TestFeedbackUnknownScrape(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	_, err := env.manager.SubmitFeedback(context.Background(), feedback("missing", FeedbackCorrect, "x"))
	if !errors.Is(err, apperr.ScrapeNotFound) {
		t.Fatalf("unexpected error: got %v want SCRAPE_NOT_FOUND", err)
	}
}

func TestUnknownScrapeDoesNotSpendRateLimit(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	ctx := context.Background()
	for i := 0; i < 15; i++ {
		if _, err := env.manager.SubmitFeedback(ctx, feedback("missing", FeedbackIncorrect, "x")); !errors.Is(err, apperr.ScrapeNotFound) {
			t.Fatalf("call %d: unexpected error: got %v want SCRAPE_NOT_FOUND", i+1, err)
		}
	}

	scrapeID := env.saveScrape(t, "careers")
	if _, err := env.manager.SubmitFeedback(ctx, feedback(scrapeID, FeedbackIncorrect, "x")); err != nil {
		t.Fatalf("unexpected error after rejected calls: %v", err)
	}
	env.manager.Wait()
}

type flagFailingScrapes struct {
	*archive.Service
}

func (flagFailingScrapes) Flag(context.Context, string) error {
	return apperr.New(apperr.KindTransientStore, "flag temporary scrape: connection reset")
}

func TestFlagFailureLeavesNoFeedbackRow(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	ctx := context.Background()
	scrapeID := env.saveScrape(t, "careers")
	manager := NewManager(env.store, flagFailingScrapes{env.archive}, zerolog.Nop(), Options{Now: env.clock.Now})

	if _, err := manager.SubmitFeedback(ctx, feedback(scrapeID, FeedbackCorrect, "We're hiring")); !errors.Is(err, apperr.TransientStore) {
		t.Fatalf("unexpected error: got %v want TRANSIENT_STORE_ERROR", err)
	}
	manager.Wait()

	got, err := manager.Analytics(ctx, "org-1")
	if err != nil {
		t.Fatalf("analytics: %v", err)
	}
	if got.TotalFeedback != 0 || got.TotalPatterns != 0 {
		t.Fatalf("unexpected leftovers after failed flag: %+v", got)
	}
}

func TestFeedbackValidation(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	in := feedback("s", "maybe", "x")
	if _, err := env.manager.SubmitFeedback(context.Background(), in); !errors.Is(err, apperr.Validation) {
		t.Fatalf("unexpected error: got %v want VALIDATION", err)
	}
}

func TestDeactivateActivateAndRollback(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	ctx := context.Background()
	scrapeID := env.saveScrape(t, "careers")

	row, err := env.manager.SubmitFeedback(ctx, feedback(scrapeID, FeedbackCorrect, "We're hiring"))
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	env.manager.Wait()
	stored, _ := env.manager.GetFeedback(ctx, row.ID)
	id := *stored.TrainingDataID

	// v2: second positive.
	if _, err := env.manager.SubmitFeedback(ctx, feedback(scrapeID, FeedbackCorrect, "We're hiring")); err != nil {
		t.Fatalf("submit: %v", err)
	}
	env.manager.Wait()

	// v3: deactivated.
	deactivated, err := env.manager.Deactivate(ctx, id, "admin", "noisy")
	if err != nil {
		t.Fatalf("deactivate: %v", err)
	}
	if deactivated.Active || deactivated.Version != 3 {
		t.Fatalf("unexpected deactivated row: %+v", deactivated)
	}
	patterns, _ := env.manager.ActivePatterns(ctx, "org-1")
	if len(patterns) != 0 {
		t.Fatalf("deactivated pattern still active")
	}

	// v4: activated.
	activated, err := env.manager.Activate(ctx, id, "admin", "")
	if err != nil {
		t.Fatalf("activate: %v", err)
	}
	if !activated.Active || activated.Version != 4 {
		t.Fatalf("unexpected activated row: %+v", activated)
	}

	// v5: rollback to v1.
	rolled, err := env.manager.Rollback(ctx, id, 1, "admin", "bad batch")
	if err != nil {
		t.Fatalf("rollback: %v", err)
	}
	if rolled.Version != 5 {
		t.Fatalf("unexpected version after rollback: got %d want 5", rolled.Version)
	}
	if rolled.PositiveCount != 1 || rolled.Confidence != Confidence(1, 0) || !rolled.Active {
		t.Fatalf("rollback did not restore v1 values: %+v", rolled)
	}

	history, err := env.manager.ListHistory(ctx, id)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(history) != 5 {
		t.Fatalf("unexpected history length: got %d want 5", len(history))
	}
	wantTypes := []string{ChangeCreated, ChangeUpdated, ChangeDeactivated, ChangeActivated, ChangeRolledBack}
	for i, entry := range history {
		if entry.ChangeType != wantTypes[i] || entry.Version != i+1 {
			t.Fatalf("unexpected history[%d]: %+v", i, entry)
		}
	}
	if history[4].Reason != "Rolled back to version 1: bad batch" || history[4].Actor != "admin" {
		t.Fatalf("unexpected rollback entry: %+v", history[4])
	}
}

func TestRollbackErrors(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	ctx := context.Background()

	if _, err := env.manager.Rollback(ctx, "missing", 1, "admin", ""); !errors.Is(err, apperr.NotFound) {
		t.Fatalf("unexpected error: got %v want NOT_FOUND", err)
	}
	if _, err := env.manager.Deactivate(ctx, "missing", "admin", ""); !errors.Is(err, apperr.NotFound) {
		t.Fatalf("unexpected error: got %v want NOT_FOUND", err)
	}

	td, err := env.store.UpsertTrainingPattern(ctx, db.TrainingPatternKey{OrganizationID: "org-1", SignalID: "hiring", Pattern: "x"}, env.clock.Now(),
		func(row *db.TrainingData, created bool) (db.TrainingHistory, error) {
			return db.TrainingHistory{ChangeType: ChangeCreated}, nil
		})
	if err != nil {
		t.Fatalf("seed: %v", err)
	}
	if _, err := env.manager.Rollback(ctx, td.ID, 7, "admin", ""); !errors.Is(err, apperr.VersionNotFound) {
		t.Fatalf("unexpected error: got %v want VERSION_NOT_FOUND", err)
	}
}

func TestAnalytics(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	ctx := context.Background()
	scrapeID := env.saveScrape(t, "careers")

	_, _ = env.manager.SubmitFeedback(ctx, feedback(scrapeID, FeedbackCorrect, "a"))
	_, _ = env.manager.SubmitFeedback(ctx, feedback(scrapeID, FeedbackIncorrect, "b"))
	third, err := env.manager.SubmitFeedback(ctx, feedback(scrapeID, FeedbackIncorrect, "c"))
	if err != nil {
		t.Fatalf("submit feedback: %v", err)
	}
	env.manager.Wait()

	got, err := env.manager.Analytics(ctx, "org-1")
	if err != nil {
		t.Fatalf("analytics: %v", err)
	}
	if got.TotalFeedback != 3 || got.ProcessedFeedback != 3 {
		t.Fatalf("unexpected feedback totals: %+v", got)
	}
	if got.FeedbackByType["incorrect"] != 2 || got.FeedbackByType["correct"] != 1 {
		t.Fatalf("unexpected breakdown: %v", got.FeedbackByType)
	}
	if got.TotalPatterns != 3 || got.ActivePatterns != 3 {
		t.Fatalf("unexpected pattern totals: %+v", got)
	}
	if want := (Confidence(1, 0) + 2*Confidence(0, 1)) / 3; math.Abs(got.AverageConfidence-want) > 1e-9 {
		t.Fatalf("unexpected average confidence: got %v want %v", got.AverageConfidence, want)
	}

	stored, err := env.manager.GetFeedback(ctx, third.ID)
	if err != nil || stored.TrainingDataID == nil {
		t.Fatalf("unexpected stored feedback: %+v %v", stored, err)
	}
	if _, err := env.manager.Deactivate(ctx, *stored.TrainingDataID, "admin", "noisy"); err != nil {
		t.Fatalf("deactivate: %v", err)
	}

	got, err = env.manager.Analytics(ctx, "org-1")
	if err != nil {
		t.Fatalf("analytics: %v", err)
	}
	if got.TotalPatterns != 3 || got.ActivePatterns != 2 {
		t.Fatalf("unexpected pattern totals after deactivate: %+v", got)
	}
	if want := (Confidence(1, 0) + Confidence(0, 1)) / 2; math.Abs(got.AverageConfidence-want) > 1e-9 {
		t.Fatalf("inactive pattern counted in average: got %v want %v", got.AverageConfidence, want)
	}
}
