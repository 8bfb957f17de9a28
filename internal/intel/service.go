// Package intel is the entry point for processing scrapes end to end: it
// loads industry rulesets, runs distillation, scores the result and keeps
// the extracted signals for each record.
package intel

import (
	"context"
	"encoding/json"
	"errors"
	"math"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"

	"horse.fit/scout/internal/apperr"
	"horse.fit/scout/internal/cache"
	"horse.fit/scout/internal/db"
	"horse.fit/scout/internal/distill"
	"horse.fit/scout/internal/globaltime"
	"horse.fit/scout/internal/ratelimit"
	"horse.fit/scout/internal/research"
)

const (
	DefaultResearchCacheTTL = time.Hour
	DefaultSignalsCacheTTL  = 5 * time.Minute
	DefaultReadRateLimit    = 100
	DefaultReadRateWindow   = time.Minute

	HealthHealthy  = "healthy"
	HealthDegraded = "degraded"
)

var errServiceNotInitialized = errors.New("intel service is not initialized")

type Store interface {
	Ping(ctx context.Context) error

	GetResearchDocument(ctx context.Context, industryID string) (db.ResearchDocument, error)
	UpsertResearchDocument(ctx context.Context, row db.ResearchDocument) error
	DeleteResearchDocument(ctx context.Context, industryID string) (bool, error)

	InsertExtractedSignals(ctx context.Context, rows []db.ExtractedSignal) error
	ListExtractedSignals(ctx context.Context, organizationID, recordID string) ([]db.ExtractedSignal, error)
	DeleteExtractedSignals(ctx context.Context, organizationID, recordID string) (int64, error)
	QuerySignalAnalytics(ctx context.Context, organizationID string) (db.SignalAnalytics, error)
}

type Distiller interface {
	Distill(ctx context.Context, in distill.Input) (*distill.Result, error)
}

type Options struct {
	ResearchCacheTTL time.Duration
	SignalsCacheTTL  time.Duration
	ReadRateLimit    int
	ReadRateWindow   time.Duration
	Now              globaltime.Func
}

type Service struct {
	store   Store
	engine  Distiller
	logger  zerolog.Logger
	now     globaltime.Func
	limiter *ratelimit.Limiter

	research *cache.Cache[string, *research.Intelligence]
	signals  *cache.Cache[string, []db.ExtractedSignal]
	loads    singleflight.Group
}

func NewService(store Store, engine Distiller, logger zerolog.Logger, opts Options) *Service {
	if opts.ResearchCacheTTL <= 0 {
		opts.ResearchCacheTTL = DefaultResearchCacheTTL
	}
	if opts.SignalsCacheTTL <= 0 {
		opts.SignalsCacheTTL = DefaultSignalsCacheTTL
	}
	if opts.ReadRateLimit <= 0 {
		opts.ReadRateLimit = DefaultReadRateLimit
	}
	if opts.ReadRateWindow <= 0 {
		opts.ReadRateWindow = DefaultReadRateWindow
	}
	now := globaltime.Or(opts.Now)
	return &Service{
		store:    store,
		engine:   engine,
		logger:   logger,
		now:      now,
		limiter:  ratelimit.New(ratelimit.Config{MaxRequests: opts.ReadRateLimit, Window: opts.ReadRateWindow, Now: now}),
		research: cache.New[string, *research.Intelligence](opts.ResearchCacheTTL, now),
		signals:  cache.New[string, []db.ExtractedSignal](opts.SignalsCacheTTL, now),
	}
}

// ProcessInput is one scrape to process for a record.
type ProcessInput struct {
	OrganizationID string            `json:"organization_id"`
	IndustryID     string            `json:"industry_id"`
	RecordID       string            `json:"record_id,omitempty"`
	URL            string            `json:"url"`
	Platform       string            `json:"platform,omitempty"`
	RawHTML        string            `json:"raw_html"`
	CleanedContent string            `json:"cleaned_content,omitempty"`
	Metadata       db.ScrapeMetadata `json:"metadata,omitempty"`
}

type ProcessResult struct {
	RecordID     string          `json:"record_id"`
	IndustryID   string          `json:"industry_id"`
	LeadScore    float64         `json:"lead_score"`
	MatchedRules []string        `json:"matched_rules,omitempty"`
	Distillation *distill.Result `json:"distillation"`
}

type BatchFailure struct {
	Index int    `json:"index"`
	URL   string `json:"url"`
	Error string `json:"error"`
}

// ProcessAndStoreScrape distills a scrape against its industry ruleset,
// scores it and stores the signals under the record. Without a record ID the
// signals are stored under the archived scrape's ID.
func (s *Service) ProcessAndStoreScrape(ctx context.Context, in ProcessInput) (*ProcessResult, error) {
	if s == nil || s.store == nil || s.engine == nil {
		return nil, errServiceNotInitialized
	}
	in.OrganizationID = strings.TrimSpace(in.OrganizationID)
	in.IndustryID = strings.TrimSpace(in.IndustryID)
	in.RecordID = strings.TrimSpace(in.RecordID)
	if in.OrganizationID == "" {
		return nil, apperr.New(apperr.KindValidation, "Organization ID is required")
	}
	if in.IndustryID == "" {
		return nil, apperr.New(apperr.KindValidation, "Industry ID is required")
	}

	doc, err := s.loadResearch(ctx, in.IndustryID)
	if err != nil {
		return nil, err
	}

	distilled, err := s.engine.Distill(ctx, distill.Input{
		OrganizationID: in.OrganizationID,
		URL:            in.URL,
		Platform:       in.Platform,
		RawHTML:        in.RawHTML,
		CleanedContent: in.CleanedContent,
		Metadata:       in.Metadata,
		Research:       doc,
	})
	if err != nil {
		return nil, err
	}

	score, matched := LeadScore(doc, distilled.Signals, in.Platform)

	recordID := in.RecordID
	if recordID == "" {
		recordID = distilled.TempScrapeID
	}
	if err := s.SaveExtractedSignals(ctx, in.OrganizationID, recordID, distilled.Signals); err != nil {
		return nil, err
	}

	s.logger.Info().
		Str("organization_id", in.OrganizationID).
		Str("record_id", recordID).
		Str("industry_id", in.IndustryID).
		Int("signals", len(distilled.Signals)).
		Float64("lead_score", score).
		Float64("reduction_percent", distilled.StorageReduction.ReductionPercent).
		Msg("scrape processed")

	return &ProcessResult{
		RecordID:     recordID,
		IndustryID:   in.IndustryID,
		LeadScore:    score,
		MatchedRules: matched,
		Distillation: distilled,
	}, nil
}

// BatchProcessScrapes processes each input independently and returns the
// successful results in input order.
func (s *Service) BatchProcessScrapes(ctx context.Context, inputs []ProcessInput) ([]*ProcessResult, []BatchFailure) {
	results := make([]*ProcessResult, 0, len(inputs))
	var failures []BatchFailure
	for i, in := range inputs {
		res, err := s.ProcessAndStoreScrape(ctx, in)
		if err != nil {
			s.logger.Warn().Err(err).Int("index", i).Str("url", in.URL).Msg("batch scrape failed")
			failures = append(failures, BatchFailure{Index: i, URL: in.URL, Error: err.Error()})
			continue
		}
		results = append(results, res)
	}
	if len(failures) > 0 {
		s.logger.Warn().Int("failed", len(failures)).Int("succeeded", len(results)).Msg("batch finished with failures")
	}
	return results, failures
}

// LeadScore adds the score boosts of the extracted signals and of every
// enabled scoring rule whose condition holds, then clamps to 0..100.
func LeadScore(doc *research.Intelligence, signals []distill.Signal, platform string) (float64, []string) {
	ids := make(map[string]struct{}, len(signals))
	total := 0.0
	for _, sig := range signals {
		ids[sig.SignalID] = struct{}{}
		total += sig.ScoreBoost
	}

	input := research.MatchInput{SignalIDs: ids, Count: len(signals), Platform: platform}
	var matched []string
	for _, rule := range doc.OrderedRules() {
		cond, err := research.ParseCondition(rule.Condition)
		if err != nil {
			continue
		}
		if cond.Match(input) {
			total += rule.ScoreBoost
			matched = append(matched, rule.ID)
		}
	}
	return math.Max(0, math.Min(100, total)), matched
}

// GetResearch returns the industry ruleset for a caller, subject to the read
// rate limit.
func (s *Service) GetResearch(ctx context.Context, callerID, industryID string) (*research.Intelligence, error) {
	if s == nil || s.store == nil {
		return nil, errServiceNotInitialized
	}
	if err := s.allowRead(callerID); err != nil {
		return nil, err
	}
	return s.loadResearch(ctx, strings.TrimSpace(industryID))
}

func (s *Service) loadResearch(ctx context.Context, industryID string) (*research.Intelligence, error) {
	if industryID == "" {
		return nil, apperr.New(apperr.KindValidation, "Industry ID is required")
	}
	if doc, ok := s.research.Get(industryID); ok {
		return doc, nil
	}

	v, err, _ := s.loads.Do(researchLoadKey(industryID), func() (any, error) {
		gen := s.research.Generation()
		row, err := s.store.GetResearchDocument(ctx, industryID)
		if err != nil {
			if db.IsNoRows(err) {
				return nil, apperr.New(apperr.KindResearchNotFound, "Research intelligence for industry %s not found", industryID)
			}
			return nil, apperr.Store(err, "get research document")
		}
		doc, err := research.Decode(row.Document)
		if err != nil {
			return nil, apperr.Wrap(apperr.KindInternal, err, "stored research for industry %s is invalid", industryID)
		}
		s.research.SetIfGeneration(industryID, doc, gen)
		return doc, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*research.Intelligence), nil
}

// SaveResearch validates and stores a ruleset, replacing any previous one for
// the industry.
func (s *Service) SaveResearch(ctx context.Context, doc *research.Intelligence, actor string) error {
	if s == nil || s.store == nil {
		return errServiceNotInitialized
	}
	if doc == nil || strings.TrimSpace(doc.IndustryID) == "" {
		return apperr.New(apperr.KindValidation, "Industry ID is required")
	}
	raw, err := research.Encode(doc)
	if err != nil {
		return apperr.Wrap(apperr.KindValidation, err, "invalid research intelligence")
	}
	return s.storeResearch(ctx, doc.IndustryID, raw, actor)
}

// ImportResearch validates a raw JSON ruleset and stores it.
func (s *Service) ImportResearch(ctx context.Context, raw json.RawMessage, actor string) (*research.Intelligence, error) {
	if s == nil || s.store == nil {
		return nil, errServiceNotInitialized
	}
	doc, err := research.Decode(raw)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindValidation, err, "invalid research intelligence")
	}
	canonical, err := research.Encode(doc)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindValidation, err, "invalid research intelligence")
	}
	if err := s.storeResearch(ctx, doc.IndustryID, canonical, actor); err != nil {
		return nil, err
	}
	return doc, nil
}

func (s *Service) storeResearch(ctx context.Context, industryID string, raw json.RawMessage, actor string) error {
	industryID = strings.TrimSpace(industryID)
	err := s.store.UpsertResearchDocument(ctx, db.ResearchDocument{
		IndustryID: industryID,
		Document:   raw,
		UpdatedBy:  strings.TrimSpace(actor),
		UpdatedAt:  s.now().UTC(),
	})
	if err != nil {
		return apperr.Store(err, "upsert research document")
	}
	s.invalidateResearch(industryID)
	s.logger.Info().Str("industry_id", industryID).Str("actor", actor).Msg("research intelligence saved")
	return nil
}

func (s *Service) DeleteResearch(ctx context.Context, industryID string) (bool, error) {
	if s == nil || s.store == nil {
		return false, errServiceNotInitialized
	}
	industryID = strings.TrimSpace(industryID)
	deleted, err := s.store.DeleteResearchDocument(ctx, industryID)
	if err != nil {
		return false, apperr.Store(err, "delete research document")
	}
	s.invalidateResearch(industryID)
	return deleted, nil
}

// SaveExtractedSignals appends signals to a record.
func (s *Service) SaveExtractedSignals(ctx context.Context, organizationID, recordID string, signals []distill.Signal) error {
	if s == nil || s.store == nil {
		return errServiceNotInitialized
	}
	organizationID = strings.TrimSpace(organizationID)
	recordID = strings.TrimSpace(recordID)
	if organizationID == "" {
		return apperr.New(apperr.KindValidation, "Organization ID is required")
	}
	if recordID == "" {
		return apperr.New(apperr.KindValidation, "Record ID is required")
	}

	rows := make([]db.ExtractedSignal, 0, len(signals))
	for _, sig := range signals {
		rows = append(rows, db.ExtractedSignal{
			ID:             uuid.NewString(),
			OrganizationID: organizationID,
			RecordID:       recordID,
			SignalID:       sig.SignalID,
			SignalLabel:    sig.SignalLabel,
			SourceText:     sig.SourceText,
			Confidence:     sig.Confidence,
			Platform:       sig.Platform,
			ExtractedAt:    sig.ExtractedAt,
			SourceScrapeID: sig.SourceScrapeID,
		})
	}
	if len(rows) > 0 {
		if err := s.store.InsertExtractedSignals(ctx, rows); err != nil {
			return apperr.Store(err, "insert extracted signals")
		}
	}
	s.invalidateSignals(signalsKey(organizationID, recordID))
	return nil
}

// GetExtractedSignals returns a record's signals for a caller, subject to the
// read rate limit.
func (s *Service) GetExtractedSignals(ctx context.Context, callerID, organizationID, recordID string) ([]db.ExtractedSignal, error) {
	if s == nil || s.store == nil {
		return nil, errServiceNotInitialized
	}
	if err := s.allowRead(callerID); err != nil {
		return nil, err
	}
	organizationID = strings.TrimSpace(organizationID)
	recordID = strings.TrimSpace(recordID)
	if organizationID == "" {
		return nil, apperr.New(apperr.KindValidation, "Organization ID is required")
	}

	key := signalsKey(organizationID, recordID)
	if rows, ok := s.signals.Get(key); ok {
		return rows, nil
	}
	v, err, _ := s.loads.Do(signalsLoadKey(key), func() (any, error) {
		gen := s.signals.Generation()
		rows, err := s.store.ListExtractedSignals(ctx, organizationID, recordID)
		if err != nil {
			return nil, apperr.Store(err, "list extracted signals")
		}
		s.signals.SetIfGeneration(key, rows, gen)
		return rows, nil
	})
	if err != nil {
		return nil, err
	}
	return v.([]db.ExtractedSignal), nil
}

func (s *Service) DeleteExtractedSignals(ctx context.Context, organizationID, recordID string) (int64, error) {
	if s == nil || s.store == nil {
		return 0, errServiceNotInitialized
	}
	organizationID = strings.TrimSpace(organizationID)
	recordID = strings.TrimSpace(recordID)
	deleted, err := s.store.DeleteExtractedSignals(ctx, organizationID, recordID)
	if err != nil {
		return 0, apperr.Store(err, "delete extracted signals")
	}
	s.invalidateSignals(signalsKey(organizationID, recordID))
	return deleted, nil
}

// GetSignalAnalytics aggregates an organization's signals for a caller,
// subject to the read rate limit.
func (s *Service) GetSignalAnalytics(ctx context.Context, callerID, organizationID string) (db.SignalAnalytics, error) {
	if s == nil || s.store == nil {
		return db.SignalAnalytics{}, errServiceNotInitialized
	}
	if err := s.allowRead(callerID); err != nil {
		return db.SignalAnalytics{}, err
	}
	out, err := s.store.QuerySignalAnalytics(ctx, strings.TrimSpace(organizationID))
	if err != nil {
		return db.SignalAnalytics{}, apperr.Store(err, "query signal analytics")
	}
	return out, nil
}

type CacheHealth struct {
	Research cache.Stats `json:"research"`
	Signals  cache.Stats `json:"signals"`
}

type Health struct {
	Status    string      `json:"status"`
	Store     string      `json:"store"`
	Error     string      `json:"error,omitempty"`
	Caches    CacheHealth `json:"caches"`
	CheckedAt time.Time   `json:"checked_at"`
}

// HealthCheck pings the store. A failed ping reports degraded rather than an
// error so callers can still render the cache state.
func (s *Service) HealthCheck(ctx context.Context) Health {
	if s == nil || s.store == nil {
		return Health{Status: HealthDegraded, Store: "unavailable", Error: errServiceNotInitialized.Error()}
	}
	out := Health{
		Status:    HealthHealthy,
		Store:     "ok",
		Caches:    CacheHealth{Research: s.research.Stats(), Signals: s.signals.Stats()},
		CheckedAt: s.now().UTC(),
	}
	if err := s.store.Ping(ctx); err != nil {
		out.Status = HealthDegraded
		out.Store = "unreachable"
		out.Error = err.Error()
		s.logger.Warn().Err(err).Msg("health check: store ping failed")
	}
	return out
}

func (s *Service) ClearAllCaches() {
	if s == nil {
		return
	}
	s.research.InvalidateAll()
	s.signals.InvalidateAll()
	s.logger.Info().Msg("caches cleared")
}

// InvalidateOrganizationCaches drops every cached signal list belonging to
// the organization and returns how many were dropped.
func (s *Service) InvalidateOrganizationCaches(organizationID string) int {
	if s == nil {
		return 0
	}
	prefix := strings.TrimSpace(organizationID) + ":"
	return s.signals.InvalidateWhere(func(key string) bool {
		return strings.HasPrefix(key, prefix)
	})
}

func (s *Service) allowRead(callerID string) error {
	callerID = strings.TrimSpace(callerID)
	if callerID == "" {
		return nil
	}
	if !s.limiter.Allow(callerID) {
		return apperr.New(apperr.KindRateLimitExceeded, "Rate limit exceeded for %s", callerID)
	}
	return nil
}

func signalsKey(organizationID, recordID string) string {
	return organizationID + ":" + recordID
}

func signalsLoadKey(key string) string { return "signals:" + key }

func researchLoadKey(industryID string) string { return "research:" + industryID }

// invalidateResearch drops the cached ruleset and detaches any in-flight load
// so later readers fetch the new document.
func (s *Service) invalidateResearch(industryID string) {
	s.research.Invalidate(industryID)
	s.loads.Forget(researchLoadKey(industryID))
}

func (s *Service) invalidateSignals(key string) {
	s.signals.Invalidate(key)
	s.loads.Forget(signalsLoadKey(key))
}
