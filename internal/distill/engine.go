// Package distill turns a raw scrape into the business signals an industry
// ruleset cares about, archives the scrape, and reports how much smaller the
// signals are than the page they came from.
package distill

import (
	"context"
	"encoding/json"
	"errors"
	"math"
	"net/url"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"horse.fit/scout/internal/apperr"
	"horse.fit/scout/internal/archive"
	"horse.fit/scout/internal/db"
	"horse.fit/scout/internal/globaltime"
	"horse.fit/scout/internal/reader"
	"horse.fit/scout/internal/research"
)

var errEngineNotInitialized = errors.New("distill engine is not initialized")

// Archive is where distilled scrapes are kept.
type Archive interface {
	Save(ctx context.Context, in archive.SaveInput) (archive.SaveResult, error)
}

// PatternSource supplies learned training patterns.
type PatternSource interface {
	ActivePatterns(ctx context.Context, organizationID string) ([]db.TrainingData, error)
}

type LanguageDetector interface {
	Detect(text string) string
}

type Options struct {
	Patterns PatternSource
	Detector LanguageDetector
	Now      globaltime.Func
}

type Engine struct {
	archive  Archive
	patterns PatternSource
	detector LanguageDetector
	logger   zerolog.Logger
	now      globaltime.Func

	// regexes caches compiled fluff, keyword and pattern expressions by
	// source; a nil entry marks a source that failed to compile.
	regexes sync.Map
	// fluff caches fluff expressions; nil marks one that fails to compile or
	// matches empty text.
	fluff sync.Map
}

// Input is one scrape to distill.
type Input struct {
	OrganizationID string
	URL            string
	Platform       string
	RawHTML        string
	// CleanedContent is extracted from RawHTML when empty.
	CleanedContent string
	Metadata       db.ScrapeMetadata
	Research       *research.Intelligence
}

type Signal struct {
	SignalID       string            `json:"signal_id"`
	SignalLabel    string            `json:"signal_label"`
	SourceText     string            `json:"source_text"`
	Confidence     float64           `json:"confidence"`
	Platform       string            `json:"platform"`
	ExtractedAt    time.Time         `json:"extracted_at"`
	SourceScrapeID string            `json:"source_scrape_id"`
	Priority       research.Priority `json:"priority,omitempty"`
	ScoreBoost     float64           `json:"score_boost,omitempty"`
	Learned        bool              `json:"learned,omitempty"`
}

type StorageReduction struct {
	RawSizeBytes     int64   `json:"raw_size_bytes"`
	SignalsSizeBytes int64   `json:"signals_size_bytes"`
	ReductionPercent float64 `json:"reduction_percent"`
}

type Result struct {
	Signals          []Signal          `json:"signals"`
	TempScrapeID     string            `json:"temp_scrape_id"`
	IsNewScrape      bool              `json:"is_new_scrape"`
	StorageReduction StorageReduction  `json:"storage_reduction"`
	CustomFields     map[string]string `json:"custom_fields,omitempty"`
	Metadata         db.ScrapeMetadata `json:"metadata"`
}

func NewEngine(arch Archive, logger zerolog.Logger, opts Options) *Engine {
	return &Engine{
		archive:  arch,
		patterns: opts.Patterns,
		detector: opts.Detector,
		logger:   logger,
		now:      globaltime.Or(opts.Now),
	}
}

// Distill strips fluff from the scrape, matches the ruleset's signals,
// archives the scrape and links every signal to the archived entry. Archive
// failures propagate; a scrape with no signals is a valid result.
func (e *Engine) Distill(ctx context.Context, in Input) (*Result, error) {
	if e == nil || e.archive == nil {
		return nil, errEngineNotInitialized
	}
	if strings.TrimSpace(in.OrganizationID) == "" {
		return nil, apperr.New(apperr.KindValidation, "Organization ID is required")
	}
	if strings.TrimSpace(in.URL) == "" {
		return nil, apperr.New(apperr.KindValidation, "URL is required")
	}
	if in.Research == nil {
		return nil, apperr.New(apperr.KindValidation, "research intelligence is required")
	}

	content, metadata := e.prepareContent(in)
	content = e.stripFluff(content, in.Research.FluffPatterns)

	patterns := e.loadPatterns(ctx, in.OrganizationID)
	signals := e.matchSignals(content, in.Research, patterns, in.Platform)
	customFields := e.extractCustomFields(content, in.Research.CustomFields)

	saved, err := e.archive.Save(ctx, archive.SaveInput{
		OrganizationID: in.OrganizationID,
		URL:            in.URL,
		RawHTML:        in.RawHTML,
		CleanedContent: content,
		Metadata:       metadata,
	})
	if err != nil {
		return nil, err
	}

	extractedAt := e.now().UTC()
	for i := range signals {
		signals[i].SourceScrapeID = saved.Scrape.ID
		signals[i].ExtractedAt = extractedAt
	}

	return &Result{
		Signals:          signals,
		TempScrapeID:     saved.Scrape.ID,
		IsNewScrape:      saved.IsNew,
		StorageReduction: computeReduction(in.RawHTML, signals),
		CustomFields:     customFields,
		Metadata:         metadata,
	}, nil
}

// BatchFailure records one item DistillBatch skipped.
type BatchFailure struct {
	Index int    `json:"index"`
	URL   string `json:"url"`
	Error string `json:"error"`
}

// DistillBatch distills every input independently. Failed items are logged
// and reported in failures; the successful results keep input order.
func (e *Engine) DistillBatch(ctx context.Context, inputs []Input) ([]*Result, []BatchFailure) {
	results := make([]*Result, 0, len(inputs))
	var failures []BatchFailure
	for i, in := range inputs {
		res, err := e.Distill(ctx, in)
		if err != nil {
			e.logger.Warn().Err(err).Int("index", i).Str("url", in.URL).Msg("distill batch item failed")
			failures = append(failures, BatchFailure{Index: i, URL: in.URL, Error: err.Error()})
			continue
		}
		results = append(results, res)
	}
	return results, failures
}

func (e *Engine) prepareContent(in Input) (string, db.ScrapeMetadata) {
	metadata := in.Metadata
	content := in.CleanedContent
	if strings.TrimSpace(content) == "" {
		pageURL, _ := url.Parse(in.URL)
		var extracted reader.Metadata
		content, extracted = reader.Extract(in.RawHTML, pageURL)
		if metadata.Title == "" {
			metadata.Title = extracted.Title
		}
		if metadata.Description == "" {
			metadata.Description = extracted.Description
		}
		if len(metadata.Keywords) == 0 {
			metadata.Keywords = extracted.Keywords
		}
		if metadata.Language == "" {
			metadata.Language = extracted.Language
		}
	}
	if metadata.Language == "" && e.detector != nil {
		metadata.Language = e.detector.Detect(content)
	}
	return content, metadata
}

func (e *Engine) stripFluff(content string, patterns []research.FluffPattern) string {
	stripped := content
	for _, fp := range patterns {
		re := e.fluffRegex(fp.Pattern)
		if re == nil {
			continue
		}
		stripped = re.ReplaceAllString(stripped, " ")
	}
	return reader.CleanText(stripped)
}

func (e *Engine) loadPatterns(ctx context.Context, organizationID string) []db.TrainingData {
	if e.patterns == nil {
		return nil
	}
	patterns, err := e.patterns.ActivePatterns(ctx, organizationID)
	if err != nil {
		e.logger.Warn().Err(err).Str("organization_id", organizationID).Msg("training patterns unavailable; distilling with keywords only")
		return nil
	}
	return patterns
}

func (e *Engine) extractCustomFields(content string, fields []research.CustomField) map[string]string {
	if len(fields) == 0 {
		return nil
	}
	out := make(map[string]string, len(fields))
	for _, field := range fields {
		re := e.compile(field.Pattern)
		if re == nil {
			continue
		}
		match := re.FindStringSubmatch(content)
		if match == nil {
			continue
		}
		value := match[0]
		if len(match) > 1 {
			value = match[1]
		}
		out[field.Key] = strings.TrimSpace(value)
	}
	return out
}

// fluffRegex is compile for fluff patterns. A pattern matching empty text
// would replace every zero-width position, so it is skipped.
func (e *Engine) fluffRegex(source string) *regexp.Regexp {
	if cached, ok := e.fluff.Load(source); ok {
		return cached.(*regexp.Regexp)
	}
	re := e.compile(source)
	if re != nil && re.MatchString("") {
		e.logger.Warn().Str("pattern", source).Msg("skipping fluff pattern that matches empty text")
		re = nil
	}
	e.fluff.Store(source, re)
	return re
}

// compile returns the cached expression for source, or nil when it does not
// compile.
func (e *Engine) compile(source string) *regexp.Regexp {
	if cached, ok := e.regexes.Load(source); ok {
		return cached.(*regexp.Regexp)
	}
	re, err := regexp.Compile(source)
	if err != nil {
		e.logger.Warn().Err(err).Str("pattern", source).Msg("skipping invalid pattern")
	}
	e.regexes.Store(source, re)
	return re
}

func computeReduction(raw string, signals []Signal) StorageReduction {
	rawSize := int64(len(raw))
	encoded, err := json.Marshal(signals)
	if err != nil {
		encoded = nil
	}
	signalsSize := int64(len(encoded))

	percent := 0.0
	if rawSize > 0 {
		percent = (1 - float64(signalsSize)/float64(rawSize)) * 100
		percent = math.Max(0, math.Min(100, percent))
		percent = math.Round(percent*100) / 100
	}
	return StorageReduction{
		RawSizeBytes:     rawSize,
		SignalsSizeBytes: signalsSize,
		ReductionPercent: percent,
	}
}
