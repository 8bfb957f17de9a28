package db

import (
	"encoding/json"
	"time"
)

// ScrapeMetadata is the page metadata captured alongside a scrape.
type ScrapeMetadata struct {
	Title       string   `json:"title,omitempty"`
	Description string   `json:"description,omitempty"`
	Keywords    []string `json:"keywords,omitempty"`
	Language    string   `json:"language,omitempty"`
}

// TemporaryScrape maps discovery.temporary_scrapes. (organization_id, url,
// content_hash) is unique: identical content for a URL is one row whose
// scrape_count grows.
type TemporaryScrape struct {
	ID                 string         `gorm:"column:id;type:uuid;primaryKey" json:"id"`
	OrganizationID     string         `gorm:"column:organization_id;type:text;not null;uniqueIndex:ux_temporary_scrapes_identity,priority:1" json:"organization_id"`
	URL                string         `gorm:"column:url;type:text;not null;uniqueIndex:ux_temporary_scrapes_identity,priority:2" json:"url"`
	ContentHash        string         `gorm:"column:content_hash;type:text;not null;uniqueIndex:ux_temporary_scrapes_identity,priority:3" json:"content_hash"`
	RawHTML            string         `gorm:"column:raw_html;type:text;not null" json:"raw_html"`
	CleanedContent     string         `gorm:"column:cleaned_content;type:text;not null;default:''" json:"cleaned_content"`
	Metadata           ScrapeMetadata `gorm:"column:metadata;type:jsonb;serializer:json" json:"metadata"`
	SizeBytes          int64          `gorm:"column:size_bytes;type:bigint;not null;default:0" json:"size_bytes"`
	ScrapeCount        int            `gorm:"column:scrape_count;type:integer;not null;default:1" json:"scrape_count"`
	CreatedAt          time.Time      `gorm:"column:created_at;type:timestamptz;not null" json:"created_at"`
	LastSeen           time.Time      `gorm:"column:last_seen;type:timestamptz;not null" json:"last_seen"`
	ExpiresAt          time.Time      `gorm:"column:expires_at;type:timestamptz;not null;index" json:"expires_at"`
	Verified           bool           `gorm:"column:verified;type:boolean;not null;default:false" json:"verified"`
	FlaggedForDeletion bool           `gorm:"column:flagged_for_deletion;type:boolean;not null;default:false" json:"flagged_for_deletion"`
	VerifiedAt         *time.Time     `gorm:"column:verified_at;type:timestamptz" json:"verified_at,omitempty"`
}

func (TemporaryScrape) TableName() string { return "discovery.temporary_scrapes" }

// ExtractedSignal maps discovery.extracted_signals. Rows are appended per
// record; source_scrape_id is a non-owning back-link.
type ExtractedSignal struct {
	ID             string    `gorm:"column:id;type:uuid;primaryKey" json:"id"`
	OrganizationID string    `gorm:"column:organization_id;type:text;not null;index:ix_extracted_signals_record,priority:1" json:"organization_id"`
	RecordID       string    `gorm:"column:record_id;type:text;not null;index:ix_extracted_signals_record,priority:2" json:"record_id"`
	SignalID       string    `gorm:"column:signal_id;type:text;not null" json:"signal_id"`
	SignalLabel    string    `gorm:"column:signal_label;type:text;not null;default:''" json:"signal_label"`
	SourceText     string    `gorm:"column:source_text;type:text;not null;default:''" json:"source_text"`
	Confidence     float64   `gorm:"column:confidence;type:double precision;not null" json:"confidence"`
	Platform       string    `gorm:"column:platform;type:text;not null;default:''" json:"platform"`
	ExtractedAt    time.Time `gorm:"column:extracted_at;type:timestamptz;not null" json:"extracted_at"`
	SourceScrapeID string    `gorm:"column:source_scrape_id;type:text;not null;default:''" json:"source_scrape_id"`
}

func (ExtractedSignal) TableName() string { return "discovery.extracted_signals" }

// ResearchDocument maps discovery.research_intelligence. The ruleset itself is
// stored as validated JSON; see internal/research for its shape.
type ResearchDocument struct {
	IndustryID string          `gorm:"column:industry_id;type:text;primaryKey" json:"industry_id"`
	Document   json.RawMessage `gorm:"column:document;type:jsonb;not null" json:"document"`
	UpdatedBy  string          `gorm:"column:updated_by;type:text;not null;default:''" json:"updated_by"`
	UpdatedAt  time.Time       `gorm:"column:updated_at;type:timestamptz;not null" json:"updated_at"`
}

func (ResearchDocument) TableName() string { return "discovery.research_intelligence" }

// TrainingFeedback maps discovery.training_feedback.
type TrainingFeedback struct {
	ID             string     `gorm:"column:id;type:uuid;primaryKey" json:"id"`
	OrganizationID string     `gorm:"column:organization_id;type:text;not null;index" json:"organization_id"`
	UserID         string     `gorm:"column:user_id;type:text;not null" json:"user_id"`
	FeedbackType   string     `gorm:"column:feedback_type;type:text;not null" json:"feedback_type"`
	SignalID       string     `gorm:"column:signal_id;type:text;not null" json:"signal_id"`
	SourceScrapeID string     `gorm:"column:source_scrape_id;type:text;not null" json:"source_scrape_id"`
	SourceText     string     `gorm:"column:source_text;type:text;not null;default:''" json:"source_text"`
	CorrectedValue *string    `gorm:"column:corrected_value;type:text" json:"corrected_value,omitempty"`
	TrainingDataID *string    `gorm:"column:training_data_id;type:text" json:"training_data_id,omitempty"`
	Processed      bool       `gorm:"column:processed;type:boolean;not null;default:false" json:"processed"`
	ProcessedAt    *time.Time `gorm:"column:processed_at;type:timestamptz" json:"processed_at,omitempty"`
	CreatedAt      time.Time  `gorm:"column:created_at;type:timestamptz;not null" json:"created_at"`
}

func (TrainingFeedback) TableName() string { return "discovery.training_feedback" }

// TrainingData maps discovery.training_data. (organization_id, signal_id,
// pattern) is unique.
type TrainingData struct {
	ID             string    `gorm:"column:id;type:uuid;primaryKey" json:"id"`
	OrganizationID string    `gorm:"column:organization_id;type:text;not null;uniqueIndex:ux_training_data_pattern,priority:1" json:"organization_id"`
	SignalID       string    `gorm:"column:signal_id;type:text;not null;uniqueIndex:ux_training_data_pattern,priority:2" json:"signal_id"`
	Pattern        string    `gorm:"column:pattern;type:text;not null;uniqueIndex:ux_training_data_pattern,priority:3" json:"pattern"`
	PositiveCount  int       `gorm:"column:positive_count;type:integer;not null;default:0" json:"positive_count"`
	NegativeCount  int       `gorm:"column:negative_count;type:integer;not null;default:0" json:"negative_count"`
	Confidence     float64   `gorm:"column:confidence;type:double precision;not null;default:50" json:"confidence"`
	Active         bool      `gorm:"column:active;type:boolean;not null;default:true" json:"active"`
	Version        int       `gorm:"column:version;type:integer;not null;default:0" json:"version"`
	CreatedAt      time.Time `gorm:"column:created_at;type:timestamptz;not null" json:"created_at"`
	UpdatedAt      time.Time `gorm:"column:updated_at;type:timestamptz;not null" json:"updated_at"`
}

func (TrainingData) TableName() string { return "discovery.training_data" }

// TrainingPatternKey identifies a TrainingData row by its natural key.
type TrainingPatternKey struct {
	OrganizationID string
	SignalID       string
	Pattern        string
}

// TrainingHistory maps discovery.training_history. Each row snapshots the
// values the pattern held at Version so any version can be restored.
type TrainingHistory struct {
	ID             string    `gorm:"column:id;type:uuid;primaryKey" json:"id"`
	TrainingDataID string    `gorm:"column:training_data_id;type:text;not null;uniqueIndex:ux_training_history_version,priority:1" json:"training_data_id"`
	Version        int       `gorm:"column:version;type:integer;not null;uniqueIndex:ux_training_history_version,priority:2" json:"version"`
	ChangeType     string    `gorm:"column:change_type;type:text;not null" json:"change_type"`
	Reason         string    `gorm:"column:reason;type:text;not null;default:''" json:"reason"`
	Actor          string    `gorm:"column:actor;type:text;not null;default:''" json:"actor"`
	Pattern        string    `gorm:"column:pattern;type:text;not null" json:"pattern"`
	PositiveCount  int       `gorm:"column:positive_count;type:integer;not null" json:"positive_count"`
	NegativeCount  int       `gorm:"column:negative_count;type:integer;not null" json:"negative_count"`
	Confidence     float64   `gorm:"column:confidence;type:double precision;not null" json:"confidence"`
	Active         bool      `gorm:"column:active;type:boolean;not null" json:"active"`
	CreatedAt      time.Time `gorm:"column:created_at;type:timestamptz;not null" json:"created_at"`
}

func (TrainingHistory) TableName() string { return "discovery.training_history" }

// TrainingMutation edits row in place and returns the history entry to append.
// created is true when the row did not exist before this call.
type TrainingMutation func(row *TrainingData, created bool) (TrainingHistory, error)

// ScrapeStorageStats aggregates the live temporary_scrapes set.
type ScrapeStorageStats struct {
	TotalScrapes int64 `json:"total_scrapes"`
	TotalBytes   int64 `json:"total_bytes"`
	// AverageSizeBytes is TotalBytes / TotalScrapes, zero when empty.
	AverageSizeBytes float64    `json:"average_size_bytes"`
	FlaggedCount     int64      `json:"flagged_count"`
	VerifiedCount    int64      `json:"verified_count"`
	ExpiredCount     int64      `json:"expired_count"`
	OldestScrape     *time.Time `json:"oldest_scrape,omitempty"`
	NewestScrape     *time.Time `json:"newest_scrape,omitempty"`
}

// SignalCount is one row of the per-signal breakdown.
type SignalCount struct {
	SignalID          string  `json:"signal_id"`
	SignalLabel       string  `json:"signal_label"`
	Count             int64   `json:"count"`
	AverageConfidence float64 `json:"average_confidence"`
}

// SignalAnalytics aggregates extracted_signals for an organization.
type SignalAnalytics struct {
	TotalSignals      int64         `json:"total_signals"`
	Records           int64         `json:"records"`
	AverageConfidence float64       `json:"average_confidence"`
	BySignal          []SignalCount `json:"by_signal"`
}

// TrainingAnalytics aggregates feedback and training_data for an organization.
type TrainingAnalytics struct {
	TotalFeedback     int64            `json:"total_feedback"`
	ProcessedFeedback int64            `json:"processed_feedback"`
	FeedbackByType    map[string]int64 `json:"feedback_by_type"`
	TotalPatterns     int64            `json:"total_patterns"`
	ActivePatterns    int64            `json:"active_patterns"`
	// AverageConfidence covers active patterns only.
	AverageConfidence float64          `json:"average_confidence"`
}

func autoMigrateModels() []any {
	return []any{
		&TemporaryScrape{},
		&ExtractedSignal{},
		&ResearchDocument{},
		&TrainingFeedback{},
		&TrainingData{},
		&TrainingHistory{},
	}
}
