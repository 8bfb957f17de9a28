// Package research holds the per-industry rulesets the distillation engine
// matches scrapes against, and validates them against an embedded JSON schema
// before they reach the store.
package research

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"fmt"
	"io"
	"regexp"
	"sort"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

//go:embed research_intelligence.schema.json
var researchSchemaJSON string

type Priority string

const (
	PriorityCritical Priority = "CRITICAL"
	PriorityHigh     Priority = "HIGH"
	PriorityMedium   Priority = "MEDIUM"
	PriorityLow      Priority = "LOW"
)

type ScrapingStrategy struct {
	PrimarySource    string   `json:"primary_source,omitempty"`
	SecondarySources []string `json:"secondary_sources,omitempty"`
	Frequency        string   `json:"frequency,omitempty"`
	TimeoutMS        int      `json:"timeout_ms,omitempty"`
	EnableCaching    bool     `json:"enable_caching,omitempty"`
	CacheTTLSeconds  int      `json:"cache_ttl_seconds,omitempty"`
}

// Signal is a high-value signal definition.
type Signal struct {
	ID          string   `json:"id"`
	Label       string   `json:"label"`
	Description string   `json:"description,omitempty"`
	Keywords    []string `json:"keywords"`
	Priority    Priority `json:"priority"`
	ScoreBoost  float64  `json:"score_boost,omitempty"`
	Platform    string   `json:"platform,omitempty"`
}

type FluffPattern struct {
	ID          string `json:"id,omitempty"`
	Pattern     string `json:"pattern"`
	Description string `json:"description,omitempty"`
	Context     string `json:"context,omitempty"`
}

type ScoringRule struct {
	ID          string  `json:"id"`
	Name        string  `json:"name,omitempty"`
	Description string  `json:"description,omitempty"`
	Condition   string  `json:"condition"`
	ScoreBoost  float64 `json:"score_boost"`
	Priority    int     `json:"priority,omitempty"`
	Enabled     *bool   `json:"enabled,omitempty"`
}

// IsEnabled treats an absent flag as enabled.
func (r ScoringRule) IsEnabled() bool {
	return r.Enabled == nil || *r.Enabled
}

type CustomField struct {
	Key         string `json:"key"`
	Label       string `json:"label,omitempty"`
	Type        string `json:"type,omitempty"`
	Pattern     string `json:"pattern"`
	Description string `json:"description,omitempty"`
}

// Intelligence is the ruleset for one industry.
type Intelligence struct {
	IndustryID       string           `json:"industry_id"`
	IndustryName     string           `json:"industry_name,omitempty"`
	ScrapingStrategy ScrapingStrategy `json:"scraping_strategy,omitempty"`
	HighValueSignals []Signal         `json:"high_value_signals"`
	FluffPatterns    []FluffPattern   `json:"fluff_patterns,omitempty"`
	ScoringRules     []ScoringRule    `json:"scoring_rules,omitempty"`
	CustomFields     []CustomField    `json:"custom_fields,omitempty"`
	Version          int              `json:"version,omitempty"`
}

// SignalByID returns the signal definition with id.
func (in *Intelligence) SignalByID(id string) (Signal, bool) {
	if in == nil {
		return Signal{}, false
	}
	for _, sig := range in.HighValueSignals {
		if sig.ID == id {
			return sig, true
		}
	}
	return Signal{}, false
}

// OrderedRules returns the enabled scoring rules by ascending priority,
// keeping document order for equal priorities.
func (in *Intelligence) OrderedRules() []ScoringRule {
	if in == nil {
		return nil
	}
	out := make([]ScoringRule, 0, len(in.ScoringRules))
	for _, rule := range in.ScoringRules {
		if rule.IsEnabled() {
			out = append(out, rule)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Priority < out[j].Priority
	})
	return out
}

var (
	compileOnce       sync.Once
	compiledSchema    *jsonschema.Schema
	compiledSchemaErr error
)

// Decode validates raw against the ruleset schema and returns the typed
// document.
func Decode(raw json.RawMessage) (*Intelligence, error) {
	value, err := decodeStrictJSON(raw)
	if err != nil {
		return nil, fmt.Errorf("decode research JSON: %w", err)
	}

	schema, err := loadSchema()
	if err != nil {
		return nil, fmt.Errorf("load schema: %w", err)
	}
	if err := schema.Validate(value); err != nil {
		return nil, fmt.Errorf("schema validation failed: %w", err)
	}

	normalized, err := json.Marshal(value)
	if err != nil {
		return nil, fmt.Errorf("normalize research JSON: %w", err)
	}

	var doc Intelligence
	if err := json.Unmarshal(normalized, &doc); err != nil {
		return nil, fmt.Errorf("unmarshal research: %w", err)
	}
	if err := validateSemantics(&doc); err != nil {
		return nil, err
	}
	return &doc, nil
}

// Encode validates doc and returns its canonical JSON form.
func Encode(doc *Intelligence) (json.RawMessage, error) {
	if doc == nil {
		return nil, fmt.Errorf("research document is nil")
	}
	raw, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("encode research: %w", err)
	}
	if _, err := Decode(raw); err != nil {
		return nil, err
	}
	return raw, nil
}

func loadSchema() (*jsonschema.Schema, error) {
	compileOnce.Do(func() {
		compiler := jsonschema.NewCompiler()
		compiler.Draft = jsonschema.Draft2020
		compiler.AssertFormat = true

		if err := compiler.AddResource("research_intelligence.schema.json", strings.NewReader(researchSchemaJSON)); err != nil {
			compiledSchemaErr = fmt.Errorf("add schema resource: %w", err)
			return
		}

		schema, err := compiler.Compile("research_intelligence.schema.json")
		if err != nil {
			compiledSchemaErr = fmt.Errorf("compile schema: %w", err)
			return
		}

		compiledSchema = schema
	})

	if compiledSchemaErr != nil {
		return nil, compiledSchemaErr
	}
	if compiledSchema == nil {
		return nil, fmt.Errorf("schema not initialized")
	}
	return compiledSchema, nil
}

func decodeStrictJSON(raw []byte) (any, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 {
		return nil, fmt.Errorf("document is empty")
	}

	decoder := json.NewDecoder(bytes.NewReader(trimmed))
	decoder.UseNumber()

	var value any
	if err := decoder.Decode(&value); err != nil {
		return nil, err
	}
	if err := decoder.Decode(&struct{}{}); err != io.EOF {
		return nil, fmt.Errorf("document contains trailing content")
	}
	return value, nil
}

func validateSemantics(doc *Intelligence) error {
	if strings.TrimSpace(doc.IndustryID) == "" {
		return fmt.Errorf("industry_id must not be empty")
	}

	seen := make(map[string]struct{}, len(doc.HighValueSignals))
	for i, sig := range doc.HighValueSignals {
		if _, dup := seen[sig.ID]; dup {
			return fmt.Errorf("high_value_signals[%d]: duplicate id %q", i, sig.ID)
		}
		seen[sig.ID] = struct{}{}
		for j, kw := range sig.Keywords {
			if strings.TrimSpace(kw) == "" {
				return fmt.Errorf("high_value_signals[%d].keywords[%d] must not be empty", i, j)
			}
		}
	}

	for i, rule := range doc.ScoringRules {
		if _, err := ParseCondition(rule.Condition); err != nil {
			return fmt.Errorf("scoring_rules[%d]: %w", i, err)
		}
	}

	for i, field := range doc.CustomFields {
		if _, err := regexp.Compile(field.Pattern); err != nil {
			return fmt.Errorf("custom_fields[%d].pattern: %w", i, err)
		}
	}

	// Fluff patterns are not compiled here: a bad one is skipped at distill
	// time so one typo does not reject a whole ruleset.
	return nil
}
