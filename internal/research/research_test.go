package research

import (
	"encoding/json"
	"strings"
	"testing"
)

const validDoc = `{
	"industry_id":"saas",
	"industry_name":"B2B SaaS",
	"scraping_strategy":{"primary_source":"website","frequency":"weekly"},
	"high_value_signals":[
		{"id":"hiring","label":"Hiring","keywords":["we're hiring","open positions"],"priority":"CRITICAL","score_boost":25},
		{"id":"funding","label":"Recent funding","keywords":["series a","raised"],"priority":"HIGH","score_boost":20}
	],
	"fluff_patterns":[{"pattern":"(?i)all rights reserved","description":"footer"}],
	"scoring_rules":[
		{"id":"r2","condition":"count>=2","score_boost":10,"priority":2},
		{"id":"r1","condition":"has:hiring","score_boost":5,"priority":1},
		{"id":"r3","condition":"any:funding","score_boost":5,"priority":1,"enabled":false}
	],
	"custom_fields":[{"key":"employees","type":"number","pattern":"(\\d+) employees"}]
}`

func TestDecodeValidDocument(t *testing.T) {
	t.Parallel()

	doc, err := Decode(json.RawMessage(validDoc))
	if err != nil {
		t.Fatalf("expected document to be valid, got error: %v", err)
	}
	if doc.IndustryID != "saas" {
		t.Fatalf("unexpected industry id: %q", doc.IndustryID)
	}
	if len(doc.HighValueSignals) != 2 || doc.HighValueSignals[0].Priority != PriorityCritical {
		t.Fatalf("unexpected signals: %+v", doc.HighValueSignals)
	}
	if doc.HighValueSignals[0].ScoreBoost != 25 {
		t.Fatalf("unexpected score boost: %v", doc.HighValueSignals[0].ScoreBoost)
	}

	rules := doc.OrderedRules()
	if len(rules) != 2 {
		t.Fatalf("unexpected enabled rule count: got %d want 2", len(rules))
	}
	if rules[0].ID != "r1" || rules[1].ID != "r2" {
		t.Fatalf("unexpected rule order: %s, %s", rules[0].ID, rules[1].ID)
	}
}

func TestDecodeRejectsUnknownPriority(t *testing.T) {
	t.Parallel()

	raw := strings.Replace(validDoc, `"priority":"HIGH"`, `"priority":"URGENT"`, 1)
	if _, err := Decode(json.RawMessage(raw)); err == nil {
		t.Fatalf("expected unknown priority to fail validation")
	}
}

func TestDecodeRejectsDuplicateSignalIDs(t *testing.T) {
	t.Parallel()

	raw := strings.Replace(validDoc, `"id":"funding"`, `"id":"hiring"`, 1)
	_, err := Decode(json.RawMessage(raw))
	if err == nil || !strings.Contains(err.Error(), "duplicate id") {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestDecodeRejectsBadCondition(t *testing.T) {
	t.Parallel()

	raw := strings.Replace(validDoc, `"condition":"count>=2"`, `"condition":"sometimes"`, 1)
	if _, err := Decode(json.RawMessage(raw)); err == nil {
		t.Fatalf("expected malformed condition to fail validation")
	}
}

func TestDecodeRejectsTrailingContent(t *testing.T) {
	t.Parallel()

	if _, err := Decode(json.RawMessage(validDoc + ` {}`)); err == nil {
		t.Fatalf("expected trailing content to fail")
	}
}

func TestEncodeRoundTripsThroughValidation(t *testing.T) {
	t.Parallel()

	doc, err := Decode(json.RawMessage(validDoc))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	raw, err := Encode(doc)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if !strings.Contains(string(raw), `"industry_id":"saas"`) {
		t.Fatalf("unexpected encoding: %s", raw)
	}
}

func TestConditionMatch(t *testing.T) {
	t.Parallel()

	in := MatchInput{
		SignalIDs: map[string]struct{}{"hiring": {}, "funding": {}},
		Count:     2,
		Platform:  "LinkedIn",
	}
	cases := []struct {
		condition string
		want      bool
	}{
		{"has:hiring", true},
		{"has:expansion", false},
		{"count>=2", true},
		{"count>=3", false},
		{"all:hiring,funding", true},
		{"all:hiring,expansion", false},
		{"any:expansion,funding", true},
		{"any:expansion", false},
		{"platform:linkedin", true},
		{"platform:website", false},
	}
	for _, tc := range cases {
		cond, err := ParseCondition(tc.condition)
		if err != nil {
			t.Fatalf("parse %q: %v", tc.condition, err)
		}
		if got := cond.Match(in); got != tc.want {
			t.Fatalf("unexpected match for %q: got %v want %v", tc.condition, got, tc.want)
		}
	}
}
