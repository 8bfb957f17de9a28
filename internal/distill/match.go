package distill

import (
	"math"
	"regexp"
	"strings"
	"unicode/utf8"

	"horse.fit/scout/internal/db"
	"horse.fit/scout/internal/research"
)

const (
	snippetRadius = 60

	perExtraHit = 10.0

	// LearnedSurfaceThreshold is the pattern confidence at which a learned
	// pattern alone surfaces its signal.
	LearnedSurfaceThreshold = 60.0
)

var tierBase = map[research.Priority]float64{
	research.PriorityCritical: 80,
	research.PriorityHigh:     65,
	research.PriorityMedium:   50,
	research.PriorityLow:      35,
}

func baseConfidence(p research.Priority) float64 {
	if base, ok := tierBase[p]; ok {
		return base
	}
	return tierBase[research.PriorityLow]
}

// PatternBoost converts a learned pattern's confidence into confidence points
// for the signal it belongs to: 50 is neutral, 100 adds 10, 0 takes 10 away.
func PatternBoost(patternConfidence float64) float64 {
	return (patternConfidence - 50) / 5
}

type hit struct {
	start int
	end   int
}

func (e *Engine) matchSignals(content string, doc *research.Intelligence, patterns []db.TrainingData, platform string) []Signal {
	bySignal := make(map[string][]db.TrainingData, len(patterns))
	for _, p := range patterns {
		bySignal[p.SignalID] = append(bySignal[p.SignalID], p)
	}

	signals := make([]Signal, 0, len(doc.HighValueSignals))
	for _, def := range doc.HighValueSignals {
		hits := e.keywordHits(content, def.Keywords)

		boost := 0.0
		var learnedHit *hit
		var learnedConfidence float64
		for _, p := range bySignal[def.ID] {
			re := e.compile(phraseExpr(p.Pattern))
			if re == nil {
				continue
			}
			loc := re.FindStringIndex(content)
			if loc == nil {
				continue
			}
			boost += PatternBoost(p.Confidence)
			if learnedHit == nil || p.Confidence > learnedConfidence {
				learnedHit = &hit{start: loc[0], end: loc[1]}
				learnedConfidence = p.Confidence
			}
		}

		var (
			confidence float64
			first      hit
			learned    bool
		)
		switch {
		case len(hits) > 0:
			confidence = baseConfidence(def.Priority) + perExtraHit*float64(len(hits)-1) + boost
			first = hits[0]
		case learnedHit != nil && learnedConfidence >= LearnedSurfaceThreshold:
			confidence = learnedConfidence
			first = *learnedHit
			learned = true
		default:
			continue
		}

		signalPlatform := def.Platform
		if signalPlatform == "" {
			signalPlatform = platform
		}
		signals = append(signals, Signal{
			SignalID:    def.ID,
			SignalLabel: def.Label,
			SourceText:  snippet(content, first.start, first.end),
			Confidence:  clampConfidence(confidence),
			Platform:    signalPlatform,
			Priority:    def.Priority,
			ScoreBoost:  def.ScoreBoost,
			Learned:     learned,
		})
	}
	return signals
}

// keywordHits returns every case-insensitive occurrence of every keyword,
// ordered by keyword then position.
func (e *Engine) keywordHits(content string, keywords []string) []hit {
	var hits []hit
	for _, kw := range keywords {
		kw = strings.TrimSpace(kw)
		if kw == "" {
			continue
		}
		re := e.compile(phraseExpr(kw))
		if re == nil {
			continue
		}
		for _, loc := range re.FindAllStringIndex(content, -1) {
			hits = append(hits, hit{start: loc[0], end: loc[1]})
		}
	}
	return hits
}

// phraseExpr matches text case-insensitively with any run of whitespace
// between its words.
func phraseExpr(text string) string {
	fields := strings.Fields(text)
	quoted := make([]string, len(fields))
	for i, f := range fields {
		quoted[i] = regexp.QuoteMeta(f)
	}
	return `(?i)` + strings.Join(quoted, `\s+`)
}

// snippet returns the text around [start, end) on one line.
func snippet(content string, start, end int) string {
	from := max(0, start-snippetRadius)
	to := min(len(content), end+snippetRadius)
	for from > 0 && !utf8.RuneStart(content[from]) {
		from--
	}
	for to < len(content) && !utf8.RuneStart(content[to]) {
		to++
	}
	return strings.Join(strings.Fields(content[from:to]), " ")
}

func clampConfidence(v float64) float64 {
	v = math.Round(v*100) / 100
	return math.Max(1, math.Min(100, v))
}
