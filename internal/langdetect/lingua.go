// Package langdetect guesses the language of scraped text and normalizes
// language tags found in page markup.
package langdetect

import (
	"strings"
	"sync"
	"unicode"

	lingua "github.com/pemistahl/lingua-go"
)

const (
	minLetters = 6
	// maxSampleRunes bounds detection cost on large pages.
	maxSampleRunes = 4000
)

// Detector wraps a lazily built lingua detector. The zero value detects
// across all languages lingua knows.
type Detector struct {
	languages []lingua.Language

	once     sync.Once
	detector lingua.LanguageDetector
}

// New returns a detector restricted to languages, or to every language when
// none are given. Restricting the set makes the first Detect much cheaper.
func New(languages ...lingua.Language) *Detector {
	return &Detector{languages: languages}
}

// Detect returns the ISO 639-1 code of text, or "" when text is too short or
// no language is reliable.
func (d *Detector) Detect(text string) string {
	sample := sampleText(text)
	if sample == "" {
		return ""
	}

	language, exists := d.get().DetectLanguageOf(sample)
	if !exists {
		return ""
	}

	code := strings.ToLower(language.IsoCode639_1().String())
	if len(code) != 2 {
		return ""
	}
	return code
}

func (d *Detector) get() lingua.LanguageDetector {
	d.once.Do(func() {
		var builder lingua.LanguageDetectorBuilder
		if len(d.languages) >= 2 {
			builder = lingua.NewLanguageDetectorBuilder().FromLanguages(d.languages...)
		} else {
			builder = lingua.NewLanguageDetectorBuilder().FromAllLanguages()
		}
		d.detector = builder.WithPreloadedLanguageModels().Build()
	})
	return d.detector
}

func sampleText(text string) string {
	sample := strings.TrimSpace(text)
	if sample == "" {
		return ""
	}
	if runes := []rune(sample); len(runes) > maxSampleRunes {
		sample = string(runes[:maxSampleRunes])
	}

	letters := 0
	for _, r := range sample {
		if unicode.IsLetter(r) {
			letters++
			if letters >= minLetters {
				return sample
			}
		}
	}
	return ""
}

// NormalizeCode returns the lowercase primary subtag of a language tag, so
// "en_US" and "EN-us" both become "en". Malformed tags yield "".
func NormalizeCode(raw string) string {
	trimmed := strings.ToLower(strings.TrimSpace(raw))
	if trimmed == "" {
		return ""
	}
	primary, _, _ := strings.Cut(strings.ReplaceAll(trimmed, "_", "-"), "-")
	primary = strings.TrimSpace(primary)
	if primary == "" {
		return ""
	}
	for _, r := range primary {
		if r < 'a' || r > 'z' {
			return ""
		}
	}
	return primary
}
