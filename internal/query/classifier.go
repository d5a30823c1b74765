package query

import (
	"strings"
	"unicode"
)

// Category is the classification of a free-text query.
type Category string

const (
	CategoryProperty  Category = "property-specific"
	CategoryDeveloper Category = "developer-focused"
	CategoryLocation  Category = "location-based"
	CategoryGeneric   Category = "generic"
)

// MaxWords caps the optimized query length.
const MaxWords = 10

// Analysis is the classifier output for one query.
type Analysis struct {
	OriginalQuery  string   `json:"originalQuery"`
	Category       Category `json:"category"`
	OptimizedQuery string   `json:"optimizedQuery"`
	TargetSources  []string `json:"targetSources"`
	Confidence     float64  `json:"confidence"`
}

// Classifier categorizes queries using keyword tables. It holds no mutable
// state and is safe for concurrent use.
type Classifier struct {
	tables Tables

	property  phraseSet
	developer phraseSet
	phrases   phraseSet
	places    phraseSet
}

// New builds a classifier over the given tables.
func New(t Tables) *Classifier {
	return &Classifier{
		tables:    t,
		property:  newPhraseSet(t.Property.Keywords),
		developer: newPhraseSet(t.Developer.Keywords),
		phrases:   newPhraseSet(t.Location.Phrases),
		places:    newPhraseSet(t.Location.Places),
	}
}

// Default builds a classifier over the embedded tables.
func Default() *Classifier {
	return New(DefaultTables())
}

// Normalize lowercases, trims and collapses whitespace.
func Normalize(q string) string {
	return strings.Join(strings.Fields(strings.ToLower(q)), " ")
}

// Optimize classifies q and produces a bounded search query.
func (c *Classifier) Optimize(q string) Analysis {
	norm := Normalize(q)
	words := strings.Fields(norm)
	tokens := matchTokens(norm)
	hasLocation := c.phrases.matchesAny(tokens) || c.places.matchesAny(tokens)

	var (
		cat       Category
		optimized = norm
		table     CategoryTable
	)
	switch {
	case c.property.matchesAny(tokens):
		cat, table = CategoryProperty, c.tables.Property
		if !hasLocation && len(words) <= 2 {
			optimized = appendQualifier(norm, table.Qualifier)
		}
	case c.developer.matchesAny(tokens):
		cat, table = CategoryDeveloper, c.tables.Developer
		if !hasLocation {
			optimized = appendQualifier(norm, table.Qualifier)
		}
	case hasLocation:
		cat = CategoryLocation
		table = CategoryTable{Confidence: c.tables.Location.Confidence, Sources: c.tables.Location.Sources}
	default:
		cat, table = CategoryGeneric, c.tables.Generic
		optimized = appendQualifier(norm, table.Qualifier)
	}

	return Analysis{
		OriginalQuery:  q,
		Category:       cat,
		OptimizedQuery: truncateWords(optimized, MaxWords),
		TargetSources:  append([]string(nil), table.Sources...),
		Confidence:     table.Confidence,
	}
}

func appendQualifier(q, qualifier string) string {
	qualifier = Normalize(qualifier)
	if qualifier == "" {
		return q
	}
	if q == "" {
		return qualifier
	}
	return q + " " + qualifier
}

// truncateWords keeps the first n whitespace-delimited words.
func truncateWords(s string, n int) string {
	words := strings.Fields(s)
	if len(words) <= n {
		return s
	}
	return strings.Join(words[:n], " ")
}

// matchTokens splits on anything that is not a letter or digit so that
// "koramangala," still matches "koramangala".
func matchTokens(norm string) []string {
	return strings.FieldsFunc(norm, func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
}
