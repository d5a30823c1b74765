package query

import (
	_ "embed"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

//go:embed tables.yaml
var defaultTablesYAML []byte

// CategoryTable configures one classification category.
type CategoryTable struct {
	Confidence float64  `yaml:"confidence"`
	Qualifier  string   `yaml:"qualifier,omitempty"`
	Keywords   []string `yaml:"keywords,omitempty"`
	Sources    []string `yaml:"sources"`
}

// LocationTable configures location detection.
type LocationTable struct {
	Confidence float64  `yaml:"confidence"`
	Phrases    []string `yaml:"phrases"`
	Places     []string `yaml:"places"`
	Sources    []string `yaml:"sources"`
}

// Tables are the swappable keyword tables behind the classifier.
type Tables struct {
	Property  CategoryTable `yaml:"property"`
	Developer CategoryTable `yaml:"developer"`
	Location  LocationTable `yaml:"location"`
	Generic   CategoryTable `yaml:"generic"`
}

// DefaultTables returns the built-in tables.
func DefaultTables() Tables {
	t, err := ParseTables(defaultTablesYAML)
	if err != nil {
		panic(fmt.Sprintf("query: embedded tables are invalid: %v", err))
	}
	return t
}

// LoadTables reads tables from a YAML file.
func LoadTables(path string) (Tables, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Tables{}, fmt.Errorf("read query tables: %w", err)
	}
	t, err := ParseTables(b)
	if err != nil {
		return Tables{}, fmt.Errorf("%s: %w", path, err)
	}
	return t, nil
}

// ParseTables decodes and validates YAML tables.
func ParseTables(b []byte) (Tables, error) {
	var t Tables
	if err := yaml.Unmarshal(b, &t); err != nil {
		return Tables{}, fmt.Errorf("parse query tables: %w", err)
	}
	if err := t.Validate(); err != nil {
		return Tables{}, err
	}
	return t, nil
}

// Validate checks confidences are in range and ordered, and that every
// category names at least one source.
func (t Tables) Validate() error {
	checks := []struct {
		name       string
		confidence float64
		sources    []string
	}{
		{"property", t.Property.Confidence, t.Property.Sources},
		{"developer", t.Developer.Confidence, t.Developer.Sources},
		{"location", t.Location.Confidence, t.Location.Sources},
		{"generic", t.Generic.Confidence, t.Generic.Sources},
	}
	for _, c := range checks {
		if c.confidence < 0 || c.confidence > 1 {
			return fmt.Errorf("%s: confidence %g out of [0,1]", c.name, c.confidence)
		}
		if len(c.sources) == 0 {
			return fmt.Errorf("%s: at least one source is required", c.name)
		}
	}
	if t.Property.Confidence < t.Generic.Confidence {
		return fmt.Errorf("property confidence must not be below generic confidence")
	}
	return nil
}

// phraseSet holds normalized phrases split into words for whole-word matching.
type phraseSet [][]string

func newPhraseSet(phrases []string) phraseSet {
	out := make(phraseSet, 0, len(phrases))
	for _, p := range phrases {
		words := strings.Fields(strings.ToLower(p))
		if len(words) == 0 {
			continue
		}
		out = append(out, words)
	}
	return out
}

// matchesAny reports whether any phrase occurs as a contiguous word run in words.
func (s phraseSet) matchesAny(words []string) bool {
	for _, phrase := range s {
		if containsRun(words, phrase) {
			return true
		}
	}
	return false
}

func containsRun(words, run []string) bool {
	if len(run) > len(words) {
		return false
	}
outer:
	for i := 0; i+len(run) <= len(words); i++ {
		for j := range run {
			if words[i+j] != run[j] {
				continue outer
			}
		}
		return true
	}
	return false
}
