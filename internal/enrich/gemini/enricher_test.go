package gemini

import (
	"context"
	"errors"
	"strings"
	"testing"

	"google.golang.org/genai"

	"github.com/shpitdev/property-enrichment/internal/enrich"
	"github.com/shpitdev/property-enrichment/internal/query"
)

type timeoutNetErr struct{}

func (timeoutNetErr) Error() string   { return "i/o timeout" }
func (timeoutNetErr) Timeout() bool   { return true }
func (timeoutNetErr) Temporary() bool { return true }

func TestClassifyErr(t *testing.T) {
	tests := []struct {
		name          string
		in            error
		wantTransient bool
	}{
		{name: "nil", in: nil, wantTransient: false},
		{name: "api_429", in: genai.APIError{Code: 429}, wantTransient: true},
		{name: "api_500", in: genai.APIError{Code: 500}, wantTransient: true},
		{name: "api_401", in: genai.APIError{Code: 401}, wantTransient: false},
		{name: "net_timeout", in: timeoutNetErr{}, wantTransient: true},
		{name: "wrapped_api_429", in: errors.New(genai.APIError{Code: 429}.Error()), wantTransient: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := classifyErr(tt.in)
			var te *enrich.TransientError
			isTransient := errors.As(got, &te)
			if isTransient != tt.wantTransient {
				t.Fatalf("transient=%v want=%v (err=%T %v)", isTransient, tt.wantTransient, got, got)
			}
		})
	}
}

func TestBuildPrompt_UsesShapedQuery(t *testing.T) {
	req := enrich.Request{
		Target:   enrich.Target{Name: "Koramangala", Parent: "Bangalore"},
		Analysis: query.Default().Optimize("flats in Koramangala"),
	}
	p := buildPrompt(req)
	for _, want := range []string{
		"Target: Koramangala",
		"Within: Bangalore",
		"Search query: flats in koramangala",
		"Query category: location-based",
		"housing.com",
		"confidence_score",
	} {
		if !strings.Contains(p, want) {
			t.Fatalf("prompt missing %q:\n%s", want, p)
		}
	}
}

func TestBuildPrompt_FallsBackToTargetQuery(t *testing.T) {
	p := buildPrompt(enrich.Request{Target: enrich.Target{Name: "Hebbal", Parent: "Bangalore"}})
	if !strings.Contains(p, "Search query: Hebbal Bangalore") {
		t.Fatalf("expected fallback query in prompt:\n%s", p)
	}
	if !strings.Contains(p, "Query category: generic") {
		t.Fatalf("expected generic category in prompt:\n%s", p)
	}
}

func TestToRecord_ClampsAndTrims(t *testing.T) {
	rec := toRecord(responseSchema{
		Overview:        "  Leafy and central ",
		Pros:            []string{" metro ", "", "parks"},
		ConfidenceScore: 1.7,
	})
	if rec.ConfidenceScore != 1 {
		t.Fatalf("confidence=%g want 1", rec.ConfidenceScore)
	}
	if rec.Payload["overview"] != "Leafy and central" {
		t.Fatalf("overview=%q", rec.Payload["overview"])
	}
	pros, _ := rec.Payload["pros"].([]string)
	if len(pros) != 2 || pros[0] != "metro" || pros[1] != "parks" {
		t.Fatalf("pros=%#v", pros)
	}
	if neg := toRecord(responseSchema{ConfidenceScore: -0.2}); neg.ConfidenceScore != 0 {
		t.Fatalf("negative confidence not clamped: %g", neg.ConfidenceScore)
	}
}

func TestNew_RequiresConfig(t *testing.T) {
	if _, err := New(context.Background(), Config{Model: "m"}); err == nil {
		t.Fatalf("expected error without api key")
	}
	if _, err := New(context.Background(), Config{APIKey: "k"}); err == nil {
		t.Fatalf("expected error without model")
	}
}

func TestDedupePreserveOrder(t *testing.T) {
	got := dedupePreserveOrder([]string{"b", " a", "b", "", "a "})
	if strings.Join(got, ",") != "b,a" {
		t.Fatalf("got %v", got)
	}
}
