package enrich_test

import (
	"errors"
	"regexp"
	"testing"

	"github.com/shpitdev/property-enrichment/internal/enrich"
)

func TestParseTargetID(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name    string
		id      string
		want    enrich.Target
		wantErr bool
	}{
		{name: "plain", id: "Koramangala|Bangalore", want: enrich.Target{Name: "Koramangala", Parent: "Bangalore"}},
		{name: "surrounding_whitespace", id: "  Embassy Lake Terraces | Hebbal  ", want: enrich.Target{Name: "Embassy Lake Terraces", Parent: "Hebbal"}},
		{name: "extra_separator_stays_in_parent", id: "A|B|C", want: enrich.Target{Name: "A", Parent: "B|C"}},
		{name: "non_ascii", id: "कोरमंगला|बेंगलुरु", want: enrich.Target{Name: "कोरमंगला", Parent: "बेंगलुरु"}},
		{name: "missing_separator", id: "Koramangala Bangalore", wantErr: true},
		{name: "empty_name", id: "|Bangalore", wantErr: true},
		{name: "empty_parent", id: "Koramangala|", wantErr: true},
		{name: "blank_halves", id: "  |  ", wantErr: true},
		{name: "empty", id: "", wantErr: true},
	}

	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			got, err := enrich.ParseTargetID(tc.id)
			if tc.wantErr {
				if !errors.Is(err, enrich.ErrValidation) {
					t.Fatalf("ParseTargetID(%q): expected validation error, got %v", tc.id, err)
				}
				return
			}
			if err != nil {
				t.Fatalf("ParseTargetID(%q): %v", tc.id, err)
			}
			if got != tc.want {
				t.Fatalf("ParseTargetID(%q)=%#v want %#v", tc.id, got, tc.want)
			}
		})
	}
}

func TestTarget_CleanValidateID(t *testing.T) {
	t.Parallel()

	raw := enrich.Target{Name: "  Hebbal ", Parent: "\tBangalore\n"}
	clean := raw.Clean()
	if clean.Name != "Hebbal" || clean.Parent != "Bangalore" {
		t.Fatalf("Clean()=%#v", clean)
	}
	if raw.ID() != "Hebbal|Bangalore" {
		t.Fatalf("ID()=%q", raw.ID())
	}
	if err := raw.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if err := (enrich.Target{Name: " ", Parent: "Bangalore"}).Validate(); !errors.Is(err, enrich.ErrValidation) {
		t.Fatalf("blank name: %v", err)
	}
	if err := (enrich.Target{Name: "Hebbal"}).Validate(); !errors.Is(err, enrich.ErrValidation) {
		t.Fatalf("missing parent: %v", err)
	}
}

func TestTarget_Matches(t *testing.T) {
	t.Parallel()

	target := enrich.Target{Name: "Île Saint-Louis", Parent: "Paris"}
	if !target.Matches(" île saint-louis", "PARIS ") {
		t.Fatalf("case and whitespace variants should match")
	}
	if target.Matches("Ile Saint-Louis", "Paris") {
		t.Fatalf("accent difference is a different key")
	}
	if target.Matches("Île Saint-Louis", "Lyon") {
		t.Fatalf("different parent should not match")
	}
}

func TestSlugify(t *testing.T) {
	t.Parallel()

	cases := []struct {
		in   string
		want string
	}{
		{"Koramangala", "koramangala"},
		{"  Embassy Lake Terraces  ", "embassy-lake-terraces"},
		{"St. Mark's -- Road!!", "st-mark-s-road"},
		{"...Phase 2...", "phase-2"},
		{"Île Saint-Louis", "île-saint-louis"},
		{"कोरमंगला", "कोरमंगला"},
		{"!!!", ""},
		{"", ""},
	}
	for _, tc := range cases {
		if got := enrich.Slugify(tc.in); got != tc.want {
			t.Fatalf("Slugify(%q)=%q want %q", tc.in, got, tc.want)
		}
	}
}

var slugShape = regexp.MustCompile(`^([\p{L}\p{M}\p{N}]+-)*[0-9a-f]{10}$`)

func TestTarget_Slug(t *testing.T) {
	t.Parallel()

	base := enrich.Target{Name: "Koramangala", Parent: "Bangalore"}
	slug := base.Slug()
	if !regexp.MustCompile(`^koramangala-bangalore-[0-9a-f]{10}$`).MatchString(slug) {
		t.Fatalf("Slug()=%q", slug)
	}

	// Stable across calls and across case and whitespace variants of the key.
	for _, v := range []enrich.Target{base, {Name: " koramangala ", Parent: "BANGALORE"}} {
		if got := v.Slug(); got != slug {
			t.Fatalf("Slug(%#v)=%q want %q", v, got, slug)
		}
	}

	distinct := [][2]enrich.Target{
		{{Name: "कोरमंगला", Parent: "Bangalore"}, {Name: "इंदिरानगर", Parent: "Bangalore"}},
		{{Name: "Whitefield", Parent: "Bangalore East"}, {Name: "Whitefield Bangalore", Parent: "East"}},
		{{Name: "St. Marks", Parent: "Bangalore"}, {Name: "St Marks", Parent: "Bangalore"}},
		{{Name: "!!!", Parent: "Bangalore"}, {Name: "???", Parent: "Bangalore"}},
		{{Name: "a|b", Parent: "c"}, {Name: "a", Parent: "b|c"}},
	}
	for _, pair := range distinct {
		a, b := pair[0].Slug(), pair[1].Slug()
		if a == b {
			t.Fatalf("%q and %q share slug %q", pair[0].ID(), pair[1].ID(), a)
		}
		for _, s := range []string{a, b} {
			if !slugShape.MatchString(s) {
				t.Fatalf("slug %q is not URL-safe", s)
			}
		}
	}
}
