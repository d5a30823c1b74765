package enrich

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"time"
	"unicode"

	"github.com/shpitdev/property-enrichment/internal/query"
)

// targetIDSep separates the target name from its parent in a TargetID.
const targetIDSep = "|"

// Target is the natural key of an enrichable entity: a locality or property
// name plus the name of its parent (usually a city).
type Target struct {
	Name   string
	Parent string
}

// ParseTargetID splits "<name>|<parent>" into a Target.
func ParseTargetID(id string) (Target, error) {
	name, parent, ok := strings.Cut(id, targetIDSep)
	if !ok {
		return Target{}, Validationf("target id %q: expected <name>%s<parent>", id, targetIDSep)
	}
	t := Target{Name: strings.TrimSpace(name), Parent: strings.TrimSpace(parent)}
	if err := t.Validate(); err != nil {
		return Target{}, err
	}
	return t, nil
}

// Clean trims both halves of the key.
func (t Target) Clean() Target {
	return Target{Name: strings.TrimSpace(t.Name), Parent: strings.TrimSpace(t.Parent)}
}

// Validate reports whether both halves of the natural key are present.
func (t Target) Validate() error {
	if strings.TrimSpace(t.Name) == "" {
		return Validationf("target name is required")
	}
	if strings.TrimSpace(t.Parent) == "" {
		return Validationf("parent name is required")
	}
	return nil
}

// ID renders the target back into its "<name>|<parent>" form.
func (t Target) ID() string {
	return strings.TrimSpace(t.Name) + targetIDSep + strings.TrimSpace(t.Parent)
}

// Slug returns the stable URL-safe alias for the target: the slugified name
// and parent followed by a short digest of the case-folded key. Two keys share
// a slug only if they are equal ignoring case and surrounding whitespace.
func (t Target) Slug() string {
	t = t.Clean()
	sum := sha256.Sum256([]byte(strings.ToLower(t.Name) + "\x00" + strings.ToLower(t.Parent)))
	digest := hex.EncodeToString(sum[:slugDigestBytes])

	parts := make([]string, 0, 3)
	for _, p := range []string{Slugify(t.Name), Slugify(t.Parent)} {
		if p != "" {
			parts = append(parts, p)
		}
	}
	return strings.Join(append(parts, digest), "-")
}

const slugDigestBytes = 5

// Matches reports whether name and parent form the same natural key as t,
// ignoring case and surrounding whitespace.
func (t Target) Matches(name, parent string) bool {
	t = t.Clean()
	return strings.ToLower(t.Name) == strings.ToLower(strings.TrimSpace(name)) &&
		strings.ToLower(t.Parent) == strings.ToLower(strings.TrimSpace(parent))
}

// Query is the free-text research query for the target.
func (t Target) Query() string {
	return strings.TrimSpace(t.Name) + " " + strings.TrimSpace(t.Parent)
}

// Slugify lowercases s and collapses every run of characters that are not
// Unicode letters, combining marks or digits into a single '-'.
func Slugify(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	pendingDash := false
	for _, r := range strings.ToLower(strings.TrimSpace(s)) {
		if !unicode.IsLetter(r) && !unicode.IsMark(r) && !unicode.IsDigit(r) {
			pendingDash = b.Len() > 0
			continue
		}
		if pendingDash {
			b.WriteByte('-')
			pendingDash = false
		}
		b.WriteRune(r)
	}
	return b.String()
}

// Record is the persisted enrichment result for one target.
type Record struct {
	ID         int64  `json:"id"`
	ParentID   int64  `json:"parentId"`
	TargetName string `json:"targetName"`
	ParentName string `json:"parentName"`
	Slug       string `json:"slug"`

	// Payload holds the free-form research sections (overview, amenities, ...).
	Payload map[string]any `json:"payload"`

	ConfidenceScore float64 `json:"confidenceScore"`
	// LastAnalyzed is nil for placeholder rows that were never enriched.
	LastAnalyzed *time.Time `json:"lastAnalyzed"`
	DataSource   string     `json:"dataSource"`

	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Analyzed reports whether the record counts as a cache hit.
func (r Record) Analyzed() bool {
	return r.LastAnalyzed != nil && !r.LastAnalyzed.IsZero()
}

// Request is one research call.
type Request struct {
	Target   Target
	Analysis query.Analysis
}

// Enricher performs the external research call for a single target.
type Enricher interface {
	Enrich(ctx context.Context, req Request) (Record, error)
}

// EnricherFunc adapts a function to the Enricher interface.
type EnricherFunc func(ctx context.Context, req Request) (Record, error)

func (f EnricherFunc) Enrich(ctx context.Context, req Request) (Record, error) {
	return f(ctx, req)
}

// TransientError marks an error as retryable.
//
// Callers should retry transient failures with backoff rather than immediately
// failing the item.
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string {
	if e == nil || e.Err == nil {
		return "transient error"
	}
	return e.Err.Error()
}

func (e *TransientError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}
