package gemini

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"strings"

	"google.golang.org/genai"

	"github.com/shpitdev/property-enrichment/internal/enrich"
)

type Config struct {
	APIKey string
	Model  string

	// BaseURL overrides the Gemini API base URL. Useful for proxies/testing.
	BaseURL string

	// CaptureAudit controls whether sources/queries are stored in the payload.
	CaptureAudit bool
}

type Enricher struct {
	client       *genai.Client
	model        string
	captureAudit bool
}

func New(ctx context.Context, cfg Config) (*Enricher, error) {
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, fmt.Errorf("GEMINI_API_KEY is required")
	}
	if strings.TrimSpace(cfg.Model) == "" {
		return nil, fmt.Errorf("GEMINI_MODEL is required")
	}

	cc := &genai.ClientConfig{
		APIKey:  strings.TrimSpace(cfg.APIKey),
		Backend: genai.BackendGeminiAPI,
	}
	if strings.TrimSpace(cfg.BaseURL) != "" {
		cc.HTTPOptions.BaseURL = strings.TrimSpace(cfg.BaseURL)
	}

	client, err := genai.NewClient(ctx, cc)
	if err != nil {
		return nil, err
	}
	return &Enricher{
		client:       client,
		model:        strings.TrimSpace(cfg.Model),
		captureAudit: cfg.CaptureAudit,
	}, nil
}

// DataSource names the research backend stored with every record.
func (e *Enricher) DataSource() string {
	return "gemini:" + e.model
}

type responseSchema struct {
	Overview        string   `json:"overview"`
	PriceRange      string   `json:"price_range"`
	Connectivity    []string `json:"connectivity"`
	Amenities       []string `json:"amenities"`
	MarketTrends    string   `json:"market_trends"`
	Pros            []string `json:"pros"`
	Cons            []string `json:"cons"`
	ConfidenceScore float64  `json:"confidence_score"`
}

var stringList = &genai.Schema{Type: genai.TypeArray, Items: &genai.Schema{Type: genai.TypeString}}

var outputSchema = &genai.Schema{
	Type: genai.TypeObject,
	Properties: map[string]*genai.Schema{
		"overview":         {Type: genai.TypeString},
		"price_range":      {Type: genai.TypeString},
		"connectivity":     stringList,
		"amenities":        stringList,
		"market_trends":    {Type: genai.TypeString},
		"pros":             stringList,
		"cons":             stringList,
		"confidence_score": {Type: genai.TypeNumber},
	},
	Required: []string{
		"overview",
		"price_range",
		"connectivity",
		"amenities",
		"market_trends",
		"pros",
		"cons",
		"confidence_score",
	},
}

func (e *Enricher) Enrich(ctx context.Context, req enrich.Request) (enrich.Record, error) {
	if err := req.Target.Validate(); err != nil {
		return enrich.Record{}, err
	}

	resp, err := e.client.Models.GenerateContent(
		ctx,
		e.model,
		genai.Text(buildPrompt(req)),
		&genai.GenerateContentConfig{
			Tools: []*genai.Tool{
				{GoogleSearch: &genai.GoogleSearch{}},
				{URLContext: &genai.URLContext{}},
			},
			CandidateCount:   1,
			ResponseMIMEType: "application/json",
			ResponseSchema:   outputSchema,
		},
	)
	if err != nil {
		return enrich.Record{}, classifyErr(err)
	}

	var parsed responseSchema
	if err := json.Unmarshal([]byte(resp.Text()), &parsed); err != nil {
		return enrich.Record{}, fmt.Errorf("gemini: parse structured json: %w", err)
	}

	rec := toRecord(parsed)
	rec.DataSource = e.DataSource()
	if e.captureAudit {
		rec.Payload["sources"] = extractSources(resp)
		rec.Payload["web_search_queries"] = extractWebSearchQueries(resp)
	}
	return rec, nil
}

func toRecord(p responseSchema) enrich.Record {
	score := p.ConfidenceScore
	if score < 0 {
		score = 0
	}
	if score > 1 {
		score = 1
	}
	return enrich.Record{
		Payload: map[string]any{
			"overview":      strings.TrimSpace(p.Overview),
			"price_range":   strings.TrimSpace(p.PriceRange),
			"connectivity":  trimAll(p.Connectivity),
			"amenities":     trimAll(p.Amenities),
			"market_trends": strings.TrimSpace(p.MarketTrends),
			"pros":          trimAll(p.Pros),
			"cons":          trimAll(p.Cons),
		},
		ConfidenceScore: score,
	}
}

func buildPrompt(req enrich.Request) string {
	q := strings.TrimSpace(req.Analysis.OptimizedQuery)
	if q == "" {
		q = req.Target.Query()
	}
	sources := "reputable property portals"
	if len(req.Analysis.TargetSources) > 0 {
		sources = strings.Join(req.Analysis.TargetSources, ", ")
	}
	category := string(req.Analysis.Category)
	if category == "" {
		category = "generic"
	}

	return strings.TrimSpace(`
You are a real-estate research tool. Use web search and URL context to research the
target below for home buyers. Prefer these sources, in order: ` + sources + `.

Target: ` + strings.TrimSpace(req.Target.Name) + `
Within: ` + strings.TrimSpace(req.Target.Parent) + `
Search query: ` + q + `
Query category: ` + category + `

Return ONLY a single JSON object with these keys:
- overview (string; two or three sentences)
- price_range (string; typical price per sq ft or unit price range, with currency)
- connectivity (array of strings; transit, highways, airport distance)
- amenities (array of strings; schools, hospitals, malls, parks nearby)
- market_trends (string; recent price movement and demand)
- pros (array of strings)
- cons (array of strings)
- confidence_score (number between 0 and 1)

Rules:
- If you cannot find a field, use an empty string or empty array.
- Do not include extra keys.
`)
}

func classifyErr(err error) error {
	// Wrap transient failures so the caller retries with backoff.
	var apiErr genai.APIError
	if errors.As(err, &apiErr) {
		if apiErr.Code == 429 || apiErr.Code/100 == 5 {
			return &enrich.TransientError{Err: err}
		}
		return err
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return &enrich.TransientError{Err: err}
	}
	return err
}

func extractSources(resp *genai.GenerateContentResponse) []string {
	if resp == nil || len(resp.Candidates) == 0 || resp.Candidates[0] == nil {
		return nil
	}
	c := resp.Candidates[0]

	var out []string
	if c.GroundingMetadata != nil {
		for _, chunk := range c.GroundingMetadata.GroundingChunks {
			if chunk == nil || chunk.Web == nil {
				continue
			}
			if strings.TrimSpace(chunk.Web.URI) != "" {
				out = append(out, strings.TrimSpace(chunk.Web.URI))
			}
		}
	}
	if c.URLContextMetadata != nil {
		for _, m := range c.URLContextMetadata.URLMetadata {
			if m == nil {
				continue
			}
			if strings.TrimSpace(m.RetrievedURL) != "" {
				out = append(out, strings.TrimSpace(m.RetrievedURL))
			}
		}
	}

	return dedupePreserveOrder(out)
}

func extractWebSearchQueries(resp *genai.GenerateContentResponse) []string {
	if resp == nil || len(resp.Candidates) == 0 || resp.Candidates[0] == nil {
		return nil
	}
	c := resp.Candidates[0]
	if c.GroundingMetadata == nil {
		return nil
	}
	return dedupePreserveOrder(c.GroundingMetadata.WebSearchQueries)
}

func trimAll(in []string) []string {
	out := make([]string, 0, len(in))
	for _, v := range in {
		if v = strings.TrimSpace(v); v != "" {
			out = append(out, v)
		}
	}
	return out
}

func dedupePreserveOrder(in []string) []string {
	seen := make(map[string]struct{}, len(in))
	out := make([]string, 0, len(in))
	for _, v := range in {
		v = strings.TrimSpace(v)
		if v == "" {
			continue
		}
		if _, ok := seen[v]; ok {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	return out
}
