// Package mockgemini serves a minimal Gemini generateContent surface with
// canned research payloads, for local runs and tests via GEMINI_BASE_URL.
package mockgemini

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
)

// Call records a request made to the mock service.
type Call struct {
	Method string
	Path   string
	Model  string
	Prompt string
}

// Payload is the research document returned as the model's JSON text.
type Payload struct {
	Overview        string   `json:"overview"`
	PriceRange      string   `json:"price_range"`
	Connectivity    []string `json:"connectivity"`
	Amenities       []string `json:"amenities"`
	MarketTrends    string   `json:"market_trends"`
	Pros            []string `json:"pros"`
	Cons            []string `json:"cons"`
	ConfidenceScore float64  `json:"confidence_score"`
}

// Server implements a minimal "Gemini-like" generateContent API surface.
type Server struct {
	mu    sync.Mutex
	calls []Call

	expectedAPIKey string
	payload        Payload

	// failures holds status codes returned, in order, before any success.
	failures []int
}

// New constructs a mock server that answers every request with payload.
func New(payload Payload) *Server {
	return &Server{payload: payload}
}

// DefaultPayload is a plausible locality report.
func DefaultPayload() Payload {
	return Payload{
		Overview:        "Established residential locality with mixed apartments and independent homes.",
		PriceRange:      "INR 9,000 - 14,000 per sq ft",
		Connectivity:    []string{"Metro station within 2 km", "Outer Ring Road access"},
		Amenities:       []string{"Schools", "Hospitals", "Parks"},
		MarketTrends:    "Steady appreciation with strong rental demand.",
		Pros:            []string{"Good connectivity"},
		Cons:            []string{"Peak-hour traffic"},
		ConfidenceScore: 0.72,
	}
}

// RequireAPIKey enforces that requests carry the key in x-goog-api-key or
// the key query parameter. If key is empty, it is not enforced.
func (s *Server) RequireAPIKey(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.expectedAPIKey = strings.TrimSpace(key)
}

// FailNext makes the next len(codes) requests fail with the given statuses.
func (s *Server) FailNext(codes ...int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failures = append(s.failures, codes...)
}

// Handler returns an http.Handler that serves the mock API.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/", s.handleModels)
	return mux
}

// Calls returns a snapshot of calls made to the server.
func (s *Server) Calls() []Call {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Call, len(s.calls))
	copy(out, s.calls)
	return out
}

func (s *Server) authorize(w http.ResponseWriter, r *http.Request) bool {
	s.mu.Lock()
	expected := s.expectedAPIKey
	s.mu.Unlock()

	if expected == "" {
		return true
	}
	got := r.Header.Get("x-goog-api-key")
	if got == "" {
		got = r.URL.Query().Get("key")
	}
	if got != expected {
		writeStatus(w, http.StatusUnauthorized, "API key not valid")
		return false
	}
	return true
}

func (s *Server) handleModels(w http.ResponseWriter, r *http.Request) {
	// /{version}/models/{model}:generateContent
	model, ok := parseGenerateContentPath(r.URL.Path)
	if !ok {
		http.NotFound(w, r)
		return
	}
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, 8<<20))
	if err != nil {
		http.Error(w, "read body failed", http.StatusBadRequest)
		return
	}
	s.record(Call{Method: r.Method, Path: r.URL.Path, Model: model, Prompt: promptText(body)})

	if !s.authorize(w, r) {
		return
	}
	if code, fail := s.nextFailure(); fail {
		writeStatus(w, code, fmt.Sprintf("injected failure %d", code))
		return
	}

	s.mu.Lock()
	payload := s.payload
	s.mu.Unlock()
	text, err := json.Marshal(payload)
	if err != nil {
		http.Error(w, "encode payload failed", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"candidates": []any{
			map[string]any{
				"content": map[string]any{
					"role":  "model",
					"parts": []any{map[string]any{"text": string(text)}},
				},
				"finishReason": "STOP",
			},
		},
		"modelVersion": model,
	})
}

func (s *Server) record(c Call) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, c)
}

func (s *Server) nextFailure() (int, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.failures) == 0 {
		return 0, false
	}
	code := s.failures[0]
	s.failures = s.failures[1:]
	return code, true
}

func parseGenerateContentPath(p string) (string, bool) {
	rest, ok := strings.CutSuffix(p, ":generateContent")
	if !ok {
		return "", false
	}
	i := strings.Index(rest, "/models/")
	if i < 0 {
		return "", false
	}
	model := rest[i+len("/models/"):]
	if model == "" || strings.Contains(model, "/") {
		return "", false
	}
	return model, true
}

// promptText extracts the concatenated user text from a generateContent body.
func promptText(body []byte) string {
	var req struct {
		Contents []struct {
			Parts []struct {
				Text string `json:"text"`
			} `json:"parts"`
		} `json:"contents"`
	}
	if err := json.Unmarshal(body, &req); err != nil {
		return ""
	}
	var b strings.Builder
	for _, c := range req.Contents {
		for _, p := range c.Parts {
			b.WriteString(p.Text)
		}
	}
	return b.String()
}

func writeStatus(w http.ResponseWriter, code int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"error": map[string]any{
			"code":    code,
			"message": msg,
			"status":  http.StatusText(code),
		},
	})
}
