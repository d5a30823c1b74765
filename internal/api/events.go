package api

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/shpitdev/property-enrichment/internal/bulk"
	"github.com/shpitdev/property-enrichment/internal/cooldown"
)

const (
	eventCooldown    = "cooldown"
	eventCooldownEnd = "cooldown_end"
	eventResult      = "result"
	eventDone        = "done"
)

// event is one NDJSON line of a /bulk/run stream.
type event struct {
	Type string `json:"type"`

	RequestID    string           `json:"requestId,omitempty"`
	WaitSeconds  float64          `json:"waitSeconds,omitempty"`
	NextTargetID string           `json:"nextTargetId,omitempty"`
	Outcome      cooldown.Outcome `json:"outcome,omitempty"`

	Index  *int         `json:"index,omitempty"`
	Result *bulk.Result `json:"result,omitempty"`

	Cached   *int   `json:"cached,omitempty"`
	Enriched *int   `json:"enriched,omitempty"`
	Failed   *int   `json:"failed,omitempty"`
	Error    string `json:"error,omitempty"`
}

// eventStream writes batch progress as NDJSON, flushing after every line so
// the cooldown request id reaches the client while the wait is still pending.
type eventStream struct {
	enc     *json.Encoder
	flusher http.Flusher
	logger  *slog.Logger
	broken  bool
}

var _ bulk.Observer = (*eventStream)(nil)

func newEventStream(w http.ResponseWriter, logger *slog.Logger) *eventStream {
	f, _ := w.(http.Flusher)
	return &eventStream{enc: json.NewEncoder(w), flusher: f, logger: logger}
}

func (s *eventStream) send(ev event) {
	if s.broken {
		return
	}
	if err := s.enc.Encode(ev); err != nil {
		// The client went away; the batch keeps running until its context ends.
		s.broken = true
		s.logger.Warn("event stream write failed", "type", ev.Type, "error", err)
		return
	}
	if s.flusher != nil {
		s.flusher.Flush()
	}
}

func (s *eventStream) CooldownStarted(requestID string, wait time.Duration, nextTargetID string) {
	s.send(event{
		Type:         eventCooldown,
		RequestID:    requestID,
		WaitSeconds:  wait.Seconds(),
		NextTargetID: nextTargetID,
	})
}

func (s *eventStream) CooldownEnded(requestID string, outcome cooldown.Outcome) {
	s.send(event{Type: eventCooldownEnd, RequestID: requestID, Outcome: outcome})
}

func (s *eventStream) ItemDone(index int, res bulk.Result) {
	s.send(event{Type: eventResult, Index: &index, Result: &res})
}
