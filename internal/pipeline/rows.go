// Package pipeline converts between batch CSV files and bulk work items and results.
package pipeline

import (
	"encoding/json"
	"strconv"
	"time"

	"github.com/shpitdev/property-enrichment/internal/bulk"
)

// Row is the stable output schema for one batch result.
type Row struct {
	TargetID     string
	Status       string
	Slug         string
	Confidence   string
	DataSource   string
	LastAnalyzed string
	Payload      string
	ErrorKind    string
	Error        string
}

// Header returns the stable CSV header for Row.
func Header() []string {
	return []string{
		"target_id",
		"status",
		"slug",
		"confidence",
		"data_source",
		"last_analyzed",
		"payload",
		"error_kind",
		"error",
	}
}

func (r Row) values() []string {
	return []string{
		r.TargetID,
		r.Status,
		r.Slug,
		r.Confidence,
		r.DataSource,
		r.LastAnalyzed,
		r.Payload,
		r.ErrorKind,
		r.Error,
	}
}

// FromResults flattens batch results into rows, one per result, in order.
func FromResults(results []bulk.Result) []Row {
	rows := make([]Row, 0, len(results))
	for _, res := range results {
		row := Row{TargetID: res.TargetID, Status: string(res.Status)}
		if res.Error != nil {
			row.ErrorKind = string(res.Error.Kind)
			row.Error = res.Error.Message
		}
		if rec := res.Record; rec != nil {
			row.Slug = rec.Slug
			row.Confidence = strconv.FormatFloat(rec.ConfidenceScore, 'f', -1, 64)
			row.DataSource = rec.DataSource
			if rec.LastAnalyzed != nil {
				row.LastAnalyzed = rec.LastAnalyzed.UTC().Format(time.RFC3339)
			}
			row.Payload = jsonObjectOrEmpty(rec.Payload)
		}
		rows = append(rows, row)
	}
	return rows
}

func jsonObjectOrEmpty(m map[string]any) string {
	if len(m) == 0 {
		return ""
	}
	b, err := json.Marshal(m)
	if err != nil {
		return ""
	}
	return string(b)
}
