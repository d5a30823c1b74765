package pipeline_test

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"github.com/shpitdev/property-enrichment/internal/bulk"
	"github.com/shpitdev/property-enrichment/internal/enrich"
	"github.com/shpitdev/property-enrichment/internal/pipeline"
)

func TestReadItemsCSV(t *testing.T) {
	t.Run("target_id column", func(t *testing.T) {
		in := "target_id,skip_cache,notes\nKoramangala|Bangalore,,x\nHebbal|Bangalore,true,y\n\n"
		got, err := pipeline.ReadItemsCSV(strings.NewReader(in))
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if len(got) != 2 {
			t.Fatalf("expected 2 items, got %#v", got)
		}
		if got[0].TargetID != "Koramangala|Bangalore" || got[0].SkipCache {
			t.Fatalf("unexpected item[0]: %#v", got[0])
		}
		if got[1].TargetID != "Hebbal|Bangalore" || !got[1].SkipCache {
			t.Fatalf("unexpected item[1]: %#v", got[1])
		}
	})

	t.Run("name and parent columns", func(t *testing.T) {
		in := "Name,Parent\n Embassy Lake Terraces , Hebbal \n"
		got, err := pipeline.ReadItemsCSV(strings.NewReader(in))
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if len(got) != 1 || got[0].TargetID != "Embassy Lake Terraces|Hebbal" {
			t.Fatalf("unexpected items: %#v", got)
		}
	})

	t.Run("missing columns errors", func(t *testing.T) {
		if _, err := pipeline.ReadItemsCSV(strings.NewReader("name\nx\n")); err == nil {
			t.Fatalf("expected error")
		}
	})

	t.Run("bad skip_cache errors", func(t *testing.T) {
		in := "target_id,skip_cache\nHebbal|Bangalore,maybe\n"
		if _, err := pipeline.ReadItemsCSV(strings.NewReader(in)); err == nil || !strings.Contains(err.Error(), "line 2") {
			t.Fatalf("expected line error, got %v", err)
		}
	})
}

func TestFromResultsAndWriteCSV(t *testing.T) {
	analyzed := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	rows := pipeline.FromResults([]bulk.Result{
		{
			TargetID: "Hebbal|Bangalore",
			Status:   bulk.StatusEnriched,
			Record: &enrich.Record{
				Slug:            "hebbal-bangalore",
				Payload:         map[string]any{"overview": "north"},
				ConfidenceScore: 0.75,
				DataSource:      "gemini:test",
				LastAnalyzed:    &analyzed,
			},
		},
		{
			TargetID: "Whitefield|Bangalore",
			Status:   bulk.StatusFailed,
			Error:    &bulk.ErrorInfo{Kind: enrich.KindUpstream, Message: "quota"},
		},
	})
	if len(rows) != 2 {
		t.Fatalf("expected 2 rows, got %d", len(rows))
	}
	if rows[0].Confidence != "0.75" || rows[0].LastAnalyzed != "2026-03-01T12:00:00Z" || rows[0].Payload != `{"overview":"north"}` {
		t.Fatalf("unexpected row[0]: %#v", rows[0])
	}
	if rows[1].ErrorKind != "upstream" || rows[1].Error != "quota" || rows[1].Slug != "" {
		t.Fatalf("unexpected row[1]: %#v", rows[1])
	}

	var buf bytes.Buffer
	if err := pipeline.WriteCSV(&buf, rows); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	out := buf.String()
	if !strings.HasPrefix(out, "target_id,status,slug,confidence,data_source,last_analyzed,payload,error_kind,error\n") {
		t.Fatalf("unexpected header: %q", out)
	}
	if !strings.Contains(out, "\nWhitefield|Bangalore,failed,,,,,,upstream,quota\n") {
		t.Fatalf("unexpected body: %q", out)
	}
}
