package pipeline

import (
	"encoding/csv"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/shpitdev/property-enrichment/internal/bulk"
	"github.com/shpitdev/property-enrichment/internal/enrich"
)

// WriteCSV writes rows as a CSV with the stable Header() ordering.
func WriteCSV(w io.Writer, rows []Row) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(Header()); err != nil {
		return err
	}
	for _, r := range rows {
		if err := cw.Write(r.values()); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

// ReadItemsCSV reads work items from a CSV.
//
// Targets come from a "target_id" column ("<name>|<parent>") or from "name" and
// "parent" columns. An optional "skip_cache" column accepts strconv bools.
// Header names are case-insensitive and extra columns are ignored.
func ReadItemsCSV(r io.Reader) ([]bulk.WorkItem, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1

	header, err := cr.Read()
	if err != nil {
		return nil, fmt.Errorf("read header: %w", err)
	}
	index := make(map[string]int, len(header))
	for i, col := range header {
		index[strings.ToLower(strings.TrimSpace(col))] = i
	}
	_, hasID := index["target_id"]
	_, hasName := index["name"]
	_, hasParent := index["parent"]
	if !hasID && !(hasName && hasParent) {
		return nil, fmt.Errorf("missing required column %q (or %q and %q)", "target_id", "name", "parent")
	}

	var items []bulk.WorkItem
	for line := 2; ; line++ {
		rec, err := cr.Read()
		if err == io.EOF {
			return items, nil
		}
		if err != nil {
			return nil, fmt.Errorf("read row: %w", err)
		}

		get := func(col string) string {
			i, ok := index[col]
			if !ok || i >= len(rec) {
				return ""
			}
			return strings.TrimSpace(rec[i])
		}

		id := get("target_id")
		if id == "" && hasName {
			if get("name") == "" && get("parent") == "" {
				continue
			}
			id = enrich.Target{Name: get("name"), Parent: get("parent")}.ID()
		}
		if id == "" {
			continue
		}

		skip := false
		if v := get("skip_cache"); v != "" {
			skip, err = strconv.ParseBool(v)
			if err != nil {
				return nil, fmt.Errorf("line %d: skip_cache %q: %w", line, v, err)
			}
		}
		items = append(items, bulk.WorkItem{TargetID: id, SkipCache: skip})
	}
}
