// Package utils holds the record type shared by connectors, the engine and
// transformers.
package utils

import "sort"

type Record = map[string]any

// Columns returns the sorted union of keys across records.
func Columns(records []Record) []string {
	seen := make(map[string]struct{})
	var cols []string
	for _, rec := range records {
		for k := range rec {
			if _, ok := seen[k]; ok {
				continue
			}
			seen[k] = struct{}{}
			cols = append(cols, k)
		}
	}
	sort.Strings(cols)
	return cols
}

// Project keeps only columns; missing ones become nil. No columns means the
// record itself.
func Project(rec Record, columns []string) Record {
	if len(columns) == 0 {
		return rec
	}
	out := make(Record, len(columns))
	for _, c := range columns {
		out[c] = rec[c]
	}
	return out
}

func CloneRecord(rec Record) Record {
	out := make(Record, len(rec))
	for k, v := range rec {
		out[k] = v
	}
	return out
}
