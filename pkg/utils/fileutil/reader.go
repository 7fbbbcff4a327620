// Package fileutil reads and writes record files in CSV, JSON array and
// newline-delimited JSON form.
package fileutil

import (
	"bufio"
	"bytes"
	"encoding/csv"
	"fmt"
	"io"
	"iter"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/oarkflow/json"
	"github.com/oarkflow/log"

	"github.com/oarkflow/sqlflow/pkg/utils"
)

const (
	FormatCSV    = "csv"
	FormatJSON   = "json"
	FormatNDJSON = "ndjson"
)

// FormatOf maps a file extension to a format name.
func FormatOf(filename string) string {
	switch strings.ToLower(strings.TrimPrefix(filepath.Ext(filename), ".")) {
	case "csv":
		return FormatCSV
	case "json":
		return FormatJSON
	case "ndjson", "jsonl":
		return FormatNDJSON
	}
	return ""
}

// ReadFile streams the records of filename in the given format, or the
// format implied by its extension when format is empty.
func ReadFile(filename, format string) iter.Seq2[utils.Record, error] {
	return func(yield func(utils.Record, error) bool) {
		if format == "" {
			format = FormatOf(filename)
		}
		f, err := os.Open(filename)
		if err != nil {
			yield(nil, err)
			return
		}
		defer f.Close()
		for rec, err := range Decode(f, format) {
			if !yield(rec, err) || err != nil {
				return
			}
		}
	}
}

// Decode streams records from r.
func Decode(r io.Reader, format string) iter.Seq2[utils.Record, error] {
	switch format {
	case FormatCSV:
		return decodeCSV(r)
	case FormatJSON:
		return decodeJSON(r)
	case FormatNDJSON:
		return decodeNDJSON(r)
	}
	return func(yield func(utils.Record, error) bool) {
		yield(nil, fmt.Errorf("unsupported file format: %q", format))
	}
}

func decodeCSV(r io.Reader) iter.Seq2[utils.Record, error] {
	return func(yield func(utils.Record, error) bool) {
		reader := csv.NewReader(r)
		reader.ReuseRecord = true
		headers, err := reader.Read()
		if err == io.EOF {
			return
		}
		if err != nil {
			yield(nil, err)
			return
		}
		header := make([]string, len(headers))
		copy(header, headers)
		for {
			record, err := reader.Read()
			if err == io.EOF {
				return
			}
			if err != nil {
				yield(nil, err)
				return
			}
			row := make(utils.Record, len(header))
			for i, h := range header {
				if i < len(record) {
					row[h] = InferValue(record[i])
				} else {
					row[h] = nil
				}
			}
			if !yield(row, nil) {
				return
			}
		}
	}
}

// decodeJSON accepts either a JSON array of objects or a stream of objects.
func decodeJSON(r io.Reader) iter.Seq2[utils.Record, error] {
	return func(yield func(utils.Record, error) bool) {
		br := bufio.NewReader(r)
		first, err := peekNonSpace(br)
		if err == io.EOF {
			return
		}
		if err != nil {
			yield(nil, err)
			return
		}
		decoder := json.NewDecoder(br)
		if first == '[' {
			if _, err := decoder.Token(); err != nil {
				yield(nil, err)
				return
			}
		}
		for decoder.More() {
			var obj utils.Record
			if err := decoder.Decode(&obj); err != nil {
				yield(nil, err)
				return
			}
			if !yield(NormalizeJSON(obj), nil) {
				return
			}
		}
	}
}

func decodeNDJSON(r io.Reader) iter.Seq2[utils.Record, error] {
	return func(yield func(utils.Record, error) bool) {
		scanner := bufio.NewScanner(r)
		scanner.Buffer(make([]byte, 64*1024), 16*1024*1024)
		line := 0
		for scanner.Scan() {
			line++
			b := bytes.TrimSpace(scanner.Bytes())
			if len(b) == 0 {
				continue
			}
			var obj utils.Record
			if err := json.Unmarshal(b, &obj); err != nil {
				log.Printf("skipping invalid JSON on line %d: %v", line, err)
				continue
			}
			if !yield(NormalizeJSON(obj), nil) {
				return
			}
		}
		if err := scanner.Err(); err != nil {
			yield(nil, err)
		}
	}
}

func peekNonSpace(br *bufio.Reader) (byte, error) {
	for {
		b, err := br.ReadByte()
		if err != nil {
			return 0, err
		}
		if b == ' ' || b == '\n' || b == '\r' || b == '\t' {
			continue
		}
		return b, br.UnreadByte()
	}
}

// InferValue types a CSV cell: integers, then floats, then booleans; anything
// else stays text. Empty cells are NULL.
func InferValue(s string) any {
	if s == "" {
		return nil
	}
	if len(s) > 1 && s[0] == '0' && s[1] != '.' {
		return s
	}
	if i, err := strconv.ParseInt(s, 10, 64); err == nil {
		return i
	}
	if f, err := strconv.ParseFloat(s, 64); err == nil && !math.IsInf(f, 0) && !math.IsNaN(f) {
		return f
	}
	switch s {
	case "true", "TRUE", "True":
		return true
	case "false", "FALSE", "False":
		return false
	}
	return s
}

// NormalizeJSON turns integral float64 values into int64, since JSON numbers
// decode as float64.
func NormalizeJSON(rec utils.Record) utils.Record {
	for k, v := range rec {
		if f, ok := v.(float64); ok && f == math.Trunc(f) && math.Abs(f) < 1<<53 {
			rec[k] = int64(f)
		}
	}
	return rec
}
