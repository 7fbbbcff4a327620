package fileutil

import (
	"bufio"
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/gofrs/flock"
	"github.com/oarkflow/json"

	"github.com/oarkflow/sqlflow/pkg/utils"
)

// Writer writes records to one file while holding a lock on <path>.lock.
// Overwrites go to a temp file that replaces path on Close; appends write
// in place and are only supported for CSV and NDJSON.
type Writer struct {
	path       string
	format     string
	appendMode bool
	lock       *flock.Flock
	file       *os.File
	buf        *bufio.Writer
	csv        *csv.Writer
	header     []string
	count      int64
	closed     bool
}

func NewWriter(path, format string, appendMode bool) (*Writer, error) {
	if format == "" {
		format = FormatOf(path)
	}
	switch format {
	case FormatCSV, FormatNDJSON:
	case FormatJSON:
		if appendMode {
			return nil, fmt.Errorf("append is not supported for %s files", format)
		}
	default:
		return nil, fmt.Errorf("unsupported file format: %q", format)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	lock := flock.New(path + ".lock")
	if err := lock.Lock(); err != nil {
		return nil, fmt.Errorf("lock %s: %w", path, err)
	}
	w := &Writer{path: path, format: format, appendMode: appendMode, lock: lock}
	var err error
	if appendMode {
		w.file, err = os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_APPEND, 0o644)
		if err == nil && format == FormatCSV {
			err = w.readExistingHeader()
		}
	} else {
		w.file, err = os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".tmp-*")
	}
	if err != nil {
		_ = lock.Unlock()
		return nil, err
	}
	w.buf = bufio.NewWriter(w.file)
	if format == FormatCSV {
		w.csv = csv.NewWriter(w.buf)
	}
	if format == FormatJSON {
		_, _ = w.buf.WriteString("[")
	}
	return w, nil
}

func (w *Writer) readExistingHeader() error {
	f, err := os.Open(w.path)
	if err != nil {
		return err
	}
	defer f.Close()
	header, err := csv.NewReader(f).Read()
	if err == nil {
		w.header = header
	}
	return nil
}

// WriteRecords writes records in column order. For CSV the first call fixes
// the header.
func (w *Writer) WriteRecords(columns []string, records []utils.Record) error {
	if w.closed {
		return fmt.Errorf("write to closed file %s", w.path)
	}
	for _, rec := range records {
		if err := w.writeOne(columns, rec); err != nil {
			return err
		}
		w.count++
	}
	if w.csv != nil {
		w.csv.Flush()
		return w.csv.Error()
	}
	return nil
}

func (w *Writer) writeOne(columns []string, rec utils.Record) error {
	switch w.format {
	case FormatCSV:
		if w.header == nil {
			w.header = columns
			if len(w.header) == 0 {
				w.header = utils.Columns([]utils.Record{rec})
			}
			if err := w.csv.Write(w.header); err != nil {
				return err
			}
		}
		return w.csv.Write(csvRow(w.header, rec))
	case FormatJSON:
		data, err := json.Marshal(rec)
		if err != nil {
			return err
		}
		if w.count > 0 {
			_, _ = w.buf.WriteString(",")
		}
		_, _ = w.buf.WriteString("\n")
		_, err = w.buf.Write(data)
		return err
	default:
		data, err := json.Marshal(rec)
		if err != nil {
			return err
		}
		_, _ = w.buf.Write(data)
		return w.buf.WriteByte('\n')
	}
}

func (w *Writer) Count() int64 { return w.count }

// Close flushes, publishes the file and releases the lock.
func (w *Writer) Close() error {
	if w.closed {
		return nil
	}
	w.closed = true
	defer w.lock.Unlock()
	if w.format == FormatJSON {
		_, _ = w.buf.WriteString("\n]\n")
	}
	err := w.buf.Flush()
	if err == nil {
		err = w.file.Sync()
	}
	if cerr := w.file.Close(); err == nil {
		err = cerr
	}
	if w.appendMode {
		return err
	}
	if err != nil {
		_ = os.Remove(w.file.Name())
		return err
	}
	return os.Rename(w.file.Name(), w.path)
}

// Abort discards an overwrite in progress.
func (w *Writer) Abort() {
	if w.closed {
		return
	}
	w.closed = true
	_ = w.file.Close()
	if !w.appendMode {
		_ = os.Remove(w.file.Name())
	}
	_ = w.lock.Unlock()
}

func csvRow(header []string, rec utils.Record) []string {
	row := make([]string, len(header))
	for i, key := range header {
		row[i] = FormatValue(rec[key])
	}
	return row
}

// FormatValue renders a value for a CSV cell.
func FormatValue(val any) string {
	switch v := val.(type) {
	case nil:
		return ""
	case string:
		return v
	case []byte:
		return string(v)
	case int:
		return strconv.Itoa(v)
	case int64:
		return strconv.FormatInt(v, 10)
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(v)
	case time.Time:
		return v.UTC().Format(time.RFC3339Nano)
	case map[string]any, []any:
		data, _ := json.Marshal(v)
		return string(data)
	default:
		return fmt.Sprintf("%v", v)
	}
}
