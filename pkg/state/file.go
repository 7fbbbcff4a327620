package state

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/gofrs/flock"
	"github.com/oarkflow/json"
)

// FileStore keeps state in one JSON document. Commits replace the document
// atomically; a lock file serializes writers across processes.
type FileStore struct {
	path string
	lock *flock.Flock
	sem  semaphore
}

type fileWatermark struct {
	Key
	Cursor        string    `json:"cursor_value,omitempty"`
	SyncMode      string    `json:"sync_mode"`
	LastUpdatedAt time.Time `json:"last_updated_at"`
}

type fileDocument struct {
	Watermarks []fileWatermark `json:"watermarks"`
	History    []HistoryEntry  `json:"history"`
}

func OpenFile(path string) (*FileStore, error) {
	if path == "" {
		return nil, fmt.Errorf("file state store: empty path")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create state directory: %w", err)
	}
	return &FileStore{
		path: path,
		lock: flock.New(path + ".lock"),
		sem:  make(semaphore, 1),
	}, nil
}

func (s *FileStore) Begin(ctx context.Context) (Tx, error) {
	if err := s.sem.acquire(ctx); err != nil {
		return nil, err
	}
	locked, err := s.lock.TryLockContext(ctx, 25*time.Millisecond)
	if err != nil || !locked {
		s.sem.release()
		if err == nil {
			err = fmt.Errorf("could not lock %s", s.path)
		}
		return nil, err
	}
	release := func() {
		_ = s.lock.Unlock()
		s.sem.release()
	}
	watermarks, history, err := s.read()
	if err != nil {
		release()
		return nil, err
	}
	return newDocTx(watermarks, history, s.write, release), nil
}

func (s *FileStore) read() (map[Key]Watermark, []HistoryEntry, error) {
	watermarks := make(map[Key]Watermark)
	data, err := os.ReadFile(s.path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return watermarks, nil, nil
		}
		return nil, nil, err
	}
	if len(data) == 0 {
		return watermarks, nil, nil
	}
	var doc fileDocument
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, nil, fmt.Errorf("parse state file %s: %w", s.path, err)
	}
	for _, fw := range doc.Watermarks {
		v, err := DecodeCursor(fw.Cursor)
		if err != nil {
			return nil, nil, err
		}
		watermarks[fw.Key] = Watermark{Key: fw.Key, CursorValue: v, SyncMode: fw.SyncMode, LastUpdatedAt: fw.LastUpdatedAt}
	}
	return watermarks, doc.History, nil
}

func (s *FileStore) write(t *docTx) error {
	doc := fileDocument{History: append(t.history, t.appended...)}
	for _, wm := range sortedWatermarks(t.watermarks, "") {
		cursor, err := EncodeCursor(wm.CursorValue)
		if err != nil {
			return err
		}
		doc.Watermarks = append(doc.Watermarks, fileWatermark{Key: wm.Key, Cursor: cursor, SyncMode: wm.SyncMode, LastUpdatedAt: wm.LastUpdatedAt})
	}
	data, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("marshal state: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(s.path), filepath.Base(s.path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp state file: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return fmt.Errorf("write temp state file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return err
	}
	if err := os.Rename(tmpName, s.path); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("replace state file: %w", err)
	}
	return nil
}

func (s *FileStore) Close() error {
	return s.lock.Close()
}
