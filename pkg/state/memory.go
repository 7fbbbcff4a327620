package state

import (
	"context"
)

// MemoryStore keeps state in process memory. Transactions are serialized.
type MemoryStore struct {
	sem        semaphore
	watermarks map[Key]Watermark
	history    []HistoryEntry
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		sem:        make(semaphore, 1),
		watermarks: make(map[Key]Watermark),
	}
}

func (s *MemoryStore) Begin(ctx context.Context) (Tx, error) {
	if err := s.sem.acquire(ctx); err != nil {
		return nil, err
	}
	return newDocTx(s.watermarks, s.history, func(t *docTx) error {
		s.watermarks = t.watermarks
		s.history = append(s.history, t.appended...)
		return nil
	}, s.sem.release), nil
}

func (s *MemoryStore) Close() error {
	return nil
}
