package testutils

import (
	"context"
	"sync"

	"okx-trend-bot/internal/stats"
)

// MockNotifier records every message it is asked to send.
type MockNotifier struct {
	mu    sync.Mutex
	texts []string
	Err   error
}

func (n *MockNotifier) Notify(_ context.Context, text string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.Err != nil {
		return n.Err
	}
	n.texts = append(n.texts, text)
	return nil
}

// Sent returns a copy of everything notified so far.
func (n *MockNotifier) Sent() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]string, len(n.texts))
	copy(out, n.texts)
	return out
}

// MemStore keeps the day record in memory.
type MemStore struct {
	mu      sync.Mutex
	Rec     stats.DayRecord
	SaveErr error
	Saves   int
}

func (s *MemStore) Load() (stats.DayRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.Rec, nil
}

func (s *MemStore) Save(r stats.DayRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.SaveErr != nil {
		return s.SaveErr
	}
	s.Rec = r
	s.Saves++
	return nil
}
