package stats

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sync"
)

// DayRecord is the persisted per-day accounting state. A zero Date means
// no record exists yet.
type DayRecord struct {
	Date        string       `json:"date"`
	TradesToday int          `json:"trades_today"`
	LossStreak  int          `json:"loss_streak"`
	Halted      bool         `json:"halted"`
	Wins        int          `json:"wins"`
	Losses      int          `json:"losses"`
	RealizedPnL float64      `json:"realized_pnl"`
	Trades      []TradeEntry `json:"trades"`
}

// TradeEntry is one closed trade inside a DayRecord.
type TradeEntry struct {
	Time   string  `json:"time"`
	InstID string  `json:"inst_id"`
	Side   string  `json:"side"`
	Entry  float64 `json:"entry"`
	Close  float64 `json:"close"`
	Qty    float64 `json:"qty"`
	PnL    float64 `json:"pnl_usdt"`
	Reason string  `json:"reason"`
}

// Store persists the current DayRecord. Absence on load is a fresh day,
// not an error.
type Store interface {
	Load() (DayRecord, error)
	Save(DayRecord) error
}

// FileStore keeps the record in a single JSON file.
type FileStore struct {
	path string
	mu   sync.Mutex
}

func NewFileStore(path string) *FileStore {
	return &FileStore{path: path}
}

func (s *FileStore) Load() (DayRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.path == "" {
		return DayRecord{}, errors.New("empty stats path")
	}
	data, err := os.ReadFile(s.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return DayRecord{}, nil
		}
		return DayRecord{}, err
	}
	if len(data) == 0 {
		return DayRecord{}, nil
	}
	var rec DayRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return DayRecord{}, err
	}
	return rec, nil
}

func (s *FileStore) Save(rec DayRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.path == "" {
		return errors.New("empty stats path")
	}
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return err
	}
	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(s.path, data, 0o644)
}
