// Package history keeps a local JSON journal of submissions so past uploads
// and their final progress can be reviewed after the channel is gone.
package history

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

type Outcome string

const (
	OutcomeOK       Outcome = "ok"
	OutcomeRejected Outcome = "rejected"
	OutcomeError    Outcome = "error"
)

type Record struct {
	ID           string    `json:"id"`
	DayKey       string    `json:"day_key"`
	Endpoint     string    `json:"endpoint"`
	ConnectionID string    `json:"connection_id,omitempty"`
	Epoch        uint64    `json:"epoch,omitempty"`
	StartedAt    time.Time `json:"started_at"`
	DurationMS   int64     `json:"duration_ms"`
	Outcome      Outcome   `json:"outcome"`
	Status       int       `json:"status,omitempty"`
	ResourceID   string    `json:"resource_id,omitempty"`
	Error        string    `json:"error,omitempty"`
	LastProgress string    `json:"last_progress,omitempty"`
	LastNotice   string    `json:"last_notice,omitempty"`
	Attachments  int       `json:"attachments"`
	Bytes        int64     `json:"bytes"`
}

type Filter struct {
	Endpoint string
	DayKey   string
	Outcome  Outcome
	Limit    int
}

type Summary struct {
	Submissions int
	Succeeded   int
	Rejected    int
	Errored     int
	Bytes       int64
	Duration    time.Duration
}

type Store struct {
	mu      sync.RWMutex
	records []Record
	path    string
}

// NewStore opens the journal at path. An empty path keeps records in memory.
func NewStore(path string) (*Store, error) {
	s := &Store{records: make([]Record, 0, 64), path: path}
	if path == "" {
		return s, nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("create history dir: %w", err)
	}
	if err := s.load(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Store) Path() string { return s.path }

// Add appends r, filling ID, DayKey and StartedAt when unset, and persists the
// journal.
func (s *Store) Add(r Record) (Record, error) {
	if r.StartedAt.IsZero() {
		r.StartedAt = time.Now().UTC()
	}
	if r.ID == "" {
		r.ID = "sub_" + uuid.NewString()
	}
	if r.DayKey == "" {
		r.DayKey = r.StartedAt.UTC().Format("2006-01-02")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.records = append(s.records, r)
	if err := s.saveLocked(); err != nil {
		return r, err
	}
	return r, nil
}

// Last returns the most recent record.
func (s *Store) Last() (Record, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if len(s.records) == 0 {
		return Record{}, false
	}
	return s.records[len(s.records)-1], true
}

// Query returns matching records oldest first; Limit keeps the newest ones.
func (s *Store) Query(f Filter) []Record {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]Record, 0, len(s.records))
	for _, r := range s.records {
		if f.Endpoint != "" && !strings.EqualFold(r.Endpoint, f.Endpoint) {
			continue
		}
		if f.DayKey != "" && r.DayKey != f.DayKey {
			continue
		}
		if f.Outcome != "" && r.Outcome != f.Outcome {
			continue
		}
		out = append(out, r)
	}
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[len(out)-f.Limit:]
	}
	return out
}

func Summarize(records []Record) Summary {
	var sum Summary
	for _, r := range records {
		sum.Submissions++
		switch r.Outcome {
		case OutcomeOK:
			sum.Succeeded++
			sum.Bytes += r.Bytes
		case OutcomeRejected:
			sum.Rejected++
		default:
			sum.Errored++
		}
		sum.Duration += time.Duration(r.DurationMS) * time.Millisecond
	}
	return sum
}

func (s *Store) load() error {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("read history: %w", err)
	}
	var records []Record
	if err := json.Unmarshal(data, &records); err != nil {
		return fmt.Errorf("parse history %s: %w", s.path, err)
	}
	s.records = records
	return nil
}

func (s *Store) saveLocked() error {
	if s.path == "" {
		return nil
	}
	data, err := json.MarshalIndent(s.records, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal history: %w", err)
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return fmt.Errorf("write history temp: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("replace history: %w", err)
	}
	return nil
}
