package history

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestStorePersistsAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state", "history.json")
	s, err := NewStore(path)
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}

	rec, err := s.Add(Record{
		Endpoint:     "/api/v1/course/create-course",
		ConnectionID: "abc123",
		Epoch:        1,
		Outcome:      OutcomeOK,
		ResourceID:   "42",
		LastProgress: "100%",
		Bytes:        2048,
	})
	if err != nil {
		t.Fatalf("Add: %v", err)
	}
	if rec.ID == "" || rec.DayKey == "" || rec.StartedAt.IsZero() {
		t.Fatalf("defaults not filled: %+v", rec)
	}

	reopened, err := NewStore(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	last, ok := reopened.Last()
	if !ok || last.ID != rec.ID || last.LastProgress != "100%" {
		t.Fatalf("last = %+v, %v", last, ok)
	}
}

func TestStoreRejectsCorruptJournal(t *testing.T) {
	path := filepath.Join(t.TempDir(), "history.json")
	if err := os.WriteFile(path, []byte("{not json"), 0644); err != nil {
		t.Fatal(err)
	}
	if _, err := NewStore(path); err == nil {
		t.Fatal("expected parse error")
	}
}

func TestQueryAndSummarize(t *testing.T) {
	s, _ := NewStore("")
	day := time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)
	_, _ = s.Add(Record{Endpoint: "/a", StartedAt: day, Outcome: OutcomeOK, Bytes: 10, DurationMS: 1000})
	_, _ = s.Add(Record{Endpoint: "/a", StartedAt: day, Outcome: OutcomeError, DurationMS: 500})
	_, _ = s.Add(Record{Endpoint: "/b", StartedAt: day.Add(24 * time.Hour), Outcome: OutcomeRejected, Status: 400})

	if got := s.Query(Filter{Endpoint: "/A"}); len(got) != 2 {
		t.Fatalf("endpoint filter returned %d", len(got))
	}
	if got := s.Query(Filter{DayKey: "2026-05-02"}); len(got) != 1 || got[0].Endpoint != "/b" {
		t.Fatalf("day filter returned %+v", got)
	}
	if got := s.Query(Filter{Limit: 1}); len(got) != 1 || got[0].Endpoint != "/b" {
		t.Fatalf("limit kept %+v", got)
	}

	sum := Summarize(s.Query(Filter{}))
	if sum.Submissions != 3 || sum.Succeeded != 1 || sum.Rejected != 1 || sum.Errored != 1 {
		t.Fatalf("summary = %+v", sum)
	}
	if sum.Bytes != 10 || sum.Duration != 1500*time.Millisecond {
		t.Fatalf("summary totals = %+v", sum)
	}
}
