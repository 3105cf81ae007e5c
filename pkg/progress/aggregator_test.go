package progress

import (
	"testing"

	"github.com/coursehub/coursehub/pkg/bus"
	"github.com/coursehub/coursehub/pkg/correlation"
)

func TestLatestWriteWins(t *testing.T) {
	b := bus.NewBus()
	a := NewAggregator()
	a.Attach(b)

	b.Publish(bus.Event{Kind: bus.KindProgress, Text: "10%", Epoch: 1})
	b.Publish(bus.Event{Kind: bus.KindProgress, Text: "55%", Epoch: 1})
	b.Publish(bus.Event{Kind: bus.KindNotice, Text: "hello", Epoch: 1})

	snap := a.Snapshot()
	if snap.Progress != "55%" || snap.Notice != "hello" {
		t.Fatalf("snapshot = %+v", snap)
	}
	if snap.Updates != 3 {
		t.Fatalf("updates = %d", snap.Updates)
	}
	if a.LatestProgress() != "55%" || a.LatestNotice() != "hello" {
		t.Fatal("latest accessors disagree with snapshot")
	}
}

func TestAttachIsIdempotent(t *testing.T) {
	b := bus.NewBus()
	a := NewAggregator()
	a.Attach(b)
	a.Attach(b)

	count := 0
	a.OnProgress(func(bus.Event) { count++ })
	b.Publish(bus.Event{Kind: bus.KindProgress, Text: "1"})
	if count != 1 {
		t.Fatalf("handler ran %d times, want 1", count)
	}

	a.Detach(b)
	b.Publish(bus.Event{Kind: bus.KindProgress, Text: "2"})
	if count != 1 || a.LatestProgress() != "1" {
		t.Fatal("events still delivered after Detach")
	}
}

func TestSubscriptionsFanOut(t *testing.T) {
	b := bus.NewBus()
	a := NewAggregator()
	a.Attach(b)

	var notices []string
	sub := a.OnNotice(func(e bus.Event) { notices = append(notices, e.Text) })
	var outcome bus.Outcome
	a.OnTerminal(func(e bus.Event) { outcome = ParseOutcome(e.Text) })

	b.Publish(bus.Event{Kind: bus.KindNotice, Text: "a"})
	sub.Cancel()
	b.Publish(bus.Event{Kind: bus.KindNotice, Text: "b"})
	b.Publish(bus.Event{Kind: bus.KindTerminal, Text: `{"success":false,"message":"transcode failed"}`})

	if len(notices) != 1 || notices[0] != "a" {
		t.Fatalf("notices = %v", notices)
	}
	if outcome.Success || outcome.Message != "transcode failed" {
		t.Fatalf("outcome = %+v", outcome)
	}
	if snap := a.Snapshot(); snap.Notice != "b" || snap.Terminal == nil || snap.Terminal.Success {
		t.Fatalf("snapshot = %+v", snap)
	}
}

func TestStalePolicy(t *testing.T) {
	reg := correlation.NewRegistry()
	reg.Set("abc123", 1)

	accept := NewAggregator(WithStalePolicy(AcceptStale, reg))
	drop := NewAggregator(WithStalePolicy(DropStale, reg))
	b := bus.NewBus()
	accept.Attach(b)
	drop.Attach(b)

	b.Publish(bus.Event{Kind: bus.KindProgress, Text: "fresh", Epoch: 1})
	b.Publish(bus.Event{Kind: bus.KindProgress, Text: "late", Epoch: 2})

	if got := accept.LatestProgress(); got != "late" {
		t.Fatalf("accept policy progress = %q", got)
	}
	snap := drop.Snapshot()
	if snap.Progress != "fresh" || snap.Dropped != 1 {
		t.Fatalf("drop policy snapshot = %+v", snap)
	}

	reg.Set("xyz789", 2)
	b.Publish(bus.Event{Kind: bus.KindProgress, Text: "renewed", Epoch: 2})
	if got := drop.LatestProgress(); got != "renewed" {
		t.Fatalf("after renew progress = %q", got)
	}
}

func TestParseStalePolicy(t *testing.T) {
	if p, err := ParseStalePolicy("DROP"); err != nil || p != DropStale {
		t.Fatalf("got %v, %v", p, err)
	}
	if p, err := ParseStalePolicy(""); err != nil || p != AcceptStale {
		t.Fatalf("got %v, %v", p, err)
	}
	if _, err := ParseStalePolicy("maybe"); err == nil {
		t.Fatal("expected error")
	}
}

func TestParseOutcome(t *testing.T) {
	cases := []struct {
		in   string
		want bus.Outcome
	}{
		{`{"isSuccess":true,"id":"c-9"}`, bus.Outcome{Success: true, ResourceID: "c-9"}},
		{`{"success":false}`, bus.Outcome{Success: false}},
		{"done", bus.Outcome{Success: true, Message: "done"}},
	}
	for _, tc := range cases {
		if got := ParseOutcome(tc.in); got != tc.want {
			t.Errorf("ParseOutcome(%q) = %+v, want %+v", tc.in, got, tc.want)
		}
	}
}
