// Package progress keeps the latest progress and notice text received on the
// hub channel and fans them out to consumers.
package progress

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/coursehub/coursehub/pkg/bus"
	"github.com/coursehub/coursehub/pkg/correlation"
	"github.com/coursehub/coursehub/pkg/logger"
	"github.com/coursehub/coursehub/pkg/metrics"
)

const component = "progress"

// StalePolicy decides what happens to events that arrive on a connection
// epoch other than the one the registered connection id belongs to.
type StalePolicy int

const (
	AcceptStale StalePolicy = iota
	DropStale
)

func (p StalePolicy) String() string {
	if p == DropStale {
		return "drop"
	}
	return "accept"
}

func ParseStalePolicy(s string) (StalePolicy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "accept":
		return AcceptStale, nil
	case "drop":
		return DropStale, nil
	default:
		return AcceptStale, fmt.Errorf("unknown stale policy %q", s)
	}
}

// Snapshot is a point-in-time copy of the aggregated values.
type Snapshot struct {
	Progress   string
	ProgressAt time.Time
	Notice     string
	NoticeAt   time.Time
	Terminal   *bus.Outcome
	Epoch      uint64
	Updates    int
	Dropped    int
}

type Aggregator struct {
	policy   StalePolicy
	registry *correlation.Registry
	fanout   *bus.Bus

	mu       sync.RWMutex
	snap     Snapshot
	attached map[*bus.Bus][]bus.Subscription
}

type Option func(*Aggregator)

// WithStalePolicy sets the policy; registry is consulted for the current epoch.
func WithStalePolicy(policy StalePolicy, registry *correlation.Registry) Option {
	return func(a *Aggregator) {
		a.policy = policy
		a.registry = registry
	}
}

func NewAggregator(opts ...Option) *Aggregator {
	a := &Aggregator{
		fanout:   bus.NewBus(),
		attached: make(map[*bus.Bus][]bus.Subscription),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Attach subscribes the aggregator to b. Attaching the same bus twice is a
// no-op.
func (a *Aggregator) Attach(b *bus.Bus) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if _, ok := a.attached[b]; ok {
		return
	}
	a.attached[b] = []bus.Subscription{
		b.Subscribe(bus.KindProgress, a.handle),
		b.Subscribe(bus.KindNotice, a.handle),
		b.Subscribe(bus.KindTerminal, a.handle),
	}
}

// Detach undoes Attach.
func (a *Aggregator) Detach(b *bus.Bus) {
	a.mu.Lock()
	subs := a.attached[b]
	delete(a.attached, b)
	a.mu.Unlock()
	for _, s := range subs {
		s.Cancel()
	}
}

func (a *Aggregator) OnProgress(h bus.Handler) bus.Subscription {
	return a.fanout.Subscribe(bus.KindProgress, h)
}

func (a *Aggregator) OnNotice(h bus.Handler) bus.Subscription {
	return a.fanout.Subscribe(bus.KindNotice, h)
}

func (a *Aggregator) OnTerminal(h bus.Handler) bus.Subscription {
	return a.fanout.Subscribe(bus.KindTerminal, h)
}

func (a *Aggregator) Snapshot() Snapshot {
	a.mu.RLock()
	defer a.mu.RUnlock()
	s := a.snap
	if s.Terminal != nil {
		out := *s.Terminal
		s.Terminal = &out
	}
	return s
}

func (a *Aggregator) LatestProgress() string {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.snap.Progress
}

func (a *Aggregator) LatestNotice() string {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.snap.Notice
}

func (a *Aggregator) handle(evt bus.Event) {
	if a.stale(evt) {
		metrics.StaleEventsTotal.Inc()
		a.mu.Lock()
		a.snap.Dropped++
		a.mu.Unlock()
		logger.DebugCF(component, "Dropping stale event", map[string]interface{}{
			"kind":  string(evt.Kind),
			"epoch": evt.Epoch,
		})
		return
	}

	at := evt.ReceivedAt
	if at.IsZero() {
		at = time.Now()
	}

	a.mu.Lock()
	switch evt.Kind {
	case bus.KindProgress:
		a.snap.Progress = evt.Text
		a.snap.ProgressAt = at
	case bus.KindNotice:
		a.snap.Notice = evt.Text
		a.snap.NoticeAt = at
	case bus.KindTerminal:
		outcome := ParseOutcome(evt.Text)
		a.snap.Terminal = &outcome
	}
	a.snap.Epoch = evt.Epoch
	a.snap.Updates++
	a.mu.Unlock()

	a.fanout.Publish(evt)
}

func (a *Aggregator) stale(evt bus.Event) bool {
	if a.policy != DropStale || a.registry == nil {
		return false
	}
	return a.registry.Check(evt.Epoch) != nil
}

// ParseOutcome decodes a terminal payload. Plain text that is not a JSON
// object becomes a successful outcome carrying the text as its message.
func ParseOutcome(text string) bus.Outcome {
	var raw struct {
		Success    *bool  `json:"success"`
		IsSuccess  *bool  `json:"isSuccess"`
		ResourceID string `json:"resourceId"`
		ID         string `json:"id"`
		Message    string `json:"message"`
	}
	trimmed := strings.TrimSpace(text)
	if !strings.HasPrefix(trimmed, "{") || json.Unmarshal([]byte(trimmed), &raw) != nil {
		return bus.Outcome{Success: true, Message: text}
	}

	out := bus.Outcome{Success: true, ResourceID: raw.ResourceID, Message: raw.Message}
	switch {
	case raw.Success != nil:
		out.Success = *raw.Success
	case raw.IsSuccess != nil:
		out.Success = *raw.IsSuccess
	}
	if out.ResourceID == "" {
		out.ResourceID = raw.ID
	}
	return out
}
