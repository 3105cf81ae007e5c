package channels

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/goleak"
	"golang.org/x/oauth2"

	"github.com/coursehub/coursehub/pkg/bus"
	"github.com/coursehub/coursehub/pkg/config"
)

func openSession(t *testing.T, h *fakeHub, cfg config.HubConfig, opts ...Option) (*HubSession, *fakeConn) {
	t.Helper()
	s := NewHubSession(cfg, bus.NewBus(), opts...)
	t.Cleanup(func() { _ = s.Close() })

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	binding, err := s.Open(ctx)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if binding.Epoch != 1 {
		t.Fatalf("first binding epoch = %d, want 1", binding.Epoch)
	}
	return s, h.next(t)
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestOpenNegotiatesConnectionIDOnce(t *testing.T) {
	h := newFakeHub(t, "abc123")
	s := NewHubSession(h.hubConfig(), bus.NewBus(),
		WithTokenSource(oauth2.StaticTokenSource(&oauth2.Token{AccessToken: "secret"})))
	defer s.Close()

	binding, err := s.Open(context.Background())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if binding.ID != "abc123" {
		t.Fatalf("connection id = %q, want abc123", binding.ID)
	}
	if s.State() != StateConnected {
		t.Fatalf("state = %v, want connected", s.State())
	}
	if s.ConnectionID() != "abc123" {
		t.Fatalf("session connection id = %q", s.ConnectionID())
	}
	if n := h.connectionIDCalls(); n != 1 {
		t.Fatalf("GetConnectionId called %d times, want 1", n)
	}
	h.mu.Lock()
	auth := h.auth
	h.mu.Unlock()
	if len(auth) == 0 || auth[0] != "Bearer secret" {
		t.Fatalf("negotiate Authorization = %v", auth)
	}
}

func TestOpenTwiceFails(t *testing.T) {
	h := newFakeHub(t, "abc123")
	s, _ := openSession(t, h, h.hubConfig())

	if _, err := s.Open(context.Background()); err == nil {
		t.Fatal("second Open should fail")
	}
}

func TestPushesPublishedInDeliveryOrder(t *testing.T) {
	h := newFakeHub(t, "abc123")
	s, fc := openSession(t, h, h.hubConfig())

	events := make(chan bus.Event, 8)
	collect := func(e bus.Event) { events <- e }
	s.Bus().Subscribe(bus.KindProgress, collect)
	s.Bus().Subscribe(bus.KindNotice, collect)
	s.Bus().Subscribe(bus.KindTerminal, collect)

	_ = fc.push("ReceiveProgress", "10%")
	_ = fc.push("sendmessagetest", "hello")
	_ = fc.push("ReceiveProgress", "20%")
	_ = fc.push("ReceiveResult", `{"success":true}`)
	_ = fc.push("SomethingElse", "ignored")

	want := []struct {
		kind bus.Kind
		text string
	}{
		{bus.KindProgress, "10%"},
		{bus.KindNotice, "hello"},
		{bus.KindProgress, "20%"},
		{bus.KindTerminal, `{"success":true}`},
	}
	for i, w := range want {
		select {
		case e := <-events:
			if e.Kind != w.kind || e.Text != w.text {
				t.Fatalf("event %d = %s/%q, want %s/%q", i, e.Kind, e.Text, w.kind, w.text)
			}
			if e.Epoch != 1 || e.ConnectionID != "abc123" {
				t.Fatalf("event %d tagged %q@%d", i, e.ConnectionID, e.Epoch)
			}
		case <-time.After(3 * time.Second):
			t.Fatalf("timed out waiting for event %d", i)
		}
	}
}

func TestReconnectDoesNotReissueConnectionID(t *testing.T) {
	h := newFakeHub(t, "abc123", "xyz789")
	s, fc := openSession(t, h, h.hubConfig())

	reconnected := make(chan uint64, 1)
	s.OnReconnected(func(epoch uint64) { reconnected <- epoch })
	reconnecting := make(chan error, 1)
	s.OnReconnecting(func(err error) { reconnecting <- err })

	fc.drop()

	select {
	case <-reconnecting:
	case <-time.After(3 * time.Second):
		t.Fatal("no reconnecting notification")
	}
	select {
	case epoch := <-reconnected:
		if epoch != 2 {
			t.Fatalf("reconnected epoch = %d, want 2", epoch)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("session did not reconnect")
	}
	fc2 := h.next(t)

	if s.ConnectionID() != "" {
		t.Fatalf("connection id after reconnect = %q, want empty", s.ConnectionID())
	}
	if n := h.connectionIDCalls(); n != 1 {
		t.Fatalf("GetConnectionId called %d times after reconnect, want 1", n)
	}

	binding, err := s.RequestConnectionID(context.Background())
	if err != nil {
		t.Fatalf("RequestConnectionID: %v", err)
	}
	if binding.ID != "xyz789" || binding.Epoch != 2 {
		t.Fatalf("renewed binding = %+v", binding)
	}

	got := make(chan bus.Event, 1)
	s.Bus().Subscribe(bus.KindProgress, func(e bus.Event) { got <- e })
	_ = fc2.push("ReceiveProgress", "after")
	select {
	case e := <-got:
		if e.Epoch != 2 || e.ConnectionID != "xyz789" {
			t.Fatalf("post-reconnect event tagged %q@%d", e.ConnectionID, e.Epoch)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("no event after reconnect")
	}
}

func TestOpenFailureReturnsConnectError(t *testing.T) {
	h := newFakeHub(t, "abc123")
	h.setReject(true)
	s := NewHubSession(h.hubConfig(), bus.NewBus())
	defer s.Close()

	_, err := s.Open(context.Background())
	var connectErr *ConnectError
	if !errors.As(err, &connectErr) {
		t.Fatalf("expected ConnectError, got %v", err)
	}
	if connectErr.Permanent {
		t.Fatal("open failure should not be marked permanent")
	}
	if s.State() != StateDisconnected {
		t.Fatalf("state after failed open = %v", s.State())
	}
}

func TestHandshakeRejected(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var up websocket.Upgrader
		ws, err := up.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer ws.Close()
		_, _, _ = ws.ReadMessage()
		_ = ws.WriteMessage(websocket.TextMessage, []byte(`{"error":"unsupported protocol"}`+"\x1e"))
		_, _, _ = ws.ReadMessage()
	}))
	defer srv.Close()

	cfg := config.DefaultConfig().Hub
	cfg.URL = srv.URL + "/progressHub"
	cfg.SkipNegotiation = true
	s := NewHubSession(cfg, bus.NewBus())
	defer s.Close()

	_, err := s.Open(context.Background())
	var connectErr *ConnectError
	if !errors.As(err, &connectErr) {
		t.Fatalf("expected ConnectError, got %v", err)
	}
}

func TestIdentifierFailureKeepsChannelOpen(t *testing.T) {
	h := newFakeHub(t)
	h.failMethods["GetConnectionId"] = "boom"
	s := NewHubSession(h.hubConfig(), bus.NewBus())
	defer s.Close()

	_, err := s.Open(context.Background())
	var idErr *IdentifierError
	if !errors.As(err, &idErr) {
		t.Fatalf("expected IdentifierError, got %v", err)
	}
	var hubErr *HubError
	if !errors.As(err, &hubErr) || hubErr.Message != "boom" {
		t.Fatalf("expected wrapped HubError, got %v", err)
	}
	if s.State() != StateConnected {
		t.Fatalf("state = %v, want connected", s.State())
	}
}

func TestServerCloseWithoutReconnectClosesSession(t *testing.T) {
	h := newFakeHub(t, "abc123")
	s, fc := openSession(t, h, h.hubConfig())

	closed := make(chan error, 1)
	s.OnClosed(func(err error) { closed <- err })
	_ = fc.writeJSON(map[string]interface{}{"type": 7, "error": "shutting down"})

	select {
	case err := <-closed:
		var connectErr *ConnectError
		if !errors.As(err, &connectErr) || !connectErr.Permanent {
			t.Fatalf("closed with %v, want permanent ConnectError", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("session not closed after server Close")
	}
	if s.State() != StateClosed {
		t.Fatalf("state = %v", s.State())
	}
}

func TestReconnectExhaustionClosesSession(t *testing.T) {
	h := newFakeHub(t, "abc123")
	s, fc := openSession(t, h, h.hubConfig())

	closed := make(chan error, 1)
	s.OnClosed(func(err error) { closed <- err })
	h.setReject(true)
	fc.drop()

	select {
	case err := <-closed:
		var connectErr *ConnectError
		if !errors.As(err, &connectErr) || !connectErr.Permanent {
			t.Fatalf("closed with %v, want permanent ConnectError", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("session did not give up reconnecting")
	}
	if !errors.As(s.Err(), new(*ConnectError)) {
		t.Fatalf("Err() = %v", s.Err())
	}
}

func TestCloseDuringReconnectEndsClosed(t *testing.T) {
	h := newFakeHub(t, "abc123")
	cfg := h.hubConfig()
	cfg.Reconnect.InitialIntervalMS = 200
	cfg.Reconnect.MaxAttempts = 0
	s, fc := openSession(t, h, cfg)

	reconnecting := make(chan struct{}, 1)
	s.OnReconnecting(func(error) { reconnecting <- struct{}{} })
	h.setReject(true)
	fc.drop()
	<-reconnecting

	waitFor(t, "reconnecting state", func() bool { return s.State() == StateReconnecting })
	_ = s.Close()
	if s.State() != StateClosed {
		t.Fatalf("state = %v, want closed", s.State())
	}
	select {
	case <-s.Done():
	case <-time.After(3 * time.Second):
		t.Fatal("session goroutines did not exit")
	}
}

func TestCloseIsIdempotentAndLeakFree(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	h := newFakeHub(t, "abc123")
	s := NewHubSession(h.hubConfig(), bus.NewBus())
	if _, err := s.Open(context.Background()); err != nil {
		t.Fatalf("Open: %v", err)
	}

	calls := 0
	s.OnClosed(func(err error) {
		calls++
		if err != nil {
			t.Errorf("explicit close reported %v", err)
		}
	})
	_ = s.Close()
	_ = s.Close()

	<-s.Done()
	if calls != 1 {
		t.Fatalf("OnClosed fired %d times", calls)
	}
	if _, err := s.Open(context.Background()); !errors.Is(err, ErrSessionClosed) {
		t.Fatalf("Open after Close = %v", err)
	}
	if _, err := s.Invoke(context.Background(), "GetConnectionId"); !errors.Is(err, ErrNotConnected) {
		t.Fatalf("Invoke after Close = %v", err)
	}
	h.srv.CloseClientConnections()
	h.srv.Close()
}

func TestCloseBeforeOpen(t *testing.T) {
	s := NewHubSession(config.DefaultConfig().Hub, bus.NewBus())
	_ = s.Close()
	if s.State() != StateClosed {
		t.Fatalf("state = %v", s.State())
	}
	<-s.Done()
}
