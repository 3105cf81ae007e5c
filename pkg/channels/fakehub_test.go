package channels

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/coursehub/coursehub/pkg/config"
)

// fakeHub speaks enough of the json hub protocol to drive a HubSession.
type fakeHub struct {
	t        *testing.T
	srv      *httptest.Server
	upgrader websocket.Upgrader

	mu           sync.Mutex
	ids          []string
	idCalls      int
	negotiations int
	reject       bool
	auth         []string
	failMethods  map[string]string

	conns chan *fakeConn
}

type fakeConn struct {
	ws      *websocket.Conn
	writeMu sync.Mutex
}

func newFakeHub(t *testing.T, ids ...string) *fakeHub {
	t.Helper()
	h := &fakeHub{
		t:           t,
		ids:         ids,
		failMethods: map[string]string{},
		conns:       make(chan *fakeConn, 16),
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/progressHub/negotiate", h.negotiate)
	mux.HandleFunc("/progressHub", h.serveWS)
	h.srv = httptest.NewServer(mux)
	t.Cleanup(h.srv.Close)
	return h
}

func (h *fakeHub) hubConfig() config.HubConfig {
	cfg := config.DefaultConfig().Hub
	cfg.URL = h.srv.URL + "/progressHub"
	cfg.KeepAliveIntervalMS = 50
	cfg.ServerTimeoutMS = 5000
	cfg.HandshakeTimeoutMS = 2000
	cfg.Reconnect.InitialIntervalMS = 5
	cfg.Reconnect.MaxIntervalMS = 20
	cfg.Reconnect.MaxElapsedMS = 2000
	cfg.Reconnect.MaxAttempts = 3
	return cfg
}

func (h *fakeHub) setReject(v bool) {
	h.mu.Lock()
	h.reject = v
	h.mu.Unlock()
}

func (h *fakeHub) connectionIDCalls() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.idCalls
}

func (h *fakeHub) negotiate(w http.ResponseWriter, r *http.Request) {
	h.mu.Lock()
	h.negotiations++
	n := h.negotiations
	h.auth = append(h.auth, r.Header.Get("Authorization"))
	reject := h.reject
	h.mu.Unlock()

	if r.Method != http.MethodPost || r.URL.Query().Get("negotiateVersion") != "1" {
		http.Error(w, "bad negotiate", http.StatusBadRequest)
		return
	}
	if reject {
		http.Error(w, "unavailable", http.StatusServiceUnavailable)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]interface{}{
		"connectionId":     "neg",
		"connectionToken":  "tok-" + strings.Repeat("x", n),
		"negotiateVersion": 1,
		"availableTransports": []map[string]interface{}{
			{"transport": "WebSockets", "transferFormats": []string{"Text"}},
		},
	})
}

func (h *fakeHub) serveWS(w http.ResponseWriter, r *http.Request) {
	if !strings.HasPrefix(r.URL.Query().Get("id"), "tok-") {
		http.Error(w, "missing token", http.StatusBadRequest)
		return
	}
	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer ws.Close()

	_, frame, err := ws.ReadMessage()
	if err != nil || !bytes.Contains(frame, []byte(`"protocol":"json"`)) {
		return
	}
	fc := &fakeConn{ws: ws}
	if err := fc.writeRaw([]byte("{}\x1e")); err != nil {
		return
	}
	h.conns <- fc

	for {
		_, frame, err := ws.ReadMessage()
		if err != nil {
			return
		}
		for _, rec := range bytes.Split(frame, []byte{recordSeparator}) {
			if len(rec) == 0 {
				continue
			}
			var msg hubMessage
			if err := json.Unmarshal(rec, &msg); err != nil || msg.Type != msgInvocation {
				continue
			}
			h.answer(fc, msg)
		}
	}
}

func (h *fakeHub) answer(fc *fakeConn, msg hubMessage) {
	h.mu.Lock()
	failure, fail := h.failMethods[msg.Target]
	var id string
	if msg.Target == "GetConnectionId" && !fail {
		if h.idCalls < len(h.ids) {
			id = h.ids[h.idCalls]
		}
		h.idCalls++
	}
	h.mu.Unlock()

	reply := map[string]interface{}{"type": 3, "invocationId": msg.InvocationID}
	switch {
	case fail:
		reply["error"] = failure
	case msg.Target == "GetConnectionId":
		reply["result"] = id
	default:
		reply["result"] = nil
	}
	_ = fc.writeJSON(reply)
}

// next waits for the next accepted connection.
func (h *fakeHub) next(t *testing.T) *fakeConn {
	t.Helper()
	select {
	case fc := <-h.conns:
		return fc
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for hub connection")
		return nil
	}
}

func (fc *fakeConn) writeRaw(data []byte) error {
	fc.writeMu.Lock()
	defer fc.writeMu.Unlock()
	return fc.ws.WriteMessage(websocket.TextMessage, data)
}

func (fc *fakeConn) writeJSON(v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return fc.writeRaw(append(data, recordSeparator))
}

func (fc *fakeConn) push(target, text string) error {
	return fc.writeJSON(map[string]interface{}{
		"type":      1,
		"target":    target,
		"arguments": []string{text},
	})
}

func (fc *fakeConn) drop() {
	_ = fc.ws.Close()
}
