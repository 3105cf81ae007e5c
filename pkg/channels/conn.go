package channels

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/sync/errgroup"

	"github.com/coursehub/coursehub/pkg/correlation"
	"github.com/coursehub/coursehub/pkg/logger"
)

const writeTimeout = 10 * time.Second

// hubConn is a single physical websocket connection that has completed the
// protocol handshake.
type hubConn struct {
	ws    *websocket.Conn
	epoch uint64

	writeMu sync.Mutex

	mu           sync.Mutex
	pending      map[string]chan hubMessage
	connectionID correlation.ConnectionID
	backlog      []hubMessage

	done      chan struct{}
	closeOnce sync.Once
}

func newHubConn(ws *websocket.Conn) *hubConn {
	return &hubConn{
		ws:      ws,
		pending: make(map[string]chan hubMessage),
		done:    make(chan struct{}),
	}
}

func (c *hubConn) id() correlation.ConnectionID {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connectionID
}

func (c *hubConn) setID(id correlation.ConnectionID) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.connectionID = id
}

func (c *hubConn) register(invocationID string) <-chan hubMessage {
	ch := make(chan hubMessage, 1)
	c.mu.Lock()
	c.pending[invocationID] = ch
	c.mu.Unlock()
	return ch
}

func (c *hubConn) unregister(invocationID string) {
	c.mu.Lock()
	delete(c.pending, invocationID)
	c.mu.Unlock()
}

func (c *hubConn) complete(msg hubMessage) {
	c.mu.Lock()
	ch, ok := c.pending[msg.InvocationID]
	delete(c.pending, msg.InvocationID)
	c.mu.Unlock()
	if !ok {
		logger.DebugCF(component, "Completion for unknown invocation", map[string]interface{}{
			"invocation_id": msg.InvocationID,
		})
		return
	}
	ch <- msg
}

func (c *hubConn) writeRecord(record []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.ws.SetWriteDeadline(time.Now().Add(writeTimeout))
	return c.ws.WriteMessage(websocket.TextMessage, record)
}

func (c *hubConn) sendClose() {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	_ = c.ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
}

func (c *hubConn) close() {
	c.closeOnce.Do(func() {
		close(c.done)
		_ = c.ws.Close()
	})
}

// handshake negotiates the json protocol. Any records that arrive in the
// same frame as the handshake response are kept for the read loop.
func (c *hubConn) handshake(ctx context.Context, timeout time.Duration) error {
	stop := context.AfterFunc(ctx, func() { _ = c.ws.Close() })
	defer stop()

	req, err := encodeRecord(handshakeRequest{Protocol: "json", Version: 1})
	if err != nil {
		return err
	}
	if err := c.writeRecord(req); err != nil {
		return fmt.Errorf("send handshake: %w", err)
	}

	if timeout > 0 {
		_ = c.ws.SetReadDeadline(time.Now().Add(timeout))
	}
	_, frame, err := c.ws.ReadMessage()
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("read handshake: %w", err)
	}

	records, err := splitRecords(frame)
	if len(records) == 0 {
		if err == nil {
			err = errors.New("empty handshake response")
		}
		return err
	}
	var resp handshakeResponse
	if err := json.Unmarshal(records[0], &resp); err != nil {
		return fmt.Errorf("decode handshake: %w", err)
	}
	if resp.Error != "" {
		return fmt.Errorf("handshake rejected: %s", resp.Error)
	}
	for _, rec := range records[1:] {
		if msg, err := decodeMessage(rec); err == nil {
			c.backlog = append(c.backlog, msg)
		}
	}
	return c.ws.SetReadDeadline(time.Time{})
}

// run serves the connection until it fails or ctx ends. The reader, the
// keepalive pinger and a closer share one errgroup so the first failure
// tears all of them down.
func (c *hubConn) run(ctx context.Context, keepAlive, serverTimeout time.Duration, dispatch func(*hubConn, hubMessage) error) error {
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return c.readLoop(serverTimeout, dispatch)
	})
	if keepAlive > 0 {
		g.Go(func() error {
			return c.keepAlive(gctx, keepAlive)
		})
	}
	g.Go(func() error {
		<-gctx.Done()
		c.close()
		return nil
	})

	return g.Wait()
}

func (c *hubConn) readLoop(serverTimeout time.Duration, dispatch func(*hubConn, hubMessage) error) error {
	for _, msg := range c.backlog {
		if err := dispatch(c, msg); err != nil {
			return err
		}
	}
	c.backlog = nil

	for {
		if serverTimeout > 0 {
			_ = c.ws.SetReadDeadline(time.Now().Add(serverTimeout))
		}
		_, frame, err := c.ws.ReadMessage()
		if err != nil {
			return err
		}

		records, splitErr := splitRecords(frame)
		for _, rec := range records {
			msg, err := decodeMessage(rec)
			if err != nil {
				logger.WarnCF(component, "Dropping malformed hub record", map[string]interface{}{
					"error": err.Error(),
				})
				continue
			}
			if err := dispatch(c, msg); err != nil {
				return err
			}
		}
		if splitErr != nil {
			logger.WarnCF(component, "Dropping partial hub frame", map[string]interface{}{
				"error": splitErr.Error(),
			})
		}
	}
}

func (c *hubConn) keepAlive(ctx context.Context, interval time.Duration) error {
	ping, err := encodeRecord(hubMessage{Type: msgPing})
	if err != nil {
		return err
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := c.writeRecord(ping); err != nil {
				return fmt.Errorf("keepalive ping: %w", err)
			}
		}
	}
}

type negotiateResponse struct {
	ConnectionID        string `json:"connectionId"`
	ConnectionToken     string `json:"connectionToken"`
	NegotiateVersion    int    `json:"negotiateVersion"`
	AvailableTransports []struct {
		Transport       string   `json:"transport"`
		TransferFormats []string `json:"transferFormats"`
	} `json:"availableTransports"`
	URL   string `json:"url,omitempty"`
	Error string `json:"error,omitempty"`
}

func (r negotiateResponse) supportsWebSockets() bool {
	if len(r.AvailableTransports) == 0 {
		return true
	}
	for _, t := range r.AvailableTransports {
		if strings.EqualFold(t.Transport, "WebSockets") {
			return true
		}
	}
	return false
}

// connect dials a new physical connection and completes the handshake.
func (s *HubSession) connect(ctx context.Context) (*hubConn, error) {
	wrap := func(err error) error {
		return &ConnectError{URL: s.config.URL, Cause: err}
	}

	header, err := s.authHeader()
	if err != nil {
		return nil, wrap(err)
	}
	target, err := s.endpoint(ctx, header)
	if err != nil {
		return nil, wrap(err)
	}

	ws, resp, err := s.dialer.DialContext(ctx, target, header)
	if err != nil {
		if resp != nil {
			err = fmt.Errorf("%w (status %d)", err, resp.StatusCode)
		}
		return nil, wrap(err)
	}

	c := newHubConn(ws)
	if err := c.handshake(ctx, s.config.HandshakeTimeout()); err != nil {
		_ = ws.Close()
		return nil, wrap(err)
	}
	return c, nil
}

// endpoint resolves the websocket URL, negotiating a connection token unless
// negotiation is disabled.
func (s *HubSession) endpoint(ctx context.Context, header http.Header) (string, error) {
	u, err := url.Parse(s.config.URL)
	if err != nil {
		return "", fmt.Errorf("parse hub url: %w", err)
	}

	if !s.config.SkipNegotiation {
		token, err := s.negotiate(ctx, *u, header)
		if err != nil {
			return "", err
		}
		q := u.Query()
		q.Set("id", token)
		u.RawQuery = q.Encode()
	}

	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	case "http":
		u.Scheme = "ws"
	case "ws", "wss":
	default:
		return "", fmt.Errorf("unsupported hub url scheme %q", u.Scheme)
	}
	return u.String(), nil
}

func (s *HubSession) negotiate(ctx context.Context, u url.URL, header http.Header) (string, error) {
	switch u.Scheme {
	case "ws":
		u.Scheme = "http"
	case "wss":
		u.Scheme = "https"
	}
	u.Path = strings.TrimSuffix(u.Path, "/") + "/negotiate"
	q := u.Query()
	q.Set("negotiateVersion", "1")
	u.RawQuery = q.Encode()

	resp, err := s.http.R().
		SetContext(ctx).
		SetHeaderMultiValues(header).
		Post(u.String())
	if err != nil {
		return "", fmt.Errorf("negotiate: %w", err)
	}
	if resp.IsError() {
		return "", fmt.Errorf("negotiate: unexpected status %d", resp.StatusCode())
	}

	var out negotiateResponse
	if err := json.Unmarshal(resp.Body(), &out); err != nil {
		return "", fmt.Errorf("negotiate: decode response: %w", err)
	}
	switch {
	case out.Error != "":
		return "", fmt.Errorf("negotiate: %s", out.Error)
	case out.URL != "":
		return "", fmt.Errorf("negotiate: redirect to %s is not supported", out.URL)
	case !out.supportsWebSockets():
		return "", errors.New("negotiate: server does not offer websockets")
	}

	token := out.ConnectionToken
	if out.NegotiateVersion == 0 || token == "" {
		token = out.ConnectionID
	}
	if token == "" {
		return "", errors.New("negotiate: no connection token in response")
	}
	return token, nil
}

func (s *HubSession) authHeader() (http.Header, error) {
	header := http.Header{}
	if s.tokens == nil {
		return header, nil
	}
	tok, err := s.tokens.Token()
	if err != nil {
		return nil, fmt.Errorf("hub access token: %w", err)
	}
	tok.SetAuthHeader(&http.Request{Header: header})
	return header, nil
}
