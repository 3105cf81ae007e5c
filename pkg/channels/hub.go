package channels

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/go-resty/resty/v2"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"golang.org/x/oauth2"

	"github.com/coursehub/coursehub/pkg/bus"
	"github.com/coursehub/coursehub/pkg/config"
	"github.com/coursehub/coursehub/pkg/correlation"
	"github.com/coursehub/coursehub/pkg/logger"
	"github.com/coursehub/coursehub/pkg/metrics"
)

const component = "hub"

type Option func(*HubSession)

// WithTokenSource authenticates the negotiate call and the websocket upgrade.
func WithTokenSource(ts oauth2.TokenSource) Option {
	return func(s *HubSession) { s.tokens = ts }
}

func WithHTTPClient(client *http.Client) Option {
	return func(s *HubSession) { s.http = resty.NewWithClient(client) }
}

// WithTLSConfig applies to both the negotiate call and the websocket dial.
func WithTLSConfig(cfg *tls.Config) Option {
	return func(s *HubSession) {
		s.dialer.TLSClientConfig = cfg
		s.http.SetTLSClientConfig(cfg)
	}
}

// HubSession owns one logical connection to the progress hub. Physical
// connections come and go underneath it as the transport drops and
// reconnects; each one gets a new epoch.
type HubSession struct {
	config  config.HubConfig
	bus     *bus.Bus
	tokens  oauth2.TokenSource
	dialer  *websocket.Dialer
	http    *resty.Client
	targets map[string]bus.Kind

	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	done      chan struct{}
	closeOnce sync.Once

	mu       sync.RWMutex
	state    State
	conn     *hubConn
	epoch    uint64
	closeErr error

	hooksMu        sync.RWMutex
	onReconnecting []func(error)
	onReconnected  []func(epoch uint64)
	onClosed       []func(error)
}

func NewHubSession(cfg config.HubConfig, messageBus *bus.Bus, opts ...Option) *HubSession {
	ctx, cancel := context.WithCancel(context.Background())
	s := &HubSession{
		config: cfg,
		bus:    messageBus,
		dialer: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: cfg.HandshakeTimeout(),
		},
		http:    resty.New(),
		targets: make(map[string]bus.Kind),
		ctx:     ctx,
		cancel:  cancel,
		done:    make(chan struct{}),
		state:   StateDisconnected,
	}

	// Hub method names are matched case-insensitively, like the server does.
	for name, kind := range map[string]bus.Kind{
		cfg.Events.Progress: bus.KindProgress,
		cfg.Events.Notice:   bus.KindNotice,
		cfg.Events.Result:   bus.KindTerminal,
	} {
		if name != "" {
			s.targets[strings.ToLower(name)] = kind
		}
	}

	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *HubSession) Bus() *bus.Bus {
	return s.bus
}

func (s *HubSession) State() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// Epoch is the ordinal of the current physical connection, 0 before the first.
func (s *HubSession) Epoch() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.epoch
}

// ConnectionID is the id negotiated on the current physical connection. It
// is empty after a reconnect until RequestConnectionID is called again.
func (s *HubSession) ConnectionID() correlation.ConnectionID {
	s.mu.RLock()
	c := s.conn
	s.mu.RUnlock()
	if c == nil {
		return ""
	}
	return c.id()
}

// Err returns the reason the session closed, nil for an explicit Close.
func (s *HubSession) Err() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.closeErr
}

// Done is closed once the session is closed and its goroutines have exited.
func (s *HubSession) Done() <-chan struct{} {
	return s.done
}

func (s *HubSession) OnReconnecting(fn func(error)) {
	s.hooksMu.Lock()
	defer s.hooksMu.Unlock()
	s.onReconnecting = append(s.onReconnecting, fn)
}

func (s *HubSession) OnReconnected(fn func(epoch uint64)) {
	s.hooksMu.Lock()
	defer s.hooksMu.Unlock()
	s.onReconnected = append(s.onReconnected, fn)
}

func (s *HubSession) OnClosed(fn func(error)) {
	s.hooksMu.Lock()
	defer s.hooksMu.Unlock()
	s.onClosed = append(s.onClosed, fn)
}

// Open connects, then issues exactly one connection id request on the fresh
// connection. A transport failure returns *ConnectError; a failed id request
// returns *IdentifierError with the channel left connected.
func (s *HubSession) Open(ctx context.Context) (correlation.Binding, error) {
	s.mu.Lock()
	switch s.state {
	case StateDisconnected:
	case StateClosed:
		s.mu.Unlock()
		return correlation.Binding{}, ErrSessionClosed
	default:
		st := s.state
		s.mu.Unlock()
		return correlation.Binding{}, fmt.Errorf("hub session already %s", st)
	}
	s.setStateLocked(StateConnecting)
	s.mu.Unlock()

	logger.InfoCF(component, "Connecting to hub", map[string]interface{}{
		"url": s.config.URL,
	})

	dialCtx, cancel := context.WithCancel(ctx)
	stop := context.AfterFunc(s.ctx, cancel)
	c, err := s.connect(dialCtx)
	stop()
	cancel()
	if err != nil {
		metrics.HubConnectTotal.WithLabelValues("open", "error").Inc()
		s.mu.Lock()
		if s.state == StateConnecting {
			s.setStateLocked(StateDisconnected)
		}
		s.mu.Unlock()
		logger.ErrorCF(component, "Hub connection failed", map[string]interface{}{
			"error": err.Error(),
		})
		return correlation.Binding{}, err
	}

	if !s.attach(c) {
		c.close()
		return correlation.Binding{}, ErrSessionClosed
	}
	metrics.HubConnectTotal.WithLabelValues("open", "ok").Inc()
	logger.InfoC(component, "Hub connected")

	return s.RequestConnectionID(ctx)
}

// RequestConnectionID asks the hub for the id of the current connection and
// remembers it on that connection.
func (s *HubSession) RequestConnectionID(ctx context.Context) (correlation.Binding, error) {
	method := s.config.Events.ConnectionID
	raw, c, err := s.invoke(ctx, method)
	if err != nil {
		return correlation.Binding{}, &IdentifierError{Method: method, Cause: err}
	}

	var id string
	if err := json.Unmarshal(raw, &id); err != nil {
		return correlation.Binding{}, &IdentifierError{Method: method, Cause: fmt.Errorf("decode result: %w", err)}
	}
	if id == "" {
		return correlation.Binding{}, &IdentifierError{Method: method, Cause: errors.New("hub returned an empty id")}
	}

	c.setID(correlation.ConnectionID(id))
	logger.InfoCF(component, "Connection id negotiated", map[string]interface{}{
		"epoch": c.epoch,
	})
	return correlation.Binding{ID: correlation.ConnectionID(id), Epoch: c.epoch, SetAt: time.Now()}, nil
}

// Invoke calls a hub method on the current connection and returns its raw
// result.
func (s *HubSession) Invoke(ctx context.Context, target string, args ...interface{}) (json.RawMessage, error) {
	raw, _, err := s.invoke(ctx, target, args...)
	return raw, err
}

func (s *HubSession) invoke(ctx context.Context, target string, args ...interface{}) (json.RawMessage, *hubConn, error) {
	s.mu.RLock()
	c, state := s.conn, s.state
	s.mu.RUnlock()
	if state != StateConnected || c == nil {
		return nil, nil, ErrNotConnected
	}

	if args == nil {
		args = []interface{}{}
	}
	invocationID := uuid.NewString()
	replies := c.register(invocationID)
	defer c.unregister(invocationID)

	record, err := encodeRecord(invocationMessage{
		Type:         msgInvocation,
		InvocationID: invocationID,
		Target:       target,
		Arguments:    args,
	})
	if err != nil {
		return nil, c, fmt.Errorf("encode invocation: %w", err)
	}
	if err := c.writeRecord(record); err != nil {
		return nil, c, fmt.Errorf("send invocation: %w", err)
	}

	select {
	case msg := <-replies:
		if msg.Error != "" {
			return nil, c, &HubError{Target: target, Message: msg.Error}
		}
		return msg.Result, c, nil
	case <-c.done:
		return nil, c, ErrConnectionLost
	case <-ctx.Done():
		return nil, c, ctx.Err()
	}
}

// Close releases the transport and stops event delivery. It is safe to call
// more than once and from any state.
func (s *HubSession) Close() error {
	s.finish(nil)
	return nil
}

func (s *HubSession) finish(cause error) {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		prev := s.state
		s.setStateLocked(StateClosed)
		s.closeErr = cause
		c := s.conn
		s.mu.Unlock()

		s.cancel()
		if c != nil {
			c.sendClose()
			c.close()
		}
		go func() {
			s.wg.Wait()
			close(s.done)
		}()

		fields := map[string]interface{}{"from": prev.String()}
		if cause != nil {
			fields["error"] = cause.Error()
			logger.ErrorCF(component, "Hub session closed", fields)
		} else {
			logger.InfoCF(component, "Hub session closed", fields)
		}

		s.hooksMu.RLock()
		hooks := append([]func(error){}, s.onClosed...)
		s.hooksMu.RUnlock()
		for _, fn := range hooks {
			fn(cause)
		}
	})
}

func (s *HubSession) setStateLocked(st State) {
	s.state = st
	metrics.SetHubState(st.String())
}

// attach installs c as the live connection and starts serving it. It fails
// if the session was closed while c was being dialed.
func (s *HubSession) attach(c *hubConn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateClosed {
		return false
	}
	s.epoch++
	c.epoch = s.epoch
	s.conn = c
	s.setStateLocked(StateConnected)

	s.wg.Add(1)
	go s.serve(c)
	return true
}

func (s *HubSession) serve(c *hubConn) {
	defer s.wg.Done()
	err := c.run(s.ctx, s.config.KeepAliveInterval(), s.config.ServerTimeout(), s.dispatch)
	c.close()
	s.handleDrop(c, err)
}

func (s *HubSession) dispatch(c *hubConn, msg hubMessage) error {
	switch msg.Type {
	case msgInvocation:
		s.deliver(c, msg)
	case msgCompletion:
		c.complete(msg)
	case msgPing:
	case msgClose:
		return &serverClose{Message: msg.Error, AllowReconnect: msg.AllowReconnect}
	default:
		logger.DebugCF(component, "Ignoring hub message", map[string]interface{}{
			"type": int(msg.Type),
		})
	}
	return nil
}

func (s *HubSession) deliver(c *hubConn, msg hubMessage) {
	kind, ok := s.targets[strings.ToLower(msg.Target)]
	if !ok {
		metrics.HubEventsTotal.WithLabelValues("unhandled").Inc()
		logger.DebugCF(component, "No handler for hub target", map[string]interface{}{
			"target": msg.Target,
		})
		if msg.InvocationID != "" {
			reply, err := encodeRecord(hubMessage{
				Type:         msgCompletion,
				InvocationID: msg.InvocationID,
				Error:        "client method not implemented: " + msg.Target,
			})
			if err == nil {
				_ = c.writeRecord(reply)
			}
		}
		return
	}

	metrics.HubEventsTotal.WithLabelValues(string(kind)).Inc()
	s.bus.Publish(bus.Event{
		Kind:         kind,
		Target:       msg.Target,
		Text:         argumentText(msg.Arguments),
		ConnectionID: string(c.id()),
		Epoch:        c.epoch,
		ReceivedAt:   time.Now(),
	})
}

func (s *HubSession) handleDrop(c *hubConn, err error) {
	s.mu.Lock()
	if s.state == StateClosed || s.conn != c {
		s.mu.Unlock()
		return
	}

	var sc *serverClose
	if !s.config.Reconnect.Enabled || (errors.As(err, &sc) && !sc.AllowReconnect) {
		s.mu.Unlock()
		s.finish(&ConnectError{URL: s.config.URL, Permanent: true, Cause: err})
		return
	}
	s.setStateLocked(StateReconnecting)
	s.mu.Unlock()

	logger.WarnCF(component, "Hub connection lost, reconnecting", map[string]interface{}{
		"epoch": c.epoch,
		"error": fmt.Sprint(err),
	})
	s.hooksMu.RLock()
	hooks := append([]func(error){}, s.onReconnecting...)
	s.hooksMu.RUnlock()
	for _, fn := range hooks {
		fn(err)
	}

	s.reconnect()
}

func (s *HubSession) reconnect() {
	rc := s.config.Reconnect
	b := backoff.NewExponentialBackOff()
	if rc.InitialIntervalMS > 0 {
		b.InitialInterval = time.Duration(rc.InitialIntervalMS) * time.Millisecond
	}
	if rc.MaxIntervalMS > 0 {
		b.MaxInterval = time.Duration(rc.MaxIntervalMS) * time.Millisecond
	}

	opts := []backoff.RetryOption{
		backoff.WithBackOff(b),
		backoff.WithNotify(func(err error, next time.Duration) {
			logger.WarnCF(component, "Reconnect attempt failed", map[string]interface{}{
				"error":    err.Error(),
				"retry_in": next.String(),
			})
		}),
	}
	if rc.MaxAttempts > 0 {
		opts = append(opts, backoff.WithMaxTries(uint(rc.MaxAttempts)))
	}
	if rc.MaxElapsedMS > 0 {
		opts = append(opts, backoff.WithMaxElapsedTime(time.Duration(rc.MaxElapsedMS)*time.Millisecond))
	}

	c, err := backoff.Retry(s.ctx, func() (*hubConn, error) {
		c, err := s.connect(s.ctx)
		if err != nil {
			metrics.HubConnectTotal.WithLabelValues("reconnect", "error").Inc()
			return nil, err
		}
		return c, nil
	}, opts...)
	if err != nil {
		if s.ctx.Err() != nil {
			return
		}
		s.finish(&ConnectError{URL: s.config.URL, Permanent: true, Cause: err})
		return
	}
	if !s.attach(c) {
		c.close()
		return
	}
	metrics.HubConnectTotal.WithLabelValues("reconnect", "ok").Inc()

	epoch := c.epoch
	logger.InfoCF(component, "Hub reconnected", map[string]interface{}{
		"epoch": epoch,
	})
	s.hooksMu.RLock()
	hooks := append([]func(uint64){}, s.onReconnected...)
	s.hooksMu.RUnlock()
	for _, fn := range hooks {
		fn(epoch)
	}
}
