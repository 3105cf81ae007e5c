// Package lifecycle ties a hub session to the context that owns it. It
// opens the session, publishes the negotiated connection id and gates
// correlated submissions until an id exists.
package lifecycle

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"github.com/coursehub/coursehub/pkg/bus"
	"github.com/coursehub/coursehub/pkg/channels"
	"github.com/coursehub/coursehub/pkg/correlation"
	"github.com/coursehub/coursehub/pkg/logger"
	"github.com/coursehub/coursehub/pkg/progress"
)

const component = "lifecycle"

var (
	ErrClosed = errors.New("lifecycle controller closed")
	// ErrBusy is returned when a submission is already in flight.
	ErrBusy = errors.New("a submission is already in progress")
)

// Session is the part of *channels.HubSession the controller drives.
type Session interface {
	Open(ctx context.Context) (correlation.Binding, error)
	RequestConnectionID(ctx context.Context) (correlation.Binding, error)
	Close() error
	State() channels.State
	Bus() *bus.Bus
	OnReconnected(fn func(epoch uint64))
	OnClosed(fn func(error))
}

// SubmitFunc performs one correlated upload using id.
type SubmitFunc func(ctx context.Context, id correlation.ConnectionID) error

type Controller struct {
	session    Session
	registry   *correlation.Registry
	aggregator *progress.Aggregator
	autoRenew  bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	startOnce sync.Once
	closeOnce sync.Once
	closed    chan struct{}
	closing   bool
	stopWatch func() bool

	failOnce sync.Once
	failed   chan struct{}
	mu       sync.RWMutex
	failure  error

	busy atomic.Bool
}

type Option func(*Controller)

// WithAggregator attaches a to the session bus when the controller starts.
func WithAggregator(a *progress.Aggregator) Option {
	return func(c *Controller) { c.aggregator = a }
}

// WithAutoRenew requests a fresh connection id after every reconnect.
func WithAutoRenew(enabled bool) Option {
	return func(c *Controller) { c.autoRenew = enabled }
}

func New(session Session, registry *correlation.Registry, opts ...Option) *Controller {
	ctx, cancel := context.WithCancel(context.Background())
	c := &Controller{
		session:  session,
		registry: registry,
		ctx:      ctx,
		cancel:   cancel,
		closed:   make(chan struct{}),
		failed:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Controller) Registry() *correlation.Registry { return c.registry }

func (c *Controller) State() channels.State { return c.session.State() }

// Busy reports whether a submission is in flight.
func (c *Controller) Busy() bool { return c.busy.Load() }

// Start opens the session in the background. The session is closed when ctx
// ends or Close is called, whichever happens first.
func (c *Controller) Start(ctx context.Context) error {
	if c.isClosed() {
		return ErrClosed
	}
	started, closedEarly := false, false
	c.startOnce.Do(func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		if c.closing {
			closedEarly = true
			return
		}
		started = true
		if c.aggregator != nil {
			c.aggregator.Attach(c.session.Bus())
		}
		c.session.OnClosed(func(err error) {
			if err != nil {
				c.fail(err)
			}
		})
		c.session.OnReconnected(c.reconnected)

		c.stopWatch = context.AfterFunc(ctx, func() { _ = c.Close() })
		c.wg.Add(1)
		go c.open()
	})
	if closedEarly {
		return ErrClosed
	}
	if !started {
		return errors.New("lifecycle controller already started")
	}
	return nil
}

func (c *Controller) open() {
	defer c.wg.Done()

	binding, err := c.session.Open(c.ctx)
	if err != nil {
		if c.isClosed() {
			return
		}
		logger.ErrorCF(component, "Progress channel unavailable", map[string]interface{}{
			"error": err.Error(),
		})
		c.fail(err)
		return
	}
	c.registry.Set(binding.ID, binding.Epoch)
	logger.InfoCF(component, "Submissions enabled", map[string]interface{}{
		"epoch": binding.Epoch,
	})
}

func (c *Controller) reconnected(epoch uint64) {
	logger.InfoCF(component, "Channel reconnected, connection id not reissued", map[string]interface{}{
		"epoch":      epoch,
		"auto_renew": c.autoRenew,
	})
	if !c.autoRenew {
		return
	}
	// wg.Add happens under mu so it cannot land after Close and Wait.
	c.mu.Lock()
	if c.closing {
		c.mu.Unlock()
		return
	}
	c.wg.Add(1)
	c.mu.Unlock()
	go func() {
		defer c.wg.Done()
		if _, err := c.Renew(c.ctx); err != nil && !c.isClosed() {
			logger.WarnCF(component, "Connection id renewal failed", map[string]interface{}{
				"error": err.Error(),
			})
		}
	}()
}

// WaitReady blocks until a connection id is available. It returns the
// session failure if the channel could not be established.
func (c *Controller) WaitReady(ctx context.Context) (correlation.ConnectionID, error) {
	if id, ok := c.registry.Get(); ok {
		return id, nil
	}
	select {
	case <-c.registry.Ready():
		id, _ := c.registry.Get()
		return id, nil
	case <-c.failed:
		if id, ok := c.registry.Get(); ok {
			return id, nil
		}
		return "", c.Err()
	case <-c.closed:
		return "", ErrClosed
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// Submit runs fn with the current connection id once one exists. The id is
// read from the registry at call time, so fn sees whatever was negotiated
// last. The busy flag is set for the duration of fn.
func (c *Controller) Submit(ctx context.Context, fn SubmitFunc) error {
	if c.isClosed() {
		return ErrClosed
	}
	if _, err := c.WaitReady(ctx); err != nil {
		return err
	}
	if !c.busy.CompareAndSwap(false, true) {
		return ErrBusy
	}
	defer c.busy.Store(false)

	id, _ := c.registry.Get()
	return fn(ctx, id)
}

// Renew asks the hub for the id of the current connection and publishes it.
func (c *Controller) Renew(ctx context.Context) (correlation.Binding, error) {
	if c.isClosed() {
		return correlation.Binding{}, ErrClosed
	}
	binding, err := c.session.RequestConnectionID(ctx)
	if err != nil {
		return correlation.Binding{}, err
	}
	c.registry.Set(binding.ID, binding.Epoch)
	logger.InfoCF(component, "Connection id renewed", map[string]interface{}{
		"epoch": binding.Epoch,
	})
	return binding, nil
}

// Err returns the error that prevented or ended the channel, if any.
func (c *Controller) Err() error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.failure
}

// Failed is closed once the channel fails permanently.
func (c *Controller) Failed() <-chan struct{} { return c.failed }

// Done is closed once Close has run.
func (c *Controller) Done() <-chan struct{} { return c.closed }

// Close stops the session exactly once. It is safe to call from any
// goroutine and any state.
func (c *Controller) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.closing = true
		stop := c.stopWatch
		c.mu.Unlock()
		if stop != nil {
			stop()
		}
		c.cancel()
		err = c.session.Close()
		close(c.closed)
		if c.aggregator != nil {
			c.aggregator.Detach(c.session.Bus())
		}
		logger.InfoC(component, "Controller closed")
	})
	return err
}

// Wait blocks until background goroutines started by the controller exit.
func (c *Controller) Wait() {
	c.wg.Wait()
}

func (c *Controller) fail(err error) {
	c.failOnce.Do(func() {
		c.mu.Lock()
		c.failure = err
		c.mu.Unlock()
		close(c.failed)
	})
}

func (c *Controller) isClosed() bool {
	select {
	case <-c.closed:
		return true
	default:
		return false
	}
}
