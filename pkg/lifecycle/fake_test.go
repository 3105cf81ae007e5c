package lifecycle

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/coursehub/coursehub/pkg/bus"
	"github.com/coursehub/coursehub/pkg/channels"
	"github.com/coursehub/coursehub/pkg/correlation"
)

// fakeSession stands in for a hub session. openFn decides how Open behaves;
// ids are handed out in order by Open and RequestConnectionID.
type fakeSession struct {
	bus    *bus.Bus
	openFn func(ctx context.Context) error

	mu             sync.Mutex
	state          channels.State
	epoch          uint64
	ids            []correlation.ConnectionID
	onReconnected  []func(uint64)
	onClosed       []func(error)
	closeCalls     int32
	identifierErrs []error
}

func newFakeSession(ids ...correlation.ConnectionID) *fakeSession {
	return &fakeSession{bus: bus.NewBus(), state: channels.StateDisconnected, ids: ids}
}

func (f *fakeSession) Open(ctx context.Context) (correlation.Binding, error) {
	f.setState(channels.StateConnecting)
	if f.openFn != nil {
		if err := f.openFn(ctx); err != nil {
			f.mu.Lock()
			if f.state == channels.StateConnecting {
				f.state = channels.StateDisconnected
			}
			f.mu.Unlock()
			return correlation.Binding{}, err
		}
	}
	f.mu.Lock()
	if f.state == channels.StateClosed {
		f.mu.Unlock()
		return correlation.Binding{}, channels.ErrSessionClosed
	}
	f.epoch++
	f.state = channels.StateConnected
	f.mu.Unlock()
	return f.RequestConnectionID(ctx)
}

func (f *fakeSession) RequestConnectionID(ctx context.Context) (correlation.Binding, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.state != channels.StateConnected {
		return correlation.Binding{}, &channels.IdentifierError{Method: "GetConnectionId", Cause: channels.ErrNotConnected}
	}
	if len(f.identifierErrs) > 0 {
		err := f.identifierErrs[0]
		f.identifierErrs = f.identifierErrs[1:]
		return correlation.Binding{}, &channels.IdentifierError{Method: "GetConnectionId", Cause: err}
	}
	id := f.ids[0]
	if len(f.ids) > 1 {
		f.ids = f.ids[1:]
	}
	return correlation.Binding{ID: id, Epoch: f.epoch}, nil
}

func (f *fakeSession) Close() error {
	atomic.AddInt32(&f.closeCalls, 1)
	f.mu.Lock()
	already := f.state == channels.StateClosed
	f.state = channels.StateClosed
	hooks := append([]func(error){}, f.onClosed...)
	f.mu.Unlock()
	if !already {
		for _, fn := range hooks {
			fn(nil)
		}
	}
	return nil
}

func (f *fakeSession) State() channels.State {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

func (f *fakeSession) Bus() *bus.Bus { return f.bus }

func (f *fakeSession) OnReconnected(fn func(uint64)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.onReconnected = append(f.onReconnected, fn)
}

func (f *fakeSession) OnClosed(fn func(error)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.onClosed = append(f.onClosed, fn)
}

func (f *fakeSession) setState(st channels.State) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.state != channels.StateClosed {
		f.state = st
	}
}

// reconnect simulates a transport loss followed by a successful reconnect.
func (f *fakeSession) reconnect() {
	f.mu.Lock()
	f.epoch++
	epoch := f.epoch
	f.state = channels.StateConnected
	hooks := append([]func(uint64){}, f.onReconnected...)
	f.mu.Unlock()
	for _, fn := range hooks {
		fn(epoch)
	}
}

// fail simulates the session giving up permanently.
func (f *fakeSession) fail(err error) {
	f.mu.Lock()
	f.state = channels.StateClosed
	hooks := append([]func(error){}, f.onClosed...)
	f.mu.Unlock()
	for _, fn := range hooks {
		fn(err)
	}
}

func (f *fakeSession) publish(kind bus.Kind, text string) {
	f.mu.Lock()
	epoch := f.epoch
	f.mu.Unlock()
	f.bus.Publish(bus.Event{Kind: kind, Text: text, Epoch: epoch})
}
