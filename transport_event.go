package reconws

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// EventHandle is the host-provided WebSocket handle wrapped by the
// event transport. Event delivery is callback-driven: the adapter
// installs the four callbacks and funnels everything they produce into
// a single event channel.
//
// The payload passed to the message callback must be a string (text
// frame) or a []byte (binary frame); anything else is a decode error.
type EventHandle interface {
	SendText(text string) error
	SendBinary(data []byte) error
	Close() error

	SetOnMessage(fn func(payload any))
	SetOnError(fn func(err error))
	SetOnOpen(fn func())
	SetOnClose(fn func())
}

// HandleFactory creates a host WebSocket handle for a URL.
type HandleFactory func(url string) (EventHandle, error)

// eventTransport adapts a callback-driven host WebSocket to the
// transport port. The inner slot holds at most one live connection;
// the handle itself is not safe for concurrent use, which is sound
// here because the host runs a single cooperative executor. That
// invariant is guarded at this boundary, not in the core.
type eventTransport struct {
	factory HandleFactory
	logger  *zap.Logger

	mu    sync.Mutex
	inner *eventConn
}

// NewEventTransport returns the event-callback transport adapter. The
// factory is invoked once per dial attempt.
func NewEventTransport(factory HandleFactory, logger *zap.Logger) Transport {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &eventTransport{factory: factory, logger: logger}
}

func (t *eventTransport) Connect(ctx context.Context, url string, _ *Config, timeout time.Duration) (Conn, error) {
	t.mu.Lock()
	if t.inner != nil {
		t.mu.Unlock()
		return nil, ErrAlreadyInitialized
	}
	t.mu.Unlock()

	handle, err := t.factory(url)
	if err != nil {
		return nil, errors.Wrapf(err, "open %s", url)
	}

	c := &eventConn{
		handle: handle,
		owner:  t,
		frames: make(chan Frame, 32),
		done:   make(chan struct{}),
		opened: make(chan struct{}),
		failed: make(chan error, 1),
		logger: t.logger,
	}
	c.install()

	t.mu.Lock()
	if t.inner != nil {
		t.mu.Unlock()
		c.Close()
		return nil, ErrAlreadyInitialized
	}
	t.inner = c
	t.mu.Unlock()

	select {
	case <-c.opened:
		return c, nil
	case err := <-c.failed:
		c.Close()
		return nil, err
	case <-time.After(timeout):
		c.Close()
		return nil, errors.Wrapf(ErrConnectionTimeout, "open %s", url)
	case <-ctx.Done():
		c.Close()
		return nil, ctx.Err()
	}
}

func (t *eventTransport) release(c *eventConn) {
	t.mu.Lock()
	if t.inner == c {
		t.inner = nil
	}
	t.mu.Unlock()
}

// eventConn wraps a live host handle. The installed callbacks stay in
// the registry for the life of the session and are torn down on close.
type eventConn struct {
	handle EventHandle
	owner  *eventTransport

	frames chan Frame
	done   chan struct{}

	opened chan struct{}
	failed chan error

	openOnce  sync.Once
	closeOnce sync.Once
	registry  callbackRegistry
	logger    *zap.Logger
}

// install wires the four host callbacks into the event channel.
func (c *eventConn) install() {
	c.handle.SetOnMessage(func(payload any) {
		f, err := frameFromPayload(payload)
		if err != nil {
			c.logger.Warn("event transport unable to decode message", zap.Error(err))
			return
		}
		c.deliver(f)
	})
	c.handle.SetOnError(func(err error) {
		select {
		case c.failed <- errors.Wrap(err, "event transport"):
		default:
			c.logger.Warn("event transport error", zap.Error(err))
		}
	})
	c.handle.SetOnOpen(func() {
		c.openOnce.Do(func() { close(c.opened) })
	})
	c.handle.SetOnClose(func() {
		select {
		case <-c.opened:
			c.deliver(Frame{Kind: FrameClose})
		default:
			select {
			case c.failed <- errors.New("event transport: closed before open"):
			default:
			}
		}
	})
	c.registry.retain(func() {
		c.handle.SetOnMessage(nil)
		c.handle.SetOnError(nil)
		c.handle.SetOnOpen(nil)
		c.handle.SetOnClose(nil)
	})
}

// frameFromPayload decodes a host message payload into a frame.
func frameFromPayload(payload any) (Frame, error) {
	switch data := payload.(type) {
	case string:
		return Frame{Kind: FrameText, Payload: []byte(data)}, nil
	case []byte:
		return Frame{Kind: FrameBinary, Payload: data}, nil
	case nil:
		return Frame{}, ErrDataEncoding
	default:
		return Frame{}, ErrDataType
	}
}

func (c *eventConn) deliver(f Frame) {
	select {
	case c.frames <- f:
	case <-c.done:
	}
}

func (c *eventConn) Split() (Sink, Source) {
	return c, c
}

func (c *eventConn) Send(f Frame) error {
	switch f.Kind {
	case FrameText:
		return errors.Wrap(c.handle.SendText(string(f.Payload)), "transport write")
	case FrameBinary:
		return errors.Wrap(c.handle.SendBinary(f.Payload), "transport write")
	case FramePing, FramePong:
		// The host manages keepalive below the callback surface.
		return nil
	case FrameClose:
		return errors.Wrap(c.handle.Close(), "transport close")
	default:
		return errors.Errorf("reconws: unknown frame kind %q", f.Kind)
	}
}

func (c *eventConn) Frames() <-chan Frame {
	return c.frames
}

// Err always reports nil: the host surfaces failures as close events,
// which arrive as Close frames.
func (c *eventConn) Err() error {
	return nil
}

func (c *eventConn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.done)
		c.teardown()
		err = c.handle.Close()
		c.owner.release(c)
	})
	return err
}

func (c *eventConn) teardown() {
	c.registry.releaseAll()
}

// callbackRegistry keeps installed callbacks alive for the life of a
// session and releases them exactly once on close.
type callbackRegistry struct {
	mu       sync.Mutex
	releases []func()
}

func (r *callbackRegistry) retain(release func()) {
	r.mu.Lock()
	r.releases = append(r.releases, release)
	r.mu.Unlock()
}

func (r *callbackRegistry) releaseAll() {
	r.mu.Lock()
	releases := r.releases
	r.releases = nil
	r.mu.Unlock()
	for _, release := range releases {
		release()
	}
}
