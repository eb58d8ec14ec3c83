package reconws

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/luminet/reconws/chanx"
)

// fakeConn is an in-process transport session. Inbound frames are
// injected by the test; outbound frames are recorded.
type fakeConn struct {
	mu        sync.Mutex
	sent      []Frame
	onSend    func(c *fakeConn, f Frame)
	sendDelay time.Duration
	srcErr    error

	frames    chan Frame
	closed    chan struct{}
	closeOnce sync.Once
}

func newFakeConn() *fakeConn {
	return &fakeConn{
		frames: make(chan Frame, 64),
		closed: make(chan struct{}),
	}
}

func (c *fakeConn) Split() (Sink, Source) { return c, c }

func (c *fakeConn) Send(f Frame) error {
	if c.sendDelay > 0 {
		time.Sleep(c.sendDelay)
	}
	c.mu.Lock()
	c.sent = append(c.sent, f)
	onSend := c.onSend
	c.mu.Unlock()
	if onSend != nil {
		onSend(c, f)
	}
	return nil
}

func (c *fakeConn) Frames() <-chan Frame { return c.frames }

func (c *fakeConn) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.srcErr
}

func (c *fakeConn) Close() error {
	c.closeOnce.Do(func() { close(c.closed) })
	return nil
}

func (c *fakeConn) inject(f Frame) { c.frames <- f }

// fail ends the inbound stream with a transport error.
func (c *fakeConn) fail(err error) {
	c.mu.Lock()
	c.srcErr = err
	c.mu.Unlock()
	close(c.frames)
}

func (c *fakeConn) sentFrames() []Frame {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Frame, len(c.sent))
	copy(out, c.sent)
	return out
}

// fakeTransport scripts dial outcomes per attempt and hands each new
// session to the test.
type fakeTransport struct {
	mu       sync.Mutex
	attempts int
	urls     []string
	conns    []*fakeConn

	script func(attempt int) error
	setup  func(c *fakeConn)
	connCh chan *fakeConn
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{connCh: make(chan *fakeConn, 16)}
}

func (t *fakeTransport) Connect(_ context.Context, url string, _ *Config, _ time.Duration) (Conn, error) {
	t.mu.Lock()
	attempt := t.attempts
	t.attempts++
	t.urls = append(t.urls, url)
	t.mu.Unlock()

	if t.script != nil {
		if err := t.script(attempt); err != nil {
			return nil, err
		}
	}

	c := newFakeConn()
	if t.setup != nil {
		t.setup(c)
	}
	t.mu.Lock()
	t.conns = append(t.conns, c)
	t.mu.Unlock()
	select {
	case t.connCh <- c:
	default:
	}
	return c, nil
}

func (t *fakeTransport) attemptCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.attempts
}

func (t *fakeTransport) urlAt(i int) string {
	t.mu.Lock()
	defer t.mu.Unlock()
	if i >= len(t.urls) {
		return ""
	}
	return t.urls[i]
}

func newTestClient(t *testing.T, tr Transport, opt ...Option) (*Client, *chanx.Channel[Outbound], *chanx.Channel[Message]) {
	t.Helper()
	sender := chanx.NewUnbounded[Outbound]()
	receiver := chanx.NewUnbounded[Message]()
	opt = append(opt, WithTransport(tr))
	c, err := New("ws://fake.test", sender, receiver, nil, opt...)
	require.NoError(t, err)
	return c, sender, receiver
}

func recvMessage(t *testing.T, receiver *chanx.Channel[Message], d time.Duration) Message {
	t.Helper()
	select {
	case m := <-receiver.ReadChan():
		return m
	case <-time.After(d):
		t.Fatalf("timed out waiting for message")
		return Message{}
	}
}

func expectNoMessage(t *testing.T, receiver *chanx.Channel[Message], d time.Duration) {
	t.Helper()
	select {
	case m := <-receiver.ReadChan():
		t.Fatalf("unexpected %s message", m.Kind)
	case <-time.After(d):
	}
}

func waitAck(t *testing.T, ack Ack) error {
	t.Helper()
	select {
	case err := <-ack.Done():
		return err
	case <-time.After(5 * time.Second):
		t.Fatalf("ack never resolved")
		return nil
	}
}

func retryOpts() ConnectOptions {
	return ConnectOptions{
		BlockAsyncConnect: true,
		Strategy:          Retry,
		ConnectTimeout:    time.Second,
		RetryInterval:     20 * time.Millisecond,
	}
}

func TestConnectSendReceiveDisconnect(t *testing.T) {
	tr := newFakeTransport()
	c, sender, receiver := newTestClient(t, tr)

	assert.False(t, c.IsOpen())

	_, err := c.Connect(retryOpts())
	require.NoError(t, err)

	assert.Equal(t, KindOpen, recvMessage(t, receiver, time.Second).Kind)
	assert.True(t, c.IsOpen())

	conn := <-tr.connCh

	ack := chanx.NewOneshot[error]()
	require.NoError(t, sender.Send(Outbound{Message: NewTextMessage("hello"), Ack: ack}))
	require.NoError(t, waitAck(t, ack))
	require.Eventually(t, func() bool {
		frames := conn.sentFrames()
		return len(frames) == 1 && frames[0].Kind == FrameText && string(frames[0].Payload) == "hello"
	}, time.Second, time.Millisecond)

	conn.inject(Frame{Kind: FrameText, Payload: []byte("hello")})
	echo := recvMessage(t, receiver, time.Second)
	assert.Equal(t, KindText, echo.Kind)
	assert.Equal(t, "hello", echo.Text())

	require.NoError(t, c.Disconnect())
	assert.Equal(t, KindClose, recvMessage(t, receiver, time.Second).Kind)
	assert.False(t, c.IsOpen())

	require.Eventually(t, func() bool { return !c.supervising.Load() }, time.Second, time.Millisecond)
}

func TestDoubleConnect(t *testing.T) {
	tr := newFakeTransport()
	c, _, receiver := newTestClient(t, tr)

	_, err := c.Connect(retryOpts())
	require.NoError(t, err)
	recvMessage(t, receiver, time.Second)

	_, err = c.Connect(retryOpts())
	assert.ErrorIs(t, err, ErrAlreadyConnected)

	require.NoError(t, c.Disconnect())
}

func TestConnectMissingURL(t *testing.T) {
	sender := chanx.NewUnbounded[Outbound]()
	receiver := chanx.NewUnbounded[Message]()
	tr := newFakeTransport()
	c, err := New("", sender, receiver, nil, WithTransport(tr))
	require.NoError(t, err)

	_, err = c.Connect(retryOpts())
	assert.ErrorIs(t, err, ErrMissingURL)

	// The guard is released on the failure path; connecting with an
	// explicit URL succeeds.
	opts := retryOpts()
	opts.URL = "ws://fake.test"
	_, err = c.Connect(opts)
	require.NoError(t, err)
	assert.Equal(t, KindOpen, recvMessage(t, receiver, time.Second).Kind)
	require.NoError(t, c.Disconnect())
}

func TestFallbackResolvesWithDialError(t *testing.T) {
	dialErr := errors.New("connection refused")
	tr := newFakeTransport()
	tr.script = func(int) error { return dialErr }
	c, _, receiver := newTestClient(t, tr)

	opts := retryOpts()
	opts.Strategy = Fallback
	_, err := c.Connect(opts)
	require.Error(t, err)
	assert.ErrorIs(t, err, dialErr)
	assert.False(t, c.IsOpen())
	assert.Equal(t, 1, tr.attemptCount())

	expectNoMessage(t, receiver, 50*time.Millisecond)
	require.Eventually(t, func() bool { return !c.supervising.Load() }, time.Second, time.Millisecond)
}

func TestRetryUntilUp(t *testing.T) {
	dialErr := errors.New("connection refused")
	tr := newFakeTransport()
	tr.script = func(attempt int) error {
		if attempt < 3 {
			return dialErr
		}
		return nil
	}
	c, _, receiver := newTestClient(t, tr)

	_, err := c.Connect(retryOpts())
	require.NoError(t, err)
	assert.Equal(t, 4, tr.attemptCount())

	assert.Equal(t, KindOpen, recvMessage(t, receiver, time.Second).Kind)
	require.NoError(t, c.Disconnect())
}

func TestRetryKeepsSupervisorAlive(t *testing.T) {
	tr := newFakeTransport()
	tr.script = func(int) error { return errors.New("connection refused") }
	c, _, receiver := newTestClient(t, tr)

	opts := retryOpts()
	opts.BlockAsyncConnect = false
	opts.RetryInterval = 10 * time.Millisecond
	listener, err := c.Connect(opts)
	require.NoError(t, err)

	time.Sleep(100 * time.Millisecond)
	assert.True(t, c.supervising.Load())
	assert.False(t, listener.Fired())
	assert.GreaterOrEqual(t, tr.attemptCount(), 2)
	expectNoMessage(t, receiver, 10*time.Millisecond)

	require.NoError(t, c.Disconnect())
	require.Eventually(t, func() bool { return !c.supervising.Load() }, time.Second, time.Millisecond)
}

func TestReconnectPairsOpenAndClose(t *testing.T) {
	tr := newFakeTransport()
	c, _, receiver := newTestClient(t, tr)

	opts := retryOpts()
	opts.RetryInterval = 10 * time.Millisecond
	_, err := c.Connect(opts)
	require.NoError(t, err)

	conn1 := <-tr.connCh
	assert.Equal(t, KindOpen, recvMessage(t, receiver, time.Second).Kind)

	conn1.fail(errors.New("boom"))
	assert.Equal(t, KindClose, recvMessage(t, receiver, time.Second).Kind)

	// The supervisor dials again and a fresh session opens.
	<-tr.connCh
	assert.Equal(t, KindOpen, recvMessage(t, receiver, time.Second).Kind)

	require.NoError(t, c.Disconnect())
	assert.Equal(t, KindClose, recvMessage(t, receiver, time.Second).Kind)
}

func TestBiasedDispatchDrainsOutboundFirst(t *testing.T) {
	tr := newFakeTransport()
	tr.setup = func(c *fakeConn) {
		for i := 0; i < 5; i++ {
			c.inject(Frame{Kind: FrameText, Payload: []byte{byte(i)}})
		}
	}

	// A bounded sender keeps every queued item directly selectable, so
	// the priority ordering is observable without pump scheduling.
	sender := chanx.NewChannel[Outbound](8)
	receiver := chanx.NewUnbounded[Message]()
	c, err := New("ws://fake.test", sender, receiver, nil, WithTransport(tr))
	require.NoError(t, err)

	for i := 0; i < 5; i++ {
		require.NoError(t, sender.Send(Outbound{Message: NewBinaryMessage([]byte{byte(i)})}))
	}

	_, err = c.Connect(retryOpts())
	require.NoError(t, err)
	conn := <-tr.connCh

	assert.Equal(t, KindOpen, recvMessage(t, receiver, time.Second).Kind)
	first := recvMessage(t, receiver, time.Second)
	assert.Equal(t, KindText, first.Kind)

	// By the time any inbound frame surfaces, every queued outbound
	// message has already hit the sink.
	assert.Len(t, conn.sentFrames(), 5)

	require.NoError(t, c.Disconnect())
}

func TestShutdownResolvesEveryAck(t *testing.T) {
	tr := newFakeTransport()
	tr.setup = func(c *fakeConn) { c.sendDelay = 5 * time.Millisecond }
	c, sender, receiver := newTestClient(t, tr)

	_, err := c.Connect(retryOpts())
	require.NoError(t, err)
	assert.Equal(t, KindOpen, recvMessage(t, receiver, time.Second).Kind)

	acks := make([]Ack, 10)
	for i := range acks {
		acks[i] = chanx.NewOneshot[error]()
		require.NoError(t, sender.Send(Outbound{Message: NewTextMessage("x"), Ack: acks[i]}))
	}

	require.NoError(t, c.Disconnect())

	for i, ack := range acks {
		err := waitAck(t, ack)
		if err != nil {
			assert.ErrorIs(t, err, ErrShutdown, "ack %d", i)
		}
	}
	assert.Equal(t, KindClose, recvMessage(t, receiver, time.Second).Kind)
}

func TestHandshakeGatesOpen(t *testing.T) {
	gate := make(chan struct{})
	hook := HandshakeFunc(func(_ context.Context, send, recv *chanx.Channel[Message]) error {
		if err := send.Send(NewTextMessage("hi")); err != nil {
			return err
		}
		m, err := recv.Recv()
		if err != nil {
			return err
		}
		if m.Text() != "ok" {
			return errors.Errorf("unexpected handshake reply %q", m.Text())
		}
		<-gate
		return nil
	})

	tr := newFakeTransport()
	tr.setup = func(c *fakeConn) {
		c.onSend = func(c *fakeConn, f Frame) {
			if f.Kind == FrameText && string(f.Payload) == "hi" {
				c.inject(Frame{Kind: FrameText, Payload: []byte("ok")})
			}
		}
	}
	c, _, receiver := newTestClient(t, tr, WithHandshake(hook))

	_, err := c.Connect(retryOpts())
	require.NoError(t, err)

	// The hook has not returned: nothing may surface yet.
	expectNoMessage(t, receiver, 50*time.Millisecond)
	assert.False(t, c.IsOpen())

	close(gate)
	assert.Equal(t, KindOpen, recvMessage(t, receiver, time.Second).Kind)
	assert.True(t, c.IsOpen())

	require.NoError(t, c.Disconnect())
}

func TestHandshakeFailureRetries(t *testing.T) {
	hook := HandshakeFunc(func(context.Context, *chanx.Channel[Message], *chanx.Channel[Message]) error {
		return errors.New("bad peer")
	})

	tr := newFakeTransport()
	c, _, receiver := newTestClient(t, tr, WithHandshake(hook))

	opts := retryOpts()
	opts.BlockAsyncConnect = false
	opts.RetryInterval = 10 * time.Millisecond
	_, err := c.Connect(opts)
	require.NoError(t, err)

	require.Eventually(t, func() bool { return tr.attemptCount() >= 2 }, 2*time.Second, 5*time.Millisecond)
	expectNoMessage(t, receiver, 10*time.Millisecond)
	assert.False(t, c.IsOpen())

	require.NoError(t, c.Disconnect())
	require.Eventually(t, func() bool { return !c.supervising.Load() }, time.Second, time.Millisecond)
}

func TestHandshakeFailureFallbackTerminates(t *testing.T) {
	hook := HandshakeFunc(func(context.Context, *chanx.Channel[Message], *chanx.Channel[Message]) error {
		return errors.New("bad peer")
	})

	tr := newFakeTransport()
	c, _, _ := newTestClient(t, tr, WithHandshake(hook))

	opts := retryOpts()
	opts.Strategy = Fallback
	_, err := c.Connect(opts)
	// The first-connect trigger fired on transport connect, before the
	// handshake ran, so the blocking call reports success.
	require.NoError(t, err)

	require.Eventually(t, func() bool { return !c.supervising.Load() }, time.Second, time.Millisecond)
	assert.Equal(t, 1, tr.attemptCount())
	assert.False(t, c.IsOpen())
}

func TestPingAnsweredWithPong(t *testing.T) {
	tr := newFakeTransport()
	c, _, receiver := newTestClient(t, tr)

	_, err := c.Connect(retryOpts())
	require.NoError(t, err)
	conn := <-tr.connCh
	assert.Equal(t, KindOpen, recvMessage(t, receiver, time.Second).Kind)

	conn.inject(Frame{Kind: FramePing, Payload: []byte{1, 2, 3}})
	require.Eventually(t, func() bool {
		for _, f := range conn.sentFrames() {
			if f.Kind == FramePong {
				return assert.ObjectsAreEqual([]byte{1, 2, 3}, f.Payload)
			}
		}
		return false
	}, time.Second, time.Millisecond)

	// Nothing surfaces to the application.
	expectNoMessage(t, receiver, 50*time.Millisecond)

	require.NoError(t, c.Disconnect())
}

func TestURLReadPerAttempt(t *testing.T) {
	started := make(chan int, 16)
	tr := newFakeTransport()
	tr.script = func(attempt int) error {
		started <- attempt
		if attempt == 0 {
			return errors.New("connection refused")
		}
		return nil
	}
	c, _, receiver := newTestClient(t, tr)

	opts := retryOpts()
	opts.URL = "ws://first.test"
	opts.BlockAsyncConnect = false
	opts.RetryInterval = 50 * time.Millisecond
	_, err := c.Connect(opts)
	require.NoError(t, err)

	// Redirect once the first attempt is in flight: it keeps the URL it
	// started with, the next attempt picks up the new one.
	require.Equal(t, 0, <-started)
	c.SetURL("ws://second.test")

	assert.Equal(t, KindOpen, recvMessage(t, receiver, 2*time.Second).Kind)
	assert.Equal(t, "ws://first.test", tr.urlAt(0))
	require.Eventually(t, func() bool { return tr.urlAt(1) == "ws://second.test" }, time.Second, time.Millisecond)

	require.NoError(t, c.Disconnect())
}
