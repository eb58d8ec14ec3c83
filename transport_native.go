package reconws

import (
	"context"
	"net"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"go.uber.org/zap"
	"golang.org/x/net/proxy"
)

// nativeTransport dials over a real socket, optionally tunneled
// through a SOCKS5 proxy.
type nativeTransport struct {
	logger *zap.Logger
}

// NewNativeTransport returns the socket-based transport adapter.
func NewNativeTransport(logger *zap.Logger) Transport {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &nativeTransport{logger: logger}
}

func (t *nativeTransport) Connect(ctx context.Context, rawURL string, cfg *Config, timeout time.Duration) (Conn, error) {
	dialer := websocket.Dialer{
		ReadBufferSize:   cfg.readBufferSize(),
		WriteBufferSize:  cfg.writeBufferSize(),
		HandshakeTimeout: timeout,
	}
	if cfg != nil && cfg.EnableCompression {
		dialer.EnableCompression = true
	}

	if cfg != nil && cfg.ProxyAddr != "" {
		netDial, err := t.socksDial(ctx, rawURL, cfg.ProxyAddr)
		if err != nil {
			return nil, err
		}
		dialer.NetDialContext = netDial
	}

	dctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	ws, resp, err := dialer.DialContext(dctx, rawURL, nil)
	if err != nil {
		if resp != nil {
			resp.Body.Close()
		}
		if dctx.Err() == context.DeadlineExceeded {
			return nil, errors.Wrapf(ErrConnectionTimeout, "dial %s", rawURL)
		}
		return nil, errors.Wrapf(err, "dial %s", rawURL)
	}

	if cfg != nil && cfg.MaxMessageSize > 0 {
		ws.SetReadLimit(cfg.MaxMessageSize)
	}

	nc := &nativeConn{
		ws:     ws,
		frames: make(chan Frame, 32),
		done:   make(chan struct{}),
		logger: t.logger,
	}
	go nc.readPump()

	return nc, nil
}

// socksDial resolves the destination host and returns a dial function
// that tunnels through the SOCKS5 proxy. Resolution happens here, once
// per attempt, so DNS changes between attempts are honored.
func (t *nativeTransport) socksDial(ctx context.Context, rawURL, proxyAddr string) (func(context.Context, string, string) (net.Conn, error), error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, errors.Wrapf(err, "parse %s", rawURL)
	}
	port := u.Port()
	if port == "" {
		if u.Scheme == "wss" {
			port = "443"
		} else {
			port = "80"
		}
	}
	addrs, err := net.DefaultResolver.LookupHost(ctx, u.Hostname())
	if err != nil {
		return nil, errors.Wrapf(err, "resolve %s", u.Hostname())
	}
	if len(addrs) == 0 {
		return nil, errors.Errorf("resolve %s: no addresses", u.Hostname())
	}
	target := net.JoinHostPort(addrs[0], port)

	socks, err := proxy.SOCKS5("tcp", proxyAddr, nil, proxy.Direct)
	if err != nil {
		return nil, errors.Wrapf(err, "socks5 proxy %s", proxyAddr)
	}

	return func(dctx context.Context, network, _ string) (net.Conn, error) {
		if cd, ok := socks.(proxy.ContextDialer); ok {
			return cd.DialContext(dctx, network, target)
		}
		return socks.Dial(network, target)
	}, nil
}

// nativeConn owns a gorilla connection. The read pump funnels inbound
// frames into a channel; writes are serialized by a mutex so the
// dispatcher and the connect-time plumbing never interleave frames.
type nativeConn struct {
	ws *websocket.Conn

	writeMu sync.Mutex

	frames chan Frame
	done   chan struct{}

	errMu sync.Mutex
	err   error

	closeOnce sync.Once
	logger    *zap.Logger
}

func (c *nativeConn) Split() (Sink, Source) {
	return c, c
}

func (c *nativeConn) Send(f Frame) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	var err error
	switch f.Kind {
	case FrameText:
		err = c.ws.WriteMessage(websocket.TextMessage, f.Payload)
	case FrameBinary:
		err = c.ws.WriteMessage(websocket.BinaryMessage, f.Payload)
	case FramePing:
		err = c.ws.WriteControl(websocket.PingMessage, f.Payload, time.Now().Add(10*time.Second))
	case FramePong:
		err = c.ws.WriteControl(websocket.PongMessage, f.Payload, time.Now().Add(10*time.Second))
	case FrameClose:
		data := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
		err = c.ws.WriteControl(websocket.CloseMessage, data, time.Now().Add(10*time.Second))
	default:
		return errors.Errorf("reconws: unknown frame kind %q", f.Kind)
	}
	return errors.Wrap(err, "transport write")
}

func (c *nativeConn) Frames() <-chan Frame {
	return c.frames
}

func (c *nativeConn) Err() error {
	c.errMu.Lock()
	defer c.errMu.Unlock()
	return c.err
}

func (c *nativeConn) setErr(err error) {
	c.errMu.Lock()
	c.err = err
	c.errMu.Unlock()
}

func (c *nativeConn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.done)
		err = c.ws.Close()
	})
	return err
}

// readPump surfaces inbound frames, including pings, which gorilla
// otherwise consumes inside ReadMessage.
func (c *nativeConn) readPump() {
	defer close(c.frames)

	c.ws.SetPingHandler(func(data string) error {
		c.deliver(Frame{Kind: FramePing, Payload: []byte(data)})
		return nil
	})
	c.ws.SetPongHandler(func(data string) error {
		c.deliver(Frame{Kind: FramePong, Payload: []byte(data)})
		return nil
	})

	for {
		mt, data, err := c.ws.ReadMessage()
		if err != nil {
			if _, ok := err.(*websocket.CloseError); ok {
				c.deliver(Frame{Kind: FrameClose})
				return
			}
			select {
			case <-c.done:
				// Locally torn down; not a transport failure.
			default:
				c.setErr(err)
			}
			return
		}

		switch mt {
		case websocket.TextMessage:
			if !c.deliver(Frame{Kind: FrameText, Payload: data}) {
				return
			}
		case websocket.BinaryMessage:
			if !c.deliver(Frame{Kind: FrameBinary, Payload: data}) {
				return
			}
		default:
			// Intermediate frame variants are dropped.
		}
	}
}

// deliver pushes a frame to the source channel unless the connection
// has been torn down.
func (c *nativeConn) deliver(f Frame) bool {
	select {
	case c.frames <- f:
		return true
	case <-c.done:
		return false
	}
}
