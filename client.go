// Package reconws implements a reconnecting WebSocket client that
// presents a uniform, channel-based message interface over two
// interchangeable transports: a native socket adapter, optionally
// tunneled through a SOCKS5 proxy, and an event-callback adapter for
// browser-hosted WebSocket handles.
//
// The application pushes outbound messages into the sender channel,
// optionally paired with a one-shot ack, and reads inbound messages
// from the receiver channel. A session begins with a synthetic Open
// message and ends with exactly one Close, whether the peer closed,
// the transport failed, or the client shut down locally. Reconnects
// reset the logical session; applications resubscribe after observing
// Open.
package reconws

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/luminet/reconws/chanx"
)

const shutdownResponseWait = 5 * time.Second

// settings holds the mutable per-instance state. Separated from the
// immutable options so that Connect(url=...) can redirect subsequent
// reconnect attempts.
type settings struct {
	url string
}

// Client is a virtual connection to a WebSocket endpoint. It is shared
// by reference; the reconnect supervisor holds it for the duration of
// its loop.
type Client struct {
	ctx    context.Context
	mu     sync.Mutex
	st     settings
	config *Config
	opts   options
	logger *zap.Logger

	reconnect   atomic.Bool
	isOpen      atomic.Bool
	supervising atomic.Bool

	sender   *chanx.Channel[Outbound]
	receiver *chanx.Channel[Message]
	shutdown *chanx.Duplex
}

// New creates a client for the given URL. The sender and receiver
// channels are injected: the dispatcher is the sole consumer of the
// sender channel and the sole producer on the receiver channel. The
// URL may be empty if every Connect call supplies one.
func New(url string, sender *chanx.Channel[Outbound], receiver *chanx.Channel[Message], config *Config, opt ...Option) (*Client, error) {
	if sender == nil || receiver == nil {
		return nil, ErrMissingChannel
	}

	opts := defaultOptions()
	for _, o := range opt {
		o.apply(&opts)
	}
	if opts.transport == nil {
		opts.transport = NewNativeTransport(opts.logger)
	}

	c := &Client{
		ctx:      context.Background(),
		st:       settings{url: url},
		config:   config,
		opts:     opts,
		logger:   opts.logger,
		sender:   sender,
		receiver: receiver,
		shutdown: chanx.NewDuplex(),
	}
	return c, nil
}

// URL returns the endpoint used by the next attempt; empty if unset.
func (c *Client) URL() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.st.url
}

// SetURL redirects subsequent reconnect attempts. The attempt in
// flight, if any, is unaffected.
func (c *Client) SetURL(url string) {
	c.mu.Lock()
	c.st.url = url
	c.mu.Unlock()
}

// IsOpen reports whether a dispatcher is currently running, between
// handshake success and loop exit.
func (c *Client) IsOpen() bool {
	return c.isOpen.Load()
}

// Connect starts the reconnect supervisor. With BlockAsyncConnect set
// it blocks until the first successful connect or a terminal failure
// and returns that outcome (under Retry, failed attempts do not end the
// wait); otherwise it returns immediately, handing the caller the
// one-shot listener for that result.
//
// Exactly one supervisor runs per client; a second Connect while one
// is active fails with ErrAlreadyConnected.
func (c *Client) Connect(opts ConnectOptions) (*chanx.Oneshot[error], error) {
	if !c.supervising.CompareAndSwap(false, true) {
		return nil, ErrAlreadyConnected
	}

	c.reconnect.Store(true)

	if opts.URL != "" {
		c.SetURL(opts.URL)
	}
	if c.URL() == "" {
		c.supervising.Store(false)
		return nil, ErrMissingURL
	}

	trigger := chanx.NewOneshot[error]()
	go c.supervise(opts, trigger)

	if opts.BlockAsyncConnect {
		return nil, trigger.Wait()
	}
	return trigger, nil
}

// supervise owns the connect/dispatch/backoff cycle. It is the only
// writer of isOpen.
func (c *Client) supervise(opts ConnectOptions, trigger *chanx.Oneshot[error]) {
	defer c.supervising.Store(false)

	policy := opts.retryPolicy()
	policy.Reset()

	for {
		url := c.URL()
		if url == "" {
			trigger.Complete(ErrMissingURL)
			return
		}

		conn, err := c.opts.transport.Connect(c.ctx, url, c.config, opts.connectTimeout())
		if err == nil {
			policy.Reset()
			trigger.Complete(nil)

			if derr := c.dispatch(conn); derr != nil {
				// Negotiation failures are handled like dial failures,
				// subject to the connect strategy. The first-connect
				// trigger fires at most once, so later failures here
				// are silent.
				c.logger.Warn("websocket dispatcher error", zap.String("url", url), zap.Error(derr))
				if opts.Strategy.IsFallback() {
					if opts.BlockAsyncConnect {
						trigger.Complete(derr)
					}
					return
				}
				time.Sleep(policy.NextBackOff())
			}
		} else {
			c.logger.Warn("websocket failed to connect", zap.String("url", url), zap.Error(err))
			if opts.Strategy.IsFallback() {
				if opts.BlockAsyncConnect {
					trigger.Complete(err)
				}
				return
			}
			time.Sleep(policy.NextBackOff())
		}

		if !c.reconnect.Load() {
			return
		}
	}
}

// Close gracefully ends the current session. The reconnect policy is
// unchanged: under an active supervisor the client dials again.
func (c *Client) Close() error {
	if !c.isOpen.Load() {
		return nil
	}

	if err := c.shutdown.Request.Send(struct{}{}); err != nil {
		c.logger.Error("websocket unable to signal dispatcher shutdown", zap.Error(err))
		return ErrDispatcherSignal
	}

	select {
	case <-c.shutdown.Response.ReadChan():
		return nil
	case <-time.After(shutdownResponseWait):
		c.logger.Error("websocket dispatcher shutdown not acknowledged")
		return ErrDispatcherSignal
	}
}

// Disconnect disables reconnection, then gracefully ends the current
// session. The supervisor terminates.
func (c *Client) Disconnect() error {
	c.reconnect.Store(false)
	return c.Close()
}
