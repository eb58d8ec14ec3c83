package reconws

import (
	"time"

	"github.com/cenkalti/backoff"
	"go.uber.org/zap"
)

const (
	defaultConnectTimeout = 10 * time.Second
	defaultRetryInterval  = 1 * time.Second

	defaultWriteBufSize = 4096
	defaultReadBufSize  = 4096
)

// options holds the immutable per-instance configuration. options are
// set by the Option values passed to New.
type options struct {
	handshake Handshake
	transport Transport
	logger    *zap.Logger
}

// Option configures how we set up the interface.
type Option interface {
	apply(*options)
}

// funcOption wraps a function that modifies options into an
// implementation of the Option interface.
type funcOption struct {
	f func(*options)
}

func (fo *funcOption) apply(o *options) {
	fo.f(o)
}

func newFuncOption(f func(*options)) *funcOption {
	return &funcOption{f: f}
}

// WithHandshake installs an application-layer negotiation hook, run
// once per session after transport open and before Open is published.
func WithHandshake(h Handshake) Option {
	return newFuncOption(func(o *options) {
		o.handshake = h
	})
}

// WithTransport overrides the transport adapter. The default is the
// native socket adapter.
func WithTransport(t Transport) Option {
	return newFuncOption(func(o *options) {
		o.transport = t
	})
}

// WithLogger sets the logger. The default discards all output.
func WithLogger(l *zap.Logger) Option {
	return newFuncOption(func(o *options) {
		o.logger = l
	})
}

func defaultOptions() options {
	return options{
		logger: zap.NewNop(),
	}
}

// Config carries the transport tunables for a connection.
type Config struct {
	// WriteBufferSize and ReadBufferSize specify the I/O buffer sizes
	// in bytes. Zero selects a useful default.
	WriteBufferSize int
	ReadBufferSize  int

	// MaxMessageSize bounds the size of an inbound message. Zero means
	// no limit.
	MaxMessageSize int64

	// EnableCompression requests per-message compression negotiation.
	EnableCompression bool

	// ProxyAddr is an optional SOCKS5 proxy address (host:port). When
	// empty the destination is dialed directly.
	ProxyAddr string
}

func (c *Config) writeBufferSize() int {
	if c == nil || c.WriteBufferSize == 0 {
		return defaultWriteBufSize
	}
	return c.WriteBufferSize
}

func (c *Config) readBufferSize() int {
	if c == nil || c.ReadBufferSize == 0 {
		return defaultReadBufSize
	}
	return c.ReadBufferSize
}

// ConnectStrategy specifies how connect should behave during the
// first-time connectivity phase.
type ConnectStrategy int

const (
	// Retry continuously attempts to reach the server, sleeping the
	// retry interval between failed attempts.
	Retry ConnectStrategy = iota
	// Fallback gives up after the first failed attempt.
	Fallback
)

// NewConnectStrategy maps a retry flag to a strategy.
func NewConnectStrategy(retry bool) ConnectStrategy {
	if retry {
		return Retry
	}
	return Fallback
}

// IsFallback reports whether the strategy gives up on first failure.
func (s ConnectStrategy) IsFallback() bool {
	return s == Fallback
}

func (s ConnectStrategy) String() string {
	if s == Fallback {
		return "fallback"
	}
	return "retry"
}

// ConnectOptions configures a single Connect call.
type ConnectOptions struct {
	// BlockAsyncConnect indicates whether Connect should block until
	// the first successful connect or a terminal failure, or return
	// immediately, handing the caller the one-shot listener.
	BlockAsyncConnect bool

	// Strategy selects the retry or fallback behavior.
	Strategy ConnectStrategy

	// URL optionally redirects the interface before dialing.
	URL string

	// ConnectTimeout bounds each dial attempt. Zero selects the
	// default.
	ConnectTimeout time.Duration

	// RetryInterval is the pause between failed attempts under Retry.
	// Zero selects the default.
	RetryInterval time.Duration

	// RetryPolicy overrides the pacing between failed attempts. When
	// nil, a constant RetryInterval schedule is used.
	RetryPolicy backoff.BackOff
}

// DefaultConnectOptions returns the blocking retry configuration.
func DefaultConnectOptions() ConnectOptions {
	return ConnectOptions{
		BlockAsyncConnect: true,
		Strategy:          Retry,
	}
}

// FallbackConnectOptions returns a blocking single-attempt
// configuration.
func FallbackConnectOptions() ConnectOptions {
	return ConnectOptions{
		BlockAsyncConnect: true,
		Strategy:          Fallback,
	}
}

func (o *ConnectOptions) connectTimeout() time.Duration {
	if o.ConnectTimeout <= 0 {
		return defaultConnectTimeout
	}
	return o.ConnectTimeout
}

func (o *ConnectOptions) retryInterval() time.Duration {
	if o.RetryInterval <= 0 {
		return defaultRetryInterval
	}
	return o.RetryInterval
}

func (o *ConnectOptions) retryPolicy() backoff.BackOff {
	if o.RetryPolicy != nil {
		return o.RetryPolicy
	}
	return backoff.NewConstantBackOff(o.retryInterval())
}

// ParseConnectOptions builds ConnectOptions from a loosely-typed host
// value. Recognized shapes: a map with optional "url" (string),
// "block" (bool, default true) and "retry" (bool, default true) keys,
// or a bare bool interpreted as the retry flag. Any other shape yields
// the defaults.
func ParseConnectOptions(v any) ConnectOptions {
	switch args := v.(type) {
	case map[string]any:
		opts := DefaultConnectOptions()
		if url, ok := args["url"].(string); ok {
			opts.URL = url
		}
		if block, ok := args["block"].(bool); ok {
			opts.BlockAsyncConnect = block
		}
		if retry, ok := args["retry"].(bool); ok {
			opts.Strategy = NewConnectStrategy(retry)
		}
		return opts
	case bool:
		opts := DefaultConnectOptions()
		opts.Strategy = NewConnectStrategy(args)
		return opts
	default:
		return DefaultConnectOptions()
	}
}
