// Package rpc layers method calls over a reconnecting WebSocket
// connection: uuid-keyed requests with per-call timeouts on the client
// side, and a method table serving inbound requests. Payloads go
// through a codec hook pair, protobuf on binary frames or JSON on text
// frames.
//
// A reconnect resets the logical session: calls in flight when the
// session closes fail with ErrConnClosing and the caller re-issues
// them after the next Open.
package rpc

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/luminet/reconws"
	"github.com/luminet/reconws/chanx"
)

var (
	// ErrConnClosing indicates that the session ended while a call was
	// in flight.
	ErrConnClosing = errors.New("rpc: the connection is closing")

	// ErrCallTimeout indicates that no response arrived within the
	// call timeout.
	ErrCallTimeout = errors.New("rpc: call timeout")

	// ErrMethodNotFound indicates a request for an unregistered method.
	ErrMethodNotFound = errors.New("rpc: method not found")
)

const defaultCallTimeout = 10 * time.Second

// clientOptions configure a Client. They are set by the ClientOption
// values passed to NewClient.
type clientOptions struct {
	callTimeout time.Duration
	iface       *Interface
	logger      *zap.Logger
}

// ClientOption configures how we set up the call layer.
type ClientOption interface {
	apply(*clientOptions)
}

type funcClientOption struct {
	f func(*clientOptions)
}

func (fo *funcClientOption) apply(o *clientOptions) {
	fo.f(o)
}

func newFuncClientOption(f func(*clientOptions)) *funcClientOption {
	return &funcClientOption{f: f}
}

// WithCallTimeout bounds each Invoke round trip.
func WithCallTimeout(d time.Duration) ClientOption {
	return newFuncClientOption(func(o *clientOptions) {
		o.callTimeout = d
	})
}

// WithInterface serves inbound requests from the given method table.
// Without it, inbound requests are answered with a method-not-found
// error.
func WithInterface(i *Interface) ClientOption {
	return newFuncClientOption(func(o *clientOptions) {
		o.iface = i
	})
}

// WithLogger sets the logger. The default discards all output.
func WithLogger(l *zap.Logger) ClientOption {
	return newFuncClientOption(func(o *clientOptions) {
		o.logger = l
	})
}

// Client multiplexes method calls over the connection's channel pair.
// It is the sole reader of the receiver channel it is given.
type Client struct {
	codec  Codec
	sender *chanx.Channel[reconws.Outbound]
	opts   clientOptions
	logger *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc

	// Contains all pending call ids and the channel to respond to when
	// a result is received.
	mu      sync.Mutex
	pending map[string]chan *envelope
}

// NewClient starts the call layer over an interface's channel pair.
func NewClient(sender *chanx.Channel[reconws.Outbound], receiver *chanx.Channel[reconws.Message], codec Codec, opt ...ClientOption) *Client {
	opts := clientOptions{
		callTimeout: defaultCallTimeout,
		logger:      zap.NewNop(),
	}
	for _, o := range opt {
		o.apply(&opts)
	}

	ctx, cancel := context.WithCancel(context.Background())
	c := &Client{
		codec:   codec,
		sender:  sender,
		opts:    opts,
		logger:  opts.logger,
		ctx:     ctx,
		cancel:  cancel,
		pending: map[string]chan *envelope{},
	}
	go c.readLoop(receiver)
	return c
}

// Stop tears down the read loop. Pending calls fail with
// ErrConnClosing.
func (c *Client) Stop() {
	c.cancel()
	c.failPending()
}

// Invoke performs a unary call: marshal args, send the request, wait
// for the matching response, unmarshal into reply. A nil reply
// discards the response payload.
func (c *Client) Invoke(ctx context.Context, method string, args any, reply any) error {
	payload, err := c.codec.Marshal(args)
	if err != nil {
		return errors.Wrapf(err, "marshal %s args", method)
	}

	callID := uuid.NewString()
	env := &envelope{
		Kind:    kindRequest,
		ID:      callID,
		Method:  method,
		Payload: payload,
	}
	msg, err := c.message(env)
	if err != nil {
		return err
	}

	wait := c.register(callID)
	defer c.remove(callID)

	timer := time.NewTimer(c.opts.callTimeout)
	defer timer.Stop()

	ack := chanx.NewOneshot[error]()
	if err := c.sender.Send(reconws.Outbound{Message: msg, Ack: ack}); err != nil {
		return errors.Wrap(err, "sender channel")
	}

	select {
	case err := <-ack.Done():
		if err != nil {
			return errors.Wrapf(err, "send %s", method)
		}
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return ErrCallTimeout
	}

	select {
	case resp, ok := <-wait:
		if !ok {
			return ErrConnClosing
		}
		if resp.Error != "" {
			return errors.Errorf("rpc: remote error: %s", resp.Error)
		}
		if reply == nil {
			return nil
		}
		return errors.Wrapf(c.codec.Unmarshal(resp.Payload, reply), "unmarshal %s reply", method)
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return ErrCallTimeout
	}
}

// Notify sends a request without waiting for a response.
func (c *Client) Notify(method string, args any) error {
	payload, err := c.codec.Marshal(args)
	if err != nil {
		return errors.Wrapf(err, "marshal %s args", method)
	}
	msg, err := c.message(&envelope{
		Kind:    kindRequest,
		ID:      uuid.NewString(),
		Method:  method,
		Payload: payload,
	})
	if err != nil {
		return err
	}
	return errors.Wrap(c.sender.Send(reconws.Outbound{Message: msg}), "sender channel")
}

func (c *Client) message(env *envelope) (reconws.Message, error) {
	if c.codec.Binary() {
		data, err := env.encodeBinary()
		if err != nil {
			return reconws.Message{}, err
		}
		return reconws.NewBinaryMessage(data), nil
	}
	data, err := env.encodeJSON()
	if err != nil {
		return reconws.Message{}, err
	}
	return reconws.NewTextMessage(string(data)), nil
}

func (c *Client) decode(msg reconws.Message) (*envelope, error) {
	if c.codec.Binary() {
		return decodeBinary(msg.Payload)
	}
	return decodeJSON(msg.Payload)
}

// readLoop routes inbound envelopes: responses to their pending call,
// requests to the method table.
func (c *Client) readLoop(receiver *chanx.Channel[reconws.Message]) {
	for {
		msg, err := receiver.Recv()
		if err != nil {
			c.failPending()
			return
		}
		select {
		case <-c.ctx.Done():
			c.failPending()
			return
		default:
		}

		switch msg.Kind {
		case reconws.KindOpen:
			// A new session; callers resubscribe above this layer.
		case reconws.KindClose:
			c.failPending()
		case reconws.KindText, reconws.KindBinary:
			env, err := c.decode(msg)
			if err != nil {
				c.logger.Warn("rpc unable to decode envelope", zap.Error(err))
				continue
			}
			switch env.Kind {
			case kindResponse:
				c.handleResponse(env)
			case kindRequest:
				go c.serve(env)
			default:
				c.logger.Warn("rpc invalid envelope kind", zap.Uint8("kind", env.Kind))
			}
		}
	}
}

// handleResponse finds the call matching the response id and delivers
// the envelope, completing the request/response cycle.
func (c *Client) handleResponse(env *envelope) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if wait, ok := c.pending[env.ID]; ok {
		wait <- env
		delete(c.pending, env.ID)
	}
}

// serve answers one inbound request from the method table.
func (c *Client) serve(env *envelope) {
	var (
		payload []byte
		err     error
	)
	if c.opts.iface == nil {
		err = ErrMethodNotFound
	} else {
		payload, err = c.opts.iface.call(c.ctx, env.Method, env.Payload)
	}

	resp := &envelope{Kind: kindResponse, ID: env.ID, Payload: payload}
	if err != nil {
		resp.Error = err.Error()
		resp.Payload = nil
	}
	msg, merr := c.message(resp)
	if merr != nil {
		c.logger.Warn("rpc unable to encode response", zap.Error(merr))
		return
	}
	if serr := c.sender.Send(reconws.Outbound{Message: msg}); serr != nil {
		c.logger.Warn("rpc unable to send response", zap.Error(serr))
	}
}

// register adds a pending call. Responses are buffered so a late
// arrival never blocks the read loop.
func (c *Client) register(id string) <-chan *envelope {
	wait := make(chan *envelope, 1)
	c.mu.Lock()
	c.pending[id] = wait
	c.mu.Unlock()
	return wait
}

func (c *Client) remove(id string) {
	c.mu.Lock()
	delete(c.pending, id)
	c.mu.Unlock()
}

// failPending closes every pending call channel; waiters observe
// ErrConnClosing.
func (c *Client) failPending() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for id, wait := range c.pending {
		close(wait)
		delete(c.pending, id)
	}
}
