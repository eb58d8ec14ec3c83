package rpc

import (
	"context"
	"sync"

	"github.com/pkg/errors"
)

// Handler serves one raw request payload.
type Handler func(ctx context.Context, payload []byte) ([]byte, error)

// Interface is a method table. Handlers are registered by name and
// dispatched for inbound requests carrying that name.
type Interface struct {
	mu      sync.RWMutex
	methods map[string]Handler
}

// NewInterface creates an empty method table.
func NewInterface() *Interface {
	return &Interface{methods: map[string]Handler{}}
}

// RegisterMethod binds a handler to a method name, replacing any
// previous binding.
func (i *Interface) RegisterMethod(name string, h Handler) {
	i.mu.Lock()
	i.methods[name] = h
	i.mu.Unlock()
}

func (i *Interface) call(ctx context.Context, name string, payload []byte) ([]byte, error) {
	i.mu.RLock()
	h, ok := i.methods[name]
	i.mu.RUnlock()
	if !ok {
		return nil, errors.Wrap(ErrMethodNotFound, name)
	}
	return h(ctx, payload)
}

// Typed wraps a typed method function into a Handler, decoding the
// request and encoding the response with the given codec. With the
// proto codec, Req and Resp must be generated message types.
func Typed[Req any, Resp any](codec Codec, fn func(ctx context.Context, req *Req) (*Resp, error)) Handler {
	return func(ctx context.Context, payload []byte) ([]byte, error) {
		var req Req
		if err := codec.Unmarshal(payload, &req); err != nil {
			return nil, errors.Wrap(err, "decode request")
		}
		resp, err := fn(ctx, &req)
		if err != nil {
			return nil, err
		}
		return codec.Marshal(resp)
	}
}
