package reconws

import (
	"context"

	"github.com/luminet/reconws/chanx"
)

// Handshake is an optional application-layer negotiation hook, invoked
// exactly once per session after the transport opens and before Open
// is published on the receiver channel.
//
// The hook pushes outbound messages into send and reads inbound
// messages from recv; while it runs, those two channels are the only
// route to the transport. The hook must be finite: a hook that never
// returns stalls the session until shutdown. A non-nil error aborts
// the session and is treated as a dial failure, subject to the
// reconnect strategy.
type Handshake interface {
	Handshake(ctx context.Context, send *chanx.Channel[Message], recv *chanx.Channel[Message]) error
}

// HandshakeFunc adapts a plain function to the Handshake interface.
type HandshakeFunc func(ctx context.Context, send *chanx.Channel[Message], recv *chanx.Channel[Message]) error

// Handshake implements the Handshake interface.
func (f HandshakeFunc) Handshake(ctx context.Context, send *chanx.Channel[Message], recv *chanx.Channel[Message]) error {
	return f(ctx, send, recv)
}
