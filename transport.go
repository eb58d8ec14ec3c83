package reconws

import (
	"context"
	"fmt"
	"time"
)

// FrameKind discriminates the wire-level frame variants the transport
// port exchanges with the dispatcher.
type FrameKind uint8

const (
	FrameText FrameKind = iota
	FrameBinary
	FramePing
	FramePong
	FrameClose
)

func (k FrameKind) String() string {
	switch k {
	case FrameText:
		return "text"
	case FrameBinary:
		return "binary"
	case FramePing:
		return "ping"
	case FramePong:
		return "pong"
	case FrameClose:
		return "close"
	default:
		return fmt.Sprintf("frame(%d)", uint8(k))
	}
}

// Frame is a wire-level message exchanged with the transport.
type Frame struct {
	Kind    FrameKind
	Payload []byte
}

// Sink is the outbound half of a split connection. Implementations
// serialize concurrent senders internally.
type Sink interface {
	Send(f Frame) error
}

// Source is the inbound half of a split connection. Frames delivers
// inbound frames and is closed on end-of-stream; Err reports the
// terminal transport error, if any, once Frames is closed.
type Source interface {
	Frames() <-chan Frame
	Err() error
}

// Conn is a connected transport session. Ownership is exclusive to the
// dispatcher for the duration of the session.
type Conn interface {
	// Split yields the outbound sink and the inbound source.
	Split() (Sink, Source)
	// Close tears the connection down. Safe to call more than once.
	Close() error
}

// Transport is the port implemented by the native socket adapter and
// the event-callback adapter.
type Transport interface {
	// Connect dials url and returns a connected session. The attempt
	// is bounded by timeout; an expired deadline is reported as
	// ErrConnectionTimeout.
	Connect(ctx context.Context, url string, cfg *Config, timeout time.Duration) (Conn, error)
}
