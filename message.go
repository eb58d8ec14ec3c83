package reconws

import (
	"fmt"

	"github.com/luminet/reconws/chanx"
)

// MessageKind discriminates the application-visible message variants.
type MessageKind uint8

const (
	// KindText is a UTF-8 text payload.
	KindText MessageKind = iota
	// KindBinary is an opaque byte payload.
	KindBinary
	// KindOpen is synthetic: a session has begun. Never serialized.
	KindOpen
	// KindClose is synthetic: the session has ended, whether by peer
	// close, transport failure, or local shutdown. Never serialized.
	KindClose
)

func (k MessageKind) String() string {
	switch k {
	case KindText:
		return "text"
	case KindBinary:
		return "binary"
	case KindOpen:
		return "open"
	case KindClose:
		return "close"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

// Message is the sole type crossing the application/core boundary.
type Message struct {
	Kind    MessageKind
	Payload []byte
}

// NewTextMessage builds a text message.
func NewTextMessage(text string) Message {
	return Message{Kind: KindText, Payload: []byte(text)}
}

// NewBinaryMessage builds a binary message.
func NewBinaryMessage(data []byte) Message {
	return Message{Kind: KindBinary, Payload: data}
}

// Text returns the payload as a string.
func (m Message) Text() string {
	return string(m.Payload)
}

// IsOpen reports whether the message marks the start of a session.
func (m Message) IsOpen() bool { return m.Kind == KindOpen }

// IsClose reports whether the message marks the end of a session.
func (m Message) IsClose() bool { return m.Kind == KindClose }

// Ack is an optional one-shot completion slot carried alongside an
// outbound message. The dispatcher delivers exactly one result into
// it: nil on send success, the wrapped send error on send failure, or
// ErrShutdown when the session shut down before the message was sent.
type Ack = *chanx.Oneshot[error]

// Outbound pairs a message with its optional ack on the sender channel.
type Outbound struct {
	Message Message
	Ack     Ack
}

// frameFromMessage converts an application message into a transport
// frame. Only Text and Binary cross the wire; asking the transport to
// serialize a synthetic message is a programmer error.
func frameFromMessage(m Message) Frame {
	switch m.Kind {
	case KindText:
		return Frame{Kind: FrameText, Payload: m.Payload}
	case KindBinary:
		return Frame{Kind: FrameBinary, Payload: m.Payload}
	default:
		panic(fmt.Sprintf("reconws: cannot serialize synthetic message kind %q", m.Kind))
	}
}

// messageFromFrame converts an inbound transport frame into an
// application message. Ping and pong never reach this conversion; the
// dispatcher consumes them.
func messageFromFrame(f Frame) Message {
	switch f.Kind {
	case FrameText:
		return Message{Kind: KindText, Payload: f.Payload}
	case FrameBinary:
		return Message{Kind: KindBinary, Payload: f.Payload}
	case FrameClose:
		return Message{Kind: KindClose}
	default:
		panic(fmt.Sprintf("reconws: cannot surface frame kind %q", f.Kind))
	}
}
