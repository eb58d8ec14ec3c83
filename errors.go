package reconws

import (
	"github.com/pkg/errors"
)

var (
	// ErrAlreadyConnected indicates a connect call while a supervisor
	// is already running for this interface.
	ErrAlreadyConnected = errors.New("reconws: already connected")

	// ErrAlreadyInitialized indicates a double initialization of the
	// event adapter's inner handle slot.
	ErrAlreadyInitialized = errors.New("reconws: already initialized")

	// ErrMissingURL indicates that no URL is configured when one is
	// required to dial.
	ErrMissingURL = errors.New("reconws: missing URL")

	// ErrConnectionTimeout indicates that a dial attempt exceeded the
	// connect timeout.
	ErrConnectionTimeout = errors.New("reconws: connection timeout")

	// ErrNegotiationFailure indicates that the application-layer
	// handshake failed or the transport ended while it ran.
	ErrNegotiationFailure = errors.New("reconws: negotiation failure")

	// ErrDataEncoding indicates an inbound text payload that could not
	// be decoded as a string.
	ErrDataEncoding = errors.New("reconws: data encoding error")

	// ErrDataType indicates an inbound payload of an unrecognized type.
	ErrDataType = errors.New("reconws: unsupported data type")

	// ErrDispatcherSignal indicates a failure in the shutdown plumbing
	// between the public API and the dispatcher.
	ErrDispatcherSignal = errors.New("reconws: unable to signal dispatcher")

	// ErrShutdown resolves acks whose messages were still queued when
	// the session shut down.
	ErrShutdown = errors.New("reconws: session shutdown")

	// ErrNotConnected indicates an operation that requires an open
	// session on a closed interface.
	ErrNotConnected = errors.New("reconws: not connected")

	// ErrMissingChannel indicates construction without a sender or
	// receiver channel.
	ErrMissingChannel = errors.New("reconws: missing sender or receiver channel")
)
