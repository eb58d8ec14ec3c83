package reconws

import (
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/luminet/reconws/chanx"
)

// dispatch runs a single session on a connected transport: handshake,
// Open publication, then the fused multiplexing loop. It returns nil
// when the session ended on a normal path (peer close, transport
// failure, shutdown) and an error only when negotiation failed or the
// receiver channel was dropped.
func (c *Client) dispatch(conn Conn) error {
	defer conn.Close()

	sink, source := conn.Split()

	if err := c.runHandshake(sink, source); err != nil {
		return err
	}

	c.isOpen.Store(true)
	defer c.isOpen.Store(false)

	if err := c.receiver.Send(Message{Kind: KindOpen}); err != nil {
		return errors.Wrap(err, "receiver channel")
	}

	// Stale shutdown requests belong to a session that is already
	// gone; acknowledge them so their callers unblock.
	c.drainShutdownRequests()

	senderCh := c.sender.ReadChan()
	frames := source.Frames()
	shutdownCh := c.shutdown.Request.ReadChan()

	for {
		// Biased selection: outbound before inbound, inbound before
		// shutdown.
		select {
		case out := <-senderCh:
			c.handleOutbound(sink, out)
			continue
		default:
		}

		select {
		case out := <-senderCh:
			c.handleOutbound(sink, out)
			continue
		case f, ok := <-frames:
			exit, err := c.handleInbound(sink, source, f, ok)
			if exit {
				return err
			}
			continue
		default:
		}

		select {
		case out := <-senderCh:
			c.handleOutbound(sink, out)
		case f, ok := <-frames:
			exit, err := c.handleInbound(sink, source, f, ok)
			if exit {
				return err
			}
		case <-shutdownCh:
			return c.handleShutdown(sink)
		}
	}
}

// handleOutbound pushes one application message into the sink. An
// ack-bearing send always resolves its ack, success or failure; a bare
// send is best-effort.
func (c *Client) handleOutbound(sink Sink, out Outbound) {
	err := sink.Send(frameFromMessage(out.Message))
	if out.Ack != nil {
		out.Ack.Complete(err)
		return
	}
	if err != nil {
		c.logger.Warn("websocket unable to send message", zap.Error(err))
	}
}

// handleInbound surfaces one transport frame. It reports whether the
// session loop must exit.
func (c *Client) handleInbound(sink Sink, source Source, f Frame, ok bool) (bool, error) {
	if !ok {
		if err := source.Err(); err != nil {
			c.logger.Warn("websocket transport error", zap.Error(err))
		}
		c.emitClose()
		return true, nil
	}

	switch f.Kind {
	case FrameText, FrameBinary:
		if err := c.receiver.Send(messageFromFrame(f)); err != nil {
			return true, errors.Wrap(err, "receiver channel")
		}
	case FrameClose:
		c.emitClose()
		return true, nil
	case FramePing:
		if err := sink.Send(Frame{Kind: FramePong, Payload: f.Payload}); err != nil {
			c.logger.Warn("websocket unable to reply to ping", zap.Error(err))
		}
	case FramePong:
		// Keepalive noise.
	}
	return false, nil
}

// handleShutdown terminates the session on a local close: emit Close,
// resolve every queued ack with the shutdown error, acknowledge the
// duplex, exit.
func (c *Client) handleShutdown(sink Sink) error {
	// Best-effort close frame so the peer sees a clean shutdown.
	if err := sink.Send(Frame{Kind: FrameClose}); err != nil {
		c.logger.Warn("websocket unable to send close frame", zap.Error(err))
	}

	c.emitClose()

	for {
		out, err := c.sender.TryRecv()
		if err != nil {
			// An unbounded sender may still be pumping queued items
			// toward the receive side; wait those out.
			if c.sender.Len() > 0 {
				time.Sleep(time.Millisecond)
				continue
			}
			break
		}
		if out.Ack != nil {
			out.Ack.Complete(ErrShutdown)
		}
	}

	// The session is over before the caller of Close unblocks.
	c.isOpen.Store(false)

	if err := c.shutdown.Response.Send(struct{}{}); err != nil {
		c.logger.Error("websocket unable to acknowledge shutdown", zap.Error(err))
		return errors.Wrap(ErrDispatcherSignal, err.Error())
	}
	return nil
}

func (c *Client) emitClose() {
	if err := c.receiver.Send(Message{Kind: KindClose}); err != nil {
		c.logger.Warn("websocket unable to emit close", zap.Error(err))
	}
}

func (c *Client) drainShutdownRequests() {
	for {
		if _, err := c.shutdown.Request.TryRecv(); err != nil {
			return
		}
		if err := c.shutdown.Response.TrySend(struct{}{}); err != nil {
			return
		}
	}
}

// runHandshake executes the optional negotiation hook. While it runs,
// inbound and outbound flow is routed exclusively through the hook's
// channel pair; the pump below fuses hook completion, hook outbound,
// and transport inbound, in that priority order.
func (c *Client) runHandshake(sink Sink, source Source) error {
	if c.opts.handshake == nil {
		return nil
	}

	hookOut := chanx.NewUnbounded[Message]()
	hookIn := chanx.NewUnbounded[Message]()
	result := chanx.NewOneshot[error]()

	defer hookOut.Close()
	defer hookIn.Close()

	go func() {
		result.Complete(c.opts.handshake.Handshake(c.ctx, hookOut, hookIn))
	}()

	finish := func(err error) error {
		if err != nil {
			return errors.Wrapf(ErrNegotiationFailure, "%v", err)
		}
		return nil
	}

	for {
		select {
		case err := <-result.Done():
			return finish(err)
		default:
		}

		select {
		case err := <-result.Done():
			return finish(err)
		case m := <-hookOut.ReadChan():
			if err := sink.Send(frameFromMessage(m)); err != nil {
				return errors.Wrapf(ErrNegotiationFailure, "handshake write: %v", err)
			}
			continue
		default:
		}

		select {
		case err := <-result.Done():
			return finish(err)
		case m := <-hookOut.ReadChan():
			if err := sink.Send(frameFromMessage(m)); err != nil {
				return errors.Wrapf(ErrNegotiationFailure, "handshake write: %v", err)
			}
		case f, ok := <-source.Frames():
			if !ok {
				return ErrNegotiationFailure
			}
			switch f.Kind {
			case FrameText, FrameBinary:
				if err := hookIn.Send(messageFromFrame(f)); err != nil {
					return errors.Wrapf(ErrNegotiationFailure, "handshake channel: %v", err)
				}
			case FramePing:
				if err := sink.Send(Frame{Kind: FramePong, Payload: f.Payload}); err != nil {
					c.logger.Warn("websocket unable to reply to ping", zap.Error(err))
				}
			case FramePong:
				// Keepalive noise.
			case FrameClose:
				return ErrNegotiationFailure
			}
		}
	}
}
