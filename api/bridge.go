package api

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/rescp17/peerFileSharer/pkg/session"
)

// SignalSink consumes relayed negotiation messages.
type SignalSink interface {
	Deliver(kind string, index int, payload json.RawMessage) error
	// Connected is closed once the data channels are usable. From then on
	// losing the signaling session no longer aborts the transfer.
	Connected() <-chan struct{}
}

var errPeerLeft = &session.Error{Code: session.ReasonDestroyed, Op: "peer left before channels opened"}

// Bridge feeds relayed messages into sink until ctx is done. It fails when
// the session ends before sink is connected.
func (c *Client) Bridge(ctx context.Context, sink SignalSink) error {
	connected := func() bool {
		select {
		case <-sink.Connected():
			return true
		default:
			return false
		}
	}
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-c.events:
			if !ok {
				if err := c.Err(); err != nil && !connected() {
					return fmt.Errorf("signaling lost: %w", err)
				}
				return nil
			}
			switch ev.Type {
			case FrameMessage:
				m := ev.Message
				if err := sink.Deliver(m.Kind, m.Index, m.Payload); err != nil {
					slog.Warn("Dropping negotiation message", "kind", m.Kind, "index", m.Index, "error", err)
				}
			case FrameDestroyed:
				if !connected() {
					return errPeerLeft
				}
				slog.Debug("Signaling session ended after channels opened", "session", c.sessionID)
			case FrameError:
				slog.Warn("Signaling error", "session", c.sessionID, "error", ev.Err)
			case FrameSession:
				slog.Info("Signaling session resumed", "session", c.sessionID)
			case FrameReady:
				slog.Debug("Peer ready", "peer", ev.Peer)
			}
		}
	}
}

// WaitReady blocks until a receiver claims the registered code and returns
// its session id.
func (c *Client) WaitReady(ctx context.Context) (string, error) {
	for {
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case ev, ok := <-c.events:
			if !ok {
				if err := c.Err(); err != nil {
					return "", err
				}
				return "", ErrClientClosed
			}
			switch ev.Type {
			case FrameReady:
				return ev.Peer, nil
			case FrameDestroyed:
				return "", &session.Error{Code: session.ReasonDestroyed, Op: "wait for peer"}
			case FrameError:
				slog.Warn("Signaling error while waiting for peer", "session", c.sessionID, "error", ev.Err)
			}
		}
	}
}
