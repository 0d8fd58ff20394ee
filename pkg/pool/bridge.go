package pool

import (
	"context"
	"encoding/json"
	"log/slog"
)

// Signaler relays negotiation messages to the peer.
type Signaler interface {
	Forward(kind string, index int, payload json.RawMessage) error
}

// Pump forwards the pool's outbound signals until ctx is done or the pool
// closes. A failed forward is logged; the slot's own restart logic decides
// whether the channel survives.
func (p *Pool) Pump(ctx context.Context, s Signaler) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-p.done:
			return nil
		case sig := <-p.signals:
			payload, err := sig.Payload()
			if err != nil {
				slog.Warn("Dropping malformed signal", "kind", sig.Kind, "index", sig.Index, "error", err)
				continue
			}
			if err := s.Forward(string(sig.Kind), sig.Index, payload); err != nil {
				slog.Warn("Failed to forward signal", "kind", sig.Kind, "index", sig.Index, "error", err)
			}
		}
	}
}

// Deliver decodes and applies a relayed negotiation message.
func (p *Pool) Deliver(kind string, index int, payload json.RawMessage) error {
	sig, err := DecodeSignal(kind, index, payload)
	if err != nil {
		return err
	}
	return p.HandleSignal(sig)
}
