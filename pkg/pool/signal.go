package pool

import (
	"encoding/json"
	"fmt"

	"github.com/rescp17/peerFileSharer/pkg/transport"
)

// SignalKind names a negotiation message.
type SignalKind string

const (
	SignalOffer     SignalKind = "offer"
	SignalAnswer    SignalKind = "answer"
	SignalCandidate SignalKind = "candidate"
)

// Signal is one negotiation message for the slot at Index.
type Signal struct {
	Kind        SignalKind
	Index       int
	Description *transport.Description
	Candidate   *transport.Candidate
}

// Payload renders the signal body for relaying.
func (s Signal) Payload() (json.RawMessage, error) {
	var v any
	switch s.Kind {
	case SignalOffer, SignalAnswer:
		if s.Description == nil {
			return nil, fmt.Errorf("%s signal without description", s.Kind)
		}
		v = s.Description
	case SignalCandidate:
		if s.Candidate == nil {
			return nil, fmt.Errorf("candidate signal without candidate")
		}
		v = s.Candidate
	default:
		return nil, fmt.Errorf("unknown signal kind %q", s.Kind)
	}
	return json.Marshal(v)
}

// DecodeSignal is the inverse of Payload.
func DecodeSignal(kind string, index int, payload json.RawMessage) (Signal, error) {
	sig := Signal{Kind: SignalKind(kind), Index: index}
	switch sig.Kind {
	case SignalOffer, SignalAnswer:
		var d transport.Description
		if err := json.Unmarshal(payload, &d); err != nil {
			return Signal{}, fmt.Errorf("decode %s: %w", kind, err)
		}
		sig.Description = &d
	case SignalCandidate:
		var c transport.Candidate
		if err := json.Unmarshal(payload, &c); err != nil {
			return Signal{}, fmt.Errorf("decode candidate: %w", err)
		}
		sig.Candidate = &c
	default:
		return Signal{}, fmt.Errorf("unknown signal kind %q", kind)
	}
	return sig, nil
}
