// Package api carries the signaling protocol between peers and the
// rendezvous server: JSON frames over a websocket, plus a small HTTP
// surface for previews and health checks.
package api

import (
	"encoding/json"
	"errors"

	"github.com/rescp17/peerFileSharer/pkg/session"
)

// FrameType names a signaling frame.
type FrameType string

// Client to server.
const (
	FrameRegister FrameType = "register"
	FrameFind     FrameType = "find"
	FrameRequest  FrameType = "request"
	FrameForward  FrameType = "forward"
	FrameComplete FrameType = "complete"
)

// Server to client.
const (
	FrameSession    FrameType = "session"
	FrameRegistered FrameType = "registered"
	FrameFound      FrameType = "found"
	FrameMatched    FrameType = "matched"
	FrameReady      FrameType = "ready"
	FrameMessage    FrameType = "message"
	FrameDestroyed  FrameType = "destroyed"
	FrameError      FrameType = "error"
)

// Frame is the single envelope for every signaling message. Requests carry
// a client-chosen ID that the reply echoes.
type Frame struct {
	Type      FrameType         `json:"type"`
	ID        uint64            `json:"id,omitempty"`
	Session   string            `json:"session,omitempty"`
	Code      string            `json:"code,omitempty"`
	Key       string            `json:"key,omitempty"`
	File      *session.FileMeta `json:"file,omitempty"`
	Available bool              `json:"available,omitempty"`
	Peer      string            `json:"peer,omitempty"`
	To        string            `json:"to,omitempty"`
	Kind      string            `json:"kind,omitempty"`
	Index     int               `json:"index,omitempty"`
	Payload   json.RawMessage   `json:"payload,omitempty"`
	Reason    string            `json:"reason,omitempty"`
}

func frameFromEvent(ev session.Event) Frame {
	switch ev.Type {
	case session.EventReady:
		return Frame{Type: FrameReady, Peer: ev.Peer}
	case session.EventMessage:
		return Frame{
			Type:    FrameMessage,
			Kind:    ev.Message.Kind,
			Index:   ev.Message.Index,
			Payload: ev.Message.Payload,
		}
	default:
		return Frame{Type: FrameDestroyed}
	}
}

func errorFrame(id uint64, err error) Frame {
	return Frame{Type: FrameError, ID: id, Reason: reasonOf(err)}
}

func reasonOf(err error) string {
	var se *session.Error
	if errors.As(err, &se) {
		return se.Reason()
	}
	return string(session.ReasonInternal)
}

// Preview is the HTTP find response.
type Preview struct {
	Name      string `json:"name"`
	Mime      string `json:"mime"`
	Size      int64  `json:"size"`
	Available bool   `json:"available"`
}
