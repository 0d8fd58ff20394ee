package webrtc

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/pion/ice/v4"
	"github.com/pion/webrtc/v4"

	"github.com/rescp17/peerFileSharer/pkg/transport"
)

const (
	MTU uint = 1400

	DefaultSTUNServer = "stun:stun.l.google.com:19302"
)

var ErrICEFailed = errors.New("webrtc: ice connection failed")

// Config holds the configuration for creating peer connections.
type Config struct {
	ICEServers []string `toml:"ice_servers" json:"ice_servers"`
	// MulticastDNS gathers and resolves .local candidates so LAN peers can
	// connect without exposing host addresses.
	MulticastDNS bool `toml:"multicast_dns" json:"multicast_dns"`
}

// DefaultConfig uses a public STUN server and mDNS candidates.
func DefaultConfig() Config {
	return Config{
		ICEServers:   []string{DefaultSTUNServer},
		MulticastDNS: true,
	}
}

// Validate checks that every ICE server is a STUN or TURN URL.
func (c *Config) Validate() error {
	for _, u := range c.ICEServers {
		if !strings.HasPrefix(u, "stun:") && !strings.HasPrefix(u, "turn:") && !strings.HasPrefix(u, "turns:") {
			return fmt.Errorf("ice server %q must be a stun: or turn: URL", u)
		}
	}
	return nil
}

// WebRTCAPI creates pion-backed links. It implements transport.Transport.
type WebRTCAPI struct {
	api *webrtc.API
	cfg Config
}

func NewWebRTCAPI(cfg Config) *WebRTCAPI {
	settings := webrtc.SettingEngine{}
	if cfg.MulticastDNS {
		settings.SetICEMulticastDNSMode(ice.MulticastDNSModeQueryAndGather)
	}
	settings.SetReceiveMTU(MTU)

	// Using NewAPI is crucial for managing multiple PeerConnections in one application.
	api := webrtc.NewAPI(webrtc.WithSettingEngine(settings))
	return &WebRTCAPI{
		api: api,
		cfg: cfg,
	}
}

func (a *WebRTCAPI) createPeerconnection() (*webrtc.PeerConnection, error) {
	servers := a.cfg.ICEServers
	if len(servers) == 0 {
		servers = []string{DefaultSTUNServer}
	}
	return a.api.NewPeerConnection(webrtc.Configuration{
		ICEServers: []webrtc.ICEServer{{URLs: servers}},
	})
}

// NewLink creates a peer connection for slot index.
func (a *WebRTCAPI) NewLink(index int, role transport.Role, h transport.Handler) (transport.Link, error) {
	pc, err := a.createPeerconnection()
	if err != nil {
		err = fmt.Errorf("create peer connection %d: %w", index, err)
		slog.Error("[NewLink]", "error", err)
		return nil, err
	}

	l := &link{index: index, role: role, pc: pc, h: h}

	pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil || h.OnCandidate == nil {
			return
		}
		init := c.ToJSON()
		h.OnCandidate(transport.Candidate{
			Candidate:        init.Candidate,
			SDPMid:           init.SDPMid,
			SDPMLineIndex:    init.SDPMLineIndex,
			UsernameFragment: init.UsernameFragment,
		})
	})
	pc.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
		slog.Debug("Peer connection state changed", "index", index, "state", s.String())
		if s == webrtc.PeerConnectionStateFailed && !l.isClosed() && h.OnFailure != nil {
			h.OnFailure(ErrICEFailed)
		}
	})
	if role == transport.RoleListener {
		pc.OnDataChannel(func(dc *webrtc.DataChannel) {
			l.bind(dc)
		})
	}
	return l, nil
}

// link wraps a single WebRTC peer connection and its data channel.
type link struct {
	index int
	role  transport.Role
	pc    *webrtc.PeerConnection
	h     transport.Handler

	mu      sync.Mutex
	dc      *webrtc.DataChannel
	pending []webrtc.ICECandidateInit
	closed  bool
}

func (l *link) Index() int { return l.index }

func (l *link) bind(dc *webrtc.DataChannel) {
	l.mu.Lock()
	l.dc = dc
	l.mu.Unlock()

	dc.OnOpen(func() {
		if l.h.OnOpen != nil {
			l.h.OnOpen()
		}
	})
	dc.OnMessage(func(msg webrtc.DataChannelMessage) {
		if l.h.OnMessage != nil {
			l.h.OnMessage(msg.Data)
		}
	})
	dc.OnClose(func() {
		if !l.isClosed() && l.h.OnClose != nil {
			l.h.OnClose()
		}
	})
}

func (l *link) Offer() (transport.Description, error) {
	if l.role != transport.RoleConnector {
		return transport.Description{}, transport.ErrWrongRole
	}
	l.mu.Lock()
	hasChannel := l.dc != nil
	l.mu.Unlock()
	if !hasChannel {
		ordered := true
		dc, err := l.pc.CreateDataChannel(fmt.Sprintf("fragment-%d", l.index), &webrtc.DataChannelInit{Ordered: &ordered})
		if err != nil {
			return transport.Description{}, fmt.Errorf("fail to create data channel %w", err)
		}
		l.bind(dc)
	}
	return l.createOffer(nil)
}

func (l *link) Restart() (transport.Description, error) {
	if l.role != transport.RoleConnector {
		return transport.Description{}, transport.ErrWrongRole
	}
	return l.createOffer(&webrtc.OfferOptions{ICERestart: true})
}

func (l *link) createOffer(opts *webrtc.OfferOptions) (transport.Description, error) {
	offer, err := l.pc.CreateOffer(opts)
	if err != nil {
		err = fmt.Errorf("fail to createOffer %w", err)
		slog.Error("[Offer]", "index", l.index, "error", err)
		return transport.Description{}, err
	}
	if err := l.pc.SetLocalDescription(offer); err != nil {
		err = fmt.Errorf("fail to set local description %w", err)
		slog.Error("[Offer]", "index", l.index, "error", err)
		return transport.Description{}, err
	}
	return transport.Description{Type: offer.Type.String(), SDP: offer.SDP}, nil
}

// Answer is called by the listener to process an incoming offer.
func (l *link) Answer(offer transport.Description) (transport.Description, error) {
	if l.role != transport.RoleListener {
		return transport.Description{}, transport.ErrWrongRole
	}
	if err := l.setRemote(offer); err != nil {
		return transport.Description{}, err
	}

	answer, err := l.pc.CreateAnswer(nil)
	if err != nil {
		err = fmt.Errorf("failed to create answer: %w", err)
		slog.Error("[Answer]", "index", l.index, "error", err)
		return transport.Description{}, err
	}
	if err := l.pc.SetLocalDescription(answer); err != nil {
		err = fmt.Errorf("failed to set local description for answer: %w", err)
		slog.Error("[Answer]", "index", l.index, "error", err)
		return transport.Description{}, err
	}
	return transport.Description{Type: answer.Type.String(), SDP: answer.SDP}, nil
}

func (l *link) Accept(answer transport.Description) error {
	if l.role != transport.RoleConnector {
		return transport.ErrWrongRole
	}
	return l.setRemote(answer)
}

func (l *link) setRemote(d transport.Description) error {
	desc := webrtc.SessionDescription{Type: webrtc.NewSDPType(d.Type), SDP: d.SDP}
	if err := l.pc.SetRemoteDescription(desc); err != nil {
		err = fmt.Errorf("failed to set remote description: %w", err)
		slog.Error("[SetRemoteDescription]", "index", l.index, "error", err)
		return err
	}

	l.mu.Lock()
	pending := l.pending
	l.pending = nil
	l.mu.Unlock()
	for _, c := range pending {
		if err := l.pc.AddICECandidate(c); err != nil {
			slog.Warn("Dropping queued ICE candidate", "index", l.index, "error", err)
		}
	}
	return nil
}

// AddCandidate queues candidates that arrive before the remote description.
func (l *link) AddCandidate(c transport.Candidate) error {
	init := webrtc.ICECandidateInit{
		Candidate:        c.Candidate,
		SDPMid:           c.SDPMid,
		SDPMLineIndex:    c.SDPMLineIndex,
		UsernameFragment: c.UsernameFragment,
	}
	l.mu.Lock()
	if l.pc.RemoteDescription() == nil {
		l.pending = append(l.pending, init)
		l.mu.Unlock()
		return nil
	}
	l.mu.Unlock()

	if err := l.pc.AddICECandidate(init); err != nil {
		return fmt.Errorf("failed to add ice candidate: %w", err)
	}
	return nil
}

func (l *link) Send(b []byte) error {
	l.mu.Lock()
	dc := l.dc
	l.mu.Unlock()
	if dc == nil || dc.ReadyState() != webrtc.DataChannelStateOpen {
		return transport.ErrNotOpen
	}
	return dc.Send(b)
}

func (l *link) BufferedAmount() uint64 {
	l.mu.Lock()
	dc := l.dc
	l.mu.Unlock()
	if dc == nil {
		return 0
	}
	return dc.BufferedAmount()
}

func (l *link) State() transport.State {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return transport.StateClosed
	}
	if l.dc == nil {
		return transport.StateNegotiating
	}
	switch l.dc.ReadyState() {
	case webrtc.DataChannelStateOpen:
		return transport.StateOpen
	case webrtc.DataChannelStateClosing, webrtc.DataChannelStateClosed:
		return transport.StateClosed
	default:
		return transport.StateNegotiating
	}
}

func (l *link) isClosed() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.closed
}

// Close gracefully shuts down the data channel and the peer connection.
func (l *link) Close() error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return nil
	}
	l.closed = true
	dc := l.dc
	l.mu.Unlock()

	var errs []error
	if dc != nil {
		if err := dc.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if err := l.pc.Close(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}
