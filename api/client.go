package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/rescp17/peerFileSharer/pkg/session"
)

// ClientConfig controls request timeouts and reconnection.
type ClientConfig struct {
	ReconnectAttempts int           `toml:"reconnect_attempts" json:"reconnect_attempts"`
	ReconnectDelay    time.Duration `toml:"reconnect_delay" json:"reconnect_delay"`
	RequestTimeout    time.Duration `toml:"request_timeout" json:"request_timeout"`
}

func DefaultClientConfig() ClientConfig {
	return ClientConfig{
		ReconnectAttempts: 5,
		ReconnectDelay:    time.Second,
		RequestTimeout:    10 * time.Second,
	}
}

func (c *ClientConfig) Validate() error {
	if c.ReconnectAttempts < 0 {
		return errors.New("reconnect_attempts cannot be negative")
	}
	if c.ReconnectDelay < 0 {
		return errors.New("reconnect_delay cannot be negative")
	}
	if c.RequestTimeout <= 0 {
		return errors.New("request_timeout must be positive")
	}
	return nil
}

var (
	ErrClientClosed = errors.New("api: client closed")
	ErrServerBusy   = errors.New("api: server is busy")
)

// Event is a server push delivered by Client.Events. Type is FrameReady,
// FrameMessage, FrameDestroyed, FrameError, or FrameSession after a
// successful reconnect.
type Event struct {
	Type    FrameType
	Peer    string
	Message session.Message
	Err     error
}

// Client is one peer's signaling connection. It redials with its session id
// when the socket drops unexpectedly.
type Client struct {
	base      string
	cfg       ClientConfig
	sessionID string

	ctx    context.Context
	cancel context.CancelFunc

	writeMu sync.Mutex

	mu        sync.Mutex
	ws        *websocket.Conn
	pending   map[uint64]chan Frame
	closing   bool
	destroyed bool

	nextID     atomic.Uint64
	events     chan Event
	done       chan struct{}
	err        error
	finishOnce sync.Once
}

// Dial opens a new session on the server at serverURL.
func Dial(ctx context.Context, serverURL string, cfg ClientConfig) (*Client, error) {
	return dial(ctx, serverURL, "", cfg)
}

// Resume reattaches to a live session. An expired session yields an error
// matching session.ErrDestroyed.
func Resume(ctx context.Context, serverURL, sessionID string, cfg ClientConfig) (*Client, error) {
	return dial(ctx, serverURL, sessionID, cfg)
}

func dial(ctx context.Context, base, id string, cfg ClientConfig) (*Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	ws, sid, early, err := connect(ctx, base, id, cfg.RequestTimeout)
	if err != nil {
		return nil, err
	}
	cctx, cancel := context.WithCancel(context.Background())
	c := &Client{
		base:      base,
		cfg:       cfg,
		sessionID: sid,
		ctx:       cctx,
		cancel:    cancel,
		ws:        ws,
		pending:   make(map[uint64]chan Frame),
		events:    make(chan Event, 256),
		done:      make(chan struct{}),
	}
	go c.readLoop(early)
	return c, nil
}

// connect dials the socket and waits for the session frame. Frames that
// arrive before it are returned for processing.
func connect(ctx context.Context, base, id string, timeout time.Duration) (*websocket.Conn, string, []Frame, error) {
	u, err := SocketURL(base, id)
	if err != nil {
		return nil, "", nil, err
	}
	ws, resp, err := websocket.DefaultDialer.DialContext(ctx, u, nil)
	if err != nil {
		if resp != nil && resp.StatusCode == http.StatusServiceUnavailable {
			return nil, "", nil, fmt.Errorf("%w: %w", ErrServerBusy, err)
		}
		return nil, "", nil, fmt.Errorf("dial %s: %w", u, err)
	}

	stop := context.AfterFunc(ctx, func() { ws.Close() })
	_ = ws.SetReadDeadline(time.Now().Add(timeout))
	var early []Frame
	for {
		var f Frame
		if err := ws.ReadJSON(&f); err != nil {
			stop()
			ws.Close()
			if ctx.Err() != nil {
				return nil, "", nil, ctx.Err()
			}
			return nil, "", nil, fmt.Errorf("read session frame: %w", err)
		}
		switch f.Type {
		case FrameSession:
			if !stop() {
				return nil, "", nil, ctx.Err()
			}
			_ = ws.SetReadDeadline(time.Time{})
			return ws, f.Session, early, nil
		case FrameError:
			stop()
			ws.Close()
			return nil, "", nil, session.ErrorFromReason("connect", f.Reason)
		default:
			early = append(early, f)
		}
	}
}

// SessionID returns the server-assigned session id.
func (c *Client) SessionID() string { return c.sessionID }

// Events delivers server pushes. It is closed when the client finishes.
func (c *Client) Events() <-chan Event { return c.events }

// Done is closed when the connection is gone for good.
func (c *Client) Done() <-chan struct{} { return c.done }

// Err reports why the client finished; nil after Close or Complete.
func (c *Client) Err() error {
	select {
	case <-c.done:
		return c.err
	default:
		return nil
	}
}

// Register offers file and returns its pairing code and transfer key.
func (c *Client) Register(ctx context.Context, file session.FileMeta) (code, key string, err error) {
	reply, err := c.call(ctx, Frame{Type: FrameRegister, File: &file})
	if err != nil {
		return "", "", err
	}
	return reply.Code, reply.Key, nil
}

// Find previews the file behind code.
func (c *Client) Find(ctx context.Context, code string) (session.FileMeta, bool, error) {
	reply, err := c.call(ctx, Frame{Type: FrameFind, Code: code})
	if err != nil {
		return session.FileMeta{}, false, err
	}
	if reply.File == nil {
		return session.FileMeta{}, false, fmt.Errorf("api: found reply without file")
	}
	return *reply.File, reply.Available, nil
}

// Request pairs with the sender behind code.
func (c *Client) Request(ctx context.Context, code string) (session.Match, error) {
	reply, err := c.call(ctx, Frame{Type: FrameRequest, Code: code})
	if err != nil {
		return session.Match{}, err
	}
	if reply.File == nil {
		return session.Match{}, fmt.Errorf("api: matched reply without file")
	}
	return session.Match{Peer: reply.Peer, File: *reply.File, Key: reply.Key}, nil
}

// Forward relays a negotiation message to the peer. Delivery is not
// acknowledged; a refusal arrives as an error event.
func (c *Client) Forward(kind string, index int, payload json.RawMessage) error {
	return c.write(Frame{
		Type:    FrameForward,
		ID:      c.nextID.Add(1),
		Kind:    kind,
		Index:   index,
		Payload: payload,
	})
}

// Complete ends the session on the server, which also ends the peer's.
func (c *Client) Complete(ctx context.Context) error {
	c.mu.Lock()
	c.closing = true
	c.mu.Unlock()
	if err := c.write(Frame{Type: FrameComplete}); err != nil {
		c.Close()
		return err
	}
	timer := time.NewTimer(c.cfg.RequestTimeout)
	defer timer.Stop()
	select {
	case <-c.done:
	case <-ctx.Done():
	case <-timer.C:
	}
	return c.Close()
}

// Close drops the connection without ending the session; the server
// keeps it for its grace period. Idempotent.
func (c *Client) Close() error {
	c.mu.Lock()
	c.closing = true
	ws := c.ws
	c.mu.Unlock()
	c.cancel()

	c.writeMu.Lock()
	_ = ws.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	c.writeMu.Unlock()
	ws.Close()
	<-c.done
	return nil
}

func (c *Client) call(ctx context.Context, f Frame) (Frame, error) {
	id := c.nextID.Add(1)
	f.ID = id
	ch := make(chan Frame, 1)
	c.mu.Lock()
	c.pending[id] = ch
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
	}()

	if err := c.write(f); err != nil {
		return Frame{}, err
	}
	timer := time.NewTimer(c.cfg.RequestTimeout)
	defer timer.Stop()
	select {
	case reply := <-ch:
		if reply.Type == FrameError {
			return Frame{}, session.ErrorFromReason(string(f.Type), reply.Reason)
		}
		return reply, nil
	case <-ctx.Done():
		return Frame{}, ctx.Err()
	case <-c.done:
		if err := c.Err(); err != nil {
			return Frame{}, err
		}
		return Frame{}, ErrClientClosed
	case <-timer.C:
		return Frame{}, fmt.Errorf("api: %s timed out", f.Type)
	}
}

func (c *Client) write(f Frame) error {
	select {
	case <-c.done:
		return ErrClientClosed
	default:
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.mu.Lock()
	ws := c.ws
	c.mu.Unlock()
	if err := ws.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		return err
	}
	if err := ws.WriteJSON(f); err != nil {
		return fmt.Errorf("write %s: %w", f.Type, err)
	}
	return nil
}

func (c *Client) readLoop(early []Frame) {
	for _, f := range early {
		c.handle(f)
	}
	for {
		c.mu.Lock()
		ws := c.ws
		c.mu.Unlock()

		var f Frame
		err := ws.ReadJSON(&f)
		if err == nil {
			c.handle(f)
			continue
		}

		c.mu.Lock()
		closing, destroyed := c.closing, c.destroyed
		c.mu.Unlock()
		switch {
		case closing:
			c.finish(nil)
			return
		case destroyed:
			c.finish(&session.Error{Code: session.ReasonDestroyed, Op: "signaling"})
			return
		}
		early, rerr := c.reconnect(err)
		if errors.Is(rerr, ErrClientClosed) {
			c.finish(nil)
			return
		}
		if rerr != nil {
			c.finish(rerr)
			return
		}
		for _, f := range early {
			c.handle(f)
		}
	}
}

func (c *Client) reconnect(cause error) ([]Frame, error) {
	slog.Warn("Signaling connection lost, reconnecting", "session", c.sessionID, "error", cause)
	for attempt := 1; attempt <= c.cfg.ReconnectAttempts; attempt++ {
		select {
		case <-c.ctx.Done():
			return nil, ErrClientClosed
		case <-time.After(c.cfg.ReconnectDelay):
		}

		ctx, cancel := context.WithTimeout(c.ctx, c.cfg.RequestTimeout)
		ws, _, early, err := connect(ctx, c.base, c.sessionID, c.cfg.RequestTimeout)
		cancel()
		if err != nil {
			if errors.Is(err, session.ErrDestroyed) {
				return nil, err
			}
			if c.ctx.Err() != nil {
				return nil, ErrClientClosed
			}
			slog.Debug("Reconnect attempt failed", "session", c.sessionID, "attempt", attempt, "error", err)
			continue
		}

		c.mu.Lock()
		if c.closing || c.ctx.Err() != nil {
			c.mu.Unlock()
			ws.Close()
			return nil, ErrClientClosed
		}
		c.ws = ws
		c.mu.Unlock()
		slog.Info("Signaling connection resumed", "session", c.sessionID, "attempt", attempt)
		c.emit(Event{Type: FrameSession})
		return early, nil
	}
	return nil, fmt.Errorf("api: reconnect failed after %d attempts: %w", c.cfg.ReconnectAttempts, cause)
}

func (c *Client) handle(f Frame) {
	switch f.Type {
	case FrameReady:
		c.emit(Event{Type: FrameReady, Peer: f.Peer})
	case FrameMessage:
		c.emit(Event{Type: FrameMessage, Message: session.Message{Kind: f.Kind, Index: f.Index, Payload: f.Payload}})
	case FrameDestroyed:
		c.mu.Lock()
		c.destroyed = true
		c.mu.Unlock()
		c.emit(Event{Type: FrameDestroyed})
	case FrameSession:
	default:
		if f.ID != 0 {
			c.mu.Lock()
			ch := c.pending[f.ID]
			c.mu.Unlock()
			if ch != nil {
				ch <- f
				return
			}
		}
		if f.Type == FrameError {
			c.emit(Event{Type: FrameError, Err: session.ErrorFromReason("signaling", f.Reason)})
			return
		}
		slog.Debug("Unexpected signaling frame", "type", f.Type, "id", f.ID)
	}
}

func (c *Client) emit(ev Event) {
	select {
	case c.events <- ev:
	case <-c.ctx.Done():
	}
}

func (c *Client) finish(err error) {
	c.finishOnce.Do(func() {
		c.err = err
		close(c.events)
		close(c.done)
		c.cancel()
	})
}

// SocketURL turns a server address into its websocket URL. Accepted forms:
// "host:port", "http(s)://host:port" and "ws(s)://host:port[/path]".
func SocketURL(base, sessionID string) (string, error) {
	u, err := parseBase(base)
	if err != nil {
		return "", err
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	}
	if u.Path == "" || u.Path == "/" {
		u.Path = "/ws"
	}
	q := u.Query()
	if sessionID != "" {
		q.Set("session", sessionID)
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// HTTPURL returns the plain HTTP origin of a server address.
func HTTPURL(base string) (string, error) {
	u, err := parseBase(base)
	if err != nil {
		return "", err
	}
	switch u.Scheme {
	case "ws":
		u.Scheme = "http"
	case "wss":
		u.Scheme = "https"
	}
	u.Path, u.RawQuery = "", ""
	return u.String(), nil
}

func parseBase(base string) (*url.URL, error) {
	if !strings.Contains(base, "://") {
		base = "ws://" + base
	}
	u, err := url.Parse(base)
	if err != nil {
		return nil, fmt.Errorf("invalid server address %q: %w", base, err)
	}
	switch u.Scheme {
	case "ws", "wss", "http", "https":
	default:
		return nil, fmt.Errorf("invalid server address %q: unsupported scheme", base)
	}
	if u.Host == "" {
		return nil, fmt.Errorf("invalid server address %q: missing host", base)
	}
	return u, nil
}

// FindHTTP previews code over plain HTTP, without opening a session.
func FindHTTP(ctx context.Context, serverURL, code string) (Preview, error) {
	origin, err := HTTPURL(serverURL)
	if err != nil {
		return Preview{}, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, origin+"/api/find/"+url.PathEscape(code), nil)
	if err != nil {
		return Preview{}, fmt.Errorf("failed to create find request: %w", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return Preview{}, fmt.Errorf("find request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		var body struct {
			Reason string `json:"reason"`
		}
		if err := json.NewDecoder(resp.Body).Decode(&body); err != nil || body.Reason == "" {
			return Preview{}, fmt.Errorf("find request failed: %s", resp.Status)
		}
		return Preview{}, session.ErrorFromReason("find", body.Reason)
	}
	var p Preview
	if err := json.NewDecoder(resp.Body).Decode(&p); err != nil {
		return Preview{}, fmt.Errorf("failed to decode preview: %w", err)
	}
	return p, nil
}
