package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rescp17/peerFileSharer/pkg/session"
)

var testFile = session.FileMeta{
	Name:     "report.pdf",
	Mime:     "application/pdf",
	Size:     4096,
	Checksum: "abc123",
	Cipher:   "aes-256-gcm",
}

func testClientConfig() ClientConfig {
	cfg := DefaultClientConfig()
	cfg.ReconnectDelay = 20 * time.Millisecond
	cfg.RequestTimeout = 5 * time.Second
	return cfg
}

func dialTest(t *testing.T, base string) *Client {
	t.Helper()
	c, err := Dial(context.Background(), base, testClientConfig())
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	return c
}

// waitEvent skips events until one of type typ arrives.
func waitEvent(t *testing.T, c *Client, typ FrameType) Event {
	t.Helper()
	timeout := time.After(5 * time.Second)
	for {
		select {
		case ev, ok := <-c.Events():
			require.True(t, ok, "events closed while waiting for %s", typ)
			if ev.Type == typ {
				return ev
			}
		case <-timeout:
			t.Fatalf("timed out waiting for %s", typ)
		}
	}
}

func TestRendezvousFlow(t *testing.T) {
	srv, base := newTestServer(t, nil)
	ctx := context.Background()
	sender := dialTest(t, base)
	receiver := dialTest(t, base)
	require.NotEqual(t, sender.SessionID(), receiver.SessionID())

	code, key, err := sender.Register(ctx, testFile)
	require.NoError(t, err)
	assert.Len(t, code, 8)
	assert.NotEmpty(t, key)

	file, available, err := receiver.Find(ctx, code)
	require.NoError(t, err)
	assert.True(t, available)
	assert.Equal(t, testFile, file)

	match, err := receiver.Request(ctx, code)
	require.NoError(t, err)
	assert.Equal(t, sender.SessionID(), match.Peer)
	assert.Equal(t, key, match.Key)
	assert.Equal(t, testFile, match.File)

	ready := waitEvent(t, sender, FrameReady)
	assert.Equal(t, receiver.SessionID(), ready.Peer)
	waitEvent(t, receiver, FrameReady)

	_, available, err = receiver.Find(ctx, code)
	require.NoError(t, err)
	assert.False(t, available, "paired code is no longer available")

	offer := json.RawMessage(`{"sdp":"v=0"}`)
	require.NoError(t, sender.Forward("offer", 0, offer))
	msg := waitEvent(t, receiver, FrameMessage)
	assert.Equal(t, "offer", msg.Message.Kind)
	assert.JSONEq(t, string(offer), string(msg.Message.Payload))

	require.NoError(t, receiver.Forward("candidate", 3, json.RawMessage(`"c"`)))
	msg = waitEvent(t, sender, FrameMessage)
	assert.Equal(t, 3, msg.Message.Index)

	require.NoError(t, sender.Complete(ctx))
	assert.NoError(t, sender.Err())

	select {
	case <-receiver.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("peer session was not torn down")
	}
	assert.ErrorIs(t, receiver.Err(), session.ErrDestroyed)
	assert.Eventually(t, func() bool { return srv.Registry().Len() == 0 }, 5*time.Second, 10*time.Millisecond)
}

func TestConcurrentRequestsOverSockets(t *testing.T) {
	_, base := newTestServer(t, nil)
	ctx := context.Background()
	sender := dialTest(t, base)
	code, _, err := sender.Register(ctx, testFile)
	require.NoError(t, err)

	const n = 8
	receivers := make([]*Client, n)
	for i := range receivers {
		receivers[i] = dialTest(t, base)
	}

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		wins int
		errs []error
	)
	for _, r := range receivers {
		wg.Add(1)
		go func(r *Client) {
			defer wg.Done()
			_, err := r.Request(ctx, code)
			mu.Lock()
			defer mu.Unlock()
			if err == nil {
				wins++
				return
			}
			errs = append(errs, err)
		}(r)
	}
	wg.Wait()

	assert.Equal(t, 1, wins)
	for _, err := range errs {
		assert.ErrorIs(t, err, session.ErrAlreadyPaired)
	}
}

func TestRequestErrors(t *testing.T) {
	_, base := newTestServer(t, nil)
	ctx := context.Background()
	c := dialTest(t, base)

	_, err := c.Request(ctx, "ZZZZZZZZ")
	assert.ErrorIs(t, err, session.ErrNotFound)

	_, _, err = c.Find(ctx, "")
	assert.ErrorIs(t, err, session.ErrNoCandidate)

	code, _, err := c.Register(ctx, testFile)
	require.NoError(t, err)
	_, err = c.Request(ctx, code)
	assert.ErrorIs(t, err, session.ErrNotAvailable, "own code")
}

func TestForwardWithoutPeerReportsError(t *testing.T) {
	_, base := newTestServer(t, nil)
	c := dialTest(t, base)

	require.NoError(t, c.Forward("offer", 0, json.RawMessage(`{}`)))
	ev := waitEvent(t, c, FrameError)
	assert.ErrorIs(t, ev.Err, session.ErrNotActive)
}

func TestReconnectKeepsSession(t *testing.T) {
	_, base := newTestServer(t, nil)
	ctx := context.Background()
	sender := dialTest(t, base)
	code, _, err := sender.Register(ctx, testFile)
	require.NoError(t, err)
	id := sender.SessionID()

	sender.mu.Lock()
	ws := sender.ws
	sender.mu.Unlock()
	ws.Close()

	waitEvent(t, sender, FrameSession)
	assert.Equal(t, id, sender.SessionID())

	receiver := dialTest(t, base)
	_, available, err := receiver.Find(ctx, code)
	require.NoError(t, err)
	assert.True(t, available, "code survives the reconnect")

	_, err = receiver.Request(ctx, code)
	require.NoError(t, err)
	ready := waitEvent(t, sender, FrameReady)
	assert.Equal(t, receiver.SessionID(), ready.Peer)
}

// stallingServer drops the first socket right after greeting it and holds
// every later socket's session frame until the test ends.
func stallingServer(t *testing.T) (base string, redialed <-chan struct{}) {
	t.Helper()
	var conns atomic.Int32
	release := make(chan struct{})
	second := make(chan struct{})
	upgrader := websocket.Upgrader{}
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer ws.Close()
		if conns.Add(1) == 1 {
			_ = ws.WriteJSON(Frame{Type: FrameSession, Session: "s1"})
			time.Sleep(50 * time.Millisecond)
			return
		}
		close(second)
		select {
		case <-release:
		case <-time.After(3 * time.Second):
		}
		_ = ws.WriteJSON(Frame{Type: FrameSession, Session: "s1"})
		<-release
	}))
	t.Cleanup(ts.Close)
	t.Cleanup(func() { close(release) })
	return ts.URL, second
}

func TestCloseDuringReconnect(t *testing.T) {
	base, redialed := stallingServer(t)
	c, err := Dial(context.Background(), base, testClientConfig())
	require.NoError(t, err)

	select {
	case <-redialed:
	case <-time.After(5 * time.Second):
		t.Fatal("client never redialed")
	}

	closed := make(chan struct{})
	go func() {
		c.Close()
		close(closed)
	}()
	select {
	case <-closed:
	case <-time.After(time.Second):
		t.Fatal("Close blocked while a redial was waiting for its session frame")
	}
	assert.NoError(t, c.Err())

	_, _, err = c.Register(context.Background(), testFile)
	assert.ErrorIs(t, err, ErrClientClosed)
}

func TestResumeWithinGrace(t *testing.T) {
	srv, base := newTestServer(t, nil)
	ctx := context.Background()
	c, err := Dial(ctx, base, testClientConfig())
	require.NoError(t, err)
	code, key, err := c.Register(ctx, testFile)
	require.NoError(t, err)
	id := c.SessionID()
	require.NoError(t, c.Close())

	resumed, err := Resume(ctx, base, id, testClientConfig())
	require.NoError(t, err)
	t.Cleanup(func() { resumed.Close() })
	assert.Equal(t, id, resumed.SessionID())

	snap, ok := srv.Registry().Snapshot(id)
	require.True(t, ok)
	assert.Equal(t, code, snap.Code)
	assert.Equal(t, key, snap.Key)
	assert.True(t, snap.Connected)
}

func TestResumeAfterGraceFails(t *testing.T) {
	srv, base := newTestServer(t, func(c *ServerConfig) { c.Session.GracePeriod = time.Second })
	ctx := context.Background()
	c, err := Dial(ctx, base, testClientConfig())
	require.NoError(t, err)
	id := c.SessionID()
	require.NoError(t, c.Close())

	require.Eventually(t, func() bool { return srv.Registry().Len() == 0 }, 5*time.Second, 20*time.Millisecond)

	_, err = Resume(ctx, base, id, testClientConfig())
	assert.ErrorIs(t, err, session.ErrDestroyed)
}

func TestFindHTTP(t *testing.T) {
	_, base := newTestServer(t, nil)
	ctx := context.Background()
	c := dialTest(t, base)
	code, _, err := c.Register(ctx, testFile)
	require.NoError(t, err)

	p, err := FindHTTP(ctx, base, code)
	require.NoError(t, err)
	assert.Equal(t, Preview{Name: testFile.Name, Mime: testFile.Mime, Size: testFile.Size, Available: true}, p)
}

func TestClientConfigValidate(t *testing.T) {
	cfg := DefaultClientConfig()
	assert.NoError(t, cfg.Validate())

	cfg.RequestTimeout = 0
	assert.EqualError(t, cfg.Validate(), "request_timeout must be positive")

	cfg = DefaultClientConfig()
	cfg.ReconnectAttempts = -1
	assert.EqualError(t, cfg.Validate(), "reconnect_attempts cannot be negative")
}

func TestCallsFailAfterClose(t *testing.T) {
	_, base := newTestServer(t, nil)
	c, err := Dial(context.Background(), base, testClientConfig())
	require.NoError(t, err)
	require.NoError(t, c.Close())
	require.NoError(t, c.Close())

	_, _, err = c.Register(context.Background(), testFile)
	assert.ErrorIs(t, err, ErrClientClosed)
	assert.NoError(t, c.Err())
}
