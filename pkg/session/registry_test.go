package session

import (
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rescp17/peerFileSharer/pkg/crypto"
	"github.com/rescp17/peerFileSharer/pkg/transfer"
)

type fakeEndpoint struct {
	mu     sync.Mutex
	events []Event
	closed int
}

func (f *fakeEndpoint) Notify(ev Event) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, ev)
	return true
}

func (f *fakeEndpoint) Close() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed++
}

func (f *fakeEndpoint) count(t EventType) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, ev := range f.events {
		if ev.Type == t {
			n++
		}
	}
	return n
}

func (f *fakeEndpoint) last() Event {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.events) == 0 {
		return Event{}
	}
	return f.events[len(f.events)-1]
}

func (f *fakeEndpoint) closes() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

func newTestRegistry(t *testing.T) *Registry {
	t.Helper()
	r, err := NewRegistry(DefaultConfig())
	require.NoError(t, err)
	t.Cleanup(r.Close)
	return r
}

func open(t *testing.T, r *Registry) (string, *fakeEndpoint) {
	t.Helper()
	ep := &fakeEndpoint{}
	snap, err := r.Open(ep)
	require.NoError(t, err)
	return snap.ID, ep
}

var testFile = FileMeta{Name: "report.pdf", Mime: "application/pdf", Size: 10 << 20}

// pair registers a sender and pairs a receiver with it.
func pair(t *testing.T, r *Registry) (senderID string, sender *fakeEndpoint, receiverID string, receiver *fakeEndpoint) {
	t.Helper()
	senderID, sender = open(t, r)
	receiverID, receiver = open(t, r)
	code, _, err := r.Register(senderID, testFile)
	require.NoError(t, err)
	_, err = r.Request(receiverID, code)
	require.NoError(t, err)
	return
}

func TestRegisterIssuesCodeAndKey(t *testing.T) {
	r := newTestRegistry(t)
	id, _ := open(t, r)

	code, key, err := r.Register(id, testFile)
	require.NoError(t, err)
	assert.Len(t, code, DefaultCodeLength)
	for _, c := range code {
		assert.True(t, strings.ContainsRune(CodeAlphabet, c), "unexpected symbol %q", c)
	}
	raw, err := crypto.DecodeKey(key)
	require.NoError(t, err)
	assert.Len(t, raw, crypto.KeySize)

	snap, ok := r.Snapshot(id)
	require.True(t, ok)
	assert.Equal(t, StateRegistered, snap.State)
	assert.Equal(t, testFile, snap.File)

	file, available, err := r.Find(code)
	require.NoError(t, err)
	assert.True(t, available)
	assert.Equal(t, testFile, file)
}

func TestRegisterRetriesCollisions(t *testing.T) {
	r := newTestRegistry(t)
	codes := []string{"BCDF", "BCDF", "GHJK"}
	r.newCode = func(int) (string, error) {
		c := codes[0]
		if len(codes) > 1 {
			codes = codes[1:]
		}
		return c, nil
	}

	first, _ := open(t, r)
	second, _ := open(t, r)
	code, _, err := r.Register(first, testFile)
	require.NoError(t, err)
	assert.Equal(t, "BCDF", code)
	code, _, err = r.Register(second, testFile)
	require.NoError(t, err)
	assert.Equal(t, "GHJK", code)

	// Every draw now collides.
	third, _ := open(t, r)
	_, _, err = r.Register(third, testFile)
	assert.ErrorIs(t, err, ErrInternal)
	snap, _ := r.Snapshot(third)
	assert.Equal(t, StateIdle, snap.State, "a failed register leaves the session untouched")
}

func TestReRegisterReleasesPreviousCode(t *testing.T) {
	r := newTestRegistry(t)
	id, _ := open(t, r)
	oldCode, oldKey, err := r.Register(id, testFile)
	require.NoError(t, err)
	newCode, newKey, err := r.Register(id, FileMeta{Name: "other.txt", Size: 3})
	require.NoError(t, err)

	assert.NotEqual(t, oldCode, newCode)
	assert.NotEqual(t, oldKey, newKey)
	_, _, err = r.Find(oldCode)
	assert.ErrorIs(t, err, ErrNotFound)
	file, _, err := r.Find(newCode)
	require.NoError(t, err)
	assert.Equal(t, "other.txt", file.Name)
}

func TestRegisterUnknownOrPaired(t *testing.T) {
	r := newTestRegistry(t)
	_, _, err := r.Register("missing", testFile)
	assert.ErrorIs(t, err, ErrDestroyed)

	senderID, _, _, _ := pair(t, r)
	_, _, err = r.Register(senderID, testFile)
	assert.ErrorIs(t, err, ErrAlreadyPaired)
}

func TestFind(t *testing.T) {
	r := newTestRegistry(t)
	_, _, err := r.Find("")
	assert.ErrorIs(t, err, ErrNoCandidate)
	_, _, err = r.Find("nope")
	assert.ErrorIs(t, err, ErrNotFound)

	senderID, _, _, _ := pair(t, r)
	snap, _ := r.Snapshot(senderID)
	file, available, err := r.Find(snap.Code)
	require.NoError(t, err)
	assert.False(t, available, "a paired sender is no longer available")
	assert.Equal(t, testFile, file)
}

func TestRequestPairsBothSessions(t *testing.T) {
	r := newTestRegistry(t)
	senderID, sender := open(t, r)
	receiverID, receiver := open(t, r)
	code, key, err := r.Register(senderID, testFile)
	require.NoError(t, err)

	match, err := r.Request(receiverID, code)
	require.NoError(t, err)
	assert.Equal(t, Match{Peer: senderID, File: testFile, Key: key}, match)

	s, _ := r.Snapshot(senderID)
	rv, _ := r.Snapshot(receiverID)
	assert.Equal(t, receiverID, s.Peer)
	assert.Equal(t, senderID, rv.Peer)
	assert.Equal(t, StatePaired, s.State)
	assert.Equal(t, StatePaired, rv.State)
	assert.Equal(t, Event{Type: EventReady, Peer: receiverID}, sender.last())
	assert.Equal(t, Event{Type: EventReady, Peer: senderID}, receiver.last())

	again, err := r.Request(receiverID, code)
	require.NoError(t, err, "repeating a won request is idempotent")
	assert.Equal(t, match, again)
	assert.Equal(t, 1, sender.count(EventReady))
}

func TestConcurrentRequestsOnlyOneWins(t *testing.T) {
	r := newTestRegistry(t)
	senderID, _ := open(t, r)
	code, _, err := r.Register(senderID, testFile)
	require.NoError(t, err)

	const racers = 32
	ids := make([]string, racers)
	for i := range ids {
		ids[i], _ = open(t, r)
	}

	var (
		wg      sync.WaitGroup
		start   = make(chan struct{})
		results = make([]error, racers)
	)
	for i := range ids {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			<-start
			_, results[i] = r.Request(ids[i], code)
		}(i)
	}
	close(start)
	wg.Wait()

	winners := 0
	for i, err := range results {
		if err == nil {
			winners++
			snap, _ := r.Snapshot(senderID)
			assert.Equal(t, ids[i], snap.Peer)
			continue
		}
		assert.ErrorIs(t, err, ErrAlreadyPaired)
	}
	assert.Equal(t, 1, winners)
}

func TestRequestRefusals(t *testing.T) {
	r := newTestRegistry(t)
	senderID, _ := open(t, r)
	code, _, err := r.Register(senderID, testFile)
	require.NoError(t, err)
	otherSender, _ := open(t, r)
	_, _, err = r.Register(otherSender, testFile)
	require.NoError(t, err)
	receiverID, _ := open(t, r)

	tests := []struct {
		name   string
		caller string
		code   string
		want   error
	}{
		{"unknown session", "ghost", code, ErrDestroyed},
		{"empty code", receiverID, "", ErrNoCandidate},
		{"unknown code", receiverID, "zzzzzzzz", ErrNotFound},
		{"own code", senderID, code, ErrNotAvailable},
		{"caller holds a code", otherSender, code, ErrNotAvailable},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := r.Request(tt.caller, tt.code)
			assert.ErrorIs(t, err, tt.want)
		})
	}

	snap, _ := r.Snapshot(senderID)
	assert.Empty(t, snap.Peer, "failed requests never mutate pairing state")
	_, err = r.Request(receiverID, code)
	assert.NoError(t, err, "a receiver may request again after a failed attempt")
}

func TestRequestAttemptLimit(t *testing.T) {
	r := newTestRegistry(t)
	r.cfg.MaxRequestAttempts = 2
	senderID, _ := open(t, r)
	code, _, err := r.Register(senderID, testFile)
	require.NoError(t, err)
	receiverID, _ := open(t, r)

	for i := 0; i < 2; i++ {
		_, err = r.Request(receiverID, "wrong")
		assert.ErrorIs(t, err, ErrNotFound)
	}
	_, err = r.Request(receiverID, code)
	assert.ErrorIs(t, err, ErrNotAvailable)
}

func TestRelay(t *testing.T) {
	r := newTestRegistry(t)
	loneID, _ := open(t, r)
	msg := Message{Kind: "offer", Index: 3, Payload: []byte(`{"type":"offer","sdp":"v=0"}`)}
	assert.ErrorIs(t, r.Relay(loneID, "", msg), ErrNotActive)
	assert.ErrorIs(t, r.Relay("ghost", "", msg), ErrDestroyed)

	senderID, sender, receiverID, receiver := pair(t, r)

	require.NoError(t, r.Relay(senderID, loneID, msg), "relay to a stranger is dropped silently")
	assert.Zero(t, receiver.count(EventMessage))

	require.NoError(t, r.Relay(senderID, receiverID, msg))
	assert.Equal(t, Event{Type: EventMessage, Message: msg}, receiver.last())
	require.NoError(t, r.Relay(receiverID, "", msg))
	assert.Equal(t, 1, sender.count(EventMessage))

	snap, _ := r.Snapshot(senderID)
	assert.Equal(t, StateActive, snap.State)
}

func TestDestroyCascadesToPeerOnce(t *testing.T) {
	for _, start := range []string{"sender", "receiver"} {
		t.Run(start, func(t *testing.T) {
			r := newTestRegistry(t)
			var mu sync.Mutex
			destroyed := map[string]int{}
			r.OnDestroy(func(id string) {
				mu.Lock()
				destroyed[id]++
				mu.Unlock()
			})

			senderID, sender, receiverID, receiver := pair(t, r)
			snap, _ := r.Snapshot(senderID)
			if start == "sender" {
				r.Destroy(senderID)
			} else {
				r.Destroy(receiverID)
			}
			r.Destroy(senderID)
			r.Destroy(receiverID)

			assert.Zero(t, r.Len())
			assert.Equal(t, map[string]int{senderID: 1, receiverID: 1}, destroyed)
			for _, ep := range []*fakeEndpoint{sender, receiver} {
				assert.Equal(t, 1, ep.count(EventDestroyed))
				assert.Equal(t, 1, ep.closes())
			}
			_, _, err := r.Find(snap.Code)
			assert.ErrorIs(t, err, ErrNotFound, "the code is released")
		})
	}
}

func shortGrace(r *Registry) {
	r.cfg.GracePeriod = 50 * time.Millisecond
}

func TestResumeWithinGraceKeepsSession(t *testing.T) {
	r := newTestRegistry(t)
	shortGrace(r)
	senderID, sender, receiverID, _ := pair(t, r)
	before, _ := r.Snapshot(senderID)

	r.Disconnect(senderID, sender, CauseClientGone)
	mid, _ := r.Snapshot(senderID)
	assert.True(t, mid.Expiring)
	assert.False(t, mid.Connected)

	again := &fakeEndpoint{}
	after, err := r.Resume(senderID, again)
	require.NoError(t, err)
	time.Sleep(3 * r.cfg.GracePeriod)

	assert.Equal(t, before.Code, after.Code)
	assert.Equal(t, before.Key, after.Key)
	assert.Equal(t, receiverID, after.Peer)
	assert.False(t, after.Expiring)
	assert.Equal(t, 2, r.Len())
	assert.Zero(t, again.count(EventDestroyed))
}

func TestExpiryDestroysOnce(t *testing.T) {
	r := newTestRegistry(t)
	shortGrace(r)
	var mu sync.Mutex
	destroyed := map[string]int{}
	r.OnDestroy(func(id string) {
		mu.Lock()
		destroyed[id]++
		mu.Unlock()
	})
	senderID, sender, receiverID, receiver := pair(t, r)

	r.Disconnect(senderID, sender, CauseClientGone)
	require.Eventually(t, func() bool { return r.Len() == 0 }, time.Second, 5*time.Millisecond)
	time.Sleep(2 * r.cfg.GracePeriod)

	mu.Lock()
	assert.Equal(t, map[string]int{senderID: 1, receiverID: 1}, destroyed)
	mu.Unlock()
	assert.Equal(t, 1, receiver.count(EventDestroyed))
	assert.Zero(t, sender.count(EventDestroyed), "the disconnected endpoint is not notified")

	_, err := r.Resume(senderID, &fakeEndpoint{})
	assert.ErrorIs(t, err, ErrDestroyed)
}

func TestStaleTimerFiringIsNoop(t *testing.T) {
	r := newTestRegistry(t)
	id, ep := open(t, r)
	r.Disconnect(id, ep, CauseClientGone)

	r.mu.Lock()
	gen := r.sessions[id].timerGen
	r.mu.Unlock()

	_, err := r.Resume(id, &fakeEndpoint{})
	require.NoError(t, err)
	// A callback that fired before the resume took the lock.
	r.expire(id, gen)
	assert.Equal(t, 1, r.Len())
}

func TestSupersededDisconnectIgnored(t *testing.T) {
	r := newTestRegistry(t)
	id, first := open(t, r)
	second := &fakeEndpoint{}
	_, err := r.Resume(id, second)
	require.NoError(t, err)
	assert.Equal(t, 1, first.closes(), "the replaced connection is closed")

	r.Disconnect(id, first, CauseClientGone)
	snap, _ := r.Snapshot(id)
	assert.True(t, snap.Connected)
	assert.False(t, snap.Expiring)
}

func TestServerTeardownDestroysImmediately(t *testing.T) {
	r := newTestRegistry(t)
	senderID, sender, _, receiver := pair(t, r)
	r.Disconnect(senderID, sender, CauseServerTeardown)
	assert.Zero(t, r.Len())
	assert.Equal(t, 1, receiver.count(EventDestroyed))
}

func TestCloseDestroysEverything(t *testing.T) {
	r, err := NewRegistry(DefaultConfig())
	require.NoError(t, err)
	pair(t, r)
	open(t, r)
	r.Close()
	assert.Zero(t, r.Len())
	_, err = r.Open(&fakeEndpoint{})
	assert.ErrorIs(t, err, ErrInternal)
}

func TestErrors(t *testing.T) {
	err := opError("request", ErrAlreadyPaired)
	assert.ErrorIs(t, err, ErrAlreadyPaired)
	assert.False(t, errors.Is(err, ErrNotFound))
	assert.Equal(t, "session: request: already-paired", err.Error())
	assert.Equal(t, transfer.CategoryRendezvous, transfer.Classify(err))

	assert.ErrorIs(t, ErrorFromReason("find", "not-found"), ErrNotFound)
	assert.ErrorIs(t, ErrorFromReason("find", "weird"), ErrInternal)
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name   string
		modify func(*Config)
		want   string
	}{
		{"short code", func(c *Config) { c.CodeLength = 3 }, "code_length must be between 4 and 32"},
		{"grace too short", func(c *Config) { c.GracePeriod = time.Millisecond }, "grace_period must be between 1s and 5m"},
		{"grace too long", func(c *Config) { c.GracePeriod = time.Hour }, "grace_period must be between 1s and 5m"},
		{"negative attempts", func(c *Config) { c.MaxRequestAttempts = -1 }, "max_request_attempts cannot be negative"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.modify(&cfg)
			assert.EqualError(t, cfg.Validate(), tt.want)
		})
	}
	cfg := DefaultConfig()
	assert.NoError(t, cfg.Validate())
}

func TestNewCode(t *testing.T) {
	seen := map[string]bool{}
	for i := 0; i < 100; i++ {
		c, err := NewCode(8)
		require.NoError(t, err)
		assert.Len(t, c, 8)
		seen[c] = true
	}
	assert.Greater(t, len(seen), 95)
}
