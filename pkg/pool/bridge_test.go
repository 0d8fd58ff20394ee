package pool

import (
	"context"
	"encoding/json"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rescp17/peerFileSharer/pkg/transport"
	"github.com/rescp17/peerFileSharer/pkg/transport/memtransport"
)

// loopback delivers forwarded signals straight into another pool.
type loopback struct {
	mu   sync.Mutex
	to   *Pool
	sent int
}

func (l *loopback) Forward(kind string, index int, payload json.RawMessage) error {
	l.mu.Lock()
	l.sent++
	l.mu.Unlock()
	return l.to.Deliver(kind, index, payload)
}

func TestPumpAndDeliverConnectPools(t *testing.T) {
	net := memtransport.New()
	cfg := testConfig(4)
	connector, err := New(net, transport.RoleConnector, cfg)
	require.NoError(t, err)
	listener, err := New(net, transport.RoleListener, cfg)
	require.NoError(t, err)
	t.Cleanup(func() {
		connector.Close()
		listener.Close()
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	toListener := &loopback{to: listener}
	go connector.Pump(ctx, toListener)
	go listener.Pump(ctx, &loopback{to: connector})

	connector.Start()
	waitClosed(t, connector.Connected(), "connector connected")
	waitClosed(t, listener.Connected(), "listener connected")

	toListener.mu.Lock()
	assert.GreaterOrEqual(t, toListener.sent, cfg.Size, "one offer per slot at least")
	toListener.mu.Unlock()
}

func TestDeliverRejectsBadInput(t *testing.T) {
	p, err := New(memtransport.New(), transport.RoleListener, testConfig(2))
	require.NoError(t, err)
	defer p.Close()

	assert.Error(t, p.Deliver("bogus", 0, json.RawMessage(`{}`)))
	assert.Error(t, p.Deliver("offer", 0, json.RawMessage(`not json`)))
	assert.ErrorIs(t, p.Deliver("offer", 5, json.RawMessage(`{"type":"offer","sdp":""}`)), ErrBadIndex)
}
