package receiver

import (
	"context"
	"crypto/rand"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rescp17/peerFileSharer/api"
	appevents "github.com/rescp17/peerFileSharer/internal/app_events"
	senderevents "github.com/rescp17/peerFileSharer/internal/app_events/sender"
	"github.com/rescp17/peerFileSharer/pkg/cache"
	"github.com/rescp17/peerFileSharer/pkg/pool"
	"github.com/rescp17/peerFileSharer/pkg/sender"
	"github.com/rescp17/peerFileSharer/pkg/session"
	"github.com/rescp17/peerFileSharer/pkg/transfer"
	"github.com/rescp17/peerFileSharer/pkg/transport/memtransport"
)

func startServer(t *testing.T) (string, *session.Registry) {
	t.Helper()
	cfg := api.DefaultServerConfig()
	cfg.Session.GracePeriod = session.MinGracePeriod
	reg, err := session.NewRegistry(cfg.Session)
	require.NoError(t, err)
	ts := httptest.NewServer(api.NewServer(cfg, reg))
	t.Cleanup(func() {
		reg.Close()
		ts.Close()
	})
	return ts.URL, reg
}

func startSend(t *testing.T, ctx context.Context, s *sender.App, size int) (string, <-chan error) {
	t.Helper()
	data := make([]byte, size)
	_, err := rand.Read(data)
	require.NoError(t, err)
	src := filepath.Join(t.TempDir(), "payload.bin")
	require.NoError(t, os.WriteFile(src, data, 0o644))

	errCh := make(chan error, 1)
	go func() { errCh <- s.Send(ctx, src) }()

	timeout := time.After(10 * time.Second)
	for {
		select {
		case msg := <-s.UIMessages():
			if m, ok := msg.(senderevents.CodeMsg); ok {
				return m.Code, errCh
			}
		case err := <-errCh:
			t.Fatalf("sender failed before registering: %v", err)
		case <-timeout:
			t.Fatal("timed out waiting for the pairing code")
		}
	}
}

func TestCorruptFragmentAbortsAndTearsDown(t *testing.T) {
	serverURL, reg := startServer(t)
	net := memtransport.New()
	net.Corrupt(0, 2)

	tcfg := transfer.DefaultTransferConfig()
	tcfg.Progress.Interval = 50 * time.Millisecond

	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()
	sendCtx, stopSend := context.WithCancel(ctx)
	defer stopSend()

	s := sender.NewApp(sender.Config{
		ServerURL: serverURL,
		Checksum:  true,
		Client:    api.DefaultClientConfig(),
		Transfer:  tcfg,
		Pool:      pool.DefaultConfig(),
	}, net)
	code, sendErr := startSend(t, sendCtx, s, 2*1024*1024)

	storeDir := t.TempDir()
	r := NewApp(Config{
		ServerURL: serverURL,
		Client:    api.DefaultClientConfig(),
		Transfer:  tcfg,
		Pool:      pool.DefaultConfig(),
		Store:     cache.StoreConfig{Kind: cache.StoreDisk, Dir: storeDir},
		Linger:    2 * time.Second,
	}, net)
	steps := make(chan []string, 1)
	r.tornDown = func(ran []string) { steps <- ran }

	outDir := t.TempDir()
	_, err := r.Receive(ctx, code, outDir)
	require.ErrorIs(t, err, transfer.ErrCorruptFragment)
	assert.Equal(t, transfer.CategoryData, transfer.Classify(err))

	select {
	case ran := <-steps:
		assert.Equal(t, []string{"pool", "cache", "progress", "signaling"}, ran)
	default:
		t.Fatal("teardown did not run before Receive returned")
	}

	scratch, err := os.ReadDir(storeDir)
	require.NoError(t, err)
	assert.Empty(t, scratch, "fragment cache removed")
	written, err := os.ReadDir(outDir)
	require.NoError(t, err)
	assert.Empty(t, written, "nothing written for an aborted transfer")

	var failure *appevents.AppErrorMsg
	for failure == nil {
		select {
		case msg := <-r.UIMessages():
			if m, ok := msg.(appevents.AppErrorMsg); ok {
				failure = &m
			}
		default:
			t.Fatal("no error published to the front end")
		}
	}
	assert.Equal(t, transfer.CategoryData.String(), failure.Category)

	stopSend()
	select {
	case err := <-sendErr:
		assert.Error(t, err, "the sender cannot finish without the receiver")
	case <-time.After(10 * time.Second):
		t.Fatal("sender did not stop")
	}

	assert.Eventually(t, func() bool { return net.OpenLinks() == 0 }, 5*time.Second, 20*time.Millisecond,
		"both pools closed their links")
	assert.Eventually(t, func() bool { return reg.Len() == 0 }, 10*time.Second, 50*time.Millisecond,
		"both sessions end once their grace period lapses")
}
