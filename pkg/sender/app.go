// Package sender offers one file under a pairing code and streams it to the
// receiver that claims the code.
package sender

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/rescp17/peerFileSharer/api"
	appevents "github.com/rescp17/peerFileSharer/internal/app_events"
	"github.com/rescp17/peerFileSharer/internal/app_events/sender"
	"github.com/rescp17/peerFileSharer/pkg/concurrency"
	"github.com/rescp17/peerFileSharer/pkg/crypto"
	"github.com/rescp17/peerFileSharer/pkg/fileInfo"
	"github.com/rescp17/peerFileSharer/pkg/pool"
	"github.com/rescp17/peerFileSharer/pkg/session"
	"github.com/rescp17/peerFileSharer/pkg/transfer"
	"github.com/rescp17/peerFileSharer/pkg/transport"
)

// Config is what a sender needs from the configuration file.
type Config struct {
	ServerURL string
	Checksum  bool
	Client    api.ClientConfig
	Transfer  transfer.TransferConfig
	Pool      pool.Config
}

// App is the main application logic controller for the sender.
type App struct {
	cfg        Config
	transport  transport.Transport
	guard      *concurrency.ConcurrencyGuard
	uiMessages chan appevents.AppUIMessage
}

// NewApp creates a sender that opens its channels on tr.
func NewApp(cfg Config, tr transport.Transport) *App {
	return &App{
		cfg:        cfg,
		transport:  tr,
		guard:      concurrency.NewConcurrencyGuard(1),
		uiMessages: make(chan appevents.AppUIMessage, 64),
	}
}

// UIMessages returns the channel the front end listens on for updates.
func (a *App) UIMessages() <-chan appevents.AppUIMessage {
	return a.uiMessages
}

// Send offers the file at path and returns once the receiver has confirmed
// every byte, or on the first fatal error. Only one transfer runs at a
// time; a concurrent call fails with concurrency.ErrBusy.
func (a *App) Send(ctx context.Context, path string) error {
	release, err := a.guard.Acquire()
	if err != nil {
		return err
	}
	defer release()

	start := time.Now()
	transferID := uuid.NewString()
	log := slog.With("transfer", transferID)

	size, err := a.send(ctx, log, path)
	if err != nil {
		category := transfer.Classify(err)
		log.Error("Transfer failed", "category", category, "error", err)
		a.publish(appevents.AppErrorMsg{Err: err, Category: category.String()})
		return err
	}
	elapsed := time.Since(start)
	log.Info("Transfer complete", "bytes", size, "elapsed", elapsed)
	a.publish(appevents.TransferCompleteMsg{Path: path, Bytes: size, Elapsed: elapsed})
	return nil
}

func (a *App) send(ctx context.Context, log *slog.Logger, path string) (int64, error) {
	var (
		td       transfer.Teardown
		client   *api.Client
		channels *pool.Pool
		progress *transfer.Progress
	)
	td.Add("pool", func() error {
		if channels == nil {
			return nil
		}
		return channels.Close()
	})
	td.Add("progress", func() error {
		if progress != nil {
			progress.Stop()
		}
		return nil
	})
	td.Add("signaling", func() error {
		if client == nil {
			return nil
		}
		return client.Close()
	})
	defer td.Run()

	a.status("Reading file...")
	info, err := fileInfo.Describe(path, a.cfg.Checksum)
	if err != nil {
		return 0, fmt.Errorf("describe %s: %w", path, err)
	}
	suite, err := crypto.ParseSuite(a.cfg.Transfer.Cipher)
	if err != nil {
		return 0, err
	}
	meta := session.FileMeta{
		Name:     info.Name,
		Mime:     info.MimeType,
		Size:     info.Size,
		Checksum: info.Checksum,
		Cipher:   string(suite),
		Compress: a.cfg.Transfer.Compress,
	}

	a.status("Connecting to signaling server...")
	client, err = api.Dial(ctx, a.cfg.ServerURL, a.cfg.Client)
	if err != nil {
		return 0, fmt.Errorf("connect to signaling server: %w", err)
	}
	code, key, err := client.Register(ctx, meta)
	if err != nil {
		return 0, fmt.Errorf("register file: %w", err)
	}
	log.Info("File registered", "session", client.SessionID(), "code", code, "name", meta.Name, "size", meta.Size)
	a.publish(sender.CodeMsg{Code: code, File: info})
	a.status("Waiting for a receiver...")

	peer, err := client.WaitReady(ctx)
	if err != nil {
		return 0, err
	}
	log.Info("Receiver joined", "peer", peer)
	a.publish(sender.PeerJoinedMsg{Peer: peer})

	rawKey, err := crypto.DecodeKey(key)
	if err != nil {
		return 0, err
	}
	cipher, err := crypto.New(suite, rawKey)
	if err != nil {
		return 0, err
	}
	codec := transfer.NewCodec(cipher, meta.Compress, a.cfg.Transfer.CompressionLevel)

	channels, err = pool.New(a.transport, transport.RoleConnector, a.cfg.Pool)
	if err != nil {
		return 0, fmt.Errorf("create channel pool: %w", err)
	}
	progress = transfer.NewProgress(meta.Size, a.cfg.Transfer.Progress)

	a.status("Opening data channels...")
	g, gctx := errgroup.WithContext(ctx)
	loopCtx, stopLoops := context.WithCancel(gctx)
	defer stopLoops()

	g.Go(func() error { return client.Bridge(loopCtx, channels) })
	g.Go(func() error { return channels.Pump(loopCtx, client) })
	g.Go(func() error {
		defer stopLoops()
		return a.transmit(gctx, log, path, meta.Size, codec, channels, progress)
	})
	if err := g.Wait(); err != nil {
		return 0, err
	}

	if err := client.Complete(ctx); err != nil {
		log.Debug("Complete failed", "error", err)
	}
	return meta.Size, nil
}

// transmit waits for the pool, streams the file and returns once the
// receiver reports the full size.
func (a *App) transmit(ctx context.Context, log *slog.Logger, path string, size int64,
	codec *transfer.Codec, channels *pool.Pool, progress *transfer.Progress) error {
	channels.Start()
	select {
	case <-channels.Connected():
	case err := <-channels.Failed():
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
	log.Info("Data channels open", "open", channels.OpenCount(), "size", channels.Size())
	a.publish(sender.ChannelsOpenMsg{Open: channels.OpenCount(), Size: channels.Size()})
	a.status("Sending...")

	g, ctx := errgroup.WithContext(ctx)
	confirmed := make(chan struct{})
	g.Go(func() error { return readReports(ctx, channels, size, progress, confirmed) })
	g.Go(func() error {
		select {
		case err := <-channels.Failed():
			return err
		case <-ctx.Done():
			return nil
		}
	})

	// The stream goroutine always returns non-nil, which cancels ctx and
	// ends Run before Wait returns.
	sched := transfer.NewScheduler(channels, a.cfg.Transfer)
	g.Go(func() error {
		if err := sched.Run(ctx); err != nil && ctx.Err() == nil {
			return err
		}
		return nil
	})

	progress.Start(ctx)
	go a.forwardProgress(ctx, progress)

	g.Go(func() error {
		if err := a.stream(ctx, path, codec, sched); err != nil {
			return err
		}
		select {
		case <-confirmed:
		case <-ctx.Done():
			return ctx.Err()
		}
		stats := sched.Stats()
		log.Debug("Scheduler finished", "dispatched", stats.Dispatched, "bytes", stats.Bytes,
			"busy_retries", stats.BusyRetries, "send_errors", stats.SendErrors)
		return errStreamDone
	})

	if err := g.Wait(); err != nil && !errors.Is(err, errStreamDone) {
		return err
	}
	return nil
}

// errStreamDone stops the report reader once the receiver has confirmed.
var errStreamDone = errors.New("stream done")

func (a *App) stream(ctx context.Context, path string, codec *transfer.Codec, sched *transfer.Scheduler) error {
	chunker, err := transfer.OpenChunker(path, a.cfg.Transfer.FragmentSize)
	if err != nil {
		return err
	}
	defer chunker.Close()

	for {
		frag, err := chunker.Next()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("read fragment %d: %w", chunker.Count(), err)
		}
		wire, err := codec.Encode(frag.Seq, frag.Data)
		if err != nil {
			return fmt.Errorf("encode fragment %d: %w", frag.Seq, err)
		}
		if err := sched.WaitSendable(ctx); err != nil {
			return err
		}
		sched.Enqueue(wire)
	}
}

// readReports applies the receiver's cumulative byte counts. confirmed is
// closed once a report covers size.
func readReports(ctx context.Context, channels *pool.Pool, size int64, progress *transfer.Progress, confirmed chan<- struct{}) error {
	closed := false
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg := <-channels.Messages():
			n, err := transfer.DecodeProgress(msg.Data)
			if err != nil {
				return fmt.Errorf("channel %d: %w", msg.Index, err)
			}
			progress.Set(int64(n))
			if int64(n) >= size && !closed {
				closed = true
				close(confirmed)
			}
		}
	}
}

func (a *App) forwardProgress(ctx context.Context, progress *transfer.Progress) {
	for {
		select {
		case <-ctx.Done():
			return
		case r := <-progress.Reports():
			a.publish(appevents.ProgressFromReport(r))
			if r.Done {
				return
			}
		}
	}
}

func (a *App) status(msg string) {
	a.publish(appevents.StatusUpdateMsg{Message: msg})
}

// publish never blocks; a front end that falls behind loses updates.
func (a *App) publish(msg appevents.AppUIMessage) {
	select {
	case a.uiMessages <- msg:
	default:
		slog.Debug("Dropping UI message", "type", fmt.Sprintf("%T", msg))
	}
}
