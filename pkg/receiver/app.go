// Package receiver claims a pairing code, collects the fragments the sender
// streams and writes the finished file to disk.
package receiver

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/rescp17/peerFileSharer/api"
	appevents "github.com/rescp17/peerFileSharer/internal/app_events"
	"github.com/rescp17/peerFileSharer/internal/app_events/receiver"
	"github.com/rescp17/peerFileSharer/internal/util"
	"github.com/rescp17/peerFileSharer/pkg/cache"
	"github.com/rescp17/peerFileSharer/pkg/concurrency"
	"github.com/rescp17/peerFileSharer/pkg/crypto"
	"github.com/rescp17/peerFileSharer/pkg/fileInfo"
	"github.com/rescp17/peerFileSharer/pkg/pool"
	"github.com/rescp17/peerFileSharer/pkg/transfer"
	"github.com/rescp17/peerFileSharer/pkg/transport"
)

// Config is what a receiver needs from the configuration file.
type Config struct {
	ServerURL string
	Client    api.ClientConfig
	Transfer  transfer.TransferConfig
	Pool      pool.Config
	Store     cache.StoreConfig
	// Linger bounds the wait for the sender to close the session after the
	// final report.
	Linger time.Duration
}

const defaultLinger = 10 * time.Second

var ErrChecksumMismatch = transfer.NewError(transfer.CategoryData, "checksum mismatch")

// App is the main application logic controller for the receiver.
type App struct {
	cfg        Config
	transport  transport.Transport
	guard      *concurrency.ConcurrencyGuard
	uiMessages chan appevents.AppUIMessage

	// tornDown, if set, receives the teardown steps that completed.
	tornDown func(steps []string)
}

// NewApp creates a receiver that answers channels on tr.
func NewApp(cfg Config, tr transport.Transport) *App {
	if cfg.Linger <= 0 {
		cfg.Linger = defaultLinger
	}
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

// Preview looks up code without claiming it.
func (a *App) Preview(ctx context.Context, code string) (api.Preview, error) {
	return api.FindHTTP(ctx, a.cfg.ServerURL, code)
}

// Receive claims code and saves the file into outDir. It returns the path
// written. Only one transfer runs at a time; a concurrent call fails with
// concurrency.ErrBusy.
func (a *App) Receive(ctx context.Context, code, outDir string) (string, error) {
	release, err := a.guard.Acquire()
	if err != nil {
		return "", err
	}
	defer release()

	start := time.Now()
	log := slog.With("transfer", uuid.NewString())

	path, size, err := a.receive(ctx, log, code, outDir)
	if err != nil {
		category := transfer.Classify(err)
		log.Error("Transfer failed", "category", category, "error", err)
		a.publish(appevents.AppErrorMsg{Err: err, Category: category.String()})
		return "", err
	}
	elapsed := time.Since(start)
	log.Info("Transfer complete", "path", path, "bytes", size, "elapsed", elapsed)
	a.publish(appevents.TransferCompleteMsg{Path: path, Bytes: size, Elapsed: elapsed})
	return path, nil
}

func (a *App) receive(ctx context.Context, log *slog.Logger, code, outDir string) (string, int64, error) {
	if err := util.EnsureDirectory(outDir); err != nil {
		return "", 0, transfer.NewError(transfer.CategoryResource, err.Error())
	}

	var (
		td       transfer.Teardown
		client   *api.Client
		channels *pool.Pool
		store    cache.Store
		re       *cache.Reassembler
		progress *transfer.Progress
	)
	td.Add("pool", func() error {
		if channels == nil {
			return nil
		}
		return channels.Close()
	})
	td.Add("cache", func() error {
		if store == nil {
			return nil
		}
		var errs []error
		if re != nil {
			errs = append(errs, re.Clear())
		}
		errs = append(errs, store.Close())
		return errors.Join(errs...)
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
	defer func() {
		td.Run()
		log.Debug("Transfer torn down", "steps", td.Ran())
		if a.tornDown != nil {
			a.tornDown(td.Ran())
		}
	}()

	a.status("Connecting to signaling server...")
	client, err := api.Dial(ctx, a.cfg.ServerURL, a.cfg.Client)
	if err != nil {
		return "", 0, fmt.Errorf("connect to signaling server: %w", err)
	}
	match, err := client.Request(ctx, code)
	if err != nil {
		return "", 0, err
	}
	meta := match.File
	log.Info("Paired with sender", "session", client.SessionID(), "peer", match.Peer, "name", meta.Name, "size", meta.Size)
	a.publish(receiver.MatchedMsg{Peer: match.Peer, File: meta})

	suite := crypto.SuiteAESGCM
	if meta.Cipher != "" {
		if suite, err = crypto.ParseSuite(meta.Cipher); err != nil {
			return "", 0, err
		}
	}
	rawKey, err := crypto.DecodeKey(match.Key)
	if err != nil {
		return "", 0, err
	}
	cipher, err := crypto.New(suite, rawKey)
	if err != nil {
		return "", 0, err
	}
	codec := transfer.NewCodec(cipher, meta.Compress, a.cfg.Transfer.CompressionLevel)

	store, err = cache.OpenStore(a.cfg.Store)
	if err != nil {
		return "", 0, err
	}
	re = cache.NewReassembler(store, meta.Size)
	channels, err = pool.New(a.transport, transport.RoleListener, a.cfg.Pool)
	if err != nil {
		return "", 0, fmt.Errorf("create channel pool: %w", err)
	}
	progress = transfer.NewProgress(meta.Size, a.cfg.Transfer.Progress)

	a.status("Opening data channels...")
	var path string
	g, gctx := errgroup.WithContext(ctx)
	loopCtx, stopLoops := context.WithCancel(gctx)
	defer stopLoops()

	g.Go(func() error { return client.Bridge(loopCtx, channels) })
	g.Go(func() error { return channels.Pump(loopCtx, client) })
	g.Go(func() error {
		defer stopLoops()
		if err := a.collect(gctx, log, codec, channels, re, progress); err != nil {
			return err
		}
		p, err := a.finish(gctx, log, outDir, meta.Name, meta.Mime, meta.Checksum, re, channels)
		if err != nil {
			return err
		}
		path = p
		a.linger(gctx, log, client, channels)
		return nil
	})
	if err := g.Wait(); err != nil {
		return "", 0, err
	}
	return path, meta.Size, nil
}

// collect stores fragments until every byte has arrived, reporting the
// running total to the sender every progress interval.
func (a *App) collect(ctx context.Context, log *slog.Logger, codec *transfer.Codec,
	channels *pool.Pool, re *cache.Reassembler, progress *transfer.Progress) error {
	select {
	case <-channels.Connected():
	case err := <-channels.Failed():
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
	log.Info("Data channels open", "open", channels.OpenCount(), "size", channels.Size())
	a.publish(receiver.ChannelsOpenMsg{Open: channels.OpenCount(), Size: channels.Size()})
	a.status("Receiving...")

	progress.Start(ctx)
	ticker := time.NewTicker(a.cfg.Transfer.Progress.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case err := <-channels.Failed():
			return err
		case <-re.Done():
			return nil
		case r := <-progress.Reports():
			a.publish(appevents.ProgressFromReport(r))
		case <-ticker.C:
			// The full size is only reported once the file is on disk.
			if n := re.TotalBytesStored(); n < re.Size() {
				sendReport(channels, n)
			}
		case msg := <-channels.Messages():
			seq, raw, err := codec.Decode(msg.Data)
			if err != nil {
				return fmt.Errorf("channel %d: %w", msg.Index, err)
			}
			if err := re.Put(seq, raw); err != nil {
				return err
			}
			progress.Set(re.TotalBytesStored())
			log.Debug("Fragment stored", "seq", seq, "index", msg.Index, "bytes", len(raw))
		}
	}
}

// finish writes the file, verifies it and confirms the full size to the
// sender.
func (a *App) finish(ctx context.Context, log *slog.Logger, outDir, name, mime, checksum string,
	re *cache.Reassembler, channels *pool.Pool) (string, error) {
	a.status("Writing file...")
	path, err := re.MaterializeFile(outDir, name, mime)
	if err != nil {
		return "", err
	}
	ok, err := fileInfo.Verify(path, checksum)
	if err != nil {
		return "", transfer.NewError(transfer.CategoryResource, err.Error())
	}
	if !ok {
		if rmErr := os.Remove(path); rmErr != nil {
			log.Warn("Failed to remove corrupt file", "path", path, "error", rmErr)
		}
		return "", fmt.Errorf("%w: %s", ErrChecksumMismatch, name)
	}

	if !sendReport(channels, re.Size()) {
		return "", fmt.Errorf("confirm transfer: %w", transport.ErrNotOpen)
	}
	flushCtx, cancel := context.WithTimeout(ctx, a.cfg.Linger)
	defer cancel()
	if err := channels.Flush(flushCtx); err != nil {
		log.Warn("Flush before close failed", "error", err)
	}
	return path, nil
}

// linger waits for the sender to end the session so the final report is
// not cut off by closing the channels first.
func (a *App) linger(ctx context.Context, log *slog.Logger, client *api.Client, channels *pool.Pool) {
	timer := time.NewTimer(a.cfg.Linger)
	defer timer.Stop()
	select {
	case <-client.Done():
	case <-channels.Failed():
	case <-ctx.Done():
	case <-timer.C:
		log.Debug("Sender did not close the session, closing ourselves")
	}
}

// sendReport writes the cumulative byte count on the first channel that
// accepts it.
func sendReport(channels *pool.Pool, n int64) bool {
	report := transfer.EncodeProgress(uint64(n))
	for _, ch := range channels.Channels() {
		if err := ch.Send(report); err == nil {
			return true
		}
	}
	return false
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
