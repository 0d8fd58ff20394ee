package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/charmbracelet/fang"
	"github.com/spf13/cobra"

	"github.com/rescp17/peerFileSharer/internal/config"
	"github.com/rescp17/peerFileSharer/internal/logging"
	"github.com/rescp17/peerFileSharer/pkg/discovery"
)

const discoverTimeout = 5 * time.Second

// cli holds what the persistent flags resolve to.
type cli struct {
	configPath string
	serverURL  string
	logLevel   string
	logFile    string

	cfg      config.Config
	closeLog func() error
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := fang.Execute(ctx, newRootCmd()); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	c := &cli{}
	cmd := &cobra.Command{
		Use:   "peerfilesharer",
		Short: "Send a file to another machine with a short pairing code",
		Long: "peerfilesharer pairs two machines through a small signaling server and " +
			"streams one file between them over parallel encrypted WebRTC data channels.",
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return c.setup(cmd)
		},
		PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
			if c.closeLog != nil {
				return c.closeLog()
			}
			return nil
		},
	}

	flags := cmd.PersistentFlags()
	flags.StringVar(&c.configPath, "config", "", "config file (default is $XDG_CONFIG_HOME/peerfilesharer/config.toml)")
	flags.StringVar(&c.serverURL, "server", "", "signaling server URL; discovered over mDNS when empty")
	flags.StringVar(&c.logLevel, "log-level", "", "log level: debug, info, warn or error")
	flags.StringVar(&c.logFile, "log-file", "", "write logs to this file instead of stderr")

	cmd.AddCommand(
		newServeCmd(c),
		newSendCmd(c),
		newReceiveCmd(c),
		newFindCmd(c),
		newConfigCmd(c),
	)
	return cmd
}

// setup loads the config file, applies flag overrides and installs the
// logger.
func (c *cli) setup(cmd *cobra.Command) error {
	path := c.configPath
	if path == "" {
		p, err := config.DefaultPath()
		if err != nil {
			return err
		}
		path = p
		c.configPath = p
	}
	cfg, err := config.Load(path)
	if err != nil {
		return err
	}

	flags := cmd.Flags()
	if flags.Changed("server") {
		cfg.ServerURL = c.serverURL
	}
	if flags.Changed("log-level") {
		cfg.Log.Level = c.logLevel
	}
	if flags.Changed("log-file") {
		cfg.Log.File = c.logFile
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	closeLog, err := logging.Setup(cfg.Log)
	if err != nil {
		return err
	}
	c.cfg = cfg
	c.closeLog = closeLog
	slog.Debug("Configuration loaded", "path", path, "server", cfg.ServerURL)
	return nil
}

// resolveServer returns the configured server URL or looks one up on the LAN.
func (c *cli) resolveServer(ctx context.Context) (string, error) {
	if c.cfg.ServerURL != "" {
		return c.cfg.ServerURL, nil
	}
	ctx, cancel := context.WithTimeout(ctx, discoverTimeout)
	defer cancel()

	slog.Info("Looking for a signaling server on the LAN", "service", discovery.DefaultServiceType)
	info, err := discovery.Resolve(ctx, &discovery.MDNSAdapter{}, discovery.DefaultServiceType)
	if err != nil {
		return "", fmt.Errorf("no --server given and none found over mDNS: %w", err)
	}
	slog.Info("Found signaling server", "name", info.Name, "url", info.ServerURL())
	return info.ServerURL(), nil
}
