package main

import (
	"fmt"
	"log/slog"
	"net"
	"os"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/rescp17/peerFileSharer/api"
	"github.com/rescp17/peerFileSharer/internal/style"
	"github.com/rescp17/peerFileSharer/pkg/discovery"
	"github.com/rescp17/peerFileSharer/pkg/session"
)

func newServeCmd(c *cli) *cobra.Command {
	var (
		listen   string
		announce bool
	)
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the signaling server that pairs senders with receivers",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := c.cfg.Server
			if cmd.Flags().Changed("listen") {
				cfg.Listen = listen
			}
			if cmd.Flags().Changed("announce") {
				cfg.Announce = announce
			}
			if err := cfg.Validate(); err != nil {
				return err
			}

			registry, err := session.NewRegistry(cfg.Session)
			if err != nil {
				return err
			}
			ln, err := net.Listen("tcp", cfg.Listen)
			if err != nil {
				return fmt.Errorf("listen on %s: %w", cfg.Listen, err)
			}
			srv := api.NewServer(cfg, registry)

			g, ctx := errgroup.WithContext(cmd.Context())
			g.Go(func() error { return srv.Serve(ctx, ln) })
			if cfg.Announce {
				port := ln.Addr().(*net.TCPAddr).Port
				name, err := os.Hostname()
				if err != nil {
					name = "peerfilesharer"
				}
				info := discovery.ServiceInfo{
					Name:   name,
					Type:   discovery.DefaultServiceType,
					Domain: discovery.DefaultDomain,
					Port:   port,
				}
				g.Go(func() error { return (&discovery.MDNSAdapter{}).Announce(ctx, info) })
				slog.Info("Announcing signaling server", "name", name, "port", port)
			}

			fmt.Fprintln(cmd.OutOrStdout(), "Signaling server listening on "+style.HighlightFontStyle.Render(ln.Addr().String()))
			return g.Wait()
		},
	}
	cmd.Flags().StringVar(&listen, "listen", api.DefaultListen, "address to listen on")
	cmd.Flags().BoolVar(&announce, "announce", false, "advertise the server on the LAN over mDNS")
	return cmd
}
