package main

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/rescp17/peerFileSharer/api"
	appevents "github.com/rescp17/peerFileSharer/internal/app_events"
	"github.com/rescp17/peerFileSharer/internal/style"
	"github.com/rescp17/peerFileSharer/internal/util"
	"github.com/rescp17/peerFileSharer/pkg/cache"
	"github.com/rescp17/peerFileSharer/pkg/receiver"
	"github.com/rescp17/peerFileSharer/pkg/sender"
	"github.com/rescp17/peerFileSharer/pkg/ui"
	"github.com/rescp17/peerFileSharer/pkg/webrtc"
)

func newSendCmd(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "send <file>",
		Short: "Offer a file and print the code the receiver needs",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			serverURL, err := c.resolveServer(cmd.Context())
			if err != nil {
				return err
			}
			app := sender.NewApp(sender.Config{
				ServerURL: serverURL,
				Checksum:  c.cfg.Checksum,
				Client:    c.cfg.Client,
				Transfer:  c.cfg.Transfer,
				Pool:      c.cfg.Pool,
			}, webrtc.NewWebRTCAPI(c.cfg.WebRTC))

			return withConsole(cmd, app.UIMessages(), func(ctx context.Context) error {
				return app.Send(ctx, args[0])
			})
		},
	}
}

func newReceiveCmd(c *cli) *cobra.Command {
	var (
		outDir string
		store  string
	)
	cmd := &cobra.Command{
		Use:   "receive <code>",
		Short: "Claim a code and save the offered file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			storeCfg := c.cfg.Store
			if cmd.Flags().Changed("store") {
				storeCfg.Kind = cache.StoreKind(store)
				if err := storeCfg.Validate(); err != nil {
					return err
				}
			}
			serverURL, err := c.resolveServer(cmd.Context())
			if err != nil {
				return err
			}
			app := receiver.NewApp(receiver.Config{
				ServerURL: serverURL,
				Client:    c.cfg.Client,
				Transfer:  c.cfg.Transfer,
				Pool:      c.cfg.Pool,
				Store:     storeCfg,
			}, webrtc.NewWebRTCAPI(c.cfg.WebRTC))

			code := strings.TrimSpace(args[0])
			return withConsole(cmd, app.UIMessages(), func(ctx context.Context) error {
				_, err := app.Receive(ctx, code, outDir)
				return err
			})
		},
	}
	cmd.Flags().StringVarP(&outDir, "out", "o", ".", "directory to save the file in")
	cmd.Flags().StringVar(&store, "store", string(cache.StoreMemory), "fragment store: memory, sqlite or disk")
	return cmd
}

func newFindCmd(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "find <code>",
		Short: "Show what a code offers without claiming it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			serverURL, err := c.resolveServer(cmd.Context())
			if err != nil {
				return err
			}
			p, err := api.FindHTTP(cmd.Context(), serverURL, strings.TrimSpace(args[0]))
			if err != nil {
				return err
			}
			availability := style.SuccessStyle.Render("available")
			if !p.Available {
				availability = style.ErrorStyle.Render("already claimed")
			}
			body := fmt.Sprintf("%s\n%s  %s\n%s",
				style.HighlightFontStyle.Render(p.Name),
				util.FormatSize(p.Size), style.MutedStyle.Render(p.Mime),
				availability)
			fmt.Fprintln(cmd.OutOrStdout(), style.BaseStyle.Render(body))
			return nil
		},
	}
}

// withConsole runs fn while rendering msgs on the command's output.
func withConsole(cmd *cobra.Command, msgs <-chan appevents.AppUIMessage, fn func(ctx context.Context) error) error {
	out := cmd.OutOrStdout()
	if out == nil {
		out = os.Stdout
	}
	console := ui.NewConsole(out)

	ctx, cancel := context.WithCancel(cmd.Context())
	done := make(chan struct{})
	go func() {
		defer close(done)
		console.Run(ctx, msgs)
	}()

	err := fn(cmd.Context())
	cancel()
	<-done
	console.Drain(msgs)
	return err
}
