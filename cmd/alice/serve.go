package main

import (
	"context"
	"fmt"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/dotsetgreg/alice/pkg/bus"
	"github.com/dotsetgreg/alice/pkg/channels"
	"github.com/dotsetgreg/alice/pkg/httpapi"
	"github.com/dotsetgreg/alice/pkg/logger"
	"github.com/dotsetgreg/alice/pkg/session"
)

func newServeCommand(opts *rootOptions) *cobra.Command {
	var (
		host      string
		port      int
		noDiscord bool
	)

	cmd := &cobra.Command{
		Use:     "serve",
		Aliases: []string{"gateway"},
		Short:   "Run the HTTP API, Discord bot and maintenance sweeper",
		Long:    "Serve the JSON API for the web UI, relay Discord conversations when a bot token is configured, and sweep idle sessions on schedule.",
		Example: "  alice serve --port 7860",
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.withRuntime(true, func(rt *appRuntime) error {
				if host == "" {
					host = rt.cfg.Gateway.Host
				}
				if port == 0 {
					port = rt.cfg.Gateway.Port
				}
				if noDiscord {
					rt.cfg.Channels.Discord.Token = ""
				}
				return serve(cmd.Context(), rt, host, port)
			})
		},
	}

	cmd.Flags().StringVar(&host, "host", "", "Listen host (default from config)")
	cmd.Flags().IntVarP(&port, "port", "p", 0, "Listen port (default from config)")
	cmd.Flags().BoolVar(&noDiscord, "no-discord", false, "Do not start the Discord bot")
	return cmd
}

func serve(parent context.Context, rt *appRuntime, host string, port int) error {
	if parent == nil {
		parent = context.Background()
	}
	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	sweeper, err := rt.sweeper()
	if err != nil {
		return err
	}

	msgBus := bus.NewMessageBus(0)
	defer msgBus.Close()

	channelManager, err := channels.NewManager(rt.cfg, msgBus)
	if err != nil {
		return fmt.Errorf("create channel manager: %w", err)
	}
	server := httpapi.NewServer(host, port, rt.ctrl, httpapi.WithChannels(channelManager))

	fmt.Printf("✓ API listening on http://%s\n", server.Addr())
	if enabled := channelManager.Enabled(); len(enabled) > 0 {
		fmt.Printf("✓ Channels enabled: %s\n", strings.Join(enabled, ", "))
	}
	fmt.Println("Press Ctrl+C to stop")

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return server.Run(gctx) })
	g.Go(func() error { return sweeper.Run(gctx) })

	if len(channelManager.Enabled()) > 0 {
		if err := channelManager.StartAll(gctx); err != nil {
			stop()
			_ = g.Wait()
			return err
		}
		dispatcher := session.NewDispatcher(rt.ctrl, msgBus)
		g.Go(func() error { return dispatcher.Run(gctx) })
		g.Go(func() error {
			<-gctx.Done()
			return channelManager.StopAll(context.Background())
		})
	}

	err = g.Wait()
	fmt.Println("\nShutting down...")
	logger.InfoC("serve", "Stopped")
	return err
}
