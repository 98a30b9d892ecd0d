package cli

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/m-mizutani/cricai/pkg/server"
	"github.com/m-mizutani/cricai/pkg/service/mcp"
	"github.com/m-mizutani/cricai/pkg/usecase/match"
	"github.com/m-mizutani/cricai/pkg/utils/logging"
	"github.com/urfave/cli/v3"
)

const pollerShutdownTimeout = 30 * time.Second

func serveCommand() *cli.Command {
	var (
		cfg        config
		mc         matchConfig
		addr       string
		noPollers  bool
		disableMCP bool
	)

	flags := []cli.Flag{
		&cli.StringFlag{
			Name:        "addr",
			Usage:       "Listen address",
			Value:       "127.0.0.1:8080",
			Sources:     cli.EnvVars("CRICAI_ADDR"),
			Destination: &addr,
		},
		&cli.BoolFlag{
			Name:        "no-pollers",
			Usage:       "Do not start commentary and index pollers for the initial match",
			Destination: &noPollers,
		},
		&cli.BoolFlag{
			Name:        "disable-mcp",
			Usage:       "Do not serve the MCP endpoint at /mcp",
			Destination: &disableMCP,
		},
	}
	flags = append(flags, matchFlags(&mc, false)...)
	flags = append(flags, trackerFlags(&cfg)...)

	return &cli.Command{
		Name:  "serve",
		Usage: "Serve the match Q&A HTTP API with background pollers",
		Flags: flags,
		Action: func(ctx context.Context, c *cli.Command) error {
			ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
			defer stop()

			return cfg.withTracker(ctx, func(ctx context.Context, tracker *match.Tracker) error {
				logger := logging.From(ctx)
				defer func() {
					sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), pollerShutdownTimeout)
					defer cancel()
					if err := tracker.Shutdown(sctx); err != nil {
						logger.Error("failed to stop pollers", logging.ErrAttr(err))
					}
				}()

				if mc.url != "" {
					if _, err := mc.selectMatch(ctx, tracker); err != nil {
						return err
					}
					if !noPollers {
						tracker.StartCommentary(ctx)
						tracker.StartIndexing(ctx)
					}
				}

				opts := []server.Option{server.WithVersion(Version)}
				if !disableMCP {
					opts = append(opts, server.WithMount("/mcp", mcp.New(tracker, Version).HTTPHandler()))
				}

				return server.New(tracker, opts...).ListenAndServe(ctx, addr)
			})
		},
	}
}

func mcpCommand() *cli.Command {
	var cfg config

	return &cli.Command{
		Name:  "mcp",
		Usage: "Run as an MCP server on stdio",
		Flags: trackerFlags(&cfg),
		Action: func(ctx context.Context, c *cli.Command) error {
			return cfg.withTracker(ctx, func(ctx context.Context, tracker *match.Tracker) error {
				return mcp.New(tracker, Version).RunStdio(ctx)
			})
		},
	}
}
