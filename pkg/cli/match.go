package cli

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/briandowns/spinner"
	"github.com/m-mizutani/cricai/pkg/model"
	"github.com/m-mizutani/cricai/pkg/usecase/match"
	"github.com/m-mizutani/goerr/v2"
	"github.com/urfave/cli/v3"
)

type matchConfig struct {
	url     string
	innings int64
}

func matchFlags(mc *matchConfig, required bool) []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:        "match",
			Aliases:     []string{"m"},
			Usage:       "Match page URL, e.g. https://www.iplt20.com/match/2025/1798",
			Sources:     cli.EnvVars("CRICAI_MATCH_URL"),
			Destination: &mc.url,
			Required:    required,
		},
		&cli.IntFlag{
			Name:        "innings",
			Usage:       "Innings number (1 or 2)",
			Value:       1,
			Sources:     cli.EnvVars("CRICAI_INNINGS"),
			Destination: &mc.innings,
		},
	}
}

func (mc *matchConfig) selectMatch(ctx context.Context, tracker *match.Tracker) (*match.Selection, error) {
	return tracker.Select(ctx, mc.url, model.Innings(mc.innings))
}

// withSpinner shows a spinner on stderr while fn runs
func withSpinner[T any](suffix string, fn func() (T, error)) (T, error) {
	s := spinner.New(spinner.CharSets[14], 100*time.Millisecond, spinner.WithWriter(os.Stderr))
	s.Suffix = " " + suffix
	s.Start()
	defer s.Stop()
	return fn()
}

func matchesCommand() *cli.Command {
	var cfg config

	return &cli.Command{
		Name:  "matches",
		Usage: "List recent match pages",
		Flags: trackerFlags(&cfg),
		Action: func(ctx context.Context, c *cli.Command) error {
			return cfg.withTracker(ctx, func(ctx context.Context, tracker *match.Tracker) error {
				matches, err := tracker.ListMatches(ctx)
				if err != nil {
					return goerr.Wrap(err, "failed to list matches")
				}
				if len(matches) == 0 {
					fmt.Fprintf(c.Root().Writer, "No matches found\n")
					return nil
				}
				for _, m := range matches {
					fmt.Fprintf(c.Root().Writer, "%s\t%s\n", m.ID, m.URL)
				}
				return nil
			})
		},
	}
}

func statusCommand() *cli.Command {
	var (
		cfg config
		mc  matchConfig
	)

	flags := matchFlags(&mc, true)
	flags = append(flags, trackerFlags(&cfg)...)

	return &cli.Command{
		Name:  "status",
		Usage: "Show whether a match is live or completed",
		Flags: flags,
		Action: func(ctx context.Context, c *cli.Command) error {
			return cfg.withTracker(ctx, func(ctx context.Context, tracker *match.Tracker) error {
				sel, err := mc.selectMatch(ctx, tracker)
				if err != nil {
					return err
				}
				fmt.Fprintf(c.Root().Writer, "%s\t%s\n", sel.Match.ID, sel.Match.Status)
				return nil
			})
		},
	}
}

func commentaryCommand() *cli.Command {
	var (
		cfg   config
		mc    matchConfig
		limit int64
	)

	flags := matchFlags(&mc, true)
	flags = append(flags,
		&cli.IntFlag{
			Name:        "limit",
			Aliases:     []string{"l"},
			Usage:       "Maximum number of balls to display, 0 for all",
			Destination: &limit,
		},
	)
	flags = append(flags, trackerFlags(&cfg)...)

	return &cli.Command{
		Name:  "commentary",
		Usage: "Show ball by ball commentary of an innings, latest first",
		Flags: flags,
		Action: func(ctx context.Context, c *cli.Command) error {
			return cfg.withTracker(ctx, func(ctx context.Context, tracker *match.Tracker) error {
				if _, err := mc.selectMatch(ctx, tracker); err != nil {
					return err
				}

				commentary, err := withSpinner("fetching commentary...", func() (*match.Commentary, error) {
					return tracker.RefreshCommentary(ctx)
				})
				if err != nil {
					return err
				}

				lines := commentary.Lines
				if limit > 0 && int(limit) < len(lines) {
					lines = lines[:limit]
				}
				for _, line := range lines {
					fmt.Fprintln(c.Root().Writer, line)
				}
				return nil
			})
		},
	}
}

func refreshCommand() *cli.Command {
	var (
		cfg config
		mc  matchConfig
	)

	flags := matchFlags(&mc, true)
	flags = append(flags, trackerFlags(&cfg)...)

	return &cli.Command{
		Name:  "refresh",
		Usage: "Scrape a match page and rebuild its vector index collection",
		Flags: flags,
		Action: func(ctx context.Context, c *cli.Command) error {
			return cfg.withTracker(ctx, func(ctx context.Context, tracker *match.Tracker) error {
				sel, err := mc.selectMatch(ctx, tracker)
				if err != nil {
					return err
				}

				n, err := withSpinner("indexing match page...", func() (int, error) {
					return tracker.RefreshIndex(ctx)
				})
				if err != nil {
					return err
				}

				fmt.Fprintf(c.Root().Writer, "Indexed %d passages into %s\n", n, sel.Match.ID.CollectionName())
				return nil
			})
		},
	}
}
