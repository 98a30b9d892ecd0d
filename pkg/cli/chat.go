package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/chzyer/readline"
	"github.com/google/uuid"
	"github.com/m-mizutani/cricai/pkg/usecase/match"
	"github.com/m-mizutani/cricai/pkg/utils/logging"
	"github.com/m-mizutani/goerr/v2"
	"github.com/urfave/cli/v3"
)

func askCommand() *cli.Command {
	var (
		cfg       config
		mc        matchConfig
		skipIndex bool
	)

	flags := matchFlags(&mc, true)
	flags = append(flags,
		&cli.BoolFlag{
			Name:        "skip-index",
			Usage:       "Answer from the existing collection without scraping the page again",
			Destination: &skipIndex,
		},
	)
	flags = append(flags, trackerFlags(&cfg)...)

	return &cli.Command{
		Name:      "ask",
		Usage:     "Answer a single question about a match",
		ArgsUsage: "<question>",
		Flags:     flags,
		Action: func(ctx context.Context, c *cli.Command) error {
			question := strings.TrimSpace(strings.Join(c.Args().Slice(), " "))
			if question == "" {
				return goerr.New("question is required")
			}

			return cfg.withTracker(ctx, func(ctx context.Context, tracker *match.Tracker) error {
				if err := prepareMatch(ctx, tracker, &mc, skipIndex); err != nil {
					return err
				}

				answer, err := withSpinner("thinking...", func() (string, error) {
					return tracker.Ask(ctx, uuid.NewString(), question)
				})
				if err != nil {
					return err
				}

				fmt.Fprintln(c.Root().Writer, answer)
				return nil
			})
		},
	}
}

func chatCommand() *cli.Command {
	var (
		cfg       config
		mc        matchConfig
		skipIndex bool
		sessionID string
	)

	flags := matchFlags(&mc, true)
	flags = append(flags,
		&cli.BoolFlag{
			Name:        "skip-index",
			Usage:       "Answer from the existing collection without scraping the page first",
			Destination: &skipIndex,
		},
		&cli.StringFlag{
			Name:        "session",
			Aliases:     []string{"s"},
			Usage:       "Session ID to resume. A new session is created when empty",
			Sources:     cli.EnvVars("CRICAI_SESSION_ID"),
			Destination: &sessionID,
		},
	)
	flags = append(flags, trackerFlags(&cfg)...)

	return &cli.Command{
		Name:  "chat",
		Usage: "Interactive questions about a match",
		Flags: flags,
		Action: func(ctx context.Context, c *cli.Command) error {
			if sessionID == "" {
				sessionID = uuid.NewString()
			}

			return cfg.withTracker(ctx, func(ctx context.Context, tracker *match.Tracker) error {
				if err := prepareMatch(ctx, tracker, &mc, skipIndex); err != nil {
					return err
				}

				rl, err := readline.NewEx(&readline.Config{
					Prompt:          "> ",
					InterruptPrompt: "^C",
					EOFPrompt:       "exit",
				})
				if err != nil {
					return goerr.Wrap(err, "failed to start readline")
				}
				defer rl.Close()

				w := c.Root().Writer
				history := tracker.Sessions().GetOrCreate(ctx, sessionID)
				fmt.Fprintf(w, "Chat session %s started (%d messages). Commands: /refresh, /commentary, exit\n", sessionID, history.Len())

				for {
					line, err := rl.Readline()
					if errors.Is(err, readline.ErrInterrupt) {
						if line == "" {
							break
						}
						continue
					}
					if errors.Is(err, io.EOF) {
						break
					}
					if err != nil {
						return goerr.Wrap(err, "failed to read input")
					}

					message := strings.TrimSpace(line)
					switch message {
					case "":
						continue
					case "exit", "quit":
						fmt.Fprintf(w, "\nChat session completed\n")
						return nil
					case "/refresh":
						n, err := withSpinner("indexing match page...", func() (int, error) {
							return tracker.RefreshIndex(ctx)
						})
						if err != nil {
							logging.From(ctx).Error("failed to refresh index", logging.ErrAttr(err))
							fmt.Fprintf(w, "refresh failed: %s\n", err.Error())
							continue
						}
						fmt.Fprintf(w, "indexed %d passages\n", n)
						continue
					case "/commentary":
						commentary, err := withSpinner("fetching commentary...", func() (*match.Commentary, error) {
							return tracker.RefreshCommentary(ctx)
						})
						if err != nil {
							fmt.Fprintf(w, "commentary failed: %s\n", err.Error())
							continue
						}
						for _, l := range commentary.Lines {
							fmt.Fprintln(w, l)
						}
						continue
					}

					answer, err := withSpinner("thinking...", func() (string, error) {
						return tracker.Ask(ctx, sessionID, message)
					})
					if err != nil {
						// keep the session alive on a failed question
						fmt.Fprintf(w, "error: %s\n", err.Error())
						continue
					}
					fmt.Fprintf(w, "%s\n", answer)
				}

				fmt.Fprintf(w, "\nChat session completed\n")
				return nil
			})
		},
	}
}

// prepareMatch selects the match and builds its collection unless skipped
func prepareMatch(ctx context.Context, tracker *match.Tracker, mc *matchConfig, skipIndex bool) error {
	sel, err := mc.selectMatch(ctx, tracker)
	if err != nil {
		return err
	}
	if skipIndex {
		return nil
	}

	n, err := withSpinner("indexing match page...", func() (int, error) {
		return tracker.RefreshIndex(ctx)
	})
	if err != nil {
		return err
	}
	logging.From(ctx).Info("match indexed", "collection", sel.Match.ID.CollectionName(), "passages", n)
	return nil
}
