package cli

import (
	"context"
	"errors"
	"io/fs"

	"github.com/joho/godotenv"
	"github.com/m-mizutani/cricai/pkg/usecase/match"
	"github.com/urfave/cli/v3"
)

// Version is overridden at build time
var Version = "dev"

type Error struct {
	Code    int
	Message string
}

func Run(ctx context.Context, argv []string) *Error {
	// existing environment variables take precedence over .env
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return &Error{Code: 1, Message: err.Error()}
	}

	cmd := &cli.Command{
		Name:    "cricai",
		Usage:   "Ask questions about IPL matches from their live pages",
		Version: Version,
		Commands: []*cli.Command{
			serveCommand(),
			askCommand(),
			chatCommand(),
			refreshCommand(),
			matchesCommand(),
			commentaryCommand(),
			statusCommand(),
			mcpCommand(),
		},
	}

	if err := cmd.Run(ctx, argv); err != nil {
		return &Error{
			Code:    1,
			Message: err.Error(),
		}
	}

	return nil
}

// withTracker configures logging, builds the tracker and releases its resources after fn
func (cfg *config) withTracker(ctx context.Context, fn func(ctx context.Context, tracker *match.Tracker) error) error {
	ctx, err := cfg.setupLogger(ctx)
	if err != nil {
		return err
	}
	defer cfg.close()

	tracker, err := cfg.newTracker(ctx)
	if err != nil {
		return err
	}
	return fn(ctx, tracker)
}
