package commands

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/urfave/cli/v3"

	"github.com/florianilch/apiconn/internal/app"
	"github.com/florianilch/apiconn/internal/observability"
)

// Execute runs the root command with the given context and arguments.
func Execute(ctx context.Context, args []string) error {
	return newRootCommand(os.Stdout, os.Environ).Run(ctx, args)
}

func newRootCommand(stdout io.Writer, environ func() []string) *cli.Command {
	r := &runner{environ: environ}

	return &cli.Command{
		Name:   "apiconn",
		Usage:  "OAuth2 connection manager and authenticating API proxy",
		Writer: stdout,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "path to config file",
			},
			&cli.StringFlag{
				Name:  "log-level",
				Usage: "log level (debug|info|warn|error)",
				Value: slog.LevelInfo.String(),
			},
			&cli.StringFlag{
				Name:  "log-format",
				Usage: "log format (text|json|otel)",
				Value: string(app.DefaultConfigLogFormat),
			},
		},
		Commands: []*cli.Command{
			r.importCommand(),
			r.statusCommand(),
			r.tokenCommand(),
			r.refreshCommand(),
			r.serveCommand(),
		},
	}
}

// runner holds what every command action needs besides its flags.
type runner struct {
	environ func() []string
}

// setup loads the configuration and installs logging. The returned
// function flushes telemetry and must be deferred.
func (r *runner) setup(ctx context.Context, cmd *cli.Command) (*app.Config, func(), error) {
	cfg, err := loadConfig(cmd.String("config"), cmd, r.environ)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load config: %w", err)
	}

	// Set up observability before creating app
	shutdown, err := observability.Instrument(ctx, cfg.LogLevel, string(cfg.LogFormat))
	if err != nil {
		return nil, nil, fmt.Errorf("failed to set up observability layer: %w", err)
	}

	return cfg, func() {
		flushCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cfg.Shutdown.Timeout)
		defer cancel()
		if err := shutdown(flushCtx); err != nil {
			fmt.Fprintf(os.Stderr, "flushing telemetry: %v\n", err)
		}
	}, nil
}

// connection builds the persistent connection for non-serving commands.
func (r *runner) connection(ctx context.Context, cmd *cli.Command) (*app.PersistentConnection, func(), error) {
	cfg, done, err := r.setup(ctx, cmd)
	if err != nil {
		return nil, nil, err
	}

	conn, err := app.NewConnection(cfg, slog.Default())
	if err != nil {
		done()
		return nil, nil, fmt.Errorf("failed to create connection: %w", err)
	}
	return conn, done, nil
}

func (r *runner) serveCommand() *cli.Command {
	return &cli.Command{
		Name:  "serve",
		Usage: "run a local proxy that authenticates requests to the upstream API",
		Flags: append(authFlags(),
			&cli.StringFlag{
				Name:  "server--host",
				Usage: "server host",
				Value: app.DefaultConfigServerHost,
			},
			&cli.IntFlag{
				Name:  "server--port",
				Usage: "server port",
				Value: int(app.DefaultConfigServerPort),
			},
			&cli.StringFlag{
				Name:  "upstream--base-url",
				Usage: "upstream API base URL",
				Value: app.DefaultConfigUpstreamBaseURL,
			},
			&cli.DurationFlag{
				Name:  "shutdown--timeout",
				Usage: "graceful shutdown timeout",
				Value: app.DefaultConfigShutdownTimeout,
			},
		),
		Action: r.serveAction,
	}
}

func (r *runner) serveAction(ctx context.Context, cmd *cli.Command) error {
	cfg, done, err := r.setup(ctx, cmd)
	if err != nil {
		return err
	}
	defer done()

	application, err := app.New(cfg)
	if err != nil {
		return fmt.Errorf("failed to create app: %w", err)
	}

	slog.InfoContext(ctx, "starting")

	if err := application.Start(ctx); err != nil {
		return fmt.Errorf("app failed to start: %w", err)
	}

	slog.InfoContext(ctx, "stopped gracefully")
	return nil
}
