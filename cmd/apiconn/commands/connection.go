package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/urfave/cli/v3"

	"github.com/florianilch/apiconn/internal/app"
)

// authFlags are shared by every command that touches the stored connection.
func authFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:  "auth--storage",
			Usage: "where the connection state is kept (file|env|keyring)",
			Value: string(app.DefaultConfigAuthStorage),
		},
		&cli.StringFlag{
			Name:  "auth--file",
			Usage: "state file path for file storage",
		},
		&cli.StringFlag{
			Name:  "auth--env-key",
			Usage: "environment variable for env storage",
		},
		&cli.StringFlag{
			Name:  "auth--keyring-user",
			Usage: "keyring user for keyring storage",
		},
		&cli.StringFlag{
			Name:  "auth--method",
			Usage: "authentication method (oauth|static)",
			Value: string(app.DefaultConfigAuthMethod),
		},
	}
}

func (r *runner) statusCommand() *cli.Command {
	return &cli.Command{
		Name:  "status",
		Usage: "show the stored connection without contacting the network",
		Flags: append(authFlags(),
			&cli.BoolFlag{
				Name:  "json",
				Usage: "print as JSON",
			},
		),
		Action: r.statusAction,
	}
}

func (r *runner) statusAction(ctx context.Context, cmd *cli.Command) error {
	conn, done, err := r.connection(ctx, cmd)
	if err != nil {
		return err
	}
	defer done()

	status, err := conn.Status()
	if err != nil {
		return err
	}

	w := cmd.Root().Writer
	if cmd.Bool("json") {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(status)
	}

	_, _ = fmt.Fprintf(w, "state:        %s\n", status.State)
	_, _ = fmt.Fprintf(w, "can refresh:  %t\n", status.CanRefresh)
	_, _ = fmt.Fprintf(w, "expires at:   %s\n", formatTime(status.ExpiresAt, "never"))
	_, _ = fmt.Fprintf(w, "last refresh: %s\n", formatTime(status.LastRefresh, "never"))
	if status.ClientID != "" {
		_, _ = fmt.Fprintf(w, "client id:    %s\n", status.ClientID)
	}
	_, _ = fmt.Fprintf(w, "token url:    %s\n", status.TokenURL)
	_, _ = fmt.Fprintf(w, "base url:     %s\n", status.BaseURL)
	return nil
}

func (r *runner) tokenCommand() *cli.Command {
	return &cli.Command{
		Name:   "token",
		Usage:  "print a valid access token, refreshing it first if stale",
		Flags:  authFlags(),
		Action: r.tokenAction,
	}
}

func (r *runner) tokenAction(ctx context.Context, cmd *cli.Command) error {
	conn, done, err := r.connection(ctx, cmd)
	if err != nil {
		return err
	}
	defer done()

	token, err := conn.AccessToken(ctx)
	if err != nil {
		return fmt.Errorf("failed to obtain access token: %w", err)
	}

	_, err = fmt.Fprintln(cmd.Root().Writer, token)
	return err
}

func (r *runner) refreshCommand() *cli.Command {
	return &cli.Command{
		Name:   "refresh",
		Usage:  "exchange the refresh token now and store the result",
		Flags:  authFlags(),
		Action: r.refreshAction,
	}
}

func (r *runner) refreshAction(ctx context.Context, cmd *cli.Command) error {
	conn, done, err := r.connection(ctx, cmd)
	if err != nil {
		return err
	}
	defer done()

	if err := conn.Refresh(ctx); err != nil {
		return fmt.Errorf("refresh failed: %w", err)
	}

	status, err := conn.Status()
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(cmd.Root().Writer, "refreshed, expires at %s\n", formatTime(status.ExpiresAt, "never"))
	return err
}

func formatTime(t time.Time, zero string) string {
	if t.IsZero() {
		return zero
	}
	return t.Format(time.RFC3339)
}
