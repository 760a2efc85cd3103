package commands

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/urfave/cli/v3"
	"golang.org/x/term"

	"github.com/florianilch/apiconn/internal/app"
	"github.com/florianilch/apiconn/internal/connection"
)

func (r *runner) importCommand() *cli.Command {
	return &cli.Command{
		Name:  "import",
		Usage: "store tokens obtained elsewhere as the connection state",
		Flags: append(authFlags(),
			&cli.StringFlag{
				Name:    "access-token",
				Usage:   "current access token",
				Sources: cli.EnvVars("APICONN_IMPORT_ACCESS_TOKEN"),
			},
			&cli.StringFlag{
				Name:    "refresh-token",
				Usage:   "refresh token (prompted for if omitted)",
				Sources: cli.EnvVars("APICONN_IMPORT_REFRESH_TOKEN"),
			},
			&cli.StringFlag{
				Name:  "client-id",
				Usage: "OAuth2 client ID (defaults to auth.client_id)",
			},
			&cli.StringFlag{
				Name:  "client-secret",
				Usage: "OAuth2 client secret (defaults to auth.client_secret, prompted for if empty)",
			},
			&cli.DurationFlag{
				Name:  "expires-in",
				Usage: "remaining lifetime of the access token; unknown means refresh on first use",
			},
			&cli.StringFlag{
				Name:  "auth--token-url",
				Usage: "token endpoint",
				Value: app.DefaultConfigAuthTokenURL,
			},
			&cli.StringFlag{
				Name:  "auth--request-encoding",
				Usage: "refresh request encoding (form|json)",
				Value: string(app.DefaultConfigAuthRequestEncoding),
			},
			&cli.StringFlag{
				Name:  "upstream--base-url",
				Usage: "upstream API base URL",
				Value: app.DefaultConfigUpstreamBaseURL,
			},
		),
		Action: r.importAction,
	}
}

func (r *runner) importAction(ctx context.Context, cmd *cli.Command) error {
	cfg, done, err := r.setup(ctx, cmd)
	if err != nil {
		return err
	}
	defer done()

	store, err := cfg.Auth.NewStore()
	if err != nil {
		return fmt.Errorf("failed to create state store: %w", err)
	}

	opts := cfg.ConnectionOptions()
	if d := cmd.Duration("expires-in"); d > 0 {
		opts = append(opts, connection.WithExpiresAt(time.Now().Add(d)))
	}

	accessToken := cmd.String("access-token")

	var conn *connection.Manager
	switch cfg.Auth.Method {
	case app.AuthenticationMethodStatic:
		if accessToken == "" {
			if accessToken, err = readSecret("access-token", "Access token"); err != nil {
				return err
			}
		}
		conn = connection.NewWithAccessToken(accessToken, opts...)

	case app.AuthenticationMethodOAuth:
		refreshToken := cmd.String("refresh-token")
		if refreshToken == "" {
			if refreshToken, err = readSecret("refresh-token", "Refresh token"); err != nil {
				return err
			}
		}
		clientID := firstNonEmpty(cmd.String("client-id"), cfg.Auth.ClientID)
		if clientID == "" {
			return errors.New("--client-id (or auth.client_id) is required for oauth")
		}
		clientSecret := firstNonEmpty(cmd.String("client-secret"), cfg.Auth.ClientSecret)
		if clientSecret == "" {
			if clientSecret, err = readSecret("client-secret", "Client secret"); err != nil {
				return err
			}
		}
		conn = connection.New(clientID, clientSecret, accessToken, refreshToken, opts...)

	default:
		return fmt.Errorf("unsupported authentication method: %s", cfg.Auth.Method)
	}

	if err := app.Import(ctx, store, conn); err != nil {
		return err
	}

	_, err = fmt.Fprintf(cmd.Root().Writer, "connection stored (%s storage, state %s)\n", cfg.Auth.Storage, conn.State())
	return err
}

// readSecret prompts on the terminal without echo. Outside a terminal the
// value must come from the named flag.
func readSecret(flag, label string) (string, error) {
	fd := int(os.Stdin.Fd())
	if !term.IsTerminal(fd) {
		return "", fmt.Errorf("--%s is required when stdin is not a terminal", flag)
	}

	_, _ = fmt.Fprintf(os.Stderr, "%s: ", label)
	value, err := term.ReadPassword(fd)
	_, _ = fmt.Fprintln(os.Stderr)
	if err != nil {
		return "", fmt.Errorf("reading %s: %w", strings.ToLower(label), err)
	}

	secret := strings.TrimSpace(string(value))
	if secret == "" {
		return "", fmt.Errorf("%s cannot be empty", strings.ToLower(label))
	}
	return secret, nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
