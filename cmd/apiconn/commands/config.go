package commands

import (
	"fmt"
	"strings"

	"github.com/knadh/koanf/parsers/toml/v2"
	"github.com/knadh/koanf/providers/confmap"
	"github.com/knadh/koanf/providers/env/v2"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
	"github.com/urfave/cli/v3"

	"github.com/florianilch/apiconn/internal/app"
)

// envPrefix marks environment variables that carry configuration.
// APICONN_AUTH__TOKEN_URL sets auth.token_url.
const envPrefix = "APICONN_"

// configSource is one layer of configuration. Later layers win.
type configSource struct {
	name     string
	provider koanf.Provider
	parser   koanf.Parser
}

// configSources lists the layers in precedence order: config file,
// environment, command line. Defaults fill whatever is left afterwards.
func configSources(configPath string, cmd *cli.Command, environ func() []string) []configSource {
	var sources []configSource

	if configPath != "" {
		sources = append(sources, configSource{
			name:     "config file",
			provider: file.Provider(configPath),
			parser:   toml.Parser(),
		})
	}

	sources = append(sources, configSource{
		name: "environment variables",
		provider: env.Provider(".", env.Opt{
			Prefix: envPrefix,
			TransformFunc: func(key, value string) (string, any) {
				return envKey(key), value
			},
			EnvironFunc: environ,
		}),
	})

	if cmd != nil {
		sources = append(sources, configSource{
			name:     "command line flags",
			provider: confmap.Provider(flagValues(cmd), "."),
		})
	}

	return sources
}

// loadConfig merges all configuration layers into a validated app.Config.
func loadConfig(configPath string, cmd *cli.Command, environ func() []string) (*app.Config, error) {
	k := koanf.New(".")
	for _, src := range configSources(configPath, cmd, environ) {
		if err := k.Load(src.provider, src.parser); err != nil {
			return nil, fmt.Errorf("loading %s: %w", src.name, err)
		}
	}

	cfg := &app.Config{}
	if err := k.UnmarshalWithConf("", cfg, koanf.UnmarshalConf{Tag: "json"}); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}
	if err := cfg.ApplyDefaults(); err != nil {
		return nil, fmt.Errorf("applying defaults: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

func envKey(name string) string {
	name = strings.TrimPrefix(name, envPrefix)
	return strings.ToLower(strings.ReplaceAll(name, "__", "."))
}

// flagValues collects explicitly set configuration flags, including those
// of parent commands, keyed by config path: --server--host becomes
// server.host and --log-level becomes log_level.
func flagValues(cmd *cli.Command) map[string]any {
	values := make(map[string]any)
	for _, name := range cmd.FlagNames() {
		// Unset flags would shadow file and environment values with flag defaults.
		if !cmd.IsSet(name) || !isConfigFlag(name) {
			continue
		}
		if value := cmd.Value(name); value != nil {
			values[flagKey(name)] = value
		}
	}
	return values
}

func flagKey(name string) string {
	return strings.ReplaceAll(strings.ReplaceAll(name, "--", "."), "-", "_")
}

// isConfigFlag reports whether a flag maps onto app.Config. Command-only
// flags such as import's --access-token must stay out of it.
func isConfigFlag(name string) bool {
	switch name {
	case "config", "json":
		return false
	case "log-level", "log-format":
		return true
	default:
		return strings.Contains(name, "--")
	}
}
