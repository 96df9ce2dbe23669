// Command mcpd serves MCP tools over Streamable HTTP or stdio, and inspects
// the message journal it keeps.
//
// Usage:
//
//	mcpd serve [--addr 127.0.0.1:8080] [--stdio] [--fs-root DIR]
//	mcpd events list --journal sqlite --journal-dsn path/to/journal.db
//	mcpd events show --session SESSION_ID [--format json|jsonl] [--summary]
//	mcpd config
package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/bpowers/mcpd/internal/config"
	"github.com/bpowers/mcpd/internal/logging"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	if err := newRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}

type rootOptions struct {
	configFile string
	logLevel   string
	logFormat  string
}

func newRootCommand() *cobra.Command {
	opts := &rootOptions{}
	cmd := &cobra.Command{
		Use:   "mcpd",
		Short: "Model Context Protocol server over Streamable HTTP",
		Long: `mcpd exposes registered tools to MCP clients. Clients POST JSON-RPC
messages to the endpoint and receive server messages either inline or on a
resumable server-sent event stream.

Configuration comes from defaults, a YAML or JSON file (--config or
MCPD_CONFIG), MCPD_* environment variables (MCPD_SESSION__IDLE_TIMEOUT sets
session.idle-timeout) and flags, in increasing order of precedence.`,
		Version:      version,
		SilenceUsage: true,
		CompletionOptions: cobra.CompletionOptions{
			DisableDefaultCmd: true,
		},
	}

	flags := cmd.PersistentFlags()
	flags.StringVar(&opts.configFile, "config", "", "config file, YAML or JSON (default $MCPD_CONFIG)")
	flags.StringVar(&opts.logLevel, "log-level", "", "error, warn, info or debug")
	flags.StringVar(&opts.logFormat, "log-format", "", "auto, text, json or dev")

	cmd.AddCommand(
		newServeCommand(opts),
		newEventsCommand(opts),
		newConfigCommand(opts),
	)
	return cmd
}

// load builds the configuration from every source, with the flags in
// keys overriding the rest when set, and configures logging from it.
func (o *rootOptions) load(cmd *cobra.Command, keys map[string]string) (*config.Config, error) {
	overrides := changedFlags(cmd.Flags(), keys)
	if o.logLevel != "" {
		overrides["log.level"] = o.logLevel
	}
	if o.logFormat != "" {
		overrides["log.format"] = o.logFormat
	}

	cfg, err := config.Load(config.LoadOptions{
		File:      o.configFile,
		Overrides: overrides,
	})
	if err != nil {
		return nil, err
	}

	format := cfg.Log.Format
	if format == "auto" {
		format = logging.FormatAuto
	}
	if err := logging.Configure(cmd.ErrOrStderr(), format); err != nil {
		return nil, fmt.Errorf("configure logging: %w", err)
	}
	// MCPD_DEBUG wins over the configured default, but not over the flag
	if os.Getenv("MCPD_DEBUG") == "" || o.logLevel != "" {
		level, err := logging.ParseLevel(cfg.Log.Level)
		if err != nil {
			return nil, fmt.Errorf("configure logging: %w", err)
		}
		logging.SetLogLevel(level)
	}
	return cfg, nil
}

// changedFlags maps each flag the user set to its config key.
func changedFlags(flags *pflag.FlagSet, keys map[string]string) map[string]any {
	out := make(map[string]any)
	for name, key := range keys {
		f := flags.Lookup(name)
		if f == nil || !f.Changed {
			continue
		}
		if sv, ok := f.Value.(pflag.SliceValue); ok {
			out[key] = sv.GetSlice()
			continue
		}
		out[key] = strings.TrimSpace(f.Value.String())
	}
	return out
}
