package main

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"balancerd/internal/config"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

// rootOptions holds the persistent flags shared by every subcommand.
type rootOptions struct {
	configPath string
	logLevel   string
	logFormat  string
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}
	root := &cobra.Command{
		Use:          "balancerd",
		Short:        "Load balancer and agent for a fleet of llama.cpp slots",
		SilenceUsage: true,
	}
	pf := root.PersistentFlags()
	pf.StringVar(&opts.configPath, "config", os.Getenv("BALANCERD_CONFIG"), "Path to a .yaml, .json or .toml config file")
	pf.StringVar(&opts.logLevel, "log-level", os.Getenv("BALANCERD_LOG_LEVEL"), "Log level: trace, debug, info, warn, error, disabled")
	pf.StringVar(&opts.logFormat, "log-format", os.Getenv("BALANCERD_LOG_FORMAT"), "Log format: json or console")

	root.AddCommand(newBalancerCmd(opts), newAgentCmd(opts), newVersionCmd())
	return root
}

// load reads the config file, applies persistent flags and defaults, and
// builds the process logger.
func (o *rootOptions) load(stderr io.Writer) (config.Config, zerolog.Logger, error) {
	var cfg config.Config
	if o.configPath != "" {
		loaded, err := config.Load(o.configPath)
		if err != nil {
			return cfg, zerolog.Nop(), fmt.Errorf("load config %s: %w", o.configPath, err)
		}
		cfg = loaded
	}
	if o.logLevel != "" {
		cfg.LogLevel = o.logLevel
	}
	if o.logFormat != "" {
		cfg.LogFormat = o.logFormat
	}
	cfg = cfg.WithDefaults()
	if err := cfg.Validate(); err != nil {
		return cfg, zerolog.Nop(), err
	}
	return cfg, newLogger(cfg.LogLevel, cfg.LogFormat, stderr), nil
}

func newLogger(level, format string, w io.Writer) zerolog.Logger {
	lvl := zerolog.InfoLevel
	if level != "" {
		if parsed, err := zerolog.ParseLevel(level); err == nil {
			lvl = parsed
		}
	}
	if format == "console" {
		w = zerolog.ConsoleWriter{Out: w, TimeFormat: time.RFC3339}
	}
	return zerolog.New(w).Level(lvl).With().Timestamp().Logger()
}

// splitCSV splits a comma separated list, dropping empty items.
func splitCSV(s string) []string {
	if strings.TrimSpace(s) == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the balancerd version",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintln(cmd.OutOrStdout(), version)
		},
	}
}
