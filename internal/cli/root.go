// Package cli implements the lostfound command line client. It runs the
// same search pipeline as the service directly against the data service.
package cli

import (
	"fmt"
	"io"
	"os"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/vyrodovalexey/lostfound/internal/backend"
	"github.com/vyrodovalexey/lostfound/internal/config"
	"github.com/vyrodovalexey/lostfound/internal/search"
)

// AppName is the binary name.
const AppName = "lostfound"

// Option configures the root command.
type Option func(*app)

// WithOutput redirects command output.
func WithOutput(w io.Writer) Option {
	return func(a *app) {
		a.out = w
	}
}

// WithSource replaces the data service client.
func WithSource(src backend.Source) Option {
	return func(a *app) {
		a.source = src
	}
}

// WithLogger sets the diagnostics logger.
func WithLogger(logger *zap.Logger) Option {
	return func(a *app) {
		a.logger = logger
	}
}

// app carries state shared by all subcommands.
type app struct {
	out    io.Writer
	source backend.Source
	logger *zap.Logger

	cfg      *config.Config
	pipeline *search.Pipeline

	url      string
	apiKey   string
	timezone string
	logLevel string
	asJSON   bool
	noColor  bool
}

// NewRootCommand builds the command tree.
func NewRootCommand(opts ...Option) *cobra.Command {
	a := &app{out: os.Stdout}
	for _, opt := range opts {
		opt(a)
	}

	root := &cobra.Command{
		Use:   AppName,
		Short: "Search the campus lost-and-found board",
		Long: `lostfound queries the lost-and-found items table and applies the same
search pipeline as the web service: fuzzy text, category, status, date
range and sort.

Connection settings come from APP_* environment variables or the YAML
file named by APP_CONFIG_FILE; flags override both.

Examples:
  lostfound search wallet --status pending
  lostfound search --category electronics --start 2024-01-01 --sort oldest
  lostfound similar 42 --radius-km 1
  lostfound watch keys`,
		SilenceUsage:      true,
		PersistentPreRunE: a.setup,
	}

	flags := root.PersistentFlags()
	flags.StringVar(&a.url, "url", "", "data service base URL (overrides "+config.EnvBackendURL+")")
	flags.StringVar(&a.apiKey, "api-key", "", "data service API key (overrides "+config.EnvBackendAPIKey+")")
	flags.StringVar(&a.timezone, "timezone", "", "time zone for date bounds (overrides "+config.EnvSearchTimezone+")")
	flags.StringVar(&a.logLevel, "log-level", "warn", "diagnostics log level")
	flags.BoolVar(&a.asJSON, "json", false, "print JSON instead of a table")
	flags.BoolVar(&a.noColor, "no-color", false, "disable colored status output")

	root.AddCommand(
		newSearchCommand(a),
		newSimilarCommand(a),
		newWatchCommand(a),
	)

	return root
}

// setup loads configuration, applies flag overrides and builds the
// client and pipeline.
func (a *app) setup(cmd *cobra.Command, _ []string) error {
	if a.noColor {
		color.NoColor = true
	}

	cfg, err := config.Read()
	if err != nil {
		return err
	}

	if a.url != "" {
		cfg.Backend.URL = a.url
	}
	if a.apiKey != "" {
		cfg.Backend.APIKey = a.apiKey
	}
	if a.timezone != "" {
		cfg.Search.Timezone = a.timezone
	}

	if a.source == nil {
		if err := cfg.Validate(); err != nil {
			return fmt.Errorf("invalid configuration: %w", err)
		}
	}
	a.cfg = cfg

	if a.logger == nil {
		logger, err := newLogger(a.logLevel, cmd.ErrOrStderr())
		if err != nil {
			return err
		}
		a.logger = logger
	}

	if a.source == nil {
		client, err := backend.NewClient(cfg.BackendOptions(), a.logger.Named("backend"))
		if err != nil {
			return err
		}
		a.source = client
	}

	a.pipeline = search.NewPipeline(search.NewMatcher(
		search.WithThreshold(cfg.Search.Threshold),
		search.WithDistance(cfg.Search.Distance),
	))

	return nil
}

// newLogger builds a console logger for terminal diagnostics.
func newLogger(level string, w io.Writer) (*zap.Logger, error) {
	var zapLevel zapcore.Level
	if err := zapLevel.UnmarshalText([]byte(level)); err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", level, err)
	}

	encoderConfig := zap.NewDevelopmentEncoderConfig()
	encoderConfig.TimeKey = ""

	core := zapcore.NewCore(
		zapcore.NewConsoleEncoder(encoderConfig),
		zapcore.AddSync(w),
		zapLevel,
	)

	return zap.New(core), nil
}
