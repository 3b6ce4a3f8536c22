package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/ligustah/shuttle/internal/config"
)

type globalFlags struct {
	configFile string
	stateURL   string
	logLevel   string
	logFormat  string
}

// app carries what every command needs once flags are parsed.
type app struct {
	flags globalFlags
	cfg   config.Config
	log   *slog.Logger
}

func newRootCmd() *cobra.Command {
	a := &app{log: slog.New(slog.DiscardHandler)}

	cmd := &cobra.Command{
		Use:   "shuttle",
		Short: "Resumable downloads and cancellable uploads",
		Long: `shuttle moves large files between HTTP servers, local disk and object storage.

Downloads resume from where they stopped as long as the remote resource is
unchanged. Uploads are split into parts and aborted cleanly when cancelled.

  Download a file:   shuttle download https://example.com/big.tar ./big.tar
  Upload a file:     shuttle upload ./big.tar media/backups/big.tar
  Run the API:       shuttle serve`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return a.init()
		},
	}

	pf := cmd.PersistentFlags()
	pf.StringVar(&a.flags.configFile, "config", os.Getenv("SHUTTLE_CONFIG"), "YAML config file")
	pf.StringVar(&a.flags.stateURL, "state-url", "", "Bucket URL holding resume records")
	pf.StringVar(&a.flags.logLevel, "log-level", "", "Log level (debug, info, warn, error)")
	pf.StringVar(&a.flags.logFormat, "log-format", "", "Log format (text, json)")

	cmd.SetFlagErrorFunc(func(_ *cobra.Command, err error) error {
		return usage(err)
	})

	cmd.AddCommand(
		newDownloadCmd(a),
		newUploadCmd(a),
		newCheckCmd(a),
		newServeCmd(a),
		newStateCmd(a),
	)
	return cmd
}

// init loads the layered configuration and builds the logger.
func (a *app) init() error {
	cfg := config.Default()
	if a.flags.configFile != "" {
		loaded, err := config.LoadFromFile(a.flags.configFile)
		if err != nil {
			return usage(err)
		}
		cfg = loaded
	}
	if err := cfg.LoadFromEnv(); err != nil {
		return usage(err)
	}
	cfg = cfg.Merge(config.Config{
		StateURL: a.flags.stateURL,
		Log:      config.LogConfig{Level: a.flags.logLevel, Format: a.flags.logFormat},
	})
	if err := cfg.Validate(); err != nil {
		return usage(err)
	}

	logger, err := newLogger(cfg.Log)
	if err != nil {
		return usage(err)
	}
	a.cfg = cfg
	a.log = logger
	return nil
}

func newLogger(cfg config.LogConfig) (*slog.Logger, error) {
	level, err := cfg.SlogLevel()
	if err != nil {
		return nil, err
	}
	opts := &slog.HandlerOptions{Level: level}

	switch cfg.Format {
	case "json":
		return slog.New(slog.NewJSONHandler(os.Stderr, opts)), nil
	case "text", "":
		return slog.New(slog.NewTextHandler(os.Stderr, opts)), nil
	default:
		return nil, fmt.Errorf("unknown log format %q", cfg.Format)
	}
}

// exactArgs reports a wrong argument count as a usage error.
func exactArgs(n int) cobra.PositionalArgs {
	return func(cmd *cobra.Command, args []string) error {
		return usage(cobra.ExactArgs(n)(cmd, args))
	}
}
