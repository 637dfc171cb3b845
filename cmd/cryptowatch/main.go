package main

import (
	"errors"
	"fmt"
	"os"

	_ "github.com/joho/godotenv/autoload"
	"github.com/spf13/cobra"

	"github.com/fatimadachari/CryptoWatcher/internal/config"
)

// Build-time variables set via -ldflags
var (
	version = "dev"
	commit  = "unknown"
)

const (
	exitSuccess       = 0
	exitRuntimeError  = 1
	exitInvalidConfig = 2
)

// exitError carries a process exit code out of a cobra command.
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string { return e.err.Error() }
func (e *exitError) Unwrap() error { return e.err }

var cfgFile string

func main() {
	os.Exit(execute(os.Args[1:]))
}

func execute(args []string) int {
	root := newRootCmd()
	root.SetArgs(args)
	err := root.Execute()
	if err == nil {
		return exitSuccess
	}

	fmt.Fprintln(os.Stderr, err)
	var ee *exitError
	if errors.As(err, &ee) {
		return ee.code
	}
	return exitRuntimeError
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "cryptowatch",
		Short: "cryptowatch - price alert engine for crypto assets",
		Long: `cryptowatch evaluates user price alerts against live market data and
publishes a triggered event the moment a target is crossed.

Configuration comes from config.yaml (or --config), then environment
variables such as DATABASE_URL, EVAL_INTERVAL, PRICE_FEED and SINK.
A .env file in the working directory is loaded first.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: ./config.yaml if present)")

	root.AddCommand(
		&cobra.Command{
			Use:   "serve",
			Short: "Start the HTTP API, scheduler and event pipeline",
			RunE: func(cmd *cobra.Command, _ []string) error {
				cfg, err := loadValidConfig()
				if err != nil {
					return err
				}
				return runServe(cmd.Context(), cfg)
			},
		},
		&cobra.Command{
			Use:   "validate",
			Short: "Validate configuration (no connections made)",
			RunE: func(cmd *cobra.Command, _ []string) error {
				if _, err := loadValidConfig(); err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), "configuration valid")
				return nil
			},
		},
		&cobra.Command{
			Use:   "config",
			Short: "Print effective configuration as JSON (secrets masked)",
			RunE: func(cmd *cobra.Command, _ []string) error {
				cfg, err := config.Load(cfgFile)
				if err != nil {
					return &exitError{code: exitInvalidConfig, err: err}
				}
				data, err := cfg.MaskedJSON()
				if err != nil {
					return fmt.Errorf("marshal config: %w", err)
				}
				fmt.Fprintln(cmd.OutOrStdout(), string(data))
				return nil
			},
		},
		&cobra.Command{
			Use:   "version",
			Short: "Print version information",
			Run: func(cmd *cobra.Command, _ []string) {
				fmt.Fprintf(cmd.OutOrStdout(), "cryptowatch version %s (commit: %s)\n", version, commit)
			},
		},
	)
	return root
}

func loadValidConfig() (config.Config, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return config.Config{}, &exitError{code: exitInvalidConfig, err: err}
	}
	if err := config.Validate(cfg); err != nil {
		return config.Config{}, &exitError{code: exitInvalidConfig, err: fmt.Errorf("configuration error: %w", err)}
	}
	return cfg, nil
}
