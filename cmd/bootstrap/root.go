package main

import (
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/felixgeelhaar/kubeboot/internal/adapters/logging"
	"github.com/felixgeelhaar/kubeboot/internal/domain/bootstrap"
	"github.com/felixgeelhaar/kubeboot/internal/domain/config"
	"github.com/felixgeelhaar/kubeboot/internal/ports"
	"github.com/spf13/cobra"
)

var (
	// Global flags
	verbose   bool
	logLevel  string
	logFormat string
	jsonOut   bool
)

var rootCmd = &cobra.Command{
	Use:   "bootstrap",
	Short: "Bootstrap a kubeadm Kubernetes cluster over SSH",
	Long: `Bootstrap turns bare Linux hosts into a Kubernetes cluster.

Control-plane hosts are provisioned first, a join credential is taken from
one of them, then every worker joins in parallel and the network overlay is
applied. Completed steps are tracked per host, so re-running after a
failure only does the remaining work.`,
	SilenceErrors: true, // We handle error formatting ourselves
	SilenceUsage:  true, // Don't show usage on error
}

// Execute runs the root command.
func Execute() error {
	err := rootCmd.Execute()
	var code *exitCodeError
	if err != nil && !errors.As(err, &code) {
		printError(err)
	}
	return err
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "verbose output (debug logs and technical error details)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "console", "log format (console, json)")
	rootCmd.PersistentFlags().BoolVar(&jsonOut, "json", false, "output as JSON")

	registerFlagCompletions()

	rootCmd.AddCommand(versionCmd)
}

// exitCodeError ends the process with a code after the command already
// reported the outcome.
type exitCodeError struct {
	code int
}

func (e *exitCodeError) Error() string {
	return fmt.Sprintf("exit status %d", e.code)
}

// exitCode maps a command error to the process exit code.
func exitCode(err error) int {
	var code *exitCodeError
	switch {
	case err == nil:
		return bootstrap.ExitConverged
	case errors.As(err, &code):
		return code.code
	case config.IsConfigError(err):
		return bootstrap.ExitConfig
	default:
		return bootstrap.ExitFailed
	}
}

// newLogger builds the logger selected by the global flags.
func newLogger(w io.Writer) (ports.Logger, error) {
	level, err := ports.ParseLevel(logLevel)
	if err != nil {
		return nil, config.NewUserError(config.ErrCodeValidationFailed, err.Error()).
			WithContext("--log-level").
			WithSuggestion("Use one of debug, info, warn, error.")
	}
	if verbose {
		level = ports.LevelDebug
	}

	var jsonFormat bool
	switch logFormat {
	case "console", "":
	case "json":
		jsonFormat = true
	default:
		return nil, config.NewUserError(config.ErrCodeValidationFailed, fmt.Sprintf("unknown log format %q", logFormat)).
			WithContext("--log-format").
			WithSuggestion("Use console or json.")
	}

	return logging.NewZapLogger(
		logging.WithOutput(w),
		logging.WithLevel(level),
		logging.WithJSONFormat(jsonFormat),
	), nil
}

// formatError returns a user-friendly error message.
// With verbose=false: shows only the user message and suggestion.
// With verbose=true: also shows the underlying technical error.
func formatError(err error) string {
	var list *config.ErrorList
	if errors.As(err, &list) {
		return list.Format(verbose)
	}
	var userErr *config.UserError
	if errors.As(err, &userErr) {
		msg := userErr.Message
		if userErr.Context != "" {
			msg += fmt.Sprintf(" (at %s)", userErr.Context)
		}
		if userErr.Suggestion != "" {
			msg += fmt.Sprintf("\n\nSuggestion: %s", userErr.Suggestion)
		}
		if verbose && userErr.Underlying != nil {
			msg += fmt.Sprintf("\n\nTechnical details: %v", userErr.Underlying)
		}
		return msg
	}
	return err.Error()
}

// printError prints an error message to stderr with proper formatting.
func printError(err error) {
	printErrorTo(os.Stderr, err)
}

// printErrorTo prints an error message to the given writer.
func printErrorTo(w io.Writer, err error) {
	_, _ = fmt.Fprintf(w, "Error: %s\n", formatError(err))
}

// registerFlagCompletions sets up custom completions for global flags.
func registerFlagCompletions() {
	_ = rootCmd.RegisterFlagCompletionFunc("log-level", func(_ *cobra.Command, _ []string, _ string) ([]string, cobra.ShellCompDirective) {
		return []string{"debug", "info", "warn", "error"}, cobra.ShellCompDirectiveNoFileComp
	})

	_ = rootCmd.RegisterFlagCompletionFunc("log-format", func(_ *cobra.Command, _ []string, _ string) ([]string, cobra.ShellCompDirective) {
		return []string{
			"console\tHuman-readable log lines",
			"json\tOne JSON object per line",
		}, cobra.ShellCompDirectiveNoFileComp
	})
}
