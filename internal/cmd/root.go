// Package cmd implements the vidgen command line.
package cmd

import (
	"errors"
	"fmt"
	"os"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/3leaps/vidgen/internal/config"
	"github.com/3leaps/vidgen/internal/observability"
)

var (
	cfgFile  string
	logLevel string

	versionInfo = struct {
		Version   string
		Commit    string
		BuildDate string
	}{
		Version:   "dev",
		Commit:    "unknown",
		BuildDate: "unknown",
	}

	appIdentity *config.AppIdentity
)

var rootCmd = &cobra.Command{
	Use:   "vidgen",
	Short: "Avatar video generation service",
	Long: `vidgen runs avatar video generation jobs in the background.

Each job spawns the generation worker, tracks its progress from the worker's
output, uploads the finished video to durable storage and records the result
on the user's profile. Clients submit jobs and poll their status over HTTP.`,
	SilenceUsage:      true,
	SilenceErrors:     true,
	PersistentPreRunE: initRoot,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: ./vidgen.yaml or $XDG_CONFIG_HOME/vidgen/vidgen.yaml)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "log level for CLI output (debug, info, warn, error)")
	setDefaults()
}

func initRoot(cmd *cobra.Command, _ []string) error {
	if appIdentity == nil {
		id := config.DefaultIdentity
		appIdentity = &id
		config.SetAppIdentity(id)
	}
	config.SetConfigFile(cfgFile)

	level := logLevel
	if level == "" {
		level = viper.GetString("logging.level")
	}
	if err := observability.InitCLILogger(appIdentity.BinaryName, level, false); err != nil {
		return exitError(foundry.ExitInvalidArgument, "Invalid log level", err)
	}
	return nil
}

// setDefaults mirrors the service defaults on the global viper instance so
// commands that run without a full Load still see them.
func setDefaults() {
	config.SetDefaults(viper.GetViper())
}

// SetVersionInfo records build metadata reported by `vidgen version` and
// GET /version.
func SetVersionInfo(version, commit, buildDate string) {
	versionInfo.Version = version
	versionInfo.Commit = commit
	versionInfo.BuildDate = buildDate
}

// GetAppIdentity returns the active identity, or nil before the root command
// has run.
func GetAppIdentity() *config.AppIdentity {
	return appIdentity
}

// Execute runs the root command and exits with the mapped code on failure.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		ExitWithCode(err)
	}
}

// commandError carries a process exit code.
type commandError struct {
	code int
	msg  string
	err  error
}

func (e *commandError) Error() string {
	if e.err == nil {
		return e.msg
	}
	return fmt.Sprintf("%s: %v", e.msg, e.err)
}

func (e *commandError) Unwrap() error { return e.err }

func exitError(code int, msg string, err error) error {
	return &commandError{code: code, msg: msg, err: err}
}

// exitCode maps err to a process exit code.
func exitCode(err error) int {
	if err == nil {
		return foundry.ExitSuccess
	}
	var ce *commandError
	if errors.As(err, &ce) {
		return ce.code
	}
	return foundry.ExitFailure
}

// ExitWithCode prints err and exits.
func ExitWithCode(err error) {
	if err != nil {
		_, _ = fmt.Fprintln(os.Stderr, "Error:", err)
	}
	observability.Sync()
	os.Exit(exitCode(err))
}
