// Package cli is the coursechat command tree.
package cli

import (
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/tOgg1/coursechat/internal/config"
	"github.com/tOgg1/coursechat/internal/logging"
)

// Execute runs the root command.
func Execute(version string) error {
	return newRootCmd(version).Execute()
}

type globalFlags struct {
	configFile     string
	envFile        string
	baseURL        string
	token          string
	userID         string
	logLevel       string
	jsonOutput     bool
	nonInteractive bool
}

// app carries the loaded configuration to subcommands.
type app struct {
	flags   globalFlags
	cfg     *config.Config
	logFile io.Closer
}

func newRootCmd(version string) *cobra.Command {
	a := &app{}
	cmd := &cobra.Command{
		Use:           "coursechat",
		Short:         "Course platform messaging from the terminal",
		Long:          "coursechat keeps course conversations in sync by polling the platform's message API.",
		SilenceUsage:  true,
		SilenceErrors: true,
		Version:       version,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return a.load(cmd)
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			a.close()
		},
	}

	pf := cmd.PersistentFlags()
	pf.StringVar(&a.flags.configFile, "config", "", "config file (default ~/.config/coursechat/config.yaml)")
	pf.StringVar(&a.flags.envFile, "env-file", "", "dotenv file to load (default ./.env when present)")
	pf.StringVar(&a.flags.baseURL, "base-url", "", "platform API origin")
	pf.StringVar(&a.flags.token, "token", "", "session bearer token")
	pf.StringVar(&a.flags.userID, "user", "", "override the user id read from the token")
	pf.StringVar(&a.flags.logLevel, "log-level", "", "log level (debug, info, warn, error)")
	pf.BoolVar(&a.flags.jsonOutput, "json", false, "print machine-readable JSON")
	pf.BoolVar(&a.flags.nonInteractive, "non-interactive", false, "never start interactive views")

	cmd.AddCommand(
		newTUICmd(a),
		newConversationsCmd(a),
		newMessagesCmd(a),
		newSendCmd(a),
		newUnreadCmd(a),
		newWatchCmd(a),
		newDevServerCmd(a),
	)

	return cmd
}

// load resolves configuration with flags taking precedence and initializes logging.
func (a *app) load(cmd *cobra.Command) error {
	loader := config.NewLoader()
	loader.SetConfigFile(a.flags.configFile)
	loader.SetEnvFile(a.flags.envFile)

	flags := cmd.Flags()
	if flags.Changed("base-url") {
		loader.Set("backend.base_url", a.flags.baseURL)
	}
	if flags.Changed("token") {
		loader.Set("session.token", a.flags.token)
	}
	if flags.Changed("user") {
		loader.Set("session.user_id", a.flags.userID)
	}
	if flags.Changed("log-level") {
		loader.Set("logging.level", a.flags.logLevel)
	}

	cfg, err := loader.Load()
	if err != nil {
		return &ExitError{Code: exitUsage, Err: err}
	}
	a.cfg = cfg

	logCfg := logging.Config{
		Level:        cfg.Logging.Level,
		Format:       cfg.Logging.Format,
		Output:       os.Stderr,
		EnableCaller: cfg.Logging.EnableCaller,
	}
	if cfg.Logging.File != "" {
		f, err := os.OpenFile(cfg.Logging.File, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
		if err != nil {
			return fmt.Errorf("open log file: %w", err)
		}
		a.logFile = f
		logCfg.Output = f
	}
	logging.Init(logCfg)

	logging.Logger.Debug().
		Str("config_file", loader.ConfigFileUsed()).
		Str("base_url", logging.RedactURL(cfg.Backend.BaseURL)).
		Msg("configuration loaded")
	return nil
}

func (a *app) close() {
	if a.logFile != nil {
		_ = a.logFile.Close()
		a.logFile = nil
	}
}
