package main

import (
	"errors"
	"os"
	"path/filepath"
	"strings"

	"github.com/fatih/color"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/synqronlabs/mailauth/internal/config"
	"github.com/synqronlabs/mailauth/internal/logging"
)

const (
	LogLevelKey   = "log.level"
	LogFormatKey  = "log.format"
	LogNoColorKey = "log.no_color"
)

var (
	cfgFile string

	// cfg is the effective configuration, set before any command runs.
	cfg *config.Config
)

var rootCmd = &cobra.Command{
	Use:   "mailauth",
	Short: "SPF, DKIM and DMARC evaluation",
	Long: `mailauth evaluates the SPF, DKIM and DMARC authentication of a message
and explains the verdict with a trace of every DNS lookup and policy decision.

It runs one-off checks from the command line or serves them over HTTP.`,
	Version: Version,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		path, err := initConfig()
		if err != nil {
			return err
		}
		if cfg, err = config.Decode(viper.AllSettings()); err != nil {
			return err
		}
		if err := logging.Init(logging.Options{
			Level:   cfg.Log.Level,
			Format:  cfg.Log.Format,
			NoColor: cfg.Log.NoColor,
		}); err != nil {
			return err
		}
		color.NoColor = color.NoColor || cfg.Log.NoColor
		if path != "" {
			log.Debug().Msgf("using config file: %s", path)
		}
		return nil
	},
}

func init() {
	// pre-flag logger
	logging.InitDefault()

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "",
		"Configuration file (default ./mailauth.yaml, $HOME/.config/mailauth/config.yaml or /etc/mailauth/config.yaml)")

	rootCmd.PersistentFlags().String("log-level", "info", "Log level (debug, info, warn, error)")
	_ = viper.BindPFlag(LogLevelKey, rootCmd.PersistentFlags().Lookup("log-level"))

	rootCmd.PersistentFlags().String("log-format", "console", "Log format (console, json)")
	_ = viper.BindPFlag(LogFormatKey, rootCmd.PersistentFlags().Lookup("log-format"))

	rootCmd.PersistentFlags().Bool("no-color", false, "Disable color output")
	_ = viper.BindPFlag(LogNoColorKey, rootCmd.PersistentFlags().Lookup("no-color"))

	for key, value := range config.Defaults() {
		viper.SetDefault(key, value)
	}

	viper.SetEnvPrefix("MAILAUTH")
	viper.SetEnvKeyReplacer(strings.NewReplacer(
		".", "_",
		"-", "_",
	))
	viper.AutomaticEnv()

	rootCmd.SilenceUsage = true
	rootCmd.SilenceErrors = true
}

// configCandidates lists the files searched when --config is not given.
func configCandidates() []string {
	paths := []string{"mailauth.yaml"}
	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "mailauth", "config.yaml"))
	}
	return append(paths, "/etc/mailauth/config.yaml")
}

// initConfig reads the configuration file into viper and returns its path,
// or "" when no file was found.
func initConfig() (string, error) {
	path := cfgFile
	if path == "" {
		for _, p := range configCandidates() {
			if _, err := os.Stat(p); err == nil {
				path = p
				break
			}
		}
	}
	if path == "" {
		return "", nil
	}
	viper.SetConfigFile(path)
	viper.SetConfigType("yaml")
	if err := viper.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if errors.As(err, &notFound) {
			return "", nil
		}
		return "", err
	}
	return viper.ConfigFileUsed(), nil
}
