// Package cmd provides the livemd command-line interface.
//
// Configuration sources, highest priority first:
//  1. Command-line flags (--port, --host, ...)
//  2. Environment variables with the LIVEMD_ prefix (LIVEMD_SERVER_PORT, ...)
//  3. The .livemd.yml configuration file
//  4. Built-in defaults
package cmd

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "livemd",
	Short: "Live markdown preview server",
	Long: `livemd renders a markdown document to HTML and keeps browser viewers
synchronized with edits in near real time.

Start a preview of a file (re-rendered on every save):

  livemd serve README.md

Editor integrations push document snapshots into the control API
(POST /api/start, /api/update, /api/cursor, ...) for keystroke-level
updates between saves.`,
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is .livemd.yml)")
	rootCmd.PersistentFlags().String("log-level", "info", "log level (debug, info, warn, error)")
	_ = viper.BindPFlag("log_level", rootCmd.PersistentFlags().Lookup("log-level"))
}

func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else if envConfigFile := os.Getenv("LIVEMD_CONFIG_FILE"); envConfigFile != "" {
		viper.SetConfigFile(envConfigFile)
	} else {
		viper.AddConfigPath(".")
		viper.SetConfigType("yaml")
		viper.SetConfigName(".livemd")
	}

	viper.SetEnvPrefix("LIVEMD")
	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	// A missing or malformed config file falls back to defaults.
	if err := viper.ReadInConfig(); err == nil {
		fmt.Fprintln(os.Stderr, "Using config file:", viper.ConfigFileUsed())
	}
}
