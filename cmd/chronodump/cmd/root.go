// Package cmd implements the chronodump command line.
package cmd

import (
	"os"

	"github.com/apex/log"
	clihandler "github.com/apex/log/handlers/cli"
	"github.com/spf13/cobra"
)

var (
	cfgFile string
	// Verbose enables debug logging
	Verbose bool
)

var rootCmd = &cobra.Command{
	Use:           "chronodump",
	Short:         "Write Breakpad compatible minidumps of running processes",
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute runs the root command. It is called by main.main().
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		log.Error(err.Error())
		os.Exit(1)
	}
}

func init() {
	log.SetHandler(clihandler.Default)

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "YAML config file")
	rootCmd.PersistentFlags().BoolVarP(&Verbose, "verbose", "V", false, "verbose output")
	rootCmd.CompletionOptions.HiddenDefaultCmd = true

	rootCmd.AddCommand(dumpCmd)
	rootCmd.AddCommand(versionCmd)
}
