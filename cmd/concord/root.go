package main

import (
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"mercator-hq/concord/pkg/cli"
)

var (
	// Global flags
	cfgFile string
	verbose bool
	format  string
)

var rootCmd = &cobra.Command{
	Use:   "concord",
	Short: "Concord - rule governance and synchronization",
	Long: `Concord keeps authorship, style and operational rules consistent across
machines, agents and sessions.

A node stores versioned rules, evaluates them against a context with scope
inheritance (global, project, machine, agent, session) and priority-based
conflict resolution, and replicates every change to its peers.`,
	Version:       Version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute runs the root command and exits with the status cli.ExitCode
// assigns to its error.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(cli.ExitCode(err))
	}
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "config file path (default: built-in defaults and CONCORD_* environment)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "verbose output")
	rootCmd.PersistentFlags().StringVar(&format, "format", "text", "output format: text, json, yaml")
}

// output writes result to w in the --format the user asked for.
func output(w io.Writer, result any) error {
	f, err := cli.ParseFormat(format)
	if err != nil {
		return err
	}
	return cli.NewFormatter(f).FormatTo(w, result)
}
