package main

import (
	"fmt"
	"os"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, color.New(color.FgRed).Sprint("error: ")+err.Error())
		os.Exit(1)
	}
}

type globalOptions struct {
	server  string
	noColor bool
}

func newRootCmd() *cobra.Command {
	opts := &globalOptions{}
	root := &cobra.Command{
		Use:   "tracerailctl",
		Short: "Inspect routing rules and drive review tasks",
		Long: `tracerailctl validates and evaluates routing rules locally, and talks to a
running tracerail server to list, inspect and signal review tasks.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, _ []string) {
			if opts.noColor {
				color.NoColor = true
			}
		},
	}

	defaultServer := os.Getenv("TRACERAIL_URL")
	if defaultServer == "" {
		defaultServer = "http://127.0.0.1:8080"
	}
	root.PersistentFlags().StringVar(&opts.server, "server", defaultServer, "tracerail base URL")
	root.PersistentFlags().BoolVar(&opts.noColor, "no-color", false, "disable colored output")

	root.AddCommand(rulesCmd())
	root.AddCommand(routeCmd())
	root.AddCommand(tasksCmd(opts))
	root.AddCommand(watchCmd(opts))
	root.AddCommand(perfCmd(opts))
	return root
}
