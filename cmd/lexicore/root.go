package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

var (
	configPath    string
	workspacePath string
	logLevel      string
	logFormat     string
	metricsListen string

	rootCmd = &cobra.Command{
		Use:   "lexicore",
		Short: "Language server pools exposed as MCP tools",
		Long: `Lexicore keeps pools of language servers warm and exposes their
definition, reference, hover, completion and symbol queries as MCP
tools over stdio. Running it with no subcommand starts the server.`,
		RunE:          runServe,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	serveCmd = &cobra.Command{
		Use:   "serve",
		Short: "Start the MCP server on stdio",
		RunE:  runServe,
	}

	doctorCmd = &cobra.Command{
		Use:   "doctor",
		Short: "Check that configured language servers are installed",
		RunE:  runDoctor,
	}

	versionCmd = &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("lexicore %s\n", version)
			fmt.Printf("Commit: %s\n", commit)
			fmt.Printf("Built: %s\n", date)
		},
	}
)

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Path to configuration file")
	rootCmd.PersistentFlags().StringVarP(&workspacePath, "workspace", "w", "", "Workspace root directory")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "", "Log format (text, json)")
	rootCmd.PersistentFlags().StringVar(&metricsListen, "metrics-listen", "", "Serve Prometheus metrics on this address")

	rootCmd.AddCommand(serveCmd, doctorCmd, versionCmd)
}
