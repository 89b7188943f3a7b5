package main

import (
	"fmt"
	"os"
	"runtime"

	"github.com/spf13/cobra"

	"github.com/tingly-dev/toolfence/internal/command"
)

// Build information variables
var (
	// Set by compiler via -ldflags
	version   = "dev"
	gitCommit = "unknown"
	buildTime = "unknown"
)

var app = command.NewApp(version)

var rootCmd = &cobra.Command{
	Use:   "toolfence",
	Short: "Hide inline tool-call syntax from streamed model output",
	Long: `toolfence filters model output as it streams, removing tool-call blocks
(fenced tool_call or JSON blocks and bare tool_call lines) while leaving
ordinary code blocks untouched. Use it as a pipe filter, a streaming chat
client, or an HTTP service.`,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&app.Verbose, "verbose", "v", false, "verbose output")
	rootCmd.PersistentFlags().StringVar(&app.ConfigPath, "config", "", "config file (default: ~/.toolfence/toolfence.yaml)")

	versionCmd := &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("toolfence\n")
			fmt.Printf("Version:    %s\n", version)
			fmt.Printf("Git Commit: %s\n", gitCommit)
			fmt.Printf("Build Time: %s\n", buildTime)
			fmt.Printf("Go Version: %s\n", runtime.Version())
			fmt.Printf("Platform:   %s/%s\n", runtime.GOOS, runtime.GOARCH)
		},
	}
	rootCmd.AddCommand(versionCmd)

	rootCmd.AddCommand(command.FilterCommand(app))
	rootCmd.AddCommand(command.ChatCommand(app))
	rootCmd.AddCommand(command.ServeCommand(app))
	rootCmd.AddCommand(command.TokenCommand(app))
	rootCmd.AddCommand(command.AuditCommand(app))
	rootCmd.AddCommand(command.ConfigCommand(app))
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
