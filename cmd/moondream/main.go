package main

import (
	"context"
	stderrors "errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/m87-labs/moondream-station/internal/errors"
	"github.com/m87-labs/moondream-station/internal/shell"
)

// Version information set at build time.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	var (
		serverURL  string
		configPath string
	)

	rootCmd := &cobra.Command{
		Use:   "moondream",
		Short: "Console for a running Moondream Station",
		Long: `Moondream is the console for a running Moondream Station.

It talks to the hypervisor admin API to check and apply component
updates, switch models, and inspect station state.

Run it with no arguments for an interactive shell, or use
'moondream admin <command>' to run a single command and exit:

  moondream
  moondream admin check-updates
  moondream admin update --confirm
  moondream admin model-use moondream-2b-2025-04-14-4bit --confirm`,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runShell(configPath, serverURL)
		},
	}

	rootCmd.PersistentFlags().StringVar(&serverURL, "server-url", "", "Admin API base URL (default from cli.yaml or http://localhost:2020)")
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Path to the CLI settings file")

	rootCmd.AddCommand(
		adminCmd(&configPath, &serverURL),
		versionCmd(),
	)

	if err := rootCmd.Execute(); err != nil {
		errorMsg("%s", errorLine(err))
		if s := suggestionOf(err); s != "" {
			info("%s", s)
		}
		os.Exit(1)
	}
}

// newShell wires settings, the admin client, and the console together.
// An explicit --server-url wins over the settings file.
func newShell(configPath, serverURL string) (*shell.Shell, error) {
	settings, err := shell.LoadSettings(configPath)
	if err != nil {
		return nil, err
	}
	if serverURL != "" {
		settings.ServerURL = serverURL
	}
	client := shell.NewClient(settings.ServerURL, settings.CommandTimeout)
	return shell.New(client, os.Stdin, os.Stdout)
}

func runShell(configPath, serverURL string) error {
	sh, err := newShell(configPath, serverURL)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)
	go func() {
		<-sigCh
		cancel()
	}()

	fmt.Printf("Moondream Station console %s\n", version)
	fmt.Println("Type 'help' for a list of commands, 'exit' to leave.")
	return sh.Run(ctx)
}

// errorLine strips the code prefix station errors carry in Error() so
// the terminal shows the message the way the shell does.
func errorLine(err error) string {
	var se *errors.StationError
	if stderrors.As(err, &se) {
		if se.Code != "" {
			return fmt.Sprintf("[%s] %s", se.Code, se.Message)
		}
		return se.Message
	}
	return err.Error()
}

func suggestionOf(err error) string {
	var se *errors.StationError
	if stderrors.As(err, &se) {
		return se.Suggestion
	}
	return ""
}

// info prints an indented detail line.
func info(format string, args ...any) {
	fmt.Printf("  %s\n", fmt.Sprintf(format, args...))
}

// errorMsg prints an error message.
func errorMsg(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "\033[31m✗\033[0m %s\n", fmt.Sprintf(format, args...))
}
