package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"
)

func adminCmd(configPath, serverURL *string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "admin <command> [args]",
		Short: "Run a single console command and exit",
		Long: `Run one console command against the station and exit.

Any command the interactive shell accepts works here, with the same
output. The exit code is non-zero when the command fails, so this form
suits scripts and cron jobs. The global --server-url and --config
flags are accepted on either side of 'admin'.

Examples:
  moondream admin status
  moondream admin check-updates
  moondream admin update-cli --confirm
  moondream admin history cli --limit 5`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			rest, help, err := splitGlobalFlags(args, configPath, serverURL)
			if err != nil {
				return err
			}
			if help || len(rest) == 0 {
				return cmd.Help()
			}
			sh, err := newShell(*configPath, *serverURL)
			if err != nil {
				return err
			}
			return sh.Once(cmd.Context(), rest)
		},
	}
	// Flags such as --confirm belong to the shell commands, not cobra,
	// so the arguments arrive unparsed and splitGlobalFlags picks the
	// globals off the front itself.
	cmd.DisableFlagParsing = true
	return cmd
}

// splitGlobalFlags consumes the root command's global flags from the
// front of the argument list and stores their values. Scanning stops
// at the first token that is not a recognized global, so a shell
// command's own flags pass through untouched.
func splitGlobalFlags(args []string, configPath, serverURL *string) (rest []string, help bool, err error) {
	i := 0
	for i < len(args) {
		arg := args[i]
		switch {
		case arg == "-h" || arg == "--help":
			return nil, true, nil
		case arg == "--server-url" || arg == "--config":
			if i+1 >= len(args) {
				return nil, false, fmt.Errorf("flag needs an argument: %s", arg)
			}
			setGlobal(arg, args[i+1], configPath, serverURL)
			i += 2
		case strings.HasPrefix(arg, "--server-url=") || strings.HasPrefix(arg, "--config="):
			name, value, _ := strings.Cut(arg, "=")
			setGlobal(name, value, configPath, serverURL)
			i++
		default:
			return args[i:], false, nil
		}
	}
	return nil, false, nil
}

func setGlobal(name, value string, configPath, serverURL *string) {
	if name == "--config" {
		*configPath = value
		return
	}
	*serverURL = value
}
