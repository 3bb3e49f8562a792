package shell

import (
	"context"
	"strconv"
	"strings"

	"github.com/m87-labs/moondream-station/internal/errors"
	"github.com/m87-labs/moondream-station/internal/orchestrator"
)

// Command is one entry in the shell's dispatch table.
type Command struct {
	Name    string
	Usage   string
	Summary string

	// Terminal marks a command that ends the shell after running.
	Terminal bool

	Run func(ctx context.Context, sh *Shell, args []string) error
}

// commands returns the registered command table. The table is validated
// by New before the shell accepts input.
func commands() []Command {
	return []Command{
		{
			Name: "check-updates", Usage: "check-updates",
			Summary: "Check every component against the latest manifest",
			Run:     cmdCheckUpdates,
		},
		{
			Name: "update", Usage: "update [--confirm]",
			Summary: "Apply all pending updates in priority order",
			Run:     cmdUpdateAll,
		},
		{
			Name: "update-bootstrap", Usage: "update-bootstrap [--confirm]",
			Summary: "Update the bootstrap launcher",
			Run:     componentUpdate("bootstrap"),
		},
		{
			Name: "update-hypervisor", Usage: "update-hypervisor [--confirm]",
			Summary: "Update the hypervisor daemon",
			Run:     componentUpdate("hypervisor"),
		},
		{
			Name: "update-cli", Usage: "update-cli [--confirm]",
			Summary: "Update the CLI",
			Run:     componentUpdate("cli"),
		},
		{
			Name: "update-model", Usage: "update-model [--confirm]",
			Summary: "Update the active model to the latest revision",
			Run:     componentUpdate("model"),
		},
		{
			Name: "model-list", Usage: "model-list",
			Summary: "List available models with active and latest markers",
			Run:     cmdModelList,
		},
		{
			Name: "model-use", Usage: "model-use <model-id> [--confirm]",
			Summary: "Switch the active model",
			Run:     cmdModelUse,
		},
		{
			Name: "update-manifest", Usage: "update-manifest",
			Summary: "Force a manifest refresh",
			Run:     cmdUpdateManifest,
		},
		{
			Name: "get-config", Usage: "get-config",
			Summary: "Show the station configuration",
			Run:     cmdGetConfig,
		},
		{
			Name: "status", Usage: "status",
			Summary: "Show component state and in-flight operations",
			Run:     cmdStatus,
		},
		{
			Name: "history", Usage: "history [component] [--limit n]",
			Summary: "Show recent update outcomes",
			Run:     cmdHistory,
		},
		{
			Name: "metrics-toggle", Usage: "metrics-toggle <on|off>",
			Summary: "Enable or disable metrics reporting",
			Run:     cmdMetricsToggle,
		},
		{
			Name: "reset", Usage: "reset --confirm",
			Summary: "Remove all station state and shut down",
			Run:     cmdReset,
		},
		{
			Name: "health", Usage: "health",
			Summary: "Check that the station daemon is running",
			Run:     cmdHealth,
		},
		{
			Name: "help", Usage: "help [command]",
			Summary: "Show command help",
			Run:     cmdHelp,
		},
		{
			Name: "exit", Usage: "exit",
			Summary: "Leave the shell", Terminal: true,
			Run: func(ctx context.Context, sh *Shell, args []string) error { return nil },
		},
	}
}

// buildTable indexes the command table and rejects malformed entries so
// a broken registration fails at startup, not at dispatch.
func buildTable(cmds []Command) (map[string]*Command, []string, error) {
	table := make(map[string]*Command, len(cmds))
	order := make([]string, 0, len(cmds))
	for i := range cmds {
		c := &cmds[i]
		if c.Name == "" {
			return nil, nil, errors.Newf(errors.CategoryConfig, "shell command %d has no name", i)
		}
		if c.Run == nil {
			return nil, nil, errors.Newf(errors.CategoryConfig, "shell command %q has no handler", c.Name)
		}
		if c.Usage == "" || c.Summary == "" {
			return nil, nil, errors.Newf(errors.CategoryConfig, "shell command %q has no usage text", c.Name)
		}
		if _, dup := table[c.Name]; dup {
			return nil, nil, errors.Newf(errors.CategoryConfig, "shell command %q registered twice", c.Name)
		}
		table[c.Name] = c
		order = append(order, c.Name)
	}
	return table, order, nil
}

func hasFlag(args []string, flag string) bool {
	for _, a := range args {
		if a == flag {
			return true
		}
	}
	return false
}

// displayName renders a component name the way the terminal output
// spells it.
func displayName(component string) string {
	switch component {
	case "bootstrap":
		return "Bootstrap"
	case "hypervisor":
		return "Hypervisor"
	case "cli":
		return "CLI"
	case "model":
		return "Model"
	case "inference-client", "inference_client":
		return "Inference client"
	}
	return component
}

// completionPhrase is the fixed line printed when a component's update
// finishes. These are a stable contract at the terminal boundary.
func completionPhrase(component string) string {
	switch component {
	case "bootstrap":
		return "Restart Moondream Station for update"
	case "hypervisor":
		return "Hypervisor update completed"
	case "cli":
		return "CLI update complete. Please restart the CLI"
	case "model":
		return "Model initialization completed successfully"
	case "inference-client":
		return "Inference client update completed"
	}
	return ""
}

func cmdCheckUpdates(ctx context.Context, sh *Shell, args []string) error {
	sh.println("Checking for available updates...")
	diff, err := sh.api.CheckUpdates(ctx)
	if err != nil {
		return err
	}

	sh.println("Update Status:")
	pending := 0
	for _, p := range diff.Plans {
		installed := p.InstalledVersion
		if installed == "" {
			installed = "not installed"
		}
		if p.UpdateAvailable {
			pending++
			if p.PendingVersion != "" {
				sh.printf("  %s: %s - Update available (%s)\n", displayName(p.Component), installed, p.PendingVersion)
			} else {
				sh.printf("  %s: %s - Update available\n", displayName(p.Component), installed)
			}
		} else {
			sh.printf("  %s: %s - Up to date\n", displayName(p.Component), installed)
		}
	}

	if pending > 0 {
		sh.println("Run 'update --confirm' to install all available updates.")
	} else {
		sh.println("All components appear to be up to date.")
	}
	return nil
}

func cmdUpdateAll(ctx context.Context, sh *Shell, args []string) error {
	if !hasFlag(args, "--confirm") {
		resp, err := sh.api.UpdateAll(ctx, false)
		if err != nil {
			return err
		}
		pending := 0
		for _, p := range resp.Plans {
			if p.UpdateAvailable {
				pending++
			}
		}
		if pending == 0 {
			sh.println("All components appear to be up to date.")
			return nil
		}
		sh.printf("%d update(s) pending. Run 'update --confirm' to install them.\n", pending)
		return nil
	}

	sh.println("Starting update process")
	resp, err := sh.api.UpdateAll(ctx, true)
	if err != nil {
		return err
	}
	for _, res := range resp.Results {
		sh.renderResult(res)
	}
	if resp.Failed > 0 {
		sh.printf("%d update(s) failed.\n", resp.Failed)
	}
	sh.println("All component updates have been processed")
	return nil
}

// componentUpdate builds the handler for one update-<component>
// command.
func componentUpdate(component string) func(context.Context, *Shell, []string) error {
	return func(ctx context.Context, sh *Shell, args []string) error {
		if !hasFlag(args, "--confirm") {
			resp, err := sh.api.UpdateComponent(ctx, component, false)
			if err != nil {
				return err
			}
			p := resp.Plan
			if !p.UpdateAvailable {
				sh.printf("%s: %s - Up to date\n", displayName(component), p.InstalledVersion)
				return nil
			}
			sh.printf("%s: %s - Update available (%s)\n", displayName(component), p.InstalledVersion, p.PendingVersion)
			sh.printf("Run 'update-%s --confirm' to apply.\n", component)
			return nil
		}

		sh.println("Starting update process")
		resp, err := sh.api.UpdateComponent(ctx, component, true)
		if err != nil {
			return err
		}
		if resp.Result != nil {
			sh.renderResult(*resp.Result)
		}
		return nil
	}
}

// renderResult prints one applied operation, ending with the fixed
// completion phrase for the component when it changed anything.
func (sh *Shell) renderResult(res orchestrator.Result) {
	name := displayName(res.Component)
	switch res.Outcome {
	case orchestrator.ResultUpToDate:
		sh.printf("%s: already up to date\n", name)
	case orchestrator.ResultFailed:
		if res.Detail != "" {
			sh.printf("%s update failed: %s\n", name, res.Detail)
		} else {
			sh.printf("%s update failed\n", name)
		}
	default:
		if res.FromVersion != "" && res.ToVersion != "" {
			sh.printf("%s: %s -> %s\n", name, res.FromVersion, res.ToVersion)
		}
		if phrase := completionPhrase(res.Component); phrase != "" {
			sh.println(phrase)
		}
	}
}

func cmdModelList(ctx context.Context, sh *Shell, args []string) error {
	catalog, err := sh.api.Models(ctx)
	if err != nil {
		return err
	}

	sh.printf("Available models (%s):\n", catalog.Size)
	for _, m := range catalog.Models {
		var marks []string
		if m.Active {
			marks = append(marks, "active")
		}
		if m.Latest {
			marks = append(marks, "latest")
		}
		suffix := ""
		if len(marks) > 0 {
			suffix = " [" + strings.Join(marks, ", ") + "]"
		}
		sh.printf("  %s - revision %s, client %s%s\n", m.ID, m.Revision, m.InferenceClient, suffix)
	}
	sh.println("Use 'model-use <model-id> --confirm' to switch.")
	return nil
}

func cmdModelUse(ctx context.Context, sh *Shell, args []string) error {
	var id string
	for _, a := range args {
		if !strings.HasPrefix(a, "--") {
			id = a
			break
		}
	}
	if id == "" {
		sh.println("Usage: model-use <model-id> [--confirm]")
		return nil
	}

	if !hasFlag(args, "--confirm") {
		resp, err := sh.api.UseModel(ctx, id, false)
		if err != nil {
			return err
		}
		p := resp.Plan
		if p.AlreadyActive {
			sh.printf("Model %s is already active.\n", id)
			return nil
		}
		if p.ClientSwitch {
			sh.printf("Switching to %s also installs inference client %s.\n", id, p.ClientVersion)
		}
		sh.printf("Run 'model-use %s --confirm' to switch.\n", id)
		return nil
	}

	resp, err := sh.api.UseModel(ctx, id, true)
	if err != nil {
		return err
	}
	if resp.Result != nil && resp.Result.Outcome == orchestrator.ResultUpToDate {
		sh.printf("Model %s is already active.\n", id)
		return nil
	}
	sh.println("Model initialization completed successfully")
	return nil
}

func cmdUpdateManifest(ctx context.Context, sh *Shell, args []string) error {
	info, err := sh.api.RefreshManifest(ctx)
	if err != nil {
		return err
	}
	sh.printf("Manifest refreshed: %s (%s)\n", info.ManifestVersion, info.ManifestDate)
	return nil
}

func cmdGetConfig(ctx context.Context, sh *Shell, args []string) error {
	cfg, err := sh.api.StationConfig(ctx)
	if err != nil {
		return err
	}
	sh.printf("active_bootstrap: %s\n", cfg.ActiveBootstrap)
	sh.printf("active_hypervisor: %s\n", cfg.ActiveHypervisor)
	sh.printf("active_inference_client: %s\n", cfg.ActiveInferenceClient)
	sh.printf("active_model: %s\n", cfg.ActiveModel)
	sh.printf("active_cli: %s\n", cfg.ActiveCLI)
	sh.printf("inference_url: %s\n", cfg.InferenceURL)
	sh.printf("manifest_url: %s\n", cfg.ManifestURL)
	sh.printf("metrics_reporting: %t\n", cfg.MetricsReporting)
	sh.printf("device_id: %s\n", cfg.DeviceID)
	return nil
}

func cmdStatus(ctx context.Context, sh *Shell, args []string) error {
	st, err := sh.api.Status(ctx)
	if err != nil {
		return err
	}

	for _, c := range st.Components {
		installed := c.InstalledVersion
		if installed == "" {
			installed = "not installed"
		}
		line := "  " + displayName(c.Name) + ": " + installed + " [" + c.Status + "]"
		if c.Phase != "" && c.Phase != "idle" {
			line += " (" + c.Phase + ")"
		}
		sh.println(line)
	}
	sh.printf("Inference running: %t\n", st.InferenceRunning)
	return nil
}

func cmdHistory(ctx context.Context, sh *Shell, args []string) error {
	component := ""
	limit := 0
	for i := 0; i < len(args); i++ {
		switch {
		case args[i] == "--limit" && i+1 < len(args):
			n, err := strconv.Atoi(args[i+1])
			if err != nil {
				sh.println("Usage: history [component] [--limit n]")
				return nil
			}
			limit = n
			i++
		case !strings.HasPrefix(args[i], "--"):
			component = args[i]
		}
	}

	entries, err := sh.api.History(ctx, component, limit)
	if err != nil {
		return err
	}
	if len(entries) == 0 {
		sh.println("No update history recorded yet.")
		return nil
	}
	for _, e := range entries {
		line := "  " + e.CreatedAt.Local().Format("2006-01-02 15:04:05") +
			"  " + e.Component + ": " + e.FromVersion + " -> " + e.ToVersion +
			" (" + e.Outcome + ")"
		if e.Detail != "" {
			line += " - " + e.Detail
		}
		sh.println(line)
	}
	return nil
}

func cmdMetricsToggle(ctx context.Context, sh *Shell, args []string) error {
	if len(args) == 0 {
		sh.println("Usage: metrics-toggle <on|off>")
		return nil
	}

	var enabled bool
	switch strings.ToLower(args[0]) {
	case "on", "true", "enable":
		enabled = true
	case "off", "false", "disable":
		enabled = false
	default:
		sh.println("Usage: metrics-toggle <on|off>")
		return nil
	}

	got, err := sh.api.SetMetrics(ctx, enabled)
	if err != nil {
		return err
	}
	if got {
		sh.println("Metrics reporting enabled.")
	} else {
		sh.println("Metrics reporting disabled.")
	}
	return nil
}

func cmdReset(ctx context.Context, sh *Shell, args []string) error {
	if !hasFlag(args, "--confirm") {
		sh.println("Reset removes all station state: installed components, history, and config.")
		sh.println("Run 'reset --confirm' to proceed.")
		return nil
	}
	if err := sh.api.Reset(ctx, true); err != nil {
		return err
	}
	sh.println("Reset scheduled. Moondream Station will shut down.")
	return nil
}

func cmdHealth(ctx context.Context, sh *Shell, args []string) error {
	info, err := sh.api.Health(ctx)
	if err != nil {
		return err
	}
	sh.printf("Status: %s\n", info.Status)
	if info.HypervisorVersion != "" {
		sh.printf("Hypervisor: %s\n", info.HypervisorVersion)
	}
	sh.printf("Inference running: %t\n", info.InferenceRunning)
	return nil
}

func cmdHelp(ctx context.Context, sh *Shell, args []string) error {
	if len(args) > 0 {
		c, ok := sh.cmds[args[0]]
		if !ok {
			sh.printf("Unknown command %q. Type 'help' for a list.\n", args[0])
			return nil
		}
		sh.printf("%s\n    %s\n", c.Usage, c.Summary)
		return nil
	}

	sh.println("Available commands:")
	for _, name := range sh.order {
		c := sh.cmds[name]
		sh.printf("  %-36s %s\n", c.Usage, c.Summary)
	}
	sh.println("Commands may be prefixed with 'admin', e.g. 'admin check-updates'.")
	return nil
}
