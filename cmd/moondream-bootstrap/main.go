package main

import (
	"context"
	stderrors "errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sys/unix"

	"github.com/m87-labs/moondream-station/internal/config"
	"github.com/m87-labs/moondream-station/internal/errors"
	"github.com/m87-labs/moondream-station/internal/fetch"
	"github.com/m87-labs/moondream-station/internal/manifest"
	"github.com/m87-labs/moondream-station/internal/orchestrator"
)

// Version information set at build time.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

const (
	// hypervisorBinary is the executable name inside an installed
	// hypervisor release.
	hypervisorBinary = "moondream-hypervisor"

	// bootstrapBinary is the executable name inside a staged launcher
	// release.
	bootstrapBinary = "moondream-bootstrap"
)

func main() {
	var (
		configPath  string
		overrideBin string
		debug       bool
	)
	exitCode := 0

	rootCmd := &cobra.Command{
		Use:   "moondream-bootstrap",
		Short: "Moondream Station launcher",
		Long: `The launcher keeps the Moondream Station hypervisor running.

It spawns the installed hypervisor build and reads its exit code:
0 means respawn (the daemon restarted itself to finish an update),
99 means a replacement launcher is staged (the launcher installs it
over its own executable and re-execs), anything else halts the
station. On a fresh machine, or after a reset, it installs the
hypervisor from the release manifest first.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			code, err := run(configPath, overrideBin, debug)
			exitCode = code
			return err
		},
	}

	rootCmd.Flags().StringVar(&configPath, "config", "", "Path to config.json (default under the station data directory)")
	rootCmd.Flags().StringVar(&overrideBin, "hypervisor", "", "Run this hypervisor binary instead of the installed one")
	rootCmd.Flags().BoolVar(&debug, "debug", false, "Log at debug level")
	rootCmd.AddCommand(versionCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "moondream-bootstrap: %v\n", err)
		os.Exit(1)
	}
	os.Exit(exitCode)
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("moondream-bootstrap %s (commit %s, built %s)\n", version, commit, date)
		},
	}
}

func run(configPath, overrideBin string, debug bool) (int, error) {
	level := slog.LevelInfo
	if debug {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	root, err := config.AppDir()
	if err != nil {
		return 1, err
	}

	l := &launcher{
		logger:     logger,
		root:       root,
		configPath: configPath,
		override:   overrideBin,
	}
	return l.run(context.Background())
}

// launcher respawns the hypervisor until the station stops. Everything
// it needs is re-read from disk between child runs, because the child
// rewrites config.json and the install tree while it lives.
type launcher struct {
	logger     *slog.Logger
	root       string
	configPath string
	override   string

	mu       sync.Mutex
	child    *exec.Cmd
	stopping bool
}

func (l *launcher) run(ctx context.Context) (int, error) {
	sigc := make(chan os.Signal, 1)
	signal.Notify(sigc, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigc)
	go func() {
		sig := <-sigc
		l.logger.Info("stopping station", "signal", sig.String())
		l.mu.Lock()
		l.stopping = true
		child := l.child
		l.mu.Unlock()
		if child != nil && child.Process != nil {
			child.Process.Signal(syscall.SIGTERM)
		}
	}()

	for {
		if l.isStopping() {
			return 0, nil
		}

		cfg, err := config.Load(l.configPath)
		if err != nil {
			return 1, err
		}

		path, err := l.hypervisorPath(ctx, cfg)
		if err != nil {
			return 1, err
		}

		l.logger.Info("starting hypervisor", "path", path)
		code, err := l.runOnce(path)
		if err != nil {
			return 1, err
		}

		if l.isStopping() {
			return 0, nil
		}

		switch code {
		case orchestrator.ExitRestart:
			settle := cfg.Timeouts.Settle()
			l.logger.Info("hypervisor exited for restart, respawning", "settle", settle.String())
			time.Sleep(settle)

		case orchestrator.ExitStaged:
			l.logger.Info("replacement launcher staged, installing over this executable")
			if err := l.replaceSelf(); err != nil {
				return 1, err
			}
			return 1, l.reexec()

		default:
			l.logger.Error("hypervisor halted", "code", code)
			return code, nil
		}
	}
}

func (l *launcher) isStopping() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.stopping
}

// hypervisorPath resolves the build to spawn: an explicit override, a
// staged swap's successor version, the recorded active version, or a
// fresh install from the manifest when nothing is on disk yet.
func (l *launcher) hypervisorPath(ctx context.Context, cfg *config.Config) (string, error) {
	if l.override != "" {
		return l.override, nil
	}

	version := cfg.Active("hypervisor")
	if staged, ok := orchestrator.StagedVersion(l.root, "hypervisor"); ok {
		version = staged
	}

	if version != "" {
		path := filepath.Join(l.root, "hypervisor", version, hypervisorBinary)
		if _, err := os.Stat(path); err == nil {
			return path, nil
		}
		l.logger.Warn("installed hypervisor binary is missing, reinstalling", "version", version)
	}

	return l.installHypervisor(ctx, cfg)
}

// installHypervisor fetches the manifest and installs the current
// hypervisor release. This is the first-run path, and the recovery
// path after a reset wiped the install tree.
func (l *launcher) installHypervisor(ctx context.Context, cfg *config.Config) (string, error) {
	fetcher := fetch.New(fetch.WithLogger(l.logger))
	repo := manifest.NewRepository(cfg.ManifestURL, cfg.ManifestPath(), fetcher, l.logger)

	fetchCtx, cancel := context.WithTimeout(ctx, cfg.Timeouts.Standard())
	defer cancel()
	m, err := repo.Fetch(fetchCtx)
	if err != nil {
		return "", err
	}

	rel := m.CurrentHypervisor
	if rel.Version == "" || rel.URL == "" {
		return "", errors.New(errors.CodeManifestInvariant).
			WithDetail("manifest %s lists no hypervisor release", m.ManifestVersion)
	}

	staging := filepath.Join(l.root, "staging")
	if err := os.MkdirAll(staging, 0o755); err != nil {
		return "", errors.New(errors.CodeArtifactFetch).WithComponent("hypervisor").Wrap(err)
	}
	archive := filepath.Join(staging, fmt.Sprintf("hypervisor-%s.tar.gz", rel.Version))
	dlCtx, cancelDL := context.WithTimeout(ctx, cfg.Timeouts.Update())
	defer cancelDL()
	if err := fetcher.Download(dlCtx, rel.URL, archive, rel.SHA256); err != nil {
		return "", err
	}
	defer os.Remove(archive)

	dest := filepath.Join(l.root, "hypervisor", rel.Version)
	if err := os.MkdirAll(dest, 0o755); err != nil {
		return "", errors.New(errors.CodeArchiveExtract).WithComponent("hypervisor").Wrap(err)
	}
	if err := fetch.ExtractTarGz(archive, dest); err != nil {
		return "", err
	}

	if err := cfg.SetActive("hypervisor", rel.Version); err != nil {
		return "", err
	}
	l.logger.Info("hypervisor installed", "version", rel.Version)
	return filepath.Join(dest, hypervisorBinary), nil
}

// runOnce runs one hypervisor build to completion and returns its exit
// code. Output is inherited so daemon logs land in the launcher's
// stream.
func (l *launcher) runOnce(path string) (int, error) {
	cmd := exec.Command(path)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr

	if err := cmd.Start(); err != nil {
		return 1, errors.New(errors.CodeProcessStart).WithComponent("hypervisor").Wrap(err)
	}
	l.mu.Lock()
	l.child = cmd
	l.mu.Unlock()

	err := cmd.Wait()
	l.mu.Lock()
	l.child = nil
	l.mu.Unlock()

	if err != nil {
		var exitErr *exec.ExitError
		if stderrors.As(err, &exitErr) {
			return exitErr.ExitCode(), nil
		}
		return 1, errors.New(errors.CodeProcessCrash).WithComponent("hypervisor").Wrap(err)
	}
	return 0, nil
}

// replaceSelf installs the staged launcher over this executable. The
// running image keeps executing from the old inode; the swap takes
// effect on re-exec. The previous binary stays beside the new one as
// .old until the next successful swap.
func (l *launcher) replaceSelf() error {
	self, err := os.Executable()
	if err != nil {
		return errors.Newf(errors.CategoryStorage, "could not locate own executable").Wrap(err)
	}

	staged := filepath.Join(l.root, "staging", "bootstrap", bootstrapBinary)
	if _, err := os.Stat(staged); err != nil {
		return errors.New(errors.CodeArtifactFetch).WithComponent("bootstrap").
			WithDetail("no staged launcher at %s", staged).Wrap(err)
	}

	backup := self + ".old"
	os.Remove(backup)
	if err := os.Rename(self, backup); err != nil {
		return errors.Newf(errors.CategoryStorage, "could not set aside current launcher").Wrap(err)
	}
	if err := copyFile(staged, self, 0o755); err != nil {
		// Put the working launcher back so the station can still start.
		if rerr := os.Rename(backup, self); rerr != nil {
			l.logger.Error("could not restore launcher after failed swap", "error", rerr)
		}
		return err
	}
	l.logger.Info("launcher replaced", "path", self)
	return nil
}

// reexec replaces the process image with the freshly installed
// launcher. It only returns on failure.
func (l *launcher) reexec() error {
	self, err := os.Executable()
	if err != nil {
		return errors.Newf(errors.CategoryStorage, "could not locate own executable").Wrap(err)
	}
	if err := unix.Exec(self, os.Args, os.Environ()); err != nil {
		return errors.Newf(errors.CategoryProcess, "could not re-exec replaced launcher").Wrap(err)
	}
	return nil
}

// copyFile copies src to dst with the given mode. The staging area may
// sit on a different filesystem than the executable, so a plain copy
// is used instead of rename.
func copyFile(src, dst string, mode os.FileMode) error {
	in, err := os.Open(src)
	if err != nil {
		return errors.Newf(errors.CategoryStorage, "could not open %s", src).Wrap(err)
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, mode)
	if err != nil {
		return errors.Newf(errors.CategoryStorage, "could not create %s", dst).Wrap(err)
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return errors.Newf(errors.CategoryStorage, "could not write %s", dst).Wrap(err)
	}
	return out.Close()
}
