package config

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/m87-labs/moondream-station/internal/errors"
)

const (
	// ConfigFileName is the name of the station configuration file.
	ConfigFileName = "config.json"

	// DefaultAdminPort is the hypervisor admin API port.
	DefaultAdminPort = 2020

	// DefaultInferencePort is the inference runtime port.
	DefaultInferencePort = 20200

	// DefaultInferenceURL is the OpenAI-compatible endpoint of the local
	// inference runtime.
	DefaultInferenceURL = "http://localhost:20200/v1"
)

// Config is the persisted station state in config.json.
type Config struct {
	// ActiveBootstrap is the installed bootstrap version.
	ActiveBootstrap string `json:"active_bootstrap"`

	// ActiveHypervisor is the installed hypervisor version.
	ActiveHypervisor string `json:"active_hypervisor"`

	// ActiveInferenceClient is the installed inference client version.
	ActiveInferenceClient string `json:"active_inference_client"`

	// ActiveModel is the active model revision identifier.
	ActiveModel string `json:"active_model"`

	// ActiveCLI is the installed CLI version.
	ActiveCLI string `json:"active_cli"`

	// InferenceURL is the endpoint served by the inference runtime.
	InferenceURL string `json:"inference_url"`

	// ManifestURL is where the release manifest is fetched from. It may
	// be an http(s) URL, an s3:// URL, or a local file path.
	ManifestURL string `json:"manifest_url"`

	// AdminPort is the hypervisor admin API port.
	AdminPort int `json:"admin_port"`

	// InferencePort is the inference runtime port.
	InferencePort int `json:"inference_port"`

	// MetricsReporting controls whether the /metrics endpoint is served.
	MetricsReporting bool `json:"metrics_reporting"`

	// DeviceID is a random identifier generated on first run.
	DeviceID string `json:"device_id"`

	// Timeouts contains the operation timeout budgets.
	Timeouts Timeouts `json:"timeouts"`

	// mu guards the active_* versions and metrics_reporting, which are
	// written after boot while admin handlers read them. The ports, URLs,
	// and timeouts never change after Load.
	mu sync.RWMutex

	// configPath stores the path where the config was loaded from.
	configPath string
}

// Timeouts contains the bounded wait budgets, in seconds.
type Timeouts struct {
	// QuickSeconds bounds graceful-shutdown waits.
	QuickSeconds int `json:"quick_seconds"`

	// StandardSeconds bounds ordinary admin operations.
	StandardSeconds int `json:"standard_seconds"`

	// StartupSeconds bounds subprocess readiness after start.
	StartupSeconds int `json:"startup_seconds"`

	// UpdateSeconds bounds a full update cycle including verification.
	UpdateSeconds int `json:"update_seconds"`

	// RecoverySeconds bounds the forced restart after a failed update.
	RecoverySeconds int `json:"recovery_seconds"`

	// SettleSeconds is the delay between stop and start on restart.
	SettleSeconds int `json:"settle_seconds"`
}

// Quick returns the graceful-shutdown budget.
func (t Timeouts) Quick() time.Duration { return time.Duration(t.QuickSeconds) * time.Second }

// Standard returns the ordinary operation budget.
func (t Timeouts) Standard() time.Duration { return time.Duration(t.StandardSeconds) * time.Second }

// Startup returns the subprocess readiness budget.
func (t Timeouts) Startup() time.Duration { return time.Duration(t.StartupSeconds) * time.Second }

// Update returns the full update cycle budget.
func (t Timeouts) Update() time.Duration { return time.Duration(t.UpdateSeconds) * time.Second }

// Recovery returns the forced-restart budget.
func (t Timeouts) Recovery() time.Duration { return time.Duration(t.RecoverySeconds) * time.Second }

// Settle returns the stop-to-start delay on restart.
func (t Timeouts) Settle() time.Duration { return time.Duration(t.SettleSeconds) * time.Second }

// New creates a Config with default values.
func New() *Config {
	return &Config{
		InferenceURL:     DefaultInferenceURL,
		ManifestURL:      DefaultManifestURL(),
		AdminPort:        DefaultAdminPort,
		InferencePort:    DefaultInferencePort,
		MetricsReporting: true,
		DeviceID:         newDeviceID(),
		Timeouts: Timeouts{
			QuickSeconds:    15,
			StandardSeconds: 60,
			StartupSeconds:  100,
			UpdateSeconds:   300,
			RecoverySeconds: 30,
			SettleSeconds:   5,
		},
	}
}

// Load reads the station configuration from the given path. An empty
// path means the default location under the station data directory. A
// missing file is created with defaults so first run starts clean; a
// file that exists but cannot be parsed is an error rather than a silent
// reset of the active versions.
func Load(path string) (*Config, error) {
	if path == "" {
		dir, err := DataDir()
		if err != nil {
			return nil, errors.New(errors.CodeConfigLoad).Wrap(err)
		}
		path = filepath.Join(dir, ConfigFileName)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			cfg := New()
			cfg.configPath = path
			if err := cfg.Save(); err != nil {
				return nil, err
			}
			return cfg, nil
		}
		return nil, errors.New(errors.CodeConfigLoad).Wrap(err)
	}

	cfg := New()
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, errors.New(errors.CodeConfigLoad).
			WithDetail("failed to parse %s", path).
			WithSuggestion("Fix or remove the file; removing it resets the station to defaults.").
			Wrap(err)
	}

	cfg.configPath = path
	cfg.applyDefaults()

	return cfg, nil
}

// Save writes the configuration to the file it was loaded from.
func (c *Config) Save() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.saveLocked(c.configPath)
}

// SaveTo writes the configuration to the specified path.
func (c *Config) SaveTo(path string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.saveLocked(path)
}

func (c *Config) saveLocked(path string) error {
	if path == "" {
		return errors.Newf(errors.CategoryConfig, "no config path set")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return errors.New(errors.CodeConfigLoad).Wrap(err)
	}

	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return errors.New(errors.CodeConfigLoad).Wrap(err)
	}

	// Add newline at end of file
	data = append(data, '\n')

	if err := os.WriteFile(path, data, 0644); err != nil {
		return errors.New(errors.CodeConfigLoad).Wrap(err)
	}

	c.configPath = path
	return nil
}

// Path returns the path where the config was loaded from.
func (c *Config) Path() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.configPath
}

// Dir returns the directory containing the config file.
func (c *Config) Dir() string {
	path := c.Path()
	if path == "" {
		return ""
	}
	return filepath.Dir(path)
}

// Active returns the installed version recorded for the given component
// name, or "" when none has been recorded yet.
func (c *Config) Active(name string) string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	switch name {
	case "bootstrap":
		return c.ActiveBootstrap
	case "hypervisor":
		return c.ActiveHypervisor
	case "inference-client":
		return c.ActiveInferenceClient
	case "model":
		return c.ActiveModel
	case "cli":
		return c.ActiveCLI
	}
	return ""
}

// SetActive records the installed version for the given component name
// and persists the file.
func (c *Config) SetActive(name, version string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch name {
	case "bootstrap":
		c.ActiveBootstrap = version
	case "hypervisor":
		c.ActiveHypervisor = version
	case "inference-client":
		c.ActiveInferenceClient = version
	case "model":
		c.ActiveModel = version
	case "cli":
		c.ActiveCLI = version
	default:
		return errors.New(errors.CodeUnknownComponent).WithComponent(name)
	}
	return c.saveLocked(c.configPath)
}

// SetMetricsReporting toggles the metrics endpoint and persists the file.
func (c *Config) SetMetricsReporting(enabled bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.MetricsReporting = enabled
	return c.saveLocked(c.configPath)
}

// MetricsEnabled reports whether the metrics endpoint is served.
func (c *Config) MetricsEnabled() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.MetricsReporting
}

// applyDefaults fills in default values for empty fields.
func (c *Config) applyDefaults() {
	if c.InferenceURL == "" {
		c.InferenceURL = DefaultInferenceURL
	}
	if c.ManifestURL == "" {
		c.ManifestURL = DefaultManifestURL()
	}
	if c.AdminPort == 0 {
		c.AdminPort = DefaultAdminPort
	}
	if c.InferencePort == 0 {
		c.InferencePort = DefaultInferencePort
	}
	if c.DeviceID == "" {
		c.DeviceID = newDeviceID()
	}

	if c.Timeouts.QuickSeconds == 0 {
		c.Timeouts.QuickSeconds = 15
	}
	if c.Timeouts.StandardSeconds == 0 {
		c.Timeouts.StandardSeconds = 60
	}
	if c.Timeouts.StartupSeconds == 0 {
		c.Timeouts.StartupSeconds = 100
	}
	if c.Timeouts.UpdateSeconds == 0 {
		c.Timeouts.UpdateSeconds = 300
	}
	if c.Timeouts.RecoverySeconds == 0 {
		c.Timeouts.RecoverySeconds = 30
	}
	if c.Timeouts.SettleSeconds == 0 {
		c.Timeouts.SettleSeconds = 5
	}
}

// Validate checks if the configuration is valid.
func (c *Config) Validate() error {
	if c.AdminPort < 1 || c.AdminPort > 65535 {
		return errors.Newf(errors.CategoryConfig, "admin_port %d out of range", c.AdminPort)
	}
	if c.InferencePort < 1 || c.InferencePort > 65535 {
		return errors.Newf(errors.CategoryConfig, "inference_port %d out of range", c.InferencePort)
	}
	if c.AdminPort == c.InferencePort {
		return errors.Newf(errors.CategoryConfig, "admin_port and inference_port must differ")
	}
	return nil
}

// AdminURL returns the base URL of the hypervisor admin API.
func (c *Config) AdminURL() string {
	return "http://localhost:" + strconv.Itoa(c.AdminPort)
}

// ManifestPath returns where the manifest snapshot is persisted.
func (c *Config) ManifestPath() string {
	return filepath.Join(c.Dir(), "manifest.json")
}

// HistoryPath returns the update history database path.
func (c *Config) HistoryPath() string {
	return filepath.Join(c.Dir(), "history.db")
}

// newDeviceID generates a random 16-hex-character identifier.
func newDeviceID() string {
	var b [8]byte
	if _, err := rand.Read(b[:]); err != nil {
		return "unknown"
	}
	return hex.EncodeToString(b[:])
}
