package shell

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/m87-labs/moondream-station/internal/config"
	"github.com/m87-labs/moondream-station/internal/errors"
)

// Settings keys. Environment variables use the MOONDREAM_ prefix with
// dashes folded to underscores, e.g. MOONDREAM_SERVER_URL.
const (
	KeyServerURL      = "server-url"
	KeyCommandTimeout = "command-timeout"

	envPrefix = "MOONDREAM"
)

// DefaultServerURL is the hypervisor admin API on the local machine.
const DefaultServerURL = "http://localhost:2020"

// DefaultCommandTimeout bounds one shell command round trip. Updates
// download artifacts, so this is far above an interactive budget.
const DefaultCommandTimeout = 5 * time.Minute

// Settings is the CLI-side configuration, loaded with the precedence
// defaults < config file < environment.
type Settings struct {
	ServerURL      string
	CommandTimeout time.Duration
}

// LoadSettings reads cli.yaml from the station app dir, or from an
// explicit path when one is given. A missing file is not an error.
func LoadSettings(path string) (Settings, error) {
	if path == "" {
		dir, err := config.AppDir()
		if err != nil {
			return Settings{}, errors.New(errors.CodeConfigLoad).
				WithDetail("could not resolve the station app dir").
				Wrap(err)
		}
		path = filepath.Join(dir, "cli.yaml")
	}

	v := viper.New()
	v.SetConfigType("yaml")
	v.SetDefault(KeyServerURL, DefaultServerURL)
	v.SetDefault(KeyCommandTimeout, DefaultCommandTimeout)
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_", ".", "_"))
	v.AutomaticEnv()

	if err := mergeSettingsFile(v, path); err != nil {
		return Settings{}, err
	}

	s := Settings{
		ServerURL:      strings.TrimRight(v.GetString(KeyServerURL), "/"),
		CommandTimeout: v.GetDuration(KeyCommandTimeout),
	}
	if s.ServerURL == "" {
		s.ServerURL = DefaultServerURL
	}
	if s.CommandTimeout <= 0 {
		s.CommandTimeout = DefaultCommandTimeout
	}
	return s, nil
}

func mergeSettingsFile(v *viper.Viper, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return errors.New(errors.CodeConfigLoad).
			WithDetail("could not read %s", path).Wrap(err)
	}
	if len(bytes.TrimSpace(data)) == 0 {
		return nil
	}
	if err := v.MergeConfig(bytes.NewReader(data)); err != nil {
		return errors.New(errors.CodeConfigLoad).
			WithDetail("could not parse %s", path).Wrap(err)
	}
	return nil
}
