package config

import (
	"os"
	"path/filepath"
	"runtime"
)

const appDirName = "MoondreamStation"

// AppDir returns the station application directory, creating it if
// needed. macOS uses ~/Library/MoondreamStation; elsewhere the XDG data
// directory is used ($XDG_DATA_HOME or ~/.local/share).
func AppDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}

	var base string
	if runtime.GOOS == "darwin" {
		base = filepath.Join(home, "Library")
	} else {
		base = os.Getenv("XDG_DATA_HOME")
		if base == "" {
			base = filepath.Join(home, ".local", "share")
		}
	}

	dir := filepath.Join(base, appDirName)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", err
	}
	return dir, nil
}

// DataDir returns the directory holding config.json, the manifest
// snapshot, and the history database.
func DataDir() (string, error) {
	app, err := AppDir()
	if err != nil {
		return "", err
	}
	dir := filepath.Join(app, "data")
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", err
	}
	return dir, nil
}

// ComponentDir returns the install directory for one version of a
// component, e.g. <appdir>/hypervisor/v0.0.2.
func ComponentDir(component, version string) (string, error) {
	app, err := AppDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(app, component, version), nil
}

// StagingDir returns the directory where downloaded artifacts are staged
// before installation.
func StagingDir() (string, error) {
	app, err := AppDir()
	if err != nil {
		return "", err
	}
	dir := filepath.Join(app, "staging")
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", err
	}
	return dir, nil
}

// DefaultManifestURL returns the platform's manifest location on the
// release depot.
func DefaultManifestURL() string {
	if runtime.GOOS == "darwin" {
		return "https://depot.moondream.ai/station/md_station_manifest.json"
	}
	return "https://depot.moondream.ai/station/md_station_manifest_ubuntu.json"
}
