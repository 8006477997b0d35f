// Package config loads the printerd daemon's TOML configuration,
// following the same multi-path search order the rest of this codebase's
// tooling uses.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"time"

	"github.com/BurntSushi/toml"
)

// Config holds the settings spec.md leaves to "process-wide bootstrap"
// (out of scope) but that any running daemon still needs: where spool
// files go, where the arranger/backend binaries live, and the interval
// of the periodic sweep that asks every printer to start its next
// pending job (the device scanner itself does not poll).
type Config struct {
	SpoolDir        string        `toml:"spool_dir"`
	FilterDir       string        `toml:"filter_dir"`
	BackendDir      string        `toml:"backend_dir"`
	DeviceScanEvery time.Duration `toml:"device_scan_interval"`
}

// Default returns the configuration used when no config file is found.
func Default() Config {
	return Config{
		SpoolDir:        os.TempDir(),
		FilterDir:       "/usr/lib/cups/filter",
		BackendDir:      "/usr/lib/cups/backend",
		DeviceScanEvery: 5 * time.Second,
	}
}

// Load searches the standard locations for printerd.toml and merges any
// values found over Default(). A missing file is not an error; Load
// returns the defaults.
func Load() (Config, error) {
	cfg := Default()

	path, data, err := FindConfigFile("printerd.toml")
	if err != nil {
		return cfg, nil
	}

	if _, err := toml.Decode(string(data), &cfg); err != nil {
		return cfg, fmt.Errorf("parsing config file %s: %w", path, err)
	}
	return cfg, nil
}

// FindConfigFile searches, in priority order, the component-specific
// system directory, the user config directory, the executable's
// directory, and the current working directory.
func FindConfigFile(filename string) (string, []byte, error) {
	for _, path := range SearchPaths(filename) {
		if data, err := os.ReadFile(path); err == nil {
			return path, data, nil
		}
	}
	return "", nil, fmt.Errorf("%s not found in any search path", filename)
}

// SearchPaths returns the ordered list of paths Load consults.
func SearchPaths(filename string) []string {
	var paths []string

	switch runtime.GOOS {
	case "windows":
		paths = append(paths, filepath.Join(os.Getenv("ProgramData"), "printerd", filename))
	case "darwin":
		paths = append(paths, filepath.Join("/Library/Application Support/printerd", filename))
	default:
		paths = append(paths, filepath.Join("/etc/printerd", filename))
	}

	if home, err := os.UserHomeDir(); err == nil {
		switch runtime.GOOS {
		case "windows":
			paths = append(paths, filepath.Join(home, "AppData", "Local", "printerd", filename))
		case "darwin":
			paths = append(paths, filepath.Join(home, "Library/Application Support/printerd", filename))
		default:
			paths = append(paths, filepath.Join(home, ".config/printerd", filename))
		}
	}

	if exe, err := os.Executable(); err == nil {
		paths = append(paths, filepath.Join(filepath.Dir(exe), filename))
	}

	paths = append(paths, filepath.Join(".", filename))
	return paths
}
