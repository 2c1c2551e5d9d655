package config

import (
	"os"
	"path/filepath"
	"runtime"
)

// BaseDir returns the gateway's state directory. LOCALROUTER_HOME
// overrides it entirely; LOCALROUTER_DEV=1 switches to a -dev suffixed
// sibling so a development gateway never touches production state.
func BaseDir() (string, error) {
	if override := os.Getenv("LOCALROUTER_HOME"); override != "" {
		return override, nil
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}

	var base string
	switch runtime.GOOS {
	case "darwin":
		base = filepath.Join(home, "Library", "Application Support", "localrouter")
	case "windows":
		if appData := os.Getenv("APPDATA"); appData != "" {
			base = filepath.Join(appData, "localrouter")
		} else {
			base = filepath.Join(home, "localrouter")
		}
	default:
		if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
			base = filepath.Join(xdg, "localrouter")
		} else {
			base = filepath.Join(home, ".config", "localrouter")
		}
	}

	if os.Getenv("LOCALROUTER_DEV") == "1" {
		base += "-dev"
	}
	return base, nil
}

// ConfigPath returns the config.yaml location, honoring the
// LOCALROUTER_CONFIG override.
func ConfigPath() (string, error) {
	if override := os.Getenv("LOCALROUTER_CONFIG"); override != "" {
		return override, nil
	}
	base, err := BaseDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(base, "config.yaml"), nil
}

// VaultPath returns the encrypted secret vault location.
func VaultPath() (string, error) {
	base, err := BaseDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(base, "api_keys.json"), nil
}

// LogsDir returns the access-log directory, honoring the
// LOCALROUTER_LOGS override.
func LogsDir() (string, error) {
	if override := os.Getenv("LOCALROUTER_LOGS"); override != "" {
		return override, nil
	}
	base, err := BaseDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(base, "logs"), nil
}

// DatabasePath returns the usage database location.
func DatabasePath() (string, error) {
	base, err := BaseDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(base, "usage.db"), nil
}
