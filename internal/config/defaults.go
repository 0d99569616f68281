// Package config handles configuration loading and validation for keypadd.
package config

import (
	"os"
	"path/filepath"
	"runtime"
	"strconv"
)

// PlatformDataDir returns the platform-specific data directory.
//
// Platform paths:
//   - macOS:   ~/Library/Application Support/keypad/
//   - Linux:   $XDG_DATA_HOME/keypad/ or ~/.local/share/keypad/
//   - Windows: %APPDATA%\keypad\
//
// Falls back to ~/.keypad if platform detection fails.
func PlatformDataDir() string {
	switch runtime.GOOS {
	case "darwin":
		return macOSDataDir()
	case "linux":
		return linuxDataDir()
	case "windows":
		return windowsDataDir()
	default:
		return fallbackDataDir()
	}
}

// PlatformConfigDir returns the platform-specific config directory.
//
// Platform paths:
//   - macOS:   ~/Library/Application Support/keypad/
//   - Linux:   $XDG_CONFIG_HOME/keypad/ or ~/.config/keypad/
//   - Windows: %APPDATA%\keypad\
func PlatformConfigDir() string {
	switch runtime.GOOS {
	case "darwin":
		return macOSDataDir() // macOS uses same dir for config and data
	case "linux":
		return linuxConfigDir()
	case "windows":
		return windowsDataDir() // Windows uses same dir for config and data
	default:
		return fallbackDataDir()
	}
}

// PlatformLogDir returns the platform-specific log directory.
//
// Platform paths:
//   - macOS:   ~/Library/Logs/keypad/
//   - Linux:   $XDG_STATE_HOME/keypad/ or ~/.local/state/keypad/
//   - Windows: %LOCALAPPDATA%\keypad\logs\
func PlatformLogDir() string {
	switch runtime.GOOS {
	case "darwin":
		return macOSLogDir()
	case "linux":
		return linuxStateDir()
	case "windows":
		return windowsLogDir()
	default:
		return filepath.Join(fallbackDataDir(), "logs")
	}
}

// PlatformRuntimeDir returns the platform-specific runtime directory
// for the control socket and PID file.
//
// Platform paths:
//   - macOS:   /tmp/keypad-$UID/
//   - Linux:   $XDG_RUNTIME_DIR/keypad/ or /tmp/keypad-$UID/
func PlatformRuntimeDir() string {
	switch runtime.GOOS {
	case "linux":
		return linuxRuntimeDir()
	default:
		return filepath.Join("/tmp", "keypad-"+userID())
	}
}

// macOS-specific paths

func macOSDataDir() string {
	home := os.Getenv("HOME")
	if home == "" {
		home, _ = os.UserHomeDir()
	}
	return filepath.Join(home, "Library", "Application Support", "keypad")
}

func macOSLogDir() string {
	home := os.Getenv("HOME")
	if home == "" {
		home, _ = os.UserHomeDir()
	}
	return filepath.Join(home, "Library", "Logs", "keypad")
}

// Linux-specific paths following the XDG Base Directory Specification

func linuxDataDir() string {
	if xdgData := os.Getenv("XDG_DATA_HOME"); xdgData != "" {
		return filepath.Join(xdgData, "keypad")
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".local", "share", "keypad")
}

func linuxConfigDir() string {
	if xdgConfig := os.Getenv("XDG_CONFIG_HOME"); xdgConfig != "" {
		return filepath.Join(xdgConfig, "keypad")
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".config", "keypad")
}

func linuxStateDir() string {
	if xdgState := os.Getenv("XDG_STATE_HOME"); xdgState != "" {
		return filepath.Join(xdgState, "keypad")
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".local", "state", "keypad")
}

func linuxRuntimeDir() string {
	if xdgRuntime := os.Getenv("XDG_RUNTIME_DIR"); xdgRuntime != "" {
		return filepath.Join(xdgRuntime, "keypad")
	}
	return filepath.Join("/tmp", "keypad-"+userID())
}

// Windows-specific paths

func windowsDataDir() string {
	if appData := os.Getenv("APPDATA"); appData != "" {
		return filepath.Join(appData, "keypad")
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, "AppData", "Roaming", "keypad")
}

func windowsLogDir() string {
	if localAppData := os.Getenv("LOCALAPPDATA"); localAppData != "" {
		return filepath.Join(localAppData, "keypad", "logs")
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, "AppData", "Local", "keypad", "logs")
}

func fallbackDataDir() string {
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".keypad")
}

func userID() string {
	if uid := os.Getuid(); uid >= 0 {
		return strconv.Itoa(uid)
	}
	return "0"
}

// DefaultPaths holds all default paths for a platform.
type DefaultPaths struct {
	DataDir    string
	ConfigDir  string
	LogDir     string
	RuntimeDir string

	// Specific file paths
	ConfigFile   string
	JournalFile  string
	VerifierFile string
	SocketPath   string
	PIDFile      string
}

// GetDefaultPaths returns all default paths for the current platform.
func GetDefaultPaths() *DefaultPaths {
	dataDir := PlatformDataDir()
	configDir := PlatformConfigDir()
	logDir := PlatformLogDir()
	runtimeDir := PlatformRuntimeDir()

	return &DefaultPaths{
		DataDir:    dataDir,
		ConfigDir:  configDir,
		LogDir:     logDir,
		RuntimeDir: runtimeDir,

		ConfigFile:   filepath.Join(configDir, "config.toml"),
		JournalFile:  filepath.Join(dataDir, "journal.db"),
		VerifierFile: filepath.Join(dataDir, "pin.verifier"),
		SocketPath:   defaultSocketPath(runtimeDir),
		PIDFile:      filepath.Join(runtimeDir, "keypadd.pid"),
	}
}

func defaultSocketPath(runtimeDir string) string {
	if runtimeDir != "" {
		return filepath.Join(runtimeDir, "keypadd.sock")
	}
	return "/tmp/keypadd.sock"
}

// SupportedConfigFormats returns the supported config file formats.
func SupportedConfigFormats() []string {
	return []string{"toml", "json", "yaml", "yml"}
}

// FindConfigFile searches standard locations for a config file and
// returns the first match, or empty string if none exists.
func FindConfigFile() string {
	searchDirs := []string{
		".",
		PlatformConfigDir(),
		PlatformDataDir(),
	}

	for _, dir := range searchDirs {
		for _, ext := range SupportedConfigFormats() {
			path := filepath.Join(dir, "config."+ext)
			if _, err := os.Stat(path); err == nil {
				return path
			}
		}
	}

	return ""
}
