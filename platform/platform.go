// Package platform resolves per-OS directories for configuration, the
// database and cached light fields.
package platform

import "os"

// AppName is the application name used for directory naming.
const AppName = "lightfield-correspond"

// AppDisplayName is the directory name used on Windows and macOS.
const AppDisplayName = "Lightfield Correspond"

// ConfigDirEnv overrides the data directory when set.
const ConfigDirEnv = "LIGHTFIELD_CONFIG_DIR"

// GetDataDir returns the application data directory.
// Windows: %APPDATA%\Lightfield Correspond
// macOS: ~/Library/Application Support/Lightfield Correspond
// Linux: $XDG_DATA_HOME/lightfield-correspond or ~/.local/share/lightfield-correspond
func GetDataDir() string {
	if dir := os.Getenv(ConfigDirEnv); dir != "" {
		return dir
	}
	return getDataDir()
}

// GetCacheDir returns the directory for debug images and other
// regenerable output.
func GetCacheDir() string {
	return getCacheDir()
}

// UserHomeDir returns the user's home directory, or "." if unknown.
func UserHomeDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "."
	}
	return home
}
