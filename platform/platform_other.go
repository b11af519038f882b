//go:build !linux && !darwin && !windows

package platform

import "path/filepath"

func getDataDir() string {
	return filepath.Join(UserHomeDir(), "."+AppName)
}

func getCacheDir() string {
	return filepath.Join(getDataDir(), "cache")
}
