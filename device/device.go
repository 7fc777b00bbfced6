// Package device describes the local machine to its peers.
package device

import (
	"os"
	"runtime"

	"github.com/isnlan/crosscopy/config"
	"github.com/isnlan/crosscopy/models"
)

// Platform returns the local OS and architecture pair, e.g. "linux/amd64".
func Platform() string {
	return runtime.GOOS + "/" + runtime.GOARCH
}

// Hostname returns the machine hostname, or a fixed fallback when the OS
// refuses to report one.
func Hostname() string {
	if host, err := os.Hostname(); err == nil && host != "" {
		return host
	}
	return "crosscopy-device"
}

// Describe builds the descriptor advertised to peers during pairing and
// discovery.
func Describe(cfg config.DeviceConfig) models.DeviceDescriptor {
	name := cfg.DeviceName
	if name == "" {
		name = Hostname()
	}

	return models.DeviceDescriptor{
		DeviceID:   cfg.DeviceID,
		DeviceName: name,
		Platform:   Platform(),
	}
}
