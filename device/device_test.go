package device

import (
	"strings"
	"testing"

	"github.com/isnlan/crosscopy/config"
)

func TestDescribeUsesConfiguredIdentity(t *testing.T) {
	descriptor := Describe(config.DeviceConfig{
		DeviceID:   "device-123",
		DeviceName: "Work Laptop",
	})

	if descriptor.DeviceID != "device-123" {
		t.Fatalf("unexpected device ID: %q", descriptor.DeviceID)
	}
	if descriptor.DeviceName != "Work Laptop" {
		t.Fatalf("unexpected device name: %q", descriptor.DeviceName)
	}
	if !strings.Contains(descriptor.Platform, "/") {
		t.Fatalf("expected os/arch platform, got %q", descriptor.Platform)
	}
}

func TestDescribeFallsBackToHostname(t *testing.T) {
	descriptor := Describe(config.DeviceConfig{DeviceID: "device-456"})

	if descriptor.DeviceName == "" {
		t.Fatalf("expected fallback device name")
	}
	if descriptor.DeviceName != Hostname() {
		t.Fatalf("expected hostname fallback, got %q", descriptor.DeviceName)
	}
}
