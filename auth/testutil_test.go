package auth

import (
	"sync"
	"testing"
	"time"

	"github.com/isnlan/crosscopy/events"
	"github.com/isnlan/crosscopy/models"
	"github.com/isnlan/crosscopy/storage"
)

// fakeClock lets tests travel across TTLs and cooldowns.
type fakeClock struct {
	mu sync.Mutex
	at time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{at: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.at
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.at = c.at.Add(d)
}

func testDevice(name string) models.DeviceDescriptor {
	return models.DeviceDescriptor{
		DeviceID:   "device-" + name,
		DeviceName: name,
		Platform:   "linux/amd64",
	}
}

func newTestStore(t *testing.T) *storage.Store {
	t.Helper()

	store, _, err := storage.Open(t.TempDir())
	if err != nil {
		t.Fatalf("open test store: %v", err)
	}
	t.Cleanup(func() {
		if err := store.Close(); err != nil {
			t.Fatalf("close test store: %v", err)
		}
	})

	return store
}

func newTestAuthenticator(t *testing.T, db *storage.Store) (*Authenticator, *TrustStore, *events.Bus, *fakeClock) {
	t.Helper()

	clock := newFakeClock()
	trust, err := NewTrustStore(db, clock.Now)
	if err != nil {
		t.Fatalf("new trust store: %v", err)
	}

	bus := events.NewBus()
	authn, err := NewAuthenticator(trust, bus, db, Options{
		ChallengeTTL:       300 * time.Second,
		MaxAttempts:        3,
		BlockDuration:      600 * time.Second,
		DefaultLevel:       models.TrustLevelPersistent,
		PersistentTrustTTL: 30 * 24 * time.Hour,
		Now:                clock.Now,
	})
	if err != nil {
		t.Fatalf("new authenticator: %v", err)
	}

	return authn, trust, bus, clock
}

// nextEvent drains the bus until an event of the wanted kind shows up.
func nextEvent(t *testing.T, bus *events.Bus, kind string) events.Event {
	t.Helper()

	for {
		event, ok := bus.Poll()
		if !ok {
			t.Fatalf("expected %q event on the bus", kind)
		}
		if event.Kind() == kind {
			return event
		}
	}
}

// hasEvent drains the bus and reports whether the kind showed up at all.
func hasEvent(bus *events.Bus, kind string) bool {
	for {
		event, ok := bus.Poll()
		if !ok {
			return false
		}
		if event.Kind() == kind {
			return true
		}
	}
}
