package storage

import (
	"testing"
	"time"

	"github.com/isnlan/crosscopy/models"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()

	dataDir := t.TempDir()
	store, _, err := Open(dataDir)
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

func mustUpsertTrust(t *testing.T, store *Store, peerID, name string, level models.TrustLevel, expiresAt time.Time) {
	t.Helper()

	err := store.UpsertTrustRecord(models.TrustRecord{
		PeerID: peerID,
		Device: models.DeviceDescriptor{
			DeviceID:   "device-" + peerID,
			DeviceName: name,
			Platform:   "linux/amd64",
		},
		Level:     level,
		CreatedAt: time.Now(),
		LastSeen:  time.Now(),
		ExpiresAt: expiresAt,
	})
	if err != nil {
		t.Fatalf("upsert trust record %q: %v", peerID, err)
	}
}
