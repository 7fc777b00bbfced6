package auth

import (
	"testing"
	"time"

	"github.com/isnlan/crosscopy/models"
)

func newMemoryTrustStore(t *testing.T) (*TrustStore, *fakeClock) {
	t.Helper()

	clock := newFakeClock()
	trust, err := NewTrustStore(nil, clock.Now)
	if err != nil {
		t.Fatalf("new trust store: %v", err)
	}
	return trust, clock
}

func TestAddOrRefreshKeepsStrongerLevel(t *testing.T) {
	trust, clock := newMemoryTrustStore(t)

	expiry := clock.Now().Add(30 * 24 * time.Hour)
	if _, err := trust.AddOrRefresh(models.TrustRecord{
		PeerID:    "peer-a",
		Device:    testDevice("laptop"),
		Level:     models.TrustLevelPersistent,
		ExpiresAt: expiry,
	}); err != nil {
		t.Fatalf("first AddOrRefresh failed: %v", err)
	}

	record, err := trust.AddOrRefresh(models.TrustRecord{
		PeerID: "peer-a",
		Device: testDevice("laptop"),
		Level:  models.TrustLevelSession,
	})
	if err != nil {
		t.Fatalf("second AddOrRefresh failed: %v", err)
	}

	if record.Level != models.TrustLevelPersistent {
		t.Fatalf("expected persistent level to be kept, got %q", record.Level)
	}
	if !record.ExpiresAt.Equal(expiry) {
		t.Fatalf("expected expiry %v to be kept, got %v", expiry, record.ExpiresAt)
	}
}

func TestAddOrRefreshUpgradesWeakerLevel(t *testing.T) {
	trust, clock := newMemoryTrustStore(t)

	if _, err := trust.AddOrRefresh(models.TrustRecord{
		PeerID: "peer-a",
		Device: testDevice("laptop"),
		Level:  models.TrustLevelSession,
	}); err != nil {
		t.Fatalf("first AddOrRefresh failed: %v", err)
	}

	expiry := clock.Now().Add(30 * 24 * time.Hour)
	record, err := trust.AddOrRefresh(models.TrustRecord{
		PeerID:    "peer-a",
		Device:    testDevice("laptop"),
		Level:     models.TrustLevelPersistent,
		ExpiresAt: expiry,
	})
	if err != nil {
		t.Fatalf("second AddOrRefresh failed: %v", err)
	}

	if record.Level != models.TrustLevelPersistent {
		t.Fatalf("expected upgrade to persistent, got %q", record.Level)
	}
	if !record.ExpiresAt.Equal(expiry) {
		t.Fatalf("expected new expiry %v, got %v", expiry, record.ExpiresAt)
	}
}

func TestAddOrRefreshKeepsCreatedAt(t *testing.T) {
	trust, clock := newMemoryTrustStore(t)

	first, err := trust.AddOrRefresh(models.TrustRecord{
		PeerID: "peer-a",
		Device: testDevice("laptop"),
		Level:  models.TrustLevelSession,
	})
	if err != nil {
		t.Fatalf("first AddOrRefresh failed: %v", err)
	}

	clock.Advance(time.Hour)
	second, err := trust.AddOrRefresh(models.TrustRecord{
		PeerID: "peer-a",
		Device: testDevice("laptop"),
		Level:  models.TrustLevelSession,
	})
	if err != nil {
		t.Fatalf("second AddOrRefresh failed: %v", err)
	}

	if !second.CreatedAt.Equal(first.CreatedAt) {
		t.Fatalf("expected created at to survive refresh, got %v then %v", first.CreatedAt, second.CreatedAt)
	}
	if !second.LastSeen.After(first.LastSeen) {
		t.Fatalf("expected last seen to move forward, got %v then %v", first.LastSeen, second.LastSeen)
	}
}

func TestAddOrRefreshRejectsInvalidLevel(t *testing.T) {
	trust, _ := newMemoryTrustStore(t)

	if _, err := trust.AddOrRefresh(models.TrustRecord{
		PeerID: "peer-a",
		Device: testDevice("laptop"),
		Level:  models.TrustLevel("elevated"),
	}); err == nil {
		t.Fatalf("expected invalid trust level to be rejected")
	}
}

func TestIsTrustedAppliesExpiryLazily(t *testing.T) {
	trust, clock := newMemoryTrustStore(t)

	if _, err := trust.AddOrRefresh(models.TrustRecord{
		PeerID:    "peer-a",
		Device:    testDevice("laptop"),
		Level:     models.TrustLevelPersistent,
		ExpiresAt: clock.Now().Add(24 * time.Hour),
	}); err != nil {
		t.Fatalf("AddOrRefresh failed: %v", err)
	}

	if !trust.IsTrusted("peer-a") {
		t.Fatalf("expected peer to be trusted before expiry")
	}

	clock.Advance(25 * time.Hour)
	if trust.IsTrusted("peer-a") {
		t.Fatalf("expected trust to lapse after expiry without revocation")
	}
	if _, ok := trust.Lookup("peer-a"); ok {
		t.Fatalf("expected lapsed record to be dropped on lookup")
	}
}

func TestRevokeIsIdempotent(t *testing.T) {
	trust, _ := newMemoryTrustStore(t)

	trust.Revoke("peer-unknown")

	if _, err := trust.AddOrRefresh(models.TrustRecord{
		PeerID: "peer-a",
		Device: testDevice("laptop"),
		Level:  models.TrustLevelSession,
	}); err != nil {
		t.Fatalf("AddOrRefresh failed: %v", err)
	}

	trust.Revoke("peer-a")
	if trust.IsTrusted("peer-a") {
		t.Fatalf("expected peer to be untrusted after revoke")
	}
	trust.Revoke("peer-a")
}

func TestBlockCooldownLapses(t *testing.T) {
	trust, clock := newMemoryTrustStore(t)

	until := clock.Now().Add(600 * time.Second)
	if _, err := trust.Block("peer-a", until, "too many attempts"); err != nil {
		t.Fatalf("Block failed: %v", err)
	}

	if !trust.IsBlocked("peer-a") {
		t.Fatalf("expected peer to be blocked")
	}
	got, ok := trust.BlockedUntil("peer-a")
	if !ok || !got.Equal(until) {
		t.Fatalf("expected block until %v, got %v (%v)", until, got, ok)
	}

	clock.Advance(601 * time.Second)
	if trust.IsBlocked("peer-a") {
		t.Fatalf("expected block to lapse after cooldown")
	}
}

func TestTouchUpdatesLastSeen(t *testing.T) {
	trust, clock := newMemoryTrustStore(t)

	if _, err := trust.AddOrRefresh(models.TrustRecord{
		PeerID: "peer-a",
		Device: testDevice("laptop"),
		Level:  models.TrustLevelSession,
	}); err != nil {
		t.Fatalf("AddOrRefresh failed: %v", err)
	}

	clock.Advance(5 * time.Minute)
	trust.Touch("peer-a", clock.Now())

	record, ok := trust.Lookup("peer-a")
	if !ok {
		t.Fatalf("expected record to exist")
	}
	if !record.LastSeen.Equal(clock.Now()) {
		t.Fatalf("expected last seen %v, got %v", clock.Now(), record.LastSeen)
	}
}

func TestSweepDropsExpiredState(t *testing.T) {
	trust, clock := newMemoryTrustStore(t)

	if _, err := trust.AddOrRefresh(models.TrustRecord{
		PeerID:    "peer-a",
		Device:    testDevice("laptop"),
		Level:     models.TrustLevelPersistent,
		ExpiresAt: clock.Now().Add(time.Hour),
	}); err != nil {
		t.Fatalf("AddOrRefresh failed: %v", err)
	}
	if _, err := trust.AddOrRefresh(models.TrustRecord{
		PeerID: "peer-b",
		Device: testDevice("desktop"),
		Level:  models.TrustLevelSession,
	}); err != nil {
		t.Fatalf("AddOrRefresh failed: %v", err)
	}
	if _, err := trust.Block("peer-c", clock.Now().Add(10*time.Minute), "too many attempts"); err != nil {
		t.Fatalf("Block failed: %v", err)
	}

	clock.Advance(2 * time.Hour)
	removedRecords, removedBlocks := trust.Sweep()

	if removedRecords != 1 {
		t.Fatalf("expected 1 swept trust record, got %d", removedRecords)
	}
	if removedBlocks != 1 {
		t.Fatalf("expected 1 swept block, got %d", removedBlocks)
	}
	if !trust.IsTrusted("peer-b") {
		t.Fatalf("expected session record without expiry to survive the sweep")
	}
}

func TestPersistentTrustSurvivesReload(t *testing.T) {
	db := newTestStore(t)
	clock := newFakeClock()

	first, err := NewTrustStore(db, clock.Now)
	if err != nil {
		t.Fatalf("new trust store: %v", err)
	}

	if _, err := first.AddOrRefresh(models.TrustRecord{
		PeerID:    "peer-persistent",
		Device:    testDevice("laptop"),
		Level:     models.TrustLevelPersistent,
		ExpiresAt: clock.Now().Add(30 * 24 * time.Hour),
	}); err != nil {
		t.Fatalf("AddOrRefresh persistent failed: %v", err)
	}
	if _, err := first.AddOrRefresh(models.TrustRecord{
		PeerID: "peer-session",
		Device: testDevice("desktop"),
		Level:  models.TrustLevelSession,
	}); err != nil {
		t.Fatalf("AddOrRefresh session failed: %v", err)
	}
	if _, err := first.Block("peer-abusive", clock.Now().Add(600*time.Second), "too many attempts"); err != nil {
		t.Fatalf("Block failed: %v", err)
	}

	second, err := NewTrustStore(db, clock.Now)
	if err != nil {
		t.Fatalf("reload trust store: %v", err)
	}

	if !second.IsTrusted("peer-persistent") {
		t.Fatalf("expected persistent trust to survive reload")
	}
	if second.IsTrusted("peer-session") {
		t.Fatalf("expected session trust to stay process scoped")
	}
	if !second.IsBlocked("peer-abusive") {
		t.Fatalf("expected block to survive reload")
	}
}

func TestReloadSkipsLapsedRows(t *testing.T) {
	db := newTestStore(t)
	clock := newFakeClock()

	first, err := NewTrustStore(db, clock.Now)
	if err != nil {
		t.Fatalf("new trust store: %v", err)
	}
	if _, err := first.AddOrRefresh(models.TrustRecord{
		PeerID:    "peer-a",
		Device:    testDevice("laptop"),
		Level:     models.TrustLevelPersistent,
		ExpiresAt: clock.Now().Add(time.Hour),
	}); err != nil {
		t.Fatalf("AddOrRefresh failed: %v", err)
	}

	clock.Advance(2 * time.Hour)
	second, err := NewTrustStore(db, clock.Now)
	if err != nil {
		t.Fatalf("reload trust store: %v", err)
	}

	if second.IsTrusted("peer-a") {
		t.Fatalf("expected lapsed persistent trust to be dropped on reload")
	}
	if got := len(second.List()); got != 0 {
		t.Fatalf("expected empty trust list, got %d records", got)
	}
}

func TestRevokeRemovesStoredRow(t *testing.T) {
	db := newTestStore(t)
	clock := newFakeClock()

	first, err := NewTrustStore(db, clock.Now)
	if err != nil {
		t.Fatalf("new trust store: %v", err)
	}
	if _, err := first.AddOrRefresh(models.TrustRecord{
		PeerID:    "peer-a",
		Device:    testDevice("laptop"),
		Level:     models.TrustLevelPersistent,
		ExpiresAt: clock.Now().Add(30 * 24 * time.Hour),
	}); err != nil {
		t.Fatalf("AddOrRefresh failed: %v", err)
	}

	first.Revoke("peer-a")

	second, err := NewTrustStore(db, clock.Now)
	if err != nil {
		t.Fatalf("reload trust store: %v", err)
	}
	if second.IsTrusted("peer-a") {
		t.Fatalf("expected revocation to reach storage")
	}
}
