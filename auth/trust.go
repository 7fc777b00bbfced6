package auth

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/isnlan/crosscopy/models"
	"github.com/isnlan/crosscopy/storage"
)

// TrustStore is the authoritative table of trusted and blocked peers.
// Presence of a live record here is what lets a peer exchange payloads
// outside the pairing flow. Lookups are served from memory; persistent
// level grants and all blocks are written through to storage so they
// survive restarts.
type TrustStore struct {
	now func() time.Time
	db  *storage.Store

	mu      sync.RWMutex
	records map[string]models.TrustRecord
	blocks  map[string]models.BlockRecord
}

// NewTrustStore builds a trust store backed by db. A nil db keeps every
// grant in memory only. Persisted rows whose expiry already passed are
// dropped during load.
func NewTrustStore(db *storage.Store, now func() time.Time) (*TrustStore, error) {
	if now == nil {
		now = time.Now
	}

	ts := &TrustStore{
		now:     now,
		db:      db,
		records: make(map[string]models.TrustRecord),
		blocks:  make(map[string]models.BlockRecord),
	}
	if db == nil {
		return ts, nil
	}

	at := now()

	records, err := db.ListTrustRecords()
	if err != nil {
		return nil, fmt.Errorf("load trust records: %w", err)
	}
	for _, record := range records {
		if record.Expired(at) {
			continue
		}
		ts.records[record.PeerID] = record
	}

	blocks, err := db.ListBlockRecords()
	if err != nil {
		return nil, fmt.Errorf("load block records: %w", err)
	}
	for _, block := range blocks {
		if block.Expired(at) {
			continue
		}
		ts.blocks[block.PeerID] = block
	}

	logrus.WithFields(logrus.Fields{
		"trusted": len(ts.records),
		"blocked": len(ts.blocks),
	}).Debug("trust store loaded")

	return ts, nil
}

// Lookup returns the stored record for a peer without applying expiry.
func (ts *TrustStore) Lookup(peerID string) (models.TrustRecord, bool) {
	ts.mu.RLock()
	defer ts.mu.RUnlock()
	record, ok := ts.records[peerID]
	return record, ok
}

// IsTrusted reports whether a peer may exchange payloads right now. Expiry
// is applied lazily at query time; a record past its expiry is removed and
// reported as untrusted even if it was never revoked.
func (ts *TrustStore) IsTrusted(peerID string) bool {
	now := ts.now()

	ts.mu.Lock()
	defer ts.mu.Unlock()

	record, ok := ts.records[peerID]
	if !ok {
		return false
	}
	if record.Expired(now) {
		ts.dropRecordLocked(peerID)
		return false
	}
	return true
}

// IsBlocked reports whether a peer sits inside an unexpired block cooldown.
func (ts *TrustStore) IsBlocked(peerID string) bool {
	_, blocked := ts.BlockedUntil(peerID)
	return blocked
}

// BlockedUntil returns the end of the peer's block cooldown, if one is
// active. Lapsed blocks are removed on the way.
func (ts *TrustStore) BlockedUntil(peerID string) (time.Time, bool) {
	now := ts.now()

	ts.mu.Lock()
	defer ts.mu.Unlock()

	block, ok := ts.blocks[peerID]
	if !ok {
		return time.Time{}, false
	}
	if block.Expired(now) {
		ts.dropBlockLocked(peerID)
		return time.Time{}, false
	}
	return block.BlockedUntil, true
}

// AddOrRefresh grants trust after a successful authentication. Re-pairing
// an already trusted peer refreshes last-seen and keeps the stronger of the
// two levels; a grant only weakens through Revoke.
func (ts *TrustStore) AddOrRefresh(record models.TrustRecord) (models.TrustRecord, error) {
	if record.PeerID == "" {
		return models.TrustRecord{}, errors.New("auth: trust record needs a peer id")
	}
	if err := models.ValidateTrustLevel(record.Level); err != nil {
		return models.TrustRecord{}, err
	}

	now := ts.now()
	if record.CreatedAt.IsZero() {
		record.CreatedAt = now
	}
	if record.LastSeen.IsZero() {
		record.LastSeen = now
	}

	ts.mu.Lock()
	defer ts.mu.Unlock()

	if existing, ok := ts.records[record.PeerID]; ok && !existing.Expired(now) {
		record.CreatedAt = existing.CreatedAt
		if existing.Level.Rank() > record.Level.Rank() {
			record.Level = existing.Level
			record.ExpiresAt = existing.ExpiresAt
		}
	}
	ts.records[record.PeerID] = record

	if ts.db != nil && record.Level == models.TrustLevelPersistent {
		if err := ts.db.UpsertTrustRecord(record); err != nil {
			return models.TrustRecord{}, fmt.Errorf("persist trust record: %w", err)
		}
	}

	return record, nil
}

// Touch refreshes last-seen after a successful payload exchange.
func (ts *TrustStore) Touch(peerID string, at time.Time) {
	ts.mu.Lock()
	defer ts.mu.Unlock()

	record, ok := ts.records[peerID]
	if !ok {
		return
	}
	record.LastSeen = at
	ts.records[peerID] = record

	if ts.db != nil && record.Level == models.TrustLevelPersistent {
		if err := ts.db.TouchTrustRecord(peerID, at); err != nil && !errors.Is(err, storage.ErrNotFound) {
			logrus.WithError(err).WithField("peer_id", peerID).Warn("failed to touch stored trust record")
		}
	}
}

// Revoke removes a peer's trust immediately. Revoking an already untrusted
// peer is a no-op, not an error.
func (ts *TrustStore) Revoke(peerID string) {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	ts.dropRecordLocked(peerID)
}

// Block denies challenge issuance to a peer until the given instant. An
// existing block is extended in place.
func (ts *TrustStore) Block(peerID string, until time.Time, reason string) (models.BlockRecord, error) {
	if peerID == "" {
		return models.BlockRecord{}, errors.New("auth: block needs a peer id")
	}

	block := models.BlockRecord{
		PeerID:       peerID,
		BlockedUntil: until,
		Reason:       reason,
		CreatedAt:    ts.now(),
	}

	ts.mu.Lock()
	defer ts.mu.Unlock()

	if existing, ok := ts.blocks[peerID]; ok {
		block.CreatedAt = existing.CreatedAt
	}
	ts.blocks[peerID] = block

	if ts.db != nil {
		if err := ts.db.UpsertBlockRecord(block); err != nil {
			return models.BlockRecord{}, fmt.Errorf("persist block record: %w", err)
		}
	}

	return block, nil
}

// List returns a point in time snapshot of every live trust record.
func (ts *TrustStore) List() []models.TrustRecord {
	now := ts.now()

	ts.mu.RLock()
	defer ts.mu.RUnlock()

	records := make([]models.TrustRecord, 0, len(ts.records))
	for _, record := range ts.records {
		if record.Expired(now) {
			continue
		}
		records = append(records, record)
	}
	return records
}

// Sweep drops expired trust records and lapsed blocks from memory and
// storage. It returns how many of each were removed from memory.
func (ts *TrustStore) Sweep() (int, int) {
	now := ts.now()

	ts.mu.Lock()
	defer ts.mu.Unlock()

	removedRecords := 0
	for peerID, record := range ts.records {
		if record.Expired(now) {
			delete(ts.records, peerID)
			removedRecords++
		}
	}

	removedBlocks := 0
	for peerID, block := range ts.blocks {
		if block.Expired(now) {
			delete(ts.blocks, peerID)
			removedBlocks++
		}
	}

	if ts.db != nil {
		if _, err := ts.db.DeleteExpiredTrustRecords(now); err != nil {
			logrus.WithError(err).Warn("failed to sweep stored trust records")
		}
		if _, err := ts.db.DeleteExpiredBlockRecords(now); err != nil {
			logrus.WithError(err).Warn("failed to sweep stored block records")
		}
	}

	return removedRecords, removedBlocks
}

func (ts *TrustStore) dropRecordLocked(peerID string) {
	delete(ts.records, peerID)
	if ts.db == nil {
		return
	}
	if err := ts.db.RemoveTrustRecord(peerID); err != nil && !errors.Is(err, storage.ErrNotFound) {
		logrus.WithError(err).WithField("peer_id", peerID).Warn("failed to remove stored trust record")
	}
}

func (ts *TrustStore) dropBlockLocked(peerID string) {
	delete(ts.blocks, peerID)
	if ts.db == nil {
		return
	}
	if err := ts.db.RemoveBlockRecord(peerID); err != nil && !errors.Is(err, storage.ErrNotFound) {
		logrus.WithError(err).WithField("peer_id", peerID).Warn("failed to remove stored block record")
	}
}
