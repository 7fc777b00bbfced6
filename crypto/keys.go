package crypto

import (
	"crypto/sha256"
	"errors"
	"fmt"
	"io"
	"strconv"
	"sync"
	"time"

	"golang.org/x/crypto/hkdf"
)

const (
	peerKeyContext  = "crosscopy/peer-key/v1"
	epochKeyContext = "crosscopy/rotation-epoch/v1"
)

var (
	// ErrInvalidMasterKey indicates the master key has the wrong length.
	ErrInvalidMasterKey = errors.New("crypto: master key must be 32 bytes")
)

// KeyManager holds the master key and hands out per-peer channel keys.
//
// Both devices of a pair derive the same channel key: the derivation context
// contains the two endpoint identities in sorted order, so the result does not
// depend on which side asks.
type KeyManager struct {
	localID string

	mu         sync.RWMutex
	master     []byte
	generation uint64
	derived    map[string][]byte
}

// NewKeyManager creates a key manager for the local identity.
func NewKeyManager(localID string, master []byte) (*KeyManager, error) {
	if localID == "" {
		return nil, errors.New("crypto: local identity is required")
	}
	if len(master) != KeySize {
		return nil, ErrInvalidMasterKey
	}

	return &KeyManager{
		localID: localID,
		master:  append([]byte(nil), master...),
		derived: make(map[string][]byte),
	}, nil
}

// PeerKey returns the channel key shared with one peer, deriving and caching
// it on first use. Repeated calls return the same key until rotation.
//
// Derivation runs under the read lock, so distinct peers derive concurrently;
// only Rotate takes the write side for long enough to matter. The generation
// check keeps a derivation that raced a rotation from caching a stale key.
func (km *KeyManager) PeerKey(peerID string) ([]byte, error) {
	if peerID == "" {
		return nil, errors.New("crypto: peer identity is required")
	}

	for {
		km.mu.RLock()
		if key, ok := km.derived[peerID]; ok {
			out := append([]byte(nil), key...)
			km.mu.RUnlock()
			return out, nil
		}
		master := append([]byte(nil), km.master...)
		generation := km.generation
		km.mu.RUnlock()

		key, err := derivePeerKey(master, km.localID, peerID)
		zeroBytes(master)
		if err != nil {
			return nil, err
		}

		km.mu.Lock()
		if km.generation != generation {
			km.mu.Unlock()
			zeroBytes(key)
			continue
		}
		if cached, ok := km.derived[peerID]; ok {
			out := append([]byte(nil), cached...)
			km.mu.Unlock()
			zeroBytes(key)
			return out, nil
		}
		km.derived[peerID] = key
		out := append([]byte(nil), key...)
		km.mu.Unlock()
		return out, nil
	}
}

// Rotate replaces the master key and invalidates every derived key. Sessions
// still holding pre-rotation keys fail decryption and must re-authenticate.
func (km *KeyManager) Rotate(newMaster []byte) error {
	if len(newMaster) != KeySize {
		return ErrInvalidMasterKey
	}

	km.mu.Lock()
	defer km.mu.Unlock()

	zeroBytes(km.master)
	for peerID, key := range km.derived {
		zeroBytes(key)
		delete(km.derived, peerID)
	}
	km.master = append([]byte(nil), newMaster...)
	km.generation++

	return nil
}

// Generation increments on every rotation, letting callers detect stale keys.
func (km *KeyManager) Generation() uint64 {
	km.mu.RLock()
	defer km.mu.RUnlock()
	return km.generation
}

// Forget discards the cached key for one peer, releasing its material.
func (km *KeyManager) Forget(peerID string) {
	km.mu.Lock()
	defer km.mu.Unlock()
	if key, ok := km.derived[peerID]; ok {
		zeroBytes(key)
		delete(km.derived, peerID)
	}
}

// EpochKey derives the deterministic master key for a rotation epoch.
//
// Devices sharing a base master compute identical epoch keys for the same
// interval, so scheduled rotation needs no coordination message.
func EpochKey(base []byte, interval time.Duration, now time.Time) ([]byte, error) {
	if len(base) != KeySize {
		return nil, ErrInvalidMasterKey
	}
	if interval <= 0 {
		return nil, errors.New("crypto: rotation interval must be positive")
	}

	epoch := now.Unix() / int64(interval/time.Second)
	info := []byte(epochKeyContext + "|" + strconv.FormatInt(epoch, 10))

	key := make([]byte, KeySize)
	if _, err := io.ReadFull(hkdf.New(sha256.New, base, nil, info), key); err != nil {
		return nil, fmt.Errorf("derive epoch key: %w", err)
	}
	return key, nil
}

func derivePeerKey(master []byte, localID, peerID string) ([]byte, error) {
	low, high := localID, peerID
	if low > high {
		low, high = high, low
	}
	info := []byte(peerKeyContext + "|" + low + "|" + high)

	key := make([]byte, KeySize)
	if _, err := io.ReadFull(hkdf.New(sha256.New, master, nil, info), key); err != nil {
		return nil, fmt.Errorf("derive peer key: %w", err)
	}
	return key, nil
}

func zeroBytes(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
