package crypto

import (
	"crypto/ecdh"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"encoding/pem"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"

	"github.com/flynn/noise"
)

const linkKeyPEMType = "X25519 PRIVATE KEY"

var x25519Curve = ecdh.X25519()

// LinkIdentity is the device's long-term X25519 link key. The fingerprint of
// its public half is the identity peers see and trust decisions bind to.
type LinkIdentity struct {
	privateKey *ecdh.PrivateKey
}

// EnsureLinkIdentity loads the link key from disk, generating it on first run.
func EnsureLinkIdentity(path string) (*LinkIdentity, error) {
	identity, err := LoadLinkIdentity(path)
	if err == nil {
		return identity, nil
	}
	if !errors.Is(err, fs.ErrNotExist) {
		return nil, err
	}

	identity, err = GenerateLinkIdentity()
	if err != nil {
		return nil, err
	}
	if err := identity.Save(path); err != nil {
		return nil, err
	}

	return identity, nil
}

// GenerateLinkIdentity creates a fresh X25519 link key.
func GenerateLinkIdentity() (*LinkIdentity, error) {
	privateKey, err := x25519Curve.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate link key: %w", err)
	}
	return &LinkIdentity{privateKey: privateKey}, nil
}

// LoadLinkIdentity reads the link key from PEM.
func LoadLinkIdentity(path string) (*LinkIdentity, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read link key: %w", err)
	}

	block, _ := pem.Decode(raw)
	if block == nil {
		return nil, fmt.Errorf("decode link key PEM: no PEM block")
	}
	if block.Type != linkKeyPEMType {
		return nil, fmt.Errorf("decode link key PEM: unexpected type %q", block.Type)
	}
	if len(block.Bytes) != 32 {
		return nil, fmt.Errorf("decode link key PEM: invalid private key size %d", len(block.Bytes))
	}

	privateKey, err := x25519Curve.NewPrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("parse link key: %w", err)
	}

	return &LinkIdentity{privateKey: privateKey}, nil
}

// Save writes the link key PEM file with 0600 permissions.
func (li *LinkIdentity) Save(path string) error {
	block := &pem.Block{
		Type:  linkKeyPEMType,
		Bytes: li.privateKey.Bytes(),
	}

	if err := os.WriteFile(path, pem.EncodeToMemory(block), 0o600); err != nil {
		return fmt.Errorf("write link key: %w", err)
	}

	return nil
}

// StaticKey returns the keypair in the form the secure link layer consumes.
func (li *LinkIdentity) StaticKey() noise.DHKey {
	return noise.DHKey{
		Private: li.privateKey.Bytes(),
		Public:  li.privateKey.PublicKey().Bytes(),
	}
}

// PublicKey returns the raw public half of the link key.
func (li *LinkIdentity) PublicKey() []byte {
	return li.privateKey.PublicKey().Bytes()
}

// Fingerprint returns the identity string derived from the public key.
func (li *LinkIdentity) Fingerprint() string {
	return LinkFingerprint(li.PublicKey())
}

// LinkFingerprint returns the truncated SHA-256 hex fingerprint of a link
// public key. Devices are identified by this string on the wire and in storage.
func LinkFingerprint(publicKey []byte) string {
	sum := sha256.Sum256(publicKey)
	return hex.EncodeToString(sum[:16])
}

// FormatFingerprint returns fingerprint text grouped in chunks of 4 uppercase chars.
func FormatFingerprint(fingerprint string) string {
	clean := strings.ToUpper(strings.ReplaceAll(fingerprint, " ", ""))
	if clean == "" {
		return ""
	}

	var b strings.Builder
	for i := 0; i < len(clean); i += 4 {
		if i > 0 {
			b.WriteByte(' ')
		}

		end := i + 4
		if end > len(clean) {
			end = len(clean)
		}
		b.WriteString(clean[i:end])
	}

	return b.String()
}
