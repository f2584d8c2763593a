// Package identity manages the Ed25519 key pair InfoMesh nodes use for
// peer identity, attestation signing, credit-ledger signing, and key
// rotation/revocation records.
package identity

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"encoding/pem"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/sirupsen/logrus"
)

const (
	privateKeyFile = "private.pem"
	publicKeyFile  = "public.pem"
	pemPrivateType = "PRIVATE KEY"
	pemPublicType  = "PUBLIC KEY"
)

// KeyPair wraps an Ed25519 private/public key pair and the node identity
// derived from it.
type KeyPair struct {
	private ed25519.PrivateKey
	public  ed25519.PublicKey
}

// Generate creates a new random Ed25519 key pair.
func Generate() (*KeyPair, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("identity: generate key: %w", err)
	}
	pubHash := sha256.Sum256(pub)
	logrus.WithField("public_key_hash", hex.EncodeToString(pubHash[:])[:16]).
		Info("keypair generated")
	return &KeyPair{private: priv, public: pub}, nil
}

// Load reads private.pem/public.pem from keysDir.
func Load(keysDir string) (*KeyPair, error) {
	privPath := filepath.Join(keysDir, privateKeyFile)
	raw, err := os.ReadFile(privPath)
	if err != nil {
		return nil, fmt.Errorf("identity: read private key: %w", err)
	}
	block, _ := pem.Decode(raw)
	if block == nil || len(block.Bytes) != ed25519.PrivateKeySize {
		return nil, fmt.Errorf("identity: malformed private key at %s", privPath)
	}
	priv := ed25519.PrivateKey(block.Bytes)
	pub := priv.Public().(ed25519.PublicKey)
	return &KeyPair{private: priv, public: pub}, nil
}

// Save writes private.pem (0600) and public.pem (0644) into keysDir.
func (k *KeyPair) Save(keysDir string) error {
	if err := os.MkdirAll(keysDir, 0o755); err != nil {
		return fmt.Errorf("identity: create keys dir: %w", err)
	}
	privBlock := &pem.Block{Type: pemPrivateType, Bytes: k.private}
	privPath := filepath.Join(keysDir, privateKeyFile)
	if err := os.WriteFile(privPath, pem.EncodeToMemory(privBlock), 0o600); err != nil {
		return fmt.Errorf("identity: write private key: %w", err)
	}
	// os.WriteFile applies umask; re-assert owner-only permissions explicitly.
	if err := os.Chmod(privPath, 0o600); err != nil {
		return fmt.Errorf("identity: chmod private key: %w", err)
	}
	pubBlock := &pem.Block{Type: pemPublicType, Bytes: k.public}
	pubPath := filepath.Join(keysDir, publicKeyFile)
	if err := os.WriteFile(pubPath, pem.EncodeToMemory(pubBlock), 0o644); err != nil {
		return fmt.Errorf("identity: write public key: %w", err)
	}
	logrus.WithField("keys_dir", keysDir).Info("keypair saved")
	return nil
}

// EnsureKeys loads an existing key pair under dataDir/keys, or generates and
// persists a new one on first run.
func EnsureKeys(dataDir string) (*KeyPair, error) {
	keysDir := filepath.Join(dataDir, "keys")
	if _, err := os.Stat(filepath.Join(keysDir, privateKeyFile)); err == nil {
		return Load(keysDir)
	}
	pair, err := Generate()
	if err != nil {
		return nil, err
	}
	if err := pair.Save(keysDir); err != nil {
		return nil, err
	}
	return pair, nil
}

// Sign produces an Ed25519 signature over data.
func (k *KeyPair) Sign(data []byte) []byte {
	return ed25519.Sign(k.private, data)
}

// Verify checks an Ed25519 signature against this key pair's public key.
func (k *KeyPair) Verify(data, signature []byte) bool {
	return ed25519.Verify(k.public, data, signature)
}

// PublicKeyBytes returns the raw 32-byte Ed25519 public key.
func (k *KeyPair) PublicKeyBytes() []byte {
	out := make([]byte, len(k.public))
	copy(out, k.public)
	return out
}

// PrivateKeyBytes returns the raw 64-byte Ed25519 private key (seed and
// public key halves), for handing to libp2p's identity option so the
// node's libp2p peer id derives from the same key as its InfoMesh one.
func (k *KeyPair) PrivateKeyBytes() []byte {
	out := make([]byte, len(k.private))
	copy(out, k.private)
	return out
}

// PeerID derives the stable node identifier: the first 40 hex characters of
// SHA-256(public key bytes), per spec §3.
func (k *KeyPair) PeerID() string {
	return PeerIDFromPublicKey(k.public)
}

// PeerIDFromPublicKey derives a peer id from raw public key bytes without
// requiring a full KeyPair (used to validate remote peers).
func PeerIDFromPublicKey(pub []byte) string {
	sum := sha256.Sum256(pub)
	return hex.EncodeToString(sum[:])[:40]
}

// VerifyWithPublicKey checks a signature against an arbitrary raw public key,
// used to validate signed messages from remote peers.
func VerifyWithPublicKey(pub, data, signature []byte) bool {
	if len(pub) != ed25519.PublicKeySize {
		return false
	}
	return ed25519.Verify(ed25519.PublicKey(pub), data, signature)
}

// Revocation records an Ed25519 key rotation, signed by both the old and new
// keys to prove continuity of identity (§6 KEY_REVOCATION, SPEC_FULL.md).
type Revocation struct {
	OldPeerID       string `msgpack:"old_peer_id"`
	NewPeerID       string `msgpack:"new_peer_id"`
	OldPublicKey    []byte `msgpack:"old_public_key"`
	NewPublicKey    []byte `msgpack:"new_public_key"`
	Reason          string `msgpack:"reason"`
	Timestamp       int64  `msgpack:"timestamp"`
	OldKeySignature []byte `msgpack:"old_key_signature"`
	NewKeySignature []byte `msgpack:"new_key_signature"`
}

// revocationPayload is a fixed-field-order mirror of the signed subset of
// Revocation. Signing and verifying must encode a struct rather than a Go
// map: map key iteration order is randomized per range, which would make
// the msgpack encoding (and therefore the signature check) nondeterministic.
type revocationPayload struct {
	OldPeerID    string `msgpack:"old_peer_id"`
	NewPeerID    string `msgpack:"new_peer_id"`
	OldPublicKey []byte `msgpack:"old_public_key"`
	NewPublicKey []byte `msgpack:"new_public_key"`
	Reason       string `msgpack:"reason"`
	Timestamp    int64  `msgpack:"timestamp"`
}

func (r *Revocation) signingPayload() revocationPayload {
	return revocationPayload{
		OldPeerID:    r.OldPeerID,
		NewPeerID:    r.NewPeerID,
		OldPublicKey: r.OldPublicKey,
		NewPublicKey: r.NewPublicKey,
		Reason:       r.Reason,
		Timestamp:    r.Timestamp,
	}
}

// Rotate generates a fresh key pair, signs a Revocation record with both the
// old and new keys, and persists the new keys (overwriting the old files)
// plus the revocation record under keysDir/revocations.
func Rotate(keysDir string, old *KeyPair, encode func(any) ([]byte, error)) (*KeyPair, *Revocation, error) {
	next, err := Generate()
	if err != nil {
		return nil, nil, err
	}
	now := time.Now().Unix()
	rev := &Revocation{
		OldPeerID:    old.PeerID(),
		NewPeerID:    next.PeerID(),
		OldPublicKey: old.PublicKeyBytes(),
		NewPublicKey: next.PublicKeyBytes(),
		Reason:       "rotation",
		Timestamp:    now,
	}
	payload, err := encode(rev.signingPayload())
	if err != nil {
		return nil, nil, fmt.Errorf("identity: encode revocation payload: %w", err)
	}
	rev.OldKeySignature = old.Sign(payload)
	rev.NewKeySignature = next.Sign(payload)

	if err := next.Save(keysDir); err != nil {
		return nil, nil, err
	}
	revDir := filepath.Join(keysDir, "revocations")
	if err := os.MkdirAll(revDir, 0o755); err != nil {
		return nil, nil, fmt.Errorf("identity: create revocations dir: %w", err)
	}
	recordBytes, err := encode(rev)
	if err != nil {
		return nil, nil, fmt.Errorf("identity: encode revocation record: %w", err)
	}
	recordPath := filepath.Join(revDir, old.PeerID()[:16]+".bin")
	if err := os.WriteFile(recordPath, recordBytes, 0o644); err != nil {
		return nil, nil, fmt.Errorf("identity: write revocation record: %w", err)
	}
	logrus.WithFields(logrus.Fields{
		"old_peer_id": rev.OldPeerID,
		"new_peer_id": rev.NewPeerID,
	}).Info("keys rotated")
	return next, rev, nil
}

// VerifyRevocation checks that both the old and new key signatures over the
// revocation payload are valid.
func VerifyRevocation(rev *Revocation, encode func(any) ([]byte, error)) bool {
	payload, err := encode(rev.signingPayload())
	if err != nil {
		return false
	}
	if !VerifyWithPublicKey(rev.OldPublicKey, payload, rev.OldKeySignature) {
		return false
	}
	return VerifyWithPublicKey(rev.NewPublicKey, payload, rev.NewKeySignature)
}
