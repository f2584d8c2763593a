package sybil

import (
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"

	"github.com/sirupsen/logrus"
)

// powCacheFile is the on-disk artifact name under keysDir, per spec §6.
const powCacheFile = "pow_cache.bin"

// loadCachedPoW reads keysDir/pow_cache.bin and returns the cached nonce
// if it matches publicKey and still satisfies its stored difficulty.
// The cache layout is sha256(pub) (32 bytes) + nonce (8 bytes LE) +
// difficulty (1 byte); a 40-byte legacy file with no difficulty byte is
// accepted and assumed to be DefaultDifficultyBits. Any mismatch or
// corruption is treated as a cache miss rather than an error.
func loadCachedPoW(keysDir string, publicKey []byte) (nonce uint64, difficultyBits int, ok bool) {
	data, err := os.ReadFile(filepath.Join(keysDir, powCacheFile))
	if err != nil {
		return 0, 0, false
	}

	var storedHash []byte
	switch len(data) {
	case 41:
		storedHash = data[:32]
		nonce = binary.LittleEndian.Uint64(data[32:40])
		difficultyBits = int(data[40])
	case 40:
		storedHash = data[:32]
		nonce = binary.LittleEndian.Uint64(data[32:40])
		difficultyBits = DefaultDifficultyBits
	default:
		return 0, 0, false
	}

	expectedHash := sha256.Sum256(publicKey)
	if string(storedHash) != string(expectedHash[:]) {
		return 0, 0, false
	}
	if !VerifyPoW(publicKey, nonce, difficultyBits) {
		return 0, 0, false
	}
	return nonce, difficultyBits, true
}

// saveCachedPoW persists nonce for publicKey under keysDir/pow_cache.bin
// with owner-only permissions, so a restart need not re-mine. Failure to
// write is logged, not returned, matching the reference's best-effort
// cache save.
func saveCachedPoW(keysDir string, publicKey []byte, nonce uint64, difficultyBits int) {
	if err := os.MkdirAll(keysDir, 0o755); err != nil {
		logrus.WithError(err).Debug("sybil: pow cache dir create failed")
		return
	}
	hash := sha256.Sum256(publicKey)
	buf := make([]byte, 0, 41)
	buf = append(buf, hash[:]...)
	nonceBytes := make([]byte, 8)
	binary.LittleEndian.PutUint64(nonceBytes, nonce)
	buf = append(buf, nonceBytes...)
	buf = append(buf, byte(difficultyBits))

	path := filepath.Join(keysDir, powCacheFile)
	if err := os.WriteFile(path, buf, 0o600); err != nil {
		logrus.WithError(err).Debug("sybil: pow cache save failed")
		return
	}
	if err := os.Chmod(path, 0o600); err != nil {
		logrus.WithError(err).Debug("sybil: pow cache chmod failed")
	}
}

// EnsureNodeID loads a cached proof of work for publicKey under
// keysDir/pow_cache.bin, or mines a fresh one at difficultyBits and
// caches it, returning the routing node identifier (the first 40 hex
// characters of the PoW hash, per spec §3) and the nonce that proves it.
func EnsureNodeID(keysDir string, publicKey []byte, difficultyBits int) (nodeID string, nonce uint64, err error) {
	if cachedNonce, cachedDifficulty, ok := loadCachedPoW(keysDir, publicKey); ok && cachedDifficulty >= difficultyBits {
		nodeID := DeriveNodeID(publicKey, cachedNonce)
		logrus.WithFields(logrus.Fields{"nonce": cachedNonce, "node_id": nodeID}).Info("sybil: proof of work loaded from cache")
		return nodeID, cachedNonce, nil
	}

	pow, err := GeneratePoW(publicKey, difficultyBits, DefaultMaxNonce)
	if err != nil {
		return "", 0, fmt.Errorf("sybil: ensure node id: %w", err)
	}
	saveCachedPoW(keysDir, publicKey, pow.Nonce, difficultyBits)
	return DeriveNodeID(publicKey, pow.Nonce), pow.Nonce, nil
}
