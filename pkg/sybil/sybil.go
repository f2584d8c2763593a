// Package sybil defends the DHT routing table against Sybil attacks with
// a proof-of-work node-identity scheme and per-subnet bucket limits,
// per spec §4.14.
package sybil

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"math/bits"
	"net/netip"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// DefaultDifficultyBits is the default proof-of-work difficulty: a valid
// hash must have at least this many leading zero bits.
const DefaultDifficultyBits = 20

// DefaultMaxPerSubnet caps nodes from a single /24 (IPv4) or /48 (IPv6)
// subnet within any one DHT routing bucket.
const DefaultMaxPerSubnet = 3

// DefaultMaxNonce bounds how many nonces GeneratePoW will try before
// giving up.
const DefaultMaxNonce = uint64(1) << 48

// ProofOfWork is a solved proof-of-work for a node's public key.
type ProofOfWork struct {
	Nonce          uint64
	DifficultyBits int
	HashHex        string
	ElapsedSeconds float64
}

func countLeadingZeroBits(hash []byte) int {
	count := 0
	for _, b := range hash {
		if b == 0 {
			count += 8
			continue
		}
		count += bits.LeadingZeros8(b)
		break
	}
	return count
}

// ComputePoWHash returns SHA-256(publicKey || nonce as 8 little-endian
// bytes), matching the reference's struct.pack("<Q", nonce) framing.
func ComputePoWHash(publicKey []byte, nonce uint64) [32]byte {
	buf := make([]byte, len(publicKey)+8)
	copy(buf, publicKey)
	binary.LittleEndian.PutUint64(buf[len(publicKey):], nonce)
	return sha256.Sum256(buf)
}

// GeneratePoW searches nonces in [0, maxNonce) for one whose PoW hash has
// at least difficultyBits leading zero bits.
func GeneratePoW(publicKey []byte, difficultyBits int, maxNonce uint64) (ProofOfWork, error) {
	start := time.Now()
	for nonce := uint64(0); nonce < maxNonce; nonce++ {
		hash := ComputePoWHash(publicKey, nonce)
		if countLeadingZeroBits(hash[:]) >= difficultyBits {
			elapsed := time.Since(start).Seconds()
			logrus.WithFields(logrus.Fields{
				"nonce": nonce, "difficulty": difficultyBits, "elapsed_seconds": elapsed,
			}).Info("sybil: proof of work found")
			return ProofOfWork{
				Nonce:          nonce,
				DifficultyBits: difficultyBits,
				HashHex:        hex.EncodeToString(hash[:]),
				ElapsedSeconds: elapsed,
			}, nil
		}
	}
	return ProofOfWork{}, fmt.Errorf("sybil: no valid nonce found in %d attempts", maxNonce)
}

// VerifyPoW reports whether nonce is a valid proof of work for
// publicKey at the given difficulty.
func VerifyPoW(publicKey []byte, nonce uint64, difficultyBits int) bool {
	hash := ComputePoWHash(publicKey, nonce)
	return countLeadingZeroBits(hash[:]) >= difficultyBits
}

// DeriveNodeID derives a 160-bit (40 hex char) node ID from a
// public key and its valid PoW nonce, tying node identity to both the
// key and the proof of work.
func DeriveNodeID(publicKey []byte, nonce uint64) string {
	hash := ComputePoWHash(publicKey, nonce)
	return hex.EncodeToString(hash[:])[:40]
}

// ─── Subnet rate limiting ────────────────────────────────────

// SubnetLimiter bounds how many peers from one /24 (IPv4) or /48 (IPv6)
// subnet may occupy a single DHT routing bucket, preventing a Sybil
// attacker at one network location from dominating a bucket.
type SubnetLimiter struct {
	maxPerSubnet int

	mu      sync.Mutex
	buckets map[int]map[string]map[string]bool // bucketID -> subnet -> peerIDs
}

// NewSubnetLimiter constructs a limiter allowing at most maxPerSubnet
// peers per subnet per bucket.
func NewSubnetLimiter(maxPerSubnet int) *SubnetLimiter {
	return &SubnetLimiter{maxPerSubnet: maxPerSubnet, buckets: make(map[int]map[string]map[string]bool)}
}

func subnetOf(ip string) (string, error) {
	addr, err := netip.ParseAddr(ip)
	if err != nil {
		return "", fmt.Errorf("sybil: parse ip %q: %w", ip, err)
	}
	prefixLen := 24
	if addr.Is6() && !addr.Is4In6() {
		prefixLen = 48
	}
	prefix, err := addr.Prefix(prefixLen)
	if err != nil {
		return "", fmt.Errorf("sybil: derive subnet for %q: %w", ip, err)
	}
	return prefix.Masked().String(), nil
}

// CanAdd reports whether a peer from ip may still join bucketID without
// exceeding the subnet limit.
func (l *SubnetLimiter) CanAdd(ip string, bucketID int) (bool, error) {
	subnet, err := subnetOf(ip)
	if err != nil {
		return false, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.buckets[bucketID][subnet]) < l.maxPerSubnet, nil
}

// Add registers peerID from ip into bucketID, returning false (and not
// registering) if the subnet limit is already reached.
func (l *SubnetLimiter) Add(ip, peerID string, bucketID int) (bool, error) {
	subnet, err := subnetOf(ip)
	if err != nil {
		return false, err
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.buckets[bucketID] == nil {
		l.buckets[bucketID] = make(map[string]map[string]bool)
	}
	if l.buckets[bucketID][subnet] == nil {
		l.buckets[bucketID][subnet] = make(map[string]bool)
	}
	current := l.buckets[bucketID][subnet]

	if len(current) >= l.maxPerSubnet {
		logrus.WithFields(logrus.Fields{
			"subnet": subnet, "bucket_id": bucketID, "max_per_subnet": l.maxPerSubnet, "rejected_peer": peerID,
		}).Warn("sybil: subnet limit reached")
		return false, nil
	}

	current[peerID] = true
	logrus.WithFields(logrus.Fields{
		"subnet": subnet, "bucket_id": bucketID, "peer_id": peerID, "subnet_count": len(current),
	}).Debug("sybil: peer added to bucket")
	return true, nil
}

// Remove drops peerID from ip's subnet entry in bucketID, pruning empty
// maps so tracked state does not grow unbounded.
func (l *SubnetLimiter) Remove(ip, peerID string, bucketID int) error {
	subnet, err := subnetOf(ip)
	if err != nil {
		return err
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	bucket := l.buckets[bucketID]
	if bucket == nil {
		return nil
	}
	delete(bucket[subnet], peerID)
	if len(bucket[subnet]) == 0 {
		delete(bucket, subnet)
	}
	if len(bucket) == 0 {
		delete(l.buckets, bucketID)
	}
	return nil
}

// SubnetCounts returns the current peer count per subnet within bucketID.
func (l *SubnetLimiter) SubnetCounts(bucketID int) map[string]int {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make(map[string]int)
	for subnet, peers := range l.buckets[bucketID] {
		if len(peers) > 0 {
			out[subnet] = len(peers)
		}
	}
	return out
}

// TotalNodes returns the total number of tracked peers across all
// buckets.
func (l *SubnetLimiter) TotalNodes() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	total := 0
	for _, bucket := range l.buckets {
		for _, peers := range bucket {
			total += len(peers)
		}
	}
	return total
}

// ─── Combined validator ──────────────────────────────────────

// Validator combines proof-of-work and subnet checks to decide whether a
// new peer may join the routing table.
type Validator struct {
	difficultyBits int
	subnetLimiter  *SubnetLimiter
}

// NewValidator constructs a Validator with the given PoW difficulty and
// per-subnet bucket cap.
func NewValidator(difficultyBits, maxPerSubnet int) *Validator {
	return &Validator{difficultyBits: difficultyBits, subnetLimiter: NewSubnetLimiter(maxPerSubnet)}
}

// SubnetLimiter exposes the validator's underlying subnet limiter.
func (v *Validator) SubnetLimiter() *SubnetLimiter {
	return v.subnetLimiter
}

// ValidatePeer checks a candidate peer's proof of work, derived node ID,
// and subnet budget, registering it in the subnet limiter on success.
// Returns (true, "ok") on acceptance, or (false, reason) on rejection.
func (v *Validator) ValidatePeer(publicKey []byte, powNonce uint64, ip, peerID string, bucketID int) (bool, string) {
	if !VerifyPoW(publicKey, powNonce, v.difficultyBits) {
		logrus.WithFields(logrus.Fields{"peer_id": peerID, "ip": ip, "difficulty": v.difficultyBits}).Warn("sybil: invalid proof of work")
		return false, "invalid_pow"
	}

	expectedID := DeriveNodeID(publicKey, powNonce)
	if peerID != expectedID {
		logrus.WithFields(logrus.Fields{"peer_id": peerID, "expected_id": expectedID}).Warn("sybil: node id mismatch")
		return false, "node_id_mismatch"
	}

	canAdd, err := v.subnetLimiter.CanAdd(ip, bucketID)
	if err != nil {
		return false, "invalid_ip"
	}
	if !canAdd {
		logrus.WithFields(logrus.Fields{"peer_id": peerID, "ip": ip, "bucket_id": bucketID}).Warn("sybil: subnet limit exceeded")
		return false, "subnet_limit_exceeded"
	}

	if _, err := v.subnetLimiter.Add(ip, peerID, bucketID); err != nil {
		return false, "invalid_ip"
	}
	logrus.WithField("peer_id", peerID).Info("sybil: peer validated")
	return true, "ok"
}
