// Package simhash computes 64-bit locality-sensitive fingerprints for
// near-duplicate text detection (spec §4.3). It is a fingerprint, not a
// security primitive: MD5 truncation is used purely for its speed and
// uniform bit distribution, never trusted across administrative
// boundaries (spec §9 security note).
package simhash

import (
	"crypto/md5" //nolint:gosec // fingerprint only, not a security primitive
	"encoding/binary"
	"regexp"
	"strings"
	"sync"

	"github.com/bits-and-blooms/bitset"
)

// DefaultHammingThreshold is the near-duplicate cutoff (spec §4.3).
const DefaultHammingThreshold = 3

// MaxIndexEntries is the cap on unique fingerprints kept in memory before
// FIFO eviction kicks in (spec §3, §5).
const MaxIndexEntries = 500_000

const shingleWidth = 3
const numBits = 64

var wordRE = regexp.MustCompile(`[\p{L}\p{N}_]+`)

func tokenize(text string, width int) []string {
	words := wordRE.FindAllString(strings.ToLower(text), -1)
	if len(words) < width {
		if len(words) == 0 {
			return nil
		}
		return []string{strings.Join(words, " ")}
	}
	shingles := make([]string, 0, len(words)-width+1)
	for i := 0; i+width <= len(words); i++ {
		shingles = append(shingles, strings.Join(words[i:i+width], " "))
	}
	return shingles
}

func hash64(s string) uint64 {
	sum := md5.Sum([]byte(s)) //nolint:gosec
	return binary.BigEndian.Uint64(sum[:8])
}

// Fingerprint computes the 64-bit SimHash of text using word 3-gram
// shingles, per spec §4.3.
func Fingerprint(text string) uint64 {
	shingles := tokenize(text, shingleWidth)
	if len(shingles) == 0 {
		return 0
	}
	var vector [numBits]int
	for _, shingle := range shingles {
		h := hash64(shingle)
		for i := 0; i < numBits; i++ {
			if h&(1<<uint(i)) != 0 {
				vector[i]++
			} else {
				vector[i]--
			}
		}
	}
	var fp uint64
	for i := 0; i < numBits; i++ {
		if vector[i] >= 0 {
			fp |= 1 << uint(i)
		}
	}
	return fp
}

// HammingDistance counts differing bits between two fingerprints using a
// bitset-backed XOR popcount.
func HammingDistance(a, b uint64) int {
	bs := bitset.From([]uint64{a ^ b})
	return int(bs.Count())
}

// IsNearDuplicate reports whether a and b are within threshold Hamming
// distance of each other.
func IsNearDuplicate(a, b uint64, threshold int) bool {
	return HammingDistance(a, b) <= threshold
}

// Index is a bounded in-memory fingerprint → document-id index with FIFO
// eviction once MaxIndexEntries unique fingerprints are stored (spec §3,
// §4.3). Lookup is linear scan, matching the reference implementation.
type Index struct {
	mu         sync.RWMutex
	entries    map[uint64][]int64
	order      []uint64 // insertion order of fingerprints, for FIFO eviction
	maxEntries int
}

// NewIndex creates an empty index capped at maxEntries unique fingerprints.
// A maxEntries ≤ 0 defaults to MaxIndexEntries.
func NewIndex(maxEntries int) *Index {
	if maxEntries <= 0 {
		maxEntries = MaxIndexEntries
	}
	return &Index{
		entries:    make(map[uint64][]int64),
		maxEntries: maxEntries,
	}
}

// Add records fingerprint → docID, evicting the oldest fingerprint if the
// index is at capacity and this is a new fingerprint.
func (idx *Index) Add(docID int64, fingerprint uint64) {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	if _, exists := idx.entries[fingerprint]; !exists {
		for len(idx.entries) >= idx.maxEntries && len(idx.order) > 0 {
			oldest := idx.order[0]
			idx.order = idx.order[1:]
			delete(idx.entries, oldest)
		}
		idx.order = append(idx.order, fingerprint)
	}
	idx.entries[fingerprint] = append(idx.entries[fingerprint], docID)
}

// Remove deletes a docID from the fingerprint it was indexed under.
func (idx *Index) Remove(docID int64, fingerprint uint64) {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	ids, ok := idx.entries[fingerprint]
	if !ok {
		return
	}
	for i, id := range ids {
		if id == docID {
			ids = append(ids[:i], ids[i+1:]...)
			break
		}
	}
	if len(ids) == 0 {
		delete(idx.entries, fingerprint)
		for i, fp := range idx.order {
			if fp == fingerprint {
				idx.order = append(idx.order[:i], idx.order[i+1:]...)
				break
			}
		}
		return
	}
	idx.entries[fingerprint] = ids
}

// FindNearDuplicates returns every document id indexed under a fingerprint
// within threshold Hamming distance of fingerprint.
func (idx *Index) FindNearDuplicates(fingerprint uint64, threshold int) []int64 {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	var matches []int64
	for stored, ids := range idx.entries {
		if IsNearDuplicate(fingerprint, stored, threshold) {
			matches = append(matches, ids...)
		}
	}
	return matches
}

// Stats reports the index's current size.
type Stats struct {
	UniqueFingerprints int
	TotalDocuments     int
}

// Stats returns the current size of the index.
func (idx *Index) Stats() Stats {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	total := 0
	for _, ids := range idx.entries {
		total += len(ids)
	}
	return Stats{UniqueFingerprints: len(idx.entries), TotalDocuments: total}
}
