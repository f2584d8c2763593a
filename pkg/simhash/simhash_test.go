package simhash

import "testing"

const sampleText = "The quick brown fox jumps over the lazy dog near the riverbank at dawn while birds are singing softly in the trees above the water"

func TestFingerprintDeterministic(t *testing.T) {
	a := Fingerprint(sampleText)
	b := Fingerprint(sampleText)
	if a != b {
		t.Fatalf("expected deterministic fingerprint")
	}
	if HammingDistance(a, a) != 0 {
		t.Fatalf("expected zero distance to self")
	}
}

func TestFingerprintToleratesSmallEdits(t *testing.T) {
	edited := "The quick brown fox leaps over the lazy dog near the riverbank at dawn while birds are singing softly in the trees above the water"
	a := Fingerprint(sampleText)
	b := Fingerprint(edited)
	if d := HammingDistance(a, b); d > 10 {
		t.Fatalf("expected small edit to keep hamming distance <= 10, got %d", d)
	}
}

func TestIsNearDuplicateThreshold(t *testing.T) {
	a := Fingerprint(sampleText)
	if !IsNearDuplicate(a, a, DefaultHammingThreshold) {
		t.Fatalf("identical fingerprints should be near-duplicates")
	}
}

func TestIndexFIFOEviction(t *testing.T) {
	idx := NewIndex(2)
	idx.Add(1, 0x1)
	idx.Add(2, 0x2)
	idx.Add(3, 0x3) // should evict fingerprint 0x1
	stats := idx.Stats()
	if stats.UniqueFingerprints != 2 {
		t.Fatalf("expected 2 unique fingerprints after eviction, got %d", stats.UniqueFingerprints)
	}
	if matches := idx.FindNearDuplicates(0x1, 0); len(matches) != 0 {
		t.Fatalf("expected fingerprint 0x1 to have been evicted")
	}
}

func TestIndexRemove(t *testing.T) {
	idx := NewIndex(10)
	idx.Add(1, 0xABCD)
	idx.Remove(1, 0xABCD)
	if matches := idx.FindNearDuplicates(0xABCD, 0); len(matches) != 0 {
		t.Fatalf("expected no matches after remove, got %v", matches)
	}
}

func TestFindNearDuplicatesRespectsThreshold(t *testing.T) {
	idx := NewIndex(10)
	idx.Add(1, 0b0000)
	far := idx.FindNearDuplicates(0b1111, 0)
	if len(far) != 0 {
		t.Fatalf("expected no matches at distance 0 threshold, got %v", far)
	}
	near := idx.FindNearDuplicates(0b1111, 4)
	if len(near) != 1 {
		t.Fatalf("expected a match at distance 4 threshold, got %v", near)
	}
}
