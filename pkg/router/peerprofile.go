// Package router fans search queries out to relevant peers discovered
// through the distributed inverted index, tracking per-peer latency so
// later queries prefer fast, reliable peers, per spec §4.12.
package router

import (
	"math"
	"math/rand"
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// Peer-profiling tuning constants, per spec §4.12.
const (
	EMAAlpha       = 0.3
	MaxHistory     = 100
	StaleTimeout   = time.Hour
	DiversityRatio = 0.2
)

// BandwidthClass buckets a peer by observed average latency.
type BandwidthClass string

const (
	BandwidthFast    BandwidthClass = "fast"
	BandwidthMedium  BandwidthClass = "medium"
	BandwidthSlow    BandwidthClass = "slow"
	BandwidthUnknown BandwidthClass = "unknown"
)

func classifyBandwidth(avgLatencyMs float64) BandwidthClass {
	switch {
	case avgLatencyMs < 100:
		return BandwidthFast
	case avgLatencyMs < 500:
		return BandwidthMedium
	default:
		return BandwidthSlow
	}
}

// PeerProfile is a peer's observed network performance.
type PeerProfile struct {
	PeerID            string
	AvgLatencyMs      float64
	P95LatencyMs      float64
	SuccessRate       float64
	LastSeen          time.Time
	BandwidthClass    BandwidthClass
	TotalInteractions int64

	latencyHistory []float64
	successHistory []bool
}

func percentile(values []float64, pct float64) float64 {
	if len(values) == 0 {
		return 0
	}
	sorted := make([]float64, len(values))
	copy(sorted, values)
	sort.Float64s(sorted)
	idx := (pct / 100) * float64(len(sorted)-1)
	lower := int(math.Floor(idx))
	upper := int(math.Ceil(idx))
	if lower == upper {
		return sorted[lower]
	}
	frac := idx - float64(lower)
	return sorted[lower]*(1-frac) + sorted[upper]*frac
}

// PeerProfileTracker tracks network performance for all known peers. Safe
// for concurrent use.
type PeerProfileTracker struct {
	mu       sync.Mutex
	profiles map[string]*PeerProfile
	rand     *rand.Rand
}

// NewPeerProfileTracker constructs an empty tracker.
func NewPeerProfileTracker() *PeerProfileTracker {
	return &PeerProfileTracker{
		profiles: make(map[string]*PeerProfile),
		rand:     rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// Record updates peerID's profile with the outcome of one interaction and
// returns the updated profile.
func (t *PeerProfileTracker) Record(peerID string, elapsedMs float64, success bool) *PeerProfile {
	t.mu.Lock()
	defer t.mu.Unlock()

	profile, ok := t.profiles[peerID]
	if !ok {
		profile = &PeerProfile{PeerID: peerID, SuccessRate: 1.0, BandwidthClass: BandwidthUnknown}
		t.profiles[peerID] = profile
	}

	profile.TotalInteractions++
	profile.LastSeen = time.Now()

	if success {
		if profile.AvgLatencyMs == 0 {
			profile.AvgLatencyMs = elapsedMs
		} else {
			profile.AvgLatencyMs = EMAAlpha*elapsedMs + (1-EMAAlpha)*profile.AvgLatencyMs
		}
		profile.latencyHistory = append(profile.latencyHistory, elapsedMs)
		if len(profile.latencyHistory) > MaxHistory {
			profile.latencyHistory = profile.latencyHistory[1:]
		}
		profile.P95LatencyMs = percentile(profile.latencyHistory, 95)
	}

	profile.successHistory = append(profile.successHistory, success)
	if len(profile.successHistory) > MaxHistory {
		profile.successHistory = profile.successHistory[1:]
	}
	successCount := 0
	for _, s := range profile.successHistory {
		if s {
			successCount++
		}
	}
	profile.SuccessRate = float64(successCount) / float64(len(profile.successHistory))

	if profile.TotalInteractions >= 3 {
		profile.BandwidthClass = classifyBandwidth(profile.AvgLatencyMs)
	}

	out := *profile
	return &out
}

// Get returns peerID's profile, or nil if unknown.
func (t *PeerProfileTracker) Get(peerID string) *PeerProfile {
	t.mu.Lock()
	defer t.mu.Unlock()
	p, ok := t.profiles[peerID]
	if !ok {
		return nil
	}
	out := *p
	return &out
}

// GetOrDefault returns peerID's profile, or a fresh BandwidthUnknown
// profile if none exists yet.
func (t *PeerProfileTracker) GetOrDefault(peerID string) *PeerProfile {
	if p := t.Get(peerID); p != nil {
		return p
	}
	return &PeerProfile{PeerID: peerID, SuccessRate: 1.0, BandwidthClass: BandwidthUnknown}
}

// KnownPeers returns the number of profiled peers.
func (t *PeerProfileTracker) KnownPeers() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.profiles)
}

// RankByLatency orders peerIDs fastest-first. When diversity is true, a
// DiversityRatio fraction of the slower half is promoted ahead of the
// remaining slow peers so they are not permanently starved of traffic.
func (t *PeerProfileTracker) RankByLatency(peerIDs []string, diversity bool) []string {
	type scored struct {
		peerID string
		class  BandwidthClass
		avg    float64
	}
	profiles := make([]scored, len(peerIDs))
	for i, pid := range peerIDs {
		p := t.GetOrDefault(pid)
		profiles[i] = scored{peerID: pid, class: p.BandwidthClass, avg: p.AvgLatencyMs}
	}
	sort.SliceStable(profiles, func(i, j int) bool {
		return sortKey(profiles[i].class, profiles[i].avg) < sortKey(profiles[j].class, profiles[j].avg)
	})

	if !diversity || len(profiles) <= 2 {
		out := make([]string, len(profiles))
		for i, p := range profiles {
			out[i] = p.peerID
		}
		return out
	}

	mid := len(profiles) / 2
	if mid < 1 {
		mid = 1
	}
	fast := profiles[:mid]
	slow := profiles[mid:]

	t.mu.Lock()
	r := t.rand
	t.mu.Unlock()

	promoted := make([]scored, 0)
	remaining := make([]scored, 0, len(slow))
	for _, p := range slow {
		if r.Float64() < DiversityRatio {
			promoted = append(promoted, p)
		} else {
			remaining = append(remaining, p)
		}
	}

	out := make([]string, 0, len(profiles))
	for _, p := range fast {
		out = append(out, p.peerID)
	}
	for _, p := range promoted {
		out = append(out, p.peerID)
	}
	for _, p := range remaining {
		out = append(out, p.peerID)
	}
	return out
}

func sortKey(class BandwidthClass, avgLatencyMs float64) float64 {
	if class == BandwidthUnknown {
		return 9999.0
	}
	return avgLatencyMs
}

// AdaptiveTimeout computes a per-peer response timeout: slower peers get
// more time, faster peers get a tighter deadline, clamped to
// [500ms, 5s].
func (t *PeerProfileTracker) AdaptiveTimeout(peerID string, base time.Duration) time.Duration {
	profile := t.Get(peerID)
	if profile == nil || profile.AvgLatencyMs == 0 {
		return base
	}
	factor := profile.AvgLatencyMs / 200.0
	timeout := time.Duration(float64(base) * factor)
	if timeout < 500*time.Millisecond {
		return 500 * time.Millisecond
	}
	if timeout > 5*time.Second {
		return 5 * time.Second
	}
	return timeout
}

// PruneStale removes profiles not seen within maxAge, returning the
// number removed.
func (t *PeerProfileTracker) PruneStale(maxAge time.Duration) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	now := time.Now()
	removed := 0
	for pid, p := range t.profiles {
		if !p.LastSeen.IsZero() && now.Sub(p.LastSeen) > maxAge {
			delete(t.profiles, pid)
			removed++
		}
	}
	if removed > 0 {
		logrus.WithField("count", removed).Info("router: stale peer profiles pruned")
	}
	return removed
}

// Reset clears all profiles.
func (t *PeerProfileTracker) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.profiles = make(map[string]*PeerProfile)
}
