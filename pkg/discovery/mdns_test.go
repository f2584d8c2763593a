package discovery

import (
	"testing"
	"time"
)

func nowMinus(d time.Duration) time.Time {
	return time.Now().Add(-d)
}

func TestBuildAndParseAnnounceRoundTrip(t *testing.T) {
	m := NewMDNS("peer-a", 4001)
	packet, err := m.buildAnnounce()
	if err != nil {
		t.Fatalf("buildAnnounce: %v", err)
	}

	other := NewMDNS("peer-b", 4002)
	peer, ok := other.parseAnnounce(packet, "192.168.1.5")
	if !ok {
		t.Fatalf("expected announce to parse")
	}
	if peer.PeerID != "peer-a" || peer.Port != 4001 || peer.Host != "192.168.1.5" {
		t.Fatalf("unexpected peer: %+v", peer)
	}
}

func TestParseAnnounceIgnoresSelf(t *testing.T) {
	m := NewMDNS("peer-a", 4001)
	packet, _ := m.buildAnnounce()

	_, ok := m.parseAnnounce(packet, "192.168.1.5")
	if ok {
		t.Fatalf("expected self-announcement to be ignored")
	}
}

func TestParseAnnounceRejectsBadMagic(t *testing.T) {
	m := NewMDNS("peer-a", 4001)
	_, ok := m.parseAnnounce([]byte("not-an-announce-packet"), "10.0.0.1")
	if ok {
		t.Fatalf("expected malformed packet to be rejected")
	}
}

func TestParseAnnounceRejectsTruncated(t *testing.T) {
	m := NewMDNS("peer-a", 4001)
	_, ok := m.parseAnnounce(mdnsMagic, "10.0.0.1")
	if ok {
		t.Fatalf("expected magic-only packet to be rejected")
	}
}

func TestPeersPrunesStale(t *testing.T) {
	m := NewMDNS("peer-a", 4001)
	m.mu.Lock()
	m.peers["peer-b"] = DiscoveredPeer{PeerID: "peer-b", Host: "10.0.0.2", Port: 4001, LastSeen: nowMinus(MDNSPeerTTL * 2)}
	m.peers["peer-c"] = DiscoveredPeer{PeerID: "peer-c", Host: "10.0.0.3", Port: 4001, LastSeen: nowMinus(0)}
	m.mu.Unlock()

	peers := m.Peers()
	if len(peers) != 1 || peers[0].PeerID != "peer-c" {
		t.Fatalf("expected only peer-c to survive pruning, got %+v", peers)
	}
	if m.PeerCount() != 1 {
		t.Fatalf("expected peer count 1, got %d", m.PeerCount())
	}
}
