package discovery

import (
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// PEX protocol constants, per spec §4.17.
const (
	PexMaxPeers         = 10
	PexMinInterval      = 60 * time.Second
	PexRoundInterval    = 5 * time.Minute
	PexMaxPeersPerRound = 3
)

// PeerInfo is one entry shared via PEX, wire-compatible with both
// PexRequest's implicit sender info and PexResponse's peer list.
type PeerInfo struct {
	PeerID    string `msgpack:"peer_id"`
	Multiaddr string `msgpack:"multiaddr"`
}

// PexRequest is the wire payload for MsgPexRequest.
type PexRequest struct {
	PeerID   string `msgpack:"peer_id"`
	MaxPeers int    `msgpack:"max_peers"`
	Version  string `msgpack:"version"`
}

// PexResponse is the wire payload for MsgPexResponse.
type PexResponse struct {
	Peers []PeerInfo `msgpack:"peers"`
}

// PeerExchange implements the requester/responder logic for gossip-based
// peer discovery: building bounded responses, filtering received peer
// lists, and rate-limiting inbound requests per sender.
type PeerExchange struct {
	peerID string

	mu          sync.Mutex
	lastRequest map[string]time.Time
}

// NewPeerExchange constructs a PeerExchange for the local peerID.
func NewPeerExchange(peerID string) *PeerExchange {
	return &PeerExchange{peerID: peerID, lastRequest: make(map[string]time.Time)}
}

// CheckRateLimit reports whether a PEX request from requesterID is
// allowed. An allowed request becomes the new rate-limit watermark; a
// refused one leaves the watermark where it was.
func (p *PeerExchange) CheckRateLimit(requesterID string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	now := time.Now()
	if last, ok := p.lastRequest[requesterID]; ok && now.Sub(last) < PexMinInterval {
		logrus.WithFields(logrus.Fields{"requester": truncate(requesterID, 16)}).Debug("discovery: pex rate limited")
		return false
	}
	p.lastRequest[requesterID] = now
	return true
}

// BuildResponse returns up to maxPeers entries from connected, excluding
// the local peer and any malformed multiaddr.
func (p *PeerExchange) BuildResponse(connected []PeerInfo, maxPeers int) []PeerInfo {
	if maxPeers <= 0 || maxPeers > PexMaxPeers {
		maxPeers = PexMaxPeers
	}
	out := make([]PeerInfo, 0, maxPeers)
	for _, peer := range connected {
		if peer.PeerID == p.peerID || !isValidMultiaddr(peer.Multiaddr) {
			continue
		}
		out = append(out, peer)
		if len(out) >= maxPeers {
			break
		}
	}
	return out
}

// ProcessResponse extracts the new, connectable peers from a PEX
// response received from senderID, skipping self, the sender, already
// known peers, and malformed entries.
func (p *PeerExchange) ProcessResponse(senderID string, peers []PeerInfo, known map[string]bool) []PeerInfo {
	if len(peers) > PexMaxPeers {
		peers = peers[:PexMaxPeers]
	}
	newPeers := make([]PeerInfo, 0, len(peers))
	for _, peer := range peers {
		if peer.PeerID == "" || peer.Multiaddr == "" {
			continue
		}
		if peer.PeerID == p.peerID || peer.PeerID == senderID {
			continue
		}
		if known[peer.PeerID] {
			continue
		}
		if !isValidMultiaddr(peer.Multiaddr) {
			continue
		}
		newPeers = append(newPeers, peer)
	}
	logrus.WithFields(logrus.Fields{"sender": truncate(senderID, 16), "received": len(peers), "new": len(newPeers)}).Info("discovery: pex processed")
	return newPeers
}

// CleanupRateLimits drops rate-limit entries older than 10x the minimum
// interval, bounding the map's growth across long-running nodes.
func (p *PeerExchange) CleanupRateLimits() {
	p.mu.Lock()
	defer p.mu.Unlock()
	cutoff := time.Now().Add(-10 * PexMinInterval)
	for id, ts := range p.lastRequest {
		if ts.Before(cutoff) {
			delete(p.lastRequest, id)
		}
	}
}

// isValidMultiaddr requires a /ip4/ or /ip6/ address with a /p2p/
// component, matching what the local libp2p host can dial.
func isValidMultiaddr(maddr string) bool {
	if !strings.Contains(maddr, "/p2p/") {
		return false
	}
	return strings.HasPrefix(maddr, "/ip4/") || strings.HasPrefix(maddr, "/ip6/")
}
