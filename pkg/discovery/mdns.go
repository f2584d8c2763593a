// Package discovery finds other InfoMesh nodes without a bootstrap
// server: mDNS for peers on the same LAN, and gossip-based peer
// exchange (PEX) for peers already connected to the network, per spec
// §4.17.
package discovery

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/vmihailenco/msgpack/v5"
)

// mDNS constants, fixed by spec: a custom lightweight UDP multicast
// protocol rather than full DNS-SD record parsing, so a node never
// needs a zeroconf dependency to find LAN peers.
const (
	MDNSGroup         = "224.0.0.251"
	MDNSPort          = 5353
	MDNSAnnounceEvery = 30 * time.Second
	MDNSPeerTTL       = 120 * time.Second
)

// mdnsMagic prefixes every announcement packet so stray UDP traffic on
// the multicast group is ignored without attempting to decode it.
var mdnsMagic = []byte("INFOMESH")

type mdnsAnnounce struct {
	PeerID string `msgpack:"peer_id"`
	Port   int    `msgpack:"port"`
	Ts     int64  `msgpack:"ts"`
}

// DiscoveredPeer is a peer found via mDNS.
type DiscoveredPeer struct {
	PeerID   string
	Host     string
	Port     int
	LastSeen time.Time
}

func (p DiscoveredPeer) isStale(now time.Time) bool {
	return now.Sub(p.LastSeen) > MDNSPeerTTL
}

// MDNS announces this node's presence on the LAN and tracks
// announcements heard from other InfoMesh nodes.
type MDNS struct {
	peerID string
	port   int

	mu    sync.Mutex
	peers map[string]DiscoveredPeer
}

// NewMDNS constructs an MDNS discoverer for peerID, advertising port.
func NewMDNS(peerID string, port int) *MDNS {
	return &MDNS{peerID: peerID, port: port, peers: make(map[string]DiscoveredPeer)}
}

// Run joins the mDNS multicast group and announces/listens until ctx
// is cancelled. It blocks; callers run it in its own goroutine.
func (m *MDNS) Run(ctx context.Context) error {
	groupAddr := &net.UDPAddr{IP: net.ParseIP(MDNSGroup), Port: MDNSPort}

	listenConn, err := net.ListenMulticastUDP("udp4", nil, groupAddr)
	if err != nil {
		return fmt.Errorf("discovery: join mdns multicast group: %w", err)
	}
	defer listenConn.Close()

	sendConn, err := net.DialUDP("udp4", nil, groupAddr)
	if err != nil {
		return fmt.Errorf("discovery: open mdns announce socket: %w", err)
	}
	defer sendConn.Close()

	logrus.WithFields(logrus.Fields{"peer_id": truncate(m.peerID, 16), "port": m.port}).Info("discovery: mdns started")

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		m.listenLoop(ctx, listenConn)
	}()
	go func() {
		defer wg.Done()
		m.announceLoop(ctx, sendConn)
	}()
	wg.Wait()

	logrus.Debug("discovery: mdns stopped")
	return nil
}

func (m *MDNS) buildAnnounce() ([]byte, error) {
	payload, err := msgpack.Marshal(mdnsAnnounce{PeerID: m.peerID, Port: m.port, Ts: time.Now().Unix()})
	if err != nil {
		return nil, err
	}
	return append(append([]byte{}, mdnsMagic...), payload...), nil
}

func (m *MDNS) parseAnnounce(data []byte, host string) (DiscoveredPeer, bool) {
	if len(data) <= len(mdnsMagic) {
		return DiscoveredPeer{}, false
	}
	for i, b := range mdnsMagic {
		if data[i] != b {
			return DiscoveredPeer{}, false
		}
	}
	var a mdnsAnnounce
	if err := msgpack.Unmarshal(data[len(mdnsMagic):], &a); err != nil {
		return DiscoveredPeer{}, false
	}
	if a.PeerID == "" || a.Port == 0 || a.PeerID == m.peerID {
		return DiscoveredPeer{}, false
	}
	return DiscoveredPeer{PeerID: a.PeerID, Host: host, Port: a.Port, LastSeen: time.Now()}, true
}

func (m *MDNS) announceLoop(ctx context.Context, conn *net.UDPConn) {
	ticker := time.NewTicker(MDNSAnnounceEvery)
	defer ticker.Stop()
	for {
		packet, err := m.buildAnnounce()
		if err == nil {
			conn.Write(packet)
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (m *MDNS) listenLoop(ctx context.Context, conn *net.UDPConn) {
	buf := make([]byte, 1024)
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		conn.SetReadDeadline(time.Now().Add(2 * time.Second))
		n, addr, err := conn.ReadFromUDP(buf)
		if err != nil {
			continue
		}
		peer, ok := m.parseAnnounce(buf[:n], addr.IP.String())
		if !ok {
			continue
		}
		m.mu.Lock()
		_, known := m.peers[peer.PeerID]
		m.peers[peer.PeerID] = peer
		m.mu.Unlock()
		if !known {
			logrus.WithFields(logrus.Fields{"peer_id": truncate(peer.PeerID, 16), "host": peer.Host, "port": peer.Port}).Info("discovery: mdns peer discovered")
		}
	}
}

// Peers returns the currently known, non-stale peers, pruning any
// entries that have aged out.
func (m *MDNS) Peers() []DiscoveredPeer {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now()
	out := make([]DiscoveredPeer, 0, len(m.peers))
	for id, p := range m.peers {
		if p.isStale(now) {
			delete(m.peers, id)
			continue
		}
		out = append(out, p)
	}
	return out
}

// PeerCount returns the number of currently live peers.
func (m *MDNS) PeerCount() int {
	return len(m.Peers())
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
