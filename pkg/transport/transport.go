// Package transport runs the libp2p host each InfoMesh node uses to
// dial and accept connections from peers, translating between
// InfoMesh's own sha256-derived peer identifiers (pkg/identity) and
// libp2p's host/stream/multiaddr plumbing, and framing every exchange
// with pkg/wire's envelope over pkg/hashcodec's length-prefixed frames.
package transport

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/libp2p/go-libp2p"
	libp2pcrypto "github.com/libp2p/go-libp2p/core/crypto"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/core/protocol"
	ma "github.com/multiformats/go-multiaddr"
	"github.com/sirupsen/logrus"

	"github.com/infomesh/node/pkg/crawler"
	"github.com/infomesh/node/pkg/credit"
	"github.com/infomesh/node/pkg/creditsync"
	"github.com/infomesh/node/pkg/discovery"
	"github.com/infomesh/node/pkg/hashcodec"
	"github.com/infomesh/node/pkg/identity"
	"github.com/infomesh/node/pkg/replication"
	"github.com/infomesh/node/pkg/router"
	"github.com/infomesh/node/pkg/sybil"
	"github.com/infomesh/node/pkg/wire"
)

// StreamTimeout bounds a single request/response exchange over any
// InfoMesh stream protocol.
const StreamTimeout = 10 * time.Second

// SearchHandlerFunc answers an incoming search request.
type SearchHandlerFunc func(ctx context.Context, req router.SearchRequest) router.SearchResponse

// IndexSubmitHandlerFunc accepts a page forwarded by a crawler-role
// peer, returning a non-nil error if it should not be acknowledged.
type IndexSubmitHandlerFunc func(peerID string, page *crawler.ParsedPage, discoveredLinks []string) error

// ReplicateHandlerFunc stores a replica pushed by a peer, reporting
// whether it was stored.
type ReplicateHandlerFunc func(ctx context.Context, req replication.Request) bool

// PexHandlerFunc answers an incoming peer-exchange request.
type PexHandlerFunc func(req discovery.PexRequest) discovery.PexResponse

// CreditProofHandlerFunc answers an incoming sampled-proof request
// against this node's own credit ledger.
type CreditProofHandlerFunc func(req credit.ProofRequest) credit.ProofResponse

// Host wraps a libp2p host with InfoMesh's peer-id directory, dialing
// peers by their sha256-derived identifier and routing each InfoMesh
// stream protocol to the handler registered for it. It implements
// router.PeerSearcher, replication.PeerLister, and
// replication.ReplicaSender.
type Host struct {
	host   host.Host
	peerID string

	mu               sync.RWMutex
	directory        map[string]string   // infomesh peer id -> multiaddr
	reverse          map[peer.ID]string  // libp2p peer id -> infomesh peer id
	indexSubmitPeers []string

	search      SearchHandlerFunc
	indexSubmit IndexSubmitHandlerFunc
	replicate   ReplicateHandlerFunc
	pex         PexHandlerFunc
	creditProof CreditProofHandlerFunc

	creditSyncMgr *creditsync.Manager
	throttle      *sybil.BandwidthThrottle
	validator     *sybil.Validator

	publicKey []byte
	powNonce  uint64
}

// admissionBucketID is the routing-table bucket a ping-time sybil check
// is scored against. Bucket-aware subnet accounting is a DHT routing
// table concern the validator doesn't otherwise need visibility into at
// the transport layer, so every admission check uses a single shared
// bucket, matching how the reference host checks new peers before they
// have a real k-bucket assignment.
const admissionBucketID = 0

// NewHost starts a libp2p host listening on listenAddr/listenPort,
// reusing the node's Ed25519 identity key so its libp2p peer id is
// reproducible across restarts rather than freshly randomized. nodeID
// is the InfoMesh-level routing identifier advertised in every
// directory/wire exchange — the proof-of-work-derived id from
// pkg/sybil, not the bare key hash kp.PeerID returns.
func NewHost(kp *identity.KeyPair, nodeID, listenAddr string, listenPort int) (*Host, error) {
	priv, err := libp2pcrypto.UnmarshalEd25519PrivateKey(kp.PrivateKeyBytes())
	if err != nil {
		return nil, fmt.Errorf("transport: unmarshal identity key: %w", err)
	}
	h, err := libp2p.New(
		libp2p.Identity(priv),
		libp2p.ListenAddrStrings(fmt.Sprintf("/ip4/%s/tcp/%d", listenAddr, listenPort)),
	)
	if err != nil {
		return nil, fmt.Errorf("transport: create libp2p host: %w", err)
	}

	t := &Host{
		host:      h,
		peerID:    nodeID,
		publicKey: kp.PublicKeyBytes(),
		directory: make(map[string]string),
		reverse:   make(map[peer.ID]string),
	}
	h.SetStreamHandler(protocol.ID(wire.ProtocolSearch), t.handleSearch)
	h.SetStreamHandler(protocol.ID(wire.ProtocolIndexSubmit), t.handleIndexSubmit)
	h.SetStreamHandler(protocol.ID(wire.ProtocolReplicate), t.handleReplicate)
	h.SetStreamHandler(protocol.ID(wire.ProtocolPex), t.handlePex)
	h.SetStreamHandler(protocol.ID(wire.ProtocolPing), t.handlePing)
	h.SetStreamHandler(protocol.ID(wire.ProtocolCredit), t.handleCreditProof)
	h.SetStreamHandler(protocol.ID(wire.ProtocolCreditSync), t.handleCreditSync)

	logrus.WithFields(logrus.Fields{
		"libp2p_peer_id":   h.ID().String(),
		"infomesh_peer_id": truncate(nodeID, 16),
		"addrs":            h.Addrs(),
	}).Info("transport: host started")
	return t, nil
}

// Close shuts down the underlying libp2p host.
func (t *Host) Close() error {
	return t.host.Close()
}

// LibP2PHost exposes the underlying libp2p host, for handing to a
// Kademlia DHT implementation built on the same host.
func (t *Host) LibP2PHost() host.Host {
	return t.host
}

// ConnectedPeerInfos returns PEX-ready peer info for every connected
// peer this host has a known dialable multiaddr for.
func (t *Host) ConnectedPeerInfos() []discovery.PeerInfo {
	ids := t.ConnectedPeers()
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]discovery.PeerInfo, 0, len(ids))
	for _, id := range ids {
		if addr, ok := t.directory[id]; ok {
			out = append(out, discovery.PeerInfo{PeerID: id, Multiaddr: addr})
		}
	}
	return out
}

// LocalMultiaddrs returns this host's dialable multiaddrs, each with a
// /p2p/<id> suffix, for announcing over mDNS or PEX.
func (t *Host) LocalMultiaddrs() []string {
	addrs := t.host.Addrs()
	out := make([]string, 0, len(addrs))
	info := peer.AddrInfo{ID: t.host.ID(), Addrs: addrs}
	for _, full := range peer.AddrInfoToP2pAddrs(&info) {
		out = append(out, full.String())
	}
	return out
}

// SetSearchHandler registers the function that answers incoming search
// requests.
func (t *Host) SetSearchHandler(fn SearchHandlerFunc) { t.search = fn }

// SetIndexSubmitHandler registers the function that accepts incoming
// forwarded pages.
func (t *Host) SetIndexSubmitHandler(fn IndexSubmitHandlerFunc) { t.indexSubmit = fn }

// SetReplicateHandler registers the function that stores incoming
// document replicas.
func (t *Host) SetReplicateHandler(fn ReplicateHandlerFunc) { t.replicate = fn }

// SetPexHandler registers the function that answers incoming
// peer-exchange requests.
func (t *Host) SetPexHandler(fn PexHandlerFunc) { t.pex = fn }

// SetCreditProofHandler registers the function that answers incoming
// sampled credit-proof requests.
func (t *Host) SetCreditProofHandler(fn CreditProofHandlerFunc) { t.creditProof = fn }

// SetCreditSyncManager installs the manager used both to answer
// incoming credit-sync announces/exchanges and to drive this host's own
// outgoing AnnounceCreditSync/RunCreditSyncRound calls. A nil manager
// (the default) leaves credit sync inert.
func (t *Host) SetCreditSyncManager(mgr *creditsync.Manager) { t.creditSyncMgr = mgr }

// SetBandwidthThrottle installs a per-direction upload/download cap
// applied to every frame this host sends or receives, per
// network.upload_limit_mbps/download_limit_mbps. A nil throttle (the
// default) disables throttling.
func (t *Host) SetBandwidthThrottle(throttle *sybil.BandwidthThrottle) {
	t.throttle = throttle
}

// SetPowNonce records this host's own proof-of-work nonce, included in
// every outgoing ping so a peer can verify the node id it is handed
// actually derives from the claimed public key, per spec §4.14.
func (t *Host) SetPowNonce(nonce uint64) { t.powNonce = nonce }

// SetSybilValidator installs the admission check ping handshakes run
// against inbound peers. A nil validator (the default) accepts every
// peer unconditionally, matching pre-admission-control behavior.
func (t *Host) SetSybilValidator(v *sybil.Validator) { t.validator = v }

// SetIndexSubmitPeers sets the fixed set of indexer peers a crawler-role
// node forwards crawled pages to, per network.index_submit_peers.
func (t *Host) SetIndexSubmitPeers(peerIDs []string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.indexSubmitPeers = peerIDs
}

// RegisterPeer records a dialable multiaddr for an InfoMesh peer id,
// learned via mDNS, PEX, or a bootstrap list.
func (t *Host) RegisterPeer(infomeshPeerID, multiaddr string) {
	if infomeshPeerID == "" || multiaddr == "" {
		return
	}
	t.mu.Lock()
	t.directory[infomeshPeerID] = multiaddr
	t.mu.Unlock()
}

// DialBootstrap registers and eagerly connects to every multiaddr in
// addrs, logging (but not failing on) unreachable peers.
func (t *Host) DialBootstrap(ctx context.Context, addrs []string) {
	for _, addr := range addrs {
		maddr, err := ma.NewMultiaddr(addr)
		if err != nil {
			logrus.WithFields(logrus.Fields{"addr": addr, "error": err}).Warn("transport: invalid bootstrap multiaddr")
			continue
		}
		info, err := peer.AddrInfoFromP2pAddr(maddr)
		if err != nil {
			logrus.WithFields(logrus.Fields{"addr": addr, "error": err}).Warn("transport: bootstrap multiaddr missing /p2p id")
			continue
		}
		connectCtx, cancel := context.WithTimeout(ctx, StreamTimeout)
		err = t.host.Connect(connectCtx, *info)
		cancel()
		if err != nil {
			logrus.WithFields(logrus.Fields{"peer": info.ID.String(), "error": err}).Warn("transport: bootstrap connect failed")
			continue
		}
		infomeshID := identity.PeerIDFromPublicKey(pubKeyBytesOrNil(info.ID))
		t.mu.Lock()
		t.directory[infomeshID] = addr
		t.reverse[info.ID] = infomeshID
		t.mu.Unlock()
	}
}

// pubKeyBytesOrNil extracts the raw Ed25519 public key bytes embedded in
// a libp2p peer id, or nil if it isn't an inline Ed25519 identity (which
// would make the derived InfoMesh id meaningless; such peers are only
// reachable by multiaddr, not by InfoMesh peer id, until they introduce
// themselves over a stream and supply their own id).
func pubKeyBytesOrNil(id peer.ID) []byte {
	pub, err := id.ExtractPublicKey()
	if err != nil || pub == nil {
		return nil
	}
	raw, err := pub.Raw()
	if err != nil {
		return nil
	}
	return raw
}

// ConnectedPeers returns the InfoMesh peer ids of currently connected
// libp2p peers whose identity this host has learned, either by dialing
// them via RegisterPeer's directory or from a prior inbound exchange.
func (t *Host) ConnectedPeers() []string {
	conns := t.host.Network().Peers()
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]string, 0, len(conns))
	for _, p := range conns {
		if id, ok := t.reverse[p]; ok {
			out = append(out, id)
		}
	}
	return out
}

// remoteIP extracts the dotted/colon IP address a stream's connection
// was accepted from, for subnet accounting during peer admission.
func remoteIP(s network.Stream) (string, error) {
	addr := s.Conn().RemoteMultiaddr()
	if ip, err := addr.ValueForProtocol(ma.P_IP4); err == nil {
		return ip, nil
	}
	if ip, err := addr.ValueForProtocol(ma.P_IP6); err == nil {
		return ip, nil
	}
	return "", fmt.Errorf("transport: no ip in remote multiaddr %s", addr)
}

func (t *Host) rememberPeer(s network.Stream, infomeshPeerID string) {
	if infomeshPeerID == "" {
		return
	}
	t.mu.Lock()
	t.reverse[s.Conn().RemotePeer()] = infomeshPeerID
	t.mu.Unlock()
}

func (t *Host) openStream(ctx context.Context, infomeshPeerID string, proto protocol.ID) (network.Stream, error) {
	t.mu.RLock()
	addrStr, ok := t.directory[infomeshPeerID]
	t.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("transport: no known address for peer %s", truncate(infomeshPeerID, 16))
	}
	maddr, err := ma.NewMultiaddr(addrStr)
	if err != nil {
		return nil, fmt.Errorf("transport: parse multiaddr: %w", err)
	}
	info, err := peer.AddrInfoFromP2pAddr(maddr)
	if err != nil {
		return nil, fmt.Errorf("transport: extract peer info: %w", err)
	}

	connectCtx, cancel := context.WithTimeout(ctx, StreamTimeout)
	defer cancel()
	if err := t.host.Connect(connectCtx, *info); err != nil {
		return nil, fmt.Errorf("transport: connect to peer %s: %w", truncate(infomeshPeerID, 16), err)
	}
	t.mu.Lock()
	t.reverse[info.ID] = infomeshPeerID
	t.mu.Unlock()

	s, err := t.host.NewStream(connectCtx, info.ID, proto)
	if err != nil {
		return nil, fmt.Errorf("transport: open stream to %s: %w", truncate(infomeshPeerID, 16), err)
	}
	return s, nil
}

// encodeEnvelope wraps v in a wire.Envelope and msgpack-encodes it,
// round-tripping v through a generic map so the encoded payload matches
// exactly what a receiver's wire.CheckLimits walk will see.
func encodeEnvelope(msgType wire.MessageType, v any) ([]byte, error) {
	raw, err := hashcodec.MsgpackEncode(v)
	if err != nil {
		return nil, fmt.Errorf("transport: encode payload: %w", err)
	}
	var payload map[string]any
	if err := hashcodec.MsgpackDecode(raw, &payload); err != nil {
		return nil, fmt.Errorf("transport: decode payload to map: %w", err)
	}
	return hashcodec.MsgpackEncode(wire.Envelope{Type: msgType, Payload: payload})
}

// decodeEnvelope unpacks a wire.Envelope from data, checks it against
// §6's decode limits, and decodes its payload into v (nil to skip).
func decodeEnvelope(data []byte, v any) (wire.MessageType, error) {
	var env wire.Envelope
	if err := hashcodec.MsgpackDecode(data, &env); err != nil {
		return 0, fmt.Errorf("transport: decode envelope: %w", err)
	}
	if err := wire.CheckLimits(env.Payload); err != nil {
		return 0, err
	}
	if v == nil {
		return env.Type, nil
	}
	if err := decodePayload(env.Payload, v); err != nil {
		return 0, err
	}
	return env.Type, nil
}

// decodePayload re-encodes a generic envelope payload map and decodes it
// into v, for callers (like the credit-sync handler) that must inspect
// an envelope's message type before knowing which concrete struct to
// decode its payload into.
func decodePayload(payload map[string]any, v any) error {
	raw, err := hashcodec.MsgpackEncode(payload)
	if err != nil {
		return fmt.Errorf("transport: re-encode payload: %w", err)
	}
	if err := hashcodec.MsgpackDecode(raw, v); err != nil {
		return fmt.Errorf("transport: decode payload: %w", err)
	}
	return nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
