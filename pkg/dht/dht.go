// Package dht wraps a libp2p Kademlia DHT with InfoMesh's key namespaces,
// giving the rest of the node high-level operations for the distributed
// inverted index, network-wide crawl locks, and content attestations,
// per spec §4.10/§4.11.
package dht

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	libp2prouting "github.com/libp2p/go-libp2p/core/routing"
	"github.com/sirupsen/logrus"

	"github.com/infomesh/node/pkg/distindex"
	"github.com/infomesh/node/pkg/hashcodec"
)

// DHT key prefixes, per spec §4.10/§4.11.
const (
	PrefixKeyword     = "/infomesh/kw/"
	PrefixCrawlLock   = "/infomesh/lock/"
	PrefixAttestation = "/infomesh/att/"
)

// DefaultLockTTL is the default crawl-lock expiry.
const DefaultLockTTL = 5 * time.Minute

// MaxPointersPerKeyword bounds how many pointers a single keyword entry
// may carry, keeping DHT values small.
const MaxPointersPerKeyword = 100

// MaxPublishesPerKeywordPerHour rate-limits keyword publication so a
// single node cannot flood the DHT with repeated writes for one keyword.
const MaxPublishesPerKeywordPerHour = 10

// Routing is the subset of a libp2p Kademlia DHT this package depends on,
// letting tests substitute an in-memory double instead of standing up a
// real libp2p host.
type Routing interface {
	PutValue(ctx context.Context, key string, value []byte, opts ...libp2prouting.Option) error
	GetValue(ctx context.Context, key string, opts ...libp2prouting.Option) ([]byte, error)
}

// Stats tracks cumulative DHT operation counters.
type Stats struct {
	KeysStored    int64
	KeysPublished int64
	GetsPerformed int64
	PutsPerformed int64
	LocksAcquired int64
	LocksReleased int64
}

// Node provides InfoMesh-specific operations over a libp2p Kademlia DHT.
type Node struct {
	routing Routing
	peerID  string

	mu    sync.Mutex
	stats Stats

	rateMu       sync.Mutex
	publishTimes map[string][]time.Time
}

// New wraps routing (a *dht.IpfsDHT from go-libp2p-kad-dht, or a test
// double) with InfoMesh's key namespaces and rate limiting.
func New(routing Routing, localPeerID string) *Node {
	return &Node{
		routing:      routing,
		peerID:       localPeerID,
		publishTimes: make(map[string][]time.Time),
	}
}

// Stats returns a snapshot of cumulative counters.
func (n *Node) Stats() Stats {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.stats
}

func keywordKey(keyword string) string {
	return PrefixKeyword + hashcodec.ContentHashString(strings.ToLower(keyword))
}

func lockKey(url string) string {
	return PrefixCrawlLock + hashcodec.ContentHashString(url)
}

func attestationKey(url string) string {
	return PrefixAttestation + hashcodec.ContentHashString(url)
}

func unixSeconds(t time.Time) float64 {
	return float64(t.UnixNano()) / 1e9
}

// ─── Inverted-index operations ─────────────────────────────

type keywordEntry struct {
	Keyword   string                  `msgpack:"keyword"`
	Pointers  []distindex.PeerPointer `msgpack:"pointers"`
	PeerID    string                  `msgpack:"peer_id"`
	Timestamp float64                 `msgpack:"timestamp"`
	Signature []byte                  `msgpack:"signature"`
}

// PublishKeyword publishes keyword → pointers to the DHT, satisfying
// distindex.DHTKeywordStore. Returns nil without writing if the node has
// exceeded its per-keyword publish rate.
func (n *Node) PublishKeyword(ctx context.Context, keyword string, pointers []distindex.PeerPointer) error {
	if !n.checkPublishRate(keyword) {
		logrus.WithFields(logrus.Fields{"keyword": keyword, "peer_id": n.peerID}).Warn("dht: publish rate limited")
		return nil
	}

	if len(pointers) > MaxPointersPerKeyword {
		pointers = pointers[:MaxPointersPerKeyword]
	}
	entry := keywordEntry{
		Keyword:   keyword,
		Pointers:  pointers,
		PeerID:    n.peerID,
		Timestamp: unixSeconds(time.Now()),
	}
	value, err := hashcodec.MsgpackEncode(entry)
	if err != nil {
		return fmt.Errorf("dht: encode keyword entry: %w", err)
	}

	if err := n.routing.PutValue(ctx, keywordKey(keyword), value); err != nil {
		logrus.WithError(err).WithField("keyword", keyword).Error("dht: publish keyword failed")
		return fmt.Errorf("dht: put keyword %q: %w", keyword, err)
	}

	n.recordPublish(keyword)
	n.mu.Lock()
	n.stats.PutsPerformed++
	n.stats.KeysPublished++
	n.mu.Unlock()
	logrus.WithFields(logrus.Fields{"keyword": keyword, "pointers": len(pointers)}).Debug("dht: keyword published")
	return nil
}

// QueryKeyword looks up peer pointers published for keyword, satisfying
// distindex.DHTKeywordStore. A missing key or decode failure yields an
// empty result rather than an error, matching the reference's
// query-failures-are-non-fatal behavior.
func (n *Node) QueryKeyword(ctx context.Context, keyword string) ([]distindex.PeerPointer, error) {
	raw, err := n.routing.GetValue(ctx, keywordKey(keyword))
	n.mu.Lock()
	n.stats.GetsPerformed++
	n.mu.Unlock()
	if err != nil {
		logrus.WithError(err).WithField("keyword", keyword).Debug("dht: query keyword failed")
		return nil, nil
	}
	if raw == nil {
		return nil, nil
	}
	var entry keywordEntry
	if err := hashcodec.MsgpackDecode(raw, &entry); err != nil {
		logrus.WithError(err).WithField("keyword", keyword).Warn("dht: malformed keyword entry")
		return nil, nil
	}
	return entry.Pointers, nil
}

func (n *Node) checkPublishRate(keyword string) bool {
	n.rateMu.Lock()
	defer n.rateMu.Unlock()
	now := time.Now()
	times := n.publishTimes[keyword]
	kept := times[:0]
	for _, t := range times {
		if now.Sub(t) < time.Hour {
			kept = append(kept, t)
		}
	}
	n.publishTimes[keyword] = kept
	return len(kept) < MaxPublishesPerKeywordPerHour
}

func (n *Node) recordPublish(keyword string) {
	n.rateMu.Lock()
	defer n.rateMu.Unlock()
	n.publishTimes[keyword] = append(n.publishTimes[keyword], time.Now())
}

// ─── Crawl-lock operations ──────────────────────────────────

type lockEntry struct {
	PeerID    string  `msgpack:"peer_id"`
	URL       string  `msgpack:"url"`
	Timestamp float64 `msgpack:"timestamp"`
	TTL       float64 `msgpack:"ttl"`
}

// AcquireCrawlLock attempts to acquire a network-wide crawl lock for url,
// satisfying crawler.CrawlLocker. Fails only if another peer already
// holds an unexpired lock; transport errors while checking the existing
// lock are treated as "unlocked" so a single DHT hiccup does not stall
// crawling entirely.
func (n *Node) AcquireCrawlLock(ctx context.Context, url string) (bool, error) {
	return n.AcquireCrawlLockTTL(ctx, url, DefaultLockTTL)
}

// AcquireCrawlLockTTL is AcquireCrawlLock with an explicit TTL.
func (n *Node) AcquireCrawlLockTTL(ctx context.Context, url string, ttl time.Duration) (bool, error) {
	key := lockKey(url)

	if existing, err := n.routing.GetValue(ctx, key); err == nil && existing != nil {
		var held lockEntry
		if err := hashcodec.MsgpackDecode(existing, &held); err == nil {
			age := time.Since(time.Unix(0, int64(held.Timestamp*1e9)))
			if age < ttl {
				logrus.WithFields(logrus.Fields{"url": url, "holder": held.PeerID}).Debug("dht: crawl lock held")
				return false, nil
			}
		}
	}

	entry := lockEntry{PeerID: n.peerID, URL: url, Timestamp: unixSeconds(time.Now()), TTL: ttl.Seconds()}
	value, err := hashcodec.MsgpackEncode(entry)
	if err != nil {
		return false, fmt.Errorf("dht: encode lock entry: %w", err)
	}
	if err := n.routing.PutValue(ctx, key, value); err != nil {
		logrus.WithError(err).WithField("url", url).Error("dht: acquire crawl lock failed")
		return false, fmt.Errorf("dht: put lock %q: %w", url, err)
	}

	n.mu.Lock()
	n.stats.PutsPerformed++
	n.stats.LocksAcquired++
	n.mu.Unlock()
	logrus.WithFields(logrus.Fields{"url": url, "ttl": ttl}).Debug("dht: crawl lock acquired")
	return true, nil
}

// ReleaseCrawlLock releases url's crawl lock by publishing an
// already-expired entry, satisfying crawler.CrawlLocker.
func (n *Node) ReleaseCrawlLock(ctx context.Context, url string) error {
	entry := lockEntry{PeerID: n.peerID, URL: url, Timestamp: 0, TTL: 0}
	value, err := hashcodec.MsgpackEncode(entry)
	if err != nil {
		return fmt.Errorf("dht: encode unlock entry: %w", err)
	}
	if err := n.routing.PutValue(ctx, lockKey(url), value); err != nil {
		logrus.WithError(err).WithField("url", url).Error("dht: release crawl lock failed")
		return fmt.Errorf("dht: put unlock %q: %w", url, err)
	}
	n.mu.Lock()
	n.stats.PutsPerformed++
	n.stats.LocksReleased++
	n.mu.Unlock()
	logrus.WithField("url", url).Debug("dht: crawl lock released")
	return nil
}

// ─── Content attestation ────────────────────────────────────

// Attestation records that a peer crawled a URL and computed specific
// content hashes for it. TextCID is the text hash wrapped as a CIDv1, a
// self-describing identifier other peers can cross-reference against
// without agreeing out-of-band on a hash algorithm.
type Attestation struct {
	URL       string  `msgpack:"url"`
	RawHash   string  `msgpack:"raw_hash"`
	TextHash  string  `msgpack:"text_hash"`
	TextCID   string  `msgpack:"text_cid"`
	PeerID    string  `msgpack:"peer_id"`
	Timestamp float64 `msgpack:"timestamp"`
	Signature []byte  `msgpack:"signature"`
}

// PublishAttestation records that this node crawled url and computed
// rawHash/textHash for its content.
func (n *Node) PublishAttestation(ctx context.Context, url, rawHash, textHash string, signature []byte) error {
	textCID, err := hashcodec.ContentCID(textHash)
	if err != nil {
		logrus.WithError(err).WithField("url", url).Debug("dht: attestation text hash not CID-encodable")
	}
	entry := Attestation{
		URL:       url,
		RawHash:   rawHash,
		TextHash:  textHash,
		TextCID:   textCID,
		PeerID:    n.peerID,
		Timestamp: unixSeconds(time.Now()),
		Signature: signature,
	}
	value, err := hashcodec.MsgpackEncode(entry)
	if err != nil {
		return fmt.Errorf("dht: encode attestation: %w", err)
	}
	if err := n.routing.PutValue(ctx, attestationKey(url), value); err != nil {
		logrus.WithError(err).WithField("url", url).Error("dht: publish attestation failed")
		return fmt.Errorf("dht: put attestation %q: %w", url, err)
	}
	n.mu.Lock()
	n.stats.PutsPerformed++
	n.mu.Unlock()
	logrus.WithField("url", url).Debug("dht: attestation published")
	return nil
}

// GetAttestation retrieves the attestation record for url, or nil if none
// exists.
func (n *Node) GetAttestation(ctx context.Context, url string) (*Attestation, error) {
	raw, err := n.routing.GetValue(ctx, attestationKey(url))
	n.mu.Lock()
	n.stats.GetsPerformed++
	n.mu.Unlock()
	if err != nil {
		logrus.WithError(err).WithField("url", url).Debug("dht: get attestation failed")
		return nil, nil
	}
	if raw == nil {
		return nil, nil
	}
	var att Attestation
	if err := hashcodec.MsgpackDecode(raw, &att); err != nil {
		return nil, fmt.Errorf("dht: decode attestation %q: %w", url, err)
	}
	return &att, nil
}

// ─── Generic operations ─────────────────────────────────────

// Put stores a raw value under key.
func (n *Node) Put(ctx context.Context, key string, value []byte) error {
	if err := n.routing.PutValue(ctx, key, value); err != nil {
		logrus.WithError(err).WithField("key", key).Error("dht: put failed")
		return fmt.Errorf("dht: put %q: %w", key, err)
	}
	n.mu.Lock()
	n.stats.PutsPerformed++
	n.mu.Unlock()
	return nil
}

// Get retrieves a raw value stored under key, or nil if not found.
func (n *Node) Get(ctx context.Context, key string) ([]byte, error) {
	raw, err := n.routing.GetValue(ctx, key)
	n.mu.Lock()
	n.stats.GetsPerformed++
	n.mu.Unlock()
	if err != nil {
		logrus.WithError(err).WithField("key", key).Debug("dht: get failed")
		return nil, nil
	}
	return raw, nil
}
