// Package replication keeps every indexed document stored on at least
// N peers by pushing replicas to connected peers over the replication
// stream protocol, per spec §4.13.
package replication

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/infomesh/node/pkg/hashcodec"
)

// DefaultReplicationFactor is the target number of peers each document
// is replicated to.
const DefaultReplicationFactor = 3

// ReplicateTimeout bounds how long a single peer's replica send may take.
const ReplicateTimeout = 10 * time.Second

// Stats summarizes replication activity for one Replicator instance.
type Stats struct {
	DocumentsReplicated int64
	ReplicasSent        int64
	ReplicasReceived    int64
	ReplicasFailed      int64
	AvgReplicateMs      float64

	times []float64
}

func (s *Stats) recordTime(ms float64) {
	s.times = append(s.times, ms)
	var sum float64
	for _, v := range s.times {
		sum += v
	}
	s.AvgReplicateMs = sum / float64(len(s.times))
}

// Request is the full document payload sent to a replica peer.
type Request struct {
	DocID        int64
	URL          string
	Title        string
	Text         string
	TextHash     string
	Language     string
	SourcePeerID string
	ReplicaIndex int
}

// PeerLister abstracts the libp2p host's connected-peer set, decoupling
// replica-peer selection from a concrete host.
type PeerLister interface {
	ConnectedPeers() []string
}

// ReplicaSender abstracts sending a replication request to a peer over a
// libp2p stream and awaiting its acknowledgement.
type ReplicaSender interface {
	SendReplicateRequest(ctx context.Context, peerID string, req Request) (bool, error)
}

// StoreFunc persists a replica delivered by a peer, returning whether it
// was stored successfully.
type StoreFunc func(ctx context.Context, url, title, text, textHash, language string) (bool, error)

// Replicator manages N-way document replication across the network.
type Replicator struct {
	peers  PeerLister
	sender ReplicaSender
	peerID string
	factor int

	mu    sync.Mutex
	stats Stats
}

// New constructs a Replicator targeting DefaultReplicationFactor peers.
func New(peers PeerLister, sender ReplicaSender, localPeerID string) *Replicator {
	return NewWithFactor(peers, sender, localPeerID, DefaultReplicationFactor)
}

// NewWithFactor is New with an explicit replication factor.
func NewWithFactor(peers PeerLister, sender ReplicaSender, localPeerID string, factor int) *Replicator {
	return &Replicator{peers: peers, sender: sender, peerID: localPeerID, factor: factor}
}

// Stats returns a snapshot of cumulative replication counters.
func (r *Replicator) Stats() Stats {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := r.stats
	out.times = nil
	return out
}

// ReplicateDocument pushes doc to up to r.factor peers, returning the
// number that acknowledged successful storage.
func (r *Replicator) ReplicateDocument(ctx context.Context, docID int64, url, title, text, textHash, language string) (int, error) {
	targets := r.findReplicaPeers(url)
	if len(targets) == 0 {
		logrus.WithField("url", url).Debug("replication: no candidate peers")
		return 0, nil
	}

	g, gctx := errgroup.WithContext(context.Background())
	var mu sync.Mutex
	successCount := 0

	for idx, pid := range targets {
		idx, pid := idx, pid
		g.Go(func() error {
			req := Request{
				DocID: docID, URL: url, Title: title, Text: text, TextHash: textHash,
				Language: language, SourcePeerID: r.peerID, ReplicaIndex: idx,
			}
			callCtx, cancel := context.WithTimeout(gctx, ReplicateTimeout)
			defer cancel()

			start := time.Now()
			ok, err := r.sender.SendReplicateRequest(callCtx, pid, req)
			elapsed := float64(time.Since(start).Microseconds()) / 1000.0

			r.mu.Lock()
			if err != nil || !ok {
				r.stats.ReplicasFailed++
			} else {
				r.stats.ReplicasSent++
				r.stats.recordTime(elapsed)
			}
			r.mu.Unlock()

			if err != nil {
				logrus.WithFields(logrus.Fields{"peer_id": pid, "url": url, "error": err}).Debug("replication: replica send failed")
				return nil
			}
			if ok {
				mu.Lock()
				successCount++
				mu.Unlock()
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return 0, err
	}

	if successCount > 0 {
		r.mu.Lock()
		r.stats.DocumentsReplicated++
		r.mu.Unlock()
	}
	logrus.WithFields(logrus.Fields{"url": url, "target": r.factor, "success": successCount}).Debug("replication: document replicated")
	return successCount, nil
}

// findReplicaPeers selects up to r.factor connected peers, excluding
// self, to host replicas of url.
func (r *Replicator) findReplicaPeers(url string) []string {
	// TODO: sort by XOR distance to hash(url) once the DHT exposes a
	// closest-peers lookup; for now any connected peer is a candidate.
	_ = hashcodec.ContentHashString(url)

	connected := r.peers.ConnectedPeers()
	candidates := make([]string, 0, len(connected))
	for _, pid := range connected {
		if pid != r.peerID {
			candidates = append(candidates, pid)
		}
	}
	if len(candidates) > r.factor {
		candidates = candidates[:r.factor]
	}
	return candidates
}

// HandleReplicateRequest stores an incoming replica via store and
// records it in the receive counter, returning whether storage
// succeeded.
func (r *Replicator) HandleReplicateRequest(ctx context.Context, req Request, store StoreFunc) bool {
	ok, err := store(ctx, req.URL, req.Title, req.Text, req.TextHash, req.Language)
	if err != nil {
		logrus.WithError(err).WithField("url", req.URL).Error("replication: store failed")
		ok = false
	}
	r.mu.Lock()
	r.stats.ReplicasReceived++
	r.mu.Unlock()
	return ok
}
