package transport

import (
	"context"
	"testing"
	"time"

	"github.com/infomesh/node/pkg/crawler"
	"github.com/infomesh/node/pkg/credit"
	"github.com/infomesh/node/pkg/creditsync"
	"github.com/infomesh/node/pkg/discovery"
	"github.com/infomesh/node/pkg/identity"
	"github.com/infomesh/node/pkg/replication"
	"github.com/infomesh/node/pkg/router"
	"github.com/infomesh/node/pkg/sybil"
)

func newTestHost(t *testing.T) *Host {
	t.Helper()
	kp, err := identity.Generate()
	if err != nil {
		t.Fatalf("identity.Generate: %v", err)
	}
	h, err := NewHost(kp, kp.PeerID(), "127.0.0.1", 0)
	if err != nil {
		t.Fatalf("NewHost: %v", err)
	}
	t.Cleanup(func() { h.Close() })
	return h
}

// newTestHostWithPoW builds a host whose node id is a real proof of
// work over its own key, for admission-handshake tests that need a
// genuine (nonce, node id) pair rather than the bare key hash
// newTestHost uses.
func newTestHostWithPoW(t *testing.T, difficultyBits int) *Host {
	t.Helper()
	kp, err := identity.Generate()
	if err != nil {
		t.Fatalf("identity.Generate: %v", err)
	}
	pow, err := sybil.GeneratePoW(kp.PublicKeyBytes(), difficultyBits, sybil.DefaultMaxNonce)
	if err != nil {
		t.Fatalf("GeneratePoW: %v", err)
	}
	nodeID := sybil.DeriveNodeID(kp.PublicKeyBytes(), pow.Nonce)
	h, err := NewHost(kp, nodeID, "127.0.0.1", 0)
	if err != nil {
		t.Fatalf("NewHost: %v", err)
	}
	h.SetPowNonce(pow.Nonce)
	t.Cleanup(func() { h.Close() })
	return h
}

func connect(t *testing.T, a, b *Host) {
	t.Helper()
	addrs := b.LocalMultiaddrs()
	if len(addrs) == 0 {
		t.Fatalf("expected at least one local multiaddr")
	}
	a.RegisterPeer(b.peerID, addrs[0])
}

func TestSearchPeerRoundTrip(t *testing.T) {
	a, b := newTestHost(t), newTestHost(t)
	connect(t, a, b)

	b.SetSearchHandler(func(ctx context.Context, req router.SearchRequest) router.SearchResponse {
		return router.SearchResponse{
			RequestID: req.RequestID,
			Results:   []router.RemoteSearchResult{{URL: "https://example.com", Title: "Example", Score: 0.9}},
		}
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	results, err := a.SearchPeer(ctx, b.peerID, router.SearchRequest{Query: "example", Limit: 10, RequestID: "req-1"})
	if err != nil {
		t.Fatalf("SearchPeer: %v", err)
	}
	if len(results) != 1 || results[0].URL != "https://example.com" {
		t.Fatalf("unexpected results: %+v", results)
	}
}

func TestSendPageAcksAcrossConfiguredPeers(t *testing.T) {
	a, b := newTestHost(t), newTestHost(t)
	connect(t, a, b)
	a.SetIndexSubmitPeers([]string{b.peerID})

	var received *crawler.ParsedPage
	var receivedLinks []string
	b.SetIndexSubmitHandler(func(peerID string, page *crawler.ParsedPage, discoveredLinks []string) error {
		received = page
		receivedLinks = discoveredLinks
		return nil
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	acked, err := a.SendPage(ctx, &crawler.ParsedPage{URL: "https://example.com/a", Title: "A", Text: "body"}, []string{"https://example.com/b"})
	if err != nil {
		t.Fatalf("SendPage: %v", err)
	}
	if acked != 1 {
		t.Fatalf("expected 1 ack, got %d", acked)
	}
	if received == nil || received.URL != "https://example.com/a" {
		t.Fatalf("handler did not receive expected page: %+v", received)
	}
	if len(receivedLinks) != 1 || receivedLinks[0] != "https://example.com/b" {
		t.Fatalf("handler did not receive expected discovered links: %v", receivedLinks)
	}
}

func TestSendReplicateRequestStoresAndAcks(t *testing.T) {
	a, b := newTestHost(t), newTestHost(t)
	connect(t, a, b)

	b.SetReplicateHandler(func(ctx context.Context, req replication.Request) bool {
		return req.URL == "https://example.com/a"
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	ok, err := a.SendReplicateRequest(ctx, b.peerID, replication.Request{URL: "https://example.com/a", DocID: 1})
	if err != nil {
		t.Fatalf("SendReplicateRequest: %v", err)
	}
	if !ok {
		t.Fatalf("expected replica to be acknowledged as stored")
	}
}

func TestSendPexRequestReturnsPeers(t *testing.T) {
	a, b := newTestHost(t), newTestHost(t)
	connect(t, a, b)

	b.SetPexHandler(func(req discovery.PexRequest) discovery.PexResponse {
		return discovery.PexResponse{Peers: []discovery.PeerInfo{{PeerID: "peer-c", Multiaddr: "/ip4/1.2.3.4/tcp/4001/p2p/12D3KooWAbC"}}}
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	resp, err := a.SendPexRequest(ctx, b.peerID, discovery.PexRequest{PeerID: a.peerID, MaxPeers: 10})
	if err != nil {
		t.Fatalf("SendPexRequest: %v", err)
	}
	if len(resp.Peers) != 1 || resp.Peers[0].PeerID != "peer-c" {
		t.Fatalf("unexpected pex response: %+v", resp)
	}
}

func TestPingSucceeds(t *testing.T) {
	a, b := newTestHost(t), newTestHost(t)
	connect(t, a, b)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := a.Ping(ctx, b.peerID); err != nil {
		t.Fatalf("Ping: %v", err)
	}
}

func TestConnectedPeersTracksDialedPeer(t *testing.T) {
	a, b := newTestHost(t), newTestHost(t)
	connect(t, a, b)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := a.Ping(ctx, b.peerID); err != nil {
		t.Fatalf("Ping: %v", err)
	}
	found := false
	for _, id := range a.ConnectedPeers() {
		if id == b.peerID {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected %s among connected peers %v", b.peerID, a.ConnectedPeers())
	}
}

func TestRequestCreditProofRoundTrip(t *testing.T) {
	a, b := newTestHost(t), newTestHost(t)
	connect(t, a, b)

	lg, err := credit.Open("")
	if err != nil {
		t.Fatalf("credit.Open: %v", err)
	}
	t.Cleanup(func() { lg.Close() })
	kp, err := identity.Generate()
	if err != nil {
		t.Fatalf("identity.Generate: %v", err)
	}
	if _, err := lg.RecordAction(credit.ActionCrawl, 5.0, "", kp); err != nil {
		t.Fatalf("RecordAction: %v", err)
	}
	builder := credit.NewProofBuilder(lg, kp)
	b.SetCreditProofHandler(func(req credit.ProofRequest) credit.ProofResponse {
		proof, err := builder.BuildProof(req.SampleSize, req.RequestID)
		if err != nil {
			t.Fatalf("BuildProof: %v", err)
		}
		return proof.ToWire()
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	proof, err := a.RequestCreditProof(ctx, b.peerID, 10)
	if err != nil {
		t.Fatalf("RequestCreditProof: %v", err)
	}
	if proof.EntryCount != 1 {
		t.Fatalf("expected 1 ledger entry reflected in proof, got %d", proof.EntryCount)
	}
	result := credit.VerifyProof(proof)
	if !result.Verified {
		t.Fatalf("expected proof from a fresh ledger to verify, got %+v", result)
	}
}

func TestCreditSyncAnnounceExchangesSummaries(t *testing.T) {
	a, b := newTestHost(t), newTestHost(t)
	connect(t, a, b)
	connect(t, b, a)

	setupManager := func(peerID string, credits float64) *creditsync.Manager {
		lg, err := credit.Open("")
		if err != nil {
			t.Fatalf("credit.Open: %v", err)
		}
		t.Cleanup(func() { lg.Close() })
		store, err := creditsync.OpenStore("")
		if err != nil {
			t.Fatalf("OpenStore: %v", err)
		}
		t.Cleanup(func() { store.Close() })
		kp, err := identity.Generate()
		if err != nil {
			t.Fatalf("identity.Generate: %v", err)
		}
		if credits > 0 {
			if _, err := lg.RecordAction(credit.ActionCrawl, credits, "", kp); err != nil {
				t.Fatalf("RecordAction: %v", err)
			}
		}
		return creditsync.NewManager(lg, store, "same-owner@example.com", kp, peerID)
	}

	mgrA := setupManager(a.peerID, 10.0)
	mgrB := setupManager(b.peerID, 20.0)
	a.SetCreditSyncManager(mgrA)
	b.SetCreditSyncManager(mgrB)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	a.AnnounceCreditSync(ctx)

	statsA, err := mgrA.AggregatedStats()
	if err != nil {
		t.Fatalf("AggregatedStats: %v", err)
	}
	if len(statsA.PeerSummaries) != 1 || statsA.PeerSummaries[0].TotalEarned != 20.0 {
		t.Fatalf("expected a's view to include b's 20.0 summary, got %+v", statsA.PeerSummaries)
	}

	statsB, err := mgrB.AggregatedStats()
	if err != nil {
		t.Fatalf("AggregatedStats: %v", err)
	}
	if len(statsB.PeerSummaries) != 1 || statsB.PeerSummaries[0].TotalEarned != 10.0 {
		t.Fatalf("expected b's view to include a's 10.0 summary after the reciprocal reply, got %+v", statsB.PeerSummaries)
	}
}

func TestPingAdmitsPeerWithValidProofOfWork(t *testing.T) {
	a := newTestHostWithPoW(t, 1)
	b := newTestHostWithPoW(t, 1)
	connect(t, a, b)
	b.SetSybilValidator(sybil.NewValidator(1, sybil.DefaultMaxPerSubnet))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := a.Ping(ctx, b.peerID); err != nil {
		t.Fatalf("Ping: %v", err)
	}
	found := false
	for _, id := range b.ConnectedPeers() {
		if id == a.peerID {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected a valid-pow peer to be admitted into b's directory")
	}
}

func TestPingRejectsPeerWithForgedNodeID(t *testing.T) {
	a := newTestHostWithPoW(t, 1)
	b := newTestHostWithPoW(t, 1)
	connect(t, a, b)
	b.SetSybilValidator(sybil.NewValidator(1, 3))

	a.peerID = "0000000000000000000000000000000000000000"

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := a.Ping(ctx, b.peerID); err != nil {
		t.Fatalf("Ping: %v", err)
	}
	for _, id := range b.ConnectedPeers() {
		if id == a.peerID {
			t.Fatalf("expected a peer with a forged node id to be rejected, not admitted")
		}
	}
}

func TestSearchPeerFailsForUnknownPeer(t *testing.T) {
	a := newTestHost(t)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if _, err := a.SearchPeer(ctx, "nonexistent-peer-id", router.SearchRequest{Query: "x"}); err == nil {
		t.Fatalf("expected an error dialing a peer with no known address")
	}
}
