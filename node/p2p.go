package node

import (
	"context"
	"fmt"
	"time"

	libp2pdht "github.com/libp2p/go-libp2p-kad-dht"
	"github.com/sirupsen/logrus"

	"github.com/infomesh/node/pkg/crawler"
	"github.com/infomesh/node/pkg/credit"
	"github.com/infomesh/node/pkg/dht"
	"github.com/infomesh/node/pkg/discovery"
	"github.com/infomesh/node/pkg/distindex"
	"github.com/infomesh/node/pkg/replication"
	"github.com/infomesh/node/pkg/router"
	"github.com/infomesh/node/pkg/sybil"
	"github.com/infomesh/node/pkg/transport"
)

// CreditSyncInterval is how often a node re-exchanges credit summaries
// with its known same-owner peers. It is a fixed constant, not a
// configuration key.
const CreditSyncInterval = 300 * time.Second

// StartP2P brings up this node's libp2p host, Kademlia DHT, distributed
// inverted index, query router, and replicator, registering stream
// handlers for every role-appropriate protocol. It mirrors
// services.py's bootstrap_p2p step, run only once the rest of a node's
// components (built by New) already exist.
func (n *Node) StartP2P(ctx context.Context) error {
	host, err := transport.NewHost(n.KeyPair, n.NodeID, n.Config.Node.ListenAddress, n.Config.Node.ListenPort)
	if err != nil {
		return fmt.Errorf("node: start p2p transport: %w", err)
	}
	n.Transport = host
	host.SetBandwidthThrottle(sybil.NewBandwidthThrottle(n.Config.Network.UploadLimitMbps, n.Config.Network.DownloadLimitMbps))
	host.SetPowNonce(n.powNonce)

	difficulty := n.Config.Network.PowDifficultyBits
	if difficulty <= 0 {
		difficulty = sybil.DefaultDifficultyBits
	}
	maxPerSubnet := n.Config.Network.SubnetMaxPerBucket
	if maxPerSubnet <= 0 {
		maxPerSubnet = sybil.DefaultMaxPerSubnet
	}
	host.SetSybilValidator(sybil.NewValidator(difficulty, maxPerSubnet))

	ipfsDHT, err := libp2pdht.New(ctx, host.LibP2PHost())
	if err != nil {
		host.Close()
		return fmt.Errorf("node: start kademlia dht: %w", err)
	}
	n.dhtRouting = ipfsDHT

	dhtNode := dht.New(ipfsDHT, n.NodeID)
	distIndex := distindex.New(dhtNode, n.NodeID)
	rt := router.NewQueryRouter(dhtNode, host, n.NodeID)
	repl := replication.New(host, host, n.NodeID)
	n.AttachP2P(distIndex, rt, repl)

	host.SetIndexSubmitPeers(n.Config.Network.IndexSubmitPeers)
	n.registerHandlers(host, rt)
	host.DialBootstrap(ctx, n.Config.Network.BootstrapNodes)

	if n.CreditSync != nil {
		host.AnnounceCreditSync(ctx)
		go n.runCreditSyncLoop(ctx, host)
	}

	logrus.WithFields(logrus.Fields{
		"libp2p_peer_id": host.LibP2PHost().ID().String(),
		"addrs":          host.LocalMultiaddrs(),
	}).Info("node: p2p transport started")
	return nil
}

// runCreditSyncLoop periodically re-exchanges credit summaries with
// known same-owner peers until ctx is cancelled, mirroring
// services.py's bootstrap loop's _run_credit_sync_round cadence.
func (n *Node) runCreditSyncLoop(ctx context.Context, host *transport.Host) {
	ticker := time.NewTicker(CreditSyncInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			host.RunCreditSyncRound(ctx)
		}
	}
}

// registerHandlers wires every inbound stream protocol this node
// answers to the corresponding local operation: search fans into the
// query router's local-search path, index-submit into the standard
// index_document path (validated against network.peer_acl), replicate
// into the document store, and pex into a rate-limited peer exchange.
func (n *Node) registerHandlers(host *transport.Host, rt *router.QueryRouter) {
	host.SetSearchHandler(func(ctx context.Context, req router.SearchRequest) router.SearchResponse {
		return rt.HandleSearchRequest(ctx, req, n.LocalSearch)
	})

	host.SetIndexSubmitHandler(func(peerID string, page *crawler.ParsedPage, discoveredLinks []string) error {
		_, err := n.ReceiveSubmittedPage(SubmittedPage{
			Page:            page,
			DiscoveredLinks: discoveredLinks,
			PeerID:          peerID,
		}, nil)
		return err
	})

	host.SetReplicateHandler(func(ctx context.Context, req replication.Request) bool {
		if n.Store == nil {
			return false
		}
		docID, err := n.Store.AddDocument(req.URL, req.Title, req.Text, req.Language, "", req.TextHash)
		return err == nil && docID != 0
	})

	pex := discovery.NewPeerExchange(n.NodeID)
	host.SetPexHandler(func(req discovery.PexRequest) discovery.PexResponse {
		if !pex.CheckRateLimit(req.PeerID) {
			return discovery.PexResponse{}
		}
		return discovery.PexResponse{Peers: pex.BuildResponse(host.ConnectedPeerInfos(), req.MaxPeers)}
	})

	if n.Ledger != nil {
		proofs := credit.NewProofBuilder(n.Ledger, n.KeyPair)
		host.SetCreditProofHandler(func(req credit.ProofRequest) credit.ProofResponse {
			proof, err := proofs.BuildProof(req.SampleSize, req.RequestID)
			if err != nil {
				logrus.WithError(err).Debug("node: credit proof build failed")
				return credit.ProofResponse{RequestID: req.RequestID}
			}
			return proof.ToWire()
		})
	}
	if n.CreditSync != nil {
		host.SetCreditSyncManager(n.CreditSync)
	}
}
