// Package node wires the per-concern packages under pkg/ into a running
// InfoMesh instance, choosing which components to build from the node's
// configured role, per spec §4.18.
package node

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/infomesh/node/pkg/config"
	"github.com/infomesh/node/pkg/credit"
	"github.com/infomesh/node/pkg/creditsync"
	"github.com/infomesh/node/pkg/crawler"
	"github.com/infomesh/node/pkg/distindex"
	"github.com/infomesh/node/pkg/identity"
	"github.com/infomesh/node/pkg/index"
	"github.com/infomesh/node/pkg/linkgraph"
	"github.com/infomesh/node/pkg/replication"
	"github.com/infomesh/node/pkg/robots"
	"github.com/infomesh/node/pkg/router"
	"github.com/infomesh/node/pkg/scheduler"
	"github.com/infomesh/node/pkg/sybil"
	"github.com/infomesh/node/pkg/transport"
	"github.com/infomesh/node/pkg/urlnorm"
	"github.com/infomesh/node/pkg/vectoradapter"
)

// Node owns every locally-resident component a running InfoMesh instance
// needs, wired according to its configured role. P2P transport (DHT
// routing, peer search, replica delivery) is attached separately via
// AttachP2P once a libp2p host exists, mirroring services.py's split
// between AppContext construction and bootstrap_p2p.
type Node struct {
	Config  *config.Config
	DataDir string

	KeyPair *identity.KeyPair
	// NodeID is the proof-of-work-derived routing identifier (the first
	// 40 hex chars of the PoW hash, per spec §3), distinct from the raw
	// sha256(pubkey) identifier KeyPair.PeerID returns. Every DHT/routing
	// component is keyed by this, not by the bare key hash.
	NodeID string
	Store  *index.Store

	// powNonce proves NodeID derives from KeyPair's public key; handed to
	// the transport host so it can be included in outgoing ping handshakes.
	powNonce uint64

	// Crawler-role components (full, crawler).
	Dedup     *urlnorm.DedupStore
	Robots    *robots.Checker
	Scheduler *scheduler.Scheduler
	Worker    *crawler.Worker

	// Search-role components (full, search).
	LinkGraph *linkgraph.Graph
	Ledger    *credit.Ledger
	Vector    *vectoradapter.MemoryStore

	creditStore *creditsync.Store
	CreditSync  *creditsync.Manager

	// Wired by StartP2P/AttachP2P once a transport layer exists.
	Transport  *transport.Host
	DistIndex  *distindex.Index
	Router     *router.QueryRouter
	Replicator *replication.Replicator

	dhtRouting io.Closer

	Metrics *Metrics
}

// New builds a Node for cfg, opening every on-disk store its role
// requires. Callers must call Close when done.
func New(cfg *config.Config) (*Node, error) {
	dataDir := cfg.Node.DataDir
	if dataDir == "" {
		dataDir = ".infomesh"
	}
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, fmt.Errorf("node: create data dir %s: %w", dataDir, err)
	}

	keyPair, err := identity.EnsureKeys(dataDir)
	if err != nil {
		return nil, fmt.Errorf("node: load identity: %w", err)
	}

	difficulty := cfg.Network.PowDifficultyBits
	if difficulty <= 0 {
		difficulty = sybil.DefaultDifficultyBits
	}
	nodeID, powNonce, err := sybil.EnsureNodeID(filepath.Join(dataDir, "keys"), keyPair.PublicKeyBytes(), difficulty)
	if err != nil {
		return nil, fmt.Errorf("node: mine proof of work: %w", err)
	}

	store, err := index.Open(filepath.Join(dataDir, indexPath(cfg)), index.Options{Tokenizer: cfg.Index.FTSTokenizer})
	if err != nil {
		return nil, fmt.Errorf("node: open index: %w", err)
	}

	n := &Node{
		Config:  cfg,
		DataDir: dataDir,
		KeyPair:  keyPair,
		NodeID:   nodeID,
		powNonce: powNonce,
		Store:    store,
		Metrics:  NewMetrics(),
	}

	isCrawler := cfg.Node.Role == config.RoleFull || cfg.Node.Role == config.RoleCrawler
	isSearch := cfg.Node.Role == config.RoleFull || cfg.Node.Role == config.RoleSearch

	if isCrawler {
		if err := n.wireCrawler(cfg, dataDir); err != nil {
			n.Close()
			return nil, err
		}
	}
	if isSearch {
		if err := n.wireSearch(cfg, dataDir); err != nil {
			n.Close()
			return nil, err
		}
	}
	n.wireCreditSync(cfg)

	logrus.WithFields(logrus.Fields{
		"role":    cfg.Node.Role,
		"node_id": nodeID,
	}).Info("node: components wired")
	return n, nil
}

func indexPath(cfg *config.Config) string {
	if cfg.Index.DBPath == "" {
		return "index.db"
	}
	return cfg.Index.DBPath
}

func (n *Node) wireCrawler(cfg *config.Config, dataDir string) error {
	dedup, err := urlnorm.OpenDedupStore(filepath.Join(dataDir, "dedup.db"))
	if err != nil {
		return fmt.Errorf("node: open dedup store: %w", err)
	}
	n.Dedup = dedup

	checker, err := robots.NewChecker(cfg.Crawl.UserAgent, 0)
	if err != nil {
		return fmt.Errorf("node: create robots checker: %w", err)
	}
	n.Robots = checker

	sched := scheduler.New(scheduler.Options{
		PolitenessDelay:  secondsToDuration(cfg.Crawl.PolitenessDelay),
		URLsPerHour:      cfg.Crawl.URLsPerHour,
		PendingPerDomain: cfg.Crawl.PendingPerDomain,
		MaxDepth:         cfg.Crawl.MaxDepth,
	})
	n.Scheduler = sched

	n.Worker = crawler.NewWorker(crawler.Config{
		UserAgent:     cfg.Crawl.UserAgent,
		MaxDepth:      cfg.Crawl.MaxDepth,
		RespectRobots: cfg.Crawl.RespectRobots,
	}, sched, dedup, checker, nil)

	return nil
}

func (n *Node) wireSearch(cfg *config.Config, dataDir string) error {
	graph, err := linkgraph.Open(filepath.Join(dataDir, "links.db"))
	if err != nil {
		return fmt.Errorf("node: open link graph: %w", err)
	}
	n.LinkGraph = graph

	ledger, err := credit.Open(filepath.Join(dataDir, "credits.db"))
	if err != nil {
		return fmt.Errorf("node: open credit ledger: %w", err)
	}
	n.Ledger = ledger

	if cfg.Index.VectorSearch {
		n.Vector = vectoradapter.NewMemoryStore(cfg.Index.EmbeddingModel, "documents")
	}

	return nil
}

// wireCreditSync wires a creditsync.Manager only when a ledger exists
// (search role) and an owner email is configured, matching
// services.py's AppContext: credit_sync is None unless both a ledger
// and a resolved owner identity are present.
func (n *Node) wireCreditSync(cfg *config.Config) {
	if n.Ledger == nil || cfg.Node.OwnerEmail == "" {
		return
	}
	store, err := creditsync.OpenStore(filepath.Join(n.DataDir, "credit_sync.db"))
	if err != nil {
		logrus.WithError(err).Warn("node: open credit sync store failed, credit sync disabled")
		return
	}
	n.creditStore = store
	n.CreditSync = creditsync.NewManager(n.Ledger, store, cfg.Node.OwnerEmail, n.KeyPair, n.NodeID)
}

// AttachP2P wires the components that depend on a live transport layer:
// the distributed inverted index, query router, and replicator. It is
// a no-op to call with a nil argument for any component the caller has
// not built yet. StartP2P calls this itself; tests that supply fakes
// for these three components can call it directly instead.
func (n *Node) AttachP2P(distIndex *distindex.Index, rt *router.QueryRouter, repl *replication.Replicator) {
	n.DistIndex = distIndex
	n.Router = rt
	n.Replicator = repl
}

// Close releases every opened resource in reverse dependency order,
// collecting (rather than stopping at) the first error.
func (n *Node) Close() error {
	var errs []error
	closeIfErr := func(name string, fn func() error) {
		if fn == nil {
			return
		}
		if err := fn(); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", name, err))
		}
	}

	if n.dhtRouting != nil {
		closeIfErr("kademlia dht", n.dhtRouting.Close)
	}
	if n.Transport != nil {
		closeIfErr("p2p transport", n.Transport.Close)
	}
	if n.creditStore != nil {
		closeIfErr("credit sync store", n.creditStore.Close)
	}
	if n.Ledger != nil {
		closeIfErr("credit ledger", n.Ledger.Close)
	}
	if n.Vector != nil {
		closeIfErr("vector store", n.Vector.Close)
	}
	if n.LinkGraph != nil {
		closeIfErr("link graph", n.LinkGraph.Close)
	}
	if n.Scheduler != nil {
		closeIfErr("scheduler", n.Scheduler.Close)
	}
	if n.Dedup != nil {
		closeIfErr("dedup store", n.Dedup.Close)
	}
	if n.Store != nil {
		closeIfErr("index store", n.Store.Close)
	}

	if len(errs) == 0 {
		return nil
	}
	return fmt.Errorf("node: close: %v", errs)
}

func secondsToDuration(seconds float64) time.Duration {
	return time.Duration(seconds * float64(time.Second))
}
