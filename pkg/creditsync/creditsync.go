// Package creditsync discovers same-owner peers by a SHA-256 hash of the
// owner's normalized email and exchanges signed credit summaries with them, so a user
// running InfoMesh on multiple devices sees aggregated contribution
// stats across all of them, per spec §4.16.
package creditsync

import (
	"database/sql"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"github.com/sirupsen/logrus"

	"github.com/infomesh/node/pkg/credit"
	"github.com/infomesh/node/pkg/hashcodec"
	"github.com/infomesh/node/pkg/identity"
)

// SummaryTTL bounds how long a stored peer summary is trusted before
// it is purged as stale.
const SummaryTTL = 72 * time.Hour

// SyncInterval is how often the same owner's peers re-exchange
// summaries.
const SyncInterval = 5 * time.Minute

// MaxPeerSummaries caps how many peer summaries are retained per owner
// hash, bounding the damage a flood of forged announces can do.
const MaxPeerSummaries = 20

// FutureClockTolerance bounds how far ahead of "now" a peer summary's
// timestamp may be before it is rejected as clock-skewed or forged.
const FutureClockTolerance = 5 * time.Minute

// Summary is a signed, privacy-preserving snapshot of one node's credit
// totals, exchanged between nodes that share the same owner identity.
type Summary struct {
	PeerID            string
	OwnerEmailHash    string
	TotalEarned       float64
	TotalSpent        float64
	ContributionScore float64
	EntryCount        int64
	Tier              credit.Tier
	Timestamp         float64
	Signature         string // hex Ed25519 signature, empty if unsigned
}

// AggregatedStats merges the local ledger's stats with every
// unexpired peer summary for the same owner.
type AggregatedStats struct {
	TotalEarned       float64
	TotalSpent        float64
	Balance           float64
	ContributionScore float64
	NodeCount         int
	PeerSummaries     []Summary
}

// summaryCanonical is the fixed-order byte string a Summary's signature
// is computed over.
func summaryCanonical(peerID, ownerEmailHash string, totalEarned, totalSpent, contributionScore, timestamp float64) []byte {
	s := fmt.Sprintf("%s|%s|%s|%s|%s|%s",
		peerID, ownerEmailHash,
		strconv.FormatFloat(totalEarned, 'f', -1, 64),
		strconv.FormatFloat(totalSpent, 'f', -1, 64),
		strconv.FormatFloat(contributionScore, 'f', -1, 64),
		strconv.FormatFloat(timestamp, 'f', -1, 64),
	)
	return []byte(s)
}

// Announce is the wire payload for MsgCreditSyncAnnounce (protocol
// /infomesh/credit-sync/1.0.0): a node broadcasting its owner identity
// hash to a newly-connected peer.
type Announce struct {
	PeerID         string `msgpack:"peer_id"`
	OwnerEmailHash string `msgpack:"owner_email_hash"`
	Timestamp      int64  `msgpack:"timestamp"`
}

// Exchange is the wire payload for MsgCreditSyncExchange: a signed
// credit summary sent to a confirmed same-owner peer.
type Exchange struct {
	PeerID            string  `msgpack:"peer_id"`
	OwnerEmailHash    string  `msgpack:"owner_email_hash"`
	TotalEarned       float64 `msgpack:"total_earned"`
	TotalSpent        float64 `msgpack:"total_spent"`
	ContributionScore float64 `msgpack:"contribution_score"`
	EntryCount        int64   `msgpack:"entry_count"`
	Tier              string  `msgpack:"tier"`
	Timestamp         int64   `msgpack:"timestamp"`
	Signature         string  `msgpack:"signature"`
}

// ToExchange flattens a Summary into its wire representation.
func (s Summary) ToExchange() Exchange {
	return Exchange{
		PeerID: s.PeerID, OwnerEmailHash: s.OwnerEmailHash, TotalEarned: s.TotalEarned,
		TotalSpent: s.TotalSpent, ContributionScore: s.ContributionScore, EntryCount: s.EntryCount,
		Tier: string(s.Tier), Timestamp: int64(s.Timestamp), Signature: s.Signature,
	}
}

// SummaryFromExchange reconstructs a Summary from its wire
// representation.
func SummaryFromExchange(e Exchange) Summary {
	return Summary{
		PeerID: e.PeerID, OwnerEmailHash: e.OwnerEmailHash, TotalEarned: e.TotalEarned,
		TotalSpent: e.TotalSpent, ContributionScore: e.ContributionScore, EntryCount: e.EntryCount,
		Tier: credit.Tier(e.Tier), Timestamp: float64(e.Timestamp), Signature: e.Signature,
	}
}

// Store is a SQLite-backed, single-writer table of peer credit
// summaries, keyed by peer ID so each peer contributes at most one row.
type Store struct {
	db      *sql.DB
	writeMu sync.Mutex
}

// OpenStore opens (creating if necessary) the peer-summary database at
// path. An empty path or ":memory:" opens a private in-memory database.
func OpenStore(path string) (*Store, error) {
	if path == "" {
		path = ":memory:"
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("creditsync: open db: %w", err)
	}
	db.SetMaxOpenConns(1)
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("creditsync: enable WAL: %w", err)
	}
	schema := []string{
		`CREATE TABLE IF NOT EXISTS peer_credit_summaries (
			peer_id TEXT PRIMARY KEY,
			owner_email_hash TEXT NOT NULL,
			total_earned REAL NOT NULL DEFAULT 0,
			total_spent REAL NOT NULL DEFAULT 0,
			contribution_score REAL NOT NULL DEFAULT 0,
			entry_count INTEGER NOT NULL DEFAULT 0,
			tier TEXT NOT NULL DEFAULT 'Tier 1',
			timestamp REAL NOT NULL DEFAULT 0,
			signature TEXT NOT NULL DEFAULT '',
			received_at REAL NOT NULL DEFAULT 0
		)`,
		`CREATE INDEX IF NOT EXISTS idx_pcs_owner ON peer_credit_summaries(owner_email_hash)`,
	}
	for _, ddl := range schema {
		if _, err := db.Exec(ddl); err != nil {
			db.Close()
			return nil, fmt.Errorf("creditsync: create schema: %w", err)
		}
	}
	return &Store{db: db}, nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// StoreSummary inserts or replaces summary, keyed by its peer ID.
func (s *Store) StoreSummary(summary Summary) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	now := float64(time.Now().UnixNano()) / 1e9
	_, err := s.db.Exec(`INSERT INTO peer_credit_summaries
		(peer_id, owner_email_hash, total_earned, total_spent, contribution_score,
		 entry_count, tier, timestamp, signature, received_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(peer_id) DO UPDATE SET
			owner_email_hash = excluded.owner_email_hash,
			total_earned = excluded.total_earned,
			total_spent = excluded.total_spent,
			contribution_score = excluded.contribution_score,
			entry_count = excluded.entry_count,
			tier = excluded.tier,
			timestamp = excluded.timestamp,
			signature = excluded.signature,
			received_at = excluded.received_at`,
		summary.PeerID, summary.OwnerEmailHash, summary.TotalEarned, summary.TotalSpent,
		summary.ContributionScore, summary.EntryCount, string(summary.Tier), summary.Timestamp,
		summary.Signature, now)
	if err != nil {
		return fmt.Errorf("creditsync: store summary: %w", err)
	}
	logrus.WithFields(logrus.Fields{"peer_id": truncate(summary.PeerID, 16), "earned": summary.TotalEarned}).Info("creditsync: peer summary stored")
	return nil
}

// PeerSummaries returns every non-stale summary for ownerEmailHash,
// newest first, capped at MaxPeerSummaries.
func (s *Store) PeerSummaries(ownerEmailHash string) ([]Summary, error) {
	cutoff := float64(time.Now().Add(-SummaryTTL).UnixNano()) / 1e9
	rows, err := s.db.Query(`SELECT peer_id, owner_email_hash, total_earned, total_spent,
		contribution_score, entry_count, tier, timestamp, signature
		FROM peer_credit_summaries WHERE owner_email_hash = ? AND timestamp > ?
		ORDER BY timestamp DESC LIMIT ?`, ownerEmailHash, cutoff, MaxPeerSummaries)
	if err != nil {
		return nil, fmt.Errorf("creditsync: query peer summaries: %w", err)
	}
	defer rows.Close()

	var out []Summary
	for rows.Next() {
		var sm Summary
		var tier string
		if err := rows.Scan(&sm.PeerID, &sm.OwnerEmailHash, &sm.TotalEarned, &sm.TotalSpent,
			&sm.ContributionScore, &sm.EntryCount, &tier, &sm.Timestamp, &sm.Signature); err != nil {
			return nil, fmt.Errorf("creditsync: scan peer summary: %w", err)
		}
		sm.Tier = credit.Tier(tier)
		out = append(out, sm)
	}
	return out, rows.Err()
}

// PurgeStale removes every summary older than SummaryTTL, returning how
// many rows were deleted.
func (s *Store) PurgeStale() (int64, error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	cutoff := float64(time.Now().Add(-SummaryTTL).UnixNano()) / 1e9
	res, err := s.db.Exec(`DELETE FROM peer_credit_summaries WHERE timestamp < ?`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("creditsync: purge stale: %w", err)
	}
	n, _ := res.RowsAffected()
	if n > 0 {
		logrus.WithField("count", n).Info("creditsync: stale summaries purged")
	}
	return n, nil
}

// PeerCount returns the number of non-stale summaries stored for
// ownerEmailHash.
func (s *Store) PeerCount(ownerEmailHash string) (int64, error) {
	cutoff := float64(time.Now().Add(-SummaryTTL).UnixNano()) / 1e9
	var n int64
	err := s.db.QueryRow(`SELECT COUNT(*) FROM peer_credit_summaries
		WHERE owner_email_hash = ? AND timestamp > ?`, ownerEmailHash, cutoff).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("creditsync: count peers: %w", err)
	}
	return n, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}

// Manager ties a local credit ledger, a peer-summary store, and the
// node's key pair together into a cross-device sync workflow.
type Manager struct {
	ledger      *credit.Ledger
	store       *Store
	keyPair     *identity.KeyPair
	localPeerID string
	ownerHash   string

	mu             sync.Mutex
	sameOwnerPeers map[string]time.Time
}

// NewManager constructs a Manager. ownerEmail is hashed immediately and
// never retained in plaintext; an empty ownerEmail disables identity
// matching (HasIdentity reports false, ReceiveSummary always rejects).
func NewManager(ledger *credit.Ledger, store *Store, ownerEmail string, keyPair *identity.KeyPair, localPeerID string) *Manager {
	var ownerHash string
	normalized := strings.TrimSpace(strings.ToLower(ownerEmail))
	if normalized != "" {
		ownerHash = hashcodec.ContentHashString(normalized)
	}
	return &Manager{
		ledger: ledger, store: store, keyPair: keyPair, localPeerID: localPeerID,
		ownerHash: ownerHash, sameOwnerPeers: make(map[string]time.Time),
	}
}

// OwnerEmailHash returns the SHA-256 hash of the owner's normalized
// email, the only identity this node exposes in credit-sync gossip.
func (m *Manager) OwnerEmailHash() string { return m.ownerHash }

// HasIdentity reports whether this manager has an owner email
// configured at all.
func (m *Manager) HasIdentity() bool { return m.ownerHash != "" }

// BuildSummary creates a signed CreditSummary of the local ledger's
// current stats.
func (m *Manager) BuildSummary() (Summary, error) {
	stats, err := m.ledger.Stats()
	if err != nil {
		return Summary{}, err
	}
	count, err := m.ledger.EntryCount()
	if err != nil {
		return Summary{}, err
	}
	now := float64(time.Now().UnixNano()) / 1e9

	canonical := summaryCanonical(m.localPeerID, m.ownerHash, stats.TotalEarned, stats.TotalSpent, stats.ContributionScore, now)
	signature := ""
	if m.keyPair != nil {
		signature = hex.EncodeToString(m.keyPair.Sign(canonical))
	}

	return Summary{
		PeerID: m.localPeerID, OwnerEmailHash: m.ownerHash,
		TotalEarned: stats.TotalEarned, TotalSpent: stats.TotalSpent,
		ContributionScore: stats.ContributionScore, EntryCount: count,
		Tier: stats.Tier, Timestamp: now, Signature: signature,
	}, nil
}

// ReceiveSummary validates and stores a peer's credit summary,
// rejecting owner-hash mismatches, self-summaries, future-dated
// summaries, and summaries past the per-owner storage cap.
func (m *Manager) ReceiveSummary(summary Summary) (bool, error) {
	if !m.HasIdentity() {
		return false, nil
	}
	if summary.OwnerEmailHash != m.ownerHash {
		logrus.WithFields(logrus.Fields{
			"local": truncate(m.ownerHash, 16), "remote": truncate(summary.OwnerEmailHash, 16),
		}).Debug("creditsync: owner mismatch")
		return false, nil
	}
	if summary.PeerID == m.localPeerID {
		return false, nil
	}
	if summary.Timestamp > float64(time.Now().Add(FutureClockTolerance).UnixNano())/1e9 {
		logrus.WithField("peer_id", truncate(summary.PeerID, 16)).Warn("creditsync: future-dated summary rejected")
		return false, nil
	}

	count, err := m.store.PeerCount(m.ownerHash)
	if err != nil {
		return false, err
	}
	if count >= MaxPeerSummaries {
		existing, err := m.store.PeerSummaries(m.ownerHash)
		if err != nil {
			return false, err
		}
		known := false
		for _, s := range existing {
			if s.PeerID == summary.PeerID {
				known = true
				break
			}
		}
		if !known {
			logrus.Warn("creditsync: max peer summaries reached")
			return false, nil
		}
	}

	if err := m.store.StoreSummary(summary); err != nil {
		return false, err
	}

	m.mu.Lock()
	m.sameOwnerPeers[summary.PeerID] = time.Now()
	m.mu.Unlock()
	return true, nil
}

// AggregatedStats merges the local ledger's stats with every
// unexpired same-owner peer summary.
func (m *Manager) AggregatedStats() (AggregatedStats, error) {
	local, err := m.ledger.Stats()
	if err != nil {
		return AggregatedStats{}, err
	}

	var peers []Summary
	if m.HasIdentity() {
		peers, err = m.store.PeerSummaries(m.ownerHash)
		if err != nil {
			return AggregatedStats{}, err
		}
	}

	earned, spent, score := local.TotalEarned, local.TotalSpent, local.ContributionScore
	for _, p := range peers {
		earned += p.TotalEarned
		spent += p.TotalSpent
		score += p.ContributionScore
	}
	return AggregatedStats{
		TotalEarned: earned, TotalSpent: spent, Balance: earned - spent,
		ContributionScore: score, NodeCount: 1 + len(peers), PeerSummaries: peers,
	}, nil
}

// NeedsSync reports whether a sync exchange with peerID is due.
func (m *Manager) NeedsSync(peerID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	last, ok := m.sameOwnerPeers[peerID]
	if !ok {
		return true
	}
	return time.Since(last) > SyncInterval
}

// RegisterSameOwnerPeer records peerID as sharing this node's owner
// hash, due for an immediate sync.
func (m *Manager) RegisterSameOwnerPeer(peerID string) {
	if peerID == m.localPeerID {
		return
	}
	m.mu.Lock()
	m.sameOwnerPeers[peerID] = time.Time{}
	m.mu.Unlock()
	logrus.WithField("peer_id", truncate(peerID, 16)).Info("creditsync: same-owner peer discovered")
}

// SameOwnerPeers returns the peer IDs currently known to share this
// node's owner hash.
func (m *Manager) SameOwnerPeers() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.sameOwnerPeers))
	for pid := range m.sameOwnerPeers {
		out = append(out, pid)
	}
	return out
}

// PurgeStale removes stale peer summaries from the store.
func (m *Manager) PurgeStale() (int64, error) {
	return m.store.PurgeStale()
}
