// Package credit maintains an append-only, individually signed credit
// ledger per node, with Merkle-root-backed sampled proofs a peer can use
// to challenge and verify another peer's claimed contribution, per spec
// §4.15.
package credit

import (
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"fmt"
	"strconv"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"github.com/sirupsen/logrus"

	"github.com/infomesh/node/pkg/identity"
)

// ActionType names a credit-earning (or -spending) action.
type ActionType string

// Recognized actions and their per-unit weights. Credits for an action
// are weight * quantity * multiplier.
const (
	ActionCrawl         ActionType = "crawl"
	ActionQueryProcess  ActionType = "query_process"
	ActionNetworkUptime ActionType = "network_uptime"
	ActionReplication   ActionType = "replication"
	ActionIndexSubmit   ActionType = "index_submit"
)

// ActionWeights gives the base credit weight per unit quantity of each
// action type.
var ActionWeights = map[ActionType]float64{
	ActionCrawl:         1.0,
	ActionQueryProcess:  0.5,
	ActionNetworkUptime: 0.2,
	ActionReplication:   0.3,
	ActionIndexSubmit:   0.4,
}

// DefaultMultiplier applies when RecordAction is not given one.
const DefaultMultiplier = 1.0

// Tier names a contribution-score band surfaced to the user.
type Tier string

const (
	Tier1 Tier = "Tier 1"
	Tier2 Tier = "Tier 2"
	Tier3 Tier = "Tier 3"
	Tier4 Tier = "Tier 4"
)

func tierForScore(score float64) Tier {
	switch {
	case score >= 1000:
		return Tier4
	case score >= 200:
		return Tier3
	case score >= 50:
		return Tier2
	default:
		return Tier1
	}
}

// Entry is one append-only row of the credit ledger.
type Entry struct {
	ID         int64
	Action     ActionType
	Quantity   float64
	Weight     float64
	Multiplier float64
	Credits    float64
	Timestamp  float64
	Note       string
	EntryHash  string
	Signature  string // hex Ed25519 signature, empty when unsigned
}

// Stats summarizes a ledger's cumulative totals.
type Stats struct {
	TotalEarned       float64
	TotalSpent        float64
	ContributionScore float64
	Tier              Tier
}

// canonicalEntry produces the fixed-order byte string an entry's hash
// and signature are computed over. The field order and formatting must
// never change: existing entry_hash/signature values depend on it.
func canonicalEntry(action ActionType, quantity, weight, multiplier, credits, timestamp float64, note string) []byte {
	s := fmt.Sprintf("%s|%s|%s|%s|%s|%s|%s",
		string(action),
		strconv.FormatFloat(quantity, 'f', -1, 64),
		strconv.FormatFloat(weight, 'f', -1, 64),
		strconv.FormatFloat(multiplier, 'f', -1, 64),
		strconv.FormatFloat(credits, 'f', -1, 64),
		strconv.FormatFloat(timestamp, 'f', -1, 64),
		note,
	)
	return []byte(s)
}

func entryHashHex(canonical []byte) string {
	sum := sha256.Sum256(canonical)
	return hex.EncodeToString(sum[:])
}

// Ledger is a single-writer, SQLite-backed append-only credit ledger.
type Ledger struct {
	db      *sql.DB
	writeMu sync.Mutex
}

// Open opens (creating if necessary) the credit ledger database at
// path. An empty path or ":memory:" opens a private in-memory database.
func Open(path string) (*Ledger, error) {
	if path == "" {
		path = ":memory:"
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("credit: open db: %w", err)
	}
	db.SetMaxOpenConns(1)
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("credit: enable WAL: %w", err)
	}

	schema := `CREATE TABLE IF NOT EXISTS credit_entries (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		action TEXT NOT NULL,
		quantity REAL NOT NULL,
		weight REAL NOT NULL,
		multiplier REAL NOT NULL,
		credits REAL NOT NULL,
		timestamp REAL NOT NULL,
		note TEXT NOT NULL DEFAULT '',
		entry_hash TEXT NOT NULL DEFAULT '',
		signature TEXT NOT NULL DEFAULT ''
	)`
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("credit: create schema: %w", err)
	}
	// Idempotent migration path for ledgers created before entry_hash/
	// signature existed.
	for _, col := range []string{
		"ALTER TABLE credit_entries ADD COLUMN entry_hash TEXT NOT NULL DEFAULT ''",
		"ALTER TABLE credit_entries ADD COLUMN signature TEXT NOT NULL DEFAULT ''",
	} {
		db.Exec(col) // ignore "duplicate column" errors
	}

	return &Ledger{db: db}, nil
}

// Close releases the underlying database handle.
func (l *Ledger) Close() error {
	return l.db.Close()
}

// RecordAction appends a new entry for action with the given quantity
// and (optional) note, using multiplier 1.0. When keyPair is non-nil
// the entry's canonical bytes are signed with it. Returns the stored
// entry, including its computed hash and (if signed) signature.
func (l *Ledger) RecordAction(action ActionType, quantity float64, note string, keyPair *identity.KeyPair) (Entry, error) {
	return l.RecordActionWithMultiplier(action, quantity, DefaultMultiplier, note, keyPair)
}

// RecordActionWithMultiplier is RecordAction with an explicit multiplier
// (e.g. for time-of-day bonuses or penalty decay).
func (l *Ledger) RecordActionWithMultiplier(action ActionType, quantity, multiplier float64, note string, keyPair *identity.KeyPair) (Entry, error) {
	weight := ActionWeights[action]
	credits := weight * quantity * multiplier
	now := float64(time.Now().UnixNano()) / 1e9

	canonical := canonicalEntry(action, quantity, weight, multiplier, credits, now, note)
	hash := entryHashHex(canonical)

	signature := ""
	if keyPair != nil {
		signature = hex.EncodeToString(keyPair.Sign(canonical))
	}

	l.writeMu.Lock()
	defer l.writeMu.Unlock()

	res, err := l.db.Exec(`INSERT INTO credit_entries
		(action, quantity, weight, multiplier, credits, timestamp, note, entry_hash, signature)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		string(action), quantity, weight, multiplier, credits, now, note, hash, signature)
	if err != nil {
		return Entry{}, fmt.Errorf("credit: insert entry: %w", err)
	}
	id, _ := res.LastInsertId()

	logrus.WithFields(logrus.Fields{"action": action, "credits": credits, "signed": signature != ""}).Debug("credit: action recorded")
	return Entry{
		ID: id, Action: action, Quantity: quantity, Weight: weight, Multiplier: multiplier,
		Credits: credits, Timestamp: now, Note: note, EntryHash: hash, Signature: signature,
	}, nil
}

func scanEntries(rows *sql.Rows) ([]Entry, error) {
	defer rows.Close()
	var out []Entry
	for rows.Next() {
		var e Entry
		var action string
		if err := rows.Scan(&e.ID, &action, &e.Quantity, &e.Weight, &e.Multiplier, &e.Credits, &e.Timestamp, &e.Note, &e.EntryHash, &e.Signature); err != nil {
			return nil, fmt.Errorf("credit: scan entry: %w", err)
		}
		e.Action = ActionType(action)
		out = append(out, e)
	}
	return out, rows.Err()
}

// RecentEntries returns up to limit of the most recently recorded
// entries, newest first.
func (l *Ledger) RecentEntries(limit int) ([]Entry, error) {
	rows, err := l.db.Query(`SELECT id, action, quantity, weight, multiplier, credits, timestamp, note, entry_hash, signature
		FROM credit_entries ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("credit: query recent entries: %w", err)
	}
	return scanEntries(rows)
}

// SignedEntries returns every entry that carries a non-empty signature.
func (l *Ledger) SignedEntries() ([]Entry, error) {
	rows, err := l.db.Query(`SELECT id, action, quantity, weight, multiplier, credits, timestamp, note, entry_hash, signature
		FROM credit_entries WHERE signature != '' ORDER BY id ASC`)
	if err != nil {
		return nil, fmt.Errorf("credit: query signed entries: %w", err)
	}
	return scanEntries(rows)
}

// AllEntries returns every entry in insertion order.
func (l *Ledger) AllEntries() ([]Entry, error) {
	rows, err := l.db.Query(`SELECT id, action, quantity, weight, multiplier, credits, timestamp, note, entry_hash, signature
		FROM credit_entries ORDER BY id ASC`)
	if err != nil {
		return nil, fmt.Errorf("credit: query all entries: %w", err)
	}
	return scanEntries(rows)
}

// Stats computes the ledger's cumulative totals. Spends (negative
// credits, e.g. future redemption actions) are tracked separately from
// earnings so the balance is always earned-minus-spent.
func (l *Ledger) Stats() (Stats, error) {
	row := l.db.QueryRow(`SELECT
		COALESCE(SUM(CASE WHEN credits > 0 THEN credits ELSE 0 END), 0),
		COALESCE(SUM(CASE WHEN credits < 0 THEN -credits ELSE 0 END), 0)
		FROM credit_entries`)
	var earned, spent float64
	if err := row.Scan(&earned, &spent); err != nil {
		return Stats{}, fmt.Errorf("credit: compute stats: %w", err)
	}
	score := earned - spent
	return Stats{TotalEarned: earned, TotalSpent: spent, ContributionScore: score, Tier: tierForScore(score)}, nil
}

// ActionBreakdown sums credits earned per action type, for display and
// for the sampled-proof response.
func (l *Ledger) ActionBreakdown() (map[ActionType]float64, error) {
	rows, err := l.db.Query(`SELECT action, SUM(credits) FROM credit_entries GROUP BY action`)
	if err != nil {
		return nil, fmt.Errorf("credit: compute action breakdown: %w", err)
	}
	defer rows.Close()
	out := make(map[ActionType]float64)
	for rows.Next() {
		var action string
		var sum float64
		if err := rows.Scan(&action, &sum); err != nil {
			return nil, fmt.Errorf("credit: scan action breakdown: %w", err)
		}
		out[ActionType(action)] = sum
	}
	return out, rows.Err()
}

// EntryCount returns the total number of entries in the ledger.
func (l *Ledger) EntryCount() (int64, error) {
	var n int64
	if err := l.db.QueryRow(`SELECT COUNT(*) FROM credit_entries`).Scan(&n); err != nil {
		return 0, fmt.Errorf("credit: count entries: %w", err)
	}
	return n, nil
}
