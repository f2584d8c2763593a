package urlnorm

import (
	"database/sql"
	"fmt"
	"strconv"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"github.com/infomesh/node/pkg/hashcodec"
	"github.com/infomesh/node/pkg/simhash"
)

// DedupStore persists seen URLs and content hashes, and backs the
// in-memory SimHash near-duplicate index, per spec §3/§4.2. A single
// *sql.DB is opened in WAL mode so concurrent readers can coexist with the
// serialized writer this struct owns exclusively (spec §5).
type DedupStore struct {
	db          *sql.DB
	simhashIdx  *simhash.Index
	writeMu     sync.Mutex
	nearDupHits int // test/metrics hook
}

// OpenDedupStore opens (creating if necessary) the dedup database at path.
// An empty path or ":memory:" opens a private in-memory database, useful
// for tests.
func OpenDedupStore(path string) (*DedupStore, error) {
	if path == "" {
		path = ":memory:"
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("urlnorm: open dedup db: %w", err)
	}
	db.SetMaxOpenConns(1) // single-writer; WAL still allows concurrent readers on other handles
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("urlnorm: enable WAL: %w", err)
	}
	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS seen_urls (
		url_hash TEXT PRIMARY KEY,
		url TEXT NOT NULL,
		content_hash TEXT,
		simhash INTEGER,
		crawled_at REAL NOT NULL
	)`); err != nil {
		db.Close()
		return nil, fmt.Errorf("urlnorm: create seen_urls: %w", err)
	}
	if _, err := db.Exec(`CREATE INDEX IF NOT EXISTS idx_seen_urls_content_hash ON seen_urls(content_hash)`); err != nil {
		db.Close()
		return nil, fmt.Errorf("urlnorm: create content_hash index: %w", err)
	}
	store := &DedupStore{db: db, simhashIdx: simhash.NewIndex(simhash.MaxIndexEntries)}
	if err := store.rehydrateSimhashIndex(); err != nil {
		db.Close()
		return nil, err
	}
	return store, nil
}

// rehydrateSimhashIndex reloads the persisted simhash column into the
// in-memory index so a restarted node keeps near-duplicate detection
// working without re-crawling.
func (d *DedupStore) rehydrateSimhashIndex() error {
	rows, err := d.db.Query(`SELECT url_hash, simhash FROM seen_urls WHERE simhash IS NOT NULL`)
	if err != nil {
		return fmt.Errorf("urlnorm: rehydrate simhash index: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var urlHash string
		var signed int64
		if err := rows.Scan(&urlHash, &signed); err != nil {
			return fmt.Errorf("urlnorm: scan simhash row: %w", err)
		}
		d.simhashIdx.Add(stableDocID(urlHash), uint64(signed))
	}
	return rows.Err()
}

// Close releases the underlying database handle.
func (d *DedupStore) Close() error {
	return d.db.Close()
}

// stableDocID derives a stable 31-bit pseudo document id from the first 8
// hex characters of a URL hash, per spec §4.2 ("first 32 bits of the URL
// hash as the stable document identifier").
func stableDocID(urlHash string) int64 {
	if len(urlHash) < 8 {
		return 0
	}
	v, err := strconv.ParseUint(urlHash[:8], 16, 32)
	if err != nil {
		return 0
	}
	return int64(v & 0x7FFFFFFF)
}

func urlHashOf(rawURL string) (string, string, error) {
	normalized, err := Normalize(rawURL)
	if err != nil {
		return "", "", fmt.Errorf("urlnorm: normalize %q: %w", rawURL, err)
	}
	return hashcodec.ContentHashString(normalized), normalized, nil
}

// IsURLSeen reports whether url (after normalization) has already been
// recorded as seen.
func (d *DedupStore) IsURLSeen(rawURL string) (bool, error) {
	hash, _, err := urlHashOf(rawURL)
	if err != nil {
		return false, err
	}
	var exists int
	err = d.db.QueryRow(`SELECT 1 FROM seen_urls WHERE url_hash = ?`, hash).Scan(&exists)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("urlnorm: query seen url: %w", err)
	}
	return true, nil
}

// IsContentSeen reports whether textHash has already been recorded.
func (d *DedupStore) IsContentSeen(textHash string) (bool, error) {
	var exists int
	err := d.db.QueryRow(`SELECT 1 FROM seen_urls WHERE content_hash = ?`, textHash).Scan(&exists)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("urlnorm: query seen content: %w", err)
	}
	return true, nil
}

// IsNearDuplicate reports whether text's SimHash fingerprint is within
// threshold Hamming distance of any previously indexed document.
func (d *DedupStore) IsNearDuplicate(text string, threshold int) bool {
	if threshold <= 0 {
		threshold = simhash.DefaultHammingThreshold
	}
	fp := simhash.Fingerprint(text)
	matches := d.simhashIdx.FindNearDuplicates(fp, threshold)
	return len(matches) > 0
}

// MarkSeen records url (and optionally its content) as seen, using
// INSERT OR REPLACE semantics. When text is non-empty its SimHash
// fingerprint is stored and added to the in-memory index. Every call is
// written immediately (sqlite autocommits each Exec); there is no deferred
// mode, and Flush is only a checkpoint hook for callers that buffer writes.
func (d *DedupStore) MarkSeen(rawURL, textHash, text string) error {
	d.writeMu.Lock()
	defer d.writeMu.Unlock()

	hash, normalized, err := urlHashOf(rawURL)
	if err != nil {
		return err
	}
	var fp *uint64
	if text != "" {
		v := simhash.Fingerprint(text)
		fp = &v
	}
	var signed sql.NullInt64
	if fp != nil {
		signed = sql.NullInt64{Int64: int64(*fp), Valid: true}
	}
	_, err = d.db.Exec(`INSERT OR REPLACE INTO seen_urls
		(url_hash, url, content_hash, simhash, crawled_at) VALUES (?, ?, ?, ?, ?)`,
		hash, normalized, textHash, signed, float64(time.Now().UnixNano())/1e9)
	if err != nil {
		return fmt.Errorf("urlnorm: mark seen: %w", err)
	}
	if fp != nil {
		d.simhashIdx.Add(stableDocID(hash), *fp)
	}
	return nil
}

// Flush is a no-op placeholder for batch callers that buffer MarkSeen
// calls elsewhere and want an explicit durability checkpoint; sqlite
// autocommits each statement in this implementation.
func (d *DedupStore) Flush() error {
	return nil
}

// SimHashIndex exposes the in-memory near-duplicate index for inspection.
func (d *DedupStore) SimHashIndex() *simhash.Index {
	return d.simhashIdx
}
