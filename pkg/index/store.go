// Package index implements the node-local full-text index: an SQLite
// FTS5 table with BM25 ranking, optional zstd-compressed text storage,
// and a portable snapshot export/import format, per spec §4.7.
package index

import (
	"database/sql"
	"fmt"
	"math"
	"strings"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"github.com/infomesh/node/pkg/hashcodec"
	"github.com/infomesh/node/pkg/recrawl"
)

// allowedTokenizers is the fixed whitelist an FTS5 tokenizer name is
// checked against before being interpolated into DDL. Nothing else
// reaches the CREATE VIRTUAL TABLE statement.
var allowedTokenizers = map[string]bool{
	"unicode61": true,
	"ascii":     true,
	"porter":    true,
	"trigram":   true,
}

// DefaultTokenizer matches the reference index's default.
const DefaultTokenizer = "porter unicode61"

// SearchResultLimit bounds the number of rows a single Search call may
// return, per spec §4.7.
const SearchResultLimit = 1000

// CompressionThresholdBytes is the text length above which AddDocument
// also stores a zstd-compressed copy in compressed_text; the plain text
// column is written in either case.
const CompressionThresholdBytes = 2048

// DefaultRecrawlInterval seeds new documents' recrawl_interval column,
// matching the reference schema's default (7 days, in seconds).
const DefaultRecrawlInterval = int64(7 * 24 * 60 * 60)

// Store is a single-writer, multi-reader SQLite FTS5 local index.
type Store struct {
	db        *sql.DB
	writeMu   sync.Mutex
	tokenizer string
}

// IndexedDocument is a full document row, with text decompressed if it
// was stored compressed.
type IndexedDocument struct {
	DocID           int64
	URL             string
	Title           string
	Text            string
	Language        string
	RawHTMLHash     string
	TextHash        string
	CrawledAt       time.Time
	ETag            string
	LastModified    string
	RecrawlInterval time.Duration
	StaleCount      int
	LastRecrawlAt   time.Time
	ChangeFrequency float64
}

// SearchResult is a single ranked hit, per spec §4.7.
type SearchResult struct {
	DocID     int64
	URL       string
	Title     string
	Snippet   string
	Score     float64
	Language  string
	CrawledAt time.Time
}

// Stats summarizes index size.
type Stats struct {
	DocumentCount int64
}

// ExportedDocument is the row shape written into a snapshot's document
// array, per spec §4.7.
type ExportedDocument struct {
	URL         string  `msgpack:"url"`
	Title       string  `msgpack:"title"`
	Text        string  `msgpack:"text"`
	Language    string  `msgpack:"language"`
	RawHTMLHash string  `msgpack:"raw_html_hash"`
	TextHash    string  `msgpack:"text_hash"`
	CrawledAt   float64 `msgpack:"crawled_at"`
}

// Options configures Open.
type Options struct {
	// Tokenizer is the FTS5 tokenizer spec, e.g. "porter unicode61" or
	// "trigram". Only the bareword token prefix is checked against
	// allowedTokenizers; everything after the first word is passed
	// through (FTS5 tokenizer arguments, e.g. "unicode61 remove_diacritics 2").
	Tokenizer string
}

// Open opens (creating if necessary) the local index database at path.
// An empty path or ":memory:" opens a private in-memory database.
func Open(path string, opts Options) (*Store, error) {
	if path == "" {
		path = ":memory:"
	}
	tokenizer := opts.Tokenizer
	if tokenizer == "" {
		tokenizer = DefaultTokenizer
	}
	tokenizerName := strings.Fields(tokenizer)
	if len(tokenizerName) == 0 || !allowedTokenizers[tokenizerName[0]] {
		return nil, fmt.Errorf("index: tokenizer %q is not in the allowed list", tokenizer)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("index: open db: %w", err)
	}
	db.SetMaxOpenConns(1)
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("index: enable WAL: %w", err)
	}

	s := &Store{db: db, tokenizer: tokenizer}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) migrate() error {
	if _, err := s.db.Exec(`CREATE TABLE IF NOT EXISTS documents (
		doc_id INTEGER PRIMARY KEY AUTOINCREMENT,
		url TEXT UNIQUE NOT NULL,
		title TEXT NOT NULL DEFAULT '',
		text TEXT NOT NULL,
		compressed_text BLOB,
		language TEXT,
		raw_html_hash TEXT NOT NULL,
		text_hash TEXT UNIQUE NOT NULL,
		crawled_at REAL NOT NULL
	)`); err != nil {
		return fmt.Errorf("index: create documents: %w", err)
	}

	if err := s.addMissingColumns(); err != nil {
		return err
	}

	if _, err := s.db.Exec(fmt.Sprintf(
		`CREATE VIRTUAL TABLE IF NOT EXISTS documents_fts USING fts5(
			title, text, content='documents', content_rowid='doc_id', tokenize='%s'
		)`, s.tokenizer)); err != nil {
		return fmt.Errorf("index: create documents_fts: %w", err)
	}

	triggers := []string{
		`CREATE TRIGGER IF NOT EXISTS documents_ai AFTER INSERT ON documents BEGIN
			INSERT INTO documents_fts(rowid, title, text) VALUES (new.doc_id, new.title, new.text);
		END`,
		`CREATE TRIGGER IF NOT EXISTS documents_ad AFTER DELETE ON documents BEGIN
			INSERT INTO documents_fts(documents_fts, rowid, title, text) VALUES ('delete', old.doc_id, old.title, old.text);
		END`,
		`CREATE TRIGGER IF NOT EXISTS documents_au AFTER UPDATE ON documents BEGIN
			INSERT INTO documents_fts(documents_fts, rowid, title, text) VALUES ('delete', old.doc_id, old.title, old.text);
			INSERT INTO documents_fts(rowid, title, text) VALUES (new.doc_id, new.title, new.text);
		END`,
	}
	for _, ddl := range triggers {
		if _, err := s.db.Exec(ddl); err != nil {
			return fmt.Errorf("index: create trigger: %w", err)
		}
	}

	if _, err := s.db.Exec(`CREATE INDEX IF NOT EXISTS idx_documents_stale ON documents(stale_count, last_recrawl_at)`); err != nil {
		return fmt.Errorf("index: create stale index: %w", err)
	}
	return nil
}

// addMissingColumns applies the recrawl-metadata migration additively,
// matching the reference store's PRAGMA table_info probe-then-ALTER
// pattern so existing databases upgrade in place.
func (s *Store) addMissingColumns() error {
	existing := map[string]bool{}
	rows, err := s.db.Query(`PRAGMA table_info(documents)`)
	if err != nil {
		return fmt.Errorf("index: introspect documents: %w", err)
	}
	for rows.Next() {
		var cid int
		var name, colType string
		var notNull, pk int
		var dflt sql.NullString
		if err := rows.Scan(&cid, &name, &colType, &notNull, &dflt, &pk); err != nil {
			rows.Close()
			return fmt.Errorf("index: scan table_info: %w", err)
		}
		existing[name] = true
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return fmt.Errorf("index: table_info: %w", err)
	}

	migrations := []struct {
		column string
		ddl    string
	}{
		{"etag", `ALTER TABLE documents ADD COLUMN etag TEXT`},
		{"last_modified", `ALTER TABLE documents ADD COLUMN last_modified TEXT`},
		{"recrawl_interval", fmt.Sprintf(`ALTER TABLE documents ADD COLUMN recrawl_interval INTEGER DEFAULT %d`, DefaultRecrawlInterval)},
		{"stale_count", `ALTER TABLE documents ADD COLUMN stale_count INTEGER DEFAULT 0`},
		{"last_recrawl_at", `ALTER TABLE documents ADD COLUMN last_recrawl_at REAL`},
		{"change_frequency", `ALTER TABLE documents ADD COLUMN change_frequency REAL DEFAULT 0.0`},
	}
	for _, m := range migrations {
		if existing[m.column] {
			continue
		}
		if _, err := s.db.Exec(m.ddl); err != nil {
			return fmt.Errorf("index: migrate column %s: %w", m.column, err)
		}
	}
	return nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// AddDocument inserts a new document, compressing text on disk when it
// exceeds CompressionThresholdBytes. Returns (0, nil) on a duplicate
// url/text_hash, matching the reference store's "integrity error means
// skip" import semantics.
func (s *Store) AddDocument(url, title, text, language, rawHTMLHash, textHash string) (int64, error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	var compressed []byte
	storedText := text
	if len(text) > CompressionThresholdBytes {
		var err error
		compressed, err = hashcodec.ZstdCompress([]byte(text), 0)
		if err != nil {
			return 0, fmt.Errorf("index: compress text: %w", err)
		}
	}

	var langVal sql.NullString
	if language != "" {
		langVal = sql.NullString{String: language, Valid: true}
	}
	var compressedVal any
	if compressed != nil {
		compressedVal = compressed
	}

	res, err := s.db.Exec(`INSERT INTO documents
		(url, title, text, compressed_text, language, raw_html_hash, text_hash, crawled_at, recrawl_interval)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		url, title, storedText, compressedVal, langVal, rawHTMLHash, textHash,
		float64(time.Now().UnixNano())/1e9, DefaultRecrawlInterval)
	if err != nil {
		if isUniqueConstraintErr(err) {
			return 0, nil
		}
		return 0, fmt.Errorf("index: insert document: %w", err)
	}
	return res.LastInsertId()
}

func isUniqueConstraintErr(err error) bool {
	return strings.Contains(err.Error(), "UNIQUE constraint") || strings.Contains(err.Error(), "constraint failed")
}

// Search runs a BM25-ranked full-text query. A non-positive limit
// becomes 10 and a limit above SearchResultLimit is capped to it.
// Malformed FTS5 query syntax returns an empty
// result set rather than an error, matching the reference store.
func (s *Store) Search(query string, limit int) ([]SearchResult, error) {
	if limit <= 0 {
		limit = 10
	}
	if limit > SearchResultLimit {
		limit = SearchResultLimit
	}

	rows, err := s.db.Query(`SELECT d.doc_id, d.url, d.title,
			snippet(documents_fts, 1, '<b>', '</b>', '...', 40) AS snippet,
			bm25(documents_fts) AS score, d.language, d.crawled_at
		FROM documents_fts
		JOIN documents d ON d.doc_id = documents_fts.rowid
		WHERE documents_fts MATCH ?
		ORDER BY bm25(documents_fts)
		LIMIT ?`, query, limit)
	if err != nil {
		return []SearchResult{}, nil
	}
	defer rows.Close()

	var results []SearchResult
	for rows.Next() {
		var r SearchResult
		var language sql.NullString
		var crawledAt float64
		if err := rows.Scan(&r.DocID, &r.URL, &r.Title, &r.Snippet, &r.Score, &language, &crawledAt); err != nil {
			return nil, fmt.Errorf("index: scan search row: %w", err)
		}
		r.Score = math.Abs(r.Score)
		r.Language = language.String
		r.CrawledAt = time.Unix(0, int64(crawledAt*1e9))
		results = append(results, r)
	}
	if err := rows.Err(); err != nil {
		return []SearchResult{}, nil
	}
	return results, nil
}

const documentColumns = `doc_id, url, title, text, compressed_text, language, raw_html_hash, text_hash,
	crawled_at, etag, last_modified, recrawl_interval, stale_count, last_recrawl_at, change_frequency`

func (s *Store) scanDocument(row *sql.Row) (*IndexedDocument, error) {
	var doc IndexedDocument
	var compressed []byte
	var language, etag, lastModified sql.NullString
	var crawledAt float64
	var recrawlSeconds int64
	var lastRecrawlAt sql.NullFloat64

	err := row.Scan(&doc.DocID, &doc.URL, &doc.Title, &doc.Text, &compressed, &language,
		&doc.RawHTMLHash, &doc.TextHash, &crawledAt, &etag, &lastModified,
		&recrawlSeconds, &doc.StaleCount, &lastRecrawlAt, &doc.ChangeFrequency)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("index: scan document: %w", err)
	}

	if compressed != nil {
		text, err := hashcodec.ZstdDecompress(compressed)
		if err != nil {
			return nil, fmt.Errorf("index: decompress text: %w", err)
		}
		doc.Text = string(text)
	}
	doc.Language = language.String
	doc.ETag = etag.String
	doc.LastModified = lastModified.String
	doc.CrawledAt = time.Unix(0, int64(crawledAt*1e9))
	doc.RecrawlInterval = time.Duration(recrawlSeconds) * time.Second
	if lastRecrawlAt.Valid {
		doc.LastRecrawlAt = time.Unix(0, int64(lastRecrawlAt.Float64*1e9))
	}
	return &doc, nil
}

// GetDocument fetches a document by id, or (nil, nil) if absent.
func (s *Store) GetDocument(docID int64) (*IndexedDocument, error) {
	row := s.db.QueryRow(`SELECT `+documentColumns+` FROM documents WHERE doc_id = ?`, docID)
	return s.scanDocument(row)
}

// GetDocumentByURL fetches a document by its crawled URL, or (nil, nil)
// if absent.
func (s *Store) GetDocumentByURL(url string) (*IndexedDocument, error) {
	row := s.db.QueryRow(`SELECT `+documentColumns+` FROM documents WHERE url = ?`, url)
	return s.scanDocument(row)
}

// Stats reports index-wide counters.
func (s *Store) Stats() (Stats, error) {
	var count int64
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM documents`).Scan(&count); err != nil {
		return Stats{}, fmt.Errorf("index: count documents: %w", err)
	}
	return Stats{DocumentCount: count}, nil
}

// Optimize merges the FTS5 index's b-tree segments, per the fts5
// "optimize" special command. It should be run periodically on a
// heavily-written index to keep query latency from degrading as the
// segment count grows.
func (s *Store) Optimize() error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if _, err := s.db.Exec(`INSERT INTO documents_fts(documents_fts) VALUES('optimize')`); err != nil {
		return fmt.Errorf("index: optimize: %w", err)
	}
	return nil
}

// ExportDocuments returns every document ordered by doc_id, for
// snapshot export.
func (s *Store) ExportDocuments() ([]ExportedDocument, error) {
	rows, err := s.db.Query(`SELECT doc_id, url, title, text, compressed_text, language, raw_html_hash, text_hash, crawled_at
		FROM documents ORDER BY doc_id ASC`)
	if err != nil {
		return nil, fmt.Errorf("index: export documents: %w", err)
	}
	defer rows.Close()

	var out []ExportedDocument
	for rows.Next() {
		var docID int64
		var compressed []byte
		var language sql.NullString
		var ed ExportedDocument
		if err := rows.Scan(&docID, &ed.URL, &ed.Title, &ed.Text, &compressed, &language, &ed.RawHTMLHash, &ed.TextHash, &ed.CrawledAt); err != nil {
			return nil, fmt.Errorf("index: scan export row: %w", err)
		}
		if compressed != nil {
			text, err := hashcodec.ZstdDecompress(compressed)
			if err != nil {
				return nil, fmt.Errorf("index: decompress export text: %w", err)
			}
			ed.Text = string(text)
		}
		ed.Language = language.String
		out = append(out, ed)
	}
	return out, rows.Err()
}

// UpdateFields carries optional partial updates for UpdateDocument; a
// nil pointer leaves the corresponding column untouched.
type UpdateFields struct {
	Title           *string
	Text            *string
	ETag            *string
	LastModified    *string
	RecrawlInterval *time.Duration
	StaleCount      *int
	LastRecrawlAt   *time.Time
	ChangeFrequency *float64
}

// UpdateDocument applies a partial update to the document identified by
// url. FTS5 sync triggers re-index automatically when title/text change.
func (s *Store) UpdateDocument(url string, fields UpdateFields) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	var sets []string
	var args []any

	if fields.Title != nil {
		sets = append(sets, "title = ?")
		args = append(args, *fields.Title)
	}
	if fields.Text != nil {
		sets = append(sets, "text = ?", "compressed_text = NULL")
		args = append(args, *fields.Text)
	}
	if fields.ETag != nil {
		sets = append(sets, "etag = ?")
		args = append(args, *fields.ETag)
	}
	if fields.LastModified != nil {
		sets = append(sets, "last_modified = ?")
		args = append(args, *fields.LastModified)
	}
	if fields.RecrawlInterval != nil {
		sets = append(sets, "recrawl_interval = ?")
		args = append(args, int64(fields.RecrawlInterval.Seconds()))
	}
	if fields.StaleCount != nil {
		sets = append(sets, "stale_count = ?")
		args = append(args, *fields.StaleCount)
	}
	if fields.LastRecrawlAt != nil {
		sets = append(sets, "last_recrawl_at = ?")
		args = append(args, float64(fields.LastRecrawlAt.UnixNano())/1e9)
	}
	if fields.ChangeFrequency != nil {
		sets = append(sets, "change_frequency = ?")
		args = append(args, *fields.ChangeFrequency)
	}
	if len(sets) == 0 {
		return nil
	}

	args = append(args, url)
	query := fmt.Sprintf("UPDATE documents SET %s WHERE url = ?", strings.Join(sets, ", "))
	if _, err := s.db.Exec(query, args...); err != nil {
		return fmt.Errorf("index: update document: %w", err)
	}
	return nil
}

// SoftDelete removes a document from the index, per spec §4.6's
// stale-count threshold trigger. The reference store performs a hard
// delete rather than a tombstone flag; this mirrors that behavior — the
// FTS5 delete trigger keeps the search index consistent.
func (s *Store) SoftDelete(url string) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	if _, err := s.db.Exec(`DELETE FROM documents WHERE url = ?`, url); err != nil {
		return fmt.Errorf("index: soft delete: %w", err)
	}
	return nil
}

// GetRecrawlCandidates returns up to limit documents below the stale
// threshold, ordered by least-recently-recrawled first (nulls first),
// for feeding recrawl.SelectCandidates.
func (s *Store) GetRecrawlCandidates(limit int) ([]recrawl.Candidate, error) {
	if limit <= 0 {
		limit = 200
	}
	rows, err := s.db.Query(`SELECT doc_id, url, text_hash, etag, last_modified, recrawl_interval,
			stale_count, change_frequency, crawled_at, last_recrawl_at
		FROM documents
		WHERE stale_count < ?
		ORDER BY last_recrawl_at ASC NULLS FIRST
		LIMIT ?`, recrawl.StaleThreshold, limit)
	if err != nil {
		return nil, fmt.Errorf("index: recrawl candidates: %w", err)
	}
	defer rows.Close()

	var out []recrawl.Candidate
	for rows.Next() {
		var c recrawl.Candidate
		var etag, lastModified sql.NullString
		var recrawlSeconds int64
		var crawledAt float64
		var lastRecrawlAt sql.NullFloat64
		if err := rows.Scan(&c.DocID, &c.URL, &c.TextHash, &etag, &lastModified, &recrawlSeconds,
			&c.StaleCount, &c.ChangeFrequency, &crawledAt, &lastRecrawlAt); err != nil {
			return nil, fmt.Errorf("index: scan recrawl candidate: %w", err)
		}
		c.ETag = etag.String
		c.LastModified = lastModified.String
		c.RecrawlInterval = time.Duration(recrawlSeconds) * time.Second
		c.CrawledAt = time.Unix(0, int64(crawledAt*1e9))
		if lastRecrawlAt.Valid {
			c.LastRecrawlAt = time.Unix(0, int64(lastRecrawlAt.Float64*1e9))
		}
		out = append(out, c)
	}
	return out, rows.Err()
}
