// Package linkgraph stores directed (source → target) link edges
// discovered during crawling and computes per-domain authority scores
// via iterative PageRank-style propagation, per spec §4.9.
package linkgraph

import (
	"database/sql"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"github.com/sirupsen/logrus"
)

// Propagation tuning constants, per spec §4.9.
const (
	MaxIterations        = 20
	ConvergenceThreshold = 1e-6
	Damping              = 0.85
	SelfLinkWeight       = 0.10 // same-domain links contribute 10% weight
)

// Graph is a single-writer, SQLite-backed directed link graph.
type Graph struct {
	db      *sql.DB
	writeMu sync.Mutex
}

// Stats summarizes graph size.
type Stats struct {
	LinkCount   int64
	DomainCount int64
}

// Open opens (creating if necessary) the link graph database at path.
// An empty path or ":memory:" opens a private in-memory database.
func Open(path string) (*Graph, error) {
	if path == "" {
		path = ":memory:"
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("linkgraph: open db: %w", err)
	}
	db.SetMaxOpenConns(1)
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("linkgraph: enable WAL: %w", err)
	}

	schema := []string{
		`CREATE TABLE IF NOT EXISTS links (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			source_url TEXT NOT NULL,
			target_url TEXT NOT NULL,
			source_domain TEXT NOT NULL,
			target_domain TEXT NOT NULL,
			created_at REAL NOT NULL,
			UNIQUE(source_url, target_url)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_target_domain ON links(target_domain)`,
		`CREATE INDEX IF NOT EXISTS idx_source_domain ON links(source_domain)`,
		`CREATE TABLE IF NOT EXISTS domain_authority (
			domain TEXT PRIMARY KEY,
			score REAL NOT NULL DEFAULT 0.0,
			inbound_count INTEGER NOT NULL DEFAULT 0,
			outbound_count INTEGER NOT NULL DEFAULT 0,
			updated_at REAL NOT NULL
		)`,
	}
	for _, ddl := range schema {
		if _, err := db.Exec(ddl); err != nil {
			db.Close()
			return nil, fmt.Errorf("linkgraph: create schema: %w", err)
		}
	}
	return &Graph{db: db}, nil
}

// Close releases the underlying database handle.
func (g *Graph) Close() error {
	return g.db.Close()
}

func extractDomain(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return ""
	}
	return strings.ToLower(u.Host)
}

// AddLinks records edges from sourceURL to each of targetURLs,
// returning the number of rows newly inserted (duplicates, per the
// UNIQUE(source_url, target_url) constraint, are silently skipped).
func (g *Graph) AddLinks(sourceURL string, targetURLs []string) (int, error) {
	g.writeMu.Lock()
	defer g.writeMu.Unlock()

	sourceDomain := extractDomain(sourceURL)
	now := float64(time.Now().UnixNano()) / 1e9

	inserted := 0
	for _, target := range targetURLs {
		targetDomain := extractDomain(target)
		if targetDomain == "" {
			continue
		}
		res, err := g.db.Exec(`INSERT OR IGNORE INTO links
			(source_url, target_url, source_domain, target_domain, created_at)
			VALUES (?, ?, ?, ?, ?)`, sourceURL, target, sourceDomain, targetDomain, now)
		if err != nil {
			continue
		}
		if n, _ := res.RowsAffected(); n > 0 {
			inserted++
		}
	}

	if inserted > 0 {
		logrus.WithFields(logrus.Fields{"source": sourceURL, "targets": len(targetURLs), "inserted": inserted}).Debug("linkgraph: links stored")
	}
	return inserted, nil
}

type edge struct {
	target string
	weight float64
}

// ComputeDomainAuthority recomputes every domain's authority score from
// the current link graph via damped iterative propagation, persists the
// results, and returns the final {domain: score} map.
func (g *Graph) ComputeDomainAuthority() (map[string]float64, error) {
	g.writeMu.Lock()
	defer g.writeMu.Unlock()

	domainSet := map[string]bool{}
	rows, err := g.db.Query(`SELECT source_domain FROM links UNION SELECT target_domain FROM links`)
	if err != nil {
		return nil, fmt.Errorf("linkgraph: list domains: %w", err)
	}
	for rows.Next() {
		var d string
		if err := rows.Scan(&d); err != nil {
			rows.Close()
			return nil, fmt.Errorf("linkgraph: scan domain: %w", err)
		}
		domainSet[d] = true
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("linkgraph: list domains: %w", err)
	}

	n := len(domainSet)
	if n == 0 {
		return map[string]float64{}, nil
	}
	domains := make([]string, 0, n)
	for d := range domainSet {
		domains = append(domains, d)
	}

	outbound := map[string]int64{}
	outRows, err := g.db.Query(`SELECT source_domain, COUNT(DISTINCT target_domain) FROM links
		WHERE source_domain != target_domain GROUP BY source_domain`)
	if err != nil {
		return nil, fmt.Errorf("linkgraph: count outbound: %w", err)
	}
	for outRows.Next() {
		var d string
		var cnt int64
		if err := outRows.Scan(&d, &cnt); err != nil {
			outRows.Close()
			return nil, fmt.Errorf("linkgraph: scan outbound: %w", err)
		}
		outbound[d] = cnt
	}
	outRows.Close()

	edges := make(map[string][]edge, n)
	for _, d := range domains {
		edges[d] = nil
	}
	edgeRows, err := g.db.Query(`SELECT source_domain, target_domain, COUNT(*)
		FROM links GROUP BY source_domain, target_domain`)
	if err != nil {
		return nil, fmt.Errorf("linkgraph: list edges: %w", err)
	}
	for edgeRows.Next() {
		var src, tgt string
		var count int64
		if err := edgeRows.Scan(&src, &tgt, &count); err != nil {
			edgeRows.Close()
			return nil, fmt.Errorf("linkgraph: scan edge: %w", err)
		}
		weight := float64(count)
		if src == tgt {
			weight *= SelfLinkWeight
		}
		edges[src] = append(edges[src], edge{target: tgt, weight: weight})
	}
	edgeRows.Close()

	scores := make(map[string]float64, n)
	for _, d := range domains {
		scores[d] = 1.0 / float64(n)
	}

	for i := 0; i < MaxIterations; i++ {
		newScores := make(map[string]float64, n)
		base := (1.0 - Damping) / float64(n)
		for _, d := range domains {
			newScores[d] = base
		}
		for src, targets := range edges {
			var totalWeight float64
			for _, e := range targets {
				totalWeight += e.weight
			}
			if totalWeight == 0 {
				continue
			}
			for _, e := range targets {
				contribution := Damping * scores[src] * (e.weight / totalWeight)
				newScores[e.target] += contribution
			}
		}

		var diff float64
		for _, d := range domains {
			delta := newScores[d] - scores[d]
			if delta < 0 {
				delta = -delta
			}
			diff += delta
		}
		scores = newScores
		if diff < ConvergenceThreshold {
			logrus.WithFields(logrus.Fields{"iterations": i + 1, "diff": diff}).Debug("linkgraph: authority converged")
			break
		}
	}

	maxScore := 0.0
	for _, s := range scores {
		if s > maxScore {
			maxScore = s
		}
	}
	normalized := make(map[string]float64, n)
	for d, s := range scores {
		if maxScore > 0 {
			normalized[d] = s / maxScore
		} else {
			normalized[d] = s
		}
	}

	now := float64(time.Now().UnixNano()) / 1e9
	for domain, score := range normalized {
		var inCount int64
		if err := g.db.QueryRow(`SELECT COUNT(DISTINCT source_domain) FROM links
			WHERE target_domain = ? AND source_domain != ?`, domain, domain).Scan(&inCount); err != nil {
			return nil, fmt.Errorf("linkgraph: count inbound for %s: %w", domain, err)
		}
		if _, err := g.db.Exec(`INSERT OR REPLACE INTO domain_authority
			(domain, score, inbound_count, outbound_count, updated_at) VALUES (?, ?, ?, ?, ?)`,
			domain, roundTo6(score), inCount, outbound[domain], now); err != nil {
			return nil, fmt.Errorf("linkgraph: persist authority for %s: %w", domain, err)
		}
	}

	logrus.WithField("domains", len(normalized)).Info("linkgraph: domain authority computed")
	return normalized, nil
}

func roundTo6(v float64) float64 {
	return float64(int64(v*1e6+0.5)) / 1e6
}

// DomainAuthority returns the cached authority score for domain from the
// last ComputeDomainAuthority run, or 0 if unknown.
func (g *Graph) DomainAuthority(domain string) (float64, error) {
	var score float64
	err := g.db.QueryRow(`SELECT score FROM domain_authority WHERE domain = ?`, strings.ToLower(domain)).Scan(&score)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("linkgraph: query authority: %w", err)
	}
	return score, nil
}

// URLAuthority is a convenience wrapper extracting url's domain and
// looking up its authority score.
func (g *Graph) URLAuthority(rawURL string) (float64, error) {
	domain := extractDomain(rawURL)
	if domain == "" {
		return 0, nil
	}
	return g.DomainAuthority(domain)
}

// Stats reports link-graph-wide counters.
func (g *Graph) Stats() (Stats, error) {
	var s Stats
	if err := g.db.QueryRow(`SELECT COUNT(*) FROM links`).Scan(&s.LinkCount); err != nil {
		return Stats{}, fmt.Errorf("linkgraph: count links: %w", err)
	}
	if err := g.db.QueryRow(`SELECT COUNT(*) FROM domain_authority`).Scan(&s.DomainCount); err != nil {
		return Stats{}, fmt.Errorf("linkgraph: count domains: %w", err)
	}
	return s, nil
}
