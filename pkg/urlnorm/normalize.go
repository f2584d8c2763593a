// Package urlnorm canonicalizes URLs and provides the durable dedup store
// backing crawl-time URL/content/near-duplicate checks (spec §3, §4.2).
package urlnorm

import (
	"net/url"
	"sort"
	"strings"
)

// trackingParams is the fixed set of query parameters stripped during
// normalization, per spec §3.
var trackingParams = map[string]bool{
	"utm_source":   true,
	"utm_medium":   true,
	"utm_campaign": true,
	"utm_term":     true,
	"utm_content":  true,
	"fbclid":       true,
	"gclid":        true,
	"ref":          true,
	"source":       true,
	"mc_cid":       true,
	"mc_eid":       true,
}

// Normalize canonicalizes rawURL per spec §3: lowercase scheme/host,
// fragment stripped, tracking parameters removed, remaining query
// parameters sorted, trailing slash removed unless the path is "/".
// Normalize is idempotent: Normalize(Normalize(u)) == Normalize(u).
func Normalize(rawURL string) (string, error) {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return "", err
	}
	parsed.Scheme = strings.ToLower(parsed.Scheme)
	parsed.Host = strings.ToLower(parsed.Host)
	parsed.Fragment = ""
	parsed.RawFragment = ""

	query := parsed.Query()
	filtered := url.Values{}
	for k, v := range query {
		if trackingParams[strings.ToLower(k)] {
			continue
		}
		filtered[k] = v
	}
	keys := make([]string, 0, len(filtered))
	for k := range filtered {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var qb strings.Builder
	for _, k := range keys {
		vals := filtered[k]
		sort.Strings(vals)
		for _, v := range vals {
			if qb.Len() > 0 {
				qb.WriteByte('&')
			}
			qb.WriteString(url.QueryEscape(k))
			qb.WriteByte('=')
			qb.WriteString(url.QueryEscape(v))
		}
	}
	parsed.RawQuery = qb.String()

	path := parsed.Path
	if path != "/" && strings.HasSuffix(path, "/") {
		path = strings.TrimRight(path, "/")
	}
	if path == "" {
		path = "/"
	}
	parsed.Path = path

	return parsed.String(), nil
}
