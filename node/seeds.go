package node

// Categories names the recognized crawl.seed_category labels and a short
// human-readable description, grounded on the original implementation's
// bundled seed packs. Unlike the original, the seed URLs themselves are
// not bundled files — they come from crawl.seed_urls in configuration,
// since this node has no package-data installation step to ship them
// through.
var Categories = map[string]string{
	"tech-docs":       "Technology documentation",
	"academic":        "Academic paper sources",
	"encyclopedia":    "Encyclopedia sources",
	"quickstart":      "Lightweight seed pack for instant start",
	"search-strategy": "Search strategy and optimization seeds",
}

// SeedList is the configured set of seed URLs a crawl loop starts (and
// re-seeds) from.
type SeedList struct {
	Category string
	URLs     []string
}

func seedsFromConfig(category string, urls []string) SeedList {
	if category == "" {
		category = "tech-docs"
	}
	return SeedList{Category: category, URLs: urls}
}
