package crawler

import (
	"net/url"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/infomesh/node/pkg/hashcodec"
)

// MinExtractedTextLen is the minimum text length for a successful
// extraction, per spec §3.
const MinExtractedTextLen = 50

// skipExtensions are binary/asset file extensions never worth crawling.
var skipExtensions = map[string]bool{
	".pdf": true, ".jpg": true, ".jpeg": true, ".png": true, ".gif": true,
	".svg": true, ".webp": true, ".mp3": true, ".mp4": true, ".avi": true,
	".mov": true, ".zip": true, ".tar": true, ".gz": true, ".exe": true,
	".dmg": true, ".iso": true, ".css": true, ".js": true, ".woff": true,
	".woff2": true,
}

var skippedSchemes = []string{"mailto:", "javascript:", "tel:", "data:"}

// removableTags strip non-content noise before text extraction, the Go
// equivalent of trafilatura's boilerplate removal.
var removableTags = []string{"script", "style", "noscript", "nav", "header", "footer", "aside", "form", "iframe"}

// ParsedPage is the result of extracting readable content from HTML.
type ParsedPage struct {
	URL         string
	Title       string
	Text        string
	Language    string
	RawHTMLHash string
	TextHash    string
}

// ExtractContent pulls title, main text, and language out of html. It
// returns (nil, false) when extraction yields fewer than
// MinExtractedTextLen characters.
func ExtractContent(html, pageURL, rawHash string) (*ParsedPage, bool) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return nil, false
	}

	for _, tag := range removableTags {
		doc.Find(tag).Remove()
	}

	title := strings.TrimSpace(doc.Find("title").First().Text())

	var sb strings.Builder
	doc.Find("body").Each(func(_ int, s *goquery.Selection) {
		text := strings.Join(strings.Fields(s.Text()), " ")
		sb.WriteString(text)
	})
	text := strings.TrimSpace(sb.String())
	if len(text) < MinExtractedTextLen {
		return nil, false
	}

	language := ""
	if lang, ok := doc.Find("html").First().Attr("lang"); ok && len(lang) >= 2 {
		language = strings.ToLower(lang[:2])
	}

	if rawHash == "" {
		rawHash = hashcodec.ContentHashString(html)
	}

	return &ParsedPage{
		URL:         pageURL,
		Title:       title,
		Text:        text,
		Language:    language,
		RawHTMLHash: rawHash,
		TextHash:    hashcodec.ContentHashString(text),
	}, true
}

// ExtractLinks returns deduplicated, absolute http(s) links discovered in
// html, resolved against baseURL, skipping non-crawlable schemes and
// binary file extensions, per spec §4.5.
func ExtractLinks(html, baseURL string) []string {
	base, err := url.Parse(baseURL)
	if err != nil {
		return nil
	}

	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return nil
	}

	seen := make(map[string]bool)
	var links []string

	doc.Find("a[href]").Each(func(_ int, s *goquery.Selection) {
		href, ok := s.Attr("href")
		if !ok {
			return
		}
		href = strings.TrimSpace(href)
		for _, scheme := range skippedSchemes {
			if strings.HasPrefix(strings.ToLower(href), scheme) {
				return
			}
		}

		ref, err := url.Parse(href)
		if err != nil {
			return
		}
		absolute := base.ResolveReference(ref)
		if absolute.Scheme != "http" && absolute.Scheme != "https" {
			return
		}

		pathLower := strings.ToLower(absolute.Path)
		for ext := range skipExtensions {
			if strings.HasSuffix(pathLower, ext) {
				return
			}
		}

		absolute.Fragment = ""
		absolute.RawFragment = ""
		clean := absolute.String()
		if !seen[clean] {
			seen[clean] = true
			links = append(links, clean)
		}
	})

	return links
}
