package feed

import (
	"net/url"
	"strings"

	"github.com/PuerkitoBio/goquery"
)

// TorrentLinks extracts magnet and .torrent anchors from an HTML fragment in
// document order. Relative hrefs resolve against base when it parses.
func TorrentLinks(html, base string) []string {
	if strings.TrimSpace(html) == "" {
		return nil
	}
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return nil
	}

	var baseURL *url.URL
	if parsed, err := url.Parse(strings.TrimSpace(base)); err == nil && parsed.IsAbs() {
		baseURL = parsed
	}

	var links []string
	seen := make(map[string]bool)
	doc.Find("a[href]").Each(func(_ int, s *goquery.Selection) {
		href, ok := s.Attr("href")
		if !ok {
			return
		}
		href = resolveHref(strings.TrimSpace(href), baseURL)
		if href == "" || seen[href] || !IsTorrentLink(href) {
			return
		}
		seen[href] = true
		links = append(links, href)
	})
	return links
}

func resolveHref(href string, base *url.URL) string {
	if href == "" || strings.HasPrefix(strings.ToLower(href), "magnet:") {
		return href
	}
	ref, err := url.Parse(href)
	if err != nil {
		return ""
	}
	if ref.IsAbs() || base == nil {
		return ref.String()
	}
	return base.ResolveReference(ref).String()
}
