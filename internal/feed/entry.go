package feed

import (
	"net/url"
	"strings"
)

// Enclosure is the attached payload advertised by an entry.
type Enclosure struct {
	URL  string `json:"url"`
	Type string `json:"type,omitempty"`
}

// Entry is one flattened feed item.
type Entry struct {
	ID          string    `json:"id"`
	Title       string    `json:"title"`
	Link        string    `json:"link,omitempty"`
	Description string    `json:"description,omitempty"`
	Published   string    `json:"published,omitempty"`
	Enclosure   Enclosure `json:"enclosure"`
}

// DownloadURL returns the URL a matched entry should be downloaded from.
// The enclosure wins; a link is used when it points at a magnet or a
// .torrent file; otherwise the first such anchor in the description.
func (e Entry) DownloadURL() string {
	if u := strings.TrimSpace(e.Enclosure.URL); u != "" {
		return u
	}
	if IsTorrentLink(e.Link) {
		return strings.TrimSpace(e.Link)
	}
	if links := TorrentLinks(e.Description, e.Link); len(links) > 0 {
		return links[0]
	}
	return ""
}

// IsTorrentLink reports whether raw is a magnet URI or points at a .torrent file.
func IsTorrentLink(raw string) bool {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return false
	}
	if strings.HasPrefix(strings.ToLower(raw), "magnet:") {
		return true
	}
	parsed, err := url.Parse(raw)
	if err != nil {
		return false
	}
	return strings.HasSuffix(strings.ToLower(parsed.Path), ".torrent")
}
