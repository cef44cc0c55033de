package feed_test

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"feedloom/internal/feed"
	"feedloom/internal/logging"
	"feedloom/internal/services"
	"feedloom/internal/testsupport"
)

const sampleRSS = `<?xml version="1.0" encoding="UTF-8"?>
<rss version="2.0">
<channel>
  <title>Releases</title>
  <item>
    <guid>ep-1</guid>
    <title>Show - 01</title>
    <link>https://tracker.example/view/1</link>
    <pubDate>Mon, 02 Jan 2006 15:04:05 GMT</pubDate>
    <enclosure url="https://tracker.example/download/1.torrent" type="application/x-bittorrent" length="10"/>
  </item>
  <item>
    <guid>ep-2</guid>
    <title>Show - 02</title>
    <link>magnet:?xt=urn:btih:two</link>
  </item>
  <item>
    <guid>ep-3</guid>
    <title>Show - 03</title>
    <link>https://tracker.example/view/3</link>
    <description><![CDATA[<p>Get it <a href="/download/3.torrent">here</a></p>]]></description>
  </item>
</channel>
</rss>`

func TestFetchFlattensEntries(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("User-Agent") == "" {
			t.Errorf("expected user agent header")
		}
		w.Header().Set("Content-Type", "application/rss+xml")
		_, _ = w.Write([]byte(sampleRSS))
	}))
	defer srv.Close()

	cfg := testsupport.NewConfig(t)
	client := feed.NewClient(cfg, logging.NewNop())

	entries, err := client.Fetch(context.Background(), srv.URL)
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if len(entries) != 3 {
		t.Fatalf("expected 3 entries, got %d", len(entries))
	}
	first := entries[0]
	if first.ID != "ep-1" || first.Title != "Show - 01" {
		t.Fatalf("unexpected first entry %#v", first)
	}
	if first.Published != "2006-01-02T15:04:05Z" {
		t.Fatalf("unexpected published %q", first.Published)
	}

	want := []string{
		"https://tracker.example/download/1.torrent",
		"magnet:?xt=urn:btih:two",
		"https://tracker.example/download/3.torrent",
	}
	for i, entry := range entries {
		if got := entry.DownloadURL(); got != want[i] {
			t.Errorf("entry %d: DownloadURL() = %q, want %q", i, got, want[i])
		}
	}
}

func TestFetchReportsFeedErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/missing":
			http.NotFound(w, r)
		default:
			_, _ = w.Write([]byte("not a feed"))
		}
	}))
	defer srv.Close()

	cfg := testsupport.NewConfig(t)
	client := feed.NewClient(cfg, logging.NewNop())

	for _, path := range []string{"/missing", "/garbage"} {
		if _, err := client.Fetch(context.Background(), srv.URL+path); !errors.Is(err, services.ErrFeedFetch) {
			t.Fatalf("%s: expected feed fetch error, got %v", path, err)
		}
	}
	if _, err := client.Fetch(context.Background(), "not a url"); !errors.Is(err, services.ErrFeedFetch) {
		t.Fatalf("expected feed fetch error for bad url, got %v", err)
	}
}

func TestIsTorrentLink(t *testing.T) {
	cases := []struct {
		raw  string
		want bool
	}{
		{"magnet:?xt=urn:btih:abc", true},
		{"MAGNET:?xt=urn:btih:abc", true},
		{"https://x.example/a.torrent", true},
		{"https://x.example/a.torrent?passkey=1", true},
		{"https://x.example/view/1", false},
		{"", false},
	}
	for _, tc := range cases {
		if got := feed.IsTorrentLink(tc.raw); got != tc.want {
			t.Errorf("IsTorrentLink(%q) = %v, want %v", tc.raw, got, tc.want)
		}
	}
}
