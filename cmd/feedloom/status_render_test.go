package main

import (
	"bytes"
	"fmt"
	"strings"
	"testing"

	"feedloom/internal/api"
)

func TestRenderStatusLineNoColor(t *testing.T) {
	got := renderStatusLine("Feedloom", statusError, "Not running", false)
	want := fmt.Sprintf("%s%-*s %s", statusIndent, statusLabelWidth, "Feedloom:", "[ERROR] Not running")
	if got != want {
		t.Fatalf("renderStatusLine mismatch\n got: %q\nwant: %q", got, want)
	}
}

func TestRenderStatusLineWithColor(t *testing.T) {
	got := renderStatusLine("Feedloom", statusOK, "Running", true)
	if !strings.HasPrefix(got, ansiGreen) || !strings.HasSuffix(got, ansiReset) {
		t.Fatalf("expected green line, got %q", got)
	}
}

func TestDownloadStatRowsSorted(t *testing.T) {
	rows := downloadStatRows(map[string]int{"SUCCESS": 2, "FAILED": 1, "PENDING": 0})
	if len(rows) != 3 || rows[0][0] != "FAILED" || rows[2][0] != "SUCCESS" || rows[2][1] != "2" {
		t.Fatalf("unexpected rows: %v", rows)
	}
}

func TestRenderDownloadTable(t *testing.T) {
	out := renderDownloadTable([]api.Download{{ID: 7, Name: "Show - 01", Status: "FAILED", SourceID: 3}}, false)
	for _, want := range []string{"Show - 01", "FAILED", "7", "3"} {
		if !strings.Contains(out, want) {
			t.Fatalf("table missing %q:\n%s", want, out)
		}
	}
}

func TestFormatBytes(t *testing.T) {
	cases := map[int64]string{512: "512 B", 2048: "2.0 KiB", 5 << 30: "5.0 GiB"}
	for in, want := range cases {
		if got := formatBytes(in); got != want {
			t.Errorf("formatBytes(%d) = %q, want %q", in, got, want)
		}
	}
}

func TestStatusPrinterPlainOutput(t *testing.T) {
	var buf bytes.Buffer
	p := newStatusPrinter(&buf)
	p.section("Daemon")
	p.line("Backend", statusWarn, "aria2: connecting")

	lines := strings.Split(strings.TrimRight(buf.String(), "\n"), "\n")
	if len(lines) != 3 || lines[0] != "== Daemon ==" || lines[1] != "------------" {
		t.Fatalf("unexpected section output: %q", lines)
	}
	if !strings.Contains(lines[2], "[WARN] aria2: connecting") || strings.Contains(lines[2], ansiReset) {
		t.Fatalf("unexpected status line: %q", lines[2])
	}
}
