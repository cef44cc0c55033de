package testsupport

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
)

// matroskaMagic is enough of an EBML header for content sniffing to report
// video/x-matroska.
var matroskaMagic = []byte("\x1A\x45\xDF\xA3\x93\x42\x82\x88matroska\x42\x87\x81\x04\x42\x85\x81\x02")

// WriteFile creates path, including parent directories, filled with size
// filler bytes. Sizes below one write a single byte.
func WriteFile(t testing.TB, path string, size int64) {
	t.Helper()
	writePayload(t, path, nil, size)
}

// WriteMatroska creates a file of size bytes that sniffs as Matroska video,
// standing in for a finished episode download.
func WriteMatroska(t testing.TB, path string, size int64) {
	t.Helper()
	writePayload(t, path, matroskaMagic, size)
}

func writePayload(t testing.TB, path string, header []byte, size int64) {
	t.Helper()
	if size < 1 {
		size = 1
	}
	if n := int64(len(header)); size < n {
		size = n
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("mkdir for %s: %v", path, err)
	}
	data := append(append([]byte{}, header...), bytes.Repeat([]byte{'B'}, int(size)-len(header))...)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
}
