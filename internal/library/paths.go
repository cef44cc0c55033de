package library

import (
	"fmt"
	"math"
	"path/filepath"
	"strconv"
	"strings"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"

	"feedloom/internal/sandbox"
	"feedloom/internal/services"
)

var fileNameReplacer = strings.NewReplacer(
	"/", "-",
	"\\", "-",
	":", "-",
	"*", "-",
	"?", "",
	"\"", "",
	"<", "",
	">", "",
	"|", "",
)

var titleCaser = cases.Title(language.Und)

// targetPath resolves the library location for file.
func (s *Service) targetPath(file sandbox.File, desc *sandbox.Descriptor) (string, error) {
	root := s.cfg.Paths.LibraryDir
	ext := filepath.Ext(file.Path)
	base := strings.TrimSuffix(filepath.Base(file.Path), ext)
	if desc != nil && desc.Media != nil {
		if hint := sanitizeFileName(desc.Media.Name); hint != "" {
			base = strings.TrimSuffix(hint, ext)
		}
	}
	if sanitizeFileName(base) == "" {
		base = "media"
	}

	switch {
	case desc != nil && strings.TrimSpace(desc.SavePath) != "":
		dir, err := libraryRelative(root, desc.SavePath)
		if err != nil {
			return "", err
		}
		return filepath.Join(dir, sanitizeFileName(base)+ext), nil
	case desc.HasEpisode():
		series := seriesDirName(desc.Series)
		name := fmt.Sprintf("%s - E%s", series, formatEpisode(*desc.Episode))
		return filepath.Join(root, s.cfg.Library.SeriesDir, series, name+ext), nil
	default:
		return filepath.Join(root, s.cfg.Library.UnsortedDir, sanitizeFileName(base)+ext), nil
	}
}

// libraryRelative joins rel under root and rejects paths that would escape it.
func libraryRelative(root, rel string) (string, error) {
	rel = strings.TrimSpace(rel)
	if filepath.IsAbs(rel) {
		return "", services.Wrap(services.ErrValidation, "library", "resolve path",
			fmt.Sprintf("save path %q must be relative to the library", rel), nil)
	}
	joined := filepath.Join(root, rel)
	within, err := filepath.Rel(root, joined)
	if err != nil || within == ".." || strings.HasPrefix(within, ".."+string(filepath.Separator)) {
		return "", services.Wrap(services.ErrValidation, "library", "resolve path",
			fmt.Sprintf("save path %q escapes the library", rel), nil)
	}
	return joined, nil
}

// seriesDirName title-cases names typed entirely in lower case and leaves
// deliberate capitalization alone.
func seriesDirName(series string) string {
	series = sanitizeFileName(series)
	if series == strings.ToLower(series) {
		series = titleCaser.String(series)
	}
	return series
}

func formatEpisode(n float64) string {
	if n == math.Trunc(n) && n >= 0 && n < 1e6 {
		return fmt.Sprintf("%02d", int64(n))
	}
	return strconv.FormatFloat(n, 'f', -1, 64)
}

func sanitizeFileName(name string) string {
	name = strings.TrimSpace(name)
	if name == "" {
		return ""
	}
	return strings.Trim(strings.TrimSpace(fileNameReplacer.Replace(name)), ".")
}
