package library

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"feedloom/internal/config"
	"feedloom/internal/logging"
	"feedloom/internal/sandbox"
	"feedloom/internal/services"
	"feedloom/internal/store"
)

// Service ingests downloaded media files into the library directory.
type Service struct {
	cfg    *config.Config
	store  *store.Store
	logger *slog.Logger
}

// NewService constructs a library service.
func NewService(cfg *config.Config, st *store.Store, logger *slog.Logger) *Service {
	if logger == nil {
		logger = logging.NewNop()
	}
	return &Service{
		cfg:    cfg,
		store:  st,
		logger: logging.NewComponentLogger(logger, "library"),
	}
}

// Ingest moves file into the library and records it as media of the download
// item. desc may be nil.
func (s *Service) Ingest(ctx context.Context, itemID int64, file sandbox.File, desc *sandbox.Descriptor) (*store.Media, error) {
	if strings.TrimSpace(s.cfg.Paths.LibraryDir) == "" {
		return nil, services.Wrap(services.ErrConfiguration, "library", "ingest", "library_dir is not configured", nil)
	}
	if _, err := os.Stat(file.Path); err != nil {
		return nil, services.Wrap(services.ErrNotFound, "library", "ingest", "downloaded file missing", err)
	}

	target, err := s.targetPath(file, desc)
	if err != nil {
		return nil, err
	}
	final, err := s.place(file, target)
	if err != nil {
		return nil, services.Wrap(services.ErrTransient, "library", "move",
			fmt.Sprintf("move %s into library", file.Path), err)
	}

	name := file.Name
	mimeType := file.MimeType
	if desc != nil && desc.Media != nil {
		if hint := strings.TrimSpace(desc.Media.Name); hint != "" {
			name = hint
		}
		if hint := strings.TrimSpace(desc.Media.MimeType); hint != "" {
			mimeType = hint
		}
	}

	media, err := s.store.InsertMedia(ctx, store.Media{
		DownloadItemID: itemID,
		Path:           final,
		Hash:           file.Hash,
		MimeType:       mimeType,
		Size:           file.Size,
		Name:           name,
	})
	if err != nil {
		return nil, services.Wrap(services.ErrTransient, "library", "record media", "persist media record", err)
	}

	logging.WithContext(services.WithItemID(ctx, itemID), s.logger).Info(
		"media ingested",
		logging.String("path", final),
		logging.String("mime_type", mimeType),
		logging.Int64("size", file.Size),
	)
	return media, nil
}

// UpsertSeriesEpisode links media to an episode of series. An existing link is
// replaced only when overwrite is set.
func (s *Service) UpsertSeriesEpisode(ctx context.Context, series string, episode float64, media *store.Media, overwrite bool) error {
	if media == nil {
		return services.Wrap(services.ErrValidation, "library", "upsert episode", "media is required", nil)
	}
	series = strings.TrimSpace(series)
	if series == "" {
		return services.Wrap(services.ErrValidation, "library", "upsert episode", "series is required", nil)
	}
	changed, err := s.store.UpsertEpisode(ctx, series, episode, media.ID, overwrite)
	if err != nil {
		return services.Wrap(services.ErrTransient, "library", "upsert episode",
			fmt.Sprintf("series %q episode %s", series, formatEpisode(episode)), err)
	}

	logger := logging.WithContext(services.WithItemID(ctx, media.DownloadItemID), s.logger)
	if !changed {
		logger.Info(
			"episode already linked",
			logging.Args(logging.DecisionAttrs("episode_link", "kept", "existing media retained without overwrite")...)...,
		)
		return nil
	}
	logger.Info(
		"episode linked",
		logging.String("series", series),
		logging.Float64("episode", episode),
		logging.Int64("media_id", media.ID),
	)
	return nil
}
