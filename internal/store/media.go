package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
)

// InsertMedia records a library file. A row already stored for the same path
// is replaced.
func (s *Store) InsertMedia(ctx context.Context, media Media) (*Media, error) {
	var id int64
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		now := nowString()
		if _, err := tx.ExecContext(
			ctx,
			`INSERT INTO media (download_item_id, path, hash, mime_type, size, name, created_at)
             VALUES (?, ?, ?, ?, ?, ?, ?)
             ON CONFLICT(path) DO UPDATE SET
                download_item_id = excluded.download_item_id,
                hash = excluded.hash,
                mime_type = excluded.mime_type,
                size = excluded.size,
                name = excluded.name`,
			nullableInt64(media.DownloadItemID),
			media.Path,
			media.Hash,
			nullableString(media.MimeType),
			media.Size,
			media.Name,
			now,
		); err != nil {
			return fmt.Errorf("insert media: %w", err)
		}
		return tx.QueryRowContext(ctx, `SELECT id FROM media WHERE path = ?`, media.Path).Scan(&id)
	})
	if err != nil {
		return nil, err
	}
	return s.GetMedia(ctx, id)
}

// GetMedia fetches a media record by identifier. It returns nil when no row exists.
func (s *Store) GetMedia(ctx context.Context, id int64) (*Media, error) {
	var (
		media    Media
		itemID   sql.NullInt64
		mimeType sql.NullString
		created  sql.NullString
	)
	err := s.db.QueryRowContext(
		ctx,
		`SELECT id, download_item_id, path, hash, mime_type, size, name, created_at FROM media WHERE id = ?`,
		id,
	).Scan(&media.ID, &itemID, &media.Path, &media.Hash, &mimeType, &media.Size, &media.Name, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get media: %w", err)
	}
	media.DownloadItemID = itemID.Int64
	media.MimeType = mimeType.String
	media.CreatedAt = parseTime(created)
	return &media, nil
}

// UpsertEpisode links mediaID to the numbered episode of a series, creating
// the series on first use. When the episode already exists it is repointed only
// if overwrite is set; the returned bool reports whether the link changed.
func (s *Store) UpsertEpisode(ctx context.Context, series string, number float64, mediaID int64, overwrite bool) (bool, error) {
	series = strings.TrimSpace(series)
	if series == "" {
		return false, errors.New("series name is required")
	}
	var changed bool
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		now := nowString()
		if _, err := tx.ExecContext(ctx, `INSERT INTO series (name, created_at) VALUES (?, ?) ON CONFLICT(name) DO NOTHING`, series, now); err != nil {
			return fmt.Errorf("insert series: %w", err)
		}
		var seriesID int64
		if err := tx.QueryRowContext(ctx, `SELECT id FROM series WHERE name = ?`, series).Scan(&seriesID); err != nil {
			return fmt.Errorf("lookup series: %w", err)
		}

		var (
			episodeID int64
			current   int64
		)
		err := tx.QueryRowContext(ctx, `SELECT id, media_id FROM episodes WHERE series_id = ? AND number = ?`, seriesID, number).Scan(&episodeID, &current)
		switch {
		case errors.Is(err, sql.ErrNoRows):
			if _, err := tx.ExecContext(
				ctx,
				`INSERT INTO episodes (series_id, number, media_id, created_at, updated_at) VALUES (?, ?, ?, ?, ?)`,
				seriesID, number, mediaID, now, now,
			); err != nil {
				return fmt.Errorf("insert episode: %w", err)
			}
			changed = true
			return nil
		case err != nil:
			return fmt.Errorf("lookup episode: %w", err)
		}
		if current == mediaID || !overwrite {
			return nil
		}
		if _, err := tx.ExecContext(ctx, `UPDATE episodes SET media_id = ?, updated_at = ? WHERE id = ?`, mediaID, now, episodeID); err != nil {
			return fmt.Errorf("update episode: %w", err)
		}
		changed = true
		return nil
	})
	return changed, err
}

// ListEpisodes returns the episodes of a series ordered by number.
func (s *Store) ListEpisodes(ctx context.Context, series string) ([]Episode, error) {
	rows, err := s.db.QueryContext(
		ctx,
		`SELECT e.id, e.series_id, s.name, e.number, e.media_id
         FROM episodes e JOIN series s ON s.id = e.series_id
         WHERE s.name = ? ORDER BY e.number`,
		strings.TrimSpace(series),
	)
	if err != nil {
		return nil, fmt.Errorf("list episodes: %w", err)
	}
	defer rows.Close()

	var episodes []Episode
	for rows.Next() {
		var ep Episode
		if err := rows.Scan(&ep.ID, &ep.SeriesID, &ep.Series, &ep.Number, &ep.MediaID); err != nil {
			return nil, err
		}
		episodes = append(episodes, ep)
	}
	return episodes, rows.Err()
}
