package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"feedloom/internal/services"
)

const downloadColumns = "id, name, url, url_hash, status, error, entry_json, source_id, rule_id, fetch_log_id, save_dir, created_at, updated_at"

// DownloadFilter narrows ListDownloads results. Zero values match everything.
type DownloadFilter struct {
	IDs      []int64
	Statuses []Status
	SourceID int64
	Limit    int
}

// CreateDownload inserts a PENDING item. It fails with services.ErrDuplicateTask
// when a PENDING or PAUSED item already exists for the same URL hash.
func (s *Store) CreateDownload(ctx context.Context, item DownloadItem) (*DownloadItem, error) {
	if strings.TrimSpace(item.URL) == "" {
		return nil, services.Wrap(services.ErrValidation, "store", "create download", "url is required", nil)
	}
	if item.URLHash == "" {
		item.URLHash = HashURL(item.URL)
	}
	if strings.TrimSpace(item.Name) == "" {
		item.Name = item.URL
	}

	var id int64
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		var existing int64
		err := tx.QueryRowContext(
			ctx,
			`SELECT id FROM download_items WHERE url_hash = ? AND status IN (?, ?) LIMIT 1`,
			item.URLHash, StatusPending, StatusPaused,
		).Scan(&existing)
		switch {
		case err == nil:
			return services.Wrap(services.ErrDuplicateTask, "store", "create download",
				fmt.Sprintf("item %d already active for this url", existing), nil)
		case !errors.Is(err, sql.ErrNoRows):
			return fmt.Errorf("dedup lookup: %w", err)
		}

		now := nowString()
		res, err := tx.ExecContext(
			ctx,
			`INSERT INTO download_items (
                name, url, url_hash, status, error, entry_json,
                source_id, rule_id, fetch_log_id, save_dir, created_at, updated_at
            ) VALUES (?, ?, ?, ?, NULL, ?, ?, ?, ?, ?, ?, ?)`,
			item.Name,
			item.URL,
			item.URLHash,
			StatusPending,
			nullableString(item.EntryJSON),
			nullableInt64(item.SourceID),
			nullableInt64(item.RuleID),
			nullableInt64(item.FetchLogID),
			nullableString(item.SaveDir),
			now,
			now,
		)
		if err != nil {
			if isUniqueViolation(err) {
				return services.Wrap(services.ErrDuplicateTask, "store", "create download", "item already active for this url", nil)
			}
			return fmt.Errorf("insert download: %w", err)
		}
		id, err = res.LastInsertId()
		if err != nil {
			return fmt.Errorf("last insert id: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return s.GetDownload(ctx, id)
}

// GetDownload fetches an item by identifier. It returns nil when no row exists.
func (s *Store) GetDownload(ctx context.Context, id int64) (*DownloadItem, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+downloadColumns+` FROM download_items WHERE id = ?`, id)
	item, err := scanDownload(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get download: %w", err)
	}
	return item, nil
}

// FindActiveByHash returns the PENDING or PAUSED item for a URL hash, if any.
func (s *Store) FindActiveByHash(ctx context.Context, hash string) (*DownloadItem, error) {
	row := s.db.QueryRowContext(
		ctx,
		`SELECT `+downloadColumns+` FROM download_items WHERE url_hash = ? AND status IN (?, ?) ORDER BY id LIMIT 1`,
		hash, StatusPending, StatusPaused,
	)
	item, err := scanDownload(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("find active download: %w", err)
	}
	return item, nil
}

// HasRepresentedURL reports whether a URL hash already has an item that a
// feed entry should not be downloaded again for: anything not FAILED.
func (s *Store) HasRepresentedURL(ctx context.Context, hash string) (bool, error) {
	var count int
	if err := s.db.QueryRowContext(
		ctx,
		`SELECT COUNT(1) FROM download_items WHERE url_hash = ? AND status != ?`,
		hash, StatusFailed,
	).Scan(&count); err != nil {
		return false, fmt.Errorf("represented url lookup: %w", err)
	}
	return count > 0, nil
}

// ListDownloads returns items matching filter, newest first.
func (s *Store) ListDownloads(ctx context.Context, filter DownloadFilter) ([]*DownloadItem, error) {
	query, args := buildDownloadQuery(`SELECT `+downloadColumns+` FROM download_items`, filter)
	query += ` ORDER BY id DESC`
	if filter.Limit > 0 {
		query += fmt.Sprintf(` LIMIT %d`, filter.Limit)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list downloads: %w", err)
	}
	defer rows.Close()

	var items []*DownloadItem
	for rows.Next() {
		item, err := scanDownload(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, item)
	}
	return items, rows.Err()
}

// TransitionDownload moves an item to a new status, recording errText for
// FAILED. It returns false without error when the item is already in the
// target status, and services.ErrInvalidStateTransition when the lifecycle
// forbids the move.
func (s *Store) TransitionDownload(ctx context.Context, id int64, to Status, errText string) (bool, error) {
	var changed bool
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		var current Status
		err := tx.QueryRowContext(ctx, `SELECT status FROM download_items WHERE id = ?`, id).Scan(&current)
		if errors.Is(err, sql.ErrNoRows) {
			return services.Wrap(services.ErrNotFound, "store", "transition download", fmt.Sprintf("item %d", id), nil)
		}
		if err != nil {
			return fmt.Errorf("read download status: %w", err)
		}
		if current == to {
			changed = false
			return nil
		}
		if !CanTransition(current, to) {
			return services.Wrap(services.ErrInvalidStateTransition, "store", "transition download",
				fmt.Sprintf("item %d: %s -> %s", id, current, to), nil)
		}
		if to != StatusFailed {
			errText = ""
		}
		if _, err := tx.ExecContext(
			ctx,
			`UPDATE download_items SET status = ?, error = ?, updated_at = ? WHERE id = ?`,
			to, nullableString(errText), nowString(), id,
		); err != nil {
			return fmt.Errorf("update download status: %w", err)
		}
		changed = true
		return nil
	})
	return changed, err
}

// DeleteDownload removes an item row.
func (s *Store) DeleteDownload(ctx context.Context, id int64) (bool, error) {
	res, err := s.execWithRetry(ctx, `DELETE FROM download_items WHERE id = ?`, id)
	if err != nil {
		return false, fmt.Errorf("delete download: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("rows affected: %w", err)
	}
	return affected > 0, nil
}

// FailInterrupted moves every PENDING or PAUSED item to FAILED with reason and
// returns the affected identifiers.
func (s *Store) FailInterrupted(ctx context.Context, reason string) ([]int64, error) {
	var ids []int64
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		ids = ids[:0]
		rows, err := tx.QueryContext(ctx, `SELECT id FROM download_items WHERE status IN (?, ?) ORDER BY id`, StatusPending, StatusPaused)
		if err != nil {
			return fmt.Errorf("select interrupted: %w", err)
		}
		for rows.Next() {
			var id int64
			if err := rows.Scan(&id); err != nil {
				rows.Close()
				return err
			}
			ids = append(ids, id)
		}
		if err := rows.Close(); err != nil {
			return err
		}
		if len(ids) == 0 {
			return nil
		}
		_, err = tx.ExecContext(
			ctx,
			`UPDATE download_items SET status = ?, error = ?, updated_at = ? WHERE status IN (?, ?)`,
			StatusFailed, reason, time.Now().UTC().Format(time.RFC3339Nano), StatusPending, StatusPaused,
		)
		if err != nil {
			return fmt.Errorf("fail interrupted: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return ids, nil
}

// DownloadStats returns a count of items grouped by status.
func (s *Store) DownloadStats(ctx context.Context) (map[Status]int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(1) FROM download_items GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("download stats: %w", err)
	}
	defer rows.Close()

	stats := make(map[Status]int)
	for rows.Next() {
		var status Status
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, err
		}
		stats[status] = count
	}
	return stats, rows.Err()
}

func buildDownloadQuery(base string, filter DownloadFilter) (string, []any) {
	var (
		clauses []string
		args    []any
	)
	if len(filter.IDs) > 0 {
		clauses = append(clauses, `id IN (`+makePlaceholders(len(filter.IDs))+`)`)
		for _, id := range filter.IDs {
			args = append(args, id)
		}
	}
	if len(filter.Statuses) > 0 {
		clauses = append(clauses, `status IN (`+makePlaceholders(len(filter.Statuses))+`)`)
		for _, status := range filter.Statuses {
			args = append(args, status)
		}
	}
	if filter.SourceID > 0 {
		clauses = append(clauses, `source_id = ?`)
		args = append(args, filter.SourceID)
	}
	if len(clauses) == 0 {
		return base, args
	}
	return base + ` WHERE ` + strings.Join(clauses, ` AND `), args
}

func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

func scanDownload(scanner rowScanner) (*DownloadItem, error) {
	var (
		item       DownloadItem
		status     string
		errText    sql.NullString
		entryJSON  sql.NullString
		sourceID   sql.NullInt64
		ruleID     sql.NullInt64
		fetchLogID sql.NullInt64
		saveDir    sql.NullString
		createdRaw sql.NullString
		updatedRaw sql.NullString
	)
	if err := scanner.Scan(
		&item.ID,
		&item.Name,
		&item.URL,
		&item.URLHash,
		&status,
		&errText,
		&entryJSON,
		&sourceID,
		&ruleID,
		&fetchLogID,
		&saveDir,
		&createdRaw,
		&updatedRaw,
	); err != nil {
		return nil, err
	}
	item.Status = Status(status)
	item.Error = errText.String
	item.EntryJSON = entryJSON.String
	item.SourceID = sourceID.Int64
	item.RuleID = ruleID.Int64
	item.FetchLogID = fetchLogID.Int64
	item.SaveDir = saveDir.String
	item.CreatedAt = parseTime(createdRaw)
	item.UpdatedAt = parseTime(updatedRaw)
	return &item, nil
}
