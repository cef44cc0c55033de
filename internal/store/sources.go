package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

const sourceColumns = "id, url, title, remark, cron, enabled, owner, deleted_at, created_at, updated_at"

// CreateSource inserts a source and its rule associations.
func (s *Store) CreateSource(ctx context.Context, src Source) (*Source, error) {
	var id int64
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		now := nowString()
		res, err := tx.ExecContext(
			ctx,
			`INSERT INTO sources (url, title, remark, cron, enabled, owner, created_at, updated_at)
             VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			src.URL,
			nullableString(src.Title),
			nullableString(src.Remark),
			src.Cron,
			boolToInt(src.Enabled),
			nullableString(src.Owner),
			now,
			now,
		)
		if err != nil {
			return fmt.Errorf("insert source: %w", err)
		}
		if id, err = res.LastInsertId(); err != nil {
			return fmt.Errorf("last insert id: %w", err)
		}
		return replaceSourceRules(ctx, tx, id, src.RuleIDs)
	})
	if err != nil {
		return nil, err
	}
	return s.GetSource(ctx, id)
}

// UpdateSource persists edits to an existing source, including its rule set.
func (s *Store) UpdateSource(ctx context.Context, src *Source) error {
	if src == nil {
		return errors.New("source is nil")
	}
	return s.withTx(ctx, func(tx *sql.Tx) error {
		now := time.Now().UTC()
		res, err := tx.ExecContext(
			ctx,
			`UPDATE sources
             SET url = ?, title = ?, remark = ?, cron = ?, enabled = ?, owner = ?, updated_at = ?
             WHERE id = ? AND deleted_at IS NULL`,
			src.URL,
			nullableString(src.Title),
			nullableString(src.Remark),
			src.Cron,
			boolToInt(src.Enabled),
			nullableString(src.Owner),
			now.Format(time.RFC3339Nano),
			src.ID,
		)
		if err != nil {
			return fmt.Errorf("update source: %w", err)
		}
		if affected, _ := res.RowsAffected(); affected == 0 {
			return fmt.Errorf("update source %d: %w", src.ID, sql.ErrNoRows)
		}
		src.UpdatedAt = now
		return replaceSourceRules(ctx, tx, src.ID, src.RuleIDs)
	})
}

// GetSource fetches a source by identifier, including soft-deleted rows.
// It returns nil when no row exists.
func (s *Store) GetSource(ctx context.Context, id int64) (*Source, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+sourceColumns+` FROM sources WHERE id = ?`, id)
	src, err := scanSource(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get source: %w", err)
	}
	if src.RuleIDs, err = s.ruleIDsForSource(ctx, src.ID); err != nil {
		return nil, err
	}
	return src, nil
}

// ListSources returns sources ordered by id. Soft-deleted rows are skipped
// unless includeDeleted is set.
func (s *Store) ListSources(ctx context.Context, includeDeleted bool) ([]*Source, error) {
	query := `SELECT ` + sourceColumns + ` FROM sources`
	if !includeDeleted {
		query += ` WHERE deleted_at IS NULL`
	}
	query += ` ORDER BY id`
	sources, err := s.querySources(ctx, query)
	if err != nil {
		return nil, err
	}
	for _, src := range sources {
		if src.RuleIDs, err = s.ruleIDsForSource(ctx, src.ID); err != nil {
			return nil, err
		}
	}
	return sources, nil
}

// ActiveSources returns enabled sources that have not been deleted.
func (s *Store) ActiveSources(ctx context.Context) ([]*Source, error) {
	return s.querySources(ctx, `SELECT `+sourceColumns+` FROM sources WHERE enabled = 1 AND deleted_at IS NULL ORDER BY id`)
}

// SoftDeleteSource marks a source deleted, disables it, and drops its rule
// associations. Rules themselves are left intact.
func (s *Store) SoftDeleteSource(ctx context.Context, id int64) (bool, error) {
	var deleted bool
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		now := nowString()
		res, err := tx.ExecContext(
			ctx,
			`UPDATE sources SET deleted_at = ?, enabled = 0, updated_at = ? WHERE id = ? AND deleted_at IS NULL`,
			now, now, id,
		)
		if err != nil {
			return fmt.Errorf("soft delete source: %w", err)
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("rows affected: %w", err)
		}
		deleted = affected > 0
		if _, err := tx.ExecContext(ctx, `DELETE FROM source_rules WHERE source_id = ?`, id); err != nil {
			return fmt.Errorf("clear source rules: %w", err)
		}
		return nil
	})
	return deleted, err
}

// RulesForSource returns the rules associated with a source.
func (s *Store) RulesForSource(ctx context.Context, sourceID int64) ([]*Rule, error) {
	rows, err := s.db.QueryContext(
		ctx,
		`SELECT `+prefixedRuleColumns+` FROM rules r
         JOIN source_rules sr ON sr.rule_id = r.id
         WHERE sr.source_id = ? ORDER BY r.id`,
		sourceID,
	)
	if err != nil {
		return nil, fmt.Errorf("rules for source: %w", err)
	}
	defer rows.Close()

	var rules []*Rule
	for rows.Next() {
		rule, err := scanRule(rows)
		if err != nil {
			return nil, err
		}
		rules = append(rules, rule)
	}
	return rules, rows.Err()
}

func (s *Store) ruleIDsForSource(ctx context.Context, sourceID int64) ([]int64, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT rule_id FROM source_rules WHERE source_id = ? ORDER BY rule_id`, sourceID)
	if err != nil {
		return nil, fmt.Errorf("source rule ids: %w", err)
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (s *Store) querySources(ctx context.Context, query string, args ...any) ([]*Source, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query sources: %w", err)
	}
	defer rows.Close()

	var sources []*Source
	for rows.Next() {
		src, err := scanSource(rows)
		if err != nil {
			return nil, err
		}
		sources = append(sources, src)
	}
	return sources, rows.Err()
}

func replaceSourceRules(ctx context.Context, tx *sql.Tx, sourceID int64, ruleIDs []int64) error {
	if _, err := tx.ExecContext(ctx, `DELETE FROM source_rules WHERE source_id = ?`, sourceID); err != nil {
		return fmt.Errorf("clear source rules: %w", err)
	}
	for _, ruleID := range ruleIDs {
		if _, err := tx.ExecContext(
			ctx,
			`INSERT OR IGNORE INTO source_rules (source_id, rule_id) VALUES (?, ?)`,
			sourceID, ruleID,
		); err != nil {
			return fmt.Errorf("associate rule %d: %w", ruleID, err)
		}
	}
	return nil
}

func scanSource(scanner rowScanner) (*Source, error) {
	var (
		src        Source
		title      sql.NullString
		remark     sql.NullString
		enabled    int
		owner      sql.NullString
		deletedRaw sql.NullString
		createdRaw sql.NullString
		updatedRaw sql.NullString
	)
	if err := scanner.Scan(
		&src.ID,
		&src.URL,
		&title,
		&remark,
		&src.Cron,
		&enabled,
		&owner,
		&deletedRaw,
		&createdRaw,
		&updatedRaw,
	); err != nil {
		return nil, err
	}
	src.Title = title.String
	src.Remark = remark.String
	src.Enabled = enabled != 0
	src.Owner = owner.String
	if deletedRaw.Valid {
		deleted := parseTime(deletedRaw)
		src.DeletedAt = &deleted
	}
	src.CreatedAt = parseTime(createdRaw)
	src.UpdatedAt = parseTime(updatedRaw)
	return &src, nil
}
