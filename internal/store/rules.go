package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

const (
	ruleColumns         = "id, name, code_path, code_hash, series, meta_json, created_at, updated_at"
	prefixedRuleColumns = "r.id, r.name, r.code_path, r.code_hash, r.series, r.meta_json, r.created_at, r.updated_at"
)

// CreateRule inserts a rule record. The code file must already exist at CodePath.
func (s *Store) CreateRule(ctx context.Context, rule Rule) (*Rule, error) {
	now := nowString()
	res, err := s.execWithRetry(
		ctx,
		`INSERT INTO rules (name, code_path, code_hash, series, meta_json, created_at, updated_at)
         VALUES (?, ?, ?, ?, ?, ?, ?)`,
		rule.Name,
		rule.CodePath,
		rule.CodeHash,
		nullableString(rule.Series),
		nullableString(rule.MetaJSON),
		now,
		now,
	)
	if err != nil {
		return nil, fmt.Errorf("insert rule: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("last insert id: %w", err)
	}
	return s.GetRule(ctx, id)
}

// UpdateRule persists edits to a rule.
func (s *Store) UpdateRule(ctx context.Context, rule *Rule) error {
	if rule == nil {
		return errors.New("rule is nil")
	}
	rule.UpdatedAt = time.Now().UTC()
	res, err := s.execWithRetry(
		ctx,
		`UPDATE rules SET name = ?, code_path = ?, code_hash = ?, series = ?, meta_json = ?, updated_at = ?
         WHERE id = ?`,
		rule.Name,
		rule.CodePath,
		rule.CodeHash,
		nullableString(rule.Series),
		nullableString(rule.MetaJSON),
		rule.UpdatedAt.Format(time.RFC3339Nano),
		rule.ID,
	)
	if err != nil {
		return fmt.Errorf("update rule: %w", err)
	}
	if affected, _ := res.RowsAffected(); affected == 0 {
		return fmt.Errorf("update rule %d: %w", rule.ID, sql.ErrNoRows)
	}
	return nil
}

// GetRule fetches a rule by identifier. It returns nil when no row exists.
func (s *Store) GetRule(ctx context.Context, id int64) (*Rule, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+ruleColumns+` FROM rules WHERE id = ?`, id)
	rule, err := scanRule(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get rule: %w", err)
	}
	return rule, nil
}

// ListRules returns every rule ordered by id.
func (s *Store) ListRules(ctx context.Context) ([]*Rule, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+ruleColumns+` FROM rules ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("list rules: %w", err)
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

// DeleteRule removes a rule and its source associations.
func (s *Store) DeleteRule(ctx context.Context, id int64) (bool, error) {
	res, err := s.execWithRetry(ctx, `DELETE FROM rules WHERE id = ?`, id)
	if err != nil {
		return false, fmt.Errorf("delete rule: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("rows affected: %w", err)
	}
	return affected > 0, nil
}

// CountRulesByHash reports how many rules reference a code hash.
func (s *Store) CountRulesByHash(ctx context.Context, hash string) (int, error) {
	var count int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(1) FROM rules WHERE code_hash = ?`, hash).Scan(&count); err != nil {
		return 0, fmt.Errorf("count rules by hash: %w", err)
	}
	return count, nil
}

func scanRule(scanner rowScanner) (*Rule, error) {
	var (
		rule       Rule
		series     sql.NullString
		meta       sql.NullString
		createdRaw sql.NullString
		updatedRaw sql.NullString
	)
	if err := scanner.Scan(
		&rule.ID,
		&rule.Name,
		&rule.CodePath,
		&rule.CodeHash,
		&series,
		&meta,
		&createdRaw,
		&updatedRaw,
	); err != nil {
		return nil, err
	}
	rule.Series = series.String
	rule.MetaJSON = meta.String
	rule.CreatedAt = parseTime(createdRaw)
	rule.UpdatedAt = parseTime(updatedRaw)
	return &rule, nil
}
