package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

const (
	fetchLogColumns     = "id, source_id, status, error, entry_count, matched_count, created_at, updated_at"
	ruleErrorLogColumns = "id, rule_id, source_id, fetch_log_id, download_item_id, hook, entry_json, error, created_at"
)

// CreateFetchLog opens a PENDING fetch log for a source.
func (s *Store) CreateFetchLog(ctx context.Context, sourceID int64) (*FetchLog, error) {
	now := nowString()
	res, err := s.execWithRetry(
		ctx,
		`INSERT INTO fetch_logs (source_id, status, created_at, updated_at) VALUES (?, ?, ?, ?)`,
		sourceID, FetchPending, now, now,
	)
	if err != nil {
		return nil, fmt.Errorf("insert fetch log: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("last insert id: %w", err)
	}
	return s.GetFetchLog(ctx, id)
}

// FinishFetchLog records the outcome of a fetch job.
func (s *Store) FinishFetchLog(ctx context.Context, id int64, status FetchStatus, errText string, entryCount, matchedCount int) error {
	res, err := s.execWithRetry(
		ctx,
		`UPDATE fetch_logs SET status = ?, error = ?, entry_count = ?, matched_count = ?, updated_at = ? WHERE id = ?`,
		status, nullableString(errText), entryCount, matchedCount, nowString(), id,
	)
	if err != nil {
		return fmt.Errorf("finish fetch log: %w", err)
	}
	if affected, _ := res.RowsAffected(); affected == 0 {
		return fmt.Errorf("finish fetch log %d: %w", id, sql.ErrNoRows)
	}
	return nil
}

// GetFetchLog fetches a fetch log by identifier. It returns nil when no row exists.
func (s *Store) GetFetchLog(ctx context.Context, id int64) (*FetchLog, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+fetchLogColumns+` FROM fetch_logs WHERE id = ?`, id)
	entry, err := scanFetchLog(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get fetch log: %w", err)
	}
	return entry, nil
}

// ListFetchLogs returns the newest fetch logs, optionally for one source.
func (s *Store) ListFetchLogs(ctx context.Context, sourceID int64, limit int) ([]*FetchLog, error) {
	query := `SELECT ` + fetchLogColumns + ` FROM fetch_logs`
	var args []any
	if sourceID > 0 {
		query += ` WHERE source_id = ?`
		args = append(args, sourceID)
	}
	query += ` ORDER BY id DESC`
	if limit > 0 {
		query += fmt.Sprintf(` LIMIT %d`, limit)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list fetch logs: %w", err)
	}
	defer rows.Close()

	var logs []*FetchLog
	for rows.Next() {
		entry, err := scanFetchLog(rows)
		if err != nil {
			return nil, err
		}
		logs = append(logs, entry)
	}
	return logs, rows.Err()
}

// CreateRuleErrorLog records a failed rule hook evaluation.
func (s *Store) CreateRuleErrorLog(ctx context.Context, entry RuleErrorLog) (*RuleErrorLog, error) {
	res, err := s.execWithRetry(
		ctx,
		`INSERT INTO rule_error_logs (rule_id, source_id, fetch_log_id, download_item_id, hook, entry_json, error, created_at)
         VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		nullableInt64(entry.RuleID),
		nullableInt64(entry.SourceID),
		nullableInt64(entry.FetchLogID),
		nullableInt64(entry.DownloadItemID),
		entry.Hook,
		nullableString(entry.EntryJSON),
		entry.Error,
		nowString(),
	)
	if err != nil {
		return nil, fmt.Errorf("insert rule error log: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("last insert id: %w", err)
	}
	row := s.db.QueryRowContext(ctx, `SELECT `+ruleErrorLogColumns+` FROM rule_error_logs WHERE id = ?`, id)
	return scanRuleErrorLog(row)
}

// ListRuleErrorLogs returns the newest rule error logs, optionally for one rule.
func (s *Store) ListRuleErrorLogs(ctx context.Context, ruleID int64, limit int) ([]*RuleErrorLog, error) {
	query := `SELECT ` + ruleErrorLogColumns + ` FROM rule_error_logs`
	var args []any
	if ruleID > 0 {
		query += ` WHERE rule_id = ?`
		args = append(args, ruleID)
	}
	query += ` ORDER BY id DESC`
	if limit > 0 {
		query += fmt.Sprintf(` LIMIT %d`, limit)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list rule error logs: %w", err)
	}
	defer rows.Close()

	var logs []*RuleErrorLog
	for rows.Next() {
		entry, err := scanRuleErrorLog(rows)
		if err != nil {
			return nil, err
		}
		logs = append(logs, entry)
	}
	return logs, rows.Err()
}

func scanFetchLog(scanner rowScanner) (*FetchLog, error) {
	var (
		entry      FetchLog
		status     string
		errText    sql.NullString
		createdRaw sql.NullString
		updatedRaw sql.NullString
	)
	if err := scanner.Scan(
		&entry.ID,
		&entry.SourceID,
		&status,
		&errText,
		&entry.EntryCount,
		&entry.MatchedCount,
		&createdRaw,
		&updatedRaw,
	); err != nil {
		return nil, err
	}
	entry.Status = FetchStatus(status)
	entry.Error = errText.String
	entry.CreatedAt = parseTime(createdRaw)
	entry.UpdatedAt = parseTime(updatedRaw)
	return &entry, nil
}

func scanRuleErrorLog(scanner rowScanner) (*RuleErrorLog, error) {
	var (
		entry      RuleErrorLog
		ruleID     sql.NullInt64
		sourceID   sql.NullInt64
		fetchLogID sql.NullInt64
		itemID     sql.NullInt64
		entryJSON  sql.NullString
		createdRaw sql.NullString
	)
	if err := scanner.Scan(
		&entry.ID,
		&ruleID,
		&sourceID,
		&fetchLogID,
		&itemID,
		&entry.Hook,
		&entryJSON,
		&entry.Error,
		&createdRaw,
	); err != nil {
		return nil, err
	}
	entry.RuleID = ruleID.Int64
	entry.SourceID = sourceID.Int64
	entry.FetchLogID = fetchLogID.Int64
	entry.DownloadItemID = itemID.Int64
	entry.EntryJSON = entryJSON.String
	entry.CreatedAt = parseTime(createdRaw)
	return &entry, nil
}
