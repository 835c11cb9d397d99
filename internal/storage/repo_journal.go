package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

type journalRepository struct {
	db *sql.DB
	w  *writer
}

// ChainFunc computes an event hash from the previous chain tip.
type ChainFunc func(prev string) (string, error)

// Append reads the chain tip, links the event to it and advances the tip, all
// inside one write transaction. Writers from other processes are serialized
// by the immediate transaction lock, so two appends never share a tip.
func (r *journalRepository) Append(ctx context.Context, event *JournalEvent, chain ChainFunc) error {
	if event == nil {
		return fmt.Errorf("append journal event: event is nil")
	}
	if event.Action == "" {
		return fmt.Errorf("append journal event: action is required")
	}
	if chain == nil {
		return fmt.Errorf("append journal event: chain func is nil")
	}
	event.ID = ensureID(event.ID)
	if event.CreatedAt.IsZero() {
		event.CreatedAt = nowUTC()
	}
	if event.DetailsJSON == "" {
		event.DetailsJSON = "{}"
	}

	return r.w.withTx(ctx, "append journal event", func(tx *sql.Tx) error {
		prev, err := readChainTip(ctx, tx)
		if err != nil {
			return err
		}
		hash, err := chain(prev)
		if err != nil {
			return fmt.Errorf("append journal event: %w", err)
		}
		event.PrevHash = prev
		event.EventHash = hash

		if _, err := tx.ExecContext(ctx, `
			INSERT INTO journal_events(
				id, action, target_type, target_id, result, details_json, prev_hash, event_hash, created_at
			)
			VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?)
		`, event.ID, event.Action, event.TargetType, event.TargetID, event.Result, event.DetailsJSON, event.PrevHash, event.EventHash, fmtTime(event.CreatedAt)); err != nil {
			if isPrimaryKeyViolation(err) {
				return fmt.Errorf("append journal event %s: %w", event.ID, ErrDuplicateIdentifier)
			}
			return unavailable("append journal event", err)
		}
		if _, err := tx.ExecContext(ctx, `INSERT OR REPLACE INTO store_meta(key, value) VALUES(?, ?)`, journalChainTipKey, hash); err != nil {
			return unavailable("append journal event: write chain tip", err)
		}
		return nil
	})
}

func (r *journalRepository) List(ctx context.Context, filter JournalFilter) ([]JournalEvent, error) {
	limit := filter.Limit
	if limit <= 0 {
		limit = 1000
	}

	query := `
		SELECT id, action, target_type, target_id, result, details_json, prev_hash, event_hash, created_at
		FROM journal_events
		WHERE 1=1
	`
	args := make([]any, 0, 5)
	if filter.Action != "" {
		query += ` AND action = ? `
		args = append(args, filter.Action)
	}
	if filter.TargetID != "" {
		query += ` AND target_id = ? `
		args = append(args, filter.TargetID)
	}
	if filter.Since != nil {
		query += ` AND created_at >= ? `
		args = append(args, fmtTime(*filter.Since))
	}
	if filter.Until != nil {
		query += ` AND created_at <= ? `
		args = append(args, fmtTime(*filter.Until))
	}
	query += ` ORDER BY rowid ASC LIMIT ? `
	args = append(args, limit)

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, unavailable("list journal events", err)
	}
	defer rows.Close()

	events := []JournalEvent{}
	for rows.Next() {
		var (
			event   JournalEvent
			created string
		)
		if err := rows.Scan(
			&event.ID,
			&event.Action,
			&event.TargetType,
			&event.TargetID,
			&event.Result,
			&event.DetailsJSON,
			&event.PrevHash,
			&event.EventHash,
			&created,
		); err != nil {
			return nil, unavailable("list journal events: scan row", err)
		}
		event.CreatedAt, err = parseTime(created)
		if err != nil {
			return nil, err
		}
		events = append(events, event)
	}
	if err := rows.Err(); err != nil {
		return nil, unavailable("list journal events: iterate", err)
	}
	return events, nil
}

func (r *journalRepository) ChainTip(ctx context.Context) (string, error) {
	return readChainTip(ctx, r.db)
}

type queryRower interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func readChainTip(ctx context.Context, q queryRower) (string, error) {
	var tip string
	err := q.QueryRowContext(ctx, `SELECT value FROM store_meta WHERE key = ?`, journalChainTipKey).Scan(&tip)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", nil
		}
		return "", unavailable("read journal chain tip", err)
	}
	return tip, nil
}
