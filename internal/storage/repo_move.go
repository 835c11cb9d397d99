package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

type moveRepository struct {
	db *sql.DB
	w  *writer
}

type rowScanner interface {
	Scan(dest ...any) error
}

// Start opens a new move on a travel. A travel holds at most one open move and
// its moves never overlap, so the start must not precede any earlier end.
func (r *moveRepository) Start(ctx context.Context, move *Move) error {
	if move == nil {
		return fmt.Errorf("start move: move is nil")
	}
	if move.TravelID == "" {
		return fmt.Errorf("start move: %w: travel id is required", ErrUnknownTravel)
	}

	move.ID = ensureID(move.ID)
	if move.Start.IsZero() {
		move.Start = nowUTC()
	}
	move.Start = Truncate(move.Start)
	move.End = nil
	start := toMillis(move.Start)

	return r.w.withTx(ctx, "start move", func(tx *sql.Tx) error {
		exists, err := travelExists(ctx, tx, move.TravelID)
		if err != nil {
			return err
		}
		if !exists {
			return fmt.Errorf("start move: travel %s: %w", move.TravelID, ErrUnknownTravel)
		}

		var openID string
		err = tx.QueryRowContext(ctx, `
			SELECT move_id FROM move
			WHERE travel_id = ? AND end_timestamp IS NULL
			LIMIT 1
		`, move.TravelID).Scan(&openID)
		switch {
		case err == nil:
			return fmt.Errorf("start move: travel %s still has open move %s: %w", move.TravelID, openID, ErrOverlappingMove)
		case !errors.Is(err, sql.ErrNoRows):
			return unavailable("start move: lookup open move", err)
		}

		var latestEnd sql.NullInt64
		if err := tx.QueryRowContext(ctx, `SELECT MAX(end_timestamp) FROM move WHERE travel_id = ?`, move.TravelID).Scan(&latestEnd); err != nil {
			return unavailable("start move: lookup latest end", err)
		}
		if latestEnd.Valid && start < latestEnd.Int64 {
			return fmt.Errorf("start move: start %s precedes previous end %s: %w",
				fmtTime(move.Start), fmtTime(fromMillis(latestEnd.Int64)), ErrOverlappingMove)
		}

		if _, err := tx.ExecContext(ctx, `
			INSERT INTO move(move_id, travel_id, start_timestamp, end_timestamp)
			VALUES(?, ?, ?, NULL)
		`, move.ID, move.TravelID, start); err != nil {
			if isPrimaryKeyViolation(err) {
				return fmt.Errorf("start move %s: %w", move.ID, ErrDuplicateIdentifier)
			}
			if isForeignKeyViolation(err) {
				return fmt.Errorf("start move: travel %s: %w", move.TravelID, ErrUnknownTravel)
			}
			return unavailable("start move", err)
		}

		// Fixes recorded ahead of the move (buffered sensor output) join it now.
		if _, err := tx.ExecContext(ctx, `
			UPDATE geolocation SET move_id = ?
			WHERE move_id IS NULL AND timestamp >= ?
		`, move.ID, start); err != nil {
			return unavailable("start move: link geolocations", err)
		}
		return nil
	})
}

// End closes an open move. Re-ending is rejected so double-close bugs surface.
func (r *moveRepository) End(ctx context.Context, moveID string, end time.Time) (*Move, error) {
	end = Truncate(end)

	var ended *Move
	err := r.w.withTx(ctx, "end move", func(tx *sql.Tx) error {
		move, err := scanMove(tx.QueryRowContext(ctx, `
			SELECT move_id, travel_id, start_timestamp, end_timestamp
			FROM move
			WHERE move_id = ?
		`, moveID))
		if err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return fmt.Errorf("end move %s: %w", moveID, ErrUnknownMove)
			}
			return unavailable("end move", err)
		}
		if move.End != nil {
			return fmt.Errorf("end move %s: ended at %s: %w", moveID, fmtTime(*move.End), ErrAlreadyEnded)
		}
		if end.Before(move.Start) {
			return fmt.Errorf("end move %s: end %s before start %s: %w", moveID, fmtTime(end), fmtTime(move.Start), ErrInvalidInterval)
		}

		if _, err := tx.ExecContext(ctx, `
			UPDATE move SET end_timestamp = ?
			WHERE move_id = ? AND end_timestamp IS NULL
		`, toMillis(end), moveID); err != nil {
			return unavailable("end move", err)
		}
		if _, err := tx.ExecContext(ctx, `
			UPDATE geolocation SET move_id = NULL
			WHERE move_id = ? AND timestamp > ?
		`, moveID, toMillis(end)); err != nil {
			return unavailable("end move: unlink geolocations", err)
		}
		if err := relinkGeolocations(ctx, tx, toMillis(end)+1, nil); err != nil {
			return unavailable("end move: relink geolocations", err)
		}

		move.End = &end
		ended = move
		return nil
	})
	if err != nil {
		return nil, err
	}
	return ended, nil
}

func (r *moveRepository) Get(ctx context.Context, moveID string) (*Move, error) {
	move, err := scanMove(r.db.QueryRowContext(ctx, `
		SELECT move_id, travel_id, start_timestamp, end_timestamp
		FROM move
		WHERE move_id = ?
	`, moveID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("get move %s: %w", moveID, ErrUnknownMove)
		}
		return nil, unavailable("get move", err)
	}
	return move, nil
}

func (r *moveRepository) ListByTravel(ctx context.Context, travelID string) ([]Move, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT move_id, travel_id, start_timestamp, end_timestamp
		FROM move
		WHERE travel_id = ?
		ORDER BY start_timestamp ASC, rowid ASC
	`, travelID)
	if err != nil {
		return nil, unavailable("list moves by travel", err)
	}
	defer func() { _ = rows.Close() }()

	moves := []Move{}
	for rows.Next() {
		move, err := scanMove(rows)
		if err != nil {
			return nil, unavailable("list moves by travel: scan row", err)
		}
		moves = append(moves, *move)
	}
	if err := rows.Err(); err != nil {
		return nil, unavailable("list moves by travel: iterate", err)
	}

	if len(moves) == 0 {
		var found int
		err := r.db.QueryRowContext(ctx, `SELECT 1 FROM travel WHERE id = ?`, travelID).Scan(&found)
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("list moves by travel %s: %w", travelID, ErrUnknownTravel)
		}
		if err != nil {
			return nil, unavailable("list moves by travel: lookup travel", err)
		}
	}
	return moves, nil
}

func scanMove(row rowScanner) (*Move, error) {
	var (
		move  Move
		start int64
		end   sql.NullInt64
	)
	if err := row.Scan(&move.ID, &move.TravelID, &start, &end); err != nil {
		return nil, err
	}
	move.Start = fromMillis(start)
	move.End = nullableMillis(end)
	return &move, nil
}
