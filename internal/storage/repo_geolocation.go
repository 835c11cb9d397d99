package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

type geolocationRepository struct {
	db *sql.DB
	w  *writer
}

// Record inserts a raw fix and links it to the move whose span contains it.
// When spans of different travels overlap the most recently started move wins.
func (r *geolocationRepository) Record(ctx context.Context, fix *Geolocation) error {
	if fix == nil {
		return fmt.Errorf("record geolocation: fix is nil")
	}
	if fix.Timestamp.IsZero() {
		return fmt.Errorf("record geolocation: timestamp is required")
	}
	if err := ValidateCoordinates(fix.Latitude, fix.Longitude); err != nil {
		return fmt.Errorf("record geolocation: %w", err)
	}
	if err := ValidateSensor(fix); err != nil {
		return fmt.Errorf("record geolocation: %w", err)
	}
	fix.Timestamp = Truncate(fix.Timestamp)
	ts := toMillis(fix.Timestamp)

	return r.w.withTx(ctx, "record geolocation", func(tx *sql.Tx) error {
		var moveID string
		err := tx.QueryRowContext(ctx, `
			SELECT move_id FROM move
			WHERE start_timestamp <= ? AND (end_timestamp IS NULL OR end_timestamp >= ?)
			ORDER BY start_timestamp DESC
			LIMIT 1
		`, ts, ts).Scan(&moveID)
		if err != nil && !errors.Is(err, sql.ErrNoRows) {
			return unavailable("record geolocation: lookup move", err)
		}

		if err := insertGeolocation(ctx, tx, "record geolocation", fix, moveID); err != nil {
			return err
		}
		fix.MoveID = moveID
		return nil
	})
}

func (r *geolocationRepository) Get(ctx context.Context, timestamp time.Time) (*Geolocation, error) {
	fix, err := scanGeolocation(r.db.QueryRowContext(ctx, `
		SELECT `+geolocationColumns+`
		FROM geolocation
		WHERE timestamp = ?
	`, toMillis(timestamp)))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("get geolocation %s: %w", fmtTime(timestamp), ErrNotFound)
		}
		return nil, unavailable("get geolocation", err)
	}
	return fix, nil
}

// ListByMove returns the fixes inside the move's span in time order. The span
// is authoritative: fixes recorded before the move was started still appear.
func (r *geolocationRepository) ListByMove(ctx context.Context, moveID string) ([]Geolocation, error) {
	move, err := scanMove(r.db.QueryRowContext(ctx, `
		SELECT move_id, travel_id, start_timestamp, end_timestamp
		FROM move
		WHERE move_id = ?
	`, moveID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("list geolocations for move %s: %w", moveID, ErrUnknownMove)
		}
		return nil, unavailable("list geolocations for move", err)
	}

	return r.listSpan(ctx, "list geolocations for move", move.Start, move.End)
}

// ListRange returns fixes with from <= timestamp <= to. A zero to leaves the
// window open-ended.
func (r *geolocationRepository) ListRange(ctx context.Context, from, to time.Time) ([]Geolocation, error) {
	var upper *time.Time
	if !to.IsZero() {
		if to.Before(from) {
			return nil, fmt.Errorf("list geolocations: %w: to %s before from %s", ErrInvalidInterval, fmtTime(to), fmtTime(from))
		}
		upper = &to
	}
	return r.listSpan(ctx, "list geolocations", from, upper)
}

func (r *geolocationRepository) Prune(ctx context.Context, before time.Time) (int64, error) {
	var removed int64
	err := r.w.withTx(ctx, "prune geolocations", func(tx *sql.Tx) error {
		result, err := tx.ExecContext(ctx, `DELETE FROM geolocation WHERE timestamp < ?`, toMillis(before))
		if err != nil {
			return unavailable("prune geolocations", err)
		}
		removed, err = result.RowsAffected()
		if err != nil {
			return unavailable("prune geolocations: rows affected", err)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return removed, nil
}

func (r *geolocationRepository) listSpan(ctx context.Context, op string, from time.Time, to *time.Time) ([]Geolocation, error) {
	query := `
		SELECT ` + geolocationColumns + `
		FROM geolocation
		WHERE timestamp >= ?
	`
	args := []any{toMillis(from)}
	if to != nil {
		query += ` AND timestamp <= ? `
		args = append(args, toMillis(*to))
	}
	query += ` ORDER BY timestamp ASC `

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, unavailable(op, err)
	}
	defer func() { _ = rows.Close() }()

	fixes := []Geolocation{}
	for rows.Next() {
		fix, err := scanGeolocation(rows)
		if err != nil {
			return nil, unavailable(op+": scan row", err)
		}
		fixes = append(fixes, *fix)
	}
	if err := rows.Err(); err != nil {
		return nil, unavailable(op+": iterate", err)
	}
	return fixes, nil
}

const geolocationColumns = `timestamp, latitude, longitude, move_id, altitude, altitude_accuracy, speed, heading`

func insertGeolocation(ctx context.Context, tx *sql.Tx, op string, fix *Geolocation, moveID string) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO geolocation(`+geolocationColumns+`)
		VALUES(?, ?, ?, ?, ?, ?, ?, ?)
	`, toMillis(fix.Timestamp), fix.Latitude, fix.Longitude, nullableString(moveID),
		nullableFloat(fix.Altitude), nullableFloat(fix.AltitudeAccuracy), nullableFloat(fix.Speed), nullableFloat(fix.Heading))
	if err != nil {
		if isPrimaryKeyViolation(err) {
			return fmt.Errorf("%s %s: %w", op, fmtTime(fix.Timestamp), ErrDuplicateTimestamp)
		}
		return unavailable(op, err)
	}
	return nil
}

func scanGeolocation(row rowScanner) (*Geolocation, error) {
	var (
		fix      Geolocation
		ts       int64
		moveID   sql.NullString
		altitude sql.NullFloat64
		accuracy sql.NullFloat64
		speed    sql.NullFloat64
		heading  sql.NullFloat64
	)
	if err := row.Scan(&ts, &fix.Latitude, &fix.Longitude, &moveID, &altitude, &accuracy, &speed, &heading); err != nil {
		return nil, err
	}
	fix.Timestamp = fromMillis(ts)
	fix.MoveID = moveID.String
	fix.Altitude = floatPtr(altitude)
	fix.AltitudeAccuracy = floatPtr(accuracy)
	fix.Speed = floatPtr(speed)
	fix.Heading = floatPtr(heading)
	return &fix, nil
}

// relinkGeolocations assigns unlinked fixes in [from, to] to the move whose
// span contains them, latest start first. A nil to leaves the window open.
func relinkGeolocations(ctx context.Context, tx *sql.Tx, from int64, to *int64) error {
	return linkSpan(ctx, tx, from, to, true)
}

// recomputeLinks re-derives the link of every fix in [from, to].
func recomputeLinks(ctx context.Context, tx *sql.Tx, from int64, to *int64) error {
	return linkSpan(ctx, tx, from, to, false)
}

func linkSpan(ctx context.Context, tx *sql.Tx, from int64, to *int64, unlinkedOnly bool) error {
	query := `
		UPDATE geolocation SET move_id = (
			SELECT m.move_id FROM move m
			WHERE m.start_timestamp <= geolocation.timestamp
				AND (m.end_timestamp IS NULL OR m.end_timestamp >= geolocation.timestamp)
			ORDER BY m.start_timestamp DESC
			LIMIT 1
		)
		WHERE timestamp >= ?
	`
	args := []any{from}
	if to != nil {
		query += ` AND timestamp <= ? `
		args = append(args, *to)
	}
	if unlinkedOnly {
		query += ` AND move_id IS NULL `
	}
	_, err := tx.ExecContext(ctx, query, args...)
	return err
}
