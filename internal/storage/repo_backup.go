package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math"
	"strings"
)

type backupRepository struct {
	db *sql.DB
	w  *writer
}

// Snapshot reads every travel, move and fix under the write lock so the three
// lists agree with each other.
func (r *backupRepository) Snapshot(ctx context.Context) (*Snapshot, error) {
	snapshot := &Snapshot{}
	err := r.w.withTx(ctx, "snapshot", func(tx *sql.Tx) error {
		var err error
		if snapshot.Travels, err = snapshotTravels(ctx, tx); err != nil {
			return err
		}
		if snapshot.Moves, err = snapshotMoves(ctx, tx); err != nil {
			return err
		}
		snapshot.Geolocations, err = snapshotGeolocations(ctx, tx)
		return err
	})
	if err != nil {
		return nil, err
	}
	return snapshot, nil
}

// Restore writes a snapshot in one transaction. Identifiers and timestamps
// must not collide with rows already present unless replace is set. Move
// links of the restored fixes are derived from the spans, not copied.
func (r *backupRepository) Restore(ctx context.Context, snapshot *Snapshot, replace bool) error {
	if snapshot == nil {
		return fmt.Errorf("restore backup: snapshot is nil")
	}
	if err := validateSnapshot(snapshot); err != nil {
		return fmt.Errorf("restore backup: %w", err)
	}

	return r.w.withTx(ctx, "restore backup", func(tx *sql.Tx) error {
		if replace {
			for _, stmt := range []string{
				`DELETE FROM geolocation`,
				`DELETE FROM move`,
				`DELETE FROM travel`,
			} {
				if _, err := tx.ExecContext(ctx, stmt); err != nil {
					return unavailable("restore backup: clear", err)
				}
			}
		}

		now := nowUTC()
		for _, travel := range snapshot.Travels {
			created, updated := travel.CreatedAt, travel.UpdatedAt
			if created.IsZero() {
				created = now
			}
			if updated.IsZero() {
				updated = created
			}
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO travel(id, name, description, created_at, updated_at)
				VALUES(?, ?, ?, ?, ?)
			`, travel.ID, travel.Name, travel.Description, fmtTime(created), fmtTime(updated)); err != nil {
				if isPrimaryKeyViolation(err) {
					return fmt.Errorf("restore backup: travel %s: %w", travel.ID, ErrDuplicateIdentifier)
				}
				return unavailable("restore backup: insert travel", err)
			}
		}

		for _, move := range snapshot.Moves {
			var end sql.NullInt64
			if move.End != nil {
				end = sql.NullInt64{Int64: toMillis(*move.End), Valid: true}
			}
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO move(move_id, travel_id, start_timestamp, end_timestamp)
				VALUES(?, ?, ?, ?)
			`, move.ID, move.TravelID, toMillis(move.Start), end); err != nil {
				switch {
				case isPrimaryKeyViolation(err):
					return fmt.Errorf("restore backup: move %s: %w", move.ID, ErrDuplicateIdentifier)
				case isForeignKeyViolation(err):
					return fmt.Errorf("restore backup: move %s: travel %s: %w", move.ID, move.TravelID, ErrUnknownTravel)
				}
				return unavailable("restore backup: insert move", err)
			}
		}
		if err := checkMoveOverlap(ctx, tx); err != nil {
			return err
		}

		minTS, maxTS := int64(math.MaxInt64), int64(math.MinInt64)
		for i := range snapshot.Geolocations {
			fix := snapshot.Geolocations[i]
			fix.Timestamp = Truncate(fix.Timestamp)
			if err := insertGeolocation(ctx, tx, "restore backup: geolocation", &fix, ""); err != nil {
				return err
			}
			ts := toMillis(fix.Timestamp)
			minTS, maxTS = min(minTS, ts), max(maxTS, ts)
		}

		for _, move := range snapshot.Moves {
			var end *int64
			if move.End != nil {
				v := toMillis(*move.End)
				end = &v
			}
			if err := recomputeLinks(ctx, tx, toMillis(move.Start), end); err != nil {
				return unavailable("restore backup: link geolocations", err)
			}
		}
		if len(snapshot.Geolocations) > 0 {
			if err := relinkGeolocations(ctx, tx, minTS, &maxTS); err != nil {
				return unavailable("restore backup: link geolocations", err)
			}
		}
		return nil
	})
}

func validateSnapshot(snapshot *Snapshot) error {
	for i, travel := range snapshot.Travels {
		if travel.ID == "" {
			return fmt.Errorf("travel %d: id is required", i)
		}
		if strings.TrimSpace(travel.Name) == "" {
			return fmt.Errorf("travel %s: name is required", travel.ID)
		}
	}
	for i, move := range snapshot.Moves {
		if move.ID == "" || move.TravelID == "" {
			return fmt.Errorf("move %d: id and travel id are required", i)
		}
		if move.Start.IsZero() {
			return fmt.Errorf("move %s: start is required", move.ID)
		}
		if move.End != nil && move.End.Before(move.Start) {
			return fmt.Errorf("move %s: %w: end %s before start %s", move.ID, ErrInvalidInterval, fmtTime(*move.End), fmtTime(move.Start))
		}
	}
	for i := range snapshot.Geolocations {
		fix := &snapshot.Geolocations[i]
		if fix.Timestamp.IsZero() {
			return fmt.Errorf("geolocation %d: timestamp is required", i)
		}
		if err := ValidateCoordinates(fix.Latitude, fix.Longitude); err != nil {
			return fmt.Errorf("geolocation %s: %w", fmtTime(fix.Timestamp), err)
		}
		if err := ValidateSensor(fix); err != nil {
			return fmt.Errorf("geolocation %s: %w", fmtTime(fix.Timestamp), err)
		}
	}
	return nil
}

// checkMoveOverlap rejects two moves of one travel whose spans overlap. Spans
// may touch; an open move extends without bound.
func checkMoveOverlap(ctx context.Context, tx *sql.Tx) error {
	var first, second string
	err := tx.QueryRowContext(ctx, `
		SELECT a.move_id, b.move_id
		FROM move a
		JOIN move b ON a.travel_id = b.travel_id AND a.move_id < b.move_id
		WHERE a.start_timestamp < COALESCE(b.end_timestamp, 9223372036854775807)
			AND b.start_timestamp < COALESCE(a.end_timestamp, 9223372036854775807)
		LIMIT 1
	`).Scan(&first, &second)
	if errors.Is(err, sql.ErrNoRows) {
		return nil
	}
	if err != nil {
		return unavailable("restore backup: check overlap", err)
	}
	return fmt.Errorf("restore backup: moves %s and %s: %w", first, second, ErrOverlappingMove)
}

func snapshotTravels(ctx context.Context, tx *sql.Tx) ([]Travel, error) {
	rows, err := tx.QueryContext(ctx, `
		SELECT id, name, description, created_at, updated_at
		FROM travel
		ORDER BY created_at ASC, id ASC
	`)
	if err != nil {
		return nil, unavailable("snapshot travels", err)
	}
	defer func() { _ = rows.Close() }()

	travels := []Travel{}
	for rows.Next() {
		var (
			t       Travel
			created string
			updated string
		)
		if err := rows.Scan(&t.ID, &t.Name, &t.Description, &created, &updated); err != nil {
			return nil, unavailable("snapshot travels: scan row", err)
		}
		if t.CreatedAt, err = parseTime(created); err != nil {
			return nil, err
		}
		if t.UpdatedAt, err = parseTime(updated); err != nil {
			return nil, err
		}
		travels = append(travels, t)
	}
	if err := rows.Err(); err != nil {
		return nil, unavailable("snapshot travels: iterate", err)
	}
	return travels, nil
}

func snapshotMoves(ctx context.Context, tx *sql.Tx) ([]Move, error) {
	rows, err := tx.QueryContext(ctx, `
		SELECT move_id, travel_id, start_timestamp, end_timestamp
		FROM move
		ORDER BY start_timestamp ASC, move_id ASC
	`)
	if err != nil {
		return nil, unavailable("snapshot moves", err)
	}
	defer func() { _ = rows.Close() }()

	moves := []Move{}
	for rows.Next() {
		move, err := scanMove(rows)
		if err != nil {
			return nil, unavailable("snapshot moves: scan row", err)
		}
		moves = append(moves, *move)
	}
	if err := rows.Err(); err != nil {
		return nil, unavailable("snapshot moves: iterate", err)
	}
	return moves, nil
}

func snapshotGeolocations(ctx context.Context, tx *sql.Tx) ([]Geolocation, error) {
	rows, err := tx.QueryContext(ctx, `SELECT `+geolocationColumns+` FROM geolocation ORDER BY timestamp ASC`)
	if err != nil {
		return nil, unavailable("snapshot geolocations", err)
	}
	defer func() { _ = rows.Close() }()

	fixes := []Geolocation{}
	for rows.Next() {
		fix, err := scanGeolocation(rows)
		if err != nil {
			return nil, unavailable("snapshot geolocations: scan row", err)
		}
		fixes = append(fixes, *fix)
	}
	if err := rows.Err(); err != nil {
		return nil, unavailable("snapshot geolocations: iterate", err)
	}
	return fixes, nil
}
