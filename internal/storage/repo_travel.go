package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
)

type travelRepository struct {
	db *sql.DB
	w  *writer
}

func (r *travelRepository) Create(ctx context.Context, travel *Travel) error {
	if travel == nil {
		return fmt.Errorf("create travel: travel is nil")
	}
	if strings.TrimSpace(travel.Name) == "" {
		return fmt.Errorf("create travel: name is required")
	}

	travel.ID = ensureID(travel.ID)
	now := nowUTC()
	travel.CreatedAt = now
	travel.UpdatedAt = now

	return r.w.withTx(ctx, "create travel", func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO travel(id, name, description, created_at, updated_at)
			VALUES(?, ?, ?, ?, ?)
		`, travel.ID, travel.Name, travel.Description, fmtTime(travel.CreatedAt), fmtTime(travel.UpdatedAt))
		if err != nil {
			if isPrimaryKeyViolation(err) {
				return fmt.Errorf("create travel %s: %w", travel.ID, ErrDuplicateIdentifier)
			}
			return unavailable("create travel", err)
		}
		return nil
	})
}

func (r *travelRepository) Get(ctx context.Context, id string) (*Travel, error) {
	var (
		t       Travel
		created string
		updated string
	)
	if err := r.db.QueryRowContext(ctx, `
		SELECT id, name, description, created_at, updated_at
		FROM travel
		WHERE id = ?
	`, id).Scan(&t.ID, &t.Name, &t.Description, &created, &updated); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("get travel %s: %w", id, ErrUnknownTravel)
		}
		return nil, unavailable("get travel", err)
	}

	var err error
	t.CreatedAt, err = parseTime(created)
	if err != nil {
		return nil, err
	}
	t.UpdatedAt, err = parseTime(updated)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func (r *travelRepository) List(ctx context.Context) ([]Travel, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, name, description, created_at, updated_at
		FROM travel
		ORDER BY created_at ASC, name ASC
	`)
	if err != nil {
		return nil, unavailable("list travels", err)
	}
	defer func() { _ = rows.Close() }()

	items := []Travel{}
	for rows.Next() {
		var (
			t       Travel
			created string
			updated string
		)
		if err := rows.Scan(&t.ID, &t.Name, &t.Description, &created, &updated); err != nil {
			return nil, unavailable("list travels: scan row", err)
		}
		t.CreatedAt, err = parseTime(created)
		if err != nil {
			return nil, err
		}
		t.UpdatedAt, err = parseTime(updated)
		if err != nil {
			return nil, err
		}
		items = append(items, t)
	}
	if err := rows.Err(); err != nil {
		return nil, unavailable("list travels: iterate", err)
	}
	return items, nil
}

func (r *travelRepository) Update(ctx context.Context, travel *Travel) error {
	if travel == nil {
		return fmt.Errorf("update travel: travel is nil")
	}
	if travel.ID == "" {
		return fmt.Errorf("update travel: id is required")
	}
	if strings.TrimSpace(travel.Name) == "" {
		return fmt.Errorf("update travel: name is required")
	}
	travel.UpdatedAt = nowUTC()

	return r.w.withTx(ctx, "update travel", func(tx *sql.Tx) error {
		result, err := tx.ExecContext(ctx, `
			UPDATE travel
			SET name = ?, description = ?, updated_at = ?
			WHERE id = ?
		`, travel.Name, travel.Description, fmtTime(travel.UpdatedAt), travel.ID)
		if err != nil {
			return unavailable("update travel", err)
		}
		count, err := result.RowsAffected()
		if err != nil {
			return unavailable("update travel: rows affected", err)
		}
		if count == 0 {
			return fmt.Errorf("update travel %s: %w", travel.ID, ErrUnknownTravel)
		}
		return nil
	})
}

// Delete removes the travel and its moves. Fixes that belonged to those moves
// are kept: a fix another move still spans is linked to it, the rest become
// unassigned history.
func (r *travelRepository) Delete(ctx context.Context, id string) error {
	return r.w.withTx(ctx, "delete travel", func(tx *sql.Tx) error {
		exists, err := travelExists(ctx, tx, id)
		if err != nil {
			return err
		}
		if !exists {
			return fmt.Errorf("delete travel %s: %w", id, ErrUnknownTravel)
		}

		spans, err := travelSpans(ctx, tx, id)
		if err != nil {
			return err
		}

		statements := []string{
			`UPDATE geolocation SET move_id = NULL WHERE move_id IN (SELECT move_id FROM move WHERE travel_id = ?)`,
			`DELETE FROM move WHERE travel_id = ?`,
			`DELETE FROM travel WHERE id = ?`,
		}
		for _, stmt := range statements {
			if _, err := tx.ExecContext(ctx, stmt, id); err != nil {
				return unavailable("delete travel", err)
			}
		}

		// Fixes that another travel's move also spans move over to it.
		for _, span := range spans {
			if err := relinkGeolocations(ctx, tx, span.start, span.end); err != nil {
				return unavailable("delete travel: relink geolocations", err)
			}
		}
		return nil
	})
}

type millisSpan struct {
	start int64
	end   *int64
}

func travelSpans(ctx context.Context, tx *sql.Tx, travelID string) ([]millisSpan, error) {
	rows, err := tx.QueryContext(ctx, `SELECT start_timestamp, end_timestamp FROM move WHERE travel_id = ?`, travelID)
	if err != nil {
		return nil, unavailable("delete travel: list moves", err)
	}
	defer func() { _ = rows.Close() }()

	spans := []millisSpan{}
	for rows.Next() {
		var (
			span millisSpan
			end  sql.NullInt64
		)
		if err := rows.Scan(&span.start, &end); err != nil {
			return nil, unavailable("delete travel: scan move", err)
		}
		if end.Valid {
			span.end = &end.Int64
		}
		spans = append(spans, span)
	}
	if err := rows.Err(); err != nil {
		return nil, unavailable("delete travel: iterate moves", err)
	}
	return spans, nil
}

func travelExists(ctx context.Context, tx *sql.Tx, id string) (bool, error) {
	var found int
	err := tx.QueryRowContext(ctx, `SELECT 1 FROM travel WHERE id = ?`, id).Scan(&found)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return false, nil
		}
		return false, unavailable("lookup travel", err)
	}
	return true, nil
}
