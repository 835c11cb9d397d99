package storage

import (
	"context"
	"database/sql"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"runtime"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"
)

func TestCreateTravelThenListMovesIsEmpty(t *testing.T) {
	t.Parallel()

	store := newTestStore(t)
	ctx := context.Background()

	for _, tc := range []struct{ name, description string }{
		{"Kyoto", "autumn leaves"},
		{"commute", ""},
		{"東京", "説明"},
	} {
		travel := &Travel{Name: tc.name, Description: tc.description}
		require.NoError(t, store.Travels.Create(ctx, travel))
		require.NotEmpty(t, travel.ID)

		moves, err := store.Moves.ListByTravel(ctx, travel.ID)
		require.NoError(t, err)
		require.NotNil(t, moves)
		require.Empty(t, moves)
	}
}

func TestCreateTravelRejectsDuplicateIdentifier(t *testing.T) {
	t.Parallel()

	store := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.Travels.Create(ctx, &Travel{ID: "fixed", Name: "first"}))
	err := store.Travels.Create(ctx, &Travel{ID: "fixed", Name: "second"})
	require.ErrorIs(t, err, ErrDuplicateIdentifier)
}

func TestTravelGetUpdateList(t *testing.T) {
	t.Parallel()

	store := newTestStore(t)
	ctx := context.Background()

	travel := &Travel{Name: "Hokkaido", Description: "ski"}
	require.NoError(t, store.Travels.Create(ctx, travel))
	before := travel.UpdatedAt

	time.Sleep(5 * time.Millisecond)
	travel.Name = "Hokkaido 2026"
	travel.Description = "ski and onsen"
	require.NoError(t, store.Travels.Update(ctx, travel))
	require.True(t, travel.UpdatedAt.After(before))

	loaded, err := store.Travels.Get(ctx, travel.ID)
	require.NoError(t, err)
	require.Equal(t, "Hokkaido 2026", loaded.Name)
	require.Equal(t, "ski and onsen", loaded.Description)

	list, err := store.Travels.List(ctx)
	require.NoError(t, err)
	require.Len(t, list, 1)

	err = store.Travels.Update(ctx, &Travel{ID: "missing", Name: "x"})
	require.ErrorIs(t, err, ErrUnknownTravel)

	_, err = store.Travels.Get(ctx, "missing")
	require.ErrorIs(t, err, ErrUnknownTravel)
}

func TestStartMoveAppearsOpenInList(t *testing.T) {
	t.Parallel()

	store := newTestStore(t)
	ctx := context.Background()
	travel := mustTravel(t, store, "T1")

	move := &Move{TravelID: travel.ID, Start: ms(100)}
	require.NoError(t, store.Moves.Start(ctx, move))
	require.NotEmpty(t, move.ID)

	moves, err := store.Moves.ListByTravel(ctx, travel.ID)
	require.NoError(t, err)
	require.Len(t, moves, 1)
	require.Equal(t, move.ID, moves[0].ID)
	require.Equal(t, ms(100), moves[0].Start)
	require.Nil(t, moves[0].End)
	require.True(t, moves[0].Open())
}

func TestStartMoveUnknownTravel(t *testing.T) {
	t.Parallel()

	store := newTestStore(t)
	err := store.Moves.Start(context.Background(), &Move{TravelID: "nope", Start: ms(1)})
	require.ErrorIs(t, err, ErrUnknownTravel)

	_, err = store.Moves.ListByTravel(context.Background(), "nope")
	require.ErrorIs(t, err, ErrUnknownTravel)
}

func TestStartMoveRejectsOverlapWithinTravel(t *testing.T) {
	t.Parallel()

	store := newTestStore(t)
	ctx := context.Background()
	travel := mustTravel(t, store, "T1")

	first := &Move{TravelID: travel.ID, Start: ms(100)}
	require.NoError(t, store.Moves.Start(ctx, first))

	err := store.Moves.Start(ctx, &Move{TravelID: travel.ID, Start: ms(200)})
	require.ErrorIs(t, err, ErrOverlappingMove)

	_, err = store.Moves.End(ctx, first.ID, ms(150))
	require.NoError(t, err)

	err = store.Moves.Start(ctx, &Move{TravelID: travel.ID, Start: ms(149)})
	require.ErrorIs(t, err, ErrOverlappingMove)

	touching := &Move{TravelID: travel.ID, Start: ms(150)}
	require.NoError(t, store.Moves.Start(ctx, touching))

	other := mustTravel(t, store, "T2")
	require.NoError(t, store.Moves.Start(ctx, &Move{TravelID: other.ID, Start: ms(120)}))

	moves, err := store.Moves.ListByTravel(ctx, travel.ID)
	require.NoError(t, err)
	require.Len(t, moves, 2)
	require.Equal(t, first.ID, moves[0].ID)
	require.Equal(t, touching.ID, moves[1].ID)
}

func TestEndMoveErrors(t *testing.T) {
	t.Parallel()

	store := newTestStore(t)
	ctx := context.Background()
	travel := mustTravel(t, store, "T1")

	move := &Move{TravelID: travel.ID, Start: ms(100)}
	require.NoError(t, store.Moves.Start(ctx, move))

	_, err := store.Moves.End(ctx, move.ID, ms(99))
	require.ErrorIs(t, err, ErrInvalidInterval)

	ended, err := store.Moves.End(ctx, move.ID, ms(100))
	require.NoError(t, err)
	require.NotNil(t, ended.End)
	require.Equal(t, ms(100), *ended.End)

	_, err = store.Moves.End(ctx, move.ID, ms(100))
	require.ErrorIs(t, err, ErrAlreadyEnded)

	_, err = store.Moves.End(ctx, "missing", ms(100))
	require.ErrorIs(t, err, ErrUnknownMove)

	loaded, err := store.Moves.Get(ctx, move.ID)
	require.NoError(t, err)
	require.Equal(t, ms(100), *loaded.End)
}

func TestRecordGeolocationOutOfRange(t *testing.T) {
	t.Parallel()

	store := newTestStore(t)
	ctx := context.Background()

	cases := []struct {
		name     string
		lat, lon float64
	}{
		{"latitude above", 91, 0},
		{"latitude below", -90.0001, 0},
		{"longitude above", 0, 181},
		{"longitude below", 0, -180.5},
	}
	for i, tc := range cases {
		err := store.Geolocations.Record(ctx, &Geolocation{Timestamp: ms(int64(i + 1)), Latitude: tc.lat, Longitude: tc.lon})
		require.ErrorIsf(t, err, ErrOutOfRange, tc.name)
	}

	require.NoError(t, store.Geolocations.Record(ctx, &Geolocation{Timestamp: ms(50), Latitude: 90, Longitude: -180}))

	stats, err := store.Stats(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, stats.Geolocations)
}

func TestRecordGeolocationDuplicateTimestamp(t *testing.T) {
	t.Parallel()

	store := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.Geolocations.Record(ctx, &Geolocation{Timestamp: ms(1000), Latitude: 35, Longitude: 139}))
	err := store.Geolocations.Record(ctx, &Geolocation{Timestamp: ms(1000), Latitude: 36, Longitude: 140})
	require.ErrorIs(t, err, ErrDuplicateTimestamp)

	// Sub-millisecond differences collapse onto the same instant.
	err = store.Geolocations.Record(ctx, &Geolocation{Timestamp: ms(1000).Add(300 * time.Microsecond), Latitude: 36, Longitude: 140})
	require.ErrorIs(t, err, ErrDuplicateTimestamp)
}

func TestRecordGeolocationPointLookupRoundTrip(t *testing.T) {
	t.Parallel()

	store := newTestStore(t)
	ctx := context.Background()

	ts := time.Date(2026, 3, 14, 9, 26, 53, 589_000_000, time.UTC)
	require.NoError(t, store.Geolocations.Record(ctx, &Geolocation{Timestamp: ts, Latitude: 35.681236, Longitude: 139.767125}))

	fix, err := store.Geolocations.Get(ctx, ts)
	require.NoError(t, err)
	require.True(t, ts.Equal(fix.Timestamp))
	require.Equal(t, 35.681236, fix.Latitude)
	require.Equal(t, 139.767125, fix.Longitude)

	_, err = store.Geolocations.Get(ctx, ts.Add(time.Second))
	require.ErrorIs(t, err, ErrNotFound)
}

func TestRecordGeolocationSensorReadings(t *testing.T) {
	t.Parallel()

	store := newTestStore(t)
	ctx := context.Background()

	fix := &Geolocation{
		Timestamp:        ms(10),
		Latitude:         35,
		Longitude:        139,
		Altitude:         float(-12.5),
		AltitudeAccuracy: float(3),
		Speed:            float(0),
		Heading:          float(359.9),
	}
	require.NoError(t, store.Geolocations.Record(ctx, fix))

	got, err := store.Geolocations.Get(ctx, ms(10))
	require.NoError(t, err)
	require.Equal(t, -12.5, *got.Altitude)
	require.Equal(t, 3.0, *got.AltitudeAccuracy)
	require.Equal(t, 0.0, *got.Speed)
	require.Equal(t, 359.9, *got.Heading)

	bad := []Geolocation{
		{AltitudeAccuracy: float(-1)},
		{Speed: float(-0.1)},
		{Heading: float(360)},
		{Altitude: float(math.Inf(1))},
	}
	for i, b := range bad {
		b.Timestamp = ms(int64(100 + i))
		err := store.Geolocations.Record(ctx, &b)
		require.ErrorIs(t, err, ErrOutOfRange)
	}
}

func TestMoveScenarioListsFixesInOrder(t *testing.T) {
	t.Parallel()

	store := newTestStore(t)
	ctx := context.Background()
	travel := mustTravel(t, store, "T1")

	m1 := &Move{TravelID: travel.ID, Start: ms(100)}
	require.NoError(t, store.Moves.Start(ctx, m1))

	// Recorded out of order on purpose.
	for _, ts := range []int64{110, 100, 105} {
		fix := &Geolocation{Timestamp: ms(ts), Latitude: 35 + float64(ts)/1000, Longitude: 139}
		require.NoError(t, store.Geolocations.Record(ctx, fix))
		require.Equal(t, m1.ID, fix.MoveID)
	}
	// Outside the span.
	require.NoError(t, store.Geolocations.Record(ctx, &Geolocation{Timestamp: ms(99), Latitude: 1, Longitude: 1}))

	_, err := store.Moves.End(ctx, m1.ID, ms(110))
	require.NoError(t, err)
	require.NoError(t, store.Geolocations.Record(ctx, &Geolocation{Timestamp: ms(111), Latitude: 1, Longitude: 1}))

	fixes, err := store.Geolocations.ListByMove(ctx, m1.ID)
	require.NoError(t, err)
	require.Len(t, fixes, 3)
	require.Equal(t, ms(100), fixes[0].Timestamp)
	require.Equal(t, ms(105), fixes[1].Timestamp)
	require.Equal(t, ms(110), fixes[2].Timestamp)
}

func TestOpenMoveListsAllFixesFromStart(t *testing.T) {
	t.Parallel()

	store := newTestStore(t)
	ctx := context.Background()
	travel := mustTravel(t, store, "T1")

	move := &Move{TravelID: travel.ID, Start: ms(100)}
	require.NoError(t, store.Moves.Start(ctx, move))
	for _, ts := range []int64{50, 100, 5000, 999999} {
		require.NoError(t, store.Geolocations.Record(ctx, &Geolocation{Timestamp: ms(ts), Latitude: 0, Longitude: 0}))
	}

	fixes, err := store.Geolocations.ListByMove(ctx, move.ID)
	require.NoError(t, err)
	require.Len(t, fixes, 3)
	require.Equal(t, ms(100), fixes[0].Timestamp)

	_, err = store.Geolocations.ListByMove(ctx, "missing")
	require.ErrorIs(t, err, ErrUnknownMove)
}

func TestMaterializedMoveLinkFollowsSpan(t *testing.T) {
	t.Parallel()

	store := newTestStore(t)
	ctx := context.Background()
	travel := mustTravel(t, store, "T1")

	// Buffered fix recorded before the move exists.
	require.NoError(t, store.Geolocations.Record(ctx, &Geolocation{Timestamp: ms(120), Latitude: 1, Longitude: 1}))

	move := &Move{TravelID: travel.ID, Start: ms(100)}
	require.NoError(t, store.Moves.Start(ctx, move))
	require.NoError(t, store.Geolocations.Record(ctx, &Geolocation{Timestamp: ms(300), Latitude: 1, Longitude: 1}))
	require.Equal(t, move.ID, mustMoveLink(t, store, 120))
	require.Equal(t, move.ID, mustMoveLink(t, store, 300))

	_, err := store.Moves.End(ctx, move.ID, ms(200))
	require.NoError(t, err)
	require.Equal(t, move.ID, mustMoveLink(t, store, 120))
	require.Equal(t, "", mustMoveLink(t, store, 300))
}

func TestDeleteTravelCascadesMovesKeepsFixes(t *testing.T) {
	t.Parallel()

	store := newTestStore(t)
	ctx := context.Background()
	travel := mustTravel(t, store, "T1")

	move := &Move{TravelID: travel.ID, Start: ms(100)}
	require.NoError(t, store.Moves.Start(ctx, move))
	require.NoError(t, store.Geolocations.Record(ctx, &Geolocation{Timestamp: ms(105), Latitude: 2, Longitude: 3}))

	require.NoError(t, store.Travels.Delete(ctx, travel.ID))

	_, err := store.Travels.Get(ctx, travel.ID)
	require.ErrorIs(t, err, ErrUnknownTravel)
	_, err = store.Moves.Get(ctx, move.ID)
	require.ErrorIs(t, err, ErrUnknownMove)

	fix, err := store.Geolocations.Get(ctx, ms(105))
	require.NoError(t, err)
	require.Empty(t, fix.MoveID)

	err = store.Travels.Delete(ctx, travel.ID)
	require.ErrorIs(t, err, ErrUnknownTravel)
}

func TestDeleteTravelRelinksFixesToOverlappingMove(t *testing.T) {
	t.Parallel()

	store := newTestStore(t)
	ctx := context.Background()
	outer := mustTravel(t, store, "outer")
	inner := mustTravel(t, store, "inner")

	long := &Move{TravelID: outer.ID, Start: ms(100)}
	require.NoError(t, store.Moves.Start(ctx, long))
	short := &Move{TravelID: inner.ID, Start: ms(200)}
	require.NoError(t, store.Moves.Start(ctx, short))
	_, err := store.Moves.End(ctx, short.ID, ms(300))
	require.NoError(t, err)

	for _, ts := range []int64{150, 250, 400} {
		require.NoError(t, store.Geolocations.Record(ctx, &Geolocation{Timestamp: ms(ts), Latitude: 1, Longitude: 1}))
	}
	require.Equal(t, short.ID, mustMoveLink(t, store, 250))

	require.NoError(t, store.Travels.Delete(ctx, inner.ID))
	for _, ts := range []int64{150, 250, 400} {
		require.Equal(t, long.ID, mustMoveLink(t, store, ts))
	}

	require.NoError(t, store.Travels.Delete(ctx, outer.ID))
	stats, err := store.Stats(ctx)
	require.NoError(t, err)
	require.Equal(t, 3, stats.Unassigned)
}

func TestEndMoveRelinksFixesToOverlappingMove(t *testing.T) {
	t.Parallel()

	store := newTestStore(t)
	ctx := context.Background()
	outer := mustTravel(t, store, "outer")
	inner := mustTravel(t, store, "inner")

	long := &Move{TravelID: outer.ID, Start: ms(100)}
	require.NoError(t, store.Moves.Start(ctx, long))
	short := &Move{TravelID: inner.ID, Start: ms(200)}
	require.NoError(t, store.Moves.Start(ctx, short))
	require.NoError(t, store.Geolocations.Record(ctx, &Geolocation{Timestamp: ms(250), Latitude: 1, Longitude: 1}))
	require.Equal(t, short.ID, mustMoveLink(t, store, 250))

	_, err := store.Moves.End(ctx, short.ID, ms(220))
	require.NoError(t, err)
	require.Equal(t, long.ID, mustMoveLink(t, store, 250))
}

func TestListRangeAndPrune(t *testing.T) {
	t.Parallel()

	store := newTestStore(t)
	ctx := context.Background()
	for _, ts := range []int64{10, 20, 30, 40} {
		require.NoError(t, store.Geolocations.Record(ctx, &Geolocation{Timestamp: ms(ts), Latitude: 0, Longitude: 0}))
	}

	window, err := store.Geolocations.ListRange(ctx, ms(20), ms(30))
	require.NoError(t, err)
	require.Len(t, window, 2)

	_, err = store.Geolocations.ListRange(ctx, ms(30), ms(20))
	require.ErrorIs(t, err, ErrInvalidInterval)

	removed, err := store.Geolocations.Prune(ctx, ms(30))
	require.NoError(t, err)
	require.EqualValues(t, 2, removed)

	rest, err := store.Geolocations.ListRange(ctx, ms(0), time.Time{})
	require.NoError(t, err)
	require.Len(t, rest, 2)
	require.Equal(t, ms(30), rest[0].Timestamp)
}

func TestConcurrentRecordsAreSerialized(t *testing.T) {
	t.Parallel()

	store := newTestStore(t)
	ctx := context.Background()

	const writers = 8
	const perWriter = 25
	errCh := make(chan error, writers*perWriter)
	var wg sync.WaitGroup
	for w := 0; w < writers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < perWriter; i++ {
				// Every writer races for the same instants; exactly one wins each.
				err := store.Geolocations.Record(ctx, &Geolocation{Timestamp: ms(int64(i + 1)), Latitude: float64(w), Longitude: 0})
				if err != nil {
					errCh <- err
				}
			}
		}(w)
	}
	wg.Wait()
	close(errCh)

	failures := 0
	for err := range errCh {
		require.ErrorIs(t, err, ErrDuplicateTimestamp)
		failures++
	}
	require.Equal(t, (writers-1)*perWriter, failures)

	stats, err := store.Stats(ctx)
	require.NoError(t, err)
	require.Equal(t, perWriter, stats.Geolocations)
}

func TestUUIDUniquenessForTravelCreation(t *testing.T) {
	t.Parallel()

	store := newTestStore(t)
	ctx := context.Background()
	ids := map[string]struct{}{}
	for i := 0; i < 500; i++ {
		travel := &Travel{Name: fmt.Sprintf("travel-%d", i)}
		require.NoError(t, store.Travels.Create(ctx, travel))
		_, exists := ids[travel.ID]
		require.False(t, exists)
		ids[travel.ID] = struct{}{}
	}
}

func TestStorageUnavailableAfterClose(t *testing.T) {
	t.Parallel()

	store := newTestStore(t)
	require.NoError(t, store.DB().Close())

	err := store.Travels.Create(context.Background(), &Travel{Name: "late"})
	require.ErrorIs(t, err, ErrStorageUnavailable)
}

func TestDBFilePermissions0600OnUnix(t *testing.T) {
	t.Parallel()
	if runtime.GOOS == "windows" {
		t.Skip("permissions assertion is unix-specific")
	}

	path := filepath.Join(t.TempDir(), "overmove.db")
	store, err := Open(path, Options{})
	require.NoError(t, err)
	defer closeStoreNoErr(t, store)

	info, err := os.Stat(path)
	require.NoError(t, err)
	require.Equal(t, os.FileMode(0o600), info.Mode().Perm())
}

func newTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := Open(rawDBPath(t), Options{})
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func mustTravel(t *testing.T, store *Store, name string) *Travel {
	t.Helper()
	travel := &Travel{Name: name}
	require.NoError(t, store.Travels.Create(context.Background(), travel))
	return travel
}

func mustMoveLink(t *testing.T, store *Store, millis int64) string {
	t.Helper()
	fix, err := store.Geolocations.Get(context.Background(), ms(millis))
	require.NoError(t, err)
	return fix.MoveID
}

func float(v float64) *float64 {
	return &v
}

func ms(v int64) time.Time {
	return time.UnixMilli(v).UTC()
}

func openRawTestDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := sql.Open("sqlite", rawDBPath(t))
	require.NoError(t, err)
	return db
}

func rawDBPath(t *testing.T) string {
	t.Helper()
	return filepath.Join(t.TempDir(), "overmove.db")
}

func closeStoreNoErr(t *testing.T, store *Store) {
	t.Helper()
	require.NoError(t, store.Close())
}

func closeNoErr(t *testing.T, db *sql.DB) {
	t.Helper()
	require.NoError(t, db.Close())
}
