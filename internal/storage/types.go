package storage

import (
	"context"
	"time"
)

const (
	MinLatitude  = -90.0
	MaxLatitude  = 90.0
	MinLongitude = -180.0
	MaxLongitude = 180.0
)

type Travel struct {
	ID          string
	Name        string
	Description string
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// Move is one contiguous span of movement inside a travel. End is nil while
// the move is still in progress.
type Move struct {
	ID       string
	TravelID string
	Start    time.Time
	End      *time.Time
}

func (m Move) Open() bool {
	return m.End == nil
}

// Contains reports whether t falls inside the move's span. An open move
// contains every instant from its start onward.
func (m Move) Contains(t time.Time) bool {
	if t.Before(m.Start) {
		return false
	}
	return m.End == nil || !t.After(*m.End)
}

// Geolocation is one raw fix. MoveID is the materialized association to the
// move whose span contains the fix, empty when none does. The sensor readings
// are nil when the device did not report them.
type Geolocation struct {
	Timestamp time.Time
	Latitude  float64
	Longitude float64
	MoveID    string

	Altitude         *float64
	AltitudeAccuracy *float64
	Speed            *float64
	Heading          *float64
}

// Snapshot is the full movement dataset: every travel, move and fix.
type Snapshot struct {
	Travels      []Travel
	Moves        []Move
	Geolocations []Geolocation
}

type JournalEvent struct {
	ID          string
	Action      string
	TargetType  string
	TargetID    string
	Result      string
	DetailsJSON string
	PrevHash    string
	EventHash   string
	CreatedAt   time.Time
}

type JournalFilter struct {
	Action   string
	TargetID string
	Since    *time.Time
	Until    *time.Time
	Limit    int
}

type Stats struct {
	SchemaVersion int `json:"schema_version"`
	Travels       int `json:"travels"`
	Moves         int `json:"moves"`
	OpenMoves     int `json:"open_moves"`
	Geolocations  int `json:"geolocations"`
	Unassigned    int `json:"unassigned_geolocations"`
	JournalEvents int `json:"journal_events"`
}

type TravelRepository interface {
	Create(ctx context.Context, travel *Travel) error
	Get(ctx context.Context, id string) (*Travel, error)
	List(ctx context.Context) ([]Travel, error)
	Update(ctx context.Context, travel *Travel) error
	Delete(ctx context.Context, id string) error
}

type MoveRepository interface {
	Start(ctx context.Context, move *Move) error
	End(ctx context.Context, moveID string, end time.Time) (*Move, error)
	Get(ctx context.Context, moveID string) (*Move, error)
	ListByTravel(ctx context.Context, travelID string) ([]Move, error)
}

type GeolocationRepository interface {
	Record(ctx context.Context, fix *Geolocation) error
	Get(ctx context.Context, timestamp time.Time) (*Geolocation, error)
	ListByMove(ctx context.Context, moveID string) ([]Geolocation, error)
	ListRange(ctx context.Context, from, to time.Time) ([]Geolocation, error)
	Prune(ctx context.Context, before time.Time) (int64, error)
}

// BackupRepository reads and writes whole datasets. Restore is all or
// nothing; with replace set the existing travels, moves and fixes are removed
// first. The journal is never part of a snapshot.
type BackupRepository interface {
	Snapshot(ctx context.Context) (*Snapshot, error)
	Restore(ctx context.Context, snapshot *Snapshot, replace bool) error
}

type JournalRepository interface {
	Append(ctx context.Context, event *JournalEvent, chain ChainFunc) error
	List(ctx context.Context, filter JournalFilter) ([]JournalEvent, error)
	ChainTip(ctx context.Context) (string, error)
}
