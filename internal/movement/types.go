package movement

import (
	"context"
	"errors"
	"time"

	"github.com/puripuri2100/overmove/internal/journal"
	"github.com/puripuri2100/overmove/internal/storage"
)

var ErrValidation = errors.New("movement: validation failed")

// Recorder receives one event per committed mutation. A nil Recorder turns
// journaling off.
type Recorder interface {
	Record(ctx context.Context, event journal.Event) error
}

type Repositories struct {
	Travels      storage.TravelRepository
	Moves        storage.MoveRepository
	Geolocations storage.GeolocationRepository
	Backups      storage.BackupRepository
}

func StoreRepositories(store *storage.Store) Repositories {
	return Repositories{
		Travels:      store.Travels,
		Moves:        store.Moves,
		Geolocations: store.Geolocations,
		Backups:      store.Backups,
	}
}

type CreateTravelRequest struct {
	ID          string
	Name        string
	Description string
}

type UpdateTravelRequest struct {
	ID          string
	Name        *string
	Description *string
}

type StartMoveRequest struct {
	ID       string
	TravelID string
	Start    time.Time
}

// RecordRequest carries one fix. The sensor readings are optional.
type RecordRequest struct {
	Timestamp time.Time
	Latitude  float64
	Longitude float64

	Altitude         *float64
	AltitudeAccuracy *float64
	Speed            *float64
	Heading          *float64
}

// TravelView, MoveView and FixView are the serialized shapes used by the CLI
// and by exports.
type TravelView struct {
	ID          string    `json:"id" yaml:"id"`
	Name        string    `json:"name" yaml:"name"`
	Description string    `json:"description,omitempty" yaml:"description,omitempty"`
	CreatedAt   time.Time `json:"created_at" yaml:"created_at"`
	UpdatedAt   time.Time `json:"updated_at" yaml:"updated_at"`
}

type MoveView struct {
	ID       string     `json:"id" yaml:"id"`
	TravelID string     `json:"travel_id" yaml:"travel_id"`
	Start    time.Time  `json:"start" yaml:"start"`
	End      *time.Time `json:"end,omitempty" yaml:"end,omitempty"`
	Open     bool       `json:"open" yaml:"open"`
}

type FixView struct {
	Timestamp        time.Time `json:"timestamp" yaml:"timestamp"`
	Latitude         float64   `json:"latitude" yaml:"latitude"`
	Longitude        float64   `json:"longitude" yaml:"longitude"`
	Altitude         *float64  `json:"altitude,omitempty" yaml:"altitude,omitempty"`
	AltitudeAccuracy *float64  `json:"altitude_accuracy,omitempty" yaml:"altitude_accuracy,omitempty"`
	Speed            *float64  `json:"speed,omitempty" yaml:"speed,omitempty"`
	Heading          *float64  `json:"heading,omitempty" yaml:"heading,omitempty"`
	MoveID           string    `json:"move_id,omitempty" yaml:"move_id,omitempty"`
}

func NewTravelView(t storage.Travel) TravelView {
	return TravelView{
		ID:          t.ID,
		Name:        t.Name,
		Description: t.Description,
		CreatedAt:   t.CreatedAt,
		UpdatedAt:   t.UpdatedAt,
	}
}

func NewMoveView(m storage.Move) MoveView {
	return MoveView{ID: m.ID, TravelID: m.TravelID, Start: m.Start, End: m.End, Open: m.Open()}
}

func NewFixView(g storage.Geolocation) FixView {
	return FixView{
		Timestamp:        g.Timestamp,
		Latitude:         g.Latitude,
		Longitude:        g.Longitude,
		Altitude:         g.Altitude,
		AltitudeAccuracy: g.AltitudeAccuracy,
		Speed:            g.Speed,
		Heading:          g.Heading,
		MoveID:           g.MoveID,
	}
}

// MoveSummary describes the path recorded during one move. Distance is the
// sum of great-circle legs between consecutive fixes. MaxSpeedMPS is the
// highest speed a fix reported, nil when none reported one.
type MoveSummary struct {
	MoveID          string     `json:"move_id" yaml:"move_id"`
	TravelID        string     `json:"travel_id" yaml:"travel_id"`
	Start           time.Time  `json:"start" yaml:"start"`
	End             *time.Time `json:"end,omitempty" yaml:"end,omitempty"`
	Open            bool       `json:"open" yaml:"open"`
	Fixes           int        `json:"fixes" yaml:"fixes"`
	DurationSeconds float64    `json:"duration_seconds" yaml:"duration_seconds"`
	DistanceMeters  float64    `json:"distance_meters" yaml:"distance_meters"`
	AverageSpeedMPS float64    `json:"average_speed_mps" yaml:"average_speed_mps"`
	MaxSpeedMPS     *float64   `json:"max_speed_mps,omitempty" yaml:"max_speed_mps,omitempty"`
}

type TravelExport struct {
	Travel TravelView   `json:"travel" yaml:"travel"`
	Moves  []MoveExport `json:"moves" yaml:"moves"`
}

type MoveExport struct {
	MoveView     `yaml:",inline"`
	Geolocations []FixView `json:"geolocations" yaml:"geolocations"`
}

type ImportFormat string

const (
	ImportAuto ImportFormat = "auto"
	ImportJSON ImportFormat = "jsonl"
	ImportCSV  ImportFormat = "csv"
)

type ImportFailure struct {
	Line int    `json:"line"`
	Err  string `json:"error"`
}

type ImportReport struct {
	Read     int             `json:"read"`
	Recorded int             `json:"recorded"`
	Linked   int             `json:"linked"`
	Failures []ImportFailure `json:"failures"`
}
