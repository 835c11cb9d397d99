package movement

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/puripuri2100/overmove/internal/journal"
	logpkg "github.com/puripuri2100/overmove/internal/log"
	"github.com/puripuri2100/overmove/internal/storage"
)

const maxNameLength = 200

// Service applies validation and journaling around the repositories.
// Repository errors already name their operation and are returned unchanged.
type Service struct {
	travels      storage.TravelRepository
	moves        storage.MoveRepository
	geolocations storage.GeolocationRepository
	journal      Recorder
	logger       *slog.Logger
	now          func() time.Time
}

func NewService(repos Repositories, recorder Recorder, logger *slog.Logger) *Service {
	if logger == nil {
		logger = logpkg.Discard()
	}
	return &Service{
		travels:      repos.Travels,
		moves:        repos.Moves,
		geolocations: repos.Geolocations,
		journal:      recorder,
		logger:       logger,
		now:          time.Now,
	}
}

func (s *Service) CreateTravel(ctx context.Context, req CreateTravelRequest) (*storage.Travel, error) {
	name, err := validateName(req.Name)
	if err != nil {
		return nil, err
	}
	travel := &storage.Travel{
		ID:          strings.TrimSpace(req.ID),
		Name:        name,
		Description: strings.TrimSpace(req.Description),
	}
	if err := s.travels.Create(ctx, travel); err != nil {
		return nil, err
	}

	s.logger.Info("travel created", "travel_id", travel.ID)
	s.record(ctx, journal.Event{
		Action:     journal.ActionTravelCreate,
		TargetType: journal.TargetTravel,
		TargetID:   travel.ID,
		Details:    travelDetails{Name: travel.Name, Description: travel.Description},
	})
	return travel, nil
}

func (s *Service) GetTravel(ctx context.Context, id string) (*storage.Travel, error) {
	id, err := requireID("travel", id)
	if err != nil {
		return nil, err
	}
	travel, err := s.travels.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	return travel, nil
}

func (s *Service) ListTravels(ctx context.Context) ([]storage.Travel, error) {
	travels, err := s.travels.List(ctx)
	if err != nil {
		return nil, err
	}
	return travels, nil
}

func (s *Service) UpdateTravel(ctx context.Context, req UpdateTravelRequest) (*storage.Travel, error) {
	id, err := requireID("travel", req.ID)
	if err != nil {
		return nil, err
	}
	if req.Name == nil && req.Description == nil {
		return nil, fmt.Errorf("%w: nothing to update", ErrValidation)
	}

	travel, err := s.travels.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if req.Name != nil {
		if travel.Name, err = validateName(*req.Name); err != nil {
			return nil, err
		}
	}
	if req.Description != nil {
		travel.Description = strings.TrimSpace(*req.Description)
	}
	if err := s.travels.Update(ctx, travel); err != nil {
		return nil, err
	}

	s.logger.Info("travel updated", "travel_id", travel.ID)
	s.record(ctx, journal.Event{
		Action:     journal.ActionTravelUpdate,
		TargetType: journal.TargetTravel,
		TargetID:   travel.ID,
		Details:    travelDetails{Name: travel.Name, Description: travel.Description},
	})
	return travel, nil
}

// DeleteTravel removes the travel and its moves. Fixes survive as unassigned
// history.
func (s *Service) DeleteTravel(ctx context.Context, id string) error {
	id, err := requireID("travel", id)
	if err != nil {
		return err
	}
	if err := s.travels.Delete(ctx, id); err != nil {
		return err
	}

	s.logger.Info("travel deleted", "travel_id", id)
	s.record(ctx, journal.Event{
		Action:     journal.ActionTravelDelete,
		TargetType: journal.TargetTravel,
		TargetID:   id,
	})
	return nil
}

func (s *Service) StartMove(ctx context.Context, req StartMoveRequest) (*storage.Move, error) {
	travelID, err := requireID("travel", req.TravelID)
	if err != nil {
		return nil, err
	}
	start := req.Start
	if start.IsZero() {
		start = s.now()
	}
	move := &storage.Move{
		ID:       strings.TrimSpace(req.ID),
		TravelID: travelID,
		Start:    storage.Truncate(start),
	}
	if err := s.moves.Start(ctx, move); err != nil {
		return nil, err
	}

	s.logger.Info("move started", "move_id", move.ID, "travel_id", move.TravelID, "start", move.Start)
	s.record(ctx, journal.Event{
		Action:     journal.ActionMoveStart,
		TargetType: journal.TargetMove,
		TargetID:   move.ID,
		Details:    moveDetails{TravelID: move.TravelID, Start: move.Start.UnixMilli()},
	})
	return move, nil
}

// EndMove closes an open move. A zero end means now.
func (s *Service) EndMove(ctx context.Context, moveID string, end time.Time) (*storage.Move, error) {
	moveID, err := requireID("move", moveID)
	if err != nil {
		return nil, err
	}
	if end.IsZero() {
		end = s.now()
	}
	move, err := s.moves.End(ctx, moveID, storage.Truncate(end))
	if err != nil {
		return nil, err
	}

	endMillis := move.End.UnixMilli()
	s.logger.Info("move ended", "move_id", move.ID, "travel_id", move.TravelID, "end", *move.End)
	s.record(ctx, journal.Event{
		Action:     journal.ActionMoveEnd,
		TargetType: journal.TargetMove,
		TargetID:   move.ID,
		Details:    moveDetails{TravelID: move.TravelID, Start: move.Start.UnixMilli(), End: &endMillis},
	})
	return move, nil
}

func (s *Service) GetMove(ctx context.Context, moveID string) (*storage.Move, error) {
	moveID, err := requireID("move", moveID)
	if err != nil {
		return nil, err
	}
	move, err := s.moves.Get(ctx, moveID)
	if err != nil {
		return nil, err
	}
	return move, nil
}

func (s *Service) ListMoves(ctx context.Context, travelID string) ([]storage.Move, error) {
	travelID, err := requireID("travel", travelID)
	if err != nil {
		return nil, err
	}
	moves, err := s.moves.ListByTravel(ctx, travelID)
	if err != nil {
		return nil, err
	}
	return moves, nil
}

func (s *Service) Record(ctx context.Context, req RecordRequest) (*storage.Geolocation, error) {
	fix, err := s.recordFix(ctx, req)
	if err != nil {
		return nil, err
	}
	s.record(ctx, journal.Event{
		Action:     journal.ActionGeolocationRecord,
		TargetType: journal.TargetGeolocation,
		TargetID:   strconv.FormatInt(fix.Timestamp.UnixMilli(), 10),
		Details:    fixDetails{MoveID: fix.MoveID},
	})
	return fix, nil
}

func (s *Service) recordFix(ctx context.Context, req RecordRequest) (*storage.Geolocation, error) {
	if req.Timestamp.IsZero() {
		return nil, fmt.Errorf("%w: timestamp is required", ErrValidation)
	}
	fix := &storage.Geolocation{
		Timestamp:        storage.Truncate(req.Timestamp),
		Latitude:         req.Latitude,
		Longitude:        req.Longitude,
		Altitude:         req.Altitude,
		AltitudeAccuracy: req.AltitudeAccuracy,
		Speed:            req.Speed,
		Heading:          req.Heading,
	}
	if err := s.geolocations.Record(ctx, fix); err != nil {
		return nil, err
	}
	s.logger.Debug("geolocation recorded",
		"timestamp", fix.Timestamp,
		"latitude", fix.Latitude,
		"longitude", fix.Longitude,
		"move_id", fix.MoveID,
	)
	return fix, nil
}

func (s *Service) GetGeolocation(ctx context.Context, timestamp time.Time) (*storage.Geolocation, error) {
	if timestamp.IsZero() {
		return nil, fmt.Errorf("%w: timestamp is required", ErrValidation)
	}
	fix, err := s.geolocations.Get(ctx, storage.Truncate(timestamp))
	if err != nil {
		return nil, err
	}
	return fix, nil
}

func (s *Service) ListGeolocations(ctx context.Context, moveID string) ([]storage.Geolocation, error) {
	moveID, err := requireID("move", moveID)
	if err != nil {
		return nil, err
	}
	fixes, err := s.geolocations.ListByMove(ctx, moveID)
	if err != nil {
		return nil, err
	}
	return fixes, nil
}

func (s *Service) ListGeolocationRange(ctx context.Context, from, to time.Time) ([]storage.Geolocation, error) {
	fixes, err := s.geolocations.ListRange(ctx, storage.Truncate(from), to)
	if err != nil {
		return nil, err
	}
	return fixes, nil
}

// Prune deletes fixes strictly older than before.
func (s *Service) Prune(ctx context.Context, before time.Time) (int64, error) {
	if before.IsZero() {
		return 0, fmt.Errorf("%w: prune cutoff is required", ErrValidation)
	}
	removed, err := s.geolocations.Prune(ctx, storage.Truncate(before))
	if err != nil {
		return 0, err
	}

	s.logger.Info("geolocations pruned", "before", before, "removed", removed)
	s.record(ctx, journal.Event{
		Action:     journal.ActionGeolocationPrune,
		TargetType: journal.TargetGeolocation,
		Details:    pruneDetails{Before: storage.Truncate(before).UnixMilli(), Removed: removed},
	})
	return removed, nil
}

// record appends to the journal after the store has committed. A journal
// failure is logged, not returned: the mutation itself succeeded.
func (s *Service) record(ctx context.Context, event journal.Event) {
	if s.journal == nil {
		return
	}
	if err := s.journal.Record(ctx, event); err != nil {
		s.logger.Warn("journal append failed", "action", event.Action, "target_id", event.TargetID, "error", err)
	}
}

type travelDetails struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
}

type moveDetails struct {
	TravelID string `json:"travel_id"`
	Start    int64  `json:"start_ms"`
	End      *int64 `json:"end_ms,omitempty"`
}

type fixDetails struct {
	MoveID string `json:"move_id,omitempty"`
}

type pruneDetails struct {
	Before  int64 `json:"before_ms"`
	Removed int64 `json:"removed"`
}

type importDetails struct {
	Read     int `json:"read"`
	Recorded int `json:"recorded"`
	Failed   int `json:"failed"`
}

func validateName(raw string) (string, error) {
	name := strings.TrimSpace(raw)
	if name == "" {
		return "", fmt.Errorf("%w: travel name is required", ErrValidation)
	}
	if len(name) > maxNameLength {
		return "", fmt.Errorf("%w: travel name exceeds %d bytes", ErrValidation, maxNameLength)
	}
	return name, nil
}

func requireID(kind, raw string) (string, error) {
	id := strings.TrimSpace(raw)
	if id == "" {
		return "", fmt.Errorf("%w: %s id is required", ErrValidation, kind)
	}
	return id, nil
}
