package movement

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/puripuri2100/overmove/internal/storage"
)

// meanEarthRadius is the IUGG mean radius in metres.
const meanEarthRadius = 6_371_008.8

func (s *Service) SummarizeMove(ctx context.Context, moveID string) (*MoveSummary, error) {
	move, err := s.GetMove(ctx, moveID)
	if err != nil {
		return nil, err
	}
	fixes, err := s.geolocations.ListByMove(ctx, move.ID)
	if err != nil {
		return nil, fmt.Errorf("summarize move: %w", err)
	}

	summary := &MoveSummary{
		MoveID:         move.ID,
		TravelID:       move.TravelID,
		Start:          move.Start,
		End:            move.End,
		Open:           move.Open(),
		Fixes:          len(fixes),
		DistanceMeters: PathLength(fixes),
		MaxSpeedMPS:    MaxSpeed(fixes),
	}

	// An open move is measured up to its latest fix.
	last := move.Start
	if move.End != nil {
		last = *move.End
	} else if len(fixes) > 0 {
		last = fixes[len(fixes)-1].Timestamp
	}
	summary.DurationSeconds = last.Sub(move.Start).Seconds()
	if summary.DurationSeconds > 0 {
		summary.AverageSpeedMPS = summary.DistanceMeters / summary.DurationSeconds
	}
	return summary, nil
}

// PathLength sums the great-circle distance between consecutive fixes.
func PathLength(fixes []storage.Geolocation) float64 {
	total := 0.0
	for i := 1; i < len(fixes); i++ {
		total += Haversine(fixes[i-1].Latitude, fixes[i-1].Longitude, fixes[i].Latitude, fixes[i].Longitude)
	}
	return total
}

// MaxSpeed returns the highest reported speed, or nil when no fix carries one.
func MaxSpeed(fixes []storage.Geolocation) *float64 {
	var top *float64
	for _, fix := range fixes {
		if fix.Speed == nil {
			continue
		}
		if top == nil || *fix.Speed > *top {
			v := *fix.Speed
			top = &v
		}
	}
	return top
}

// Haversine returns the great-circle distance in metres between two points
// given in decimal degrees.
func Haversine(lat1, lon1, lat2, lon2 float64) float64 {
	phi1 := lat1 * math.Pi / 180
	phi2 := lat2 * math.Pi / 180
	dPhi := (lat2 - lat1) * math.Pi / 180
	dLambda := (lon2 - lon1) * math.Pi / 180

	a := math.Sin(dPhi/2)*math.Sin(dPhi/2) +
		math.Cos(phi1)*math.Cos(phi2)*math.Sin(dLambda/2)*math.Sin(dLambda/2)
	return 2 * meanEarthRadius * math.Asin(math.Min(1, math.Sqrt(a)))
}

// ExportTravel collects a travel with its moves and each move's fixes.
func (s *Service) ExportTravel(ctx context.Context, travelID string) (*TravelExport, error) {
	travel, err := s.GetTravel(ctx, travelID)
	if err != nil {
		return nil, err
	}
	moves, err := s.moves.ListByTravel(ctx, travel.ID)
	if err != nil {
		return nil, fmt.Errorf("export travel: %w", err)
	}

	out := &TravelExport{
		Travel: NewTravelView(*travel),
		Moves:  make([]MoveExport, 0, len(moves)),
	}
	for _, move := range moves {
		fixes, err := s.geolocations.ListByMove(ctx, move.ID)
		if err != nil {
			return nil, fmt.Errorf("export travel: move %s: %w", move.ID, err)
		}
		views := make([]FixView, 0, len(fixes))
		for _, fix := range fixes {
			views = append(views, NewFixView(fix))
		}
		out.Moves = append(out.Moves, MoveExport{MoveView: NewMoveView(move), Geolocations: views})
	}
	return out, nil
}

// WriteExport encodes an export as "json" or "yaml".
func WriteExport(w io.Writer, export *TravelExport, format string) error {
	switch strings.ToLower(strings.TrimSpace(format)) {
	case "", "json":
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(export)
	case "yaml", "yml":
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(export); err != nil {
			return fmt.Errorf("encode yaml: %w", err)
		}
		return enc.Close()
	default:
		return fmt.Errorf("%w: unsupported export format %q", ErrValidation, format)
	}
}
