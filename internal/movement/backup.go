package movement

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/puripuri2100/overmove/internal/journal"
	logpkg "github.com/puripuri2100/overmove/internal/log"
	"github.com/puripuri2100/overmove/internal/storage"
)

const (
	backupFormatVersion = 1

	// maxBackupSize caps how much of a backup document is read.
	maxBackupSize = 512 << 20
)

// BackupDocument is the versioned export of the whole dataset. Move links of
// the fixes are informational; restore derives them from the move spans.
type BackupDocument struct {
	Version      int          `json:"version"`
	CreatedAt    time.Time    `json:"created_at"`
	Travels      []TravelView `json:"travels"`
	Moves        []MoveView   `json:"moves"`
	Geolocations []FixView    `json:"geolocations"`
}

type BackupManifest struct {
	Version      int       `json:"version"`
	CreatedAt    time.Time `json:"created_at"`
	Travels      int       `json:"travels"`
	Moves        int       `json:"moves"`
	Geolocations int       `json:"geolocations"`
	Replaced     bool      `json:"replaced,omitempty"`
}

type BackupRestoreRequest struct {
	Input   io.Reader
	Replace bool
}

type BackupService struct {
	backups storage.BackupRepository
	journal Recorder
	logger  *slog.Logger
	now     func() time.Time
}

func NewBackupService(backups storage.BackupRepository, recorder Recorder, logger *slog.Logger) *BackupService {
	if logger == nil {
		logger = logpkg.Discard()
	}
	return &BackupService{backups: backups, journal: recorder, logger: logger, now: time.Now}
}

// Export writes every travel, move and fix as one JSON document.
func (s *BackupService) Export(ctx context.Context, w io.Writer) (*BackupManifest, error) {
	if s == nil || s.backups == nil {
		return nil, fmt.Errorf("export backup: store is nil")
	}
	snapshot, err := s.backups.Snapshot(ctx)
	if err != nil {
		return nil, err
	}

	doc := BackupDocument{
		Version:      backupFormatVersion,
		CreatedAt:    s.now().UTC(),
		Travels:      make([]TravelView, 0, len(snapshot.Travels)),
		Moves:        make([]MoveView, 0, len(snapshot.Moves)),
		Geolocations: make([]FixView, 0, len(snapshot.Geolocations)),
	}
	for _, t := range snapshot.Travels {
		doc.Travels = append(doc.Travels, NewTravelView(t))
	}
	for _, m := range snapshot.Moves {
		doc.Moves = append(doc.Moves, NewMoveView(m))
	}
	for _, g := range snapshot.Geolocations {
		doc.Geolocations = append(doc.Geolocations, NewFixView(g))
	}

	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(doc); err != nil {
		return nil, fmt.Errorf("export backup: encode: %w", err)
	}

	manifest := doc.manifest()
	s.logger.Info("backup exported",
		"travels", manifest.Travels,
		"moves", manifest.Moves,
		"geolocations", manifest.Geolocations,
	)
	return manifest, nil
}

// Restore loads a document written by Export. Nothing is written unless the
// whole document applies.
func (s *BackupService) Restore(ctx context.Context, req BackupRestoreRequest) (*BackupManifest, error) {
	if s == nil || s.backups == nil {
		return nil, fmt.Errorf("restore backup: store is nil")
	}
	if req.Input == nil {
		return nil, fmt.Errorf("%w: backup input is required", ErrValidation)
	}

	doc, err := readBackupDocument(req.Input)
	if err != nil {
		return nil, err
	}
	snapshot, err := doc.snapshot()
	if err != nil {
		return nil, err
	}
	if err := s.backups.Restore(ctx, snapshot, req.Replace); err != nil {
		return nil, err
	}

	manifest := doc.manifest()
	manifest.Replaced = req.Replace
	s.logger.Info("backup restored",
		"travels", manifest.Travels,
		"moves", manifest.Moves,
		"geolocations", manifest.Geolocations,
		"replace", req.Replace,
	)
	if s.journal != nil {
		err := s.journal.Record(ctx, journal.Event{
			Action:     journal.ActionBackupRestore,
			TargetType: journal.TargetStore,
			Details: restoreDetails{
				Version:      manifest.Version,
				Travels:      manifest.Travels,
				Moves:        manifest.Moves,
				Geolocations: manifest.Geolocations,
				Replace:      req.Replace,
			},
		})
		if err != nil {
			s.logger.Warn("journal append failed", "action", journal.ActionBackupRestore, "error", err)
		}
	}
	return manifest, nil
}

func readBackupDocument(r io.Reader) (*BackupDocument, error) {
	raw, err := io.ReadAll(io.LimitReader(r, maxBackupSize+1))
	if err != nil {
		return nil, fmt.Errorf("read backup: %w", err)
	}
	if len(raw) > maxBackupSize {
		return nil, fmt.Errorf("%w: backup exceeds %d MiB limit", ErrValidation, maxBackupSize>>20)
	}

	var header struct {
		Version json.RawMessage `json:"version"`
	}
	if err := json.Unmarshal(raw, &header); err != nil {
		return nil, fmt.Errorf("%w: decode backup: %v", ErrValidation, err)
	}
	var version int
	if err := json.Unmarshal(header.Version, &version); err != nil || version != backupFormatVersion {
		shown := strings.TrimSpace(string(header.Version))
		if shown == "" {
			shown = "missing"
		}
		return nil, fmt.Errorf("%w: unsupported backup version %s", ErrValidation, shown)
	}

	var doc BackupDocument
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("%w: decode backup: %v", ErrValidation, err)
	}
	return &doc, nil
}

func (d *BackupDocument) snapshot() (*storage.Snapshot, error) {
	snapshot := &storage.Snapshot{
		Travels:      make([]storage.Travel, 0, len(d.Travels)),
		Moves:        make([]storage.Move, 0, len(d.Moves)),
		Geolocations: make([]storage.Geolocation, 0, len(d.Geolocations)),
	}
	for i, t := range d.Travels {
		id, err := requireID("travel", t.ID)
		if err != nil {
			return nil, fmt.Errorf("travel %d: %w", i, err)
		}
		name, err := validateName(t.Name)
		if err != nil {
			return nil, fmt.Errorf("travel %s: %w", id, err)
		}
		snapshot.Travels = append(snapshot.Travels, storage.Travel{
			ID:          id,
			Name:        name,
			Description: strings.TrimSpace(t.Description),
			CreatedAt:   t.CreatedAt,
			UpdatedAt:   t.UpdatedAt,
		})
	}
	for i, m := range d.Moves {
		id, err := requireID("move", m.ID)
		if err != nil {
			return nil, fmt.Errorf("move %d: %w", i, err)
		}
		travelID, err := requireID("travel", m.TravelID)
		if err != nil {
			return nil, fmt.Errorf("move %s: %w", id, err)
		}
		if m.Start.IsZero() {
			return nil, fmt.Errorf("%w: move %s: start is required", ErrValidation, id)
		}
		move := storage.Move{ID: id, TravelID: travelID, Start: storage.Truncate(m.Start)}
		if m.End != nil {
			end := storage.Truncate(*m.End)
			move.End = &end
		}
		snapshot.Moves = append(snapshot.Moves, move)
	}
	for i, g := range d.Geolocations {
		if g.Timestamp.IsZero() {
			return nil, fmt.Errorf("%w: geolocation %d: timestamp is required", ErrValidation, i)
		}
		snapshot.Geolocations = append(snapshot.Geolocations, storage.Geolocation{
			Timestamp:        storage.Truncate(g.Timestamp),
			Latitude:         g.Latitude,
			Longitude:        g.Longitude,
			Altitude:         g.Altitude,
			AltitudeAccuracy: g.AltitudeAccuracy,
			Speed:            g.Speed,
			Heading:          g.Heading,
		})
	}
	return snapshot, nil
}

func (d *BackupDocument) manifest() *BackupManifest {
	return &BackupManifest{
		Version:      d.Version,
		CreatedAt:    d.CreatedAt,
		Travels:      len(d.Travels),
		Moves:        len(d.Moves),
		Geolocations: len(d.Geolocations),
	}
}

type restoreDetails struct {
	Version      int  `json:"version"`
	Travels      int  `json:"travels"`
	Moves        int  `json:"moves"`
	Geolocations int  `json:"geolocations"`
	Replace      bool `json:"replace"`
}
