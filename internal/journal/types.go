package journal

import "time"

const (
	ActionTravelCreate = "travel.create"
	ActionTravelUpdate = "travel.update"
	ActionTravelDelete = "travel.delete"

	ActionMoveStart = "move.start"
	ActionMoveEnd   = "move.end"

	ActionGeolocationRecord = "geolocation.record"
	ActionGeolocationImport = "geolocation.import"
	ActionGeolocationPrune  = "geolocation.prune"

	ActionBackupRestore = "backup.restore"
)

var AllActionTypes = []string{
	ActionTravelCreate,
	ActionTravelUpdate,
	ActionTravelDelete,
	ActionMoveStart,
	ActionMoveEnd,
	ActionGeolocationRecord,
	ActionGeolocationImport,
	ActionGeolocationPrune,
	ActionBackupRestore,
}

const (
	TargetTravel      = "travel"
	TargetMove        = "move"
	TargetGeolocation = "geolocation"
	TargetStore       = "store"
)

type Event struct {
	Timestamp  time.Time
	Action     string
	TargetType string
	TargetID   string
	Result     string
	Details    any
}

type Filter struct {
	Action   string
	TargetID string
	Since    *time.Time
	Until    *time.Time
	Limit    int
}

type RecordedEvent struct {
	ID          string    `json:"id"`
	Timestamp   time.Time `json:"timestamp"`
	Action      string    `json:"action"`
	TargetType  string    `json:"target_type,omitempty"`
	TargetID    string    `json:"target_id,omitempty"`
	Result      string    `json:"result"`
	DetailsJSON string    `json:"details"`
	PrevHash    string    `json:"prev_hash"`
	EventHash   string    `json:"event_hash"`
}

type VerifyResult struct {
	Valid      bool   `json:"valid"`
	EventCount int    `json:"event_count"`
	ChainTip   string `json:"chain_tip"`
	Error      string `json:"error,omitempty"`
}
