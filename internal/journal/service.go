package journal

import (
	"bytes"
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"reflect"
	"sort"
	"strings"
	"time"

	"github.com/puripuri2100/overmove/internal/storage"
)

const (
	resultOK = "ok"

	// verifyBatch bounds one List call during verification.
	verifyBatch = 1_000_000
)

// Service appends change events to a SHA-256 hash chain. Each event hash covers
// the previous tip, so rewriting any stored row breaks every later link. The
// tip is read inside the append transaction, never cached, so several
// services on one store file extend a single chain.
type Service struct {
	repo storage.JournalRepository
}

func NewService(ctx context.Context, repo storage.JournalRepository) (*Service, error) {
	if repo == nil {
		return nil, fmt.Errorf("new journal: repository is nil")
	}
	if _, err := repo.ChainTip(ctx); err != nil {
		return nil, fmt.Errorf("new journal: read chain tip: %w", err)
	}
	return &Service{repo: repo}, nil
}

func (s *Service) Record(ctx context.Context, event Event) error {
	if strings.TrimSpace(event.Action) == "" {
		return fmt.Errorf("record journal event: action is required")
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}
	event.Timestamp = event.Timestamp.UTC()
	if event.Result == "" {
		event.Result = resultOK
	}

	details, err := detailsJSON(event.Details)
	if err != nil {
		return fmt.Errorf("record journal event %s: %w", event.Action, err)
	}

	payload, err := canonicalJSON(link{
		Timestamp:  event.Timestamp.Format(time.RFC3339Nano),
		Action:     event.Action,
		TargetType: event.TargetType,
		TargetID:   event.TargetID,
		Result:     event.Result,
		Details:    details,
	})
	if err != nil {
		return fmt.Errorf("record journal event %s: %w", event.Action, err)
	}

	err = s.repo.Append(ctx, &storage.JournalEvent{
		Action:      event.Action,
		TargetType:  event.TargetType,
		TargetID:    event.TargetID,
		Result:      event.Result,
		DetailsJSON: string(details),
		CreatedAt:   event.Timestamp,
	}, func(prev string) (string, error) {
		return chainHash(prev, payload), nil
	})
	if err != nil {
		return fmt.Errorf("record journal event %s: %w", event.Action, err)
	}
	return nil
}

// Verify recomputes the chain from the first event and compares the result
// with the stored tip.
func (s *Service) Verify(ctx context.Context) (*VerifyResult, error) {
	events, err := s.repo.List(ctx, storage.JournalFilter{Limit: verifyBatch})
	if err != nil {
		return nil, fmt.Errorf("verify journal: %w", err)
	}

	prev := ""
	for _, stored := range events {
		payload, err := storedPayload(stored)
		if err != nil {
			return nil, fmt.Errorf("verify journal: event %s: %w", stored.ID, err)
		}
		want := chainHash(prev, payload)
		if !equalHash(stored.PrevHash, prev) || !equalHash(stored.EventHash, want) {
			return &VerifyResult{
				EventCount: len(events),
				ChainTip:   prev,
				Error:      fmt.Sprintf("hash mismatch at event %s", stored.ID),
			}, nil
		}
		prev = stored.EventHash
	}

	tip, err := s.repo.ChainTip(ctx)
	if err != nil {
		return nil, fmt.Errorf("verify journal: %w", err)
	}
	if !equalHash(tip, prev) {
		return &VerifyResult{
			EventCount: len(events),
			ChainTip:   prev,
			Error:      "hash mismatch at chain tip",
		}, nil
	}
	return &VerifyResult{Valid: true, EventCount: len(events), ChainTip: prev}, nil
}

func (s *Service) List(ctx context.Context, filter Filter) ([]RecordedEvent, error) {
	events, err := s.repo.List(ctx, storage.JournalFilter{
		Action:   filter.Action,
		TargetID: filter.TargetID,
		Since:    filter.Since,
		Until:    filter.Until,
		Limit:    filter.Limit,
	})
	if err != nil {
		return nil, fmt.Errorf("list journal events: %w", err)
	}

	out := make([]RecordedEvent, 0, len(events))
	for _, e := range events {
		out = append(out, RecordedEvent{
			ID:          e.ID,
			Timestamp:   e.CreatedAt,
			Action:      e.Action,
			TargetType:  e.TargetType,
			TargetID:    e.TargetID,
			Result:      e.Result,
			DetailsJSON: e.DetailsJSON,
			PrevHash:    e.PrevHash,
			EventHash:   e.EventHash,
		})
	}
	return out, nil
}

// link is the hashed form of one event.
type link struct {
	Timestamp  string          `json:"timestamp"`
	Action     string          `json:"action"`
	TargetType string          `json:"target_type,omitempty"`
	TargetID   string          `json:"target_id,omitempty"`
	Result     string          `json:"result"`
	Details    json.RawMessage `json:"details"`
}

func storedPayload(e storage.JournalEvent) ([]byte, error) {
	details := strings.TrimSpace(e.DetailsJSON)
	if details == "" {
		details = "{}"
	}
	if !json.Valid([]byte(details)) {
		return nil, fmt.Errorf("details are not valid json")
	}
	result := e.Result
	if result == "" {
		result = resultOK
	}
	return canonicalJSON(link{
		Timestamp:  e.CreatedAt.UTC().Format(time.RFC3339Nano),
		Action:     e.Action,
		TargetType: e.TargetType,
		TargetID:   e.TargetID,
		Result:     result,
		Details:    json.RawMessage(details),
	})
}

func chainHash(prev string, payload []byte) string {
	h := sha256.New()
	h.Write([]byte(prev))
	h.Write(payload)
	return hex.EncodeToString(h.Sum(nil))
}

func equalHash(a, b string) bool {
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

func detailsJSON(details any) (json.RawMessage, error) {
	if details == nil {
		return json.RawMessage(`{}`), nil
	}
	raw, err := canonicalJSON(details)
	if err != nil {
		return nil, fmt.Errorf("details: %w", err)
	}
	var decoded any
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return nil, fmt.Errorf("details: decode: %w", err)
	}
	out, err := encodeDecoded(stripPositions(decoded))
	if err != nil {
		return nil, err
	}
	return json.RawMessage(out), nil
}

// stripPositions drops coordinate keys at any depth. The journal records that
// a fix changed, never where the traveller was.
func stripPositions(value any) any {
	switch typed := value.(type) {
	case map[string]any:
		clean := make(map[string]any, len(typed))
		for key, nested := range typed {
			if IsPositionKey(key) {
				continue
			}
			clean[key] = stripPositions(nested)
		}
		return clean
	case []any:
		out := make([]any, 0, len(typed))
		for _, nested := range typed {
			out = append(out, stripPositions(nested))
		}
		return out
	default:
		return value
	}
}

var positionKeys = map[string]struct{}{
	"lat":         {},
	"lon":         {},
	"lng":         {},
	"latitude":    {},
	"longitude":   {},
	"coordinates": {},
	"position":    {},
}

// IsPositionKey reports whether a detail or log key carries a location.
func IsPositionKey(key string) bool {
	_, ok := positionKeys[strings.ToLower(strings.TrimSpace(key))]
	return ok
}

// canonicalJSON encodes v with object keys sorted at every level. Maps are
// refused at the top level so callers hash a declared struct shape.
func canonicalJSON(v any) ([]byte, error) {
	if v == nil {
		return nil, fmt.Errorf("canonical json: value is nil")
	}
	root := reflect.ValueOf(v)
	for root.Kind() == reflect.Pointer {
		if root.IsNil() {
			return nil, fmt.Errorf("canonical json: nil pointer")
		}
		root = root.Elem()
	}
	if root.Kind() == reflect.Map {
		return nil, fmt.Errorf("canonical json: map input is not allowed")
	}

	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("canonical json: marshal: %w", err)
	}
	var decoded any
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return nil, fmt.Errorf("canonical json: unmarshal: %w", err)
	}
	return encodeDecoded(decoded)
}

func encodeDecoded(value any) ([]byte, error) {
	var buf bytes.Buffer
	if err := writeCanonical(&buf, value); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func writeCanonical(buf *bytes.Buffer, value any) error {
	switch typed := value.(type) {
	case map[string]any:
		keys := make([]string, 0, len(typed))
		for key := range typed {
			keys = append(keys, key)
		}
		sort.Strings(keys)

		buf.WriteByte('{')
		for i, key := range keys {
			if i > 0 {
				buf.WriteByte(',')
			}
			encodedKey, err := json.Marshal(key)
			if err != nil {
				return fmt.Errorf("canonical json: key: %w", err)
			}
			buf.Write(encodedKey)
			buf.WriteByte(':')
			if err := writeCanonical(buf, typed[key]); err != nil {
				return err
			}
		}
		buf.WriteByte('}')
	case []any:
		buf.WriteByte('[')
		for i, elem := range typed {
			if i > 0 {
				buf.WriteByte(',')
			}
			if err := writeCanonical(buf, elem); err != nil {
				return err
			}
		}
		buf.WriteByte(']')
	default:
		raw, err := json.Marshal(typed)
		if err != nil {
			return fmt.Errorf("canonical json: scalar: %w", err)
		}
		buf.Write(raw)
	}
	return nil
}
