// Package event defines the entity event envelope carried on the stream and
// the parse-and-validate step applied at the ingestion boundary.
package event

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	apperrors "github.com/Adithya-Monish-Kumar-K/RideMatch-Feature-Platform/pkg/errors"
)

const (
	maxIDLength      = 256
	maxPayloadFields = 64
)

// TimestampPolicy selects how zone-less timestamps are handled.
type TimestampPolicy string

const (
	// AssumeUTC accepts zone-less timestamps as UTC and flags the event.
	AssumeUTC TimestampPolicy = "assume_utc"
	// RejectNaive rejects zone-less timestamps.
	RejectNaive TimestampPolicy = "reject"
)

// Position is where an event sat in the stream. Events of one entity share
// a stream partition, so Offset orders them by arrival.
type Position struct {
	Partition int   `json:"partition"`
	Offset    int64 `json:"offset"`
}

// Compare orders positions by offset, then partition. It returns -1, 0 or 1.
func (p Position) Compare(o Position) int {
	switch {
	case p.Offset < o.Offset:
		return -1
	case p.Offset > o.Offset:
		return 1
	case p.Partition < o.Partition:
		return -1
	case p.Partition > o.Partition:
		return 1
	}
	return 0
}

// Event is a single entity update. Timestamp is always UTC.
type Event struct {
	EntityType string         `json:"entity_type"`
	EntityID   string         `json:"entity_id"`
	EventType  string         `json:"event_type"`
	Timestamp  time.Time      `json:"timestamp"`
	AssumedUTC bool           `json:"assumed_utc,omitempty"`
	Payload    map[string]any `json:"payload"`
	Position   Position       `json:"position"`
}

type envelope struct {
	EntityType string                     `json:"entity_type"`
	EntityID   string                     `json:"entity_id"`
	EventType  string                     `json:"event_type"`
	Timestamp  json.RawMessage            `json:"timestamp"`
	Payload    map[string]json.RawMessage `json:"payload"`
}

// ValidationError holds per-field validation failure messages.
type ValidationError struct {
	Fields map[string]string
}

func (e *ValidationError) Error() string {
	parts := make([]string, 0, len(e.Fields))
	for field, msg := range e.Fields {
		parts = append(parts, fmt.Sprintf("%s:%s", field, msg))
	}
	return strings.Join(parts, "; ")
}

func (e *ValidationError) Unwrap() error { return apperrors.ErrInvalidEvent }

// Decode parses a raw stream value. Timestamp problems yield an error
// wrapping ErrTimestampParse, other envelope problems a *ValidationError.
func Decode(raw []byte, policy TimestampPolicy) (Event, error) {
	var env envelope
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	if err := dec.Decode(&env); err != nil {
		return Event{}, fmt.Errorf("%w: %v", apperrors.ErrInvalidEvent, err)
	}

	errs := make(map[string]string)
	entityType := strings.TrimSpace(env.EntityType)
	entityID := strings.TrimSpace(env.EntityID)
	if entityType == "" {
		errs["entity_type"] = "entity_type is required"
	} else if strings.ContainsAny(entityType, "/:") {
		errs["entity_type"] = "entity_type must not contain '/' or ':'"
	}
	if entityID == "" {
		errs["entity_id"] = "entity_id is required"
	} else if len(entityID) > maxIDLength {
		errs["entity_id"] = fmt.Sprintf("entity_id must be at most %d characters", maxIDLength)
	}
	if len(env.Payload) > maxPayloadFields {
		errs["payload"] = fmt.Sprintf("payload must have at most %d fields", maxPayloadFields)
	}

	payload := make(map[string]any, len(env.Payload))
	for name, rawValue := range env.Payload {
		v, err := decodeScalar(rawValue)
		if err != nil {
			errs["payload."+name] = err.Error()
			continue
		}
		if v == nil {
			continue
		}
		payload[name] = v
	}
	if len(errs) > 0 {
		return Event{}, &ValidationError{Fields: errs}
	}

	var tsText string
	if len(env.Timestamp) == 0 || json.Unmarshal(env.Timestamp, &tsText) != nil {
		return Event{}, fmt.Errorf("%w: entity %s: timestamp must be a string", apperrors.ErrTimestampParse, entityID)
	}
	ts, assumed, err := ParseTimestamp(tsText, policy)
	if err != nil {
		return Event{}, fmt.Errorf("entity %s: %w", entityID, err)
	}

	return Event{
		EntityType: entityType,
		EntityID:   entityID,
		EventType:  strings.TrimSpace(env.EventType),
		Timestamp:  ts,
		AssumedUTC: assumed,
		Payload:    payload,
	}, nil
}

// decodeScalar accepts numbers, strings, booleans and null. Numbers become
// float64 so that values compare identically after a snapshot round trip.
func decodeScalar(raw json.RawMessage) (any, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, err
	}
	switch x := v.(type) {
	case nil, string, bool:
		return x, nil
	case json.Number:
		f, err := x.Float64()
		if err != nil {
			return nil, fmt.Errorf("number out of range")
		}
		return f, nil
	default:
		return nil, fmt.Errorf("value must be a scalar")
	}
}
