package snapshot

import (
	"bytes"
	"fmt"
	"io"
	"sort"
	"time"

	"github.com/Adithya-Monish-Kumar-K/RideMatch-Feature-Platform/internal/event"
	"github.com/parquet-go/parquet-go"
)

const (
	kindFloat  = "float"
	kindString = "string"
	kindBool   = "bool"
)

// row is the long-format layout: one row per event field. An event with an
// empty payload is kept as a single row with an empty Field.
type row struct {
	EntityType      string  `parquet:"entity_type,dict"`
	EntityID        string  `parquet:"entity_id,dict"`
	EventType       string  `parquet:"event_type,dict"`
	TimestampNanos  int64   `parquet:"timestamp_ns"`
	AssumedUTC      bool    `parquet:"assumed_utc"`
	StreamPartition int32   `parquet:"stream_partition"`
	StreamOffset    int64   `parquet:"stream_offset"`
	EventSeq        int32   `parquet:"event_seq"`
	Field           string  `parquet:"field,dict"`
	Kind            string  `parquet:"kind,dict"`
	FloatValue      float64 `parquet:"float_value"`
	StringValue     string  `parquet:"string_value"`
	BoolValue       bool    `parquet:"bool_value"`
}

func encodeEvents(events []event.Event) ([]byte, error) {
	rows := make([]row, 0, len(events)*4)
	for seq, ev := range events {
		base := row{
			EntityType:      ev.EntityType,
			EntityID:        ev.EntityID,
			EventType:       ev.EventType,
			TimestampNanos:  ev.Timestamp.UnixNano(),
			AssumedUTC:      ev.AssumedUTC,
			StreamPartition: int32(ev.Position.Partition),
			StreamOffset:    ev.Position.Offset,
			EventSeq:        int32(seq),
		}
		if len(ev.Payload) == 0 {
			rows = append(rows, base)
			continue
		}
		names := make([]string, 0, len(ev.Payload))
		for name := range ev.Payload {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			r := base
			r.Field = name
			switch v := ev.Payload[name].(type) {
			case float64:
				r.Kind, r.FloatValue = kindFloat, v
			case string:
				r.Kind, r.StringValue = kindString, v
			case bool:
				r.Kind, r.BoolValue = kindBool, v
			default:
				return nil, fmt.Errorf("event %s field %s: unsupported value %T", ev.EntityID, name, v)
			}
			rows = append(rows, r)
		}
	}

	var buf bytes.Buffer
	pw := parquet.NewGenericWriter[row](&buf, parquet.Compression(&parquet.Zstd))
	if _, err := pw.Write(rows); err != nil {
		_ = pw.Close()
		return nil, fmt.Errorf("writing parquet rows: %w", err)
	}
	if err := pw.Close(); err != nil {
		return nil, fmt.Errorf("closing parquet writer: %w", err)
	}
	return buf.Bytes(), nil
}

func decodeEvents(r io.ReaderAt, size int64) ([]event.Event, error) {
	rows, err := parquet.Read[row](r, size)
	if err != nil {
		return nil, fmt.Errorf("reading parquet rows: %w", err)
	}
	var events []event.Event
	lastSeq := int32(-1)
	for _, rw := range rows {
		if rw.EventSeq != lastSeq || len(events) == 0 {
			events = append(events, event.Event{
				EntityType: rw.EntityType,
				EntityID:   rw.EntityID,
				EventType:  rw.EventType,
				Timestamp:  time.Unix(0, rw.TimestampNanos).UTC(),
				AssumedUTC: rw.AssumedUTC,
				Payload:    make(map[string]any),
				Position:   event.Position{Partition: int(rw.StreamPartition), Offset: rw.StreamOffset},
			})
			lastSeq = rw.EventSeq
		}
		if rw.Field == "" {
			continue
		}
		ev := &events[len(events)-1]
		switch rw.Kind {
		case kindFloat:
			ev.Payload[rw.Field] = rw.FloatValue
		case kindString:
			ev.Payload[rw.Field] = rw.StringValue
		case kindBool:
			ev.Payload[rw.Field] = rw.BoolValue
		default:
			return nil, fmt.Errorf("event %s field %s: unknown kind %q", rw.EntityID, rw.Field, rw.Kind)
		}
	}
	return events, nil
}
