package snapshot

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/Adithya-Monish-Kumar-K/RideMatch-Feature-Platform/internal/event"
)

// Store reads and writes event partitions over a BlobStore.
type Store struct {
	blobs  BlobStore
	prefix string
	width  time.Duration
	logger *slog.Logger
}

// NewStore returns a Store that keys partitions under prefix. width is the
// partition window length and must stay fixed for the lifetime of the data.
func NewStore(blobs BlobStore, prefix string, width time.Duration) *Store {
	return &Store{
		blobs:  blobs,
		prefix: prefix,
		width:  width,
		logger: slog.Default().With("component", "snapshot-store"),
	}
}

// PartitionWidth returns the configured window length.
func (s *Store) PartitionWidth() time.Duration { return s.width }

// WritePartition encodes events into one immutable file. Every event must
// belong to entityType and fall inside w. Writing the same key again with
// the same events produces the same content.
func (s *Store) WritePartition(ctx context.Context, entityType string, w Window, file string, events []event.Event) (Partition, error) {
	if len(events) == 0 {
		return Partition{}, fmt.Errorf("partition %s/%s: no events", entityType, w)
	}
	for _, ev := range events {
		if ev.EntityType != entityType {
			return Partition{}, fmt.Errorf("partition %s/%s: event for %s has entity type %s", entityType, w, ev.EntityID, ev.EntityType)
		}
		if !event.InRange(ev.Timestamp) {
			return Partition{}, fmt.Errorf("partition %s/%s: event for %s at %s cannot be stored", entityType, w, ev.EntityID, ev.Timestamp.Format(time.RFC3339Nano))
		}
		if !w.Contains(ev.Timestamp) {
			return Partition{}, fmt.Errorf("partition %s/%s: event for %s at %s is outside the window", entityType, w, ev.EntityID, ev.Timestamp.Format(time.RFC3339Nano))
		}
	}

	data, err := encodeEvents(events)
	if err != nil {
		return Partition{}, err
	}
	key := PartitionKey(entityType, w, file)
	if err := s.blobs.Put(ctx, s.prefix+key, data); err != nil {
		return Partition{}, err
	}
	s.logger.Debug("partition written", "key", key, "events", len(events), "bytes", len(data))
	return Partition{
		Key:        key,
		EntityType: entityType,
		Window:     w,
		File:       file,
		Events:     len(events),
		Size:       int64(len(data)),
		WrittenAt:  time.Now().UTC(),
	}, nil
}

// ListPartitions returns the partitions of entityType that overlap w, in key
// order. Listing starts one partition width before w.Start and stops at the
// first partition starting at or after w.End.
func (s *Store) ListPartitions(ctx context.Context, entityType string, w Window) ([]Partition, error) {
	typePrefix := s.prefix + entityType + "/"
	startAfter := typePrefix + w.Start.Add(-s.width).UTC().Format(stampLayout)

	var out []Partition
	err := s.blobs.List(ctx, typePrefix, startAfter, func(info ObjectInfo) bool {
		key := info.Key[len(s.prefix):]
		et, pw, file, err := ParseKey(key)
		if err != nil {
			s.logger.Warn("skipping unrecognized object", "key", info.Key, "error", err)
			return true
		}
		if et != entityType {
			return true
		}
		if !pw.Start.Before(w.End) {
			return false
		}
		if !pw.Overlaps(w) {
			return true
		}
		out = append(out, Partition{
			Key:        key,
			EntityType: et,
			Window:     pw,
			File:       file,
			Size:       info.Size,
			WrittenAt:  info.LastModified,
		})
		return true
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out, nil
}

// ReadPartition decodes every event stored under key.
func (s *Store) ReadPartition(ctx context.Context, key string) ([]event.Event, error) {
	obj, err := s.blobs.Open(ctx, s.prefix+key)
	if err != nil {
		return nil, err
	}
	defer obj.Close()

	events, err := decodeEvents(obj, obj.Size())
	if err != nil {
		return nil, fmt.Errorf("partition %s: %w", key, err)
	}
	return events, nil
}
