package snapshot

import (
	"fmt"
	"strings"
	"time"
)

// stampLayout is fixed width so lexical key order matches time order.
const stampLayout = "20060102T150405Z"

// Window is the half-open interval [Start, End).
type Window struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

// Overlaps reports whether w and o share any instant.
func (w Window) Overlaps(o Window) bool {
	return w.Start.Before(o.End) && o.Start.Before(w.End)
}

// Contains reports whether t falls inside w.
func (w Window) Contains(t time.Time) bool {
	return !t.Before(w.Start) && t.Before(w.End)
}

func (w Window) String() string {
	return w.Start.UTC().Format(stampLayout) + "-" + w.End.UTC().Format(stampLayout)
}

// BucketFor returns the width-aligned window containing t.
func BucketFor(t time.Time, width time.Duration) Window {
	start := t.UTC().Truncate(width)
	return Window{Start: start, End: start.Add(width)}
}

// Partition describes one immutable snapshot file.
type Partition struct {
	Key        string    `json:"key"`
	EntityType string    `json:"entity_type"`
	Window     Window    `json:"window"`
	File       string    `json:"file"`
	Events     int       `json:"events"`
	Size       int64     `json:"size"`
	WrittenAt  time.Time `json:"written_at,omitempty"`
}

// PartitionKey builds "{entity_type}/{window_start}-{window_end}/{file}".
func PartitionKey(entityType string, w Window, file string) string {
	return entityType + "/" + w.String() + "/" + file
}

// ParseKey is the inverse of PartitionKey.
func ParseKey(key string) (entityType string, w Window, file string, err error) {
	parts := strings.Split(key, "/")
	if len(parts) != 3 {
		return "", Window{}, "", fmt.Errorf("partition key %q: want 3 segments", key)
	}
	startText, endText, ok := strings.Cut(parts[1], "-")
	if !ok {
		return "", Window{}, "", fmt.Errorf("partition key %q: malformed window", key)
	}
	start, err := time.Parse(stampLayout, startText)
	if err != nil {
		return "", Window{}, "", fmt.Errorf("partition key %q: window start: %w", key, err)
	}
	end, err := time.Parse(stampLayout, endText)
	if err != nil {
		return "", Window{}, "", fmt.Errorf("partition key %q: window end: %w", key, err)
	}
	if !end.After(start) {
		return "", Window{}, "", fmt.Errorf("partition key %q: empty window", key)
	}
	return parts[0], Window{Start: start, End: end}, parts[2], nil
}

// FileName names a partition file after its stream origin so that a
// re-delivered batch maps to the same key.
func FileName(streamPartition int, firstOffset, lastOffset int64) string {
	return fmt.Sprintf("p%d-o%d-%d.parquet", streamPartition, firstOffset, lastOffset)
}
