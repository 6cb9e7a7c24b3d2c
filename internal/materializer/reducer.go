package materializer

import (
	"fmt"
	"sort"
	"time"

	"github.com/Adithya-Monish-Kumar-K/RideMatch-Feature-Platform/internal/event"
	"github.com/Adithya-Monish-Kumar-K/RideMatch-Feature-Platform/internal/featuregroup"
	"github.com/Adithya-Monish-Kumar-K/RideMatch-Feature-Platform/internal/onlinecache"
	"github.com/Adithya-Monish-Kumar-K/RideMatch-Feature-Platform/internal/snapshot"
)

// fieldValue is the current winner for one entity field.
type fieldValue struct {
	value any
	ts    time.Time
	pos   event.Position
}

// beats reports whether a replaces b. Order: event timestamp, then stream
// position, then the rendered value. The last step only matters for
// duplicated positions with different content, and keeps the outcome
// independent of read order.
func (a fieldValue) beats(b fieldValue) bool {
	if !a.ts.Equal(b.ts) {
		return a.ts.After(b.ts)
	}
	if c := a.pos.Compare(b.pos); c != 0 {
		return c > 0
	}
	return render(a.value) > render(b.value)
}

func render(v any) string {
	return fmt.Sprintf("%T:%v", v, v)
}

// ReduceStats counts what a reducer saw.
type ReduceStats struct {
	Events       int `json:"events"`
	OutOfWindow  int `json:"out_of_window"`
	OtherEntity  int `json:"other_entity"`
	InvalidField int `json:"invalid_fields"`
	AssumedUTC   int `json:"assumed_utc"`
}

func (s *ReduceStats) add(o ReduceStats) {
	s.Events += o.Events
	s.OutOfWindow += o.OutOfWindow
	s.OtherEntity += o.OtherEntity
	s.InvalidField += o.InvalidField
	s.AssumedUTC += o.AssumedUTC
}

// Reducer folds events into the latest value per entity per field. The
// result does not depend on the order events are added or merged in.
type Reducer struct {
	group    *featuregroup.Group
	window   snapshot.Window
	entities map[string]map[string]fieldValue
	stats    ReduceStats
}

// NewReducer creates a reducer for group restricted to window.
func NewReducer(group *featuregroup.Group, window snapshot.Window) *Reducer {
	return &Reducer{
		group:    group,
		window:   window,
		entities: make(map[string]map[string]fieldValue),
	}
}

// Add folds one event in. Fields the group does not declare are ignored;
// values that cannot be coerced to the declared type are counted and
// skipped without affecting other fields.
func (r *Reducer) Add(ev event.Event) {
	if ev.EntityType != r.group.EntityType {
		r.stats.OtherEntity++
		return
	}
	ts := ev.Timestamp.UTC()
	if !r.window.Contains(ts) {
		r.stats.OutOfWindow++
		return
	}
	r.stats.Events++
	if ev.AssumedUTC {
		r.stats.AssumedUTC++
	}
	for name, raw := range ev.Payload {
		if !r.group.Has(name) {
			continue
		}
		v, err := r.group.Coerce(name, raw)
		if err != nil {
			r.stats.InvalidField++
			continue
		}
		r.offer(ev.EntityID, name, fieldValue{value: v, ts: ts, pos: ev.Position})
	}
}

func (r *Reducer) offer(entityID, field string, fv fieldValue) {
	fields, ok := r.entities[entityID]
	if !ok {
		fields = make(map[string]fieldValue, len(r.group.Fields))
		r.entities[entityID] = fields
	}
	if cur, ok := fields[field]; ok && !fv.beats(cur) {
		return
	}
	fields[field] = fv
}

// Merge folds another reducer's state into r.
func (r *Reducer) Merge(o *Reducer) {
	for entityID, fields := range o.entities {
		for field, fv := range fields {
			r.offer(entityID, field, fv)
		}
	}
	r.stats.add(o.stats)
}

// Len returns the number of entities with at least one field.
func (r *Reducer) Len() int { return len(r.entities) }

// Stats returns the running counters.
func (r *Reducer) Stats() ReduceStats { return r.stats }

// Entries returns one cache entry per entity, sorted by entity id.
func (r *Reducer) Entries() []onlinecache.Entry {
	ids := make([]string, 0, len(r.entities))
	for id := range r.entities {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	out := make([]onlinecache.Entry, 0, len(ids))
	for _, id := range ids {
		fields := r.entities[id]
		e := onlinecache.Entry{EntityID: id, Fields: make(map[string]any, len(fields))}
		for name, fv := range fields {
			e.Fields[name] = fv.value
			if fv.ts.After(e.EventTime) {
				e.EventTime = fv.ts
			}
		}
		out = append(out, e)
	}
	return out
}
