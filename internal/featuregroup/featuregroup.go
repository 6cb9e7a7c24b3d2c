// Package featuregroup holds the typed feature group schemas that tie an
// entity type to the fields materialized into the online cache.
package featuregroup

import (
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/Adithya-Monish-Kumar-K/RideMatch-Feature-Platform/pkg/config"
	apperrors "github.com/Adithya-Monish-Kumar-K/RideMatch-Feature-Platform/pkg/errors"
)

// FieldType is the declared type of a feature field.
type FieldType string

const (
	Float  FieldType = "float"
	Int    FieldType = "int"
	String FieldType = "string"
	Bool   FieldType = "bool"
)

// Field is one typed feature within a group.
type Field struct {
	Name string    `json:"name"`
	Type FieldType `json:"type"`
}

// Group is a named, versioned schema over one entity type.
type Group struct {
	Name       string        `json:"name"`
	Version    int           `json:"version"`
	EntityType string        `json:"entity_type"`
	Fields     []Field       `json:"fields"`
	TTL        time.Duration `json:"ttl"`

	index map[string]FieldType
}

// Validate checks TTL, field types and uniqueness of field names.
func (g *Group) Validate() error {
	if g.Name == "" || strings.Contains(g.Name, ":") {
		return fmt.Errorf("%w: group name %q", apperrors.ErrInvalidInput, g.Name)
	}
	if g.EntityType == "" {
		return fmt.Errorf("%w: group %s has no entity type", apperrors.ErrInvalidInput, g.Name)
	}
	if g.TTL <= 0 {
		return fmt.Errorf("%w: group %s ttl must be positive", apperrors.ErrInvalidInput, g.Name)
	}
	if len(g.Fields) == 0 {
		return fmt.Errorf("%w: group %s has no fields", apperrors.ErrInvalidInput, g.Name)
	}
	g.index = make(map[string]FieldType, len(g.Fields))
	for _, f := range g.Fields {
		switch f.Type {
		case Float, Int, String, Bool:
		default:
			return fmt.Errorf("%w: group %s field %s has unknown type %q", apperrors.ErrInvalidInput, g.Name, f.Name, f.Type)
		}
		if f.Name == "" {
			return fmt.Errorf("%w: group %s has an unnamed field", apperrors.ErrInvalidInput, g.Name)
		}
		if _, dup := g.index[f.Name]; dup {
			return fmt.Errorf("%w: group %s declares field %s twice", apperrors.ErrInvalidInput, g.Name, f.Name)
		}
		g.index[f.Name] = f.Type
	}
	return nil
}

// Has reports whether the group declares field.
func (g *Group) Has(field string) bool {
	_, ok := g.index[field]
	return ok
}

// FieldNames returns the declared field names in declaration order.
func (g *Group) FieldNames() []string {
	names := make([]string, len(g.Fields))
	for i, f := range g.Fields {
		names[i] = f.Name
	}
	return names
}

// Coerce converts v to the declared type of field. Numbers arriving as
// strings are parsed; anything else that does not fit is an error.
func (g *Group) Coerce(field string, v any) (any, error) {
	t, ok := g.index[field]
	if !ok {
		return nil, fmt.Errorf("group %s has no field %s", g.Name, field)
	}
	switch t {
	case Float:
		f, err := toFloat(v)
		if err != nil {
			return nil, fmt.Errorf("%s.%s: %w", g.Name, field, err)
		}
		return f, nil
	case Int:
		f, err := toFloat(v)
		if err != nil {
			return nil, fmt.Errorf("%s.%s: %w", g.Name, field, err)
		}
		if f != math.Trunc(f) {
			return nil, fmt.Errorf("%s.%s: %v is not an integer", g.Name, field, v)
		}
		return int64(f), nil
	case String:
		switch x := v.(type) {
		case string:
			return x, nil
		case float64:
			return strconv.FormatFloat(x, 'f', -1, 64), nil
		case bool:
			return strconv.FormatBool(x), nil
		}
	case Bool:
		switch x := v.(type) {
		case bool:
			return x, nil
		case string:
			b, err := strconv.ParseBool(x)
			if err == nil {
				return b, nil
			}
		}
	}
	return nil, fmt.Errorf("%s.%s: cannot use %T as %s", g.Name, field, v, t)
}

func toFloat(v any) (float64, error) {
	switch x := v.(type) {
	case float64:
		return x, nil
	case float32:
		return float64(x), nil
	case int:
		return float64(x), nil
	case int64:
		return float64(x), nil
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(x), 64)
		if err != nil {
			return 0, fmt.Errorf("%q is not numeric", x)
		}
		return f, nil
	}
	return 0, fmt.Errorf("cannot use %T as number", v)
}

// Ref addresses one field as "group:field".
type Ref struct {
	Group string
	Field string
}

func (r Ref) String() string { return r.Group + ":" + r.Field }

// ParseRef splits "group:field".
func ParseRef(s string) (Ref, error) {
	group, field, ok := strings.Cut(s, ":")
	if !ok || group == "" || field == "" || strings.Contains(field, ":") {
		return Ref{}, fmt.Errorf("%w: feature reference %q must look like group:field", apperrors.ErrInvalidInput, s)
	}
	return Ref{Group: group, Field: field}, nil
}

// Catalog is the immutable set of groups known to a process.
type Catalog struct {
	groups map[string]*Group
}

// NewCatalog validates groups and indexes them by name.
func NewCatalog(groups ...Group) (*Catalog, error) {
	c := &Catalog{groups: make(map[string]*Group, len(groups))}
	for i := range groups {
		g := groups[i]
		if err := g.Validate(); err != nil {
			return nil, err
		}
		if _, dup := c.groups[g.Name]; dup {
			return nil, fmt.Errorf("%w: feature group %s declared twice", apperrors.ErrInvalidInput, g.Name)
		}
		c.groups[g.Name] = &g
	}
	return c, nil
}

// FromConfig builds a Catalog from the featureGroups config section.
func FromConfig(cfgs []config.FeatureGroupConfig) (*Catalog, error) {
	groups := make([]Group, 0, len(cfgs))
	for _, gc := range cfgs {
		g := Group{
			Name:       gc.Name,
			Version:    gc.Version,
			EntityType: gc.EntityType,
			TTL:        gc.TTL,
		}
		for _, fc := range gc.Fields {
			g.Fields = append(g.Fields, Field{Name: fc.Name, Type: FieldType(fc.Type)})
		}
		groups = append(groups, g)
	}
	return NewCatalog(groups...)
}

// Get returns the named group.
func (c *Catalog) Get(name string) (*Group, error) {
	g, ok := c.groups[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", apperrors.ErrUnknownFeatureGroup, name)
	}
	return g, nil
}

// Resolve parses ref and checks that the group declares the field.
func (c *Catalog) Resolve(ref string) (Ref, *Group, error) {
	r, err := ParseRef(ref)
	if err != nil {
		return Ref{}, nil, err
	}
	g, err := c.Get(r.Group)
	if err != nil {
		return Ref{}, nil, err
	}
	if !g.Has(r.Field) {
		return Ref{}, nil, fmt.Errorf("%w: group %s has no field %s", apperrors.ErrInvalidInput, r.Group, r.Field)
	}
	return r, g, nil
}

// Names returns all group names, sorted.
func (c *Catalog) Names() []string {
	names := make([]string, 0, len(c.groups))
	for n := range c.groups {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Groups returns every group, sorted by name.
func (c *Catalog) Groups() []*Group {
	out := make([]*Group, 0, len(c.groups))
	for _, n := range c.Names() {
		out = append(out, c.groups[n])
	}
	return out
}
