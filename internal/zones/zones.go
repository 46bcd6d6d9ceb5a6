// Package zones holds the static scene geometry (stop lines, lanes, junction
// boxes) that violation rules test track positions against. A Registry is
// built once per session and never mutated afterwards.
package zones

import (
	"fmt"
	"sort"
	"strings"

	"github.com/banshee-data/violation.report/internal/frame"
)

// Role describes what a zone means to the rules.
type Role string

const (
	RoleApproach Role = "approach"  // before the stop line
	RoleStopLine Role = "stop_line" // directed line; inside = past the line
	RoleJunction Role = "junction"  // past the stop line
	RoleLane     Role = "lane"
	RoleNoEntry  Role = "no_entry"
)

// AnyClass in DisallowedClasses matches every class label.
const AnyClass = "*"

// Shape is how a zone's membership is tested.
type Shape string

const (
	ShapePolygon Shape = "polygon"
	ShapeLine    Shape = "line"
)

// Zone is a named region. For ShapeLine the two points define a directed
// line and a position is "inside" when the cross product (b-a)x(p-a) is
// positive. With image y pointing down, a line drawn left to right has its
// inside below it on screen.
type Zone struct {
	Name              string
	Role              Role
	Shape             Shape
	Points            []frame.Point
	DisallowedClasses []string
}

// Contains reports whether p is inside the zone.
func (z *Zone) Contains(p frame.Point) bool {
	switch z.Shape {
	case ShapeLine:
		return side(z.Points[0], z.Points[1], p) > 0
	default:
		return pointInPolygon(z.Points, p)
	}
}

// Disallows reports whether class may not be present in this zone.
func (z *Zone) Disallows(class string) bool {
	for _, c := range z.DisallowedClasses {
		if c == AnyClass || c == class {
			return true
		}
	}
	return false
}

// Registry is the immutable set of zones for a session.
type Registry struct {
	zones map[string]*Zone
	names []string
}

// NewRegistry validates zs and builds a Registry. Zone names must be unique,
// polygons need at least three points, lines exactly two distinct points, and
// every coordinate must be finite.
func NewRegistry(zs []Zone) (*Registry, error) {
	r := &Registry{zones: make(map[string]*Zone, len(zs))}
	for i := range zs {
		z := zs[i]
		z.Name = strings.TrimSpace(z.Name)
		if z.Name == "" {
			return nil, fmt.Errorf("zone %d: name is required", i)
		}
		if _, dup := r.zones[z.Name]; dup {
			return nil, fmt.Errorf("zone %q: duplicate name", z.Name)
		}
		if z.Shape == "" {
			z.Shape = ShapePolygon
		}
		for j, p := range z.Points {
			if !p.Finite() {
				return nil, fmt.Errorf("zone %q: point %d is not finite", z.Name, j)
			}
		}
		switch z.Shape {
		case ShapePolygon:
			if len(z.Points) < 3 {
				return nil, fmt.Errorf("zone %q: polygon needs at least 3 points, got %d", z.Name, len(z.Points))
			}
		case ShapeLine:
			if len(z.Points) != 2 {
				return nil, fmt.Errorf("zone %q: line needs exactly 2 points, got %d", z.Name, len(z.Points))
			}
			if z.Points[0] == z.Points[1] {
				return nil, fmt.Errorf("zone %q: line endpoints are identical", z.Name)
			}
		default:
			return nil, fmt.Errorf("zone %q: unsupported shape %q", z.Name, z.Shape)
		}
		// copy so later edits to the caller's slices cannot leak in
		z.Points = append([]frame.Point(nil), z.Points...)
		z.DisallowedClasses = append([]string(nil), z.DisallowedClasses...)
		r.zones[z.Name] = &z
		r.names = append(r.names, z.Name)
	}
	sort.Strings(r.names)
	return r, nil
}

// Lookup returns the zone called name.
func (r *Registry) Lookup(name string) (Zone, bool) {
	z, ok := r.zones[name]
	if !ok {
		return Zone{}, false
	}
	return *z, true
}

// Has reports whether a zone called name exists.
func (r *Registry) Has(name string) bool {
	_, ok := r.zones[name]
	return ok
}

// Names returns all zone names in sorted order.
func (r *Registry) Names() []string {
	return append([]string(nil), r.names...)
}

// Len returns the number of zones.
func (r *Registry) Len() int { return len(r.names) }

// Membership returns the sorted names of every zone containing p.
func (r *Registry) Membership(p frame.Point) []string {
	var in []string
	for _, name := range r.names {
		if r.zones[name].Contains(p) {
			in = append(in, name)
		}
	}
	return in
}

// Contains reports whether the zone called name contains p. Unknown names
// contain nothing.
func (r *Registry) Contains(name string, p frame.Point) bool {
	z, ok := r.zones[name]
	return ok && z.Contains(p)
}

// Disallowing returns the zones in names that disallow class.
func (r *Registry) Disallowing(names []string, class string) []string {
	var out []string
	for _, n := range names {
		if z, ok := r.zones[n]; ok && z.Disallows(class) {
			out = append(out, n)
		}
	}
	return out
}

// side is the cross product (b-a) x (p-a).
func side(a, b, p frame.Point) float64 {
	return (b.X-a.X)*(p.Y-a.Y) - (b.Y-a.Y)*(p.X-a.X)
}

// pointInPolygon is the even-odd ray casting test.
func pointInPolygon(poly []frame.Point, p frame.Point) bool {
	in := false
	for i, j := 0, len(poly)-1; i < len(poly); j, i = i, i+1 {
		a, b := poly[i], poly[j]
		if (a.Y > p.Y) != (b.Y > p.Y) {
			x := (b.X-a.X)*(p.Y-a.Y)/(b.Y-a.Y) + a.X
			if p.X < x {
				in = !in
			}
		}
	}
	return in
}
