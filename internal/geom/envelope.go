// Package geom provides envelopes and the GeoPackage binary geometry
// encoding used by feature tables.
package geom

import (
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/paulmach/orb"
)

// DefaultTolerance is the slack applied to envelope bounds in range queries
// so boundary-touching boxes are not lost to floating point representation.
const DefaultTolerance = 1e-14

// Envelope is an axis-aligned bounding box with optional Z and M extents.
type Envelope struct {
	MinX, MaxX float64
	MinY, MaxY float64
	MinZ, MaxZ float64
	MinM, MaxM float64
	HasZ       bool
	HasM       bool
}

// NewEnvelope creates an XY envelope.
func NewEnvelope(minX, minY, maxX, maxY float64) Envelope {
	return Envelope{MinX: minX, MaxX: maxX, MinY: minY, MaxY: maxY}
}

// FromBound converts an orb bound into an XY envelope.
func FromBound(b orb.Bound) Envelope {
	return NewEnvelope(b.Min.X(), b.Min.Y(), b.Max.X(), b.Max.Y())
}

// WithZ returns a copy carrying a Z extent.
func (e Envelope) WithZ(minZ, maxZ float64) Envelope {
	e.MinZ, e.MaxZ, e.HasZ = minZ, maxZ, true
	return e
}

// WithM returns a copy carrying an M extent.
func (e Envelope) WithM(minM, maxM float64) Envelope {
	e.MinM, e.MaxM, e.HasM = minM, maxM, true
	return e
}

// Bound returns the XY part as an orb bound.
func (e Envelope) Bound() orb.Bound {
	return orb.Bound{
		Min: orb.Point{e.MinX, e.MinY},
		Max: orb.Point{e.MaxX, e.MaxY},
	}
}

// Validate checks min <= max on every present axis and rejects NaN.
func (e Envelope) Validate() error {
	if err := checkAxis("x", e.MinX, e.MaxX); err != nil {
		return err
	}
	if err := checkAxis("y", e.MinY, e.MaxY); err != nil {
		return err
	}
	if e.HasZ {
		if err := checkAxis("z", e.MinZ, e.MaxZ); err != nil {
			return err
		}
	}
	if e.HasM {
		if err := checkAxis("m", e.MinM, e.MaxM); err != nil {
			return err
		}
	}
	return nil
}

func checkAxis(name string, min, max float64) error {
	if math.IsNaN(min) || math.IsNaN(max) {
		return fmt.Errorf("envelope: %s extent is NaN", name)
	}
	if min > max {
		return fmt.Errorf("envelope: min_%s %v > max_%s %v", name, min, name, max)
	}
	return nil
}

// Intersects reports whether e (a stored envelope) matches the query
// envelope q with the given tolerance. Comparisons are inclusive, and the Z
// and M axes only take part when q carries them; a stored envelope lacking a
// dimension the query asks for never matches.
func (e Envelope) Intersects(q Envelope, tolerance float64) bool {
	if !overlaps(e.MinX, e.MaxX, q.MinX, q.MaxX, tolerance) ||
		!overlaps(e.MinY, e.MaxY, q.MinY, q.MaxY, tolerance) {
		return false
	}
	if q.HasZ && (!e.HasZ || !overlaps(e.MinZ, e.MaxZ, q.MinZ, q.MaxZ, tolerance)) {
		return false
	}
	if q.HasM && (!e.HasM || !overlaps(e.MinM, e.MaxM, q.MinM, q.MaxM, tolerance)) {
		return false
	}
	return true
}

func overlaps(storedMin, storedMax, queryMin, queryMax, tolerance float64) bool {
	return storedMin <= queryMax+tolerance && storedMax >= queryMin-tolerance
}

// Union returns the smallest envelope covering e and o. A dimension is kept
// only when both envelopes carry it.
func (e Envelope) Union(o Envelope) Envelope {
	u := NewEnvelope(
		math.Min(e.MinX, o.MinX), math.Min(e.MinY, o.MinY),
		math.Max(e.MaxX, o.MaxX), math.Max(e.MaxY, o.MaxY),
	)
	if e.HasZ && o.HasZ {
		u = u.WithZ(math.Min(e.MinZ, o.MinZ), math.Max(e.MaxZ, o.MaxZ))
	}
	if e.HasM && o.HasM {
		u = u.WithM(math.Min(e.MinM, o.MinM), math.Max(e.MaxM, o.MaxM))
	}
	return u
}

// Extend grows acc by e, treating a nil accumulator as empty.
func Extend(acc *Envelope, e Envelope) *Envelope {
	if acc == nil {
		cp := e
		return &cp
	}
	u := acc.Union(e)
	return &u
}

// String formats the envelope as minx,miny,maxx,maxy.
func (e Envelope) String() string {
	return fmt.Sprintf("%g,%g,%g,%g", e.MinX, e.MinY, e.MaxX, e.MaxY)
}

// ParseEnvelope parses "minx,miny,maxx,maxy" into a validated XY envelope.
func ParseEnvelope(s string) (Envelope, error) {
	parts := strings.Split(s, ",")
	if len(parts) != 4 {
		return Envelope{}, fmt.Errorf("envelope: expected minx,miny,maxx,maxy, got %q", s)
	}
	var v [4]float64
	for i, p := range parts {
		f, err := strconv.ParseFloat(strings.TrimSpace(p), 64)
		if err != nil {
			return Envelope{}, fmt.Errorf("envelope: invalid coordinate %q: %w", p, err)
		}
		v[i] = f
	}
	e := NewEnvelope(v[0], v[1], v[2], v[3])
	if err := e.Validate(); err != nil {
		return Envelope{}, err
	}
	return e, nil
}
