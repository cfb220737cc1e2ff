package geom

import (
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/paulmach/orb"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIntersects_ToleranceBoundary(t *testing.T) {
	stored := NewEnvelope(0, 0, 10.0, 5)

	within := NewEnvelope(10.0+5e-15, 0, 20, 5)
	assert.True(t, stored.Intersects(within, DefaultTolerance))

	beyond := NewEnvelope(10.1, 0, 20, 5)
	assert.False(t, stored.Intersects(beyond, DefaultTolerance))
}

func TestIntersects_TouchingIsInclusive(t *testing.T) {
	a := NewEnvelope(0, 0, 1, 1)
	b := NewEnvelope(1, 1, 2, 2)
	assert.True(t, a.Intersects(b, 0))
}

func TestIntersects_ZOnlyWhenQueryHasZ(t *testing.T) {
	stored := NewEnvelope(0, 0, 1, 1).WithZ(100, 200)

	assert.True(t, stored.Intersects(NewEnvelope(0, 0, 1, 1), DefaultTolerance))
	assert.False(t, stored.Intersects(NewEnvelope(0, 0, 1, 1).WithZ(0, 50), DefaultTolerance))
	assert.True(t, stored.Intersects(NewEnvelope(0, 0, 1, 1).WithZ(150, 160), DefaultTolerance))

	flat := NewEnvelope(0, 0, 1, 1)
	assert.False(t, flat.Intersects(NewEnvelope(0, 0, 1, 1).WithM(0, 1), DefaultTolerance))
}

func TestValidate(t *testing.T) {
	assert.NoError(t, NewEnvelope(0, 0, 0, 0).Validate())
	assert.Error(t, NewEnvelope(2, 0, 1, 1).Validate())
	assert.Error(t, NewEnvelope(0, 0, 1, 1).WithZ(5, 4).Validate())
}

func TestParseEnvelope(t *testing.T) {
	e, err := ParseEnvelope("1, 2, 3,4")
	require.NoError(t, err)
	assert.Equal(t, NewEnvelope(1, 2, 3, 4), e)

	_, err = ParseEnvelope("1,2,3")
	assert.Error(t, err)
	_, err = ParseEnvelope("3,2,1,4")
	assert.Error(t, err)
}

func TestUnionAndExtend(t *testing.T) {
	var acc *Envelope
	acc = Extend(acc, NewEnvelope(0, 0, 1, 1).WithZ(0, 1))
	acc = Extend(acc, NewEnvelope(-1, 2, 0.5, 3))

	assert.Equal(t, -1.0, acc.MinX)
	assert.Equal(t, 3.0, acc.MaxY)
	assert.False(t, acc.HasZ, "Z is dropped when one side lacks it")
}

func TestProperty_EnvelopeIntersection(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	envelopeGen := gopter.CombineGens(
		gen.Float64Range(-1000, 1000),
		gen.Float64Range(-1000, 1000),
		gen.Float64Range(0, 100),
		gen.Float64Range(0, 100),
	).Map(func(v []interface{}) Envelope {
		x, y := v[0].(float64), v[1].(float64)
		return NewEnvelope(x, y, x+v[2].(float64), y+v[3].(float64))
	})

	properties.Property("every envelope matches itself", prop.ForAll(
		func(e Envelope) bool {
			return e.Intersects(e, DefaultTolerance)
		},
		envelopeGen,
	))

	properties.Property("XY intersection is symmetric", prop.ForAll(
		func(a, b Envelope) bool {
			return a.Intersects(b, DefaultTolerance) == b.Intersects(a, DefaultTolerance)
		},
		envelopeGen, envelopeGen,
	))

	properties.Property("union covers both inputs", prop.ForAll(
		func(a, b Envelope) bool {
			u := a.Union(b)
			return u.MinX <= a.MinX && u.MinX <= b.MinX &&
				u.MaxX >= a.MaxX && u.MaxX >= b.MaxX &&
				u.MinY <= a.MinY && u.MaxY >= b.MaxY
		},
		envelopeGen, envelopeGen,
	))

	properties.TestingRun(t)
}

func TestBoundRoundTrip(t *testing.T) {
	b := orb.Bound{Min: orb.Point{1, 2}, Max: orb.Point{3, 4}}
	assert.Equal(t, b, FromBound(b).Bound())
}
