package geom

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"math"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/encoding/wkb"
)

// GeoPackage binary header layout: magic "GP", version, flags, srs_id,
// optional envelope, then standard WKB.
const (
	magic0        = 'G'
	magic1        = 'P'
	headerVersion = 0
	headerSize    = 8

	flagLittleEndian = 0x01
	flagEnvelopeMask = 0x0E
	flagEmpty        = 0x10
	flagExtended     = 0x20
)

// Envelope contents indicator codes (flags bits 1-3).
const (
	envelopeNone = 0
	envelopeXY   = 1
	envelopeXYZ  = 2
	envelopeXYM  = 3
	envelopeXYZM = 4
)

var (
	ErrNotGeoPackage = errors.New("geom: not a GeoPackage geometry blob")
	ErrBadEnvelope   = errors.New("geom: invalid envelope contents indicator")
)

// Geometry is a decoded GeoPackage geometry blob. The WKB body is kept raw
// and only parsed when the header carries no envelope.
type Geometry struct {
	SRSID    int32
	Envelope *Envelope
	Empty    bool
	WKB      []byte
}

// Decode parses a GeoPackage geometry blob.
func Decode(data []byte) (*Geometry, error) {
	if len(data) < headerSize || data[0] != magic0 || data[1] != magic1 {
		return nil, ErrNotGeoPackage
	}
	if data[2] != headerVersion {
		return nil, fmt.Errorf("geom: unsupported header version %d", data[2])
	}
	flags := data[3]
	var order binary.ByteOrder = binary.BigEndian
	if flags&flagLittleEndian != 0 {
		order = binary.LittleEndian
	}

	g := &Geometry{
		SRSID: int32(order.Uint32(data[4:8])),
		Empty: flags&flagEmpty != 0,
	}

	indicator := int((flags & flagEnvelopeMask) >> 1)
	n, err := envelopeDoubles(indicator)
	if err != nil {
		return nil, err
	}
	end := headerSize + n*8
	if len(data) < end {
		return nil, fmt.Errorf("geom: blob truncated in envelope (%d < %d bytes)", len(data), end)
	}
	if n > 0 {
		vals := make([]float64, n)
		for i := range vals {
			off := headerSize + i*8
			vals[i] = math.Float64frombits(order.Uint64(data[off : off+8]))
		}
		env := NewEnvelope(vals[0], vals[2], vals[1], vals[3])
		switch indicator {
		case envelopeXYZ:
			env = env.WithZ(vals[4], vals[5])
		case envelopeXYM:
			env = env.WithM(vals[4], vals[5])
		case envelopeXYZM:
			env = env.WithZ(vals[4], vals[5]).WithM(vals[6], vals[7])
		}
		g.Envelope = &env
	}
	g.WKB = data[end:]
	return g, nil
}

func envelopeDoubles(indicator int) (int, error) {
	switch indicator {
	case envelopeNone:
		return 0, nil
	case envelopeXY:
		return 4, nil
	case envelopeXYZ, envelopeXYM:
		return 6, nil
	case envelopeXYZM:
		return 8, nil
	default:
		return 0, ErrBadEnvelope
	}
}

// Orb decodes the WKB body.
func (g *Geometry) Orb() (orb.Geometry, error) {
	geometry, err := wkb.Unmarshal(g.WKB)
	if err != nil {
		return nil, fmt.Errorf("geom: decode wkb: %w", err)
	}
	return geometry, nil
}

// ComputeEnvelope returns the header envelope when present, otherwise the
// bound of the decoded WKB. Empty geometries have no envelope (nil, nil).
func (g *Geometry) ComputeEnvelope() (*Envelope, error) {
	if g.Empty {
		return nil, nil
	}
	if g.Envelope != nil {
		return g.Envelope, nil
	}
	geometry, err := g.Orb()
	if err != nil {
		return nil, err
	}
	b := geometry.Bound()
	if b.IsEmpty() {
		return nil, nil
	}
	env := FromBound(b)
	return &env, nil
}

// EnvelopeOf decodes a blob and computes its envelope. A nil blob yields
// (nil, nil).
func EnvelopeOf(data []byte) (*Envelope, error) {
	if data == nil {
		return nil, nil
	}
	g, err := Decode(data)
	if err != nil {
		return nil, err
	}
	return g.ComputeEnvelope()
}

// Encode writes geometry as a little-endian GeoPackage blob with an XY
// envelope in the header.
func Encode(geometry orb.Geometry, srsID int32) ([]byte, error) {
	body, err := wkb.Marshal(geometry, binary.LittleEndian)
	if err != nil {
		return nil, fmt.Errorf("geom: encode wkb: %w", err)
	}
	b := geometry.Bound()
	if b.IsEmpty() {
		return EncodeRaw(body, srsID, nil, true), nil
	}
	env := FromBound(b)
	return EncodeRaw(body, srsID, &env, false), nil
}

// EncodeRaw assembles a blob from an already encoded WKB body and an
// explicit header envelope, which may carry Z and M extents.
func EncodeRaw(body []byte, srsID int32, env *Envelope, empty bool) []byte {
	flags := byte(flagLittleEndian)
	indicator := envelopeNone
	var vals []float64
	if env != nil {
		vals = []float64{env.MinX, env.MaxX, env.MinY, env.MaxY}
		indicator = envelopeXY
		switch {
		case env.HasZ && env.HasM:
			indicator = envelopeXYZM
			vals = append(vals, env.MinZ, env.MaxZ, env.MinM, env.MaxM)
		case env.HasZ:
			indicator = envelopeXYZ
			vals = append(vals, env.MinZ, env.MaxZ)
		case env.HasM:
			indicator = envelopeXYM
			vals = append(vals, env.MinM, env.MaxM)
		}
	}
	flags |= byte(indicator) << 1
	if empty {
		flags |= flagEmpty
	}

	var buf bytes.Buffer
	buf.Grow(headerSize + len(vals)*8 + len(body))
	buf.Write([]byte{magic0, magic1, headerVersion, flags})
	var scratch [8]byte
	binary.LittleEndian.PutUint32(scratch[:4], uint32(srsID))
	buf.Write(scratch[:4])
	for _, v := range vals {
		binary.LittleEndian.PutUint64(scratch[:], math.Float64bits(v))
		buf.Write(scratch[:])
	}
	buf.Write(body)
	return buf.Bytes()
}
