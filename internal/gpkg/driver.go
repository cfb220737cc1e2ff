package gpkg

import (
	"database/sql"

	"github.com/arkilian/featureindex/internal/geom"
	sqlite3 "github.com/mattn/go-sqlite3"
)

// DriverName is the database/sql driver registered by this package. It is
// go-sqlite3 with the geometry SQL functions installed on every connection,
// which the R*Tree maintenance triggers depend on.
const DriverName = "sqlite3_featureindex"

func init() {
	sql.Register(DriverName, &sqlite3.SQLiteDriver{
		ConnectHook: registerGeometryFunctions,
	})
}

func registerGeometryFunctions(conn *sqlite3.SQLiteConn) error {
	funcs := map[string]func(*geom.Envelope) float64{
		"ST_MinX": func(e *geom.Envelope) float64 { return e.MinX },
		"ST_MaxX": func(e *geom.Envelope) float64 { return e.MaxX },
		"ST_MinY": func(e *geom.Envelope) float64 { return e.MinY },
		"ST_MaxY": func(e *geom.Envelope) float64 { return e.MaxY },
	}
	for name, extract := range funcs {
		extract := extract
		if err := conn.RegisterFunc(name, func(blob interface{}) interface{} {
			env := envelopeOfValue(blob)
			if env == nil {
				return nil
			}
			return extract(env)
		}, true); err != nil {
			return err
		}
	}
	return conn.RegisterFunc("ST_IsEmpty", func(blob interface{}) bool {
		return envelopeOfValue(blob) == nil
	}, true)
}

// envelopeOfValue treats NULL, non-blob and undecodable values as empty so a
// malformed geometry never fails the user's write through a trigger.
func envelopeOfValue(v interface{}) *geom.Envelope {
	blob, ok := v.([]byte)
	if !ok || blob == nil {
		return nil
	}
	env, err := geom.EnvelopeOf(blob)
	if err != nil {
		return nil
	}
	return env
}
