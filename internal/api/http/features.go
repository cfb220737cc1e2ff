package http

import (
	"fmt"
	"net/http"
	"strconv"

	ferrors "github.com/arkilian/featureindex/internal/errors"
	"github.com/arkilian/featureindex/internal/geom"
	"github.com/arkilian/featureindex/internal/logging"
	"github.com/arkilian/featureindex/internal/manager"
	"github.com/gorilla/mux"
	"github.com/paulmach/orb/geojson"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// DefaultMaxLimit caps the page size when none is configured.
const DefaultMaxLimit = 10000

// Handler serves feature queries and index maintenance for every feature
// table of one store.
type Handler struct {
	registry *manager.Registry
	maxLimit int
	logger   *logging.Logger
}

// NewHandler creates a handler over the registry's managers.
func NewHandler(registry *manager.Registry, maxLimit int, logger *logging.Logger) *Handler {
	if maxLimit <= 0 {
		maxLimit = DefaultMaxLimit
	}
	return &Handler{
		registry: registry,
		maxLimit: maxLimit,
		logger:   logging.OrNoop(logger),
	}
}

// NewRouter registers the API routes and the metrics endpoint served from
// gatherer.
func NewRouter(h *Handler, gatherer prometheus.Gatherer) *mux.Router {
	r := mux.NewRouter()
	r.Use(mux.MiddlewareFunc(DefaultMiddleware(h.logger)))

	v1 := r.PathPrefix("/v1/tables").Subrouter()
	v1.HandleFunc("", h.tables).Methods(http.MethodGet)
	v1.HandleFunc("/{table}/features", h.features).Methods(http.MethodGet)
	v1.HandleFunc("/{table}/count", h.count).Methods(http.MethodGet)
	v1.HandleFunc("/{table}/extent", h.extent).Methods(http.MethodGet)
	v1.HandleFunc("/{table}/index", h.indexStatus).Methods(http.MethodGet)
	v1.HandleFunc("/{table}/index", h.buildIndex).Methods(http.MethodPost)
	v1.HandleFunc("/{table}/index", h.deleteIndex).Methods(http.MethodDelete)

	r.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	r.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	return r
}

func (h *Handler) manager(r *http.Request) (*manager.Manager, error) {
	return h.registry.Get(r.Context(), mux.Vars(r)["table"])
}

func badRequest(msg string, err error) error {
	return ferrors.Wrap(ferrors.ErrCategoryValidation, ferrors.CodeInvalidConfig, msg, err)
}

// queryOptions reads bbox from the request. A missing bbox matches every row.
func queryOptions(r *http.Request) (manager.QueryOptions, error) {
	var opts manager.QueryOptions
	if v := r.URL.Query().Get("bbox"); v != "" {
		env, err := geom.ParseEnvelope(v)
		if err != nil {
			return opts, ferrors.Wrap(ferrors.ErrCategoryValidation, ferrors.CodeInvalidEnvelope, "invalid bbox", err)
		}
		opts.Envelope = &env
	}
	return opts, nil
}

func intParam(r *http.Request, name string, def int) (int, error) {
	v := r.URL.Query().Get(name)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return 0, badRequest(fmt.Sprintf("invalid %s %q", name, v), err)
	}
	return n, nil
}

// TablesResponse lists the feature tables.
type TablesResponse struct {
	Tables []string `json:"tables"`
}

func (h *Handler) tables(w http.ResponseWriter, r *http.Request) {
	tables, err := h.registry.Tables(r.Context())
	if err != nil {
		writeErr(w, r, err)
		return
	}
	if tables == nil {
		tables = []string{}
	}
	writeJSON(w, http.StatusOK, TablesResponse{Tables: tables})
}

// features handles GET /v1/tables/{table}/features and writes a GeoJSON
// feature collection.
func (h *Handler) features(w http.ResponseWriter, r *http.Request) {
	m, err := h.manager(r)
	if err != nil {
		writeErr(w, r, err)
		return
	}
	opts, err := queryOptions(r)
	if err != nil {
		writeErr(w, r, err)
		return
	}
	limit, err := intParam(r, "limit", h.maxLimit)
	if err != nil {
		writeErr(w, r, err)
		return
	}
	offset, err := intParam(r, "offset", 0)
	if err != nil {
		writeErr(w, r, err)
		return
	}
	limit = min(max(limit, 1), h.maxLimit)

	res, err := m.QueryChunk(r.Context(), opts, limit, offset)
	if err != nil {
		writeErr(w, r, err)
		return
	}
	defer res.Close()

	fc := geojson.NewFeatureCollection()
	for row, err := range res.Rows() {
		if err != nil {
			writeErr(w, r, err)
			return
		}
		var f *geojson.Feature
		g, err := geom.Decode(row.Geometry)
		if err == nil {
			if body, derr := g.Orb(); derr == nil {
				f = geojson.NewFeature(body)
			}
		}
		if f == nil {
			h.logger.Debug("http: feature without decodable geometry", "fid", row.ID)
			f = geojson.NewFeature(nil)
		}
		f.ID = row.ID
		for k, v := range row.Values {
			if b, ok := v.([]byte); ok {
				v = string(b)
			}
			f.Properties[k] = v
		}
		fc.Features = append(fc.Features, f)
	}
	fc.ExtraMembers = geojson.Properties{
		"numberMatched":  res.Count(),
		"numberReturned": len(fc.Features),
	}

	body, err := fc.MarshalJSON()
	if err != nil {
		writeErr(w, r, err)
		return
	}
	w.Header().Set("Content-Type", "application/geo+json")
	w.WriteHeader(http.StatusOK)
	w.Write(body)
}

// CountResponse is the body of GET /v1/tables/{table}/count.
type CountResponse struct {
	Table string `json:"table"`
	Count int64  `json:"count"`
}

func (h *Handler) count(w http.ResponseWriter, r *http.Request) {
	m, err := h.manager(r)
	if err != nil {
		writeErr(w, r, err)
		return
	}
	opts, err := queryOptions(r)
	if err != nil {
		writeErr(w, r, err)
		return
	}
	n, err := m.Count(r.Context(), opts)
	if err != nil {
		writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, CountResponse{Table: m.Table(), Count: n})
}

// ExtentResponse is the body of GET /v1/tables/{table}/extent. BBox is
// minx, miny, maxx, maxy, or null for a table without geometries.
type ExtentResponse struct {
	Table string    `json:"table"`
	BBox  []float64 `json:"bbox"`
}

func (h *Handler) extent(w http.ResponseWriter, r *http.Request) {
	m, err := h.manager(r)
	if err != nil {
		writeErr(w, r, err)
		return
	}
	env, err := m.BoundingBox(r.Context())
	if err != nil {
		writeErr(w, r, err)
		return
	}
	resp := ExtentResponse{Table: m.Table()}
	if env != nil {
		resp.BBox = []float64{env.MinX, env.MinY, env.MaxX, env.MaxY}
	}
	writeJSON(w, http.StatusOK, resp)
}
