package http

import (
	"net/http"
	"strconv"

	"github.com/arkilian/featureindex/internal/manager"
)

// IndexStatusResponse is the body of GET /v1/tables/{table}/index.
type IndexStatusResponse struct {
	Table   string          `json:"table"`
	Order   []string        `json:"order"`
	Indexed map[string]bool `json:"indexed"`
}

func (h *Handler) indexStatus(w http.ResponseWriter, r *http.Request) {
	m, err := h.manager(r)
	if err != nil {
		writeErr(w, r, err)
		return
	}
	resp := IndexStatusResponse{Table: m.Table(), Indexed: make(map[string]bool)}
	for _, k := range m.Order() {
		resp.Order = append(resp.Order, k.String())
	}
	for _, k := range []manager.Kind{manager.Primary, manager.Alternate} {
		ok, err := m.IsIndexed(r.Context(), k)
		if err != nil {
			writeErr(w, r, err)
			return
		}
		resp.Indexed[k.String()] = ok
	}
	writeJSON(w, http.StatusOK, resp)
}

// IndexResponse is the body of POST /v1/tables/{table}/index.
type IndexResponse struct {
	Table   string `json:"table"`
	Kind    string `json:"kind"`
	Indexed int    `json:"indexed"`
}

func (h *Handler) buildIndex(w http.ResponseWriter, r *http.Request) {
	m, err := h.manager(r)
	if err != nil {
		writeErr(w, r, err)
		return
	}
	kind, err := manager.ParseKind(r.URL.Query().Get("kind"))
	if err != nil {
		writeErr(w, r, err)
		return
	}
	force := false
	if v := r.URL.Query().Get("force"); v != "" {
		if force, err = strconv.ParseBool(v); err != nil {
			writeErr(w, r, badRequest("invalid force "+strconv.Quote(v), err))
			return
		}
	}
	if kind == manager.None {
		kind = m.Preferred()
	}

	n, err := m.Index(r.Context(), kind, force)
	if err != nil {
		writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, IndexResponse{Table: m.Table(), Kind: kind.String(), Indexed: n})
}

// DeleteIndexResponse is the body of DELETE /v1/tables/{table}/index.
type DeleteIndexResponse struct {
	Table   string `json:"table"`
	Kind    string `json:"kind"`
	Deleted bool   `json:"deleted"`
}

// deleteIndex removes one index kind, or all of them for kind=all.
func (h *Handler) deleteIndex(w http.ResponseWriter, r *http.Request) {
	m, err := h.manager(r)
	if err != nil {
		writeErr(w, r, err)
		return
	}
	name := r.URL.Query().Get("kind")
	if name == "all" {
		deleted, err := m.DeleteAllIndexes(r.Context())
		if err != nil {
			writeErr(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, DeleteIndexResponse{Table: m.Table(), Kind: name, Deleted: deleted})
		return
	}
	kind, err := manager.ParseKind(name)
	if err != nil {
		writeErr(w, r, err)
		return
	}
	deleted, err := m.DeleteIndex(r.Context(), kind)
	if err != nil {
		writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, DeleteIndexResponse{Table: m.Table(), Kind: kind.String(), Deleted: deleted})
}
