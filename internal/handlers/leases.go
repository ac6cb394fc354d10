package handlers

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/tzfun/etcd-workbench/internal/apperr"
)

type grantRequest struct {
	TTL int64 `json:"ttl"`
	ID  int64 `json:"id,string,omitempty"`
}

// leaseID parses {lease}. Lease ids are 64-bit and travel as decimal
// strings so JavaScript clients keep their precision.
func leaseID(r *http.Request) (int64, error) {
	s := chi.URLParam(r, "lease")
	id, err := strconv.ParseInt(s, 10, 64)
	if err != nil || id <= 0 {
		return 0, apperr.Argument("invalid lease id %q", s)
	}
	return id, nil
}

func (a *API) ListLeases(w http.ResponseWriter, r *http.Request) {
	c, _, ok := a.connector(w, r)
	if !ok {
		return
	}
	ids, err := c.Leases(r.Context())
	if err != nil {
		writeErr(w, err)
		return
	}
	out := make([]string, len(ids))
	for i, id := range ids {
		out[i] = strconv.FormatInt(id, 10)
	}
	writeJSON(w, http.StatusOK, out)
}

func (a *API) GetLease(w http.ResponseWriter, r *http.Request) {
	c, _, ok := a.connector(w, r)
	if !ok {
		return
	}
	id, err := leaseID(r)
	if err != nil {
		writeErr(w, err)
		return
	}
	info, err := c.LeaseGet(r.Context(), id)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, info)
}

func (a *API) GrantLease(w http.ResponseWriter, r *http.Request) {
	c, _, ok := a.connector(w, r)
	if !ok {
		return
	}
	var body grantRequest
	if err := decodeJSON(r, &body); err != nil {
		writeErr(w, err)
		return
	}
	id, err := c.LeaseGrant(r.Context(), body.TTL, body.ID)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"id": strconv.FormatInt(id, 10)})
}

func (a *API) RevokeLease(w http.ResponseWriter, r *http.Request) {
	c, _, ok := a.connector(w, r)
	if !ok {
		return
	}
	id, err := leaseID(r)
	if err != nil {
		writeErr(w, err)
		return
	}
	if err := c.LeaseRevoke(r.Context(), id); err != nil {
		writeErr(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
