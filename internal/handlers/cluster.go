package handlers

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/tzfun/etcd-workbench/internal/etcd"
)

type memberRequest struct {
	PeerURLs []string `json:"peerUrls"`
}

func (a *API) Status(w http.ResponseWriter, r *http.Request) {
	c, _, ok := a.connector(w, r)
	if !ok {
		return
	}
	st, err := c.Status(r.Context())
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (a *API) ClusterInfo(w http.ResponseWriter, r *http.Request) {
	c, _, ok := a.connector(w, r)
	if !ok {
		return
	}
	info, err := c.ClusterInfo(r.Context())
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, info)
}

func (a *API) AddMember(w http.ResponseWriter, r *http.Request) {
	c, _, ok := a.connector(w, r)
	if !ok {
		return
	}
	var body memberRequest
	if err := decodeJSON(r, &body); err != nil {
		writeErr(w, err)
		return
	}
	m, err := c.MemberAdd(r.Context(), body.PeerURLs)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, m)
}

func (a *API) UpdateMember(w http.ResponseWriter, r *http.Request) {
	var body memberRequest
	if err := decodeJSON(r, &body); err != nil {
		writeErr(w, err)
		return
	}
	a.exec(w, r, func(ctx context.Context, c *etcd.Connector) error {
		return c.MemberUpdate(ctx, chi.URLParam(r, "member"), body.PeerURLs)
	})
}

func (a *API) RemoveMember(w http.ResponseWriter, r *http.Request) {
	a.exec(w, r, func(ctx context.Context, c *etcd.Connector) error {
		return c.MemberRemove(ctx, chi.URLParam(r, "member"))
	})
}

func (a *API) Defragment(w http.ResponseWriter, r *http.Request) {
	a.exec(w, r, func(ctx context.Context, c *etcd.Connector) error { return c.Defragment(ctx) })
}
