package handlers

import (
	"net/http"

	"github.com/tzfun/etcd-workbench/internal/apperr"
	"github.com/tzfun/etcd-workbench/internal/etcd"
)

const defaultPageSize = 500

type putRequest struct {
	Key   string `json:"key"`
	Value string `json:"value"`
	etcd.PutOptions
}

type deleteRequest struct {
	Keys   []string `json:"keys"`
	Prefix string   `json:"prefix"`
}

type renameRequest struct {
	Source       string `json:"source"`
	Destination  string `json:"destination"`
	DeleteSource bool   `json:"deleteSource"`
}

type compactRequest struct {
	Revision int64 `json:"revision"`
	Physical bool  `json:"physical"`
}

// GetKey returns ?key=, at ?revision= or ?version= when given.
func (a *API) GetKey(w http.ResponseWriter, r *http.Request) {
	c, _, ok := a.connector(w, r)
	if !ok {
		return
	}
	key, err := requireKey(r)
	if err != nil {
		writeErr(w, err)
		return
	}
	rev, err := queryInt(r, "revision", 0)
	if err != nil {
		writeErr(w, err)
		return
	}
	version, err := queryInt(r, "version", 0)
	if err != nil {
		writeErr(w, err)
		return
	}

	var kv etcd.KeyValue
	switch {
	case version > 0:
		kv, err = c.GetByVersion(r.Context(), key, version)
	default:
		kv, err = c.GetAtRevision(r.Context(), key, rev)
	}
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, kv)
}

func (a *API) PutKey(w http.ResponseWriter, r *http.Request) {
	c, _, ok := a.connector(w, r)
	if !ok {
		return
	}
	var body putRequest
	if err := decodeJSON(r, &body); err != nil {
		writeErr(w, err)
		return
	}
	res, err := c.Put(r.Context(), []byte(body.Key), []byte(body.Value), body.PutOptions)
	if err != nil {
		writeErr(w, err)
		return
	}
	status := http.StatusOK
	if !res.Success {
		status = http.StatusConflict
	}
	writeJSON(w, status, res)
}

// DeleteKeys removes the listed keys, or everything under a prefix.
func (a *API) DeleteKeys(w http.ResponseWriter, r *http.Request) {
	c, _, ok := a.connector(w, r)
	if !ok {
		return
	}
	var body deleteRequest
	if err := decodeJSON(r, &body); err != nil {
		writeErr(w, err)
		return
	}

	var (
		n   int64
		err error
	)
	switch {
	case body.Prefix != "":
		n, err = c.DeletePrefix(r.Context(), []byte(body.Prefix))
	case len(body.Keys) > 0:
		keys := make([][]byte, len(body.Keys))
		for i, k := range body.Keys {
			keys[i] = []byte(k)
		}
		n, err = c.Delete(r.Context(), keys)
	default:
		err = apperr.Argument("keys or prefix is required")
	}
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int64{"deleted": n})
}

func (a *API) AllKeys(w http.ResponseWriter, r *http.Request) {
	c, _, ok := a.connector(w, r)
	if !ok {
		return
	}
	keys, err := c.AllKeys(r.Context())
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, keys)
}

func (a *API) KeysPage(w http.ResponseWriter, r *http.Request) {
	c, _, ok := a.connector(w, r)
	if !ok {
		return
	}
	limit, err := queryInt(r, "limit", defaultPageSize)
	if err != nil {
		writeErr(w, err)
		return
	}
	page, err := c.KeysPaging(r.Context(), []byte(r.URL.Query().Get("cursor")), limit)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, page)
}

func (a *API) SearchKeys(w http.ResponseWriter, r *http.Request) {
	c, _, ok := a.connector(w, r)
	if !ok {
		return
	}
	res, err := c.SearchPrefix(r.Context(), []byte(r.URL.Query().Get("prefix")))
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (a *API) NextDirs(w http.ResponseWriter, r *http.Request) {
	c, _, ok := a.connector(w, r)
	if !ok {
		return
	}
	dirs, err := c.NextDirs(r.Context(), []byte(r.URL.Query().Get("prefix")), queryBool(r, "files"))
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, dirs)
}

func (a *API) KeyHistory(w http.ResponseWriter, r *http.Request) {
	c, _, ok := a.connector(w, r)
	if !ok {
		return
	}
	key, err := requireKey(r)
	if err != nil {
		writeErr(w, err)
		return
	}
	start, err := queryInt(r, "start", 0)
	if err != nil {
		writeErr(w, err)
		return
	}
	end, err := queryInt(r, "end", 0)
	if err != nil {
		writeErr(w, err)
		return
	}
	revs, err := c.History(r.Context(), key, start, end)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"revisions": revs})
}

func (a *API) RenameDir(w http.ResponseWriter, r *http.Request) {
	c, _, ok := a.connector(w, r)
	if !ok {
		return
	}
	var body renameRequest
	if err := decodeJSON(r, &body); err != nil {
		writeErr(w, err)
		return
	}
	moved, err := c.RenameDir(r.Context(), []byte(body.Source), []byte(body.Destination), body.DeleteSource)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"moved": moved})
}

func (a *API) Compact(w http.ResponseWriter, r *http.Request) {
	c, _, ok := a.connector(w, r)
	if !ok {
		return
	}
	var body compactRequest
	if err := decodeJSON(r, &body); err != nil {
		writeErr(w, err)
		return
	}
	if err := c.Compact(r.Context(), body.Revision, body.Physical); err != nil {
		writeErr(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
