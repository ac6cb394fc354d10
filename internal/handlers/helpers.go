package handlers

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/tzfun/etcd-workbench/internal/apperr"
)

const maxBodyBytes = 16 << 20

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, detail string) {
	writeJSON(w, status, map[string]string{"detail": detail})
}

// writeErr reports err with the status and kind label of its error kind.
func writeErr(w http.ResponseWriter, err error) {
	body := map[string]interface{}{
		"detail": err.Error(),
		"kind":   apperr.Label(err),
	}
	var limited *apperr.LimitedError
	if errors.As(err, &limited) {
		body["count"] = limited.Count
		body["limit"] = limited.Limit
	}
	writeJSON(w, statusFor(err), body)
}

func statusFor(err error) int {
	switch apperr.KindOf(err) {
	case apperr.ErrArgument:
		return http.StatusBadRequest
	case apperr.ErrAuthFailure, apperr.ErrUnauthenticated:
		return http.StatusUnauthorized
	case apperr.ErrPermission:
		return http.StatusForbidden
	case apperr.ErrNotExist:
		return http.StatusNotFound
	case apperr.ErrCompacted:
		return http.StatusConflict
	case apperr.ErrConnectionLost:
		return http.StatusGone
	case apperr.ErrLimited:
		return http.StatusUnprocessableEntity
	case apperr.ErrTransport:
		return http.StatusBadGateway
	case apperr.ErrTimeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

func decodeJSON(r *http.Request, v interface{}) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	if err := dec.Decode(v); err != nil {
		return apperr.Argument("invalid request body: %v", err)
	}
	return nil
}

// decodeOptionalJSON is decodeJSON that accepts an empty body.
func decodeOptionalJSON(r *http.Request, v interface{}) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	if err := dec.Decode(v); err != nil && !errors.Is(err, io.EOF) {
		return apperr.Argument("invalid request body: %v", err)
	}
	return nil
}

func pathInt(r *http.Request, name string) (int64, error) {
	v, err := strconv.ParseInt(chi.URLParam(r, name), 10, 64)
	if err != nil {
		return 0, apperr.Argument("invalid %s %q", name, chi.URLParam(r, name))
	}
	return v, nil
}

// queryInt parses an optional integer query parameter.
func queryInt(r *http.Request, name string, def int64) (int64, error) {
	s := r.URL.Query().Get(name)
	if s == "" {
		return def, nil
	}
	v, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, apperr.Argument("invalid %s %q", name, s)
	}
	return v, nil
}

func queryBool(r *http.Request, name string) bool {
	v, _ := strconv.ParseBool(r.URL.Query().Get(name))
	return v
}

// requireKey returns the non-empty ?key= parameter.
func requireKey(r *http.Request) ([]byte, error) {
	key := r.URL.Query().Get("key")
	if key == "" {
		return nil, apperr.Argument("key is required")
	}
	return []byte(key), nil
}

func notFoundRoute(w http.ResponseWriter, r *http.Request) {
	writeError(w, http.StatusNotFound, fmt.Sprintf("no route for %s %s", r.Method, r.URL.Path))
}
