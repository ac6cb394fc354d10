package handlers

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/tzfun/etcd-workbench/internal/etcd"
)

type userRequest struct {
	Name     string `json:"user"`
	Password string `json:"password"`
}

type passwordRequest struct {
	Password string `json:"password"`
}

type roleRequest struct {
	Name string `json:"role"`
}

// exec runs fn against the session connector and answers 204 on success.
func (a *API) exec(w http.ResponseWriter, r *http.Request, fn func(ctx context.Context, c *etcd.Connector) error) {
	c, _, ok := a.connector(w, r)
	if !ok {
		return
	}
	if err := fn(r.Context(), c); err != nil {
		writeErr(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) AuthEnable(w http.ResponseWriter, r *http.Request) {
	a.exec(w, r, func(ctx context.Context, c *etcd.Connector) error { return c.AuthEnable(ctx) })
}

func (a *API) AuthDisable(w http.ResponseWriter, r *http.Request) {
	a.exec(w, r, func(ctx context.Context, c *etcd.Connector) error { return c.AuthDisable(ctx) })
}

func (a *API) ListUsers(w http.ResponseWriter, r *http.Request) {
	c, _, ok := a.connector(w, r)
	if !ok {
		return
	}
	users, err := c.UserList(r.Context())
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, users)
}

func (a *API) AddUser(w http.ResponseWriter, r *http.Request) {
	var body userRequest
	if err := decodeJSON(r, &body); err != nil {
		writeErr(w, err)
		return
	}
	a.exec(w, r, func(ctx context.Context, c *etcd.Connector) error {
		return c.UserAdd(ctx, body.Name, body.Password)
	})
}

func (a *API) DeleteUser(w http.ResponseWriter, r *http.Request) {
	a.exec(w, r, func(ctx context.Context, c *etcd.Connector) error {
		return c.UserDelete(ctx, chi.URLParam(r, "user"))
	})
}

func (a *API) ChangePassword(w http.ResponseWriter, r *http.Request) {
	var body passwordRequest
	if err := decodeJSON(r, &body); err != nil {
		writeErr(w, err)
		return
	}
	a.exec(w, r, func(ctx context.Context, c *etcd.Connector) error {
		return c.UserChangePassword(ctx, chi.URLParam(r, "user"), body.Password)
	})
}

func (a *API) GrantRole(w http.ResponseWriter, r *http.Request) {
	a.exec(w, r, func(ctx context.Context, c *etcd.Connector) error {
		return c.UserGrantRole(ctx, chi.URLParam(r, "user"), chi.URLParam(r, "role"))
	})
}

func (a *API) RevokeRole(w http.ResponseWriter, r *http.Request) {
	a.exec(w, r, func(ctx context.Context, c *etcd.Connector) error {
		return c.UserRevokeRole(ctx, chi.URLParam(r, "user"), chi.URLParam(r, "role"))
	})
}

func (a *API) ListRoles(w http.ResponseWriter, r *http.Request) {
	c, _, ok := a.connector(w, r)
	if !ok {
		return
	}
	roles, err := c.RoleList(r.Context())
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, roles)
}

func (a *API) AddRole(w http.ResponseWriter, r *http.Request) {
	var body roleRequest
	if err := decodeJSON(r, &body); err != nil {
		writeErr(w, err)
		return
	}
	a.exec(w, r, func(ctx context.Context, c *etcd.Connector) error {
		return c.RoleAdd(ctx, body.Name)
	})
}

func (a *API) DeleteRole(w http.ResponseWriter, r *http.Request) {
	a.exec(w, r, func(ctx context.Context, c *etcd.Connector) error {
		return c.RoleDelete(ctx, chi.URLParam(r, "role"))
	})
}

func (a *API) RolePermissions(w http.ResponseWriter, r *http.Request) {
	c, _, ok := a.connector(w, r)
	if !ok {
		return
	}
	perms, err := c.RolePermissions(r.Context(), chi.URLParam(r, "role"))
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, perms)
}

func (a *API) GrantPermission(w http.ResponseWriter, r *http.Request) {
	var perm etcd.Permission
	if err := decodeJSON(r, &perm); err != nil {
		writeErr(w, err)
		return
	}
	a.exec(w, r, func(ctx context.Context, c *etcd.Connector) error {
		return c.RoleGrantPermission(ctx, chi.URLParam(r, "role"), perm)
	})
}

func (a *API) RevokePermission(w http.ResponseWriter, r *http.Request) {
	var perm etcd.Permission
	if err := decodeJSON(r, &perm); err != nil {
		writeErr(w, err)
		return
	}
	a.exec(w, r, func(ctx context.Context, c *etcd.Connector) error {
		return c.RoleRevokePermission(ctx, chi.URLParam(r, "role"), perm)
	})
}
