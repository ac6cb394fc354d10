// Package handlers exposes the session layer over a loopback JSON API.
package handlers

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/tzfun/etcd-workbench/internal/etcd"
	"github.com/tzfun/etcd-workbench/internal/events"
	"github.com/tzfun/etcd-workbench/internal/middleware"
	"github.com/tzfun/etcd-workbench/internal/notify"
	"github.com/tzfun/etcd-workbench/internal/profiles"
	"github.com/tzfun/etcd-workbench/internal/session"
	"github.com/tzfun/etcd-workbench/internal/snapshot"
)

// API holds the services the handlers operate on.
type API struct {
	Sessions  *session.Registry
	Profiles  *profiles.Store
	Snapshots *snapshot.Manager
	Bus       *events.Bus
	Notifier  *notify.LogNotifier
}

// NewRouter builds the HTTP handler. A non-empty token protects /api/v1.
func NewRouter(api *API, token string) http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.Logger)
	r.Use(chimw.Recoverer)
	r.NotFound(notFoundRoute)

	// Health (no auth)
	r.Get("/health", api.HealthCheck)

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(middleware.RequireToken(token))
		api.Routes(r)
	})
	return r
}

// Routes mounts the API on r.
func (a *API) Routes(r chi.Router) {
	// Sessions
	r.Get("/sessions", a.ListSessions)
	r.Post("/sessions", a.Connect)

	r.Route("/sessions/{id}", func(r chi.Router) {
		r.Get("/", a.GetSession)
		r.Delete("/", a.Disconnect)

		// KV
		r.Get("/kv", a.GetKey)
		r.Put("/kv", a.PutKey)
		r.Delete("/kv", a.DeleteKeys)
		r.Get("/kv/all", a.AllKeys)
		r.Get("/kv/page", a.KeysPage)
		r.Get("/kv/search", a.SearchKeys)
		r.Get("/kv/dirs", a.NextDirs)
		r.Get("/kv/history", a.KeyHistory)
		r.Post("/kv/rename", a.RenameDir)
		r.Post("/compact", a.Compact)

		// Leases
		r.Get("/leases", a.ListLeases)
		r.Post("/leases", a.GrantLease)
		r.Get("/leases/{lease}", a.GetLease)
		r.Delete("/leases/{lease}", a.RevokeLease)

		// Auth admin
		r.Post("/auth/enable", a.AuthEnable)
		r.Post("/auth/disable", a.AuthDisable)
		r.Get("/users", a.ListUsers)
		r.Post("/users", a.AddUser)
		r.Delete("/users/{user}", a.DeleteUser)
		r.Put("/users/{user}/password", a.ChangePassword)
		r.Put("/users/{user}/roles/{role}", a.GrantRole)
		r.Delete("/users/{user}/roles/{role}", a.RevokeRole)
		r.Get("/roles", a.ListRoles)
		r.Post("/roles", a.AddRole)
		r.Delete("/roles/{role}", a.DeleteRole)
		r.Get("/roles/{role}/permissions", a.RolePermissions)
		r.Post("/roles/{role}/permissions", a.GrantPermission)
		r.Delete("/roles/{role}/permissions", a.RevokePermission)

		// Cluster and maintenance
		r.Get("/status", a.Status)
		r.Get("/cluster", a.ClusterInfo)
		r.Post("/members", a.AddMember)
		r.Put("/members/{member}", a.UpdateMember)
		r.Delete("/members/{member}", a.RemoveMember)
		r.Post("/defragment", a.Defragment)
		r.Get("/snapshots", a.ListSessionSnapshots)
		r.Post("/snapshots", a.StartSnapshot)

		// Watches
		r.Get("/watches", a.ListWatches)
		r.Put("/watches", a.SetWatch)
		r.Delete("/watches", a.RemoveWatch)
		r.Post("/watches/pause", a.PauseWatch)
	})

	// Snapshot tasks
	r.Get("/snapshots", a.ListSnapshots)
	r.Get("/snapshots/{task}", a.GetSnapshot)
	r.Post("/snapshots/{task}/stop", a.StopSnapshot)
	r.Delete("/snapshots/{task}", a.RemoveSnapshot)

	// Profiles
	r.Get("/profiles", a.ListProfiles)
	r.Get("/profiles/{name}", a.GetProfile)
	r.Put("/profiles/{name}", a.SaveProfile)
	r.Delete("/profiles/{name}", a.DeleteProfile)
	r.Get("/profiles/{name}/collection", a.GetCollection)
	r.Put("/profiles/{name}/collection", a.SetCollection)

	// Events, logs, window focus
	r.Get("/events", a.Events)
	r.Get("/logs", GetServerLogs)
	r.Post("/focus", a.SetFocus)
}

// connector resolves the {id} session, writing the error response itself.
func (a *API) connector(w http.ResponseWriter, r *http.Request) (*etcd.Connector, int64, bool) {
	id, err := pathInt(r, "id")
	if err != nil {
		writeErr(w, err)
		return nil, 0, false
	}
	c, err := a.Sessions.Connector(id)
	if err != nil {
		writeErr(w, err)
		return nil, 0, false
	}
	return c, id, true
}
