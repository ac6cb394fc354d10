package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/tzfun/etcd-workbench/internal/apperr"
	"github.com/tzfun/etcd-workbench/internal/database"
	"github.com/tzfun/etcd-workbench/internal/events"
	"github.com/tzfun/etcd-workbench/internal/notify"
	"github.com/tzfun/etcd-workbench/internal/profiles"
	"github.com/tzfun/etcd-workbench/internal/session"
	"github.com/tzfun/etcd-workbench/internal/snapshot"
)

const testToken = "s3cret"

func setupTestDB(t *testing.T) {
	t.Helper()
	db, err := database.Open(":memory:")
	if err != nil {
		t.Fatalf("open test database: %v", err)
	}
	prev := database.DB
	database.DB = db
	t.Cleanup(func() {
		database.Close()
		database.DB = prev
	})
}

func newTestAPI(t *testing.T) (*API, http.Handler) {
	t.Helper()
	setupTestDB(t)
	bus := events.NewBus()
	notifier := notify.NewLogNotifier()
	store := profiles.NewStore()
	snaps := snapshot.NewManager(bus, t.TempDir())
	t.Cleanup(snaps.Close)
	reg := session.NewRegistry(bus, notifier, store, session.Options{OnClose: snaps.StopSession})
	t.Cleanup(reg.Close)

	api := &API{Sessions: reg, Profiles: store, Snapshots: snaps, Bus: bus, Notifier: notifier}
	return api, NewRouter(api, testToken)
}

func do(t *testing.T, h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Authorization", "Bearer "+testToken)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder, v interface{}) {
	t.Helper()
	if err := json.Unmarshal(rec.Body.Bytes(), v); err != nil {
		t.Fatalf("decode %q: %v", rec.Body.String(), err)
	}
}

func TestStatusForKinds(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{apperr.Argument("bad"), http.StatusBadRequest},
		{apperr.Wrap(apperr.ErrNotExist, errors.New("k")), http.StatusNotFound},
		{&apperr.LimitedError{Count: 20000, Limit: 5000}, http.StatusUnprocessableEntity},
		{apperr.Wrap(apperr.ErrPermission, errors.New("p")), http.StatusForbidden},
		{apperr.Wrap(apperr.ErrAuthFailure, errors.New("a")), http.StatusUnauthorized},
		{apperr.Wrap(apperr.ErrUnauthenticated, errors.New("u")), http.StatusUnauthorized},
		{apperr.Wrap(apperr.ErrConnectionLost, errors.New("c")), http.StatusGone},
		{apperr.Wrap(apperr.ErrTimeout, errors.New("t")), http.StatusGatewayTimeout},
		{apperr.Wrap(apperr.ErrTransport, errors.New("t")), http.StatusBadGateway},
		{apperr.Wrap(apperr.ErrCompacted, errors.New("c")), http.StatusConflict},
		{errors.New("plain"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		if got := statusFor(tt.err); got != tt.want {
			t.Errorf("statusFor(%v) = %d, want %d", tt.err, got, tt.want)
		}
	}
}

func TestWriteErrIncludesLimit(t *testing.T) {
	rec := httptest.NewRecorder()
	writeErr(rec, fmt.Errorf("rename: %w", &apperr.LimitedError{Count: 12, Limit: 10}))

	var body struct {
		Detail string `json:"detail"`
		Kind   string `json:"kind"`
		Count  int64  `json:"count"`
		Limit  int64  `json:"limit"`
	}
	decodeBody(t, rec, &body)
	if rec.Code != http.StatusUnprocessableEntity || body.Kind != "limited" || body.Count != 12 || body.Limit != 10 {
		t.Errorf("response = %d %+v", rec.Code, body)
	}
}

func TestAPIRequiresToken(t *testing.T) {
	_, h := newTestAPI(t)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/sessions", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("without token: %d", rec.Code)
	}

	req = httptest.NewRequest(http.MethodGet, "/health", nil)
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Errorf("health without token: %d", rec.Code)
	}
	var health map[string]interface{}
	decodeBody(t, rec, &health)
	if health["status"] != "healthy" || health["database"] != "connected" {
		t.Errorf("health = %v", health)
	}
}

func TestUnknownSessionIsGone(t *testing.T) {
	_, h := newTestAPI(t)
	for _, tc := range []struct{ method, path, body string }{
		{http.MethodGet, "/api/v1/sessions/7", ""},
		{http.MethodDelete, "/api/v1/sessions/7", ""},
		{http.MethodGet, "/api/v1/sessions/7/kv?key=a", ""},
		{http.MethodGet, "/api/v1/sessions/7/kv/page", ""},
		{http.MethodPost, "/api/v1/sessions/7/snapshots", ""},
		{http.MethodGet, "/api/v1/sessions/7/watches", ""},
		{http.MethodPut, "/api/v1/sessions/7/watches", `{"key":"/a"}`},
		{http.MethodDelete, "/api/v1/sessions/7/watches?key=/a", ""},
	} {
		rec := do(t, h, tc.method, tc.path, tc.body)
		if rec.Code != http.StatusGone {
			t.Errorf("%s %s = %d %s", tc.method, tc.path, rec.Code, rec.Body)
			continue
		}
		var body map[string]string
		decodeBody(t, rec, &body)
		if body["kind"] != "connection_lost" {
			t.Errorf("%s %s kind = %q", tc.method, tc.path, body["kind"])
		}
	}
}

func TestBadSessionID(t *testing.T) {
	_, h := newTestAPI(t)
	if rec := do(t, h, http.MethodGet, "/api/v1/sessions/abc", ""); rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d", rec.Code)
	}
}

func TestConnectValidates(t *testing.T) {
	_, h := newTestAPI(t)

	if rec := do(t, h, http.MethodPost, "/api/v1/sessions", `{}`); rec.Code != http.StatusBadRequest {
		t.Errorf("empty request = %d", rec.Code)
	}
	if rec := do(t, h, http.MethodPost, "/api/v1/sessions", `{"spec":{"host":"","port":2379}}`); rec.Code != http.StatusBadRequest {
		t.Errorf("missing host = %d", rec.Code)
	}
	if rec := do(t, h, http.MethodPost, "/api/v1/sessions", `{"profile":"nope"}`); rec.Code != http.StatusNotFound {
		t.Errorf("unknown profile = %d", rec.Code)
	}
	if rec := do(t, h, http.MethodPost, "/api/v1/sessions", `not json`); rec.Code != http.StatusBadRequest {
		t.Errorf("malformed body = %d", rec.Code)
	}
}

func TestProfileLifecycle(t *testing.T) {
	_, h := newTestAPI(t)

	spec := `{"host":"10.0.0.5","port":2379,"user":"root","password":"pw","namespace":"/app"}`
	if rec := do(t, h, http.MethodPut, "/api/v1/profiles/staging", spec); rec.Code != http.StatusNoContent {
		t.Fatalf("save = %d %s", rec.Code, rec.Body)
	}

	rec := do(t, h, http.MethodGet, "/api/v1/profiles", "")
	var list []profiles.Summary
	decodeBody(t, rec, &list)
	if len(list) != 1 || list[0].Name != "staging" || list[0].Password == "pw" {
		t.Errorf("list = %+v", list)
	}

	rec = do(t, h, http.MethodGet, "/api/v1/profiles/staging", "")
	var got map[string]interface{}
	decodeBody(t, rec, &got)
	if got["password"] != "pw" || got["namespace"] != "/app" {
		t.Errorf("profile = %v", got)
	}

	if rec := do(t, h, http.MethodPut, "/api/v1/profiles/staging/collection", `{"keys":["/app/a","/app/b","/app/a"]}`); rec.Code != http.StatusNoContent {
		t.Fatalf("set collection = %d %s", rec.Code, rec.Body)
	}
	rec = do(t, h, http.MethodGet, "/api/v1/profiles/staging/collection", "")
	var coll collectionRequest
	decodeBody(t, rec, &coll)
	if len(coll.Keys) != 2 {
		t.Errorf("collection = %v", coll.Keys)
	}

	if rec := do(t, h, http.MethodPut, "/api/v1/profiles/missing/collection", `{"keys":["x"]}`); rec.Code != http.StatusNotFound {
		t.Errorf("collection of missing profile = %d", rec.Code)
	}

	if rec := do(t, h, http.MethodDelete, "/api/v1/profiles/staging", ""); rec.Code != http.StatusNoContent {
		t.Errorf("delete = %d", rec.Code)
	}
	if rec := do(t, h, http.MethodGet, "/api/v1/profiles/staging", ""); rec.Code != http.StatusNotFound {
		t.Errorf("get after delete = %d", rec.Code)
	}
}

func TestSnapshotTaskRoutes(t *testing.T) {
	_, h := newTestAPI(t)

	rec := do(t, h, http.MethodGet, "/api/v1/snapshots", "")
	if rec.Code != http.StatusOK || strings.TrimSpace(rec.Body.String()) != "[]" {
		t.Errorf("list = %d %s", rec.Code, rec.Body)
	}
	if rec := do(t, h, http.MethodGet, "/api/v1/snapshots/nope", ""); rec.Code != http.StatusNotFound {
		t.Errorf("get unknown = %d", rec.Code)
	}
	if rec := do(t, h, http.MethodPost, "/api/v1/snapshots/nope/stop", ""); rec.Code != http.StatusNotFound {
		t.Errorf("stop unknown = %d", rec.Code)
	}
	if rec := do(t, h, http.MethodDelete, "/api/v1/snapshots/nope", ""); rec.Code != http.StatusNotFound {
		t.Errorf("remove unknown = %d", rec.Code)
	}
}

func TestSetFocus(t *testing.T) {
	api, h := newTestAPI(t)
	if rec := do(t, h, http.MethodPost, "/api/v1/focus", `{"focused":true}`); rec.Code != http.StatusOK {
		t.Fatalf("focus = %d", rec.Code)
	}
	if !api.Notifier.Focused() {
		t.Error("focus flag not set")
	}
	do(t, h, http.MethodPost, "/api/v1/focus", `{"focused":false}`)
	if api.Notifier.Focused() {
		t.Error("focus flag not cleared")
	}
}

func TestEventsStreamFiltersBySession(t *testing.T) {
	api, h := newTestAPI(t)
	srv := httptest.NewServer(h)
	defer srv.Close()

	api.Bus.PublishDisconnected(events.SessionDisconnected{SessionID: 4, Reason: "earlier"})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/v1/events?session=4&token=" + testToken
	conn, _, err := websocket.Dial(ctx, url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.CloseNow()

	var replayed events.Event
	if err := wsjson.Read(ctx, conn, &replayed); err != nil {
		t.Fatalf("read replay: %v", err)
	}
	if replayed.Type != events.TypeSessionDisconnected || replayed.SessionID != 4 {
		t.Errorf("replayed = %+v", replayed)
	}

	// The subscription is registered before the replay is written, so
	// events published from here on are delivered live.
	api.Bus.PublishKeyChange(events.KeyChange{SessionID: 9, Key: "/other", Kind: events.KindCreate})
	api.Bus.PublishKeyChange(events.KeyChange{SessionID: 4, Key: "/mine", Kind: events.KindModify})

	var live struct {
		Type      events.Type      `json:"type"`
		SessionID int64            `json:"sessionId"`
		Payload   events.KeyChange `json:"payload"`
	}
	if err := wsjson.Read(ctx, conn, &live); err != nil {
		t.Fatalf("read live: %v", err)
	}
	if live.SessionID != 4 || live.Payload.Key != "/mine" || live.Payload.Kind != events.KindModify {
		t.Errorf("live = %+v", live)
	}
	conn.Close(websocket.StatusNormalClosure, "")
}
