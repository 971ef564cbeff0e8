package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"testing"
	"time"

	"thorbis/internal/config"
	"thorbis/internal/db"
	"thorbis/internal/lifecycle"
	"thorbis/internal/metrics"
	"thorbis/internal/migrate"
	"thorbis/internal/ratelimit"
	"thorbis/internal/repo"
	"thorbis/internal/service"
)

const testSecret = "test-secret"

type testServer struct {
	URL     string
	Service service.Service
	client  *http.Client
	close   func()
}

func (s *testServer) Close() { s.close() }

func newTestServer(t *testing.T, limiter ratelimit.Store) *testServer {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := migrate.Migrate(conn, "sqlite"); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	cfg := config.Default()
	eng, err := lifecycle.FromConfig(cfg)
	if err != nil {
		t.Fatalf("compile engine: %v", err)
	}
	svc := service.New(conn, repo.Repo{DB: conn, Dialect: "sqlite"}, eng, cfg)

	handler, err := New(Config{
		Service:  svc,
		BasePath: "/v1",
		Auth:     AuthConfig{JWTSecret: testSecret, EnableDevLogin: true},
		Limiter:  limiter,
		Metrics:  metrics.New(),
	})
	if err != nil {
		t.Fatalf("build handler: %v", err)
	}
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	srv := &http.Server{Handler: handler}
	go srv.Serve(ln)
	ts := &testServer{
		URL:     "http://" + ln.Addr().String(),
		Service: svc,
		client:  &http.Client{Timeout: 5 * time.Second},
		close: func() {
			srv.Shutdown(context.Background())
			conn.Close()
		},
	}
	t.Cleanup(ts.Close)
	return ts
}

func token(t *testing.T, actorID string, roles ...string) string {
	t.Helper()
	tok, err := signDevToken(testSecret, actorID, roles, nil)
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return tok
}

// doJSON issues a request and decodes the JSON response into a generic map.
func (s *testServer) doJSON(t *testing.T, method, path, bearer string, body any) (int, map[string]any) {
	t.Helper()
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			t.Fatal(err)
		}
		reader = bytes.NewReader(data)
	}
	req, err := http.NewRequest(method, s.URL+path, reader)
	if err != nil {
		t.Fatal(err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}
	resp, err := s.client.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatal(err)
	}
	out := map[string]any{}
	if len(data) > 0 {
		if err := json.Unmarshal(data, &out); err != nil {
			t.Fatalf("%s %s: bad json %q: %v", method, path, data, err)
		}
	}
	return resp.StatusCode, out
}

func errorCode(t *testing.T, body map[string]any) string {
	t.Helper()
	envelope, ok := body["error"].(map[string]any)
	if !ok {
		t.Fatalf("no error envelope in %v", body)
	}
	code, _ := envelope["code"].(string)
	return code
}

func TestHealthIsOpen(t *testing.T) {
	ts := newTestServer(t, nil)
	status, body := ts.doJSON(t, http.MethodGet, "/v1/health", "", nil)
	if status != http.StatusOK || body["status"] != "ok" {
		t.Fatalf("health: %d %v", status, body)
	}
}

func TestUnauthenticatedRequests(t *testing.T) {
	ts := newTestServer(t, nil)
	status, body := ts.doJSON(t, http.MethodGet, "/v1/tenants/acme/entities?type=workorder", "", nil)
	if status != http.StatusUnauthorized || errorCode(t, body) != "unauthorized" {
		t.Fatalf("want 401 unauthorized, got %d %v", status, body)
	}
	// Garbage bearer tokens are rejected, not ignored.
	status, body = ts.doJSON(t, http.MethodGet, "/v1/tenants/acme/me", "not.a.jwt", nil)
	if status != http.StatusUnauthorized || errorCode(t, body) != "unauthorized" {
		t.Fatalf("want 401 for bad token, got %d %v", status, body)
	}
}

func TestEntityLifecycleOverHTTP(t *testing.T) {
	ts := newTestServer(t, nil)
	disp := token(t, "disp-1", "dispatcher")

	status, ent := ts.doJSON(t, http.MethodPost, "/v1/tenants/acme/entities", disp, map[string]any{
		"type":        "workorder",
		"fields":      map[string]any{"priority": "high"},
		"assignee_id": "disp-1",
	})
	if status != http.StatusCreated {
		t.Fatalf("create: %d %v", status, ent)
	}
	if ent["status"] != "created" || ent["version"] != float64(1) {
		t.Fatalf("created entity: %v", ent)
	}
	actions, _ := ent["suggested_actions"].([]any)
	if len(actions) == 0 {
		t.Fatalf("missing suggested actions: %v", ent)
	}
	id := ent["id"].(string)
	base := "/v1/tenants/acme/entities/" + id

	for _, next := range []string{"scheduled", "assigned", "in_progress", "completed"} {
		status, ent = ts.doJSON(t, http.MethodPost, base+"/transition", disp, map[string]any{"status": next})
		if status != http.StatusOK || ent["status"] != next {
			t.Fatalf("to %s: %d %v", next, status, ent)
		}
	}
	if ent["version"] != float64(5) {
		t.Fatalf("version after full path: %v", ent["version"])
	}

	// Terminal entities reject further transitions.
	status, body := ts.doJSON(t, http.MethodPost, base+"/transition", disp, map[string]any{"status": "in_progress"})
	if status != http.StatusUnprocessableEntity || errorCode(t, body) != "terminal_state_immutable" {
		t.Fatalf("terminal transition: %d %v", status, body)
	}

	// And field edits.
	status, body = ts.doJSON(t, http.MethodPatch, base, disp, map[string]any{
		"fields": map[string]any{"notes": "too late"},
	})
	if status != http.StatusUnprocessableEntity || errorCode(t, body) != "terminal_state_immutable" {
		t.Fatalf("terminal patch: %d %v", status, body)
	}
}

func TestInvalidTransition(t *testing.T) {
	ts := newTestServer(t, nil)
	disp := token(t, "disp-1", "dispatcher")
	_, ent := ts.doJSON(t, http.MethodPost, "/v1/tenants/acme/entities", disp, map[string]any{"type": "workorder"})
	id := ent["id"].(string)

	status, body := ts.doJSON(t, http.MethodPost, "/v1/tenants/acme/entities/"+id+"/transition", disp, map[string]any{"status": "completed"})
	if status != http.StatusUnprocessableEntity || errorCode(t, body) != "invalid_transition" {
		t.Fatalf("want 422 invalid_transition, got %d %v", status, body)
	}
	details := body["error"].(map[string]any)["details"].(map[string]any)
	if details["from"] != "created" || details["to"] != "completed" {
		t.Fatalf("details: %v", details)
	}

	status, body = ts.doJSON(t, http.MethodPost, "/v1/tenants/acme/entities/"+id+"/transition", disp, map[string]any{"status": "launched"})
	if status != http.StatusBadRequest || errorCode(t, body) != "unknown_status" {
		t.Fatalf("want 400 unknown_status, got %d %v", status, body)
	}
}

func TestPermissionDenied(t *testing.T) {
	ts := newTestServer(t, nil)
	viewer := token(t, "v-1", "viewer")

	status, body := ts.doJSON(t, http.MethodPost, "/v1/tenants/acme/entities", viewer, map[string]any{"type": "workorder"})
	if status != http.StatusForbidden || errorCode(t, body) != "permission_denied" {
		t.Fatalf("viewer create: %d %v", status, body)
	}

	// Read access still works.
	status, body = ts.doJSON(t, http.MethodGet, "/v1/tenants/acme/entities?type=workorder", viewer, nil)
	if status != http.StatusOK {
		t.Fatalf("viewer list: %d %v", status, body)
	}

	// A bookkeeper has no marketing permissions at all.
	book := token(t, "b-1", "bookkeeper")
	status, body = ts.doJSON(t, http.MethodGet, "/v1/tenants/acme/entities?type=campaign", book, nil)
	if status != http.StatusForbidden || errorCode(t, body) != "permission_denied" {
		t.Fatalf("bookkeeper campaign read: %d %v", status, body)
	}
}

func TestOwnershipOverHTTP(t *testing.T) {
	ts := newTestServer(t, nil)
	disp := token(t, "disp-1", "dispatcher")
	tech1 := token(t, "tech-1", "technician")
	tech2 := token(t, "tech-2", "technician")

	_, ent := ts.doJSON(t, http.MethodPost, "/v1/tenants/acme/entities", disp, map[string]any{
		"type": "workorder", "assignee_id": "tech-1",
	})
	id := ent["id"].(string)
	transition := "/v1/tenants/acme/entities/" + id + "/transition"
	for _, next := range []string{"assigned", "in_progress"} {
		if status, body := ts.doJSON(t, http.MethodPost, transition, disp, map[string]any{"status": next}); status != http.StatusOK {
			t.Fatalf("to %s: %d %v", next, status, body)
		}
	}

	status, body := ts.doJSON(t, http.MethodPost, transition, tech2, map[string]any{"status": "completed"})
	if status != http.StatusForbidden || errorCode(t, body) != "ownership_required" {
		t.Fatalf("non-assignee complete: %d %v", status, body)
	}
	status, body = ts.doJSON(t, http.MethodPost, transition, tech1, map[string]any{"status": "completed"})
	if status != http.StatusOK || body["status"] != "completed" {
		t.Fatalf("assignee complete: %d %v", status, body)
	}
}

func TestVersionConflict(t *testing.T) {
	ts := newTestServer(t, nil)
	disp := token(t, "disp-1", "dispatcher")
	_, ent := ts.doJSON(t, http.MethodPost, "/v1/tenants/acme/entities", disp, map[string]any{"type": "workorder"})
	id := ent["id"].(string)
	base := "/v1/tenants/acme/entities/" + id

	if status, body := ts.doJSON(t, http.MethodPost, base+"/transition", disp, map[string]any{"status": "scheduled"}); status != http.StatusOK {
		t.Fatalf("transition: %d %v", status, body)
	}
	status, body := ts.doJSON(t, http.MethodPatch, base, disp, map[string]any{
		"fields":           map[string]any{"notes": "stale"},
		"expected_version": 1,
	})
	if status != http.StatusConflict || errorCode(t, body) != "conflict" {
		t.Fatalf("want 409 conflict, got %d %v", status, body)
	}
}

func TestNotFound(t *testing.T) {
	ts := newTestServer(t, nil)
	disp := token(t, "disp-1", "dispatcher")
	status, body := ts.doJSON(t, http.MethodGet, "/v1/tenants/acme/entities/missing", disp, nil)
	if status != http.StatusNotFound || errorCode(t, body) != "not_found" {
		t.Fatalf("want 404 not_found, got %d %v", status, body)
	}
}

func TestListPagination(t *testing.T) {
	ts := newTestServer(t, nil)
	disp := token(t, "disp-1", "dispatcher")
	for i := 0; i < 3; i++ {
		if status, body := ts.doJSON(t, http.MethodPost, "/v1/tenants/acme/entities", disp, map[string]any{"type": "workorder"}); status != http.StatusCreated {
			t.Fatalf("create %d: %d %v", i, status, body)
		}
	}
	status, body := ts.doJSON(t, http.MethodGet, "/v1/tenants/acme/entities?type=workorder&limit=2", disp, nil)
	if status != http.StatusOK {
		t.Fatalf("list: %d %v", status, body)
	}
	items := body["items"].([]any)
	cursor, _ := body["next_cursor"].(string)
	if len(items) != 2 || cursor == "" {
		t.Fatalf("page 1: %d items, cursor %q", len(items), cursor)
	}
	status, body = ts.doJSON(t, http.MethodGet, "/v1/tenants/acme/entities?type=workorder&limit=2&cursor="+cursor, disp, nil)
	if status != http.StatusOK {
		t.Fatalf("page 2: %d %v", status, body)
	}
	items = body["items"].([]any)
	if len(items) != 1 || body["next_cursor"] != nil {
		t.Fatalf("page 2: %d items, cursor %v", len(items), body["next_cursor"])
	}
}

func TestSummaryEndpoint(t *testing.T) {
	ts := newTestServer(t, nil)
	disp := token(t, "disp-1", "dispatcher")
	for _, cost := range []float64{100, 50} {
		ts.doJSON(t, http.MethodPost, "/v1/tenants/acme/entities", disp, map[string]any{
			"type":   "workorder",
			"fields": map[string]any{"total_cost": cost},
		})
	}
	status, body := ts.doJSON(t, http.MethodGet, "/v1/tenants/acme/entities/summary?type=workorder", disp, nil)
	if status != http.StatusOK {
		t.Fatalf("summary: %d %v", status, body)
	}
	if body["count"] != float64(2) || body["total_value"] != float64(150) {
		t.Fatalf("summary: %v", body)
	}
	groups := body["groups"].(map[string]any)
	byStatus := groups["status"].(map[string]any)
	if byStatus["created"] != float64(2) {
		t.Fatalf("groups: %v", groups)
	}
}

func TestEventsEndpoint(t *testing.T) {
	ts := newTestServer(t, nil)
	disp := token(t, "disp-1", "dispatcher")
	admin := token(t, "boss", "admin")

	_, ent := ts.doJSON(t, http.MethodPost, "/v1/tenants/acme/entities", disp, map[string]any{"type": "workorder"})
	id := ent["id"].(string)
	ts.doJSON(t, http.MethodPost, "/v1/tenants/acme/entities/"+id+"/transition", disp, map[string]any{"status": "scheduled"})

	// Dispatchers hold no audit-log permission.
	status, body := ts.doJSON(t, http.MethodGet, "/v1/tenants/acme/events", disp, nil)
	if status != http.StatusForbidden || errorCode(t, body) != "permission_denied" {
		t.Fatalf("dispatcher events: %d %v", status, body)
	}

	status, body = ts.doJSON(t, http.MethodGet, "/v1/tenants/acme/events", admin, nil)
	if status != http.StatusOK {
		t.Fatalf("admin events: %d %v", status, body)
	}
	items := body["items"].([]any)
	if len(items) != 2 {
		t.Fatalf("want 2 events, got %d: %v", len(items), items)
	}
	newest := items[0].(map[string]any)
	if newest["type"] != "entity.transitioned" {
		t.Fatalf("newest event: %v", newest)
	}
	payload := newest["payload"].(map[string]any)
	if payload["from"] != "created" || payload["to"] != "scheduled" {
		t.Fatalf("payload: %v", payload)
	}
}

func TestRBACEndpoints(t *testing.T) {
	ts := newTestServer(t, nil)
	admin := token(t, "boss", "admin")
	bare := token(t, "tech-9") // no credential roles

	// Without a role the actor cannot write.
	status, body := ts.doJSON(t, http.MethodPost, "/v1/tenants/acme/entities", bare, map[string]any{"type": "workorder"})
	if status != http.StatusForbidden {
		t.Fatalf("roleless create: %d %v", status, body)
	}

	// Only rbac managers may grant.
	disp := token(t, "disp-1", "dispatcher")
	status, body = ts.doJSON(t, http.MethodPost, "/v1/tenants/acme/rbac/assignments", disp, map[string]any{
		"actor_id": "tech-9", "role": "technician",
	})
	if status != http.StatusForbidden || errorCode(t, body) != "permission_denied" {
		t.Fatalf("dispatcher grant: %d %v", status, body)
	}

	status, _ = ts.doJSON(t, http.MethodPost, "/v1/tenants/acme/rbac/assignments", admin, map[string]any{
		"actor_id": "tech-9", "role": "technician",
	})
	if status != http.StatusCreated {
		t.Fatalf("grant: %d", status)
	}

	// The stored role now flows into request authorization.
	status, body = ts.doJSON(t, http.MethodPost, "/v1/tenants/acme/entities", bare, map[string]any{"type": "workorder"})
	if status != http.StatusCreated {
		t.Fatalf("create after grant: %d %v", status, body)
	}

	// Actors may inspect themselves; inspecting others needs the manage permission.
	status, body = ts.doJSON(t, http.MethodGet, "/v1/tenants/acme/rbac/actors/tech-9", bare, nil)
	if status != http.StatusOK {
		t.Fatalf("self inspect: %d %v", status, body)
	}
	roles := body["roles"].([]any)
	if len(roles) != 1 || roles[0] != "technician" {
		t.Fatalf("roles: %v", roles)
	}
	status, _ = ts.doJSON(t, http.MethodGet, "/v1/tenants/acme/rbac/actors/boss", bare, nil)
	if status != http.StatusForbidden {
		t.Fatalf("peer inspect should be denied: %d", status)
	}

	status, _ = ts.doJSON(t, http.MethodDelete, "/v1/tenants/acme/rbac/assignments/tech-9/technician", admin, nil)
	if status != http.StatusOK && status != http.StatusNoContent {
		t.Fatalf("revoke: %d", status)
	}
	status, _ = ts.doJSON(t, http.MethodPost, "/v1/tenants/acme/entities", bare, map[string]any{"type": "workorder"})
	if status != http.StatusForbidden {
		t.Fatalf("create after revoke: %d", status)
	}

	status, body = ts.doJSON(t, http.MethodPost, "/v1/tenants/acme/rbac/assignments", admin, map[string]any{
		"actor_id": "tech-9", "role": "superhero",
	})
	if status != http.StatusBadRequest {
		t.Fatalf("undefined role: %d %v", status, body)
	}
}

func TestMeEndpoint(t *testing.T) {
	ts := newTestServer(t, nil)
	disp := token(t, "disp-1", "dispatcher")
	status, body := ts.doJSON(t, http.MethodGet, "/v1/tenants/acme/me", disp, nil)
	if status != http.StatusOK {
		t.Fatalf("me: %d %v", status, body)
	}
	if body["actor_id"] != "disp-1" || body["source"] != "jwt" {
		t.Fatalf("me: %v", body)
	}
	perms := body["permissions"].([]any)
	found := false
	for _, p := range perms {
		if p == "hs:workorder:write" {
			found = true
		}
	}
	if !found {
		t.Fatalf("role permissions not expanded: %v", perms)
	}
}

func TestDevLogin(t *testing.T) {
	ts := newTestServer(t, nil)
	status, body := ts.doJSON(t, http.MethodPost, "/v1/auth/dev/login", "", map[string]any{
		"actor_id": "dev-1",
		"roles":    []string{"admin"},
	})
	if status != http.StatusOK {
		t.Fatalf("dev login: %d %v", status, body)
	}
	minted, _ := body["token"].(string)
	if minted == "" {
		t.Fatalf("no token in %v", body)
	}
	status, body = ts.doJSON(t, http.MethodGet, "/v1/tenants/acme/me", minted, nil)
	if status != http.StatusOK || body["actor_id"] != "dev-1" {
		t.Fatalf("minted token rejected: %d %v", status, body)
	}
}

func TestAPIKeyAuth(t *testing.T) {
	ts := newTestServer(t, nil)
	_, plain, err := ts.Service.CreateAPIKey(context.Background(), "svc-ci", "ci", "boss")
	if err != nil {
		t.Fatalf("create key: %v", err)
	}

	req, err := http.NewRequest(http.MethodGet, ts.URL+"/v1/tenants/acme/me", nil)
	if err != nil {
		t.Fatal(err)
	}
	req.Header.Set("X-Api-Key", plain)
	resp, err := ts.client.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("api key auth: %d", resp.StatusCode)
	}
	var body map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatal(err)
	}
	if body["actor_id"] != "svc-ci" || body["source"] != "api_key" {
		t.Fatalf("me via api key: %v", body)
	}
}

func TestRateLimiting(t *testing.T) {
	ts := newTestServer(t, ratelimit.NewFixedWindow(2, time.Minute))
	disp := token(t, "disp-1", "dispatcher")

	path := "/v1/tenants/acme/entities?type=workorder"
	for i := 0; i < 2; i++ {
		if status, body := ts.doJSON(t, http.MethodGet, path, disp, nil); status != http.StatusOK {
			t.Fatalf("request %d: %d %v", i+1, status, body)
		}
	}
	status, body := ts.doJSON(t, http.MethodGet, path, disp, nil)
	if status != http.StatusTooManyRequests || errorCode(t, body) != "rate_limited" {
		t.Fatalf("want 429 rate_limited, got %d %v", status, body)
	}

	// Budgets are per actor.
	other := token(t, "disp-2", "dispatcher")
	if status, body := ts.doJSON(t, http.MethodGet, path, other, nil); status != http.StatusOK {
		t.Fatalf("other actor: %d %v", status, body)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	ts := newTestServer(t, nil)
	disp := token(t, "disp-1", "dispatcher")
	viewer := token(t, "v-1", "viewer")
	ts.doJSON(t, http.MethodGet, "/v1/tenants/acme/entities?type=workorder", disp, nil)
	// A denied write shows up as a counted rejection.
	ts.doJSON(t, http.MethodPost, "/v1/tenants/acme/entities", viewer, map[string]any{"type": "workorder"})

	resp, err := ts.client.Get(ts.URL + "/metrics")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("metrics: %d", resp.StatusCode)
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Contains(data, []byte("thorbis_http_requests_total")) {
		t.Fatalf("request counter missing from metrics output")
	}
	if !bytes.Contains(data, []byte(`thorbis_lifecycle_rejections_total{code="permission_denied"}`)) {
		t.Fatalf("rejection counter missing from metrics output:\n%s", data)
	}
}

func TestBadRequestBodies(t *testing.T) {
	ts := newTestServer(t, nil)
	disp := token(t, "disp-1", "dispatcher")

	status, body := ts.doJSON(t, http.MethodPost, "/v1/tenants/acme/entities", disp, map[string]any{})
	if status != http.StatusBadRequest || errorCode(t, body) != "bad_request" {
		t.Fatalf("missing type: %d %v", status, body)
	}

	status, body = ts.doJSON(t, http.MethodGet, "/v1/tenants/acme/entities", disp, nil)
	if status != http.StatusBadRequest {
		t.Fatalf("missing type query: %d %v", status, body)
	}

	status, body = ts.doJSON(t, http.MethodGet, "/v1/tenants/acme/entities?type=workorder&cursor=bogus", disp, nil)
	if status != http.StatusBadRequest {
		t.Fatalf("bad cursor: %d %v", status, body)
	}

	status, body = ts.doJSON(t, http.MethodPost, "/v1/tenants/acme/entities", disp, map[string]any{"type": "gizmo"})
	if status != http.StatusBadRequest || errorCode(t, body) != "bad_request" {
		t.Fatalf("unknown type: %d %v", status, body)
	}
}

func TestAssigneeClearedViaPatch(t *testing.T) {
	ts := newTestServer(t, nil)
	disp := token(t, "disp-1", "dispatcher")
	_, ent := ts.doJSON(t, http.MethodPost, "/v1/tenants/acme/entities", disp, map[string]any{
		"type": "workorder", "assignee_id": "tech-1",
	})
	id := ent["id"].(string)
	base := "/v1/tenants/acme/entities/" + id

	status, body := ts.doJSON(t, http.MethodPatch, base, disp, map[string]any{"assignee_id": ""})
	if status != http.StatusOK {
		t.Fatalf("clear assignee: %d %v", status, body)
	}
	if _, ok := body["assignee_id"]; ok {
		t.Fatalf("assignee should be cleared: %v", body)
	}

	// A patch that never mentions assignee_id leaves it alone.
	status, body = ts.doJSON(t, http.MethodPatch, base, disp, map[string]any{"assignee_id": "tech-1"})
	if status != http.StatusOK || body["assignee_id"] != "tech-1" {
		t.Fatalf("reassign: %d %v", status, body)
	}
	status, body = ts.doJSON(t, http.MethodPatch, base, disp, map[string]any{
		"fields": map[string]any{"notes": "checked"},
	})
	if status != http.StatusOK || body["assignee_id"] != "tech-1" {
		t.Fatalf("assignee dropped by unrelated patch: %d %v", status, body)
	}
}
