package notify

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"thorbis/internal/config"
	"thorbis/internal/db"
	"thorbis/internal/migrate"
	"thorbis/internal/repo"
)

func newRepo(t *testing.T) repo.Repo {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn, "sqlite"); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return repo.Repo{DB: conn, Dialect: "sqlite"}
}

func appendEvent(t *testing.T, r repo.Repo, evtType, entityID string) {
	t.Helper()
	tx, err := r.DB.BeginTx(context.Background(), nil)
	if err != nil {
		t.Fatal(err)
	}
	_, err = tx.ExecContext(context.Background(),
		`INSERT INTO events(ts, type, tenant_id, entity_kind, entity_id, actor_id, payload_json)
		 VALUES (?,?,?,?,?,?,?)`,
		"2026-01-01T00:00:00Z", evtType, "acme", "workorder", entityID, "disp-1", `{"status":"created"}`)
	if err != nil {
		tx.Rollback()
		t.Fatal(err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatal(err)
	}
}

type capture struct {
	mu     sync.Mutex
	bodies []webhookEvent
	types  []string
	status int
}

func (c *capture) handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		data, _ := io.ReadAll(r.Body)
		var evt webhookEvent
		json.Unmarshal(data, &evt)
		c.mu.Lock()
		c.bodies = append(c.bodies, evt)
		c.types = append(c.types, r.Header.Get("X-Thorbis-Event"))
		status := c.status
		c.mu.Unlock()
		if status == 0 {
			status = http.StatusOK
		}
		w.WriteHeader(status)
	}
}

func (c *capture) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.bodies)
}

func TestDispatchDeliversNewEvents(t *testing.T) {
	r := newRepo(t)
	sink := &capture{}
	srv := httptest.NewServer(sink.handler())
	defer srv.Close()

	appendEvent(t, r, "entity.created", "e-old")
	d := NewDispatcher(r, []config.WebhookConfig{{URL: srv.URL, Secret: "s3cret"}})

	// The first round initializes the cursor at the head; history is skipped.
	d.DispatchAll(context.Background())
	if sink.count() != 0 {
		t.Fatalf("history should not be replayed, got %d deliveries", sink.count())
	}

	appendEvent(t, r, "entity.transitioned", "e-1")
	appendEvent(t, r, "entity.updated", "e-2")
	d.DispatchAll(context.Background())

	if sink.count() != 2 {
		t.Fatalf("want 2 deliveries, got %d", sink.count())
	}
	if sink.bodies[0].Type != "entity.transitioned" || sink.bodies[1].Type != "entity.updated" {
		t.Fatalf("delivery order: %v", sink.types)
	}
	if sink.bodies[0].TenantID != "acme" || sink.bodies[0].EntityID != "e-1" {
		t.Fatalf("body: %+v", sink.bodies[0])
	}
	if sink.types[0] != "entity.transitioned" {
		t.Fatalf("event header: %v", sink.types)
	}

	// Nothing new, nothing sent.
	d.DispatchAll(context.Background())
	if sink.count() != 2 {
		t.Fatalf("redelivered without new events: %d", sink.count())
	}
}

func TestDispatchFiltersEventTypes(t *testing.T) {
	r := newRepo(t)
	sink := &capture{}
	srv := httptest.NewServer(sink.handler())
	defer srv.Close()

	d := NewDispatcher(r, []config.WebhookConfig{{URL: srv.URL, Events: []string{"entity.transitioned"}}})
	d.DispatchAll(context.Background()) // pin cursor at head

	appendEvent(t, r, "entity.created", "e-1")
	appendEvent(t, r, "entity.transitioned", "e-1")
	appendEvent(t, r, "entity.updated", "e-1")
	d.DispatchAll(context.Background())

	if sink.count() != 1 || sink.bodies[0].Type != "entity.transitioned" {
		t.Fatalf("filter should pass only transitions: %v", sink.types)
	}

	// The cursor still advances past filtered events.
	appendEvent(t, r, "entity.transitioned", "e-2")
	d.DispatchAll(context.Background())
	if sink.count() != 2 || sink.bodies[1].EntityID != "e-2" {
		t.Fatalf("second round: %+v", sink.bodies)
	}
}

func TestDispatchStopsOnFailure(t *testing.T) {
	r := newRepo(t)
	sink := &capture{status: http.StatusInternalServerError}
	srv := httptest.NewServer(sink.handler())
	defer srv.Close()

	d := NewDispatcher(r, []config.WebhookConfig{{URL: srv.URL}})
	d.DispatchAll(context.Background())

	appendEvent(t, r, "entity.created", "e-1")
	appendEvent(t, r, "entity.updated", "e-1")
	d.DispatchAll(context.Background())
	if sink.count() != 1 {
		t.Fatalf("delivery must stop at the first failure, got %d attempts", sink.count())
	}

	// Once the endpoint recovers, the same event is retried first.
	sink.mu.Lock()
	sink.status = http.StatusOK
	sink.mu.Unlock()
	d.DispatchAll(context.Background())
	if sink.count() != 3 {
		t.Fatalf("want redelivery of both events, got %d total attempts", sink.count())
	}
	if sink.bodies[1].Type != "entity.created" || sink.bodies[2].Type != "entity.updated" {
		t.Fatalf("retry order: %v", sink.types)
	}
}

func TestDisabledHookSkipped(t *testing.T) {
	r := newRepo(t)
	sink := &capture{}
	srv := httptest.NewServer(sink.handler())
	defer srv.Close()

	disabled := false
	d := NewDispatcher(r, []config.WebhookConfig{{URL: srv.URL, Enabled: &disabled}})
	d.DispatchAll(context.Background())
	appendEvent(t, r, "entity.created", "e-1")
	d.DispatchAll(context.Background())
	if sink.count() != 0 {
		t.Fatalf("disabled hook must not deliver, got %d", sink.count())
	}
}

func TestEventFilter(t *testing.T) {
	all := newEventFilter(nil)
	if !all.match("entity.created") || !all.match("rbac.granted") {
		t.Fatalf("empty filter must match everything")
	}
	some := newEventFilter([]string{"entity.created", " entity.transitioned "})
	if !some.match("entity.created") || !some.match("entity.transitioned") {
		t.Fatalf("declared events must match")
	}
	if some.match("entity.updated") {
		t.Fatalf("undeclared events must not match")
	}
	blank := newEventFilter([]string{" ", ""})
	if !blank.match("anything") {
		t.Fatalf("all-blank filter degrades to match-all")
	}
}
