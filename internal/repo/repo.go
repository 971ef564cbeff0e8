package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"thorbis/internal/db"
	"thorbis/internal/domain"
)

// Repo is the persistence collaborator. The lifecycle engine never touches
// it directly: callers fetch a snapshot, ask the engine for a decision, then
// apply the proposed state with an optimistic version check.
type Repo struct {
	DB      *sql.DB
	Dialect string
}

var (
	ErrNotFound = errors.New("not found")
	// ErrVersionConflict means the entity changed since it was fetched;
	// the caller should re-fetch and retry.
	ErrVersionConflict = errors.New("version conflict")
)

func (r Repo) bind(query string) string {
	return db.Bind(r.Dialect, query)
}

// --- tenants ---

func (r Repo) InsertTenant(ctx context.Context, t domain.Tenant) error {
	_, err := r.DB.ExecContext(ctx, r.bind(`INSERT INTO tenants(id,name,status,created_at) VALUES (?,?,?,?)`),
		t.ID, t.Name, t.Status, t.CreatedAt)
	return err
}

// EnsureTenant provisions a tenant row on first use within the caller's tx.
func (r Repo) EnsureTenant(ctx context.Context, tx *sql.Tx, t domain.Tenant) error {
	_, err := tx.ExecContext(ctx, r.bind(`INSERT INTO tenants(id,name,status,created_at) VALUES (?,?,?,?) ON CONFLICT(id) DO NOTHING`),
		t.ID, t.Name, t.Status, t.CreatedAt)
	return err
}

func (r Repo) GetTenant(ctx context.Context, id string) (domain.Tenant, error) {
	var t domain.Tenant
	err := r.DB.QueryRowContext(ctx, r.bind(`SELECT id,name,status,created_at FROM tenants WHERE id=?`), id).
		Scan(&t.ID, &t.Name, &t.Status, &t.CreatedAt)
	if err == sql.ErrNoRows {
		return t, ErrNotFound
	}
	return t, err
}

func (r Repo) ListTenants(ctx context.Context) ([]domain.Tenant, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,name,status,created_at FROM tenants ORDER BY created_at DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Tenant
	for rows.Next() {
		var t domain.Tenant
		if err := rows.Scan(&t.ID, &t.Name, &t.Status, &t.CreatedAt); err != nil {
			return nil, err
		}
		res = append(res, t)
	}
	return res, rows.Err()
}

// --- entities ---

const entityColumns = `id,tenant_id,type,status,assignee_id,created_by,updated_by,version,fields_json,created_at,updated_at`

func (r Repo) InsertEntity(ctx context.Context, tx *sql.Tx, e domain.Entity) error {
	fieldsJSON, err := marshalFields(e.Fields)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, r.bind(`INSERT INTO entities(`+entityColumns+`) VALUES (?,?,?,?,?,?,?,?,?,?,?)`),
		e.ID, e.TenantID, e.Type, e.Status, nullableStringPtr(e.AssigneeID), e.CreatedBy, e.UpdatedBy,
		e.Version, fieldsJSON, e.CreatedAt, e.UpdatedAt)
	return err
}

// ApplyIfUnchanged persists the proposed next state only if the stored row
// still carries the expected version. A zero-row update means a concurrent
// writer won; the caller gets ErrVersionConflict and retries with fresh data.
func (r Repo) ApplyIfUnchanged(ctx context.Context, tx *sql.Tx, expectedVersion int64, next domain.Entity) error {
	fieldsJSON, err := marshalFields(next.Fields)
	if err != nil {
		return err
	}
	res, err := tx.ExecContext(ctx, r.bind(`UPDATE entities SET status=?, assignee_id=?, updated_by=?, version=?, fields_json=?, updated_at=? WHERE id=? AND version=?`),
		next.Status, nullableStringPtr(next.AssigneeID), next.UpdatedBy, next.Version, fieldsJSON, next.UpdatedAt,
		next.ID, expectedVersion)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return ErrVersionConflict
	}
	return nil
}

func (r Repo) GetEntity(ctx context.Context, tenantID, id string) (domain.Entity, error) {
	row := r.DB.QueryRowContext(ctx, r.bind(`SELECT `+entityColumns+` FROM entities WHERE tenant_id=? AND id=?`), tenantID, id)
	return scanEntity(row)
}

// DeleteEntity is an administrative action outside the lifecycle engine;
// the engine itself never removes entities.
func (r Repo) DeleteEntity(ctx context.Context, tenantID, id string) error {
	res, err := r.DB.ExecContext(ctx, r.bind(`DELETE FROM entities WHERE tenant_id=? AND id=?`), tenantID, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

type EntityFilters struct {
	TenantID        string
	Type            string
	Status          string
	AssigneeID      string
	Limit           int
	CursorCreatedAt string
	CursorID        string
}

func (r Repo) ListEntities(ctx context.Context, f EntityFilters) ([]domain.Entity, error) {
	clauses := []string{"tenant_id=?"}
	args := []any{f.TenantID}
	if f.Type != "" {
		clauses = append(clauses, "type=?")
		args = append(args, f.Type)
	}
	if f.Status != "" {
		clauses = append(clauses, "status=?")
		args = append(args, f.Status)
	}
	if f.AssigneeID != "" {
		clauses = append(clauses, "assignee_id=?")
		args = append(args, f.AssigneeID)
	}
	if f.CursorCreatedAt != "" && f.CursorID != "" {
		clauses = append(clauses, "(created_at < ? OR (created_at = ? AND id < ?))")
		args = append(args, f.CursorCreatedAt, f.CursorCreatedAt, f.CursorID)
	}
	query := `SELECT ` + entityColumns + ` FROM entities WHERE ` + strings.Join(clauses, " AND ") + ` ORDER BY created_at DESC, id DESC`
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, r.bind(query), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Entity
	for rows.Next() {
		e, err := scanEntityRows(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

func (r Repo) CountEntitiesByStatus(ctx context.Context, tenantID, entityType string) (map[string]int, error) {
	rows, err := r.DB.QueryContext(ctx, r.bind(`SELECT status, count(*) FROM entities WHERE tenant_id=? AND type=? GROUP BY status`), tenantID, entityType)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := map[string]int{}
	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, err
		}
		res[status] = count
	}
	return res, rows.Err()
}

func scanEntity(row *sql.Row) (domain.Entity, error) {
	var e domain.Entity
	var assignee, fieldsJSON sql.NullString
	err := row.Scan(&e.ID, &e.TenantID, &e.Type, &e.Status, &assignee, &e.CreatedBy, &e.UpdatedBy, &e.Version, &fieldsJSON, &e.CreatedAt, &e.UpdatedAt)
	if err == sql.ErrNoRows {
		return e, ErrNotFound
	}
	if err != nil {
		return e, err
	}
	return finishEntity(e, assignee, fieldsJSON)
}

func scanEntityRows(rows *sql.Rows) (domain.Entity, error) {
	var e domain.Entity
	var assignee, fieldsJSON sql.NullString
	if err := rows.Scan(&e.ID, &e.TenantID, &e.Type, &e.Status, &assignee, &e.CreatedBy, &e.UpdatedBy, &e.Version, &fieldsJSON, &e.CreatedAt, &e.UpdatedAt); err != nil {
		return e, err
	}
	return finishEntity(e, assignee, fieldsJSON)
}

func finishEntity(e domain.Entity, assignee, fieldsJSON sql.NullString) (domain.Entity, error) {
	if assignee.Valid {
		e.AssigneeID = &assignee.String
	}
	if fieldsJSON.Valid && fieldsJSON.String != "" {
		if err := json.Unmarshal([]byte(fieldsJSON.String), &e.Fields); err != nil {
			return e, fmt.Errorf("entity %s fields: %w", e.ID, err)
		}
	}
	return e, nil
}

func marshalFields(fields map[string]any) (any, error) {
	if len(fields) == 0 {
		return nil, nil
	}
	b, err := json.Marshal(fields)
	if err != nil {
		return nil, fmt.Errorf("marshal entity fields: %w", err)
	}
	return string(b), nil
}

// --- events ---

func (r Repo) LatestEvents(ctx context.Context, limit int, tenantID, evtType, entityKind, entityID string) ([]domain.Event, error) {
	return r.LatestEventsFrom(ctx, limit, 0, tenantID, evtType, entityKind, entityID)
}

func (r Repo) LatestEventsFrom(ctx context.Context, limit int, cursor int64, tenantID, evtType, entityKind, entityID string) ([]domain.Event, error) {
	clauses := []string{"1=1"}
	var args []any
	if tenantID != "" {
		clauses = append(clauses, "tenant_id=?")
		args = append(args, tenantID)
	}
	if evtType != "" {
		clauses = append(clauses, "type=?")
		args = append(args, evtType)
	}
	if entityKind != "" {
		clauses = append(clauses, "entity_kind=?")
		args = append(args, entityKind)
	}
	if entityID != "" {
		clauses = append(clauses, "entity_id=?")
		args = append(args, entityID)
	}
	if cursor > 0 {
		clauses = append(clauses, "id<?")
		args = append(args, cursor)
	}
	query := fmt.Sprintf(`SELECT id,ts,type,tenant_id,entity_kind,entity_id,actor_id,payload_json FROM events WHERE %s ORDER BY id DESC LIMIT ?`, strings.Join(clauses, " AND "))
	args = append(args, limit)
	return r.queryEvents(ctx, query, args...)
}

// EventsAfter returns events with IDs greater than the cursor in ascending order.
func (r Repo) EventsAfter(ctx context.Context, limit int, cursor int64, tenantID string) ([]domain.Event, error) {
	if limit <= 0 {
		limit = 100
	}
	clauses := []string{"1=1"}
	var args []any
	if tenantID != "" {
		clauses = append(clauses, "tenant_id=?")
		args = append(args, tenantID)
	}
	if cursor > 0 {
		clauses = append(clauses, "id>?")
		args = append(args, cursor)
	}
	query := fmt.Sprintf(`SELECT id,ts,type,tenant_id,entity_kind,entity_id,actor_id,payload_json FROM events WHERE %s ORDER BY id ASC LIMIT ?`, strings.Join(clauses, " AND "))
	args = append(args, limit)
	return r.queryEvents(ctx, query, args...)
}

func (r Repo) queryEvents(ctx context.Context, query string, args ...any) ([]domain.Event, error) {
	rows, err := r.DB.QueryContext(ctx, r.bind(query), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Event
	for rows.Next() {
		var e domain.Event
		var tenant, entityID, payload sql.NullString
		if err := rows.Scan(&e.ID, &e.TS, &e.Type, &tenant, &e.EntityKind, &entityID, &e.ActorID, &payload); err != nil {
			return nil, err
		}
		if tenant.Valid {
			e.TenantID = tenant.String
		}
		if entityID.Valid {
			e.EntityID = entityID.String
		}
		if payload.Valid {
			e.Payload = payload.String
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

// LatestEventID returns the most recent event ID, optionally scoped to a tenant.
func (r Repo) LatestEventID(ctx context.Context, tenantID string) (int64, error) {
	query := `SELECT COALESCE(MAX(id),0) FROM events`
	var args []any
	if tenantID != "" {
		query += ` WHERE tenant_id=?`
		args = append(args, tenantID)
	}
	row := r.DB.QueryRowContext(ctx, r.bind(query), args...)
	var id int64
	if err := row.Scan(&id); err != nil {
		return 0, err
	}
	return id, nil
}

func nullableStringPtr(v *string) any {
	if v == nil || *v == "" {
		return nil
	}
	return *v
}
