package repo

import (
	"context"
	"database/sql"
)

func (r Repo) EnsureActor(ctx context.Context, tx *sql.Tx, actorID, now string) error {
	_, err := tx.ExecContext(ctx, r.bind(`INSERT INTO actors(id, created_at) VALUES (?,?) ON CONFLICT(id) DO NOTHING`), actorID, now)
	return err
}

func (r Repo) AssignRole(ctx context.Context, tx *sql.Tx, tenantID, actorID, roleID string) error {
	_, err := tx.ExecContext(ctx, r.bind(`INSERT INTO actor_roles(tenant_id, actor_id, role_id) VALUES (?,?,?) ON CONFLICT(tenant_id, actor_id, role_id) DO NOTHING`), tenantID, actorID, roleID)
	return err
}

func (r Repo) RevokeRole(ctx context.Context, tx *sql.Tx, tenantID, actorID, roleID string) error {
	_, err := tx.ExecContext(ctx, r.bind(`DELETE FROM actor_roles WHERE tenant_id=? AND actor_id=? AND role_id=?`), tenantID, actorID, roleID)
	return err
}

func (r Repo) ActorRoles(ctx context.Context, tenantID, actorID string) ([]string, error) {
	rows, err := r.DB.QueryContext(ctx, r.bind(`SELECT role_id FROM actor_roles WHERE tenant_id=? AND actor_id=?`), tenantID, actorID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var roles []string
	for rows.Next() {
		var role string
		if err := rows.Scan(&role); err != nil {
			return nil, err
		}
		roles = append(roles, role)
	}
	return roles, rows.Err()
}
