// Package service coordinates the pure lifecycle engine with persistence.
// Every mutation follows the same shape: fetch a snapshot, ask the engine
// for a decision, then apply the proposed next state inside a transaction
// with an optimistic version check. Audit events are written in the same
// transaction as the mutation they describe.
package service

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"thorbis/internal/authz"
	"thorbis/internal/config"
	"thorbis/internal/domain"
	"thorbis/internal/events"
	"thorbis/internal/lifecycle"
	"thorbis/internal/repo"
)

type Service struct {
	DB     *sql.DB
	Repo   repo.Repo
	Engine *lifecycle.Engine
	Authz  authz.Provider
	Events events.Writer
	Config *config.Config
	Now    func() time.Time
}

func New(db *sql.DB, r repo.Repo, engine *lifecycle.Engine, cfg *config.Config) Service {
	return Service{
		DB:     db,
		Repo:   r,
		Engine: engine,
		Authz:  authz.New(r, cfg),
		Events: events.Writer{DB: db, Dialect: r.Dialect},
		Config: cfg,
		Now:    time.Now,
	}
}

func (s Service) now() string {
	if s.Now != nil {
		return s.Now().UTC().Format(time.RFC3339)
	}
	return time.Now().UTC().Format(time.RFC3339)
}

// CreateEntity builds an entity in its type's initial status and persists it.
// The tenant row is provisioned on first use.
func (s Service) CreateEntity(ctx context.Context, tenantID, entityType string, fields map[string]any, assigneeID *string, actor domain.Actor) (domain.Entity, error) {
	if strings.TrimSpace(tenantID) == "" {
		return domain.Entity{}, fmt.Errorf("tenant id is required")
	}
	ent, err := s.Engine.NewEntity(tenantID, entityType, fields, assigneeID, actor)
	if err != nil {
		return domain.Entity{}, err
	}
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Entity{}, err
	}
	defer tx.Rollback()
	if err := s.Repo.EnsureTenant(ctx, tx, domain.Tenant{ID: tenantID, Name: tenantID, Status: "active", CreatedAt: ent.CreatedAt}); err != nil {
		return domain.Entity{}, err
	}
	if err := s.Repo.InsertEntity(ctx, tx, ent); err != nil {
		return domain.Entity{}, err
	}
	if err := s.Events.Append(ctx, tx, "entity.created", tenantID, ent.Type, ent.ID, actor.ID, events.EventPayload{
		"status": ent.Status,
	}); err != nil {
		return domain.Entity{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Entity{}, err
	}
	return ent, nil
}

// MutateEntity applies field edits, reassignment, and/or a status change.
// expectedVersion of zero means "whatever version is current"; a non-zero
// value that no longer matches the stored row fails with ErrVersionConflict
// before the engine is consulted.
func (s Service) MutateEntity(ctx context.Context, tenantID, id string, mut lifecycle.Mutation, expectedVersion int64, actor domain.Actor) (domain.Entity, error) {
	ent, err := s.Repo.GetEntity(ctx, tenantID, id)
	if err != nil {
		return domain.Entity{}, err
	}
	if expectedVersion > 0 && expectedVersion != ent.Version {
		return domain.Entity{}, repo.ErrVersionConflict
	}
	next, err := s.Engine.AuthorizeMutation(ent, mut, actor)
	if err != nil {
		return domain.Entity{}, err
	}
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Entity{}, err
	}
	defer tx.Rollback()
	if err := s.Repo.ApplyIfUnchanged(ctx, tx, ent.Version, next); err != nil {
		return domain.Entity{}, err
	}
	evtType := "entity.updated"
	payload := events.EventPayload{"version": next.Version}
	if mut.Status != nil && *mut.Status != ent.Status {
		evtType = "entity.transitioned"
		payload["from"] = ent.Status
		payload["to"] = next.Status
	}
	if err := s.Events.Append(ctx, tx, evtType, tenantID, ent.Type, ent.ID, actor.ID, payload); err != nil {
		return domain.Entity{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Entity{}, err
	}
	return next, nil
}

// Transition is a pure status change.
func (s Service) Transition(ctx context.Context, tenantID, id, status string, expectedVersion int64, actor domain.Actor) (domain.Entity, error) {
	if strings.TrimSpace(status) == "" {
		return domain.Entity{}, fmt.Errorf("status is required")
	}
	return s.MutateEntity(ctx, tenantID, id, lifecycle.Mutation{Status: &status}, expectedVersion, actor)
}

// Summarize loads the tenant's entities of one type and computes the pure
// aggregate over them.
func (s Service) Summarize(ctx context.Context, tenantID, entityType string, groupBy ...string) (domain.Summary, error) {
	entities, err := s.Repo.ListEntities(ctx, repo.EntityFilters{TenantID: tenantID, Type: entityType})
	if err != nil {
		return domain.Summary{}, err
	}
	return s.Engine.Summarize(entityType, entities, groupBy...)
}

// GrantRole assigns a config-defined role to an actor within a tenant.
func (s Service) GrantRole(ctx context.Context, tenantID, grantedBy, actorID, roleID string) error {
	if err := s.checkRole(roleID); err != nil {
		return err
	}
	return s.roleChange(ctx, "rbac.granted", tenantID, grantedBy, actorID, roleID, s.Repo.AssignRole)
}

// RevokeRole removes a role assignment.
func (s Service) RevokeRole(ctx context.Context, tenantID, revokedBy, actorID, roleID string) error {
	return s.roleChange(ctx, "rbac.revoked", tenantID, revokedBy, actorID, roleID, s.Repo.RevokeRole)
}

func (s Service) checkRole(roleID string) error {
	if s.Config == nil || len(s.Config.RBAC.Roles) == 0 {
		return nil
	}
	if _, ok := s.Config.RBAC.Roles[roleID]; !ok {
		return fmt.Errorf("role %s is not defined", roleID)
	}
	return nil
}

func (s Service) roleChange(ctx context.Context, evtType, tenantID, byActor, actorID, roleID string, apply func(context.Context, *sql.Tx, string, string, string) error) error {
	if strings.TrimSpace(actorID) == "" || strings.TrimSpace(roleID) == "" {
		return fmt.Errorf("actor_id and role are required")
	}
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	now := s.now()
	if err := s.Repo.EnsureTenant(ctx, tx, domain.Tenant{ID: tenantID, Name: tenantID, Status: "active", CreatedAt: now}); err != nil {
		return err
	}
	if err := s.Repo.EnsureActor(ctx, tx, actorID, now); err != nil {
		return err
	}
	if err := apply(ctx, tx, tenantID, actorID, roleID); err != nil {
		return err
	}
	if err := s.Events.Append(ctx, tx, evtType, tenantID, "rbac", actorID, byActor, events.EventPayload{
		"role": roleID,
	}); err != nil {
		return err
	}
	return tx.Commit()
}

// CreateAPIKey mints a new key for an actor and stores its hash. The plain
// key is returned exactly once.
func (s Service) CreateAPIKey(ctx context.Context, actorID, name, createdBy string) (domain.APIKey, string, error) {
	if strings.TrimSpace(actorID) == "" {
		return domain.APIKey{}, "", fmt.Errorf("actor_id is required")
	}
	plain := uuid.New().String()
	key := domain.APIKey{
		ID:        uuid.New().String(),
		ActorID:   actorID,
		Name:      name,
		KeyHash:   repo.HashAPIKey(plain),
		CreatedAt: s.now(),
	}
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.APIKey{}, "", err
	}
	defer tx.Rollback()
	if err := s.Repo.EnsureActor(ctx, tx, actorID, key.CreatedAt); err != nil {
		return domain.APIKey{}, "", err
	}
	if err := s.Repo.InsertAPIKey(ctx, tx, key); err != nil {
		return domain.APIKey{}, "", err
	}
	if err := s.Events.Append(ctx, tx, "apikey.created", "", "apikey", key.ID, createdBy, events.EventPayload{
		"actor_id": actorID,
	}); err != nil {
		return domain.APIKey{}, "", err
	}
	if err := tx.Commit(); err != nil {
		return domain.APIKey{}, "", err
	}
	return key, plain, nil
}

// RevokeAPIKey deletes a key by id.
func (s Service) RevokeAPIKey(ctx context.Context, id string) error {
	return s.Repo.DeleteAPIKey(ctx, id)
}
