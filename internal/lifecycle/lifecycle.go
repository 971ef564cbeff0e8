// Package lifecycle is the entity status-lifecycle and validation engine.
// It decides whether a proposed change to an entity is allowed given the
// entity's current status, the per-type transition table, and the acting
// user's role and permissions. The engine is pure: it performs no I/O, holds
// no mutable state, and returns a proposed next entity state that the caller
// persists with an optimistic-concurrency check.
package lifecycle

import (
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"

	"thorbis/internal/config"
	"thorbis/internal/domain"
)

type Engine struct {
	types map[string]typeRules
	Now   func() time.Time
}

type typeRules struct {
	name              string
	domain            string
	initial           string
	transitions       map[string][]string
	overrideRoles     map[string]struct{}
	protectedStatuses map[string]struct{}
	protectedFields   map[string]struct{}
	summary           config.SummarySpec
	actions           map[string][]string
}

// FromConfig compiles the engine from the validated entity type catalog.
// Catalog inconsistencies are configuration bugs and fail here, at startup.
func FromConfig(cfg *config.Config) (*Engine, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config not loaded")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	e := &Engine{types: make(map[string]typeRules, len(cfg.EntityTypes)), Now: time.Now}
	for name, et := range cfg.EntityTypes {
		r := typeRules{
			name:              name,
			domain:            et.Domain,
			initial:           et.Initial,
			transitions:       make(map[string][]string, len(et.Transitions)),
			overrideRoles:     toSet(et.OverrideRoles),
			protectedStatuses: toSet(et.ProtectedStatuses),
			protectedFields:   toSet(et.ProtectedFields),
			summary:           et.Summary,
			actions:           et.SuggestedActions,
		}
		for from, targets := range et.Transitions {
			r.transitions[from] = append([]string(nil), targets...)
		}
		e.types[name] = r
	}
	return e, nil
}

func toSet(in []string) map[string]struct{} {
	set := make(map[string]struct{}, len(in))
	for _, v := range in {
		set[v] = struct{}{}
	}
	return set
}

func (e *Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

// Types returns the declared entity type names, sorted.
func (e *Engine) Types() []string {
	names := make([]string, 0, len(e.types))
	for name := range e.types {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// HasType reports whether the catalog declares the entity type.
func (e *Engine) HasType(entityType string) bool {
	_, ok := e.types[entityType]
	return ok
}

// WritePermission returns the base permission required to mutate entities of
// the type, in {domain}:{type}:write form.
func (e *Engine) WritePermission(entityType string) (string, error) {
	r, ok := e.types[entityType]
	if !ok {
		return "", UnknownTypeError{Type: entityType}
	}
	return r.domain + ":" + r.name + ":write", nil
}

// ReadPermission returns the permission required to read entities of the type.
func (e *Engine) ReadPermission(entityType string) (string, error) {
	r, ok := e.types[entityType]
	if !ok {
		return "", UnknownTypeError{Type: entityType}
	}
	return r.domain + ":" + r.name + ":read", nil
}

// InitialStatus returns the configured initial status for the type.
func (e *Engine) InitialStatus(entityType string) (string, error) {
	r, ok := e.types[entityType]
	if !ok {
		return "", UnknownTypeError{Type: entityType}
	}
	return r.initial, nil
}

// IsTerminal reports whether the status has no outgoing transitions.
func (e *Engine) IsTerminal(entityType, status string) bool {
	r, ok := e.types[entityType]
	if !ok {
		return false
	}
	targets, ok := r.transitions[status]
	return ok && len(targets) == 0
}

// SuggestedActions returns the static next-action labels for a status.
func (e *Engine) SuggestedActions(entityType, status string) []string {
	r, ok := e.types[entityType]
	if !ok {
		return nil
	}
	return r.actions[status]
}

// ValidateTransition decides whether current -> requested is permitted.
// A no-op (requested == current) is always allowed, including for terminal
// statuses. Transitions out of a terminal status are rejected as immutable
// rather than merely invalid.
func (e *Engine) ValidateTransition(entityType, current, requested string) error {
	r, ok := e.types[entityType]
	if !ok {
		return UnknownTypeError{Type: entityType}
	}
	targets, ok := r.transitions[current]
	if !ok {
		return UnknownStatusError{Type: entityType, Status: current}
	}
	if _, ok := r.transitions[requested]; !ok {
		return UnknownStatusError{Type: entityType, Status: requested}
	}
	if requested == current {
		return nil
	}
	if len(targets) == 0 {
		return TerminalStateError{Type: entityType, Status: current}
	}
	for _, to := range targets {
		if to == requested {
			return nil
		}
	}
	return InvalidTransitionError{Type: entityType, From: current, To: requested}
}

// Mutation is a proposed change to an entity: an optional status change,
// an optional reassignment, and payload field edits. A nil value in Fields
// removes the field.
type Mutation struct {
	Status      *string
	AssigneeID  *string
	AssigneeSet bool
	Fields      map[string]any
}

// AuthorizeMutation evaluates the mutation against the entity snapshot and
// the actor, in order: base write permission, terminal-state immutability,
// transition validity, then ownership of protected changes. On success it
// returns the proposed next entity state with updated_by/updated_at set and
// the version bumped; the caller persists it with a version check. The input
// entity is never modified.
func (e *Engine) AuthorizeMutation(ent domain.Entity, mut Mutation, actor domain.Actor) (domain.Entity, error) {
	r, ok := e.types[ent.Type]
	if !ok {
		return domain.Entity{}, UnknownTypeError{Type: ent.Type}
	}
	writePerm := r.domain + ":" + r.name + ":write"
	if !actor.HasPermission(writePerm) {
		return domain.Entity{}, PermissionError{Permission: writePerm}
	}
	override := hasOverrideRole(actor, r)
	if e.IsTerminal(ent.Type, ent.Status) && !override {
		return domain.Entity{}, TerminalStateError{Type: ent.Type, Status: ent.Status}
	}
	if mut.Status != nil {
		if err := e.ValidateTransition(ent.Type, ent.Status, *mut.Status); err != nil {
			return domain.Entity{}, err
		}
	}
	if e.touchesProtected(r, mut) && !override && !isAssignee(ent, actor) {
		return domain.Entity{}, OwnershipError{EntityID: ent.ID, ActorID: actor.ID}
	}

	next := ent
	next.Fields = make(map[string]any, len(ent.Fields)+len(mut.Fields))
	for k, v := range ent.Fields {
		next.Fields[k] = v
	}
	for k, v := range mut.Fields {
		if v == nil {
			delete(next.Fields, k)
			continue
		}
		next.Fields[k] = v
	}
	if mut.AssigneeSet {
		if mut.AssigneeID == nil || *mut.AssigneeID == "" {
			next.AssigneeID = nil
		} else {
			id := *mut.AssigneeID
			next.AssigneeID = &id
		}
	}
	if mut.Status != nil {
		next.Status = *mut.Status
	}
	next.UpdatedBy = actor.ID
	next.UpdatedAt = e.now().UTC().Format(time.RFC3339)
	next.Version = ent.Version + 1
	return next, nil
}

// NewEntity builds a fresh entity in the type's initial status, after
// checking the actor's write permission. The caller persists it.
func (e *Engine) NewEntity(tenantID, entityType string, fields map[string]any, assigneeID *string, actor domain.Actor) (domain.Entity, error) {
	r, ok := e.types[entityType]
	if !ok {
		return domain.Entity{}, UnknownTypeError{Type: entityType}
	}
	writePerm := r.domain + ":" + r.name + ":write"
	if !actor.HasPermission(writePerm) {
		return domain.Entity{}, PermissionError{Permission: writePerm}
	}
	now := e.now().UTC().Format(time.RFC3339)
	ent := domain.Entity{
		ID:        uuid.New().String(),
		TenantID:  tenantID,
		Type:      entityType,
		Status:    r.initial,
		CreatedBy: actor.ID,
		UpdatedBy: actor.ID,
		Version:   1,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if len(fields) > 0 {
		ent.Fields = make(map[string]any, len(fields))
		for k, v := range fields {
			if v == nil {
				continue
			}
			ent.Fields[k] = v
		}
	}
	if assigneeID != nil && *assigneeID != "" {
		id := *assigneeID
		ent.AssigneeID = &id
	}
	return ent, nil
}

func (e *Engine) touchesProtected(r typeRules, mut Mutation) bool {
	if mut.Status != nil {
		if _, ok := r.protectedStatuses[*mut.Status]; ok {
			return true
		}
	}
	for k := range mut.Fields {
		if _, ok := r.protectedFields[k]; ok {
			return true
		}
	}
	return false
}

func hasOverrideRole(actor domain.Actor, r typeRules) bool {
	for _, role := range actor.Roles {
		if _, ok := r.overrideRoles[role]; ok {
			return true
		}
	}
	return false
}

func isAssignee(ent domain.Entity, actor domain.Actor) bool {
	return ent.AssigneeID != nil && *ent.AssigneeID == actor.ID
}
