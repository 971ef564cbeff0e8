// Package authz resolves the acting identity for a request: the union of
// permissions carried in the credential and those granted through role
// assignments stored per tenant. Role definitions come from configuration;
// the store only records which actor holds which role where.
package authz

import (
	"context"
	"errors"
	"sort"

	"thorbis/internal/config"
	"thorbis/internal/domain"
	"thorbis/internal/repo"
)

// Principal is the raw authenticated identity extracted from a credential
// (JWT claims, API key) before role expansion.
type Principal struct {
	ActorID     string
	Roles       []string
	Permissions []string
	Source      string
}

type Provider struct {
	Repo  repo.Repo
	Roles map[string]config.Role
}

func New(r repo.Repo, cfg *config.Config) Provider {
	roles := map[string]config.Role{}
	if cfg != nil {
		roles = cfg.RBAC.Roles
	}
	return Provider{Repo: r, Roles: roles}
}

// ResolveActor expands a principal into an Actor for the tenant: credential
// roles plus tenant role assignments, each mapped to its permission set.
func (p Provider) ResolveActor(ctx context.Context, tenantID string, principal Principal) (domain.Actor, error) {
	if principal.ActorID == "" {
		return domain.Actor{}, errors.New("actor id required")
	}
	roleSet := map[string]struct{}{}
	for _, role := range principal.Roles {
		roleSet[role] = struct{}{}
	}
	if tenantID != "" {
		assigned, err := p.Repo.ActorRoles(ctx, tenantID, principal.ActorID)
		if err != nil {
			return domain.Actor{}, err
		}
		for _, role := range assigned {
			roleSet[role] = struct{}{}
		}
	}
	permSet := map[string]struct{}{}
	for _, perm := range principal.Permissions {
		permSet[perm] = struct{}{}
	}
	for role := range roleSet {
		def, ok := p.Roles[role]
		if !ok {
			continue
		}
		for _, perm := range def.Permissions {
			permSet[perm] = struct{}{}
		}
	}
	actor := domain.Actor{
		ID:          principal.ActorID,
		Roles:       sortedKeys(roleSet),
		Permissions: sortedKeys(permSet),
	}
	return actor, nil
}

func sortedKeys(set map[string]struct{}) []string {
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
