package domain

// Entity is a lifecycle-managed business record (work order, invoice,
// campaign, experiment). Domain-specific values live in Fields; the rest
// is the common envelope every entity type shares.
type Entity struct {
	ID         string         `json:"id"`
	TenantID   string         `json:"tenant_id"`
	Type       string         `json:"type"`
	Status     string         `json:"status"`
	AssigneeID *string        `json:"assignee_id,omitempty"`
	CreatedBy  string         `json:"created_by"`
	UpdatedBy  string         `json:"updated_by"`
	Version    int64          `json:"version"`
	Fields     map[string]any `json:"fields,omitempty"`
	CreatedAt  string         `json:"created_at" format:"date-time"`
	UpdatedAt  string         `json:"updated_at" format:"date-time"`
}

// Actor is the authenticated identity performing an operation.
type Actor struct {
	ID          string   `json:"id"`
	Roles       []string `json:"roles"`
	Permissions []string `json:"permissions"`
}

// HasPermission reports whether the actor holds the permission string.
func (a Actor) HasPermission(perm string) bool {
	for _, p := range a.Permissions {
		if p == perm {
			return true
		}
	}
	return false
}

// HasRole reports whether the actor holds the role.
func (a Actor) HasRole(role string) bool {
	for _, r := range a.Roles {
		if r == role {
			return true
		}
	}
	return false
}

// Summary is a derived aggregate over an entity collection. It is computed
// at query time and never persisted.
type Summary struct {
	Count              int                       `json:"count"`
	TotalValue         float64                   `json:"total_value"`
	Groups             map[string]map[string]int `json:"groups,omitempty"`
	AvgDurationSeconds float64                   `json:"avg_duration_seconds"`
	DurationSamples    int                       `json:"duration_samples"`
}

type Tenant struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Status    string `json:"status"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts" format:"date-time"`
	Type       string `json:"type"`
	TenantID   string `json:"tenant_id,omitempty"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	ActorID    string `json:"actor_id"`
	Payload    string `json:"payload_json"`
}

type APIKey struct {
	ID        string `json:"id"`
	ActorID   string `json:"actor_id"`
	Name      string `json:"name,omitempty"`
	KeyHash   string `json:"key_hash"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

// RoleAssignment grants a config-defined role to an actor within a tenant.
type RoleAssignment struct {
	TenantID string `json:"tenant_id"`
	ActorID  string `json:"actor_id"`
	Role     string `json:"role"`
}
