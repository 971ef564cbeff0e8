package lifecycle

import "fmt"

// UnknownTypeError indicates an entity type absent from the catalog.
type UnknownTypeError struct {
	Type string
}

func (e UnknownTypeError) Error() string {
	return fmt.Sprintf("unknown entity type %s", e.Type)
}

// UnknownStatusError indicates a status outside the type's declared set.
type UnknownStatusError struct {
	Type   string
	Status string
}

func (e UnknownStatusError) Error() string {
	return fmt.Sprintf("unknown status %s for entity type %s", e.Status, e.Type)
}

// InvalidTransitionError indicates a requested status not reachable from the
// current one.
type InvalidTransitionError struct {
	Type string
	From string
	To   string
}

func (e InvalidTransitionError) Error() string {
	return fmt.Sprintf("invalid %s status transition %s -> %s", e.Type, e.From, e.To)
}

// TerminalStateError indicates a mutation against an entity whose status has
// no outgoing transitions.
type TerminalStateError struct {
	Type   string
	Status string
}

func (e TerminalStateError) Error() string {
	return fmt.Sprintf("%s in terminal status %s is immutable", e.Type, e.Status)
}

// PermissionError indicates the actor lacks the base permission. The message
// names only the required permission, never which role would have succeeded.
type PermissionError struct {
	Permission string
}

func (e PermissionError) Error() string {
	return fmt.Sprintf("permission %s required", e.Permission)
}

// OwnershipError indicates a protected change attempted by an actor who is
// neither the assignee nor an override role holder.
type OwnershipError struct {
	EntityID string
	ActorID  string
}

func (e OwnershipError) Error() string {
	return fmt.Sprintf("actor %s must be the assignee of %s for this change", e.ActorID, e.EntityID)
}
