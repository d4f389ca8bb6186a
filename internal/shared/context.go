package shared

import "context"

// Role classifies the authenticated operator.
type Role string

const (
	RoleOperator   Role = "operator"
	RoleSupervisor Role = "supervisor"
)

// Actor identifies the authenticated operator for a request or job run.
type Actor struct {
	ID   string
	Role Role
}

// Supervisor reports whether the actor carries the elevated role.
func (a Actor) Supervisor() bool {
	return a.Role == RoleSupervisor
}

// SystemActor is used by background jobs that act without a request.
func SystemActor() Actor {
	return Actor{ID: "system", Role: RoleSupervisor}
}

type actorContextKey struct{}

// ContextWithActor stores the actor in context.
func ContextWithActor(ctx context.Context, actor Actor) context.Context {
	return context.WithValue(ctx, actorContextKey{}, actor)
}

// ActorFromContext extracts the actor from context.
func ActorFromContext(ctx context.Context) (Actor, bool) {
	actor, ok := ctx.Value(actorContextKey{}).(Actor)
	return actor, ok
}
