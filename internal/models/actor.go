package models

// ActorKind separates people from automated callers in the audit log.
type ActorKind string

const (
	ActorUser   ActorKind = "user"
	ActorSystem ActorKind = "system"
)

// Actor is the identity on whose behalf a core operation runs.
type Actor struct {
	ID   string
	Role UserRole
	Kind ActorKind
}

// Well-known system actors for unauthenticated entry points.
var (
	ActorWebhook   = Actor{ID: "system:bkash-webhook", Kind: ActorSystem}
	ActorCallback  = Actor{ID: "system:bkash-callback", Kind: ActorSystem}
	ActorScheduler = Actor{ID: "system:scheduler", Kind: ActorSystem}
	ActorRecovery  = Actor{ID: "system:recovery", Kind: ActorSystem}
)

// ActorFromClaims lifts validated token claims into an Actor.
func ActorFromClaims(claims *JWTClaims) Actor {
	if claims == nil {
		return Actor{}
	}
	return Actor{ID: claims.UserID, Role: claims.Role, Kind: ActorUser}
}

// IsStaff reports whether the actor may act on any student.
func (a Actor) IsStaff() bool {
	if a.Kind == ActorSystem {
		return true
	}
	return a.Role == RoleAdmin || a.Role == RoleSuperAdmin || a.Role == RoleStaff
}

// IsZero reports whether no identity was supplied.
func (a Actor) IsZero() bool {
	return a.ID == ""
}
