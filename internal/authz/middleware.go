package authz

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/voxlane/voxlane-access/internal/platform/httpx"
)

// Actor is the identity context supplied by the authenticating collaborator.
// Authentication itself happens upstream; this service only consumes the
// result.
type Actor struct {
	ID             string
	OrganizationID string
}

type actorContextKey struct{}

// Header names under which the upstream gateway forwards identity.
const (
	ActorHeader        = "X-Actor-ID"
	OrganizationHeader = "X-Organization-ID"
)

// ContextWithActor stores the actor on the context.
func ContextWithActor(ctx context.Context, actor Actor) context.Context {
	return context.WithValue(ctx, actorContextKey{}, actor)
}

// ActorFromContext returns the actor stored on the context, if any.
func ActorFromContext(ctx context.Context) (Actor, bool) {
	actor, ok := ctx.Value(actorContextKey{}).(Actor)
	return actor, ok && actor.ID != ""
}

// Middleware wires authorization checks for HTTP handlers.
type Middleware struct {
	Checker Checker
	Logger  *slog.Logger
}

// ActorContext extracts the forwarded identity headers into the request context.
func (m Middleware) ActorContext(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		actor := Actor{
			ID:             strings.TrimSpace(r.Header.Get(ActorHeader)),
			OrganizationID: strings.TrimSpace(r.Header.Get(OrganizationHeader)),
		}
		if actor.ID != "" {
			r = r.WithContext(ContextWithActor(r.Context(), actor))
		}
		next.ServeHTTP(w, r)
	})
}

// RequirePermission ensures the acting user holds the permission. A missing
// actor is a 401; a denial is a 403 naming the unmet permission. Resolver
// errors deny: the decision already fails closed.
func (m Middleware) RequirePermission(permission string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			actor, ok := ActorFromContext(r.Context())
			if !ok {
				httpx.RespondError(w, fmt.Errorf("missing actor identity: %w", httpx.ErrUnauthorized))
				return
			}
			decision, err := m.Checker.Check(r.Context(), CheckRequest{
				UserID:         actor.ID,
				Permission:     permission,
				OrganizationID: actor.OrganizationID,
			})
			if err != nil && m.Logger != nil {
				m.Logger.Error("authorization check", slog.String("permission", permission), slog.Any("error", err))
			}
			if !decision.Granted {
				httpx.RespondError(w, fmt.Errorf("missing permission %s: %w", permission, httpx.ErrForbidden))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
