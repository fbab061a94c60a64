package obs

import (
	"context"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
)

// routePatternKey is the context key storing matched route pattern.
type routePatternKey struct{}

// WithRoutePattern stores the matched router pattern on the context.
func WithRoutePattern(ctx context.Context, pattern string) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	return context.WithValue(ctx, routePatternKey{}, pattern)
}

// RoutePatternFromContext extracts the route pattern from context if present.
func RoutePatternFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	if v, ok := ctx.Value(routePatternKey{}).(string); ok {
		return v
	}
	return ""
}

// RouteLabel returns a low-cardinality label for the request. The checkout
// entry point multiplexes on the action query parameter, so that action is
// folded into the label.
func RouteLabel(r *http.Request) string {
	route := RoutePatternFromContext(r.Context())
	if route == "" {
		if rc := chi.RouteContext(r.Context()); rc != nil {
			route = rc.RoutePattern()
		}
	}
	if route == "" {
		route = r.URL.Path
		if route != "/" && route != "/index" {
			return "unknown"
		}
	}
	if route == "/" || route == "/index" {
		switch action := strings.ToLower(strings.TrimSpace(r.URL.Query().Get("action"))); action {
		case "create", "success", "cancel", "callback":
			return route + "?action=" + action
		case "":
			return route + "?action=create"
		default:
			return route + "?action=other"
		}
	}
	return route
}
