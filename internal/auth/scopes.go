// Package auth implements scope-based authorization for the gateway.
// Authentication itself happens upstream: a token-validating middleware
// in front of the gateway verifies the caller's token and forwards the
// granted scopes in a trusted header. This package turns that scope set
// plus the loaded profiles into per-request access decisions for
// datasets, tables and fields.
package auth

import (
	"context"
	"net/http"
	"net/url"
	"strings"

	"github.com/datastelsel/dsogateway/internal/schema"
)

// ScopesHeader is the trusted header carrying the verified scope set,
// space separated. Set by the token validator in front of the gateway;
// never accepted from the outside world directly.
const ScopesHeader = "X-Auth-Scopes"

// UserScopes is the per-request authorization context. Constructed once
// when the request enters the pipeline; immutable afterwards.
type UserScopes struct {
	// Granted is the verified scope set of the caller.
	Granted schema.ScopeSet

	// Profiles are the profiles whose scope requirement the caller
	// meets. Whether a profile actually activates for a table also
	// depends on its mandatory filter sets (checked by the Gate).
	Profiles []*Profile

	// QueryParams holds every query-string key present on the request,
	// both as written ("eindtijd[lte]") and with the lookup stripped
	// ("eindtijd"), for mandatory-filter-set matching.
	QueryParams map[string]bool
}

// NewUserScopes builds the request authorization context. profiles is the
// full loaded profile set; only those whose scopes are covered are kept.
func NewUserScopes(granted schema.ScopeSet, profiles []*Profile, query url.Values) UserScopes {
	u := UserScopes{
		Granted:     granted,
		QueryParams: make(map[string]bool, 2*len(query)),
	}
	for key := range query {
		u.QueryParams[key] = true
		if i := strings.IndexByte(key, '['); i > 0 {
			u.QueryParams[key[:i]] = true
		}
	}
	for _, p := range profiles {
		if p.Scopes.SubsetOf(granted) {
			u.Profiles = append(u.Profiles, p)
		}
	}
	return u
}

type contextKey struct{}

// FromContext returns the UserScopes stored by Middleware. Requests that
// bypassed the middleware get an empty (public-only) scope set.
func FromContext(ctx context.Context) UserScopes {
	if u, ok := ctx.Value(contextKey{}).(UserScopes); ok {
		return u
	}
	return UserScopes{QueryParams: map[string]bool{}}
}

// ContextWithUserScopes stores the UserScopes, for handlers and tests.
func ContextWithUserScopes(ctx context.Context, u UserScopes) context.Context {
	return context.WithValue(ctx, contextKey{}, u)
}

// Middleware reads the verified scope header and attaches a UserScopes to
// the request context. profiles is captured at router build time and
// refreshed along with the schema registry by the reload hook.
func Middleware(profiles func() []*Profile) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			granted := schema.NewScopeSet(strings.Fields(r.Header.Get(ScopesHeader))...)
			u := NewUserScopes(granted, profiles(), r.URL.Query())
			next.ServeHTTP(w, r.WithContext(ContextWithUserScopes(r.Context(), u)))
		})
	}
}
