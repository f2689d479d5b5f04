// pkg/middleware/tenant.go
package middleware

import (
	"context"
	"errors"
	"net/http"
	"net/url"

	"ledgerlink/pkg/credentials"
	"ledgerlink/pkg/problems"
)

type ctxTenantKey struct{}

// WithTenant resolves the calling tenant from the request and stores its
// credential record in the context. Integrations disagree on where the
// identifier travels, so several locations are tried in order: the
// X-Company-Domain header, the company_domain query parameter, then the
// Referer host for requests issued from an embedded CRM panel.
func WithTenant(resolver *credentials.Resolver, need credentials.Provider) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			var identifier string
			for _, candidate := range []string{
				r.Header.Get("X-Company-Domain"),
				r.URL.Query().Get("company_domain"),
				refererHost(r),
			} {
				if candidate != "" {
					identifier = candidate
					break
				}
			}
			if identifier == "" {
				problems.Write(w, http.StatusBadRequest, "missing-tenant", "no company domain on request")
				return
			}
			rec, err := resolver.Resolve(r.Context(), identifier, need)
			if err != nil {
				status := http.StatusNotFound
				if errors.Is(err, credentials.ErrNotConnected) {
					status = http.StatusConflict
				}
				problems.Write(w, status, "unknown-tenant", "no connected account for "+identifier)
				return
			}
			ctx := context.WithValue(r.Context(), ctxTenantKey{}, rec)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func refererHost(r *http.Request) string {
	ref := r.Header.Get("Referer")
	if ref == "" {
		return ""
	}
	u, err := url.Parse(ref)
	if err != nil {
		return ""
	}
	return u.Hostname()
}

func TenantFrom(ctx context.Context) credentials.Record {
	if v, ok := ctx.Value(ctxTenantKey{}).(credentials.Record); ok {
		return v
	}
	return credentials.Record{}
}
