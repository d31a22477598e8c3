package lti

import (
	"context"
	"net/http"
	"strings"

	"github.com/mattmallon/quickcheck/internal/lti/trust"
	"github.com/mattmallon/quickcheck/pkg/common/logger"
	"github.com/mattmallon/quickcheck/pkg/repositories/accounts"
)

// principal is the account an API token belongs to. Exactly one of
// Instructor and Student is set.
type principal struct {
	Instructor *accounts.Instructor
	Student    *accounts.Student
}

type principalKey struct{}

func principalFrom(ctx context.Context) (principal, bool) {
	p, ok := ctx.Value(principalKey{}).(principal)
	return p, ok
}

// authenticate resolves the bearer API token to an account of one of the
// allowed roles.
func (h *Handler) authenticate(roles ...string) func(http.Handler) http.Handler {
	allow := map[string]bool{}
	for _, r := range roles {
		allow[r] = true
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()
			token := bearerToken(r)
			// The SPA sends the string "null" once its stored token is gone.
			if token == "" || token == "null" {
				h.writeSessionExpired(w)
				return
			}

			var p principal
			var err error
			if allow[trust.RoleInstructor] {
				p.Instructor, err = h.accounts.InstructorByAPIToken(ctx, token)
			}
			if err == nil && p.Instructor == nil && allow[trust.RoleStudent] {
				p.Student, err = h.accounts.StudentByAPIToken(ctx, token)
			}
			if err != nil {
				logger.From(ctx).Error("api auth: token lookup", "error", err)
				writeError(w, http.StatusInternalServerError, msgInternal, nil)
				return
			}
			if p.Instructor == nil && p.Student == nil {
				logger.Audit(ctx, "api token rejected", "path", r.URL.Path)
				h.writeSessionExpired(w)
				return
			}
			next.ServeHTTP(w, r.WithContext(context.WithValue(ctx, principalKey{}, p)))
		})
	}
}

func (h *Handler) writeSessionExpired(w http.ResponseWriter) {
	var extra map[string]any
	if h.cas != nil {
		extra = map[string]any{"casRedirectUrl": h.cas.LoginURL()}
	}
	writeError(w, http.StatusForbidden, msgSessionExpired, extra)
}

func bearerToken(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	if len(auth) < len("Bearer ") || !strings.EqualFold(auth[:len("Bearer ")], "bearer ") {
		return ""
	}
	return strings.TrimSpace(auth[len("Bearer "):])
}
