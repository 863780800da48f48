package convoke

import (
	"net/http"
	"strings"
)

// TokenVerifier is the external verification capability consumed by the auth
// stage. Verify returns the principal encoded in the token, or an error when
// the token is invalid. Token encoding internals live outside the core; see
// the jwtverify subpackage for a ready-made implementation.
type TokenVerifier interface {
	Verify(token string) (principal any, err error)
}

// TokenVerifierFunc adapts a function to the TokenVerifier interface.
type TokenVerifierFunc func(token string) (any, error)

func (f TokenVerifierFunc) Verify(token string) (any, error) {
	return f(token)
}

// authStage enforces token verification. Without a configured verifier it is a
// pass-through. Routes registered with IgnoreAuth skip verification entirely;
// the verifier is never consulted for them. Verification failure short-circuits
// with an unauthorized envelope and is never retried.
func (s *Server) authStage(ctx *RequestContext, next Next) *Result {
	if s.verifier == nil || ctx.route.ignoreAuth {
		return next()
	}

	token := bearerToken(ctx.Request)
	if token == "" {
		token = ctx.ArgString("Authorization")
		delete(ctx.Args, "Authorization")
	}
	if token == "" {
		ctx.status = http.StatusForbidden
		return Fail("unauthorized")
	}

	principal, err := s.verifier.Verify(token)
	if err != nil {
		s.logger.Info("token verification failed", "route", ctx.route.name, "error", err)
		ctx.status = http.StatusForbidden
		return Fail("unauthorized")
	}

	ctx.Principal = principal
	ctx.Args["user"] = principal
	return next()
}

func bearerToken(r *http.Request) string {
	authorization := r.Header.Get("Authorization")
	if authorization == "" {
		return ""
	}
	return strings.TrimPrefix(authorization, "Bearer ")
}
