/*
auth.go - Actor resolution from bearer tokens

PURPOSE:
  Every /api route except the scenario loader runs as an Actor. The
  middleware verifies an HS256 JWT from the Authorization header, takes
  the utorid from the "sub" claim, and loads the user so that role and
  suspicious flag always come from the store, never from the token.

FLOW:
  Authorization: Bearer <jwt>
    -> verify signature and expiry
    -> users.GetUser(sub)
    -> context carries loyalty.Actor

  Missing or invalid token: 401. Unknown subject: 401.

SEE ALSO:
  - server.go: Mounts Authenticate on the /api group
*/
package api

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/warp/loyalty-ledger/loyalty"
	"go.uber.org/zap"
)

type actorKey struct{}

// Authenticator resolves the calling Actor for each request.
type Authenticator struct {
	secret []byte
	users  loyalty.UserStore
	log    *zap.Logger
}

func NewAuthenticator(secret []byte, users loyalty.UserStore, log *zap.Logger) *Authenticator {
	return &Authenticator{secret: secret, users: users, log: log}
}

// IssueToken signs a token for utorid. Login is handled elsewhere; this is
// used by tests and the demo scenario loader.
func IssueToken(secret []byte, utorid string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := jwt.RegisteredClaims{
		Subject:   utorid,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(secret)
}

// Authenticate is chi middleware that rejects requests without a valid token.
func (a *Authenticator) Authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		raw, ok := strings.CutPrefix(header, "Bearer ")
		if !ok || raw == "" {
			writeError(w, http.StatusUnauthorized, "missing bearer token", nil)
			return
		}

		utorid, err := a.subject(raw)
		if err != nil {
			a.log.Debug("token rejected", zap.Error(err))
			writeError(w, http.StatusUnauthorized, "invalid token", err)
			return
		}

		u, err := a.users.GetUser(r.Context(), utorid)
		if err != nil {
			if errors.Is(err, loyalty.ErrUserNotFound) {
				writeError(w, http.StatusUnauthorized, "unknown user", nil)
				return
			}
			writeError(w, http.StatusInternalServerError, "failed to resolve user", err)
			return
		}

		ctx := context.WithValue(r.Context(), actorKey{}, loyalty.ActorFor(u))
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (a *Authenticator) subject(raw string) (string, error) {
	var claims jwt.RegisteredClaims
	tok, err := jwt.ParseWithClaims(raw, &claims, func(t *jwt.Token) (interface{}, error) {
		return a.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		return "", err
	}
	if !tok.Valid || claims.Subject == "" {
		return "", errors.New("token has no subject")
	}
	return claims.Subject, nil
}

// ActorFrom returns the Actor stored by Authenticate.
func ActorFrom(ctx context.Context) (loyalty.Actor, bool) {
	actor, ok := ctx.Value(actorKey{}).(loyalty.Actor)
	return actor, ok
}
