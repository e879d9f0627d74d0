package access

import (
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v4"
	"github.com/gorilla/mux"

	"github.com/trellis-data/trellis/core/logger"
)

// JwtMiddlewareBuilder is a helper builder for the JWT middleware
type JwtMiddlewareBuilder struct {
	// Key is the HMAC signing key shared with the token issuer
	Key []byte
	// Issuer is the accepted issuer for the token. Optional.
	Issuer string
}

type identityClaims struct {
	Site  string `json:"site"`
	Admin bool   `json:"admin"`
	jwt.RegisteredClaims
}

// NewJwtMiddleware returns a middleware handler that validates JWT bearer
// tokens and adds the contained identity to the request context.
//
// Tokens are accepted as "Authorization: Bearer" header. Token issuance is
// an external concern; the middleware only verifies signature, expiry and
// issuer. Requests without a token pass through without an identity;
// requests with an invalid token are rejected.
func NewJwtMiddleware(jmb *JwtMiddlewareBuilder) mux.MiddlewareFunc {
	return func(h http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			header := r.Header.Get("Authorization")
			if !strings.HasPrefix(header, "Bearer ") {
				h.ServeHTTP(w, r)
				return
			}
			tokenString := strings.TrimPrefix(header, "Bearer ")

			claims := identityClaims{}
			token, err := jwt.ParseWithClaims(tokenString, &claims,
				func(token *jwt.Token) (interface{}, error) {
					if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
						return nil, jwt.ErrSignatureInvalid
					}
					return jmb.Key, nil
				})
			if err != nil || !token.Valid {
				logger.FromContext(r.Context()).WithError(err).Debugln("rejecting bearer token")
				http.Error(w, "invalid token", http.StatusUnauthorized)
				return
			}
			if jmb.Issuer != "" && claims.Issuer != jmb.Issuer {
				http.Error(w, "invalid token issuer", http.StatusUnauthorized)
				return
			}

			identity := Identity{
				Subject: claims.Subject,
				Site:    claims.Site,
				Admin:   claims.Admin,
			}
			ctx, _ := logger.ContextWithLoggerIdentity(r.Context(), identity.Subject)
			ctx = identity.ContextWithIdentity(ctx)
			h.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}
