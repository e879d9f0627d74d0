/*Package access provides the acting identity and the permission gate.

An Identity is added to a request context by authentication middleware and
retrieved with IdentityFromContext. The Gate decides, per field and per
action, whether an identity may see or act on a field of a project.
*/
package access

import (
	"context"
)

type contextKey string

const contextKeyIdentity contextKey = "_identity_"

// Identity describes the acting caller of a request
type Identity struct {
	// Subject is the stable identifier of the caller
	Subject string `json:"subject"`
	// Site is the site the caller belongs to; site-restricted records of
	// other sites are invisible by default
	Site string `json:"site"`
	// Admin identities pass all field permission checks
	Admin bool `json:"admin,omitempty"`
}

// ContextWithIdentity returns a new context with this identity added to it
func (id Identity) ContextWithIdentity(ctx context.Context) context.Context {
	return context.WithValue(ctx, contextKeyIdentity, id)
}

// IdentityFromContext retrieves the identity from the context. An
// unauthenticated request yields the zero identity, which holds no
// grants.
func IdentityFromContext(ctx context.Context) Identity {
	id, _ := ctx.Value(contextKeyIdentity).(Identity)
	return id
}
