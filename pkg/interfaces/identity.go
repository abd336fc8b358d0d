package interfaces

import (
	"context"

	"courier/pkg/types"
)

// IdentityProvider resolves a credential token into a verified Principal.
// Every failure wraps types.ErrAuth.
type IdentityProvider interface {
	Verify(ctx context.Context, token string) (types.Principal, error)
}
