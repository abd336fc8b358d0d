package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"courier/pkg/interfaces"
	"courier/pkg/types"
)

var (
	ErrMissingToken    = fmt.Errorf("%w: missing token", types.ErrAuth)
	ErrInvalidToken    = fmt.Errorf("%w: invalid or expired token", types.ErrAuth)
	ErrUnknownIdentity = fmt.Errorf("%w: no matching identity", types.ErrAuth)
)

// Verifier resolves a bearer token into a Principal.
// FUNCTIONAL DISCOVERY: A cryptographically valid token is not enough; the subject
// must still exist in the user directory, otherwise the connection is refused
type Verifier struct {
	secret []byte
	issuer string
	users  interfaces.UserDirectory
	log    *slog.Logger
	now    func() time.Time
}

// NewVerifier creates a verifier backed by users
func NewVerifier(secret, issuer string, users interfaces.UserDirectory, log *slog.Logger) (*Verifier, error) {
	if secret == "" {
		return nil, ErrEmptySecret
	}
	if users == nil {
		return nil, errors.New("user directory cannot be nil")
	}
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}
	return &Verifier{secret: []byte(secret), issuer: issuer, users: users, log: log, now: time.Now}, nil
}

// Verify implements interfaces.IdentityProvider.
func (v *Verifier) Verify(ctx context.Context, token string) (types.Principal, error) {
	if token == "" {
		return types.Principal{}, ErrMissingToken
	}

	claims := &Claims{}
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(v.now),
	}
	if v.issuer != "" {
		opts = append(opts, jwt.WithIssuer(v.issuer))
	}

	parsed, err := jwt.ParseWithClaims(token, claims, func(*jwt.Token) (any, error) {
		return v.secret, nil
	}, opts...)
	if err != nil || !parsed.Valid {
		v.log.Debug("token rejected", "error", err)
		return types.Principal{}, ErrInvalidToken
	}

	subject, err := claims.GetSubject()
	if err != nil || !types.IsValidIdentityID(subject) {
		return types.Principal{}, ErrInvalidToken
	}

	user, err := v.users.GetUser(ctx, subject)
	if err != nil {
		if errors.Is(err, interfaces.ErrUserNotFound) {
			return types.Principal{}, ErrUnknownIdentity
		}
		// TECHNICAL DISCOVERY: Directory outages still refuse the connection;
		// the detail stays in the log
		v.log.Error("user directory lookup failed", "identity", subject, "error", err)
		return types.Principal{}, fmt.Errorf("%w: identity lookup failed", types.ErrAuth)
	}

	return user.Principal(), nil
}

// TokenFromRequest extracts a credential from the Authorization bearer header,
// falling back to the token query parameter used by browser websocket clients.
func TokenFromRequest(r *http.Request) string {
	if header := r.Header.Get("Authorization"); header != "" {
		if token, ok := strings.CutPrefix(header, "Bearer "); ok {
			return strings.TrimSpace(token)
		}
	}
	return r.URL.Query().Get("token")
}
