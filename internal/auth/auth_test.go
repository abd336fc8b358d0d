package auth

import (
	"context"
	"errors"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"courier/internal/testutil"
	"courier/pkg/interfaces"
	"courier/pkg/types"
)

const testSecret = "test-secret-that-is-long-enough"

func newVerifier(t *testing.T, users interfaces.UserDirectory) *Verifier {
	t.Helper()
	v, err := NewVerifier(testSecret, "courier", users, nil)
	require.NoError(t, err)
	return v
}

func newIssuer(t *testing.T) *Issuer {
	t.Helper()
	i, err := NewIssuer(testSecret, "courier")
	require.NoError(t, err)
	return i
}

func TestVerifier_ValidToken(t *testing.T) {
	users := &testutil.MockStore{}
	users.On("GetUser", mock.Anything, "alice").
		Return(&types.User{ID: "alice", DisplayName: "Alice"}, nil).Once()

	token, err := newIssuer(t).GenerateToken("alice", "Alice", time.Hour)
	require.NoError(t, err)

	principal, err := newVerifier(t, users).Verify(context.Background(), token)
	require.NoError(t, err)
	assert.Equal(t, types.Principal{ID: "alice", DisplayName: "Alice"}, principal)
	users.AssertExpectations(t)
}

func TestVerifier_Rejections(t *testing.T) {
	issuer := newIssuer(t)
	valid, err := issuer.GenerateToken("alice", "", time.Hour)
	require.NoError(t, err)

	expired, err := issuer.GenerateToken("alice", "", -time.Minute)
	require.NoError(t, err)

	other, err := NewIssuer("a-different-secret", "courier")
	require.NoError(t, err)
	forged, err := other.GenerateToken("alice", "", time.Hour)
	require.NoError(t, err)

	wrongIssuer, err := NewIssuer(testSecret, "someone-else")
	require.NoError(t, err)
	foreign, err := wrongIssuer.GenerateToken("alice", "", time.Hour)
	require.NoError(t, err)

	noExpiry, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Subject: "alice",
		Issuer:  "courier",
	}).SignedString([]byte(testSecret))
	require.NoError(t, err)

	badSubject, err := issuer.GenerateToken("alice smith", "", time.Hour)
	require.NoError(t, err)

	tests := []struct {
		name    string
		token   string
		wantErr error
	}{
		{"missing token", "", ErrMissingToken},
		{"garbage", "not-a-jwt", ErrInvalidToken},
		{"tampered", valid + "x", ErrInvalidToken},
		{"expired", expired, ErrInvalidToken},
		{"wrong secret", forged, ErrInvalidToken},
		{"wrong issuer", foreign, ErrInvalidToken},
		{"no expiry", noExpiry, ErrInvalidToken},
		{"malformed subject", badSubject, ErrInvalidToken},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			users := &testutil.MockStore{}
			_, err := newVerifier(t, users).Verify(context.Background(), tt.token)
			require.ErrorIs(t, err, tt.wantErr)
			assert.ErrorIs(t, err, types.ErrAuth)
			users.AssertNotCalled(t, "GetUser", mock.Anything, mock.Anything)
		})
	}
}

func TestVerifier_UnknownIdentity(t *testing.T) {
	users := &testutil.MockStore{}
	users.On("GetUser", mock.Anything, "ghost").Return(nil, interfaces.ErrUserNotFound)

	token, err := newIssuer(t).GenerateToken("ghost", "", time.Hour)
	require.NoError(t, err)

	_, err = newVerifier(t, users).Verify(context.Background(), token)
	assert.ErrorIs(t, err, ErrUnknownIdentity)
	assert.ErrorIs(t, err, types.ErrAuth)
}

func TestVerifier_DirectoryFailureIsAuthError(t *testing.T) {
	users := &testutil.MockStore{}
	users.On("GetUser", mock.Anything, "alice").Return(nil, errors.New("disk on fire"))

	token, err := newIssuer(t).GenerateToken("alice", "", time.Hour)
	require.NoError(t, err)

	_, err = newVerifier(t, users).Verify(context.Background(), token)
	require.ErrorIs(t, err, types.ErrAuth)
	assert.NotContains(t, err.Error(), "disk on fire")
}

func TestConstructorsRejectEmptySecret(t *testing.T) {
	_, err := NewIssuer("", "courier")
	assert.ErrorIs(t, err, ErrEmptySecret)

	_, err = NewVerifier("", "courier", testutil.NewMemoryStore(), nil)
	assert.ErrorIs(t, err, ErrEmptySecret)

	_, err = NewVerifier(testSecret, "courier", nil, nil)
	assert.Error(t, err)
}

func TestGenerateToken_RequiresUserID(t *testing.T) {
	_, err := newIssuer(t).GenerateToken("", "", time.Hour)
	assert.ErrorIs(t, err, ErrMissingUserID)
}

func TestTokenFromRequest(t *testing.T) {
	r := httptest.NewRequest("GET", "/ws?token=from-query", nil)
	assert.Equal(t, "from-query", TokenFromRequest(r))

	r.Header.Set("Authorization", "Bearer from-header")
	assert.Equal(t, "from-header", TokenFromRequest(r))

	r = httptest.NewRequest("GET", "/ws", nil)
	r.Header.Set("Authorization", "Basic abc")
	assert.Empty(t, TokenFromRequest(r))
}
