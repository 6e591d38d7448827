package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeValidator struct {
	tokens map[string]int64
}

func (f *fakeValidator) ValidateToken(tokenID string, userID int64) (bool, error) {
	uid, ok := f.tokens[tokenID]
	return ok && uid == userID, nil
}

func newTestAuth() (*Authenticator, *fakeValidator) {
	v := &fakeValidator{tokens: map[string]int64{"tok-1": 7}}
	return NewAuthenticator([]byte("test-secret"), "relaySession", v), v
}

func TestIssueAndParse(t *testing.T) {
	a, _ := newTestAuth()
	token, err := a.IssueToken(7, "tok-1", time.Hour)
	require.NoError(t, err)

	claims, err := a.ParseToken(token)
	require.NoError(t, err)
	assert.Equal(t, int64(7), claims.UserID)
	assert.Equal(t, "tok-1", claims.ID)
}

func TestParseRejectsWrongSecret(t *testing.T) {
	a, _ := newTestAuth()
	other := NewAuthenticator([]byte("other-secret"), "", nil)
	token, err := other.IssueToken(7, "tok-1", time.Hour)
	require.NoError(t, err)

	_, err = a.ParseToken(token)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestAuthenticateRequestBearer(t *testing.T) {
	a, _ := newTestAuth()
	token, err := a.IssueToken(7, "tok-1", time.Hour)
	require.NoError(t, err)

	r := httptest.NewRequest("GET", "/ws/1", nil)
	r.Header.Set("Authorization", "Bearer "+token)
	uid, err := a.AuthenticateRequest(r)
	require.NoError(t, err)
	assert.Equal(t, int64(7), uid)
}

func TestAuthenticateRequestCookie(t *testing.T) {
	a, _ := newTestAuth()
	token, err := a.IssueToken(7, "tok-1", time.Hour)
	require.NoError(t, err)

	r := httptest.NewRequest("GET", "/ws/1", nil)
	r.AddCookie(&http.Cookie{Name: "relaySession", Value: token})
	uid, err := a.AuthenticateRequest(r)
	require.NoError(t, err)
	assert.Equal(t, int64(7), uid)
}

func TestAuthenticateRequestFailures(t *testing.T) {
	a, v := newTestAuth()

	r := httptest.NewRequest("GET", "/ws/1", nil)
	_, err := a.AuthenticateRequest(r)
	assert.ErrorIs(t, err, ErrNoToken)

	// revoked token fails even with a valid signature
	token, err := a.IssueToken(7, "tok-1", time.Hour)
	require.NoError(t, err)
	delete(v.tokens, "tok-1")
	r = httptest.NewRequest("GET", "/ws/1", nil)
	r.Header.Set("Authorization", "Bearer "+token)
	_, err = a.AuthenticateRequest(r)
	assert.ErrorIs(t, err, ErrInvalidToken)
}
