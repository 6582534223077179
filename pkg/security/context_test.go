package security

import (
	"context"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTokenRoundTrip(t *testing.T) {
	parser := NewTokenParser("secret", "analytics")

	token, err := parser.Sign(Context{UserID: "u-1", TenantID: "t-1"}, jwt.RegisteredClaims{
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	})
	require.NoError(t, err)

	sc, err := parser.ParseHeader("Bearer " + token)
	require.NoError(t, err)
	assert.Equal(t, Context{UserID: "u-1", TenantID: "t-1"}, sc)
}

func TestParseHeaderRejectsMissingAndForeignTokens(t *testing.T) {
	parser := NewTokenParser("secret", "")

	_, err := parser.ParseHeader("")
	assert.ErrorIs(t, err, ErrMissingToken)

	other := NewTokenParser("other-secret", "")
	token, err := other.Sign(Context{UserID: "u-1"}, jwt.RegisteredClaims{})
	require.NoError(t, err)

	_, err = parser.ParseHeader("Bearer " + token)
	assert.Error(t, err)
}

func TestContextHelpers(t *testing.T) {
	assert.True(t, Context{}.Anonymous())
	assert.False(t, System().Anonymous())
	assert.Equal(t, "system", System().ScopeKey())
	assert.NotEqual(t, Context{TenantID: "a"}.ScopeKey(), Context{TenantID: "b"}.ScopeKey())

	ctx := WithContext(context.Background(), Context{UserID: "u"})
	sc, ok := FromContext(ctx)
	require.True(t, ok)
	assert.Equal(t, "u", sc.UserID)
}
