package rpc

import (
	"net/http"
	"testing"
	"time"

	jwt "github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/require"
)

func requestWithToken(t *testing.T, token string) *http.Request {
	t.Helper()
	req, err := http.NewRequest(http.MethodPost, "http://localhost/", nil)
	require.NoError(t, err)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	return req
}

func TestAuthenticateAcceptsIssuedToken(t *testing.T) {
	auth := NewAuthenticator(AuthConfig{Secret: testSecret, Issuer: testIssuer, Audience: testAudience})
	claims, rpcErr := auth.Authenticate(requestWithToken(t, tokenFor(t, testBuyer, ScopeOperator)))
	require.Nil(t, rpcErr)
	require.Equal(t, testBuyer, claims.Subject)
	require.True(t, claims.HasScope(ScopeOperator))
	require.False(t, claims.HasScope("escrow:admin"))
}

func TestAuthenticateRejections(t *testing.T) {
	auth := NewAuthenticator(AuthConfig{Secret: testSecret, Issuer: testIssuer, Audience: testAudience})

	wrongIssuer, err := IssueToken(testSecret, "someone-else", testAudience, addr(testBuyer), nil, time.Minute)
	require.NoError(t, err)
	wrongAudience, err := IssueToken(testSecret, testIssuer, "other", addr(testBuyer), nil, time.Minute)
	require.NoError(t, err)
	wrongSecret, err := IssueToken("not-the-secret", testIssuer, testAudience, addr(testBuyer), nil, time.Minute)
	require.NoError(t, err)

	expired := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Subject:   addr(testBuyer),
		Issuer:    testIssuer,
		Audience:  jwt.ClaimStrings{testAudience},
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(-time.Hour)),
	})
	expiredToken, err := expired.SignedString([]byte(testSecret))
	require.NoError(t, err)

	noExpiry := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Subject:  addr(testBuyer),
		Issuer:   testIssuer,
		Audience: jwt.ClaimStrings{testAudience},
	})
	noExpiryToken, err := noExpiry.SignedString([]byte(testSecret))
	require.NoError(t, err)

	badSubject := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Subject:   "not-an-address",
		Issuer:    testIssuer,
		Audience:  jwt.ClaimStrings{testAudience},
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	})
	badSubjectToken, err := badSubject.SignedString([]byte(testSecret))
	require.NoError(t, err)

	cases := map[string]string{
		"missing":        "",
		"malformed":      "abc.def",
		"wrong issuer":   wrongIssuer,
		"wrong audience": wrongAudience,
		"wrong secret":   wrongSecret,
		"expired":        expiredToken,
		"no expiry":      noExpiryToken,
		"bad subject":    badSubjectToken,
	}
	for name, token := range cases {
		t.Run(name, func(t *testing.T) {
			claims, rpcErr := auth.Authenticate(requestWithToken(t, token))
			require.Nil(t, claims)
			require.NotNil(t, rpcErr)
			require.Equal(t, codeUnauthorized, rpcErr.Code)
		})
	}
}

func TestAuthenticateWithoutSecretRejectsEverything(t *testing.T) {
	auth := NewAuthenticator(AuthConfig{})
	_, rpcErr := auth.Authenticate(requestWithToken(t, tokenFor(t, testBuyer)))
	require.NotNil(t, rpcErr)
	require.Equal(t, "authentication not configured", rpcErr.Message)
}

func TestIssueTokenValidation(t *testing.T) {
	_, err := IssueToken("", testIssuer, testAudience, addr(testBuyer), nil, time.Minute)
	require.Error(t, err)
	_, err = IssueToken(testSecret, testIssuer, testAudience, "nope", nil, time.Minute)
	require.Error(t, err)
}

func TestExtractBearer(t *testing.T) {
	require.Equal(t, "tok", extractBearer("Bearer tok"))
	require.Equal(t, "tok", extractBearer("bearer  tok "))
	require.Empty(t, extractBearer("Basic tok"))
	require.Empty(t, extractBearer("tok"))
}

func TestResolveCaller(t *testing.T) {
	ctx := withClaims(requestWithToken(t, "").Context(), &Claims{Subject: testBuyer})

	caller, rpcErr := resolveCaller(ctx, "")
	require.Nil(t, rpcErr)
	require.Equal(t, testBuyer, caller)

	caller, rpcErr = resolveCaller(ctx, addr(testBuyer))
	require.Nil(t, rpcErr)
	require.Equal(t, testBuyer, caller)

	_, rpcErr = resolveCaller(ctx, addr(testSeller))
	require.NotNil(t, rpcErr)

	_, rpcErr = resolveCaller(requestWithToken(t, "").Context(), "")
	require.NotNil(t, rpcErr)
}
