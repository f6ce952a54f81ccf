package auth

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"example.com/activitylog/internal/domain"
)

var testConfig = Config{Secret: "test-secret", Issuer: "activitylog.test"}

func TestIssueAndParseRoundTrip(t *testing.T) {
	token, err := Issue(testConfig, TokenSpec{
		Subject:   "user-1",
		TenantID:  "org-1",
		Name:      "Pat Homeowner",
		ActorType: domain.ActorHomeowner,
		Scopes:    []string{ScopeActivityRead},
		TTL:       time.Hour,
	})
	require.NoError(t, err)

	claims, err := Parse(token, testConfig)
	require.NoError(t, err)
	require.Equal(t, "user-1", claims.Subject)
	require.True(t, claims.HasScope(ScopeActivityRead))
	require.False(t, claims.HasScope(ScopeActivityWrite))
	require.True(t, claims.IsHomeowner())

	identity := claims.Identity()
	require.Equal(t, "org-1", identity.OrganizationID)
	require.Equal(t, "Pat Homeowner", identity.ActorName)
	require.Equal(t, domain.ActorHomeowner, identity.ActorType)
}

func TestParseRejectsBadTokens(t *testing.T) {
	wrongSecret, err := Issue(Config{Secret: "other", Issuer: testConfig.Issuer}, TokenSpec{Subject: "u", TenantID: "o", TTL: time.Hour})
	require.NoError(t, err)
	_, err = Parse(wrongSecret, testConfig)
	require.ErrorIs(t, err, ErrInvalidToken)

	expired, err := Issue(testConfig, TokenSpec{Subject: "u", TenantID: "o", TTL: -time.Minute})
	require.NoError(t, err)
	_, err = Parse(expired, testConfig)
	require.ErrorIs(t, err, ErrInvalidToken)

	noTenant, err := Issue(testConfig, TokenSpec{Subject: "u", TTL: time.Hour})
	require.NoError(t, err)
	_, err = Parse(noTenant, testConfig)
	require.ErrorIs(t, err, ErrInvalidToken)

	_, err = Parse("   ", testConfig)
	require.ErrorIs(t, err, ErrMissingToken)
}

func TestDefaultIdentityIsTeamMember(t *testing.T) {
	claims := &Claims{Subject: "u", TenantID: "o"}
	require.Equal(t, domain.ActorTeamMember, claims.Identity().ActorType)
	require.False(t, claims.IsHomeowner())
}

func TestIdentityFromContext(t *testing.T) {
	_, ok := IdentityFrom(context.Background())
	require.False(t, ok)

	ctx := WithClaims(context.Background(), &Claims{Subject: "user-7", TenantID: "org-2", Name: "Sam"})
	identity, ok := IdentityFrom(ctx)
	require.True(t, ok)
	require.Equal(t, domain.Identity{OrganizationID: "org-2", ActorID: "user-7", ActorType: domain.ActorTeamMember, ActorName: "Sam"}, identity)
}

func TestMiddleware(t *testing.T) {
	var seen *Claims
	handler := NewMiddleware(testConfig).Wrap(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen, _ = FromContext(r.Context())
		w.WriteHeader(http.StatusNoContent)
	}))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/activity/recent", nil))
	require.Equal(t, http.StatusUnauthorized, rec.Code)
	require.Contains(t, rec.Body.String(), "unauthorized")

	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	require.Equal(t, http.StatusNoContent, rec.Code)
	require.Nil(t, seen)

	token, err := Issue(testConfig, TokenSpec{Subject: "u", TenantID: "o", Scopes: []string{ScopeActivityWrite}, TTL: time.Hour})
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodGet, "/activity/recent", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	require.Equal(t, http.StatusNoContent, rec.Code)
	require.NotNil(t, seen)
	require.Equal(t, "o", seen.TenantID)
}
