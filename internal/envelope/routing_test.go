package envelope

import (
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestStaticResolver(t *testing.T) {
	r := httptest.NewRequest(http.MethodPost, "/ingress", nil)

	tenant, err := StaticResolver{Tenant: "acme"}.Resolve(r)
	require.NoError(t, err)
	require.Equal(t, "acme", tenant)

	_, err = StaticResolver{}.Resolve(r)
	require.ErrorIs(t, err, ErrUnresolved)
}

func TestHostResolver(t *testing.T) {
	r := httptest.NewRequest(http.MethodPost, "/ingress", nil)
	r.Host = "acme.flowhost.example.com:8443"

	tenant, err := HostResolver{}.Resolve(r)
	require.NoError(t, err)
	require.Equal(t, "acme", tenant)
}

func TestHostResolver_FallsBackToDefault(t *testing.T) {
	r := httptest.NewRequest(http.MethodPost, "/ingress", nil)
	r.Host = ""

	_, err := HostResolver{}.Resolve(r)
	require.ErrorIs(t, err, ErrUnresolved)

	tenant, err := HostResolver{Default: "fallback"}.Resolve(r)
	require.NoError(t, err)
	require.Equal(t, "fallback", tenant)
}

func TestHeaderResolver(t *testing.T) {
	r := httptest.NewRequest(http.MethodPost, "/ingress", nil)
	r.Header.Set("X-Tenant", "acme")

	tenant, err := HeaderResolver{Header: "X-Tenant"}.Resolve(r)
	require.NoError(t, err)
	require.Equal(t, "acme", tenant)

	r2 := httptest.NewRequest(http.MethodPost, "/ingress", nil)
	_, err = HeaderResolver{Header: "X-Tenant"}.Resolve(r2)
	require.Error(t, err)

	tenant, err = HeaderResolver{Header: "X-Tenant", Default: "fallback"}.Resolve(r2)
	require.NoError(t, err)
	require.Equal(t, "fallback", tenant)
}

func unverifiedJWT(t *testing.T, claims map[string]any) string {
	t.Helper()
	header := base64.RawURLEncoding.EncodeToString([]byte(`{"alg":"none","typ":"JWT"}`))
	body, err := json.Marshal(claims)
	require.NoError(t, err)
	payload := base64.RawURLEncoding.EncodeToString(body)
	return header + "." + payload + ".sig"
}

func TestJWTResolver_ReadsDefaultClaim(t *testing.T) {
	r := httptest.NewRequest(http.MethodPost, "/ingress", nil)
	r.Header.Set("Authorization", "Bearer "+unverifiedJWT(t, map[string]any{"tenant": "acme"}))

	tenant, err := JWTResolver{}.Resolve(r)
	require.NoError(t, err)
	require.Equal(t, "acme", tenant)
}

func TestJWTResolver_ReadsCustomClaim(t *testing.T) {
	r := httptest.NewRequest(http.MethodPost, "/ingress", nil)
	r.Header.Set("Authorization", "Bearer "+unverifiedJWT(t, map[string]any{"org": "acme"}))

	tenant, err := JWTResolver{Claim: "org"}.Resolve(r)
	require.NoError(t, err)
	require.Equal(t, "acme", tenant)
}

func TestJWTResolver_MissingHeaderFallsBackToDefault(t *testing.T) {
	r := httptest.NewRequest(http.MethodPost, "/ingress", nil)

	_, err := JWTResolver{}.Resolve(r)
	require.Error(t, err)

	tenant, err := JWTResolver{Default: "fallback"}.Resolve(r)
	require.NoError(t, err)
	require.Equal(t, "fallback", tenant)
}

func TestJWTResolver_MissingClaimFallsBackToDefault(t *testing.T) {
	r := httptest.NewRequest(http.MethodPost, "/ingress", nil)
	r.Header.Set("Authorization", "Bearer "+unverifiedJWT(t, map[string]any{"other": "x"}))

	_, err := JWTResolver{Default: "fallback"}.Resolve(r)
	require.NoError(t, err)
}
