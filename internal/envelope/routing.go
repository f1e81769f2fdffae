package envelope

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

// TenantResolver picks the tenant for an inbound request, by host, by a
// header value, by a JWT claim, or a fixed static tenant, depending on
// which concrete implementation a binding configures.
type TenantResolver interface {
	Resolve(r *http.Request) (string, error)
}

// ErrUnresolved indicates no tenant could be determined from the request.
var ErrUnresolved = fmt.Errorf("envelope: unable to resolve tenant")

// StaticResolver always returns a fixed tenant (TENANT_RESOLVER=env, using
// DEFAULT_TENANT).
type StaticResolver struct{ Tenant string }

func (s StaticResolver) Resolve(*http.Request) (string, error) {
	if s.Tenant == "" {
		return "", ErrUnresolved
	}
	return s.Tenant, nil
}

// HostResolver takes the first subdomain label of the Host header
// (TENANT_RESOLVER=host), falling back to Default.
type HostResolver struct{ Default string }

func (h HostResolver) Resolve(r *http.Request) (string, error) {
	host := r.Host
	if idx := strings.IndexByte(host, ':'); idx >= 0 {
		host = host[:idx]
	}
	if host == "" {
		if h.Default == "" {
			return "", ErrUnresolved
		}
		return h.Default, nil
	}
	label := strings.SplitN(host, ".", 2)[0]
	if label == "" {
		if h.Default == "" {
			return "", ErrUnresolved
		}
		return h.Default, nil
	}
	return label, nil
}

// HeaderResolver reads the tenant from a configurable header
// (TENANT_RESOLVER=header), falling back to Default.
type HeaderResolver struct {
	Header  string
	Default string
}

func (h HeaderResolver) Resolve(r *http.Request) (string, error) {
	v := r.Header.Get(h.Header)
	if v == "" {
		if h.Default == "" {
			return "", ErrUnresolved
		}
		return h.Default, nil
	}
	return v, nil
}

// JWTResolver extracts a tenant claim from an "Authorization: Bearer"
// token (TENANT_RESOLVER=jwt). The token is parsed without checking its
// signature, and the ingress handler does not check it either; this
// resolver only reads the claim, matching _examples/original_source's
// decode_jwt_claim.
type JWTResolver struct {
	Claim   string
	Default string
}

func (j JWTResolver) Resolve(r *http.Request) (string, error) {
	auth := r.Header.Get("Authorization")
	token, ok := strings.CutPrefix(auth, "Bearer ")
	if !ok || token == "" {
		if j.Default != "" {
			return j.Default, nil
		}
		return "", fmt.Errorf("envelope: authorization header missing")
	}
	claim := j.Claim
	if claim == "" {
		claim = "tenant"
	}
	parsed, _, err := jwt.NewParser().ParseUnverified(token, jwt.MapClaims{})
	if err != nil {
		if j.Default != "" {
			return j.Default, nil
		}
		return "", fmt.Errorf("envelope: parse jwt: %w", err)
	}
	claims, ok := parsed.Claims.(jwt.MapClaims)
	if !ok {
		if j.Default != "" {
			return j.Default, nil
		}
		return "", fmt.Errorf("envelope: jwt claims not a map")
	}
	v, ok := claims[claim].(string)
	if !ok || v == "" {
		if j.Default != "" {
			return j.Default, nil
		}
		return "", fmt.Errorf("envelope: jwt claim %q missing", claim)
	}
	return v, nil
}
