// Package auth validates HS256 bearer tokens and maps their claims onto the
// caller identity used when writing events.
package auth

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"example.com/activitylog/internal/domain"
)

// Config holds signer verification parameters.
type Config struct {
	Secret string
	Issuer string
}

// Claims represents the payload extracted from a JWT.
type Claims struct {
	Subject   string
	TenantID  string
	Name      string
	ActorType domain.ActorType
	Scopes    map[string]struct{}
	ExpiresAt time.Time
}

// ErrMissingToken is returned when the Authorization header is absent.
var ErrMissingToken = errors.New("missing bearer token")

// ErrInvalidToken wraps parsing/validation errors.
var ErrInvalidToken = errors.New("invalid bearer token")

// Parse validates a JWT and returns normalized claims.
func Parse(token string, cfg Config) (*Claims, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return nil, ErrMissingToken
	}

	opts := []jwt.ParserOption{jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Name})}
	if cfg.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(cfg.Issuer))
	}
	parsed, err := jwt.Parse(token, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return []byte(cfg.Secret), nil
	}, opts...)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	claims, ok := parsed.Claims.(jwt.MapClaims)
	if !ok || !parsed.Valid {
		return nil, ErrInvalidToken
	}

	subject, _ := claims["sub"].(string)
	tenantID, _ := claims["tenant_id"].(string)
	if subject == "" || tenantID == "" {
		return nil, ErrInvalidToken
	}
	name, _ := claims["name"].(string)
	actorType := domain.ActorType(stringClaim(claims, "actor_type"))
	if actorType != "" && !actorType.Valid() {
		return nil, fmt.Errorf("%w: unknown actor_type %q", ErrInvalidToken, actorType)
	}

	out := &Claims{
		Subject:   subject,
		TenantID:  tenantID,
		Name:      name,
		ActorType: actorType,
		Scopes:    normalizeScopes(claims["scopes"]),
	}
	exp, err := claims.GetExpirationTime()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if exp != nil {
		out.ExpiresAt = exp.Time
	}
	return out, nil
}

func stringClaim(claims jwt.MapClaims, key string) string {
	v, _ := claims[key].(string)
	return strings.TrimSpace(v)
}

func normalizeScopes(value interface{}) map[string]struct{} {
	out := make(map[string]struct{})
	switch v := value.(type) {
	case []interface{}:
		for _, item := range v {
			if str, ok := item.(string); ok && str != "" {
				out[str] = struct{}{}
			}
		}
	case []string:
		for _, str := range v {
			if str != "" {
				out[str] = struct{}{}
			}
		}
	case string:
		for _, str := range strings.Fields(v) {
			out[str] = struct{}{}
		}
	}
	return out
}

// HasScope reports whether the claim set includes the provided scope.
func (c *Claims) HasScope(scope string) bool {
	if c == nil {
		return false
	}
	_, ok := c.Scopes[scope]
	return ok
}

// IsHomeowner reports whether the caller is a homeowner rather than staff.
func (c *Claims) IsHomeowner() bool {
	return c != nil && c.ActorType == domain.ActorHomeowner
}

// Identity maps the claims onto the writer identity.
func (c *Claims) Identity() domain.Identity {
	actorType := c.ActorType
	if actorType == "" {
		actorType = domain.ActorTeamMember
	}
	return domain.Identity{
		OrganizationID: c.TenantID,
		ActorID:        c.Subject,
		ActorType:      actorType,
		ActorName:      c.Name,
	}
}

// TokenSpec describes a token to mint with Issue.
type TokenSpec struct {
	Subject   string
	TenantID  string
	Name      string
	ActorType domain.ActorType
	Scopes    []string
	TTL       time.Duration
}

// Issue signs an HS256 token carrying the claims Parse understands.
func Issue(cfg Config, spec TokenSpec) (string, error) {
	now := time.Now()
	claims := jwt.MapClaims{
		"sub":       spec.Subject,
		"tenant_id": spec.TenantID,
		"scopes":    strings.Join(spec.Scopes, " "),
		"iat":       now.Unix(),
	}
	if spec.TTL > 0 {
		claims["exp"] = now.Add(spec.TTL).Unix()
	}
	if cfg.Issuer != "" {
		claims["iss"] = cfg.Issuer
	}
	if spec.Name != "" {
		claims["name"] = spec.Name
	}
	if spec.ActorType != "" {
		claims["actor_type"] = string(spec.ActorType)
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(cfg.Secret))
}
