package token

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"authgate/internal/credential"
)

const defaultAccessTTL = 15 * time.Minute

// refreshTokenBytes gives 256 bits of entropy, comfortably above the floor
// that justifies fast hashing for storage lookups.
const refreshTokenBytes = 32

var ErrInvalidAccessToken = errors.New("invalid access token")

// Claims is the contract downstream verifiers rely on.
type Claims struct {
	AccountID  string
	TenantID   string
	TenantCode string
	Roles      []string
	IssuedAt   time.Time
	ExpiresAt  time.Time
}

// Issuer mints short-lived signed access tokens and opaque refresh tokens.
type Issuer struct {
	secret    []byte
	issuer    string
	audience  string
	accessTTL time.Duration
	now       func() time.Time
}

func NewIssuer(secret, issuer, audience string, accessTTL time.Duration) *Issuer {
	if accessTTL <= 0 {
		accessTTL = defaultAccessTTL
	}
	return &Issuer{
		secret:    []byte(secret),
		issuer:    issuer,
		audience:  audience,
		accessTTL: accessTTL,
		now:       time.Now,
	}
}

// WithClock overrides the time source, used by tests.
func (i *Issuer) WithClock(now func() time.Time) *Issuer {
	i.now = now
	return i
}

// AccessTTL reports the configured access-token lifetime.
func (i *Issuer) AccessTTL() time.Duration {
	return i.accessTTL
}

// IssueAccess signs an HS256 access token for the account. expiresIn is the
// lifetime in seconds, handed back to clients alongside the token.
func (i *Issuer) IssueAccess(accountID, tenantID, tenantCode string, roles []string) (encoded string, expiresIn int64, err error) {
	now := i.now().UTC()
	claims := jwt.MapClaims{
		"sub": accountID,
		"tid": tenantID,
		"app": tenantCode,
		"iat": now.Unix(),
		"exp": now.Add(i.accessTTL).Unix(),
		"typ": "access",
	}
	if i.issuer != "" {
		claims["iss"] = i.issuer
	}
	if i.audience != "" {
		claims["aud"] = i.audience
	}
	if len(roles) > 0 {
		claims["roles"] = roles
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	encoded, err = token.SignedString(i.secret)
	if err != nil {
		return "", 0, fmt.Errorf("sign jwt: %w", err)
	}

	return encoded, int64(i.accessTTL.Seconds()), nil
}

// VerifyAccess parses and validates an access token and returns its claims.
func (i *Issuer) VerifyAccess(encoded string) (Claims, error) {
	claims := jwt.MapClaims{}
	parserOpts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(i.now),
	}
	if i.issuer != "" {
		parserOpts = append(parserOpts, jwt.WithIssuer(i.issuer))
	}
	if i.audience != "" {
		parserOpts = append(parserOpts, jwt.WithAudience(i.audience))
	}

	parsed, err := jwt.ParseWithClaims(encoded, claims, func(*jwt.Token) (any, error) {
		return i.secret, nil
	}, parserOpts...)
	if err != nil || !parsed.Valid {
		return Claims{}, ErrInvalidAccessToken
	}
	if tokenType, _ := claims["typ"].(string); tokenType != "access" {
		return Claims{}, ErrInvalidAccessToken
	}

	out := Claims{}
	out.AccountID, _ = claims["sub"].(string)
	out.TenantID, _ = claims["tid"].(string)
	out.TenantCode, _ = claims["app"].(string)
	if iat, ok := claims["iat"].(float64); ok {
		out.IssuedAt = time.Unix(int64(iat), 0).UTC()
	}
	if exp, ok := claims["exp"].(float64); ok {
		out.ExpiresAt = time.Unix(int64(exp), 0).UTC()
	}
	if rawRoles, ok := claims["roles"].([]any); ok {
		for _, raw := range rawRoles {
			if role, ok := raw.(string); ok {
				out.Roles = append(out.Roles, role)
			}
		}
	}
	if out.AccountID == "" {
		return Claims{}, ErrInvalidAccessToken
	}

	return out, nil
}

// NewRefreshToken generates a high-entropy opaque refresh token. The raw
// value goes to the client exactly once; only the hash is stored.
func (i *Issuer) NewRefreshToken() (raw, hash string, err error) {
	return credential.NewToken(refreshTokenBytes)
}
