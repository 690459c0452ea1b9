// ABOUTME: JWT validation for authenticating websocket connections
// ABOUTME: Uses HS256 signing and extracts subject, role and organization claims

package auth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// MinSecretLength is the minimum accepted HMAC secret length in bytes.
const MinSecretLength = 32

// Token errors
var (
	ErrInvalidToken = errors.New("invalid token")
	ErrExpiredToken = errors.New("token expired")
	ErrMissingClaim = errors.New("missing required claim")
	ErrShortSecret  = fmt.Errorf("jwt secret must be at least %d bytes", MinSecretLength)
)

// Identity is what a validated token says about its bearer.
type Identity struct {
	UserID string
	Role   string
	OrgID  string // empty when the token carries no organization
}

// Validator checks a bearer token and returns the identity it carries.
// Any returned error is treated as an authentication failure.
type Validator interface {
	Validate(ctx context.Context, token string) (Identity, error)
}

// ValidatorFunc adapts a function to the Validator interface.
type ValidatorFunc func(ctx context.Context, token string) (Identity, error)

// Validate calls f.
func (f ValidatorFunc) Validate(ctx context.Context, token string) (Identity, error) {
	return f(ctx, token)
}

// ClaimNames configures which JWT claims carry the role and organization.
type ClaimNames struct {
	Role string
	Org  string
}

// DefaultClaimNames are the claim names used when none are configured.
var DefaultClaimNames = ClaimNames{Role: "role", Org: "org_id"}

// JWTValidator implements Validator using HS256 signed JWTs.
type JWTValidator struct {
	secret []byte
	issuer string
	claims ClaimNames
}

// JWTOption configures a JWTValidator.
type JWTOption func(*JWTValidator)

// WithIssuer requires the "iss" claim to equal issuer.
func WithIssuer(issuer string) JWTOption {
	return func(v *JWTValidator) { v.issuer = issuer }
}

// WithClaimNames overrides the role and organization claim names.
func WithClaimNames(names ClaimNames) JWTOption {
	return func(v *JWTValidator) {
		if names.Role != "" {
			v.claims.Role = names.Role
		}
		if names.Org != "" {
			v.claims.Org = names.Org
		}
	}
}

// NewJWTValidator creates a validator for tokens signed with secret.
func NewJWTValidator(secret []byte, opts ...JWTOption) (*JWTValidator, error) {
	if len(secret) < MinSecretLength {
		return nil, ErrShortSecret
	}
	v := &JWTValidator{secret: secret, claims: DefaultClaimNames}
	for _, opt := range opts {
		opt(v)
	}
	return v, nil
}

// Validate verifies the signature and expiry of tokenString and extracts the
// subject, role and organization claims.
func (v *JWTValidator) Validate(_ context.Context, tokenString string) (Identity, error) {
	if tokenString == "" {
		return Identity{}, &AuthError{Reason: ReasonMissing}
	}

	parserOpts := []jwt.ParserOption{jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()})}
	if v.issuer != "" {
		parserOpts = append(parserOpts, jwt.WithIssuer(v.issuer))
	}

	token, err := jwt.Parse(tokenString, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return v.secret, nil
	}, parserOpts...)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return Identity{}, &AuthError{Reason: ReasonExpired, Err: ErrExpiredToken}
		}
		return Identity{}, &AuthError{Reason: ReasonInvalid, Err: fmt.Errorf("%w: %v", ErrInvalidToken, err)}
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok || !token.Valid {
		return Identity{}, &AuthError{Reason: ReasonInvalid, Err: ErrInvalidToken}
	}

	sub, _ := claims["sub"].(string)
	if sub == "" {
		return Identity{}, &AuthError{Reason: ReasonInvalid, Err: fmt.Errorf("%w: sub", ErrMissingClaim)}
	}
	role, _ := claims[v.claims.Role].(string)
	if role == "" {
		return Identity{}, &AuthError{Reason: ReasonInvalid, Err: fmt.Errorf("%w: %s", ErrMissingClaim, v.claims.Role)}
	}
	org, _ := claims[v.claims.Org].(string)

	return Identity{UserID: sub, Role: role, OrgID: org}, nil
}

// Issue signs a token for id that expires after expiresIn, using the
// configured issuer and claim names.
func (v *JWTValidator) Issue(id Identity, expiresIn time.Duration) (string, error) {
	if id.UserID == "" || id.Role == "" {
		return "", fmt.Errorf("%w: subject and role are required", ErrMissingClaim)
	}
	now := time.Now()
	claims := jwt.MapClaims{
		"sub":         id.UserID,
		v.claims.Role: id.Role,
		"iat":         now.Unix(),
		"exp":         now.Add(expiresIn).Unix(),
	}
	if id.OrgID != "" {
		claims[v.claims.Org] = id.OrgID
	}
	if v.issuer != "" {
		claims["iss"] = v.issuer
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(v.secret)
}
