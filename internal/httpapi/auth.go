package httpapi

import (
	"errors"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const operatorAudience = "fieldqueue-ops"

const (
	scopeQueueRead  = "queue:read"
	scopeQueueWrite = "queue:write"
)

type authError struct {
	status  int
	code    string
	message string
}

func (e *authError) Error() string {
	return e.message
}

// OperatorClaims are carried by bearer tokens presented to the operator API.
type OperatorClaims struct {
	jwt.RegisteredClaims
	Scopes []string `json:"scopes"`
}

func (c OperatorClaims) hasScope(scope string) bool {
	for _, granted := range c.Scopes {
		if granted == scope {
			return true
		}
	}
	return false
}

// NewOperatorToken signs an HS256 operator token.
func NewOperatorToken(secret []byte, subject string, scopes []string, ttl time.Duration, now time.Time) (string, error) {
	if len(secret) == 0 {
		return "", errors.New("operator secret is required")
	}
	claims := OperatorClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			Audience:  jwt.ClaimStrings{operatorAudience},
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
		Scopes: scopes,
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(secret)
}

func authorizeBearer(authHeader string, secret []byte, requiredScope string, now time.Time) (OperatorClaims, *authError) {
	if !strings.HasPrefix(authHeader, "Bearer ") {
		return OperatorClaims{}, &authError{
			status:  401,
			code:    "unauthorized",
			message: "missing or invalid bearer token",
		}
	}
	raw := strings.TrimSpace(strings.TrimPrefix(authHeader, "Bearer "))

	var claims OperatorClaims
	_, err := jwt.ParseWithClaims(raw, &claims, func(*jwt.Token) (any, error) {
		return secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithAudience(operatorAudience),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(func() time.Time { return now }),
	)
	switch {
	case errors.Is(err, jwt.ErrTokenExpired):
		return OperatorClaims{}, &authError{status: 401, code: "unauthorized", message: "token expired"}
	case errors.Is(err, jwt.ErrTokenInvalidAudience):
		return OperatorClaims{}, &authError{status: 401, code: "unauthorized", message: "invalid aud claim"}
	case err != nil:
		return OperatorClaims{}, &authError{status: 401, code: "unauthorized", message: "invalid bearer token"}
	}

	if len(claims.Scopes) == 0 {
		return OperatorClaims{}, &authError{status: 403, code: "forbidden", message: "no scopes granted"}
	}
	if requiredScope != "" && !claims.hasScope(requiredScope) {
		return OperatorClaims{}, &authError{
			status:  403,
			code:    "forbidden",
			message: "missing required scope: " + requiredScope,
		}
	}
	return claims, nil
}
