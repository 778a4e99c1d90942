package remote

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

type TokenSource interface {
	Token(ctx context.Context) (string, error)
}

type StaticToken string

func (t StaticToken) Token(context.Context) (string, error) {
	return strings.TrimSpace(string(t)), nil
}

// DeviceClaims identify the device and agent a request is made for.
type DeviceClaims struct {
	jwt.RegisteredClaims
	DeviceID string `json:"deviceId"`
	AgentID  string `json:"agentId,omitempty"`
}

// DeviceTokenSource signs short-lived HS256 tokens with the device secret and
// reuses one until it is close to expiry.
type DeviceTokenSource struct {
	secret   []byte
	deviceID string
	agentID  string
	ttl      time.Duration
	now      func() time.Time

	mu      sync.Mutex
	token   string
	expires time.Time
}

func NewDeviceTokenSource(secret []byte, deviceID, agentID string, ttl time.Duration) (*DeviceTokenSource, error) {
	if len(secret) == 0 {
		return nil, errors.New("device secret is required")
	}
	if strings.TrimSpace(deviceID) == "" {
		return nil, errors.New("device id is required")
	}
	if ttl <= 0 {
		ttl = 15 * time.Minute
	}
	return &DeviceTokenSource{
		secret:   append([]byte(nil), secret...),
		deviceID: strings.TrimSpace(deviceID),
		agentID:  strings.TrimSpace(agentID),
		ttl:      ttl,
		now:      time.Now,
	}, nil
}

func (s *DeviceTokenSource) Token(context.Context) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	if s.token != "" && now.Add(s.ttl/10).Before(s.expires) {
		return s.token, nil
	}
	expires := now.Add(s.ttl)
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, DeviceClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   s.deviceID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expires),
		},
		DeviceID: s.deviceID,
		AgentID:  s.agentID,
	})
	signed, err := token.SignedString(s.secret)
	if err != nil {
		return "", err
	}
	s.token = signed
	s.expires = expires
	return signed, nil
}

// ParseDeviceToken verifies a token produced by DeviceTokenSource.
func ParseDeviceToken(tokenString string, secret []byte) (DeviceClaims, error) {
	claims := DeviceClaims{}
	token, err := jwt.ParseWithClaims(tokenString, &claims, func(t *jwt.Token) (any, error) {
		return secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		return DeviceClaims{}, err
	}
	if !token.Valid {
		return DeviceClaims{}, errors.New("invalid device token")
	}
	return claims, nil
}
