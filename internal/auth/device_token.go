package auth

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const (
	defaultTokenTTL = 30 * time.Minute
	tokenIssuer     = "inkwell-device"
	tokenAudience   = "inkwell-api"
	// refreshMargin forces re-issuing shortly before expiry so an in-flight
	// request never carries a token that lapses mid-call.
	refreshMargin = time.Minute
)

var (
	errMissingSigningSecret = errors.New("signing secret must be provided")
	errMissingDeviceID      = errors.New("device identifier must be provided")
)

// DeviceTokenIssuerConfig configures the outbound request signer.
type DeviceTokenIssuerConfig struct {
	SigningSecret []byte
	DeviceID      string
	TokenTTL      time.Duration
	Clock         func() time.Time
}

// DeviceTokenIssuer signs short-lived HS256 bearer tokens identifying this
// device to the remote document API. Tokens are cached until near expiry.
type DeviceTokenIssuer struct {
	config DeviceTokenIssuerConfig
	clock  func() time.Time

	mu            sync.Mutex
	cachedToken   string
	cachedExpires time.Time
}

// NewDeviceTokenIssuer constructs a DeviceTokenIssuer with sane defaults.
func NewDeviceTokenIssuer(cfg DeviceTokenIssuerConfig) (*DeviceTokenIssuer, error) {
	if len(cfg.SigningSecret) == 0 {
		return nil, errMissingSigningSecret
	}
	if cfg.DeviceID == "" {
		return nil, errMissingDeviceID
	}
	ttl := cfg.TokenTTL
	if ttl <= 0 {
		ttl = defaultTokenTTL
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	return &DeviceTokenIssuer{
		config: DeviceTokenIssuerConfig{
			SigningSecret: cfg.SigningSecret,
			DeviceID:      cfg.DeviceID,
			TokenTTL:      ttl,
			Clock:         clock,
		},
		clock: clock,
	}, nil
}

// BearerToken returns a valid signed token, re-issuing when the cached one is
// close to expiry.
func (issuer *DeviceTokenIssuer) BearerToken() (string, error) {
	issuer.mu.Lock()
	defer issuer.mu.Unlock()

	now := issuer.clock().UTC()
	if issuer.cachedToken != "" && now.Add(refreshMargin).Before(issuer.cachedExpires) {
		return issuer.cachedToken, nil
	}

	expiresAt := now.Add(issuer.config.TokenTTL)
	registered := jwt.RegisteredClaims{
		Subject:   issuer.config.DeviceID,
		Issuer:    tokenIssuer,
		Audience:  []string{tokenAudience},
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(expiresAt),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, registered)
	signed, err := token.SignedString(issuer.config.SigningSecret)
	if err != nil {
		return "", fmt.Errorf("auth: sign device token: %w", err)
	}

	issuer.cachedToken = signed
	issuer.cachedExpires = expiresAt
	return signed, nil
}

// Validate checks a token issued by this device and returns its subject.
// The control API uses it to authenticate loopback callers sharing the secret.
func (issuer *DeviceTokenIssuer) Validate(tokenString string) (string, error) {
	claims := &jwt.RegisteredClaims{}
	_, err := jwt.ParseWithClaims(
		tokenString,
		claims,
		func(token *jwt.Token) (interface{}, error) {
			if token.Method.Alg() != jwt.SigningMethodHS256.Alg() {
				return nil, fmt.Errorf("unexpected signing algorithm: %s", token.Method.Alg())
			}
			return issuer.config.SigningSecret, nil
		},
		jwt.WithAudience(tokenAudience),
		jwt.WithIssuer(tokenIssuer),
		jwt.WithTimeFunc(issuer.clock),
	)
	if err != nil {
		return "", err
	}
	if claims.Subject == "" {
		return "", errMissingDeviceID
	}
	return claims.Subject, nil
}
