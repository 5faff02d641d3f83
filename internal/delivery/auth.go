package delivery

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// SubscriptionRole distinguishes the two subscription streams spec §6
// names: subscribe_as_responder and subscribe_as_initiator.
type SubscriptionRole string

const (
	RoleResponder SubscriptionRole = "responder"
	RoleInitiator SubscriptionRole = "initiator"
)

// subscriptionClaims are the bearer-token claims authenticating a
// long-lived subscription stream. Distinct from the per-message ed25519
// signatures internal/identity verifies on every intent and response:
// this token only proves "this connection speaks for device X," not
// "this specific message came from device X."
//
// Grounded on the teacher's auth.HelmClaims: jwt.RegisteredClaims plus a
// couple of narrow custom fields, rather than a generic claims map.
type subscriptionClaims struct {
	jwt.RegisteredClaims
	DeviceID string           `json:"device_id"`
	Role     SubscriptionRole `json:"role"`
}

// TokenIssuer mints and validates subscription bearer tokens with a
// single process-wide HMAC secret.
type TokenIssuer struct {
	secret []byte
	ttl    time.Duration
	clock  func() time.Time
}

// NewTokenIssuer builds a TokenIssuer. ttl bounds how long a minted
// token authenticates a subscription stream before the caller must
// reconnect with a fresh one.
func NewTokenIssuer(secret []byte, ttl time.Duration) *TokenIssuer {
	return &TokenIssuer{secret: secret, ttl: ttl, clock: time.Now}
}

// Issue mints a subscription token for deviceID acting in role.
func (i *TokenIssuer) Issue(deviceID string, role SubscriptionRole) (string, error) {
	now := i.clock()
	claims := subscriptionClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   deviceID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(i.ttl)),
		},
		DeviceID: deviceID,
		Role:     role,
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(i.secret)
	if err != nil {
		return "", fmt.Errorf("delivery: sign subscription token: %w", err)
	}
	return signed, nil
}

// Validate parses tokenStr and confirms it authorizes deviceID for role.
func (i *TokenIssuer) Validate(tokenStr, deviceID string, role SubscriptionRole) error {
	claims := &subscriptionClaims{}
	token, err := jwt.ParseWithClaims(tokenStr, claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return i.secret, nil
	})
	if err != nil {
		return fmt.Errorf("delivery: invalid subscription token: %w", err)
	}
	if !token.Valid {
		return fmt.Errorf("delivery: subscription token rejected")
	}
	if claims.DeviceID != deviceID {
		return fmt.Errorf("delivery: subscription token is not bound to device %q", deviceID)
	}
	if claims.Role != role {
		return fmt.Errorf("delivery: subscription token is not valid for role %q", role)
	}
	return nil
}
