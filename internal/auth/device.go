// Package auth signs and verifies the device tokens the relay presents to
// the collector.
package auth

import (
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const issuer = "nudge-engine"

var (
	ErrTokenInvalid = errors.New("device token invalid")
	ErrTokenExpired = errors.New("device token expired")
	ErrMissingKey   = errors.New("signing key is empty")
)

// DeviceClaims identifies the device and user behind a sync connection.
type DeviceClaims struct {
	UserID   string
	DeviceID string
	Exp      time.Time
}

type deviceClaims struct {
	UserID string `json:"uid"`
	jwt.RegisteredClaims
}

// HS256 signs and verifies device tokens with a shared secret.
type HS256 struct {
	secret []byte
	now    func() time.Time
}

func NewHS256(secret string) (*HS256, error) {
	if secret == "" {
		return nil, ErrMissingKey
	}
	return &HS256{secret: []byte(secret), now: time.Now}, nil
}

// Sign issues a token for deviceID valid for ttl.
func (h *HS256) Sign(userID, deviceID string, ttl time.Duration) (string, error) {
	now := h.now()
	claims := deviceClaims{
		UserID: userID,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    issuer,
			Subject:   deviceID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(h.secret)
}

// Verify parses token and returns its claims.
func (h *HS256) Verify(token string) (DeviceClaims, error) {
	parsed, err := jwt.ParseWithClaims(token, &deviceClaims{}, func(t *jwt.Token) (any, error) {
		return h.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(issuer),
		jwt.WithTimeFunc(h.now),
	)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return DeviceClaims{}, ErrTokenExpired
		}
		return DeviceClaims{}, ErrTokenInvalid
	}
	claims, ok := parsed.Claims.(*deviceClaims)
	if !ok || !parsed.Valid || claims.Subject == "" {
		return DeviceClaims{}, ErrTokenInvalid
	}
	var exp time.Time
	if claims.ExpiresAt != nil {
		exp = claims.ExpiresAt.Time
	}
	return DeviceClaims{UserID: claims.UserID, DeviceID: claims.Subject, Exp: exp}, nil
}

// DeviceTokens issues fresh tokens for one device on demand.
type DeviceTokens struct {
	signer   *HS256
	userID   string
	deviceID string
	ttl      time.Duration
}

func NewDeviceTokens(signer *HS256, userID, deviceID string) *DeviceTokens {
	return &DeviceTokens{signer: signer, userID: userID, deviceID: deviceID, ttl: time.Hour}
}

// Token returns a token for the next connection attempt.
func (d *DeviceTokens) Token() (string, error) {
	return d.signer.Sign(d.userID, d.deviceID, d.ttl)
}
