package service

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/dxaginfo/fan-meet-greet-platform-2025/internal/domain"
)

const checkInPassPurpose = "check_in"

// CheckInPassConfig contains configuration for check-in pass signing
type CheckInPassConfig struct {
	Secret string
	Issuer string
	TTL    time.Duration
	// Clock is used for issue and expiry times; defaults to time.Now
	Clock func() time.Time
}

// CheckInPassClaims are the claims encoded in a registration's QR code
type CheckInPassClaims struct {
	RegistrationID string `json:"registration_id"`
	EventID        string `json:"event_id"`
	Purpose        string `json:"purpose"`
	jwt.RegisteredClaims
}

// CheckInPassIssuer signs and verifies HS256 check-in passes
type CheckInPassIssuer struct {
	secret []byte
	issuer string
	ttl    time.Duration
	now    func() time.Time
}

// NewCheckInPassIssuer creates an issuer; the secret is required
func NewCheckInPassIssuer(cfg *CheckInPassConfig) (*CheckInPassIssuer, error) {
	if cfg == nil || cfg.Secret == "" {
		return nil, fmt.Errorf("check-in pass secret is required")
	}

	issuer := cfg.Issuer
	if issuer == "" {
		issuer = "fanmeet-queue"
	}
	ttl := cfg.TTL
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	now := cfg.Clock
	if now == nil {
		now = time.Now
	}

	return &CheckInPassIssuer{
		secret: []byte(cfg.Secret),
		issuer: issuer,
		ttl:    ttl,
		now:    now,
	}, nil
}

// Issue signs a pass for reg and returns it with its expiry
func (i *CheckInPassIssuer) Issue(reg *domain.Registration) (string, time.Time, error) {
	now := i.now()
	expiresAt := now.Add(i.ttl)

	claims := CheckInPassClaims{
		RegistrationID: reg.ID,
		EventID:        reg.EventID,
		Purpose:        checkInPassPurpose,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(expiresAt),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			Issuer:    i.issuer,
			Subject:   reg.UserID,
			ID:        uuid.NewString(),
		},
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(i.secret)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("failed to sign check-in pass: %w", err)
	}
	return signed, expiresAt, nil
}

// Verify parses a pass and checks signature, issuer, expiry and purpose.
// Every failure wraps domain.ErrInvalidCheckInPass.
func (i *CheckInPassIssuer) Verify(pass string) (*CheckInPassClaims, error) {
	if pass == "" {
		return nil, domain.ErrInvalidCheckInPass
	}

	claims := &CheckInPassClaims{}
	_, err := jwt.ParseWithClaims(pass, claims, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return i.secret, nil
	},
		jwt.WithIssuer(i.issuer),
		jwt.WithTimeFunc(i.now),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrInvalidCheckInPass, err)
	}

	if claims.Purpose != checkInPassPurpose || claims.RegistrationID == "" || claims.EventID == "" {
		return nil, fmt.Errorf("%w: missing claims", domain.ErrInvalidCheckInPass)
	}
	return claims, nil
}
