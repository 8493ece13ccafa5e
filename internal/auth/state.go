package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/BradenHooton/bastion/internal/models"
	"github.com/BradenHooton/bastion/pkg/clock"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

const stateIssuer = "bastion/oauth"

// StateSigner signs and verifies the OAuth state token that travels through
// the provider redirect and back in the oauth_state cookie.
type StateSigner struct {
	secret []byte
	ttl    time.Duration
	clock  clock.Clock
}

// NewStateSigner creates a signer. ttl bounds how long a user may spend on
// the provider's consent screen.
func NewStateSigner(secret string, ttl time.Duration, clk clock.Clock) *StateSigner {
	if clk == nil {
		clk = clock.Real{}
	}
	return &StateSigner{secret: []byte(secret), ttl: ttl, clock: clk}
}

// Sign issues a state token for provider carrying the PKCE verifier.
func (s *StateSigner) Sign(provider models.LoginMethod, codeVerifier string) (string, *models.OAuthStateClaims, error) {
	now := s.clock.Now()
	claims := &models.OAuthStateClaims{
		Provider:     provider,
		Nonce:        uuid.NewString(),
		CodeVerifier: codeVerifier,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    stateIssuer,
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(s.ttl)),
		},
	}

	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
	if err != nil {
		return "", nil, fmt.Errorf("failed to sign state: %w", err)
	}
	return token, claims, nil
}

// Verify parses a state token and checks that it was issued for provider.
// Every failure maps to models.ErrUnauthorized.
func (s *StateSigner) Verify(token string, provider models.LoginMethod) (*models.OAuthStateClaims, error) {
	claims := &models.OAuthStateClaims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return s.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(stateIssuer),
		jwt.WithTimeFunc(s.clock.Now),
	)
	if err != nil {
		return nil, errors.Join(models.ErrUnauthorized, err)
	}
	if !parsed.Valid || claims.Provider != provider {
		return nil, models.ErrUnauthorized
	}
	return claims, nil
}
