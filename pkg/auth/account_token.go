package auth

import (
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var ErrInvalidToken = errors.New("invalid token")

const defaultIssuer = "gpulease"

// AccountClaims identifies the account a lease is charged to. The account id
// is the token subject.
type AccountClaims struct {
	jwt.RegisteredClaims
}

func (c *AccountClaims) AccountID() string {
	return c.Subject
}

type AccountTokenManager struct {
	signingKey []byte
	ttl        time.Duration
	issuer     string
}

func NewAccountTokenManager(signingKey []byte, ttl time.Duration, issuer string) *AccountTokenManager {
	if issuer == "" {
		issuer = defaultIssuer
	}
	return &AccountTokenManager{signingKey: signingKey, ttl: ttl, issuer: issuer}
}

func (m *AccountTokenManager) GenerateAccountToken(accountID string) (string, error) {
	if accountID == "" {
		return "", errors.New("account id is required")
	}
	now := time.Now()
	claims := AccountClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(now.Add(m.ttl)),
			IssuedAt:  jwt.NewNumericDate(now),
			Subject:   accountID,
			Issuer:    m.issuer,
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(m.signingKey)
}

func (m *AccountTokenManager) ValidateAccountToken(tokenString string) (*AccountClaims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &AccountClaims{}, func(token *jwt.Token) (interface{}, error) {
		return m.signingKey, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(m.issuer),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		return nil, err
	}

	claims, ok := token.Claims.(*AccountClaims)
	if !ok || !token.Valid || claims.Subject == "" {
		return nil, ErrInvalidToken
	}

	return claims, nil
}
