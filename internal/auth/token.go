// Package auth issues and verifies quiz start tokens. A start token is an
// HS256 JWT naming the quiz it opens; it may also be bound to one user.
package auth

import (
	"errors"
	"fmt"
	"time"

	"quizflow-service/internal/domain"
	"github.com/golang-jwt/jwt/v5"
)

const issuer = "quizflow"

// Claims are the contents of a start token.
type Claims struct {
	QuizID string `json:"quiz_id"`
	jwt.RegisteredClaims
}

// Tokens signs and verifies start tokens with one shared secret.
type Tokens struct {
	secret []byte
	ttl    time.Duration
	now    func() time.Time
}

// NewTokens returns a token codec. A non-positive ttl issues tokens valid for a day.
func NewTokens(secret string, ttl time.Duration) (*Tokens, error) {
	if len(secret) < 16 {
		return nil, errors.New("token secret must be at least 16 bytes")
	}
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &Tokens{secret: []byte(secret), ttl: ttl, now: time.Now}, nil
}

// Issue signs a token for quizID. A non-empty userID restricts the token to that user.
func (t *Tokens) Issue(quizID, userID string) (string, error) {
	if quizID == "" {
		return "", errors.New("quiz id is required")
	}
	now := t.now()
	claims := Claims{
		QuizID: quizID,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    issuer,
			Subject:   userID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(t.ttl)),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(t.secret)
	if err != nil {
		return "", fmt.Errorf("sign start token: %w", err)
	}
	return signed, nil
}

// Verify checks the signature and expiry of raw and returns the quiz it opens
// for userID. Every failure wraps domain.ErrInvalidToken.
func (t *Tokens) Verify(raw, userID string) (string, error) {
	var claims Claims
	token, err := jwt.ParseWithClaims(raw, &claims, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, jwt.ErrTokenUnverifiable
		}
		return t.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(issuer),
		jwt.WithTimeFunc(t.now),
	)
	if err != nil || !token.Valid {
		return "", fmt.Errorf("%w: %v", domain.ErrInvalidToken, err)
	}
	if claims.QuizID == "" {
		return "", fmt.Errorf("%w: missing quiz_id", domain.ErrInvalidToken)
	}
	if claims.Subject != "" && claims.Subject != userID {
		return "", fmt.Errorf("%w: issued to another user", domain.ErrInvalidToken)
	}
	return claims.QuizID, nil
}
