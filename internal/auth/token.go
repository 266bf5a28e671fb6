package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/dgrijalva/jwt-go"
)

const tokenIssuer = "vidshelf"

// TokenFactory は HS256 で署名したアクセストークンを発行・検証します。
type TokenFactory struct {
	Secret        []byte
	TokenValidity time.Duration
	TimeFunc      func() time.Time
}

func (tf *TokenFactory) now() time.Time {
	if tf.TimeFunc != nil {
		return tf.TimeFunc()
	}
	return time.Now()
}

// Create は subject 用のトークンと有効期限を返します。
func (tf *TokenFactory) Create(subject string) (string, time.Time, error) {
	if len(tf.Secret) == 0 {
		return "", time.Time{}, errors.New("token secret is not configured")
	}
	now := tf.now()
	expiresAt := now.Add(tf.TokenValidity)
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.StandardClaims{
		ExpiresAt: expiresAt.Unix(),
		IssuedAt:  now.Unix(),
		NotBefore: now.Unix(),
		Issuer:    tokenIssuer,
		Subject:   subject,
	})
	signed, err := token.SignedString(tf.Secret)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("signing token: %w", err)
	}
	return signed, expiresAt, nil
}

// Parse はトークンを検証し、subject を返します。
func (tf *TokenFactory) Parse(raw string) (string, error) {
	if len(tf.Secret) == 0 {
		return "", errors.New("token secret is not configured")
	}
	tok, err := jwt.ParseWithClaims(raw, &jwt.StandardClaims{}, func(t *jwt.Token) (interface{}, error) {
		if t.Method != jwt.SigningMethodHS256 {
			return nil, fmt.Errorf("unexpected signing method %v", t.Method.Alg())
		}
		return tf.Secret, nil
	})
	if err != nil {
		return "", fmt.Errorf("parsing token: %w", err)
	}
	claims, ok := tok.Claims.(*jwt.StandardClaims)
	if !ok || !tok.Valid {
		return "", errors.New("invalid token")
	}
	if claims.Issuer != tokenIssuer {
		return "", fmt.Errorf("unexpected issuer %q", claims.Issuer)
	}
	return claims.Subject, nil
}
