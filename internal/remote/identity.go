package remote

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/hashicorp/golang-lru/v2/expirable"
)

// verified tokens are not parsed again for this long
const claimsCacheTTL = time.Minute

// Claims is the payload of an agent access token.
type Claims struct {
	Email string `json:"email"`
	jwt.RegisteredClaims
}

// TokenIdentity derives the current user from a JWT access token.
// With a signing key the token is verified; without one it is only decoded,
// since the store verifies it again on every call.
type TokenIdentity struct {
	token      string
	signingKey []byte
	claims     *expirable.LRU[string, *Claims]
}

func NewTokenIdentity(token string, signingKey string) *TokenIdentity {
	ti := &TokenIdentity{
		token:  token,
		claims: expirable.NewLRU[string, *Claims](1, nil, claimsCacheTTL),
	}
	if signingKey != "" {
		ti.signingKey = []byte(signingKey)
	}
	return ti
}

func (ti *TokenIdentity) CurrentUser(ctx context.Context) (*User, error) {
	if ti.token == "" {
		return nil, nil
	}

	claims, ok := ti.claims.Get(ti.token)
	if ok {
		if exp, _ := claims.GetExpirationTime(); exp != nil && exp.Before(time.Now()) {
			ti.claims.Remove(ti.token)
			return nil, ErrTokenExpired
		}
	} else {
		var err error
		if claims, err = ti.parse(); err != nil {
			return nil, err
		}
		if claims.Subject == "" && claims.Email == "" {
			return nil, fmt.Errorf("%w: no subject", ErrInvalidToken)
		}
		ti.claims.Add(ti.token, claims)
	}

	id := claims.Subject
	if id == "" {
		id = claims.Email
	}
	return &User{ID: id, Email: claims.Email}, nil
}

func (ti *TokenIdentity) parse() (*Claims, error) {
	claims := &Claims{}

	if ti.signingKey == nil {
		if _, _, err := jwt.NewParser().ParseUnverified(ti.token, claims); err != nil {
			return nil, fmt.Errorf("%w: %w", ErrInvalidToken, err)
		}
		exp, err := claims.GetExpirationTime()
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrInvalidToken, err)
		}
		if exp != nil && exp.Before(time.Now()) {
			return nil, ErrTokenExpired
		}
		return claims, nil
	}

	token, err := jwt.ParseWithClaims(ti.token, claims, func(token *jwt.Token) (any, error) {
		return ti.signingKey, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if errors.Is(err, jwt.ErrTokenExpired) {
		return nil, ErrTokenExpired
	} else if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidToken, err)
	}
	if !token.Valid {
		return nil, ErrInvalidToken
	}
	return claims, nil
}

// StaticIdentity always reports the same user. A nil User means signed out.
type StaticIdentity struct {
	User *User
}

func (s StaticIdentity) CurrentUser(ctx context.Context) (*User, error) {
	return s.User, nil
}
