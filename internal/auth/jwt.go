package auth

import (
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/odyssey-erp/condo-ledger/internal/billing"
)

// Claims carries the ledger caller identity.
type Claims struct {
	ActorID     int64    `json:"actor_id"`
	CommunityID int64    `json:"community_id"`
	Permissions []string `json:"permissions"`
	jwt.RegisteredClaims
}

// Authorization converts the claims into the context handed to services.
func (c *Claims) Authorization() billing.AuthorizationContext {
	return billing.AuthorizationContext{
		ActorID:     c.ActorID,
		CommunityID: c.CommunityID,
		Permissions: append([]string(nil), c.Permissions...),
	}
}

// ParseJWT validates an HS256 token and returns its claims.
func ParseJWT(tokenString string, secret []byte) (*Claims, error) {
	if tokenString == "" {
		return nil, errors.New("auth: empty token")
	}
	if len(secret) == 0 {
		return nil, errors.New("auth: empty secret")
	}

	parser := jwt.NewParser(jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithExpirationRequired())
	claims := &Claims{}
	token, err := parser.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (any, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.New("auth: invalid signing method")
		}
		return secret, nil
	})
	if err != nil {
		return nil, err
	}
	if !token.Valid {
		return nil, errors.New("auth: invalid token")
	}
	if claims.ActorID <= 0 {
		return nil, errors.New("auth: missing actor_id")
	}
	if len(claims.Permissions) == 0 {
		return nil, errors.New("auth: no permissions")
	}
	return claims, nil
}

// Issue signs a token for the given authorization, valid for ttl.
func Issue(authz billing.AuthorizationContext, secret []byte, ttl time.Duration, now time.Time) (string, error) {
	if len(secret) == 0 {
		return "", errors.New("auth: empty secret")
	}
	claims := Claims{
		ActorID:     authz.ActorID,
		CommunityID: authz.CommunityID,
		Permissions: authz.Permissions,
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(secret)
}
