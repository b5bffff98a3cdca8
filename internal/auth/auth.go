// Package auth is the boundary to the credential collaborator: it turns a
// bearer token into a trusted identity+role pair and nothing more.
package auth

import (
	"fmt"

	"github.com/golang-jwt/jwt/v5"

	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/rideerr"
)

// Identity is the verified result of a token check. VehicleType is only
// populated for driver tokens.
type Identity struct {
	ID          string
	Role        models.Role
	Name        string
	VehicleType models.VehicleType
}

// Verifier produces an identity from an opaque token string.
type Verifier interface {
	Verify(token string) (*Identity, error)
}

// Claims are the custom JWT claims the auth service mints.
type Claims struct {
	UserID      string `json:"user_id"`
	Role        string `json:"role"`
	Name        string `json:"name,omitempty"`
	VehicleType string `json:"vehicle_type,omitempty"`
	jwt.RegisteredClaims
}

// JWTVerifier validates HS256 tokens signed with a shared secret.
type JWTVerifier struct {
	secret []byte
	issuer string
}

func NewJWTVerifier(secret, issuer string) *JWTVerifier {
	return &JWTVerifier{secret: []byte(secret), issuer: issuer}
}

func (v *JWTVerifier) Verify(tokenString string) (*Identity, error) {
	claims := &Claims{}
	opts := []jwt.ParserOption{jwt.WithValidMethods([]string{"HS256"})}
	if v.issuer != "" {
		opts = append(opts, jwt.WithIssuer(v.issuer))
	}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return v.secret, nil
	}, opts...)
	if err != nil {
		return nil, rideerr.Wrap(err, rideerr.KindAuthentication, rideerr.CodeInvalidToken, "invalid token")
	}
	if !token.Valid {
		return nil, rideerr.New(rideerr.KindAuthentication, rideerr.CodeInvalidToken, "invalid token")
	}

	role := models.Role(claims.Role)
	if role != models.RoleClient && role != models.RoleDriver {
		return nil, rideerr.Newf(rideerr.KindAuthentication, rideerr.CodeInvalidToken, "unknown role %q", claims.Role)
	}
	if claims.UserID == "" {
		return nil, rideerr.New(rideerr.KindAuthentication, rideerr.CodeInvalidToken, "token carries no subject")
	}

	return &Identity{
		ID:          claims.UserID,
		Role:        role,
		Name:        claims.Name,
		VehicleType: models.VehicleType(claims.VehicleType),
	}, nil
}
