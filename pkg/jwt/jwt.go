package jwt

import (
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/mbeoliero/chatsync/pkg/errcode"
)

// Issuer is set on every token minted by this server
const Issuer = "chatsync"

// Claims represents JWT claims
type Claims struct {
	UserId     string `json:"user_id"`
	PlatformId int    `json:"platform_id"`
	jwt.RegisteredClaims
}

// GenerateToken signs a token for userId on platformId
func GenerateToken(userId string, platformId int, secret string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := Claims{
		UserId:     userId,
		PlatformId: platformId,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			Issuer:    Issuer,
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString([]byte(secret))
}

// ParseToken parses and validates a token issued by this server.
// Expired tokens map to ErrTokenExpired so clients can tell them apart.
func ParseToken(tokenString, secret string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, hmacKey(secret), jwt.WithIssuer(Issuer))
	if err != nil {
		return nil, classify(err)
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid || claims.UserId == "" {
		return nil, errcode.ErrTokenInvalid
	}
	return claims, nil
}

// ValidateToken parses the token and checks it belongs to userId on platformId
func ValidateToken(tokenString, secret, expectedUserId string, expectedPlatformId int) (*Claims, error) {
	claims, err := ParseToken(tokenString, secret)
	if err != nil {
		return nil, err
	}
	if claims.UserId != expectedUserId || claims.PlatformId != expectedPlatformId {
		return nil, errcode.ErrTokenMismatch
	}
	return claims, nil
}

func hmacKey(secret string) jwt.Keyfunc {
	return func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, jwt.ErrTokenSignatureInvalid
		}
		return []byte(secret), nil
	}
}

func classify(err error) *errcode.Error {
	if errors.Is(err, jwt.ErrTokenExpired) {
		return errcode.ErrTokenExpired
	}
	return errcode.ErrTokenInvalid.Wrap(err)
}
