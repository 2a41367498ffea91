package auth

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	echojwt "github.com/labstack/echo-jwt/v4"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
)

// Error codes carried in 401 responses. CodeTokenExpired is the only renewable one.
const (
	CodeTokenExpired = "token_expired"
	CodeUnauthorized = "unauthorized"
)

// ErrorBody is the JSON error shape shared by the server and the client gateway.
type ErrorBody struct {
	Code    string `json:"code,omitempty"`
	Message string `json:"message"`
}

// GenerateToken signs an HS256 access token for userID that expires after ttl.
func GenerateToken(userID, secret string, ttl time.Duration) (string, time.Time, error) {
	if strings.TrimSpace(userID) == "" {
		return "", time.Time{}, errors.New("user id is required")
	}
	if strings.TrimSpace(secret) == "" {
		return "", time.Time{}, errors.New("jwt secret is required")
	}
	now := time.Now()
	expiresAt := now.Add(ttl)
	claims := jwt.RegisteredClaims{
		Subject:   userID,
		ID:        uuid.NewString(),
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(expiresAt),
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
	if err != nil {
		return "", time.Time{}, err
	}
	return signed, expiresAt, nil
}

// JWTMiddleware verifies bearer tokens. Expired tokens are answered with code token_expired so
// clients can renew; every other failure is a plain unauthorized.
func JWTMiddleware(secret string, skipper middleware.Skipper) echo.MiddlewareFunc {
	return echojwt.WithConfig(echojwt.Config{
		SigningKey: []byte(secret),
		Skipper:    skipper,
		NewClaimsFunc: func(echo.Context) jwt.Claims {
			return new(jwt.RegisteredClaims)
		},
		ErrorHandler: func(_ echo.Context, err error) error {
			if errors.Is(err, jwt.ErrTokenExpired) {
				return echo.NewHTTPError(http.StatusUnauthorized, ErrorBody{Code: CodeTokenExpired, Message: "access token expired"})
			}
			return echo.NewHTTPError(http.StatusUnauthorized, ErrorBody{Code: CodeUnauthorized, Message: "invalid or missing token"})
		},
	})
}

// VerifyToken checks an HS256 token outside the echo middleware, e.g. on a websocket handshake,
// and returns its subject. Expiry is reported as jwt.ErrTokenExpired.
func VerifyToken(tokenString, secret string) (string, error) {
	tokenString = strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(tokenString), "Bearer "))
	if tokenString == "" {
		return "", errors.New("missing token")
	}
	claims := new(jwt.RegisteredClaims)
	_, err := jwt.ParseWithClaims(tokenString, claims, func(*jwt.Token) (any, error) {
		return []byte(secret), nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		return "", err
	}
	if strings.TrimSpace(claims.Subject) == "" {
		return "", errors.New("token has no subject")
	}
	return claims.Subject, nil
}

// UserIDFromContext returns the subject of the verified token.
func UserIDFromContext(c echo.Context) (string, error) {
	token, ok := c.Get("user").(*jwt.Token)
	if !ok || token == nil {
		return "", errors.New("missing token")
	}
	sub, err := token.Claims.GetSubject()
	if err != nil {
		return "", err
	}
	if strings.TrimSpace(sub) == "" {
		return "", errors.New("token has no subject")
	}
	return sub, nil
}
