package mw

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

type subjectKeyType string

const subjectKey subjectKeyType = "sub"

var (
	ErrMissingToken = errors.New("missing bearer token")
	ErrInvalidToken = errors.New("invalid token")
)

// Authenticator validates HS256 bearer tokens minted by cmd/token.
type Authenticator struct {
	HMACSecret []byte
	// Issuer, when set, must match the iss claim.
	Issuer string
}

func (a Authenticator) ValidateBearer(r *http.Request) (string, error) {
	authz := r.Header.Get("Authorization")
	if !strings.HasPrefix(authz, "Bearer ") {
		return "", ErrMissingToken
	}
	tokStr := strings.TrimSpace(strings.TrimPrefix(authz, "Bearer "))
	if tokStr == "" {
		return "", ErrMissingToken
	}
	if len(a.HMACSecret) == 0 {
		return "", errors.New("hmac secret not configured")
	}

	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
	}
	if a.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(a.Issuer))
	}
	claims := jwt.MapClaims{}
	tok, err := jwt.NewParser(opts...).ParseWithClaims(tokStr, claims, func(*jwt.Token) (any, error) {
		return a.HMACSecret, nil
	})
	if err != nil || tok == nil || !tok.Valid {
		return "", ErrInvalidToken
	}
	sub, _ := claims.GetSubject()
	if sub == "" {
		return "", errors.New("missing sub")
	}
	return sub, nil
}

func WithSubject(next http.Handler, sub string) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := context.WithValue(r.Context(), subjectKey, sub)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func Subject(ctx context.Context) (string, bool) {
	v, ok := ctx.Value(subjectKey).(string)
	return v, ok
}
