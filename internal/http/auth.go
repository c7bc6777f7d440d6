package http

import (
	"context"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/gorilla/mux"
	"github.com/ignatij/goapprove/pkg/models"
	"github.com/pkg/errors"
)

// Claims is the identity collaborator's token: sub is the principal id.
type Claims struct {
	Name      string `json:"name"`
	RankLevel int    `json:"rank_level"`
	jwt.RegisteredClaims
}

type principalKey struct{}

// IssueToken signs an HS256 token for p, valid for ttl.
func IssueToken(secret []byte, p models.Principal, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := Claims{
		Name:      p.DisplayName,
		RankLevel: p.RankLevel,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   strconv.FormatInt(p.ID, 10),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(secret)
}

// ParseToken verifies raw and turns its claims into the acting principal.
func ParseToken(secret []byte, raw string) (models.Principal, error) {
	var claims Claims
	_, err := jwt.ParseWithClaims(raw, &claims, func(*jwt.Token) (interface{}, error) {
		return secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithExpirationRequired())
	if err != nil {
		return models.Principal{}, err
	}
	id, err := strconv.ParseInt(claims.Subject, 10, 64)
	if err != nil || id <= 0 {
		return models.Principal{}, errors.Errorf("invalid subject %q", claims.Subject)
	}
	return models.Principal{
		ID:          id,
		DisplayName: claims.Name,
		RankLevel:   claims.RankLevel,
		Status:      models.ActivePrincipalStatus,
	}, nil
}

// Authenticate requires a bearer token. Websocket clients, which cannot set headers from a
// browser, may pass it as the token query parameter instead.
func Authenticate(secret []byte) mux.MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			raw := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
			if raw == "" || raw == r.Header.Get("Authorization") {
				raw = r.URL.Query().Get("token")
			}
			if raw == "" {
				writeError(w, http.StatusUnauthorized, "UNAUTHENTICATED", "missing bearer token")
				return
			}
			p, err := ParseToken(secret, raw)
			if err != nil {
				writeError(w, http.StatusUnauthorized, "UNAUTHENTICATED", "invalid token")
				return
			}
			next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), principalKey{}, p)))
		})
	}
}

// PrincipalFrom returns the principal attached by Authenticate.
func PrincipalFrom(ctx context.Context) (models.Principal, bool) {
	p, ok := ctx.Value(principalKey{}).(models.Principal)
	return p, ok
}
