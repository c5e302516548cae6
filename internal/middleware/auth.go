package middleware

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"strconv"
	"strings"

	"github.com/captionhub/backend/internal/models"
	"github.com/golang-jwt/jwt/v5"
	"github.com/spf13/viper"
)

// DeviceIDHeader carries the anonymous client's device fingerprint.
const DeviceIDHeader = "X-Device-ID"

type contextKey string

const accountRefKey contextKey = "accountRef"

var (
	errMissingUserID = errors.New("token has no user_id claim")
	errBadUserID     = errors.New("token user_id claim is not a string or an integer")
)

// AccountRefFromContext returns the identity resolved by IdentityMiddleware.
func AccountRefFromContext(ctx context.Context) (models.AccountRef, bool) {
	ref, ok := ctx.Value(accountRefKey).(models.AccountRef)
	return ref, ok && ref.Valid()
}

func WithAccountRef(ctx context.Context, ref models.AccountRef) context.Context {
	return context.WithValue(ctx, accountRefKey, ref)
}

// IdentityMiddleware resolves the caller to a registered user when a bearer
// token is present, and otherwise to an anonymous device/IP pair. It must run
// after chi's RealIP so RemoteAddr holds the client address.
func IdentityMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var ref models.AccountRef

		if authHeader := r.Header.Get("Authorization"); authHeader != "" {
			userID, ok := userFromHeader(w, authHeader)
			if !ok {
				return
			}
			ref.UserID = userID
		} else {
			ref.DeviceID = strings.TrimSpace(r.Header.Get(DeviceIDHeader))
			ref.IPAddress = clientIP(r.RemoteAddr)
			if ref.DeviceID == "" {
				http.Error(w, DeviceIDHeader+" header or bearer token required", http.StatusUnauthorized)
				return
			}
		}

		ctx := WithAccountRef(r.Context(), ref)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func userFromHeader(w http.ResponseWriter, authHeader string) (string, bool) {
	// Extract token
	parts := strings.Split(authHeader, " ")
	if len(parts) != 2 || parts[0] != "Bearer" {
		http.Error(w, "Invalid authorization header format", http.StatusUnauthorized)
		return "", false
	}

	userID, err := validateToken(parts[1])
	if err != nil {
		http.Error(w, "Invalid token", http.StatusUnauthorized)
		return "", false
	}
	return userID, true
}

func validateToken(tokenString string) (string, error) {
	token, err := jwt.Parse(tokenString, func(token *jwt.Token) (interface{}, error) {
		return []byte(viper.GetString("jwt.secret_key")), nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithJSONNumber())

	if err != nil {
		return "", err
	}
	if !token.Valid {
		return "", jwt.ErrTokenSignatureInvalid
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return "", errMissingUserID
	}

	return userIDClaim(claims)
}

// userIDClaim accepts string ids and integral numeric ids. Numbers are decoded
// as json.Number so large ids keep every digit.
func userIDClaim(claims jwt.MapClaims) (string, error) {
	switch v := claims["user_id"].(type) {
	case string:
		if v == "" {
			return "", errMissingUserID
		}
		return v, nil
	case json.Number:
		n, err := v.Int64()
		if err != nil {
			return "", errBadUserID
		}
		return strconv.FormatInt(n, 10), nil
	case nil:
		return "", errMissingUserID
	default:
		return "", errBadUserID
	}
}

func clientIP(remoteAddr string) string {
	if host, _, err := net.SplitHostPort(remoteAddr); err == nil {
		return host
	}
	return remoteAddr
}
