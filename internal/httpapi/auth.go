package httpapi

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"

	"aegis/internal/config"
)

var (
	errMissingCredentials = errors.New("missing credentials")
	errInvalidToken       = errors.New("invalid token")
)

type userKey struct{}

// Authenticator resolves calling user from request.
type Authenticator interface {
	Authenticate(request *http.Request) (string, error)
}

// HeaderAuth trusts user id carried in a request header.
type HeaderAuth struct {
	Header string
}

// Authenticate returns trimmed header value.
func (a HeaderAuth) Authenticate(request *http.Request) (string, error) {
	userID := strings.TrimSpace(request.Header.Get(a.Header))
	if userID == "" {
		return "", errMissingCredentials
	}
	return userID, nil
}

// JWTAuth verifies HMAC-signed bearer tokens; sub claim is the user id.
type JWTAuth struct {
	secret []byte
	issuer string
}

// NewJWTAuth builds bearer token verifier.
// Params: HMAC secret and optional expected issuer.
// Returns: authenticator.
func NewJWTAuth(secret, issuer string) *JWTAuth {
	return &JWTAuth{secret: []byte(secret), issuer: issuer}
}

// Authenticate parses "Authorization: Bearer <token>".
func (a *JWTAuth) Authenticate(request *http.Request) (string, error) {
	header := request.Header.Get("Authorization")
	if header == "" {
		return "", errMissingCredentials
	}
	scheme, tokenString, ok := strings.Cut(header, " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") || strings.TrimSpace(tokenString) == "" {
		return "", fmt.Errorf("%w: authorization header format must be Bearer <token>", errInvalidToken)
	}

	opts := []jwt.ParserOption{jwt.WithValidMethods([]string{"HS256", "HS384", "HS512"})}
	if a.issuer != "" {
		opts = append(opts, jwt.WithIssuer(a.issuer))
	}
	claims := &jwt.RegisteredClaims{}
	token, err := jwt.ParseWithClaims(strings.TrimSpace(tokenString), claims, func(token *jwt.Token) (any, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, jwt.ErrSignatureInvalid
		}
		return a.secret, nil
	}, opts...)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return "", fmt.Errorf("%w: token expired", errInvalidToken)
		}
		return "", fmt.Errorf("%w: %v", errInvalidToken, err)
	}
	if !token.Valid {
		return "", errInvalidToken
	}
	subject, err := claims.GetSubject()
	if err != nil || strings.TrimSpace(subject) == "" {
		return "", fmt.Errorf("%w: sub claim is required", errInvalidToken)
	}
	return subject, nil
}

// NewAuthenticator builds authenticator for configured auth mode.
// Params: auth config.
// Returns: header or JWT authenticator.
func NewAuthenticator(cfg config.AuthConfig) (Authenticator, error) {
	switch cfg.Mode {
	case config.AuthModeHeader, "":
		header := cfg.Header
		if header == "" {
			header = "X-User-ID"
		}
		return HeaderAuth{Header: header}, nil
	case config.AuthModeJWT:
		if cfg.JWTSecret == "" {
			return nil, errors.New("auth.jwt_secret is required for jwt mode")
		}
		return NewJWTAuth(cfg.JWTSecret, cfg.JWTIssuer), nil
	default:
		return nil, fmt.Errorf("unsupported auth mode %q", cfg.Mode)
	}
}

// requireUser rejects unauthenticated requests and stores user id in context.
func requireUser(auth Authenticator, next http.Handler) http.Handler {
	return http.HandlerFunc(func(writer http.ResponseWriter, request *http.Request) {
		userID, err := auth.Authenticate(request)
		if err != nil {
			writeJSON(writer, http.StatusUnauthorized, errorBody{Error: err.Error()})
			return
		}
		next.ServeHTTP(writer, request.WithContext(context.WithValue(request.Context(), userKey{}, userID)))
	})
}

// UserFrom returns authenticated user id stored by auth middleware.
func UserFrom(ctx context.Context) (string, bool) {
	userID, ok := ctx.Value(userKey{}).(string)
	return userID, ok && userID != ""
}
