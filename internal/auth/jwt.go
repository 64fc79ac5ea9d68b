// Package auth проверяет access-токены Supabase и права пользователей.
package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/vladislavdragonenkov/storefront/internal/domain"
)

// DefaultAudience — aud, который Supabase пишет в токены вошедших пользователей.
const DefaultAudience = "authenticated"

// Claims — полезная нагрузка access-токена Supabase.
type Claims struct {
	Email string `json:"email"`
	Role  string `json:"role"`
	jwt.RegisteredClaims
}

// JWTVerifier проверяет HS256-токены общим секретом проекта.
type JWTVerifier struct {
	secret   []byte
	audience string
	issuer   string
	leeway   time.Duration
}

// VerifierOption настраивает JWTVerifier.
type VerifierOption func(*JWTVerifier)

// WithAudience переопределяет ожидаемый aud. Пустая строка отключает проверку.
func WithAudience(audience string) VerifierOption {
	return func(v *JWTVerifier) {
		v.audience = audience
	}
}

// WithIssuer включает проверку iss.
func WithIssuer(issuer string) VerifierOption {
	return func(v *JWTVerifier) {
		v.issuer = issuer
	}
}

// WithLeeway задаёт допуск расхождения часов.
func WithLeeway(leeway time.Duration) VerifierOption {
	return func(v *JWTVerifier) {
		if leeway >= 0 {
			v.leeway = leeway
		}
	}
}

// NewJWTVerifier создаёт проверку токенов.
func NewJWTVerifier(secret string, opts ...VerifierOption) (*JWTVerifier, error) {
	if strings.TrimSpace(secret) == "" {
		return nil, errors.New("jwt secret is required")
	}

	v := &JWTVerifier{
		secret:   []byte(secret),
		audience: DefaultAudience,
		leeway:   30 * time.Second,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(v)
		}
	}
	return v, nil
}

// Verify разбирает токен и возвращает пользователя.
// Любая ошибка оборачивается в domain.ErrUnauthenticated.
func (v *JWTVerifier) Verify(tokenString string) (domain.Principal, error) {
	parserOpts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithLeeway(v.leeway),
	}
	if v.audience != "" {
		parserOpts = append(parserOpts, jwt.WithAudience(v.audience))
	}
	if v.issuer != "" {
		parserOpts = append(parserOpts, jwt.WithIssuer(v.issuer))
	}

	var claims Claims
	token, err := jwt.ParseWithClaims(tokenString, &claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return v.secret, nil
	}, parserOpts...)
	if err != nil {
		return domain.Principal{}, fmt.Errorf("%w: %v", domain.ErrUnauthenticated, err)
	}
	if !token.Valid || claims.Subject == "" {
		return domain.Principal{}, fmt.Errorf("%w: token has no subject", domain.ErrUnauthenticated)
	}

	return domain.Principal{UserID: claims.Subject, Email: claims.Email}, nil
}

// BearerToken достаёт токен из заголовка Authorization.
func BearerToken(header string) (string, bool) {
	parts := strings.Fields(header)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") {
		return "", false
	}
	return parts[1], true
}

type principalContextKey struct{}

// WithPrincipal кладёт пользователя запроса в ctx.
func WithPrincipal(ctx context.Context, p domain.Principal) context.Context {
	return context.WithValue(ctx, principalContextKey{}, p)
}

// PrincipalFrom возвращает пользователя запроса.
func PrincipalFrom(ctx context.Context) (domain.Principal, bool) {
	p, ok := ctx.Value(principalContextKey{}).(domain.Principal)
	return p, ok && p.UserID != ""
}
