package session

import (
	"errors"
	"fmt"
	"strings"
	"time"

	jwt "github.com/golang-jwt/jwt/v5"

	"codepedia/internal/util"
)

const (
	defaultIssuer   = "codepedia-chat"
	defaultAudience = "codepedia-widget"
	defaultTTL      = 24 * time.Hour
)

var defaultLeeway = 30 * time.Second

// Claims binds a browser identity to a session token. Nickname and color
// ride along so the API does not need a profile lookup per request.
type Claims struct {
	Nickname string `json:"nickname"`
	Color    string `json:"color,omitempty"`
	jwt.RegisteredClaims
}

// Options configures claim validation behavior.
type Options struct {
	Issuer   string
	Audience string
	TTL      time.Duration
	Leeway   time.Duration
}

// TokenStore issues and validates HS256 session tokens.
type TokenStore struct {
	secret   []byte
	ttl      time.Duration
	issuer   string
	audience string
	leeway   time.Duration
}

// NewTokenStore builds an HS256 token store from a shared secret.
func NewTokenStore(secret string, opts Options) (*TokenStore, error) {
	secret = strings.TrimSpace(secret)
	if len(secret) < 16 {
		return nil, errors.New("session secret must be at least 16 bytes")
	}
	opts = normalizeOptions(opts)
	return &TokenStore{
		secret:   []byte(secret),
		ttl:      opts.TTL,
		issuer:   opts.Issuer,
		audience: opts.Audience,
		leeway:   opts.Leeway,
	}, nil
}

// Issue creates a signed token for the identity.
func (s *TokenStore) Issue(userID, nickname, color string) (string, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return "", errors.New("session user id is required")
	}
	now := time.Now().UTC()
	claims := Claims{
		Nickname: nickname,
		Color:    color,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			Issuer:    s.issuer,
			Audience:  jwt.ClaimStrings{s.audience},
			ExpiresAt: jwt.NewNumericDate(now.Add(s.ttl)),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ID:        util.NewID(),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
}

// Verify validates a token and returns its claims.
func (s *TokenStore) Verify(token string) (Claims, error) {
	claims := Claims{}
	token = strings.TrimSpace(token)
	if token == "" {
		return claims, errors.New("invalid token format")
	}
	parsed, err := jwt.ParseWithClaims(token, &claims, func(t *jwt.Token) (any, error) {
		return s.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(s.issuer),
		jwt.WithAudience(s.audience),
		jwt.WithIssuedAt(),
		jwt.WithLeeway(s.leeway),
	)
	if err != nil {
		return claims, fmt.Errorf("verify session token: %w", err)
	}
	if !parsed.Valid {
		return claims, errors.New("invalid token")
	}
	if strings.TrimSpace(claims.Subject) == "" {
		return claims, errors.New("token subject missing")
	}
	return claims, nil
}

func normalizeOptions(opts Options) Options {
	opts.Issuer = strings.TrimSpace(opts.Issuer)
	opts.Audience = strings.TrimSpace(opts.Audience)
	if opts.Issuer == "" {
		opts.Issuer = defaultIssuer
	}
	if opts.Audience == "" {
		opts.Audience = defaultAudience
	}
	if opts.TTL <= 0 {
		opts.TTL = defaultTTL
	}
	if opts.Leeway <= 0 {
		opts.Leeway = defaultLeeway
	}
	return opts
}
