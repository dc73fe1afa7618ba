package server

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	jwt "github.com/golang-jwt/jwt/v5"

	errskit "circlesmarket/errs"
	"circlesmarket/market/ids"
)

// Identity is the authenticated caller extracted from token claims.
type Identity struct {
	Address string
	ChainID int64
}

type contextKey string

const contextKeyIdentity contextKey = "market.identity"

// AuthConfig configures the HMAC token verifier.
type AuthConfig struct {
	HMACSecret string
	Issuer     string
	Audience   string
	ClockSkew  time.Duration
}

// Authenticator validates bearer tokens carrying {address, chainId} claims.
type Authenticator struct {
	cfg    AuthConfig
	secret []byte
	logger *slog.Logger
}

// NewAuthenticator builds the verifier.
func NewAuthenticator(cfg AuthConfig, logger *slog.Logger) *Authenticator {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.ClockSkew <= 0 {
		cfg.ClockSkew = 2 * time.Minute
	}
	return &Authenticator{
		cfg:    cfg,
		secret: []byte(strings.TrimSpace(cfg.HMACSecret)),
		logger: logger,
	}
}

func extractBearer(header string) string {
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}

func (a *Authenticator) parse(tokenString string) (jwt.MapClaims, error) {
	if len(a.secret) == 0 {
		return nil, errors.New("auth secret not configured")
	}
	options := []jwt.ParserOption{jwt.WithLeeway(a.cfg.ClockSkew)}
	if a.cfg.Issuer != "" {
		options = append(options, jwt.WithIssuer(a.cfg.Issuer))
	}
	if a.cfg.Audience != "" {
		options = append(options, jwt.WithAudience(a.cfg.Audience))
	}
	token, err := jwt.Parse(tokenString, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.New("unexpected signing method")
		}
		return a.secret, nil
	}, options...)
	if err != nil {
		return nil, err
	}
	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok || !token.Valid {
		return nil, errors.New("token invalid")
	}
	return claims, nil
}

func identityFromClaims(claims jwt.MapClaims) (Identity, error) {
	rawAddress, _ := claims["address"].(string)
	address, err := ids.NormalizeAddress(rawAddress)
	if err != nil {
		return Identity{}, errors.New("address claim missing or malformed")
	}
	var chainID int64
	switch value := claims["chainId"].(type) {
	case float64:
		chainID = int64(value)
	default:
		return Identity{}, errors.New("chainId claim missing or not numeric")
	}
	if chainID <= 0 {
		return Identity{}, errors.New("chainId claim must be positive")
	}
	return Identity{Address: address, ChainID: chainID}, nil
}

// Require rejects requests without valid identity claims.
func (a *Authenticator) Require(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tokenString := extractBearer(r.Header.Get("Authorization"))
		if tokenString == "" {
			writeError(w, a.logger, errskit.New(errskit.KindUnauthenticated, "missing bearer token"))
			return
		}
		claims, err := a.parse(tokenString)
		if err != nil {
			a.logger.Debug("token validation failed", "err", err)
			writeError(w, a.logger, errskit.New(errskit.KindUnauthenticated, "invalid token"))
			return
		}
		identity, err := identityFromClaims(claims)
		if err != nil {
			writeError(w, a.logger, errskit.New(errskit.KindUnauthenticated, err.Error()))
			return
		}
		ctx := context.WithValue(r.Context(), contextKeyIdentity, identity)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// IdentityFrom returns the authenticated identity attached by Require.
func IdentityFrom(ctx context.Context) (Identity, bool) {
	identity, ok := ctx.Value(contextKeyIdentity).(Identity)
	return identity, ok
}
