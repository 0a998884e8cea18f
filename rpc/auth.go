package rpc

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	jwt "github.com/golang-jwt/jwt/v5"

	"cardledger/native/connections"
	"cardledger/observability/logging"
)

// HeaderAccountID names the caller when authentication is disabled.
const HeaderAccountID = "X-Account-Id"

// AuthConfig controls how callers of mutating methods are identified.
type AuthConfig struct {
	Enabled    bool
	HMACSecret string
	Issuer     string
	Audience   string
	ClockSkew  time.Duration
}

var (
	errMissingIdentity = errors.New("caller identity required")
	errMissingBearer   = errors.New("missing bearer token")
	errInvalidToken    = errors.New("invalid token")
)

// Authenticator resolves the caller account of a request. With auth enabled
// the account is the `sub` claim of an HS256 bearer token; otherwise it is
// read from the X-Account-Id header.
type Authenticator struct {
	cfg    AuthConfig
	secret []byte
	logger *slog.Logger
}

// NewAuthenticator validates cfg and builds an authenticator.
func NewAuthenticator(cfg AuthConfig, logger *slog.Logger) (*Authenticator, error) {
	if logger == nil {
		logger = slog.Default()
	}
	secret := strings.TrimSpace(cfg.HMACSecret)
	if cfg.Enabled && secret == "" {
		return nil, fmt.Errorf("rpc auth: HMAC secret required")
	}
	if cfg.ClockSkew <= 0 {
		cfg.ClockSkew = 30 * time.Second
	}
	return &Authenticator{cfg: cfg, secret: []byte(secret), logger: logger}, nil
}

// Caller returns the authenticated account for r.
func (a *Authenticator) Caller(r *http.Request) (connections.AccountID, error) {
	if a == nil || !a.cfg.Enabled {
		account := connections.AccountID(r.Header.Get(HeaderAccountID)).Normalize()
		if account == "" {
			return "", errMissingIdentity
		}
		return account, nil
	}
	tokenString := extractBearer(r.Header.Get("Authorization"))
	if tokenString == "" {
		return "", errMissingBearer
	}
	claims, err := a.parse(tokenString)
	if err != nil {
		a.logger.Warn("rpc auth: token validation failed",
			logging.MaskField("token", tokenString),
			slog.Any("error", err))
		return "", errInvalidToken
	}
	account := connections.AccountID(claims.Subject).Normalize()
	if account == "" {
		return "", errInvalidToken
	}
	return account, nil
}

func (a *Authenticator) parse(tokenString string) (*jwt.RegisteredClaims, error) {
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithLeeway(a.cfg.ClockSkew),
		jwt.WithExpirationRequired(),
	}
	if a.cfg.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(a.cfg.Issuer))
	}
	if a.cfg.Audience != "" {
		opts = append(opts, jwt.WithAudience(a.cfg.Audience))
	}
	claims := &jwt.RegisteredClaims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(*jwt.Token) (interface{}, error) {
		return a.secret, nil
	}, opts...)
	if err != nil {
		return nil, err
	}
	if !token.Valid {
		return nil, errors.New("token invalid")
	}
	return claims, nil
}

// IssueToken mints an HS256 caller token for account. It backs the CLI's
// development token command and the tests.
func IssueToken(secret string, account connections.AccountID, issuer, audience string, ttl time.Duration) (string, error) {
	secret = strings.TrimSpace(secret)
	if secret == "" {
		return "", fmt.Errorf("secret required")
	}
	account = account.Normalize()
	if account == "" {
		return "", connections.ErrAccountRequired
	}
	if ttl <= 0 {
		ttl = time.Hour
	}
	now := time.Now()
	claims := jwt.RegisteredClaims{
		Subject:   account.String(),
		Issuer:    issuer,
		IssuedAt:  jwt.NewNumericDate(now),
		NotBefore: jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
	}
	if audience != "" {
		claims.Audience = jwt.ClaimStrings{audience}
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
}

func extractBearer(header string) string {
	header = strings.TrimSpace(header)
	if len(header) < 7 || !strings.EqualFold(header[:7], "bearer ") {
		return ""
	}
	return strings.TrimSpace(header[7:])
}
