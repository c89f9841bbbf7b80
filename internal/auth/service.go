package auth

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	applog "memochat/internal/log"
	"memochat/internal/redis"
	"memochat/internal/storage"

	"golang.org/x/crypto/bcrypt"
)

const (
	redisTokenPrefix       = "memochat:token:"
	DefaultTokenTTL        = 24 * time.Hour
	DefaultCleanupInterval = time.Hour
)

var (
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrInvalidToken       = errors.New("invalid token")
	ErrTokenExpired       = errors.New("token expired")
	ErrMissingCredentials = errors.New("username and password are required")
)

// Service registers identities and issues, validates, and revokes their
// bearer tokens.
type Service struct {
	gw         *storage.Gateway
	db         *sql.DB
	cache      *redis.Client
	tokenTTL   time.Duration
	headerName string
	hashCost   int
}

// NewService constructs an auth service with the supplied token lifetime.
// cache may be nil.
func NewService(gw *storage.Gateway, cache *redis.Client, ttl time.Duration) *Service {
	if ttl <= 0 {
		ttl = DefaultTokenTTL
	}
	return &Service{
		gw:         gw,
		db:         gw.DB(),
		cache:      cache,
		tokenTTL:   ttl,
		headerName: "Authorization",
		hashCost:   bcrypt.DefaultCost,
	}
}

func (s *Service) q(query string) string {
	return storage.Rebind(s.gw.Dialect(), query)
}

// HashPassword returns the bcrypt hash stored as credential.
func (s *Service) HashPassword(password string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), s.hashCost)
	if err != nil {
		return "", fmt.Errorf("hash password: %w", err)
	}
	return string(hash), nil
}

// Register creates an identity. An existing identity yields storage.ErrConflict.
func (s *Service) Register(ctx context.Context, identity, password string) error {
	identity = strings.TrimSpace(identity)
	if identity == "" || strings.TrimSpace(password) == "" {
		return ErrMissingCredentials
	}
	hash, err := s.HashPassword(password)
	if err != nil {
		return err
	}
	return s.gw.CreateUser(ctx, identity, hash)
}

// Login verifies the credential and issues a fresh token.
func (s *Service) Login(ctx context.Context, identity, password string) (string, error) {
	identity = strings.TrimSpace(identity)
	if identity == "" || password == "" {
		return "", ErrMissingCredentials
	}
	ok, err := s.gw.VerifyCredential(ctx, identity, password)
	if err != nil {
		return "", err
	}
	if !ok {
		return "", ErrInvalidCredentials
	}
	return s.IssueToken(ctx, identity)
}

// ChangePassword rotates the credential and revokes every outstanding token.
func (s *Service) ChangePassword(ctx context.Context, identity, oldPassword, newPassword string) error {
	if strings.TrimSpace(newPassword) == "" {
		return ErrMissingCredentials
	}
	ok, err := s.gw.VerifyCredential(ctx, identity, oldPassword)
	if err != nil {
		return err
	}
	if !ok {
		return ErrInvalidCredentials
	}
	hash, err := s.HashPassword(newPassword)
	if err != nil {
		return err
	}
	if err := s.gw.RotateCredential(ctx, identity, hash); err != nil {
		return err
	}
	return s.RevokeUserTokens(ctx, identity)
}

// IssueToken mints a new random token for the identity and persists it.
func (s *Service) IssueToken(ctx context.Context, identity string) (string, error) {
	if identity == "" {
		return "", errors.New("identity required")
	}
	now := time.Now().UTC()
	expiresAt := now.Add(s.tokenTTL)
	var lastErr error
	for i := 0; i < 5; i++ {
		token, err := generateToken()
		if err != nil {
			return "", err
		}
		_, err = s.db.ExecContext(ctx,
			s.q(`INSERT INTO user_tokens (token, identity, created_at, expires_at) VALUES (?, ?, ?, ?)`),
			token, identity, now, expiresAt,
		)
		if err == nil {
			s.cacheToken(ctx, token, identity, s.tokenTTL)
			return token, nil
		}
		lastErr = err
	}
	return "", fmt.Errorf("could not issue token: %w", lastErr)
}

// ValidateToken verifies the token exists and has not expired, returning the identity.
func (s *Service) ValidateToken(ctx context.Context, authToken string) (string, error) {
	if authToken == "" {
		return "", ErrInvalidToken
	}
	if identity, ok := s.cachedToken(ctx, authToken); ok {
		return identity, nil
	}

	var identity string
	var expires time.Time
	err := s.db.QueryRowContext(ctx,
		s.q(`SELECT identity, expires_at FROM user_tokens WHERE token = ?`), authToken,
	).Scan(&identity, &expires)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", ErrInvalidToken
		}
		return "", fmt.Errorf("lookup token: %w: %w", storage.ErrUnavailable, err)
	}
	remaining := time.Until(expires)
	if remaining <= 0 {
		_, _ = s.db.ExecContext(ctx, s.q(`DELETE FROM user_tokens WHERE token = ?`), authToken)
		return "", ErrTokenExpired
	}
	s.cacheToken(ctx, authToken, identity, remaining)
	return identity, nil
}

// RevokeToken deletes a single token.
func (s *Service) RevokeToken(ctx context.Context, authToken string) error {
	if authToken == "" {
		return nil
	}
	if _, err := s.db.ExecContext(ctx, s.q(`DELETE FROM user_tokens WHERE token = ?`), authToken); err != nil {
		return fmt.Errorf("revoke token: %w", err)
	}
	s.evictTokens(ctx, authToken)
	return nil
}

// RevokeUserTokens removes all tokens belonging to the identity.
func (s *Service) RevokeUserTokens(ctx context.Context, identity string) error {
	if identity == "" {
		return nil
	}
	rows, err := s.db.QueryContext(ctx, s.q(`SELECT token FROM user_tokens WHERE identity = ?`), identity)
	if err != nil {
		return fmt.Errorf("revoke user tokens: %w", err)
	}
	var tokens []string
	for rows.Next() {
		var token string
		if err := rows.Scan(&token); err != nil {
			rows.Close()
			return fmt.Errorf("revoke user tokens: %w", err)
		}
		tokens = append(tokens, token)
	}
	rows.Close()

	if _, err := s.db.ExecContext(ctx, s.q(`DELETE FROM user_tokens WHERE identity = ?`), identity); err != nil {
		return fmt.Errorf("revoke user tokens: %w", err)
	}
	s.evictTokens(ctx, tokens...)
	return nil
}

// PurgeExpired deletes every expired token and reports how many were removed.
func (s *Service) PurgeExpired(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx, s.q(`DELETE FROM user_tokens WHERE expires_at <= ?`), time.Now().UTC())
	if err != nil {
		return 0, fmt.Errorf("purge tokens: %w", err)
	}
	return res.RowsAffected()
}

// StartTokenJanitor purges expired tokens every interval until ctx ends.
func (s *Service) StartTokenJanitor(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = DefaultCleanupInterval
	}
	go s.cleanupLoop(ctx, interval)
}

func (s *Service) cleanupLoop(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := s.PurgeExpired(ctx)
			if err != nil {
				applog.Warn("cleanup expired tokens failed", "err", err)
				continue
			}
			if n > 0 {
				applog.Debug("expired tokens purged", "count", n)
			}
		}
	}
}

func (s *Service) cacheToken(ctx context.Context, token, identity string, ttl time.Duration) {
	if s.cache == nil {
		return
	}
	if err := s.cache.Set(ctx, redisTokenPrefix+token, identity, ttl); err != nil {
		applog.Warn("cache token failed", "err", err)
	}
}

func (s *Service) cachedToken(ctx context.Context, token string) (string, bool) {
	if s.cache == nil {
		return "", false
	}
	identity, err := s.cache.Get(ctx, redisTokenPrefix+token)
	if err != nil {
		if !errors.Is(err, redis.ErrCacheMiss) {
			applog.Warn("load cached token failed", "err", err)
		}
		return "", false
	}
	return identity, identity != ""
}

func (s *Service) evictTokens(ctx context.Context, tokens ...string) {
	if s.cache == nil || len(tokens) == 0 {
		return
	}
	keys := make([]string, 0, len(tokens))
	for _, t := range tokens {
		keys = append(keys, redisTokenPrefix+t)
	}
	if err := s.cache.Del(ctx, keys...); err != nil {
		applog.Warn("evict cached tokens failed", "err", err)
	}
}

func generateToken() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate token: %w", err)
	}
	return hex.EncodeToString(buf), nil
}

// TokenTTL reports the configured token lifetime.
func (s *Service) TokenTTL() time.Duration {
	return s.tokenTTL
}
