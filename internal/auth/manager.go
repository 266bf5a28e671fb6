// Package auth は APIキー / JWT による認証とレート制限を提供します。
package auth

import (
	"crypto/subtle"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/crypto/bcrypt"

	"github.com/yourusername/vidshelf/internal/audit"
	"github.com/yourusername/vidshelf/internal/config"
)

const (
	apiKeyHeader = "X-API-Key"
	bearerPrefix = "Bearer "
)

var (
	loginWindow      = 15 * time.Minute
	lockDuration     = 10 * time.Minute
	maxLoginAttempts = 5
)

type attemptState struct {
	count        int
	firstAttempt time.Time
	lockedUntil  time.Time
}

// Manager は認証処理と状態をまとめた構造体です。
type Manager struct {
	cfg      *config.Config
	tokens   *TokenFactory
	logger   *slog.Logger
	now      func() time.Time
	lock     sync.Mutex
	attempts map[string]*attemptState
	warnOnce sync.Once
}

// NewManager は認証マネージャーを作成します。
func NewManager(cfg *config.Config, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		cfg: cfg,
		tokens: &TokenFactory{
			Secret:        []byte(cfg.JWTSecret),
			TokenValidity: cfg.JWTTTL,
		},
		logger:   logger.With("component", "auth"),
		now:      time.Now,
		attempts: make(map[string]*attemptState),
	}
}

// RequireAuth は X-API-Key ヘッダーまたは Bearer トークンを検証するミドルウェアを返します。
// 認証情報が1つも設定されていない場合（開発環境）は検証を行いません。
func (m *Manager) RequireAuth() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !m.credentialsConfigured() {
			m.warnOnce.Do(func() {
				m.logger.Warn("no API key or login configured, requests are not authenticated")
			})
			c.Next()
			return
		}

		if key := c.GetHeader(apiKeyHeader); key != "" {
			if !m.verifyAPIKey(key) {
				m.logger.Warn("Invalid API key attempt", "providedKey", maskKey(key), "ip", c.ClientIP())
				abortUnauthorized(c, "INVALID_API_KEY", "APIキーが正しくありません")
				return
			}
			c.Set(audit.ContextPrincipalKey, "api-key")
			c.Next()
			return
		}

		if header := c.GetHeader("Authorization"); strings.HasPrefix(header, bearerPrefix) {
			subject, err := m.tokens.Parse(strings.TrimSpace(strings.TrimPrefix(header, bearerPrefix)))
			if err != nil {
				m.logger.Warn("Invalid bearer token", "ip", c.ClientIP(), "error", err)
				abortUnauthorized(c, "INVALID_TOKEN", "トークンが無効または期限切れです")
				return
			}
			c.Set(audit.ContextPrincipalKey, subject)
			c.Next()
			return
		}

		m.logger.Warn("Missing API key in request", "ip", c.ClientIP(), "path", c.Request.URL.Path)
		abortUnauthorized(c, "UNAUTHORIZED", "APIキーまたはトークンが必要です")
	}
}

func abortUnauthorized(c *gin.Context, code, message string) {
	c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
		"code":    code,
		"message": message,
	})
}

func (m *Manager) credentialsConfigured() bool {
	return m.cfg.APIKey != "" || m.cfg.APIKeyHash != "" || m.cfg.LoginEnabled()
}

func (m *Manager) verifyAPIKey(key string) bool {
	if m.cfg.APIKey != "" && subtle.ConstantTimeCompare([]byte(m.cfg.APIKey), []byte(key)) == 1 {
		return true
	}
	if m.cfg.APIKeyHash != "" && bcrypt.CompareHashAndPassword([]byte(m.cfg.APIKeyHash), []byte(key)) == nil {
		return true
	}
	return false
}

func maskKey(key string) string {
	if len(key) <= 4 {
		return "..."
	}
	return key[:4] + "..."
}

func (m *Manager) ensureCredentials() error {
	if m.cfg.AppUsername == "" {
		return errors.New("APP_USERNAME が設定されていません")
	}
	if m.cfg.AppPasswordHash == "" {
		return errors.New("APP_PASSWORD_HASH が設定されていません")
	}
	if m.cfg.JWTSecret == "" {
		return errors.New("JWT_SECRET が設定されていません")
	}
	return nil
}

func (m *Manager) verifyPassword(password string) bool {
	return bcrypt.CompareHashAndPassword([]byte(m.cfg.AppPasswordHash), []byte(password)) == nil
}

func (m *Manager) checkLock(ip string) time.Duration {
	m.lock.Lock()
	defer m.lock.Unlock()

	state, ok := m.attempts[ip]
	if !ok {
		return 0
	}
	now := m.now()
	if now.After(state.lockedUntil) {
		return 0
	}
	return state.lockedUntil.Sub(now)
}

func (m *Manager) recordFailure(ip string) int {
	m.lock.Lock()
	defer m.lock.Unlock()

	now := m.now()
	state, ok := m.attempts[ip]
	expired := ok && !state.lockedUntil.IsZero() && now.After(state.lockedUntil)
	if !ok || expired || now.Sub(state.firstAttempt) > loginWindow {
		state = &attemptState{firstAttempt: now}
		m.attempts[ip] = state
	}

	state.count++
	if state.count >= maxLoginAttempts {
		state.lockedUntil = now.Add(lockDuration)
		state.count = maxLoginAttempts
	}
	return maxLoginAttempts - state.count
}

func (m *Manager) resetAttempts(ip string) {
	m.lock.Lock()
	defer m.lock.Unlock()
	delete(m.attempts, ip)
}

func retryAfterSeconds(d time.Duration) string {
	secs := int64(d / time.Second)
	if d%time.Second != 0 {
		secs++
	}
	return strconv.FormatInt(secs, 10)
}
