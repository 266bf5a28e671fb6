package auth

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/yourusername/vidshelf/internal/audit"
)

type loginRequest struct {
	Username string `json:"username" binding:"required"`
	Password string `json:"password" binding:"required"`
}

// Login は POST /auth/login のハンドラーです。成功するとアクセストークンを返します。
func (m *Manager) Login(c *gin.Context) {
	var req loginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"code":    "INVALID_INPUT",
			"message": "username と password を JSON で送ってください",
		})
		return
	}

	if err := m.ensureCredentials(); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"code":    "SERVER_MISCONFIGURATION",
			"message": err.Error(),
		})
		return
	}

	ip := c.ClientIP()
	if retryAfter := m.checkLock(ip); retryAfter > 0 {
		c.Header("Retry-After", retryAfterSeconds(retryAfter))
		c.JSON(http.StatusTooManyRequests, gin.H{
			"code":    "TOO_MANY_ATTEMPTS",
			"message": "一定時間後に再度お試しください",
		})
		return
	}

	if req.Username != m.cfg.AppUsername || !m.verifyPassword(req.Password) {
		remaining := m.recordFailure(ip)
		m.logger.Warn("login failed", "ip", ip, "remaining_attempts", remaining)
		c.JSON(http.StatusUnauthorized, gin.H{
			"code":              "INVALID_CREDENTIALS",
			"message":           "ユーザー名またはパスワードが正しくありません",
			"remainingAttempts": remaining,
		})
		return
	}

	m.resetAttempts(ip)

	token, expiresAt, err := m.tokens.Create(m.cfg.AppUsername)
	if err != nil {
		m.logger.Error("token generation failed", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{
			"code":    "TOKEN_GENERATION_FAILED",
			"message": "トークンの生成に失敗しました",
		})
		return
	}

	m.logger.Info("login succeeded", "ip", ip, "user", m.cfg.AppUsername)
	c.JSON(http.StatusOK, gin.H{
		"token":     token,
		"expiresAt": expiresAt.UTC(),
	})
}

// Validate は POST /auth/validate のハンドラーです。RequireAuth の後段で使います。
func (m *Manager) Validate(c *gin.Context) {
	principal, _ := c.Get(audit.ContextPrincipalKey)
	c.JSON(http.StatusOK, gin.H{
		"valid":     true,
		"principal": principal,
	})
}
