package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"relister/internal/model"
	"relister/internal/store"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"
)

// CookieName 是会话令牌 cookie 的名称。
const CookieName = "s_token"

const maxSessionIDLen = 128

// Claims 是会话令牌的载荷；Subject 为操作员标识。
type Claims struct {
	jwt.RegisteredClaims
	SessionID string `json:"session_id"`
}

// SessionStore 是会话的持久化操作。
type SessionStore interface {
	GetSession(ctx context.Context, id string) (*model.Session, error)
	CreateSession(ctx context.Context, id, pinHash string) (*model.Session, bool, error)
}

// IssueToken 签发 HS256 令牌。
func IssueToken(secret []byte, sessionID, actor string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   actor,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
		SessionID: sessionID,
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(secret)
}

// ParseToken 校验签名与过期时间。
func ParseToken(secret []byte, tokenStr string) (*Claims, error) {
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenStr, claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return secret, nil
	})
	if err != nil {
		return nil, err
	}
	if !token.Valid || claims.SessionID == "" {
		return nil, errors.New("invalid token")
	}
	return claims, nil
}

// TokenFromRequest 依次读取 Authorization: Bearer 与 s_token cookie。
func TokenFromRequest(c *gin.Context) string {
	if h := c.GetHeader("Authorization"); h != "" {
		parts := strings.SplitN(h, " ", 2)
		if len(parts) == 2 && strings.EqualFold(parts[0], "Bearer") {
			return strings.TrimSpace(parts[1])
		}
	}
	if v, err := c.Cookie(CookieName); err == nil {
		return v
	}
	return ""
}

// Handler 提供会话打开与校验接口。
type Handler struct {
	store        SessionStore
	jwtSecret    []byte
	ttl          time.Duration
	cookieSecure bool
	logger       *slog.Logger
}

// NewHandler 创建 Auth Handler。
func NewHandler(st SessionStore, jwtSecret string, ttl time.Duration, cookieSecure bool, logger *slog.Logger) *Handler {
	if ttl <= 0 {
		ttl = 7 * 24 * time.Hour
	}
	return &Handler{
		store:        st,
		jwtSecret:    []byte(jwtSecret),
		ttl:          ttl,
		cookieSecure: cookieSecure,
		logger:       logger,
	}
}

type openRequest struct {
	SessionID string `json:"session_id"`
	PIN       string `json:"pin"`
	Actor     string `json:"actor"`
}

type openResponse struct {
	OK        bool   `json:"ok"`
	SessionID string `json:"session_id"`
	Actor     string `json:"actor"`
	Created   bool   `json:"created"`
	Token     string `json:"token"`
}

// Open 打开（必要时创建）会话并签发令牌。
//
// 首次打开时设置的 PIN 之后每次都需要提供。
func (h *Handler) Open(c *gin.Context) {
	var req openRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"ok": false, "error": "bad_request", "detail": err.Error()})
		return
	}
	sessionID := strings.TrimSpace(req.SessionID)
	if sessionID == "" || len(sessionID) > maxSessionIDLen {
		c.JSON(http.StatusBadRequest, gin.H{"ok": false, "error": "missing_session_id"})
		return
	}
	ctx := c.Request.Context()

	sess, err := h.store.GetSession(ctx, sessionID)
	created := false
	switch {
	case errors.Is(err, store.ErrNotFound):
		pinHash := ""
		if req.PIN != "" {
			hash, hashErr := bcrypt.GenerateFromPassword([]byte(req.PIN), bcrypt.DefaultCost)
			if hashErr != nil {
				c.JSON(http.StatusInternalServerError, gin.H{"ok": false, "error": "hash_pin_failed"})
				return
			}
			pinHash = string(hash)
		}
		sess, created, err = h.store.CreateSession(ctx, sessionID, pinHash)
		if err != nil {
			h.logger.Error("create session failed", slog.String("session_id", sessionID), slog.String("error", err.Error()))
			c.JSON(http.StatusInternalServerError, gin.H{"ok": false, "error": "db_error"})
			return
		}
	case err != nil:
		h.logger.Error("get session failed", slog.String("session_id", sessionID), slog.String("error", err.Error()))
		c.JSON(http.StatusInternalServerError, gin.H{"ok": false, "error": "db_error"})
		return
	}

	if !created && sess.PinHash != "" {
		if err := bcrypt.CompareHashAndPassword([]byte(sess.PinHash), []byte(req.PIN)); err != nil {
			c.JSON(http.StatusUnauthorized, gin.H{"ok": false, "error": "bad_pin"})
			return
		}
	}

	actor := strings.TrimSpace(req.Actor)
	if actor == "" {
		actor = "web-" + uuid.NewString()[:8]
	}
	token, err := IssueToken(h.jwtSecret, sessionID, actor, h.ttl)
	if err != nil {
		h.logger.Error("sign token failed", slog.String("session_id", sessionID), slog.String("error", err.Error()))
		c.JSON(http.StatusInternalServerError, gin.H{"ok": false, "error": "sign_token_failed"})
		return
	}

	c.SetSameSite(http.SameSiteLaxMode)
	c.SetCookie(CookieName, token, int(h.ttl.Seconds()), "/", "", h.cookieSecure, true)
	h.logger.Info("session opened",
		slog.String("session_id", sessionID),
		slog.String("actor", actor),
		slog.Bool("created", created))
	c.JSON(http.StatusOK, openResponse{OK: true, SessionID: sessionID, Actor: actor, Created: created, Token: token})
}

// Check 返回令牌所属的会话；?sid= 与令牌不一致时返回 401。
func (h *Handler) Check(c *gin.Context) {
	claims, err := ParseToken(h.jwtSecret, TokenFromRequest(c))
	if err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"ok": false, "error": "no_cookie"})
		return
	}
	if want := c.Query("sid"); want != "" && want != claims.SessionID {
		c.JSON(http.StatusUnauthorized, gin.H{"ok": false, "error": "sid_mismatch", "session_id": claims.SessionID})
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true, "session_id": claims.SessionID, "actor": claims.Subject})
}

// Whoami 对 /sessions/:id/whoami 返回令牌的会话，不匹配时 session_id 为 null。
func (h *Handler) Whoami(c *gin.Context) {
	claims, err := ParseToken(h.jwtSecret, TokenFromRequest(c))
	if err != nil || claims.SessionID != c.Param("id") {
		c.JSON(http.StatusOK, gin.H{"ok": true, "session_id": nil})
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true, "session_id": claims.SessionID, "actor": claims.Subject})
}

// Logout 清除 cookie（令牌本身无状态）。
func (h *Handler) Logout(c *gin.Context) {
	c.SetSameSite(http.SameSiteLaxMode)
	c.SetCookie(CookieName, "", -1, "/", "", h.cookieSecure, true)
	c.JSON(http.StatusOK, gin.H{"ok": true})
}
