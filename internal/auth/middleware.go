package auth

import (
	"crypto/subtle"
	"net/http"

	"github.com/gin-contrib/sessions"
	"github.com/gin-gonic/gin"
)

type sessionState int

const (
	sessionNone sessionState = iota
	sessionValid
	sessionExpired
	sessionIdle
)

// ResolveIdentity は Bearer トークンまたはセッションから Identity を解決するミドルウェアです。
// 資格情報が無い場合は匿名のまま次へ進みます。
// Bearer トークンが不正な場合のみ 401 で中断します。
func (m *Manager) ResolveIdentity() gin.HandlerFunc {
	return func(c *gin.Context) {
		if header := c.GetHeader("Authorization"); header != "" {
			token, ok := bearerToken(header)
			if !ok {
				abortUnauthorized(c, "Authorization ヘッダーの形式が不正です")
				return
			}
			identity, err := m.ParseToken(token)
			if err != nil {
				abortUnauthorized(c, "アクセストークンが無効です")
				return
			}
			WithIdentity(c, identity)
			c.Next()
			return
		}

		if identity, state := m.sessionIdentity(c); state == sessionValid {
			WithIdentity(c, identity)
		}
		c.Next()
	}
}

// RequireLogin は認証済みのリクエストのみ通すミドルウェアです。
// ResolveIdentity の後に配置します。
func (m *Manager) RequireLogin() gin.HandlerFunc {
	return func(c *gin.Context) {
		if IdentityFromContext(c) != nil {
			c.Next()
			return
		}

		_, state := m.sessionIdentity(c)
		switch state {
		case sessionExpired:
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"code":    "SESSION_EXPIRED",
				"message": "セッションの有効期限が切れました",
			})
		case sessionIdle:
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"code":    "SESSION_IDLE_TIMEOUT",
				"message": "しばらく操作がなかったため再ログインしてください",
			})
		default:
			abortUnauthorized(c, "ログインが必要です")
		}
	}
}

// VerifyCSRF は X-CSRF-Token ヘッダーを検証するミドルウェアです。
// セッションで認証されたリクエストのみが対象です。
func (m *Manager) VerifyCSRF() gin.HandlerFunc {
	return func(c *gin.Context) {
		if isSafeMethod(c.Request.Method) {
			c.Next()
			return
		}
		if identity := IdentityFromContext(c); identity != nil && identity.Source == SourceBearer {
			c.Next()
			return
		}

		session := sessions.Default(c)
		if user, _ := session.Get(sessionKeyUser).(string); user == "" {
			c.Next()
			return
		}

		expected, ok := session.Get(sessionKeyCSRF).(string)
		if !ok || expected == "" {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
				"code":    "CSRF_MISSING",
				"message": "CSRF トークンが設定されていません",
			})
			return
		}

		received := c.GetHeader(csrfHeader)
		if subtle.ConstantTimeCompare([]byte(expected), []byte(received)) != 1 {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
				"code":    "CSRF_INVALID",
				"message": "CSRF トークンが一致しません",
			})
			return
		}

		c.Next()
	}
}

// sessionIdentity はセッションを検証し、有効なら最終アクセス時刻を更新します。
// 期限切れのセッションは破棄します。
func (m *Manager) sessionIdentity(c *gin.Context) (*Identity, sessionState) {
	session := sessions.Default(c)
	user, ok := session.Get(sessionKeyUser).(string)
	if !ok || user == "" {
		return nil, sessionNone
	}

	now := m.now()
	issuedAt := readUnix(session.Get(sessionKeyIssuedAt))
	lastActive := readUnix(session.Get(sessionKeyLastActive))

	if issuedAt.IsZero() || now.Sub(issuedAt) > maxSessionLifetime {
		session.Clear()
		_ = session.Save()
		return nil, sessionExpired
	}
	if lastActive.IsZero() || now.Sub(lastActive) > idleTimeout {
		session.Clear()
		_ = session.Save()
		return nil, sessionIdle
	}

	session.Set(sessionKeyLastActive, now.Unix())
	_ = session.Save()
	return &Identity{
		UserID: user,
		Tier:   readInt(session.Get(sessionKeyTier)),
		Source: SourceSession,
	}, sessionValid
}

func abortUnauthorized(c *gin.Context, message string) {
	c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
		"code":    "UNAUTHORIZED",
		"message": message,
	})
}
