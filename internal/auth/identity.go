package auth

import "github.com/gin-gonic/gin"

// Identity はリクエスト元のユーザーです。
type Identity struct {
	UserID string
	Tier   int
	// Source は識別方法（bearer / session）です。
	Source string
}

const (
	SourceBearer  = "bearer"
	SourceSession = "session"
)

// ContextIdentityKey はハンドラー間で Identity を共有するためのキーです。
const ContextIdentityKey = "auth.identity"

// IdentityFromContext は ResolveIdentity が設定した Identity を返します。未認証なら nil です。
func IdentityFromContext(c *gin.Context) *Identity {
	v, ok := c.Get(ContextIdentityKey)
	if !ok {
		return nil
	}
	identity, ok := v.(*Identity)
	if !ok {
		return nil
	}
	return identity
}

// WithIdentity は Identity をコンテキストに設定します。
func WithIdentity(c *gin.Context, identity *Identity) {
	if identity == nil {
		return
	}
	c.Set(ContextIdentityKey, identity)
}
