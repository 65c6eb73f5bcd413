package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// caller：请求方身份。userId 来自鉴权中间件；clientId 标识一个标签页，作为写租约的 session ID（租约同时比较 userId）
type caller struct {
	UserID   string
	ClientID string
}

// identify 从 gin.Context 和 X-Client-Id（或 ?clientId=）取调用方；缺失时直接写 4xx 并返回 false
func identify(c *gin.Context) (caller, bool) {
	userID := c.GetString("userId")
	if userID == "" {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"code": "UNAUTHENTICATED", "message": "user context missing"})
		return caller{}, false
	}
	clientID := c.GetHeader("X-Client-Id")
	if clientID == "" {
		clientID = c.Query("clientId")
	}
	if clientID == "" {
		badRequest(c, "missing X-Client-Id")
		return caller{}, false
	}
	return caller{UserID: userID, ClientID: clientID}, true
}
