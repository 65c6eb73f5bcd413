package ws

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"folioServer/backend/internal/collab"
	"folioServer/backend/internal/model"
)

// 允许本地开发环境的来源；其余来源需在 AllowedOrigins 中配置
func newUpgrader(allowed []string) websocket.Upgrader {
	prefixes := append([]string{
		"http://localhost",
		"http://127.0.0.1",
		"https://localhost",
		"https://127.0.0.1",
	}, allowed...)
	return websocket.Upgrader{CheckOrigin: func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		// 一些环境不发送 Origin，或为 "null"
		if origin == "" || origin == "null" {
			return true
		}
		for _, p := range prefixes {
			if strings.HasPrefix(origin, p) {
				return true
			}
		}
		return false
	}}
}

type Manager struct {
	h        *Hub
	svc      *collab.Service
	log      zerolog.Logger
	upgrader websocket.Upgrader
}

func NewManager(h *Hub, svc *collab.Service, log zerolog.Logger, allowedOrigins []string) *Manager {
	return &Manager{h: h, svc: svc, log: log, upgrader: newUpgrader(allowedOrigins)}
}

// WebSocketConnect GET /collab/ws?clientId=&docId=
// userId/username 由鉴权中间件写入 gin.Context；docId 非空时连接后立即加入该文档房间
func (m *Manager) WebSocketConnect(c *gin.Context) {
	userID := c.GetString("userId")
	username := c.GetString("username")
	clientID := c.Query("clientId")
	if clientID == "" {
		clientID = model.NewID()
	}

	conn, err := m.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		m.log.Warn().Err(err).Str("origin", c.Request.Header.Get("Origin")).Msg("websocket upgrade error")
		return
	}
	defer conn.Close()

	wsConn := NewConn(conn, m.h, m.svc, m.log, userID, username, clientID)

	// 先启动写循环，保证后续写入 send 的消息能及时发出
	go wsConn.writeLoop()
	wsConn.Enqueue(ServerMessage{Type: "welcome", UserID: userID, ClientID: clientID})
	if docID := c.Query("docId"); docID != "" {
		wsConn.join(c.Request.Context(), docID)
	}

	// 阻塞直到连接关闭
	wsConn.readLoop(c.Request.Context())
}
