// Package httpapi wires the gin engine: middlewares, the authenticated /v1
// document API and the websocket entry point.
package httpapi

import (
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"folioServer/backend/internal/cache"
	"folioServer/backend/internal/collab"
	"folioServer/backend/internal/httpapi/handlers"
	"folioServer/backend/internal/httpapi/middleware"
	"folioServer/backend/internal/logging"
	"folioServer/backend/internal/ws"
)

type RouterDeps struct {
	Service *collab.Service
	// 可为 nil（未配置 MySQL）
	History handlers.HistoryStore
	// 可为 nil（未配置 Redis）
	Roster cache.ViewerRoster
	// 可为 nil（不提供 websocket）
	Manager *ws.Manager
	Secret  []byte
	Logger  zerolog.Logger
}

func NewRouter(deps RouterDeps) *gin.Engine {
	r := gin.New()
	r.Use(logging.GinLogger(deps.Logger))
	r.Use(gin.Recovery())
	r.Use(cors.New(cors.Config{
		// 允许任意来源（包含 file:// 场景的 Origin: null）
		AllowOriginFunc:  func(origin string) bool { return true },
		AllowMethods:     []string{"GET", "POST", "PUT", "PATCH", "DELETE", "HEAD", "OPTIONS"},
		AllowHeaders:     []string{"Origin", "Content-Type", "Accept", "Authorization", "X-Client-Id"},
		ExposeHeaders:    []string{"Content-Length"},
		AllowCredentials: false,
		MaxAge:           12 * time.Hour,
	}))

	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"message": "ok"})
	})

	auth := middleware.AuthMiddleware(deps.Secret)
	docs := handlers.NewDocumentHandler(deps.Service, deps.History, deps.Logger)
	leases := handlers.NewLeaseHandler(deps.Service.Writers(), deps.Service.Locks())
	transfer := handlers.NewTransferHandler(deps.Service)
	viewers := handlers.NewViewerHandler(deps.Roster)

	v1 := r.Group("/v1")
	v1.Use(auth)
	{
		v1.GET("/docs", docs.List)
		v1.POST("/docs", docs.Create)
		v1.GET("/docs/:id", docs.Get)
		v1.PUT("/docs/:id", docs.Save)
		v1.PATCH("/docs/:id", docs.Rename)
		v1.DELETE("/docs/:id", docs.Delete)
		v1.GET("/docs/:id/integrity", docs.Integrity)
		v1.GET("/docs/:id/history", docs.History)
		v1.GET("/docs/:id/viewers", viewers.List)
		v1.PUT("/docs/:id/pages/:pageId/snippets/:snippetId", docs.EditSnippet)

		v1.GET("/docs/:id/writer", leases.GetWriter)
		v1.POST("/docs/:id/writer", leases.BecomeWriter)
		v1.POST("/docs/:id/writer/heartbeat", leases.WriterHeartbeat)
		v1.DELETE("/docs/:id/writer", leases.ReleaseWriter)
		v1.GET("/docs/:id/locks", leases.ListLocks)
		v1.POST("/docs/:id/locks", leases.AcquireLock)
		v1.POST("/docs/:id/locks/heartbeat", leases.LockHeartbeat)
		v1.DELETE("/docs/:id/locks", leases.ReleaseLock)

		v1.GET("/docs/:id/export", transfer.Export)
		v1.POST("/docs/:id/import", transfer.Import)
		v1.POST("/detect", transfer.Detect)
		v1.GET("/viewers", viewers.Documents)
	}

	if deps.Manager != nil {
		// 会从 Authorization 或 ?token= 取令牌
		collabGroup := r.Group("/collab")
		collabGroup.Use(auth)
		collabGroup.GET("/ws", deps.Manager.WebSocketConnect)
	}
	return r
}
