package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"folioServer/backend/internal/cache"
)

// ViewerHandler 只读的查看者名册；未配置 Redis 时 roster 为 nil，返回空列表
type ViewerHandler struct {
	roster cache.ViewerRoster
}

func NewViewerHandler(roster cache.ViewerRoster) *ViewerHandler {
	return &ViewerHandler{roster: roster}
}

// GET /docs/:id/viewers
func (h *ViewerHandler) List(c *gin.Context) {
	viewers := []cache.Viewer{}
	if h.roster != nil {
		alive, err := h.roster.AliveMembers(c.Request.Context(), c.Param("id"))
		if err != nil {
			writeError(c, err)
			return
		}
		viewers = append(viewers, alive...)
	}
	c.JSON(http.StatusOK, gin.H{"viewers": viewers})
}

// GET /viewers 当前有人在看的文档
func (h *ViewerHandler) Documents(c *gin.Context) {
	docs := []string{}
	if h.roster != nil {
		ids, err := h.roster.Documents(c.Request.Context())
		if err != nil {
			writeError(c, err)
			return
		}
		docs = append(docs, ids...)
	}
	c.JSON(http.StatusOK, gin.H{"documents": docs})
}
