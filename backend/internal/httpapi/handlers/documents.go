package handlers

import (
	"context"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"folioServer/backend/internal/collab"
	"folioServer/backend/internal/model"
	"folioServer/backend/internal/store"
)

// HistoryStore：已归档的历史版本（MySQL 快照），未配置时为 nil
type HistoryStore interface {
	ListSnapshots(ctx context.Context, docID string, limit int) ([]store.DocumentSnapshot, error)
}

type DocumentHandler struct {
	svc     *collab.Service
	history HistoryStore
	log     zerolog.Logger
}

func NewDocumentHandler(svc *collab.Service, history HistoryStore, log zerolog.Logger) *DocumentHandler {
	return &DocumentHandler{svc: svc, history: history, log: log}
}

// GET /docs
func (h *DocumentHandler) List(c *gin.Context) {
	metas, err := h.svc.ListDocuments(c.Request.Context())
	if err != nil {
		writeError(c, err)
		return
	}
	if metas == nil {
		metas = []model.DocMeta{}
	}
	c.JSON(http.StatusOK, gin.H{"documents": metas})
}

type createReq struct {
	Name string `json:"name" binding:"required"`
}

// POST /docs
func (h *DocumentHandler) Create(c *gin.Context) {
	var req createReq
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err.Error())
		return
	}
	doc, meta, err := h.svc.CreateDocument(c.Request.Context(), req.Name)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"meta": meta, "document": doc})
}

// GET /docs/:id
func (h *DocumentHandler) Get(c *gin.Context) {
	doc, version, err := h.svc.OpenDocument(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"version": version, "document": doc})
}

type saveReq struct {
	Document        *model.Document `json:"document" binding:"required"`
	ExpectedVersion *uint64         `json:"expectedVersion"`
	Structural      bool            `json:"structural"`
}

// PUT /docs/:id 整份保存，调用方必须持有写租约
func (h *DocumentHandler) Save(c *gin.Context) {
	who, ok := identify(c)
	if !ok {
		return
	}
	var req saveReq
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err.Error())
		return
	}
	req.Document.ID = c.Param("id")
	version, err := h.svc.SaveDocument(c.Request.Context(), who.UserID, who.ClientID, req.Document, req.ExpectedVersion, req.Structural)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"version": version})
}

type renameReq struct {
	Name string `json:"name" binding:"required"`
}

// PATCH /docs/:id
func (h *DocumentHandler) Rename(c *gin.Context) {
	var req renameReq
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err.Error())
		return
	}
	if err := h.svc.RenameDocument(c.Request.Context(), c.Param("id"), req.Name); err != nil {
		writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// DELETE /docs/:id
func (h *DocumentHandler) Delete(c *gin.Context) {
	if err := h.svc.DeleteDocument(c.Request.Context(), c.Param("id")); err != nil {
		writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// GET /docs/:id/integrity
func (h *DocumentHandler) Integrity(c *gin.Context) {
	report, err := h.svc.Check(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": report.OK(), "report": report})
}

type snippetReq struct {
	HTML            string  `json:"html"`
	ExpectedVersion *uint64 `json:"expectedVersion"`
}

// PUT /docs/:id/pages/:pageId/snippets/:snippetId
func (h *DocumentHandler) EditSnippet(c *gin.Context) {
	who, ok := identify(c)
	if !ok {
		return
	}
	var req snippetReq
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err.Error())
		return
	}
	version, err := h.svc.EditSnippet(c.Request.Context(), collab.SnippetEdit{
		DocID:           c.Param("id"),
		PageID:          c.Param("pageId"),
		SnippetID:       c.Param("snippetId"),
		HTML:            req.HTML,
		UserID:          who.UserID,
		ClientID:        who.ClientID,
		SessionID:       who.ClientID,
		ExpectedVersion: req.ExpectedVersion,
	})
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"version": version})
}

// GET /docs/:id/history?limit=
func (h *DocumentHandler) History(c *gin.Context) {
	if h.history == nil {
		c.AbortWithStatusJSON(http.StatusNotImplemented, gin.H{"code": "HISTORY_DISABLED", "message": "snapshot archive not configured"})
		return
	}
	limit, err := strconv.Atoi(c.DefaultQuery("limit", "20"))
	if err != nil || limit <= 0 {
		badRequest(c, "invalid limit")
		return
	}
	if _, err := h.svc.Meta(c.Request.Context(), c.Param("id")); err != nil {
		writeError(c, err)
		return
	}
	snaps, err := h.history.ListSnapshots(c.Request.Context(), c.Param("id"), limit)
	if err != nil {
		writeError(c, err)
		return
	}
	if snaps == nil {
		snaps = []store.DocumentSnapshot{}
	}
	c.JSON(http.StatusOK, gin.H{"snapshots": snaps})
}
