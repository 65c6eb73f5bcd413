package handlers

import (
	"errors"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"

	"folioServer/backend/internal/lease"
	"folioServer/backend/internal/model"
)

// LeaseHandler 写租约和片段锁。Denied 不是错误：返回 200 和当前持有者，由客户端决定是否抢占
type LeaseHandler struct {
	writers *lease.WriterLeases
	locks   *lease.PresenceLocks
}

func NewLeaseHandler(writers *lease.WriterLeases, locks *lease.PresenceLocks) *LeaseHandler {
	return &LeaseHandler{writers: writers, locks: locks}
}

type forceReq struct {
	Force bool `json:"force"`
}

// POST /docs/:id/writer
func (h *LeaseHandler) BecomeWriter(c *gin.Context) {
	who, ok := identify(c)
	if !ok {
		return
	}
	var req forceReq
	// body 可省略
	if err := c.ShouldBindJSON(&req); err != nil && !errors.Is(err, io.EOF) {
		badRequest(c, err.Error())
		return
	}
	res := h.writers.TryBecomeWriter(c.Param("id"), who.UserID, who.ClientID, req.Force)
	c.JSON(http.StatusOK, res)
}

// POST /docs/:id/writer/heartbeat
func (h *LeaseHandler) WriterHeartbeat(c *gin.Context) {
	who, ok := identify(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, gin.H{"alive": h.writers.Heartbeat(c.Param("id"), who.UserID, who.ClientID)})
}

// DELETE /docs/:id/writer
func (h *LeaseHandler) ReleaseWriter(c *gin.Context) {
	who, ok := identify(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, gin.H{"released": h.writers.Release(c.Param("id"), who.UserID, who.ClientID)})
}

// GET /docs/:id/writer
func (h *LeaseHandler) GetWriter(c *gin.Context) {
	holder, ok := h.writers.Holder(c.Param("id"))
	if !ok {
		c.JSON(http.StatusOK, gin.H{"writer": nil})
		return
	}
	c.JSON(http.StatusOK, gin.H{"writer": holder})
}

// GET /docs/:id/locks
func (h *LeaseHandler) ListLocks(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"locks": h.locks.ListDocument(c.Param("id"))})
}

type lockReq struct {
	Target   string `json:"target" binding:"required"`
	Override bool   `json:"override"`
}

// POST /docs/:id/locks
func (h *LeaseHandler) AcquireLock(c *gin.Context) {
	who, ok := identify(c)
	if !ok {
		return
	}
	var req lockReq
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err.Error())
		return
	}
	key := model.LockKey{DocID: c.Param("id"), Target: req.Target}
	c.JSON(http.StatusOK, h.locks.TryAcquire(key, who.UserID, who.ClientID, req.Override))
}

type targetReq struct {
	Target string `json:"target" binding:"required"`
}

// POST /docs/:id/locks/heartbeat
func (h *LeaseHandler) LockHeartbeat(c *gin.Context) {
	who, ok := identify(c)
	if !ok {
		return
	}
	var req targetReq
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err.Error())
		return
	}
	key := model.LockKey{DocID: c.Param("id"), Target: req.Target}
	c.JSON(http.StatusOK, gin.H{"alive": h.locks.Heartbeat(key, who.UserID, who.ClientID)})
}

// DELETE /docs/:id/locks?target=
func (h *LeaseHandler) ReleaseLock(c *gin.Context) {
	who, ok := identify(c)
	if !ok {
		return
	}
	target := c.Query("target")
	if target == "" {
		badRequest(c, "missing target")
		return
	}
	key := model.LockKey{DocID: c.Param("id"), Target: target}
	c.JSON(http.StatusOK, gin.H{"released": h.locks.Release(key, who.UserID, who.ClientID)})
}
