package handlers

import (
	"context"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"folioServer/backend/internal/collab"
	"folioServer/backend/internal/model"
	"folioServer/backend/internal/store"
	"folioServer/backend/internal/treemerge"
)

// writeError 把领域错误映射为 HTTP 状态码和稳定的错误码
func writeError(c *gin.Context, err error) {
	status, code := http.StatusInternalServerError, "INTERNAL"
	body := gin.H{}

	var conflict *store.ConcurrencyError
	switch {
	case errors.As(err, &conflict):
		status, code = http.StatusConflict, "CONCURRENCY_CONFLICT"
		body["expectedVersion"] = conflict.Expected
		body["actualVersion"] = conflict.Actual
	case errors.Is(err, model.ErrNotFound):
		status, code = http.StatusNotFound, "NOT_FOUND"
	case errors.Is(err, model.ErrConcurrency):
		status, code = http.StatusConflict, "CONCURRENCY_CONFLICT"
	case errors.Is(err, model.ErrImportCycle):
		status, code = http.StatusUnprocessableEntity, "IMPORT_CYCLE"
	case errors.Is(err, treemerge.ErrExportCycle):
		status, code = http.StatusUnprocessableEntity, "EXPORT_CYCLE"
	case errors.Is(err, model.ErrInvalidPayload):
		status, code = http.StatusBadRequest, "INVALID_PAYLOAD"
	case errors.Is(err, collab.ErrNotWriter):
		status, code = http.StatusLocked, "NOT_WRITER"
	case errors.Is(err, collab.ErrTargetLocked):
		status, code = http.StatusLocked, "TARGET_LOCKED"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		status, code = http.StatusServiceUnavailable, "UNAVAILABLE"
	}
	_ = c.Error(err)
	body["code"] = code
	body["message"] = err.Error()
	c.AbortWithStatusJSON(status, body)
}

func badRequest(c *gin.Context, msg string) {
	c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"code": "BAD_REQUEST", "message": msg})
}
