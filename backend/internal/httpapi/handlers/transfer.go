package handlers

import (
	"io"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"folioServer/backend/internal/collab"
	"folioServer/backend/internal/treemerge"
)

// 导入负载上限
const maxPayloadBytes = 8 << 20

type TransferHandler struct {
	svc *collab.Service
}

func NewTransferHandler(svc *collab.Service) *TransferHandler {
	return &TransferHandler{svc: svc}
}

// GET /docs/:id/export?collectionId=|pageId=
// 默认导出整份文档
func (h *TransferHandler) Export(c *gin.Context) {
	ctx := c.Request.Context()
	id := c.Param("id")
	var (
		out any
		err error
	)
	switch {
	case c.Query("pageId") != "":
		out, err = h.svc.ExportPage(ctx, id, c.Query("pageId"))
	case c.Query("collectionId") != "":
		out, err = h.svc.ExportCollection(ctx, id, c.Query("collectionId"))
	default:
		out, err = h.svc.ExportDocument(ctx, id)
	}
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, out)
}

// POST /docs/:id/import?overwrite=&freshIds=&parentId=&expectedVersion=
// body 为 page / collection / document 任一种导出格式
func (h *TransferHandler) Import(c *gin.Context) {
	who, ok := identify(c)
	if !ok {
		return
	}
	raw, ok := readPayload(c)
	if !ok {
		return
	}
	opts := treemerge.Options{
		Overwrite: queryBool(c, "overwrite"),
		FreshIDs:  queryBool(c, "freshIds"),
		ParentID:  c.Query("parentId"),
	}
	req := collab.ImportRequest{DocID: c.Param("id"), UserID: who.UserID, SessionID: who.ClientID, Payload: raw, Options: opts}
	if v := c.Query("expectedVersion"); v != "" {
		n, err := strconv.ParseUint(v, 10, 64)
		if err != nil {
			badRequest(c, "invalid expectedVersion")
			return
		}
		req.ExpectedVersion = &n
	}
	res, err := h.svc.ImportPayload(c.Request.Context(), req)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

// POST /detect 只探测负载类型，不修改任何文档
func (h *TransferHandler) Detect(c *gin.Context) {
	raw, ok := readPayload(c)
	if !ok {
		return
	}
	d, err := treemerge.Detect(raw)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"kind": d.Kind})
}

func readPayload(c *gin.Context) ([]byte, bool) {
	raw, err := io.ReadAll(io.LimitReader(c.Request.Body, maxPayloadBytes+1))
	if err != nil {
		badRequest(c, err.Error())
		return nil, false
	}
	if len(raw) > maxPayloadBytes {
		c.AbortWithStatusJSON(http.StatusRequestEntityTooLarge, gin.H{"code": "PAYLOAD_TOO_LARGE", "message": "payload too large"})
		return nil, false
	}
	return raw, true
}

func queryBool(c *gin.Context, key string) bool {
	b, _ := strconv.ParseBool(c.Query(key))
	return b
}
