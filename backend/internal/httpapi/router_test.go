package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"folioServer/backend/internal/collab"
	"folioServer/backend/internal/htmlfilter"
	"folioServer/backend/internal/httpapi/middleware"
	"folioServer/backend/internal/lease"
	"folioServer/backend/internal/model"
	"folioServer/backend/internal/store"
)

var testSecret = []byte("router-secret")

type fakeHistory struct{}

func (fakeHistory) ListSnapshots(_ context.Context, docID string, limit int) ([]store.DocumentSnapshot, error) {
	return []store.DocumentSnapshot{{DocumentID: docID, Revision: 1, Content: "{}"}}, nil
}

type apiClient struct {
	t     *testing.T
	r     http.Handler
	token string
}

func newAPI(t *testing.T) *apiClient {
	t.Helper()
	gin.SetMode(gin.TestMode)
	catalog, err := store.NewCatalog(t.TempDir(), store.CatalogOptions{Logger: zerolog.Nop()})
	require.NoError(t, err)
	svc := collab.NewService(collab.ServiceDeps{
		Store:   catalog,
		Writers: lease.NewWriterLeases(lease.Options{}),
		Locks:   lease.NewPresenceLocks(lease.Options{}),
		HTML:    htmlfilter.New(),
		Logger:  zerolog.Nop(),
	})
	r := NewRouter(RouterDeps{Service: svc, History: fakeHistory{}, Secret: testSecret, Logger: zerolog.Nop()})
	token, err := middleware.SignAccessToken(testSecret, "u-1", "alice", time.Hour)
	require.NoError(t, err)
	return &apiClient{t: t, r: r, token: token}
}

// do 发请求；body 为 string 时原样发送，否则编码为 JSON
func (a *apiClient) do(method, path, clientID string, body any) *httptest.ResponseRecorder {
	a.t.Helper()
	var buf bytes.Buffer
	switch b := body.(type) {
	case nil:
	case string:
		buf.WriteString(b)
	default:
		require.NoError(a.t, json.NewEncoder(&buf).Encode(b))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if a.token != "" {
		req.Header.Set("Authorization", "Bearer "+a.token)
	}
	if clientID != "" {
		req.Header.Set("X-Client-Id", clientID)
	}
	w := httptest.NewRecorder()
	a.r.ServeHTTP(w, req)
	return w
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out), w.Body.String())
	return out
}

type errBody struct {
	Code          string `json:"code"`
	ActualVersion uint64 `json:"actualVersion"`
}

func TestRouter_HealthAndAuth(t *testing.T) {
	api := newAPI(t)
	assert.Equal(t, http.StatusOK, api.do(http.MethodGet, "/healthz", "", nil).Code)

	api.token = ""
	assert.Equal(t, http.StatusUnauthorized, api.do(http.MethodGet, "/v1/docs", "", nil).Code)
}

func TestRouter_DocumentLifecycle(t *testing.T) {
	api := newAPI(t)

	w := api.do(http.MethodPost, "/v1/docs", "", map[string]string{"name": "notes"})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	created := decode[struct {
		Meta     model.DocMeta  `json:"meta"`
		Document model.Document `json:"document"`
	}](t, w)
	id := created.Meta.ID
	require.NotEmpty(t, id)

	w = api.do(http.MethodGet, "/v1/docs", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	list := decode[struct {
		Documents []model.DocMeta `json:"documents"`
	}](t, w)
	require.Len(t, list.Documents, 1)

	// 编辑本地副本
	doc := created.Document
	page, err := doc.AddPage(doc.RootCollectionID, "Intro")
	require.NoError(t, err)
	snippet, err := doc.AddSnippet(page.ID, "")
	require.NoError(t, err)
	save := map[string]any{"document": doc, "expectedVersion": 0, "structural": true}

	// 没有写租约
	w = api.do(http.MethodPut, "/v1/docs/"+id, "c1", save)
	assert.Equal(t, http.StatusLocked, w.Code)
	assert.Equal(t, "NOT_WRITER", decode[errBody](t, w).Code)

	// 缺少客户端标识
	assert.Equal(t, http.StatusBadRequest, api.do(http.MethodPost, "/v1/docs/"+id+"/writer", "", nil).Code)

	w = api.do(http.MethodPost, "/v1/docs/"+id+"/writer", "c1", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, lease.Granted, decode[lease.WriterResult](t, w).Outcome)

	w = api.do(http.MethodPost, "/v1/docs/"+id+"/writer", "c2", map[string]bool{"force": false})
	require.Equal(t, http.StatusOK, w.Code)
	denied := decode[lease.WriterResult](t, w)
	assert.Equal(t, lease.Denied, denied.Outcome)
	assert.Equal(t, "c1", denied.Holder.SessionID)

	w = api.do(http.MethodPut, "/v1/docs/"+id, "c1", save)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.EqualValues(t, 1, decode[map[string]any](t, w)["version"])

	// 同一个基线版本再次保存
	w = api.do(http.MethodPut, "/v1/docs/"+id, "c1", save)
	require.Equal(t, http.StatusConflict, w.Code)
	conflict := decode[errBody](t, w)
	assert.Equal(t, "CONCURRENCY_CONFLICT", conflict.Code)
	assert.Equal(t, uint64(1), conflict.ActualVersion)

	w = api.do(http.MethodPost, "/v1/docs/"+id+"/writer/heartbeat", "c1", nil)
	assert.Equal(t, true, decode[map[string]any](t, w)["alive"])

	// 片段锁：c2 锁住后 c1（即便是 writer）也不能改
	target := model.SnippetTarget(snippet.ID)
	w = api.do(http.MethodPost, "/v1/docs/"+id+"/locks", "c2", map[string]any{"target": target})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, lease.Granted, decode[lease.LockResult](t, w).Outcome)

	snippetPath := "/v1/docs/" + id + "/pages/" + page.ID + "/snippets/" + snippet.ID
	w = api.do(http.MethodPut, snippetPath, "c1", map[string]string{"html": "<p>c1</p>"})
	assert.Equal(t, http.StatusLocked, w.Code)
	assert.Equal(t, "TARGET_LOCKED", decode[errBody](t, w).Code)

	w = api.do(http.MethodPut, snippetPath, "c2", map[string]string{"html": `<p onclick="x()">c2</p>`})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.EqualValues(t, 2, decode[map[string]any](t, w)["version"])

	w = api.do(http.MethodGet, "/v1/docs/"+id+"/locks", "", nil)
	locks := decode[struct {
		Locks map[string]model.LockInfo `json:"locks"`
	}](t, w)
	assert.Equal(t, "c2", locks.Locks[target].OwnerClientID)

	w = api.do(http.MethodDelete, "/v1/docs/"+id+"/locks?target="+target, "c2", nil)
	assert.Equal(t, true, decode[map[string]any](t, w)["released"])

	w = api.do(http.MethodGet, "/v1/docs/"+id, "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	got := decode[struct {
		Version  uint64         `json:"version"`
		Document model.Document `json:"document"`
	}](t, w)
	assert.Equal(t, uint64(2), got.Version)
	assert.Equal(t, "<p>c2</p>", got.Document.Pages[page.ID].Snippets[0].HTML)

	w = api.do(http.MethodGet, "/v1/docs/"+id+"/integrity", "", nil)
	assert.Equal(t, true, decode[map[string]any](t, w)["ok"])

	w = api.do(http.MethodGet, "/v1/docs/"+id+"/history?limit=5", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"revision":1`)

	w = api.do(http.MethodGet, "/v1/docs/"+id+"/viewers", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"viewers":[]}`, w.Body.String())
	w = api.do(http.MethodGet, "/v1/viewers", "", nil)
	assert.JSONEq(t, `{"documents":[]}`, w.Body.String())

	w = api.do(http.MethodPatch, "/v1/docs/"+id, "", map[string]string{"name": "renamed"})
	assert.Equal(t, http.StatusNoContent, w.Code)

	w = api.do(http.MethodDelete, "/v1/docs/"+id+"/writer", "c1", nil)
	assert.Equal(t, true, decode[map[string]any](t, w)["released"])

	assert.Equal(t, http.StatusNoContent, api.do(http.MethodDelete, "/v1/docs/"+id, "", nil).Code)
	assert.Equal(t, http.StatusNotFound, api.do(http.MethodGet, "/v1/docs/"+id, "", nil).Code)
}

func TestRouter_ExportImportDetect(t *testing.T) {
	api := newAPI(t)
	w := api.do(http.MethodPost, "/v1/docs", "", map[string]string{"name": "src"})
	require.Equal(t, http.StatusCreated, w.Code)
	created := decode[struct {
		Meta     model.DocMeta  `json:"meta"`
		Document model.Document `json:"document"`
	}](t, w)
	id, root := created.Meta.ID, created.Document.RootCollectionID

	w = api.do(http.MethodGet, "/v1/docs/"+id+"/export?collectionId="+root, "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	exported := w.Body.String()

	w = api.do(http.MethodPost, "/v1/detect", "", exported)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "collection", decode[map[string]any](t, w)["kind"])

	w = api.do(http.MethodPost, "/v1/detect", "", `{"foo":1}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	// 未持有写租约
	w = api.do(http.MethodPost, "/v1/docs/"+id+"/import?freshIds=true&parentId="+root, "c1", exported)
	assert.Equal(t, http.StatusLocked, w.Code)

	api.do(http.MethodPost, "/v1/docs/"+id+"/writer", "c1", nil)
	w = api.do(http.MethodPost, "/v1/docs/"+id+"/import?freshIds=true&parentId="+root, "c1", exported)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	res := decode[struct {
		Kind    string `json:"kind"`
		Version uint64 `json:"version"`
	}](t, w)
	assert.Equal(t, "collection", res.Kind)
	assert.Equal(t, uint64(1), res.Version)

	cyclic := `{"id":"a","title":"A","collections":[{"id":"b","collections":[{"id":"a"}]}]}`
	w = api.do(http.MethodPost, "/v1/docs/"+id+"/import", "c1", cyclic)
	assert.Equal(t, http.StatusUnprocessableEntity, w.Code)
	assert.Equal(t, "IMPORT_CYCLE", decode[errBody](t, w).Code)

	w = api.do(http.MethodPost, "/v1/docs/"+id+"/import?expectedVersion=0", "c1", exported)
	assert.Equal(t, http.StatusConflict, w.Code)

	w = api.do(http.MethodGet, "/v1/docs/"+id+"/export", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"rootCollection"`)

	assert.Equal(t, http.StatusNotFound, api.do(http.MethodGet, "/v1/docs/"+id+"/export?pageId=nope", "", nil).Code)
	assert.Equal(t, http.StatusNotFound, api.do(http.MethodGet, "/v1/docs/missing/export", "", nil).Code)
}

func TestRouter_WriterLeaseBoundToUser(t *testing.T) {
	api := newAPI(t)
	w := api.do(http.MethodPost, "/v1/docs", "", map[string]string{"name": "shared"})
	require.Equal(t, http.StatusCreated, w.Code)
	created := decode[struct {
		Meta     model.DocMeta  `json:"meta"`
		Document model.Document `json:"document"`
	}](t, w)
	id := created.Meta.ID

	w = api.do(http.MethodPost, "/v1/docs/"+id+"/writer", "alice-tab", nil)
	require.Equal(t, lease.Granted, decode[lease.WriterResult](t, w).Outcome)

	// 第二个用户读到持有者的会话 ID 后拿它冒充
	aliceToken := api.token
	bobToken, err := middleware.SignAccessToken(testSecret, "u-2", "bob", time.Hour)
	require.NoError(t, err)
	api.token = bobToken

	w = api.do(http.MethodGet, "/v1/docs/"+id+"/writer", "", nil)
	assert.Contains(t, w.Body.String(), `"sessionId":"alice-tab"`)

	w = api.do(http.MethodPost, "/v1/docs/"+id+"/writer", "alice-tab", map[string]bool{"force": false})
	require.Equal(t, http.StatusOK, w.Code)
	res := decode[lease.WriterResult](t, w)
	assert.Equal(t, lease.Denied, res.Outcome)
	assert.Equal(t, "u-1", res.Holder.UserID)

	save := map[string]any{"document": created.Document, "expectedVersion": 0}
	w = api.do(http.MethodPut, "/v1/docs/"+id, "alice-tab", save)
	assert.Equal(t, http.StatusLocked, w.Code)
	w = api.do(http.MethodPost, "/v1/docs/"+id+"/import", "alice-tab", `{"id":"p","snippets":[]}`)
	assert.Equal(t, http.StatusLocked, w.Code)
	w = api.do(http.MethodPost, "/v1/docs/"+id+"/writer/heartbeat", "alice-tab", nil)
	assert.Equal(t, false, decode[map[string]any](t, w)["alive"])
	w = api.do(http.MethodDelete, "/v1/docs/"+id+"/writer", "alice-tab", nil)
	assert.Equal(t, false, decode[map[string]any](t, w)["released"])

	w = api.do(http.MethodPost, "/v1/docs/"+id+"/writer", "alice-tab", map[string]bool{"force": true})
	res = decode[lease.WriterResult](t, w)
	assert.Equal(t, lease.Stolen, res.Outcome)
	require.NotNil(t, res.Previous)
	assert.Equal(t, "u-1", res.Previous.UserID)

	api.token = aliceToken
	w = api.do(http.MethodPut, "/v1/docs/"+id, "alice-tab", save)
	assert.Equal(t, http.StatusLocked, w.Code)
}

func TestRouter_SaveFiltersSnippetHTML(t *testing.T) {
	api := newAPI(t)
	w := api.do(http.MethodPost, "/v1/docs", "", map[string]string{"name": "xss"})
	require.Equal(t, http.StatusCreated, w.Code)
	created := decode[struct {
		Meta     model.DocMeta  `json:"meta"`
		Document model.Document `json:"document"`
	}](t, w)
	id := created.Meta.ID
	doc := created.Document
	page, err := doc.AddPage(doc.RootCollectionID, "P")
	require.NoError(t, err)
	_, err = doc.AddSnippet(page.ID, `<script>alert(1)</script><p onclick="evil()">x</p>`)
	require.NoError(t, err)

	api.do(http.MethodPost, "/v1/docs/"+id+"/writer", "c1", nil)
	w = api.do(http.MethodPut, "/v1/docs/"+id, "c1", map[string]any{"document": doc, "expectedVersion": 0})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	w = api.do(http.MethodGet, "/v1/docs/"+id, "", nil)
	got := decode[struct {
		Document model.Document `json:"document"`
	}](t, w)
	assert.Equal(t, "<p>x</p>", got.Document.Pages[page.ID].Snippets[0].HTML)
}
