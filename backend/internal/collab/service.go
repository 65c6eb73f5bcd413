package collab

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"

	"folioServer/backend/internal/lease"
	"folioServer/backend/internal/model"
	"folioServer/backend/internal/treemerge"
)

var (
	// ErrNotWriter 调用方会话不持有（或已过期）写租约
	ErrNotWriter = errors.New("NOT_WRITER")
	// ErrTargetLocked 目标片段被其他客户端锁定
	ErrTargetLocked = errors.New("TARGET_LOCKED")
)

// DocumentStore：持久化层，由 store.Catalog 实现
type DocumentStore interface {
	List(ctx context.Context) ([]model.DocMeta, error)
	Get(ctx context.Context, id string) (model.DocMeta, bool, error)
	Create(ctx context.Context, name string, initial []byte) (string, error)
	Load(ctx context.Context, id string) ([]byte, uint64, error)
	Save(ctx context.Context, id string, content []byte, expectedVersion *uint64) (uint64, error)
	Rename(ctx context.Context, id, newName string) (bool, error)
	Delete(ctx context.Context, id string) (bool, error)
}

type ServiceDeps struct {
	Store     DocumentStore
	Writers   *lease.WriterLeases
	Locks     *lease.PresenceLocks
	Revisions *Revisions
	HTML      treemerge.Sanitizer
	// 同时进行的导入数量上限；导入要解析整棵树并整份落盘，比普通保存重得多
	ImportSlots int
	Logger      zerolog.Logger
}

// Service 编排一次编辑的完整链路：租约检查 -> 加载 -> 修改 -> 带版本保存 -> 失效通知
type Service struct {
	store     DocumentStore
	writers   *lease.WriterLeases
	locks     *lease.PresenceLocks
	revs      *Revisions
	html      treemerge.Sanitizer
	engine    *treemerge.Engine
	importSem *SemaphoreControl
	log       zerolog.Logger
}

func NewService(deps ServiceDeps) *Service {
	if deps.Revisions == nil {
		deps.Revisions = NewRevisions(nil)
	}
	return &Service{
		store:     deps.Store,
		writers:   deps.Writers,
		locks:     deps.Locks,
		revs:      deps.Revisions,
		html:      deps.HTML,
		engine:    treemerge.NewEngine(deps.HTML),
		importSem: NewSemaphoreControl(deps.ImportSlots),
		log:       deps.Logger,
	}
}

func (s *Service) Writers() *lease.WriterLeases { return s.writers }
func (s *Service) Locks() *lease.PresenceLocks  { return s.locks }
func (s *Service) Revisions() *Revisions        { return s.revs }

func (s *Service) ListDocuments(ctx context.Context) ([]model.DocMeta, error) {
	return s.store.List(ctx)
}

func (s *Service) Meta(ctx context.Context, id string) (model.DocMeta, error) {
	meta, ok, err := s.store.Get(ctx, id)
	if err != nil {
		return model.DocMeta{}, err
	}
	if !ok {
		return model.DocMeta{}, fmt.Errorf("document %s: %w", id, model.ErrNotFound)
	}
	return meta, nil
}

// CreateDocument 新文档带一个空根文件夹，版本为 0
func (s *Service) CreateDocument(ctx context.Context, name string) (*model.Document, model.DocMeta, error) {
	doc := model.NewDocument(name)
	raw, err := doc.Marshal()
	if err != nil {
		return nil, model.DocMeta{}, err
	}
	id, err := s.store.Create(ctx, name, raw)
	if err != nil {
		return nil, model.DocMeta{}, err
	}
	meta, ok, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, model.DocMeta{}, err
	}
	if !ok {
		return nil, model.DocMeta{}, fmt.Errorf("document %s vanished after create: %w", id, model.ErrNotFound)
	}
	doc.ID = id
	return doc, meta, nil
}

// OpenDocument 返回文档和加载时的版本号；ID 和名称以目录索引为准
func (s *Service) OpenDocument(ctx context.Context, id string) (*model.Document, uint64, error) {
	meta, ok, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, 0, err
	}
	if !ok {
		return nil, 0, fmt.Errorf("document %s: %w", id, model.ErrNotFound)
	}
	raw, version, err := s.store.Load(ctx, id)
	if err != nil {
		return nil, 0, err
	}
	doc, err := model.ParseDocument(raw)
	if err != nil {
		return nil, 0, err
	}
	doc.ID = meta.ID
	doc.Name = meta.Name
	return doc, version, nil
}

func (s *Service) RenameDocument(ctx context.Context, id, name string) error {
	ok, err := s.store.Rename(ctx, id, name)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("document %s: %w", id, model.ErrNotFound)
	}
	s.revs.Bump(id, "", true)
	return nil
}

func (s *Service) DeleteDocument(ctx context.Context, id string) error {
	ok, err := s.store.Delete(ctx, id)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("document %s: %w", id, model.ErrNotFound)
	}
	s.revs.Bump(id, "", true)
	s.revs.Forget(id)
	return nil
}

// SaveDocument 整份保存。调用方 (userID, sessionID) 必须持有写租约；expectedVersion 为 nil 时不做版本检查（后写覆盖）。
// 落盘前每个片段的 HTML 都过一遍 Filter
func (s *Service) SaveDocument(ctx context.Context, userID, sessionID string, doc *model.Document, expectedVersion *uint64, structural bool) (uint64, error) {
	if !s.writers.IsWriter(doc.ID, userID, sessionID) {
		return 0, fmt.Errorf("document %s: %w", doc.ID, ErrNotWriter)
	}
	s.filterSnippets(doc)
	version, err := s.persist(ctx, doc, expectedVersion)
	if err != nil {
		return 0, err
	}
	s.revs.Bump(doc.ID, sessionID, structural)
	return version, nil
}

func (s *Service) filterSnippets(doc *model.Document) {
	if s.html == nil {
		return
	}
	for _, p := range doc.Pages {
		if p == nil {
			continue
		}
		for _, sn := range p.Snippets {
			if sn != nil {
				sn.HTML = s.html.Filter(sn.HTML)
			}
		}
	}
}

func (s *Service) persist(ctx context.Context, doc *model.Document, expectedVersion *uint64) (uint64, error) {
	raw, err := doc.Marshal()
	if err != nil {
		return 0, err
	}
	version, err := s.store.Save(ctx, doc.ID, raw, expectedVersion)
	if err != nil {
		if errors.Is(err, model.ErrConcurrency) {
			s.log.Info().Err(err).Str("doc", doc.ID).Msg("save rejected, stale version")
		}
		return 0, err
	}
	return version, nil
}

type SnippetEdit struct {
	DocID     string
	PageID    string
	SnippetID string
	HTML      string

	UserID    string
	ClientID  string
	SessionID string
	// nil 时使用本次加载到的版本
	ExpectedVersion *uint64
}

// EditSnippet 修改单个片段。
// 片段被其他客户端锁定时拒绝；自己持有该片段的锁，或者持有文档写租约，才允许修改。
func (s *Service) EditSnippet(ctx context.Context, edit SnippetEdit) (uint64, error) {
	key := model.LockKey{DocID: edit.DocID, Target: model.SnippetTarget(edit.SnippetID)}
	holder, locked := s.locks.Get(key)
	if locked && !holder.OwnedBy(edit.UserID, edit.ClientID) {
		return 0, fmt.Errorf("%s held by %s: %w", key, holder.OwnerUserID, ErrTargetLocked)
	}
	if !locked && !s.writers.IsWriter(edit.DocID, edit.UserID, edit.SessionID) {
		return 0, fmt.Errorf("document %s: %w", edit.DocID, ErrNotWriter)
	}

	doc, version, err := s.OpenDocument(ctx, edit.DocID)
	if err != nil {
		return 0, err
	}
	html := edit.HTML
	if s.html != nil {
		html = s.html.Filter(html)
	}
	if err := doc.SetSnippetHTML(edit.PageID, edit.SnippetID, html); err != nil {
		return 0, err
	}
	expected := edit.ExpectedVersion
	if expected == nil {
		expected = &version
	}
	newVersion, err := s.persist(ctx, doc, expected)
	if err != nil {
		return 0, err
	}
	s.revs.Bump(edit.DocID, edit.SessionID, false)
	return newVersion, nil
}

type ImportRequest struct {
	DocID     string
	UserID    string
	SessionID string
	Payload   []byte
	Options   treemerge.Options
	// nil 时使用本次加载到的版本
	ExpectedVersion *uint64
}

type ImportResult struct {
	Kind    treemerge.Kind   `json:"kind"`
	Result  treemerge.Result `json:"result"`
	Version uint64           `json:"version"`
}

// ImportPayload 探测负载类型，合并进文档并保存。导入失败时文档和存储都不变。
func (s *Service) ImportPayload(ctx context.Context, req ImportRequest) (ImportResult, error) {
	if !s.writers.IsWriter(req.DocID, req.UserID, req.SessionID) {
		return ImportResult{}, fmt.Errorf("document %s: %w", req.DocID, ErrNotWriter)
	}
	detected, err := treemerge.Detect(req.Payload)
	if err != nil {
		return ImportResult{}, err
	}

	if !s.importSem.TryAcquire() {
		s.log.Info().Str("doc", req.DocID).Int("inUse", s.importSem.InUse()).Int("slots", s.importSem.Cap()).Msg("import slots busy, waiting")
		if err := s.importSem.Acquire(ctx); err != nil {
			s.log.Warn().Err(err).Str("doc", req.DocID).Msg("import rejected, no free slot")
			return ImportResult{}, fmt.Errorf("import slot: %w", err)
		}
	}
	defer s.importSem.Release()

	doc, version, err := s.OpenDocument(ctx, req.DocID)
	if err != nil {
		return ImportResult{}, err
	}
	res, err := s.engine.Import(doc, detected, req.Options)
	if err != nil {
		s.log.Warn().Err(err).Str("doc", req.DocID).Stringer("kind", detected.Kind).Msg("import rejected")
		return ImportResult{}, err
	}
	expected := req.ExpectedVersion
	if expected == nil {
		expected = &version
	}
	newVersion, err := s.persist(ctx, doc, expected)
	if err != nil {
		return ImportResult{}, err
	}
	s.revs.Bump(req.DocID, req.SessionID, true)
	s.log.Info().
		Str("doc", req.DocID).
		Stringer("kind", detected.Kind).
		Int("created", res.Created).
		Int("updated", res.Updated).
		Uint64("version", newVersion).
		Msg("payload imported")
	return ImportResult{Kind: detected.Kind, Result: res, Version: newVersion}, nil
}

func (s *Service) ExportDocument(ctx context.Context, id string) (treemerge.DocumentExport, error) {
	doc, _, err := s.OpenDocument(ctx, id)
	if err != nil {
		return treemerge.DocumentExport{}, err
	}
	return treemerge.ExportDocument(doc)
}

func (s *Service) ExportCollection(ctx context.Context, id, collectionID string) (treemerge.CollectionExport, error) {
	doc, _, err := s.OpenDocument(ctx, id)
	if err != nil {
		return treemerge.CollectionExport{}, err
	}
	return treemerge.ExportCollection(doc, collectionID)
}

func (s *Service) ExportPage(ctx context.Context, id, pageID string) (treemerge.PageExport, error) {
	doc, _, err := s.OpenDocument(ctx, id)
	if err != nil {
		return treemerge.PageExport{}, err
	}
	return treemerge.ExportPage(doc, pageID)
}

func (s *Service) Check(ctx context.Context, id string) (model.IntegrityReport, error) {
	doc, _, err := s.OpenDocument(ctx, id)
	if err != nil {
		return model.IntegrityReport{}, err
	}
	return doc.Check(), nil
}
