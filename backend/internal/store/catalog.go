package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"

	"folioServer/backend/internal/model"
)

const (
	indexFileName = "catalog.json"
	docsDirName   = "docs"
	emptyContent  = "{}"
)

// 快照归档接口；实现在 snapshot.go（MySQL）
type SnapshotArchive interface {
	SaveDocumentSnapshot(ctx context.Context, docID string, rev uint64, content string) error
}

type CatalogOptions struct {
	Archive SnapshotArchive
	Logger  zerolog.Logger
	Now     func() time.Time
}

// Catalog：目录索引 + 每个文档一个内容文件
//   - 索引懒加载后缓存在内存；修改时先改副本、落盘成功后再替换缓存
//   - 所有修改索引的操作经过同一个 gate 串行化
//   - 内容读取不经过 gate，可能读到稍旧的数据；需要一致性的调用方用 Load 返回的版本号做乐观锁
type Catalog struct {
	root    string
	gate    *Gate
	archive SnapshotArchive
	log     zerolog.Logger
	now     func() time.Time

	mu     sync.RWMutex
	index  []model.DocMeta
	loaded bool
	sf     singleflight.Group
}

func NewCatalog(root string, opt CatalogOptions) (*Catalog, error) {
	if err := os.MkdirAll(filepath.Join(root, docsDirName), 0o755); err != nil {
		return nil, fmt.Errorf("create catalog root: %w", err)
	}
	now := opt.Now
	if now == nil {
		now = time.Now
	}
	return &Catalog{
		root:    root,
		gate:    NewGate(),
		archive: opt.Archive,
		log:     opt.Logger,
		now:     now,
	}, nil
}

func (c *Catalog) indexPath() string { return filepath.Join(c.root, indexFileName) }

func (c *Catalog) contentPath(id string) string {
	return filepath.Join(c.root, docsDirName, id+".json")
}

// ensureIndex 首次访问时从磁盘加载索引；并发的首次访问用 singleflight 合并成一次读盘
func (c *Catalog) ensureIndex() error {
	c.mu.RLock()
	loaded := c.loaded
	c.mu.RUnlock()
	if loaded {
		return nil
	}
	_, err, _ := c.sf.Do("index", func() (interface{}, error) {
		c.mu.RLock()
		loaded := c.loaded
		c.mu.RUnlock()
		if loaded {
			return nil, nil
		}
		metas, err := c.readIndex()
		if err != nil {
			return nil, err
		}
		c.mu.Lock()
		if !c.loaded {
			c.index = metas
			c.loaded = true
		}
		c.mu.Unlock()
		return nil, nil
	})
	return err
}

func (c *Catalog) readIndex() ([]model.DocMeta, error) {
	raw, err := os.ReadFile(c.indexPath())
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return []model.DocMeta{}, nil
		}
		return nil, fmt.Errorf("read catalog index: %w", err)
	}
	var metas []model.DocMeta
	if err := json.Unmarshal(raw, &metas); err != nil {
		return nil, fmt.Errorf("decode catalog index: %w", err)
	}
	return metas, nil
}

// snapshot 返回缓存索引的副本
func (c *Catalog) snapshot() []model.DocMeta {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]model.DocMeta, len(c.index))
	copy(out, c.index)
	return out
}

// commitIndex 整份重写索引文件，成功后再替换内存缓存。调用方必须持有 gate。
func (c *Catalog) commitIndex(ctx context.Context, next []model.DocMeta) error {
	raw, err := json.MarshalIndent(next, "", "  ")
	if err != nil {
		return fmt.Errorf("encode catalog index: %w", err)
	}
	if err := writeFileAtomic(ctx, c.indexPath(), raw); err != nil {
		return err
	}
	c.mu.Lock()
	c.index = next
	c.mu.Unlock()
	return nil
}

func find(metas []model.DocMeta, id string) int {
	for i := range metas {
		if metas[i].ID == id {
			return i
		}
	}
	return -1
}

// List 按修改时间倒序
func (c *Catalog) List(ctx context.Context) ([]model.DocMeta, error) {
	if err := c.ensureIndex(); err != nil {
		return nil, err
	}
	metas := c.snapshot()
	sort.SliceStable(metas, func(i, j int) bool {
		return metas[i].Modified.After(metas[j].Modified)
	})
	return metas, nil
}

func (c *Catalog) Get(ctx context.Context, id string) (model.DocMeta, bool, error) {
	if err := c.ensureIndex(); err != nil {
		return model.DocMeta{}, false, err
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	if i := find(c.index, id); i >= 0 {
		return c.index[i], true, nil
	}
	return model.DocMeta{}, false, nil
}

// Create 分配 ID，写入初始内容（nil 时为 "{}"），索引中追加 Version=0 的记录
func (c *Catalog) Create(ctx context.Context, name string, initial []byte) (string, error) {
	if initial == nil {
		initial = []byte(emptyContent)
	}
	if err := c.gate.Acquire(ctx); err != nil {
		return "", err
	}
	defer c.gate.Release()

	if err := c.ensureIndex(); err != nil {
		return "", err
	}
	id := model.NewID()
	if err := writeFileAtomic(ctx, c.contentPath(id), initial); err != nil {
		return "", fmt.Errorf("write content for %s: %w", id, err)
	}
	next := append(c.snapshot(), model.DocMeta{ID: id, Name: name, Modified: c.now(), Version: 0})
	if err := c.commitIndex(ctx, next); err != nil {
		_ = os.Remove(c.contentPath(id))
		return "", err
	}
	c.log.Info().Str("doc", id).Str("name", name).Msg("document created")
	return id, nil
}

// Load 返回当前内容和版本。元数据存在但内容文件缺失时返回 "{}" + 登记的版本，不报错。
func (c *Catalog) Load(ctx context.Context, id string) ([]byte, uint64, error) {
	meta, ok, err := c.Get(ctx, id)
	if err != nil {
		return nil, 0, err
	}
	if !ok {
		return nil, 0, fmt.Errorf("document %s: %w", id, model.ErrNotFound)
	}
	if err := ctx.Err(); err != nil {
		return nil, 0, err
	}
	raw, err := os.ReadFile(c.contentPath(id))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			c.log.Warn().Str("doc", id).Msg("content file missing, serving empty document")
			return []byte(emptyContent), meta.Version, nil
		}
		return nil, 0, fmt.Errorf("read content for %s: %w", id, err)
	}
	return raw, meta.Version, nil
}

// Save 原子替换内容、版本 +1、更新修改时间。
// expectedVersion 非 nil 且与存储版本不同则返回 *ConcurrencyError，内容和版本都不变。
func (c *Catalog) Save(ctx context.Context, id string, content []byte, expectedVersion *uint64) (uint64, error) {
	newVersion, err := c.save(ctx, id, content, expectedVersion)
	if err != nil {
		return 0, err
	}
	// 归档失败只记日志，不回滚
	if c.archive != nil {
		if err := c.archive.SaveDocumentSnapshot(ctx, id, newVersion, string(content)); err != nil {
			c.log.Error().Err(err).Str("doc", id).Uint64("version", newVersion).Msg("archive snapshot failed")
		}
	}
	return newVersion, nil
}

func (c *Catalog) save(ctx context.Context, id string, content []byte, expectedVersion *uint64) (uint64, error) {
	if err := c.gate.Acquire(ctx); err != nil {
		return 0, err
	}
	defer c.gate.Release()

	if err := c.ensureIndex(); err != nil {
		return 0, err
	}
	next := c.snapshot()
	i := find(next, id)
	if i < 0 {
		return 0, fmt.Errorf("document %s: %w", id, model.ErrNotFound)
	}
	if expectedVersion != nil && *expectedVersion != next[i].Version {
		return 0, &ConcurrencyError{DocID: id, Expected: *expectedVersion, Actual: next[i].Version}
	}
	prev, err := os.ReadFile(c.contentPath(id))
	existed := err == nil
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return 0, fmt.Errorf("read content for %s: %w", id, err)
	}
	if err := writeFileAtomic(ctx, c.contentPath(id), content); err != nil {
		return 0, fmt.Errorf("write content for %s: %w", id, err)
	}
	// 内容已经替换：索引提交不再响应取消；提交失败则还原旧内容，保证内容和版本一起变或都不变
	next[i].Version++
	next[i].Modified = c.now()
	if err := c.commitIndex(context.WithoutCancel(ctx), next); err != nil {
		c.restoreContent(id, prev, existed)
		return 0, err
	}
	c.log.Debug().Str("doc", id).Uint64("version", next[i].Version).Msg("document saved")
	return next[i].Version, nil
}

func (c *Catalog) restoreContent(id string, prev []byte, existed bool) {
	var err error
	if existed {
		err = writeFileAtomic(context.Background(), c.contentPath(id), prev)
	} else {
		err = os.Remove(c.contentPath(id))
	}
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		c.log.Error().Err(err).Str("doc", id).Msg("restore content after failed index commit")
	}
}

func (c *Catalog) Rename(ctx context.Context, id, newName string) (bool, error) {
	if err := c.gate.Acquire(ctx); err != nil {
		return false, err
	}
	defer c.gate.Release()

	if err := c.ensureIndex(); err != nil {
		return false, err
	}
	next := c.snapshot()
	i := find(next, id)
	if i < 0 {
		return false, nil
	}
	next[i].Name = newName
	next[i].Modified = c.now()
	if err := c.commitIndex(ctx, next); err != nil {
		return false, err
	}
	return true, nil
}

func (c *Catalog) Delete(ctx context.Context, id string) (bool, error) {
	if err := c.gate.Acquire(ctx); err != nil {
		return false, err
	}
	defer c.gate.Release()

	if err := c.ensureIndex(); err != nil {
		return false, err
	}
	cur := c.snapshot()
	i := find(cur, id)
	if i < 0 {
		return false, nil
	}
	next := append(cur[:i:i], cur[i+1:]...)
	if err := c.commitIndex(ctx, next); err != nil {
		return false, err
	}
	if err := os.Remove(c.contentPath(id)); err != nil && !errors.Is(err, os.ErrNotExist) {
		c.log.Warn().Err(err).Str("doc", id).Msg("remove content file failed")
	}
	c.log.Info().Str("doc", id).Msg("document deleted")
	return true, nil
}
