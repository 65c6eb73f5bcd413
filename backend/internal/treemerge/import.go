package treemerge

import (
	"fmt"

	"folioServer/backend/internal/model"
)

// Sanitizer：HTML 过滤/简化协作方，纯函数
type Sanitizer interface {
	Filter(html string) string
	Simplify(html string) string
}

type Options struct {
	// false：合并，只覆盖仍为占位值的字段，子列表取并集
	// true：用导入内容整体替换标题与子结构
	Overwrite bool
	// 为每个实体重新生成 ID，避免与源文档的副本冲突
	FreshIDs bool
	// 非空时把导入的根挂到这个已有文件夹下；为空且文档没有根时，导入的根成为文档根
	ParentID string
}

type Result struct {
	RootID  string            `json:"rootId"`
	Created int               `json:"created"`
	Updated int               `json:"updated"`
	IDMap   map[string]string `json:"idMap,omitempty"`
}

// Engine 导入是事务性的：先在文档副本上执行，整棵子树成功后才提交回 doc；失败时 doc 不变
type Engine struct {
	html Sanitizer
}

func NewEngine(html Sanitizer) *Engine {
	return &Engine{html: html}
}

func (e *Engine) clean(h string) string {
	if e.html == nil {
		return h
	}
	return e.html.Filter(e.html.Simplify(h))
}

type importer struct {
	e      *Engine
	doc    *model.Document
	opt    Options
	active map[string]bool   // 当前递归路径上的原始 ID
	ids    map[string]string // FreshIDs 时：原 ID -> 新 ID
	res    Result
}

func (e *Engine) begin(doc *model.Document, opt Options) *importer {
	return &importer{
		e:      e,
		doc:    doc.Clone(),
		opt:    opt,
		active: map[string]bool{},
		ids:    map[string]string{},
	}
}

func (im *importer) commit(target *model.Document) Result {
	*target = *im.doc
	if im.opt.FreshIDs {
		im.res.IDMap = im.ids
	}
	return im.res
}

// Import 按探测结果分派
func (e *Engine) Import(doc *model.Document, d Detected, opt Options) (Result, error) {
	switch d.Kind {
	case KindPage:
		return e.ImportPage(doc, *d.Page, opt)
	case KindCollection:
		return e.ImportCollection(doc, *d.Collection, opt)
	case KindDocument:
		return e.ImportDocument(doc, *d.Document, opt)
	default:
		return Result{}, fmt.Errorf("unknown export kind: %w", model.ErrInvalidPayload)
	}
}

func (e *Engine) ImportCollection(doc *model.Document, exp CollectionExport, opt Options) (Result, error) {
	im := e.begin(doc, opt)
	rootID, err := im.collection(exp)
	if err != nil {
		return Result{}, err
	}
	if err := im.attachCollection(rootID); err != nil {
		return Result{}, err
	}
	im.res.RootID = rootID
	return im.commit(doc), nil
}

// ImportPage 页面挂到 ParentID（缺省为文档根）下；文档没有根时先建一个
func (e *Engine) ImportPage(doc *model.Document, exp PageExport, opt Options) (Result, error) {
	im := e.begin(doc, opt)
	pageID, err := im.page(exp)
	if err != nil {
		return Result{}, err
	}
	parentID := opt.ParentID
	if parentID == "" {
		if im.doc.RootCollectionID == "" {
			root := &model.Collection{ID: model.NewID(), Title: model.DefaultCollectionTitle}
			im.doc.Collections[root.ID] = root
			im.doc.RootCollectionID = root.ID
			im.res.Created++
		}
		parentID = im.doc.RootCollectionID
	}
	parent, err := im.doc.Collection(parentID)
	if err != nil {
		return Result{}, err
	}
	parent.PageIDs = union(parent.PageIDs, []string{pageID})
	im.res.RootID = pageID
	return im.commit(doc), nil
}

// ImportDocument 导入整份文档：
//   - 有 ParentID：根挂到该文件夹下
//   - 文档无根，或 Overwrite：导入的根成为文档根（Overwrite 时名称也一并替换）
//   - 否则：导入的根挂到现有根下（与现有根同 ID 时已就地合并）
func (e *Engine) ImportDocument(doc *model.Document, exp DocumentExport, opt Options) (Result, error) {
	im := e.begin(doc, opt)
	rootID, err := im.collection(exp.RootCollection)
	if err != nil {
		return Result{}, err
	}
	switch {
	case opt.ParentID != "":
		if err := im.attachCollection(rootID); err != nil {
			return Result{}, err
		}
	case im.doc.RootCollectionID == "" || opt.Overwrite:
		im.doc.RootCollectionID = rootID
		if opt.Overwrite || im.doc.Name == "" {
			im.doc.Name = exp.Name
		}
	case im.doc.RootCollectionID != rootID:
		root, err := im.doc.Collection(im.doc.RootCollectionID)
		if err != nil {
			return Result{}, err
		}
		if im.reaches(rootID, root.ID) {
			return Result{}, fmt.Errorf("collection %s: %w", rootID, model.ErrImportCycle)
		}
		root.ChildCollectionIDs = union(root.ChildCollectionIDs, []string{rootID})
	}
	im.res.RootID = rootID
	return im.commit(doc), nil
}

func (im *importer) attachCollection(rootID string) error {
	if im.opt.ParentID == "" {
		if im.doc.RootCollectionID == "" {
			im.doc.RootCollectionID = rootID
		}
		return nil
	}
	parent, err := im.doc.Collection(im.opt.ParentID)
	if err != nil {
		return err
	}
	// 挂到自己的子孙下面会在活文档里形成环
	if im.reaches(rootID, parent.ID) {
		return fmt.Errorf("attach %s under %s: %w", rootID, parent.ID, model.ErrImportCycle)
	}
	parent.ChildCollectionIDs = union(parent.ChildCollectionIDs, []string{rootID})
	return nil
}

// reaches：from 能否沿子文件夹走到 to（含 from == to）
func (im *importer) reaches(from, to string) bool {
	seen := map[string]bool{}
	stack := []string{from}
	for len(stack) > 0 {
		id := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if id == to {
			return true
		}
		if seen[id] {
			continue
		}
		seen[id] = true
		if c, ok := im.doc.Collections[id]; ok && c != nil {
			stack = append(stack, c.ChildCollectionIDs...)
		}
	}
	return false
}

func (im *importer) mapID(id string) string {
	if id == "" {
		return model.NewID()
	}
	if !im.opt.FreshIDs {
		return id
	}
	if n, ok := im.ids[id]; ok {
		return n
	}
	n := model.NewID()
	im.ids[id] = n
	return n
}

// enter 把原始 ID 压入当前递归路径；路径上已存在说明负载自引用
func (im *importer) enter(id string) (func(), error) {
	if id == "" {
		return func() {}, nil
	}
	if im.active[id] {
		return nil, fmt.Errorf("entity %s: %w", id, model.ErrImportCycle)
	}
	im.active[id] = true
	return func() { delete(im.active, id) }, nil
}

func (im *importer) collection(exp CollectionExport) (string, error) {
	leave, err := im.enter(exp.ID)
	if err != nil {
		return "", err
	}
	defer leave()

	id := im.mapID(exp.ID)
	childIDs := make([]string, 0, len(exp.Collections))
	for _, child := range exp.Collections {
		cid, err := im.collection(child)
		if err != nil {
			return "", err
		}
		childIDs = append(childIDs, cid)
	}
	pageIDs := make([]string, 0, len(exp.Pages))
	for _, p := range exp.Pages {
		pid, err := im.page(p)
		if err != nil {
			return "", err
		}
		pageIDs = append(pageIDs, pid)
	}

	existing, ok := im.doc.Collections[id]
	if !ok || existing == nil {
		im.doc.Collections[id] = &model.Collection{
			ID:                 id,
			Title:              orDefault(exp.Title, model.DefaultCollectionTitle),
			ChildCollectionIDs: childIDs,
			PageIDs:            pageIDs,
		}
		im.res.Created++
		return id, nil
	}

	if im.opt.Overwrite {
		existing.Title = orDefault(exp.Title, model.DefaultCollectionTitle)
		existing.ChildCollectionIDs = childIDs
		existing.PageIDs = pageIDs
	} else {
		if existing.Title == model.DefaultCollectionTitle && exp.Title != "" {
			existing.Title = exp.Title
		}
		existing.ChildCollectionIDs = union(existing.ChildCollectionIDs, childIDs)
		existing.PageIDs = union(existing.PageIDs, pageIDs)
	}
	im.res.Updated++
	return id, nil
}

func (im *importer) page(exp PageExport) (string, error) {
	leave, err := im.enter(exp.ID)
	if err != nil {
		return "", err
	}
	defer leave()

	id := im.mapID(exp.ID)
	snippets := make([]*model.Snippet, 0, len(exp.Snippets))
	for _, s := range exp.Snippets {
		snippets = append(snippets, &model.Snippet{ID: im.mapID(s.ID), HTML: im.e.clean(s.HTML)})
	}

	existing, ok := im.doc.Pages[id]
	if !ok || existing == nil {
		im.doc.Pages[id] = &model.Page{
			ID:       id,
			Title:    orDefault(exp.Title, model.DefaultPageTitle),
			Snippets: snippets,
		}
		im.res.Created++
		return id, nil
	}

	if im.opt.Overwrite {
		existing.Title = orDefault(exp.Title, model.DefaultPageTitle)
		existing.Snippets = snippets
	} else {
		if existing.Title == model.DefaultPageTitle && exp.Title != "" {
			existing.Title = exp.Title
		}
		for _, s := range snippets {
			i := existing.SnippetIndex(s.ID)
			if i < 0 {
				existing.Snippets = append(existing.Snippets, s)
				continue
			}
			if existing.Snippets[i].HTML == model.DefaultSnippetHTML {
				existing.Snippets[i] = existing.Snippets[i].WithHTML(s.HTML)
			}
		}
	}
	im.res.Updated++
	return id, nil
}

func orDefault(v, def string) string {
	if v == "" {
		return def
	}
	return v
}

// union 追加 add 中尚未出现的引用，保持原有顺序
func union(base, add []string) []string {
	seen := make(map[string]bool, len(base))
	for _, id := range base {
		seen[id] = true
	}
	for _, id := range add {
		if !seen[id] {
			base = append(base, id)
			seen[id] = true
		}
	}
	return base
}
