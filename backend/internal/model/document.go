package model

import (
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
)

// 新建实体时使用的占位值；合并导入时只覆盖仍为占位值的字段
const (
	DefaultCollectionTitle = "Folder"
	DefaultPageTitle       = "Page"
	DefaultSnippetHTML     = "<p>New snippet</p>"
)

// Document：一个文档 = 以 RootCollectionID 为根的文件夹树 + 页面表
// ChildCollectionIDs / PageIDs 只是引用，不保证对应实体一定存在（见 Check）
type Document struct {
	ID               string                 `json:"id"`
	Name             string                 `json:"name"`
	RootCollectionID string                 `json:"rootCollectionId"`
	Collections      map[string]*Collection `json:"collections"`
	Pages            map[string]*Page       `json:"pages"`
}

type Collection struct {
	ID    string `json:"id"`
	Title string `json:"title"`
	// 顺序即用户看到的顺序
	ChildCollectionIDs []string `json:"childCollectionIds"`
	PageIDs            []string `json:"pageIds"`
}

// Page 独占自己的 Snippets，不与其他页面共享
type Page struct {
	ID       string     `json:"id"`
	Title    string     `json:"title"`
	Snippets []*Snippet `json:"snippets"`
}

type Snippet struct {
	ID   string `json:"id"`
	HTML string `json:"html"`
}

// NewID 生成实体 ID
func NewID() string { return uuid.NewString() }

// NewDocument 创建只有一个空根文件夹的文档
func NewDocument(name string) *Document {
	root := &Collection{ID: NewID(), Title: DefaultCollectionTitle}
	return &Document{
		ID:               NewID(),
		Name:             name,
		RootCollectionID: root.ID,
		Collections:      map[string]*Collection{root.ID: root},
		Pages:            map[string]*Page{},
	}
}

// ParseDocument 解析持久化的文档 JSON；"{}" 得到一个空文档（map 非 nil）
func ParseDocument(raw []byte) (*Document, error) {
	doc := &Document{}
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, doc); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
		}
	}
	doc.ensureMaps()
	return doc, nil
}

func (d *Document) ensureMaps() {
	if d.Collections == nil {
		d.Collections = map[string]*Collection{}
	}
	if d.Pages == nil {
		d.Pages = map[string]*Page{}
	}
}

// Marshal 整个文档序列化；持久化总是整份写入，没有增量
func (d *Document) Marshal() ([]byte, error) {
	d.ensureMaps()
	return json.Marshal(d)
}

func (d *Document) Collection(id string) (*Collection, error) {
	c, ok := d.Collections[id]
	if !ok || c == nil {
		return nil, fmt.Errorf("collection %s: %w", id, ErrNotFound)
	}
	return c, nil
}

func (d *Document) Page(id string) (*Page, error) {
	p, ok := d.Pages[id]
	if !ok || p == nil {
		return nil, fmt.Errorf("page %s: %w", id, ErrNotFound)
	}
	return p, nil
}

// AddCollection 在 parentID 下追加一个子文件夹
func (d *Document) AddCollection(parentID, title string) (*Collection, error) {
	parent, err := d.Collection(parentID)
	if err != nil {
		return nil, err
	}
	if title == "" {
		title = DefaultCollectionTitle
	}
	c := &Collection{ID: NewID(), Title: title}
	d.ensureMaps()
	d.Collections[c.ID] = c
	parent.ChildCollectionIDs = append(parent.ChildCollectionIDs, c.ID)
	return c, nil
}

// AddPage 在文件夹末尾追加一个页面
func (d *Document) AddPage(collectionID, title string) (*Page, error) {
	parent, err := d.Collection(collectionID)
	if err != nil {
		return nil, err
	}
	if title == "" {
		title = DefaultPageTitle
	}
	p := &Page{ID: NewID(), Title: title}
	d.ensureMaps()
	d.Pages[p.ID] = p
	parent.PageIDs = append(parent.PageIDs, p.ID)
	return p, nil
}

// AddSnippet html 为空时使用占位 HTML
func (d *Document) AddSnippet(pageID, html string) (*Snippet, error) {
	p, err := d.Page(pageID)
	if err != nil {
		return nil, err
	}
	if html == "" {
		html = DefaultSnippetHTML
	}
	s := &Snippet{ID: NewID(), HTML: html}
	p.Snippets = append(p.Snippets, s)
	return s, nil
}

// SetSnippetHTML 替换片段内容；片段身份不变
func (d *Document) SetSnippetHTML(pageID, snippetID, html string) error {
	p, err := d.Page(pageID)
	if err != nil {
		return err
	}
	i := p.SnippetIndex(snippetID)
	if i < 0 {
		return fmt.Errorf("snippet %s: %w", snippetID, ErrNotFound)
	}
	p.Snippets[i] = p.Snippets[i].WithHTML(html)
	return nil
}

func (p *Page) SnippetIndex(id string) int {
	for i, s := range p.Snippets {
		if s != nil && s.ID == id {
			return i
		}
	}
	return -1
}

func (s *Snippet) WithHTML(html string) *Snippet {
	return &Snippet{ID: s.ID, HTML: html}
}

func (c *Collection) Clone() *Collection {
	return &Collection{
		ID:                 c.ID,
		Title:              c.Title,
		ChildCollectionIDs: append([]string(nil), c.ChildCollectionIDs...),
		PageIDs:            append([]string(nil), c.PageIDs...),
	}
}

func (p *Page) Clone() *Page {
	out := &Page{ID: p.ID, Title: p.Title, Snippets: make([]*Snippet, 0, len(p.Snippets))}
	for _, s := range p.Snippets {
		if s == nil {
			continue
		}
		out.Snippets = append(out.Snippets, s.WithHTML(s.HTML))
	}
	return out
}

// Clone 深拷贝，副本与原文档不共享任何可变结构
func (d *Document) Clone() *Document {
	out := &Document{
		ID:               d.ID,
		Name:             d.Name,
		RootCollectionID: d.RootCollectionID,
		Collections:      make(map[string]*Collection, len(d.Collections)),
		Pages:            make(map[string]*Page, len(d.Pages)),
	}
	for id, c := range d.Collections {
		if c != nil {
			out.Collections[id] = c.Clone()
		}
	}
	for id, p := range d.Pages {
		if p != nil {
			out.Pages[id] = p.Clone()
		}
	}
	return out
}
