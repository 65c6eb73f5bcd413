// Package treemerge converts between the id-keyed live document and the
// self-contained nested export form used for copy/paste and backups, and
// merges exported subtrees back into a live document.
package treemerge

import (
	"errors"
	"fmt"

	"folioServer/backend/internal/model"
)

// 导出格式：所有子文件夹和页面都按值内联，不再是 ID 引用
type SnippetExport struct {
	ID   string `json:"id"`
	HTML string `json:"html"`
}

type PageExport struct {
	ID       string          `json:"id"`
	Title    string          `json:"title"`
	Snippets []SnippetExport `json:"snippets"`
}

type CollectionExport struct {
	ID          string             `json:"id"`
	Title       string             `json:"title"`
	Collections []CollectionExport `json:"collections"`
	Pages       []PageExport       `json:"pages"`
}

type DocumentExport struct {
	Name           string           `json:"name"`
	RootCollection CollectionExport `json:"rootCollection"`
}

// ErrExportCycle 活文档里出现了环，无法展开
var ErrExportCycle = errors.New("EXPORT_CYCLE")

func ExportPage(doc *model.Document, pageID string) (PageExport, error) {
	p, err := doc.Page(pageID)
	if err != nil {
		return PageExport{}, err
	}
	out := PageExport{ID: p.ID, Title: p.Title, Snippets: make([]SnippetExport, 0, len(p.Snippets))}
	for _, s := range p.Snippets {
		if s == nil {
			continue
		}
		out.Snippets = append(out.Snippets, SnippetExport{ID: s.ID, HTML: s.HTML})
	}
	return out, nil
}

// ExportCollection 从 collectionID 开始递归展开；引用的文件夹/页面缺失时返回 ErrNotFound
func ExportCollection(doc *model.Document, collectionID string) (CollectionExport, error) {
	return exportCollection(doc, collectionID, map[string]bool{})
}

func exportCollection(doc *model.Document, id string, active map[string]bool) (CollectionExport, error) {
	if active[id] {
		return CollectionExport{}, fmt.Errorf("collection %s: %w", id, ErrExportCycle)
	}
	c, err := doc.Collection(id)
	if err != nil {
		return CollectionExport{}, err
	}
	active[id] = true
	defer delete(active, id)

	out := CollectionExport{
		ID:          c.ID,
		Title:       c.Title,
		Collections: make([]CollectionExport, 0, len(c.ChildCollectionIDs)),
		Pages:       make([]PageExport, 0, len(c.PageIDs)),
	}
	for _, childID := range c.ChildCollectionIDs {
		child, err := exportCollection(doc, childID, active)
		if err != nil {
			return CollectionExport{}, err
		}
		out.Collections = append(out.Collections, child)
	}
	for _, pageID := range c.PageIDs {
		p, err := ExportPage(doc, pageID)
		if err != nil {
			return CollectionExport{}, err
		}
		out.Pages = append(out.Pages, p)
	}
	return out, nil
}

func ExportDocument(doc *model.Document) (DocumentExport, error) {
	root, err := ExportCollection(doc, doc.RootCollectionID)
	if err != nil {
		return DocumentExport{}, err
	}
	return DocumentExport{Name: doc.Name, RootCollection: root}, nil
}
