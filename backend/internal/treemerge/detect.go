package treemerge

import (
	"bytes"
	"encoding/json"
	"fmt"

	"folioServer/backend/internal/model"
)

type Kind int

const (
	KindUnknown Kind = iota
	KindPage
	KindCollection
	KindDocument
)

func (k Kind) String() string {
	switch k {
	case KindPage:
		return "page"
	case KindCollection:
		return "collection"
	case KindDocument:
		return "document"
	default:
		return "unknown"
	}
}

func (k Kind) MarshalText() ([]byte, error) { return []byte(k.String()), nil }

// Detected 粘贴板/文件负载的探测结果，只有与 Kind 对应的字段非空
type Detected struct {
	Kind       Kind
	Page       *PageExport
	Collection *CollectionExport
	Document   *DocumentExport
}

// Detect 按字段特征判断导出负载的类型：
// 有 rootCollection 是整份文档；有 snippets 是页面；有 pages/collections 是文件夹。
// 都没有时再按严格模式（不允许未知字段）依次尝试页面、文件夹。
func Detect(raw []byte) (Detected, error) {
	var probe map[string]json.RawMessage
	if err := json.Unmarshal(raw, &probe); err != nil {
		return Detected{}, fmt.Errorf("detect: %v: %w", err, model.ErrInvalidPayload)
	}

	if _, ok := probe["rootCollection"]; ok {
		var d DocumentExport
		if err := json.Unmarshal(raw, &d); err != nil {
			return Detected{}, fmt.Errorf("document export: %v: %w", err, model.ErrInvalidPayload)
		}
		return Detected{Kind: KindDocument, Document: &d}, nil
	}
	if _, ok := probe["snippets"]; ok {
		var p PageExport
		if err := json.Unmarshal(raw, &p); err != nil {
			return Detected{}, fmt.Errorf("page export: %v: %w", err, model.ErrInvalidPayload)
		}
		return Detected{Kind: KindPage, Page: &p}, nil
	}
	_, hasPages := probe["pages"]
	_, hasCollections := probe["collections"]
	if hasPages || hasCollections {
		var c CollectionExport
		if err := json.Unmarshal(raw, &c); err != nil {
			return Detected{}, fmt.Errorf("collection export: %v: %w", err, model.ErrInvalidPayload)
		}
		return Detected{Kind: KindCollection, Collection: &c}, nil
	}

	if len(probe) > 0 {
		var p PageExport
		if strictDecode(raw, &p) == nil {
			return Detected{Kind: KindPage, Page: &p}, nil
		}
		var c CollectionExport
		if strictDecode(raw, &c) == nil {
			return Detected{Kind: KindCollection, Collection: &c}, nil
		}
	}
	return Detected{Kind: KindUnknown}, fmt.Errorf("unrecognized export payload: %w", model.ErrInvalidPayload)
}

func strictDecode(raw []byte, v any) error {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}
