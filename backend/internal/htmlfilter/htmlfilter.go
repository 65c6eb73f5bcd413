// Package htmlfilter cleans snippet HTML before it enters a document:
// Filter removes active content, Simplify strips presentational markup.
package htmlfilter

import (
	"strings"

	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
)

// 整个元素（含子树）丢弃
var dropElements = map[atom.Atom]bool{
	atom.Script: true,
	atom.Style:  true,
	atom.Iframe: true,
	atom.Object: true,
	atom.Embed:  true,
}

// 只去掉标签本身，保留子节点
var unwrapElements = map[atom.Atom]bool{
	atom.Span: true,
	atom.Font: true,
}

// Sanitizer 无状态，可并发使用
type Sanitizer struct{}

func New() Sanitizer { return Sanitizer{} }

// Filter 删除脚本类元素、注释、on* 事件属性和 javascript: 链接
func (Sanitizer) Filter(src string) string {
	return rewrite(src, filterNode)
}

// Simplify 展开 span/font，去掉 style/class 属性
func (Sanitizer) Simplify(src string) string {
	return rewrite(src, simplifyNode)
}

func rewrite(src string, fn func(parent *html.Node)) string {
	if strings.TrimSpace(src) == "" {
		return src
	}
	container := &html.Node{Type: html.ElementNode, Data: "div", DataAtom: atom.Div}
	body := &html.Node{Type: html.ElementNode, Data: "body", DataAtom: atom.Body}
	nodes, err := html.ParseFragment(strings.NewReader(src), body)
	if err != nil {
		// 解析失败时按纯文本处理
		return html.EscapeString(src)
	}
	for _, n := range nodes {
		container.AppendChild(n)
	}
	fn(container)

	var b strings.Builder
	for c := container.FirstChild; c != nil; c = c.NextSibling {
		if err := html.Render(&b, c); err != nil {
			return html.EscapeString(src)
		}
	}
	return b.String()
}

func filterNode(parent *html.Node) {
	for c := parent.FirstChild; c != nil; {
		next := c.NextSibling
		switch {
		case c.Type == html.CommentNode:
			parent.RemoveChild(c)
		case c.Type == html.ElementNode && dropElements[c.DataAtom]:
			parent.RemoveChild(c)
		case c.Type == html.ElementNode:
			c.Attr = filterAttrs(c.Attr)
			filterNode(c)
		}
		c = next
	}
}

func filterAttrs(attrs []html.Attribute) []html.Attribute {
	out := attrs[:0]
	for _, a := range attrs {
		key := strings.ToLower(a.Key)
		if strings.HasPrefix(key, "on") {
			continue
		}
		if (key == "href" || key == "src") && isScriptURL(a.Val) {
			continue
		}
		out = append(out, a)
	}
	return out
}

func isScriptURL(v string) bool {
	v = strings.ToLower(strings.TrimSpace(v))
	return strings.HasPrefix(v, "javascript:") || strings.HasPrefix(v, "vbscript:")
}

func simplifyNode(parent *html.Node) {
	for c := parent.FirstChild; c != nil; {
		next := c.NextSibling
		if c.Type != html.ElementNode {
			c = next
			continue
		}
		simplifyNode(c)
		c.Attr = stripPresentation(c.Attr)
		if unwrapElements[c.DataAtom] {
			for gc := c.FirstChild; gc != nil; {
				gnext := gc.NextSibling
				c.RemoveChild(gc)
				parent.InsertBefore(gc, c)
				gc = gnext
			}
			parent.RemoveChild(c)
		}
		c = next
	}
}

func stripPresentation(attrs []html.Attribute) []html.Attribute {
	out := attrs[:0]
	for _, a := range attrs {
		switch strings.ToLower(a.Key) {
		case "style", "class":
			continue
		}
		out = append(out, a)
	}
	return out
}
