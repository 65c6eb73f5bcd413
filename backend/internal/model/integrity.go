package model

import "sort"

// IntegrityReport 只做检测，不做修复；修复由单独的流程完成
type IntegrityReport struct {
	MissingRoot bool `json:"missingRoot"`
	// 从根不可达的文件夹
	UnreachableCollections []string `json:"unreachableCollections,omitempty"`
	// 没有任何文件夹引用的页面
	OrphanPages []string `json:"orphanPages,omitempty"`
	// parent -> 不存在的子文件夹 ID
	DanglingCollections map[string][]string `json:"danglingCollections,omitempty"`
	// collection -> 不存在的页面 ID
	DanglingPages map[string][]string `json:"danglingPages,omitempty"`
	// 同一列表里重复出现的引用
	DuplicateRefs map[string][]string `json:"duplicateRefs,omitempty"`
	// 被多个父文件夹引用（共享而非独占）
	SharedCollections []string `json:"sharedCollections,omitempty"`
}

func (r IntegrityReport) OK() bool {
	return !r.MissingRoot &&
		len(r.UnreachableCollections) == 0 &&
		len(r.OrphanPages) == 0 &&
		len(r.DanglingCollections) == 0 &&
		len(r.DanglingPages) == 0 &&
		len(r.DuplicateRefs) == 0
}

// Reachable 返回从根出发可达的文件夹集合（容忍环与悬空引用）
func (d *Document) Reachable() map[string]bool {
	seen := map[string]bool{}
	if _, ok := d.Collections[d.RootCollectionID]; !ok {
		return seen
	}
	stack := []string{d.RootCollectionID}
	for len(stack) > 0 {
		id := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if seen[id] {
			continue
		}
		c, ok := d.Collections[id]
		if !ok || c == nil {
			continue
		}
		seen[id] = true
		stack = append(stack, c.ChildCollectionIDs...)
	}
	return seen
}

// Check 扫描整棵树，汇总结构性问题
func (d *Document) Check() IntegrityReport {
	var r IntegrityReport
	if _, ok := d.Collections[d.RootCollectionID]; !ok {
		r.MissingRoot = true
	}
	reach := d.Reachable()
	parents := map[string]int{}
	referencedPages := map[string]bool{}

	ids := make([]string, 0, len(d.Collections))
	for id := range d.Collections {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	for _, id := range ids {
		c := d.Collections[id]
		if c == nil {
			continue
		}
		if !reach[id] {
			r.UnreachableCollections = append(r.UnreachableCollections, id)
		}
		seen := map[string]bool{}
		for _, child := range c.ChildCollectionIDs {
			if seen[child] {
				r.DuplicateRefs = appendRef(r.DuplicateRefs, id, child)
				continue
			}
			seen[child] = true
			parents[child]++
			if _, ok := d.Collections[child]; !ok {
				r.DanglingCollections = appendRef(r.DanglingCollections, id, child)
			}
		}
		seenPages := map[string]bool{}
		for _, pid := range c.PageIDs {
			if seenPages[pid] {
				r.DuplicateRefs = appendRef(r.DuplicateRefs, id, pid)
				continue
			}
			seenPages[pid] = true
			referencedPages[pid] = true
			if _, ok := d.Pages[pid]; !ok {
				r.DanglingPages = appendRef(r.DanglingPages, id, pid)
			}
		}
	}
	for _, id := range ids {
		if parents[id] > 1 {
			r.SharedCollections = append(r.SharedCollections, id)
		}
	}

	pageIDs := make([]string, 0, len(d.Pages))
	for id := range d.Pages {
		pageIDs = append(pageIDs, id)
	}
	sort.Strings(pageIDs)
	for _, id := range pageIDs {
		if !referencedPages[id] {
			r.OrphanPages = append(r.OrphanPages, id)
		}
	}
	return r
}

func appendRef(m map[string][]string, key, ref string) map[string][]string {
	if m == nil {
		m = map[string][]string{}
	}
	m[key] = append(m[key], ref)
	return m
}
