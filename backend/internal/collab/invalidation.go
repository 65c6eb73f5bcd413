package collab

import (
	"sync"
	"time"

	"folioServer/backend/internal/event"
)

// Revisions：每个文档一个单调递增的修订号，只用于在线会话的变更通知。
// 与 Catalog 的持久化 Version 无关，进程重启后归零。
type Revisions struct {
	mu   sync.Mutex
	revs map[string]uint64
	sink event.Sink
	now  func() time.Time
}

func NewRevisions(sink event.Sink) *Revisions {
	if sink == nil {
		sink = event.Discard
	}
	return &Revisions{revs: make(map[string]uint64), sink: sink, now: time.Now}
}

// Bump 修订号 +1 并通知观察者。
// structural=true 表示树结构变化（增删/移动文件夹或页面），观察者需要完整重绘；否则只是内容刷新。
// 递增和投递在同一把锁内完成，同一文档的通知顺序与 Bump 顺序一致。
func (r *Revisions) Bump(docID, actorSessionID string, structural bool) uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.revs[docID]++
	rev := r.revs[docID]
	r.sink.Publish(event.Event{
		Type:       event.TypeInvalidated,
		DocID:      docID,
		At:         r.now(),
		Actor:      actorSessionID,
		Structural: structural,
		Revision:   rev,
	})
	return rev
}

func (r *Revisions) Current(docID string) uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.revs[docID]
}

// Forget 文档删除后丢弃其修订号
func (r *Revisions) Forget(docID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.revs, docID)
}
