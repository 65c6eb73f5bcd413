package ws

import (
	"sync"

	"folioServer/backend/internal/cache"
	"folioServer/backend/internal/event"
)

// Hub：docID -> 房间内连接。实现 event.Sink，把租约/锁/失效通知推给同一文档的所有连接。
type Hub struct {
	// 在线查看者名册，可为 nil（未配置 Redis）
	roster cache.ViewerRoster

	mu sync.RWMutex
	// 一个用户可以开多个标签页，广播按连接而不是按 userID
	rooms map[string]map[*Conn]struct{}
}

var _ event.Sink = (*Hub)(nil)

func NewHub(roster cache.ViewerRoster) *Hub {
	return &Hub{roster: roster, rooms: make(map[string]map[*Conn]struct{})}
}

func (h *Hub) Join(docID string, c *Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.rooms[docID] == nil {
		h.rooms[docID] = make(map[*Conn]struct{})
	}
	h.rooms[docID][c] = struct{}{}
}

func (h *Hub) Leave(docID string, c *Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if conns, ok := h.rooms[docID]; ok {
		delete(conns, c)
		if len(conns) == 0 {
			delete(h.rooms, docID)
		}
	}
}

// RoomSize 房间内连接数
func (h *Hub) RoomSize(docID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.rooms[docID])
}

// members 在锁内拷贝一份连接列表，发送在锁外进行
func (h *Hub) members(docID string) []*Conn {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]*Conn, 0, len(h.rooms[docID]))
	for c := range h.rooms[docID] {
		out = append(out, c)
	}
	return out
}

func (h *Hub) Broadcast(docID string, msg ServerMessage) {
	for _, c := range h.members(docID) {
		c.Enqueue(msg)
	}
}

// Publish 实现 event.Sink
func (h *Hub) Publish(evt event.Event) {
	e := evt
	h.Broadcast(evt.DocID, ServerMessage{Type: evt.Type, DocID: evt.DocID, Revision: evt.Revision, Event: &e})
}
