package ws

import (
	"context"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"folioServer/backend/internal/cache"
	"folioServer/backend/internal/collab"
	"folioServer/backend/internal/model"
)

// 查看者名册的逻辑 TTL；客户端心跳间隔应明显小于它
const rosterTTL = 60 * time.Second

type Conn struct {
	ws  *websocket.Conn
	hub *Hub
	svc *collab.Service
	log zerolog.Logger

	userID   string
	username string
	// 客户端实例标识（一个标签页一个）。同时作为写租约的 session ID
	clientID string
	docID    string

	mu     sync.Mutex
	closed bool
	send   chan ServerMessage
}

func NewConn(ws *websocket.Conn, hub *Hub, svc *collab.Service, log zerolog.Logger, userID, username, clientID string) *Conn {
	return &Conn{
		ws:       ws,
		hub:      hub,
		svc:      svc,
		log:      log.With().Str("user", userID).Str("client", clientID).Logger(),
		userID:   userID,
		username: username,
		clientID: clientID,
		send:     make(chan ServerMessage, 32),
	}
}

// Enqueue 非阻塞投递；队列满或连接已关闭时丢弃
func (c *Conn) Enqueue(msg ServerMessage) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	select {
	case c.send <- msg:
	default:
		c.log.Warn().Str("type", msg.Type).Msg("send queue full, drop message")
	}
}

func (c *Conn) closeSend() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.send)
	}
}

func (c *Conn) readLoop(ctx context.Context) {
	defer c.cleanup()
	for {
		var msg ClientMessage
		if err := c.ws.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.log.Warn().Err(err).Str("doc", c.docID).Msg("read json error")
			}
			return
		}
		c.handle(ctx, msg)
	}
}

// cleanup 连接断开：离开房间、释放该客户端的全部片段锁和写租约、移出名册
func (c *Conn) cleanup() {
	if c.docID != "" {
		c.leave(context.Background())
	}
	if n := c.svc.Locks().ReleaseClient(c.userID, c.clientID); n > 0 {
		c.log.Info().Int("locks", n).Msg("released locks of disconnected client")
	}
	c.closeSend()
}

func (c *Conn) handle(ctx context.Context, msg ClientMessage) {
	switch msg.Type {
	case MsgJoin:
		c.join(ctx, msg.DocID)

	case MsgLeave:
		if c.docID != "" {
			docID := c.docID
			c.leave(ctx)
			c.Enqueue(ServerMessage{Type: "left", DocID: docID})
		}

	case MsgHeartbeat:
		c.heartbeat(ctx, msg)

	case MsgAliveMembers:
		if !c.requireRoom() {
			return
		}
		c.Enqueue(ServerMessage{Type: MsgAliveMembers, DocID: c.docID, Members: c.aliveMembers(ctx)})

	case MsgBecomeWriter:
		if !c.requireRoom() {
			return
		}
		res := c.svc.Writers().TryBecomeWriter(c.docID, c.userID, c.clientID, msg.Force)
		holder := res.Holder
		c.Enqueue(ServerMessage{Type: MsgBecomeWriter, DocID: c.docID, Outcome: &res.Outcome, Writer: &holder})

	case MsgReleaseWriter:
		if !c.requireRoom() {
			return
		}
		released := c.svc.Writers().Release(c.docID, c.userID, c.clientID)
		c.Enqueue(ServerMessage{Type: MsgReleaseWriter, DocID: c.docID, IsWriter: boolPtr(false), Content: releasedText(released)})

	case MsgAcquireLock:
		if !c.requireRoom() || !c.requireTarget(msg.Target) {
			return
		}
		key := model.LockKey{DocID: c.docID, Target: msg.Target}
		res := c.svc.Locks().TryAcquire(key, c.userID, c.clientID, msg.Force)
		c.Enqueue(ServerMessage{
			Type:    MsgAcquireLock,
			DocID:   c.docID,
			Outcome: &res.Outcome,
			Locks:   map[string]model.LockInfo{msg.Target: res.Holder},
		})

	case MsgReleaseLock:
		if !c.requireRoom() || !c.requireTarget(msg.Target) {
			return
		}
		released := c.svc.Locks().Release(model.LockKey{DocID: c.docID, Target: msg.Target}, c.userID, c.clientID)
		c.Enqueue(ServerMessage{Type: MsgReleaseLock, DocID: c.docID, Content: releasedText(released)})

	default:
		c.Enqueue(ServerMessage{Type: "ignored", Content: "Unknown message type"})
	}
}

func (c *Conn) join(ctx context.Context, docID string) {
	if docID == "" {
		c.Enqueue(ServerMessage{Type: "error", Content: "MISSING_DOC_ID"})
		return
	}
	if _, err := c.svc.Meta(ctx, docID); err != nil {
		c.log.Info().Err(err).Str("doc", docID).Msg("join rejected")
		c.Enqueue(ServerMessage{Type: "error", DocID: docID, Content: "DOC_NOT_FOUND"})
		return
	}
	// 切换房间时先离开旧房间
	if c.docID != "" && c.docID != docID {
		c.leave(ctx)
	}
	c.docID = docID
	c.hub.Join(docID, c)
	c.log.Debug().Str("doc", docID).Int("room", c.hub.RoomSize(docID)).Msg("joined room")
	if c.hub.roster != nil {
		if err := c.hub.roster.AddMember(ctx, docID, c.userID, c.username, rosterTTL); err != nil {
			c.log.Warn().Err(err).Str("doc", docID).Msg("roster add failed")
		}
	}

	out := ServerMessage{
		Type:     "joined",
		DocID:    docID,
		UserID:   c.userID,
		ClientID: c.clientID,
		Revision: c.svc.Revisions().Current(docID),
		Locks:    c.svc.Locks().ListDocument(docID),
	}
	if w, ok := c.svc.Writers().Holder(docID); ok {
		out.Writer = &w
	}
	c.Enqueue(out)
}

func (c *Conn) leave(ctx context.Context) {
	docID := c.docID
	c.hub.Leave(docID, c)
	c.log.Debug().Str("doc", docID).Int("room", c.hub.RoomSize(docID)).Msg("left room")
	c.svc.Writers().Release(docID, c.userID, c.clientID)
	if c.hub.roster != nil {
		if err := c.hub.roster.RemoveMember(ctx, docID, c.userID); err != nil {
			c.log.Warn().Err(err).Str("doc", docID).Msg("roster remove failed")
		}
	}
	c.docID = ""
}

// heartbeat 续期写租约和 msg.Targets 中的片段锁，刷新名册
func (c *Conn) heartbeat(ctx context.Context, msg ClientMessage) {
	if !c.requireRoom() {
		return
	}
	isWriter := c.svc.Writers().Heartbeat(c.docID, c.userID, c.clientID)
	alive := make(map[string]bool, len(msg.Targets))
	for _, target := range msg.Targets {
		alive[target] = c.svc.Locks().Heartbeat(model.LockKey{DocID: c.docID, Target: target}, c.userID, c.clientID)
	}
	if c.hub.roster != nil {
		if err := c.hub.roster.AddMember(ctx, c.docID, c.userID, c.username, rosterTTL); err != nil {
			c.log.Warn().Err(err).Str("doc", c.docID).Msg("roster refresh failed")
		}
	}
	c.Enqueue(ServerMessage{Type: "heartbeat_ack", DocID: c.docID, IsWriter: &isWriter, LockAlive: alive})
}

func (c *Conn) aliveMembers(ctx context.Context) []cache.Viewer {
	if c.hub.roster == nil {
		return nil
	}
	members, err := c.hub.roster.AliveMembers(ctx, c.docID)
	if err != nil {
		c.log.Warn().Err(err).Str("doc", c.docID).Msg("roster list failed")
	}
	return members
}

func (c *Conn) requireRoom() bool {
	if c.docID == "" {
		c.Enqueue(ServerMessage{Type: "error", Content: "NOT_JOINED"})
		return false
	}
	return true
}

func (c *Conn) requireTarget(target string) bool {
	if target == "" {
		c.Enqueue(ServerMessage{Type: "error", DocID: c.docID, Content: "MISSING_TARGET"})
		return false
	}
	return true
}

func (c *Conn) writeLoop() {
	for msg := range c.send {
		if err := c.ws.WriteJSON(msg); err != nil {
			c.log.Debug().Err(err).Msg("write json error")
		}
	}
}

func boolPtr(b bool) *bool { return &b }

func releasedText(ok bool) string {
	if ok {
		return "released"
	}
	return "not held"
}
