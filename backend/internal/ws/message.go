package ws

import (
	"folioServer/backend/internal/cache"
	"folioServer/backend/internal/event"
	"folioServer/backend/internal/lease"
	"folioServer/backend/internal/model"
)

// 客户端消息类型
const (
	MsgJoin          = "join"
	MsgLeave         = "leave"
	MsgHeartbeat     = "heartbeat"
	MsgAliveMembers  = "show_alive_members"
	MsgAcquireLock   = "acquire_lock"
	MsgReleaseLock   = "release_lock"
	MsgBecomeWriter  = "become_writer"
	MsgReleaseWriter = "release_writer"
)

type ClientMessage struct {
	Type  string `json:"type"`
	DocID string `json:"docId"`
	// 锁目标，例如 "snippet:<id>"；heartbeat 时为需要续期的全部目标
	Target  string   `json:"target,omitempty"`
	Targets []string `json:"targets,omitempty"`
	// 抢占（become_writer / acquire_lock）
	Force bool `json:"force,omitempty"`
}

// 服务端消息：Type 为具体含义，其余字段按需填写
type ServerMessage struct {
	Type     string                    `json:"type"`
	DocID    string                    `json:"docId,omitempty"`
	UserID   string                    `json:"userId,omitempty"`
	ClientID string                    `json:"clientId,omitempty"`
	Revision uint64                    `json:"revision,omitempty"`
	Members  []cache.Viewer            `json:"members,omitempty"`
	Writer   *model.WriterInfo         `json:"writer,omitempty"`
	Locks    map[string]model.LockInfo `json:"locks,omitempty"`
	Outcome  *lease.Outcome            `json:"outcome,omitempty"`
	// 心跳结果：是否仍持有写租约、各锁是否续期成功
	IsWriter  *bool           `json:"isWriter,omitempty"`
	LockAlive map[string]bool `json:"lockAlive,omitempty"`
	Event     *event.Event    `json:"event,omitempty"`
	Content   string          `json:"content,omitempty"`
}
