package model

import (
	"fmt"
	"time"
)

// DocMeta：目录索引中的一条记录
// Version 从 0 开始，每次成功持久化写入恰好 +1
type DocMeta struct {
	ID       string    `json:"id"`
	Name     string    `json:"name"`
	Modified time.Time `json:"modified"`
	Version  uint64    `json:"version"`
}

// WriterInfo：文档级单写者租约的持有者
type WriterInfo struct {
	UserID    string    `json:"userId"`
	SessionID string    `json:"sessionId"`
	ExpiresAt time.Time `json:"expiresAt"`
}

func (w WriterInfo) Expired(now time.Time) bool { return !now.Before(w.ExpiresAt) }

// WithExpiry 返回修改了过期时间的副本
func (w WriterInfo) WithExpiry(t time.Time) WriterInfo {
	w.ExpiresAt = t
	return w
}

// OwnedBy 会话 ID 由客户端自报，必须连同用户一起比较
func (w WriterInfo) OwnedBy(userID, sessionID string) bool {
	return w.UserID == userID && w.SessionID == sessionID
}

// LockKey：(文档, 目标) 二元组，目标形如 "snippet:<id>"
type LockKey struct {
	DocID  string `json:"docId"`
	Target string `json:"target"`
}

func SnippetTarget(snippetID string) string { return "snippet:" + snippetID }

func (k LockKey) String() string { return fmt.Sprintf("%s/%s", k.DocID, k.Target) }

type LockInfo struct {
	OwnerUserID   string    `json:"ownerUserId"`
	OwnerClientID string    `json:"ownerClientId"`
	ExpiresAt     time.Time `json:"expiresAt"`
}

func (l LockInfo) Expired(now time.Time) bool { return !now.Before(l.ExpiresAt) }

func (l LockInfo) WithExpiry(t time.Time) LockInfo {
	l.ExpiresAt = t
	return l
}

// OwnedBy 同一用户的同一客户端实例才算持有者
func (l LockInfo) OwnedBy(userID, clientID string) bool {
	return l.OwnerUserID == userID && l.OwnerClientID == clientID
}
