package event

import (
	"time"

	"folioServer/backend/internal/model"
)

// 事件类型
const (
	TypeWriterChanged = "WRITER_CHANGED"
	TypeLockChanged   = "LOCK_CHANGED"
	TypeInvalidated   = "INVALIDATED"
)

// Event：推给展示层的变更通知。按 Type 只填对应字段。
type Event struct {
	Type  string    `json:"type"`
	DocID string    `json:"docId"`
	At    time.Time `json:"at"`

	// WRITER_CHANGED：新的持有者；nil 表示已释放
	Writer *model.WriterInfo `json:"writer,omitempty"`

	// LOCK_CHANGED
	Target string          `json:"target,omitempty"`
	Lock   *model.LockInfo `json:"lock,omitempty"`

	// INVALIDATED
	Actor      string `json:"actor,omitempty"`
	Structural bool   `json:"structural,omitempty"`
	Revision   uint64 `json:"revision,omitempty"`
}

// Sink：通知的接收方（ws 房间、Kafka 等）。Publish 不能阻塞太久。
type Sink interface {
	Publish(evt Event)
}

// SinkFunc 让普通函数满足 Sink
type SinkFunc func(evt Event)

func (f SinkFunc) Publish(evt Event) { f(evt) }

// Fanout 按顺序依次投递给每个 sink
type Fanout []Sink

func (f Fanout) Publish(evt Event) {
	for _, s := range f {
		if s != nil {
			s.Publish(evt)
		}
	}
}

// Discard 丢弃所有事件
var Discard Sink = SinkFunc(func(Event) {})
