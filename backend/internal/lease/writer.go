package lease

import (
	"sync"
	"time"

	"folioServer/backend/internal/event"
	"folioServer/backend/internal/model"
)

type WriterResult struct {
	Outcome Outcome `json:"outcome"`
	// 操作之后的持有者；Denied 时为当前持有者
	Holder model.WriterInfo `json:"holder"`
	// Stolen 时被顶掉的持有者
	Previous *model.WriterInfo `json:"previous,omitempty"`
}

type Options struct {
	TTL  time.Duration
	Now  func() time.Time
	Sink event.Sink
}

func (o Options) withDefaults(ttl time.Duration) Options {
	if o.TTL <= 0 {
		o.TTL = ttl
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	if o.Sink == nil {
		o.Sink = event.Discard
	}
	return o
}

// WriterLeases：每个文档至多一个活着的写者。
// 状态放在 sync.Map 里，所有转换都是对“上一个持有者记录”的 CAS；CAS 失败说明有并发申请，整段判断重来。
// 每次写入的都是新分配的 *WriterInfo，因此指针相等即记录未被替换。
type WriterLeases struct {
	leases sync.Map // docID -> *model.WriterInfo
	ttl    time.Duration
	now    func() time.Time
	sink   event.Sink
}

func NewWriterLeases(opt Options) *WriterLeases {
	opt = opt.withDefaults(DefaultWriterTTL)
	return &WriterLeases{ttl: opt.TTL, now: opt.Now, sink: opt.Sink}
}

func (l *WriterLeases) TTL() time.Duration { return l.ttl }

func (l *WriterLeases) load(docID string) (*model.WriterInfo, bool) {
	v, ok := l.leases.Load(docID)
	if !ok {
		return nil, false
	}
	return v.(*model.WriterInfo), true
}

// TryBecomeWriter 见 Outcome：空闲或已过期 -> Granted；同一用户的同一 session -> AlreadyYours（顺带续期）；
// 他人持有 -> force ? Stolen : Denied
func (l *WriterLeases) TryBecomeWriter(docID, userID, sessionID string, force bool) WriterResult {
	for {
		now := l.now()
		next := &model.WriterInfo{UserID: userID, SessionID: sessionID, ExpiresAt: now.Add(l.ttl)}

		cur, ok := l.load(docID)
		if !ok {
			if _, loaded := l.leases.LoadOrStore(docID, next); loaded {
				continue
			}
			l.publish(docID, next)
			return WriterResult{Outcome: Granted, Holder: *next}
		}

		if cur.Expired(now) {
			if !l.leases.CompareAndSwap(docID, cur, next) {
				continue
			}
			l.publish(docID, next)
			return WriterResult{Outcome: Granted, Holder: *next}
		}

		if cur.OwnedBy(userID, sessionID) {
			refreshed := cur.WithExpiry(next.ExpiresAt)
			if !l.leases.CompareAndSwap(docID, cur, &refreshed) {
				continue
			}
			return WriterResult{Outcome: AlreadyYours, Holder: refreshed}
		}

		if !force {
			return WriterResult{Outcome: Denied, Holder: *cur}
		}
		if !l.leases.CompareAndSwap(docID, cur, next) {
			continue
		}
		prev := *cur
		l.publish(docID, next)
		return WriterResult{Outcome: Stolen, Holder: *next, Previous: &prev}
	}
}

// Heartbeat 只有当前（未过期的）持有者才能续期；否则什么也不做并返回 false
func (l *WriterLeases) Heartbeat(docID, userID, sessionID string) bool {
	for {
		now := l.now()
		cur, ok := l.load(docID)
		if !ok || !cur.OwnedBy(userID, sessionID) || cur.Expired(now) {
			return false
		}
		next := cur.WithExpiry(now.Add(l.ttl))
		if l.leases.CompareAndSwap(docID, cur, &next) {
			return true
		}
	}
}

// Release 只有持有者本人能释放
func (l *WriterLeases) Release(docID, userID, sessionID string) bool {
	for {
		cur, ok := l.load(docID)
		if !ok || !cur.OwnedBy(userID, sessionID) {
			return false
		}
		if l.leases.CompareAndDelete(docID, cur) {
			l.publish(docID, nil)
			return true
		}
	}
}

// Holder 返回未过期的持有者
func (l *WriterLeases) Holder(docID string) (model.WriterInfo, bool) {
	cur, ok := l.load(docID)
	if !ok || cur.Expired(l.now()) {
		return model.WriterInfo{}, false
	}
	return *cur, true
}

// IsWriter：(userID, sessionID) 是否为该文档当前活着的写者
func (l *WriterLeases) IsWriter(docID, userID, sessionID string) bool {
	h, ok := l.Holder(docID)
	return ok && h.OwnedBy(userID, sessionID)
}

// Sweep 清掉已过期的记录并通知“写权限已空闲”，返回清理数量
func (l *WriterLeases) Sweep() int {
	now := l.now()
	n := 0
	l.leases.Range(func(k, v any) bool {
		cur := v.(*model.WriterInfo)
		if cur.Expired(now) && l.leases.CompareAndDelete(k, cur) {
			l.publish(k.(string), nil)
			n++
		}
		return true
	})
	return n
}

func (l *WriterLeases) publish(docID string, holder *model.WriterInfo) {
	evt := event.Event{Type: event.TypeWriterChanged, DocID: docID, At: l.now()}
	if holder != nil {
		h := *holder
		evt.Writer = &h
	}
	l.sink.Publish(evt)
}
