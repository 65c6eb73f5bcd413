package lease

import (
	"sync"
	"time"

	"folioServer/backend/internal/event"
	"folioServer/backend/internal/model"
)

type LockResult struct {
	Outcome  Outcome         `json:"outcome"`
	Holder   model.LockInfo  `json:"holder"`
	Previous *model.LockInfo `json:"previous,omitempty"`
}

// PresenceLocks：文档内单个目标（例如一个 snippet）的细粒度编辑锁。
// 与 WriterLeases 相互独立：一个人持有整体写权限时，其他协作者仍可各自锁住不相交的片段。
// 状态机和 CAS 重试规则与 WriterLeases 一致，持有者按 (userID, clientID) 判定。
type PresenceLocks struct {
	locks sync.Map // model.LockKey -> *model.LockInfo
	ttl   time.Duration
	now   func() time.Time
	sink  event.Sink
}

func NewPresenceLocks(opt Options) *PresenceLocks {
	opt = opt.withDefaults(DefaultLockTTL)
	return &PresenceLocks{ttl: opt.TTL, now: opt.Now, sink: opt.Sink}
}

func (p *PresenceLocks) TTL() time.Duration { return p.ttl }

func (p *PresenceLocks) load(key model.LockKey) (*model.LockInfo, bool) {
	v, ok := p.locks.Load(key)
	if !ok {
		return nil, false
	}
	return v.(*model.LockInfo), true
}

func (p *PresenceLocks) TryAcquire(key model.LockKey, userID, clientID string, override bool) LockResult {
	for {
		now := p.now()
		next := &model.LockInfo{OwnerUserID: userID, OwnerClientID: clientID, ExpiresAt: now.Add(p.ttl)}

		cur, ok := p.load(key)
		if !ok {
			if _, loaded := p.locks.LoadOrStore(key, next); loaded {
				continue
			}
			p.publish(key, next)
			return LockResult{Outcome: Granted, Holder: *next}
		}

		if cur.Expired(now) {
			if !p.locks.CompareAndSwap(key, cur, next) {
				continue
			}
			p.publish(key, next)
			return LockResult{Outcome: Granted, Holder: *next}
		}

		if cur.OwnedBy(userID, clientID) {
			refreshed := cur.WithExpiry(next.ExpiresAt)
			if !p.locks.CompareAndSwap(key, cur, &refreshed) {
				continue
			}
			return LockResult{Outcome: AlreadyYours, Holder: refreshed}
		}

		if !override {
			return LockResult{Outcome: Denied, Holder: *cur}
		}
		if !p.locks.CompareAndSwap(key, cur, next) {
			continue
		}
		prev := *cur
		p.publish(key, next)
		return LockResult{Outcome: Stolen, Holder: *next, Previous: &prev}
	}
}

func (p *PresenceLocks) Heartbeat(key model.LockKey, userID, clientID string) bool {
	for {
		now := p.now()
		cur, ok := p.load(key)
		if !ok || !cur.OwnedBy(userID, clientID) || cur.Expired(now) {
			return false
		}
		next := cur.WithExpiry(now.Add(p.ttl))
		if p.locks.CompareAndSwap(key, cur, &next) {
			return true
		}
	}
}

func (p *PresenceLocks) Release(key model.LockKey, userID, clientID string) bool {
	for {
		cur, ok := p.load(key)
		if !ok || !cur.OwnedBy(userID, clientID) {
			return false
		}
		if p.locks.CompareAndDelete(key, cur) {
			p.publish(key, nil)
			return true
		}
	}
}

// Get 返回未过期的锁
func (p *PresenceLocks) Get(key model.LockKey) (model.LockInfo, bool) {
	cur, ok := p.load(key)
	if !ok || cur.Expired(p.now()) {
		return model.LockInfo{}, false
	}
	return *cur, true
}

// ListDocument 文档内所有活着的锁，target -> holder
func (p *PresenceLocks) ListDocument(docID string) map[string]model.LockInfo {
	now := p.now()
	out := map[string]model.LockInfo{}
	p.locks.Range(func(k, v any) bool {
		key := k.(model.LockKey)
		cur := v.(*model.LockInfo)
		if key.DocID == docID && !cur.Expired(now) {
			out[key.Target] = *cur
		}
		return true
	})
	return out
}

// ReleaseClient 客户端断开时释放它持有的全部锁，返回释放数量
func (p *PresenceLocks) ReleaseClient(userID, clientID string) int {
	n := 0
	p.locks.Range(func(k, v any) bool {
		cur := v.(*model.LockInfo)
		if cur.OwnedBy(userID, clientID) && p.locks.CompareAndDelete(k, cur) {
			p.publish(k.(model.LockKey), nil)
			n++
		}
		return true
	})
	return n
}

func (p *PresenceLocks) Sweep() int {
	now := p.now()
	n := 0
	p.locks.Range(func(k, v any) bool {
		cur := v.(*model.LockInfo)
		if cur.Expired(now) && p.locks.CompareAndDelete(k, cur) {
			p.publish(k.(model.LockKey), nil)
			n++
		}
		return true
	})
	return n
}

func (p *PresenceLocks) publish(key model.LockKey, holder *model.LockInfo) {
	evt := event.Event{Type: event.TypeLockChanged, DocID: key.DocID, Target: key.Target, At: p.now()}
	if holder != nil {
		h := *holder
		evt.Lock = &h
	}
	p.sink.Publish(evt)
}
