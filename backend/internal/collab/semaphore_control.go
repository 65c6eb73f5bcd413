package collab

import (
	"context"
	"errors"
	"fmt"
)

// 未指定容量时的默认并发上限
const MaxSemaphore = 100

var ErrSemaphoreNotAcquired = errors.New("semaphore is not acquired")

// SemaphoreControl 基于带缓冲 channel 的计数信号量，用于限制导入、Kafka 发送等重操作的并发数
type SemaphoreControl struct {
	ch chan struct{}
}

// NewSemaphoreControl size<=0 时使用 MaxSemaphore
func NewSemaphoreControl(size int) *SemaphoreControl {
	if size <= 0 {
		size = MaxSemaphore
	}
	return &SemaphoreControl{ch: make(chan struct{}, size)}
}

// Acquire 阻塞直到拿到名额；ctx 结束时返回包裹了 ctx.Err() 的错误
func (s *SemaphoreControl) Acquire(ctx context.Context) error {
	select {
	case s.ch <- struct{}{}:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("semaphore full (%d in use): %w", len(s.ch), ctx.Err())
	}
}

func (s *SemaphoreControl) TryAcquire() bool {
	select {
	case s.ch <- struct{}{}:
		return true
	default:
		return false
	}
}

func (s *SemaphoreControl) Release() error {
	select {
	case <-s.ch:
		return nil
	default:
		return ErrSemaphoreNotAcquired
	}
}

func (s *SemaphoreControl) InUse() int { return len(s.ch) }

func (s *SemaphoreControl) Cap() int { return cap(s.ch) }
