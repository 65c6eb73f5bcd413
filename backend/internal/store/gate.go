package store

import (
	"context"
	"errors"
)

// Gate：容量为 1 的信号量，串行化所有修改目录索引的操作（create/rename/delete/save）
// 拿不到时阻塞等待，直到 ctx 结束；不会直接失败
type Gate struct {
	ch chan struct{}
}

func NewGate() *Gate {
	return &Gate{ch: make(chan struct{}, 1)}
}

func (g *Gate) Acquire(ctx context.Context) error {
	select {
	case g.ch <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (g *Gate) Release() error {
	select {
	case <-g.ch:
		return nil
	default:
		return errors.New("release failed, gate is not held")
	}
}
