package store

import (
	"fmt"

	"folioServer/backend/internal/model"
)

// ConcurrencyError：Save 携带的 expectedVersion 与存储版本不一致
type ConcurrencyError struct {
	DocID    string
	Expected uint64
	Actual   uint64
}

func (e *ConcurrencyError) Error() string {
	return fmt.Sprintf("document %s: expected version %d, stored version %d", e.DocID, e.Expected, e.Actual)
}

func (e *ConcurrencyError) Is(target error) bool {
	return target == model.ErrConcurrency
}
