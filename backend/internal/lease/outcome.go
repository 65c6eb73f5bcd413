package lease

import (
	"fmt"
	"time"
)

// Outcome：申请租约/锁的协商结果。Denied 不是错误，调用方需要自行分支处理。
type Outcome int

const (
	Granted Outcome = iota
	AlreadyYours
	Denied
	Stolen
)

var outcomeNames = map[Outcome]string{
	Granted:      "GRANTED",
	AlreadyYours: "ALREADY_YOURS",
	Denied:       "DENIED",
	Stolen:       "STOLEN",
}

func (o Outcome) String() string {
	if s, ok := outcomeNames[o]; ok {
		return s
	}
	return fmt.Sprintf("Outcome(%d)", int(o))
}

func (o Outcome) MarshalText() ([]byte, error) { return []byte(o.String()), nil }

func (o *Outcome) UnmarshalText(b []byte) error {
	for k, v := range outcomeNames {
		if v == string(b) {
			*o = k
			return nil
		}
	}
	return fmt.Errorf("unknown outcome %q", b)
}

// 默认 TTL
const (
	DefaultWriterTTL = 45 * time.Second
	DefaultLockTTL   = 30 * time.Second
)
