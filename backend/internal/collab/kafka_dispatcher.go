package collab

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"github.com/IBM/sarama"
	"github.com/rs/zerolog"

	"folioServer/backend/internal/event"
)

// KafkaDispatcher：本地有界队列 + worker 异步发送 + 有限重试。
// - 不阻塞租约/保存主流程（Publish 只负责入队）
// - Kafka 短暂阻塞时靠队列吸收，后台慢慢补发
// - 队列满时降级丢弃，避免内存无限增长
// 以 docID 作为消息 key，同一文档落在同一分区，保持文档内顺序
type KafkaDispatcher struct {
	producer sarama.SyncProducer
	topic    string
	log      zerolog.Logger

	// mu 保护 closed；Publish 持读锁做非阻塞入队，Close 持写锁关闭队列
	mu     sync.RWMutex
	closed bool
	queue  chan event.Event
	wg     sync.WaitGroup

	// sem 限制并发的 SendMessage 数量
	kafkaSem *SemaphoreControl

	workers     int
	maxRetry    int
	baseBackoff time.Duration
	maxBackoff  time.Duration

	sent    atomic.Uint64
	dropped atomic.Uint64
}

// DispatchStats：已送达、已丢弃（队列满或重试耗尽）、当前排队数
type DispatchStats struct {
	Sent    uint64 `json:"sent"`
	Dropped uint64 `json:"dropped"`
	Queued  int    `json:"queued"`
}

// 消息头里携带事件类型，消费方不必解码 value 就能过滤
const eventTypeHeader = "folio-event-type"

type KafkaDispatcherOptions struct {
	QueueSize   int
	Workers     int
	MaxRetry    int
	BaseBackoff time.Duration
	MaxBackoff  time.Duration
	Logger      zerolog.Logger
}

var _ event.Sink = (*KafkaDispatcher)(nil)

func NewKafkaDispatcher(producer sarama.SyncProducer, topic string, kafkaSem *SemaphoreControl, opt KafkaDispatcherOptions) *KafkaDispatcher {
	if opt.QueueSize <= 0 {
		opt.QueueSize = 10_000
	}
	if opt.Workers <= 0 {
		opt.Workers = 1
	}
	d := &KafkaDispatcher{
		producer:    producer,
		topic:       topic,
		log:         opt.Logger,
		queue:       make(chan event.Event, opt.QueueSize),
		kafkaSem:    kafkaSem,
		workers:     opt.Workers,
		maxRetry:    opt.MaxRetry,
		baseBackoff: opt.BaseBackoff,
		maxBackoff:  opt.MaxBackoff,
	}

	d.Start()
	return d
}

// Publish 实现 event.Sink：非阻塞入队，队列满或已 Close 直接丢弃
func (d *KafkaDispatcher) Publish(evt event.Event) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		d.dropped.Add(1)
		d.log.Debug().Str("doc", evt.DocID).Str("type", evt.Type).Msg("kafka dispatcher closed, drop event")
		return
	}
	select {
	case d.queue <- evt:
	default:
		d.dropped.Add(1)
		d.log.Warn().Str("doc", evt.DocID).Str("type", evt.Type).Msg("kafka queue full, drop event")
	}
}

func (d *KafkaDispatcher) Start() {
	for i := 0; i < d.workers; i++ {
		d.wg.Add(1)
		go d.workerLoop(i)
	}
}

// Close 停止接收并等待队列中剩余事件发送完毕；之后的 Publish 计入 dropped。可重复调用
func (d *KafkaDispatcher) Close() {
	d.mu.Lock()
	if !d.closed {
		d.closed = true
		close(d.queue)
	}
	d.mu.Unlock()
	d.wg.Wait()
}

func (d *KafkaDispatcher) workerLoop(workerID int) {
	defer d.wg.Done()
	for evt := range d.queue {
		d.sendWithRetry(workerID, evt)
	}
}

func (d *KafkaDispatcher) sendWithRetry(workerID int, evt event.Event) {
	for attempt := 0; attempt <= d.maxRetry; attempt++ {
		if d.kafkaSem != nil {
			// worker 允许一直等待（不会影响主链路）
			_ = d.kafkaSem.Acquire(context.Background())
		}

		err := d.sendOnce(evt)

		if d.kafkaSem != nil {
			_ = d.kafkaSem.Release()
		}

		if err == nil {
			d.sent.Add(1)
			return
		}

		if attempt == d.maxRetry {
			d.dropped.Add(1)
			d.log.Error().Err(err).
				Str("doc", evt.DocID).
				Str("type", evt.Type).
				Uint64("revision", evt.Revision).
				Int("worker", workerID).
				Msg("kafka send failed, drop event")
			return
		}

		// 退避，每次退避时间X2
		backoff := d.baseBackoff * time.Duration(1<<attempt)
		if backoff > d.maxBackoff {
			backoff = d.maxBackoff
		}
		time.Sleep(backoff)
	}
}

func (d *KafkaDispatcher) sendOnce(evt event.Event) error {
	if d.producer == nil || d.topic == "" {
		return nil
	}
	b, err := json.Marshal(evt)
	if err != nil {
		return err
	}
	msg := &sarama.ProducerMessage{
		Topic: d.topic,
		Key:   sarama.StringEncoder(evt.DocID),
		Value: sarama.ByteEncoder(b),
		Headers: []sarama.RecordHeader{
			{Key: []byte(eventTypeHeader), Value: []byte(evt.Type)},
		},
		Timestamp: evt.At,
	}
	_, _, err = d.producer.SendMessage(msg)
	return err
}

func (d *KafkaDispatcher) Stats() DispatchStats {
	return DispatchStats{
		Sent:    d.sent.Load(),
		Dropped: d.dropped.Load(),
		Queued:  len(d.queue),
	}
}
