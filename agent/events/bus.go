// Package events 提供 musubi 组件共享的同步事件总线。
//
// 与异步投递不同，Publish 在发布者的 goroutine 中按订阅顺序依次调用处理器，
// 因此同一发布者发出的事件对每个订阅者都保持发布顺序。
package events

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// Type 事件类型
type Type string

// Wildcard 订阅全部事件
const Wildcard Type = "*"

// Event 事件
type Event struct {
	Type        Type           `json:"type"`
	Source      string         `json:"source"`
	ExecutionID string         `json:"execution_id,omitempty"`
	Data        map[string]any `json:"data,omitempty"`
	Timestamp   time.Time      `json:"timestamp"`
}

// Get 读取事件数据字段
func (e Event) Get(key string) any {
	if e.Data == nil {
		return nil
	}
	return e.Data[key]
}

// Handler 事件处理器
type Handler func(Event)

// Bus 定义事件总线接口
type Bus interface {
	Publish(event Event)
	Subscribe(eventType Type, handler Handler) string
	SubscribeAll(handler Handler) string
	Unsubscribe(subscriptionID string) bool
}

type subscription struct {
	id        string
	eventType Type
	handler   Handler
}

// subscriptionCounter 用于生成唯一订阅 ID
var subscriptionCounter int64

// SyncBus 同步有序事件总线
type SyncBus struct {
	mu     sync.RWMutex
	subs   []subscription
	logger *zap.Logger
}

// NewBus 创建新的事件总线
func NewBus(logger *zap.Logger) *SyncBus {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &SyncBus{
		subs:   make([]subscription, 0),
		logger: logger.With(zap.String("component", "event_bus")),
	}
}

// Publish 发布事件
// 处理器在锁外调用，允许处理器内部再次 Publish 或 Unsubscribe。
func (b *SyncBus) Publish(event Event) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	b.mu.RLock()
	targets := make([]subscription, 0, len(b.subs))
	for _, s := range b.subs {
		if s.eventType == Wildcard || s.eventType == event.Type {
			targets = append(targets, s)
		}
	}
	b.mu.RUnlock()

	for _, s := range targets {
		b.dispatch(s, event)
	}
}

func (b *SyncBus) dispatch(s subscription, event Event) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("event handler panicked",
				zap.String("subscription", s.id),
				zap.String("event", string(event.Type)),
				zap.Any("recover", r),
			)
		}
	}()
	s.handler(event)
}

// Subscribe 订阅指定类型的事件
func (b *SyncBus) Subscribe(eventType Type, handler Handler) string {
	b.mu.Lock()
	defer b.mu.Unlock()

	id := fmt.Sprintf("%s-%d", eventType, atomic.AddInt64(&subscriptionCounter, 1))
	b.subs = append(b.subs, subscription{id: id, eventType: eventType, handler: handler})
	return id
}

// SubscribeAll 订阅全部事件
func (b *SyncBus) SubscribeAll(handler Handler) string {
	return b.Subscribe(Wildcard, handler)
}

// Unsubscribe 取消订阅
func (b *SyncBus) Unsubscribe(subscriptionID string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	for i, s := range b.subs {
		if s.id == subscriptionID {
			b.subs = append(b.subs[:i:i], b.subs[i+1:]...)
			return true
		}
	}
	return false
}

// Len 返回订阅数量
func (b *SyncBus) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// Emitter 绑定来源名的发布助手，bus 为 nil 时静默丢弃
type Emitter struct {
	bus    Bus
	source string
}

// NewEmitter 创建发布助手
func NewEmitter(bus Bus, source string) Emitter {
	return Emitter{bus: bus, source: source}
}

// Emit 发布事件
func (e Emitter) Emit(eventType Type, executionID string, data map[string]any) {
	if e.bus == nil {
		return
	}
	e.bus.Publish(Event{
		Type:        eventType,
		Source:      e.source,
		ExecutionID: executionID,
		Data:        data,
		Timestamp:   time.Now(),
	})
}

// Bus 返回底层总线
func (e Emitter) Bus() Bus {
	return e.bus
}
