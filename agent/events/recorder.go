package events

import "sync"

// Recorder 记录总线上的全部事件，供测试与调试使用
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

// NewRecorder 创建记录器并订阅 bus 上的全部事件
func NewRecorder(bus Bus) *Recorder {
	r := &Recorder{}
	bus.SubscribeAll(r.record)
	return r
}

func (r *Recorder) record(e Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

// Events 返回事件快照
func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Event, len(r.events))
	copy(out, r.events)
	return out
}

// Types 返回事件类型序列
func (r *Recorder) Types() []Type {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Type, len(r.events))
	for i, e := range r.events {
		out[i] = e.Type
	}
	return out
}

// Filter 返回指定类型的事件
func (r *Recorder) Filter(t Type) []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Event
	for _, e := range r.events {
		if e.Type == t {
			out = append(out, e)
		}
	}
	return out
}

// Count 统计指定类型的事件数
func (r *Recorder) Count(t Type) int {
	return len(r.Filter(t))
}
