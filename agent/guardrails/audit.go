package guardrails

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"slices"
	"sync"
	"time"
)

// AuditEventType 审计事件类型
type AuditEventType string

const (
	// AuditEventGuardrailFailed 护栏未通过
	AuditEventGuardrailFailed AuditEventType = "guardrail_failed"
	// AuditEventTripwire tripwire 触发
	AuditEventTripwire AuditEventType = "tripwire_triggered"
	// AuditEventPIIDetected 检测到 PII
	AuditEventPIIDetected AuditEventType = "pii_detected"
	// AuditEventInjectionDetected 检测到注入
	AuditEventInjectionDetected AuditEventType = "injection_detected"
)

// AuditLogEntry 审计日志条目，只保存内容哈希
type AuditLogEntry struct {
	Timestamp     time.Time      `json:"timestamp"`
	EventType     AuditEventType `json:"event_type"`
	ChainName     string         `json:"chain_name,omitempty"`
	GuardrailName string         `json:"guardrail_name"`
	ContentHash   string         `json:"content_hash"`
	Violations    []Violation    `json:"violations,omitempty"`
	Metadata      map[string]any `json:"metadata,omitempty"`
}

// AuditLogger 护栏审计日志接口
type AuditLogger interface {
	Log(ctx context.Context, entry *AuditLogEntry) error
	Query(ctx context.Context, filter *AuditLogFilter) ([]*AuditLogEntry, error)
	Count(ctx context.Context, filter *AuditLogFilter) (int, error)
}

// AuditLogFilter 审计日志查询过滤器
type AuditLogFilter struct {
	StartTime      *time.Time
	EndTime        *time.Time
	EventTypes     []AuditEventType
	GuardrailNames []string
	Limit          int
	Offset         int
}

// MemoryAuditLogger 内存审计日志，超过容量时丢弃最旧条目
type MemoryAuditLogger struct {
	entries []*AuditLogEntry
	maxSize int
	mu      sync.RWMutex
}

// NewMemoryAuditLogger 创建内存审计日志记录器
func NewMemoryAuditLogger(maxSize int) *MemoryAuditLogger {
	if maxSize <= 0 {
		maxSize = 1000
	}
	return &MemoryAuditLogger{
		entries: make([]*AuditLogEntry, 0),
		maxSize: maxSize,
	}
}

// Log 记录审计日志
func (l *MemoryAuditLogger) Log(_ context.Context, entry *AuditLogEntry) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if len(l.entries) >= l.maxSize {
		l.entries = l.entries[1:]
	}
	l.entries = append(l.entries, entry)
	return nil
}

// Query 查询审计日志
func (l *MemoryAuditLogger) Query(_ context.Context, filter *AuditLogFilter) ([]*AuditLogEntry, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	var result []*AuditLogEntry
	for _, entry := range l.entries {
		if matchAuditFilter(entry, filter) {
			result = append(result, entry)
		}
	}

	if filter != nil {
		if filter.Offset >= len(result) && filter.Offset > 0 {
			return []*AuditLogEntry{}, nil
		}
		if filter.Offset > 0 {
			result = result[filter.Offset:]
		}
		if filter.Limit > 0 && filter.Limit < len(result) {
			result = result[:filter.Limit]
		}
	}
	return result, nil
}

// Count 统计审计日志数量
func (l *MemoryAuditLogger) Count(_ context.Context, filter *AuditLogFilter) (int, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	count := 0
	for _, entry := range l.entries {
		if matchAuditFilter(entry, filter) {
			count++
		}
	}
	return count, nil
}

// Entries 返回全部条目副本
func (l *MemoryAuditLogger) Entries() []*AuditLogEntry {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]*AuditLogEntry, len(l.entries))
	copy(out, l.entries)
	return out
}

// Clear 清空
func (l *MemoryAuditLogger) Clear() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.entries = make([]*AuditLogEntry, 0)
}

func matchAuditFilter(entry *AuditLogEntry, filter *AuditLogFilter) bool {
	if filter == nil {
		return true
	}
	if filter.StartTime != nil && entry.Timestamp.Before(*filter.StartTime) {
		return false
	}
	if filter.EndTime != nil && entry.Timestamp.After(*filter.EndTime) {
		return false
	}
	if len(filter.EventTypes) > 0 && !slices.Contains(filter.EventTypes, entry.EventType) {
		return false
	}
	if len(filter.GuardrailNames) > 0 && !slices.Contains(filter.GuardrailNames, entry.GuardrailName) {
		return false
	}
	return true
}

// auditEventFor 按违规码推断事件类型
func auditEventFor(res *Result, tripwire bool) AuditEventType {
	if tripwire {
		return AuditEventTripwire
	}
	for _, v := range res.Violations {
		switch v.Code {
		case "NOINJECTION":
			return AuditEventInjectionDetected
		case "NOPII":
			return AuditEventPIIDetected
		}
	}
	return AuditEventGuardrailFailed
}

// newAuditEntry 构建审计条目
func newAuditEntry(chain string, value any, res *Result, tripwire bool) *AuditLogEntry {
	return &AuditLogEntry{
		Timestamp:     time.Now(),
		EventType:     auditEventFor(res, tripwire),
		ChainName:     chain,
		GuardrailName: res.GuardrailName,
		ContentHash:   hashContent(ExtractContent(value)),
		Violations:    append([]Violation(nil), res.Violations...),
		Metadata:      map[string]any{"executionTimeMs": res.ExecutionTimeMs},
	}
}

// hashContent 计算内容的 SHA256 哈希
func hashContent(content string) string {
	hash := sha256.Sum256([]byte(content))
	return hex.EncodeToString(hash[:])
}
