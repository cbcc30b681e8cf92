package handoff

import (
	"fmt"
	"strings"
)

// 消息角色
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleTool      = "tool"
)

// ToolCall 助手消息中的工具调用
type ToolCall struct {
	ID        string         `json:"id" mapstructure:"id"`
	Name      string         `json:"name" mapstructure:"name"`
	Arguments map[string]any `json:"arguments,omitempty" mapstructure:"arguments"`
}

// Message 对话消息
type Message struct {
	Role       string     `json:"role" mapstructure:"role"`
	Content    string     `json:"content" mapstructure:"content"`
	ToolCalls  []ToolCall `json:"toolCalls,omitempty" mapstructure:"toolCalls"`
	ToolCallID string     `json:"toolCallId,omitempty" mapstructure:"toolCallId"`
}

// Filter 交接前对历史的裁剪，不得修改入参
type Filter func(history []Message) []Message

// KeepAll 原样保留
func KeepAll(history []Message) []Message {
	return append([]Message(nil), history...)
}

// RemoveAllTools 删除工具结果，并去掉助手消息上的工具调用；
// 只剩工具调用而没有内容的助手消息一并删除
func RemoveAllTools(history []Message) []Message {
	out := make([]Message, 0, len(history))
	for _, m := range history {
		if m.Role == RoleTool {
			continue
		}
		if len(m.ToolCalls) > 0 {
			if m.Content == "" {
				continue
			}
			m.ToolCalls = nil
		}
		out = append(out, m)
	}
	return out
}

// RemoveToolResults 只删除工具结果消息
func RemoveToolResults(history []Message) []Message {
	out := make([]Message, 0, len(history))
	for _, m := range history {
		if m.Role != RoleTool {
			out = append(out, m)
		}
	}
	return out
}

// UserMessagesOnly 只保留用户消息
func UserMessagesOnly(history []Message) []Message {
	out := make([]Message, 0, len(history))
	for _, m := range history {
		if m.Role == RoleUser {
			out = append(out, m)
		}
	}
	return out
}

// LastN 保留最后 n 条
func LastN(n int) Filter {
	return func(history []Message) []Message {
		if n <= 0 {
			return []Message{}
		}
		if len(history) <= n {
			return KeepAll(history)
		}
		return append([]Message(nil), history[len(history)-n:]...)
	}
}

const summaryExcerpt = 100

// Summarize 把历史压缩为一条 system 消息，每条消息截取前 100 个字符
func Summarize(history []Message) []Message {
	if len(history) == 0 {
		return []Message{}
	}
	var b strings.Builder
	fmt.Fprintf(&b, "Summary of %d previous messages:", len(history))
	for _, m := range history {
		if m.Role == RoleTool || m.Content == "" {
			continue
		}
		content := []rune(m.Content)
		if len(content) > summaryExcerpt {
			content = append(content[:summaryExcerpt], []rune("...")...)
		}
		fmt.Fprintf(&b, "\n- %s: %s", m.Role, string(content))
	}
	return []Message{{Role: RoleSystem, Content: b.String()}}
}

// FilterByName 按名称查找内置过滤器，供配置文件使用
func FilterByName(name string) (Filter, bool) {
	switch name {
	case "", "keepAll", "keep-all":
		return KeepAll, true
	case "removeAllTools", "remove-all-tools":
		return RemoveAllTools, true
	case "removeToolResults", "remove-tool-results":
		return RemoveToolResults, true
	case "userMessagesOnly", "user-messages-only":
		return UserMessagesOnly, true
	case "summarize":
		return Summarize, true
	}
	return nil, false
}
