package handoff

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sampleHistory() []Message {
	return []Message{
		{Role: RoleSystem, Content: "be nice"},
		{Role: RoleUser, Content: "look up my order"},
		{Role: RoleAssistant, ToolCalls: []ToolCall{{ID: "1", Name: "lookup"}}},
		{Role: RoleTool, ToolCallID: "1", Content: `{"status":"shipped"}`},
		{Role: RoleAssistant, Content: "It shipped", ToolCalls: []ToolCall{{ID: "2", Name: "track"}}},
		{Role: RoleUser, Content: "thanks"},
	}
}

func TestFilters(t *testing.T) {
	h := sampleHistory()

	assert.Equal(t, h, KeepAll(h))

	noTools := RemoveAllTools(h)
	require.Len(t, noTools, 4)
	for _, m := range noTools {
		assert.NotEqual(t, RoleTool, m.Role)
		assert.Empty(t, m.ToolCalls)
	}
	assert.Len(t, h[4].ToolCalls, 1, "input must not be modified")

	noResults := RemoveToolResults(h)
	assert.Len(t, noResults, 5)
	assert.Len(t, noResults[2].ToolCalls, 1)

	users := UserMessagesOnly(h)
	assert.Equal(t, []Message{h[1], h[5]}, users)

	assert.Equal(t, h[4:], LastN(2)(h))
	assert.Equal(t, h, LastN(10)(h))
	assert.Empty(t, LastN(0)(h))

	sum := Summarize(h)
	require.Len(t, sum, 1)
	assert.Equal(t, RoleSystem, sum[0].Role)
	assert.True(t, strings.HasPrefix(sum[0].Content, "Summary of 6 previous messages:"))
	assert.Contains(t, sum[0].Content, "- user: thanks")
	assert.NotContains(t, sum[0].Content, "shipped\"}")
	assert.Empty(t, Summarize(nil))
}

func TestSummarize_Truncates(t *testing.T) {
	long := strings.Repeat("x", 150)
	sum := Summarize([]Message{{Role: RoleUser, Content: long}})
	assert.Contains(t, sum[0].Content, strings.Repeat("x", 100)+"...")
	assert.NotContains(t, sum[0].Content, strings.Repeat("x", 101))
}

func TestFilterByName(t *testing.T) {
	for _, name := range []string{"", "keep-all", "removeAllTools", "remove-tool-results", "user-messages-only", "summarize"} {
		_, ok := FilterByName(name)
		assert.True(t, ok, name)
	}
	_, ok := FilterByName("nope")
	assert.False(t, ok)
}
