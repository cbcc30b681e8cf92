package mcptools

import (
	"context"
	"errors"
	"testing"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/nahisaho/musubi/agent/orchestration"
	"github.com/nahisaho/musubi/types"
	"github.com/nahisaho/musubi/workflow"
)

type fakeClient struct {
	tools   []mcp.Tool
	listErr error
	callFn  func(req mcp.CallToolRequest) (*mcp.CallToolResult, error)
	calls   []mcp.CallToolRequest
	closed  bool
}

func (f *fakeClient) ListTools(context.Context, mcp.ListToolsRequest) (*mcp.ListToolsResult, error) {
	if f.listErr != nil {
		return nil, f.listErr
	}
	return &mcp.ListToolsResult{Tools: f.tools}, nil
}

func (f *fakeClient) CallTool(_ context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	f.calls = append(f.calls, req)
	if f.callFn != nil {
		return f.callFn(req)
	}
	return &mcp.CallToolResult{Content: []mcp.Content{mcp.TextContent{Type: "text", Text: "ok:" + req.Params.Name}}}, nil
}

func (f *fakeClient) Close() error {
	f.closed = true
	return nil
}

func tool(name, desc string) mcp.Tool {
	return mcp.Tool{Name: name, Description: desc}
}

func TestConnector_AttachAndCall(t *testing.T) {
	c := NewConnector(zap.NewNop())
	fs := &fakeClient{tools: []mcp.Tool{tool("read_file", "read a file"), tool("write_file", "")}}
	gh := &fakeClient{tools: []mcp.Tool{tool("search", "search issues"), tool("read_file", "")}}
	require.NoError(t, c.Attach(context.Background(), "fs", fs))
	require.NoError(t, c.Attach(context.Background(), "github", gh))

	assert.Equal(t, []ToolInfo{
		{Server: "fs", Name: "read_file", Description: "read a file"},
		{Server: "fs", Name: "write_file"},
		{Server: "github", Name: "search", Description: "search issues"},
		{Server: "github", Name: "read_file"},
	}, c.Tools())

	out, err := c.CallTool(context.Background(), "github", "read_file", map[string]any{"path": "README.md"})
	require.NoError(t, err)
	assert.Equal(t, "ok:read_file", out)
	require.Len(t, gh.calls, 1)
	assert.Equal(t, map[string]any{"path": "README.md"}, gh.calls[0].Params.Arguments)
	assert.Empty(t, fs.calls)

	// 未指定服务器时取第一个提供该工具的服务器
	_, err = c.CallTool(context.Background(), "", "read_file", nil)
	require.NoError(t, err)
	assert.Len(t, fs.calls, 1)

	_, err = c.CallTool(context.Background(), "", "search", nil)
	require.NoError(t, err)
	assert.Len(t, gh.calls, 2)
}

func TestConnector_NotFound(t *testing.T) {
	c := NewConnector(nil)
	require.NoError(t, c.Attach(context.Background(), "fs", &fakeClient{tools: []mcp.Tool{tool("read_file", "")}}))

	for name, call := range map[string][2]string{
		"unknown server":         {"nope", "read_file"},
		"unknown tool on server": {"fs", "delete"},
		"unknown tool anywhere":  {"", "delete"},
	} {
		t.Run(name, func(t *testing.T) {
			_, err := c.CallTool(context.Background(), call[0], call[1], nil)
			assert.True(t, types.IsErrorCode(err, types.ErrNotFound), "got %v", err)
		})
	}
}

func TestConnector_Errors(t *testing.T) {
	t.Run("tool result flagged as error", func(t *testing.T) {
		c := NewConnector(nil)
		require.NoError(t, c.Attach(context.Background(), "fs", &fakeClient{
			tools: []mcp.Tool{tool("read_file", "")},
			callFn: func(mcp.CallToolRequest) (*mcp.CallToolResult, error) {
				return &mcp.CallToolResult{IsError: true, Content: []mcp.Content{mcp.TextContent{Type: "text", Text: "permission denied"}}}, nil
			},
		}))
		_, err := c.CallTool(context.Background(), "fs", "read_file", nil)
		require.Error(t, err)
		assert.True(t, types.IsErrorCode(err, types.ErrUpstreamError))
		assert.False(t, types.IsRetryable(err))
		assert.Contains(t, err.Error(), "permission denied")
	})

	t.Run("transport failure is retryable", func(t *testing.T) {
		boom := errors.New("pipe closed")
		c := NewConnector(nil)
		require.NoError(t, c.Attach(context.Background(), "fs", &fakeClient{
			tools:  []mcp.Tool{tool("read_file", "")},
			callFn: func(mcp.CallToolRequest) (*mcp.CallToolResult, error) { return nil, boom },
		}))
		_, err := c.CallTool(context.Background(), "fs", "read_file", nil)
		assert.True(t, types.IsErrorCode(err, types.ErrUpstreamError))
		assert.True(t, types.IsRetryable(err))
		assert.ErrorIs(t, err, boom)
	})

	t.Run("discovery failure", func(t *testing.T) {
		c := NewConnector(nil)
		err := c.Attach(context.Background(), "fs", &fakeClient{listErr: errors.New("handshake")})
		assert.ErrorContains(t, err, "handshake")
		assert.Empty(t, c.Tools())
	})

	t.Run("invalid config", func(t *testing.T) {
		c := NewConnector(nil)
		assert.True(t, types.IsErrorCode(c.Connect(context.Background(), "x", ServerConfig{}), types.ErrValidation))
		assert.True(t, types.IsErrorCode(c.Connect(context.Background(), "x", ServerConfig{Transport: "carrier-pigeon"}), types.ErrValidation))
		assert.True(t, types.IsErrorCode(c.Attach(context.Background(), "", &fakeClient{}), types.ErrValidation))
	})
}

func TestConnector_ContentJoin(t *testing.T) {
	c := NewConnector(nil)
	require.NoError(t, c.Attach(context.Background(), "s", &fakeClient{
		tools: []mcp.Tool{tool("multi", "")},
		callFn: func(mcp.CallToolRequest) (*mcp.CallToolResult, error) {
			return &mcp.CallToolResult{Content: []mcp.Content{
				mcp.TextContent{Type: "text", Text: "line one"},
				&mcp.TextContent{Type: "text", Text: "line two"},
			}}, nil
		},
	}))
	out, err := c.CallTool(context.Background(), "s", "multi", nil)
	require.NoError(t, err)
	assert.Equal(t, "line one\nline two", out)
}

func TestConnector_ReattachAndClose(t *testing.T) {
	c := NewConnector(nil)
	first := &fakeClient{tools: []mcp.Tool{tool("a", "")}}
	second := &fakeClient{tools: []mcp.Tool{tool("b", "")}}
	require.NoError(t, c.Attach(context.Background(), "s", first))
	require.NoError(t, c.Attach(context.Background(), "s", second))
	assert.True(t, first.closed)
	assert.Equal(t, []ToolInfo{{Server: "s", Name: "b"}}, c.Tools())

	require.NoError(t, c.Close())
	assert.True(t, second.closed)
	assert.Empty(t, c.Tools())
}

func TestConnector_WorkflowToolStep(t *testing.T) {
	c := NewConnector(nil)
	fs := &fakeClient{tools: []mcp.Tool{tool("read_file", "")}}
	require.NoError(t, c.Attach(context.Background(), "fs", fs))

	exec := workflow.NewExecutor(workflow.ExecutorConfig{Tools: c}, zap.NewNop())
	def := &workflow.Definition{ID: "read", Steps: []workflow.Step{
		{ID: "load", Type: workflow.StepTool, ServerName: "fs", ToolName: "read_file", Arguments: map[string]any{"path": "${file}"}},
	}}
	ec, err := exec.Execute(context.Background(), def, map[string]any{"file": "notes.md"})
	require.NoError(t, err)
	assert.Equal(t, "ok:read_file", ec.StepResults["load"].Output)
	require.Len(t, fs.calls, 1)
	assert.Equal(t, map[string]any{"path": "notes.md"}, fs.calls[0].Params.Arguments)
}

func TestConnector_RegisterSkills(t *testing.T) {
	c := NewConnector(nil)
	require.NoError(t, c.Attach(context.Background(), "fs", &fakeClient{tools: []mcp.Tool{tool("read_file", "read")}}))

	e := orchestration.NewEngine(orchestration.EngineConfig{}, zap.NewNop())
	names, err := c.RegisterSkills(e)
	require.NoError(t, err)
	assert.Equal(t, []string{"mcp:fs:read_file"}, names)

	out, err := e.ExecuteSkill(context.Background(), SkillName("fs", "read_file"), map[string]any{"path": "x"}, nil)
	require.NoError(t, err)
	assert.Equal(t, "ok:read_file", out)

	_, err = e.ExecuteSkill(context.Background(), SkillName("fs", "read_file"), "not a map", nil)
	assert.True(t, types.IsErrorCode(err, types.ErrValidation))
}
