package mcptools

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	mcpclient "github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/client/transport"
	"github.com/mark3labs/mcp-go/mcp"
	"go.uber.org/zap"

	"github.com/nahisaho/musubi/agent/orchestration"
	"github.com/nahisaho/musubi/types"
)

// DefaultCallTimeout 单次工具调用的默认超时
const DefaultCallTimeout = 30 * time.Second

const (
	clientName    = "musubi"
	clientVersion = "1.0.0"
)

// ServerConfig MCP 服务器配置
type ServerConfig struct {
	// Transport stdio 或 http
	Transport   string            `yaml:"transport" json:"transport"`
	Command     string            `yaml:"command" json:"command,omitempty"`
	Args        []string          `yaml:"args" json:"args,omitempty"`
	Env         map[string]string `yaml:"env" json:"env,omitempty"`
	URL         string            `yaml:"url" json:"url,omitempty"`
	CallTimeout time.Duration     `yaml:"call_timeout" json:"callTimeout,omitempty"`
}

// Client MCP 客户端的最小接口
type Client interface {
	ListTools(ctx context.Context, request mcp.ListToolsRequest) (*mcp.ListToolsResult, error)
	CallTool(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error)
	Close() error
}

// ToolInfo 已发现的工具
type ToolInfo struct {
	Server      string `json:"server"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
}

type server struct {
	name        string
	client      Client
	callTimeout time.Duration
	tools       map[string]mcp.Tool
	order       []string
}

// Connector 管理多个 MCP 服务器连接
type Connector struct {
	logger *zap.Logger

	mu      sync.RWMutex
	servers map[string]*server
	order   []string
}

// NewConnector 创建连接器
func NewConnector(logger *zap.Logger) *Connector {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Connector{
		logger:  logger.With(zap.String("component", "mcp_connector")),
		servers: make(map[string]*server),
	}
}

// Connect 启动并初始化服务器，然后发现其工具
func (c *Connector) Connect(ctx context.Context, name string, cfg ServerConfig) error {
	var (
		client Client
		err    error
	)
	switch cfg.Transport {
	case "", "stdio":
		if cfg.Command == "" {
			return types.NewError(types.ErrValidation, fmt.Sprintf("mcp server %q: command is required", name))
		}
		client, err = mcpclient.NewStdioMCPClient(cfg.Command, envSlice(cfg.Env), cfg.Args...)
		if err != nil {
			return fmt.Errorf("mcp server %q: create stdio client: %w", name, err)
		}
	case "http":
		t, terr := transport.NewStreamableHTTP(cfg.URL)
		if terr != nil {
			return fmt.Errorf("mcp server %q: create http transport: %w", name, terr)
		}
		hc := mcpclient.NewClient(t)
		if err := hc.Start(ctx); err != nil {
			return fmt.Errorf("mcp server %q: start http client: %w", name, err)
		}
		client = hc
	default:
		return types.NewError(types.ErrValidation, fmt.Sprintf("mcp server %q: unsupported transport %q", name, cfg.Transport))
	}

	if ic, ok := client.(interface {
		Initialize(ctx context.Context, request mcp.InitializeRequest) (*mcp.InitializeResult, error)
	}); ok {
		req := mcp.InitializeRequest{}
		req.Params.ProtocolVersion = mcp.LATEST_PROTOCOL_VERSION
		req.Params.ClientInfo = mcp.Implementation{Name: clientName, Version: clientVersion}
		if _, err := ic.Initialize(ctx, req); err != nil {
			_ = client.Close()
			return fmt.Errorf("mcp server %q: initialize: %w", name, err)
		}
	}

	if err := c.attach(ctx, name, client, cfg.CallTimeout); err != nil {
		_ = client.Close()
		return err
	}
	c.logger.Info("mcp server connected", zap.String("server", name), zap.String("transport", cfg.Transport))
	return nil
}

// Attach 接入已经初始化的客户端并发现工具
func (c *Connector) Attach(ctx context.Context, name string, client Client) error {
	return c.attach(ctx, name, client, 0)
}

func (c *Connector) attach(ctx context.Context, name string, client Client, timeout time.Duration) error {
	if name == "" {
		return types.NewError(types.ErrValidation, "mcp server name is required")
	}
	res, err := client.ListTools(ctx, mcp.ListToolsRequest{})
	if err != nil {
		return fmt.Errorf("mcp server %q: list tools: %w", name, err)
	}
	if timeout <= 0 {
		timeout = DefaultCallTimeout
	}
	srv := &server{name: name, client: client, callTimeout: timeout, tools: make(map[string]mcp.Tool)}
	for _, t := range res.Tools {
		if _, dup := srv.tools[t.Name]; !dup {
			srv.order = append(srv.order, t.Name)
		}
		srv.tools[t.Name] = t
	}

	c.mu.Lock()
	old, exists := c.servers[name]
	c.servers[name] = srv
	if !exists {
		c.order = append(c.order, name)
	}
	c.mu.Unlock()

	if exists {
		if err := old.client.Close(); err != nil {
			c.logger.Warn("closing replaced mcp server", zap.String("server", name), zap.Error(err))
		}
	}
	c.logger.Debug("mcp tools discovered", zap.String("server", name), zap.Int("count", len(srv.order)))
	return nil
}

// Tools 按服务器连接顺序列出全部工具
func (c *Connector) Tools() []ToolInfo {
	c.mu.RLock()
	defer c.mu.RUnlock()
	var out []ToolInfo
	for _, name := range c.order {
		srv := c.servers[name]
		for _, tool := range srv.order {
			out = append(out, ToolInfo{Server: name, Name: tool, Description: srv.tools[tool].Description})
		}
	}
	return out
}

// CallTool 实现 workflow.ToolConnector。serverName 为空时使用第一个提供该工具的服务器。
func (c *Connector) CallTool(ctx context.Context, serverName, tool string, args map[string]any) (any, error) {
	srv, err := c.lookup(serverName, tool)
	if err != nil {
		return nil, err
	}

	req := mcp.CallToolRequest{}
	req.Params.Name = tool
	req.Params.Arguments = args

	callCtx, cancel := context.WithTimeout(ctx, srv.callTimeout)
	defer cancel()

	c.logger.Debug("mcp tool call", zap.String("server", srv.name), zap.String("tool", tool))
	res, err := srv.client.CallTool(callCtx, req)
	if err != nil {
		return nil, types.NewError(types.ErrUpstreamError, fmt.Sprintf("mcp tool %s/%s failed", srv.name, tool)).
			WithCause(err).
			WithRetryable(true).
			WithSource(srv.name)
	}
	text := contentText(res)
	if res.IsError {
		return nil, types.NewError(types.ErrUpstreamError, fmt.Sprintf("mcp tool %s/%s returned an error: %s", srv.name, tool, text)).
			WithSource(srv.name)
	}
	return text, nil
}

func (c *Connector) lookup(serverName, tool string) (*server, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if serverName != "" {
		srv, ok := c.servers[serverName]
		if !ok {
			return nil, types.NewNotFoundError("mcp server", serverName)
		}
		if _, ok := srv.tools[tool]; !ok {
			return nil, types.NewNotFoundError("mcp tool", serverName+"/"+tool)
		}
		return srv, nil
	}
	for _, name := range c.order {
		if srv := c.servers[name]; srv.tools[tool].Name != "" {
			return srv, nil
		}
	}
	return nil, types.NewNotFoundError("mcp tool", tool)
}

// RegisterSkills 把全部工具注册为引擎技能，名称为 mcp:<server>:<tool>。
// 技能输入须为 map[string]any，作为工具参数。
func (c *Connector) RegisterSkills(e *orchestration.Engine) ([]string, error) {
	var names []string
	for _, info := range c.Tools() {
		info := info
		name := SkillName(info.Server, info.Name)
		err := e.RegisterSkill(orchestration.Skill{
			Name:        name,
			Description: info.Description,
			Keywords:    []string{strings.ToLower(info.Name)},
			Invocable: orchestration.SkillFunc(func(ctx context.Context, input any, _ *orchestration.Engine) (any, error) {
				args, ok := input.(map[string]any)
				if input != nil && !ok {
					return nil, types.NewError(types.ErrValidation, fmt.Sprintf("tool %s expects an argument map, got %T", name, input))
				}
				return c.CallTool(ctx, info.Server, info.Name, args)
			}),
		})
		if err != nil {
			return names, err
		}
		names = append(names, name)
	}
	return names, nil
}

// SkillName 工具对应的技能名
func SkillName(server, tool string) string {
	return "mcp:" + server + ":" + tool
}

// Close 关闭全部连接
func (c *Connector) Close() error {
	c.mu.Lock()
	servers := c.servers
	c.servers = make(map[string]*server)
	c.order = nil
	c.mu.Unlock()

	var errs []string
	for name, srv := range servers {
		if err := srv.client.Close(); err != nil {
			errs = append(errs, fmt.Sprintf("%s: %v", name, err))
		}
	}
	if len(errs) > 0 {
		sort.Strings(errs)
		return fmt.Errorf("closing mcp servers: %s", strings.Join(errs, "; "))
	}
	return nil
}

// contentText 拼接文本内容，非文本内容按 JSON 输出
func contentText(res *mcp.CallToolResult) string {
	var parts []string
	for _, content := range res.Content {
		switch v := content.(type) {
		case mcp.TextContent:
			parts = append(parts, v.Text)
		case *mcp.TextContent:
			parts = append(parts, v.Text)
		default:
			if data, err := json.Marshal(v); err == nil {
				parts = append(parts, string(data))
			}
		}
	}
	return strings.Join(parts, "\n")
}

func envSlice(env map[string]string) []string {
	if len(env) == 0 {
		return nil
	}
	out := make([]string, 0, len(env))
	for k, v := range env {
		out = append(out, k+"="+v)
	}
	sort.Strings(out)
	return out
}
