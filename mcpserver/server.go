package mcpserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"go.uber.org/zap"

	"github.com/isdmx/consolebox/catalog"
	"github.com/isdmx/consolebox/config"
	"github.com/isdmx/consolebox/engine"
	"github.com/isdmx/consolebox/safety"
	"github.com/isdmx/consolebox/sandbox"
)

// Engine is the execution surface exposed as tools.
type Engine interface {
	Run(ctx context.Context, snippet string, opts engine.RunOptions) (*sandbox.Result, error)
	AnalyzeOnly(snippet string) safety.Analysis
	RunSafeQuery(ctx context.Context, q engine.SafeQuery) (*sandbox.Result, error)
}

// Catalog lists and describes the registered models.
type Catalog interface {
	Names() []string
	Describe(ctx context.Context, name string) (*catalog.ModelInfo, error)
}

// MCPServer represents the MCP server
type MCPServer struct {
	config    *config.Config
	logger    *zap.Logger
	engine    Engine
	catalog   Catalog
	mcpServer *server.MCPServer

	httpServer *server.StreamableHTTPServer
}

// New creates a new MCPServer
func New(cfg *config.Config, logger *zap.Logger, eng Engine, models Catalog) (*MCPServer, error) {
	if eng == nil {
		return nil, errors.New("engine is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	s := &MCPServer{
		config:  cfg,
		logger:  logger,
		engine:  eng,
		catalog: models,
	}

	logger.Info("configuration loaded",
		zap.String("server.transport", cfg.Server.Transport),
		zap.Int("server.http_port", cfg.Server.HTTPPort),
		zap.Int("sandbox.timeout_ms", cfg.Sandbox.TimeoutMS),
		zap.Int("sandbox.max_timeout_ms", cfg.Sandbox.MaxTimeoutMS),
		zap.Int("sandbox.max_results", cfg.Sandbox.MaxResults),
		zap.Bool("sandbox.capture_output", cfg.Sandbox.CaptureOutput),
		zap.Bool("safety.safe_mode", cfg.Safety.SafeMode),
		zap.Int("safety.custom_rules", len(cfg.Safety.CustomRules)),
		zap.Int("pool.capacity", cfg.Pool.Capacity),
		zap.String("database.driver", cfg.Database.Driver),
		zap.Int("catalog.models", len(cfg.Catalog.Models)),
	)

	s.mcpServer = server.NewMCPServer("consolebox", "A safety-gated scripting console")
	if cfg.Server.Transport == "http" {
		s.httpServer = server.NewStreamableHTTPServer(s.mcpServer)
	}

	s.registerExecuteCodeTool()
	s.registerAnalyzeCodeTool()
	s.registerSafeQueryTool()
	if models != nil {
		s.registerListModelsTool()
		s.registerDescribeModelTool()
	}

	return s, nil
}

func (s *MCPServer) registerExecuteCodeTool() {
	tool := mcp.Tool{
		Name:        "execute_code",
		Description: "Classify a Lua snippet and execute it in an isolated interpreter when the safety policy admits it",
		InputSchema: mcp.ToolInputSchema{
			Type: "object",
			Properties: map[string]any{
				"code": map[string]any{
					"type":        "string",
					"description": "Lua snippet; the value of a single expression is returned",
				},
				"timeout_ms": map[string]any{
					"type":        "integer",
					"description": "Execution budget in milliseconds (clamped to the configured maximum)",
				},
				"safe_mode": map[string]any{
					"type":        "boolean",
					"description": "Admit only read-only snippets (default from configuration)",
				},
				"capture_output": map[string]any{
					"type":        "boolean",
					"description": "Return printed output in the result (default from configuration)",
				},
				"override": map[string]any{
					"type":        "boolean",
					"description": "Admit a snippet flagged unsafe unless a critical rule matched; audited",
				},
			},
			Required: []string{"code"},
		},
	}

	s.mcpServer.AddTool(tool, s.handleExecuteCode)
}

func (s *MCPServer) registerAnalyzeCodeTool() {
	tool := mcp.Tool{
		Name:        "analyze_code",
		Description: "Classify a Lua snippet without executing it",
		InputSchema: mcp.ToolInputSchema{
			Type: "object",
			Properties: map[string]any{
				"code": map[string]any{
					"type":        "string",
					"description": "Lua snippet to classify",
				},
			},
			Required: []string{"code"},
		},
	}

	s.mcpServer.AddTool(tool, s.handleAnalyzeCode)
}

func (s *MCPServer) registerSafeQueryTool() {
	tool := mcp.Tool{
		Name:        "safe_query",
		Description: "Call one allowlisted read accessor of one allowlisted model",
		InputSchema: mcp.ToolInputSchema{
			Type: "object",
			Properties: map[string]any{
				"model": map[string]any{
					"type":        "string",
					"description": "Model name",
				},
				"method": map[string]any{
					"type":        "string",
					"description": "Accessor name, e.g. count, find, where",
				},
				"args": map[string]any{
					"type":        "array",
					"description": "Accessor arguments",
				},
				"limit": map[string]any{
					"type":        "integer",
					"description": "Maximum number of returned rows",
				},
			},
			Required: []string{"model", "method"},
		},
	}

	s.mcpServer.AddTool(tool, s.handleSafeQuery)
}

func (s *MCPServer) registerListModelsTool() {
	tool := mcp.Tool{
		Name:        "list_models",
		Description: "List the models available to snippets",
		InputSchema: mcp.ToolInputSchema{
			Type:       "object",
			Properties: map[string]any{},
		},
	}

	s.mcpServer.AddTool(tool, s.handleListModels)
}

func (s *MCPServer) registerDescribeModelTool() {
	tool := mcp.Tool{
		Name:        "describe_model",
		Description: "Describe the columns of a model",
		InputSchema: mcp.ToolInputSchema{
			Type: "object",
			Properties: map[string]any{
				"model": map[string]any{
					"type":        "string",
					"description": "Model name",
				},
			},
			Required: []string{"model"},
		},
	}

	s.mcpServer.AddTool(tool, s.handleDescribeModel)
}

func (s *MCPServer) handleExecuteCode(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	code, err := request.RequireString("code")
	if err != nil {
		return nil, fmt.Errorf("code parameter is required: %w", err)
	}

	args := request.GetArguments()
	opts := engine.RunOptions{
		Timeout:       time.Duration(request.GetInt("timeout_ms", 0)) * time.Millisecond,
		SafeMode:      optionalBool(args, "safe_mode"),
		CaptureOutput: optionalBool(args, "capture_output"),
		Override:      request.GetBool("override", false),
		Actor:         actor(ctx),
	}

	s.logger.Info("code execution requested",
		zap.Int("code_len", len(code)),
		zap.Duration("timeout", opts.Timeout),
		zap.Bool("override", opts.Override))

	result, err := s.engine.Run(ctx, code, opts)
	if err != nil {
		return s.errorResult(err)
	}

	s.logger.Info("code execution completed",
		zap.String("id", result.ID),
		zap.Bool("success", result.Success),
		zap.Duration("elapsed", result.ExecutionTime))
	return jsonResult(result, !result.Success)
}

func (s *MCPServer) handleAnalyzeCode(_ context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	code, err := request.RequireString("code")
	if err != nil {
		return nil, fmt.Errorf("code parameter is required: %w", err)
	}

	return jsonResult(s.engine.AnalyzeOnly(code), false)
}

func (s *MCPServer) handleSafeQuery(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	model, err := request.RequireString("model")
	if err != nil {
		return nil, fmt.Errorf("model parameter is required: %w", err)
	}
	method, err := request.RequireString("method")
	if err != nil {
		return nil, fmt.Errorf("method parameter is required: %w", err)
	}

	var queryArgs []any
	if raw, ok := request.GetArguments()["args"]; ok && raw != nil {
		list, ok := raw.([]any)
		if !ok {
			return nil, fmt.Errorf("args must be an array, got %T", raw)
		}
		queryArgs = list
	}

	s.logger.Info("safe query requested", zap.String("model", model), zap.String("method", method))

	result, err := s.engine.RunSafeQuery(ctx, engine.SafeQuery{
		Entity:   model,
		Accessor: method,
		Args:     queryArgs,
		Limit:    request.GetInt("limit", 0),
		Actor:    actor(ctx),
	})
	if err != nil {
		return s.errorResult(err)
	}
	return jsonResult(result, !result.Success)
}

func (s *MCPServer) handleListModels(_ context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	return jsonResult(map[string]any{"models": s.catalog.Names()}, false)
}

func (s *MCPServer) handleDescribeModel(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	model, err := request.RequireString("model")
	if err != nil {
		return nil, fmt.Errorf("model parameter is required: %w", err)
	}

	info, err := s.catalog.Describe(ctx, model)
	if err != nil {
		return s.errorResult(err)
	}
	return jsonResult(info, false)
}

// errorPayload is the structured body of an IsError tool result.
type errorPayload struct {
	Error     string           `json:"error"`
	Message   string           `json:"message"`
	Analysis  *safety.Analysis `json:"analysis,omitempty"`
	TimeoutMS int64            `json:"timeout_ms,omitempty"`
}

func (s *MCPServer) errorResult(err error) (*mcp.CallToolResult, error) {
	payload := errorPayload{Error: "internal", Message: err.Error()}

	var safetyErr *engine.SafetyError
	var timeoutErr *engine.TimeoutError
	switch {
	case errors.As(err, &safetyErr):
		payload.Error = "safety_violation"
		payload.Analysis = &safetyErr.Analysis
	case errors.As(err, &timeoutErr):
		payload.Error = "timeout"
		payload.TimeoutMS = timeoutErr.Budget.Milliseconds()
	case errors.Is(err, catalog.ErrUnknownModel):
		payload.Error = "unknown_model"
	default:
		s.logger.Error("tool call failed", zap.Error(err))
	}

	return jsonResult(payload, true)
}

func jsonResult(v any, isError bool) (*mcp.CallToolResult, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to encode result: %w", err)
	}

	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{
				Type: "text",
				Text: string(data),
			},
		},
		IsError: isError,
	}, nil
}

func optionalBool(args map[string]any, key string) *bool {
	v, ok := args[key].(bool)
	if !ok {
		return nil
	}
	return &v
}

// actor names the MCP session issuing a call for the audit log.
func actor(ctx context.Context) string {
	if session := server.ClientSessionFromContext(ctx); session != nil {
		return "mcp:" + session.SessionID()
	}
	return "mcp"
}

// ServeStdio serves on the process stdin and stdout until ctx is done.
func (s *MCPServer) ServeStdio(ctx context.Context) error {
	s.logger.Info("starting MCP server on stdio")
	return server.NewStdioServer(s.mcpServer).Listen(ctx, os.Stdin, os.Stdout)
}

// ServeHTTP starts the server on HTTP
func (s *MCPServer) ServeHTTP() error {
	port := s.config.Server.HTTPPort
	s.logger.Info("starting MCP server on HTTP", zap.Int("port", port))

	if s.httpServer == nil {
		return errors.New("http transport is not configured")
	}
	err := s.httpServer.Start(fmt.Sprintf(":%d", port))
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown stops the HTTP transport if it was started.
func (s *MCPServer) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

// GetMCPServer returns the underlying MCP server for fx
func (s *MCPServer) GetMCPServer() *server.MCPServer {
	return s.mcpServer
}
