// Package session is the Session Server: it exposes the
// Code-Mode Facade over three external surfaces — a Streamable HTTP MCP
// endpoint, a stdio MCP transport, and a bidirectional JSON-RPC bridge
// for session-local tool registration.
//
// Grounded on fyrsmithlabs-contextd's internal/mcp/server.go (mcp.Server
// construction, stdio Run) and internal/http/server.go (echo middleware
// shape), generalized from contextd's fixed tool set to the three tools
// this engine exposes.
package session

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/modelcontextprotocol/go-sdk/mcp"
	"go.uber.org/zap"

	"github.com/jonwraymond/codemode/internal/codemode"
	"github.com/jonwraymond/codemode/internal/toolmodel"
)

// Config configures the session server.
type Config struct {
	Host   string
	Port   int
	Name   string
	Version string
}

// Server wires the facade to its external surfaces.
type Server struct {
	facade *codemode.Facade
	logger *zap.Logger
	cfg    Config

	echo   *echo.Echo
	mcp    *mcp.Server

	bridges *bridgeTable
}

// NewServer builds the echo app, the MCP server, and its three tools, but
// does not start listening.
func NewServer(facade *codemode.Facade, logger *zap.Logger, cfg Config) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Name == "" {
		cfg.Name = "codemode"
	}
	if cfg.Version == "" {
		cfg.Version = "0.1.0"
	}

	s := &Server{
		facade:  facade,
		logger:  logger,
		cfg:     cfg,
		bridges: newBridgeTable(),
	}

	s.mcp = mcp.NewServer(&mcp.Implementation{Name: cfg.Name, Version: cfg.Version}, nil)
	s.registerTools()

	s.echo = echo.New()
	s.echo.HideBanner = true
	s.echo.HidePort = true
	s.echo.Use(middleware.Recover())
	s.echo.Use(middleware.RequestID())
	s.echo.Use(func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			err := next(c)
			logger.Debug("http request",
				zap.String("method", c.Request().Method),
				zap.String("uri", c.Request().RequestURI),
				zap.Int("status", c.Response().Status),
				zap.Duration("duration", time.Since(start)),
			)
			return err
		}
	})
	s.registerRoutes()

	return s
}

func (s *Server) registerRoutes() {
	s.echo.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
	})

	streamHandler := mcp.NewStreamableHTTPHandler(func(r *http.Request) *mcp.Server { return s.mcp }, nil)
	s.echo.Any("/mcp", echo.WrapHandler(streamHandler))

	s.echo.GET("/local-tools", s.handleLocalTools)
}

// listFunctionsInput is the (empty) argument struct for list_functions.
type listFunctionsInput struct{}

type listFunctionsOutput struct {
	Code    string               `json:"code"`
	Entries []functionEntryDTO   `json:"functions"`
}

type functionEntryDTO struct {
	Namespace   string `json:"namespace"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
}

type getFunctionDetailsInput struct {
	FunctionIDs []string `json:"functions" jsonschema:"required,Canonical Namespace.name identifiers to expand"`
}

type getFunctionDetailsOutput struct {
	Code string `json:"code"`
}

type executeInput struct {
	Code            string   `json:"code" jsonschema:"required,TypeScript source defining async function run()"`
	CallbackOverlay []string `json:"callback_overlay,omitempty" jsonschema:"Canonical Namespace.name ids scoped to this call only"`
}

// registerTools mounts the three MCP tools this engine exposes:
// list_functions, get_function_details, execute.
func (s *Server) registerTools() {
	mcp.AddTool(s.mcp, &mcp.Tool{
		Name:        "list_functions",
		Description: "List every registered function's short signature, grouped by namespace.",
	}, s.listFunctionsHandler)

	mcp.AddTool(s.mcp, &mcp.Tool{
		Name:        "get_function_details",
		Description: "Get the full TypeScript declaration for a set of functions by id.",
	}, s.getFunctionDetailsHandler)

	mcp.AddTool(s.mcp, &mcp.Tool{
		Name:        "execute",
		Description: "Run TypeScript source against the registered tools and return its result, stdout and stderr.",
	}, s.executeHandler)
}

func (s *Server) listFunctionsHandler(ctx context.Context, req *mcp.CallToolRequest, args listFunctionsInput) (*mcp.CallToolResult, listFunctionsOutput, error) {
	entries, code := s.facade.ListFunctions()
	out := listFunctionsOutput{Code: code}
	for _, e := range entries {
		out.Entries = append(out.Entries, functionEntryDTO{Namespace: e.ID.Namespace, Name: e.ID.Name, Description: e.Description})
	}
	return &mcp.CallToolResult{
		Content: []mcp.Content{&mcp.TextContent{Text: code}},
	}, out, nil
}

func (s *Server) getFunctionDetailsHandler(ctx context.Context, req *mcp.CallToolRequest, args getFunctionDetailsInput) (*mcp.CallToolResult, getFunctionDetailsOutput, error) {
	ids := make([]toolmodel.FunctionID, 0, len(args.FunctionIDs))
	for _, raw := range args.FunctionIDs {
		id, err := toolmodel.ParseFunctionID(raw)
		if err != nil {
			return nil, getFunctionDetailsOutput{}, err
		}
		ids = append(ids, id)
	}
	code := s.facade.GetFunctionDetails(ids)
	return &mcp.CallToolResult{
		Content: []mcp.Content{&mcp.TextContent{Text: code}},
	}, getFunctionDetailsOutput{Code: code}, nil
}

func (s *Server) executeHandler(ctx context.Context, req *mcp.CallToolRequest, args executeInput) (*mcp.CallToolResult, toolmodel.ExecuteOutput, error) {
	overlay := make([]toolmodel.FunctionID, 0, len(args.CallbackOverlay))
	for _, raw := range args.CallbackOverlay {
		if id, err := toolmodel.ParseFunctionID(raw); err == nil {
			overlay = append(overlay, id)
		}
	}
	out := s.facade.Execute(ctx, toolmodel.ExecuteRequest{Code: args.Code, Overlay: overlay})

	text := out.Value
	var content []mcp.Content
	if out.Success {
		if b, err := json.Marshal(text); err == nil {
			content = []mcp.Content{&mcp.TextContent{Text: string(b)}}
		}
	} else if out.Error != nil {
		content = []mcp.Content{&mcp.TextContent{Text: fmt.Sprintf("%s: %s", out.Error.Kind, out.Error.Message)}}
	}
	return &mcp.CallToolResult{Content: content, IsError: !out.Success}, out, nil
}

// RunHTTP starts the echo server hosting /mcp, /local-tools and /health.
func (s *Server) RunHTTP(ctx context.Context) error {
	addr := fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port)
	s.logger.Info("starting session server", zap.String("addr", addr))

	errCh := make(chan error, 1)
	go func() { errCh <- s.echo.Start(addr) }()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.echo.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

// RunStdio runs the MCP server over a newline-delimited stdio transport.
// Every log line in this mode must go to stderr — the
// caller's logger setup is responsible for that (internal/logging forces
// it); this function only owns the MCP RPC loop itself.
func (s *Server) RunStdio(ctx context.Context) error {
	s.logger.Info("starting session server on stdio transport")
	transport := &mcp.StdioTransport{}
	if err := s.mcp.Run(ctx, transport); err != nil {
		return fmt.Errorf("session: stdio transport run failed: %w", err)
	}
	return nil
}
