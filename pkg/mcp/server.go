// Package mcp exposes a Graph and its run store to an external optimizer
// agent over the Model Context Protocol. The agent inspects provenance,
// reads trainable parameters, and writes improved payloads back.
package mcp

import (
	"context"
	"log/slog"
	"os"

	"github.com/google/uuid"
	"github.com/mark3labs/mcp-go/server"

	"github.com/rendis/lineage/internal/store"
	"github.com/rendis/lineage/pkg/graph"
)

// GraphServerDeps holds the dependencies for creating a GraphServer.
type GraphServerDeps struct {
	Graph  *graph.Graph
	Runs   store.Store // optional; lineage.runs reports unavailable when nil
	Logger *slog.Logger
}

// GraphServer wraps an MCP server with graph inspection and parameter
// mutation tools.
type GraphServer struct {
	graph     *graph.Graph
	runs      store.Store
	logger    *slog.Logger
	session   string
	mcpServer *server.MCPServer
}

// NewGraphServer creates a GraphServer with all four tools registered.
func NewGraphServer(deps GraphServerDeps) *GraphServer {
	logger := deps.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}

	s := &GraphServer{
		graph:   deps.Graph,
		runs:    deps.Runs,
		logger:  logger,
		session: uuid.New().String(),
	}

	mcpSrv := server.NewMCPServer(
		"lineage",
		"1.0.0",
		server.WithToolCapabilities(false),
		server.WithRecovery(),
		server.WithInstructions("Lineage exposes a provenance graph of wrapped function calls. Use lineage.inspect to examine a node and its parents, lineage.params to list trainable parameters, lineage.set_param to rewrite a parameter's payload, and lineage.runs to query recorded training runs."),
	)

	mcpSrv.AddTools(s.tools()...)
	s.mcpServer = mcpSrv
	return s
}

// Serve starts the stdio transport and blocks until ctx is cancelled or stdin closes.
func (s *GraphServer) Serve(ctx context.Context) error {
	s.logger.Info("graph server listening", slog.String("session_id", s.session))
	stdio := server.NewStdioServer(s.mcpServer)
	return stdio.Listen(ctx, os.Stdin, os.Stdout)
}

// MCPServer returns the underlying MCPServer for testing or custom transports.
func (s *GraphServer) MCPServer() *server.MCPServer {
	return s.mcpServer
}

func (s *GraphServer) tools() []server.ServerTool {
	return []server.ServerTool{
		{Tool: inspectTool(), Handler: s.handleInspect},
		{Tool: paramsTool(), Handler: s.handleParams},
		{Tool: setParamTool(), Handler: s.handleSetParam},
		{Tool: runsTool(), Handler: s.handleRuns},
	}
}
