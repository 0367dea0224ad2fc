package mcp

import (
	"context"
	"log/slog"
	"os"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/bidcraft/bidcraft/internal/steps"
	"github.com/bidcraft/bidcraft/internal/store"
)

// BidcraftServerDeps holds the dependencies for creating a BidcraftServer.
type BidcraftServerDeps struct {
	Invoker *steps.Invoker
	Store   store.Store
	Logger  *slog.Logger
}

// BidcraftServer wraps an MCP server exposing the proposal workflow
// steps as individual tools, so an external planner agent can drive the
// workflow itself.
type BidcraftServer struct {
	invoker   *steps.Invoker
	store     store.Store
	logger    *slog.Logger
	mcpServer *server.MCPServer
}

// NewBidcraftServer creates a server with all workflow tools registered.
func NewBidcraftServer(deps BidcraftServerDeps) *BidcraftServer {
	logger := deps.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}

	s := &BidcraftServer{
		invoker: deps.Invoker,
		store:   deps.Store,
		logger:  logger,
	}

	mcpSrv := server.NewMCPServer(
		"bidcraft",
		"1.0.0",
		server.WithToolCapabilities(false),
		server.WithRecovery(),
		server.WithInstructions("Bidcraft generates client proposals. For a session, call analyze_requirements first, then calculate_cost, then retrieve_templates, then generate_slides and generate_document. Use session_status to inspect progress at any point."),
	)

	mcpSrv.AddTools(s.tools()...)
	s.mcpServer = mcpSrv
	return s
}

// Serve starts the stdio transport and blocks until ctx is cancelled or
// stdin closes.
func (s *BidcraftServer) Serve(ctx context.Context) error {
	stdio := server.NewStdioServer(s.mcpServer)
	return stdio.Listen(ctx, os.Stdin, os.Stdout)
}

// MCPServer returns the underlying MCPServer for testing or custom
// transports.
func (s *BidcraftServer) MCPServer() *server.MCPServer {
	return s.mcpServer
}

func (s *BidcraftServer) tools() []server.ServerTool {
	return []server.ServerTool{
		{Tool: analyzeTool(), Handler: s.handleAnalyze},
		{Tool: costTool(), Handler: s.handleCost},
		{Tool: templatesTool(), Handler: s.handleTemplates},
		{Tool: slidesTool(), Handler: s.handleSlides},
		{Tool: documentTool(), Handler: s.handleDocument},
		{Tool: statusTool(), Handler: s.handleStatus},
	}
}

// --- Tool definitions ---

func analyzeTool() mcp.Tool {
	return mcp.NewTool("analyze_requirements",
		mcp.WithDescription("Analyze the session's requirements text into structured findings"),
		mcp.WithString("session_id", mcp.Required(), mcp.Description("ID of the proposal session")),
		mcp.WithString("requirements", mcp.Description("Override the requirements text stored on the session")),
	)
}

func costTool() mcp.Tool {
	return mcp.NewTool("calculate_cost",
		mcp.WithDescription("Calculate the project cost breakdown from the rate sheet"),
		mcp.WithString("session_id", mcp.Required(), mcp.Description("ID of the proposal session")),
	)
}

func templatesTool() mcp.Tool {
	return mcp.NewTool("retrieve_templates",
		mcp.WithDescription("Select document templates matching the project tier"),
		mcp.WithString("session_id", mcp.Required(), mcp.Description("ID of the proposal session")),
		mcp.WithString("template_type", mcp.Enum("sow", "powerpoint", "both"),
			mcp.Description("Which template families to retrieve (default: both)")),
	)
}

func slidesTool() mcp.Tool {
	return mcp.NewTool("generate_slides",
		mcp.WithDescription("Generate the presentation deck and store its download link"),
		mcp.WithString("session_id", mcp.Required(), mcp.Description("ID of the proposal session")),
		mcp.WithString("template_path", mcp.Description("Explicit template key, overriding the selected one")),
	)
}

func documentTool() mcp.Tool {
	return mcp.NewTool("generate_document",
		mcp.WithDescription("Generate the statement of work and store its download link"),
		mcp.WithString("session_id", mcp.Required(), mcp.Description("ID of the proposal session")),
		mcp.WithString("template_path", mcp.Description("Explicit template key, overriding the selected one")),
	)
}

func statusTool() mcp.Tool {
	return mcp.NewTool("session_status",
		mcp.WithDescription("Get the current status, progress and artifacts of a session"),
		mcp.WithString("session_id", mcp.Required(), mcp.Description("ID of the proposal session")),
	)
}
