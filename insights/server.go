package insights

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
)

const (
	serverName = "ambient-insights"

	defaultRecentLimit = 5

	shutdownTimeout = 5 * time.Second
)

// Server exposes the insights service as an MCP server over streamable
// HTTP. It is meant to listen on a loopback address and be reached only
// through the gateway's authenticated forwarder.
type Server struct {
	service    *Service
	logger     *slog.Logger
	httpServer *http.Server
}

// NewServer builds the MCP server and registers the tool set.
func NewServer(service *Service, version string, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}

	s := &Server{
		service: service,
		logger:  logger,
	}

	mcpServer := server.NewMCPServer(
		serverName,
		version,
		server.WithToolCapabilities(true),
	)

	mcpServer.AddTool(mcp.NewTool("log_conversation_turn",
		mcp.WithDescription("Log a conversation turn for ambient analysis. Call after each exchange."),
		mcp.WithString("user_message",
			mcp.Required(),
			mcp.Description("The user's message in this turn"),
		),
		mcp.WithString("assistant_response",
			mcp.Required(),
			mcp.Description("The assistant's response in this turn"),
		),
	), s.handleLogConversationTurn)

	mcpServer.AddTool(mcp.NewTool("get_user_context",
		mcp.WithDescription("Get the current user context: interests, projects, and goals."),
	), s.handleGetUserContext)

	mcpServer.AddTool(mcp.NewTool("get_recent_insights",
		mcp.WithDescription("Get recent conversation insights relevant to the current discussion."),
		mcp.WithNumber("limit",
			mcp.Description("Maximum number of insights to return (default 5)"),
		),
	), s.handleGetRecentInsights)

	mcpServer.AddTool(mcp.NewTool("add_user_interest",
		mcp.WithDescription("Manually add a user interest to the context."),
		mcp.WithString("interest",
			mcp.Required(),
			mcp.Description("The interest to record"),
		),
	), s.handleAddUserInterest)

	mcpServer.AddTool(mcp.NewTool("set_user_goal",
		mcp.WithDescription("Add or update a user goal."),
		mcp.WithString("goal",
			mcp.Required(),
			mcp.Description("The goal to record"),
		),
	), s.handleSetUserGoal)

	s.httpServer = &http.Server{
		Handler:           server.NewStreamableHTTPServer(mcpServer),
		ReadHeaderTimeout: 10 * time.Second,
	}

	return s
}

// ListenAndServe serves the MCP server on addr until the context is
// canceled, then shuts down gracefully.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	s.httpServer.Addr = addr

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("Insights MCP server listening", "addr", addr)
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
			return
		}
		errCh <- nil
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("insights server shutdown: %w", err)
		}
		return nil
	}
}

func (s *Server) handleLogConversationTurn(_ context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	userMessage, err := request.RequireString("user_message")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	assistantResponse, err := request.RequireString("assistant_response")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	if err := s.service.AnalyzeTurn(userMessage, assistantResponse); err != nil {
		s.logger.Error("Failed to analyze conversation turn", "error", err)
		return mcp.NewToolResultError(fmt.Sprintf("Error logging conversation: %v", err)), nil
	}
	return mcp.NewToolResultText("Conversation turn logged successfully"), nil
}

func (s *Server) handleGetUserContext(_ context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	userContext, err := s.service.UserContext()
	if err != nil {
		s.logger.Error("Failed to load user context", "error", err)
		return mcp.NewToolResultError(fmt.Sprintf("Error getting user context: %v", err)), nil
	}

	data, err := json.Marshal(userContext)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Error encoding user context: %v", err)), nil
	}
	return mcp.NewToolResultText(string(data)), nil
}

func (s *Server) handleGetRecentInsights(_ context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	limit := request.GetInt("limit", defaultRecentLimit)

	recent, err := s.service.RecentInsights(limit)
	if err != nil {
		s.logger.Error("Failed to load insights", "error", err)
		return mcp.NewToolResultError(fmt.Sprintf("Error getting insights: %v", err)), nil
	}
	if recent == nil {
		recent = []Insight{}
	}

	data, err := json.Marshal(recent)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Error encoding insights: %v", err)), nil
	}
	return mcp.NewToolResultText(string(data)), nil
}

func (s *Server) handleAddUserInterest(_ context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	interest, err := request.RequireString("interest")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	added, err := s.service.AddInterest(interest)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Error adding interest: %v", err)), nil
	}
	if !added {
		return mcp.NewToolResultText(fmt.Sprintf("Interest %q already exists", interest)), nil
	}
	return mcp.NewToolResultText(fmt.Sprintf("Added interest: %s", interest)), nil
}

func (s *Server) handleSetUserGoal(_ context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	goal, err := request.RequireString("goal")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	added, err := s.service.SetGoal(goal)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Error setting goal: %v", err)), nil
	}
	if !added {
		return mcp.NewToolResultText(fmt.Sprintf("Goal %q already exists", goal)), nil
	}
	return mcp.NewToolResultText(fmt.Sprintf("Added goal: %s", goal)), nil
}
