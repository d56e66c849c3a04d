package mcp

import (
	"context"
	"log/slog"
	"os"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/rendis/drip/internal/audit"
	"github.com/rendis/drip/internal/engine"
	"github.com/rendis/drip/internal/sequence"
	"github.com/rendis/drip/internal/store"
)

// PassTrigger runs one dispatcher pass on demand. Satisfied by
// *scheduler.Scheduler, which applies the pass lock.
type PassTrigger interface {
	RunOnce(ctx context.Context, tenantID string) (*engine.PassResult, error)
}

// EventReader reads the audit log.
type EventReader interface {
	ListEvents(ctx context.Context, filter store.EventFilter) ([]*store.Event, error)
}

// DripServerDeps holds the dependencies for creating a DripServer.
type DripServerDeps struct {
	Manager *sequence.Manager
	Passes  PassTrigger
	Events  EventReader
	Hub     audit.EventHub
	Logger  *slog.Logger
}

// DripServer wraps an MCP server with drip management tools.
type DripServer struct {
	manager   *sequence.Manager
	passes    PassTrigger
	events    EventReader
	hub       audit.EventHub
	logger    *slog.Logger
	sessions  *SessionRegistry
	mcpServer *server.MCPServer
}

// NewDripServer creates a DripServer with every tool registered.
func NewDripServer(deps DripServerDeps) *DripServer {
	logger := deps.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}

	s := &DripServer{
		manager:  deps.Manager,
		passes:   deps.Passes,
		events:   deps.Events,
		hub:      deps.Hub,
		logger:   logger,
		sessions: NewSessionRegistry(),
	}

	mcpSrv := server.NewMCPServer(
		"drip",
		"1.0.0",
		server.WithToolCapabilities(false),
		server.WithRecovery(),
		server.WithInstructions("Drip runs per-tenant email sequences. Use drip.sequence to author and move sequences through their lifecycle, drip.enroll and drip.unsubscribe to manage subscribers, drip.subscriber to inspect or pause them, drip.engagement to report opens and clicks, drip.stats for campaign numbers, drip.events to read the audit log and drip.run_pass to advance due subscribers now."),
	)

	mcpSrv.AddTools(s.tools()...)
	s.mcpServer = mcpSrv
	return s
}

// Serve starts the stdio transport and blocks until ctx is cancelled or stdin closes.
// When a hub is configured, failures and goal events are pushed to the
// session that last acted for the tenant.
func (s *DripServer) Serve(ctx context.Context) error {
	if s.hub != nil {
		notifier := NewMCPNotifier(s.mcpServer, s.sessions)
		if err := ForwardEvents(ctx, s.hub, notifier, s.logger); err != nil {
			return err
		}
	}
	stdio := server.NewStdioServer(s.mcpServer)
	return stdio.Listen(ctx, os.Stdin, os.Stdout)
}

// MCPServer returns the underlying MCPServer for testing or custom transports.
func (s *DripServer) MCPServer() *server.MCPServer {
	return s.mcpServer
}

func (s *DripServer) tools() []server.ServerTool {
	return []server.ServerTool{
		{Tool: sequenceTool(), Handler: s.handleSequence},
		{Tool: enrollTool(), Handler: s.handleEnroll},
		{Tool: unsubscribeTool(), Handler: s.handleUnsubscribe},
		{Tool: subscriberTool(), Handler: s.handleSubscriber},
		{Tool: engagementTool(), Handler: s.handleEngagement},
		{Tool: statsTool(), Handler: s.handleStats},
		{Tool: eventsTool(), Handler: s.handleEvents},
		{Tool: runPassTool(), Handler: s.handleRunPass},
	}
}

// --- Tool definitions ---

func sequenceTool() mcp.Tool {
	return mcp.NewTool("drip.sequence",
		mcp.WithDescription("Create, update, inspect or change the lifecycle status of a sequence"),
		mcp.WithString("action", mcp.Required(),
			mcp.Enum("create", "update", "activate", "pause", "resume", "complete", "archive", "get", "list"),
			mcp.Description("Operation to perform"),
		),
		mcp.WithString("tenant_id", mcp.Required(), mcp.Description("Owning tenant")),
		mcp.WithString("sequence_id", mcp.Description("Target sequence (all actions except create and list)")),
		mcp.WithObject("definition", mcp.Description("Sequence fields for create, or the fields to change for update")),
		mcp.WithString("status", mcp.Description("Status filter for list")),
		mcp.WithNumber("limit", mcp.Description("Page size for list (default 50)")),
		mcp.WithNumber("offset", mcp.Description("Page offset for list")),
	)
}

func enrollTool() mcp.Tool {
	return mcp.NewTool("drip.enroll",
		mcp.WithDescription("Enroll a subscriber into an active sequence"),
		mcp.WithString("tenant_id", mcp.Required(), mcp.Description("Owning tenant")),
		mcp.WithString("sequence_id", mcp.Required(), mcp.Description("Sequence to enroll into")),
		mcp.WithString("subscriber_id", mcp.Required(), mcp.Description("External subscriber identity")),
		mcp.WithString("email", mcp.Required(), mcp.Description("Recipient address")),
		mcp.WithObject("enrollment_data", mcp.Description("Data captured at enrollment")),
		mcp.WithObject("custom_fields", mcp.Description("Fields used by condition steps and templates")),
	)
}

func unsubscribeTool() mcp.Tool {
	return mcp.NewTool("drip.unsubscribe",
		mcp.WithDescription("Unsubscribe an enrollment by state id, or by sequence and subscriber id"),
		mcp.WithString("tenant_id", mcp.Required(), mcp.Description("Owning tenant")),
		mcp.WithString("subscriber_state_id", mcp.Description("Enrollment to unsubscribe")),
		mcp.WithString("sequence_id", mcp.Description("Sequence, used with subscriber_id")),
		mcp.WithString("subscriber_id", mcp.Description("Subscriber, used with sequence_id")),
	)
}

func subscriberTool() mcp.Tool {
	return mcp.NewTool("drip.subscriber",
		mcp.WithDescription("Inspect, list, pause or resume subscriber enrollments"),
		mcp.WithString("action", mcp.Required(),
			mcp.Enum("get", "list", "pause", "resume"),
			mcp.Description("Operation to perform"),
		),
		mcp.WithString("tenant_id", mcp.Required(), mcp.Description("Owning tenant")),
		mcp.WithString("subscriber_state_id", mcp.Description("Enrollment for get, pause and resume")),
		mcp.WithString("sequence_id", mcp.Description("Sequence filter for list")),
		mcp.WithString("subscriber_id", mcp.Description("Subscriber filter for list")),
		mcp.WithString("status", mcp.Description("Status filter for list")),
		mcp.WithNumber("limit", mcp.Description("Page size for list (default 50)")),
		mcp.WithNumber("offset", mcp.Description("Page offset for list")),
	)
}

func engagementTool() mcp.Tool {
	return mcp.NewTool("drip.engagement",
		mcp.WithDescription("Record an email open or click for a delivered step"),
		mcp.WithString("kind", mcp.Required(), mcp.Enum("open", "click"), mcp.Description("Engagement kind")),
		mcp.WithString("tenant_id", mcp.Required(), mcp.Description("Owning tenant")),
		mcp.WithString("subscriber_state_id", mcp.Required(), mcp.Description("Enrollment that received the email")),
		mcp.WithString("step_id", mcp.Required(), mcp.Description("Email step that was opened or clicked")),
	)
}

func statsTool() mcp.Tool {
	return mcp.NewTool("drip.stats",
		mcp.WithDescription("Get counters and open/click rates for a sequence"),
		mcp.WithString("tenant_id", mcp.Required(), mcp.Description("Owning tenant")),
		mcp.WithString("sequence_id", mcp.Required(), mcp.Description("Sequence to report on")),
	)
}

func eventsTool() mcp.Tool {
	return mcp.NewTool("drip.events",
		mcp.WithDescription("Query the audit event log"),
		mcp.WithString("tenant_id", mcp.Required(), mcp.Description("Owning tenant")),
		mcp.WithObject("filter", mcp.Description("Filter criteria (sequence_id, subscriber_state_id, event_type, since, limit)")),
	)
}

func runPassTool() mcp.Tool {
	return mcp.NewTool("drip.run_pass",
		mcp.WithDescription("Run one dispatcher pass now and report what it did"),
		mcp.WithString("tenant_id", mcp.Description("Limit the pass to one tenant (default: all tenants)")),
	)
}
