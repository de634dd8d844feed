package mcp

import (
	"context"
	"log/slog"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/keygatehq/keygate/internal/model"
	"github.com/keygatehq/keygate/internal/service"
)

// Operator is the identity recorded as created_by_admin and in the access
// log for actions taken through MCP.
const Operator = "mcp-operator"

// KeyService is the subset of the temporary key service exposed as tools.
type KeyService interface {
	GenerateTempKey(ctx context.Context, req service.KeyRequest) (*service.IssuedKey, error)
	RevokeTempKey(ctx context.Context, keyHash string) (bool, error)
	RevokeTempKeyByPrefix(ctx context.Context, prefix string) (bool, error)
	ListTempKeys(ctx context.Context, status model.KeyStatus) ([]model.TempKeyInfo, error)
	CleanupExpiredKeys(ctx context.Context) (int64, error)
}

// AdminLister lists administrator accounts.
type AdminLister interface {
	ListAdmins(ctx context.Context) ([]model.AdminAccount, error)
}

// Auditor records and reads the access log.
type Auditor interface {
	LogAccess(ctx context.Context, e model.AccessLogEntry)
	GetAccessLogs(ctx context.Context, limit int, includeHidden bool) ([]model.AccessLogEntry, error)
}

// MCPServer wraps the mcp-go server with keygate's operator tools. It runs
// with the operator's direct store access, so every tool call is recorded
// in the access log as hidden privileged traffic.
type MCPServer struct {
	keys   KeyService
	admins AdminLister
	audit  Auditor
	logger *slog.Logger
	server *server.MCPServer
}

// NewMCPServer creates an MCPServer pre-loaded with all keygate tools and
// resources. The returned server is ready to serve over stdio or HTTP.
func NewMCPServer(keys KeyService, admins AdminLister, audit Auditor, version string, logger *slog.Logger) *MCPServer {
	if logger == nil {
		logger = slog.Default()
	}
	s := &MCPServer{
		keys:   keys,
		admins: admins,
		audit:  audit,
		logger: logger,
	}

	mcpServer := server.NewMCPServer(
		"keygate",
		version,
		server.WithResourceCapabilities(true, false),
		server.WithToolCapabilities(true),
	)

	s.registerTools(mcpServer)
	s.registerResources(mcpServer)

	s.server = mcpServer
	return s
}

// Server returns the underlying mcp-go MCPServer instance.
func (s *MCPServer) Server() *server.MCPServer {
	return s.server
}

// ServeStdio starts the MCP server in stdio mode, for clients that launch
// keygate as a subprocess.
func (s *MCPServer) ServeStdio() error {
	s.logger.Info("starting MCP server in stdio mode")
	return server.ServeStdio(s.server)
}

// ServeHTTP starts the MCP server in Streamable HTTP mode, listening on
// the given address (e.g. ":3001").
func (s *MCPServer) ServeHTTP(addr string) error {
	httpServer := server.NewStreamableHTTPServer(s.server)
	s.logger.Info("MCP HTTP server starting", "addr", addr)
	return httpServer.Start(addr)
}

func readOnlyAnnotation() mcp.ToolAnnotation {
	return mcp.ToolAnnotation{
		ReadOnlyHint: boolPtr(true),
	}
}

func mutatingAnnotation() mcp.ToolAnnotation {
	return mcp.ToolAnnotation{
		ReadOnlyHint: boolPtr(false),
	}
}

func boolPtr(b bool) *bool {
	return &b
}
