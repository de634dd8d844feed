package mcp

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/keygatehq/keygate/internal/model"
	"github.com/keygatehq/keygate/internal/service"
)

// registerTools registers all keygate MCP tools on the given server.
func (s *MCPServer) registerTools(srv *server.MCPServer) {

	// ----- Read-only tools -----

	srv.AddTool(
		mcp.NewTool("keygate_list_keys",
			mcp.WithDescription(
				"List temporary access keys, newest first. Each key shows its hash "+
					"prefix, client name, status, usage against quota, valid hours, and "+
					"expiry. Raw keys are never shown.",
			),
			mcp.WithToolAnnotation(readOnlyAnnotation()),
			mcp.WithString("status",
				mcp.Description("Only list keys in this status"),
				mcp.Enum(string(model.KeyActive), string(model.KeyExpired), string(model.KeyRevoked)),
			),
		),
		s.handleListKeys,
	)

	srv.AddTool(
		mcp.NewTool("keygate_list_admins",
			mcp.WithDescription(
				"List administrator accounts with their roles, permissions, and last login.",
			),
			mcp.WithToolAnnotation(readOnlyAnnotation()),
		),
		s.handleListAdmins,
	)

	srv.AddTool(
		mcp.NewTool("keygate_access_logs",
			mcp.WithDescription(
				"Read the access log, newest first. Hidden entries (privileged "+
					"operational traffic) are excluded unless include_hidden is set.",
			),
			mcp.WithToolAnnotation(readOnlyAnnotation()),
			mcp.WithNumber("limit",
				mcp.Description("Maximum number of entries to return (default 100, max 1000)"),
			),
			mcp.WithBoolean("include_hidden",
				mcp.Description("Include hidden-mode entries"),
			),
		),
		s.handleAccessLogs,
	)

	// ----- Mutating tools -----

	srv.AddTool(
		mcp.NewTool("keygate_generate_key",
			mcp.WithDescription(
				"Issue a temporary access key for an external client. The raw key is "+
					"returned once in this result and cannot be recovered later. Omitted "+
					"valid_hours allows every hour; omitted ttl_minutes and max_usage use "+
					"the server defaults.",
			),
			mcp.WithToolAnnotation(mutatingAnnotation()),
			mcp.WithString("client_name",
				mcp.Required(),
				mcp.Description("Name of the client the key is issued to"),
			),
			mcp.WithArray("valid_hours",
				mcp.Description("Hours of the day (0-23) during which the key may be used"),
				mcp.WithNumberItems(),
			),
			mcp.WithNumber("ttl_minutes",
				mcp.Description("Lifetime of the key in minutes"),
			),
			mcp.WithNumber("max_usage",
				mcp.Description("Number of successful validations allowed"),
			),
			mcp.WithArray("ip_whitelist",
				mcp.Description("Addresses or CIDR networks allowed to use the key"),
				mcp.WithStringItems(),
			),
			mcp.WithString("notes",
				mcp.Description("Free-form notes stored with the key"),
			),
		),
		s.handleGenerateKey,
	)

	srv.AddTool(
		mcp.NewTool("keygate_revoke_key",
			mcp.WithDescription(
				"Revoke a temporary key by its full hash or by the hash prefix shown "+
					"in keygate_list_keys. Revocation is permanent.",
			),
			mcp.WithToolAnnotation(mutatingAnnotation()),
			mcp.WithString("key_hash",
				mcp.Required(),
				mcp.Description("Full key hash, or a prefix of at least 8 characters"),
			),
		),
		s.handleRevokeKey,
	)

	srv.AddTool(
		mcp.NewTool("keygate_sweep_expired_keys",
			mcp.WithDescription(
				"Mark every active key past its expiry as expired and report how many changed.",
			),
			mcp.WithToolAnnotation(mutatingAnnotation()),
		),
		s.handleSweep,
	)
}

// handleListKeys returns key metadata.
func (s *MCPServer) handleListKeys(
	ctx context.Context,
	request mcp.CallToolRequest,
) (*mcp.CallToolResult, error) {

	status := model.KeyStatus(optionalString(request, "status"))
	keys, err := s.keys.ListTempKeys(ctx, status)
	s.record(ctx, "keygate_list_keys", err)
	if err != nil {
		return toolError("Failed to list keys: %v", err)
	}
	return successJSON(model.NewListResponse(keys, 0))
}

// handleListAdmins returns every administrator account.
func (s *MCPServer) handleListAdmins(
	ctx context.Context,
	request mcp.CallToolRequest,
) (*mcp.CallToolResult, error) {

	admins, err := s.admins.ListAdmins(ctx)
	s.record(ctx, "keygate_list_admins", err)
	if err != nil {
		return toolError("Failed to list admins: %v", err)
	}
	return successJSON(model.NewListResponse(admins, 0))
}

// handleAccessLogs returns access log entries.
func (s *MCPServer) handleAccessLogs(
	ctx context.Context,
	request mcp.CallToolRequest,
) (*mcp.CallToolResult, error) {

	limit := clamp(optionalInt(request, "limit", service.DefaultLogLimit), 1, service.MaxLogLimit)
	includeHidden := request.GetBool("include_hidden", false)

	entries, err := s.audit.GetAccessLogs(ctx, limit, includeHidden)
	s.record(ctx, "keygate_access_logs", err)
	if err != nil {
		return toolError("Failed to read access log: %v", err)
	}
	return successJSON(model.NewListResponse(entries, limit))
}

// handleGenerateKey issues a temporary key attributed to the MCP operator.
func (s *MCPServer) handleGenerateKey(
	ctx context.Context,
	request mcp.CallToolRequest,
) (*mcp.CallToolResult, error) {

	clientName, err := requireString(request, "client_name")
	if err != nil {
		return toolError("%v", err)
	}
	ttlMinutes := optionalInt(request, "ttl_minutes", 0)
	if ttlMinutes < 0 {
		return toolError("ttl_minutes must not be negative")
	}

	issued, err := s.keys.GenerateTempKey(ctx, service.KeyRequest{
		ClientName:     clientName,
		ValidHours:     optionalIntSlice(request, "valid_hours"),
		TTL:            time.Duration(ttlMinutes) * time.Minute,
		MaxUsage:       optionalInt(request, "max_usage", 0),
		CreatedByAdmin: Operator,
		IPWhitelist:    optionalStringSlice(request, "ip_whitelist"),
		Notes:          optionalString(request, "notes"),
	})
	s.record(ctx, "keygate_generate_key", err)
	if err != nil {
		return toolError("Failed to generate key: %v", err)
	}
	return successJSON(issued)
}

// handleRevokeKey revokes a key by full hash or listing prefix.
func (s *MCPServer) handleRevokeKey(
	ctx context.Context,
	request mcp.CallToolRequest,
) (*mcp.CallToolResult, error) {

	ref, err := requireString(request, "key_hash")
	if err != nil {
		return toolError("%v", err)
	}
	ref = strings.TrimSpace(ref)

	var found bool
	if len(ref) == 64 {
		found, err = s.keys.RevokeTempKey(ctx, ref)
	} else {
		found, err = s.keys.RevokeTempKeyByPrefix(ctx, ref)
	}
	if err == nil && !found {
		err = service.ErrKeyNotFound
	}
	s.record(ctx, "keygate_revoke_key", err)
	if err != nil {
		return toolError("Failed to revoke key %q: %v", ref, err)
	}
	return successJSON(map[string]any{"success": true, "key_hash": ref})
}

// handleSweep expires overdue keys.
func (s *MCPServer) handleSweep(
	ctx context.Context,
	request mcp.CallToolRequest,
) (*mcp.CallToolResult, error) {

	n, err := s.keys.CleanupExpiredKeys(ctx)
	s.record(ctx, "keygate_sweep_expired_keys", err)
	if err != nil {
		return toolError("Failed to sweep keys: %v", err)
	}
	return successJSON(map[string]any{"expired": n})
}

// record writes a hidden access log entry for a tool call. The endpoint is
// the tool name and the method is "MCP".
func (s *MCPServer) record(ctx context.Context, tool string, err error) {
	status := http.StatusOK
	switch {
	case err == nil:
	case errors.Is(err, service.ErrKeyNotFound):
		status = http.StatusNotFound
	case errors.Is(err, service.ErrInvalidKeyRequest), errors.Is(err, service.ErrAmbiguousPrefix):
		status = http.StatusBadRequest
	default:
		status = http.StatusInternalServerError
	}
	s.audit.LogAccess(ctx, model.AccessLogEntry{
		UserType:   model.UserAdmin,
		Identifier: Operator,
		Endpoint:   "mcp/" + tool,
		Method:     "MCP",
		StatusCode: status,
		HiddenMode: true,
	})
}
