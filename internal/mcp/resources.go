package mcp

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/keygatehq/keygate/internal/model"
)

const (
	rolesURI      = "keygate://roles"
	activeKeysURI = "keygate://keys/active"
)

// registerResources adds MCP resource definitions to the server. Resources
// provide read-only data that clients can load into their context.
func (s *MCPServer) registerResources(srv *server.MCPServer) {

	// -------------------------------------------------------------------
	// keygate://roles: the fixed role to permission table
	// -------------------------------------------------------------------
	srv.AddResource(
		mcp.NewResource(
			rolesURI,
			"Administrator Roles",
			mcp.WithResourceDescription(
				"Every administrator role with its display name and permission set.",
			),
			mcp.WithMIMEType("application/json"),
		),
		s.handleRolesResource,
	)

	// -------------------------------------------------------------------
	// keygate://keys/active: metadata of currently active keys
	// -------------------------------------------------------------------
	srv.AddResource(
		mcp.NewResource(
			activeKeysURI,
			"Active Temporary Keys",
			mcp.WithResourceDescription(
				"Metadata of every active temporary key, newest first.",
			),
			mcp.WithMIMEType("application/json"),
		),
		s.handleActiveKeysResource,
	)
}

type roleInfo struct {
	Role        model.Role         `json:"role"`
	Name        string             `json:"name"`
	Permissions []model.Permission `json:"permissions"`
}

// handleRolesResource returns the role table.
func (s *MCPServer) handleRolesResource(
	ctx context.Context,
	request mcp.ReadResourceRequest,
) ([]mcp.ResourceContents, error) {

	roles := model.Roles()
	items := make([]roleInfo, len(roles))
	for i, r := range roles {
		items[i] = roleInfo{Role: r, Name: r.DisplayName(), Permissions: r.Permissions()}
	}
	return jsonResource(rolesURI, items)
}

// handleActiveKeysResource returns active key metadata.
func (s *MCPServer) handleActiveKeysResource(
	ctx context.Context,
	request mcp.ReadResourceRequest,
) ([]mcp.ResourceContents, error) {

	keys, err := s.keys.ListTempKeys(ctx, model.KeyActive)
	if err != nil {
		return nil, fmt.Errorf("failed to list active keys: %w", err)
	}
	return jsonResource(activeKeysURI, keys)
}

func jsonResource(uri string, v any) ([]mcp.ResourceContents, error) {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("failed to marshal %s: %w", uri, err)
	}
	return []mcp.ResourceContents{
		mcp.TextResourceContents{
			URI:      uri,
			MIMEType: "application/json",
			Text:     string(b),
		},
	}, nil
}
