package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	kmcp "github.com/keygatehq/keygate/internal/mcp"
)

func newMCPCmd() *cobra.Command {
	var (
		transport string
		port      int
	)

	cmd := &cobra.Command{
		Use:   "mcp",
		Short: "Start the MCP server for AI agents",
		Long: `Start a Model Context Protocol (MCP) server that exposes key management
and the access log as tools for AI agents. Supports stdio (default) and HTTP
transports.

The MCP server acts with the operator's direct store access. Every tool call
is recorded in the access log as a hidden entry.`,
		Example: `  keygate mcp                              # stdio mode
  keygate mcp --transport http --port 3001  # Streamable HTTP mode`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runMCP(transport, port)
		},
	}

	cmd.Flags().StringVar(&transport, "transport", "stdio", "Transport mode: stdio or http")
	cmd.Flags().IntVar(&port, "port", 3001, "HTTP port (only used with --transport http)")

	return cmd
}

func runMCP(transport string, port int) error {
	if transport != "stdio" && transport != "http" {
		return fmt.Errorf("unsupported transport %q; use 'stdio' or 'http'", transport)
	}

	a, err := openApp(false)
	if err != nil {
		return err
	}
	defer a.Close()

	mcpSrv := kmcp.NewMCPServer(a.keys, a.admins, a.auditor, versionString(), a.logger)

	if transport == "stdio" {
		return mcpSrv.ServeStdio()
	}
	return mcpSrv.ServeHTTP(fmt.Sprintf(":%d", port))
}
