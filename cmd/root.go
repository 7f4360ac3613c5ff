package cmd

import (
	"os"

	"github.com/spf13/cobra"
)

// rootCmd is the base command for the gateway binary.
var rootCmd = &cobra.Command{
	Use:   "mcp-gateway",
	Short: "OAuth 2.1 gateway for an ambient insights MCP server",
	Long: `mcp-gateway terminates TLS and fronts an MCP tool server with an
OAuth 2.1 authorization layer: dynamic client registration (RFC 7591),
server metadata discovery (RFC 8414), authorization-code flow with PKCE,
and a bearer-authenticated relay for every other request.

The bundled tool server observes conversation turns and maintains a
persistent profile of user interests, projects, and goals.`,
	SilenceUsage: true,
}

// SetVersion sets the version for the root command.
// Called from main with the build-time version.
func SetVersion(v string) {
	rootCmd.Version = v
}

// Execute runs the CLI.
func Execute() {
	rootCmd.SetVersionTemplate(`{{printf "mcp-gateway version %s\n" .Version}}`)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
