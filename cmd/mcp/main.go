// Command mcp serves fleet operations as MCP tools over stdio, calling the
// fleet API with an operator key.
package main

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/mark3labs/mcp-go/server"

	"github.com/mbd888/tenantfleet/internal/apiclient"
	"github.com/mbd888/tenantfleet/internal/mcpserver"
)

func main() {
	_ = godotenv.Load()

	cfg := apiclient.Config{
		BaseURL: os.Getenv("FLEET_API_URL"),
		APIKey:  os.Getenv("FLEET_API_KEY"),
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = "http://localhost:8080"
	}
	if cfg.APIKey == "" {
		fmt.Fprintln(os.Stderr, "mcp: FLEET_API_KEY is required")
		os.Exit(1)
	}

	// stdout carries the protocol, so diagnostics go to stderr only.
	if err := server.ServeStdio(mcpserver.NewMCPServer(cfg)); err != nil {
		fmt.Fprintf(os.Stderr, "mcp: %v\n", err)
		os.Exit(1)
	}
}
