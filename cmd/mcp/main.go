// holdfast MCP server - exposes the escrow API as MCP tools for LLM agents
package main

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/mark3labs/mcp-go/server"

	"github.com/mbd888/holdfast/internal/mcpserver"
)

func main() {
	_ = godotenv.Load()

	cfg := mcpserver.Config{
		APIURL:  envOrDefault("HOLDFAST_API_URL", "http://localhost:8080"),
		APIKey:  os.Getenv("HOLDFAST_API_KEY"),
		PartyID: os.Getenv("HOLDFAST_PARTY_ID"),
	}

	if cfg.APIKey == "" {
		fmt.Fprintln(os.Stderr, "HOLDFAST_API_KEY is required")
		os.Exit(1)
	}
	if cfg.PartyID == "" {
		fmt.Fprintln(os.Stderr, "HOLDFAST_PARTY_ID is required")
		os.Exit(1)
	}

	s := mcpserver.NewMCPServer(cfg)
	if err := server.ServeStdio(s); err != nil {
		fmt.Fprintf(os.Stderr, "MCP server error: %v\n", err)
		os.Exit(1)
	}
}

func envOrDefault(key, defaultValue string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultValue
}
