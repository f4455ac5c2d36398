// v402 MCP server - lets an LLM agent fetch x402-paywalled resources,
// paying in USDC from a local key.
package main

import (
	"fmt"
	"os"

	"github.com/mark3labs/mcp-go/server"

	"github.com/Dream-Voyage/v402/internal/config"
	"github.com/Dream-Voyage/v402/internal/logging"
	"github.com/Dream-Voyage/v402/internal/mcpserver"
	"github.com/Dream-Voyage/v402/pkg/x402"
)

// Version is set by ldflags.
var Version = "dev"

func main() {
	cfg, err := config.LoadClient()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}

	// stdout carries the MCP protocol; logs go to stderr.
	logger := logging.NewWithWriter(os.Stderr, cfg.LogLevel, "text")

	client, err := mcpserver.NewPayingClient(cfg, logger)
	if err != nil {
		fmt.Fprintf(os.Stderr, "client: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = client.Close() }()

	opts := []mcpserver.HandlerOption{
		mcpserver.WithWallet(cfg.Network, cfg.MaxAmountUnits()),
		mcpserver.WithAllowPrivate(os.Getenv("V402_ALLOW_PRIVATE_URLS") == "true"),
	}
	if cfg.FacilitatorURL != "" {
		opts = append(opts, mcpserver.WithFacilitator(x402.NewFacilitatorClient(cfg.FacilitatorURL, nil)))
	}

	logger.Info("starting v402 MCP server", "version", Version, "address", client.Address(), "network", cfg.Network)
	s := mcpserver.NewMCPServer(Version, mcpserver.NewHandlers(client, opts...))
	if err := server.ServeStdio(s); err != nil {
		fmt.Fprintf(os.Stderr, "MCP server error: %v\n", err)
		os.Exit(1)
	}
}
