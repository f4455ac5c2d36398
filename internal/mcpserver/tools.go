package mcpserver

import "github.com/mark3labs/mcp-go/mcp"

// Tool definitions for the v402 MCP server.
// Descriptions are what the LLM reads to decide which tool to use.

var ToolFetchPaidResource = mcp.NewTool("fetch_paid_resource",
	mcp.WithDescription(
		"Fetch an HTTP resource, paying for it in USDC if the server answers 402 Payment Required. "+
			"Payment is signed locally (EIP-3009) and capped by the configured per-payment ceiling. "+
			"Returns the status, whether a payment was made, the settlement transaction, and the body."),
	mcp.WithString("url",
		mcp.Required(),
		mcp.Description("Absolute http(s) URL of the resource")),
	mcp.WithString("method",
		mcp.Description("HTTP method (default GET)"),
		mcp.Enum("GET", "POST")),
	mcp.WithString("body",
		mcp.Description("Request body for POST, sent verbatim")),
	mcp.WithString("content_type",
		mcp.Description("Content-Type for POST bodies (default application/json)")),
)

var ToolFetchMany = mcp.NewTool("fetch_many",
	mcp.WithDescription(
		"GET several resources concurrently, paying each one that requires it. "+
			"A failure for one URL does not stop the others."),
	mcp.WithArray("urls",
		mcp.Required(),
		mcp.Description("Absolute http(s) URLs to fetch"),
		mcp.Items(map[string]any{"type": "string"})),
	mcp.WithNumber("max_concurrent",
		mcp.Description("Maximum requests in flight (default 5)")),
)

var ToolPaymentHistory = mcp.NewTool("payment_history",
	mcp.WithDescription(
		"List payments made by this client, oldest first. "+
			"Each entry shows the resource, amount in USDC, status and transaction hash."),
	mcp.WithString("since",
		mcp.Description("Only payments newer than this duration ago, e.g. '1h' or '24h' (default: all)")),
	mcp.WithNumber("limit",
		mcp.Description("Keep only the most recent N payments (default 20)")),
)

var ToolPaymentStatistics = mcp.NewTool("payment_statistics",
	mcp.WithDescription(
		"Summarize spending over a period: payment counts by status and total, average, "+
			"minimum and maximum confirmed amounts in USDC."),
	mcp.WithString("period",
		mcp.Description("Look-back window, e.g. '1h', '24h', '168h' (default 24h)")),
)

var ToolFacilitatorSupported = mcp.NewTool("facilitator_supported",
	mcp.WithDescription(
		"Ask the configured x402 facilitator which payment schemes and networks it can settle."),
)

var ToolWalletInfo = mcp.NewTool("wallet_info",
	mcp.WithDescription(
		"Show the paying address, network and per-payment ceiling this client uses."),
)
