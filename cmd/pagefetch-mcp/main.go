package main

import (
	"fmt"
	"os"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
)

func main() {
	apiURL := os.Getenv("PAGEFETCH_API_URL")
	if apiURL == "" {
		apiURL = "http://127.0.0.1:8080"
	}
	// An empty key is allowed for servers running with auth disabled.
	c := newAPIClient(apiURL, os.Getenv("PAGEFETCH_API_KEY"))

	s := server.NewMCPServer(
		"pagefetch",
		"1.0.0",
		server.WithToolCapabilities(false),
	)

	fetchURLTool := mcp.NewTool("fetch_url",
		mcp.WithDescription("Fetch a web page without a browser and return its main article as markdown. Falls back to CMS APIs, framework data routes and web archives when the live page is thin or blocked."),
		mcp.WithString("url",
			mcp.Required(),
			mcp.Description("The URL of the page to fetch"),
		),
		mcp.WithString("preset",
			mcp.Description("TLS fingerprint to impersonate (default: chrome)"),
			mcp.Enum("chrome", "firefox", "safari", "ios", "edge", "randomized"),
		),
		mcp.WithString("target_selector",
			mcp.Description("CSS selector restricting extraction to matching elements"),
		),
	)
	s.AddTool(fetchURLTool, handleFetchURL(c))

	batchFetchTool := mcp.NewTool("batch_fetch",
		mcp.WithDescription("Fetch up to 100 URLs in parallel and return the extracted article for each."),
		mcp.WithArray("urls",
			mcp.Required(),
			mcp.Description("List of URLs to fetch"),
		),
		mcp.WithString("preset",
			mcp.Description("TLS fingerprint to impersonate (default: chrome)"),
			mcp.Enum("chrome", "firefox", "safari", "ios", "edge", "randomized"),
		),
	)
	s.AddTool(batchFetchTool, handleBatchFetch(c, 2*time.Second))

	if err := server.ServeStdio(s); err != nil {
		fmt.Fprintf(os.Stderr, "server error: %v\n", err)
		os.Exit(1)
	}
}
