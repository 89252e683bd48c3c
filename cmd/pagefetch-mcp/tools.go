package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/use-agent/pagefetch/models"
)

// apiClient calls the pagefetch HTTP API.
type apiClient struct {
	baseURL string
	apiKey  string
	http    *http.Client
}

func newAPIClient(baseURL, apiKey string) *apiClient {
	return &apiClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		http:    &http.Client{Timeout: 600 * time.Second},
	}
}

func (c *apiClient) do(ctx context.Context, method, path string, payload, out any) error {
	var body io.Reader
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		body = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("X-API-Key", c.apiKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("API request failed: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		var apiErr models.ErrorResponse
		if json.Unmarshal(raw, &apiErr) == nil && apiErr.Error != nil {
			return fmt.Errorf("[%s] %s", apiErr.Error.Code, apiErr.Error.Message)
		}
		return fmt.Errorf("API returned status %d", resp.StatusCode)
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("parse response: %w", err)
	}
	return nil
}

func (c *apiClient) fetch(ctx context.Context, req *models.FetchRequest) (*models.FetchResult, error) {
	var res models.FetchResult
	if err := c.do(ctx, http.MethodPost, "/api/v1/fetch", req, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

// batch submits a batch job and polls it until it leaves "processing".
func (c *apiClient) batch(ctx context.Context, req *models.BatchRequest, every time.Duration) (*models.BatchStatusResponse, error) {
	var created models.BatchResponse
	if err := c.do(ctx, http.MethodPost, "/api/v1/batch/fetch", req, &created); err != nil {
		return nil, err
	}
	if created.ID == "" {
		return nil, fmt.Errorf("batch job creation failed")
	}

	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
			var status models.BatchStatusResponse
			if err := c.do(ctx, http.MethodGet, "/api/v1/batch/"+created.ID, nil, &status); err != nil {
				return nil, err
			}
			if status.Status != models.BatchProcessing {
				return &status, nil
			}
		}
	}
}

// formatResult renders a successful result as a metadata header plus markdown.
func formatResult(res *models.FetchResult) string {
	var sb strings.Builder
	if res.Title != "" {
		fmt.Fprintf(&sb, "Title: %s\n", res.Title)
	}
	if res.Byline != "" {
		fmt.Fprintf(&sb, "Author: %s\n", res.Byline)
	}
	fmt.Fprintf(&sb, "Source: %s\n", res.URL)
	if res.ArchiveURL != "" {
		fmt.Fprintf(&sb, "Archived copy: %s\n", res.ArchiveURL)
	}
	fmt.Fprintf(&sb, "Method: %s\n\n", res.ExtractionMethod)

	content := res.Markdown
	if content == "" {
		content = res.TextContent
	}
	sb.WriteString(content)
	return sb.String()
}

// formatFailure renders a classified failure with its advice.
func formatFailure(res *models.FetchResult) string {
	msg := fmt.Sprintf("fetch failed [%s]", res.Error)
	if res.ErrorDetails != "" {
		msg += ": " + res.ErrorDetails
	}
	if res.Hint != "" {
		msg += "\nhint: " + res.Hint
	}
	if res.SuggestedAction != "" {
		msg += "\nsuggested action: " + string(res.SuggestedAction)
	}
	return msg
}

func formatBatch(status *models.BatchStatusResponse) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Batch %s: %s (%d/%d completed, %d failed)\n\n",
		status.ID, status.Status, status.Completed, status.Total, status.Failed)

	for i, res := range status.Results {
		switch {
		case res == nil:
			fmt.Fprintf(&sb, "--- [%d] not fetched ---\n\n", i+1)
		case res.Success:
			fmt.Fprintf(&sb, "--- [%d] %s ---\n%s\n\n", i+1, res.URL, formatResult(res))
		default:
			fmt.Fprintf(&sb, "--- [%d] %s FAILED ---\n%s\n\n", i+1, res.URL, formatFailure(res))
		}
	}
	return sb.String()
}

func handleFetchURL(c *apiClient) server.ToolHandlerFunc {
	return func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		url, err := request.RequireString("url")
		if err != nil {
			return mcp.NewToolResultError("url is required"), nil
		}

		res, err := c.fetch(ctx, &models.FetchRequest{
			URL:            url,
			Preset:         request.GetString("preset", ""),
			TargetSelector: request.GetString("target_selector", ""),
		})
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		if !res.Success {
			return mcp.NewToolResultError(formatFailure(res)), nil
		}
		return mcp.NewToolResultText(formatResult(res)), nil
	}
}

func handleBatchFetch(c *apiClient, pollEvery time.Duration) server.ToolHandlerFunc {
	return func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		urls, err := request.RequireStringSlice("urls")
		if err != nil {
			return mcp.NewToolResultError("urls is required and must be an array of strings"), nil
		}

		status, err := c.batch(ctx, &models.BatchRequest{
			URLs:    urls,
			Options: models.BatchOptions{Preset: request.GetString("preset", "")},
		}, pollEvery)
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("batch fetch failed: %v", err)), nil
		}
		return mcp.NewToolResultText(formatBatch(status)), nil
	}
}
