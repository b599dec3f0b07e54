package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"geoquery/internal/domain"
)

// FetchContentPath is the proxy route that turns a URL into article text
const FetchContentPath = "/api/proxy/fetch-content"

// ContentClient resolves URL-based queries to raw content through the
// fetch-content proxy. It performs exactly one request per call and never
// retries on its own.
type ContentClient struct {
	httpClient *http.Client
	baseURL    string
	userAgent  string
}

// NewContentClient creates a new content resolver client
func NewContentClient(baseURL string, settings ...domain.ConnectionSettings) *ContentClient {
	connSettings := domain.DefaultConnectionSettings()
	if len(settings) > 0 {
		connSettings = settings[0]
	}

	return &ContentClient{
		httpClient: BuildHTTPClient(connSettings),
		baseURL:    strings.TrimRight(baseURL, "/"),
		userAgent:  connSettings.UserAgent,
	}
}

// Resolve fetches the article content behind target. Every failure is a
// non-retryable ContentFetchFailure.
func (c *ContentClient) Resolve(ctx context.Context, target string) (string, error) {
	endpoint := c.baseURL + FetchContentPath + "?url=" + url.QueryEscape(target)

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return "", domain.NewContentFetchError(fmt.Errorf("failed to create request: %w", err))
	}
	httpReq.Header.Set("Accept", "application/json")
	if c.userAgent != "" {
		httpReq.Header.Set("User-Agent", c.userAgent)
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return "", domain.NewContentFetchError(fmt.Errorf("failed to fetch content: %w", err))
	}
	defer resp.Body.Close()

	if !isSuccess(resp.StatusCode) {
		bodyBytes, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodyBytes))
		return "", domain.NewContentFetchError(fmt.Errorf("proxy error: %s - %s", resp.Status, string(bodyBytes)))
	}

	var result domain.FetchedContent
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return "", domain.NewContentFetchError(fmt.Errorf("failed to decode proxy response: %w", err))
	}

	if result.Content == "" {
		return "", domain.NewContentFetchError(fmt.Errorf("proxy response has no content field"))
	}

	slog.Debug("Content resolved",
		"url", target,
		"title", result.Title,
		"content_length", len(result.Content))

	return result.Content, nil
}
