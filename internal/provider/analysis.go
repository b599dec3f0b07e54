package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"geoquery/internal/domain"
)

// AnalysisClient calls the scoring backend. It returns the raw payload;
// validation is left to the caller.
type AnalysisClient struct {
	httpClient *http.Client
	endpoint   string
	userAgent  string
	apiKey     string
}

// NewAnalysisClient creates a new scoring backend client
func NewAnalysisClient(endpoint, apiKey string, settings ...domain.ConnectionSettings) *AnalysisClient {
	connSettings := domain.DefaultConnectionSettings()
	if len(settings) > 0 {
		connSettings = settings[0]
	}

	return &AnalysisClient{
		httpClient: BuildHTTPClient(connSettings),
		endpoint:   endpoint,
		userAgent:  connSettings.UserAgent,
		apiKey:     apiKey,
	}
}

// Analyze sends content to the scoring backend. Transport failures and
// non-2xx responses are retryable AnalysisRequestFailures.
func (c *AnalysisClient) Analyze(ctx context.Context, content, contentType string) ([]byte, error) {
	body, err := json.Marshal(domain.AnalysisRequest{
		Content:     content,
		ContentType: contentType,
	})
	if err != nil {
		return nil, domain.NewAnalysisRequestError(fmt.Errorf("failed to marshal request: %w", err))
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, domain.NewAnalysisRequestError(fmt.Errorf("failed to create request: %w", err))
	}

	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/json")
	if c.userAgent != "" {
		httpReq.Header.Set("User-Agent", c.userAgent)
	}
	if c.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, domain.NewAnalysisRequestError(err)
	}
	defer resp.Body.Close()

	if !isSuccess(resp.StatusCode) {
		bodyBytes, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodyBytes))
		return nil, domain.NewAnalysisRequestError(fmt.Errorf("API error: %s - %s", resp.Status, string(bodyBytes)))
	}

	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, domain.NewAnalysisRequestError(fmt.Errorf("failed to read response body: %w", err))
	}

	return payload, nil
}
