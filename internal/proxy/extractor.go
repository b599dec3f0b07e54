// Package proxy implements the fetch-content endpoint: it downloads an
// article page and returns its readable text.
package proxy

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-shiori/go-readability"
	"golang.org/x/text/unicode/norm"

	"geoquery/internal/domain"
)

var (
	// ErrInvalidURL means the requested URL is missing or not http(s)
	ErrInvalidURL = errors.New("invalid url")
	// ErrUpstream means the article page could not be fetched
	ErrUpstream = errors.New("upstream fetch failed")
	// ErrNoContent means the page had no readable article text
	ErrNoContent = errors.New("no readable content")
)

// ExtractorConfig configures page fetching
type ExtractorConfig struct {
	Timeout      time.Duration
	MaxBodyBytes int64
	UserAgent    string
}

// Extractor fetches pages and extracts article text
type Extractor struct {
	httpClient *http.Client
	config     ExtractorConfig
}

// NewExtractor creates an extractor. A nil client uses a default one.
func NewExtractor(httpClient *http.Client, config ExtractorConfig) *Extractor {
	if config.Timeout <= 0 {
		config.Timeout = 15 * time.Second
	}
	if config.MaxBodyBytes <= 0 {
		config.MaxBodyBytes = 5 * 1024 * 1024
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: config.Timeout}
	}
	return &Extractor{httpClient: httpClient, config: config}
}

// Extract fetches rawURL and returns its readable content
func (e *Extractor) Extract(ctx context.Context, rawURL string) (*domain.FetchedContent, error) {
	pageURL, err := parseTarget(rawURL)
	if err != nil {
		return nil, err
	}

	data, err := e.fetch(ctx, pageURL)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUpstream, err)
	}

	article, err := readability.FromReader(bytes.NewReader(data), pageURL)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNoContent, err)
	}

	content := cleanText(article.TextContent)
	if content == "" {
		return nil, ErrNoContent
	}

	slog.Debug("Content extracted successfully",
		"url", pageURL.String(),
		"title", article.Title,
		"content_length", len(content))

	return &domain.FetchedContent{
		Content: content,
		Title:   cleanText(article.Title),
		URL:     pageURL.String(),
	}, nil
}

func parseTarget(rawURL string) (*url.URL, error) {
	rawURL = strings.TrimSpace(rawURL)
	if rawURL == "" {
		return nil, fmt.Errorf("%w: url is required", ErrInvalidURL)
	}
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidURL, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("%w: unsupported scheme %q", ErrInvalidURL, u.Scheme)
	}
	if u.Host == "" {
		return nil, fmt.Errorf("%w: missing host", ErrInvalidURL)
	}
	return u, nil
}

func (e *Extractor) fetch(ctx context.Context, pageURL *url.URL) ([]byte, error) {
	timeoutCtx, cancel := context.WithTimeout(ctx, e.config.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(timeoutCtx, http.MethodGet, pageURL.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	if e.config.UserAgent != "" {
		req.Header.Set("User-Agent", e.config.UserAgent)
	}
	req.Header.Set("Accept", "text/html,application/xhtml+xml")

	resp, err := e.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch URL: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("HTTP error: %d %s", resp.StatusCode, resp.Status)
	}

	contentType := strings.ToLower(resp.Header.Get("Content-Type"))
	if !strings.Contains(contentType, "text/html") && !strings.Contains(contentType, "application/xhtml") {
		return nil, fmt.Errorf("content type is not HTML: %s", contentType)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, e.config.MaxBodyBytes+1))
	if err != nil {
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}
	if int64(len(data)) > e.config.MaxBodyBytes {
		return nil, fmt.Errorf("response body exceeds %d bytes", e.config.MaxBodyBytes)
	}

	return data, nil
}

// cleanText NFC-normalizes s and collapses runs of blank lines and spaces
func cleanText(s string) string {
	s = norm.NFC.String(s)

	lines := strings.Split(s, "\n")
	out := make([]string, 0, len(lines))
	blank := false
	for _, line := range lines {
		line = strings.Join(strings.Fields(line), " ")
		if line == "" {
			if !blank && len(out) > 0 {
				out = append(out, "")
			}
			blank = true
			continue
		}
		blank = false
		out = append(out, line)
	}
	return strings.TrimSpace(strings.Join(out, "\n"))
}
