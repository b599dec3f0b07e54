// Package provider implements the outbound HTTP clients used by the analysis pipeline.
package provider

import (
	"net/http"
	"time"

	"geoquery/internal/domain"
)

// maxErrorBodyBytes caps how much of an error response body is kept for logs
const maxErrorBodyBytes = 2048

// BuildHTTPClient creates an HTTP client with the specified connection settings
func BuildHTTPClient(settings domain.ConnectionSettings) *http.Client {
	transport := &http.Transport{
		Proxy:               http.ProxyFromEnvironment,
		MaxIdleConns:        settings.MaxIdleConnections,
		MaxIdleConnsPerHost: settings.MaxIdleConnections,
		MaxConnsPerHost:     settings.MaxConnections,
		IdleConnTimeout:     time.Duration(settings.IdleTimeoutSec) * time.Second,
		DisableKeepAlives:   !settings.EnableKeepAlive,
		ForceAttemptHTTP2:   settings.EnableHTTP2,
	}

	return &http.Client{
		Timeout:   time.Duration(settings.RequestTimeoutSec) * time.Second,
		Transport: transport,
	}
}

func isSuccess(status int) bool {
	return status >= 200 && status < 300
}
