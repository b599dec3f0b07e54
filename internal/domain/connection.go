// Package domain defines core types for the geoquery analysis layer.
package domain

// ConnectionSettings defines HTTP connection pool settings for outbound calls
type ConnectionSettings struct {
	MaxConnections     int    `json:"max_connections"`      // Max TCP connections per host
	MaxIdleConnections int    `json:"max_idle_connections"` // Connections kept warm for reuse
	IdleTimeoutSec     int    `json:"idle_timeout_sec"`     // Close idle connections after this time
	RequestTimeoutSec  int    `json:"request_timeout_sec"`  // Max time for a single request
	EnableHTTP2        bool   `json:"enable_http2"`
	EnableKeepAlive    bool   `json:"enable_keep_alive"`
	UserAgent          string `json:"user_agent"`
}

// DefaultConnectionSettings returns sensible defaults
func DefaultConnectionSettings() ConnectionSettings {
	return ConnectionSettings{
		MaxConnections:     10,
		MaxIdleConnections: 5,
		IdleTimeoutSec:     90,
		RequestTimeoutSec:  60,
		EnableHTTP2:        true,
		EnableKeepAlive:    true,
		UserAgent:          "geoquery/0.1",
	}
}
