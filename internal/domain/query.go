package domain

import "time"

// QueryStatus is the lifecycle state of a cached query
type QueryStatus string

const (
	StatusIdle    QueryStatus = "idle"
	StatusLoading QueryStatus = "loading"
	StatusSuccess QueryStatus = "success"
	StatusError   QueryStatus = "error"
)

// QueryState is the consumer-facing view of a query. Transient failures
// that are being retried show up as loading with Retrying set; Error is only
// populated once the failure is terminal.
type QueryState struct {
	Status     QueryStatus     `json:"status"`
	Data       *AnalysisResult `json:"data,omitempty"`
	Error      *AnalysisError  `json:"-"`
	IsLoading  bool            `json:"isLoading"`
	Retrying   bool            `json:"retrying,omitempty"`
	RetryCount int             `json:"retryCount"`
	UpdatedAt  time.Time       `json:"updatedAt"`
}

// IdleState is returned for disabled queries
func IdleState() QueryState {
	return QueryState{Status: StatusIdle}
}

// Settled reports whether the query reached success or a terminal error
func (s QueryState) Settled() bool {
	return s.Status == StatusSuccess || s.Status == StatusError
}

// ErrorMessage returns the user-facing error message, or "" when there is none
func (s QueryState) ErrorMessage() string {
	if s.Error == nil {
		return ""
	}
	return s.Error.Message
}
