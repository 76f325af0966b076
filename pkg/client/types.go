package client

import (
	"fmt"
	"time"
)

// Dataset is the state of one ingested image as reported by the daemon.
type Dataset struct {
	Name      string    `json:"name" yaml:"name"`
	Status    string    `json:"status" yaml:"status"`
	Logs      []string  `json:"logs" yaml:"logs"`
	Error     string    `json:"error,omitempty" yaml:"error,omitempty"`
	UpdatedAt time.Time `json:"updated_at" yaml:"updated_at"`
}

// Annotation is a point annotation in normalized viewer coordinates.
type Annotation struct {
	X    float64 `json:"x" yaml:"x"`
	Y    float64 `json:"y" yaml:"y"`
	Text string  `json:"text" yaml:"text"`
}

// Health is the body of the health endpoint.
type Health struct {
	OK       bool           `json:"ok"`
	Datasets map[string]int `json:"datasets"`
}

// ErrorResponse represents an API error response
type ErrorResponse struct {
	Error string `json:"error"`
}

// APIError is returned for non-2xx responses.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("HTTP %d", e.StatusCode)
	}
	return fmt.Sprintf("API error (HTTP %d): %s", e.StatusCode, e.Message)
}
