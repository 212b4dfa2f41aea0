// utils/http.go
package utils

import (
	"net/http"
	"time"
)

// NewHTTPClient returns a client for service-to-service calls (auth service,
// wallet service).
func NewHTTPClient(timeout time.Duration) *http.Client {
	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.MaxIdleConnsPerHost = 10
	transport.IdleConnTimeout = 90 * time.Second
	return &http.Client{
		Timeout:   timeout,
		Transport: transport,
	}
}
