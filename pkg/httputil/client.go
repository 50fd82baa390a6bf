package httputil

import (
	"time"

	"github.com/go-resty/resty/v2"
)

const userAgent = "zappipe/1.0"

// NewDefaultRestyClient returns a resty client with the shared timeout and user agent.
// Retries are left to the job queue, so the client itself never retries.
func NewDefaultRestyClient(timeout time.Duration) *resty.Client {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return resty.New().
		SetTimeout(timeout).
		SetRetryCount(0).
		SetHeader("User-Agent", userAgent)
}
