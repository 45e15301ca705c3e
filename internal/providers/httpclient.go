// Package providers contains the HTTP clients of the external data providers.
package providers

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"
	"resty.dev/v3"

	"github.com/smartdevs17/contract-discovery/internal/fetcher"
	"github.com/smartdevs17/contract-discovery/pkg/utils"
)

// HTTPClientConfig configures an HTTPClient
type HTTPClientConfig struct {
	Provider  string
	BaseURL   string
	Timeout   time.Duration
	UserAgent string
	Headers   map[string]string
}

// HTTPClient is a JSON GET client for one provider. It performs no
// retries; pacing and throttle handling belong to the fetcher.
type HTTPClient struct {
	provider string
	client   *resty.Client
	logger   *logrus.Entry
}

// NewHTTPClient creates a client
func NewHTTPClient(cfg HTTPClientConfig) *HTTPClient {
	if cfg.Timeout == 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = "contract-discovery"
	}
	logger := utils.ComponentLogger("providers").WithField("provider", cfg.Provider)

	client := resty.New().
		SetBaseURL(cfg.BaseURL).
		SetTimeout(cfg.Timeout).
		SetRetryCount(0).
		SetHeader("Accept", "application/json").
		SetHeader("User-Agent", cfg.UserAgent).
		AddRequestMiddleware(func(c *resty.Client, r *resty.Request) error {
			for k, v := range cfg.Headers {
				r.SetHeader(k, v)
			}
			logger.WithField("url", r.URL).Debug("Outgoing request")
			return nil
		}).
		AddResponseMiddleware(func(c *resty.Client, resp *resty.Response) error {
			if resp.StatusCode() >= 400 {
				logger.WithFields(logrus.Fields{
					"status": resp.StatusCode(),
					"url":    resp.Request.URL,
				}).Warn("HTTP request failed")
			}
			return nil
		})

	return &HTTPClient{
		provider: cfg.Provider,
		client:   client,
		logger:   logger,
	}
}

// Get performs a GET and decodes a 2xx JSON body into out. Other statuses
// are returned as *fetcher.StatusError.
func (c *HTTPClient) Get(ctx context.Context, path string, query map[string]string, out interface{}) error {
	resp, err := c.client.R().
		SetContext(ctx).
		SetQueryParams(query).
		SetResult(out).
		Get(path)
	if err != nil {
		return err
	}

	if resp.StatusCode() < 200 || resp.StatusCode() >= 300 {
		return &fetcher.StatusError{
			Provider:   c.provider,
			StatusCode: resp.StatusCode(),
			Body:       truncate(resp.String(), 256),
		}
	}
	return nil
}

// Close releases idle connections
func (c *HTTPClient) Close() error {
	return c.client.Close()
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
