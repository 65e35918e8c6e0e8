package scan

import (
	"context"
	"errors"
	"net/http"
	"time"

	"go.uber.org/zap"
)

// DefaultURLScanSubmitEndpoint is the urlscan.io submission API.
const DefaultURLScanSubmitEndpoint = "https://urlscan.io/api/v1/scan/"

// URLScanClient submits URLs to urlscan.io and reads the verdict after a settle delay.
type URLScanClient struct {
	httpProvider
	submitEndpoint string
	apiKey         string
	settleDelay    time.Duration
}

// NewURLScanClient creates a client; an empty endpoint selects the public API.
func NewURLScanClient(submitEndpoint, apiKey string, settleDelay, timeout time.Duration, logger *zap.Logger) *URLScanClient {
	if submitEndpoint == "" {
		submitEndpoint = DefaultURLScanSubmitEndpoint
	}
	return &URLScanClient{
		httpProvider:   newHTTPProvider("URLScan.io", timeout, logger),
		submitEndpoint: submitEndpoint,
		apiKey:         apiKey,
		settleDelay:    settleDelay,
	}
}

// Name implements URLChecker.
func (c *URLScanClient) Name() string { return c.name }

// FailureLabel names the provider in "check failed" threat lines.
func (c *URLScanClient) FailureLabel() string { return "URLScan" }

// Check implements URLChecker. A verdict with any category counts as a hit.
func (c *URLScanClient) Check(ctx context.Context, target string) (bool, error) {
	headers := map[string]string{"API-Key": c.apiKey}

	result, err := c.guarded(target, func() (any, error) {
		var submitted struct {
			API string `json:"api"`
		}
		body := map[string]string{"url": target, "visibility": "private"}
		if err := c.doJSON(ctx, http.MethodPost, c.submitEndpoint, target, headers, body, &submitted); err != nil {
			return nil, err
		}
		if submitted.API == "" {
			return nil, errors.New("submission response has no result location")
		}

		timer := time.NewTimer(c.settleDelay)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-timer.C:
		}

		var verdict struct {
			Verdicts struct {
				URLScan struct {
					Categories []string `json:"categories"`
				} `json:"urlscan"`
			} `json:"verdicts"`
		}
		if err := c.doJSON(ctx, http.MethodGet, submitted.API, target, headers, nil, &verdict); err != nil {
			return nil, err
		}
		return len(verdict.Verdicts.URLScan.Categories) > 0, nil
	})
	if err != nil {
		return false, err
	}
	return result.(bool), nil
}
