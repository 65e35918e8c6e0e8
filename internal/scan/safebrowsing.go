package scan

import (
	"context"
	"net/http"
	"net/url"
	"time"

	"go.uber.org/zap"
)

// DefaultSafeBrowsingEndpoint is the Safe Browsing v4 lookup API.
const DefaultSafeBrowsingEndpoint = "https://safebrowsing.googleapis.com/v4/threatMatches:find"

// SafeBrowsingClient looks URLs up in Google Safe Browsing.
type SafeBrowsingClient struct {
	httpProvider
	endpoint string
	apiKey   string
}

// NewSafeBrowsingClient creates a client; an empty endpoint selects the public API.
func NewSafeBrowsingClient(endpoint, apiKey string, timeout time.Duration, logger *zap.Logger) *SafeBrowsingClient {
	if endpoint == "" {
		endpoint = DefaultSafeBrowsingEndpoint
	}
	return &SafeBrowsingClient{
		httpProvider: newHTTPProvider("Google Safe Browsing", timeout, logger),
		endpoint:     endpoint,
		apiKey:       apiKey,
	}
}

type safeBrowsingRequest struct {
	Client     safeBrowsingClientInfo `json:"client"`
	ThreatInfo safeBrowsingThreatInfo `json:"threatInfo"`
}

type safeBrowsingClientInfo struct {
	ClientID      string `json:"clientId"`
	ClientVersion string `json:"clientVersion"`
}

type safeBrowsingThreatInfo struct {
	ThreatTypes      []string            `json:"threatTypes"`
	PlatformTypes    []string            `json:"platformTypes"`
	ThreatEntryTypes []string            `json:"threatEntryTypes"`
	ThreatEntries    []map[string]string `json:"threatEntries"`
}

// Name implements URLChecker.
func (c *SafeBrowsingClient) Name() string { return c.name }

// FailureLabel names the provider in "check failed" threat lines.
func (c *SafeBrowsingClient) FailureLabel() string { return "Safe Browsing" }

// Check implements URLChecker. Any match counts as a hit.
func (c *SafeBrowsingClient) Check(ctx context.Context, target string) (bool, error) {
	body := safeBrowsingRequest{
		Client: safeBrowsingClientInfo{ClientID: "mailguard", ClientVersion: "1.0.0"},
		ThreatInfo: safeBrowsingThreatInfo{
			ThreatTypes:      []string{"MALWARE", "SOCIAL_ENGINEERING", "UNWANTED_SOFTWARE", "POTENTIALLY_HARMFUL_APPLICATION"},
			PlatformTypes:    []string{"ANY_PLATFORM"},
			ThreatEntryTypes: []string{"URL"},
			ThreatEntries:    []map[string]string{{"url": target}},
		},
	}
	endpoint := c.endpoint + "?key=" + url.QueryEscape(c.apiKey)

	result, err := c.guarded(target, func() (any, error) {
		var resp struct {
			Matches []map[string]any `json:"matches"`
		}
		if err := c.doJSON(ctx, http.MethodPost, endpoint, target, nil, body, &resp); err != nil {
			return nil, err
		}
		return len(resp.Matches) > 0, nil
	})
	if err != nil {
		return false, err
	}
	return result.(bool), nil
}
