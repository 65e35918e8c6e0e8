package scan

import (
	"context"
	"net/http"
	"time"

	"go.uber.org/zap"
)

// ClassifierClient calls the content classification service:
// POST {"email_text": ...} answered by {"probability": p}.
type ClassifierClient struct {
	httpProvider
	endpoint string
}

// NewClassifierClient creates a classifier client for endpoint.
func NewClassifierClient(endpoint string, timeout time.Duration, logger *zap.Logger) *ClassifierClient {
	return &ClassifierClient{
		httpProvider: newHTTPProvider("classifier", timeout, logger),
		endpoint:     endpoint,
	}
}

// Name implements ContentClassifier.
func (c *ClassifierClient) Name() string { return c.name }

// Classify implements ContentClassifier.
func (c *ClassifierClient) Classify(ctx context.Context, text string) (float64, error) {
	result, err := c.guarded("", func() (any, error) {
		var resp struct {
			Probability *float64 `json:"probability"`
		}
		err := c.doJSON(ctx, http.MethodPost, c.endpoint, "", nil, map[string]string{"email_text": text}, &resp)
		if err != nil {
			return nil, err
		}
		if resp.Probability == nil {
			return nil, &ProviderError{Provider: c.name, Err: errMissingField("probability")}
		}
		return *resp.Probability, nil
	})
	if err != nil {
		return 0, err
	}
	return result.(float64), nil
}

type errMissingField string

func (e errMissingField) Error() string {
	return "response has no " + string(e) + " field"
}
