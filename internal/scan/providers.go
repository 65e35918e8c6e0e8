package scan

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"
)

// ContentClassifier scores message text with a phishing/spam probability in [0, 1].
type ContentClassifier interface {
	Name() string
	Classify(ctx context.Context, text string) (float64, error)
}

// URLChecker reports whether a URL is known to be malicious.
type URLChecker interface {
	Name() string
	Check(ctx context.Context, url string) (bool, error)
}

// failureLabeler is implemented by checkers whose failure threat lines use a shorter
// label than Name.
type failureLabeler interface {
	FailureLabel() string
}

func failureLabel(checker URLChecker) string {
	if l, ok := checker.(failureLabeler); ok {
		return l.FailureLabel()
	}
	return checker.Name()
}

// maxResponseBytes caps how much of a provider response is read.
const maxResponseBytes = 1 << 20

// newBreaker opens after five consecutive failures and probes again after 30 seconds.
func newBreaker(name string, logger *zap.Logger) *gobreaker.CircuitBreaker {
	return gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        name,
		MaxRequests: 1,
		Interval:    time.Minute,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Info("Provider circuit breaker state changed",
				zap.String("provider", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()),
			)
		},
	})
}

// httpProvider holds what every HTTP-backed provider shares.
type httpProvider struct {
	name    string
	client  *http.Client
	breaker *gobreaker.CircuitBreaker
}

func newHTTPProvider(name string, timeout time.Duration, logger *zap.Logger) httpProvider {
	if logger == nil {
		logger = zap.NewNop()
	}
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return httpProvider{
		name:    name,
		client:  &http.Client{Timeout: timeout},
		breaker: newBreaker(name, logger),
	}
}

// guarded runs call behind the circuit breaker and wraps any failure in a ProviderError.
func (p httpProvider) guarded(url string, call func() (any, error)) (any, error) {
	result, err := p.breaker.Execute(call)
	if err != nil {
		providerFailures.WithLabelValues(p.name).Inc()
		var perr *ProviderError
		if errors.As(err, &perr) {
			return nil, perr
		}
		return nil, &ProviderError{Provider: p.name, URL: url, Err: err}
	}
	return result, nil
}

// doJSON sends body (when non-nil) as JSON and decodes a 200 response into out.
func (p httpProvider) doJSON(ctx context.Context, method, endpoint, target string, headers map[string]string, body, out any) error {
	var reader io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to encode request: %w", err)
		}
		reader = bytes.NewReader(encoded)
	}

	req, err := http.NewRequestWithContext(ctx, method, endpoint, reader)
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxResponseBytes))
		return &ProviderError{Provider: p.name, URL: target, StatusCode: resp.StatusCode}
	}

	if err := json.NewDecoder(io.LimitReader(resp.Body, maxResponseBytes)).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}
