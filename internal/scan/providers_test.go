package scan

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sony/gobreaker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vdavid/mailguard/internal/models"
)

func TestClassifierClient(t *testing.T) {
	var received map[string]string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		_ = json.NewDecoder(r.Body).Decode(&received)
		_, _ = w.Write([]byte(`{"probability": 0.93}`))
	}))
	defer server.Close()

	client := NewClassifierClient(server.URL, time.Second, nil)
	probability, err := client.Classify(context.Background(), `Subject "quoted" body`)

	require.NoError(t, err)
	assert.InDelta(t, 0.93, probability, 1e-9)
	assert.Equal(t, `Subject "quoted" body`, received["email_text"])
}

func TestClassifierClient_Failures(t *testing.T) {
	t.Run("bad status", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusServiceUnavailable)
		}))
		defer server.Close()

		_, err := NewClassifierClient(server.URL, time.Second, nil).Classify(context.Background(), "x")

		var perr *ProviderError
		require.ErrorAs(t, err, &perr)
		assert.Equal(t, http.StatusServiceUnavailable, perr.StatusCode)
	})

	t.Run("missing probability", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			_, _ = w.Write([]byte(`{}`))
		}))
		defer server.Close()

		_, err := NewClassifierClient(server.URL, time.Second, nil).Classify(context.Background(), "x")
		assert.ErrorContains(t, err, "probability")
	})
}

func TestSafeBrowsingClient(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "test-key", r.URL.Query().Get("key"))
		var req safeBrowsingRequest
		_ = json.NewDecoder(r.Body).Decode(&req)
		if len(req.ThreatInfo.ThreatEntries) == 1 && req.ThreatInfo.ThreatEntries[0]["url"] == "https://evil.com" {
			_, _ = w.Write([]byte(`{"matches":[{"threatType":"SOCIAL_ENGINEERING"}]}`))
			return
		}
		_, _ = w.Write([]byte(`{}`))
	}))
	defer server.Close()

	client := NewSafeBrowsingClient(server.URL, "test-key", time.Second, nil)

	flagged, err := client.Check(context.Background(), "https://evil.com")
	require.NoError(t, err)
	assert.True(t, flagged)

	flagged, err = client.Check(context.Background(), "https://fine.com")
	require.NoError(t, err)
	assert.False(t, flagged)
}

func TestURLScanClient(t *testing.T) {
	mux := http.NewServeMux()
	var server *httptest.Server
	mux.HandleFunc("/api/v1/scan/", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "scan-key", r.Header.Get("API-Key"))
		var body map[string]string
		_ = json.NewDecoder(r.Body).Decode(&body)
		assert.Equal(t, "private", body["visibility"])
		verdict := "good"
		if body["url"] == "https://evil.com" {
			verdict = "bad"
		}
		_, _ = w.Write([]byte(`{"api":"` + server.URL + `/result/` + verdict + `"}`))
	})
	mux.HandleFunc("/result/bad", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"verdicts":{"urlscan":{"categories":["phishing"]}}}`))
	})
	mux.HandleFunc("/result/good", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"verdicts":{"urlscan":{"categories":[]}}}`))
	})
	server = httptest.NewServer(mux)
	defer server.Close()

	client := NewURLScanClient(server.URL+"/api/v1/scan/", "scan-key", 10*time.Millisecond, time.Second, nil)

	flagged, err := client.Check(context.Background(), "https://evil.com")
	require.NoError(t, err)
	assert.True(t, flagged)

	flagged, err = client.Check(context.Background(), "https://good.com")
	require.NoError(t, err)
	assert.False(t, flagged)

	t.Run("settle delay honors cancellation", func(t *testing.T) {
		slow := NewURLScanClient(server.URL+"/api/v1/scan/", "scan-key", time.Minute, time.Second, nil)
		ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
		defer cancel()

		start := time.Now()
		_, err := slow.Check(ctx, "https://evil.com")

		assert.ErrorIs(t, err, context.DeadlineExceeded)
		assert.Less(t, time.Since(start), 5*time.Second)
	})
}

func TestCircuitBreakerOpens(t *testing.T) {
	var hits atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	client := NewSafeBrowsingClient(server.URL, "k", time.Second, nil)
	for i := 0; i < 8; i++ {
		_, err := client.Check(context.Background(), "https://a.com")
		assert.Error(t, err)
	}

	assert.Equal(t, int32(5), hits.Load())
	assert.Equal(t, gobreaker.StateOpen, client.breaker.State())

	_, err := client.Check(context.Background(), "https://a.com")
	assert.ErrorIs(t, err, gobreaker.ErrOpenState)
}

func TestScanner_ProviderFailureLabels(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	checkers := []URLChecker{
		NewSafeBrowsingClient(server.URL, "key", time.Second, nil),
		NewURLScanClient(server.URL, "key", 0, time.Second, nil),
	}
	scanner := NewScanner(nil, checkers, 0, nil)

	result, err := scanner.Scan(context.Background(), models.ExtractedMessage{
		Links: []models.Link{{Display: "a.com/login", Probe: "https://a.com/login"}},
	})

	require.NoError(t, err)
	assert.Equal(t, 0, result.Score)
	assert.Equal(t, []string{
		"Safe Browsing check failed for URL: a.com/login",
		"URLScan check failed for URL: a.com/login",
	}, result.Threats)
}
