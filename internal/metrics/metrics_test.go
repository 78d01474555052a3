package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestSanitizeSite(t *testing.T) {
	testCases := []struct {
		name     string
		input    string
		expected string
	}{
		{"standard http", "http://example.com/path", "example.com"},
		{"standard https", "https://Example.com/path", "example.com"},
		{"no scheme", "example.com/path", "example.com"},
		{"just host", "example.com", "example.com"},
		{"host with port", "example.com:8080", "example.com"},
		{"ip address", "192.168.1.1", "192.168.1.1"},
		{"invalid url", "http://%", "unknown"},
		{"empty string", "", "unknown"},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			if got := SanitizeSite(tc.input); got != tc.expected {
				t.Errorf("SanitizeSite(%q) = %q; want %q", tc.input, got, tc.expected)
			}
		})
	}
}

func TestInit(t *testing.T) {
	// Call Init multiple times to test idempotency.
	Init()
	Init()

	if attemptsTotal == nil || itemsTotal == nil || runsTotal == nil ||
		httpRequestsTotal == nil || httpRequestDurationSeconds == nil {
		t.Fatal("Init() did not initialize metrics collectors")
	}

	before := testutil.ToFloat64(attemptsTotal.WithLabelValues("test.com", "succeeded"))
	ObserveAttempt("https://test.com/a", "succeeded", 20*time.Millisecond)
	if val := testutil.ToFloat64(attemptsTotal.WithLabelValues("test.com", "succeeded")); val != before+1 {
		t.Errorf("Expected attemptsTotal to grow by 1, got %f", val-before)
	}
}

func TestObserveRunAndItems(t *testing.T) {
	Init()

	runsBefore := testutil.ToFloat64(runsTotal.WithLabelValues("list", "aborted"))
	ObserveRun("list", "aborted")
	if val := testutil.ToFloat64(runsTotal.WithLabelValues("list", "aborted")); val != runsBefore+1 {
		t.Errorf("Expected runsTotal to grow by 1, got %f", val-runsBefore)
	}

	itemsBefore := testutil.ToFloat64(itemsTotal.WithLabelValues("permanently_failed"))
	ObserveItem("permanently_failed")
	ObserveItem("permanently_failed")
	if val := testutil.ToFloat64(itemsTotal.WithLabelValues("permanently_failed")); val != itemsBefore+2 {
		t.Errorf("Expected itemsTotal to grow by 2, got %f", val-itemsBefore)
	}

	ObserveRateLimitDelay(time.Second)
	if val := testutil.CollectAndCount(rateLimitDelaySeconds); val != 1 {
		t.Errorf("Expected one rate limit histogram, got %d", val)
	}
}

// Fuzz test for SanitizeSite.
func FuzzSanitizeSite(f *testing.F) {
	testcases := []string{"http://example.com", "https://google.com", "ftp://example.com"}
	for _, tc := range testcases {
		f.Add(tc)
	}
	f.Fuzz(func(t *testing.T, orig string) {
		sanitized := SanitizeSite(orig)
		if sanitized == "" {
			t.Errorf("SanitizeSite(%q) returned an empty string", orig)
		}
	})
}
