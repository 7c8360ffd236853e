package salesforce

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
)

type fakeCreds struct {
	mu          sync.Mutex
	token       string
	instanceURL string
	refreshed   int
	refreshTo   string
}

func (f *fakeCreds) BearerToken(ctx context.Context) (string, string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.token, f.instanceURL, nil
}

func (f *fakeCreds) TryRefresh(ctx context.Context) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.refreshed++
	if f.refreshTo == "" {
		return false
	}
	f.token = f.refreshTo
	return true
}

func newToolingFixture(t *testing.T, handler http.HandlerFunc) (*ToolingClient, *fakeCreds) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	creds := &fakeCreds{token: "tok-1", instanceURL: srv.URL}
	return NewToolingClient("v59.0", creds), creds
}

func TestRunTestsAsync(t *testing.T) {
	var gotPath, gotBody, gotAuth string
	client, _ := newToolingFixture(t, func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotAuth = r.Header.Get("Authorization")
		var payload map[string]string
		json.NewDecoder(r.Body).Decode(&payload)
		gotBody = payload["classids"]
		// The endpoint answers with the job id as a bare JSON string.
		json.NewEncoder(w).Encode("707xx0000001")
	})

	jobID, err := client.RunTestsAsync(context.Background(), []string{"01p1", "01p2"})
	if err != nil {
		t.Fatalf("RunTestsAsync: %v", err)
	}
	if jobID != "707xx0000001" {
		t.Errorf("jobID: got %q", jobID)
	}
	if gotPath != "/services/data/v59.0/tooling/runTestsAsynchronous" {
		t.Errorf("path: got %q", gotPath)
	}
	if gotBody != "01p1,01p2" {
		t.Errorf("classids: got %q", gotBody)
	}
	if gotAuth != "Bearer tok-1" {
		t.Errorf("auth header: got %q", gotAuth)
	}
}

func TestTestQueueStatus(t *testing.T) {
	client, _ := newToolingFixture(t, func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query().Get("q")
		if !strings.Contains(q, "FROM ApexTestQueueItem") || !strings.Contains(q, "'707xx0000001'") {
			t.Errorf("unexpected query %q", q)
		}
		json.NewEncoder(w).Encode(map[string]any{
			"records": []map[string]string{
				{"Id": "709a", "Status": "Completed", "ApexClassId": "01p1"},
				{"Id": "709b", "Status": "Processing", "ApexClassId": "01p2"},
			},
		})
	})

	items, err := client.TestQueueStatus(context.Background(), "707xx0000001")
	if err != nil {
		t.Fatalf("TestQueueStatus: %v", err)
	}
	if len(items) != 2 || items[0].Status != "Completed" || items[1].ApexClassID != "01p2" {
		t.Errorf("items: got %+v", items)
	}
}

func TestTestResults(t *testing.T) {
	client, _ := newToolingFixture(t, func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{
			"records": []map[string]any{
				{
					"ApexClass":  map[string]string{"Name": "AccountTest"},
					"MethodName": "testCreate",
					"Outcome":    "Pass",
					"RunTime":    42,
				},
			},
		})
	})

	results, err := client.TestResults(context.Background(), "707xx0000001")
	if err != nil {
		t.Fatalf("TestResults: %v", err)
	}
	if len(results) != 1 {
		t.Fatalf("results: got %d", len(results))
	}
	if results[0].ClassName != "AccountTest" || results[0].RunTimeMs != 42 {
		t.Errorf("result: got %+v", results[0])
	}
}

func TestCodeCoveragePercent(t *testing.T) {
	client, _ := newToolingFixture(t, func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{
			"records": []map[string]any{
				{
					"ApexClassOrTrigger": map[string]string{"Name": "Account"},
					"NumLinesCovered":    75,
					"NumLinesUncovered":  25,
				},
				{
					"ApexClassOrTrigger": map[string]string{"Name": "Empty"},
					"NumLinesCovered":    0,
					"NumLinesUncovered":  0,
				},
			},
		})
	})

	coverage, err := client.CodeCoverage(context.Background(), "707xx0000001")
	if err != nil {
		t.Fatalf("CodeCoverage: %v", err)
	}
	if coverage[0].CoveragePercent != 75.0 {
		t.Errorf("percent: got %v", coverage[0].CoveragePercent)
	}
	if coverage[1].CoveragePercent != 0.0 {
		t.Errorf("zero-line class percent: got %v", coverage[1].CoveragePercent)
	}
}

func TestRetryAfterUnauthorized(t *testing.T) {
	var calls int
	client, creds := newToolingFixture(t, func(w http.ResponseWriter, r *http.Request) {
		calls++
		if r.Header.Get("Authorization") != "Bearer tok-2" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		json.NewEncoder(w).Encode(map[string]any{"records": []map[string]string{}})
	})
	creds.refreshTo = "tok-2"

	if _, err := client.TestQueueStatus(context.Background(), "707xx0000001"); err != nil {
		t.Fatalf("TestQueueStatus: %v", err)
	}
	if calls != 2 {
		t.Errorf("calls: got %d, want 2 (401 then retry)", calls)
	}
	if creds.refreshed != 1 {
		t.Errorf("refreshes: got %d, want 1", creds.refreshed)
	}
}

func TestNoRetryWhenRefreshFails(t *testing.T) {
	var calls int
	client, creds := newToolingFixture(t, func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.WriteHeader(http.StatusUnauthorized)
	})

	_, err := client.TestQueueStatus(context.Background(), "707xx0000001")
	if !IsUnauthorized(err) {
		t.Fatalf("want unauthorized APIError, got %v", err)
	}
	if calls != 1 {
		t.Errorf("calls: got %d, want 1 (no retry without a refreshed token)", calls)
	}
	if creds.refreshed != 1 {
		t.Errorf("refresh attempts: got %d, want 1", creds.refreshed)
	}
}

func TestSoqlEscape(t *testing.T) {
	got := soqlEscape(`a'b\c`)
	if got != `a\'b\\c` {
		t.Errorf("soqlEscape: got %q", got)
	}
}

func TestIsUnauthorized(t *testing.T) {
	if !IsUnauthorized(&APIError{StatusCode: 401}) || !IsUnauthorized(&APIError{StatusCode: 403}) {
		t.Error("401 and 403 should be unauthorized")
	}
	if IsUnauthorized(&APIError{StatusCode: 500}) {
		t.Error("500 should not be unauthorized")
	}
	if IsUnauthorized(nil) {
		t.Error("nil is not unauthorized")
	}
}
