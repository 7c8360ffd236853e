package salesforce

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
)

// CredentialSource supplies bearer credentials for Tooling API calls.
// Implemented by auth.Manager.
type CredentialSource interface {
	// BearerToken returns a consistent access-token/instance-URL snapshot, or an
	// error when no connected session exists.
	BearerToken(ctx context.Context) (accessToken, instanceURL string, err error)
	// TryRefresh attempts one token refresh. It returns false instead of an error
	// on failure.
	TryRefresh(ctx context.Context) bool
}

// QueueItem is one sub-job of an async test run as tracked by the remote queue.
type QueueItem struct {
	ID          string `json:"Id"`
	Status      string `json:"Status"`
	ApexClassID string `json:"ApexClassId"`
}

// TestResult is one per-method test result from the Tooling API.
type TestResult struct {
	ClassName  string
	MethodName string
	Outcome    string
	Message    string
	StackTrace string
	RunTimeMs  int64
}

// CoverageEntry is aggregate line coverage for one class or trigger.
type CoverageEntry struct {
	ClassName       string
	LinesCovered    int
	LinesUncovered  int
	CoveragePercent float64
}

// ApexClass identifies one Apex class available for test selection.
type ApexClass struct {
	ID   string `json:"Id"`
	Name string `json:"Name"`
}

// OrgStats is a small summary of the connected org.
type OrgStats struct {
	InstanceURL  string `json:"instanceUrl"`
	APIVersion   string `json:"apiVersion"`
	TotalClasses int    `json:"totalClasses"`
}

// ToolingClient runs queries and actions against the Salesforce Tooling API,
// authenticated through a CredentialSource. A call that comes back 401 triggers
// exactly one refresh attempt and one retry before the failure is surfaced.
type ToolingClient struct {
	APIVersion string
	Creds      CredentialSource
	HTTPClient *http.Client
}

// NewToolingClient returns a Tooling API client for the given API version (e.g. "v59.0").
func NewToolingClient(apiVersion string, creds CredentialSource) *ToolingClient {
	return &ToolingClient{
		APIVersion: apiVersion,
		Creds:      creds,
		HTTPClient: &http.Client{Timeout: defaultTimeout},
	}
}

// RunTestsAsync submits the given test classes for asynchronous execution and
// returns the remote job id.
func (c *ToolingClient) RunTestsAsync(ctx context.Context, classIDs []string) (string, error) {
	payload, err := json.Marshal(map[string]string{"classids": strings.Join(classIDs, ",")})
	if err != nil {
		return "", err
	}
	body, err := c.do(ctx, http.MethodPost, "/runTestsAsynchronous", payload)
	if err != nil {
		return "", err
	}
	// The endpoint returns the job id as a bare JSON string.
	var jobID string
	if err := json.Unmarshal(body, &jobID); err != nil {
		return "", fmt.Errorf("salesforce: decode runTestsAsynchronous response: %w", err)
	}
	return jobID, nil
}

// TestQueueStatus returns the queue items (one per submitted class) for the job.
func (c *ToolingClient) TestQueueStatus(ctx context.Context, jobID string) ([]QueueItem, error) {
	q := fmt.Sprintf("SELECT Id, Status, ApexClassId FROM ApexTestQueueItem WHERE ParentJobId = '%s'", soqlEscape(jobID))
	body, err := c.query(ctx, q)
	if err != nil {
		return nil, err
	}
	var res struct {
		Records []QueueItem `json:"records"`
	}
	if err := json.Unmarshal(body, &res); err != nil {
		return nil, fmt.Errorf("salesforce: decode queue status: %w", err)
	}
	return res.Records, nil
}

// TestResults returns the per-method results for a finished job.
func (c *ToolingClient) TestResults(ctx context.Context, jobID string) ([]TestResult, error) {
	q := fmt.Sprintf("SELECT ApexClass.Name, MethodName, Outcome, Message, StackTrace, RunTime "+
		"FROM ApexTestResult WHERE AsyncApexJobId = '%s' ORDER BY ApexClass.Name, MethodName", soqlEscape(jobID))
	body, err := c.query(ctx, q)
	if err != nil {
		return nil, err
	}
	var res struct {
		Records []struct {
			ApexClass  struct{ Name string } `json:"ApexClass"`
			MethodName string                `json:"MethodName"`
			Outcome    string                `json:"Outcome"`
			Message    string                `json:"Message"`
			StackTrace string                `json:"StackTrace"`
			RunTime    int64                 `json:"RunTime"`
		} `json:"records"`
	}
	if err := json.Unmarshal(body, &res); err != nil {
		return nil, fmt.Errorf("salesforce: decode test results: %w", err)
	}
	out := make([]TestResult, 0, len(res.Records))
	for _, r := range res.Records {
		out = append(out, TestResult{
			ClassName:  r.ApexClass.Name,
			MethodName: r.MethodName,
			Outcome:    r.Outcome,
			Message:    r.Message,
			StackTrace: r.StackTrace,
			RunTimeMs:  r.RunTime,
		})
	}
	return out, nil
}

// CodeCoverage returns aggregate per-class line coverage after a test run.
func (c *ToolingClient) CodeCoverage(ctx context.Context, jobID string) ([]CoverageEntry, error) {
	q := "SELECT ApexClassOrTrigger.Name, NumLinesCovered, NumLinesUncovered " +
		"FROM ApexCodeCoverageAggregate ORDER BY ApexClassOrTrigger.Name"
	body, err := c.query(ctx, q)
	if err != nil {
		return nil, err
	}
	var res struct {
		Records []struct {
			ApexClassOrTrigger struct{ Name string } `json:"ApexClassOrTrigger"`
			NumLinesCovered    int                   `json:"NumLinesCovered"`
			NumLinesUncovered  int                   `json:"NumLinesUncovered"`
		} `json:"records"`
	}
	if err := json.Unmarshal(body, &res); err != nil {
		return nil, fmt.Errorf("salesforce: decode coverage: %w", err)
	}
	out := make([]CoverageEntry, 0, len(res.Records))
	for _, r := range res.Records {
		pct := 0.0
		if total := r.NumLinesCovered + r.NumLinesUncovered; total > 0 {
			pct = float64(r.NumLinesCovered) * 100.0 / float64(total)
		}
		out = append(out, CoverageEntry{
			ClassName:       r.ApexClassOrTrigger.Name,
			LinesCovered:    r.NumLinesCovered,
			LinesUncovered:  r.NumLinesUncovered,
			CoveragePercent: pct,
		})
	}
	return out, nil
}

// TestClasses lists the org's Apex classes for the test selector.
func (c *ToolingClient) TestClasses(ctx context.Context) ([]ApexClass, error) {
	body, err := c.query(ctx, "SELECT Id, Name FROM ApexClass ORDER BY Name")
	if err != nil {
		return nil, err
	}
	var res struct {
		Records []ApexClass `json:"records"`
	}
	if err := json.Unmarshal(body, &res); err != nil {
		return nil, fmt.Errorf("salesforce: decode classes: %w", err)
	}
	return res.Records, nil
}

// OrgStats returns a summary of the connected org.
func (c *ToolingClient) OrgStats(ctx context.Context) (*OrgStats, error) {
	body, err := c.query(ctx, "SELECT COUNT() FROM ApexClass")
	if err != nil {
		return nil, err
	}
	var res struct {
		TotalSize int `json:"totalSize"`
	}
	if err := json.Unmarshal(body, &res); err != nil {
		return nil, fmt.Errorf("salesforce: decode org stats: %w", err)
	}
	_, instanceURL, err := c.Creds.BearerToken(ctx)
	if err != nil {
		return nil, err
	}
	return &OrgStats{
		InstanceURL:  instanceURL,
		APIVersion:   c.APIVersion,
		TotalClasses: res.TotalSize,
	}, nil
}

func (c *ToolingClient) query(ctx context.Context, soql string) ([]byte, error) {
	return c.do(ctx, http.MethodGet, "/query?q="+url.QueryEscape(soql), nil)
}

// do issues one Tooling API request, retrying once after a refresh when the
// access token is rejected.
func (c *ToolingClient) do(ctx context.Context, method, path string, payload []byte) ([]byte, error) {
	body, err := c.doOnce(ctx, method, path, payload)
	if err != nil && IsUnauthorized(err) && c.Creds.TryRefresh(ctx) {
		return c.doOnce(ctx, method, path, payload)
	}
	return body, err
}

func (c *ToolingClient) doOnce(ctx context.Context, method, path string, payload []byte) ([]byte, error) {
	token, instanceURL, err := c.Creds.BearerToken(ctx)
	if err != nil {
		return nil, err
	}
	endpoint := strings.TrimSuffix(instanceURL, "/") + "/services/data/" + c.APIVersion + "/tooling" + path
	var reader io.Reader
	if payload != nil {
		reader = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, endpoint, reader)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &APIError{StatusCode: resp.StatusCode, Body: string(body)}
	}
	return body, nil
}

// soqlEscape quotes single quotes and backslashes in a SOQL string literal.
func soqlEscape(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	return strings.ReplaceAll(s, `'`, `\'`)
}
