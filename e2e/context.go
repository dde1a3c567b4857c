package e2e

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// TestContext carries shared state across step definitions: the gateway
// base URL, the bearer token, and the most recent HTTP response.
type TestContext struct {
	BaseURL      string
	ClientID     string
	ClientSecret string

	client      *http.Client
	accessToken string
	sessionID   string

	lastStatus int
	lastBody   []byte
	lastJSON   map[string]interface{}
}

// NewTestContext builds a context targeting the gateway at baseURL.
func NewTestContext(baseURL, clientID, clientSecret string) *TestContext {
	return &TestContext{
		BaseURL:      strings.TrimRight(baseURL, "/"),
		ClientID:     clientID,
		ClientSecret: clientSecret,
		client:       &http.Client{Timeout: 30 * time.Second},
	}
}

// Reset clears per-scenario state so scenarios stay independent.
func (tc *TestContext) Reset() {
	tc.accessToken = ""
	tc.sessionID = ""
	tc.lastStatus = 0
	tc.lastBody = nil
	tc.lastJSON = nil
}

// POST sends a JSON body to path and records the response.
func (tc *TestContext) POST(path string, body interface{}) error {
	return tc.do(http.MethodPost, path, body, nil)
}

// GET requests path with optional extra headers and records the response.
func (tc *TestContext) GET(path string, headers map[string]string) error {
	return tc.do(http.MethodGet, path, nil, headers)
}

func (tc *TestContext) do(method, path string, body interface{}, headers map[string]string) error {
	var reader io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encoding request body: %w", err)
		}
		reader = bytes.NewReader(encoded)
	}

	req, err := http.NewRequest(method, tc.BaseURL+path, reader)
	if err != nil {
		return fmt.Errorf("building request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if tc.accessToken != "" {
		req.Header.Set("Authorization", "Bearer "+tc.accessToken)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := tc.client.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	tc.lastStatus = resp.StatusCode
	tc.lastBody, err = io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("reading response body: %w", err)
	}
	tc.lastJSON = nil
	if len(tc.lastBody) > 0 {
		var parsed map[string]interface{}
		if json.Unmarshal(tc.lastBody, &parsed) == nil {
			tc.lastJSON = parsed
		}
	}
	return nil
}

// LastStatus returns the status code of the most recent response.
func (tc *TestContext) LastStatus() int { return tc.lastStatus }

// GetResponseField pulls a top-level field from the last JSON response.
func (tc *TestContext) GetResponseField(field string) (interface{}, error) {
	if tc.lastJSON == nil {
		return nil, fmt.Errorf("last response was not a JSON object: %s", string(tc.lastBody))
	}
	value, ok := tc.lastJSON[field]
	if !ok {
		return nil, fmt.Errorf("field %q not present in response: %s", field, string(tc.lastBody))
	}
	return value, nil
}

// ResponseContains reports whether the last JSON response has the field.
func (tc *TestContext) ResponseContains(field string) bool {
	_, ok := tc.lastJSON[field]
	return ok
}

// Credentials returns the API client id and secret for the gateway.
func (tc *TestContext) Credentials() (string, string) { return tc.ClientID, tc.ClientSecret }

// GetAccessToken returns the bearer token captured by the auth steps.
func (tc *TestContext) GetAccessToken() string { return tc.accessToken }

// SetAccessToken stores the bearer token used on subsequent requests.
func (tc *TestContext) SetAccessToken(token string) { tc.accessToken = token }

// GetSessionID returns the transfer session captured by the transfer steps.
func (tc *TestContext) GetSessionID() string { return tc.sessionID }

// SetSessionID stores the session a scenario is working with.
func (tc *TestContext) SetSessionID(id string) { tc.sessionID = id }
