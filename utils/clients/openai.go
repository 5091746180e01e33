package clients

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/flowctl/flowctl/utils/retry"
)

const responsesEndpoint = "https://api.openai.com/v1/responses"

// ErrMissingAPIKey is the "missing-dependency" equivalent spec.md §4.5
// calls for: the adapter never requires an API key to construct, only
// to actually place a call.
var ErrMissingAPIKey = fmt.Errorf("OPENAI_API_KEY is not configured")

// OpenAIClient calls the hosted Responses API directly over net/http,
// following the teacher's own MoonshotProvider.SendPromptWithResponses
// (utils/models/moonshot.go), which does the same for a
// Responses-API-shaped endpoint rather than going through go-openai.
type OpenAIClient struct {
	APIKey     string
	HTTPClient *http.Client
	MaxRetries int
	// Endpoint defaults to responsesEndpoint; overridable so tests can
	// point the client at an httptest server instead of the real API.
	Endpoint string
}

// NewOpenAIClient builds a client with the teacher's default retry
// count (5) and a bare http.Client, matching moonshot.go's inline
// `client := &http.Client{}` construction.
func NewOpenAIClient(apiKey string) *OpenAIClient {
	return &OpenAIClient{
		APIKey:     apiKey,
		HTTPClient: &http.Client{},
		MaxRetries: 5,
		Endpoint:   responsesEndpoint,
	}
}

// Complete implements LLMClient.
func (c *OpenAIClient) Complete(req LLMRequest) (LLMResponse, error) {
	if c.APIKey == "" {
		return LLMResponse{}, ErrMissingAPIKey
	}

	body := map[string]interface{}{
		"model": req.Model,
		"input": req.Input,
	}
	if req.ReasoningEffort != "" {
		body["reasoning"] = map[string]interface{}{"effort": req.ReasoningEffort}
	}
	if req.ServiceTier != "" {
		body["service_tier"] = req.ServiceTier
	}
	if req.WebSearch {
		body["tools"] = []map[string]interface{}{{"type": "web_search_preview"}}
	}

	jsonBody, err := json.Marshal(body)
	if err != nil {
		return LLMResponse{}, fmt.Errorf("marshaling request body: %w", err)
	}

	result, err := retry.WithRetry(
		func() (interface{}, error) {
			return c.doRequest(jsonBody)
		},
		isNetworkError,
		retry.RetryConfig{
			MaxRetries:  c.MaxRetries,
			InitialWait: 1 * time.Second,
			MaxWait:     1 * time.Second,
			Factor:      1.0,
		},
	)
	if err != nil {
		return LLMResponse{}, err
	}

	raw := result.(map[string]interface{})
	return LLMResponse{Raw: raw, PrimaryText: extractPrimaryText(raw)}, nil
}

func (c *OpenAIClient) doRequest(jsonBody []byte) (map[string]interface{}, error) {
	httpReq, err := http.NewRequest(http.MethodPost, c.Endpoint, bytes.NewReader(jsonBody))
	if err != nil {
		return nil, fmt.Errorf("failed to create HTTP request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+c.APIKey)

	resp, err := c.HTTPClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("connection error calling OpenAI Responses API: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}

	if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
		return nil, fmt.Errorf("API request failed with status %d: %s", resp.StatusCode, string(respBody))
	}
	if resp.StatusCode != http.StatusOK {
		// Non-network 4xx errors fail fast; not retried.
		return nil, fmt.Errorf("openai: non-retryable status %d: %s", resp.StatusCode, string(respBody))
	}

	var decoded map[string]interface{}
	if err := json.Unmarshal(respBody, &decoded); err != nil {
		return nil, fmt.Errorf("decoding Responses API body: %w", err)
	}
	return decoded, nil
}

// isNetworkError classifies retryable errors: connection failures,
// timeouts, and hosted-API unavailability (429/5xx). Non-network
// errors (4xx other than 429, decode failures) are not retried.
func isNetworkError(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	if strings.Contains(msg, "non-retryable") {
		return false
	}
	return strings.Contains(msg, "connection error") ||
		strings.Contains(msg, "status 429") ||
		strings.Contains(msg, "status 5") ||
		strings.Contains(msg, "timeout")
}

// extractPrimaryText walks output[0].content[0].text, returning "" if
// the document doesn't have that shape.
func extractPrimaryText(doc map[string]interface{}) string {
	output, ok := doc["output"].([]interface{})
	if !ok || len(output) == 0 {
		return ""
	}
	item, ok := output[0].(map[string]interface{})
	if !ok {
		return ""
	}
	content, ok := item["content"].([]interface{})
	if !ok || len(content) == 0 {
		return ""
	}
	entry, ok := content[0].(map[string]interface{})
	if !ok {
		return ""
	}
	text, _ := entry["text"].(string)
	return text
}
