package embedding

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"time"
)

const (
	OpenAIDefaultBaseURL   = "https://api.openai.com/v1"
	OpenAIDefaultModel     = "text-embedding-3-small"
	OpenAIDefaultDimension = 1536
	openAIHTTPTimeout      = 30 * time.Second
)

// OpenAIConfig holds settings for the OpenAI-compatible embedding client.
type OpenAIConfig struct {
	BaseURL    string        // endpoint root, e.g. https://api.openai.com/v1
	APIKey     string        // bearer token (required)
	Model      string        // model name requested from the endpoint
	Dimensions int           // vector width the model produces
	Timeout    time.Duration // per-request HTTP timeout
}

// OpenAIClient talks to any OpenAI-compatible /embeddings endpoint
// (OpenAI itself, LiteLLM proxies, local inference servers).
type OpenAIClient struct {
	client     *http.Client
	baseURL    string
	apiKey     string
	model      string
	dimensions int
}

type openAIEmbedRequest struct {
	Input          []string `json:"input"`
	Model          string   `json:"model"`
	EncodingFormat string   `json:"encoding_format"`
}

type openAIEmbedResponse struct {
	Data []struct {
		Embedding []float32 `json:"embedding"`
		Index     int       `json:"index"`
	} `json:"data"`
	Model string `json:"model"`
}

// NewOpenAIClient creates an embedding client for an OpenAI-compatible endpoint.
func NewOpenAIClient(cfg OpenAIConfig) (*OpenAIClient, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("embedding API key is required")
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = OpenAIDefaultBaseURL
	}
	if cfg.Model == "" {
		cfg.Model = OpenAIDefaultModel
	}
	if cfg.Dimensions <= 0 {
		cfg.Dimensions = OpenAIDefaultDimension
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = openAIHTTPTimeout
	}

	return &OpenAIClient{
		client:     &http.Client{Timeout: cfg.Timeout},
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:     cfg.APIKey,
		model:      cfg.Model,
		dimensions: cfg.Dimensions,
	}, nil
}

// Dimensions returns the vector width the configured model produces.
func (c *OpenAIClient) Dimensions() int { return c.dimensions }

// GenerateEmbeddings embeds the given texts in one request and returns the
// vectors in input order along with the serving model name.
func (c *OpenAIClient) GenerateEmbeddings(ctx context.Context, texts []string) ([][]float32, string, error) {
	if len(texts) == 0 {
		return nil, c.model, nil
	}

	reqBody := openAIEmbedRequest{
		Input:          texts,
		Model:          c.model,
		EncodingFormat: "float",
	}

	body, err := json.Marshal(reqBody)
	if err != nil {
		return nil, "", fmt.Errorf("marshal embedding request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/embeddings", bytes.NewReader(body))
	if err != nil {
		return nil, "", fmt.Errorf("create embedding request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, "", fmt.Errorf("send embedding request to %s: %w", c.baseURL, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		bodySnippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, "", fmt.Errorf("embedding API error (model=%s, status=%d): %s",
			c.model, resp.StatusCode, strings.TrimSpace(string(bodySnippet)))
	}

	var embedResp openAIEmbedResponse
	if err := json.NewDecoder(resp.Body).Decode(&embedResp); err != nil {
		return nil, "", fmt.Errorf("decode embedding response from %s: %w", c.baseURL, err)
	}

	// Sort by index to preserve input order
	sort.Slice(embedResp.Data, func(i, j int) bool {
		return embedResp.Data[i].Index < embedResp.Data[j].Index
	})

	results := make([][]float32, len(embedResp.Data))
	for i, d := range embedResp.Data {
		results[i] = d.Embedding
	}

	if len(results) != len(texts) {
		return nil, "", fmt.Errorf("embedding API returned %d results for %d inputs (model=%s)",
			len(results), len(texts), c.model)
	}

	model := embedResp.Model
	if model == "" {
		model = c.model
	}
	return results, model, nil
}

// Compile-time check: OpenAIClient must satisfy Port.
var _ Port = (*OpenAIClient)(nil)
