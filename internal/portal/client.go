package portal

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"ChatPortal/internal/api"
	"ChatPortal/internal/session"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

// APIError is a non-2xx response. Detail is empty when the body carried none.
type APIError struct {
	Status int
	Detail string
}

func (e *APIError) Error() string {
	if e.Detail == "" {
		return fmt.Sprintf("api returned status %d", e.Status)
	}
	return fmt.Sprintf("api returned status %d: %s", e.Status, e.Detail)
}

// Client calls the portal API. Any error that is not an *APIError means the
// request could not complete.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// NewClient creates a client for the API at baseURL. A nil httpClient gets a
// traced default with no timeout.
func NewClient(baseURL string, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Transport: otelhttp.NewTransport(http.DefaultTransport)}
	}
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: httpClient,
	}
}

// Login exchanges credentials for a bearer token
func (c *Client) Login(ctx context.Context, username, password string) (api.TokenResponse, error) {
	var out api.TokenResponse
	err := c.do(ctx, http.MethodPost, api.PathLogin, "", api.LoginRequest{Username: username, Password: password}, &out)
	return out, err
}

// Query runs a retrieval-augmented search
func (c *Client) Query(ctx context.Context, token, query, model string) (api.RAGResponse, error) {
	var out api.RAGResponse
	err := c.do(ctx, http.MethodPost, api.PathRAGQuery, token, api.RAGRequest{Query: query, Model: model}, &out)
	return out, err
}

// Chat sends a message with the full transcript
func (c *Client) Chat(ctx context.Context, token, message string, history []session.Message, model string) (api.ChatResponse, error) {
	if history == nil {
		history = []session.Message{}
	}
	var out api.ChatResponse
	err := c.do(ctx, http.MethodPost, api.PathChat, token, api.ChatRequest{Message: message, History: history, Model: model}, &out)
	return out, err
}

// Models lists the models accepted at path (api.PathRAGModels or api.PathChatModels)
func (c *Client) Models(ctx context.Context, path string) (api.ModelsResponse, error) {
	var out api.ModelsResponse
	err := c.do(ctx, http.MethodGet, path, "", nil, &out)
	return out, err
}

func (c *Client) do(ctx context.Context, method, path, token string, in, out any) error {
	var body io.Reader
	if in != nil {
		raw, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("failed to marshal request: %w", err)
		}
		body = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		var e api.ErrorResponse
		if json.Unmarshal(raw, &e) != nil {
			return &APIError{Status: resp.StatusCode}
		}
		return &APIError{Status: resp.StatusCode, Detail: e.DetailText()}
	}

	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}
