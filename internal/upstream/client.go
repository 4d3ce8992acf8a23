// Package upstream is the HTTP client for Ollama-compatible backends. The
// bearer secret is an argument to every call, injected at send time, so
// credential rotation between attempts is honored without rebuilding the
// client.
package upstream

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/jmallek/llamagate/internal/types"
)

// API paths for the fixed upstream operation set.
const (
	pathGenerate  = "/api/generate"
	pathChat      = "/api/chat"
	pathEmbed     = "/api/embed"
	pathTags      = "/api/tags"
	pathShow      = "/api/show"
	pathPS        = "/api/ps"
	pathWebSearch = "/api/web_search"
	pathWebFetch  = "/api/web_fetch"
)

// Client issues requests against one backend base URL.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// NewClient creates a client for the given base URL. Compression is
// disabled so streamed responses are never buffered by the transport.
func NewClient(baseURL string) *Client {
	return &Client{
		baseURL: baseURL,
		httpClient: &http.Client{
			Transport: &http.Transport{DisableCompression: true},
		},
	}
}

// newRequest builds a JSON request with the bearer secret set from the
// currently active credential.
func (c *Client) newRequest(ctx context.Context, method, path, secret string, body any) (*http.Request, error) {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("failed to encode request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if secret != "" {
		req.Header.Set("Authorization", "Bearer "+secret)
	}
	return req, nil
}

// do sends the request and maps non-2xx responses to UpstreamError. On
// success the caller owns the response body.
func (c *Client) do(req *http.Request) (*http.Response, error) {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode >= 400 {
		defer resp.Body.Close()
		return nil, readError(resp)
	}
	return resp, nil
}

// readError extracts the upstream error message from a failed response.
func readError(resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))

	var payload struct {
		Error string `json:"error"`
	}
	msg := ""
	if err := json.Unmarshal(body, &payload); err == nil {
		msg = payload.Error
	}
	if msg == "" {
		msg = http.StatusText(resp.StatusCode)
	}
	return &types.UpstreamError{StatusCode: resp.StatusCode, Message: msg}
}

// postJSON sends a request and decodes a single JSON response into out.
func (c *Client) postJSON(ctx context.Context, path, secret string, body, out any) error {
	req, err := c.newRequest(ctx, http.MethodPost, path, secret, body)
	if err != nil {
		return err
	}
	resp, err := c.do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

func (c *Client) getJSON(ctx context.Context, path, secret string, out any) error {
	req, err := c.newRequest(ctx, http.MethodGet, path, secret, nil)
	if err != nil {
		return err
	}
	resp, err := c.do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

// Chat issues a non-streamed chat turn.
func (c *Client) Chat(ctx context.Context, secret string, req *types.ChatRequest) (*types.ChatResponse, error) {
	r := *req
	r.Stream = boolPtr(false)
	var out types.ChatResponse
	if err := c.postJSON(ctx, pathChat, secret, &r, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// ChatStream issues a streamed chat turn and returns a pull-based stream of
// response objects. The caller must Close the stream.
func (c *Client) ChatStream(ctx context.Context, secret string, req *types.ChatRequest) (*Stream[types.ChatResponse], error) {
	r := *req
	r.Stream = boolPtr(true)
	return openStream[types.ChatResponse](c, ctx, pathChat, secret, &r)
}

// Generate issues a non-streamed completion.
func (c *Client) Generate(ctx context.Context, secret string, req *types.GenerateRequest) (*types.GenerateResponse, error) {
	r := *req
	r.Stream = boolPtr(false)
	var out types.GenerateResponse
	if err := c.postJSON(ctx, pathGenerate, secret, &r, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// GenerateStream issues a streamed completion.
func (c *Client) GenerateStream(ctx context.Context, secret string, req *types.GenerateRequest) (*Stream[types.GenerateResponse], error) {
	r := *req
	r.Stream = boolPtr(true)
	return openStream[types.GenerateResponse](c, ctx, pathGenerate, secret, &r)
}

// Embed computes embeddings for the request input.
func (c *Client) Embed(ctx context.Context, secret string, req *types.EmbedRequest) (*types.EmbedResponse, error) {
	var out types.EmbedResponse
	if err := c.postJSON(ctx, pathEmbed, secret, req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// ListModels lists installed models.
func (c *Client) ListModels(ctx context.Context, secret string) (*types.ListResponse, error) {
	var out types.ListResponse
	if err := c.getJSON(ctx, pathTags, secret, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// ShowModel returns metadata for one model.
func (c *Client) ShowModel(ctx context.Context, secret string, req *types.ShowRequest) (*types.ShowResponse, error) {
	var out types.ShowResponse
	if err := c.postJSON(ctx, pathShow, secret, req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// ListRunning lists models currently loaded in backend memory.
func (c *Client) ListRunning(ctx context.Context, secret string) (*types.ProcessResponse, error) {
	var out types.ProcessResponse
	if err := c.getJSON(ctx, pathPS, secret, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// WebSearch runs a backend-side web search.
func (c *Client) WebSearch(ctx context.Context, secret string, req *types.WebSearchRequest) (*types.WebSearchResponse, error) {
	var out types.WebSearchResponse
	if err := c.postJSON(ctx, pathWebSearch, secret, req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// WebFetch fetches and extracts one page.
func (c *Client) WebFetch(ctx context.Context, secret string, req *types.WebFetchRequest) (*types.WebFetchResponse, error) {
	var out types.WebFetchResponse
	if err := c.postJSON(ctx, pathWebFetch, secret, req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func boolPtr(b bool) *bool { return &b }
