package embedhttp

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/bitb-ltd/retrieval/internal/core/embedding"
)

// DefaultTimeout はEmbeddingサービスへのリクエストタイムアウトの既定値
const DefaultTimeout = 30 * time.Second

// embedBatchPath はバッチEmbedding生成のエンドポイント
const embedBatchPath = "/embed-batch"

// Client は自前ホストのEmbeddingサービスを呼び出す HTTP クライアント。
// embedding.Client を実装する。
type Client struct {
	baseURL      string
	model        string
	dimension    int
	maxBatchSize int
	httpClient   *http.Client
}

// ClientOption は Client のオプション設定
type ClientOption func(*Client)

// WithTimeout はリクエストタイムアウトを設定する
func WithTimeout(timeout time.Duration) ClientOption {
	return func(c *Client) {
		c.httpClient.Timeout = timeout
	}
}

// WithHTTPClient は http.Client を差し替える
func WithHTTPClient(httpClient *http.Client) ClientOption {
	return func(c *Client) {
		c.httpClient = httpClient
	}
}

// WithMaxBatchSize はサービスが受け付ける最大バッチサイズを設定する
func WithMaxBatchSize(n int) ClientOption {
	return func(c *Client) {
		c.maxBatchSize = n
	}
}

// NewClient は新しい Client を返す。
func NewClient(baseURL string, model string, dimension int, opts ...ClientOption) (*Client, error) {
	if _, err := url.Parse(baseURL); err != nil {
		return nil, fmt.Errorf("invalid base URL: %w", err)
	}

	c := &Client{
		baseURL:    baseURL,
		model:      model,
		dimension:  dimension,
		httpClient: &http.Client{Timeout: DefaultTimeout},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

var _ embedding.Client = (*Client)(nil)

type embedBatchRequest struct {
	Texts []string `json:"texts"`
}

type embedBatchResponse struct {
	Embeddings [][]float32 `json:"embeddings"`
}

// EmbedBatch は1バッチ分のテキストのEmbeddingを生成する。
func (c *Client) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	body, err := json.Marshal(embedBatchRequest{Texts: texts})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+embedBatchPath, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to call embedding service: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return nil, fmt.Errorf("embedding service returned status %d: %s", resp.StatusCode, string(detail))
	}

	var parsed embedBatchResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}

	if len(parsed.Embeddings) != len(texts) {
		return nil, fmt.Errorf("embedding service returned %d vectors for %d texts", len(parsed.Embeddings), len(texts))
	}
	return parsed.Embeddings, nil
}

// ModelName はモデル名を返す。
func (c *Client) ModelName() string {
	return c.model
}

// Dimension はベクトル次元数を返す。
func (c *Client) Dimension() int {
	return c.dimension
}

// MaxBatchSize はサービスが受け付ける最大バッチサイズを返す。
// 0 の場合は制限なし。
func (c *Client) MaxBatchSize() int {
	return c.maxBatchSize
}
