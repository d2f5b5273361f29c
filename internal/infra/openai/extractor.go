package openai

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"
	"github.com/openai/openai-go/v3/shared"

	"github.com/bitb-ltd/retrieval/internal/core/retrieval"
)

const (
	// DefaultExtractorModel はデフォルトで使用するOpenAIモデル
	DefaultExtractorModel = "gpt-4o-mini"

	// DefaultTimeout は1回のAPI呼び出しあたりのデフォルトタイムアウト
	DefaultTimeout = 60 * time.Second

	// MaxRetries はレート制限エラー時の最大リトライ回数
	MaxRetries = 3

	// BaseBackoff はExponential Backoffの基底時間
	BaseBackoff = 2 * time.Second

	// MaxBackoff はExponential Backoffの最大待機時間
	MaxBackoff = 32 * time.Second
)

var (
	// ErrAPIKeyNotSet はAPIキーが設定されていない場合のエラー
	ErrAPIKeyNotSet = errors.New("OpenAI API key not set")

	// ErrInvalidResponseFormat は不正なレスポンス形式のエラー
	ErrInvalidResponseFormat = errors.New("invalid response format")

	// ErrMaxRetriesExceeded は最大リトライ回数を超過した場合のエラー
	ErrMaxRetriesExceeded = errors.New("max retries exceeded")

	// ErrUnknownExtractorKind は未知の抽出器種別のエラー
	ErrUnknownExtractorKind = errors.New("unknown extractor kind")
)

// extractorPrompts は抽出器種別ごとのプロンプトテンプレート。
// どの種別もJSONオブジェクト {"values": [...]} を返すよう指示する。
var extractorPrompts = map[retrieval.ExtractorKind]string{
	retrieval.ExtractorKeywords: `Extract up to 10 salient keywords from the following text.
Respond with a JSON object of the form {"values": ["keyword", ...]}.

Text:
%s`,
	retrieval.ExtractorSummary: `Summarize the following text in a single sentence.
Respond with a JSON object of the form {"values": ["summary sentence"]}.

Text:
%s`,
	retrieval.ExtractorQuestions: `List up to 5 questions that the following text answers.
Respond with a JSON object of the form {"values": ["question", ...]}.

Text:
%s`,
	retrieval.ExtractorEntities: `Extract the named entities (people, organizations, places, products) mentioned in the following text.
Respond with a JSON object of the form {"values": ["entity", ...]}.

Text:
%s`,
}

// Extractor は OpenAI の Chat Completions API でチャンクテキストから
// メタデータを抽出する。retrieval.Extractor を実装する。
type Extractor struct {
	client  openai.Client
	model   string
	kind    retrieval.ExtractorKind
	timeout time.Duration
	baseURL string
}

// ExtractorOption は Extractor のオプション設定
type ExtractorOption func(*Extractor)

// WithExtractorModel はモデル名を上書きする
func WithExtractorModel(model string) ExtractorOption {
	return func(e *Extractor) {
		e.model = model
	}
}

// WithExtractorTimeout は1回のAPI呼び出しあたりのタイムアウトを設定する
func WithExtractorTimeout(timeout time.Duration) ExtractorOption {
	return func(e *Extractor) {
		e.timeout = timeout
	}
}

// WithExtractorBaseURL はAPIのベースURLを上書きする（互換エンドポイント用）
func WithExtractorBaseURL(baseURL string) ExtractorOption {
	return func(e *Extractor) {
		e.baseURL = baseURL
	}
}

// NewExtractor は新しい Extractor を作成する
func NewExtractor(apiKey string, kind retrieval.ExtractorKind, opts ...ExtractorOption) (*Extractor, error) {
	if apiKey == "" {
		return nil, ErrAPIKeyNotSet
	}
	if _, ok := extractorPrompts[kind]; !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownExtractorKind, kind)
	}

	e := &Extractor{
		model:   DefaultExtractorModel,
		kind:    kind,
		timeout: DefaultTimeout,
	}
	for _, opt := range opts {
		opt(e)
	}

	// リトライはこちらのバックオフループで制御するためSDK側は無効にする
	clientOpts := []option.RequestOption{
		option.WithAPIKey(apiKey),
		option.WithMaxRetries(0),
	}
	if e.baseURL != "" {
		clientOpts = append(clientOpts, option.WithBaseURL(e.baseURL))
	}
	e.client = openai.NewClient(clientOpts...)
	return e, nil
}

var _ retrieval.Extractor = (*Extractor)(nil)

// Kind は抽出器の種別を返す
func (e *Extractor) Kind() retrieval.ExtractorKind {
	return e.kind
}

// ExtractBatch はテキストごとにメタデータを抽出する。
// 返り値は入力と同じ長さ・同じ順序になる。
func (e *Extractor) ExtractBatch(ctx context.Context, texts []string) ([]retrieval.ExtractResult, error) {
	results := make([]retrieval.ExtractResult, len(texts))
	for i, text := range texts {
		values, err := e.extractOne(ctx, text)
		if err != nil {
			return nil, fmt.Errorf("failed to extract %s: %w", e.kind, err)
		}
		results[i] = retrieval.ExtractResult{Values: values}
	}
	return results, nil
}

type extractorResponse struct {
	Values []string `json:"values"`
}

func (e *Extractor) extractOne(ctx context.Context, text string) ([]string, error) {
	prompt := fmt.Sprintf(extractorPrompts[e.kind], text)

	var lastErr error
	for attempt := 0; attempt <= MaxRetries; attempt++ {
		if attempt > 0 {
			backoffDuration := time.Duration(math.Pow(2, float64(attempt-1))) * BaseBackoff
			if backoffDuration > MaxBackoff {
				backoffDuration = MaxBackoff
			}

			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(backoffDuration):
			}
		}

		params := openai.ChatCompletionNewParams{
			Model: shared.ChatModel(e.model),
			Messages: []openai.ChatCompletionMessageParamUnion{
				openai.UserMessage(prompt),
			},
			ResponseFormat: openai.ChatCompletionNewParamsResponseFormatUnion{
				OfJSONObject: &shared.ResponseFormatJSONObjectParam{
					Type: "json_object",
				},
			},
		}

		// タイムアウトは試行ごとに適用する（バックオフ待機は含めない）
		attemptCtx, cancel := context.WithTimeout(ctx, e.timeout)
		completion, err := e.client.Chat.Completions.New(attemptCtx, params)
		cancel()
		if err != nil {
			lastErr = err

			if isRateLimitError(err) {
				continue
			}

			return nil, fmt.Errorf("OpenAI API call failed: %w", err)
		}

		if len(completion.Choices) == 0 {
			return nil, fmt.Errorf("no completion choices returned")
		}

		var parsed extractorResponse
		if err := json.Unmarshal([]byte(completion.Choices[0].Message.Content), &parsed); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidResponseFormat, err)
		}
		return parsed.Values, nil
	}

	return nil, fmt.Errorf("%w: %v", ErrMaxRetriesExceeded, lastErr)
}

func isRateLimitError(err error) bool {
	if err == nil {
		return false
	}

	var apiErr *openai.Error
	if errors.As(err, &apiErr) {
		return apiErr.StatusCode == 429
	}

	return false
}
