package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/urfave/cli/v3"

	"github.com/bitb-ltd/retrieval/internal/core/retrieval"
	"github.com/bitb-ltd/retrieval/internal/core/tenant"
)

// SearchAction はハイブリッド検索を実行するコマンドのアクション。
// --query を複数回指定するとバッチ検索になり、キャッシュと
// バッチ横断の重複排除が有効になる。
func SearchAction(ctx context.Context, cmd *cli.Command) error {
	envFile := cmd.String("env")
	tenantID := tenant.ID(cmd.String("tenant"))
	queries := cmd.StringSlice("query")
	topK := int(cmd.Int("top-k"))

	filter, err := parseFilterFlags(cmd.StringSlice("filter"))
	if err != nil {
		return err
	}

	if len(queries) == 0 {
		return fmt.Errorf("--query を1つ以上指定してください")
	}

	slog.Info("検索を開始", "tenant", tenantID, "queries", len(queries), "top_k", topK)

	appCtx, err := NewAppContext(ctx, envFile)
	if err != nil {
		return err
	}
	defer appCtx.Close()

	requests := make([]retrieval.RetrievalRequest, len(queries))
	for i, q := range queries {
		requests[i] = retrieval.RetrievalRequest{
			Query:  q,
			TopK:   topK,
			Filter: filter,
		}
	}

	results, err := appCtx.Container.BatchRetriever.RetrieveBatch(ctx, tenantID, requests)
	if err != nil {
		slog.Error("検索に失敗", "error", err)
		return err
	}

	return printResults(queries, results)
}

// searchOutput は検索結果のJSON出力形式
type searchOutput struct {
	Query     string      `json:"query"`
	Cached    bool        `json:"cached"`
	LatencyMs int64       `json:"latency_ms"`
	Error     string      `json:"error,omitempty"`
	Documents []docOutput `json:"documents"`
}

type docOutput struct {
	ID       string         `json:"id"`
	Content  string         `json:"content"`
	Score    float64        `json:"score"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

func printResults(queries []string, results []retrieval.BatchResult) error {
	outputs := make([]searchOutput, len(results))
	for i, res := range results {
		docs := make([]docOutput, len(res.Documents))
		for j, doc := range res.Documents {
			docs[j] = docOutput{
				ID:       doc.ID,
				Content:  doc.Content,
				Score:    doc.Score,
				Metadata: doc.Metadata,
			}
		}
		outputs[i] = searchOutput{
			Query:     queries[i],
			Cached:    res.Cached,
			LatencyMs: res.LatencyMs,
			Documents: docs,
		}
		if res.Err != nil {
			outputs[i].Error = res.Err.Error()
		}
	}

	encoder := json.NewEncoder(os.Stdout)
	encoder.SetIndent("", "  ")
	if err := encoder.Encode(outputs); err != nil {
		return fmt.Errorf("結果の出力に失敗: %w", err)
	}
	return nil
}

// parseFilterFlags は key=value 形式のフラグをフィルタへ変換する。
func parseFilterFlags(pairs []string) (map[string]string, error) {
	if len(pairs) == 0 {
		return nil, nil
	}

	filter := make(map[string]string, len(pairs))
	for _, pair := range pairs {
		key, value, found := strings.Cut(pair, "=")
		if !found || key == "" {
			return nil, fmt.Errorf("不正なフィルタ形式です（key=value を期待）: %s", pair)
		}
		filter[key] = value
	}
	return filter, nil
}
