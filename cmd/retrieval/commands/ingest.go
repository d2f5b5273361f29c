package commands

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/urfave/cli/v3"

	"github.com/bitb-ltd/retrieval/internal/core/retrieval"
	"github.com/bitb-ltd/retrieval/internal/core/tenant"
)

// IngestAction はドキュメントを取り込むコマンドのアクション
func IngestAction(ctx context.Context, cmd *cli.Command) error {
	envFile := cmd.String("env")
	tenantID := tenant.ID(cmd.String("tenant"))
	filePath := cmd.String("file")
	documentID := cmd.String("document-id")

	metadata, err := parseMetadataFlags(cmd.StringSlice("metadata"))
	if err != nil {
		return err
	}

	content, err := readContent(filePath)
	if err != nil {
		return err
	}

	slog.Info("ドキュメント取り込みを開始",
		"tenant", tenantID,
		"file", filePath,
		"bytes", len(content),
	)

	appCtx, err := NewAppContext(ctx, envFile)
	if err != nil {
		return err
	}
	defer appCtx.Close()

	if documentID != "" {
		metadata["document_id"] = documentID
	}

	result, err := appCtx.Container.Pipeline.Ingest(ctx, tenantID, retrieval.Document{
		Content:  content,
		Metadata: metadata,
	})
	if err != nil {
		slog.Error("ドキュメント取り込みに失敗", "error", err)
		return err
	}

	slog.Info("ドキュメント取り込みが完了",
		"tenant", tenantID,
		"chunks", result.ChunkCount,
		"duration", result.Duration,
	)
	return nil
}

// DeleteAction はドキュメントを削除するコマンドのアクション
func DeleteAction(ctx context.Context, cmd *cli.Command) error {
	envFile := cmd.String("env")
	tenantID := tenant.ID(cmd.String("tenant"))
	documentID := cmd.String("document-id")

	appCtx, err := NewAppContext(ctx, envFile)
	if err != nil {
		return err
	}
	defer appCtx.Close()

	if err := appCtx.Container.Pipeline.DeleteDocument(ctx, tenantID, documentID); err != nil {
		slog.Error("ドキュメント削除に失敗", "error", err)
		return err
	}

	slog.Info("ドキュメントを削除", "tenant", tenantID, "document_id", documentID)
	return nil
}

// PurgeAction はテナントの全データを削除するコマンドのアクション
func PurgeAction(ctx context.Context, cmd *cli.Command) error {
	envFile := cmd.String("env")
	tenantID := tenant.ID(cmd.String("tenant"))

	appCtx, err := NewAppContext(ctx, envFile)
	if err != nil {
		return err
	}
	defer appCtx.Close()

	if err := appCtx.Container.Pipeline.PurgeTenant(ctx, tenantID); err != nil {
		slog.Error("テナントパージに失敗", "error", err)
		return err
	}

	slog.Info("テナントの全データを削除", "tenant", tenantID)
	return nil
}

// readContent はファイルまたは標準入力からコンテンツを読み込む。
func readContent(filePath string) (string, error) {
	if filePath == "" || filePath == "-" {
		data, err := io.ReadAll(os.Stdin)
		if err != nil {
			return "", fmt.Errorf("標準入力の読み込みに失敗: %w", err)
		}
		return string(data), nil
	}

	data, err := os.ReadFile(filePath)
	if err != nil {
		return "", fmt.Errorf("ファイルの読み込みに失敗: %w", err)
	}
	return string(data), nil
}

// parseMetadataFlags は key=value 形式のフラグをメタデータへ変換する。
func parseMetadataFlags(pairs []string) (map[string]any, error) {
	metadata := make(map[string]any, len(pairs))
	for _, pair := range pairs {
		key, value, found := strings.Cut(pair, "=")
		if !found || key == "" {
			return nil, fmt.Errorf("不正なメタデータ形式です（key=value を期待）: %s", pair)
		}
		metadata[key] = value
	}
	return metadata, nil
}
