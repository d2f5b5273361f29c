package main

import (
	"context"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/urfave/cli/v3"

	"github.com/bitb-ltd/retrieval/cmd/retrieval/commands"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// 構造化ログの設定
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	app := &cli.Command{
		Name:  "retrieval",
		Usage: "マルチテナント検索パイプライン（セマンティックチャンク化・ハイブリッド検索）",
		Commands: []*cli.Command{
			{
				Name:  "ingest",
				Usage: "ドキュメントを取り込む",
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:  "env",
						Usage: "環境変数ファイルパス",
						Value: ".env",
					},
					&cli.StringFlag{
						Name:     "tenant",
						Usage:    "テナントID (例: tn_abc123)",
						Required: true,
					},
					&cli.StringFlag{
						Name:  "file",
						Usage: "入力ファイルパス（省略時または - は標準入力）",
					},
					&cli.StringFlag{
						Name:  "document-id",
						Usage: "論理ドキュメントID（削除時の識別に使用）",
					},
					&cli.StringSliceFlag{
						Name:  "metadata",
						Usage: "メタデータ (key=value、複数指定可)",
					},
				},
				Action: commands.IngestAction,
			},
			{
				Name:  "search",
				Usage: "ハイブリッド検索を実行",
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:  "env",
						Usage: "環境変数ファイルパス",
						Value: ".env",
					},
					&cli.StringFlag{
						Name:     "tenant",
						Usage:    "テナントID (例: tn_abc123)",
						Required: true,
					},
					&cli.StringSliceFlag{
						Name:     "query",
						Usage:    "検索クエリ（複数指定でバッチ検索）",
						Required: true,
					},
					&cli.IntFlag{
						Name:  "top-k",
						Usage: "返却する最大件数",
						Value: 10,
					},
					&cli.StringSliceFlag{
						Name:  "filter",
						Usage: "メタデータフィルタ (key=value、複数指定可)",
					},
				},
				Action: commands.SearchAction,
			},
			{
				Name:  "document",
				Usage: "ドキュメント管理コマンド",
				Commands: []*cli.Command{
					{
						Name:  "delete",
						Usage: "ドキュメントを削除",
						Flags: []cli.Flag{
							&cli.StringFlag{
								Name:  "env",
								Usage: "環境変数ファイルパス",
								Value: ".env",
							},
							&cli.StringFlag{
								Name:     "tenant",
								Usage:    "テナントID",
								Required: true,
							},
							&cli.StringFlag{
								Name:     "document-id",
								Usage:    "論理ドキュメントID",
								Required: true,
							},
						},
						Action: commands.DeleteAction,
					},
				},
			},
			{
				Name:  "tenant",
				Usage: "テナント管理コマンド",
				Commands: []*cli.Command{
					{
						Name:  "purge",
						Usage: "テナントの全データを削除",
						Flags: []cli.Flag{
							&cli.StringFlag{
								Name:  "env",
								Usage: "環境変数ファイルパス",
								Value: ".env",
							},
							&cli.StringFlag{
								Name:     "tenant",
								Usage:    "テナントID",
								Required: true,
							},
						},
						Action: commands.PurgeAction,
					},
				},
			},
		},
	}

	if err := app.Run(ctx, os.Args); err != nil {
		log.Fatal(err)
	}
}
