package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/urfave/cli/v3"

	"github.com/jinford/assistant-sync/cmd/assistant-sync/commands"
)

func envFlag() cli.Flag {
	return &cli.StringFlag{
		Name:  "env",
		Usage: "環境変数ファイルパス",
		Value: ".env",
	}
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	app := &cli.Command{
		Name:  "assistant-sync",
		Usage: "アシスタントバックエンドの非同期ジョブとリソースを同期するクライアント",
		Commands: []*cli.Command{
			{
				Name:  "task",
				Usage: "非同期ジョブ管理コマンド",
				Commands: []*cli.Command{
					{
						Name:  "trigger",
						Usage: "ジョブを起動し完了までポーリング",
						Flags: []cli.Flag{
							envFlag(),
							&cli.StringFlag{
								Name:     "endpoint",
								Usage:    "ジョブ起動エンドポイント（例: /assistants/<id>/reflect/）",
								Required: true,
							},
							&cli.StringFlag{
								Name:  "data",
								Usage: "リクエストボディ（JSON）",
							},
						},
						Action: commands.TaskTriggerAction,
					},
				},
			},
			{
				Name:  "ingest",
				Usage: "ドキュメント取り込み管理コマンド",
				Commands: []*cli.Command{
					{
						Name:  "watch",
						Usage: "取り込みの進捗を完了まで表示",
						Flags: []cli.Flag{
							envFlag(),
							&cli.StringFlag{
								Name:     "document",
								Usage:    "ドキュメントID",
								Required: true,
							},
							&cli.StringFlag{
								Name:  "progress-id",
								Usage: "進捗ID（省略時はドキュメントID）",
							},
						},
						Action: commands.IngestWatchAction,
					},
					{
						Name:  "retry",
						Usage: "失敗した取り込みを再実行",
						Flags: []cli.Flag{
							envFlag(),
							&cli.StringFlag{
								Name:     "document",
								Usage:    "ドキュメントID",
								Required: true,
							},
							&cli.BoolFlag{
								Name:  "watch",
								Usage: "再実行後に進捗を表示",
							},
						},
						Action: commands.IngestRetryAction,
					},
				},
			},
			{
				Name:  "assistant",
				Usage: "アシスタント管理コマンド",
				Commands: []*cli.Command{
					{
						Name:  "show",
						Usage: "アシスタントの記憶・振り返り・信頼度・診断を表示",
						Flags: []cli.Flag{
							envFlag(),
							&cli.StringFlag{
								Name:     "id",
								Usage:    "アシスタントID",
								Required: true,
							},
							&cli.IntFlag{
								Name:  "limit",
								Usage: "記憶の1ページあたりの件数",
								Value: 20,
							},
							&cli.IntFlag{
								Name:  "offset",
								Usage: "記憶の取得開始位置",
							},
							&cli.BoolFlag{
								Name:  "pause-on-error",
								Usage: "記憶一覧のレート制限でビュー全体を一時停止",
							},
							&cli.BoolFlag{
								Name:  "refresh",
								Usage: "読み込み後に全リソースを再取得",
							},
						},
						Action: commands.AssistantShowAction,
					},
				},
			},
		},
	}

	if err := app.Run(ctx, os.Args); err != nil {
		log.Fatal(err)
	}
}
