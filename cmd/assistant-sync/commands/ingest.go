package commands

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/urfave/cli/v3"

	"github.com/jinford/assistant-sync/internal/core/ingestion"
)

// IngestWatchAction は取り込みジョブの進捗を終端状態まで表示するコマンドのアクション
func IngestWatchAction(ctx context.Context, cmd *cli.Command) error {
	documentID := cmd.String("document")
	progressID := cmd.String("progress-id")
	envFile := cmd.String("env")

	// 共通コンテキストの初期化
	appCtx, err := NewAppContext(ctx, envFile)
	if err != nil {
		return err
	}
	defer appCtx.Close()

	// ドキュメント情報の取得失敗は進捗の表示を妨げない
	doc, err := appCtx.Container.Document(ctx, documentID)
	if err != nil {
		appCtx.Logger().Warn("ドキュメントの取得に失敗", "document_id", documentID, "error", err)
	} else {
		printDocumentHeader(os.Stdout, doc)
	}

	tracker := appCtx.Container.NewIngestionTracker(documentID, progressID,
		ingestion.WithObserver(func(p ingestion.Progress) { printProgressLine(os.Stdout, p) }),
	)
	return watch(ctx, tracker)
}

// IngestRetryAction は失敗した取り込みを再実行するコマンドのアクション
func IngestRetryAction(ctx context.Context, cmd *cli.Command) error {
	documentID := cmd.String("document")
	follow := cmd.Bool("watch")
	envFile := cmd.String("env")

	// 共通コンテキストの初期化
	appCtx, err := NewAppContext(ctx, envFile)
	if err != nil {
		return err
	}
	defer appCtx.Close()

	opts := []ingestion.Option{}
	if follow {
		opts = append(opts, ingestion.WithObserver(func(p ingestion.Progress) { printProgressLine(os.Stdout, p) }))
	}
	tracker := appCtx.Container.NewIngestionTracker(documentID, "", opts...)

	appCtx.Logger().Info("取り込みの再実行を開始", "document_id", documentID)
	if err := tracker.Retry(ctx); err != nil {
		return err
	}
	if !follow {
		tracker.Stop()
		fmt.Fprintf(os.Stdout, "retry accepted: %s (progress_id=%s)\n", documentID, tracker.Progress().ProgressID)
		return nil
	}
	return watch(ctx, tracker)
}

// watch は終端状態かキャンセルまで待ち、最終結果を表示する
func watch(ctx context.Context, tracker *ingestion.Tracker) error {
	tracker.Start(ctx)
	defer tracker.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-tracker.Done():
	}

	p := tracker.Progress()
	printProgressSummary(os.Stdout, p)
	if p.Status == ingestion.StatusFailed {
		return fmt.Errorf("取り込みに失敗しました: %s", p.DocumentID)
	}
	if p.ProgressErr != nil {
		return fmt.Errorf("進捗の取得に失敗: %w", p.ProgressErr)
	}
	return nil
}

// printDocumentHeader は監視対象のドキュメントを表示する
func printDocumentHeader(w io.Writer, d ingestion.Document) {
	fmt.Fprintf(w, "document: %s (%s)\n", d.Title, d.ID)
	fmt.Fprintf(w, "status:   %s\n", d.Status)
	if d.SourceURL != "" {
		fmt.Fprintf(w, "source:   %s\n", d.SourceURL)
	}
}

// printProgressLine は進捗を1行で表示する
func printProgressLine(w io.Writer, p ingestion.Progress) {
	eta := "-"
	if p.EstimatedSecondsRemaining != nil {
		eta = fmt.Sprintf("%.0fs", *p.EstimatedSecondsRemaining)
	}
	line := fmt.Sprintf("[%s] %d/%d chunks (%.1f%%) embedded=%d rate=%.2f/s eta=%s",
		p.Status, p.ProcessedCount, p.TotalCount, p.Percent(), p.EmbeddedCount, p.ChunksPerSecond, eta)
	if p.RetryCount > 0 {
		line += fmt.Sprintf(" retry=%d", p.RetryCount)
	}
	if p.ProgressErr != nil {
		line += fmt.Sprintf(" error=%v", p.ProgressErr)
	}
	fmt.Fprintln(w, line)
}

// printProgressSummary は終端状態の詳細を表示する
func printProgressSummary(w io.Writer, p ingestion.Progress) {
	fmt.Fprintln(w, "=== Ingestion Result ===")
	fmt.Fprintf(w, "document: %s\n", p.DocumentID)
	fmt.Fprintf(w, "status:   %s\n", p.Status)
	fmt.Fprintf(w, "chunks:   %d/%d\n", p.ProcessedCount, p.TotalCount)
	if p.Document != nil {
		fmt.Fprintf(w, "title:    %s\n", p.Document.Title)
	}
	if p.ErrorMessage != "" {
		fmt.Fprintf(w, "error:    %s\n", p.ErrorMessage)
	}
	if p.ErrorDetail != nil {
		fmt.Fprintf(w, "detail:   %s\n", p.ErrorDetail.Message)
		for _, fc := range p.ErrorDetail.FailedChunks {
			fmt.Fprintf(w, "  - chunk %d: %s\n", fc.Index, fc.Reason)
		}
	}
}
