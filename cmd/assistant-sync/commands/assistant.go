package commands

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/urfave/cli/v3"

	"github.com/jinford/assistant-sync/internal/core/assistant"
)

// AssistantShowAction はアシスタントの詳細（記憶・振り返り・信頼度・診断）を表示するコマンドのアクション
func AssistantShowAction(ctx context.Context, cmd *cli.Command) error {
	assistantID := cmd.String("id")
	envFile := cmd.String("env")
	opts := assistant.Options{
		Limit:        int(cmd.Int("limit")),
		Offset:       int(cmd.Int("offset")),
		PauseOnError: cmd.Bool("pause-on-error"),
	}

	// 共通コンテキストの初期化
	appCtx, err := NewAppContext(ctx, envFile)
	if err != nil {
		return err
	}
	defer appCtx.Close()

	coord := appCtx.Container.NewAssistantCoordinator(assistantID, opts)
	defer coord.Close()

	details := coord.Load(ctx)
	if cmd.Bool("refresh") && !details.Paused {
		coord.RefreshAll(ctx)
		coord.Wait()
		details = coord.Snapshot()
	}

	printDetails(os.Stdout, details)
	return pauseError(details)
}

// pauseError は一時停止の原因となったエラーを返す。一時停止していなければnil
func pauseError(d assistant.Details) error {
	if !d.Paused {
		return nil
	}
	return fmt.Errorf("バックエンドが過負荷のため一時停止しています: %w", d.PauseErr)
}

// printDetails はアシスタント詳細を表示する
func printDetails(w io.Writer, d assistant.Details) {
	fmt.Fprintf(w, "=== Assistant %s ===\n", d.AssistantID)
	if d.Paused {
		fmt.Fprintln(w, "(paused)")
	}

	fmt.Fprintf(w, "\nMemories (%d/%d)\n", len(d.Memories), d.TotalMemories)
	if d.MemoriesErr != nil {
		fmt.Fprintf(w, "  error: %v\n", d.MemoriesErr)
	}
	for _, m := range d.Memories {
		fmt.Fprintf(w, "  - [%s] %s\n", m.ID, m.Content)
	}

	fmt.Fprintf(w, "\nReflections (%d)\n", len(d.Reflections))
	if d.ReflectionsErr != nil {
		fmt.Fprintf(w, "  error: %v\n", d.ReflectionsErr)
	}
	for _, r := range d.Reflections {
		fmt.Fprintf(w, "  - %s\n", r.Summary)
	}

	fmt.Fprintln(w, "\nTrust Profile")
	switch {
	case d.ProfileErr != nil:
		fmt.Fprintf(w, "  error: %v\n", d.ProfileErr)
	case d.TrustProfile != nil:
		fmt.Fprintf(w, "  score: %.2f (%s)\n", d.TrustProfile.Score, d.TrustProfile.Level)
	default:
		fmt.Fprintln(w, "  -")
	}

	fmt.Fprintln(w, "\nDiagnostics")
	switch {
	case d.DiagnosticsErr != nil:
		fmt.Fprintf(w, "  error: %v\n", d.DiagnosticsErr)
	case d.Diagnostics != nil:
		fmt.Fprintf(w, "  healthy: %t\n", d.Diagnostics.Healthy)
		for _, issue := range d.Diagnostics.Issues {
			fmt.Fprintf(w, "  - %s\n", issue)
		}
	default:
		fmt.Fprintln(w, "  -")
	}
}
