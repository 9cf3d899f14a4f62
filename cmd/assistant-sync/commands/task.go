package commands

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/urfave/cli/v3"

	"github.com/jinford/assistant-sync/internal/core/task"
)

// TaskTriggerAction はジョブを起動し、完了までポーリングするコマンドのアクション
func TaskTriggerAction(ctx context.Context, cmd *cli.Command) error {
	endpoint := cmd.String("endpoint")
	data := cmd.String("data")
	envFile := cmd.String("env")

	var payload any
	if data != "" {
		if !json.Valid([]byte(data)) {
			return errors.New("--data はJSONで指定してください")
		}
		payload = json.RawMessage(data)
	}

	// 共通コンテキストの初期化
	appCtx, err := NewAppContext(ctx, envFile)
	if err != nil {
		return err
	}
	defer appCtx.Close()

	logger := appCtx.Logger()
	ctrl := appCtx.Container.NewTaskController(endpoint,
		task.WithObserver(func(s task.State) {
			logger.Info("ジョブ状態を更新", "phase", s.Phase, "status", s.Result.Status)
		}),
	)
	defer ctrl.Close()

	logger.Info("ジョブ起動を開始", "endpoint", endpoint)
	resp, err := ctrl.Trigger(ctx, payload)
	if err != nil {
		return fmt.Errorf("ジョブの起動に失敗: %w", err)
	}

	return printTaskResult(os.Stdout, ctrl.State(), resp)
}

// printTaskResult はジョブの最終結果を表示する
func printTaskResult(w io.Writer, state task.State, resp task.Response) error {
	fmt.Fprintf(w, "status: %s\n", resp.Status)
	if resp.TaskID != "" {
		fmt.Fprintf(w, "task_id: %s\n", resp.TaskID)
	}
	if state.PollErr != nil {
		fmt.Fprintf(w, "poll error: %v\n", state.PollErr)
	}
	if len(resp.Raw) > 0 {
		fmt.Fprintf(w, "response: %s\n", resp.Raw)
	}
	if resp.Status == task.StatusError {
		return errors.New("ジョブがエラーで終了しました")
	}
	return nil
}
