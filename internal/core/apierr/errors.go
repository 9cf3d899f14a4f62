package apierr

import (
	"context"
	"errors"
	"fmt"
	"net/http"
)

// Kind はバックエンド呼び出しエラーの分類
type Kind string

const (
	// KindTransientNetwork はHTTPレスポンスを得られなかった一時的なエラー（リトライ対象）
	KindTransientNetwork Kind = "transient_network"
	// KindRateLimited はHTTP 429。即時リトライではなく一時停止を意味する
	KindRateLimited Kind = "rate_limited"
	// KindServerFault はHTTP 5xx。ユーザーの明示的な操作なしにはリトライしない
	KindServerFault Kind = "server_fault"
	// KindValidation は429以外の4xx
	KindValidation Kind = "validation"
	// KindPollExhausted はステータスポーリング自体が失敗した場合の合成エラー
	KindPollExhausted Kind = "poll_exhausted"
	// KindCanceled はコンテキストのキャンセル
	KindCanceled Kind = "canceled"
)

// ErrPollExhausted はステータス取得に失敗してポーリングを打ち切ったことを示す
var ErrPollExhausted = errors.New("status poll failed")

// Error はバックエンドAPI呼び出しのエラー
type Error struct {
	Method   string
	Endpoint string
	// StatusCode が0の場合はHTTPレスポンスが得られていない
	StatusCode int
	Body       string
	Err        error
}

func (e *Error) Error() string {
	if e.StatusCode == 0 {
		return fmt.Sprintf("%s %s: %v", e.Method, e.Endpoint, e.Err)
	}
	if e.Body != "" {
		return fmt.Sprintf("%s %s: HTTP %d: %s", e.Method, e.Endpoint, e.StatusCode, e.Body)
	}
	return fmt.Sprintf("%s %s: HTTP %d", e.Method, e.Endpoint, e.StatusCode)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Kind はエラーの分類を返す
func (e *Error) Kind() Kind {
	switch {
	case e.StatusCode == 0:
		return KindTransientNetwork
	case e.StatusCode == http.StatusTooManyRequests:
		return KindRateLimited
	case e.StatusCode >= http.StatusInternalServerError:
		return KindServerFault
	default:
		return KindValidation
	}
}

// StatusCode はエラーチェーン中のHTTPステータスを返す（無ければ0）
func StatusCode(err error) int {
	var apiErr *Error
	if errors.As(err, &apiErr) {
		return apiErr.StatusCode
	}
	return 0
}

// IsRateLimited はHTTP 429かどうかを判定する
func IsRateLimited(err error) bool {
	return StatusCode(err) == http.StatusTooManyRequests
}

// IsServerFault はHTTP 5xxかどうかを判定する
func IsServerFault(err error) bool {
	return StatusCode(err) >= http.StatusInternalServerError
}

// Classify はエラーを分類する。nilの場合は空文字を返す
func Classify(err error) Kind {
	if err == nil {
		return ""
	}
	if errors.Is(err, ErrPollExhausted) {
		return KindPollExhausted
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return KindCanceled
	}
	var apiErr *Error
	if errors.As(err, &apiErr) {
		return apiErr.Kind()
	}
	return KindTransientNetwork
}
