package ingestion

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/jinford/assistant-sync/internal/core/apierr"
)

// fakeAPI はテスト用のAPI実装
type fakeAPI struct {
	mu              sync.Mutex
	ProgressFunc    func(ctx context.Context, progressID string) (ProgressPayload, error)
	RetryFunc       func(ctx context.Context, documentID string) (RetryResponse, error)
	DocumentFunc    func(ctx context.Context, documentID string) (Document, error)
	ErrorDetailFunc func(ctx context.Context, documentID string) (ErrorDetail, error)
	calls           map[string]int
	progressIDs     []string
}

func (f *fakeAPI) record(name string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.calls == nil {
		f.calls = make(map[string]int)
	}
	f.calls[name]++
}

func (f *fakeAPI) count(name string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[name]
}

func (f *fakeAPI) Progress(ctx context.Context, progressID string) (ProgressPayload, error) {
	f.record("progress")
	f.mu.Lock()
	f.progressIDs = append(f.progressIDs, progressID)
	f.mu.Unlock()
	return f.ProgressFunc(ctx, progressID)
}

func (f *fakeAPI) Retry(ctx context.Context, documentID string) (RetryResponse, error) {
	f.record("retry")
	if f.RetryFunc != nil {
		return f.RetryFunc(ctx, documentID)
	}
	return RetryResponse{Status: StatusProcessing}, nil
}

func (f *fakeAPI) Document(ctx context.Context, documentID string) (Document, error) {
	f.record("document")
	if f.DocumentFunc != nil {
		return f.DocumentFunc(ctx, documentID)
	}
	return Document{ID: documentID, Title: "handbook.pdf", Status: StatusCompleted, ChunkCount: 200}, nil
}

func (f *fakeAPI) ErrorDetail(ctx context.Context, documentID string) (ErrorDetail, error) {
	f.record("error_detail")
	if f.ErrorDetailFunc != nil {
		return f.ErrorDetailFunc(ctx, documentID)
	}
	return ErrorDetail{Message: "embedding failed", FailedChunks: []ChunkFailure{{Index: 7, Reason: "timeout"}}}, nil
}

// scripted は与えた順に進捗を返す。最後の要素はそれ以降も返し続ける
func scripted(clock *fakeClock, step time.Duration, payloads ...ProgressPayload) func(context.Context, string) (ProgressPayload, error) {
	var mu sync.Mutex
	i := 0
	return func(context.Context, string) (ProgressPayload, error) {
		mu.Lock()
		defer mu.Unlock()
		clock.Advance(step)
		p := payloads[min(i, len(payloads)-1)]
		i++
		return p, nil
	}
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func (f *fakeClock) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

func (f *fakeClock) Advance(d time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.now = f.now.Add(d)
}

// progressLog は観測した進捗を記録する
type progressLog struct {
	mu   sync.Mutex
	seen []Progress
}

func (l *progressLog) observe(p Progress) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.seen = append(l.seen, p)
}

func (l *progressLog) all() []Progress {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]Progress(nil), l.seen...)
}

func newTestTracker(api API, clock *fakeClock, opts ...Option) *Tracker {
	opts = append([]Option{WithPollInterval(time.Millisecond)}, opts...)
	tr := NewTracker(api, "doc-1", "prog-1", opts...)
	tr.now = clock.Now
	return tr
}

func waitDone(t *testing.T, tr *Tracker) {
	t.Helper()
	select {
	case <-tr.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("tracker did not stop polling")
	}
}

func TestTracker_ProgressToCompletion(t *testing.T) {
	defer goleak.VerifyNone(t)

	clock := newFakeClock()
	api := &fakeAPI{
		ProgressFunc: scripted(clock, 10*time.Second,
			ProgressPayload{Status: StatusProcessing, Processed: 50, EmbeddedChunks: 40, TotalChunks: 200},
			ProgressPayload{Status: StatusCompleted, Processed: 200, EmbeddedChunks: 200, TotalChunks: 200},
		),
	}
	log := &progressLog{}
	tr := newTestTracker(api, clock, WithObserver(log.observe))

	tr.Start(context.Background())
	waitDone(t, tr)

	// 1回目: 10秒で50件 → 5件/秒、残り150件で30秒
	var first *Progress
	for _, p := range log.all() {
		if p.Status == StatusProcessing && p.ProcessedCount == 50 {
			first = &p
			break
		}
	}
	require.NotNil(t, first)
	assert.InDelta(t, 5.0, first.ChunksPerSecond, 1e-9)
	require.NotNil(t, first.EstimatedSecondsRemaining)
	assert.InDelta(t, 30.0, *first.EstimatedSecondsRemaining, 1e-9)
	assert.Equal(t, 40, first.EmbeddedCount)

	p := tr.Progress()
	assert.Equal(t, StatusCompleted, p.Status)
	assert.Equal(t, 200, p.ProcessedCount)
	assert.False(t, p.Polling)
	require.NotNil(t, p.Document)
	assert.Equal(t, "handbook.pdf", p.Document.Title)
	assert.Nil(t, p.ErrorDetail)
	require.NotNil(t, p.EstimatedSecondsRemaining)
	assert.Equal(t, 0.0, *p.EstimatedSecondsRemaining)

	assert.Len(t, tr.History(), 2)
	assert.Equal(t, 2, api.count("progress"))
	assert.Equal(t, 1, api.count("document"))
	assert.Equal(t, 0, api.count("error_detail"))
}

func TestTracker_FirstTickHasNoRate(t *testing.T) {
	clock := newFakeClock()
	api := &fakeAPI{
		ProgressFunc: scripted(clock, 0,
			ProgressPayload{Status: StatusCompleted, Processed: 10, TotalChunks: 10},
		),
	}
	tr := newTestTracker(api, clock)

	tr.Start(context.Background())
	waitDone(t, tr)

	p := tr.Progress()
	assert.Equal(t, 0.0, p.ChunksPerSecond)
	assert.Nil(t, p.EstimatedSecondsRemaining)
}

func TestTracker_FailedFetchesErrorDetail(t *testing.T) {
	clock := newFakeClock()
	api := &fakeAPI{
		ProgressFunc: scripted(clock, time.Second,
			ProgressPayload{Status: StatusFailed, Processed: 7, TotalChunks: 20, ErrorMessage: "embedding backend unavailable", FailedChunks: []int{7}},
		),
	}
	tr := newTestTracker(api, clock)

	tr.Start(context.Background())
	waitDone(t, tr)

	p := tr.Progress()
	assert.Equal(t, StatusFailed, p.Status)
	assert.Equal(t, "embedding backend unavailable", p.ErrorMessage)
	assert.Equal(t, []int{7}, p.FailedChunks)
	require.NotNil(t, p.ErrorDetail)
	assert.Equal(t, "embedding failed", p.ErrorDetail.Message)
	assert.NotNil(t, p.Document)
}

func TestTracker_ErrorDetailFailureIsNonFatal(t *testing.T) {
	clock := newFakeClock()
	api := &fakeAPI{
		ProgressFunc: scripted(clock, time.Second,
			ProgressPayload{Status: StatusFailed, Processed: 3, TotalChunks: 20},
		),
		ErrorDetailFunc: func(context.Context, string) (ErrorDetail, error) {
			return ErrorDetail{}, &apierr.Error{StatusCode: 500}
		},
		DocumentFunc: func(context.Context, string) (Document, error) {
			return Document{}, errors.New("connection reset")
		},
	}
	tr := newTestTracker(api, clock)

	tr.Start(context.Background())
	waitDone(t, tr)

	p := tr.Progress()
	assert.Equal(t, StatusFailed, p.Status)
	assert.Equal(t, 3, p.ProcessedCount)
	assert.NoError(t, p.ProgressErr)
	assert.Nil(t, p.ErrorDetail)
	assert.Nil(t, p.Document)
	assert.Equal(t, 1, api.count("error_detail"))
}

func TestTracker_RetryAfterFailure(t *testing.T) {
	defer goleak.VerifyNone(t)

	clock := newFakeClock()
	var mu sync.Mutex
	retried := false
	api := &fakeAPI{
		ProgressFunc: func(context.Context, string) (ProgressPayload, error) {
			clock.Advance(time.Second)
			mu.Lock()
			defer mu.Unlock()
			if !retried {
				return ProgressPayload{Status: StatusFailed, Processed: 5, TotalChunks: 20, ErrorMessage: "boom"}, nil
			}
			return ProgressPayload{Status: StatusCompleted, Processed: 20, TotalChunks: 20}, nil
		},
		RetryFunc: func(_ context.Context, documentID string) (RetryResponse, error) {
			assert.Equal(t, "doc-1", documentID)
			mu.Lock()
			retried = true
			mu.Unlock()
			return RetryResponse{Status: StatusRetrying, ProgressID: "prog-2"}, nil
		},
	}
	log := &progressLog{}
	tr := newTestTracker(api, clock, WithObserver(log.observe))

	tr.Start(context.Background())
	waitDone(t, tr)
	require.Equal(t, StatusFailed, tr.Progress().Status)
	require.NotNil(t, tr.Progress().ErrorDetail)
	historyBefore := len(tr.History())

	require.NoError(t, tr.Retry(context.Background()))

	// リトライ直後は retrying 状態でエラー詳細はクリアされている
	var sawRetrying bool
	for _, p := range log.all() {
		if p.Status == StatusRetrying {
			sawRetrying = true
			assert.Equal(t, 1, p.RetryCount)
			assert.Nil(t, p.ErrorDetail)
			assert.Empty(t, p.ErrorMessage)
		}
	}
	assert.True(t, sawRetrying)

	waitDone(t, tr)

	p := tr.Progress()
	assert.Equal(t, StatusCompleted, p.Status)
	assert.Equal(t, 1, p.RetryCount)
	assert.Equal(t, "prog-2", p.ProgressID)
	assert.Nil(t, p.ErrorDetail)
	// 履歴はリセットされない
	assert.Greater(t, len(tr.History()), historyBefore)

	api.mu.Lock()
	assert.Equal(t, "prog-1", api.progressIDs[0])
	assert.Equal(t, "prog-2", api.progressIDs[len(api.progressIDs)-1])
	api.mu.Unlock()
}

func TestTracker_RetryFailure(t *testing.T) {
	clock := newFakeClock()
	api := &fakeAPI{
		ProgressFunc: scripted(clock, time.Second, ProgressPayload{Status: StatusFailed}),
		RetryFunc: func(context.Context, string) (RetryResponse, error) {
			return RetryResponse{}, &apierr.Error{StatusCode: 429}
		},
	}
	tr := newTestTracker(api, clock)
	tr.Start(context.Background())
	waitDone(t, tr)

	err := tr.Retry(context.Background())
	require.Error(t, err)
	assert.True(t, apierr.IsRateLimited(err))
	assert.Equal(t, 0, tr.Progress().RetryCount)
	assert.Equal(t, StatusFailed, tr.Progress().Status)
}

func TestTracker_TransientPollErrorKeepsPolling(t *testing.T) {
	clock := newFakeClock()
	var mu sync.Mutex
	n := 0
	api := &fakeAPI{
		ProgressFunc: func(context.Context, string) (ProgressPayload, error) {
			mu.Lock()
			defer mu.Unlock()
			n++
			switch n {
			case 1:
				return ProgressPayload{Status: StatusProcessing, Processed: 1, TotalChunks: 4}, nil
			case 2:
				return ProgressPayload{}, &apierr.Error{StatusCode: 503}
			default:
				return ProgressPayload{Status: StatusCompleted, Processed: 4, TotalChunks: 4}, nil
			}
		},
	}
	log := &progressLog{}
	tr := newTestTracker(api, clock, WithObserver(log.observe))

	tr.Start(context.Background())
	waitDone(t, tr)

	var sawErr bool
	for _, p := range log.all() {
		if p.ProgressErr != nil {
			sawErr = true
			// エラー中も直前の進捗は保持される
			assert.Equal(t, 1, p.ProcessedCount)
		}
	}
	assert.True(t, sawErr)

	p := tr.Progress()
	assert.Equal(t, StatusCompleted, p.Status)
	assert.NoError(t, p.ProgressErr)
	assert.Len(t, tr.History(), 2)
}

func TestTracker_UnknownJobStopsPolling(t *testing.T) {
	clock := newFakeClock()
	api := &fakeAPI{
		ProgressFunc: func(context.Context, string) (ProgressPayload, error) {
			return ProgressPayload{}, &apierr.Error{StatusCode: 404}
		},
	}
	tr := newTestTracker(api, clock)

	tr.Start(context.Background())
	waitDone(t, tr)

	p := tr.Progress()
	assert.Equal(t, 404, apierr.StatusCode(p.ProgressErr))
	assert.False(t, p.Polling)
	assert.Equal(t, 1, api.count("progress"))
	assert.Equal(t, 0, api.count("document"))
}

func TestTracker_StopPreventsFurtherUpdates(t *testing.T) {
	defer goleak.VerifyNone(t)

	clock := newFakeClock()
	api := &fakeAPI{
		ProgressFunc: scripted(clock, time.Second,
			ProgressPayload{Status: StatusProcessing, Processed: 1, TotalChunks: 100},
		),
	}
	log := &progressLog{}
	tr := newTestTracker(api, clock, WithObserver(log.observe))

	tr.Start(context.Background())
	require.Eventually(t, func() bool { return api.count("progress") >= 3 }, time.Second, time.Millisecond)

	tr.Stop()
	updates := len(log.all())
	polls := api.count("progress")

	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, updates, len(log.all()), "no state updates after teardown")
	assert.Equal(t, polls, api.count("progress"), "no polls after teardown")
	assert.False(t, tr.Progress().Polling)

	// 二重のStopは何もしない
	tr.Stop()
}

func TestTracker_HistoryIsBounded(t *testing.T) {
	clock := newFakeClock()
	var mu sync.Mutex
	n := 0
	api := &fakeAPI{
		ProgressFunc: func(context.Context, string) (ProgressPayload, error) {
			clock.Advance(time.Second)
			mu.Lock()
			defer mu.Unlock()
			n++
			status := StatusProcessing
			if n == 25 {
				status = StatusCompleted
			}
			return ProgressPayload{Status: status, Processed: n, TotalChunks: 25}, nil
		},
	}
	tr := newTestTracker(api, clock)

	tr.Start(context.Background())
	waitDone(t, tr)

	history := tr.History()
	require.Len(t, history, HistoryCapacity)
	assert.Equal(t, 6, history[0].ProcessedCount)
	assert.Equal(t, 25, history[len(history)-1].ProcessedCount)
}

func TestTracker_StartIsIdempotent(t *testing.T) {
	clock := newFakeClock()
	api := &fakeAPI{
		ProgressFunc: scripted(clock, time.Second, ProgressPayload{Status: StatusProcessing, Processed: 1, TotalChunks: 2}),
	}
	tr := newTestTracker(api, clock, WithPollInterval(time.Hour))
	defer tr.Stop()

	tr.Start(context.Background())
	tr.Start(context.Background())

	require.Eventually(t, func() bool { return api.count("progress") == 1 }, time.Second, time.Millisecond)
	time.Sleep(10 * time.Millisecond)
	assert.Equal(t, 1, api.count("progress"))
}

func TestTracker_RetryWithoutStartUsesRetryContext(t *testing.T) {
	defer goleak.VerifyNone(t)

	clock := newFakeClock()
	api := &fakeAPI{
		ProgressFunc: scripted(clock, time.Second,
			ProgressPayload{Status: StatusProcessing, Processed: 1, TotalChunks: 100},
		),
	}
	tr := newTestTracker(api, clock)

	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, tr.Retry(ctx))
	require.Eventually(t, func() bool { return api.count("progress") >= 1 }, time.Second, time.Millisecond)

	// Retryに渡したコンテキストのキャンセルでループが終了する
	cancel()
	waitDone(t, tr)
	assert.False(t, tr.Progress().Polling)
	assert.Equal(t, 1, tr.Progress().RetryCount)
}

func TestTracker_WithHistoryCapacity(t *testing.T) {
	clock := newFakeClock()
	var mu sync.Mutex
	n := 0
	api := &fakeAPI{
		ProgressFunc: func(context.Context, string) (ProgressPayload, error) {
			clock.Advance(time.Second)
			mu.Lock()
			defer mu.Unlock()
			n++
			status := StatusProcessing
			if n == 5 {
				status = StatusCompleted
			}
			return ProgressPayload{Status: status, Processed: n, TotalChunks: 5}, nil
		},
	}
	tr := newTestTracker(api, clock, WithHistoryCapacity(3))

	tr.Start(context.Background())
	waitDone(t, tr)

	history := tr.History()
	require.Len(t, history, 3)
	assert.Equal(t, 3, history[0].ProcessedCount)
	assert.Equal(t, 5, history[2].ProcessedCount)
}
