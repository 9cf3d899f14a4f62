package ingestion

import "time"

// Metrics はスナップショットから導出したスループットと残り時間
type Metrics struct {
	ChunksPerSecond float64
	// EstimatedSecondsRemaining は速度が0の場合nil。負の値にはならない
	EstimatedSecondsRemaining *float64
}

// ComputeMetrics は計測開始時刻からの経過時間で処理速度と残り時間を計算する
func ComputeMetrics(start time.Time, s Snapshot) Metrics {
	elapsed := s.Timestamp.Sub(start).Seconds()
	if elapsed <= 0 || s.ProcessedCount <= 0 {
		return Metrics{}
	}

	rate := float64(s.ProcessedCount) / elapsed
	remaining := float64(s.TotalCount-s.ProcessedCount) / rate
	if remaining < 0 {
		remaining = 0
	}

	return Metrics{
		ChunksPerSecond:           rate,
		EstimatedSecondsRemaining: &remaining,
	}
}
