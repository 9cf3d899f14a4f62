package ingestion

// HistoryCapacity は保持する進捗スナップショットの上限
const HistoryCapacity = 20

// History は固定長のリングバッファ。容量を超えると最も古いスナップショットを捨てる
type History struct {
	buf   []Snapshot
	start int
	size  int
}

// NewHistory は指定容量のHistoryを作成する
func NewHistory(capacity int) *History {
	if capacity <= 0 {
		capacity = HistoryCapacity
	}
	return &History{buf: make([]Snapshot, capacity)}
}

// Append はスナップショットを追加する
func (h *History) Append(s Snapshot) {
	if h.size < len(h.buf) {
		h.buf[(h.start+h.size)%len(h.buf)] = s
		h.size++
		return
	}
	h.buf[h.start] = s
	h.start = (h.start + 1) % len(h.buf)
}

func (h *History) Len() int {
	return h.size
}

// Snapshots は古い順にコピーを返す
func (h *History) Snapshots() []Snapshot {
	out := make([]Snapshot, h.size)
	for i := range h.size {
		out[i] = h.buf[(h.start+i)%len(h.buf)]
	}
	return out
}
