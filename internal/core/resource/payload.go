package resource

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/url"
)

// Payload はフェッチ境界で一度だけ正規化されたレスポンス。
// {results, total_count} のエンベロープと素のペイロードの両方をここで吸収する。
type Payload struct {
	// Body はエンベロープの results、または素のペイロード全体
	Body json.RawMessage
	// TotalCount はエンベロープの total_count。素のペイロードの場合は配列長（配列でなければ0）
	TotalCount int
	Enveloped  bool
}

type envelope struct {
	Results    json.RawMessage `json:"results"`
	TotalCount *int            `json:"total_count"`
}

// Normalize はレスポンスボディを正規化する
func Normalize(raw []byte) (Payload, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 {
		return Payload{}, fmt.Errorf("empty payload")
	}

	if trimmed[0] == '{' {
		var env envelope
		if err := json.Unmarshal(trimmed, &env); err != nil {
			return Payload{}, fmt.Errorf("failed to decode payload: %w", err)
		}
		if env.Results != nil && !bytes.Equal(env.Results, []byte("null")) {
			p := Payload{Body: env.Results, Enveloped: true}
			if env.TotalCount != nil {
				p.TotalCount = *env.TotalCount
			} else {
				p.TotalCount = arrayLen(env.Results)
			}
			return p, nil
		}
	}

	return Payload{Body: json.RawMessage(trimmed), TotalCount: arrayLen(trimmed)}, nil
}

// Decode はPayloadを型付きの値にデコードする
func Decode[T any](p Payload) (T, error) {
	var v T
	if err := json.Unmarshal(p.Body, &v); err != nil {
		return v, fmt.Errorf("failed to decode resource: %w", err)
	}
	return v, nil
}

func arrayLen(raw []byte) int {
	if len(raw) == 0 || raw[0] != '[' {
		return 0
	}
	var items []json.RawMessage
	if err := json.Unmarshal(raw, &items); err != nil {
		return 0
	}
	return len(items)
}

// Key はエンドポイントとクエリからキャッシュキーを作る
func Key(endpoint string, params url.Values) string {
	if len(params) == 0 {
		return endpoint
	}
	return endpoint + "?" + params.Encode()
}
