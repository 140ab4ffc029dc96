package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"sync"

	"github.com/nao1215/apigateway/pkg/httpclient"
)

const (
	// detailExpectedArray はバッチ更新のボディが配列でない場合のメッセージ。
	detailExpectedArray = "Expected array of updates"
	// detailUnknownType は未知の更新種類に対する結果メッセージ。
	detailUnknownType = "Unknown update type"
)

// 更新の種類。
const (
	UpdateTypeConversation = "conversation"
	UpdateTypeTag          = "tag"
)

// Update はバッチ更新の1件分の入力。
type Update struct {
	// Type は更新先を選択する識別子。
	Type string `json:"type"`
	// ID は更新対象のID。数値と文字列のどちらも受け付ける。
	ID any `json:"id"`
	// Data はバックエンドに送信するペイロード。
	Data any `json:"data"`
}

// Outcome はバッチ更新の1件分の結果。
type Outcome struct {
	ID      any    `json:"id"`
	Success bool   `json:"success"`
	Data    any    `json:"data,omitempty"`
	Error   string `json:"error,omitempty"`
}

// Summary はバッチ更新の集計。
type Summary struct {
	Total      int `json:"total"`
	Successful int `json:"successful"`
	Failed     int `json:"failed"`
}

// BatchResponse はバッチ更新のレスポンス。
type BatchResponse struct {
	Results []Outcome `json:"results"`
	Summary Summary   `json:"summary"`
}

// BatchUpdate は会話とタグの更新を1件ずつ並行にバックエンドへ送信する。
// 各更新の成否は独立しており、1件の失敗が他の更新に影響することはない。
type BatchUpdate struct {
	hc Context
}

// NewBatchUpdate は新しいBatchUpdateを生成する。
func NewBatchUpdate(hc Context) *BatchUpdate {
	return &BatchUpdate{hc: hc}
}

// Handle はリクエストボディの更新配列を処理する。
// ボディが配列でない場合はバックエンドを呼び出す前に400を返す。
func (h *BatchUpdate) Handle(ctx context.Context, req *Request) (any, error) {
	items, err := decodeUpdates(req.Body)
	if err != nil {
		log.Printf("[Handler] バッチ更新のボディが不正: %v", err)
		return nil, badRequest(detailExpectedArray)
	}

	client := h.hc.NewClient()
	defer client.Close()

	results := make([]Outcome, len(items))
	var wg sync.WaitGroup
	for i, raw := range items {
		wg.Go(func() {
			results[i] = h.process(ctx, client, raw)
		})
	}
	wg.Wait()

	summary := Summary{Total: len(results)}
	for _, r := range results {
		if r.Success {
			summary.Successful++
		} else {
			summary.Failed++
		}
	}
	log.Printf("[Handler] バッチ更新が完了: total=%d, successful=%d, failed=%d", summary.Total, summary.Successful, summary.Failed)

	return &BatchResponse{Results: results, Summary: summary}, nil
}

// decodeUpdates はボディをJSON配列としてデコードする。要素の検証は行わない。
func decodeUpdates(body []byte) ([]json.RawMessage, error) {
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) == 0 || trimmed[0] != '[' {
		return nil, errors.New("ボディがJSON配列ではありません")
	}
	var items []json.RawMessage
	if err := json.Unmarshal(trimmed, &items); err != nil {
		return nil, fmt.Errorf("ボディのデコードに失敗: %w", err)
	}
	return items, nil
}

// rawUpdate は型を検証する前の1件分の入力。
type rawUpdate struct {
	Type any `json:"type"`
	ID   any `json:"id"`
	Data any `json:"data"`
}

// decodeUpdate は1件分の入力をデコードする。IDは数値の表記を保ったまま取り出す。
// type が文字列でない場合は空の Type として扱い、未知の種類になる。
func decodeUpdate(raw json.RawMessage) (Update, error) {
	var r rawUpdate
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	if err := dec.Decode(&r); err != nil {
		return Update{}, err
	}
	typ, _ := r.Type.(string)
	return Update{Type: typ, ID: r.ID, Data: r.Data}, nil
}

// process は1件の更新をバックエンドへ送信して結果を返す。
func (h *BatchUpdate) process(ctx context.Context, client *httpclient.Client, raw json.RawMessage) Outcome {
	u, err := decodeUpdate(raw)
	if err != nil {
		return Outcome{Success: false, Error: "Invalid update item"}
	}

	url, err := h.targetURL(u)
	if errors.Is(err, ErrUnknownUpdateType) {
		return Outcome{ID: u.ID, Success: false, Error: detailUnknownType}
	}
	if err != nil {
		return Outcome{ID: u.ID, Success: false, Error: err.Error()}
	}

	resp, err := client.Do(ctx, http.MethodPut, url, u.Data)
	if err != nil {
		log.Printf("[Handler] 更新に失敗: type=%s, id=%v, error=%v", u.Type, u.ID, err)
		return Outcome{ID: u.ID, Success: false, Error: err.Error()}
	}
	if resp.StatusCode != http.StatusOK {
		log.Printf("[Handler] 更新がエラーを返しました: type=%s, id=%v, status=%d", u.Type, u.ID, resp.StatusCode)
		return Outcome{ID: u.ID, Success: false, Error: fmt.Sprintf("backend returned status %d", resp.StatusCode)}
	}

	var data any
	if err := resp.DecodeJSON(&data); err != nil {
		return Outcome{ID: u.ID, Success: false, Error: err.Error()}
	}
	return Outcome{ID: u.ID, Success: true, Data: data}
}

// targetURL は更新の種類に応じた送信先URLを返す。
func (h *BatchUpdate) targetURL(u Update) (string, error) {
	var base string
	switch u.Type {
	case UpdateTypeConversation:
		base = h.hc.Backends.Conversations + "/conversations/"
	case UpdateTypeTag:
		base = h.hc.Backends.Tags + "/tags/"
	default:
		return "", ErrUnknownUpdateType
	}
	if u.ID == nil {
		return "", errors.New("missing update id")
	}
	return base + fmt.Sprint(u.ID), nil
}
