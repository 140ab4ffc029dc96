package handler

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"slices"
	"sync"

	"github.com/nao1215/apigateway/internal/route"
	"github.com/nao1215/apigateway/pkg/httpclient"
)

// detailProfileFailed はプロフィール取得に失敗した場合のメッセージ。
const detailProfileFailed = "Error fetching user profile"

// DashboardResponse はユーザーダッシュボードのレスポンス。
type DashboardResponse struct {
	// User はコアAPIから取得したプロフィール。
	User any `json:"user"`
	// Activity は会話とタグのアクティビティ。
	Activity DashboardActivity `json:"activity"`
}

// DashboardActivity はベストエフォートで取得するアクティビティ。
// 取得に失敗したセクションは空配列になる。
type DashboardActivity struct {
	Conversations any `json:"conversations"`
	Tags          any `json:"tags"`
}

// fetchResult は1回のGET呼び出しの結果。
type fetchResult struct {
	body any
	err  error
}

// UserDashboard はプロフィール・会話・タグを並行に取得して1つのレスポンスにまとめる。
// プロフィールの取得は必須で、会話とタグはベストエフォートで取得する。
type UserDashboard struct {
	hc Context
}

// NewUserDashboard は新しいUserDashboardを生成する。
func NewUserDashboard(hc Context) *UserDashboard {
	return &UserDashboard{hc: hc}
}

// CheckRoute はルートのパスに {user_id} が含まれることを検証する。
func (h *UserDashboard) CheckRoute(def route.Definition) error {
	if !slices.Contains(def.ParamNames(), "user_id") {
		return errors.New("パスに {user_id} が必要です")
	}
	return nil
}

// Handle はパスパラメータ user_id のダッシュボードを返す。
func (h *UserDashboard) Handle(ctx context.Context, req *Request) (any, error) {
	userID := req.Params["user_id"]
	if userID == "" {
		return nil, errors.New("パスパラメータ user_id がありません")
	}

	client := h.hc.NewClient()
	defer client.Close()

	urls := [3]string{
		fmt.Sprintf("%s/users/%s/profile", h.hc.Backends.Core, userID),
		fmt.Sprintf("%s/conversations/summary/%s", h.hc.Backends.Conversations, userID),
		fmt.Sprintf("%s/tags/user/%s", h.hc.Backends.Tags, userID),
	}

	// 全ての呼び出しを開始してから待ち合わせる。失敗しても他の呼び出しは継続する。
	var results [3]fetchResult
	var wg sync.WaitGroup
	for i, url := range urls {
		wg.Go(func() {
			results[i] = fetchJSON(ctx, client, url)
		})
	}
	wg.Wait()

	profile, conversations, tags := results[0], results[1], results[2]
	if profile.err != nil {
		log.Printf("[Handler] プロフィールの取得に失敗: user_id=%s, error=%v", userID, profile.err)
		return nil, &StatusError{Status: http.StatusInternalServerError, Detail: detailProfileFailed, Err: profile.err}
	}

	return &DashboardResponse{
		User: profile.body,
		Activity: DashboardActivity{
			Conversations: bestEffort(conversations, "conversations", userID),
			Tags:          bestEffort(tags, "tags", userID),
		},
	}, nil
}

// fetchJSON はGETリクエストを送信し、2xxのJSONレスポンスをデコードして返す。
func fetchJSON(ctx context.Context, client *httpclient.Client, url string) fetchResult {
	var body any
	if err := client.GetJSON(ctx, url, &body); err != nil {
		return fetchResult{err: err}
	}
	return fetchResult{body: body}
}

// bestEffort は失敗した結果を空配列に置き換える。
func bestEffort(r fetchResult, section, userID string) any {
	if r.err != nil {
		log.Printf("[Handler] %sの取得に失敗したため空で返します: user_id=%s, error=%v", section, userID, r.err)
		return []any{}
	}
	return r.body
}
