package handler

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/nao1215/apigateway/internal/config"
	"github.com/nao1215/apigateway/internal/route"
	"github.com/nao1215/apigateway/pkg/httpclient"
	"github.com/nao1215/apigateway/pkg/middleware"
)

// 組み込みハンドラの識別子。
const (
	IDUserDashboard = "custom_handlers.user_dashboard"
	IDBatchUpdate   = "custom_handlers.batch_update"
)

// ErrUnknownUpdateType はバッチ更新の type が既知の更新先に一致しないことを表す。
var ErrUnknownUpdateType = errors.New("unknown update type")

// Request は拡張ハンドラに渡される1リクエスト分の情報。
type Request struct {
	// Method はHTTPメソッド。
	Method string
	// Path は正規化済みのリクエストパス。
	Path string
	// Params はパスパターンから抽出したパラメータ。
	Params route.Params
	// Claims は検証済みトークンのクレーム。
	Claims middleware.Claims
	// Body はリクエストボディ。
	Body []byte
}

// Handler は拡張ハンドラが実装するインターフェース。
// 戻り値はJSONにシリアライズされてクライアントへ返される。
type Handler interface {
	Handle(ctx context.Context, req *Request) (any, error)
}

// Context は全ての拡張ハンドラに注入される共有設定。生成後は変更しない。
type Context struct {
	// BackendAPIKey はバックエンド呼び出しに付与する X-API-Key。
	BackendAPIKey string
	// Backends は呼び出し先サービスのベースURL。
	Backends config.BackendsConfig
	// AppName はアプリケーション名。
	AppName string
	// Environment は実行環境名。
	Environment string
}

// NewContext は設定からハンドラコンテキストを生成する。
func NewContext(s *config.Settings) Context {
	backends := s.Backends
	backends.Core = strings.TrimSuffix(backends.Core, "/")
	backends.Conversations = strings.TrimSuffix(backends.Conversations, "/")
	backends.Tags = strings.TrimSuffix(backends.Tags, "/")
	return Context{
		BackendAPIKey: s.Auth.BackendAPIKey,
		Backends:      backends,
		AppName:       s.AppName,
		Environment:   s.Environment,
	}
}

// Timeout はバックエンド呼び出しのタイムアウトを返す。
func (hc Context) Timeout() time.Duration {
	if hc.Backends.Timeout <= 0 {
		return httpclient.DefaultTimeout
	}
	return hc.Backends.Timeout
}

// NewClient は1回の処理専用のHTTPクライアントを生成する。
// X-API-Key とタイムアウトは設定済み。呼び出し側は処理の終了時に Close すること。
func (hc Context) NewClient(opts ...httpclient.Option) *httpclient.Client {
	base := []httpclient.Option{
		httpclient.WithAPIKey(hc.BackendAPIKey),
		httpclient.WithTimeout(hc.Timeout()),
	}
	return httpclient.New(append(base, opts...)...)
}

// StatusError はゲートウェイが返すステータスとメッセージを明示するエラー。
type StatusError struct {
	// Status はクライアントに返すHTTPステータス。
	Status int
	// Detail はクライアントに返すメッセージ。
	Detail string
	// Err は原因となったエラー。ログ出力にのみ使用する。
	Err error
}

// Error はエラーメッセージを返す。
func (e *StatusError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%d %s: %v", e.Status, e.Detail, e.Err)
	}
	return fmt.Sprintf("%d %s", e.Status, e.Detail)
}

// Unwrap は原因となったエラーを返す。
func (e *StatusError) Unwrap() error {
	return e.Err
}

// badRequest は400のStatusErrorを生成する。
func badRequest(detail string) *StatusError {
	return &StatusError{Status: http.StatusBadRequest, Detail: detail}
}

// Factory はハンドラコンテキストから拡張ハンドラを生成する関数。
type Factory func(hc Context) Handler

// builtin は組み込みの拡張ハンドラ。
var builtin = map[string]Factory{
	IDUserDashboard: func(hc Context) Handler { return NewUserDashboard(hc) },
	IDBatchUpdate:   func(hc Context) Handler { return NewBatchUpdate(hc) },
}

// Registry はハンドラ識別子から生成済みの拡張ハンドラを引く。
type Registry struct {
	handlers map[string]Handler
}

// RegistryOption はRegistryの構築を変更する関数。
type RegistryOption func(map[string]Factory)

// WithFactory は識別子に対応するファクトリを追加または置き換える。
func WithFactory(id string, f Factory) RegistryOption {
	return func(factories map[string]Factory) {
		factories[id] = f
	}
}

// RouteChecker はルート定義が拡張ハンドラの前提を満たすかを検証する。
// 実装したハンドラは、参照する全てのルートについて起動時に検証される。
type RouteChecker interface {
	CheckRoute(def route.Definition) error
}

// NewRegistry はルートテーブルが参照する全ての拡張ハンドラを生成する。
// 未登録の識別子を参照するルートや、ハンドラの前提を満たさないルートがあればエラーを返す。
func NewRegistry(hc Context, table *route.Table, opts ...RegistryOption) (*Registry, error) {
	factories := make(map[string]Factory, len(builtin))
	for id, f := range builtin {
		factories[id] = f
	}
	for _, opt := range opts {
		opt(factories)
	}

	r := &Registry{handlers: make(map[string]Handler)}
	for _, def := range table.Routes() {
		if def.Handler == "" {
			continue
		}
		h, ok := r.handlers[def.Handler]
		if !ok {
			f, found := factories[def.Handler]
			if !found {
				return nil, fmt.Errorf("ルート %s %s の拡張ハンドラ %q は登録されていません", def.Method, def.Path, def.Handler)
			}
			h = f(hc)
			r.handlers[def.Handler] = h
			log.Printf("[Handler] 拡張ハンドラを登録しました: %s", def.Handler)
		}
		if checker, ok := h.(RouteChecker); ok {
			if err := checker.CheckRoute(def); err != nil {
				return nil, fmt.Errorf("ルート %s %s は拡張ハンドラ %q に使えません: %w", def.Method, def.Path, def.Handler, err)
			}
		}
	}
	return r, nil
}

// Lookup は識別子に対応する拡張ハンドラを返す。
func (r *Registry) Lookup(id string) (Handler, bool) {
	h, ok := r.handlers[id]
	return h, ok
}

// IDs は登録済みの識別子を昇順で返す。
func (r *Registry) IDs() []string {
	ids := make([]string, 0, len(r.handlers))
	for id := range r.handlers {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
