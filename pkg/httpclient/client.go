package httpclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"
)

// ErrUpstream はバックエンドとの通信そのものに失敗したことを表す。
// 接続エラー、タイムアウト、レスポンス読み取りの失敗がこれに該当する。
var ErrUpstream = errors.New("upstream request failed")

// DefaultTimeout はリクエスト全体のデフォルトタイムアウト。
const DefaultTimeout = 5 * time.Second

// Client はバックエンド呼び出し用のHTTPクライアント。
// 1回の処理ごとに生成し、処理が終わったら Close で接続を解放する。
type Client struct {
	// httpClient は内部で使用するHTTPクライアント。
	httpClient *http.Client
	// transport はこのクライアント専用のトランスポート。他の処理と共有しない。
	transport *http.Transport
	// apiKey は X-API-Key ヘッダーに設定する共有キー。
	apiKey string
	// header は全リクエストに付与する追加ヘッダー。
	header http.Header
}

// Option はClientの設定を変更する関数。
type Option func(*Client)

// WithAPIKey はバックエンド用の X-API-Key を設定する。
func WithAPIKey(apiKey string) Option {
	return func(c *Client) {
		c.apiKey = apiKey
	}
}

// WithTimeout はリクエストのタイムアウトを設定する。0以下の場合は無制限。
func WithTimeout(timeout time.Duration) Option {
	return func(c *Client) {
		if timeout < 0 {
			timeout = 0
		}
		c.httpClient.Timeout = timeout
	}
}

// WithHeader は全リクエストに付与するヘッダーを追加する。
func WithHeader(key, value string) Option {
	return func(c *Client) {
		c.header.Set(key, value)
	}
}

// New は新しい専用トランスポートを持つHTTPクライアントを生成する。
func New(opts ...Option) *Client {
	transport := http.DefaultTransport.(*http.Transport).Clone()
	c := &Client{
		httpClient: &http.Client{
			Timeout:   DefaultTimeout,
			Transport: transport,
		},
		transport: transport,
		header:    make(http.Header),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Close はクライアントが保持するアイドル接続を解放する。
func (c *Client) Close() {
	c.transport.CloseIdleConnections()
}

// Response はバックエンドから受け取ったレスポンス。ボディは読み取り済み。
type Response struct {
	// StatusCode はHTTPステータスコード。
	StatusCode int
	// Header はレスポンスヘッダー。
	Header http.Header
	// Body はレスポンスボディ。
	Body []byte
}

// OK はステータスコードが2xxかどうかを返す。
func (r *Response) OK() bool {
	return r.StatusCode >= 200 && r.StatusCode < 300
}

// DecodeJSON はレスポンスボディをJSONとしてデシリアライズする。
func (r *Response) DecodeJSON(result any) error {
	if err := json.Unmarshal(r.Body, result); err != nil {
		return fmt.Errorf("レスポンスボディのデシリアライズに失敗: %w", err)
	}
	return nil
}

// StatusError はバックエンドが2xx以外のステータスを返したことを表す。
type StatusError struct {
	// StatusCode はバックエンドが返したステータスコード。
	StatusCode int
	// Body はバックエンドが返したボディ。
	Body string
}

// Error はエラーメッセージを返す。
func (e *StatusError) Error() string {
	return fmt.Sprintf("HTTPエラー: status=%d, body=%s", e.StatusCode, e.Body)
}

// Do は指定したメソッドとURLでリクエストを送信し、レスポンスを返す。
// bodyがnilでない場合はJSONにシリアライズして送信する。
// ステータスコードの判定は呼び出し側に任せる。
func (c *Client) Do(ctx context.Context, method, url string, body any) (*Response, error) {
	var bodyReader io.Reader
	if body != nil {
		jsonBody, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("リクエストボディのシリアライズに失敗: %w", err)
		}
		bodyReader = bytes.NewReader(jsonBody)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("HTTPリクエストの作成に失敗: %w", err)
	}
	for key, values := range c.header {
		for _, v := range values {
			req.Header.Add(key, v)
		}
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("X-API-Key", c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: HTTPリクエストの送信に失敗: %w", ErrUpstream, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: レスポンスの読み取りに失敗: %w", ErrUpstream, err)
	}

	return &Response{
		StatusCode: resp.StatusCode,
		Header:     resp.Header,
		Body:       respBody,
	}, nil
}

// GetJSON は指定URLにGETリクエストを送信する。
// 2xx以外は *StatusError を返し、それ以外はレスポンスボディをresultにデシリアライズする。
func (c *Client) GetJSON(ctx context.Context, url string, result any) error {
	return c.doJSON(ctx, http.MethodGet, url, nil, result)
}

// doJSON はJSON形式のHTTPリクエストを実行する共通処理。
func (c *Client) doJSON(ctx context.Context, method, url string, body any, result any) error {
	resp, err := c.Do(ctx, method, url, body)
	if err != nil {
		return err
	}
	if !resp.OK() {
		return &StatusError{StatusCode: resp.StatusCode, Body: string(resp.Body)}
	}
	if result != nil {
		return resp.DecodeJSON(result)
	}
	return nil
}
