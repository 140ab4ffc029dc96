package httpclient

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

// testRequest はテストサーバーが受け取ったリクエスト情報を保持する構造体。
type testRequest struct {
	// Method はHTTPメソッド。
	Method string
	// Path はリクエストパス。
	Path string
	// Body はリクエストボディ。
	Body []byte
	// Headers はリクエストヘッダー。
	Headers http.Header
}

// testPayload はテスト用のリクエスト/レスポンスペイロード。
type testPayload struct {
	// Name はテスト用の名前フィールド。
	Name string `json:"name"`
	// Value はテスト用の値フィールド。
	Value int `json:"value"`
}

// newRecordingServer は受信したリクエストを記録し、固定レスポンスを返すテストサーバーを生成する。
func newRecordingServer(t *testing.T, status int, body string) (*httptest.Server, *testRequest) {
	t.Helper()

	received := &testRequest{}
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		received.Method = r.Method
		received.Path = r.URL.Path
		received.Body, _ = io.ReadAll(r.Body)
		received.Headers = r.Header.Clone()

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_, _ = io.WriteString(w, body)
	}))
	t.Cleanup(ts.Close)
	return ts, received
}

// TestNew はNew関数でクライアントが正しく生成されることを検証する。
func TestNew(t *testing.T) {
	t.Parallel()

	t.Run("デフォルトのタイムアウトが5秒に設定されていること", func(t *testing.T) {
		t.Parallel()

		client := New()
		defer client.Close()

		if client.httpClient.Timeout != DefaultTimeout {
			t.Errorf("Timeout = %v, want %v", client.httpClient.Timeout, DefaultTimeout)
		}
	})

	t.Run("オプションが適用されること", func(t *testing.T) {
		t.Parallel()

		client := New(WithAPIKey("key"), WithTimeout(2*time.Second), WithHeader("X-Request-ID", "req-1"))
		defer client.Close()

		if got := client.header.Get("X-Request-ID"); got != "req-1" {
			t.Errorf("header X-Request-ID = %q, want %q", got, "req-1")
		}
		if client.apiKey != "key" {
			t.Errorf("apiKey = %q, want %q", client.apiKey, "key")
		}
		if client.httpClient.Timeout != 2*time.Second {
			t.Errorf("Timeout = %v, want 2s", client.httpClient.Timeout)
		}
	})

	t.Run("クライアントごとに専用のトランスポートを持つこと", func(t *testing.T) {
		t.Parallel()

		a := New()
		b := New()
		defer a.Close()
		defer b.Close()

		if a.transport == b.transport {
			t.Error("トランスポートが共有されている")
		}
		if a.transport == http.DefaultTransport {
			t.Error("デフォルトトランスポートが使用されている")
		}
	})
}

// TestDo はDo関数を検証する。
func TestDo(t *testing.T) {
	t.Parallel()

	t.Run("共通ヘッダーが付与されレスポンスが返ること", func(t *testing.T) {
		t.Parallel()

		ts, received := newRecordingServer(t, http.StatusOK, `{"name":"ok","value":1}`)
		client := New(WithAPIKey("secret-key"), WithHeader("X-Request-ID", "req-1"))
		defer client.Close()

		resp, err := client.Do(context.Background(), http.MethodDelete, ts.URL+"/items/1", nil)
		if err != nil {
			t.Fatalf("Do()でエラーが発生: %v", err)
		}

		if received.Method != http.MethodDelete {
			t.Errorf("Method = %q, want %q", received.Method, http.MethodDelete)
		}
		if received.Path != "/items/1" {
			t.Errorf("Path = %q, want %q", received.Path, "/items/1")
		}
		if got := received.Headers.Get("Content-Type"); got != "application/json" {
			t.Errorf("Content-Type = %q, want %q", got, "application/json")
		}
		if got := received.Headers.Get("X-API-Key"); got != "secret-key" {
			t.Errorf("X-API-Key = %q, want %q", got, "secret-key")
		}
		if got := received.Headers.Get("X-Request-ID"); got != "req-1" {
			t.Errorf("X-Request-ID = %q, want %q", got, "req-1")
		}
		if len(received.Body) != 0 {
			t.Errorf("Body = %q, want empty", string(received.Body))
		}
		if !resp.OK() {
			t.Errorf("OK() = false, status=%d", resp.StatusCode)
		}

		var result testPayload
		if err := resp.DecodeJSON(&result); err != nil {
			t.Fatalf("DecodeJSON()でエラーが発生: %v", err)
		}
		if result.Name != "ok" || result.Value != 1 {
			t.Errorf("result = %+v", result)
		}
	})

	t.Run("APIキーが未設定の場合X-API-Keyヘッダーが付与されないこと", func(t *testing.T) {
		t.Parallel()

		ts, received := newRecordingServer(t, http.StatusOK, `{}`)
		client := New()
		defer client.Close()

		if _, err := client.Do(context.Background(), http.MethodGet, ts.URL, nil); err != nil {
			t.Fatalf("Do()でエラーが発生: %v", err)
		}
		if got := received.Headers.Get("X-API-Key"); got != "" {
			t.Errorf("X-API-Key = %q, want empty", got)
		}
	})

	t.Run("エラーステータスでもレスポンスが返ること", func(t *testing.T) {
		t.Parallel()

		ts, _ := newRecordingServer(t, http.StatusNotFound, `{"error":"not found"}`)
		client := New()
		defer client.Close()

		resp, err := client.Do(context.Background(), http.MethodGet, ts.URL, nil)
		if err != nil {
			t.Fatalf("Do()でエラーが発生: %v", err)
		}
		if resp.OK() {
			t.Error("OK() = true, want false")
		}
		if resp.StatusCode != http.StatusNotFound {
			t.Errorf("StatusCode = %d, want %d", resp.StatusCode, http.StatusNotFound)
		}
		if string(resp.Body) != `{"error":"not found"}` {
			t.Errorf("Body = %q", string(resp.Body))
		}
	})

	t.Run("接続できないサーバーに対してErrUpstreamが返ること", func(t *testing.T) {
		t.Parallel()

		ts := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
		url := ts.URL
		ts.Close()

		client := New()
		defer client.Close()

		_, err := client.Do(context.Background(), http.MethodGet, url, nil)
		if !errors.Is(err, ErrUpstream) {
			t.Errorf("error = %v, want ErrUpstream", err)
		}
	})

	t.Run("タイムアウトでErrUpstreamが返ること", func(t *testing.T) {
		t.Parallel()

		ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			select {
			case <-r.Context().Done():
			case <-time.After(2 * time.Second):
			}
		}))
		t.Cleanup(ts.Close)

		client := New(WithTimeout(50 * time.Millisecond))
		defer client.Close()

		_, err := client.Do(context.Background(), http.MethodGet, ts.URL, nil)
		if !errors.Is(err, ErrUpstream) {
			t.Errorf("error = %v, want ErrUpstream", err)
		}
	})

	t.Run("キャンセルされたコンテキストでエラーが返ること", func(t *testing.T) {
		t.Parallel()

		ts, _ := newRecordingServer(t, http.StatusOK, `{}`)
		client := New()
		defer client.Close()

		ctx, cancel := context.WithCancel(context.Background())
		cancel()

		if _, err := client.Do(ctx, http.MethodGet, ts.URL, nil); err == nil {
			t.Fatal("キャンセル済みコンテキストでエラーが返るべき")
		}
	})
}

// TestGetJSON はGetJSON関数を検証する。
func TestGetJSON(t *testing.T) {
	t.Parallel()

	t.Run("正常にGETリクエストを送信してレスポンスを取得できること", func(t *testing.T) {
		t.Parallel()

		ts, received := newRecordingServer(t, http.StatusOK, `{"name":"profile","value":7}`)
		client := New()
		defer client.Close()

		var result testPayload
		if err := client.GetJSON(context.Background(), ts.URL+"/users/1/profile", &result); err != nil {
			t.Fatalf("GetJSON()でエラーが発生: %v", err)
		}
		if received.Method != http.MethodGet {
			t.Errorf("Method = %q, want %q", received.Method, http.MethodGet)
		}
		if result.Name != "profile" || result.Value != 7 {
			t.Errorf("result = %+v", result)
		}
	})

	t.Run("サーバーが404を返した場合にStatusErrorが返ること", func(t *testing.T) {
		t.Parallel()

		ts, _ := newRecordingServer(t, http.StatusNotFound, `{"error":"missing"}`)
		client := New()
		defer client.Close()

		var result testPayload
		err := client.GetJSON(context.Background(), ts.URL, &result)

		var statusErr *StatusError
		if !errors.As(err, &statusErr) {
			t.Fatalf("error = %v, want *StatusError", err)
		}
		if statusErr.StatusCode != http.StatusNotFound {
			t.Errorf("StatusCode = %d, want %d", statusErr.StatusCode, http.StatusNotFound)
		}
	})

	t.Run("不正なJSONレスポンスでエラーが返ること", func(t *testing.T) {
		t.Parallel()

		ts, _ := newRecordingServer(t, http.StatusOK, `not json`)
		client := New()
		defer client.Close()

		var result testPayload
		if err := client.GetJSON(context.Background(), ts.URL, &result); err == nil {
			t.Fatal("不正なJSONでエラーが返るべき")
		}
	})
}
