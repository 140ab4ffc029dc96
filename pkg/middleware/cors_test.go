package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
)

// newCORSRouter はCORSミドルウェアを適用したテスト用ルーターを生成する。
// handlerCalled はハンドラが実行された場合にtrueになる。
func newCORSRouter(cfg CORSConfig, handlerCalled *bool) *gin.Engine {
	router := gin.New()
	router.Use(CORS(cfg))
	handler := func(c *gin.Context) {
		if handlerCalled != nil {
			*handlerCalled = true
		}
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	}
	router.GET("/test", handler)
	router.OPTIONS("/test", handler)
	return router
}

// serveWithOrigin はOriginヘッダー付きのリクエストを送信する。
func serveWithOrigin(router *gin.Engine, method, origin string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, "/test", nil)
	if origin != "" {
		req.Header.Set("Origin", origin)
	}
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

// TestCORS はCORSミドルウェアを検証する。
func TestCORS(t *testing.T) {
	t.Parallel()

	t.Run("許可されたオリジンからのリクエストにCORSヘッダーが設定されること", func(t *testing.T) {
		t.Parallel()

		called := false
		router := newCORSRouter(CORSConfig{AllowedOrigins: []string{"http://localhost:3000", "https://example.com"}}, &called)
		w := serveWithOrigin(router, http.MethodGet, "https://example.com")

		if w.Code != http.StatusOK {
			t.Errorf("ステータスコード = %d, want %d", w.Code, http.StatusOK)
		}
		if !called {
			t.Error("GETリクエストでハンドラーが呼ばれるべき")
		}
		if got := w.Header().Get("Access-Control-Allow-Origin"); got != "https://example.com" {
			t.Errorf("Access-Control-Allow-Origin = %q, want %q", got, "https://example.com")
		}
		if got := w.Header().Get("Access-Control-Allow-Methods"); got != "GET, POST, PUT, DELETE, OPTIONS" {
			t.Errorf("Access-Control-Allow-Methods = %q", got)
		}
		if got := w.Header().Get("Access-Control-Allow-Headers"); got != "Authorization, Content-Type" {
			t.Errorf("Access-Control-Allow-Headers = %q", got)
		}
		if got := w.Header().Get("Access-Control-Allow-Credentials"); got != "" {
			t.Errorf("Access-Control-Allow-Credentials = %q, want empty", got)
		}
	})

	t.Run("許可されていないオリジンやOriginが無い場合はCORSヘッダーが設定されないこと", func(t *testing.T) {
		t.Parallel()

		router := newCORSRouter(CORSConfig{AllowedOrigins: []string{"http://localhost:3000"}}, nil)
		for _, origin := range []string{"https://evil.com", ""} {
			w := serveWithOrigin(router, http.MethodGet, origin)
			if w.Code != http.StatusOK {
				t.Errorf("ステータスコード = %d, want %d", w.Code, http.StatusOK)
			}
			if got := w.Header().Get("Access-Control-Allow-Origin"); got != "" {
				t.Errorf("origin %q: Access-Control-Allow-Origin = %q, want empty string", origin, got)
			}
		}
	})

	t.Run("設定したメソッドとヘッダーと資格情報の許可が返ること", func(t *testing.T) {
		t.Parallel()

		router := newCORSRouter(CORSConfig{
			AllowedOrigins:   []string{"https://app.example.com"},
			AllowedMethods:   []string{"GET", "POST"},
			AllowedHeaders:   []string{"Authorization", "X-Request-ID"},
			AllowCredentials: true,
		}, nil)
		w := serveWithOrigin(router, http.MethodGet, "https://app.example.com")

		if got := w.Header().Get("Access-Control-Allow-Methods"); got != "GET, POST" {
			t.Errorf("Access-Control-Allow-Methods = %q, want %q", got, "GET, POST")
		}
		if got := w.Header().Get("Access-Control-Allow-Headers"); got != "Authorization, X-Request-ID" {
			t.Errorf("Access-Control-Allow-Headers = %q", got)
		}
		if got := w.Header().Get("Access-Control-Allow-Credentials"); got != "true" {
			t.Errorf("Access-Control-Allow-Credentials = %q, want %q", got, "true")
		}
	})

	t.Run("ワイルドカード指定で資格情報が無い場合は*が返ること", func(t *testing.T) {
		t.Parallel()

		router := newCORSRouter(CORSConfig{AllowedOrigins: []string{"*"}}, nil)
		w := serveWithOrigin(router, http.MethodGet, "https://any.example.com")

		if got := w.Header().Get("Access-Control-Allow-Origin"); got != "*" {
			t.Errorf("Access-Control-Allow-Origin = %q, want %q", got, "*")
		}
	})

	t.Run("ワイルドカード指定で資格情報を許可する場合はオリジンがそのまま返ること", func(t *testing.T) {
		t.Parallel()

		router := newCORSRouter(CORSConfig{AllowedOrigins: []string{"*"}, AllowCredentials: true}, nil)
		w := serveWithOrigin(router, http.MethodGet, "https://any.example.com")

		if got := w.Header().Get("Access-Control-Allow-Origin"); got != "https://any.example.com" {
			t.Errorf("Access-Control-Allow-Origin = %q, want %q", got, "https://any.example.com")
		}
		if got := w.Header().Get("Vary"); got != "Origin" {
			t.Errorf("Vary = %q, want %q", got, "Origin")
		}
	})

	t.Run("OPTIONSリクエストは204で中断されハンドラーが呼ばれないこと", func(t *testing.T) {
		t.Parallel()

		called := false
		router := newCORSRouter(CORSConfig{AllowedOrigins: []string{"http://localhost:3000"}}, &called)

		for _, origin := range []string{"http://localhost:3000", "https://evil.com"} {
			w := serveWithOrigin(router, http.MethodOptions, origin)
			if w.Code != http.StatusNoContent {
				t.Errorf("origin %q: ステータスコード = %d, want %d", origin, w.Code, http.StatusNoContent)
			}
		}
		if called {
			t.Error("OPTIONSリクエストでハンドラーが呼ばれるべきではない")
		}
	})
}
